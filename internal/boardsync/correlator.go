package boardsync

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// BoardSink is what the Correlator applies resolved events to.
type BoardSink interface {
	BoardsForProject(project string) []string
	ApplyMutation(boardID string, m Mutation) (uint64, error)
	ApplyReorder(boardID string, intent RerankIntent) (uint64, error)
}

type CorrelatorOptions struct {
	Logger  log.FieldLogger
	Metrics *Metrics
}

// Correlator joins a rerank intent with the per-item notifications of the
// same unit of work, whichever arrives first, and applies the batch once
// every member has been seen.
type Correlator struct {
	sink    BoardSink
	slots   *slotRegistry
	logger  log.FieldLogger
	metrics *Metrics
}

func NewCorrelator(sink BoardSink, opts CorrelatorOptions) *Correlator {
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Correlator{
		sink:    sink,
		slots:   newSlotRegistry(),
		logger:  logger,
		metrics: opts.Metrics,
	}
}

// OnRerankIntent starts tracking intent for the unit of work in ctx. A slot
// already active for the unit is replaced.
func (c *Correlator) OnRerankIntent(ctx context.Context, intent RerankIntent) error {
	unit, ok := UnitOfWorkFrom(ctx)
	if !ok {
		return ErrNoUnitOfWork
	}
	if intent.Len() == 0 {
		return fmt.Errorf("%w: empty rerank intent", ErrInvalidInput)
	}
	logger := c.logger.WithFields(log.Fields{"unit_of_work": unit, "project": intent.Project()})
	if len(c.sink.BoardsForProject(intent.Project())) == 0 {
		if c.slots.remove(unit) != nil {
			c.metrics.slotOutcome("replaced")
		}
		logger.Debug("rerank intent for project without boards ignored")
		c.metrics.setActiveSlots(c.slots.len())
		return nil
	}
	slot := NewSlot(intent)
	replaced, state := c.slots.open(unit, slot)
	if replaced != nil {
		c.metrics.slotOutcome("replaced")
		logger.WithField("previous", replaced.Intent().String()).Debug("rerank slot replaced")
	}
	c.metrics.setActiveSlots(c.slots.len())
	if state != SlotPending {
		return c.settle(slot, state, logger)
	}
	logger.WithFields(log.Fields{"keys": intent.Keys(), "pending": slot.Pending()}).Debug("rerank slot opened")
	return nil
}

// OnRerankCompletion discards the unit's slot whether or not it resolved.
func (c *Correlator) OnRerankCompletion(ctx context.Context) {
	unit, ok := UnitOfWorkFrom(ctx)
	if !ok {
		return
	}
	if slot := c.slots.remove(unit); slot != nil {
		c.metrics.slotOutcome("completed")
		c.logger.WithFields(log.Fields{
			"unit_of_work": unit,
			"pending":      slot.Pending(),
		}).Debug("rerank slot closed by completion signal")
	}
	c.metrics.setActiveSlots(c.slots.len())
}

// OnItemMutation applies a confirmed per-item change and advances any rerank
// batch the unit of work is tracking.
func (c *Correlator) OnItemMutation(ctx context.Context, m Mutation) error {
	if err := m.Validate(); err != nil {
		return err
	}
	unit, hasUnit := UnitOfWorkFrom(ctx)
	boards := c.sink.BoardsForProject(m.Project)
	if len(boards) == 0 {
		if hasUnit {
			c.observe(unit, m.Key, false, m.Reranked())
		}
		return nil
	}

	tracked := false
	if hasUnit && m.Reranked() {
		tracked = c.slots.get(unit) != nil
	}
	var errs []error
	if !(tracked && m.IsRerankOnly()) {
		for _, boardID := range boards {
			if _, err := c.sink.ApplyMutation(boardID, m); err != nil {
				errs = append(errs, fmt.Errorf("apply %s to board %s: %w", m.Key, boardID, err))
			}
		}
	}
	if hasUnit && m.Reranked() {
		if err := c.observe(unit, m.Key, true, true); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Active reports the number of units of work with an open slot.
func (c *Correlator) Active() int {
	return c.slots.len()
}

// Reset drops every slot. Called on teardown.
func (c *Correlator) Reset() {
	if n := c.slots.clear(); n > 0 {
		c.logger.WithField("slots", n).Info("cleared pending rerank slots")
	}
	c.metrics.setActiveSlots(0)
}

func (c *Correlator) observe(unit, key string, relevant, remember bool) error {
	slot, state, ok := c.slots.observe(unit, key, relevant, remember)
	if !ok {
		return nil
	}
	logger := c.logger.WithFields(log.Fields{"unit_of_work": unit, "key": key, "relevant": relevant})
	if state == SlotPending {
		logger.WithField("pending", slot.Pending()).Debug("rerank member observed")
		return nil
	}
	return c.settle(slot, state, logger)
}

// settle finishes a slot that reached a terminal state.
func (c *Correlator) settle(slot *Slot, state SlotState, logger log.FieldLogger) error {
	if state == SlotAbandoned {
		c.metrics.slotOutcome("abandoned")
		c.metrics.setActiveSlots(c.slots.len())
		logger.Debug("rerank batch abandoned, no member is on a board")
		return nil
	}

	c.metrics.slotOutcome("resolved")
	c.metrics.setActiveSlots(c.slots.len())
	effective := slot.Effective()
	logger.WithField("intent", effective.String()).Debug("rerank batch resolved")
	var errs []error
	for _, boardID := range c.sink.BoardsForProject(effective.Project()) {
		if _, err := c.sink.ApplyReorder(boardID, effective); err != nil {
			errs = append(errs, fmt.Errorf("reorder board %s: %w", boardID, err))
		}
	}
	return errors.Join(errs...)
}
