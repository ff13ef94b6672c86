package boardsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

type EngineOptions struct {
	Store     *Store
	Resolver  ItemResolver
	Validator *NotificationValidator
	Logger    log.FieldLogger
	Metrics   *Metrics
}

// IngestResult describes an accepted notification.
type IngestResult struct {
	ID         string `json:"id"`
	UnitOfWork string `json:"unitOfWork"`
	Type       string `json:"type"`
	Actions    int    `json:"actions"`
	Ignored    bool   `json:"ignored,omitempty"`
}

// Engine is the entry point for the notification pipeline and the read
// paths.
type Engine struct {
	store      *Store
	correlator *Correlator
	translator *Translator
	validator  *NotificationValidator
	logger     log.FieldLogger
	metrics    *Metrics
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: engine requires a store", ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	validator := opts.Validator
	if validator == nil {
		v, err := NewNotificationValidator()
		if err != nil {
			return nil, err
		}
		validator = v
	}
	return &Engine{
		store:      opts.Store,
		correlator: NewCorrelator(opts.Store, CorrelatorOptions{Logger: logger, Metrics: opts.Metrics}),
		translator: NewTranslator(opts.Store, opts.Resolver),
		validator:  validator,
		logger:     logger,
		metrics:    opts.Metrics,
	}, nil
}

func (e *Engine) Store() *Store {
	return e.store
}

func (e *Engine) HandleMutation(ctx context.Context, m Mutation) error {
	return e.correlator.OnItemMutation(ctx, m)
}

func (e *Engine) HandleRerankIntent(ctx context.Context, intent RerankIntent) error {
	return e.correlator.OnRerankIntent(ctx, intent)
}

func (e *Engine) HandleRerankCompletion(ctx context.Context) {
	e.correlator.OnRerankCompletion(ctx)
}

func (e *Engine) GetBoard(ctx context.Context, boardID string, backlog bool) (BoardSnapshot, error) {
	return e.store.GetBoard(ctx, boardID, backlog)
}

func (e *Engine) GetDelta(ctx context.Context, boardID string, since uint64, backlog bool) (DeltaResult, error) {
	if err := ctx.Err(); err != nil {
		return DeltaResult{}, err
	}
	return e.store.ComputeDelta(boardID, since, backlog)
}

func (e *Engine) Rebuild(ctx context.Context, boardID string) (uint64, error) {
	return e.store.Rebuild(ctx, boardID)
}

func (e *Engine) ActiveSlots() int {
	return e.correlator.Active()
}

// Ingest validates, translates and dispatches one raw notification. The unit
// of work comes from ctx, then from the envelope, then a fresh id.
func (e *Engine) Ingest(ctx context.Context, raw []byte) (IngestResult, error) {
	if err := e.validator.Validate(raw); err != nil {
		e.metrics.notification("unknown", "rejected")
		return IngestResult{}, err
	}
	var n Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		e.metrics.notification("unknown", "rejected")
		return IngestResult{}, fmt.Errorf("%w: decode notification: %v", ErrInvalidInput, err)
	}
	if strings.TrimSpace(n.ID) == "" {
		n.ID = uuid.NewString()
	}
	unit, ok := UnitOfWorkFrom(ctx)
	if !ok {
		unit = strings.TrimSpace(n.UnitOfWork)
		if unit == "" {
			unit = uuid.NewString()
		}
		ctx = WithUnitOfWork(ctx, unit)
	}
	result := IngestResult{ID: n.ID, UnitOfWork: unit, Type: n.Type}
	logger := e.logger.WithFields(log.Fields{
		"notification": n.ID,
		"type":         n.Type,
		"unit_of_work": unit,
	})

	actions, err := e.translator.Translate(ctx, n)
	if err != nil {
		e.metrics.notification(n.Type, "rejected")
		logger.WithError(err).Warn("notification rejected")
		return result, err
	}
	result.Actions = len(actions)
	if len(actions) == 1 && actions[0].Type == ActionIgnored {
		result.Ignored = true
		e.metrics.notification(n.Type, "ignored")
		logger.Debug("notification ignored")
		return result, nil
	}

	var errs []error
	for _, action := range actions {
		if err := e.dispatch(ctx, action); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		e.metrics.notification(n.Type, "failed")
		logger.WithError(err).Warn("notification applied with errors")
		return result, err
	}
	e.metrics.notification(n.Type, "applied")
	logger.WithField("actions", len(actions)).Debug("notification applied")
	return result, nil
}

func (e *Engine) dispatch(ctx context.Context, action Action) error {
	switch action.Type {
	case ActionMutation:
		return e.HandleMutation(ctx, action.Mutation)
	case ActionRerankIntent:
		return e.HandleRerankIntent(ctx, action.Intent)
	case ActionRerankDone:
		e.HandleRerankCompletion(ctx)
		return nil
	case ActionIgnored:
		return nil
	default:
		return fmt.Errorf("%w: action %s", ErrNotImplemented, action.Type)
	}
}

// Close drops every pending rerank slot.
func (e *Engine) Close() {
	e.correlator.Reset()
}
