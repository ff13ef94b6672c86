package boardsync

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type SlotState int

const (
	SlotPending SlotState = iota
	SlotResolved
	SlotAbandoned
)

func (s SlotState) String() string {
	switch s {
	case SlotPending:
		return "pending"
	case SlotResolved:
		return "resolved"
	case SlotAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("SlotState(%d)", int(s))
	}
}

// Slot tracks one in-flight rerank batch for a unit of work until every member
// has been observed (resolved) or none of them turned out to matter
// (abandoned).
type Slot struct {
	intent   RerankIntent
	members  map[string]struct{}
	pending  map[string]struct{}
	relevant map[string]struct{}
	state    SlotState
}

func NewSlot(intent RerankIntent) *Slot {
	keys := intent.Keys()
	s := &Slot{
		intent:   intent,
		members:  make(map[string]struct{}, len(keys)),
		pending:  make(map[string]struct{}, len(keys)),
		relevant: make(map[string]struct{}, len(keys)),
	}
	for _, k := range keys {
		s.members[k] = struct{}{}
		s.pending[k] = struct{}{}
		s.relevant[k] = struct{}{}
	}
	return s
}

func (s *Slot) Intent() RerankIntent {
	return s.intent
}

func (s *Slot) State() SlotState {
	return s.state
}

func (s *Slot) Pending() int {
	return len(s.pending)
}

// Observe records the per-item notification for key. Keys outside the intent
// leave the slot unchanged.
func (s *Slot) Observe(key string, relevant bool) SlotState {
	if s.state != SlotPending {
		panic(fmt.Sprintf("boardsync: observe %s on %s slot", key, s.state))
	}
	if _, ok := s.members[key]; !ok {
		return s.state
	}
	if !relevant {
		delete(s.relevant, key)
	}
	delete(s.pending, key)
	switch {
	case len(s.relevant) == 0:
		s.state = SlotAbandoned
	case len(s.pending) == 0:
		s.state = SlotResolved
	}
	return s.state
}

// Effective is the intent restricted to the members that turned out relevant.
func (s *Slot) Effective() RerankIntent {
	return s.intent.Restrict(s.relevant)
}

type unitOfWorkKey struct{}

// WithUnitOfWork scopes ctx to one logical operation. Correlation state is
// keyed by this id, never by goroutine.
func WithUnitOfWork(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, unitOfWorkKey{}, strings.TrimSpace(id))
}

func UnitOfWorkFrom(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(unitOfWorkKey{}).(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// maxEarlyUnits bounds how many units of work may hold notifications that
// arrived before their rerank intent. The oldest unit is evicted first.
const maxEarlyUnits = 1024

type slotRegistry struct {
	mu    sync.Mutex
	slots map[string]*Slot
	early map[string]*earlyKeys
	seq   uint64
}

// earlyKeys are member notifications seen while the unit had no slot open,
// keyed by item with the relevance they were observed with.
type earlyKeys struct {
	seq  uint64
	keys map[string]bool
}

func newSlotRegistry() *slotRegistry {
	return &slotRegistry{slots: map[string]*Slot{}, early: map[string]*earlyKeys{}}
}

func (r *slotRegistry) get(unit string) *Slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slots[unit]
}

// open installs slot for unit and replays the notifications the unit saw
// before its intent arrived. A slot that reaches a terminal state during the
// replay is not kept.
func (r *slotRegistry) open(unit string, slot *Slot) (replaced *Slot, state SlotState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	replaced = r.slots[unit]
	state = slot.State()
	if seen := r.early[unit]; seen != nil {
		for _, key := range slot.Intent().Keys() {
			relevant, ok := seen.keys[key]
			if !ok {
				continue
			}
			if state = slot.Observe(key, relevant); state != SlotPending {
				break
			}
		}
	}
	delete(r.early, unit)
	if state == SlotPending {
		r.slots[unit] = slot
	} else {
		delete(r.slots, unit)
	}
	return replaced, state
}

func (r *slotRegistry) remove(unit string) *Slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot := r.slots[unit]
	delete(r.slots, unit)
	delete(r.early, unit)
	return slot
}

// observe records key against the unit's slot and drops the slot from the
// registry once it reaches a terminal state, all under one lock so a batch
// resolves at most once. With no slot open and remember set, the key is kept
// for an intent that may still arrive.
func (r *slotRegistry) observe(unit, key string, relevant, remember bool) (*Slot, SlotState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.slots[unit]
	if !ok {
		if remember {
			r.rememberLocked(unit, key, relevant)
		}
		return nil, SlotPending, false
	}
	state := slot.Observe(key, relevant)
	if state != SlotPending {
		delete(r.slots, unit)
	}
	return slot, state, true
}

func (r *slotRegistry) rememberLocked(unit, key string, relevant bool) {
	seen := r.early[unit]
	if seen == nil {
		if len(r.early) >= maxEarlyUnits {
			r.evictOldestLocked()
		}
		seen = &earlyKeys{keys: map[string]bool{}}
		r.early[unit] = seen
	}
	r.seq++
	seen.seq = r.seq
	seen.keys[key] = relevant
}

func (r *slotRegistry) evictOldestLocked() {
	oldest := ""
	var min uint64
	for unit, seen := range r.early {
		if oldest == "" || seen.seq < min {
			oldest, min = unit, seen.seq
		}
	}
	delete(r.early, oldest)
}

func (r *slotRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

func (r *slotRegistry) waiting() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.early)
}

func (r *slotRegistry) clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.slots)
	r.slots = map[string]*Slot{}
	r.early = map[string]*earlyKeys{}
	return n
}
