package boardsync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	defaultMaxDeltaEntries = 500
	defaultMaxDeltaAge     = 30 * time.Minute
)

type StoreOptions struct {
	Registry        *Registry
	Source          Source
	MaxDeltaEntries int
	MaxDeltaAge     time.Duration
	Logger          log.FieldLogger
	Metrics         *Metrics
	Now             func() time.Time
}

// DeltaEvent announces a committed change-set or a rebuild. Delta is the
// single change-set with backlog columns included; it is nil for rebuilds.
type DeltaEvent struct {
	BoardID string       `json:"boardId"`
	Version uint64       `json:"version"`
	Rebuilt bool         `json:"rebuilt,omitempty"`
	Delta   *DeltaResult `json:"delta,omitempty"`
}

// DeltaListener is called after every commit, in version order per board.
// Implementations must not block and must not write to the store.
type DeltaListener interface {
	BoardChanged(ev DeltaEvent)
}

type DeltaListenerFunc func(ev DeltaEvent)

func (f DeltaListenerFunc) BoardChanged(ev DeltaEvent) {
	f(ev)
}

type BoardStatus struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Built      bool   `json:"built"`
	Version    uint64 `json:"version"`
	LogEntries int    `json:"logEntries"`
	Items      int    `json:"items"`
}

// Store keeps one snapshot and delta log per configured board.
type Store struct {
	reloadMu   sync.Mutex
	mu         sync.RWMutex
	registry   *Registry
	boards     map[string]*boardState
	listeners  []DeltaListener
	source     Source
	rebuilds   singleflight.Group
	maxEntries int
	maxAge     time.Duration
	now        func() time.Time
	logger     log.FieldLogger
	metrics    *Metrics
}

// boardState is guarded by two locks: writeMu serializes writers together
// with listener notification, mu lets readers see whole change-sets only.
type boardState struct {
	writeMu sync.Mutex
	// retired is set under writeMu once the board has been replaced or
	// removed by a configuration change.
	retired bool

	mu         sync.RWMutex
	cfg        BoardConfig
	built      bool
	version    uint64
	items      map[string]Item
	columns    map[string][]string
	blacklist  map[string]Item
	assignees  map[string]struct{}
	components map[string]struct{}
	log        []DeltaEntry
}

type changeSet struct {
	entry   DeltaEntry
	touched map[string]struct{}
}

func newChangeSet() *changeSet {
	return &changeSet{touched: map[string]struct{}{}}
}

func (cs *changeSet) empty() bool {
	return len(cs.entry.Changes) == 0 && !cs.entry.BlacklistChanged
}

func newBoardState(cfg BoardConfig, version uint64) *boardState {
	return &boardState{cfg: cfg, version: version}
}

func NewStore(registry *Registry, source Source) *Store {
	return NewStoreWithOptions(StoreOptions{Registry: registry, Source: source})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	maxEntries := opts.MaxDeltaEntries
	if maxEntries <= 0 {
		maxEntries = defaultMaxDeltaEntries
	}
	maxAge := opts.MaxDeltaAge
	if maxAge <= 0 {
		maxAge = defaultMaxDeltaAge
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	registry := opts.Registry
	if registry == nil {
		registry, _ = NewRegistry(nil)
	}
	s := &Store{
		registry:   registry,
		boards:     map[string]*boardState{},
		source:     opts.Source,
		maxEntries: maxEntries,
		maxAge:     maxAge,
		now:        now,
		logger:     logger,
		metrics:    opts.Metrics,
	}
	for _, cfg := range registry.Boards() {
		s.boards[cfg.ID] = newBoardState(cfg, 0)
	}
	return s
}

func (s *Store) AddListener(l DeltaListener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Store) Registry() *Registry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry
}

func (s *Store) BoardsForProject(project string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry.BoardsForProject(project)
}

// SetRegistry swaps the board configuration. Removed boards are dropped and
// boards whose configuration changed go back to unbuilt one version past
// their last, so existing clients are told to refetch. Writers still holding
// a replaced board find it retired and move to its successor.
func (s *Store) SetRegistry(registry *Registry) {
	if registry == nil {
		registry, _ = NewRegistry(nil)
	}
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	s.mu.RLock()
	removed, changed := s.registry.diff(registry)
	outgoing := make([]*boardState, 0, len(removed)+len(changed))
	for _, id := range append(append([]string{}, removed...), changed...) {
		if b := s.boards[id]; b != nil {
			outgoing = append(outgoing, b)
		}
	}
	s.mu.RUnlock()

	for _, b := range outgoing {
		b.writeMu.Lock()
		b.retired = true
	}
	s.mu.Lock()
	for _, id := range removed {
		delete(s.boards, id)
		s.metrics.forgetBoard(id)
	}
	events := make([]DeltaEvent, 0, len(changed))
	for _, id := range changed {
		cfg, _ := registry.Board(id)
		prev := s.boards[id]
		prev.mu.RLock()
		version := prev.version + 1
		prev.mu.RUnlock()
		s.boards[id] = newBoardState(cfg, version)
		events = append(events, DeltaEvent{BoardID: id, Version: version, Rebuilt: true})
	}
	added := 0
	for _, cfg := range registry.Boards() {
		if _, ok := s.boards[cfg.ID]; !ok {
			s.boards[cfg.ID] = newBoardState(cfg, 0)
			added++
		}
	}
	s.registry = registry
	s.mu.Unlock()
	for _, b := range outgoing {
		b.writeMu.Unlock()
	}

	s.logger.WithFields(log.Fields{
		"removed": removed,
		"changed": changed,
		"added":   added,
	}).Info("board configuration applied")
	for _, ev := range events {
		s.notify(ev)
	}
}

func (s *Store) Boards() []BoardStatus {
	s.mu.RLock()
	ids := make([]string, 0, len(s.boards))
	for _, cfg := range s.registry.Boards() {
		ids = append(ids, cfg.ID)
	}
	boards := make([]*boardState, 0, len(ids))
	for _, id := range ids {
		boards = append(boards, s.boards[id])
	}
	s.mu.RUnlock()

	out := make([]BoardStatus, 0, len(boards))
	for _, b := range boards {
		b.mu.RLock()
		out = append(out, BoardStatus{
			ID:         b.cfg.ID,
			Name:       b.cfg.Name,
			Built:      b.built,
			Version:    b.version,
			LogEntries: len(b.log),
			Items:      len(b.items),
		})
		b.mu.RUnlock()
	}
	return out
}

// ApplyMutation applies one confirmed item change to boardID and returns the
// board's version afterwards. Changes that alter nothing leave the version
// where it was.
func (s *Store) ApplyMutation(boardID string, m Mutation) (uint64, error) {
	if err := m.Validate(); err != nil {
		return 0, err
	}
	b, err := s.lockBoard(boardID)
	if err != nil {
		return 0, err
	}
	defer b.writeMu.Unlock()
	logger := s.logger.WithFields(log.Fields{"board": boardID, "key": m.Key})

	b.mu.Lock()
	cs, reason := b.applyMutationLocked(m)
	if cs == nil || cs.empty() {
		version := b.version
		b.mu.Unlock()
		s.metrics.noop(boardID, reason)
		logger.WithField("reason", reason).Debug("mutation left board unchanged")
		return version, nil
	}
	ev := s.commitLocked(b, cs)
	b.mu.Unlock()

	s.metrics.changeSet(boardID, strings.ToLower(string(m.Kind)), ev.Version)
	logger.WithFields(log.Fields{"version": ev.Version, "kind": m.Kind}).Debug("mutation applied")
	s.notify(ev)
	return ev.Version, nil
}

// ApplyReorder moves the intent's keys, in intent order, to the position
// marked by its anchors in every column that holds one of them. The whole
// reorder is one change-set. Conflicting anchors are rejected before any
// column is touched.
func (s *Store) ApplyReorder(boardID string, intent RerankIntent) (uint64, error) {
	if intent.Len() == 0 {
		return 0, fmt.Errorf("%w: empty rerank intent", ErrInvalidInput)
	}
	b, err := s.lockBoard(boardID)
	if err != nil {
		return 0, err
	}
	defer b.writeMu.Unlock()
	logger := s.logger.WithFields(log.Fields{"board": boardID, "intent": intent.String()})

	b.mu.Lock()
	cs, reason, err := b.applyReorderLocked(intent)
	if err != nil {
		version := b.version
		b.mu.Unlock()
		return version, fmt.Errorf("reorder board %s: %w", boardID, err)
	}
	if cs == nil || cs.empty() {
		version := b.version
		b.mu.Unlock()
		s.metrics.noop(boardID, reason)
		logger.WithField("reason", reason).Debug("reorder left board unchanged")
		return version, nil
	}
	ev := s.commitLocked(b, cs)
	b.mu.Unlock()

	s.metrics.changeSet(boardID, "reorder", ev.Version)
	logger.WithField("version", ev.Version).Debug("reorder applied")
	s.notify(ev)
	return ev.Version, nil
}

// ComputeDelta returns the changes after since. The result is Stale when the
// log no longer reaches back to since, when since is ahead of the board, or
// when the board has not been built.
func (s *Store) ComputeDelta(boardID string, since uint64, backlog bool) (DeltaResult, error) {
	b, err := s.board(boardID)
	if err != nil {
		return DeltaResult{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	res := DeltaResult{BoardID: boardID, Since: since, Version: b.version, Changes: []Change{}}
	switch {
	case !b.built, since > b.version:
		res.Stale = true
	case since == b.version:
	case len(b.log) == 0, since+1 < b.log[0].Version:
		res.Stale = true
	default:
		start := sort.Search(len(b.log), func(i int) bool { return b.log[i].Version > since })
		res = b.cfg.viewDelta(b.log[start:], since, b.version, backlog)
	}

	result := "changes"
	switch {
	case res.Stale:
		result = "stale"
		res.Changes = nil
	case res.Empty():
		result = "empty"
	}
	s.metrics.deltaRequest(boardID, result)
	return res, nil
}

// Snapshot renders the current board without building it.
func (s *Store) Snapshot(boardID string, backlog bool) (BoardSnapshot, error) {
	b, err := s.board(boardID)
	if err != nil {
		return BoardSnapshot{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.built {
		return BoardSnapshot{}, fmt.Errorf("%w: %s", ErrUnbuilt, boardID)
	}
	return b.renderLocked(backlog), nil
}

// GetBoard renders the board, building it from the source first if needed.
func (s *Store) GetBoard(ctx context.Context, boardID string, backlog bool) (BoardSnapshot, error) {
	b, err := s.board(boardID)
	if err != nil {
		return BoardSnapshot{}, err
	}
	b.mu.RLock()
	built := b.built
	b.mu.RUnlock()
	if !built {
		if _, err := s.Rebuild(ctx, boardID); err != nil {
			return BoardSnapshot{}, err
		}
	}
	return s.Snapshot(boardID, backlog)
}

// Rebuild discards the board's snapshot and log and reloads it from the
// source. Concurrent rebuilds of one board share a single load.
func (s *Store) Rebuild(ctx context.Context, boardID string) (uint64, error) {
	if _, err := s.board(boardID); err != nil {
		return 0, err
	}
	v, err, shared := s.rebuilds.Do(boardID, func() (any, error) {
		return s.rebuild(ctx, boardID)
	})
	if err != nil {
		return 0, err
	}
	if shared {
		s.logger.WithField("board", boardID).Debug("rebuild coalesced")
	}
	return v.(uint64), nil
}

func (s *Store) rebuild(ctx context.Context, boardID string) (uint64, error) {
	b, err := s.board(boardID)
	if err != nil {
		return 0, err
	}
	logger := s.logger.WithField("board", boardID)
	started := time.Now()
	if s.source == nil {
		s.metrics.rebuild(boardID, "error", started, 0)
		return 0, fmt.Errorf("%w: no source configured for board %s", ErrSourceUnavailable, boardID)
	}
	contents, err := s.source.LoadBoard(ctx, b.cfg)
	if err != nil {
		s.metrics.rebuild(boardID, "error", started, 0)
		logger.WithError(err).Error("board rebuild failed")
		return 0, fmt.Errorf("%w: board %s: %w", ErrSourceUnavailable, boardID, err)
	}

	b.writeMu.Lock()
	if b.retired {
		b.writeMu.Unlock()
		logger.Debug("board configuration changed during rebuild, loading again")
		return s.rebuild(ctx, boardID)
	}
	defer b.writeMu.Unlock()
	b.mu.Lock()
	b.installLocked(contents.Items)
	b.version++
	b.built = true
	b.log = nil
	version := b.version
	items := len(b.items)
	blacklisted := len(b.blacklist)
	b.mu.Unlock()

	s.metrics.rebuild(boardID, "ok", started, version)
	logger.WithFields(log.Fields{
		"version":     version,
		"items":       items,
		"blacklisted": blacklisted,
		"took":        time.Since(started).String(),
	}).Info("board rebuilt")
	s.notify(DeltaEvent{BoardID: boardID, Version: version, Rebuilt: true})
	return version, nil
}

func (s *Store) board(id string) (*boardState, error) {
	s.mu.RLock()
	b := s.boards[id]
	s.mu.RUnlock()
	if b == nil {
		return nil, fmt.Errorf("%w: board %s", ErrNotFound, id)
	}
	return b, nil
}

// lockBoard returns the current state of id with writeMu held. A state
// retired while the caller waited for the lock is skipped.
func (s *Store) lockBoard(id string) (*boardState, error) {
	for {
		b, err := s.board(id)
		if err != nil {
			return nil, err
		}
		b.writeMu.Lock()
		if !b.retired {
			return b, nil
		}
		b.writeMu.Unlock()
	}
}

func (s *Store) commitLocked(b *boardState, cs *changeSet) DeltaEvent {
	now := s.now()
	b.version++
	entry := cs.entry
	entry.Version = b.version
	entry.At = now
	if len(cs.touched) > 0 {
		entry.Columns = make(map[string][]string, len(cs.touched))
		for col := range cs.touched {
			entry.Columns[col] = append([]string{}, b.columns[col]...)
		}
	}
	if entry.BlacklistChanged {
		entry.Blacklist = sortedKeys(b.blacklist)
	}
	entry.NewAssignees = normalizeStringSlice(entry.NewAssignees)
	entry.NewComponents = normalizeStringSlice(entry.NewComponents)
	b.log = append(b.log, entry)
	s.pruneLocked(b, now)

	delta := b.cfg.viewDelta([]DeltaEntry{entry}, entry.Version-1, entry.Version, true)
	return DeltaEvent{BoardID: b.cfg.ID, Version: entry.Version, Delta: &delta}
}

// pruneLocked bounds the log by count and age, always keeping the newest
// entry.
func (s *Store) pruneLocked(b *boardState, now time.Time) {
	drop := 0
	if over := len(b.log) - s.maxEntries; over > 0 {
		drop = over
	}
	cutoff := now.Add(-s.maxAge)
	for drop < len(b.log)-1 && b.log[drop].At.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		b.log = append([]DeltaEntry(nil), b.log[drop:]...)
	}
}

func (s *Store) notify(ev DeltaEvent) {
	s.mu.RLock()
	listeners := append([]DeltaListener(nil), s.listeners...)
	s.mu.RUnlock()
	for _, l := range listeners {
		l.BoardChanged(ev)
	}
}

func (b *boardState) lookupLocked(key string) (Item, bool) {
	if item, ok := b.items[key]; ok {
		return item, true
	}
	item, ok := b.blacklist[key]
	return item, ok
}

func (b *boardState) applyMutationLocked(m Mutation) (*changeSet, string) {
	if !b.built {
		return nil, "unbuilt"
	}
	if !b.cfg.HasProject(ProjectCode(m.Key)) {
		return nil, "foreign_project"
	}
	if m.IsRerankOnly() {
		return nil, "rerank_only"
	}
	cs := newChangeSet()
	prev, known := b.lookupLocked(m.Key)
	switch m.Kind {
	case KindDelete:
		if !known {
			return nil, "unknown_item"
		}
		b.removeLocked(cs, m.Key)
	case KindCreate:
		next := Item{Key: m.Key, Project: ProjectCode(m.Key)}
		applyDetail(&next, m.Detail, b.cfg)
		if known {
			b.transitionLocked(cs, &prev, next)
			return cs, "duplicate"
		}
		b.transitionLocked(cs, nil, next)
	case KindUpdate:
		if !known {
			return nil, "unknown_item"
		}
		next := prev.clone()
		applyDetail(&next, m.Detail, b.cfg)
		b.transitionLocked(cs, &prev, next)
	}
	return cs, "unchanged"
}

// transitionLocked moves an item from prev (nil when new to the board) to
// next. Items whose status is not a board state live in the blacklist and
// produce no item-level change while they stay there.
func (b *boardState) transitionLocked(cs *changeSet, prev *Item, next Item) {
	key := next.Key
	_, wasVisible := b.items[key]
	visible := b.cfg.HasState(next.Status)
	switch {
	case prev == nil || !wasVisible:
		if prev != nil {
			if !visible {
				b.blacklist[key] = next
				return
			}
			delete(b.blacklist, key)
			cs.entry.BlacklistChanged = true
		}
		if !visible {
			b.blacklist[key] = next
			cs.entry.BlacklistChanged = true
			return
		}
		b.items[key] = next
		b.columns[next.Status] = append(b.columns[next.Status], key)
		cs.touched[next.Status] = struct{}{}
		b.trackLocked(cs, next)
		created := next.clone()
		cs.entry.Changes = append(cs.entry.Changes, Change{
			Key:    key,
			Kind:   KindCreate,
			Fields: fullPatch(next),
			Column: next.Status,
			item:   &created,
		})
	case !visible:
		b.removeFromColumnLocked(cs, prev.Status, key)
		delete(b.items, key)
		b.blacklist[key] = next
		cs.entry.BlacklistChanged = true
		cs.entry.Changes = append(cs.entry.Changes, Change{
			Key:            key,
			Kind:           KindDelete,
			PreviousColumn: prev.Status,
		})
	default:
		patch := diffItems(*prev, next)
		if patch.empty() {
			return
		}
		if prev.Status != next.Status {
			b.removeFromColumnLocked(cs, prev.Status, key)
			b.columns[next.Status] = append(b.columns[next.Status], key)
			cs.touched[next.Status] = struct{}{}
		}
		b.items[key] = next
		b.trackLocked(cs, next)
		updated := next.clone()
		cs.entry.Changes = append(cs.entry.Changes, Change{
			Key:            key,
			Kind:           KindUpdate,
			Fields:         patch,
			Column:         next.Status,
			PreviousColumn: prev.Status,
			item:           &updated,
		})
	}
}

func (b *boardState) removeLocked(cs *changeSet, key string) {
	if item, ok := b.items[key]; ok {
		b.removeFromColumnLocked(cs, item.Status, key)
		delete(b.items, key)
		cs.entry.Changes = append(cs.entry.Changes, Change{
			Key:            key,
			Kind:           KindDelete,
			PreviousColumn: item.Status,
		})
		return
	}
	if _, ok := b.blacklist[key]; ok {
		delete(b.blacklist, key)
		cs.entry.BlacklistChanged = true
	}
}

func (b *boardState) removeFromColumnLocked(cs *changeSet, column, key string) {
	keys := b.columns[column]
	for i, k := range keys {
		if k == key {
			b.columns[column] = append(keys[:i:i], keys[i+1:]...)
			break
		}
	}
	if len(b.columns[column]) == 0 {
		delete(b.columns, column)
	}
	cs.touched[column] = struct{}{}
}

func (b *boardState) trackLocked(cs *changeSet, item Item) {
	if item.Assignee != "" {
		if _, ok := b.assignees[item.Assignee]; !ok {
			b.assignees[item.Assignee] = struct{}{}
			cs.entry.NewAssignees = append(cs.entry.NewAssignees, item.Assignee)
		}
	}
	for _, c := range item.Components {
		if _, ok := b.components[c]; !ok {
			b.components[c] = struct{}{}
			cs.entry.NewComponents = append(cs.entry.NewComponents, c)
		}
	}
}

func (b *boardState) applyReorderLocked(intent RerankIntent) (*changeSet, string, error) {
	if !b.built {
		return nil, "unbuilt", nil
	}
	if !b.cfg.HasProject(intent.Project()) {
		return nil, "foreign_project", nil
	}
	byColumn := map[string][]string{}
	order := make([]string, 0)
	for _, key := range intent.Keys() {
		item, ok := b.items[key]
		if !ok {
			continue
		}
		if _, seen := byColumn[item.Status]; !seen {
			order = append(order, item.Status)
		}
		byColumn[item.Status] = append(byColumn[item.Status], key)
	}
	if len(byColumn) == 0 {
		return nil, "no_members", nil
	}

	planned := make(map[string][]string, len(byColumn))
	for _, col := range order {
		keys, err := reorderColumn(b.columns[col], byColumn[col], intent.AfterKey(), intent.BeforeKey())
		if err != nil {
			return nil, "", fmt.Errorf("column %s: %w", col, err)
		}
		planned[col] = keys
	}

	cs := newChangeSet()
	for _, col := range order {
		b.columns[col] = planned[col]
		cs.touched[col] = struct{}{}
		for _, key := range byColumn[col] {
			cs.entry.Changes = append(cs.entry.Changes, Change{
				Key:            key,
				Kind:           KindUpdate,
				Column:         col,
				PreviousColumn: col,
				Reranked:       true,
			})
		}
	}
	return cs, "", nil
}

// reorderColumn returns column with members (all present in column) moved as
// one block. An after anchor places the block after it, a before anchor
// before it, no anchor at all at the head. Anchors outside the column leave
// the block where its first member was.
func reorderColumn(column, members []string, afterKey, beforeKey string) ([]string, error) {
	memberSet := make(map[string]struct{}, len(members))
	for _, k := range members {
		memberSet[k] = struct{}{}
	}
	rest := make([]string, 0, len(column))
	first := -1
	for _, k := range column {
		if _, ok := memberSet[k]; ok {
			if first < 0 {
				first = len(rest)
			}
			continue
		}
		rest = append(rest, k)
	}
	afterIdx := indexOf(rest, afterKey)
	beforeIdx := indexOf(rest, beforeKey)

	var at int
	switch {
	case afterIdx >= 0 && beforeIdx >= 0:
		if beforeIdx != afterIdx+1 {
			return nil, fmt.Errorf("%w: %s and %s are not adjacent", ErrConflictingAnchors, afterKey, beforeKey)
		}
		at = afterIdx + 1
	case afterIdx >= 0:
		at = afterIdx + 1
	case beforeIdx >= 0:
		at = beforeIdx
	case afterKey == "" && beforeKey == "":
		at = 0
	default:
		at = first
	}
	if at < 0 {
		at = 0
	}

	out := make([]string, 0, len(column))
	out = append(out, rest[:at]...)
	out = append(out, members...)
	out = append(out, rest[at:]...)
	return out, nil
}

func indexOf(keys []string, key string) int {
	if key == "" {
		return -1
	}
	for i, k := range keys {
		if k == key {
			return i
		}
	}
	return -1
}

// installLocked replaces the board contents with items, which arrive in rank
// order.
func (b *boardState) installLocked(items []Item) {
	b.items = map[string]Item{}
	b.columns = map[string][]string{}
	b.blacklist = map[string]Item{}
	b.assignees = map[string]struct{}{}
	b.components = map[string]struct{}{}
	cs := newChangeSet()
	for _, raw := range items {
		item := b.cfg.normalizeItem(raw)
		if item.Key == "" || !b.cfg.HasProject(item.Project) {
			continue
		}
		if _, dup := b.lookupLocked(item.Key); dup {
			continue
		}
		if !b.cfg.HasState(item.Status) {
			b.blacklist[item.Key] = item
			continue
		}
		b.items[item.Key] = item
		b.columns[item.Status] = append(b.columns[item.Status], item.Key)
		b.trackLocked(cs, item)
	}
}

func (b *boardState) renderLocked(backlog bool) BoardSnapshot {
	snap := BoardSnapshot{
		BoardID:    b.cfg.ID,
		Name:       b.cfg.Name,
		Version:    b.version,
		Backlog:    backlog,
		Columns:    map[string][]string{},
		Items:      map[string]Item{},
		Blacklist:  sortedKeys(b.blacklist),
		Assignees:  sortedKeys(b.assignees),
		Components: sortedKeys(b.components),
	}
	for _, state := range b.cfg.States {
		if !backlog && b.cfg.IsBacklog(state) {
			continue
		}
		snap.States = append(snap.States, state)
		keys := b.columns[state]
		if len(keys) == 0 {
			continue
		}
		snap.Columns[state] = append([]string(nil), keys...)
		for _, key := range keys {
			snap.Items[key] = b.items[key].clone()
		}
	}
	return snap
}

func (c BoardConfig) normalizeItem(it Item) Item {
	it = it.clone()
	it.Key = strings.TrimSpace(it.Key)
	it.Project = ProjectCode(it.Key)
	it.Status = strings.TrimSpace(it.Status)
	if it.Assignee == Unassigned {
		it.Assignee = ""
	}
	it.Components = normalizeStringSlice(it.Components)
	for id := range it.CustomFields {
		if !c.HasCustomField(id) {
			delete(it.CustomFields, id)
		}
	}
	if len(it.CustomFields) == 0 {
		it.CustomFields = nil
	}
	return it
}

// viewDelta concatenates entries into one result. Without backlog, changes
// are rewritten as the client sees them: moving into a backlog column is a
// delete, moving out is a create, and moves within the backlog vanish.
func (c BoardConfig) viewDelta(entries []DeltaEntry, since, version uint64, backlog bool) DeltaResult {
	res := DeltaResult{BoardID: c.ID, Since: since, Version: version, Changes: []Change{}}
	for _, e := range entries {
		for _, ch := range e.Changes {
			if view, ok := c.viewChange(ch, backlog); ok {
				res.Changes = append(res.Changes, view)
			}
		}
		for col, keys := range e.Columns {
			if !backlog && c.IsBacklog(col) {
				continue
			}
			if res.Columns == nil {
				res.Columns = map[string][]string{}
			}
			res.Columns[col] = append([]string{}, keys...)
		}
		if e.BlacklistChanged {
			res.BlacklistChanged = true
			res.Blacklist = cloneStrings(e.Blacklist)
		}
		res.NewAssignees = append(res.NewAssignees, e.NewAssignees...)
		res.NewComponents = append(res.NewComponents, e.NewComponents...)
	}
	res.NewAssignees = normalizeStringSlice(res.NewAssignees)
	res.NewComponents = normalizeStringSlice(res.NewComponents)
	return res
}

func (c BoardConfig) viewChange(ch Change, backlog bool) (Change, bool) {
	if backlog {
		return ch, true
	}
	prevIn := ch.PreviousColumn != "" && c.IsBacklog(ch.PreviousColumn)
	curIn := ch.Column != "" && c.IsBacklog(ch.Column)
	switch ch.Kind {
	case KindCreate:
		return ch, !curIn
	case KindDelete:
		return ch, !prevIn
	}
	switch {
	case prevIn && curIn:
		return Change{}, false
	case prevIn:
		if ch.item == nil {
			return Change{}, false
		}
		return Change{Key: ch.Key, Kind: KindCreate, Fields: fullPatch(*ch.item), Column: ch.Column, item: ch.item}, true
	case curIn:
		return Change{Key: ch.Key, Kind: KindDelete, PreviousColumn: ch.PreviousColumn}, true
	}
	return ch, true
}

func applyDetail(item *Item, d *Detail, cfg BoardConfig) {
	if d == nil {
		return
	}
	applyStringField(&item.Type, d.Type)
	applyStringField(&item.Priority, d.Priority)
	applyStringField(&item.Summary, d.Summary)
	applyStringField(&item.Assignee, d.Assignee)
	if item.Assignee == Unassigned {
		item.Assignee = ""
	}
	switch d.Components.State() {
	case FieldSet:
		v, _ := d.Components.Get()
		item.Components = normalizeStringSlice(v)
	case FieldCleared:
		item.Components = nil
	}
	if v, ok := d.Status.Get(); ok {
		item.Status = strings.TrimSpace(v)
	}
	for id, f := range d.CustomFields {
		if !cfg.HasCustomField(id) {
			continue
		}
		switch f.State() {
		case FieldSet:
			v, _ := f.Get()
			if item.CustomFields == nil {
				item.CustomFields = map[string]string{}
			}
			item.CustomFields[id] = v
		case FieldCleared:
			delete(item.CustomFields, id)
		}
	}
	if len(item.CustomFields) == 0 {
		item.CustomFields = nil
	}
}

func applyStringField(dst *string, f Field[string]) {
	switch f.State() {
	case FieldSet:
		v, _ := f.Get()
		*dst = strings.TrimSpace(v)
	case FieldCleared:
		*dst = ""
	}
}

func diffItems(prev, next Item) *FieldPatch {
	p := &FieldPatch{}
	if prev.Type != next.Type {
		p.Type = strPtr(next.Type)
	}
	if prev.Priority != next.Priority {
		p.Priority = strPtr(next.Priority)
	}
	if prev.Summary != next.Summary {
		p.Summary = strPtr(next.Summary)
	}
	if prev.Assignee != next.Assignee {
		if next.Assignee == "" {
			p.Assignee = strPtr(Unassigned)
		} else {
			p.Assignee = strPtr(next.Assignee)
		}
	}
	if !equalStrings(prev.Components, next.Components) {
		components := append([]string{}, next.Components...)
		p.Components = &components
	}
	if prev.Status != next.Status {
		p.Status = strPtr(next.Status)
	}
	for id, v := range next.CustomFields {
		if old, ok := prev.CustomFields[id]; !ok || old != v {
			if p.CustomFields == nil {
				p.CustomFields = map[string]*string{}
			}
			p.CustomFields[id] = strPtr(v)
		}
	}
	for id := range prev.CustomFields {
		if _, ok := next.CustomFields[id]; !ok {
			if p.CustomFields == nil {
				p.CustomFields = map[string]*string{}
			}
			p.CustomFields[id] = nil
		}
	}
	return p
}
