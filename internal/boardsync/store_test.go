package boardsync

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testBoardConfig() BoardConfig {
	return BoardConfig{
		ID:       "main",
		Name:     "Main",
		Projects: []string{"X"},
		States:   []string{"Backlog", "To Do", "In Progress", "Done"},
		Backlog:  []string{"Backlog"},
		CustomFields: []CustomFieldConfig{
			{ID: "sp", Name: "Story points", JiraField: "customfield_10002"},
		},
	}
}

func newTestStore(t *testing.T, opts StoreOptions, items ...Item) (*Store, *MemorySource) {
	t.Helper()
	if opts.Registry == nil {
		registry, err := NewRegistry([]BoardConfig{testBoardConfig()})
		if err != nil {
			t.Fatalf("new registry: %v", err)
		}
		opts.Registry = registry
	}
	source := NewMemorySource(items...)
	if opts.Source == nil {
		opts.Source = source
	}
	return NewStoreWithOptions(opts), source
}

func mustRebuild(t *testing.T, s *Store, boardID string) uint64 {
	t.Helper()
	v, err := s.Rebuild(context.Background(), boardID)
	if err != nil {
		t.Fatalf("rebuild %s: %v", boardID, err)
	}
	return v
}

func mustApply(t *testing.T, s *Store, m Mutation) uint64 {
	t.Helper()
	v, err := s.ApplyMutation("main", m)
	if err != nil {
		t.Fatalf("apply %s: %v", m, err)
	}
	return v
}

func mustSnapshot(t *testing.T, s *Store, backlog bool) BoardSnapshot {
	t.Helper()
	snap, err := s.Snapshot("main", backlog)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return snap
}

func mustDelta(t *testing.T, s *Store, since uint64, backlog bool) DeltaResult {
	t.Helper()
	d, err := s.ComputeDelta("main", since, backlog)
	if err != nil {
		t.Fatalf("compute delta since %d: %v", since, err)
	}
	return d
}

func statusMove(key, from, to string) Mutation {
	return NewUpdate(key, Detail{Status: Set(to), PreviousStatus: from})
}

func TestStoreStatusMoveThenReorderScenario(t *testing.T) {
	s, _ := newTestStore(t, StoreOptions{},
		Item{Key: "X-1", Status: "To Do", Summary: "one"},
		Item{Key: "X-2", Status: "To Do", Summary: "two"},
		Item{Key: "X-3", Status: "In Progress", Summary: "three"},
	)
	if v := mustRebuild(t, s, "main"); v != 1 {
		t.Fatalf("first build should be version 1, got %d", v)
	}
	for i := 0; i < 4; i++ {
		mustApply(t, s, NewUpdate("X-3", Detail{Summary: Set(fmt.Sprintf("three v%d", i))}))
	}
	if got := mustSnapshot(t, s, true); got.Version != 5 || !reflect.DeepEqual(got.Columns["To Do"], []string{"X-1", "X-2"}) {
		t.Fatalf("unexpected starting point: version %d columns %v", got.Version, got.Columns)
	}

	if v := mustApply(t, s, statusMove("X-2", "To Do", "In Progress")); v != 6 {
		t.Fatalf("status move should produce version 6, got %d", v)
	}
	intent := mustIntent(t, []string{"X-1"}, "", "X-3")
	v, err := s.ApplyReorder("main", intent)
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if v != 7 {
		t.Fatalf("reorder should produce version 7, got %d", v)
	}

	snap := mustSnapshot(t, s, true)
	if !reflect.DeepEqual(snap.Columns["To Do"], []string{"X-1"}) {
		t.Fatalf("expected To Do [X-1], got %v", snap.Columns["To Do"])
	}
	if !reflect.DeepEqual(snap.Columns["In Progress"], []string{"X-3", "X-2"}) {
		t.Fatalf("expected In Progress [X-3 X-2], got %v", snap.Columns["In Progress"])
	}

	d := mustDelta(t, s, 5, false)
	if d.Stale || d.Version != 7 || len(d.Changes) != 2 {
		t.Fatalf("unexpected delta since 5: %+v", d)
	}
	move := d.Changes[0]
	if move.Key != "X-2" || move.Kind != KindUpdate || move.PreviousColumn != "To Do" || move.Column != "In Progress" {
		t.Fatalf("unexpected first change %+v", move)
	}
	if move.Fields == nil || move.Fields.Status == nil || *move.Fields.Status != "In Progress" {
		t.Fatalf("status change should carry the new status: %+v", move.Fields)
	}
	if rerank := d.Changes[1]; rerank.Key != "X-1" || !rerank.Reranked || rerank.Fields != nil {
		t.Fatalf("unexpected rerank change %+v", rerank)
	}
	if !reflect.DeepEqual(d.Columns["To Do"], []string{"X-1"}) || !reflect.DeepEqual(d.Columns["In Progress"], []string{"X-3", "X-2"}) {
		t.Fatalf("delta should carry both touched columns, got %v", d.Columns)
	}
}

func randomOp(r *rand.Rand, statuses []string) (Mutation, *RerankIntent) {
	key := fmt.Sprintf("X-%d", 1+r.Intn(10))
	status := statuses[r.Intn(len(statuses))]
	switch r.Intn(9) {
	case 0:
		return NewCreate(key, Detail{
			Summary:    Set("created " + key),
			Status:     Set(status),
			Assignee:   Set(fmt.Sprintf("user%d", r.Intn(4))),
			Components: Set([]string{fmt.Sprintf("c%d", r.Intn(3))}),
		}), nil
	case 1:
		return NewUpdate(key, Detail{Summary: Set(fmt.Sprintf("summary %d", r.Intn(5)))}), nil
	case 2:
		return statusMove(key, "?", status), nil
	case 3:
		if r.Intn(2) == 0 {
			return NewUpdate(key, Detail{Assignee: Cleared[string]()}), nil
		}
		return NewUpdate(key, Detail{Assignee: Set(fmt.Sprintf("user%d", r.Intn(6)))}), nil
	case 4:
		if r.Intn(2) == 0 {
			return NewUpdate(key, Detail{CustomFields: map[string]Field[string]{"sp": Cleared[string]()}}), nil
		}
		return NewUpdate(key, Detail{CustomFields: map[string]Field[string]{"sp": Set(fmt.Sprint(r.Intn(8)))}}), nil
	case 5:
		return NewDelete(key), nil
	case 6:
		return NewUpdate(key, Detail{Reranked: true}), nil
	case 7:
		return NewUpdate(key, Detail{Components: Set([]string{fmt.Sprintf("c%d", r.Intn(5)), "core"})}), nil
	}
	keys := []string{key, fmt.Sprintf("X-%d", 1+r.Intn(10))}
	anchor := fmt.Sprintf("X-%d", 11+r.Intn(3))
	after, before := "", ""
	switch r.Intn(3) {
	case 0:
		after = anchor
	case 1:
		before = anchor
	}
	intent, err := NewRerankIntent(keys, after, before)
	if err != nil {
		panic(err)
	}
	return Mutation{}, &intent
}

func TestStoreVersionsAndDeltasFoldToSnapshot(t *testing.T) {
	statuses := []string{"Backlog", "To Do", "In Progress", "Done", "Weird"}
	var seed []Item
	for i := 1; i <= 13; i++ {
		seed = append(seed, Item{Key: fmt.Sprintf("X-%d", i), Status: statuses[i%len(statuses)], Summary: "seed"})
	}
	s, _ := newTestStore(t, StoreOptions{}, seed...)
	start := mustRebuild(t, s, "main")
	initial := mustSnapshot(t, s, true)
	incremental := mustSnapshot(t, s, true)

	r := rand.New(rand.NewSource(42))
	version := start
	committed := 0
	for i := 0; i < 300; i++ {
		m, intent := randomOp(r, statuses)
		var (
			v   uint64
			err error
		)
		if intent != nil {
			v, err = s.ApplyReorder("main", *intent)
		} else {
			v, err = s.ApplyMutation("main", m)
		}
		if err != nil {
			t.Fatalf("op %d: %v", i, err)
		}
		switch v {
		case version:
		case version + 1:
			committed++
			d := mustDelta(t, s, version, true)
			if !incremental.Apply(d) {
				t.Fatalf("op %d: single-step delta rejected: %+v", i, d)
			}
		default:
			t.Fatalf("op %d: version jumped from %d to %d", i, version, v)
		}
		version = v
	}
	if version != start+uint64(committed) {
		t.Fatalf("expected version %d, got %d", start+uint64(committed), version)
	}
	if committed == 0 {
		t.Fatalf("random run committed nothing")
	}

	final := mustSnapshot(t, s, true)
	if !reflect.DeepEqual(incremental, final) {
		t.Fatalf("step-by-step fold diverged\nfold: %+v\nwant: %+v", incremental, final)
	}
	whole := mustDelta(t, s, start, true)
	if !initial.Apply(whole) {
		t.Fatalf("whole-range delta rejected")
	}
	if !reflect.DeepEqual(initial, final) {
		t.Fatalf("whole-range fold diverged\nfold: %+v\nwant: %+v", initial, final)
	}
}

func TestComputeDeltaRanges(t *testing.T) {
	s, _ := newTestStore(t, StoreOptions{MaxDeltaEntries: 3}, Item{Key: "X-1", Status: "To Do"})
	if d := mustDelta(t, s, 0, true); !d.Stale {
		t.Fatalf("unbuilt board should answer stale")
	}
	mustRebuild(t, s, "main")
	for i := 0; i < 5; i++ {
		mustApply(t, s, NewUpdate("X-1", Detail{Summary: Set(fmt.Sprint(i))}))
	}
	// version 6, log holds 4..6

	cases := []struct {
		name    string
		since   uint64
		stale   bool
		changes int
	}{
		{name: "current", since: 6, changes: 0},
		{name: "one behind", since: 5, changes: 1},
		{name: "oldest retained base", since: 3, changes: 3},
		{name: "pruned", since: 2, stale: true},
		{name: "before first build", since: 0, stale: true},
		{name: "ahead of board", since: 7, stale: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := mustDelta(t, s, tc.since, true)
			if d.Stale != tc.stale {
				t.Fatalf("stale = %t, want %t", d.Stale, tc.stale)
			}
			if d.Version != 6 {
				t.Fatalf("delta should report version 6, got %d", d.Version)
			}
			if !tc.stale && len(d.Changes) != tc.changes {
				t.Fatalf("expected %d changes, got %d", tc.changes, len(d.Changes))
			}
		})
	}
	if d := mustDelta(t, s, 6, true); !d.Empty() {
		t.Fatalf("delta at current version should be empty: %+v", d)
	}
}

func TestDeltaLogPrunedByAgeKeepsNewest(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s, _ := newTestStore(t, StoreOptions{MaxDeltaAge: time.Minute, Now: clock}, Item{Key: "X-1", Status: "To Do"})
	mustRebuild(t, s, "main")
	mustApply(t, s, NewUpdate("X-1", Detail{Summary: Set("a")}))
	mustApply(t, s, NewUpdate("X-1", Detail{Summary: Set("b")}))
	now = now.Add(10 * time.Minute)
	mustApply(t, s, NewUpdate("X-1", Detail{Summary: Set("c")}))

	if d := mustDelta(t, s, 1, true); !d.Stale {
		t.Fatalf("entries older than the age bound should be pruned")
	}
	d := mustDelta(t, s, 3, true)
	if d.Stale || len(d.Changes) != 1 {
		t.Fatalf("newest entry must survive pruning: %+v", d)
	}
	statuses := s.Boards()
	if len(statuses) != 1 || statuses[0].LogEntries != 1 {
		t.Fatalf("expected one retained entry, got %+v", statuses)
	}
}

func TestApplyReorderPositions(t *testing.T) {
	column := []Item{
		{Key: "X-1", Status: "To Do"},
		{Key: "X-2", Status: "To Do"},
		{Key: "X-3", Status: "To Do"},
		{Key: "X-4", Status: "To Do"},
		{Key: "X-5", Status: "Done"},
	}
	cases := []struct {
		name   string
		keys   []string
		after  string
		before string
		want   []string
	}{
		{name: "after anchor", keys: []string{"X-1"}, after: "X-3", want: []string{"X-2", "X-3", "X-1", "X-4"}},
		{name: "before anchor", keys: []string{"X-4", "X-3"}, before: "X-2", want: []string{"X-1", "X-4", "X-3", "X-2"}},
		{name: "adjacent anchors", keys: []string{"X-4"}, after: "X-1", before: "X-2", want: []string{"X-1", "X-4", "X-2", "X-3"}},
		{name: "no anchors moves to head", keys: []string{"X-3"}, want: []string{"X-3", "X-1", "X-2", "X-4"}},
		{name: "anchor in another column", keys: []string{"X-3", "X-2"}, before: "X-5", want: []string{"X-1", "X-3", "X-2", "X-4"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := newTestStore(t, StoreOptions{}, column...)
			before := mustRebuild(t, s, "main")
			v, err := s.ApplyReorder("main", mustIntent(t, tc.keys, tc.after, tc.before))
			if err != nil {
				t.Fatalf("reorder: %v", err)
			}
			if v != before+1 {
				t.Fatalf("reorder should bump the version once, got %d -> %d", before, v)
			}
			snap := mustSnapshot(t, s, true)
			if !reflect.DeepEqual(snap.Columns["To Do"], tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, snap.Columns["To Do"])
			}
			if !reflect.DeepEqual(snap.Columns["Done"], []string{"X-5"}) {
				t.Fatalf("untouched column changed: %v", snap.Columns["Done"])
			}
		})
	}
}

func TestApplyReorderConflictingAnchorsLeavesBoardUnchanged(t *testing.T) {
	s, _ := newTestStore(t, StoreOptions{},
		Item{Key: "X-1", Status: "To Do"},
		Item{Key: "X-2", Status: "To Do"},
		Item{Key: "X-3", Status: "To Do"},
		Item{Key: "X-4", Status: "To Do"},
		Item{Key: "X-6", Status: "Done"},
	)
	version := mustRebuild(t, s, "main")
	before := mustSnapshot(t, s, true)

	// X-6 would move fine in Done, but To Do has non-adjacent anchors.
	v, err := s.ApplyReorder("main", mustIntent(t, []string{"X-6", "X-4"}, "X-1", "X-3"))
	if !errors.Is(err, ErrConflictingAnchors) {
		t.Fatalf("expected ErrConflictingAnchors, got %v", err)
	}
	if v != version {
		t.Fatalf("version moved on rejected reorder: %d -> %d", version, v)
	}
	if after := mustSnapshot(t, s, true); !reflect.DeepEqual(before, after) {
		t.Fatalf("rejected reorder changed the board\nbefore: %v\nafter:  %v", before.Columns, after.Columns)
	}
}

func TestApplyReorderAcrossColumns(t *testing.T) {
	s, _ := newTestStore(t, StoreOptions{},
		Item{Key: "X-1", Status: "To Do"},
		Item{Key: "X-2", Status: "To Do"},
		Item{Key: "X-3", Status: "Done"},
		Item{Key: "X-4", Status: "Done"},
	)
	start := mustRebuild(t, s, "main")
	v, err := s.ApplyReorder("main", mustIntent(t, []string{"X-2", "X-4", "X-9"}, "", ""))
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if v != start+1 {
		t.Fatalf("expected a single version bump, got %d -> %d", start, v)
	}
	d := mustDelta(t, s, start, true)
	if len(d.Changes) != 2 || len(d.Columns) != 2 {
		t.Fatalf("expected two reranked members in two columns, got %+v", d)
	}
	if !reflect.DeepEqual(d.Columns["To Do"], []string{"X-2", "X-1"}) || !reflect.DeepEqual(d.Columns["Done"], []string{"X-4", "X-3"}) {
		t.Fatalf("unexpected columns %v", d.Columns)
	}

	if v, _ := s.ApplyReorder("main", mustIntent(t, []string{"X-9"}, "", "")); v != start+1 {
		t.Fatalf("reorder of unknown items should not bump the version")
	}
}

func TestApplyMutationNoops(t *testing.T) {
	s, _ := newTestStore(t, StoreOptions{}, Item{Key: "X-1", Status: "To Do", Summary: "one"})
	if v := mustApply(t, s, NewUpdate("X-1", Detail{Summary: Set("early")})); v != 0 {
		t.Fatalf("mutation before build should be ignored, got version %d", v)
	}
	start := mustRebuild(t, s, "main")
	noops := []Mutation{
		NewUpdate("X-1", Detail{Reranked: true}),
		NewUpdate("X-1", Detail{Summary: Set("one")}),
		NewUpdate("X-7", Detail{Summary: Set("missing")}),
		NewDelete("X-7"),
		NewUpdate("Y-1", Detail{Summary: Set("foreign")}),
		NewCreate("X-1", Detail{Status: Set("To Do"), Summary: Set("one"), Assignee: Cleared[string]()}),
	}
	for _, m := range noops {
		if v := mustApply(t, s, m); v != start {
			t.Fatalf("%s should not change the board, version %d -> %d", m, start, v)
		}
	}
	if _, err := s.ApplyMutation("nope", NewDelete("X-1")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown board, got %v", err)
	}
	if _, err := s.ApplyMutation("main", NewUpdate("X-1", Detail{Status: Set("Done")})); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for status change without previous status, got %v", err)
	}
}

func TestBlacklistTransitions(t *testing.T) {
	s, _ := newTestStore(t, StoreOptions{}, Item{Key: "X-1", Status: "Triage"}, Item{Key: "X-2", Status: "To Do"})
	start := mustRebuild(t, s, "main")
	snap := mustSnapshot(t, s, true)
	if !reflect.DeepEqual(snap.Blacklist, []string{"X-1"}) || len(snap.Items) != 1 {
		t.Fatalf("item in unknown state should be blacklisted: %+v", snap)
	}

	if v := mustApply(t, s, statusMove("X-1", "Triage", "Parked")); v != start {
		t.Fatalf("move between unknown states should be silent")
	}

	v := mustApply(t, s, statusMove("X-1", "Parked", "To Do"))
	d := mustDelta(t, s, start, true)
	if v != start+1 || !d.BlacklistChanged || len(d.Blacklist) != 0 {
		t.Fatalf("leaving the blacklist should be announced: %+v", d)
	}
	if len(d.Changes) != 1 || d.Changes[0].Kind != KindCreate || d.Changes[0].Column != "To Do" {
		t.Fatalf("leaving the blacklist should create the item: %+v", d.Changes)
	}

	mustApply(t, s, statusMove("X-2", "To Do", "Won't Do"))
	d = mustDelta(t, s, v, true)
	if !d.BlacklistChanged || !reflect.DeepEqual(d.Blacklist, []string{"X-2"}) {
		t.Fatalf("entering the blacklist should be announced: %+v", d)
	}
	if len(d.Changes) != 1 || d.Changes[0].Kind != KindDelete || d.Changes[0].PreviousColumn != "To Do" {
		t.Fatalf("entering the blacklist should delete the item: %+v", d.Changes)
	}

	v = mustApply(t, s, NewDelete("X-2"))
	if d := mustDelta(t, s, v-1, true); !d.BlacklistChanged || len(d.Blacklist) != 0 || len(d.Changes) != 0 {
		t.Fatalf("deleting a blacklisted item should only shrink the blacklist: %+v", d)
	}
}

func TestBacklogViews(t *testing.T) {
	s, _ := newTestStore(t, StoreOptions{},
		Item{Key: "X-1", Status: "Backlog", Summary: "one", Assignee: "ann"},
		Item{Key: "X-2", Status: "To Do"},
	)
	start := mustRebuild(t, s, "main")
	initial := mustSnapshot(t, s, false)
	if len(initial.Items) != 1 || len(initial.States) != 3 {
		t.Fatalf("backlog should be hidden: %+v", initial)
	}

	mustApply(t, s, NewUpdate("X-1", Detail{Summary: Set("one, edited")}))
	mustApply(t, s, statusMove("X-1", "Backlog", "To Do"))
	mustApply(t, s, statusMove("X-2", "To Do", "Backlog"))

	d := mustDelta(t, s, start, false)
	if len(d.Changes) != 2 {
		t.Fatalf("expected two visible changes, got %+v", d.Changes)
	}
	created, deleted := d.Changes[0], d.Changes[1]
	if created.Key != "X-1" || created.Kind != KindCreate || created.Fields == nil ||
		created.Fields.Summary == nil || *created.Fields.Summary != "one, edited" ||
		created.Fields.Assignee == nil || *created.Fields.Assignee != "ann" {
		t.Fatalf("leaving the backlog should be a full create: %+v", created)
	}
	if deleted.Key != "X-2" || deleted.Kind != KindDelete {
		t.Fatalf("entering the backlog should be a delete: %+v", deleted)
	}
	if _, ok := d.Columns["Backlog"]; ok {
		t.Fatalf("backlog columns must not leak into the view: %v", d.Columns)
	}

	full := mustDelta(t, s, start, true)
	if len(full.Changes) != 3 || full.Changes[1].Kind != KindUpdate {
		t.Fatalf("backlog view should keep raw changes: %+v", full.Changes)
	}

	if !initial.Apply(d) {
		t.Fatalf("backlog-free delta rejected")
	}
	if final := mustSnapshot(t, s, false); !reflect.DeepEqual(initial, final) {
		t.Fatalf("backlog-free fold diverged\nfold: %+v\nwant: %+v", initial, final)
	}
}

func TestNewAssigneesAndComponentsReported(t *testing.T) {
	s, _ := newTestStore(t, StoreOptions{}, Item{Key: "X-1", Status: "To Do", Assignee: "ann", Components: []string{"ui"}})
	start := mustRebuild(t, s, "main")
	mustApply(t, s, NewUpdate("X-1", Detail{Assignee: Set("bob"), Components: Set([]string{"ui", "api"})}))
	mustApply(t, s, NewCreate("X-2", Detail{Status: Set("Done"), Assignee: Set("ann"), Components: Set([]string{"db"})}))
	d := mustDelta(t, s, start, true)
	if !reflect.DeepEqual(d.NewAssignees, []string{"bob"}) {
		t.Fatalf("expected new assignee bob, got %v", d.NewAssignees)
	}
	if !reflect.DeepEqual(d.NewComponents, []string{"api", "db"}) {
		t.Fatalf("expected new components [api db], got %v", d.NewComponents)
	}
	snap := mustSnapshot(t, s, true)
	if !reflect.DeepEqual(snap.Assignees, []string{"ann", "bob"}) {
		t.Fatalf("unexpected assignees %v", snap.Assignees)
	}
}

func TestRebuildContinuesVersionAndResetsLog(t *testing.T) {
	s, source := newTestStore(t, StoreOptions{}, Item{Key: "X-1", Status: "To Do"})
	mustRebuild(t, s, "main")
	mustApply(t, s, NewUpdate("X-1", Detail{Summary: Set("a")}))
	source.Put(Item{Key: "X-2", Status: "Done"})
	if v := mustRebuild(t, s, "main"); v != 3 {
		t.Fatalf("rebuild should continue from the previous version, got %d", v)
	}
	if d := mustDelta(t, s, 2, true); !d.Stale {
		t.Fatalf("versions before a rebuild should be stale")
	}
	if snap := mustSnapshot(t, s, true); len(snap.Items) != 2 {
		t.Fatalf("rebuild should load the source again: %+v", snap.Items)
	}
}

type gatedSource struct {
	*MemorySource
	loads   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSource) LoadBoard(ctx context.Context, cfg BoardConfig) (BoardContents, error) {
	g.loads.Add(1)
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	return g.MemorySource.LoadBoard(ctx, cfg)
}

func TestRebuildCoalescesConcurrentCalls(t *testing.T) {
	gated := &gatedSource{
		MemorySource: NewMemorySource(Item{Key: "X-1", Status: "To Do"}),
		entered:      make(chan struct{}, 1),
		release:      make(chan struct{}),
	}
	s, _ := newTestStore(t, StoreOptions{Source: gated})

	var wg sync.WaitGroup
	versions := make([]uint64, 4)
	for i := range versions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := s.Rebuild(context.Background(), "main")
			if err != nil {
				t.Errorf("rebuild: %v", err)
			}
			versions[i] = v
		}(i)
		if i == 0 {
			<-gated.entered
		}
	}
	time.Sleep(50 * time.Millisecond)
	close(gated.release)
	wg.Wait()

	if gated.loads.Load() != 1 {
		t.Fatalf("expected one load, got %d", gated.loads.Load())
	}
	for _, v := range versions {
		if v != 1 {
			t.Fatalf("every caller should see version 1, got %v", versions)
		}
	}
}

type failingSource struct{}

func (failingSource) LoadBoard(context.Context, BoardConfig) (BoardContents, error) {
	return BoardContents{}, errors.New("connection refused")
}

func TestRebuildSourceFailure(t *testing.T) {
	s, _ := newTestStore(t, StoreOptions{Source: failingSource{}})
	_, err := s.GetBoard(context.Background(), "main", true)
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
	if _, err := s.Snapshot("main", true); !errors.Is(err, ErrUnbuilt) {
		t.Fatalf("failed build should leave the board unbuilt, got %v", err)
	}
	if _, err := s.GetBoard(context.Background(), "missing", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetRegistryResetsChangedBoards(t *testing.T) {
	ops := BoardConfig{ID: "ops", Projects: []string{"X"}, States: []string{"Open", "Closed"}}
	registry, err := NewRegistry([]BoardConfig{testBoardConfig(), ops})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	s, _ := newTestStore(t, StoreOptions{Registry: registry}, Item{Key: "X-1", Status: "To Do"})
	var events []DeltaEvent
	s.AddListener(DeltaListenerFunc(func(ev DeltaEvent) { events = append(events, ev) }))
	mustRebuild(t, s, "main")
	mustRebuild(t, s, "ops")
	mustApply(t, s, NewUpdate("X-1", Detail{Summary: Set("a")}))
	events = nil

	changed := testBoardConfig()
	changed.States = append(changed.States, "Review")
	next, err := NewRegistry([]BoardConfig{changed})
	if err != nil {
		t.Fatalf("next registry: %v", err)
	}
	s.SetRegistry(next)

	if _, err := s.ComputeDelta("ops", 0, true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("removed board should be gone, got %v", err)
	}
	if d := mustDelta(t, s, 2, true); !d.Stale || d.Version != 3 {
		t.Fatalf("changed board should be unbuilt one version past its last: %+v", d)
	}
	if len(events) != 1 || !events[0].Rebuilt || events[0].BoardID != "main" || events[0].Version != 3 {
		t.Fatalf("expected one rebuild announcement at version 3, got %+v", events)
	}
	if v := mustRebuild(t, s, "main"); v != 4 {
		t.Fatalf("next build should continue at 4, got %d", v)
	}
	if got := s.BoardsForProject("X"); !reflect.DeepEqual(got, []string{"main"}) {
		t.Fatalf("unexpected boards for X: %v", got)
	}
}

func TestSetRegistryRetiresReplacedBoard(t *testing.T) {
	s, _ := newTestStore(t, StoreOptions{}, Item{Key: "X-1", Status: "To Do"})
	var (
		mu     sync.Mutex
		events []DeltaEvent
	)
	s.AddListener(DeltaListenerFunc(func(ev DeltaEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}))
	mustRebuild(t, s, "main")

	// A writer that resolved the board before the reload must not commit to
	// the replaced state.
	old, err := s.board("main")
	if err != nil {
		t.Fatalf("board: %v", err)
	}
	old.writeMu.Lock()
	applied := make(chan uint64, 1)
	go func() {
		v, err := s.ApplyMutation("main", NewUpdate("X-1", Detail{Summary: Set("late")}))
		if err != nil {
			t.Errorf("apply: %v", err)
		}
		applied <- v
	}()
	reloaded := make(chan struct{})
	go func() {
		renamed := testBoardConfig()
		renamed.Name = "Renamed"
		next, err := NewRegistry([]BoardConfig{renamed})
		if err != nil {
			t.Errorf("next registry: %v", err)
		}
		s.SetRegistry(next)
		close(reloaded)
	}()
	time.Sleep(20 * time.Millisecond)
	old.writeMu.Unlock()
	<-reloaded
	<-applied

	mustRebuild(t, s, "main")
	mu.Lock()
	defer mu.Unlock()
	seen := map[uint64]int{}
	for _, ev := range events {
		seen[ev.Version]++
		if seen[ev.Version] > 1 {
			t.Fatalf("version %d announced twice: %+v", ev.Version, events)
		}
	}
	for i := 1; i < len(events); i++ {
		if events[i].Version != events[i-1].Version+1 {
			t.Fatalf("versions must be sequential: %+v", events)
		}
	}
	if snap := mustSnapshot(t, s, true); snap.Name != "Renamed" {
		t.Fatalf("expected the replaced board to be served, got %q", snap.Name)
	}
}

func TestListenersSeeVersionsInOrder(t *testing.T) {
	s, _ := newTestStore(t, StoreOptions{}, Item{Key: "X-1", Status: "To Do"})
	var (
		mu   sync.Mutex
		seen []uint64
	)
	s.AddListener(DeltaListenerFunc(func(ev DeltaEvent) {
		if ev.Rebuilt {
			return
		}
		if ev.Delta == nil || ev.Delta.Since+1 != ev.Version {
			t.Errorf("event should carry its single change-set: %+v", ev)
		}
		mu.Lock()
		seen = append(seen, ev.Version)
		mu.Unlock()
	}))
	start := mustRebuild(t, s, "main")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.ApplyMutation("main", NewUpdate("X-1", Detail{Summary: Set(fmt.Sprint("s", i))})); err != nil {
				t.Errorf("apply: %v", err)
			}
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 20 {
		t.Fatalf("expected 20 events, got %d", len(seen))
	}
	for i, v := range seen {
		if v != start+uint64(i)+1 {
			t.Fatalf("events out of order: %v", seen)
		}
	}
}
