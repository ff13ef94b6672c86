package boardsync

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecordStoreActivity(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	s, _ := newTestStore(t, StoreOptions{Metrics: m}, Item{Key: "X-1", Status: "To Do"})
	mustRebuild(t, s, "main")
	mustApply(t, s, NewUpdate("X-1", Detail{Summary: Set("a")}))
	mustApply(t, s, NewUpdate("X-1", Detail{Summary: Set("a")}))
	mustDelta(t, s, 1, true)
	mustDelta(t, s, 0, true)

	if got := testutil.ToFloat64(m.changeSets.WithLabelValues("main", "update")); got != 1 {
		t.Fatalf("expected 1 update change-set, got %v", got)
	}
	if got := testutil.ToFloat64(m.boardVersion.WithLabelValues("main")); got != 2 {
		t.Fatalf("expected board version 2, got %v", got)
	}
	if got := testutil.ToFloat64(m.noops.WithLabelValues("main", "unchanged")); got != 1 {
		t.Fatalf("expected 1 unchanged no-op, got %v", got)
	}
	if got := testutil.ToFloat64(m.rebuilds.WithLabelValues("main", "ok")); got != 1 {
		t.Fatalf("expected 1 rebuild, got %v", got)
	}
	if got := testutil.ToFloat64(m.deltaRequests.WithLabelValues("main", "stale")); got != 1 {
		t.Fatalf("expected 1 stale delta, got %v", got)
	}
	if got := testutil.ToFloat64(m.deltaRequests.WithLabelValues("main", "changes")); got != 1 {
		t.Fatalf("expected 1 delta with changes, got %v", got)
	}
}

func TestMetricsRecordSlotsAndNotifications(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	store, _ := newTestStore(t, StoreOptions{Metrics: m})
	e, err := NewEngine(EngineOptions{Store: store, Metrics: m})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	ctx := WithUnitOfWork(context.Background(), "u1")
	if _, err := e.Ingest(ctx, []byte(`{"type":"rank_started","rank":{"issueKeys":["X-1"]}}`)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if got := testutil.ToFloat64(m.activeSlots); got != 1 {
		t.Fatalf("expected 1 active slot, got %v", got)
	}
	if _, err := e.Ingest(ctx, []byte(`{"type":"rank_done"}`)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if got := testutil.ToFloat64(m.slotOutcomes.WithLabelValues("completed")); got != 1 {
		t.Fatalf("expected 1 completed slot, got %v", got)
	}
	if _, err := e.Ingest(ctx, []byte(`{}`)); err == nil {
		t.Fatalf("expected schema rejection")
	}
	if got := testutil.ToFloat64(m.notifications.WithLabelValues("unknown", "rejected")); got != 1 {
		t.Fatalf("expected 1 rejected notification, got %v", got)
	}
	if got := testutil.ToFloat64(m.notifications.WithLabelValues(NotificationRankStarted, "applied")); got != 1 {
		t.Fatalf("expected 1 applied rank_started, got %v", got)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.changeSet("main", "update", 1)
	m.noop("main", "unchanged")
	m.deltaRequest("main", "empty")
	m.forgetBoard("main")
	m.slotOutcome("resolved")
	m.setActiveSlots(3)
	m.notification("issue_created", "applied")
}
