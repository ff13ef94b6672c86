package boardsync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is nil-safe; a nil *Metrics records nothing.
type Metrics struct {
	changeSets    *prometheus.CounterVec
	noops         *prometheus.CounterVec
	boardVersion  *prometheus.GaugeVec
	deltaRequests *prometheus.CounterVec
	rebuilds      *prometheus.CounterVec
	rebuildTime   *prometheus.HistogramVec
	slotOutcomes  *prometheus.CounterVec
	activeSlots   prometheus.Gauge
	notifications *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		changeSets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boardsync",
			Name:      "change_sets_total",
			Help:      "Change-sets applied to board snapshots, by board and kind.",
		}, []string{"board", "kind"}),
		noops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boardsync",
			Name:      "noop_applies_total",
			Help:      "Applies that changed nothing (duplicates, unknown items, unbuilt boards).",
		}, []string{"board", "reason"}),
		boardVersion: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "boardsync",
			Name:      "board_version",
			Help:      "Current view version of each board.",
		}, []string{"board"}),
		deltaRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boardsync",
			Name:      "delta_requests_total",
			Help:      "Delta requests by result (empty, changes, stale).",
		}, []string{"board", "result"}),
		rebuilds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boardsync",
			Name:      "rebuilds_total",
			Help:      "Board rebuilds from the source of truth, by outcome.",
		}, []string{"board", "outcome"}),
		rebuildTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "boardsync",
			Name:      "rebuild_duration_seconds",
			Help:      "Time spent loading and installing a board from the source.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"board"}),
		slotOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boardsync",
			Name:      "rerank_slots_total",
			Help:      "Rerank correlation slots by terminal outcome.",
		}, []string{"outcome"}),
		activeSlots: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "boardsync",
			Name:      "rerank_slots_active",
			Help:      "Units of work with an open rerank slot.",
		}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boardsync",
			Name:      "notifications_total",
			Help:      "Ingested notifications by type and outcome.",
		}, []string{"type", "outcome"}),
	}
}

func (m *Metrics) changeSet(board string, kind string, version uint64) {
	if m == nil {
		return
	}
	m.changeSets.WithLabelValues(board, kind).Inc()
	m.boardVersion.WithLabelValues(board).Set(float64(version))
}

func (m *Metrics) noop(board, reason string) {
	if m == nil {
		return
	}
	m.noops.WithLabelValues(board, reason).Inc()
}

func (m *Metrics) deltaRequest(board, result string) {
	if m == nil {
		return
	}
	m.deltaRequests.WithLabelValues(board, result).Inc()
}

func (m *Metrics) rebuild(board, outcome string, started time.Time, version uint64) {
	if m == nil {
		return
	}
	m.rebuilds.WithLabelValues(board, outcome).Inc()
	m.rebuildTime.WithLabelValues(board).Observe(time.Since(started).Seconds())
	if outcome == "ok" {
		m.boardVersion.WithLabelValues(board).Set(float64(version))
	}
}

func (m *Metrics) forgetBoard(board string) {
	if m == nil {
		return
	}
	m.boardVersion.DeleteLabelValues(board)
}

func (m *Metrics) slotOutcome(outcome string) {
	if m == nil {
		return
	}
	m.slotOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) setActiveSlots(n int) {
	if m == nil {
		return
	}
	m.activeSlots.Set(float64(n))
}

func (m *Metrics) notification(kind, outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind, outcome).Inc()
}
