package boardsync

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

const DefaultRebuildInterval = 5 * time.Minute

// RebuildScheduler periodically rebuilds every built board. Changes to
// linked items produce no notification, so boards drift without it.
type RebuildScheduler struct {
	store    *Store
	interval time.Duration
	logger   log.FieldLogger
}

func NewRebuildScheduler(store *Store, interval time.Duration, logger log.FieldLogger) *RebuildScheduler {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &RebuildScheduler{store: store, interval: interval, logger: logger}
}

// Run blocks until ctx is done. A non-positive interval disables it.
func (r *RebuildScheduler) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce rebuilds every board that has been built and reports how many
// rebuilds succeeded.
func (r *RebuildScheduler) RunOnce(ctx context.Context) int {
	rebuilt := 0
	for _, status := range r.store.Boards() {
		if !status.Built {
			continue
		}
		if ctx.Err() != nil {
			return rebuilt
		}
		if _, err := r.store.Rebuild(ctx, status.ID); err != nil {
			r.logger.WithError(err).WithField("board", status.ID).Warn("scheduled rebuild failed")
			continue
		}
		rebuilt++
	}
	return rebuilt
}
