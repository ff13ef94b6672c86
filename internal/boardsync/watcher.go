package boardsync

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

const defaultReloadDebounce = 200 * time.Millisecond

// ConfigWatcher reloads the board file into a Store when it changes. The
// parent directory is watched so editors that replace the file by rename are
// picked up too.
type ConfigWatcher struct {
	path     string
	store    *Store
	debounce time.Duration
	logger   log.FieldLogger
	reloaded func(*Registry, error)
}

type ConfigWatcherOptions struct {
	Debounce time.Duration
	Logger   log.FieldLogger
	// OnReload is called after every reload attempt.
	OnReload func(*Registry, error)
}

func NewConfigWatcher(path string, store *Store, opts ConfigWatcherOptions) *ConfigWatcher {
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultReloadDebounce
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &ConfigWatcher{
		path:     filepath.Clean(path),
		store:    store,
		debounce: debounce,
		logger:   logger.WithField("boards_file", path),
		reloaded: opts.OnReload,
	}
}

// Run watches until ctx is done.
func (w *ConfigWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("board file watcher error")
		case <-fire:
			fire = nil
			w.Reload()
		}
	}
}

// Reload reads the board file and applies it. An invalid file keeps the
// current configuration.
func (w *ConfigWatcher) Reload() {
	registry, err := LoadRegistryFile(w.path)
	if err == nil && len(registry.Boards()) == 0 {
		// A half-written file parses as empty.
		registry, err = nil, fmt.Errorf("%w: %s defines no boards", ErrInvalidInput, w.path)
	}
	if err != nil {
		w.logger.WithError(err).Warn("board file reload rejected, keeping current configuration")
	} else {
		w.store.SetRegistry(registry)
		w.logger.WithField("boards", len(registry.Boards())).Info("board file reloaded")
	}
	if w.reloaded != nil {
		w.reloaded(registry, err)
	}
}
