package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/agentworkforce/boardsync/internal/boardsync"
	"github.com/agentworkforce/boardsync/internal/httpapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// app is the wired server. Background workers start in run.
type app struct {
	handler   http.Handler
	engine    *boardsync.Engine
	store     *boardsync.Store
	source    boardsync.Source
	watcher   *boardsync.ConfigWatcher
	scheduler *boardsync.RebuildScheduler
	publisher *boardsync.RedisPublisher
	redis     *redis.Client
	logger    log.FieldLogger
}

func loadRegistry(path string) (*boardsync.Registry, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: a boards file is required", boardsync.ErrInvalidInput)
	}
	registry, err := boardsync.LoadRegistryFile(path)
	if err != nil {
		return nil, err
	}
	if len(registry.Boards()) == 0 {
		return nil, fmt.Errorf("%w: %s defines no boards", boardsync.ErrInvalidInput, path)
	}
	return registry, nil
}

func buildApp(opts *options, logger log.FieldLogger) (*app, error) {
	registry, err := loadRegistry(opts.boardsFile)
	if err != nil {
		return nil, fmt.Errorf("load boards: %w", err)
	}
	source, err := boardsync.BuildSourceFromDSN(opts.sourceDSN)
	if err != nil {
		return nil, fmt.Errorf("build source: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := boardsync.NewMetrics(reg)

	store := boardsync.NewStoreWithOptions(boardsync.StoreOptions{
		Registry:        registry,
		Source:          source,
		MaxDeltaEntries: opts.deltaMaxEntries,
		MaxDeltaAge:     opts.deltaMaxAge,
		Logger:          logger,
		Metrics:         metrics,
	})
	engine, err := boardsync.NewEngine(boardsync.EngineOptions{
		Store:   store,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		_ = boardsync.CloseSource(source)
		return nil, err
	}

	a := &app{
		engine:    engine,
		store:     store,
		source:    source,
		watcher:   boardsync.NewConfigWatcher(opts.boardsFile, store, boardsync.ConfigWatcherOptions{Logger: logger}),
		scheduler: boardsync.NewRebuildScheduler(store, opts.rebuildInterval, logger),
		logger:    logger,
	}
	if addr := strings.TrimSpace(opts.redisAddr); addr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: addr})
		a.publisher = boardsync.NewRedisPublisher(a.redis, boardsync.RedisPublisherOptions{
			Channel: opts.redisChannel,
			Logger:  logger,
		})
		store.AddListener(a.publisher)
	}
	a.handler = httpapi.NewServerWithConfig(engine, httpapi.ServerConfig{
		JWTSecret:          opts.jwtSecret,
		InternalHMACSecret: opts.internalHMACSecret,
		InternalMaxSkew:    opts.internalMaxSkew,
		RateLimitMax:       opts.rateLimitMax,
		RateLimitWindow:    opts.rateLimitWindow,
		MaxBodyBytes:       opts.maxBodyBytes,
		Gatherer:           reg,
		Logger:             logger,
	})
	return a, nil
}

// run starts the background workers and blocks until ctx is done. The
// workers have stopped when it returns.
func (a *app) run(ctx context.Context) {
	var wg sync.WaitGroup
	start := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	start(func(ctx context.Context) {
		if err := a.watcher.Run(ctx); err != nil {
			a.logger.WithError(err).Warn("board file watcher stopped")
		}
	})
	start(a.scheduler.Run)
	if a.publisher != nil {
		start(a.publisher.Run)
	}
	<-ctx.Done()
	wg.Wait()
}

func (a *app) close() {
	a.engine.Close()
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if err := boardsync.CloseSource(a.source); err != nil {
		a.logger.WithError(err).Warn("closing source failed")
	}
}

func runServe(ctx context.Context, opts *options) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.StandardLogger()
	a, err := buildApp(opts, logger)
	if err != nil {
		return err
	}
	defer a.close()

	workersCtx, cancelWorkers := context.WithCancel(ctx)
	workersDone := make(chan struct{})
	go func() {
		a.run(workersCtx)
		close(workersDone)
	}()
	defer func() {
		cancelWorkers()
		<-workersDone
	}()

	srv := &http.Server{
		Addr:              opts.addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.WithFields(log.Fields{
			"addr":   opts.addr,
			"boards": len(a.store.Boards()),
			"source": sourceScheme(opts.sourceDSN),
		}).Info("boardsync listening")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logger.Info("boardsync shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// sourceScheme hides credentials when logging the source.
func sourceScheme(dsn string) string {
	if i := strings.Index(dsn, "://"); i > 0 {
		return dsn[:i]
	}
	return "file"
}
