package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/boardsync/internal/boardsync"
	"github.com/agentworkforce/boardsync/internal/follow"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.WithError(err).Fatal("boardsync-follow failed")
	}
}

type options struct {
	baseURL        string
	token          string
	board          string
	backlog        bool
	stateFile      string
	interval       time.Duration
	intervalJitter float64
	timeout        time.Duration
	once           bool
	redisAddr      string
	redisChannel   string
	logLevel       string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "boardsync-follow",
		Short:         "Keep a local JSON replica of a board in sync",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.baseURL, "base-url", envOrDefault("BOARDSYNC_BASE_URL", "http://127.0.0.1:8080"), "boardsync base URL")
	flags.StringVar(&opts.token, "token", strings.TrimSpace(os.Getenv("BOARDSYNC_TOKEN")), "bearer token")
	flags.StringVar(&opts.board, "board", strings.TrimSpace(os.Getenv("BOARDSYNC_BOARD")), "board id")
	flags.BoolVar(&opts.backlog, "backlog", false, "include backlog columns")
	flags.StringVar(&opts.stateFile, "state-file", strings.TrimSpace(os.Getenv("BOARDSYNC_FOLLOW_STATE_FILE")), "replica state file")
	flags.DurationVar(&opts.interval, "interval", durationEnv("BOARDSYNC_FOLLOW_INTERVAL", 2*time.Second), "sync interval")
	flags.Float64Var(&opts.intervalJitter, "interval-jitter", floatEnv("BOARDSYNC_FOLLOW_INTERVAL_JITTER", 0.2), "sync interval jitter ratio (0.0-1.0)")
	flags.DurationVar(&opts.timeout, "timeout", durationEnv("BOARDSYNC_FOLLOW_TIMEOUT", 15*time.Second), "per-sync timeout")
	flags.BoolVar(&opts.once, "once", false, "run one sync cycle and exit")
	flags.StringVar(&opts.redisAddr, "redis-addr", strings.TrimSpace(os.Getenv("BOARDSYNC_REDIS_ADDR")), "sync as soon as a delta is published on this Redis server")
	flags.StringVar(&opts.redisChannel, "redis-channel", envOrDefault("BOARDSYNC_REDIS_CHANNEL", "boardsync:deltas"), "Redis pub/sub channel")
	flags.StringVar(&opts.logLevel, "log-level", envOrDefault("BOARDSYNC_LOG_LEVEL", "info"), "log level")
	return cmd
}

func run(ctx context.Context, opts *options) error {
	level, err := log.ParseLevel(opts.logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", opts.logLevel, err)
	}
	log.SetLevel(level)
	if strings.TrimSpace(opts.token) == "" {
		return fmt.Errorf("token is required (--token or BOARDSYNC_TOKEN)")
	}
	if strings.TrimSpace(opts.board) == "" {
		return fmt.Errorf("board is required (--board or BOARDSYNC_BOARD)")
	}
	if strings.TrimSpace(opts.stateFile) == "" {
		opts.stateFile = opts.board + ".board.json"
	}
	if opts.interval <= 0 {
		opts.interval = 2 * time.Second
	}
	if opts.timeout <= 0 {
		opts.timeout = 15 * time.Second
	}
	opts.intervalJitter = clampJitterRatio(opts.intervalJitter)

	logger := log.WithField("component", "follow")
	client := follow.NewHTTPClient(opts.baseURL, opts.token, &http.Client{Timeout: opts.timeout})
	follower, err := follow.NewFollower(client, follow.Options{
		BoardID:   opts.board,
		Backlog:   opts.backlog,
		StateFile: opts.stateFile,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	rootCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var trigger <-chan struct{}
	if addr := strings.TrimSpace(opts.redisAddr); addr != "" && !opts.once {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		defer rdb.Close()
		trigger = subscribeTrigger(rootCtx, rdb, opts.redisChannel, opts.board, logger)
	}
	loop(rootCtx, follower, opts, trigger, logger)
	return nil
}

// subscribeTrigger signals whenever a delta for board is published. Signals
// that arrive while a sync is pending are merged.
func subscribeTrigger(ctx context.Context, rdb *redis.Client, channel, board string, logger log.FieldLogger) <-chan struct{} {
	trigger := make(chan struct{}, 1)
	go boardsync.SubscribeDeltas(ctx, rdb, channel, logger, func(ev boardsync.DeltaEvent) {
		if ev.BoardID != board {
			return
		}
		select {
		case trigger <- struct{}{}:
		default:
		}
	})
	return trigger
}

type syncer interface {
	SyncOnce(ctx context.Context) (follow.SyncResult, error)
}

func loop(ctx context.Context, s syncer, opts *options, trigger <-chan struct{}, logger log.FieldLogger) {
	runOnce := func() {
		syncCtx, cancel := context.WithTimeout(ctx, opts.timeout)
		defer cancel()
		res, err := s.SyncOnce(syncCtx)
		if err != nil {
			logger.WithError(err).Warn("follow sync cycle failed")
			return
		}
		logger.WithFields(log.Fields{
			"version": res.Version,
			"full":    res.Full,
			"changes": res.Changes,
		}).Debug("follow sync cycle completed")
	}

	runOnce()
	if opts.once {
		return
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(opts.interval, opts.intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.WithError(ctx.Err()).Info("follow stopping")
			return
		case <-trigger:
			runOnce()
		case <-timer.C:
			runOnce()
			timer.Reset(jitteredIntervalWithSample(opts.interval, opts.intervalJitter, rng.Float64()))
		}
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Warnf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Warnf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
