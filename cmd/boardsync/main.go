package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.WithError(err).Fatal("boardsync failed")
	}
}

type options struct {
	addr               string
	boardsFile         string
	sourceDSN          string
	jwtSecret          string
	internalHMACSecret string
	internalMaxSkew    time.Duration
	rateLimitMax       int
	rateLimitWindow    time.Duration
	maxBodyBytes       int64
	deltaMaxEntries    int
	deltaMaxAge        time.Duration
	rebuildInterval    time.Duration
	redisAddr          string
	redisChannel       string
	logLevel           string
	logJSON            bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "boardsync",
		Short:         "Keeps agile boards in sync with issue tracker notifications",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return configureLogging(opts.logLevel, opts.logJSON)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.boardsFile, "boards-file", envOrDefault("BOARDSYNC_BOARDS_FILE", "boards.yaml"), "board configuration file (YAML or JSON)")
	flags.StringVar(&opts.logLevel, "log-level", envOrDefault("BOARDSYNC_LOG_LEVEL", "info"), "log level")
	flags.BoolVar(&opts.logJSON, "log-json", boolEnv("BOARDSYNC_LOG_JSON", false), "log as JSON")

	serveFlags := root.Flags()
	serveFlags.StringVar(&opts.addr, "addr", envOrDefault("BOARDSYNC_ADDR", ":8080"), "listen address")
	serveFlags.StringVar(&opts.sourceDSN, "source-dsn", envOrDefault("BOARDSYNC_SOURCE_DSN", "memory://"), "rebuild source (file path, file://, memory://, postgres://)")
	serveFlags.StringVar(&opts.jwtSecret, "jwt-secret", os.Getenv("BOARDSYNC_JWT_SECRET"), "HS256 secret for client tokens")
	serveFlags.StringVar(&opts.internalHMACSecret, "internal-hmac-secret", os.Getenv("BOARDSYNC_INTERNAL_HMAC_SECRET"), "HMAC secret for the notification endpoint")
	serveFlags.DurationVar(&opts.internalMaxSkew, "internal-max-skew", durationEnv("BOARDSYNC_INTERNAL_MAX_SKEW", 5*time.Minute), "accepted notification timestamp skew")
	serveFlags.IntVar(&opts.rateLimitMax, "rate-limit-max", intEnv("BOARDSYNC_RATE_LIMIT_MAX", 0), "requests per window per board and subject, 0 disables")
	serveFlags.DurationVar(&opts.rateLimitWindow, "rate-limit-window", durationEnv("BOARDSYNC_RATE_LIMIT_WINDOW", time.Minute), "rate limit window")
	serveFlags.Int64Var(&opts.maxBodyBytes, "max-body-bytes", int64Env("BOARDSYNC_MAX_BODY_BYTES", 0), "notification body limit")
	serveFlags.IntVar(&opts.deltaMaxEntries, "delta-max-entries", intEnv("BOARDSYNC_DELTA_MAX_ENTRIES", 0), "delta log entries kept per board")
	serveFlags.DurationVar(&opts.deltaMaxAge, "delta-max-age", durationEnv("BOARDSYNC_DELTA_MAX_AGE", 0), "delta log retention")
	serveFlags.DurationVar(&opts.rebuildInterval, "rebuild-interval", durationEnv("BOARDSYNC_REBUILD_INTERVAL", 5*time.Minute), "periodic rebuild interval, 0 disables")
	serveFlags.StringVar(&opts.redisAddr, "redis-addr", os.Getenv("BOARDSYNC_REDIS_ADDR"), "publish deltas to this Redis server")
	serveFlags.StringVar(&opts.redisChannel, "redis-channel", envOrDefault("BOARDSYNC_REDIS_CHANNEL", "boardsync:deltas"), "Redis pub/sub channel")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server (default)",
		RunE:  root.RunE,
	}
	serve.Flags().AddFlagSet(serveFlags)
	root.AddCommand(serve, newCheckConfigCmd(opts))
	return root
}

func newCheckConfigCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the board configuration file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := loadRegistry(opts.boardsFile)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			boards := registry.Boards()
			fmt.Fprintf(out, "%s: %d boards\n", opts.boardsFile, len(boards))
			for _, b := range boards {
				fmt.Fprintf(out, "  %s projects=%s states=%d backlog=%d customFields=%d\n",
					b.ID, strings.Join(b.Projects, ","), len(b.States), len(b.Backlog), len(b.CustomFields))
			}
			return nil
		},
	}
}

func configureLogging(level string, asJSON bool) error {
	parsed, err := log.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	log.SetLevel(parsed)
	if asJSON {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Warnf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Warnf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Warnf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
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
