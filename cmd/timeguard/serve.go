package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/goodtune/timeguard/internal/admin"
	"github.com/goodtune/timeguard/internal/config"
	"github.com/goodtune/timeguard/internal/feed"
	"github.com/goodtune/timeguard/internal/metrics"
	"github.com/goodtune/timeguard/internal/policy"
	"github.com/goodtune/timeguard/internal/rules"
	"github.com/goodtune/timeguard/internal/storage"
	"github.com/goodtune/timeguard/internal/storage/memory"
	"github.com/goodtune/timeguard/internal/storage/redis"
	"github.com/goodtune/timeguard/internal/systemd"
	"github.com/goodtune/timeguard/internal/usage"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start TimeGuard service",
	Long:  `Start the policy engine with usage accounting, the NATS event feed (optional) and the metrics endpoint.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting TimeGuard")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().Str("type", cfg.Storage.Type).Msg("Storage initialized")

	// Initialize policy engine
	tracker := usage.NewTracker(store.Usage(), cfg.Engine.HostAppID, logger)
	engine := policy.NewEngine(
		policy.NewAtomicRuleStore(),
		tracker,
		policy.NewAtomicLocationStore(),
		cfg.Engine.HostAppID,
		logger,
	)
	engine.SetExemptApps(cfg.Engine.ExemptApps)

	janitor, err := usage.NewJanitor(store.Usage(), cfg.Usage.CleanupTime, cfg.Usage.RetentionDays, logger)
	if err != nil {
		return fmt.Errorf("failed to create usage janitor: %w", err)
	}

	// Initial rule snapshot; the feed may replace it later
	if err := reloadRules(engine, cfg.Rules, logger); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load rules: %w", err)
		}
		logger.Warn().
			Str("path", cfg.Rules.Path).
			Msg("Rules file not found, allowing everything until rules arrive")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start event feed
	var bridge *feed.Bridge
	var sink func(policy.Decision)
	if cfg.Feed.Enabled {
		feedLogger := logger.With().Str("component", "nats").Logger()
		conn, err := feed.Connect(cfg.Feed.URL,
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				feedLogger.Warn().Err(err).Msg("Disconnected from NATS")
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				feedLogger.Info().Str("url", nc.ConnectedUrlRedacted()).Msg("Reconnected to NATS")
			}),
		)
		if err != nil {
			return fmt.Errorf("failed to connect event feed: %w", err)
		}
		defer conn.Close()

		bridge = feed.NewBridge(conn, engine, cfg.Feed.Subjects, cfg.Rules.URLCacheSize, logger)
		if err := bridge.Start(ctx); err != nil {
			return fmt.Errorf("failed to start event feed: %w", err)
		}
		sink = bridge.Publish
	}

	reload := func() error {
		if err := reloadRules(engine, cfg.Rules, logger); err != nil {
			return err
		}
		if d, ok := engine.Recheck(ctx); ok && sink != nil {
			sink(d)
		}
		return nil
	}

	// Start metrics server, with the admin API mounted alongside
	metricsAddr := net.JoinHostPort(cfg.Server.BindAddress, strconv.Itoa(cfg.Server.MetricsPort))
	metricsServer := metrics.NewServer(metricsAddr, engine.Ready, logger)
	if cfg.Server.AdminAPI {
		admin.NewViews(engine, tracker, reload, logger).Register(metricsServer, cfg.Server.AdminToken)
	}
	if sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}
	if err := metricsServer.Start(); err != nil {
		if bridge != nil {
			bridge.Stop()
		}
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// Start usage ticker
	ticker := policy.NewTicker(engine, cfg.Engine.TickIntervalDuration(), sink, logger)
	ticker.Start(ctx)

	// Start usage janitor
	janitor.Start()

	logger.Info().
		Str("metrics", metricsAddr).
		Bool("feed", cfg.Feed.Enabled).
		Bool("admin_api", cfg.Server.AdminAPI).
		Dur("tick_interval", cfg.Engine.TickIntervalDuration()).
		Msg("TimeGuard started successfully")

	// Notify systemd that we're ready
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}

	if interval := systemd.WatchdogInterval(); interval > 0 {
		go runWatchdog(ctx, interval, logger)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			logger.Info().Msg("SIGHUP received, reloading rules...")
			_ = systemd.NotifyReloading()
			if err := reload(); err != nil {
				logger.Error().Err(err).Msg("Failed to reload rules, keeping previous rules")
			}
			_ = systemd.NotifyReady()
			continue
		}

		logger.Info().Msg("Shutdown signal received, gracefully stopping...")
		break
	}

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	// Stop components
	if bridge != nil {
		bridge.Stop()
	}
	ticker.Stop()
	janitor.Stop()
	cancel()

	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping Metrics Server")
	}

	logger.Info().Msg("TimeGuard stopped")

	return nil
}

// reloadRules loads the rules file and installs it into the engine
func reloadRules(engine *policy.Engine, cfg config.RulesConfig, logger zerolog.Logger) error {
	if cfg.Path == "" {
		return fs.ErrNotExist
	}

	rs, report, err := rules.LoadFile(cfg.Path, cfg.URLCacheSize)
	if err != nil {
		return err
	}

	for _, d := range report.Dropped {
		logger.Warn().
			Str("section", d.Section).
			Str("key", d.Key).
			Str("reason", d.Reason).
			Msg("Dropped malformed rule entry")
	}

	engine.InstallRuleSet(rs)
	return nil
}

func runWatchdog(ctx context.Context, interval time.Duration, logger zerolog.Logger) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			if err := systemd.NotifyWatchdog(); err != nil {
				logger.Warn().Err(err).Msg("Failed to send systemd watchdog notification")
			}
		case <-ctx.Done():
			return
		}
	}
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	storageType := cfg.Type
	if storageType == "" {
		storageType = "memory"
	}

	switch storageType {
	case "memory":
		return memory.Open(), nil
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (must be 'memory' or 'redis')", storageType)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
