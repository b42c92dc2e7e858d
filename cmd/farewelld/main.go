package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/farewell/farewelld/internal/api"
	"github.com/farewell/farewelld/internal/attachment"
	"github.com/farewell/farewelld/internal/chat"
	"github.com/farewell/farewelld/internal/clock"
	"github.com/farewell/farewelld/internal/config"
	"github.com/farewell/farewelld/internal/daemon"
	"github.com/farewell/farewelld/internal/identity"
	"github.com/farewell/farewelld/internal/logging"
	"github.com/farewell/farewelld/internal/metrics"
	"github.com/farewell/farewelld/internal/notify"
	"github.com/farewell/farewelld/internal/realtime"
	"github.com/farewell/farewelld/internal/schedule"
	"github.com/farewell/farewelld/internal/state"
	"github.com/farewell/farewelld/internal/workflow"
)

func main() {
	// 1. Define ALL flags at the top
	cfgFile := flag.String("config", "", "Path to config file")
	listen := flag.String("listen", "", "HTTP listen address (overrides config)")
	sweep := flag.Duration("sweep-interval", 0, "Auto-release sweep interval (overrides config)")
	runOnce := flag.Bool("run-once", false, "run one auto-release sweep and exit")

	// 2. Parse ONCE
	flag.Parse()

	cfg := loadConfigOrFatal(*cfgFile)

	// CLI flags should have highest precedence (override env/file/defaults)
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *sweep > 0 {
		cfg.SweepInterval = *sweep
	}

	// initialize logging
	cleanup := initLogging(cfg)
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *runOnce); err != nil {
		logging.Get().Fatal().Err(err).Msg("farewelld failed")
	}
}

// loadConfigOrFatal layers defaults, the optional file and the environment
func loadConfigOrFatal(path string) *config.Config {
	cfg := config.DefaultConfig()
	// load from file if provided (overrides defaults)
	if path != "" {
		c, err := config.LoadConfigFromFile(path)
		if err != nil {
			log.Fatalf("failed loading config: %v", err)
		}
		cfg = c
	}
	// apply env var overrides (overrides file/defaults)
	if err := config.ApplyEnvOverrides(cfg); err != nil {
		log.Fatalf("invalid environment configuration: %v", err)
	}
	return cfg
}

// initLogging initializes log subsystem and returns a cleanup func
func initLogging(cfg *config.Config) func() {
	cleanup, err := logging.Init(cfg.LogFile, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	return cleanup
}

// openStore opens the configured workflow store and loads the seed file into it.
func openStore(ctx context.Context, cfg *config.Config) (workflow.Store, io.Closer, error) {
	var (
		store  workflow.Store
		closer io.Closer
	)
	switch cfg.StoreDriver {
	case config.StoreSQLite:
		s, err := workflow.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		store, closer = s, s
	default:
		store = workflow.NewMemoryStore()
	}
	if cfg.SeedFile != "" {
		removals, err := workflow.LoadSeed(cfg.SeedFile)
		if err != nil {
			return nil, closer, err
		}
		if err := workflow.Seed(ctx, store, removals); err != nil {
			return nil, closer, err
		}
		logging.Get().Info().Int("removals", len(removals)).Str("file", cfg.SeedFile).Msg("seeded workflow store")
	}
	return store, closer, nil
}

// initMetricsAndInflux starts the optional Influx pusher
func initMetricsAndInflux(ctx context.Context, cfg *config.Config) {
	if cfg.InfluxURL != "" {
		go metrics.StartInfluxPusher(ctx, cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket, cfg.InfluxInterval)
	}
}

func chatSettings(cfg *config.Config) chat.Settings {
	s := chat.DefaultSettings()
	s.InactivityTimeout = cfg.ChatInactivityTimeout
	s.ClosingDelay = cfg.ChatClosingDelay
	s.AutoReplyDelay = cfg.ChatAutoReplyDelay
	if cfg.ChatAutoReplyText != "" {
		s.AutoReplyText = cfg.ChatAutoReplyText
	}
	if cfg.ChatBotName != "" {
		s.BotName = cfg.ChatBotName
	}
	return s
}

// run wires the engines together and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, runOnce bool) error {
	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	dir, err := identity.NewDirectory(cfg.Users)
	if err != nil {
		return fmt.Errorf("users: %w", err)
	}

	store, storeCloser, err := openStore(ctx, cfg)
	if storeCloser != nil {
		defer storeCloser.Close()
	}
	if err != nil {
		return fmt.Errorf("workflow store: %w", err)
	}

	hub := realtime.NewHub()
	go hub.Run(ctx)

	notifier, closers := daemon.BuildNotifier(ctx, cfg, &realtime.NotificationSink{Hub: hub})
	router := notify.NewRouter(notify.WithRetention(cfg.NotificationRetention), notify.WithDispatcher(notifier))

	var persister schedule.Persister
	var snapshot *state.File
	if cfg.StateDir != "" {
		snapshot = state.NewFile(cfg.StateDir)
		persister = snapshot
	}
	sched := schedule.New(store, router, schedule.Options{Location: loc, Grace: cfg.ReleaseGrace, Persister: persister})
	if snapshot != nil {
		bookings, err := snapshot.LoadBookings()
		if err != nil {
			logging.Get().Warn().Err(err).Str("path", snapshot.Path()).Msg("ignoring unreadable schedule snapshot")
		} else if len(bookings) > 0 {
			sched.Restore(bookings)
			logging.Get().Info().Int("slots", len(bookings)).Msg("restored schedule snapshot")
		}
	}

	files, err := attachment.NewDiskStore(cfg.AttachmentDir, strings.TrimRight(cfg.PublicURL, "/")+"/attachments", cfg.AttachmentMaxBytes)
	if err != nil {
		return fmt.Errorf("attachments: %w", err)
	}
	engine := chat.NewEngine(clock.Real{}, chatSettings(cfg), files, hub)

	d := daemon.New(cfg, sched, engine, notifier)
	for _, c := range closers {
		d.AddCloser(c)
	}
	if runOnce {
		logging.Get().Info().Msg("run-once: performing a single auto-release sweep")
		d.RunOnce()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.Stop(shutdownCtx)
		return nil
	}
	go d.Start()

	initMetricsAndInflux(ctx, cfg)

	srv := api.New(api.Deps{
		Directory: dir,
		Chat:      engine,
		Scheduler: sched,
		Router:    router,
		Store:     store,
		Files:     files,
		Hub:       hub,
		Location:  loc,
		MaxUpload: cfg.AttachmentMaxBytes,
		Metrics:   cfg.MetricsEnabled,
	})
	serveErr := srv.ListenAndServe(ctx, cfg.ListenAddr)

	// Graceful shutdown: give up to 5 seconds for active operations to complete
	logging.Get().Info().Msg("shutting down, waiting for active operations to complete")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d.Stop(shutdownCtx)
	return serveErr
}
