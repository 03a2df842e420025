package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/snarg/ecm/internal/api"
	"github.com/snarg/ecm/internal/autocreate"
	"github.com/snarg/ecm/internal/bulk"
	"github.com/snarg/ecm/internal/cache"
	"github.com/snarg/ecm/internal/config"
	"github.com/snarg/ecm/internal/digest"
	"github.com/snarg/ecm/internal/m3u"
	"github.com/snarg/ecm/internal/metrics"
	"github.com/snarg/ecm/internal/normalize"
	"github.com/snarg/ecm/internal/notify"
	"github.com/snarg/ecm/internal/probe"
	"github.com/snarg/ecm/internal/store"
	"github.com/snarg/ecm/internal/tasks"
	"github.com/snarg/ecm/internal/tlsmgr"
	"github.com/snarg/ecm/internal/upstream"
	"github.com/snarg/ecm/internal/xmltv"
)

var version = "dev"

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env", "", "path to .env file")
	flag.StringVar(&overrides.HTTPAddr, "addr", "", "http listen address")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (trace..panic)")
	flag.StringVar(&overrides.DatabaseURL, "db-url", "", "postgres connection url")
	flag.StringVar(&overrides.UpstreamURL, "upstream-url", "", "upstream api base url")
	flag.StringVar(&overrides.ConfigDir, "config-dir", "", "directory for settings and certificates")
	flag.Parse()

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Bool("https_child", tlsmgr.IsChildProcess()).Msg("ecm starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	dbLog := log.With().Str("component", "database").Logger()
	db, err := store.Connect(ctx, cfg.DatabaseURL, dbLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	// The HTTPS child shares the schema the parent already prepared.
	if !tlsmgr.IsChildProcess() {
		if err := db.InitSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("schema init failed")
		}
		if err := db.ApplyMigrations(ctx); err != nil {
			log.Fatal().Err(err).Msg("migrations failed")
		}
		if err := db.SeedDefaults(ctx); err != nil {
			log.Fatal().Err(err).Msg("seeding defaults failed")
		}
	}

	// Upstream API, fronted by the process cache for the hot list reads.
	c := cache.New(5 * time.Minute)
	up := upstream.NewCached(upstream.NewClient(upstream.Options{
		BaseURL:  cfg.UpstreamURL,
		Username: cfg.UpstreamUsername,
		Password: cfg.UpstreamPassword,
		Log:      log.With().Str("component", "upstream").Logger(),
	}), c)

	// Normalization
	tagIndex := normalize.NewTagIndex(db)
	normEngine := normalize.NewEngine(tagIndex, log)

	// Auto-creation
	pipeline := autocreate.NewEngine(up, db, log)
	pipeline.ExcludedTerms = cfg.AutoCreateExcludedTerms
	pipeline.ExcludedGroups = cfg.AutoCreateExcludedGroups

	// Stream probing
	probeEngine := probe.NewEngine(probe.Options{
		Prober: &probe.FFProbe{
			Path:           cfg.FFprobePath,
			Timeout:        cfg.StreamProbeTimeout,
			SampleDuration: cfg.BitrateSampleDuration,
		},
		DB:                      db,
		Workers:                 cfg.MaxConcurrentProbes,
		RetryCount:              cfg.ProbeRetryCount,
		RetryDelay:              cfg.ProbeRetryDelay,
		SkipRecentlyProbedHours: cfg.SkipRecentlyProbedHours,
		StrikeThreshold:         cfg.StrikeThreshold,
		Log:                     log,
	})

	// Change detection and digests
	detector := m3u.NewDetector(up, db, cfg.StreamNameSampleCap, log)
	emailFactory := digest.EmailFactory(func(recipients []string) notify.Sender {
		return &notify.EmailSender{
			Host:       cfg.SMTPHost,
			Port:       cfg.SMTPPort,
			User:       cfg.SMTPUser,
			Password:   cfg.SMTPPassword,
			From:       cfg.SMTPFrom,
			Recipients: recipients,
		}
	})
	discord := &notify.DiscordSender{WebhookURL: cfg.DiscordWebhookURL}
	dispatcher := digest.NewDispatcher(db, up, emailFactory, discord, log)

	// Notification fanout
	notifier := notify.New(notify.Options{
		DB:      db,
		Timeout: cfg.AlertTimeout,
		Email: &notify.EmailSender{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			User:     cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		},
		Discord: discord,
		Telegram: &notify.TelegramSender{
			BotToken: cfg.TelegramBotToken,
			ChatID:   cfg.TelegramChatID,
		},
		Log: log,
	})

	// Task engine
	taskEngine := tasks.NewEngine(db, notifier, log)
	err = tasks.RegisterBuiltins(taskEngine, tasks.BuiltinDeps{
		API:        up,
		Probe:      probeEngine,
		Detector:   detector,
		Digest:     dispatcher,
		AutoCreate: pipeline,
		DB:         db,
		Retention: tasks.Retention{
			TaskRuns:      cfg.TaskRunRetention,
			ChangeLogs:    cfg.ChangeLogRetention,
			Snapshots:     cfg.SnapshotRetention,
			Notifications: cfg.NotificationRetention,
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("registering builtin tasks failed")
	}

	deps := api.Deps{
		Config:    cfg,
		DB:        db,
		Upstream:  up,
		Cache:     c,
		Normalize: normEngine,
		TagIndex:  tagIndex,
		Pipeline:  pipeline,
		Probe:     probeEngine,
		Digest:    dispatcher,
		Tasks:     taskEngine,
		Bulk:      bulk.NewApplier(up, log),
		Synth:     xmltv.NewSynthesizer(log),
		Version:   version,
		StartTime: startTime,
		Log:       log.With().Str("component", "http").Logger(),
	}

	// The HTTPS child serves the same API over the inherited TLS material and
	// runs no scheduler of its own.
	if tlsmgr.IsChildProcess() {
		if err := tlsmgr.RunChild(ctx, api.NewRouter(deps), log); err != nil {
			log.Fatal().Err(err).Msg("https child failed")
		}
		return
	}

	// TLS lifecycle
	tlsManager, err := tlsmgr.NewManager(cfg.ConfigDir, cfg.HTTPSPort, log)
	if err != nil {
		log.Fatal().Err(err).Msg("tls manager init failed")
	}
	deps.TLS = tlsManager

	prometheus.MustRegister(metrics.NewCollector(db.Pool, taskEngine))

	taskEngine.Start(ctx)
	tlsManager.Start(ctx)

	// HTTP Server
	srv := api.NewServer(deps)

	// Start HTTP server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown with 10s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
	tlsManager.Stop()
	taskEngine.Stop()

	log.Info().Msg("ecm stopped")
}
