package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"query-portal-engine/internal/api"
	"query-portal-engine/internal/config"
	"query-portal-engine/internal/engine"
	"query-portal-engine/internal/monitor"
	"query-portal-engine/internal/notify"
	"query-portal-engine/internal/pool"
	"query-portal-engine/internal/ratelimit"
	"query-portal-engine/internal/registry"
	"query-portal-engine/internal/result"
	"query-portal-engine/internal/storage"
	"query-portal-engine/internal/worker"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	if len(cfg.Security.AllowedKeys) == 0 && !cfg.Security.AllowUnauthenticated {
		log.Warn().Msg("no API keys configured — set security.allowed_keys or security.allow_unauthenticated, all API requests will be rejected")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()

	shutdownTracing, err := monitor.SetupTracing(ctx, cfg.Tracing.Enabled, cfg.Tracing.Endpoint, cfg.Tracing.Sample)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up tracing")
	}

	// Request store: Postgres when a DSN is configured, in-memory otherwise.
	var (
		store  engine.Store
		health api.HealthChecker
	)
	if cfg.Database.DSN != "" {
		pg, err := storage.NewPostgres(ctx, cfg.Database.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to request store")
		}
		defer pg.Close()
		store, health = pg, pg
	} else {
		log.Warn().Msg("no database DSN configured — requests are held in memory and lost on restart")
		mem := storage.NewMemory()
		store, health = mem, mem
	}

	targets, err := registry.New(cfg.Instances)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid instance configuration")
	}
	if len(cfg.Instances) == 0 {
		log.Warn().Msg("no target instances configured — every submission will be rejected")
	}

	limits := ratelimit.New(cfg.Limits)

	slots := pool.New(cfg.Pool)
	defer slots.Close()

	launcher := worker.NewLauncher(cfg.Worker)
	defer func() {
		if err := launcher.Close(); err != nil {
			log.Error().Err(err).Msg("worker launcher close error")
		}
	}()

	// Lifecycle notifications: webhook when configured, log-only otherwise.
	var sink notify.Sink = notify.LogSink{}
	if cfg.Notify.WebhookURL != "" {
		sink = notify.NewWebhookSink(cfg.Notify.WebhookURL, cfg.Notify.Timeout)
	}
	notifier := notify.NewAsync(sink, cfg.Notify.Buffer)
	notifier.Start()
	defer notifier.Flush(5 * time.Second)

	eng := engine.New(cfg.Engine, engine.Deps{
		Store:    store,
		Targets:  targets,
		Limits:   limits,
		Slots:    slots,
		Scripts:  launcher,
		Drivers:  engine.NewDriverResolver(cfg.Drivers),
		Notifier: notifier,
		Results:  result.New(cfg.Result),
		Tracer:   monitor.NewTracer(),
	})

	server := api.NewServer(cfg, eng, store, health, slots, metrics)

	// Publish pool occupancy gauges.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st := slots.Stats()
				metrics.UpdatePoolStats(st.UsedMemoryMB, int64(st.Active), int64(st.Queued))
			}
		}
	}()

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("trace exporter shutdown error")
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Strs("instances", targets.IDs()).
		Bool("persistent_store", cfg.Database.DSN != "").
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}
