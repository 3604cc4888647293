package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dunamismax/printforge/internal/config"
	"github.com/dunamismax/printforge/internal/logging"
	"github.com/dunamismax/printforge/internal/pipeline"
	"github.com/dunamismax/printforge/internal/storage"
	"github.com/dunamismax/printforge/internal/store"
	"github.com/dunamismax/printforge/internal/telemetry"
	"github.com/dunamismax/printforge/internal/webhook"
	"github.com/dunamismax/printforge/internal/worker"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.Load()
	logger := logging.Init(cfg.Log.Level, cfg.Log.Pretty, "printforge-worker")
	ctx := context.Background()

	runtimeInfo, err := pipeline.Startup(pipeline.RuntimeOptions{
		CacheMemBytes: cfg.Worker.VipsCacheMB << 20,
		Concurrency:   cfg.Worker.MaxActiveJobs,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("image runtime startup failed")
	}
	defer pipeline.Shutdown()
	if !runtimeInfo.Writes(cfg.Worker.OutputFormat) {
		logger.Fatal().
			Str("format", cfg.Worker.OutputFormat).
			Str("backend", runtimeInfo.Backend).
			Msg("WORKER_OUTPUT_FORMAT is not supported by this build")
	}

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "printforge-worker",
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		SampleRatio:  cfg.Telemetry.SampleRatio,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracing setup failed")
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown failed")
		}
	}()

	redisClient := redis.NewClient(cfg.Queue.RedisOptions())
	defer redisClient.Close()

	sessions, closeSessions, err := store.OpenSessionStore(ctx, cfg.Database.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("session store unavailable")
	}
	defer closeSessions()
	if cfg.Database.DSN == "" {
		logger.Warn().Msg("POSTGRES_DSN not set, session status updates stay local to this worker")
	}

	results, err := store.OpenResultStore(store.ResultStoreOptions{
		Backend:       cfg.Results.Backend,
		CapacityBytes: cfg.Results.CapacityBytes,
		MaxEntryBytes: cfg.Results.MaxEntryBytes,
		KeyPrefix:     cfg.Results.KeyPrefix,
		TTL:           cfg.Results.TTL,
	}, redisClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("result store unavailable")
	}

	storageClient, err := storage.NewClient(storage.Config{
		Endpoint: cfg.Storage.Endpoint,
		Access:   cfg.Storage.AccessKey,
		Secret:   cfg.Storage.SecretKey,
		Bucket:   cfg.Storage.Bucket,
		UseSSL:   cfg.Storage.UseSSL,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("storage client setup failed")
	}

	webhookClient := webhook.NewClient(webhook.Config{
		SigningSecret:  cfg.Webhook.SigningSecret,
		Timeout:        cfg.Webhook.Timeout,
		MaxAttempts:    cfg.Webhook.MaxAttempts,
		InitialBackoff: cfg.Webhook.InitialBackoff,
		MaxBackoff:     cfg.Webhook.MaxBackoff,
	})

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, storageClient, webhookClient, sessions, results)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker setup failed")
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	logger.Info().
		Int("concurrency", cfg.Worker.Concurrency).
		Int("max_active_jobs", cfg.Worker.MaxActiveJobs).
		Str("queue", cfg.Queue.Name).
		Str("redis", cfg.Queue.RedisAddr).
		Str("metrics_addr", cfg.Worker.MetricsAddr).
		Str("image_backend", runtimeInfo.Backend).
		Msg("starting worker")

	// Run blocks until SIGINT or SIGTERM.
	if err := srv.Run(); err != nil {
		logger.Error().Err(err).Msg("worker failed")
	}
}
