package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/printforge/internal/api"
	"github.com/dunamismax/printforge/internal/config"
	"github.com/dunamismax/printforge/internal/enhance"
	"github.com/dunamismax/printforge/internal/logging"
	"github.com/dunamismax/printforge/internal/printarea"
	"github.com/dunamismax/printforge/internal/queue"
	"github.com/dunamismax/printforge/internal/ratelimit"
	"github.com/dunamismax/printforge/internal/storage"
	"github.com/dunamismax/printforge/internal/store"
	"github.com/dunamismax/printforge/internal/telemetry"
	"github.com/dunamismax/printforge/internal/webhook"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
)

func main() {
	cfg := config.Load()
	logger := logging.Init(cfg.Log.Level, cfg.Log.Pretty, "printforge-api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "printforge-api",
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

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn().Err(err).Msg("queue client close failed")
		}
	}()

	sessions, closeSessions, err := store.OpenSessionStore(ctx, cfg.Database.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("session store unavailable")
	}
	defer closeSessions()

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
	if err := storageClient.EnsureBucket(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ensure bucket failed")
	}

	printAreas := printarea.Default()
	if cfg.PrintAreas.TablePath != "" {
		if printAreas, err = printarea.Load(cfg.PrintAreas.TablePath, logger); err != nil {
			logger.Fatal().Err(err).Msg("print area table invalid")
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := api.Options{
		Logger:       logger,
		Queue:        queueClient,
		Sessions:     sessions,
		Storage:      storageClient,
		PrintAreas:   printAreas,
		Webhooks:     webhook.NewClient(webhookConfig(cfg.Webhook)),
		Tracer:       otel.Tracer("printforge/api"),
		Registry:     registry,
		PresignTTL:   cfg.API.PresignTTL,
		UserIDHeader: cfg.API.UserIDHeader,
		EnhanceCost:  cfg.RateLimit.EnhanceCost,
		// Enhanced sources of local_file sessions land next to the worker's
		// output so both binaries see the same path.
		LocalEnhancedDir: cfg.Worker.LocalOutputDir,
		OutputFormat:     cfg.Worker.OutputFormat,
		OutputQuality:    cfg.Worker.OutputQuality,
	}

	if cfg.Enhancement.Endpoint != "" {
		service, err := enhance.NewHTTPService(cfg.Enhancement.Endpoint, cfg.Enhancement.Timeout)
		if err != nil {
			logger.Fatal().Err(err).Msg("enhancement service setup failed")
		}
		orchestrator, err := enhance.New(service, enhance.Options{
			Timeout:       cfg.Enhancement.Timeout,
			MaxAttempts:   cfg.Enhancement.MaxAttempts,
			MinPixels:     cfg.Enhancement.MinPixels,
			ThumbnailEdge: cfg.Enhancement.ThumbnailEdge,
			Store:         results,
			Logger:        logger,
			Registerer:    registry,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("enhancement orchestrator setup failed")
		}
		go orchestrator.RunSweeper(ctx, cfg.Enhancement.SweepInterval)
		opts.Enhancer = orchestrator
	} else {
		logger.Info().Msg("enhancement endpoint not configured, enhancement disabled")
	}

	if cfg.RateLimit.Enabled {
		limiter, err := ratelimit.NewRedisTokenBucket(redisClient, ratelimit.Policy{
			Capacity: cfg.RateLimit.Capacity,
			Window:   cfg.RateLimit.Window,
		}, cfg.RateLimit.KeyPrefix)
		if err != nil {
			logger.Fatal().Err(err).Msg("rate limiter setup failed")
		}
		opts.RateLimiter = limiter
	}

	app, err := api.NewServer(opts)
	if err != nil {
		logger.Fatal().Err(err).Msg("api setup failed")
	}

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.API.Addr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info().Msg("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
	}
	app.Wait()
}

func webhookConfig(cfg config.WebhookConfig) webhook.Config {
	return webhook.Config{
		SigningSecret:  cfg.SigningSecret,
		Timeout:        cfg.Timeout,
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
	}
}
