package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/printforge/internal/config"
	"github.com/dunamismax/printforge/internal/domain"
	"github.com/dunamismax/printforge/internal/pipeline"
	"github.com/dunamismax/printforge/internal/queue"
	"github.com/dunamismax/printforge/internal/storage"
	"github.com/dunamismax/printforge/internal/store"
	"github.com/dunamismax/printforge/internal/webhook"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// CompositeKey is the result store key for a session's latest composite.
func CompositeKey(sessionID string) string {
	return "composite:" + sessionID
}

type processor interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

type Server struct {
	logger          zerolog.Logger
	server          *asynq.Server
	sem             chan struct{}
	localProcessor  processor
	objectProcessor processor
	webhookClient   webhookSender
	sessions        store.SessionStore
	results         store.ResultStore
	metrics         *metrics
	tracer          trace.Tracer
	format          string
	quality         int
}

func NewServer(
	logger zerolog.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	storageClient *storage.Client,
	webhookClient *webhook.Client,
	sessions store.SessionStore,
	results store.ResultStore,
) (*Server, error) {
	if storageClient == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}

	localProcessor, err := pipeline.NewLocalProcessor(workerCfg.LocalOutputDir)
	if err != nil {
		return nil, fmt.Errorf("initialize pipeline processor: %w", err)
	}

	objectProcessor, err := pipeline.NewObjectStoreProcessor(
		pipeline.ObjectStoreFetcher{Storage: storageClient},
		pipeline.ObjectStoreEmitter{Storage: storageClient, OutputPrefix: workerCfg.OutputPrefix},
	)
	if err != nil {
		return nil, fmt.Errorf("initialize object-store processor: %w", err)
	}

	s := &Server{
		logger:          logger,
		sem:             make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		localProcessor:  localProcessor,
		objectProcessor: objectProcessor,
		sessions:        sessions,
		results:         results,
		metrics:         newMetrics(),
		tracer:          otel.Tracer("printforge/worker"),
		format:          workerCfg.OutputFormat,
		quality:         workerCfg.OutputQuality,
	}
	if webhookClient != nil {
		s.webhookClient = webhookClient
	}

	s.server = asynq.NewServer(
		queueCfg.RedisClientOpt(),
		asynq.Config{
			Concurrency: workerCfg.Concurrency,
			Queues: map[string]int{
				queueCfg.Name: 1,
			},
			Logger:   asynqLogger{logger: logger.With().Str("component", "asynq").Logger()},
			LogLevel: asynq.InfoLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Error().
					Err(err).
					Str("task_type", task.Type()).
					Int("retry", retried).
					Int("max_retry", maxRetry).
					Msg("task failed")
			}),
		},
	)
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeComposeImage, s.handleComposeImage)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleComposeImage(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := domain.SessionStatusFailed

	payload, err := queue.ParseComposeImagePayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}
	if strings.TrimSpace(payload.SessionID) == "" {
		return fmt.Errorf("payload has no session_id: %w", asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.compose_image", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("session.id", payload.SessionID),
		attribute.String("session.source_type", payload.SourceType),
		attribute.String("compose.reason", payload.Reason),
		attribute.String("compose.fit", string(payload.Settings.Fit.Mode)),
	)
	defer span.End()
	defer func() {
		s.metrics.composeDuration.WithLabelValues(payload.SourceType, outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.compositesTotal.WithLabelValues(reasonLabel(payload.Reason), outcome).Inc()
	}()

	s.sem <- struct{}{}
	s.metrics.activeComposites.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeComposites.Dec()
	}()

	logger := s.logger.With().Str("session_id", payload.SessionID).Str("reason", payload.Reason).Logger()
	logger.Info().
		Str("source_type", payload.SourceType).
		Str("object_key", payload.ObjectKey).
		Msg("composing")

	s.updateSession(ctx, payload.SessionID, func(session *domain.Session) error {
		session.Status = domain.SessionStatusComposing
		return nil
	})

	request := pipeline.Request{
		SessionID:  payload.SessionID,
		SourceType: payload.SourceType,
		ObjectKey:  payload.ObjectKey,
		Settings:   payload.Settings,
		PrintArea:  payload.PrintArea,
		Format:     firstNonEmpty(payload.Format, s.format),
		Quality:    payload.Quality,
	}
	if request.Quality <= 0 {
		request.Quality = s.quality
	}

	var result pipeline.Result
	if strings.EqualFold(payload.SourceType, domain.SourceTypeLocalFile) {
		result, err = s.localProcessor.Process(ctx, request)
	} else {
		result, err = s.objectProcessor.Process(ctx, request)
	}
	if err != nil {
		s.updateSession(ctx, payload.SessionID, func(session *domain.Session) error {
			session.Status = domain.SessionStatusFailed
			return nil
		})
		span.RecordError(err)
		span.SetStatus(codes.Error, "compose failed")
		_ = s.dispatchWebhook(ctx, payload, webhook.EventCompositeFailed, map[string]any{
			"session_id":   payload.SessionID,
			"status":       domain.SessionStatusFailed,
			"reason":       payload.Reason,
			"object_key":   payload.ObjectKey,
			"requested_at": payload.RequestedAt,
			"failed_at":    time.Now().UTC(),
			"error":        err.Error(),
		})
		if errors.Is(err, domain.ErrInvalidInput) || errors.Is(err, pipeline.ErrUnsupportedSourceType) {
			return fmt.Errorf("compose: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("compose: %w", err)
	}

	s.metrics.outputBytesTotal.Add(float64(result.Output.Bytes))
	s.metrics.outputPixelsTotal.Add(float64(result.Output.Width * result.Output.Height))

	report := s.persistComposite(ctx, payload, result)
	span.SetAttributes(attribute.String("persist.level", string(report.Level)))

	s.updateSession(ctx, payload.SessionID, func(session *domain.Session) error {
		session.Status = domain.SessionStatusComposed
		session.OutputKey = result.Output.Path
		return nil
	})

	logger.Info().
		Str("output", result.Output.Path).
		Str("format", result.Output.Format).
		Int("width", result.Output.Width).
		Int("height", result.Output.Height).
		Str("persist_level", string(report.Level)).
		Dur("elapsed", time.Since(startedAt)).
		Msg("composed")

	if err := s.dispatchWebhook(ctx, payload, webhook.EventCompositeCompleted, map[string]any{
		"session_id":    payload.SessionID,
		"status":        domain.SessionStatusComposed,
		"reason":        payload.Reason,
		"object_key":    payload.ObjectKey,
		"requested_at":  payload.RequestedAt,
		"completed_at":  time.Now().UTC(),
		"output":        result.Output,
		"persist_level": report.Level,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook dispatch failed")
		return err
	}

	outcome = domain.SessionStatusComposed
	span.SetStatus(codes.Ok, "composed")
	return nil
}

// persistComposite stores the composite for fast re-reads. Storage pressure
// degrades the entry; a failure here never fails the task since the emitted
// output is already durable.
func (s *Server) persistComposite(ctx context.Context, payload queue.ComposeImagePayload, result pipeline.Result) store.PersistReport {
	if s.results == nil {
		return store.PersistReport{Level: store.PersistSessionOnly}
	}

	settings := payload.Settings
	entry := store.Entry{
		Primary:    result.Encoded,
		PrimaryRef: result.Output.Path,
		Product:    &store.ProductContext{PrintArea: payload.PrintArea},
		Settings:   &settings,
		UpdatedAt:  time.Now().UTC(),
	}
	if len(result.Source) > 0 {
		entry.Alternates = map[string][]byte{"source": result.Source}
	}

	report, err := store.PersistWithFallback(ctx, s.results, CompositeKey(payload.SessionID), entry)
	s.metrics.persistTotal.WithLabelValues(string(report.Level)).Inc()
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", payload.SessionID).Msg("composite persistence failed")
		return report
	}
	if report.Degraded() {
		s.logger.Warn().
			Str("session_id", payload.SessionID).
			Str("level", string(report.Level)).
			Int("attempts", report.Attempts).
			Msg("composite persisted at reduced level")
	}
	return report
}

func (s *Server) updateSession(ctx context.Context, sessionID string, fn func(*domain.Session) error) {
	if s.sessions == nil {
		return
	}
	if _, err := s.sessions.Update(ctx, sessionID, fn); err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("session update failed")
	}
}

func (s *Server) dispatchWebhook(ctx context.Context, payload queue.ComposeImagePayload, event string, body map[string]any) error {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return nil
	}

	if err := s.webhookClient.Send(ctx, payload.WebhookURL, event, body); err != nil {
		s.logger.Warn().Err(err).Str("session_id", payload.SessionID).Str("event", event).Msg("webhook delivery failed")
		return fmt.Errorf("dispatch webhook: %w", err)
	}

	return nil
}

func reasonLabel(reason string) string {
	if reason == "" {
		return queue.ReasonRequested
	}
	return reason
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
