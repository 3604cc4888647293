package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dunamismax/printforge/internal/domain"
	"github.com/dunamismax/printforge/internal/enhance"
	"github.com/dunamismax/printforge/internal/id"
	"github.com/dunamismax/printforge/internal/pipeline"
	"github.com/dunamismax/printforge/internal/printarea"
	"github.com/dunamismax/printforge/internal/queue"
	"github.com/dunamismax/printforge/internal/store"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

type queueEnqueuer interface {
	EnqueueCompose(ctx context.Context, payload queue.ComposeImagePayload) (*asynq.TaskInfo, error)
}

type objectStorage interface {
	PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	PresignedGetURL(ctx context.Context, objectKey, filename string, expiry time.Duration) (string, error)
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
	WriteObjectWithMetadata(ctx context.Context, objectKey string, data []byte, contentType string, metadata map[string]string) error
}

type enhancer interface {
	ShouldUpgrade(img image.Image) bool
	Trigger(ctx context.Context, job enhance.Job) (*enhance.Ticket, error)
	Cancel(identity string) bool
	Record(ctx context.Context, identity string) domain.EnhancementRecord
	Active(identity string) (image.Image, bool)
	Release(identity, attemptID string, cause error) bool
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// Options wires the API server. Queue and Sessions are required.
type Options struct {
	Logger       zerolog.Logger
	Queue        queueEnqueuer
	Sessions     store.SessionStore
	Storage      objectStorage
	PrintAreas   *printarea.Registry
	Enhancer     enhancer
	Webhooks     webhookSender
	RateLimiter  RateLimiter
	Tracer       trace.Tracer
	Registry     *prometheus.Registry
	PresignTTL   time.Duration
	UserIDHeader string
	// EnhanceCost is the token bucket cost of one enhancement trigger.
	EnhanceCost int
	// LocalEnhancedDir receives enhanced sources of local_file sessions.
	LocalEnhancedDir string
	OutputFormat     string
	OutputQuality    int
}

type Server struct {
	logger                zerolog.Logger
	queueClient           queueEnqueuer
	sessions              store.SessionStore
	storage               objectStorage
	printAreas            *printarea.Registry
	enhancer              enhancer
	webhooks              webhookSender
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	enhanceCost           int
	tracer                trace.Tracer
	metrics               *metrics
	presignTTL            time.Duration
	localEnhancedDir      string
	format                string
	quality               int
	mux                   *http.ServeMux
	applyAttempts         int
	applyBackoff          time.Duration

	background sync.WaitGroup
	applyMu    sync.Mutex
	applying   map[string]bool
}

func NewServer(opts Options) (*Server, error) {
	if opts.Queue == nil {
		return nil, errors.New("queue client is required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("session store is required")
	}
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = 15 * time.Minute
	}
	if opts.Storage == nil {
		opts.Storage = unavailableObjectStorage{}
	}
	if opts.PrintAreas == nil {
		opts.PrintAreas = printarea.Default()
	}
	if strings.TrimSpace(opts.UserIDHeader) == "" {
		opts.UserIDHeader = "X-User-ID"
	}
	if opts.EnhanceCost < 1 {
		opts.EnhanceCost = 1
	}
	if opts.LocalEnhancedDir == "" {
		opts.LocalEnhancedDir = os.TempDir()
	}

	s := &Server{
		logger:                opts.Logger,
		queueClient:           opts.Queue,
		sessions:              opts.Sessions,
		storage:               opts.Storage,
		printAreas:            opts.PrintAreas,
		enhancer:              opts.Enhancer,
		webhooks:              opts.Webhooks,
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: opts.UserIDHeader,
		enhanceCost:           opts.EnhanceCost,
		tracer:                opts.Tracer,
		metrics:               newMetrics(opts.Registry),
		presignTTL:            opts.PresignTTL,
		localEnhancedDir:      opts.LocalEnhancedDir,
		format:                opts.OutputFormat,
		quality:               opts.OutputQuality,
		mux:                   http.NewServeMux(),
		applyAttempts:         3,
		applyBackoff:          500 * time.Millisecond,
		applying:              make(map[string]bool),
	}
	s.routes()
	return s, nil
}

type unavailableObjectStorage struct{}

var errStorageUnavailable = errors.New("object storage is unavailable")

func (unavailableObjectStorage) PresignedPutURL(context.Context, string, time.Duration) (string, error) {
	return "", errStorageUnavailable
}

func (unavailableObjectStorage) PresignedGetURL(context.Context, string, string, time.Duration) (string, error) {
	return "", errStorageUnavailable
}

func (unavailableObjectStorage) ObjectExists(context.Context, string) (bool, error) {
	return false, errStorageUnavailable
}

func (unavailableObjectStorage) ReadObject(context.Context, string) ([]byte, error) {
	return nil, errStorageUnavailable
}

func (unavailableObjectStorage) WriteObjectWithMetadata(context.Context, string, []byte, string, map[string]string) error {
	return errStorageUnavailable
}

// Handler wraps the routes in tracing, metrics and rate limiting.
func (s *Server) Handler() http.Handler {
	return s.withTracing(s.metrics.withHTTPMetrics(s.withRateLimit(s.mux)))
}

// Wait blocks until background enhancement follow-ups have finished.
func (s *Server) Wait() {
	s.background.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("GET /v1/print-areas", s.handleLookupPrintArea)
	s.mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("PUT /v1/sessions/{id}/settings", s.handleUpdateSettings)
	s.mux.HandleFunc("POST /v1/sessions/{id}/compose", s.handleCompose)
	s.mux.HandleFunc("POST /v1/sessions/{id}/enhance", s.handleEnhance)
	s.mux.HandleFunc("DELETE /v1/sessions/{id}/enhance", s.handleCancelEnhance)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLookupPrintArea(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	selection := &domain.ProductSelection{
		Name:      q.Get("product"),
		Size:      q.Get("size"),
		Placement: q.Get("placement"),
		Category:  q.Get("category"),
	}
	if strings.TrimSpace(selection.Name) == "" && strings.TrimSpace(selection.Category) == "" {
		writeError(w, http.StatusBadRequest, "product or category is required")
		return
	}

	spec, err := domain.ResolvePrintArea(s.printAreas, selection)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	width, height := spec.PixelTarget()
	writeJSON(w, http.StatusOK, map[string]any{
		"print_area":    spec,
		"pixel_width":   width,
		"pixel_height":  height,
		"table_version": s.printAreas.Version(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	settings, adjustments, err := normalizeSettings(req.Settings)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	area, err := domain.ResolvePrintArea(s.printAreas, req.Product)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	sessionID := id.NewPrefixed("ses")
	sourceType := strings.ToLower(strings.TrimSpace(req.SourceType))
	objectKey := strings.TrimSpace(req.ObjectKey)
	uploadState := "not_required"
	presignedPutURL := ""

	if sourceType == domain.SourceTypeS3Presigned {
		objectKey = fmt.Sprintf("uploads/%s/source", sessionID)
		url, err := s.storage.PresignedPutURL(r.Context(), objectKey, s.presignTTL)
		if err != nil {
			s.logger.Error().Err(err).Str("session_id", sessionID).Msg("generate presigned url failed")
			writeError(w, http.StatusInternalServerError, "failed to generate upload URL")
			return
		}
		presignedPutURL = url
		uploadState = "ready"
	}

	session := domain.Session{
		ID:         sessionID,
		Status:     domain.SessionStatusCreated,
		SourceType: sourceType,
		SourceKey:  objectKey,
		ActiveKey:  objectKey,
		WebhookURL: req.WebhookURL,
		Product:    req.Product,
		PrintArea:  area,
		Settings:   settings,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.sessions.Create(r.Context(), session); err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("create session failed")
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"session":     session,
		"adjustments": adjustments,
		"upload": map[string]string{
			"object_key":          objectKey,
			"presigned_put_url":   presignedPutURL,
			"presigned_url_state": uploadState,
		},
		"compose_url": fmt.Sprintf("/v1/sessions/%s/compose", sessionID),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.loadSession(w, r)
	if !ok {
		return
	}

	body := map[string]any{"session": session}
	if s.enhancer != nil {
		body["enhancement"] = s.enhancer.Record(r.Context(), enhancementIdentity(session))
	}
	if session.OutputKey != "" && session.SourceType != domain.SourceTypeLocalFile {
		url, err := s.storage.PresignedGetURL(r.Context(), session.OutputKey, downloadName(session), s.presignTTL)
		if err != nil {
			s.logger.Warn().Err(err).Str("session_id", session.ID).Msg("presign download failed")
		} else {
			body["download_url"] = url
		}
	}
	writeJSON(w, http.StatusOK, body)
}

type updateSettingsRequest struct {
	Settings domain.ToolSettings      `json:"settings"`
	Product  *domain.ProductSelection `json:"product,omitempty"`
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req updateSettingsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	settings, adjustments, err := normalizeSettings(req.Settings)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var area *printarea.Spec
	if req.Product != nil {
		if strings.TrimSpace(req.Product.Name) == "" && strings.TrimSpace(req.Product.Category) == "" {
			writeError(w, http.StatusBadRequest, "product.name or product.category is required")
			return
		}
		if area, err = domain.ResolvePrintArea(s.printAreas, req.Product); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	session, err := s.sessions.Update(r.Context(), r.PathValue("id"), func(session *domain.Session) error {
		session.Settings = settings
		if req.Product != nil {
			session.Product = req.Product
			session.PrintArea = area
		}
		return nil
	})
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session":     session,
		"adjustments": adjustments,
	})
}

type composeRequest struct {
	Format  string `json:"format,omitempty"`
	Quality int    `json:"quality,omitempty"`
}

func (s *Server) handleCompose(w http.ResponseWriter, r *http.Request) {
	var req composeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.Quality < 0 || req.Quality > 100 {
		writeError(w, http.StatusBadRequest, "quality must be within 0..100")
		return
	}

	session, ok := s.loadSession(w, r)
	if !ok {
		return
	}

	if err := s.verifySourceExists(r.Context(), session); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	payload := queue.PayloadFromSession(session, firstNonEmpty(req.Format, s.format), firstPositive(req.Quality, s.quality), queue.ReasonRequested)
	taskInfo, err := s.enqueue(r.Context(), payload)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", session.ID).Msg("enqueue failed")
		writeError(w, http.StatusInternalServerError, "failed to enqueue composite")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"session_id":  session.ID,
		"status":      domain.SessionStatusQueued,
		"queue":       taskInfo.Queue,
		"task_id":     taskInfo.ID,
		"state":       taskInfo.State.String(),
		"enqueued_at": taskInfo.NextProcessAt,
	})
}

// enqueue queues a compose and moves the session to queued.
func (s *Server) enqueue(ctx context.Context, payload queue.ComposeImagePayload) (*asynq.TaskInfo, error) {
	taskInfo, err := s.queueClient.EnqueueCompose(ctx, payload)
	if err != nil {
		return nil, err
	}
	s.metrics.queueEnqueued.WithLabelValues(taskInfo.Queue, payload.Reason).Inc()

	if _, err := store.UpdateStatus(ctx, s.sessions, payload.SessionID, domain.SessionStatusQueued); err != nil {
		s.logger.Warn().Err(err).Str("session_id", payload.SessionID).Msg("update status failed")
	}
	return taskInfo, nil
}

func (s *Server) loadSession(w http.ResponseWriter, r *http.Request) (domain.Session, bool) {
	sessionID := strings.TrimSpace(r.PathValue("id"))
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session id is required")
		return domain.Session{}, false
	}

	session, ok, err := s.sessions.Get(r.Context(), sessionID)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("fetch session failed")
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return domain.Session{}, false
	}
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return domain.Session{}, false
	}
	return session, true
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.logger.Error().Err(err).Str("session_id", r.PathValue("id")).Msg("session update failed")
	writeError(w, http.StatusInternalServerError, "failed to update session")
}

func (s *Server) verifySourceExists(ctx context.Context, session domain.Session) error {
	switch session.SourceType {
	case domain.SourceTypeLocalFile:
		if _, err := os.Stat(session.ActiveKey); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("source object is missing: %s", session.ActiveKey)
			}
			return fmt.Errorf("source object check failed: %w", err)
		}
		return nil
	default:
		exists, err := s.storage.ObjectExists(ctx, session.ActiveKey)
		if err != nil {
			return fmt.Errorf("source object check failed: %w", err)
		}
		if !exists {
			return fmt.Errorf("source object is missing: %s", session.ActiveKey)
		}
		return nil
	}
}

// normalizeSettings clamps numeric fields into range and then rejects
// anything clamping cannot fix, such as an unknown fit mode.
func normalizeSettings(in domain.ToolSettings) (domain.ToolSettings, []domain.Adjustment, error) {
	settings, adjustments := in.Clamp()
	if err := settings.Validate(); err != nil {
		return domain.ToolSettings{}, nil, err
	}
	if adjustments == nil {
		adjustments = []domain.Adjustment{}
	}
	return settings, adjustments, nil
}

func downloadName(session domain.Session) string {
	ext := "png"
	if i := strings.LastIndex(session.OutputKey, "."); i >= 0 {
		ext = session.OutputKey[i+1:]
	}
	return session.ID + "." + ext
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// decodeSessionImage reads and decodes the session's active image.
func (s *Server) decodeSessionImage(ctx context.Context, session domain.Session) (image.Image, error) {
	var (
		data []byte
		err  error
	)
	if session.SourceType == domain.SourceTypeLocalFile {
		data, err = os.ReadFile(session.ActiveKey)
	} else {
		data, err = s.storage.ReadObject(ctx, session.ActiveKey)
	}
	if err != nil {
		return nil, fmt.Errorf("read active image: %w", err)
	}
	img, _, err := pipeline.DecodeImage(data)
	if err != nil {
		return nil, err
	}
	return img, nil
}
