package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/printforge/internal/domain"
	"github.com/dunamismax/printforge/internal/enhance"
	"github.com/dunamismax/printforge/internal/pipeline"
	"github.com/dunamismax/printforge/internal/queue"
	"github.com/dunamismax/printforge/internal/ratelimit"
	"github.com/dunamismax/printforge/internal/store"
	"github.com/dunamismax/printforge/internal/webhook"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

type fakeQueue struct {
	mu       sync.Mutex
	payloads []queue.ComposeImagePayload
}

func (q *fakeQueue) EnqueueCompose(_ context.Context, payload queue.ComposeImagePayload) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.payloads = append(q.payloads, payload)
	return &asynq.TaskInfo{
		ID:    fmt.Sprintf("task-%d", len(q.payloads)),
		Queue: "default",
		State: asynq.TaskStatePending,
	}, nil
}

func (q *fakeQueue) all() []queue.ComposeImagePayload {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.ComposeImagePayload(nil), q.payloads...)
}

type fakeStorage struct {
	mu       sync.Mutex
	objects  map[string][]byte
	writeErr error
	writes   int
}

func (s *fakeStorage) failWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: make(map[string][]byte)}
}

func (s *fakeStorage) PresignedPutURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://objects.test/put/" + key, nil
}

func (s *fakeStorage) PresignedGetURL(_ context.Context, key, _ string, _ time.Duration) (string, error) {
	return "https://objects.test/get/" + key, nil
}

func (s *fakeStorage) ObjectExists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *fakeStorage) ReadObject(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("missing %s", key)
	}
	return data, nil
}

func (s *fakeStorage) WriteObjectWithMetadata(_ context.Context, key string, data []byte, _ string, _ map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.writeErr != nil {
		return s.writeErr
	}
	s.objects[key] = data
	return nil
}

// gatedService answers once release is closed.
type gatedService struct {
	release chan struct{}
	mu      sync.Mutex
	calls   int
	resp    enhance.Response
}

func (g *gatedService) Enhance(ctx context.Context, _ enhance.Request) (enhance.Response, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	select {
	case <-g.release:
		return g.resp, nil
	case <-ctx.Done():
		return enhance.Response{}, ctx.Err()
	}
}

type captureWebhooks struct {
	mu     sync.Mutex
	events []string
}

func (c *captureWebhooks) Send(_ context.Context, _ string, event string, _ any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

type denyLimiter struct {
	costs []int
}

func (d *denyLimiter) AllowN(_ context.Context, _ string, cost int) (ratelimit.Decision, error) {
	d.costs = append(d.costs, cost)
	return ratelimit.Decision{Allowed: false, Remaining: 0, RetryAfter: 2 * time.Second}, nil
}

type testEnv struct {
	server   *Server
	handler  http.Handler
	queue    *fakeQueue
	storage  *fakeStorage
	sessions *store.MemorySessionStore
	service  *gatedService
	webhooks *captureWebhooks
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	service := &gatedService{release: make(chan struct{}), resp: pngResponse(t, 60, 40)}
	orchestrator, err := enhance.New(service, enhance.Options{
		Store:  store.NewMemoryResultStore(0),
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}

	env := &testEnv{
		queue:    &fakeQueue{},
		storage:  newFakeStorage(),
		sessions: store.NewMemorySessionStore(),
		service:  service,
		webhooks: &captureWebhooks{},
	}
	env.server, err = NewServer(Options{
		Logger:     zerolog.Nop(),
		Queue:      env.queue,
		Sessions:   env.sessions,
		Storage:    env.storage,
		Enhancer:   orchestrator,
		Webhooks:   env.webhooks,
		PresignTTL: time.Minute,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	env.server.applyBackoff = time.Millisecond
	env.handler = env.server.Handler()
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) seedSession(t *testing.T, webhookURL string) domain.Session {
	t.Helper()
	data, err := pipeline.EncodePNG(solidImage(40, 30))
	if err != nil {
		t.Fatalf("encode source: %v", err)
	}
	session := domain.Session{
		ID:         "ses_test",
		Status:     domain.SessionStatusCreated,
		SourceType: domain.SourceTypeS3Presigned,
		SourceKey:  "uploads/ses_test/source",
		ActiveKey:  "uploads/ses_test/source",
		WebhookURL: webhookURL,
		Settings:   domain.ToolSettings{CornerRadiusPct: 20},
		CreatedAt:  time.Now().UTC(),
	}
	e.storage.objects[session.SourceKey] = data
	if err := e.sessions.Create(context.Background(), session); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return session
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestRouteLabel(t *testing.T) {
	cases := map[string]string{
		"/v1/sessions":                "/v1/sessions",
		"/v1/sessions/abc":            "/v1/sessions/{id}",
		"/v1/sessions/abc/compose":    "/v1/sessions/{id}/compose",
		"/v1/sessions/abc/enhance/":   "/v1/sessions/{id}/enhance",
		"/v1/print-areas":             "/v1/print-areas",
		"/metrics":                    "/metrics",
		"/something/else/entirely":    "other",
		"/v1/sessions/abc/enhance/x/": "/v1/sessions/other",
	}
	for path, want := range cases {
		if got := routeLabel(path); got != want {
			t.Errorf("routeLabel(%q) = %q, want %q", path, got, want)
		}
	}
	if got := sessionIDFromPath("/v1/sessions/ses_1/enhance"); got != "ses_1" {
		t.Fatalf("unexpected session id %q", got)
	}
}

func TestCreateSessionPresignsAndClamps(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/sessions", map[string]any{
		"source_type": "s3_presigned",
		"product":     map[string]string{"category": "mug"},
		"settings":    map[string]any{"feather_px": 500, "corner_radius_pct": 100},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Session     domain.Session      `json:"session"`
		Adjustments []domain.Adjustment `json:"adjustments"`
		Upload      map[string]string   `json:"upload"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(body.Session.ID, "ses_") {
		t.Fatalf("unexpected session id %q", body.Session.ID)
	}
	if body.Session.Settings.FeatherPx != domain.MaxFeatherPx {
		t.Fatalf("feather should be clamped, got %d", body.Session.Settings.FeatherPx)
	}
	if len(body.Adjustments) != 1 || body.Adjustments[0].Field != "feather_px" {
		t.Fatalf("unexpected adjustments %+v", body.Adjustments)
	}
	if body.Session.PrintArea == nil || body.Session.PrintArea.WidthIn != 8.5 {
		t.Fatalf("mug category should resolve its print area, got %+v", body.Session.PrintArea)
	}
	if !strings.HasPrefix(body.Upload["presigned_put_url"], "https://objects.test/put/uploads/") {
		t.Fatalf("unexpected upload %+v", body.Upload)
	}
}

func TestCreateSessionRejectsBadFit(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/sessions", map[string]any{
		"source_type": "s3_presigned",
		"settings":    map[string]any{"fit": map[string]any{"mode": "diagonal"}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestLookupPrintArea(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/print-areas?product=Unisex+Staple+T-Shirt&size=2XL", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	area := body["print_area"].(map[string]any)
	if area["width_in"].(float64) != 14 || body["pixel_width"].(float64) != 4200 {
		t.Fatalf("unexpected lookup %+v", body)
	}

	if rec := env.do(t, http.MethodGet, "/v1/print-areas", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without product, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/v1/print-areas?product=x&placement=sleeve", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown placement, got %d", rec.Code)
	}
}

func TestComposeEnqueuesSnapshot(t *testing.T) {
	env := newTestEnv(t)
	env.seedSession(t, "")

	rec := env.do(t, http.MethodPost, "/v1/sessions/ses_test/compose", map[string]any{"format": "jpeg", "quality": 80})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	payloads := env.queue.all()
	if len(payloads) != 1 {
		t.Fatalf("expected one task, got %d", len(payloads))
	}
	p := payloads[0]
	if p.ObjectKey != "uploads/ses_test/source" || p.Format != "jpeg" || p.Quality != 80 || p.Reason != queue.ReasonRequested {
		t.Fatalf("unexpected payload %+v", p)
	}
	if p.Settings.CornerRadiusPct != 20 {
		t.Fatal("settings were not snapshotted")
	}

	session, _, _ := env.sessions.Get(context.Background(), "ses_test")
	if session.Status != domain.SessionStatusQueued {
		t.Fatalf("expected queued, got %s", session.Status)
	}
}

func TestComposeRequiresUploadedSource(t *testing.T) {
	env := newTestEnv(t)
	env.seedSession(t, "")
	delete(env.storage.objects, "uploads/ses_test/source")

	if rec := env.do(t, http.MethodPost, "/v1/sessions/ses_test/compose", nil); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/v1/sessions/missing/compose", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestUpdateSettings(t *testing.T) {
	env := newTestEnv(t)
	env.seedSession(t, "")

	rec := env.do(t, http.MethodPut, "/v1/sessions/ses_test/settings", map[string]any{
		"settings": map[string]any{"feather_px": 12, "frame": map[string]any{"color": "#ff0000", "width_px": 4}},
		"product":  map[string]string{"name": "Unisex Staple T-Shirt", "size": "M", "placement": "back"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	session, _, _ := env.sessions.Get(context.Background(), "ses_test")
	if session.Settings.FeatherPx != 12 || session.Settings.Frame == nil || session.Settings.Frame.WidthPx != 4 {
		t.Fatalf("settings not stored: %+v", session.Settings)
	}
	if session.PrintArea == nil || session.PrintArea.WidthIn != 12 || session.PrintArea.HeightIn != 16 {
		t.Fatalf("print area not re-resolved: %+v", session.PrintArea)
	}

	if rec := env.do(t, http.MethodPut, "/v1/sessions/missing/settings", map[string]any{"settings": map[string]any{}}); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestEnhanceSwapsActiveImageAndRecomposes(t *testing.T) {
	env := newTestEnv(t)
	env.seedSession(t, "https://hooks.test/x")

	first := env.do(t, http.MethodPost, "/v1/sessions/ses_test/enhance", nil)
	if first.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", first.Code, first.Body.String())
	}
	second := env.do(t, http.MethodPost, "/v1/sessions/ses_test/enhance", nil)
	if second.Code != http.StatusAccepted || decodeBody(t, second)["joined"] != true {
		t.Fatalf("second trigger should join the attempt in flight: %d %s", second.Code, second.Body.String())
	}
	attemptID := decodeBody(t, first)["attempt_id"].(string)

	close(env.service.release)
	env.server.Wait()

	if env.service.calls != 1 {
		t.Fatalf("expected one service call, got %d", env.service.calls)
	}

	session, _, _ := env.sessions.Get(context.Background(), "ses_test")
	wantKey := pipeline.EnhancedObjectKey("ses_test", attemptID)
	if session.ActiveKey != wantKey || session.SourceKey != "uploads/ses_test/source" {
		t.Fatalf("unexpected keys active=%q source=%q", session.ActiveKey, session.SourceKey)
	}
	if _, ok := env.storage.objects[wantKey]; !ok {
		t.Fatal("enhanced image was not stored")
	}

	payloads := env.queue.all()
	if len(payloads) != 1 || payloads[0].Reason != queue.ReasonEnhanced || payloads[0].ObjectKey != wantKey {
		t.Fatalf("expected an enhanced re-render, got %+v", payloads)
	}
	if len(env.webhooks.events) != 1 || env.webhooks.events[0] != webhook.EventEnhancementSucceeded {
		t.Fatalf("unexpected webhooks %v", env.webhooks.events)
	}

	rec := env.do(t, http.MethodGet, "/v1/sessions/ses_test", nil)
	enh := decodeBody(t, rec)["enhancement"].(map[string]any)
	if enh["state"] != string(domain.EnhancementSucceeded) {
		t.Fatalf("expected succeeded record, got %+v", enh)
	}

	// The enhanced image is still below print size, so this reaches Trigger.
	if rec := env.do(t, http.MethodPost, "/v1/sessions/ses_test/enhance", nil); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 once enhanced, got %d", rec.Code)
	}
}

func TestEnhanceStoreFailureLeavesSessionRetryable(t *testing.T) {
	env := newTestEnv(t)
	env.seedSession(t, "https://hooks.test/x")
	env.storage.failWrites(errors.New("bucket unavailable"))

	if rec := env.do(t, http.MethodPost, "/v1/sessions/ses_test/enhance", nil); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	close(env.service.release)
	env.server.Wait()

	if env.storage.writes != env.server.applyAttempts {
		t.Fatalf("expected %d store attempts, got %d", env.server.applyAttempts, env.storage.writes)
	}
	session, _, _ := env.sessions.Get(context.Background(), "ses_test")
	if session.ActiveKey != session.SourceKey {
		t.Fatalf("active key must stay on the source, got %q", session.ActiveKey)
	}
	rec := env.do(t, http.MethodGet, "/v1/sessions/ses_test", nil)
	if enh := decodeBody(t, rec)["enhancement"].(map[string]any); enh["state"] != string(domain.EnhancementFailed) {
		t.Fatalf("unapplied success must read as failed, got %+v", enh)
	}
	if len(env.webhooks.events) != 1 || env.webhooks.events[0] != webhook.EventEnhancementFailed {
		t.Fatalf("unexpected webhooks %v", env.webhooks.events)
	}

	env.storage.failWrites(nil)
	retry := env.do(t, http.MethodPost, "/v1/sessions/ses_test/enhance", nil)
	if retry.Code != http.StatusAccepted {
		t.Fatalf("retry should start a new attempt, got %d: %s", retry.Code, retry.Body.String())
	}
	attemptID := decodeBody(t, retry)["attempt_id"].(string)
	env.server.Wait()

	session, _, _ = env.sessions.Get(context.Background(), "ses_test")
	if want := pipeline.EnhancedObjectKey("ses_test", attemptID); session.ActiveKey != want {
		t.Fatalf("expected active key %q after retry, got %q", want, session.ActiveKey)
	}
}

func TestEnhanceReappliesUnswappedSuccess(t *testing.T) {
	env := newTestEnv(t)
	env.seedSession(t, "")

	first := env.do(t, http.MethodPost, "/v1/sessions/ses_test/enhance", nil)
	attemptID := decodeBody(t, first)["attempt_id"].(string)
	close(env.service.release)
	env.server.Wait()

	// Lose the swap, as if the process stopped right after the service answered.
	enhancedKey := pipeline.EnhancedObjectKey("ses_test", attemptID)
	delete(env.storage.objects, enhancedKey)
	if _, err := env.sessions.Update(context.Background(), "ses_test", func(s *domain.Session) error {
		s.ActiveKey = s.SourceKey
		return nil
	}); err != nil {
		t.Fatalf("reset session: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/v1/sessions/ses_test/enhance", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["active_key"] != enhancedKey || body["state"] != string(domain.EnhancementSucceeded) {
		t.Fatalf("unexpected reapply response %+v", body)
	}
	if _, ok := env.storage.objects[enhancedKey]; !ok {
		t.Fatal("enhanced image should be stored again")
	}
	if env.service.calls != 1 {
		t.Fatalf("reapply must not call the service again, got %d calls", env.service.calls)
	}
	if payloads := env.queue.all(); len(payloads) != 2 || payloads[1].ObjectKey != enhancedKey {
		t.Fatalf("expected a second enhanced re-render, got %+v", payloads)
	}
}

func TestCancelEnhance(t *testing.T) {
	env := newTestEnv(t)
	env.seedSession(t, "https://hooks.test/x")

	if rec := env.do(t, http.MethodDelete, "/v1/sessions/ses_test/enhance", nil); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 with nothing pending, got %d", rec.Code)
	}

	if rec := env.do(t, http.MethodPost, "/v1/sessions/ses_test/enhance", nil); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	rec := env.do(t, http.MethodDelete, "/v1/sessions/ses_test/enhance", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	env.server.Wait()
	close(env.service.release)

	session, _, _ := env.sessions.Get(context.Background(), "ses_test")
	if session.ActiveKey != session.SourceKey {
		t.Fatal("a cancelled enhancement must not swap the active image")
	}
	if len(env.webhooks.events) != 1 || env.webhooks.events[0] != webhook.EventEnhancementFailed {
		t.Fatalf("unexpected webhooks %v", env.webhooks.events)
	}
}

func TestRateLimitChargesEnhanceMore(t *testing.T) {
	env := newTestEnv(t)
	limiter := &denyLimiter{}
	env.server.rateLimiter = limiter
	env.server.enhanceCost = 5
	env.handler = env.server.Handler()

	rec := env.do(t, http.MethodPost, "/v1/sessions/ses_test/enhance", nil)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") != "2" {
		t.Fatalf("expected 429 with Retry-After, got %d %v", rec.Code, rec.Header())
	}
	env.do(t, http.MethodPost, "/v1/sessions/ses_test/compose", nil)
	if rec := env.do(t, http.MethodGet, "/v1/sessions/ses_test", nil); rec.Code == http.StatusTooManyRequests {
		t.Fatal("reads must not be rate limited")
	}

	if len(limiter.costs) != 2 || limiter.costs[0] != 5 || limiter.costs[1] != 1 {
		t.Fatalf("unexpected costs %v", limiter.costs)
	}
}

func pngResponse(t *testing.T, w, h int) enhance.Response {
	t.Helper()
	data, err := pipeline.EncodePNG(solidImage(w, h))
	if err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return enhance.Response{
		Success:    true,
		Screenshot: base64.StdEncoding.EncodeToString(data),
		Dimensions: &enhance.Dimensions{Width: uint32(w), Height: uint32(h)},
	}
}

func solidImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 200, G: 120, B: 40, A: 255})
		}
	}
	return img
}
