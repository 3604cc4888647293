// Package enhance upgrades low-resolution images through the remote
// Enhancement Service. The Orchestrator owns one EnhancementRecord per image
// identity and guarantees at most one in-flight request per identity.
package enhance

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"time"

	"github.com/dunamismax/printforge/internal/domain"
	"github.com/dunamismax/printforge/internal/id"
	"github.com/dunamismax/printforge/internal/pipeline"
	"github.com/dunamismax/printforge/internal/printarea"
	"github.com/dunamismax/printforge/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultTimeout     = 120 * time.Second
	DefaultMaxAttempts = 2
	DefaultMinPixels   = 2000

	persistTimeout = 10 * time.Second
)

// ShouldUpgrade reports whether img is below the default print resolution
// on either axis.
func ShouldUpgrade(img image.Image) bool {
	return belowMinimum(img, DefaultMinPixels)
}

func belowMinimum(img image.Image, minPixels int) bool {
	if img == nil {
		return false
	}
	b := img.Bounds()
	return b.Dx() < minPixels || b.Dy() < minPixels
}

// EntryKey is the result store key for an identity's enhancement state.
func EntryKey(identity string) string {
	return "enhancement:" + identity
}

type Options struct {
	Timeout       time.Duration
	MaxAttempts   int
	MinPixels     int
	ThumbnailEdge int
	Store         store.ResultStore
	Logger        zerolog.Logger
	Registerer    prometheus.Registerer
	Now           func() time.Time
	NewAttemptID  func() string
}

// Job is one enhancement request for the image currently active under
// Identity.
type Job struct {
	Identity  string
	Image     image.Image
	Settings  domain.ToolSettings
	PrintArea *printarea.Spec
	Product   *domain.ProductSelection
}

// Outcome is delivered once per attempt. Err is a *FailedError on failure;
// persistence problems never set it.
type Outcome struct {
	Identity  string
	AttemptID string
	Record    domain.EnhancementRecord
	Image     image.Image
	PNG       []byte
	Persist   store.PersistReport
	Err       error
}

type completion struct {
	once    sync.Once
	done    chan struct{}
	outcome Outcome
}

func newCompletion() *completion {
	return &completion{done: make(chan struct{})}
}

func (c *completion) finish(out Outcome) {
	c.once.Do(func() {
		c.outcome = out
		close(c.done)
	})
}

// Ticket observes one attempt. Every trigger that lands on the same
// in-flight attempt gets a ticket sharing its completion.
type Ticket struct {
	Identity  string
	AttemptID string
	started   bool
	c         *completion
}

// Started is false when the trigger joined an attempt already in flight.
func (t *Ticket) Started() bool { return t.started }

// Done is closed when the attempt reaches Succeeded or Failed.
func (t *Ticket) Done() <-chan struct{} { return t.c.done }

// Outcome is valid once Done is closed.
func (t *Ticket) Outcome() Outcome {
	select {
	case <-t.c.done:
		return t.c.outcome
	default:
		return Outcome{}
	}
}

// Wait blocks until the attempt finishes or ctx ends.
func (t *Ticket) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-t.c.done:
		return t.c.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

type slot struct {
	mu        sync.Mutex
	loaded    bool
	record    domain.EnhancementRecord
	active    image.Image
	pending   *completion
	attemptID string
	cancel    context.CancelFunc
	// seq counts record transitions. Writes to the result store carry the
	// seq they were taken at and an older one never overwrites a newer one.
	seq uint64

	persistMu sync.Mutex
	persisted uint64
}

// bumpLocked marks a record transition and returns its sequence number.
func (sl *slot) bumpLocked() uint64 {
	sl.seq++
	return sl.seq
}

type Orchestrator struct {
	service       Service
	store         store.ResultStore
	timeout       time.Duration
	maxAttempts   int
	minPixels     int
	thumbnailEdge int
	logger        zerolog.Logger
	metrics       *metrics
	tracer        trace.Tracer
	now           func() time.Time
	newAttemptID  func() string

	mu    sync.RWMutex
	slots map[string]*slot
}

func New(service Service, opts Options) (*Orchestrator, error) {
	if service == nil {
		return nil, errors.New("enhancement service is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.MinPixels <= 0 {
		opts.MinPixels = DefaultMinPixels
	}
	if opts.ThumbnailEdge <= 0 {
		opts.ThumbnailEdge = DefaultThumbnailEdge
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.NewAttemptID == nil {
		opts.NewAttemptID = id.New
	}

	return &Orchestrator{
		service:       service,
		store:         opts.Store,
		timeout:       opts.Timeout,
		maxAttempts:   opts.MaxAttempts,
		minPixels:     opts.MinPixels,
		thumbnailEdge: opts.ThumbnailEdge,
		logger:        opts.Logger.With().Str("component", "enhance").Logger(),
		metrics:       newMetrics(opts.Registerer),
		tracer:        otel.Tracer("printforge/enhance"),
		now:           opts.Now,
		newAttemptID:  opts.NewAttemptID,
		slots:         make(map[string]*slot),
	}, nil
}

// ShouldUpgrade applies the configured minimum resolution.
func (o *Orchestrator) ShouldUpgrade(img image.Image) bool {
	return belowMinimum(img, o.minPixels)
}

// Trigger moves an Idle or Failed identity to Pending and issues exactly one
// service request. A trigger while Pending returns a ticket for the attempt
// already in flight. The request runs detached from ctx cancellation and is
// bounded by the orchestrator timeout.
func (o *Orchestrator) Trigger(ctx context.Context, job Job) (*Ticket, error) {
	identity := strings.TrimSpace(job.Identity)
	if identity == "" {
		return nil, fmt.Errorf("%w: identity is required", domain.ErrInvalidInput)
	}
	if job.Image == nil || job.Image.Bounds().Empty() {
		return nil, domain.ErrInvalidImage
	}
	job.Identity = identity

	sl := o.slot(identity)
	var (
		stale    *domain.EnhancementRecord
		staleSeq uint64
	)
	// Runs after the unlock below.
	defer func() {
		if stale != nil {
			o.persistRecord(sl, staleSeq, *stale)
		}
	}()
	sl.mu.Lock()
	defer sl.mu.Unlock()
	o.restoreLocked(ctx, sl, identity)

	now := o.now()
	switch sl.record.State {
	case domain.EnhancementPending:
		if sl.pending != nil && !sl.record.Stale(now, o.timeout) {
			return &Ticket{Identity: identity, AttemptID: sl.attemptID, c: sl.pending}, nil
		}
		out, seq := o.failLocked(sl, ReasonTimeout, nil)
		stale, staleSeq = &out.Record, seq
	case domain.EnhancementSucceeded:
		return nil, ErrAlreadyEnhanced
	}
	if sl.record.State == domain.EnhancementFailed && sl.record.Attempts >= o.maxAttempts {
		return nil, ErrRetryExhausted
	}

	attemptID := o.newAttemptID()
	sl.record = domain.EnhancementRecord{
		Identity:  identity,
		State:     domain.EnhancementPending,
		Attempts:  sl.record.Attempts + 1,
		StartedAt: now,
	}
	sl.bumpLocked()

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
	c := newCompletion()
	sl.pending, sl.attemptID, sl.cancel = c, attemptID, cancel

	o.metrics.inFlight.Inc()
	o.logger.Info().
		Str("identity", identity).
		Str("attempt_id", attemptID).
		Int("attempt", sl.record.Attempts).
		Msg("enhancement requested")

	go o.run(callCtx, sl, c, job, attemptID)
	return &Ticket{Identity: identity, AttemptID: attemptID, started: true, c: c}, nil
}

// Cancel stops an in-flight request. The record lands in Failed and a later
// Trigger counts as a retry. It reports whether anything was pending.
func (o *Orchestrator) Cancel(identity string) bool {
	sl, ok := o.lookup(identity)
	if !ok {
		return false
	}

	sl.mu.Lock()
	if sl.record.State != domain.EnhancementPending {
		sl.mu.Unlock()
		return false
	}
	out, seq := o.failLocked(sl, ReasonCancelled, nil)
	sl.mu.Unlock()

	o.persistRecord(sl, seq, out.Record)
	return true
}

// Release hands back a succeeded attempt whose result the caller could not
// apply. The record returns to Failed without using up an attempt, so the
// identity can be triggered again. It reports whether attemptID was the
// current success.
func (o *Orchestrator) Release(identity, attemptID string, cause error) bool {
	sl, ok := o.lookup(identity)
	if !ok {
		return false
	}

	sl.mu.Lock()
	if sl.record.State != domain.EnhancementSucceeded || sl.record.ResultRef != attemptID {
		sl.mu.Unlock()
		return false
	}
	rec := sl.record
	rec.State = domain.EnhancementFailed
	rec.FinishedAt = o.now()
	rec.Attempts = max(0, rec.Attempts-1)
	rec.ResultRef = ""
	rec.Error = ReasonNotApplied
	if cause != nil {
		rec.Error = ReasonNotApplied + ": " + cause.Error()
	}
	sl.record = rec
	sl.active = nil
	seq := sl.bumpLocked()
	sl.mu.Unlock()

	o.logger.Warn().
		Err(cause).
		Str("identity", identity).
		Str("attempt_id", attemptID).
		Msg("enhanced image released")
	o.persistRecord(sl, seq, rec)
	return true
}

// Sweep fails every Pending record older than the timeout and returns how
// many it changed.
func (o *Orchestrator) Sweep(now time.Time) int {
	o.mu.RLock()
	slots := make([]*slot, 0, len(o.slots))
	for _, sl := range o.slots {
		slots = append(slots, sl)
	}
	o.mu.RUnlock()

	type sweptRecord struct {
		sl  *slot
		seq uint64
		rec domain.EnhancementRecord
	}
	var swept []sweptRecord
	for _, sl := range slots {
		sl.mu.Lock()
		if sl.record.Stale(now, o.timeout) {
			out, seq := o.failLocked(sl, ReasonTimeout, nil)
			swept = append(swept, sweptRecord{sl: sl, seq: seq, rec: out.Record})
		}
		sl.mu.Unlock()
	}

	for _, sw := range swept {
		o.logger.Warn().Str("identity", sw.rec.Identity).Msg("stale enhancement swept")
		o.persistRecord(sw.sl, sw.seq, sw.rec)
	}
	return len(swept)
}

// RunSweeper calls Sweep every interval until ctx ends.
func (o *Orchestrator) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = o.timeout / 4
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Sweep(o.now())
		}
	}
}

// Record returns the identity's current record, restoring it from the
// result store on first access. Unknown identities are Idle.
func (o *Orchestrator) Record(ctx context.Context, identity string) domain.EnhancementRecord {
	sl := o.slot(identity)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	o.restoreLocked(ctx, sl, identity)
	return sl.record
}

// Active returns the enhanced image for identity once an attempt has
// succeeded. It stays authoritative even if persisting it failed.
func (o *Orchestrator) Active(identity string) (image.Image, bool) {
	sl, ok := o.lookup(identity)
	if !ok {
		return nil, false
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.active, sl.active != nil
}

func (o *Orchestrator) lookup(identity string) (*slot, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	sl, ok := o.slots[identity]
	return sl, ok
}

func (o *Orchestrator) slot(identity string) *slot {
	if sl, ok := o.lookup(identity); ok {
		return sl
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if sl, ok := o.slots[identity]; ok {
		return sl
	}
	sl := &slot{record: domain.EnhancementRecord{Identity: identity, State: domain.EnhancementIdle}}
	o.slots[identity] = sl
	return sl
}

// restoreLocked loads a persisted record once. A record persisted as
// Pending belonged to a process that is gone, so it comes back Failed.
func (o *Orchestrator) restoreLocked(ctx context.Context, sl *slot, identity string) {
	if sl.loaded {
		return
	}
	sl.loaded = true
	if o.store == nil {
		return
	}

	entry, ok, err := o.store.Get(ctx, EntryKey(identity))
	if err != nil {
		o.logger.Warn().Err(err).Str("identity", identity).Msg("restore enhancement record failed")
		return
	}
	if !ok || entry.Enhancement == nil {
		return
	}

	rec := *entry.Enhancement
	rec.Identity = identity
	if rec.State == domain.EnhancementPending {
		rec.State = domain.EnhancementFailed
		rec.Error = ReasonInterrupted
		rec.FinishedAt = o.now()
	}
	if rec.State == domain.EnhancementSucceeded && len(entry.Primary) > 0 {
		img, _, err := pipeline.DecodeImage(entry.Primary)
		if err != nil {
			o.logger.Warn().Err(err).Str("identity", identity).Msg("stored enhanced image unreadable")
		} else {
			sl.active = img
		}
	}
	sl.record = rec
}

// failLocked ends the pending attempt, if any, and delivers its outcome.
// The returned seq orders the record's write to the result store.
func (o *Orchestrator) failLocked(sl *slot, reason string, cause error) (Outcome, uint64) {
	rec := sl.record
	rec.State = domain.EnhancementFailed
	rec.FinishedAt = o.now()
	rec.Error = reason
	if cause != nil {
		rec.Error = reason + ": " + cause.Error()
	}
	sl.record = rec
	seq := sl.bumpLocked()

	c, cancel, attemptID := sl.pending, sl.cancel, sl.attemptID
	sl.pending, sl.cancel, sl.attemptID = nil, nil, ""
	if cancel != nil {
		cancel()
	}

	out := Outcome{
		Identity:  rec.Identity,
		AttemptID: attemptID,
		Record:    rec,
		Err: &FailedError{
			Identity:     rec.Identity,
			Reason:       reason,
			AttemptsLeft: max(0, o.maxAttempts-rec.Attempts),
			Err:          cause,
		},
	}
	if c != nil {
		c.finish(out)
	}
	return out, seq
}

func (o *Orchestrator) run(ctx context.Context, sl *slot, c *completion, job Job, attemptID string) {
	defer o.metrics.inFlight.Dec()

	ctx, span := o.tracer.Start(ctx, "enhance.request", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("enhance.identity", job.Identity),
		attribute.String("enhance.attempt_id", attemptID),
	)
	defer span.End()

	startedAt := time.Now()
	res, err := o.call(ctx, job)
	reason := ""
	label := "succeeded"
	if err != nil {
		reason = classify(ctx, err)
		label = reason
	}
	o.metrics.requestsTotal.WithLabelValues(label).Inc()
	o.metrics.requestDuration.WithLabelValues(label).Observe(time.Since(startedAt).Seconds())

	sl.mu.Lock()
	if sl.pending != c {
		// Cancelled or swept; the outcome was already delivered.
		sl.mu.Unlock()
		span.SetStatus(codes.Error, "superseded")
		return
	}

	if err != nil {
		out, seq := o.failLocked(sl, reason, err)
		sl.mu.Unlock()

		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		o.logger.Warn().
			Err(err).
			Str("identity", job.Identity).
			Str("attempt_id", attemptID).
			Str("reason", reason).
			Msg("enhancement failed")
		o.persistRecord(sl, seq, out.Record)
		return
	}

	rec := sl.record
	rec.State = domain.EnhancementSucceeded
	rec.FinishedAt = o.now()
	rec.ResultRef = attemptID
	rec.Error = ""
	sl.record = rec
	sl.active = res.image
	seq := sl.bumpLocked()
	cancel := sl.cancel
	sl.pending, sl.cancel, sl.attemptID = nil, nil, ""
	sl.mu.Unlock()
	cancel()

	span.SetStatus(codes.Ok, "enhanced")
	b := res.image.Bounds()
	o.logger.Info().
		Str("identity", job.Identity).
		Str("attempt_id", attemptID).
		Int("width", b.Dx()).
		Int("height", b.Dy()).
		Msg("enhancement succeeded")

	report := o.persistResult(ctx, sl, seq, job, rec, res)
	c.finish(Outcome{
		Identity:  job.Identity,
		AttemptID: attemptID,
		Record:    rec,
		Image:     res.image,
		PNG:       res.png,
		Persist:   report,
	})
}

type callResult struct {
	image     image.Image
	png       []byte
	thumbnail []byte
	request   Request
}

type responseError struct {
	reason string
	err    error
}

func (e *responseError) Error() string { return e.err.Error() }
func (e *responseError) Unwrap() error { return e.err }

func (o *Orchestrator) call(ctx context.Context, job Job) (callResult, error) {
	req, err := BuildRequest(job.Image, job.Settings, job.PrintArea, o.thumbnailEdge)
	if err != nil {
		return callResult{}, err
	}

	resp, err := o.service.Enhance(ctx, req)
	if err != nil {
		return callResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return callResult{}, err
	}

	img, _, err := DecodeResult(resp)
	if err != nil {
		reason := ReasonMalformed
		if !resp.Success {
			reason = ReasonRejected
		}
		return callResult{}, &responseError{reason: reason, err: err}
	}

	encoded, err := pipeline.EncodePNG(img)
	if err != nil {
		return callResult{}, &responseError{reason: ReasonMalformed, err: err}
	}
	thumb, _ := base64.StdEncoding.DecodeString(req.ThumbnailData)
	return callResult{image: img, png: encoded, thumbnail: thumb, request: req}, nil
}

func classify(ctx context.Context, err error) string {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(ctx.Err(), context.Canceled), errors.Is(err, context.Canceled):
		return ReasonCancelled
	}
	var re *responseError
	if errors.As(err, &re) {
		return re.reason
	}
	return ReasonService
}

func (o *Orchestrator) persistResult(ctx context.Context, sl *slot, seq uint64, job Job, rec domain.EnhancementRecord, res callResult) store.PersistReport {
	summary := res.request
	summary.ThumbnailData = ""
	requestJSON, _ := json.Marshal(summary)

	settings := job.Settings
	entry := store.Entry{
		Primary:     res.png,
		PrimaryRef:  rec.ResultRef,
		Enhancement: &rec,
		Product:     &store.ProductContext{Product: job.Product, PrintArea: job.PrintArea},
		Settings:    &settings,
		UpdatedAt:   o.now(),
	}
	if len(res.thumbnail) > 0 {
		entry.Alternates = map[string][]byte{"request_thumbnail": res.thumbnail}
	}
	if len(requestJSON) > 0 {
		entry.Cached = map[string][]byte{"service_request": requestJSON}
	}

	return o.persist(ctx, sl, seq, job.Identity, entry)
}

func (o *Orchestrator) persistRecord(sl *slot, seq uint64, rec domain.EnhancementRecord) {
	o.persist(context.Background(), sl, seq, rec.Identity, store.Entry{Enhancement: &rec, UpdatedAt: o.now()})
}

// persist runs the reduction ladder. Capacity problems and store errors
// are logged and absorbed; the in-memory state is already authoritative.
// Writes for one identity are serialised and a write older than the last
// one stored is dropped.
func (o *Orchestrator) persist(ctx context.Context, sl *slot, seq uint64, identity string, entry store.Entry) store.PersistReport {
	if o.store == nil {
		return store.PersistReport{Level: store.PersistSessionOnly}
	}

	sl.persistMu.Lock()
	defer sl.persistMu.Unlock()
	if seq < sl.persisted {
		o.logger.Debug().
			Str("identity", identity).
			Uint64("seq", seq).
			Uint64("persisted", sl.persisted).
			Msg("skipping superseded enhancement write")
		o.metrics.persistTotal.WithLabelValues("superseded").Inc()
		return store.PersistReport{Level: store.PersistSessionOnly}
	}
	sl.persisted = seq

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	report, err := store.PersistWithFallback(ctx, o.store, EntryKey(identity), entry)
	if err != nil {
		o.logger.Error().Err(err).Str("identity", identity).Msg("persist enhancement failed; keeping result in memory")
		report.Level = store.PersistSessionOnly
	} else if report.Degraded() {
		o.logger.Warn().
			Str("identity", identity).
			Str("level", string(report.Level)).
			Int("attempts", report.Attempts).
			Msg("enhancement storage degraded")
	}
	o.metrics.persistTotal.WithLabelValues(string(report.Level)).Inc()
	return report
}
