package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dunamismax/printforge/internal/domain"
	"github.com/dunamismax/printforge/internal/enhance"
	"github.com/dunamismax/printforge/internal/pipeline"
	"github.com/dunamismax/printforge/internal/queue"
	"github.com/dunamismax/printforge/internal/store"
	"github.com/dunamismax/printforge/internal/webhook"
)

// followUpTimeout bounds storing the enhanced image, swapping it in and
// queueing the re-render.
const followUpTimeout = 2 * time.Minute

// enhancementIdentity names the image an enhancement upgrades. It is the
// original upload, so a session keeps one enhancement lifecycle even after
// its active image moves to the enhanced copy.
func enhancementIdentity(session domain.Session) string {
	return session.SourceKey
}

func (s *Server) handleEnhance(w http.ResponseWriter, r *http.Request) {
	if s.enhancer == nil {
		writeError(w, http.StatusServiceUnavailable, "enhancement is not configured")
		return
	}

	session, ok := s.loadSession(w, r)
	if !ok {
		return
	}

	identity := enhancementIdentity(session)
	if rec := s.enhancer.Record(r.Context(), identity); rec.State == domain.EnhancementSucceeded && session.ActiveKey == session.SourceKey {
		if s.reapply(w, r, session, rec) {
			return
		}
	}

	img, err := s.decodeSessionImage(r.Context(), session)
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", session.ID).Msg("load image for enhancement failed")
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if !s.enhancer.ShouldUpgrade(img) {
		s.metrics.enhancements.WithLabelValues("not_needed").Inc()
		writeJSON(w, http.StatusOK, map[string]any{
			"session_id": session.ID,
			"identity":   identity,
			"state":      "not_needed",
		})
		return
	}

	s.trigger(w, r, session, enhance.Job{
		Identity:  identity,
		Image:     img,
		Settings:  session.Settings,
		PrintArea: session.PrintArea,
		Product:   session.Product,
	})
}

// reapply makes an enhancement that succeeded earlier the active image when
// the session never switched to it. It reports false when the in-memory
// result is gone and the request should start a new attempt instead.
func (s *Server) reapply(w http.ResponseWriter, r *http.Request, session domain.Session, rec domain.EnhancementRecord) bool {
	identity := enhancementIdentity(session)
	if !s.startApplying(identity) {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"session_id": session.ID,
			"identity":   identity,
			"attempt_id": rec.ResultRef,
			"state":      domain.EnhancementSucceeded,
			"applying":   true,
		})
		return true
	}
	defer s.doneApplying(identity)

	img, ok := s.enhancer.Active(identity)
	var png []byte
	if ok {
		var err error
		if png, err = pipeline.EncodePNG(img); err != nil {
			ok = false
		}
	}
	if !ok {
		s.enhancer.Release(identity, rec.ResultRef, errors.New("enhanced image no longer available"))
		return false
	}

	result := enhancedResult{Identity: identity, AttemptID: rec.ResultRef, Record: rec, PNG: png}
	updated, err := s.applyEnhanced(r.Context(), session, result)
	if err != nil {
		s.abandonEnhanced(r.Context(), session, result, err)
		writeError(w, http.StatusServiceUnavailable, "enhanced image could not be applied, retry later")
		return true
	}

	s.metrics.enhancements.WithLabelValues("reapplied").Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": session.ID,
		"identity":   identity,
		"attempt_id": rec.ResultRef,
		"state":      domain.EnhancementSucceeded,
		"active_key": updated.ActiveKey,
	})
	return true
}

func (s *Server) trigger(w http.ResponseWriter, r *http.Request, session domain.Session, job enhance.Job) {
	ticket, err := s.enhancer.Trigger(r.Context(), job)
	switch {
	case errors.Is(err, enhance.ErrAlreadyEnhanced):
		s.metrics.enhancements.WithLabelValues("already_enhanced").Inc()
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, enhance.ErrRetryExhausted):
		s.metrics.enhancements.WithLabelValues("retry_exhausted").Inc()
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error().Err(err).Str("session_id", session.ID).Msg("enhancement trigger failed")
		writeError(w, http.StatusInternalServerError, "failed to start enhancement")
		return
	}

	if ticket.Started() {
		s.metrics.enhancements.WithLabelValues("started").Inc()
		s.startApplying(ticket.Identity)
		s.background.Add(1)
		go s.followUp(session, ticket)
	} else {
		s.metrics.enhancements.WithLabelValues("joined").Inc()
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"session_id": session.ID,
		"identity":   ticket.Identity,
		"attempt_id": ticket.AttemptID,
		"state":      domain.EnhancementPending,
		"joined":     !ticket.Started(),
	})
}

func (s *Server) handleCancelEnhance(w http.ResponseWriter, r *http.Request) {
	if s.enhancer == nil {
		writeError(w, http.StatusServiceUnavailable, "enhancement is not configured")
		return
	}

	session, ok := s.loadSession(w, r)
	if !ok {
		return
	}

	identity := enhancementIdentity(session)
	if !s.enhancer.Cancel(identity) {
		writeError(w, http.StatusConflict, "no enhancement in progress")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":  session.ID,
		"enhancement": s.enhancer.Record(r.Context(), identity),
	})
}

// enhancedResult is a succeeded attempt waiting to become a session's
// active image.
type enhancedResult struct {
	Identity  string
	AttemptID string
	Record    domain.EnhancementRecord
	PNG       []byte
	Persist   store.PersistLevel
}

// followUp runs once per started attempt. On success it stores the enhanced
// PNG, makes it the session's active image and queues a re-render.
func (s *Server) followUp(session domain.Session, ticket *enhance.Ticket) {
	defer s.background.Done()
	defer s.doneApplying(ticket.Identity)

	<-ticket.Done()
	out := ticket.Outcome()

	ctx, cancel := context.WithTimeout(context.Background(), followUpTimeout)
	defer cancel()

	if out.Err != nil {
		s.notify(ctx, session, webhook.EventEnhancementFailed, map[string]any{
			"session_id":  session.ID,
			"identity":    out.Identity,
			"attempt_id":  out.AttemptID,
			"enhancement": out.Record,
			"error":       out.Err.Error(),
		})
		return
	}

	result := enhancedResult{
		Identity:  out.Identity,
		AttemptID: out.AttemptID,
		Record:    out.Record,
		PNG:       out.PNG,
		Persist:   out.Persist.Level,
	}
	if _, err := s.applyEnhanced(ctx, session, result); err != nil {
		s.abandonEnhanced(ctx, session, result, err)
	}
}

// applyEnhanced stores the enhanced image and points the session at it,
// retrying both steps, then queues the re-render and announces the result.
func (s *Server) applyEnhanced(ctx context.Context, session domain.Session, result enhancedResult) (domain.Session, error) {
	logger := s.logger.With().
		Str("session_id", session.ID).
		Str("attempt_id", result.AttemptID).
		Logger()

	var (
		updated domain.Session
		key     string
		err     error
	)
	backoff := s.applyBackoff
	for attempt := 1; attempt <= s.applyAttempts; attempt++ {
		key, err = s.storeEnhanced(ctx, session, result.AttemptID, result.PNG)
		if err == nil {
			updated, err = s.sessions.Update(ctx, session.ID, func(current *domain.Session) error {
				current.ActiveKey = key
				return nil
			})
		}
		if err == nil || errors.Is(err, store.ErrSessionNotFound) || attempt == s.applyAttempts {
			break
		}

		logger.Warn().Err(err).Int("attempt", attempt).Msg("apply enhanced image failed, retrying")
		select {
		case <-ctx.Done():
			return domain.Session{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	if err != nil {
		return domain.Session{}, err
	}

	payload := queue.PayloadFromSession(updated, s.format, s.quality, queue.ReasonEnhanced)
	if _, err := s.enqueue(ctx, payload); err != nil {
		logger.Error().Err(err).Msg("enqueue enhanced composite failed")
	}

	logger.Info().Str("active_key", key).Msg("enhanced image is active")
	s.notify(ctx, updated, webhook.EventEnhancementSucceeded, map[string]any{
		"session_id":    session.ID,
		"identity":      result.Identity,
		"attempt_id":    result.AttemptID,
		"enhancement":   result.Record,
		"active_key":    key,
		"persist_level": result.Persist,
	})
	return updated, nil
}

// abandonEnhanced hands a result that could not be applied back to the
// orchestrator so the session can be enhanced again.
func (s *Server) abandonEnhanced(ctx context.Context, session domain.Session, result enhancedResult, cause error) {
	s.logger.Error().
		Err(cause).
		Str("session_id", session.ID).
		Str("attempt_id", result.AttemptID).
		Msg("enhanced image could not be applied")
	s.enhancer.Release(result.Identity, result.AttemptID, cause)
	s.metrics.enhancements.WithLabelValues("not_applied").Inc()

	s.notify(ctx, session, webhook.EventEnhancementFailed, map[string]any{
		"session_id":  session.ID,
		"identity":    result.Identity,
		"attempt_id":  result.AttemptID,
		"enhancement": s.enhancer.Record(ctx, result.Identity),
		"error":       cause.Error(),
		"retryable":   true,
	})
}

// startApplying claims identity for one apply at a time. It reports false
// when another request or follow-up already holds it.
func (s *Server) startApplying(identity string) bool {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	if s.applying[identity] {
		return false
	}
	s.applying[identity] = true
	return true
}

func (s *Server) doneApplying(identity string) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	delete(s.applying, identity)
}

func (s *Server) storeEnhanced(ctx context.Context, session domain.Session, attemptID string, png []byte) (string, error) {
	if len(png) == 0 {
		return "", errors.New("enhanced image is empty")
	}
	key := pipeline.EnhancedObjectKey(session.ID, attemptID)

	if session.SourceType == domain.SourceTypeLocalFile {
		path := filepath.Join(s.localEnhancedDir, filepath.FromSlash(key))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", fmt.Errorf("create enhanced dir: %w", err)
		}
		if err := os.WriteFile(path, png, 0o644); err != nil {
			return "", fmt.Errorf("write enhanced image: %w", err)
		}
		return path, nil
	}

	metadata := map[string]string{
		"session-id": session.ID,
		"attempt-id": attemptID,
	}
	if err := s.storage.WriteObjectWithMetadata(ctx, key, png, "image/png", metadata); err != nil {
		return "", err
	}
	return key, nil
}

func (s *Server) notify(ctx context.Context, session domain.Session, event string, body map[string]any) {
	if session.WebhookURL == "" || s.webhooks == nil {
		return
	}
	if err := s.webhooks.Send(ctx, session.WebhookURL, event, body); err != nil {
		s.logger.Warn().Err(err).Str("session_id", session.ID).Str("event", event).Msg("webhook delivery failed")
	}
}
