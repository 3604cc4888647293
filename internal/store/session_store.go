package store

import (
	"context"
	"errors"

	"github.com/dunamismax/printforge/internal/domain"
)

var ErrSessionNotFound = errors.New("session not found")

// SessionStore persists editing sessions. Update applies fn to the current
// session and stores the result atomically with respect to other updates.
type SessionStore interface {
	Create(ctx context.Context, session domain.Session) error
	Get(ctx context.Context, id string) (domain.Session, bool, error)
	Update(ctx context.Context, id string, fn func(*domain.Session) error) (domain.Session, error)
}

// UpdateStatus is the common single-field update.
func UpdateStatus(ctx context.Context, s SessionStore, id, status string) (domain.Session, error) {
	return s.Update(ctx, id, func(session *domain.Session) error {
		session.Status = status
		return nil
	})
}
