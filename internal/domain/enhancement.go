package domain

import "time"

type EnhancementState string

const (
	EnhancementIdle      EnhancementState = "idle"
	EnhancementPending   EnhancementState = "pending"
	EnhancementFailed    EnhancementState = "failed"
	EnhancementSucceeded EnhancementState = "succeeded"
)

// Terminal reports whether no further transition happens without a retry.
func (s EnhancementState) Terminal() bool {
	return s == EnhancementFailed || s == EnhancementSucceeded
}

// EnhancementRecord tracks one image identity through its upgrade lifecycle.
// Only the enhancement orchestrator writes it.
type EnhancementRecord struct {
	Identity   string           `json:"identity"`
	State      EnhancementState `json:"state"`
	Attempts   int              `json:"attempts"`
	StartedAt  time.Time        `json:"started_at,omitempty"`
	FinishedAt time.Time        `json:"finished_at,omitempty"`
	ResultRef  string           `json:"result_ref,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// Stale reports a pending record whose deadline has passed.
func (r EnhancementRecord) Stale(now time.Time, timeout time.Duration) bool {
	return r.State == EnhancementPending && !r.StartedAt.IsZero() && now.Sub(r.StartedAt) > timeout
}
