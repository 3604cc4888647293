package enhance

import (
	"errors"
	"fmt"
)

var (
	// ErrEnhancementFailed matches every *FailedError.
	ErrEnhancementFailed = errors.New("enhancement failed")
	// ErrRetryExhausted is returned by Trigger once a failed identity has
	// used its retry.
	ErrRetryExhausted = errors.New("enhancement retry exhausted")
	// ErrAlreadyEnhanced is returned by Trigger for an identity that has
	// already succeeded.
	ErrAlreadyEnhanced = errors.New("image already enhanced")
)

const (
	ReasonTimeout     = "timeout"
	ReasonCancelled   = "cancelled"
	ReasonService     = "service_error"
	ReasonRejected    = "rejected"
	ReasonMalformed   = "malformed_response"
	ReasonInterrupted = "interrupted"
	// ReasonNotApplied marks a success the caller could not make active.
	ReasonNotApplied = "not_applied"
)

// FailedError is an enhancement failure. The previous image is still valid.
// AttemptsLeft is how many more Triggers the identity accepts.
type FailedError struct {
	Identity     string
	Reason       string
	AttemptsLeft int
	Err          error
}

func (e *FailedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("enhancement of %s failed: %s", e.Identity, e.Reason)
	}
	return fmt.Sprintf("enhancement of %s failed: %s: %v", e.Identity, e.Reason, e.Err)
}

func (e *FailedError) Unwrap() error { return e.Err }

func (e *FailedError) Is(target error) bool { return target == ErrEnhancementFailed }

// Retryable reports whether a later Trigger can start a new attempt.
func (e *FailedError) Retryable() bool { return e.AttemptsLeft > 0 }
