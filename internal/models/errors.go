package models

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound              = errors.New("resource not found")
	ErrTransientStore        = errors.New("store temporarily unavailable")
	ErrClaimConflict         = errors.New("row locked by a concurrent claim")
	ErrClaimLost             = errors.New("job is no longer owned by this worker")
	ErrAnalysisInvalid       = errors.New("analysis out of tolerance")
	ErrInsufficientCredits   = errors.New("insufficient credits")
	ErrDuplicateNotification = errors.New("duplicate notification")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrCancelled             = errors.New("job cancelled")
	ErrInvariantViolation    = errors.New("invariant violation")
	ErrNoAudioStream         = errors.New("media has no audio stream")
)

// ProviderError is a failed call to the motion-synthesis provider.
// StatusCode is zero for transport failures (timeouts, resets).
type ProviderError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("provider %s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("provider %s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

// Retryable is false for 4xx responses other than 408 and 429.
func (e *ProviderError) Retryable() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// IsRetryableProviderError reports whether err carries a retryable ProviderError.
func IsRetryableProviderError(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}

// ValidationError represents a field-level validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
