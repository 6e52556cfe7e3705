package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the pipeline. Callers match them with errors.Is; every
// component wraps them with context via fmt.Errorf("...: %w", ...).
var (
	// ErrInvalidRoot means a session root is unreadable, a protected system
	// path, or a trash location.
	ErrInvalidRoot = errors.New("invalid project root")

	// ErrSessionNotFound means the requested session id is absent from the
	// index.
	ErrSessionNotFound = errors.New("session not found")

	// ErrRequestInFlight means the request slot is already occupied; the
	// client must wait for the previous exchange to finish.
	ErrRequestInFlight = errors.New("request already in flight")

	// ErrEmptyProject means the context builder found zero eligible files.
	ErrEmptyProject = errors.New("no eligible files in project")

	// ErrResponseTimeout means no response arrived within the configured
	// wait; the pending request was removed best-effort.
	ErrResponseTimeout = errors.New("timed out waiting for response")
)

// BackendError classifies a ModelBackend failure. Transient failures
// (network, timeout, rate limit) are retried by the observer agent with
// backoff; permanent failures (auth, invalid request) surface immediately.
// Callers detect the class with errors.As.
type BackendError struct {
	Op        string
	Transient bool
	Err       error
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	class := "permanent"
	if e.Transient {
		class = "transient"
	}
	return fmt.Sprintf("model backend %s failed (%s): %v", e.Op, class, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As compatibility.
func (e *BackendError) Unwrap() error { return e.Err }

// NewTransientBackendError wraps err as a retryable backend failure.
func NewTransientBackendError(op string, err error) *BackendError {
	return &BackendError{Op: op, Transient: true, Err: err}
}

// NewPermanentBackendError wraps err as a non-retryable backend failure.
func NewPermanentBackendError(op string, err error) *BackendError {
	return &BackendError{Op: op, Transient: false, Err: err}
}

// IsTransient reports whether err is a BackendError of the transient class.
func IsTransient(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Transient
}
