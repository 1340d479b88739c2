package api

import (
	"errors"
	"fmt"
)

// TransientError marks a port failure that is safe to retry: timeouts,
// connection resets, 5xx responses. The engine retries these with bounded
// backoff at the call site.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: transient: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError for the named port operation.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// PermanentError marks a port failure that retrying cannot fix: validation
// rejections, 4xx responses. The instance is parked blocked and surfaced
// for manual intervention.
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("%s: permanent: %v", e.Op, e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError for the named port operation.
func Permanent(op string, err error) error {
	return &PermanentError{Op: op, Err: err}
}

// IsPermanent reports whether err is (or wraps) a PermanentError.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// StaleCallbackError is returned when an approval callback references a
// correlation key with no open correlation: unknown, expired, or already
// resolved. Nothing is mutated; the caller should acknowledge neutrally.
type StaleCallbackError struct {
	CorrelationKey string
	Reason         string // "unknown" or "already-resolved"
}

func (e *StaleCallbackError) Error() string {
	return fmt.Sprintf("stale callback %s: %s", e.CorrelationKey, e.Reason)
}

// IsStaleCallback reports whether err is a StaleCallbackError.
func IsStaleCallback(err error) (*StaleCallbackError, bool) {
	var s *StaleCallbackError
	if errors.As(err, &s) {
		return s, true
	}
	return nil, false
}

// DuplicateActionError is returned when a side-effecting action is
// requested for an idempotency key that has already been sent or
// confirmed. The recorded result is returned instead of re-executing.
type DuplicateActionError struct {
	IdempotencyKey string
	Status         string
	ExternalRef    string
}

func (e *DuplicateActionError) Error() string {
	return fmt.Sprintf("duplicate action %s (status %s)", e.IdempotencyKey, e.Status)
}

// IsDuplicateAction reports whether err is a DuplicateActionError.
func IsDuplicateAction(err error) (*DuplicateActionError, bool) {
	var d *DuplicateActionError
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}

// ErrInstanceBusy is returned when a resume attempt cannot acquire the
// per-instance lease because another worker is processing the instance.
// It is transient: the caller may retry once the holder releases.
var ErrInstanceBusy = errors.New("instance busy: lease held by another worker")

// ErrPrincipalMismatch is returned when an approval callback's acting
// principal does not own the item behind the correlation key.
var ErrPrincipalMismatch = errors.New("principal does not own this item")

// ErrCancelAfterExecution is returned when cancellation is requested after
// the side effect already occurred.
var ErrCancelAfterExecution = errors.New("cannot cancel: action already executed")
