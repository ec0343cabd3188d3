package provider

import (
	"errors"
	"fmt"
)

// ErrorKind classifies provider failures for retry decisions.
type ErrorKind string

const (
	// KindTransient covers timeouts, 5xx and connection resets. Retried
	// with backoff.
	KindTransient ErrorKind = "transient"
	// KindRateLimited pauses the account's pass; the notification is
	// retried later rather than hammering the provider.
	KindRateLimited ErrorKind = "rate_limited"
	// KindNotFound is permanent for the given id.
	KindNotFound ErrorKind = "not_found"
	// KindPermissionDenied is permanent until the user reconnects.
	KindPermissionDenied ErrorKind = "permission_denied"
	// KindCheckpointExpired means the cursor is too old; the ingestor falls
	// back to a bounded resync.
	KindCheckpointExpired ErrorKind = "checkpoint_expired"
	// KindInvalidRequest is permanent (bad recipient, malformed input).
	KindInvalidRequest ErrorKind = "invalid_request"
)

// Error is a classified provider failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("provider %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind and operation name.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the error kind, defaulting to transient for unclassified
// errors so unknown failures stay retryable.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// IsRetryable reports whether the error is worth another attempt.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited:
		return true
	}
	return false
}

// IsRateLimited reports whether the provider asked us to back off.
func IsRateLimited(err error) bool {
	return KindOf(err) == KindRateLimited
}

// IsCheckpointExpired reports whether the cursor was rejected as too old.
func IsCheckpointExpired(err error) bool {
	return KindOf(err) == KindCheckpointExpired
}

// IsNotFound reports whether the referenced entity does not exist.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}
