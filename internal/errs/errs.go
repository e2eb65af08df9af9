// Package errs
package errs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies an engine error so call sites can pick a retry policy
// without string matching.
type Kind int

const (
	// KindValidation marks a gate rejection: bad price ordering, below-minimum
	// quantity or notional, no available margin. Never retried.
	KindValidation Kind = iota
	// KindTransient marks a network-level failure (timeout, connection reset,
	// DNS). Retried with backoff at the call site.
	KindTransient
	// KindRejection marks an order the venue refused (e.g. reduce-only
	// quantity mismatch). Bounded retry with a fallback, then non-fatal.
	KindRejection
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindRejection:
		return "rejection"
	default:
		return "unknown"
	}
}

// Error is the single error type returned by gate, execution, and
// reconciliation paths. Reason carries the short audit code
// (e.g. "gate_block", "max_reached", "blocked").
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Validation builds a non-retryable gate rejection with a reason code.
func Validation(reason string, args ...any) *Error {
	return &Error{Kind: KindValidation, Reason: fmt.Sprintf(reason, args...)}
}

// Transient wraps a network-level failure.
func Transient(reason string, err error) *Error {
	return &Error{Kind: KindTransient, Reason: reason, Err: err}
}

// Rejection wraps a venue-side order rejection.
func Rejection(reason string, err error) *Error {
	return &Error{Kind: KindRejection, Reason: reason, Err: err}
}

func kindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

func IsValidation(err error) bool { k, ok := kindOf(err); return ok && k == KindValidation }
func IsTransient(err error) bool  { k, ok := kindOf(err); return ok && k == KindTransient }
func IsRejection(err error) bool  { k, ok := kindOf(err); return ok && k == KindRejection }

// Reason extracts the audit reason code, or the raw error text for errors
// that did not originate in this package.
func Reason(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// Retry runs fn up to attempts times, sleeping delay between tries. It stops
// early on success, on a validation error, or when ctx is done. The last
// error is returned.
func Retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	var last error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = fn()
		if last == nil || IsValidation(last) {
			return last
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return last
}
