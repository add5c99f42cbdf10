package apperr

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrValidation            = errors.New("validation error")
	ErrInsufficientStock     = errors.New("insufficient stock")
	ErrDuplicateMessage      = errors.New("duplicate message")
	ErrConcurrencyConflict   = errors.New("concurrency conflict")
	ErrPaymentMismatch       = errors.New("payment mismatch")
	ErrPaymentFraudSuspected = errors.New("payment fraud suspected")
	ErrInvalidTransition     = errors.New("invalid transition")
	ErrNotFound              = errors.New("not found")
)

func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func NotFound(what, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, what, id)
}

func InvalidTransition(what string, from, to any) error {
	return fmt.Errorf("%w: %s %v -> %v", ErrInvalidTransition, what, from, to)
}

func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConcurrencyConflict, fmt.Sprintf(format, args...))
}

// Retryable reports whether the caller lost a race and may try again.
func Retryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// Kind returns a stable short name for logs and API payloads.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrDuplicateMessage):
		return "duplicate_message"
	case errors.Is(err, ErrConcurrencyConflict):
		return "concurrency_conflict"
	case errors.Is(err, ErrPaymentMismatch):
		return "payment_mismatch"
	case errors.Is(err, ErrPaymentFraudSuspected):
		return "payment_fraud_suspected"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}

// RetryOnce runs fn and, if it lost a race, runs it one more time after
// backoff. The second failure is returned as is.
func RetryOnce[T any](ctx context.Context, backoff time.Duration, fn func() (T, error)) (T, error) {
	v, err := fn()
	if err == nil || !Retryable(err) {
		return v, err
	}
	t := time.NewTimer(backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%w: %v", err, ctx.Err())
	case <-t.C:
	}
	return fn()
}
