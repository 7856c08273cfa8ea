// Package exchange implements the unified exchange adapter: REST order
// surface, market data streams, typed errors, rate limiting, and client
// order id discipline.
package exchange

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind tags an exchange error by the retry behavior it demands.
type ErrorKind int

const (
	// KindTransient covers network blips, 5xx responses, and transient
	// exchange errors. Retry with backoff.
	KindTransient ErrorKind = iota
	// KindRateLimited is a throttle response; honor RetryAfter when set.
	KindRateLimited
	// KindAuth is a credential or nonce failure. Never retry.
	KindAuth
	// KindInsufficientFunds is an exchange balance reject. Never retry.
	KindInsufficientFunds
	// KindInvalidOrder is a bad pair, size, or precision. Never retry.
	KindInvalidOrder
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindAuth:
		return "auth"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindInvalidOrder:
		return "invalid_order"
	default:
		return "unknown"
	}
}

// Error is the tagged exchange error. Callers branch on Kind to decide
// retry policy.
type Error struct {
	Kind       ErrorKind
	RetryAfter time.Duration // only meaningful for KindRateLimited
	Msg        string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("exchange %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("exchange %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a tagged error.
func NewError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// NewRateLimited builds a throttle error carrying the server's retry hint.
func NewRateLimited(retryAfter time.Duration, msg string) *Error {
	return &Error{Kind: KindRateLimited, RetryAfter: retryAfter, Msg: msg}
}

// KindOf extracts the error kind; unknown errors are treated as transient.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// IsRetryable reports whether the error may be retried at all.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindAuth, KindInsufficientFunds, KindInvalidOrder:
		return false
	}
	return true
}

// RetryAfterOf returns the server retry hint, or zero when absent.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindRateLimited {
		return e.RetryAfter
	}
	return 0
}
