// Package apperrors carries the error taxonomy shared by every layer of
// querygate-core. Callers branch on Kind, never on error strings.
package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind identifies a failure class. The set is closed; adding a kind is
// an API change.
type Kind string

const (
	KindUnauthenticated     Kind = "Unauthenticated"
	KindForbidden           Kind = "Forbidden"
	KindRateLimited         Kind = "RateLimited"
	KindInvalidCredential   Kind = "InvalidCredential"
	KindNoAccess            Kind = "NoAccess"
	KindAlreadyGranted      Kind = "AlreadyGranted"
	KindDuplicateIdentifier Kind = "DuplicateIdentifier"
	KindBadToken            Kind = "BadToken"
	KindExpiredToken        Kind = "ExpiredToken"
	KindTenantInactive      Kind = "TenantInactive"
	KindTenantNotFound      Kind = "TenantNotFound"
	KindPoolTimeout         Kind = "PoolTimeout"
	KindCircuitOpen         Kind = "CircuitOpen"
	KindUntranslatable      Kind = "Untranslatable"
	KindQueryRejected       Kind = "QueryRejected"
	KindQueryExecutionFail  Kind = "QueryExecutionFailed"
	KindDeadline            Kind = "Deadline"
	KindCancelled           Kind = "Cancelled"
	KindConflict            Kind = "Conflict"
	KindNotFound            Kind = "NotFound"
	KindInternal            Kind = "Internal"
)

// Error is the concrete error type flowing through the pipeline.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration // set for RateLimited and CircuitOpen
	Err        error         // wrapped cause, never serialized to clients
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a taxonomy error.
func E(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Ef builds a taxonomy error with a formatted message.
func Ef(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a taxonomy error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// WithRetryAfter returns a copy carrying a retry hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	c := *e
	c.RetryAfter = d
	return &c
}

// KindOf extracts the Kind from any error. Context errors map to
// Deadline/Cancelled; everything unrecognized is Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindDeadline
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindInternal
}

// FromContext converts a context error into the taxonomy, nil when the
// context is still live.
func FromContext(ctx context.Context) *Error {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return E(KindDeadline, "deadline exceeded")
	case context.Canceled:
		return E(KindCancelled, "request cancelled")
	default:
		return nil
	}
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a kind to the status code the gateway returns.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindUnauthenticated, KindInvalidCredential, KindNoAccess,
		KindBadToken, KindExpiredToken:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTenantNotFound, KindNotFound:
		return http.StatusNotFound
	case KindAlreadyGranted, KindDuplicateIdentifier, KindConflict:
		return http.StatusConflict
	case KindTenantInactive, KindCircuitOpen, KindPoolTimeout:
		return http.StatusServiceUnavailable
	case KindUntranslatable, KindQueryRejected:
		return http.StatusBadRequest
	case KindQueryExecutionFail:
		return http.StatusBadGateway
	case KindDeadline:
		return http.StatusGatewayTimeout
	case KindCancelled:
		return 499 // client closed request
	default:
		return http.StatusInternalServerError
	}
}

// CountsAgainstBreaker reports whether a dispatch failure of this kind
// feeds the tenant's circuit breaker. Cancellation never trips it.
func CountsAgainstBreaker(kind Kind) bool {
	switch kind {
	case KindPoolTimeout, KindQueryExecutionFail, KindDeadline:
		return true
	default:
		return false
	}
}

// RetryableRead reports whether an idempotent read may be retried by
// the caller after this failure.
func RetryableRead(kind Kind) bool {
	switch kind {
	case KindPoolTimeout, KindQueryExecutionFail, KindCircuitOpen:
		return true
	default:
		return false
	}
}

// PublicMessage returns the message safe to show callers. Internal
// errors expose only the kind; detail stays in the logs.
func PublicMessage(err error) string {
	kind := KindOf(err)
	if kind == KindInternal {
		return "internal error"
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return err.Error()
}

// RetryAfterOf extracts the retry hint, zero when absent.
func RetryAfterOf(err error) time.Duration {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.RetryAfter
	}
	return 0
}
