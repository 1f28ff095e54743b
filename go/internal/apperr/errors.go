package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error for propagation and transport mapping.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindConflict     Kind = "conflict"
	KindNotFound     Kind = "not_found"
	KindRateLimited  Kind = "rate_limited"
	KindUnauthorized Kind = "unauthorized"
	KindTransient    Kind = "transient"
	KindUnavailable  Kind = "unavailable"
	KindInternal     Kind = "internal"
)

// Error codes surfaced to clients.
const (
	CodeConfigInvalid      = "config_invalid"
	CodeCodeExhausted      = "code_exhausted"
	CodeNotFound           = "not_found"
	CodeRoomFull           = "room_full"
	CodeInactiveSession    = "inactive_session"
	CodeDuplicateVote      = "duplicate_vote"
	CodeInvalidChoice      = "invalid_choice"
	CodeVotingClosed       = "voting_closed"
	CodeNotParticipant     = "not_participant"
	CodeRateLimited        = "rate_limited"
	CodeUnauthorizedAction = "unauthorized_action"
	CodeServiceUnavailable = "service_unavailable"
	CodeCircuitOpen        = "circuit_open"
	CodeInvalidRequest     = "invalid_request"
	CodeInternal           = "internal"
)

// Error is the structured error returned across package boundaries.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error without an underlying cause.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap creates an Error around err.
func Wrap(err error, kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// Validation is shorthand for a KindValidation error.
func Validation(code, format string, args ...any) *Error {
	return New(KindValidation, code, fmt.Sprintf(format, args...))
}

// RateLimited builds a KindRateLimited error carrying a retry hint.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Code:       CodeRateLimited,
		Message:    "too many requests",
		RetryAfter: retryAfter,
	}
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// CodeOf returns the client-facing code of err.
func CodeOf(err error) string {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// RetryAfterOf returns the retry hint carried by err, zero if none.
func RetryAfterOf(err error) time.Duration {
	if e, ok := As(err); ok {
		return e.RetryAfter
	}
	return 0
}

// HTTPStatus maps err to a status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUnavailable, KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns a message safe to show to clients.
func PublicMessage(err error) string {
	if e, ok := As(err); ok && e.Kind != KindInternal {
		return e.Message
	}
	return "internal error"
}
