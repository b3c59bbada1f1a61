package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindUnauthorized        Kind = "unauthorized"
	KindForbidden           Kind = "forbidden"
	KindInvalidTransition   Kind = "invalid_transition"
	KindValidation          Kind = "validation"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindConflict            Kind = "conflict"
	KindUpstream            Kind = "upstream_failure"
)

// Error is the error type every service operation returns to its callers.
// Kind is stable across releases, Message is meant for humans.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches on kind, so errors.Is(err, apperr.ErrConflict) works for any
// conflict regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	return t.Kind == e.Kind && t.Message == ""
}

func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = map[string]string{}
	}
	e.Details[key] = value
	return e
}

var (
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrUnauthorized        = &Error{Kind: KindUnauthorized}
	ErrForbidden           = &Error{Kind: KindForbidden}
	ErrInvalidTransition   = &Error{Kind: KindInvalidTransition}
	ErrValidation          = &Error{Kind: KindValidation}
	ErrInsufficientBalance = &Error{Kind: KindInsufficientBalance}
	ErrConflict            = &Error{Kind: KindConflict}
	ErrUpstream            = &Error{Kind: KindUpstream}
)

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func NotFound(format string, args ...any) *Error { return New(KindNotFound, format, args...) }

func Unauthorized(format string, args ...any) *Error { return New(KindUnauthorized, format, args...) }

func Forbidden(format string, args ...any) *Error { return New(KindForbidden, format, args...) }

func Validation(format string, args ...any) *Error { return New(KindValidation, format, args...) }

func Conflict(format string, args ...any) *Error { return New(KindConflict, format, args...) }

func InsufficientBalance(format string, args ...any) *Error {
	return New(KindInsufficientBalance, format, args...)
}

func Upstream(err error, format string, args ...any) *Error {
	return Wrap(KindUpstream, err, format, args...)
}

// InvalidTransition names both ends of the rejected move and the moves that
// would have been accepted.
func InvalidTransition(entity, from, to string, allowed []string) *Error {
	msg := fmt.Sprintf("%s cannot move from %s to %s", entity, from, to)
	if len(allowed) > 0 {
		msg += fmt.Sprintf(" (allowed: %s)", strings.Join(allowed, ", "))
	} else {
		msg += " (no transitions allowed)"
	}
	e := New(KindInvalidTransition, "%s", msg)
	e.WithDetail("current", from)
	e.WithDetail("requested", to)
	return e
}

func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Code is the wire error code used in HTTP error bodies.
func Code(kind Kind) string {
	switch kind {
	case KindNotFound:
		return "NOT_FOUND"
	case KindUnauthorized:
		return "UNAUTHORIZED"
	case KindForbidden:
		return "FORBIDDEN"
	case KindInvalidTransition:
		return "INVALID_TRANSITION"
	case KindValidation:
		return "INVALID_REQUEST"
	case KindInsufficientBalance:
		return "INSUFFICIENT_BALANCE"
	case KindConflict:
		return "CONFLICT"
	case KindUpstream:
		return "UPSTREAM_FAILURE"
	default:
		return "INTERNAL_ERROR"
	}
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindInvalidTransition, KindConflict:
		return http.StatusConflict
	case KindValidation, KindInsufficientBalance:
		return http.StatusBadRequest
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
