// Package apperr defines the closed error taxonomy used to map business
// errors onto HTTP status codes at the httpapi boundary.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is one of the cardinal error kinds the dispatcher and gatekeeper can
// raise. The HTTP layer maps a Kind to a status code exactly once.
type Kind string

const (
	KindInvalidPayload Kind = "invalid_payload"
	KindReplayAttack   Kind = "replay_attack"
	KindNotFound       Kind = "not_found"
	KindUnauthorized   Kind = "unauthorized"
	KindForbidden      Kind = "forbidden"
	KindRateLimited    Kind = "rate_limited"
	KindBadEncoding    Kind = "bad_encoding"
	KindInternal       Kind = "internal"
)

// Error wraps a Kind with a human-readable message and, for internal
// errors, the underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func new(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

func InvalidPayload(msg string) error { return new(KindInvalidPayload, msg) }
func ReplayAttack(msg string) error   { return new(KindReplayAttack, msg) }
func NotFound(msg string) error       { return new(KindNotFound, msg) }
func Unauthorized(msg string) error   { return new(KindUnauthorized, msg) }
func Forbidden(msg string) error      { return new(KindForbidden, msg) }
func RateLimited(msg string) error    { return new(KindRateLimited, msg) }
func BadEncoding(msg string) error    { return new(KindBadEncoding, msg) }

// Internal wraps an unforeseen error so the dispatcher can still classify
// it for retry/backoff purposes while preserving the original cause.
func Internal(cause error) error {
	return &Error{Kind: KindInternal, Message: cause.Error(), Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to KindInternal for any
// error that didn't originate from this package.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Message extracts the human-readable message, falling back to err.Error().
func Message(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
