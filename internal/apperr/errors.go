// Package apperr holds the error taxonomy shared by the identity and
// authentication core. Packages wrap these sentinels with fmt.Errorf("%w: ...")
// so callers can tell failure kinds apart with errors.Is.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrInvalidMnemonic           = errors.New("invalid mnemonic")
	ErrDerivationFailure         = errors.New("key derivation failed")
	ErrSigningFailure            = errors.New("signing failed")
	ErrChallengeExpiredOrInvalid = errors.New("challenge expired or invalid")
	ErrRefreshFailure            = errors.New("session refresh failed")
	ErrNetwork                   = errors.New("network error")

	ErrNotAuthenticated  = errors.New("not authenticated")
	ErrInvalidTransition = errors.New("operation not allowed in current state")
	ErrRateLimited       = errors.New("too many attempts, try again later")
	ErrSessionClosed     = errors.New("session closed")
)

// HTTPError is a non-2xx response from the backend.
type HTTPError struct {
	Status  int
	Code    string
	Message string
	kind    error
}

// NewHTTPError builds an HTTPError classified under kind (may be nil).
func NewHTTPError(status int, code, message string, kind error) *HTTPError {
	return &HTTPError{Status: status, Code: code, Message: message, kind: kind}
}

func (e *HTTPError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("backend status %d (%s): %s", e.Status, e.Code, msg)
	}
	return fmt.Sprintf("backend status %d: %s", e.Status, msg)
}

func (e *HTTPError) Unwrap() error { return e.kind }

// IsAuthFailure reports whether err is an authorization failure (401/403)
// returned by the backend.
func IsAuthFailure(err error) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	return httpErr.Status == http.StatusUnauthorized || httpErr.Status == http.StatusForbidden
}

// IsTransient reports whether err is a transport-level failure that did not
// produce a server answer.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// KindOf returns a stable short name for the failure kind of err.
func KindOf(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrInvalidMnemonic):
		return "invalid_mnemonic"
	case errors.Is(err, ErrDerivationFailure):
		return "derivation_failure"
	case errors.Is(err, ErrSigningFailure):
		return "signing_failure"
	case errors.Is(err, ErrChallengeExpiredOrInvalid):
		return "challenge_invalid"
	case errors.Is(err, ErrRefreshFailure):
		return "refresh_failure"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrNotAuthenticated):
		return "not_authenticated"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}
