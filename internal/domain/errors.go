package domain

import (
	"errors"
	"fmt"
)

// Error kinds carried in the platform's error payloads. The wire contract is
// {"error": "...", "kind": "..."} on every non-2xx response, so clients branch
// on the kind, never on message text.
const (
	KindUnauthenticated = "unauthenticated"
	KindForbidden       = "forbidden"
	KindMuted           = "muted"
	KindRateLimited     = "rate_limited"
	KindValidation      = "validation"
	KindNotFound        = "not_found"
	KindInternal        = "internal"
)

// Sentinels for errors.Is checks. APIError unwraps to the one matching its kind.
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrMuted           = errors.New("muted in this conversation")
	ErrRateLimited     = errors.New("rate limited")
	ErrValidation      = errors.New("validation failed")
	ErrNotFound        = errors.New("not found")
	ErrInternal        = errors.New("internal server error")
)

var kindSentinels = map[string]error{
	KindUnauthenticated: ErrUnauthenticated,
	KindForbidden:       ErrForbidden,
	KindMuted:           ErrMuted,
	KindRateLimited:     ErrRateLimited,
	KindValidation:      ErrValidation,
	KindNotFound:        ErrNotFound,
	KindInternal:        ErrInternal,
}

// APIError is a structured failure returned by the platform API.
type APIError struct {
	Kind    string `json:"kind"`
	Message string `json:"error"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error: %s (HTTP %d)", e.Kind, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap maps the wire kind onto its sentinel so callers can use errors.Is.
func (e *APIError) Unwrap() error {
	if s, ok := kindSentinels[e.Kind]; ok {
		return s
	}
	return nil
}

// KindForStatus maps an HTTP status to an error kind, for responses that
// arrive without a parseable body.
func KindForStatus(status int) string {
	switch status {
	case 401:
		return KindUnauthenticated
	case 403:
		return KindForbidden
	case 404:
		return KindNotFound
	case 422, 400:
		return KindValidation
	case 429:
		return KindRateLimited
	default:
		return KindInternal
	}
}
