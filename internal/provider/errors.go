package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrNoProvider is returned by the router when every candidate provider
// failed or had an open circuit. Callers must treat it as a soft failure.
var ErrNoProvider = errors.New("no provider available")

// ErrorKind classifies a provider-level failure.
type ErrorKind string

const (
	KindAuth           ErrorKind = "auth"
	KindRateLimit      ErrorKind = "rate_limit"
	KindTimeout        ErrorKind = "timeout"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindServerError    ErrorKind = "server_error"
)

// Error is a typed provider failure.
type Error struct {
	Kind     ErrorKind
	Provider string
	Status   int
	Message  string
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("provider %s: %s (%d): %s", e.Provider, e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("provider %s: %s: %s", e.Provider, e.Kind, e.Message)
}

// Permanent reports whether retrying the same provider within a single
// invocation is pointless.
func (e *Error) Permanent() bool {
	return e.Kind == KindAuth || e.Kind == KindInvalidRequest
}

// httpError builds a typed Error from an HTTP status code.
func httpError(providerID string, status int, body string) *Error {
	var kind ErrorKind
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindAuth
	case status == http.StatusTooManyRequests:
		kind = KindRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		kind = KindTimeout
	case status >= 500:
		kind = KindServerError
	default:
		kind = KindInvalidRequest
	}
	return &Error{Kind: kind, Provider: providerID, Status: status, Message: body}
}

// transportError wraps a network-level failure as a typed Error.
func transportError(providerID string, err error) *Error {
	kind := KindServerError
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Provider: providerID, Message: err.Error()}
}
