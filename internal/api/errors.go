package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jbweber/conduit/internal/control"
)

// ErrUnauthorized is returned by Client when the server rejects the shared secret.
var ErrUnauthorized = errors.New("unauthorized")

// StatusFor maps a control error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, control.ErrNoAgentResponse):
		return http.StatusGatewayTimeout
	case errors.Is(err, control.ErrDomainInvalid):
		return http.StatusNotFound
	case errors.Is(err, control.ErrArgument):
		return http.StatusBadRequest
	case errors.Is(err, control.ErrConnectionInvalid):
		return http.StatusServiceUnavailable
	case errors.Is(err, control.ErrResourceExhausted):
		return http.StatusTooManyRequests
	case errors.Is(err, control.ErrCommand), errors.Is(err, control.ErrRegistration):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorFor rebuilds a control error from a failed response, so callers of
// Client can branch with errors.Is exactly as they would locally.
func errorFor(op, domain string, status int, msg string) error {
	cause := errors.New(msg)

	var kind error
	switch status {
	case http.StatusNotFound:
		kind = control.ErrDomainInvalid
	case http.StatusBadRequest:
		kind = control.ErrArgument
	case http.StatusGatewayTimeout:
		kind = control.ErrCommand
		cause = fmt.Errorf("%w: %s", control.ErrNoAgentResponse, msg)
	case http.StatusServiceUnavailable:
		kind = control.ErrConnectionInvalid
	case http.StatusTooManyRequests:
		kind = control.ErrResourceExhausted
	case http.StatusBadGateway:
		kind = control.ErrCommand
	case http.StatusUnauthorized:
		return fmt.Errorf("%s: %w: %s", op, ErrUnauthorized, msg)
	default:
		return fmt.Errorf("%s: unexpected status %d: %s", op, status, msg)
	}

	return &control.Error{Op: op, Domain: domain, Kind: kind, Err: cause}
}
