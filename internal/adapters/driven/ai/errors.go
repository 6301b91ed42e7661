package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
)

// maxErrorBody bounds how much of an error response is kept in the message
const maxErrorBody = 512

// statusError maps an HTTP status from a provider to a domain sentinel.
func statusError(provider string, status int, detail string) error {
	if len(detail) > maxErrorBody {
		detail = detail[:maxErrorBody]
	}
	var sentinel error
	switch {
	case status == http.StatusTooManyRequests:
		sentinel = domain.ErrThrottled
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		sentinel = domain.ErrUnauthorized
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		sentinel = domain.ErrTimeout
	case status >= 500:
		sentinel = domain.ErrServiceUnavailable
	default:
		sentinel = domain.ErrInvalidInput
	}
	return fmt.Errorf("%s returned status %d: %w: %s", provider, status, sentinel, detail)
}

// transportError maps a failed round trip to a domain sentinel.
// Cancellation by the caller is passed through untouched.
func transportError(provider string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%s request timed out: %w: %v", provider, domain.ErrTimeout, err)
	}
	return fmt.Errorf("%s request failed: %w: %v", provider, domain.ErrServiceUnavailable, err)
}
