package api

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the telemetry client. Callers classify with errors.Is;
// the status-bearing kinds below carry data and are matched with errors.As.
var (
	ErrInvalidURL      = errors.New("invalid request URL")
	ErrNetwork         = errors.New("network error")
	ErrInvalidResponse = errors.New("invalid response")
	ErrDecoding        = errors.New("error decoding response")
	ErrAuthRequired    = errors.New("authentication required")
)

// HTTPError is a non-2xx response not otherwise classified.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status code %d: %s", e.Status, e.Body)
}

// RateLimitedError signals an upstream 429. WaitSeconds is how long the
// caller should back off before retrying.
type RateLimitedError struct {
	WaitSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %ds", e.WaitSeconds)
}

// UserMessage derives a display-layer message from an error kind. It
// distinguishes a client-credential mismatch on the token endpoint from a
// generic authentication failure.
func UserMessage(err error) string {
	var httpErr *HTTPError
	switch {
	case errors.Is(err, ErrAuthRequired):
		return "Authentication failed. Check your API credentials."
	case errors.As(err, &httpErr):
		if httpErr.Status == 401 && strings.Contains(httpErr.Body, "invalid_client") {
			return "Client ID or secret rejected by the authorization server."
		}
		return fmt.Sprintf("The energy service returned an error (HTTP %d).", httpErr.Status)
	case errors.Is(err, ErrNetwork):
		return "Could not reach the energy service. Check your connection."
	case errors.Is(err, ErrDecoding), errors.Is(err, ErrInvalidResponse):
		return "The energy service returned data in an unexpected format."
	default:
		var rl *RateLimitedError
		if errors.As(err, &rl) {
			return "The energy service is rate limiting requests. Try again shortly."
		}
		return "Could not update energy data."
	}
}
