package reliability

import (
	"context"
	"errors"
	"net"
)

// IsRetryableHTTPStatus classifies HTTP status codes a user may reasonably
// retry by hand.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsTransient reports whether err looks like a network failure rather than a
// rejected request. Cancellation by the caller is not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Kind buckets an error for metrics labels and user messaging.
func Kind(err error, status int) string {
	switch {
	case err == nil && status == 0:
		return "none"
	case status != 0 && IsRetryableHTTPStatus(status):
		return "transient_status"
	case status != 0:
		return "rejected"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case IsTransient(err):
		return "transient_network"
	default:
		return "other"
	}
}
