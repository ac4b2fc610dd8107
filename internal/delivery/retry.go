package delivery

import (
	"fmt"
	"net/http"

	"github.com/shohag/nudgequeue/internal/queue"
)

func IsSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

// IsRetryable reports whether a non-2xx response may succeed later.
func IsRetryable(statusCode int) bool {
	switch {
	case statusCode == http.StatusRequestTimeout,
		statusCode == http.StatusTooManyRequests,
		statusCode >= 500:
		return true
	default:
		return false
	}
}

// statusError turns an HTTP response into a send error, or nil on 2xx.
func statusError(statusCode int, body string) error {
	if IsSuccess(statusCode) {
		return nil
	}
	err := fmt.Errorf("unexpected status %d: %s", statusCode, body)
	if IsRetryable(statusCode) {
		return err
	}
	return queue.Permanent(err)
}
