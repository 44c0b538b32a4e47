// Package fetcher provides the sources of the flag and segment change feeds:
// the remote HTTP API, a local definitions file and a self-hosted PostgreSQL feed.
//
// Every fetcher answers with pages in the same shape. A page whose since equals
// its till means the caller is up to date.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// StatusError is returned when the change feed answers with a non-2xx status.
type StatusError struct {
	Code int
	URL  string
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("change feed returned status %d for %s", e.Code, e.URL)
	}
	return fmt.Sprintf("change feed returned status %d for %s: %s", e.Code, e.URL, e.Body)
}

// Retryable reports whether repeating the request may succeed.
// Server errors and throttling are transient; other client errors are not.
func (e *StatusError) Retryable() bool {
	return e.Code >= http.StatusInternalServerError || e.Code == http.StatusTooManyRequests
}

// IsRetryable classifies a fetch error. Context cancellation is final,
// status errors decide for themselves and anything else (network, decoding
// of a truncated body) is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	return true
}
