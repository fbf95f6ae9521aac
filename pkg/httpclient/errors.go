package httpclient

import (
	"fmt"
	"time"
)

// RetryableError is returned when the retry budget for a transient upstream
// failure is exhausted. RetryAfter carries the delay the next attempt would
// have used, which the caller may surface to its own policy layer.
type RetryableError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *RetryableError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("HTTP %d: %s (retry after %v)", e.StatusCode, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}
