package dispatch

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnavailable is returned immediately when the worker is not Running.
	ErrUnavailable = errors.New("worker unavailable")
	// ErrRequestTimeout is returned when a call exceeds the request timeout.
	ErrRequestTimeout = errors.New("worker request timed out")
	// ErrClosed is returned after the dispatcher has been closed.
	ErrClosed = errors.New("dispatcher closed")
)

// WorkerError is a structured failure reported by the worker, passed to the
// caller verbatim.
type WorkerError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func (e *WorkerError) Error() string {
	if e.Status == 0 {
		return e.Message
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// outcome labels a settled request for metrics.
func outcome(err error) string {
	var we *WorkerError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &we):
		return "worker_error"
	case errors.Is(err, ErrRequestTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, ErrClosed), errors.Is(err, ErrUnavailable):
		return "rejected"
	default:
		return "error"
	}
}
