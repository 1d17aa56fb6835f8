package client

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNonReplayableBody means a retry or redirect required re-sending
	// a body that was already consumed. Terminal, surfaced immediately.
	ErrNonReplayableBody = errors.New("smarthttp: request body is not replayable")

	// ErrTooManyRedirects means the redirect budget was exceeded.
	ErrTooManyRedirects = errors.New("smarthttp: too many redirects")

	// ErrRetryBudgetExhausted means a retryable condition persisted past
	// the configured retry budget.
	ErrRetryBudgetExhausted = errors.New("smarthttp: retry budget exhausted")

	// ErrCancelled means the caller's context was cancelled or its
	// deadline elapsed while the request was in flight.
	ErrCancelled = errors.New("smarthttp: request cancelled")
)

// RequestError is the terminal error for one logical request. It carries
// the attempt count and elapsed time for diagnostics, plus the last
// observed outcome when there is one.
type RequestError struct {
	Reason   error
	Attempts int
	Elapsed  time.Duration
	Last     *Outcome
}

// Error formats the terminal reason with attempt and timing context.
func (e *RequestError) Error() string {
	msg := fmt.Sprintf("%v (attempts=%d, elapsed=%s)", e.Reason, e.Attempts, e.Elapsed.Round(time.Millisecond))
	if e.Last != nil && e.Last.Status != 0 {
		msg += fmt.Sprintf(", last status %d", e.Last.Status)
	}
	return msg
}

// Unwrap exposes the terminal reason to errors.Is/As.
func (e *RequestError) Unwrap() error { return e.Reason }
