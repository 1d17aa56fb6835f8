package client

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"time"
)

// RetryDecision is the verdict of the retry policy for one failed
// attempt.
type RetryDecision struct {
	Retry  bool
	Delay  time.Duration
	Reason string
}

// RetryPolicy decides, as a pure function of the attempt, its outcome and
// the remaining budget, whether to retry and after what delay. It holds
// no mutable state.
type RetryPolicy struct {
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	RetryableStatuses map[int]struct{}
	SafeMethods       map[string]struct{} // extra methods safe to retry
}

func newRetryPolicy(cfg Config) RetryPolicy {
	p := RetryPolicy{
		BaseDelay:         cfg.BaseDelay,
		MaxDelay:          cfg.MaxDelay,
		RetryableStatuses: make(map[int]struct{}, len(cfg.RetryableStatuses)),
		SafeMethods:       make(map[string]struct{}, len(cfg.SafeMethods)),
	}
	for _, s := range cfg.RetryableStatuses {
		p.RetryableStatuses[s] = struct{}{}
	}
	for _, m := range cfg.SafeMethods {
		p.SafeMethods[m] = struct{}{}
	}
	return p
}

// Decide evaluates one outcome. retries is the number of retries already
// performed for this hop; budget is the maximum allowed.
//
// A request is retried only when a retryable condition occurred AND
// either the method is idempotent or no request byte was sent. Responses
// with a retry-after directive override the computed backoff.
func (p RetryPolicy) Decide(att *Attempt, out *Outcome, retries, budget int) RetryDecision {
	if out == nil {
		return RetryDecision{Reason: "no outcome"}
	}
	if errors.Is(out.Err, context.Canceled) || errors.Is(out.Err, context.DeadlineExceeded) {
		return RetryDecision{Reason: "cancelled"}
	}
	if !p.retryableOutcome(out) {
		return RetryDecision{Reason: "condition not retryable"}
	}
	if retries >= budget {
		return RetryDecision{Reason: "retry budget exhausted"}
	}
	if !p.idempotent(att.Method) && out.Wrote {
		return RetryDecision{Reason: "non-idempotent method already sent"}
	}
	if !att.Replayable() {
		return RetryDecision{Reason: "body not replayable"}
	}

	delay := p.backoff(retries)
	if out.Header != nil {
		if info := ParseRateLimitHeaders(out.Header); info != nil && info.RetryAfter > 0 {
			delay = info.RetryAfter
		}
	}
	return RetryDecision{Retry: true, Delay: delay, Reason: "retryable condition"}
}

// retryableOutcome reports whether the outcome is a retry-triggering
// condition: a connection-level failure, a timeout, or a status in the
// configured retry set.
func (p RetryPolicy) retryableOutcome(out *Outcome) bool {
	switch out.Kind {
	case KindTransportError, KindTimeout:
		return true
	case KindResponse:
		_, ok := p.RetryableStatuses[out.Status]
		return ok
	default:
		return false
	}
}

// idempotent reports whether the method is safe to re-issue after a
// possibly-sent request.
func (p RetryPolicy) idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	_, ok := p.SafeMethods[method]
	return ok
}

// backoff computes base*2^attempt plus a uniform jitter in [0, base),
// capped at MaxDelay.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		return 0
	}
	if attempt > 20 {
		attempt = 20 // avoid shift overflow; MaxDelay caps anyway
	}
	delay := base << uint(attempt)
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	delay += time.Duration(rand.Int63n(int64(base)))
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}
