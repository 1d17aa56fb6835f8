package client

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RateLimitInfo carries throttling directives parsed from response
// headers. RetryAfter takes precedence over computed backoff when a
// retry is scheduled.
type RateLimitInfo struct {
	LimitRequests     int           // maximum requests in the current window
	RemainingRequests int           // remaining requests in the current window
	ResetRequests     time.Duration // time until the window resets
	RetryAfter        time.Duration // explicit server-requested wait
}

// String returns a human-readable representation of the parsed limits.
func (r *RateLimitInfo) String() string {
	var parts []string
	if r.LimitRequests > 0 || r.RemainingRequests > 0 {
		parts = append(parts, "requests="+strconv.Itoa(r.RemainingRequests)+"/"+strconv.Itoa(r.LimitRequests))
	}
	if r.ResetRequests > 0 {
		parts = append(parts, "reset="+r.ResetRequests.String())
	}
	if r.RetryAfter > 0 {
		parts = append(parts, "retry_after="+r.RetryAfter.String())
	}
	if len(parts) == 0 {
		return "RateLimit{}"
	}
	return "RateLimit{" + strings.Join(parts, ", ") + "}"
}

// ParseRateLimitHeaders extracts throttling information from response
// headers. Returns nil when no rate limit headers are present. Invalid
// values are silently skipped.
//
// Supported headers:
//   - X-Ratelimit-Limit-Requests / X-Ratelimit-Remaining-Requests /
//     X-Ratelimit-Reset-Requests
//   - X-Ratelimit-Limit / X-Ratelimit-Remaining (generic form)
//   - Retry-After (delay in seconds, or an HTTP date)
func ParseRateLimitHeaders(headers http.Header) *RateLimitInfo {
	info := &RateLimitInfo{}
	found := false

	if n, ok := headerInt(headers, "X-Ratelimit-Limit-Requests", "X-Ratelimit-Limit"); ok {
		info.LimitRequests = n
		found = true
	}
	if n, ok := headerInt(headers, "X-Ratelimit-Remaining-Requests", "X-Ratelimit-Remaining"); ok {
		info.RemainingRequests = n
		found = true
	}
	if val := headers.Get("X-Ratelimit-Reset-Requests"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			info.ResetRequests = d
			found = true
		}
	}

	if val := headers.Get("Retry-After"); val != "" {
		if seconds, err := strconv.Atoi(val); err == nil {
			info.RetryAfter = time.Duration(seconds) * time.Second
			found = true
		} else if t, err := http.ParseTime(val); err == nil {
			info.RetryAfter = time.Until(t)
			if info.RetryAfter < 0 {
				info.RetryAfter = 0
			}
			found = true
		}
	}

	if !found {
		return nil
	}
	return info
}

// headerInt returns the first of the named headers that parses as an int.
func headerInt(headers http.Header, names ...string) (int, bool) {
	for _, name := range names {
		if val := headers.Get(name); val != "" {
			if n, err := strconv.Atoi(val); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}
