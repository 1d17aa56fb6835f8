package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// advisorTimeout bounds one remote-advice call so a slow backend cannot
// stall request setup.
const advisorTimeout = 5 * time.Second

// SuggestHeaders returns the best-known header set for a host: the
// combination in effect on the most recent success, or the defaults when
// the host has no history. If a backend is configured and the host has
// been failing, the backend's advice is merged on top; advice failures
// fall back silently to the local suggestion.
func (m *Memory) SuggestHeaders(ctx context.Context, host string) http.Header {
	headers := defaultHeaders()

	e, ok := m.peek(host)
	if !ok {
		return headers
	}

	e.mu.Lock()
	if len(e.goodHeaders) > 0 {
		headers = cloneHeader(e.goodHeaders)
	}
	failures := e.failures.Total()
	e.mu.Unlock()

	if m.backend == nil || failures == 0 {
		return headers
	}

	prompt := fmt.Sprintf(
		"Optimize HTTP request headers for host %q after %d recent failures. "+
			"Return ONLY a JSON object mapping header names to values.",
		host, failures)
	actx, cancel := context.WithTimeout(ctx, advisorTimeout)
	defer cancel()
	advice, err := m.backend.Ask(actx, prompt)
	if err != nil {
		m.log.Debug().Err(err).Str("host", host).Msg("advisor unavailable, using local headers")
		return headers
	}
	for k, v := range extractHeaderAdvice(advice) {
		headers.Set(k, v)
	}
	return headers
}

// extractHeaderAdvice pulls the first JSON object out of free-form advice
// text. Malformed advice yields nil.
func extractHeaderAdvice(advice string) map[string]string {
	start := strings.Index(advice, "{")
	end := strings.LastIndex(advice, "}")
	if start == -1 || end <= start {
		return nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(advice[start:end+1]), &out); err != nil {
		return nil
	}
	return out
}
