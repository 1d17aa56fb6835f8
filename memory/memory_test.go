package memory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemory(t *testing.T, opts Options) *Memory {
	t.Helper()
	m, err := New(opts)
	require.NoError(t, err)
	return m
}

func successObs(latency time.Duration) Observation {
	return Observation{Status: 200, BodySize: 1000, Latency: latency}
}

func TestRecordCountsSuccessesAndFailures(t *testing.T) {
	m := newTestMemory(t, Options{})

	m.Record("example.com", successObs(100*time.Millisecond))
	m.Record("example.com", Observation{Status: 500, Latency: 50 * time.Millisecond})
	m.Record("example.com", Observation{Status: 404})
	m.Record("example.com", Observation{Err: errors.New("connection reset")})
	m.Record("example.com", Observation{Timeout: true})

	st := m.Insights("example.com")
	assert.Equal(t, 5, st.TotalRequests)
	assert.Equal(t, 1, st.Successes)
	assert.Equal(t, 1, st.Failures.Server)
	assert.Equal(t, 1, st.Failures.Client)
	assert.Equal(t, 2, st.Failures.Network)
	assert.InDelta(t, 0.2, st.SuccessRate, 1e-9)
	assert.False(t, st.LastSeen.IsZero())
}

func TestRecordConcurrentExactCounters(t *testing.T) {
	m := newTestMemory(t, Options{})

	const (
		workers   = 8
		successes = 50
		failures  = 30
	)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < successes; j++ {
				m.Record("example.com", successObs(10*time.Millisecond))
			}
			for j := 0; j < failures; j++ {
				m.Record("example.com", Observation{Status: 503})
			}
		}()
	}
	wg.Wait()

	st := m.Insights("example.com")
	assert.Equal(t, workers*successes, st.Successes)
	assert.Equal(t, workers*failures, st.Failures.Server)
	assert.Equal(t, workers*(successes+failures), st.TotalRequests)
}

func TestLatencyMovingAverage(t *testing.T) {
	m := newTestMemory(t, Options{})

	m.Record("example.com", successObs(100*time.Millisecond))
	st := m.Insights("example.com")
	assert.InDelta(t, 0.1, st.AvgLatency.Seconds(), 1e-6)

	// ema = 0.1*(1-0.1) + 0.2*0.1 = 0.11
	m.Record("example.com", successObs(200*time.Millisecond))
	st = m.Insights("example.com")
	assert.InDelta(t, 0.11, st.AvgLatency.Seconds(), 1e-6)

	// Failures inflate the average by the backoff factor.
	m.Record("example.com", Observation{Status: 503})
	st = m.Insights("example.com")
	assert.InDelta(t, 0.11*1.2, st.AvgLatency.Seconds(), 1e-6)
}

func TestInsightsUnknownHost(t *testing.T) {
	m := newTestMemory(t, Options{})
	st := m.Insights("never-seen.example.com")
	assert.Equal(t, "never-seen.example.com", st.Host)
	assert.Zero(t, st.TotalRequests)
	assert.Zero(t, st.SuccessRate)
}

func TestLRUCapBoundsTrackedHosts(t *testing.T) {
	m := newTestMemory(t, Options{MaxEntries: 8})

	for i := 0; i < 20; i++ {
		m.Record(fmt.Sprintf("host-%d.example.com", i), successObs(time.Millisecond))
	}
	assert.Equal(t, 8, m.Len())

	// The most recent hosts survive.
	st := m.Insights("host-19.example.com")
	assert.Equal(t, 1, st.TotalRequests)
	st = m.Insights("host-0.example.com")
	assert.Zero(t, st.TotalRequests)
}

func TestBudgetAdjustment(t *testing.T) {
	m := newTestMemory(t, Options{})

	assert.Equal(t, 0, m.BudgetAdjustment("unknown.example.com"))

	// Below the minimum window size no adjustment happens.
	for i := 0; i < 4; i++ {
		m.Record("flaky.example.com", Observation{Status: 503})
	}
	assert.Equal(t, 0, m.BudgetAdjustment("flaky.example.com"))

	m.Record("flaky.example.com", Observation{Status: 503})
	assert.Equal(t, -1, m.BudgetAdjustment("flaky.example.com"))

	// A healthy host is never narrowed.
	for i := 0; i < 10; i++ {
		m.Record("healthy.example.com", successObs(time.Millisecond))
	}
	assert.Equal(t, 0, m.BudgetAdjustment("healthy.example.com"))
}

func TestClassify(t *testing.T) {
	m := newTestMemory(t, Options{})

	tests := []struct {
		name string
		obs  Observation
		want Classification
	}{
		{"transport error", Observation{Err: errors.New("reset")}, Normal},
		{"timeout", Observation{Timeout: true}, Normal},
		{"plain 200", Observation{Status: 200, BodySize: 1000}, Normal},
		{"plain 404", Observation{Status: 404}, Normal},
		{"403 without fingerprint", Observation{Status: 403}, Blocked},
		{"429 without fingerprint", Observation{Status: 429}, Blocked},
		{"403 cloudflare", Observation{Status: 403, BodySample: []byte("<html>Cloudflare says no</html>")}, Challenge},
		{"429 captcha", Observation{Status: 429, BodySample: []byte("please solve this CAPTCHA")}, Challenge},
		{"200 turnstile full size", Observation{Status: 200, BodySize: 1000, BodySample: []byte("turnstile widget")}, Normal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, m.Classify("example.com", tt.obs), tt.name)
	}
}

func TestClassifyShrunkenChallengePage(t *testing.T) {
	m := newTestMemory(t, Options{})

	// Establish a body-size baseline with real content.
	for i := 0; i < 5; i++ {
		m.Record("example.com", Observation{Status: 200, BodySize: 10000, Latency: time.Millisecond})
	}

	// A fingerprinted 200 at a fraction of the baseline is a gate.
	obs := Observation{Status: 200, BodySize: 500, BodySample: []byte("checking your browser - cloudflare")}
	assert.Equal(t, Challenge, m.Classify("example.com", obs))

	// The same fingerprint at normal size is content about the gate.
	obs = Observation{Status: 200, BodySize: 9500, BodySample: []byte("article about cloudflare")}
	assert.Equal(t, Normal, m.Classify("example.com", obs))
}

func TestChallengeCountedSeparately(t *testing.T) {
	m := newTestMemory(t, Options{})

	m.Record("example.com", Observation{Status: 403, BodySample: []byte("cloudflare challenge-platform")})
	st := m.Insights("example.com")
	assert.Equal(t, 1, st.Failures.Challenge)
	assert.Zero(t, st.Failures.Client)

	m.Record("example.com", Observation{Status: 403})
	st = m.Insights("example.com")
	assert.Equal(t, 1, st.Failures.Client)
}

func TestAnomalousClassification(t *testing.T) {
	m := newTestMemory(t, Options{})
	m.Record("example.com", successObs(100*time.Millisecond))

	anomalous, reason := m.Anomalous("example.com", Observation{Status: 403})
	assert.True(t, anomalous)
	assert.Contains(t, reason, "blocked")

	anomalous, _ = m.Anomalous("example.com", Observation{Status: 200, BodySize: 1000, Latency: 120 * time.Millisecond})
	assert.False(t, anomalous)
}

func TestAnomalousLatencySpike(t *testing.T) {
	m := newTestMemory(t, Options{LatencyAnomalyFactor: 4})
	m.Record("example.com", successObs(100*time.Millisecond))

	anomalous, reason := m.Anomalous("example.com", Observation{Status: 200, BodySize: 1000, Latency: time.Second})
	assert.True(t, anomalous)
	assert.Contains(t, reason, "latency")

	anomalous, _ = m.Anomalous("example.com", Observation{Status: 200, BodySize: 1000, Latency: 300 * time.Millisecond})
	assert.False(t, anomalous)
}

func TestAnomalousUnknownHost(t *testing.T) {
	m := newTestMemory(t, Options{})
	anomalous, _ := m.Anomalous("unknown.example.com", Observation{Status: 403})
	assert.False(t, anomalous)
}

func TestSuggestHeadersDefaults(t *testing.T) {
	m := newTestMemory(t, Options{})

	h := m.SuggestHeaders(context.Background(), "unknown.example.com")
	assert.Contains(t, h.Get("User-Agent"), "smarthttp/")
	assert.NotEmpty(t, h.Get("Accept"))
}

func TestSuggestHeadersRemembersSuccessfulSet(t *testing.T) {
	m := newTestMemory(t, Options{})

	sent := make(http.Header)
	sent.Set("User-Agent", "special-agent/2.0")
	sent.Set("Accept-Language", "de-DE")
	m.Record("example.com", Observation{
		Status: 200, BodySize: 100, Latency: time.Millisecond, RequestHeader: sent,
	})

	h := m.SuggestHeaders(context.Background(), "example.com")
	assert.Equal(t, "special-agent/2.0", h.Get("User-Agent"))
	assert.Equal(t, "de-DE", h.Get("Accept-Language"))
}

func TestSuggestHeadersBackendAdvice(t *testing.T) {
	asked := false
	backend := BackendFunc(func(ctx context.Context, prompt string) (string, error) {
		asked = true
		assert.Contains(t, prompt, "failing.example.com")
		return `Try these: {"User-Agent": "advised-agent/1.0", "Accept": "text/html"} good luck`, nil
	})
	m := newTestMemory(t, Options{Backend: backend})

	// Advice is consulted only after failures.
	m.Record("failing.example.com", Observation{Status: 503})

	h := m.SuggestHeaders(context.Background(), "failing.example.com")
	assert.True(t, asked)
	assert.Equal(t, "advised-agent/1.0", h.Get("User-Agent"))
	assert.Equal(t, "text/html", h.Get("Accept"))
}

func TestSuggestHeadersBackendFailureFallsBack(t *testing.T) {
	backend := BackendFunc(func(ctx context.Context, prompt string) (string, error) {
		return "", errors.New("advisor down")
	})
	m := newTestMemory(t, Options{Backend: backend})
	m.Record("failing.example.com", Observation{Status: 503})

	h := m.SuggestHeaders(context.Background(), "failing.example.com")
	assert.Contains(t, h.Get("User-Agent"), "smarthttp/")
}

func TestSuggestHeadersBackendNotAskedForHealthyHost(t *testing.T) {
	backend := BackendFunc(func(ctx context.Context, prompt string) (string, error) {
		t.Error("backend must not be consulted for a healthy host")
		return "", nil
	})
	m := newTestMemory(t, Options{Backend: backend})
	m.Record("healthy.example.com", successObs(time.Millisecond))

	m.SuggestHeaders(context.Background(), "healthy.example.com")
}

func TestExtractHeaderAdvice(t *testing.T) {
	tests := []struct {
		advice string
		want   map[string]string
	}{
		{`{"A": "1"}`, map[string]string{"A": "1"}},
		{`prose before {"A": "1"} prose after`, map[string]string{"A": "1"}},
		{"no json here", nil},
		{`{"broken": `, nil},
		{`{"nested": {"not": "flat"}}`, nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, extractHeaderAdvice(tt.advice), tt.advice)
	}
}

func TestPaceHealthyHostNotLimited(t *testing.T) {
	m := newTestMemory(t, Options{})
	for i := 0; i < 10; i++ {
		m.Record("healthy.example.com", successObs(time.Millisecond))
	}

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, m.Pace(context.Background(), "healthy.example.com"))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestPaceStrugglingHostSlowsDown(t *testing.T) {
	m := newTestMemory(t, Options{})
	for i := 0; i < 10; i++ {
		m.Record("struggling.example.com", Observation{Status: 503})
	}

	// First call takes the limiter's initial token; the second waits.
	require.NoError(t, m.Pace(context.Background(), "struggling.example.com"))
	start := time.Now()
	require.NoError(t, m.Pace(context.Background(), "struggling.example.com"))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestPaceHonorsContext(t *testing.T) {
	m := newTestMemory(t, Options{})
	for i := 0; i < 10; i++ {
		m.Record("struggling.example.com", Observation{Status: 503})
	}
	require.NoError(t, m.Pace(context.Background(), "struggling.example.com"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, m.Pace(ctx, "struggling.example.com"))
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	m := newTestMemory(t, Options{})
	sent := make(http.Header)
	sent.Set("User-Agent", "special-agent/2.0")
	m.Record("a.example.com", Observation{Status: 200, BodySize: 100, Latency: 100 * time.Millisecond, RequestHeader: sent})
	m.Record("a.example.com", Observation{Status: 503})
	m.Record("b.example.com", successObs(time.Millisecond))

	snap := m.Snapshot()
	require.Len(t, snap, 2)

	restored := newTestMemory(t, Options{})
	restored.Restore(snap)

	st := restored.Insights("a.example.com")
	assert.Equal(t, 2, st.TotalRequests)
	assert.Equal(t, 1, st.Successes)
	assert.Equal(t, 1, st.Failures.Server)
	assert.Equal(t, "special-agent/2.0", st.PreferredHeaders["User-Agent"])

	h := restored.SuggestHeaders(context.Background(), "a.example.com")
	assert.Equal(t, "special-agent/2.0", h.Get("User-Agent"))
}

func TestRestoreDoesNotOverwriteLiveHosts(t *testing.T) {
	m := newTestMemory(t, Options{})
	m.Record("a.example.com", successObs(time.Millisecond))

	m.Restore([]Stats{{Host: "a.example.com", Successes: 99, TotalRequests: 99}})

	st := m.Insights("a.example.com")
	assert.Equal(t, 1, st.TotalRequests)
}

func TestBreakdownTotal(t *testing.T) {
	b := Breakdown{Network: 1, Client: 2, Server: 3, Challenge: 4}
	assert.Equal(t, 10, b.Total())
}

func TestClassificationString(t *testing.T) {
	assert.Equal(t, "normal", Normal.String())
	assert.Equal(t, "challenge", Challenge.String())
	assert.Equal(t, "blocked", Blocked.String())
}
