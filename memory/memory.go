// Package memory keeps per-host outcome statistics and feeds them back
// into retry budgets, header selection and request pacing. Entries are
// capped by an LRU so long-running processes touching many hosts stay
// bounded.
package memory

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/nexora/smarthttp/internal/version"
)

const (
	// recentWindow bounds the per-host outcome ring used for the
	// success-rate heuristics.
	recentWindow = 20

	// emaWeight is the weight of a new latency sample in the moving
	// average on success.
	emaWeight = 0.1

	// failureBackoffFactor inflates the latency average after a failure,
	// nudging adaptive pacing toward slowing down.
	failureBackoffFactor = 1.2
)

// Observation is what the engine reports about one completed attempt.
// It is never mutated after creation.
type Observation struct {
	Status        int         // 0 when no response was received
	Header        http.Header // response headers, may be nil
	RequestHeader http.Header // headers that were sent, may be nil
	BodySize      int
	BodySample    []byte // leading bytes of the body, for fingerprinting
	Latency       time.Duration
	Err           error // transport-level error, nil when a response arrived
	Timeout       bool
}

// Breakdown subdivides failures by cause.
type Breakdown struct {
	Network   int `json:"network"`
	Client    int `json:"client_4xx"`
	Server    int `json:"server_5xx"`
	Challenge int `json:"challenge"`
}

// Total sums all failure causes.
func (b Breakdown) Total() int {
	return b.Network + b.Client + b.Server + b.Challenge
}

// Stats is a read-only snapshot of one host's history.
type Stats struct {
	Host             string            `json:"host"`
	Successes        int               `json:"successes"`
	Failures         Breakdown         `json:"failures"`
	TotalRequests    int               `json:"total_requests"`
	SuccessRate      float64           `json:"success_rate"`
	AvgLatency       time.Duration     `json:"avg_latency"`
	LastSeen         time.Time         `json:"last_seen"`
	LastStatus       int               `json:"last_status"`
	PreferredHeaders map[string]string `json:"preferred_headers,omitempty"`
}

type entry struct {
	mu sync.Mutex

	successes   int
	failures    Breakdown
	total       int
	emaLatency  float64 // seconds
	avgBodySize float64 // EMA baseline of successful body sizes
	lastSeen    time.Time
	lastStatus  int

	// recent is a ring of the last outcomes, true on success.
	recent []bool

	// goodHeaders is the request header set in effect on the most recent
	// success, used to answer SuggestHeaders.
	goodHeaders http.Header

	limiter *rate.Limiter
}

// Options configures a Memory. Zero values pick defaults.
type Options struct {
	MaxEntries           int     // LRU cap on tracked hosts (default: 256)
	LatencyAnomalyFactor float64 // latency beyond factor*EMA is anomalous (default: 4)
	Backend              Backend // optional remote advisor; nil means local heuristics only
	Logger               zerolog.Logger
}

func (o *Options) setDefaults() {
	if o.MaxEntries == 0 {
		o.MaxEntries = 256
	}
	if o.LatencyAnomalyFactor == 0 {
		o.LatencyAnomalyFactor = 4
	}
}

// Memory is the process-wide domain memory. All mutation goes through
// Record; reads take per-entry locks so concurrent requests to different
// hosts never contend.
type Memory struct {
	opts    Options
	backend Backend
	log     zerolog.Logger

	mu      sync.Mutex // guards the LRU structure itself
	entries *lru.Cache[string, *entry]
}

// New creates a Memory with the given options.
func New(opts Options) (*Memory, error) {
	opts.setDefaults()
	cache, err := lru.New[string, *entry](opts.MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("memory: %w", err)
	}
	return &Memory{
		opts:    opts,
		backend: opts.Backend,
		log:     opts.Logger,
		entries: cache,
	}, nil
}

// get returns the entry for a host, creating it on first sight. Creation
// may evict the least-recently-used host.
func (m *Memory) get(host string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries.Get(host); ok {
		return e
	}
	e := &entry{}
	m.entries.Add(host, e)
	return e
}

// peek returns the entry for a host without creating one.
func (m *Memory) peek(host string) (*entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries.Get(host)
}

// Record folds one attempt outcome into the host's statistics. It is the
// sole mutation path and is safe under concurrent calls for the same
// host; counters are commutative so interleaving cannot lose updates.
func (m *Memory) Record(host string, obs Observation) {
	e := m.get(host)
	class := m.classify(e, obs)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.total++
	e.lastSeen = time.Now()
	e.lastStatus = obs.Status

	success := class == Normal && obs.Err == nil && !obs.Timeout &&
		obs.Status >= 200 && obs.Status < 400
	switch {
	case success:
		e.successes++
		sample := obs.Latency.Seconds()
		if e.emaLatency == 0 {
			e.emaLatency = sample
		} else {
			e.emaLatency = e.emaLatency*(1-emaWeight) + sample*emaWeight
		}
		if obs.BodySize > 0 {
			if e.avgBodySize == 0 {
				e.avgBodySize = float64(obs.BodySize)
			} else {
				e.avgBodySize = e.avgBodySize*(1-emaWeight) + float64(obs.BodySize)*emaWeight
			}
		}
		if obs.RequestHeader != nil {
			e.goodHeaders = cloneHeader(obs.RequestHeader)
		}
	case obs.Err != nil || obs.Timeout:
		e.failures.Network++
		e.emaLatency *= failureBackoffFactor
	case class == Challenge:
		e.failures.Challenge++
		e.emaLatency *= failureBackoffFactor
	case obs.Status >= 500:
		e.failures.Server++
		e.emaLatency *= failureBackoffFactor
	case obs.Status >= 400:
		e.failures.Client++
		e.emaLatency *= failureBackoffFactor
	default:
		// Informational statuses; count toward the success side but keep
		// no latency sample.
		e.successes++
	}

	e.recent = append(e.recent, success)
	if len(e.recent) > recentWindow {
		e.recent = e.recent[1:]
	}
}

// Insights returns a read-only snapshot for a host. Unknown hosts yield a
// zero snapshot with the host name filled in.
func (m *Memory) Insights(host string) Stats {
	e, ok := m.peek(host)
	if !ok {
		return Stats{Host: host}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statsLocked(host)
}

func (e *entry) statsLocked(host string) Stats {
	s := Stats{
		Host:          host,
		Successes:     e.successes,
		Failures:      e.failures,
		TotalRequests: e.total,
		AvgLatency:    time.Duration(e.emaLatency * float64(time.Second)),
		LastSeen:      e.lastSeen,
		LastStatus:    e.lastStatus,
	}
	if e.total > 0 {
		s.SuccessRate = float64(e.successes) / float64(e.total)
	}
	if len(e.goodHeaders) > 0 {
		s.PreferredHeaders = make(map[string]string, len(e.goodHeaders))
		for k := range e.goodHeaders {
			s.PreferredHeaders[k] = e.goodHeaders.Get(k)
		}
	}
	return s
}

// recentSuccessRateLocked computes the success rate over the bounded
// window. The second return is the number of observations in the window.
func (e *entry) recentSuccessRateLocked() (float64, int) {
	if len(e.recent) == 0 {
		return 1, 0
	}
	ok := 0
	for _, s := range e.recent {
		if s {
			ok++
		}
	}
	return float64(ok) / float64(len(e.recent)), len(e.recent)
}

// BudgetAdjustment returns a bounded adjustment to the retry budget for a
// host: hosts with a persistently poor recent success rate get one retry
// fewer. The adjustment never widens the configured maximum.
func (m *Memory) BudgetAdjustment(host string) int {
	e, ok := m.peek(host)
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rate, n := e.recentSuccessRateLocked()
	if n >= 5 && rate < 0.3 {
		return -1
	}
	return 0
}

// Anomalous reports whether an outcome deviates from the host's history:
// a challenge/block classification, or latency far beyond the moving
// average. Anomalies are informational; they never change retry
// decisions.
func (m *Memory) Anomalous(host string, obs Observation) (bool, string) {
	e, ok := m.peek(host)
	if !ok {
		return false, ""
	}
	if class := m.classify(e, obs); class != Normal {
		return true, class.String() + " response detected"
	}
	e.mu.Lock()
	ema := e.emaLatency
	e.mu.Unlock()
	if ema > 0 && obs.Latency.Seconds() > ema*m.opts.LatencyAnomalyFactor {
		return true, fmt.Sprintf("latency %.2fs exceeds %.0fx host average %.2fs",
			obs.Latency.Seconds(), m.opts.LatencyAnomalyFactor, ema)
	}
	return false, ""
}

// Pace blocks until the host's adaptive rate limiter admits another
// request, honoring ctx. Hosts with a healthy recent record are not
// paced at all.
func (m *Memory) Pace(ctx context.Context, host string) error {
	e, ok := m.peek(host)
	if !ok {
		return nil
	}
	e.mu.Lock()
	successRate, n := e.recentSuccessRateLocked()
	if n < 3 || successRate >= 0.7 {
		e.mu.Unlock()
		return nil
	}
	interval := time.Duration(e.emaLatency * float64(time.Second))
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	if interval > 10*time.Second {
		interval = 10 * time.Second
	}
	if e.limiter == nil {
		e.limiter = rate.NewLimiter(rate.Every(interval), 1)
	} else {
		e.limiter.SetLimit(rate.Every(interval))
	}
	limiter := e.limiter
	e.mu.Unlock()
	return limiter.Wait(ctx)
}

// Snapshot returns stats for every tracked host, for persistence.
func (m *Memory) Snapshot() []Stats {
	m.mu.Lock()
	keys := m.entries.Keys()
	m.mu.Unlock()

	out := make([]Stats, 0, len(keys))
	for _, host := range keys {
		e, ok := m.peek(host)
		if !ok {
			continue
		}
		e.mu.Lock()
		out = append(out, e.statsLocked(host))
		e.mu.Unlock()
	}
	return out
}

// Restore seeds the memory from persisted stats, typically at startup.
// Live counters observed since startup are preserved; restore only fills
// hosts not yet seen.
func (m *Memory) Restore(stats []Stats) {
	for _, s := range stats {
		m.mu.Lock()
		if _, ok := m.entries.Get(s.Host); ok {
			m.mu.Unlock()
			continue
		}
		e := &entry{
			successes:  s.Successes,
			failures:   s.Failures,
			total:      s.TotalRequests,
			emaLatency: s.AvgLatency.Seconds(),
			lastSeen:   s.LastSeen,
			lastStatus: s.LastStatus,
		}
		if len(s.PreferredHeaders) > 0 {
			e.goodHeaders = make(http.Header, len(s.PreferredHeaders))
			for k, v := range s.PreferredHeaders {
				e.goodHeaders.Set(k, v)
			}
		}
		m.entries.Add(s.Host, e)
		m.mu.Unlock()
	}
}

// Len reports the number of tracked hosts.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries.Len()
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

func defaultHeaders() http.Header {
	h := make(http.Header)
	h.Set("User-Agent", "smarthttp/"+version.Version())
	h.Set("Accept", "*/*")
	h.Set("Accept-Language", "en-US,en;q=0.5")
	return h
}
