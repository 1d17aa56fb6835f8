package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nexora/smarthttp/memory"
	"github.com/nexora/smarthttp/pool"
)

// Config configures a Client. Zero values pick defaults.
type Config struct {
	// MaxRetries is the hard maximum of additional attempts per redirect
	// hop (default: 3). Domain memory may narrow the effective budget for
	// struggling hosts but never widens past this.
	MaxRetries int

	// MaxRedirects bounds redirect hops per logical request, independent
	// of the retry budget (default: 10).
	MaxRedirects int

	// PreserveRetryBudgetAcrossRedirects carries the retry counter over a
	// redirect hop instead of resetting it (default: reset per hop).
	PreserveRetryBudgetAcrossRedirects bool

	// Connection pool settings.
	PoolMaxSize        int           // endpoints per host (default: 10)
	PoolAcquireTimeout time.Duration // default: 30s
	MaxIdleTime        time.Duration // idle endpoint lifetime (default: 90s)
	MaxPools           int           // live host pools (default: 16)
	SweepInterval      time.Duration // idle sweep period (default: 30s)

	// Retry backoff settings.
	BaseDelay         time.Duration // default: 500ms
	MaxDelay          time.Duration // default: 30s
	RetryableStatuses []int         // default: 429, 500, 502, 503, 504
	SafeMethods       []string      // non-idempotent methods marked safe to retry

	// ForwardAuthAcrossRedirect keeps Authorization and Cookie headers on
	// cross-origin redirects.
	ForwardAuthAcrossRedirect bool

	// AdaptiveOptimization merges domain-memory header suggestions into
	// requests and lets memory narrow retry budgets per host.
	AdaptiveOptimization bool

	// AdaptivePacing rate-limits requests to hosts with a poor recent
	// record, using the host's observed latency.
	AdaptivePacing bool

	// MemoryMaxEntries caps the number of hosts tracked by domain memory
	// (default: 256).
	MemoryMaxEntries int

	// Advisor is an optional remote backend consulted for header advice
	// on struggling hosts.
	Advisor memory.Backend

	// Transport overrides the default per-endpoint HTTP transport.
	Transport Transport

	// Factory overrides the default endpoint factory.
	Factory pool.Factory

	Logger zerolog.Logger
}

func (c *Config) setDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.MaxRedirects == 0 {
		c.MaxRedirects = 10
	}
	if c.PoolMaxSize == 0 {
		c.PoolMaxSize = 10
	}
	if c.PoolAcquireTimeout == 0 {
		c.PoolAcquireTimeout = 30 * time.Second
	}
	if c.MaxIdleTime == 0 {
		c.MaxIdleTime = 90 * time.Second
	}
	if c.MaxPools == 0 {
		c.MaxPools = 16
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.RetryableStatuses == nil {
		c.RetryableStatuses = []int{429, 500, 502, 503, 504}
	}
	if c.Transport == nil {
		c.Transport = &HTTPTransport{}
	}
	if c.Factory == nil {
		c.Factory = &EndpointFactory{}
	}
}

// Response is the final result of one logical request.
type Response struct {
	Status    int
	Header    http.Header
	Body      []byte
	URL       *url.URL // URL of the final attempt, after redirects
	Attempts  int      // total attempts made, across retries and redirects
	Redirects int
	Elapsed   time.Duration
	RateLimit *RateLimitInfo // parsed throttling info, nil if absent
	Truncated bool           // Body was cut at the transport's response size cap
}

// Client drives logical requests through the pool, the transport, and
// the retry/redirect policies, recording every outcome into domain
// memory. Safe for concurrent use by many goroutines.
type Client struct {
	cfg      Config
	registry *pool.Registry
	tr       Transport
	retry    RetryPolicy
	redirect RedirectResolver
	mem      *memory.Memory
	log      zerolog.Logger
}

// New creates a Client. Close must be called to release pooled
// connections.
func New(cfg Config) (*Client, error) {
	cfg.setDefaults()
	mem, err := memory.New(memory.Options{
		MaxEntries: cfg.MemoryMaxEntries,
		Backend:    cfg.Advisor,
		Logger:     cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	registry := pool.NewRegistry(cfg.Factory, pool.RegistryOptions{
		MaxPools:      cfg.MaxPools,
		SweepInterval: cfg.SweepInterval,
		Logger:        cfg.Logger,
		Pool: pool.Options{
			MaxSize:        cfg.PoolMaxSize,
			AcquireTimeout: cfg.PoolAcquireTimeout,
			MaxIdleTime:    cfg.MaxIdleTime,
			Logger:         cfg.Logger,
		},
	})
	return &Client{
		cfg:      cfg,
		registry: registry,
		tr:       cfg.Transport,
		retry:    newRetryPolicy(cfg),
		redirect: RedirectResolver{ForwardAuth: cfg.ForwardAuthAcrossRedirect},
		mem:      mem,
		log:      cfg.Logger,
	}, nil
}

// Execute performs one logical request. The body may be nil; buffer-backed
// bodies are replayable across retries and redirects, arbitrary streams
// are not.
func (c *Client) Execute(ctx context.Context, method, rawurl string, header http.Header, body io.Reader) (*Response, error) {
	att, err := NewAttempt(method, rawurl, header, body)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, att)
}

// Get is shorthand for a bodiless GET.
func (c *Client) Get(ctx context.Context, rawurl string) (*Response, error) {
	return c.Execute(ctx, http.MethodGet, rawurl, nil, nil)
}

// DomainInsights returns the read-only domain memory snapshot for a host.
func (c *Client) DomainInsights(host string) memory.Stats {
	return c.mem.Insights(host)
}

// Memory exposes the client's domain memory, e.g. for persistence.
func (c *Client) Memory() *memory.Memory { return c.mem }

// Close tears down the pool registry, closing all owned endpoints.
func (c *Client) Close() {
	c.registry.Close()
}

// Do runs the orchestration state machine for one prepared attempt:
//
//	Start -> Sending -> {Success, Retrying, Redirecting, Failed}
//
// Within one logical request attempts are strictly sequential. An
// endpoint is always released, to Idle or Closed, on every exit path.
func (c *Client) Do(ctx context.Context, att *Attempt) (*Response, error) {
	start := time.Now()
	log := c.log.With().Str("request_id", uuid.NewString()).Logger()

	var (
		last      *Outcome
		attempts  int
		retries   int
		redirects int
	)

	fail := func(reason error) (*Response, error) {
		err := &RequestError{Reason: reason, Attempts: attempts, Elapsed: time.Since(start), Last: last}
		log.Debug().Err(err).Int("attempts", attempts).Msg("request failed")
		return nil, err
	}

	for {
		if ctx.Err() != nil {
			return fail(ErrCancelled)
		}

		key := pool.KeyForURL(att.URL)
		host := att.URL.Hostname()

		if c.cfg.AdaptivePacing {
			if err := c.mem.Pace(ctx, host); err != nil {
				return fail(ErrCancelled)
			}
		}
		if c.cfg.AdaptiveOptimization {
			for k, vs := range c.mem.SuggestHeaders(ctx, host) {
				if att.Header.Get(k) == "" {
					att.Header[k] = vs
				}
			}
		}

		p, err := c.registry.Pool(key)
		if err != nil {
			return fail(err)
		}
		ep, err := p.Acquire(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return fail(ErrCancelled)
			}
			return fail(err)
		}

		attempts++
		out := c.send(ctx, p, ep, att)
		last = out

		c.mem.Record(host, memory.Observation{
			Status:        out.Status,
			Header:        out.Header,
			RequestHeader: att.Header,
			BodySize:      len(out.Body),
			BodySample:    out.bodySample(),
			Latency:       out.Latency,
			Err:           out.Err,
			Timeout:       out.Kind == KindTimeout,
		})
		if anomalous, reason := c.mem.Anomalous(host, memory.Observation{
			Status:     out.Status,
			BodySize:   len(out.Body),
			BodySample: out.bodySample(),
			Latency:    out.Latency,
		}); anomalous {
			log.Warn().Str("host", host).Str("reason", reason).Int("status", out.Status).
				Msg("anomalous response")
		}

		if ctx.Err() != nil {
			return fail(ErrCancelled)
		}

		// Redirecting?
		dec, err := c.redirect.Resolve(att, out)
		if err != nil {
			return fail(err)
		}
		if dec.Follow {
			redirects++
			if redirects > c.cfg.MaxRedirects {
				return fail(ErrTooManyRedirects)
			}
			log.Debug().Int("status", out.Status).Str("location", dec.Next.URL.String()).
				Int("redirects", redirects).Msg("following redirect")
			att = dec.Next
			if !c.cfg.PreserveRetryBudgetAcrossRedirects {
				retries = 0
			}
			continue
		}

		// Retrying?
		budget := c.effectiveBudget(host)
		rd := c.retry.Decide(att, out, retries, budget)
		if rd.Retry {
			retries++
			if err := att.Rewind(); err != nil {
				return fail(err)
			}
			log.Debug().Int("attempt", attempts).Int("hop_sends", att.Index).
				Dur("delay", rd.Delay).Str("reason", rd.Reason).Msg("retrying")
			if err := sleep(ctx, rd.Delay); err != nil {
				return fail(ErrCancelled)
			}
			continue
		}

		// Terminal. A received response is returned to the caller even
		// with an error status, unless a retryable condition ran the
		// budget dry.
		if out.HasResponse() {
			if retries >= budget && c.retry.retryableOutcome(out) {
				return fail(ErrRetryBudgetExhausted)
			}
			log.Debug().Int("status", out.Status).Int("attempts", attempts).
				Dur("elapsed", time.Since(start)).Msg("request complete")
			if out.Truncated {
				log.Warn().Str("url", att.URL.String()).Int("bytes", len(out.Body)).
					Msg("response body truncated at size cap")
			}
			return &Response{
				Status:    out.Status,
				Header:    out.Header,
				Body:      out.Body,
				URL:       att.URL,
				Attempts:  attempts,
				Redirects: redirects,
				Elapsed:   time.Since(start),
				RateLimit: ParseRateLimitHeaders(out.Header),
				Truncated: out.Truncated,
			}, nil
		}
		if retries >= budget && c.retry.retryableOutcome(out) {
			return fail(ErrRetryBudgetExhausted)
		}
		return fail(out.Err)
	}
}

// send issues one attempt and guarantees the endpoint is released on
// every exit path, including a panicking transport. The endpoint goes
// back to Idle only after a completed response with no cancellation in
// flight; anything else closes it, since its wire state is unknown.
func (c *Client) send(ctx context.Context, p *pool.HostPool, ep *pool.Endpoint, att *Attempt) *Outcome {
	released := false
	defer func() {
		if !released {
			_ = p.Release(ep, false)
		}
	}()

	out := c.tr.Send(ctx, ep, att)
	att.Index++

	reusable := out.HasResponse() && ctx.Err() == nil && c.tr.IsReusable(ep)
	released = true
	_ = p.Release(ep, reusable)
	return out
}

// effectiveBudget applies the bounded domain-memory adjustment to the
// configured retry maximum. The result never exceeds MaxRetries.
func (c *Client) effectiveBudget(host string) int {
	budget := c.cfg.MaxRetries
	if c.cfg.AdaptiveOptimization {
		budget += c.mem.BudgetAdjustment(host)
	}
	if budget < 0 {
		budget = 0
	}
	return budget
}

// sleep waits for the backoff delay without blocking unrelated requests,
// returning early when ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
