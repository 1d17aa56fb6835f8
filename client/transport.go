package client

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/nexora/smarthttp/pool"
)

// Transport sends one attempt over one endpoint. Implementations must not
// retry internally; all retry logic lives in the orchestrator. The engine
// is transport-version-agnostic: HTTP/1.1, HTTP/2 or anything else plugs
// in behind this interface.
type Transport interface {
	// Send issues the attempt once and reports the outcome. The outcome
	// must distinguish "nothing was sent" from "request possibly sent"
	// via Outcome.Wrote.
	Send(ctx context.Context, ep *pool.Endpoint, att *Attempt) *Outcome

	// IsReusable reports whether the endpoint can serve another request
	// after a completed response.
	IsReusable(ep *pool.Endpoint) bool
}

// HTTPTransport is the default transport. Each endpoint's handle is a
// dedicated single-connection http.Transport, so pool accounting maps
// one endpoint to one physical connection.
type HTTPTransport struct {
	// MaxResponseBytes caps how much of a response body is read into
	// memory. Zero means 16 MiB.
	MaxResponseBytes int64
}

const defaultMaxResponseBytes = 16 << 20

// Send performs a single round trip and reads the full response body.
func (t *HTTPTransport) Send(ctx context.Context, ep *pool.Endpoint, att *Attempt) *Outcome {
	rt, ok := ep.Handle().(http.RoundTripper)
	if !ok {
		return &Outcome{
			Kind: KindTransportError,
			Err:  errors.New("endpoint handle is not a RoundTripper"),
		}
	}

	req := &http.Request{
		Method: att.Method,
		URL:    att.URL,
		Header: att.Header,
		Body:   att.Body,
		Host:   att.URL.Host,
	}
	req = req.WithContext(ctx)

	start := time.Now()
	resp, err := rt.RoundTrip(req)
	latency := time.Since(start)

	if err != nil {
		out := &Outcome{
			Err:     err,
			Latency: latency,
			Wrote:   wroteRequest(err),
		}
		if isTimeout(ctx, err) {
			out.Kind = KindTimeout
		} else {
			out.Kind = KindTransportError
		}
		return out
	}

	limit := t.MaxResponseBytes
	if limit == 0 {
		limit = defaultMaxResponseBytes
	}
	// Read one byte past the cap so a body at exactly the limit is not
	// reported as truncated.
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if readErr != nil {
		return &Outcome{
			Kind:    KindTransportError,
			Err:     readErr,
			Latency: time.Since(start),
			Wrote:   true,
		}
	}
	truncated := int64(len(body)) > limit
	if truncated {
		body = body[:limit]
	}

	return &Outcome{
		Kind:      KindResponse,
		Status:    resp.StatusCode,
		Header:    resp.Header,
		Body:      body,
		Latency:   time.Since(start),
		Wrote:     true,
		Truncated: truncated,
	}
}

// IsReusable always reports true: the per-endpoint http.Transport keeps
// its connection alive across requests and re-dials transparently if the
// server closed it.
func (t *HTTPTransport) IsReusable(ep *pool.Endpoint) bool { return true }

// wroteRequest reports whether any request bytes may have reached the
// wire. Dial-phase failures definitively sent nothing; everything else is
// treated as possibly sent.
func wroteRequest(err error) bool {
	var op *net.OpError
	if errors.As(err, &op) && op.Op == "dial" {
		return false
	}
	return true
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if ctx.Err() == context.DeadlineExceeded {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// EndpointFactory creates endpoints whose handle is a single-connection
// http.Transport, giving the pool real per-connection accounting.
type EndpointFactory struct {
	DialTimeout           time.Duration // default: 10s
	TLSHandshakeTimeout   time.Duration // default: 10s
	ResponseHeaderTimeout time.Duration // default: 30s
	DisableHTTP2          bool
}

// Create builds an endpoint for the host key. Dialing is lazy; connection
// failures surface on the first send as a transport error with
// Wrote=false.
func (f *EndpointFactory) Create(key pool.HostKey) (*pool.Endpoint, error) {
	dialTimeout := f.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 10 * time.Second
	}
	tlsTimeout := f.TLSHandshakeTimeout
	if tlsTimeout == 0 {
		tlsTimeout = 10 * time.Second
	}
	headerTimeout := f.ResponseHeaderTimeout
	if headerTimeout == 0 {
		headerTimeout = 30 * time.Second
	}

	tr := &http.Transport{
		MaxConnsPerHost:     1,
		MaxIdleConns:        1,
		MaxIdleConnsPerHost: 1,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   tlsTimeout,
		ResponseHeaderTimeout: headerTimeout,
		ForceAttemptHTTP2:     !f.DisableHTTP2,
	}
	return pool.NewEndpoint(key, tr, tr.CloseIdleConnections), nil
}
