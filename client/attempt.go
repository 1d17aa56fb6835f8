package client

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Attempt is one concrete request the engine will hand to the transport:
// method, URL, headers and an optionally replayable body. Retries re-use
// the same Attempt after rewinding the body; redirects derive a new one.
type Attempt struct {
	Method string
	URL    *url.URL
	Header http.Header

	// Body is the request body for the next send, consumed once.
	Body io.ReadCloser

	// GetBody re-creates the body from the start. Nil with a non-nil Body
	// means the body is a one-shot stream that cannot be replayed.
	GetBody func() (io.ReadCloser, error)

	// Index counts sends of this attempt within the current redirect hop,
	// starting at 0.
	Index int
}

// NewAttempt builds an attempt from a raw URL and an optional body.
// Bodies backed by a buffer (*bytes.Buffer, *bytes.Reader,
// *strings.Reader) are snapshotted and replayable; any other reader is
// consumed once and cannot be replayed across a retry or a 307/308
// redirect.
func NewAttempt(method, rawurl string, header http.Header, body io.Reader) (*Attempt, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if method == "" {
		method = http.MethodGet
	}
	att := &Attempt{
		Method: strings.ToUpper(method),
		URL:    u,
		Header: make(http.Header),
	}
	for k, vs := range header {
		att.Header[k] = append([]string(nil), vs...)
	}

	switch b := body.(type) {
	case nil:
	case *bytes.Buffer:
		buf := b.Bytes()
		att.Body = io.NopCloser(bytes.NewReader(buf))
		att.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(buf)), nil
		}
	case *bytes.Reader:
		snapshot := *b
		att.Body = io.NopCloser(b)
		att.GetBody = func() (io.ReadCloser, error) {
			r := snapshot
			return io.NopCloser(&r), nil
		}
	case *strings.Reader:
		snapshot := *b
		att.Body = io.NopCloser(b)
		att.GetBody = func() (io.ReadCloser, error) {
			r := snapshot
			return io.NopCloser(&r), nil
		}
	default:
		rc, ok := body.(io.ReadCloser)
		if !ok {
			rc = io.NopCloser(body)
		}
		att.Body = rc
	}
	return att, nil
}

// Replayable reports whether the body can be re-read from the start.
// Bodiless attempts are trivially replayable.
func (a *Attempt) Replayable() bool {
	return a.Body == nil || a.GetBody != nil
}

// Rewind resets the body for another send. It fails with
// ErrNonReplayableBody when the body is a consumed one-shot stream.
func (a *Attempt) Rewind() error {
	if a.Body == nil {
		return nil
	}
	if a.GetBody == nil {
		return ErrNonReplayableBody
	}
	body, err := a.GetBody()
	if err != nil {
		return fmt.Errorf("rewind body: %w", err)
	}
	a.Body = body
	return nil
}

// OutcomeKind is the terminal classification of one attempt.
type OutcomeKind int

const (
	// KindResponse means a complete HTTP response was received,
	// regardless of status code.
	KindResponse OutcomeKind = iota
	// KindTransportError means a connection-level failure.
	KindTransportError
	// KindTimeout means the attempt deadline elapsed.
	KindTimeout
)

// Outcome is what one attempt produced. Never mutated after creation.
type Outcome struct {
	Kind    OutcomeKind
	Status  int
	Header  http.Header
	Body    []byte
	Err     error
	Latency time.Duration

	// Wrote reports whether any request bytes may have reached the wire.
	// Needed to decide retry safety for non-idempotent methods.
	Wrote bool

	// Truncated reports that Body was cut at the transport's response
	// size cap and is incomplete.
	Truncated bool
}

// HasResponse reports whether a complete response was received.
func (o *Outcome) HasResponse() bool {
	return o != nil && o.Kind == KindResponse
}

// bodySample returns the leading bytes of the response body for
// fingerprinting.
func (o *Outcome) bodySample() []byte {
	const sampleLen = 2048
	if o == nil || len(o.Body) <= sampleLen {
		if o == nil {
			return nil
		}
		return o.Body
	}
	return o.Body[:sampleLen]
}
