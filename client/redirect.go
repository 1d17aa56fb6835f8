package client

import (
	"fmt"
	"net/http"
)

// RedirectDecision is the verdict of the redirect resolver: follow to a
// derived attempt, or stop and surface the response.
type RedirectDecision struct {
	Follow bool
	Next   *Attempt
}

// RedirectResolver decides, as a pure function of a response and the
// original attempt, whether and how to re-issue the request at a new
// location. The redirect count is enforced by the orchestrator.
type RedirectResolver struct {
	// ForwardAuth keeps Authorization and Cookie headers on cross-origin
	// redirects. Off by default.
	ForwardAuth bool
}

// sensitiveHeaders are dropped on cross-origin redirects unless
// explicitly forwarded.
var sensitiveHeaders = []string{"Authorization", "Cookie", "Proxy-Authorization"}

// bodyHeaders describe the payload and are dropped when a redirect
// downgrades to a bodiless GET.
var bodyHeaders = []string{"Content-Length", "Content-Type", "Content-Encoding", "Transfer-Encoding"}

// Resolve inspects one response. 301/302/303 re-issue as GET with an
// empty body (HEAD is preserved); 307/308 re-issue with identical method
// and body, failing with ErrNonReplayableBody when the body cannot be
// replayed. Relative Location values resolve against the attempt URL.
func (r RedirectResolver) Resolve(att *Attempt, out *Outcome) (RedirectDecision, error) {
	if !out.HasResponse() {
		return RedirectDecision{}, nil
	}
	switch out.Status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
	default:
		return RedirectDecision{}, nil
	}

	location := out.Header.Get("Location")
	if location == "" {
		return RedirectDecision{}, nil
	}
	target, err := att.URL.Parse(location)
	if err != nil {
		return RedirectDecision{}, fmt.Errorf("resolve redirect location %q: %w", location, err)
	}

	next := &Attempt{
		Method: att.Method,
		URL:    target,
		Header: cloneHeader(att.Header),
	}

	switch out.Status {
	case http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		// Method and body preserved verbatim.
		if att.Body != nil {
			if att.GetBody == nil {
				return RedirectDecision{}, ErrNonReplayableBody
			}
			body, err := att.GetBody()
			if err != nil {
				return RedirectDecision{}, fmt.Errorf("replay body for redirect: %w", err)
			}
			next.Body = body
			next.GetBody = att.GetBody
		}
	default:
		// 301/302/303 downgrade to a bodiless GET; HEAD stays HEAD.
		if att.Method != http.MethodHead {
			next.Method = http.MethodGet
		}
		for _, h := range bodyHeaders {
			next.Header.Del(h)
		}
	}

	if crossOrigin(att, next) && !r.ForwardAuth {
		for _, h := range sensitiveHeaders {
			next.Header.Del(h)
		}
	}
	return RedirectDecision{Follow: true, Next: next}, nil
}

// crossOrigin reports whether the redirect leaves the original host.
func crossOrigin(from, to *Attempt) bool {
	return from.URL.Hostname() != to.URL.Hostname()
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
