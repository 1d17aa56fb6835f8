package memory

import (
	"bytes"
)

// Classification is the verdict on one response: the requested content, a
// bot-mitigation challenge, or an outright block.
type Classification int

const (
	Normal Classification = iota
	Challenge
	Blocked
)

// String returns a human-readable classification name.
func (c Classification) String() string {
	switch c {
	case Challenge:
		return "challenge"
	case Blocked:
		return "blocked"
	default:
		return "normal"
	}
}

// challengeMarkers are body fingerprints of common verification gates.
var challengeMarkers = [][]byte{
	[]byte("cloudflare"),
	[]byte("captcha"),
	[]byte("turnstile"),
	[]byte("challenge-platform"),
}

// Classify inspects a response against the host's historical baseline.
// The heuristics follow three signals: status code, body fingerprints,
// and body size collapse relative to the host's average successful
// response.
func (m *Memory) Classify(host string, obs Observation) Classification {
	e, ok := m.peek(host)
	if !ok {
		e = nil
	}
	return m.classify(e, obs)
}

func (m *Memory) classify(e *entry, obs Observation) Classification {
	if obs.Err != nil || obs.Timeout || obs.Status == 0 {
		return Normal // transport failures are not challenge signals
	}

	sample := bytes.ToLower(obs.BodySample)
	fingerprinted := false
	for _, marker := range challengeMarkers {
		if bytes.Contains(sample, marker) {
			fingerprinted = true
			break
		}
	}

	switch {
	case obs.Status == 403 || obs.Status == 429:
		if fingerprinted {
			return Challenge
		}
		return Blocked
	case obs.Status >= 200 && obs.Status < 300:
		// A 200 that is dramatically smaller than the host's baseline and
		// carries a challenge fingerprint is a gate, not content.
		if fingerprinted && e != nil {
			e.mu.Lock()
			baseline := e.avgBodySize
			e.mu.Unlock()
			if baseline > 0 && float64(obs.BodySize) < baseline*0.25 {
				return Challenge
			}
		}
		return Normal
	default:
		return Normal
	}
}
