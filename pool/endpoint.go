package pool

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// State describes the lifecycle of an endpoint. An endpoint never moves
// from StateClosed back to StateIdle.
type State int

const (
	StateIdle State = iota
	StateInUse
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInUse:
		return "in-use"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// HostKey identifies one origin: scheme, host and port. Two URLs with the
// same key may share endpoints.
type HostKey struct {
	Scheme string
	Host   string
	Port   int
}

// KeyForURL derives the host key for a parsed URL, filling in the default
// port for http and https.
func KeyForURL(u *url.URL) HostKey {
	key := HostKey{
		Scheme: strings.ToLower(u.Scheme),
		Host:   strings.ToLower(u.Hostname()),
	}
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			key.Port = n
		}
	}
	if key.Port == 0 {
		switch key.Scheme {
		case "https":
			key.Port = 443
		default:
			key.Port = 80
		}
	}
	return key
}

// String formats the key as scheme://host:port.
func (k HostKey) String() string {
	return fmt.Sprintf("%s://%s:%d", k.Scheme, k.Host, k.Port)
}

// Address returns the host:port dial address for the key.
func (k HostKey) Address() string {
	return fmt.Sprintf("%s:%d", k.Host, k.Port)
}

// Endpoint represents one physical connection to one host. It carries an
// opaque transport handle; the pool only tracks identity, liveness and
// state. All state transitions happen under the owning pool's lock.
type Endpoint struct {
	key       HostKey
	handle    any
	closeFn   func()
	createdAt time.Time
	lastUsed  time.Time
	state     State
	owner     *HostPool
}

// NewEndpoint wraps a transport handle as a pool endpoint. closeFn is
// invoked exactly once when the endpoint transitions to StateClosed; it
// may be nil.
func NewEndpoint(key HostKey, handle any, closeFn func()) *Endpoint {
	now := time.Now()
	return &Endpoint{
		key:       key,
		handle:    handle,
		closeFn:   closeFn,
		createdAt: now,
		lastUsed:  now,
		state:     StateIdle,
	}
}

// Key returns the origin this endpoint connects to.
func (e *Endpoint) Key() HostKey { return e.key }

// Handle returns the opaque transport handle supplied at creation.
func (e *Endpoint) Handle() any { return e.handle }

// CreatedAt returns the endpoint creation time.
func (e *Endpoint) CreatedAt() time.Time { return e.createdAt }

// State reports the current lifecycle state. When the endpoint belongs to
// a pool the read is taken under the pool lock.
func (e *Endpoint) State() State {
	if e.owner == nil {
		return e.state
	}
	e.owner.mu.Lock()
	defer e.owner.mu.Unlock()
	return e.state
}

// closeLocked transitions the endpoint to StateClosed and releases the
// transport handle. Caller must hold the owning pool's lock.
func (e *Endpoint) closeLocked() {
	if e.state == StateClosed {
		return
	}
	e.state = StateClosed
	if e.closeFn != nil {
		e.closeFn()
	}
}
