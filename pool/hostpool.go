package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrPoolExhausted is returned when no endpoint becomes available
	// within the acquire timeout. The caller may retry later; the engine
	// never retries this automatically.
	ErrPoolExhausted = errors.New("pool: exhausted, no endpoint available")

	// ErrPoolClosed is returned by operations on a closed pool.
	ErrPoolClosed = errors.New("pool: closed")

	// ErrConnectFailed wraps endpoint factory failures.
	ErrConnectFailed = errors.New("pool: connect failed")

	// ErrForeignRelease is returned when an endpoint is released by a
	// caller that does not hold it, or released twice.
	ErrForeignRelease = errors.New("pool: release of endpoint not held")
)

// Factory creates endpoints for a host when the pool has capacity but no
// idle endpoint. Implementations may dial eagerly and fail with
// ErrConnectFailed, or hand out a lazily-connecting handle.
type Factory interface {
	Create(key HostKey) (*Endpoint, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(key HostKey) (*Endpoint, error)

// Create calls f.
func (f FactoryFunc) Create(key HostKey) (*Endpoint, error) { return f(key) }

// Options configures a HostPool. Zero values pick defaults.
type Options struct {
	MaxSize        int           // maximum non-closed endpoints per host (default: 10)
	AcquireTimeout time.Duration // how long Acquire waits before ErrPoolExhausted (default: 30s)
	MaxIdleTime    time.Duration // idle endpoints older than this are closed (default: 90s)
	Logger         zerolog.Logger
}

func (o *Options) setDefaults() {
	if o.MaxSize == 0 {
		o.MaxSize = 10
	}
	if o.AcquireTimeout == 0 {
		o.AcquireTimeout = 30 * time.Second
	}
	if o.MaxIdleTime == 0 {
		o.MaxIdleTime = 90 * time.Second
	}
}

// HostPool manages a bounded set of endpoints for a single host.
//
// Idle endpoints sit in a buffered channel used as a FIFO queue. A second
// buffered channel holds one capacity token per allowed endpoint: creating
// an endpoint consumes a token and closing one returns it, so a waiter
// blocked at capacity is woken by a freed slot just like by an idle
// endpoint. Counters and endpoint state are guarded by the pool mutex.
type HostPool struct {
	key     HostKey
	factory Factory
	opts    Options
	log     zerolog.Logger

	mu     sync.Mutex
	idle   chan *Endpoint
	slots  chan struct{} // capacity tokens; one held per non-closed endpoint
	live   int           // endpoints not in StateClosed
	closed bool
}

// NewHostPool creates an empty pool for one host. Endpoints are created
// lazily on Acquire.
func NewHostPool(key HostKey, factory Factory, opts Options) *HostPool {
	opts.setDefaults()
	p := &HostPool{
		key:     key,
		factory: factory,
		opts:    opts,
		log:     opts.Logger.With().Str("host", key.String()).Logger(),
		idle:    make(chan *Endpoint, opts.MaxSize),
		slots:   make(chan struct{}, opts.MaxSize),
	}
	for i := 0; i < opts.MaxSize; i++ {
		p.slots <- struct{}{}
	}
	return p
}

// Key returns the host this pool serves.
func (p *HostPool) Key() HostKey { return p.key }

// Stats is a point-in-time view of pool occupancy.
type Stats struct {
	Live int // non-closed endpoints (idle + in-use)
	Idle int
}

// Stats reports current occupancy.
func (p *HostPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Live: p.live, Idle: len(p.idle)}
}

// Acquire returns an endpoint in StateInUse, blocking until one is idle,
// capacity allows creating one, the acquire timeout elapses
// (ErrPoolExhausted), or ctx is done.
func (p *HostPool) Acquire(ctx context.Context) (*Endpoint, error) {
	timer := time.NewTimer(p.opts.AcquireTimeout)
	defer timer.Stop()

	for {
		// Fast path: reuse an idle endpoint.
		select {
		case ep := <-p.idle:
			if p.checkout(ep) {
				return ep, nil
			}
			continue // stale, discarded; its slot token is back in play
		default:
		}

		// Wait for an idle endpoint, a free slot, the timeout, or
		// cancellation. A non-reusable release and an eviction both
		// return a token, so waiters never miss freed capacity.
		select {
		case ep := <-p.idle:
			if p.checkout(ep) {
				return ep, nil
			}
		case <-p.slots:
			return p.create()
		case <-timer.C:
			return nil, fmt.Errorf("%w: host %s, waited %s",
				ErrPoolExhausted, p.key, p.opts.AcquireTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// checkout moves an idle endpoint to StateInUse, discarding it if the
// pool closed underneath it or it sat idle for too long.
func (p *HostPool) checkout(ep *Endpoint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || time.Since(ep.lastUsed) > p.opts.MaxIdleTime {
		p.closeEndpointLocked(ep)
		return false
	}
	ep.state = StateInUse
	return true
}

// create makes a new endpoint. The caller holds a slot token; on any
// failure the token is returned so another acquire can use the slot.
func (p *HostPool) create() (*Endpoint, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.slots <- struct{}{}
		return nil, ErrPoolClosed
	}
	p.live++
	p.mu.Unlock()

	ep, err := p.factory.Create(p.key)
	if err != nil {
		p.mu.Lock()
		p.live--
		p.mu.Unlock()
		p.slots <- struct{}{}
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	p.mu.Lock()
	ep.owner = p
	ep.state = StateInUse
	if p.closed {
		p.closeEndpointLocked(ep)
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	live := p.live
	p.mu.Unlock()

	p.log.Debug().Int("live", live).Msg("endpoint created")
	return ep, nil
}

// Release returns an endpoint to the pool. Reusable live endpoints go
// back to StateIdle; everything else is closed, freeing the slot for a
// future Acquire. Only the holder that acquired the endpoint may release
// it.
func (p *HostPool) Release(ep *Endpoint, reusable bool) error {
	p.mu.Lock()
	if ep.owner != p || ep.state != StateInUse {
		p.mu.Unlock()
		return ErrForeignRelease
	}
	if !reusable || p.closed {
		p.closeEndpointLocked(ep)
		p.mu.Unlock()
		return nil
	}
	ep.state = StateIdle
	ep.lastUsed = time.Now()
	p.mu.Unlock()

	select {
	case p.idle <- ep:
	default:
		// Queue full should be impossible (capacity == MaxSize); close
		// rather than block so Release never stalls a request.
		p.mu.Lock()
		p.closeEndpointLocked(ep)
		p.mu.Unlock()
	}
	return nil
}

// EvictIdle closes idle endpoints older than MaxIdleTime and reports how
// many were closed. Called by the registry sweep; Acquire also evicts
// lazily.
func (p *HostPool) EvictIdle() int {
	now := time.Now()
	evicted := 0
	for {
		select {
		case ep := <-p.idle:
			p.mu.Lock()
			if p.closed || now.Sub(ep.lastUsed) > p.opts.MaxIdleTime {
				p.closeEndpointLocked(ep)
				p.mu.Unlock()
				evicted++
				continue
			}
			p.mu.Unlock()
			// Still fresh: put it back and stop. FIFO order means the
			// remaining queue entries are at least as fresh.
			select {
			case p.idle <- ep:
			default:
				p.mu.Lock()
				p.closeEndpointLocked(ep)
				p.mu.Unlock()
				evicted++
			}
			return evicted
		default:
			return evicted
		}
	}
}

// Close closes all idle endpoints and marks the pool closed. In-use
// endpoints are closed as their holders release them.
func (p *HostPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case ep := <-p.idle:
			p.mu.Lock()
			p.closeEndpointLocked(ep)
			p.mu.Unlock()
		default:
			return
		}
	}
}

// closeEndpointLocked is the single place an endpoint leaves the live
// count. It returns the endpoint's capacity token, waking one waiter
// blocked in Acquire. Caller must hold p.mu; the send cannot block
// because every non-closed endpoint holds exactly one token.
func (p *HostPool) closeEndpointLocked(ep *Endpoint) {
	if ep.state == StateClosed {
		return
	}
	ep.closeLocked()
	p.live--
	p.slots <- struct{}{}
}
