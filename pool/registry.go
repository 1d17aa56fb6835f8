package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// RegistryOptions configures a Registry. Zero values pick defaults.
type RegistryOptions struct {
	MaxPools      int           // live host pools before LRU eviction (default: 16)
	SweepInterval time.Duration // period of the idle-endpoint sweep; negative disables (default: 30s)
	Pool          Options       // template for per-host pools
	Logger        zerolog.Logger
}

func (o *RegistryOptions) setDefaults() {
	if o.MaxPools == 0 {
		o.MaxPools = 16
	}
	if o.SweepInterval == 0 {
		o.SweepInterval = 30 * time.Second
	}
}

// poolEntry stamps recency atomically so cache hits never need the
// registry write lock.
type poolEntry struct {
	pool    *HostPool
	lastUse atomic.Int64 // unix nanos
}

func (e *poolEntry) touch() { e.lastUse.Store(time.Now().UnixNano()) }

// Registry maps host keys to their pools, creating pools lazily. It owns
// every pool and, transitively, every endpoint; callers borrow endpoints
// through Acquire and must return them through the owning pool.
//
// The registry is created at client construction and torn down with
// Close, so several independent clients can coexist in one process.
type Registry struct {
	factory Factory
	opts    RegistryOptions
	log     zerolog.Logger

	mu     sync.RWMutex
	pools  map[HostKey]*poolEntry
	closed bool

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewRegistry creates a registry backed by the given endpoint factory and
// starts the idle sweep if configured.
func NewRegistry(factory Factory, opts RegistryOptions) *Registry {
	opts.setDefaults()
	r := &Registry{
		factory: factory,
		opts:    opts,
		log:     opts.Logger,
		pools:   make(map[HostKey]*poolEntry),
	}
	if opts.SweepInterval > 0 {
		r.sweepStop = make(chan struct{})
		r.sweepDone = make(chan struct{})
		go r.sweepLoop()
	}
	return r
}

// Pool returns the pool for a host key, creating it atomically on first
// use. Two concurrent first-acquires for the same key observe the same
// pool. Creating a pool past MaxPools closes the least-recently-used one.
func (r *Registry) Pool(key HostKey) (*HostPool, error) {
	r.mu.RLock()
	entry, ok := r.pools[key]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrPoolClosed
	}
	if ok {
		entry.touch()
		return entry.pool, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrPoolClosed
	}
	// Re-check: another caller may have won the race.
	if entry, ok := r.pools[key]; ok {
		entry.touch()
		return entry.pool, nil
	}
	if len(r.pools) >= r.opts.MaxPools {
		r.evictOldestLocked()
	}
	opts := r.opts.Pool
	opts.Logger = r.log
	p := NewHostPool(key, r.factory, opts)
	entry = &poolEntry{pool: p}
	entry.touch()
	r.pools[key] = entry
	r.log.Debug().Str("host", key.String()).Int("pools", len(r.pools)).Msg("host pool created")
	return p, nil
}

// Acquire is shorthand for Pool(key).Acquire(ctx).
func (r *Registry) Acquire(ctx context.Context, key HostKey) (*Endpoint, error) {
	p, err := r.Pool(key)
	if err != nil {
		return nil, err
	}
	return p.Acquire(ctx)
}

// evictOldestLocked closes the least-recently-used pool. Caller holds the
// write lock.
func (r *Registry) evictOldestLocked() {
	var (
		oldestKey HostKey
		oldest    *poolEntry
	)
	for key, entry := range r.pools {
		if oldest == nil || entry.lastUse.Load() < oldest.lastUse.Load() {
			oldestKey, oldest = key, entry
		}
	}
	if oldest == nil {
		return
	}
	delete(r.pools, oldestKey)
	oldest.pool.Close()
	r.log.Debug().Str("host", oldestKey.String()).Msg("host pool evicted")
}

// Len reports the number of live pools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pools)
}

func (r *Registry) sweepLoop() {
	defer close(r.sweepDone)
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.mu.RLock()
			pools := make([]*HostPool, 0, len(r.pools))
			for _, entry := range r.pools {
				pools = append(pools, entry.pool)
			}
			r.mu.RUnlock()
			for _, p := range pools {
				if n := p.EvictIdle(); n > 0 {
					r.log.Debug().Str("host", p.Key().String()).Int("evicted", n).Msg("idle endpoints closed")
				}
			}
		case <-r.sweepStop:
			return
		}
	}
}

// Close stops the sweep and closes every pool. Safe to call once.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	pools := make([]*HostPool, 0, len(r.pools))
	for _, entry := range r.pools {
		pools = append(pools, entry.pool)
	}
	r.pools = make(map[HostKey]*poolEntry)
	r.mu.Unlock()

	if r.sweepStop != nil {
		close(r.sweepStop)
		<-r.sweepDone
	}
	for _, p := range pools {
		p.Close()
	}
}
