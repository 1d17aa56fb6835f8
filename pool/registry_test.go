package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keyFor(host string) HostKey {
	return HostKey{Scheme: "https", Host: host, Port: 443}
}

func TestRegistryCreatesPoolOnce(t *testing.T) {
	factory := &countingFactory{}
	r := NewRegistry(factory, RegistryOptions{SweepInterval: -1})
	defer r.Close()

	p1, err := r.Pool(keyFor("a.example.com"))
	require.NoError(t, err)
	p2, err := r.Pool(keyFor("a.example.com"))
	require.NoError(t, err)
	assert.Same(t, p1, p2)
	assert.Equal(t, 1, r.Len())
}

func TestRegistrySeparatePoolsPerOrigin(t *testing.T) {
	factory := &countingFactory{}
	r := NewRegistry(factory, RegistryOptions{SweepInterval: -1})
	defer r.Close()

	pa, err := r.Pool(keyFor("a.example.com"))
	require.NoError(t, err)
	pb, err := r.Pool(keyFor("b.example.com"))
	require.NoError(t, err)
	pc, err := r.Pool(HostKey{Scheme: "http", Host: "a.example.com", Port: 80})
	require.NoError(t, err)

	assert.NotSame(t, pa, pb)
	assert.NotSame(t, pa, pc)
	assert.Equal(t, 3, r.Len())
}

func TestRegistryConcurrentFirstUse(t *testing.T) {
	factory := &countingFactory{}
	r := NewRegistry(factory, RegistryOptions{SweepInterval: -1})
	defer r.Close()

	const workers = 16
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		pools = make(map[*HostPool]struct{})
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := r.Pool(keyFor("race.example.com"))
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			pools[p] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, pools, 1, "concurrent first-use must observe a single pool")
	assert.Equal(t, 1, r.Len())
}

func TestRegistryEvictsLRUPool(t *testing.T) {
	factory := &countingFactory{}
	r := NewRegistry(factory, RegistryOptions{MaxPools: 2, SweepInterval: -1})
	defer r.Close()

	pa, err := r.Pool(keyFor("a.example.com"))
	require.NoError(t, err)
	_, err = r.Pool(keyFor("b.example.com"))
	require.NoError(t, err)

	// Touch a so b becomes the oldest.
	time.Sleep(time.Millisecond)
	_, err = r.Pool(keyFor("a.example.com"))
	require.NoError(t, err)

	_, err = r.Pool(keyFor("c.example.com"))
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())

	// a survived the eviction; b was closed.
	pa2, err := r.Pool(keyFor("a.example.com"))
	require.NoError(t, err)
	assert.Same(t, pa, pa2)
}

func TestRegistryAcquireShorthand(t *testing.T) {
	factory := &countingFactory{}
	r := NewRegistry(factory, RegistryOptions{SweepInterval: -1})
	defer r.Close()

	ep, err := r.Acquire(context.Background(), keyFor("a.example.com"))
	require.NoError(t, err)
	assert.Equal(t, StateInUse, ep.State())

	p, err := r.Pool(keyFor("a.example.com"))
	require.NoError(t, err)
	require.NoError(t, p.Release(ep, true))
}

func TestRegistryCloseRejectsFurtherUse(t *testing.T) {
	factory := &countingFactory{}
	r := NewRegistry(factory, RegistryOptions{SweepInterval: -1})

	ep, err := r.Acquire(context.Background(), keyFor("a.example.com"))
	require.NoError(t, err)
	p, err := r.Pool(keyFor("a.example.com"))
	require.NoError(t, err)

	r.Close()

	_, err = r.Pool(keyFor("a.example.com"))
	assert.ErrorIs(t, err, ErrPoolClosed)

	require.NoError(t, p.Release(ep, true))
	assert.Equal(t, StateClosed, ep.State())
	assert.Equal(t, int64(0), factory.created.Load()-factory.closed.Load())
}

func TestRegistrySweepClosesIdleEndpoints(t *testing.T) {
	factory := &countingFactory{}
	r := NewRegistry(factory, RegistryOptions{
		SweepInterval: 20 * time.Millisecond,
		Pool:          Options{MaxIdleTime: 10 * time.Millisecond},
	})
	defer r.Close()

	ep, err := r.Acquire(context.Background(), keyFor("a.example.com"))
	require.NoError(t, err)
	p, err := r.Pool(keyFor("a.example.com"))
	require.NoError(t, err)
	require.NoError(t, p.Release(ep, true))

	assert.Eventually(t, func() bool {
		return p.Stats().Live == 0
	}, time.Second, 10*time.Millisecond, "sweep did not evict the idle endpoint")
}
