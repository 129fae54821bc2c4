package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

type countingObserver struct {
	hits, misses atomic.Int64
}

func (o *countingObserver) CacheHit(string)  { o.hits.Add(1) }
func (o *countingObserver) CacheMiss(string) { o.misses.Add(1) }

func TestTTL_ExpiresAfterTTL(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := NewTTL[int](60*time.Second, WithClock(clock.Now))

	c.Set("openai", 1)
	v, ok := c.Get("openai")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	clock.Advance(59 * time.Second)
	_, ok = c.Get("openai")
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = c.Get("openai")
	assert.False(t, ok)
}

func TestTTL_GetOrLoadCachesResult(t *testing.T) {
	obs := &countingObserver{}
	c := NewTTL[string](time.Minute, WithObserver(obs))

	calls := 0
	load := func() (string, error) {
		calls++
		return "metrics", nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.GetOrLoad("anthropic", load)
		require.NoError(t, err)
		assert.Equal(t, "metrics", v)
	}

	assert.Equal(t, 1, calls)
	assert.Equal(t, int64(2), obs.hits.Load())
	assert.Equal(t, int64(1), obs.misses.Load())
}

func TestTTL_InvalidateForcesReload(t *testing.T) {
	c := NewTTL[int](time.Minute)
	n := 0
	load := func() (int, error) {
		n++
		return n, nil
	}

	v, _ := c.GetOrLoad("k", load)
	assert.Equal(t, 1, v)

	c.Invalidate("k")
	v, _ = c.GetOrLoad("k", load)
	assert.Equal(t, 2, v)

	c.InvalidateAll()
	assert.Zero(t, c.Len())
	v, _ = c.GetOrLoad("k", load)
	assert.Equal(t, 3, v)
}

func TestTTL_LoadErrorIsNotCached(t *testing.T) {
	c := NewTTL[int](time.Minute)
	boom := errors.New("boom")

	_, err := c.GetOrLoad("k", func() (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, c.Len())

	v, err := c.GetOrLoad("k", func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestTTL_InvalidationDuringLoadWins(t *testing.T) {
	c := NewTTL[int](time.Minute)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		_, _ = c.GetOrLoad("k", func() (int, error) {
			close(started)
			<-release
			return 1, nil
		})
	}()

	<-started
	c.Invalidate("k")
	close(release)
	<-done

	// The stale load must not have been stored.
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestTTL_ConcurrentMissesShareOneLoad(t *testing.T) {
	c := NewTTL[int](time.Minute)

	var calls atomic.Int32
	gate := make(chan struct{})
	load := func() (int, error) {
		calls.Add(1)
		<-gate
		return 42, nil
	}

	var wg sync.WaitGroup
	results := make([]int, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrLoad("shared", load)
			if err == nil {
				results[i] = v
			}
		}(i)
	}

	// Give the goroutines time to pile up behind the first load.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		assert.Equal(t, 42, v)
	}
}
