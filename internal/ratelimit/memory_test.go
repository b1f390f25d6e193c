package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newMemory(t *testing.T, rate float64, burst int) (*MemoryLimiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemoryLimiter(rate, burst)
	m.now = clock.now
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m, clock
}

func allowN(t *testing.T, l Limiter, key string, n int) int {
	t.Helper()
	allowed := 0
	for range n {
		ok, err := l.Allow(context.Background(), key)
		require.NoError(t, err)
		if ok {
			allowed++
		}
	}
	return allowed
}

func TestMemoryLimiterBurstThenDeny(t *testing.T) {
	m, _ := newMemory(t, 1, 3)
	assert.Equal(t, 3, allowN(t, m, "account:a", 5))
}

func TestMemoryLimiterRefill(t *testing.T) {
	m, clock := newMemory(t, 2, 2)
	assert.Equal(t, 2, allowN(t, m, "k", 2))
	assert.Zero(t, allowN(t, m, "k", 1))

	clock.advance(500 * time.Millisecond)
	assert.Equal(t, 1, allowN(t, m, "k", 2))

	clock.advance(time.Hour)
	assert.Equal(t, 2, allowN(t, m, "k", 5), "tokens cap at burst after idling")
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	m, _ := newMemory(t, 1, 1)
	assert.Equal(t, 1, allowN(t, m, "a", 2))
	assert.Equal(t, 1, allowN(t, m, "b", 2))
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m, _ := newMemory(t, 1, 50)
	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := 0
			for range 10 {
				if ok, _ := m.Allow(context.Background(), "shared"); ok {
					n++
				}
			}
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, total)
}

func TestMemoryLimiterSweep(t *testing.T) {
	m, clock := newMemory(t, 1, 5)
	allowN(t, m, "old", 1)
	clock.advance(idleAfter + time.Second)
	allowN(t, m, "new", 1)

	m.sweep()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.buckets, "old")
	assert.Contains(t, m.buckets, "new")
}

func TestNoopLimiter(t *testing.T) {
	var l NoopLimiter
	assert.Equal(t, 100, allowN(t, l, "x", 100))
	assert.NoError(t, l.Close())
}
