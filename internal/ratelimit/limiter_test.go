package ratelimit

import (
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

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func TestBucketDrainAndRefill(t *testing.T) {
	clock := newClock()
	l := New(BucketConfig{}, map[string]BucketConfig{"price": {Capacity: 5, RefillRate: 1}}).WithClock(clock.Now)

	for i := 0; i < 5; i++ {
		require.True(t, l.TryConsume("price", 1), "consume %d", i)
	}
	assert.False(t, l.TryConsume("price", 1))

	clock.Advance(2 * time.Second)
	assert.True(t, l.TryConsume("price", 2))
	assert.False(t, l.TryConsume("price", 1))
}

func TestRefillNeedsOneInterval(t *testing.T) {
	clock := newClock()
	l := New(BucketConfig{}, map[string]BucketConfig{"mint": {Capacity: 2, RefillRate: 4}}).WithClock(clock.Now)

	require.True(t, l.TryConsume("mint", 2))
	clock.Advance(200 * time.Millisecond)
	assert.False(t, l.TryConsume("mint", 1), "1/refill_rate has not elapsed")
	clock.Advance(50 * time.Millisecond)
	assert.True(t, l.TryConsume("mint", 1))
}

func TestTokensNeverExceedCapacity(t *testing.T) {
	clock := newClock()
	l := New(BucketConfig{Capacity: 3, RefillRate: 10}, nil).WithClock(clock.Now)

	for i := 0; i < 10; i++ {
		assert.True(t, l.TryConsume("any", 0))
		clock.Advance(time.Second)
		assert.LessOrEqual(t, l.Tokens("any"), 3.0)
	}
	assert.InDelta(t, 3.0, l.Tokens("any"), 1e-9)
}

func TestZeroRefillOnlyServesCapacity(t *testing.T) {
	clock := newClock()
	l := New(BucketConfig{Capacity: 3}, nil).WithClock(clock.Now)

	allowed := 0
	for i := 0; i < 10; i++ {
		if l.TryConsume("transaction", 1) {
			allowed++
		}
		clock.Advance(time.Second)
	}
	assert.Equal(t, 3, allowed)
	assert.Equal(t, Never, l.TimeToAvailable("transaction", 1))
}

func TestZeroRefillReportsRemainingCapacity(t *testing.T) {
	clock := newClock()
	l := New(BucketConfig{}, map[string]BucketConfig{"price_update": {Capacity: 5}}).WithClock(clock.Now)

	assert.Equal(t, 5.0, l.Tokens("price_update"))
	assert.Equal(t, time.Duration(0), l.TimeToAvailable("price_update", 1))
	assert.Equal(t, time.Duration(0), l.TimeToAvailable("price_update", 5))

	require.True(t, l.TryConsume("price_update", 2))
	assert.Equal(t, 3.0, l.Tokens("price_update"))
	assert.Equal(t, time.Duration(0), l.TimeToAvailable("price_update", 3))
	assert.Equal(t, Never, l.TimeToAvailable("price_update", 4))

	clock.Advance(time.Hour)
	assert.Equal(t, 3.0, l.Tokens("price_update"))
	assert.Equal(t, []BucketState{{Key: "price_update", Capacity: 5, Tokens: 3}}, l.Snapshot())
}

func TestRequestLargerThanCapacity(t *testing.T) {
	l := New(BucketConfig{Capacity: 2, RefillRate: 100}, nil)
	assert.False(t, l.TryConsume("x", 3))
	assert.Equal(t, Never, l.TimeToAvailable("x", 3))
}

func TestTimeToAvailable(t *testing.T) {
	clock := newClock()
	l := New(BucketConfig{Capacity: 4, RefillRate: 2}, nil).WithClock(clock.Now)

	assert.Equal(t, time.Duration(0), l.TimeToAvailable("k", 4))
	require.True(t, l.TryConsume("k", 4))
	assert.Equal(t, 500*time.Millisecond, l.TimeToAvailable("k", 1))
	assert.Equal(t, 1500*time.Millisecond, l.TimeToAvailable("k", 3))
}

func TestBucketsAreIndependent(t *testing.T) {
	clock := newClock()
	l := New(BucketConfig{Capacity: 1}, nil).WithClock(clock.Now)

	assert.True(t, l.TryConsume("a", 1))
	assert.False(t, l.TryConsume("a", 1))
	assert.True(t, l.TryConsume("b", 1))

	states := l.Snapshot()
	require.Len(t, states, 2)
	assert.Equal(t, "a", states[0].Key)
	assert.Equal(t, 1, states[0].Capacity)
}

func TestConcurrentConsumeNeverOverAdmits(t *testing.T) {
	clock := newClock()
	l := New(BucketConfig{Capacity: 100}, nil).WithClock(clock.Now)

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if l.TryConsume("hot", 1) {
					admitted.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(100), admitted.Load())
}
