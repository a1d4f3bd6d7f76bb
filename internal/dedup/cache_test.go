package dedup

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newClockedCache(capacity int) (*Cache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := NewCache(capacity)
	c.now = clock.Now
	return c, clock
}

func TestAdmitOncePerWindow(t *testing.T) {
	ctx := context.Background()
	c, clock := newClockedCache(10)

	assert.True(t, c.Admit(ctx, "k", 10*time.Second))
	assert.False(t, c.Admit(ctx, "k", 10*time.Second))

	clock.Advance(9 * time.Second)
	assert.False(t, c.Admit(ctx, "k", 10*time.Second), "still inside the window")

	clock.Advance(time.Second)
	assert.True(t, c.Admit(ctx, "k", 10*time.Second), "window elapsed")
}

func TestRejectionDoesNotExtendWindow(t *testing.T) {
	ctx := context.Background()
	c, clock := newClockedCache(10)

	require.True(t, c.Admit(ctx, "k", 10*time.Second))
	clock.Advance(8 * time.Second)
	require.False(t, c.Admit(ctx, "k", 10*time.Second))
	clock.Advance(2 * time.Second)
	assert.True(t, c.Admit(ctx, "k", 10*time.Second))
}

func TestKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	c, _ := newClockedCache(10)

	assert.True(t, c.Admit(ctx, MechanicKey(42, "10.0.0.1"), time.Minute))
	assert.True(t, c.Admit(ctx, MechanicKey(42, "10.0.0.2"), time.Minute))
	assert.True(t, c.Admit(ctx, MechanicKey(43, "10.0.0.1"), time.Minute))
	assert.False(t, c.Admit(ctx, MechanicKey(42, "10.0.0.1"), time.Minute))
}

func TestConcurrentAdmitSingleWinner(t *testing.T) {
	ctx := context.Background()
	c := NewCache(100)

	const callers = 64
	var wins int64
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if c.Admit(ctx, "shared", time.Minute) {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), wins)
	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Admitted)
	assert.Equal(t, int64(callers-1), stats.Rejected)
}

func TestCapacityEvictsLeastRecentlyTouched(t *testing.T) {
	ctx := context.Background()
	c, _ := newClockedCache(3)

	for _, k := range []string{"a", "b", "c"} {
		require.True(t, c.Admit(ctx, k, time.Hour))
	}
	// touch "a" so "b" becomes the oldest
	require.False(t, c.Admit(ctx, "a", time.Hour))
	require.True(t, c.Admit(ctx, "d", time.Hour))

	assert.Equal(t, 3, c.Len())
	assert.True(t, c.Admit(ctx, "b", time.Hour), "evicted key is admitted again")
	assert.False(t, c.Admit(ctx, "a", time.Hour))
	assert.Equal(t, int64(2), c.Stats().Evictions)
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	c, _ := newClockedCache(10)

	for i := 0; i < 5; i++ {
		c.Admit(ctx, fmt.Sprintf("k%d", i), time.Hour)
	}
	require.NoError(t, c.Reset(ctx))

	assert.Equal(t, 0, c.Len())
	for i := 0; i < 5; i++ {
		assert.True(t, c.Admit(ctx, fmt.Sprintf("k%d", i), time.Hour))
	}
}

func TestCleanupExpired(t *testing.T) {
	ctx := context.Background()
	c, clock := newClockedCache(10)

	c.Admit(ctx, "short", time.Second)
	c.Admit(ctx, "long", time.Hour)
	clock.Advance(2 * time.Second)

	assert.Equal(t, 1, c.CleanupExpired())
	assert.Equal(t, 1, c.Len())
	assert.False(t, c.Admit(ctx, "long", time.Hour))
}

func TestNewCacheDefaultsCapacity(t *testing.T) {
	assert.Equal(t, 1000, NewCache(0).Stats().Capacity)
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	c, _ := newClockedCache(10)

	require.True(t, c.Admit(ctx, "k", time.Hour))
	c.Release(ctx, "k")
	assert.True(t, c.Admit(ctx, "k", time.Hour))

	c.Release(ctx, "missing")
	assert.Equal(t, 1, c.Len())
}
