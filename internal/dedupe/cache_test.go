// ABOUTME: Tests for the envelope dedupe cache.
// ABOUTME: Validates TTL expiry, size eviction, sweeping, and concurrent check-and-mark.

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock is advanced manually by tests.
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

func newTestCache(ttl time.Duration, maxSize int) (*Cache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(ttl, maxSize, 0)
	c.now = clock.Now
	return c, clock
}

func TestCache_SeenMarksFirstOccurrence(t *testing.T) {
	c, _ := newTestCache(time.Minute, 10)
	defer c.Close()

	assert.False(t, c.Seen("env-1"), "first sighting is new")
	assert.True(t, c.Seen("env-1"), "second sighting is a duplicate")
	assert.True(t, c.contains("env-1"))
	assert.False(t, c.contains("env-2"))
}

func TestCache_Expiry(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)
	defer c.Close()

	c.Seen("env-1")
	clock.Advance(59 * time.Second)
	assert.True(t, c.contains("env-1"))

	clock.Advance(2 * time.Second)
	assert.False(t, c.contains("env-1"))
	assert.False(t, c.Seen("env-1"), "expired id counts as new again")
	assert.True(t, c.Seen("env-1"))
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	c, clock := newTestCache(time.Hour, 3)
	defer c.Close()

	for i := 0; i < 3; i++ {
		c.Seen(fmt.Sprintf("env-%d", i))
		clock.Advance(time.Second)
	}
	c.Seen("env-3")

	assert.Equal(t, 3, c.Len())
	assert.False(t, c.contains("env-0"), "oldest evicted")
	assert.True(t, c.contains("env-1"))
	assert.True(t, c.contains("env-3"))
}

func TestCache_Sweep(t *testing.T) {
	c, clock := newTestCache(time.Minute, 100)
	defer c.Close()

	c.Seen("old-1")
	c.Seen("old-2")
	clock.Advance(30 * time.Second)
	c.Seen("fresh")
	clock.Advance(40 * time.Second)

	c.Sweep()
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.contains("fresh"))
}

func TestCache_BackgroundSweeper(t *testing.T) {
	c := New(10*time.Millisecond, 100, 5*time.Millisecond)
	defer c.Close()

	c.Seen("env-1")
	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCache_CloseIdempotent(t *testing.T) {
	c := New(time.Minute, 10, time.Millisecond)
	c.Close()
	c.Close()
}

func TestCache_ConcurrentSeenHasOneWinner(t *testing.T) {
	c, _ := newTestCache(time.Minute, 1000)
	defer c.Close()

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.Seen("shared") {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), fresh.Load())
}
