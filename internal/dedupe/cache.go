// ABOUTME: Bounded TTL cache of relay envelope IDs.
// ABOUTME: Lets relay listeners drop envelopes a broker redelivers.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	id     string
	seenAt time.Time
}

// Cache remembers envelope IDs for a TTL, evicting the oldest once maxSize
// is reached. Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a cache and starts a sweeper that expires entries every
// sweepInterval. A non-positive sweepInterval disables the sweeper.
func New(ttl time.Duration, maxSize int, sweepInterval time.Duration) *Cache {
	c := &Cache{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	if sweepInterval > 0 {
		go c.sweepLoop(sweepInterval)
	}
	return c
}

// Seen marks id and reports whether it was already present and unexpired.
// Check and mark happen under one lock so concurrent consumers of the same
// envelope agree on a single winner.
func (c *Cache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.index[id]; ok {
		e := el.Value.(*entry)
		if now.Sub(e.seenAt) < c.ttl {
			return true
		}
		e.seenAt = now
		c.order.MoveToBack(el)
		return false
	}

	for c.maxSize > 0 && len(c.index) >= c.maxSize {
		c.removeOldest()
	}
	c.index[id] = c.order.PushBack(&entry{id: id, seenAt: now})
	return false
}

// contains reports whether id is present and unexpired, without marking it.
func (c *Cache) contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[id]
	if !ok {
		return false
	}
	return c.now().Sub(el.Value.(*entry).seenAt) < c.ttl
}

// Len returns the number of tracked IDs, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

func (c *Cache) removeOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.order.Remove(front)
	delete(c.index, front.Value.(*entry).id)
}

func (c *Cache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.done:
			return
		}
	}
}

// Sweep drops expired entries. Entries are ordered by last mark, so it stops
// at the first live one.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		e := el.Value.(*entry)
		if now.Sub(e.seenAt) < c.ttl {
			return
		}
		c.order.Remove(el)
		delete(c.index, e.id)
	}
}

// Close stops the sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
