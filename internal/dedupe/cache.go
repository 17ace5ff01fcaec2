// ABOUTME: Thread-safe TTL set of recently seen keys with bounded size
// ABOUTME: Remembers deleted message ids so late history loads cannot resurrect them

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry[K comparable] struct {
	key    K
	marked time.Time
}

// Cache is a set of keys that forgets each key ttl after it was marked.
// When full, the oldest mark is evicted. Keys are kept in mark order in a
// linked list so eviction is O(1).
type Cache[K comparable] struct {
	mu      sync.Mutex
	index   map[K]*list.Element
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a Cache and starts its background sweeper. Call Close to stop it.
func New[K comparable](ttl time.Duration, maxSize int) *Cache[K] {
	c := newCache[K](ttl, maxSize, time.Now)
	go c.sweep(sweepInterval(ttl))
	return c
}

func newCache[K comparable](ttl time.Duration, maxSize int, now func() time.Time) *Cache[K] {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache[K]{
		index:   make(map[K]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
}

func sweepInterval(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > time.Minute {
		return time.Minute
	}
	return ttl
}

// Mark records key, refreshing its timestamp if already present.
func (c *Cache[K]) Mark(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.index[key]; ok {
		el.Value.(*entry[K]).marked = now
		c.order.MoveToBack(el)
		return
	}

	if len(c.index) >= c.maxSize {
		c.evictOldest()
	}
	c.index[key] = c.order.PushBack(&entry[K]{key: key, marked: now})
}

// Seen reports whether key was marked within the ttl.
func (c *Cache[K]) Seen(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		return false
	}
	return c.now().Sub(el.Value.(*entry[K]).marked) < c.ttl
}

// Forget removes key.
func (c *Cache[K]) Forget(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		c.order.Remove(el)
		delete(c.index, key)
	}
}

// Len returns the number of stored keys, expired ones included until swept.
func (c *Cache[K]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

func (c *Cache[K]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.order.Remove(front)
	delete(c.index, front.Value.(*entry[K]).key)
}

func (c *Cache[K]) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

// removeExpired drops keys older than the ttl. Marks are in time order, so
// it stops at the first live one.
func (c *Cache[K]) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for el := c.order.Front(); el != nil; {
		e := el.Value.(*entry[K])
		if now.Sub(e.marked) < c.ttl {
			return
		}
		next := el.Next()
		c.order.Remove(el)
		delete(c.index, e.key)
		el = next
	}
}

// Close stops the sweeper. It is safe to call more than once.
func (c *Cache[K]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
