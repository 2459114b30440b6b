// Package cache keeps finished case reports in memory so a report can be
// fetched after analysis without re-running the pipeline. Entries expire
// after a TTL; with a capacity set, the least recently read case is evicted
// first.
package cache

import (
	"container/list"
	"sort"
	"sync"
	"time"
)

// Option configures an InMemory cache.
type Option func(*options)

type options struct {
	maxEntries int
	onEvict    func(key string)
	now        func() time.Time
}

// WithMaxEntries bounds the number of cached cases. Zero means unbounded.
func WithMaxEntries(n int) Option {
	return func(o *options) { o.maxEntries = n }
}

// WithOnEvict registers fn to be called, outside the lock, for every key
// dropped by expiry or capacity.
func WithOnEvict(fn func(key string)) Option {
	return func(o *options) { o.onEvict = fn }
}

// WithClock replaces time.Now; used by tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

type entry[T any] struct {
	key       string
	value     T
	expiresAt time.Time
}

// InMemory is a thread-safe TTL cache with optional LRU capacity.
type InMemory[T any] struct {
	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List // front = most recently used
	ttl   time.Duration
	opts  options

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a cache whose entries live for ttl. Call Stop to end the
// background sweep.
func New[T any](ttl time.Duration, opts ...Option) *InMemory[T] {
	if ttl <= 0 {
		ttl = time.Hour
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	c := &InMemory[T]{
		items: make(map[string]*list.Element),
		order: list.New(),
		ttl:   ttl,
		opts:  o,
		stop:  make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Get returns the live value for key and marks it recently used.
func (c *InMemory[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	el, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		var zero T
		return zero, false
	}
	e := el.Value.(*entry[T])
	if c.opts.now().After(e.expiresAt) {
		c.removeLocked(el)
		c.mu.Unlock()
		c.evicted(key)
		var zero T
		return zero, false
	}
	c.order.MoveToFront(el)
	c.mu.Unlock()
	return e.value, true
}

// Set stores value under key, restarting its TTL. When the cache is full the
// least recently used case is evicted.
func (c *InMemory[T]) Set(key string, value T) {
	expires := c.opts.now().Add(c.ttl)

	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[T])
		e.value, e.expiresAt = value, expires
		c.order.MoveToFront(el)
		c.mu.Unlock()
		return
	}
	c.items[key] = c.order.PushFront(&entry[T]{key: key, value: value, expiresAt: expires})

	var dropped []string
	for c.opts.maxEntries > 0 && c.order.Len() > c.opts.maxEntries {
		oldest := c.order.Back()
		dropped = append(dropped, oldest.Value.(*entry[T]).key)
		c.removeLocked(oldest)
	}
	c.mu.Unlock()

	c.evicted(dropped...)
}

// Delete removes key. Deleting is not an eviction.
func (c *InMemory[T]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
}

// Keys returns the live keys in sorted order.
func (c *InMemory[T]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.opts.now()
	keys := make([]string, 0, len(c.items))
	for k, el := range c.items {
		if !now.After(el.Value.(*entry[T]).expiresAt) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of stored entries, expired ones included until swept.
func (c *InMemory[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stop ends the background sweep. It is safe to call more than once.
func (c *InMemory[T]) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Sweep drops every expired entry now.
func (c *InMemory[T]) Sweep() {
	now := c.opts.now()
	var dropped []string

	c.mu.Lock()
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*entry[T])
		if now.After(e.expiresAt) {
			dropped = append(dropped, e.key)
			c.removeLocked(el)
		}
		el = prev
	}
	c.mu.Unlock()

	c.evicted(dropped...)
}

func (c *InMemory[T]) sweepLoop() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

func (c *InMemory[T]) removeLocked(el *list.Element) {
	delete(c.items, el.Value.(*entry[T]).key)
	c.order.Remove(el)
}

func (c *InMemory[T]) evicted(keys ...string) {
	if c.opts.onEvict == nil {
		return
	}
	for _, k := range keys {
		c.opts.onEvict(k)
	}
}
