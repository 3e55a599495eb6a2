package inference

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
)

// ErrCacheClosed is returned by lookups after Close.
var ErrCacheClosed = errors.New("model cache is closed")

type cacheEntry struct {
	ready  chan struct{}
	handle io.Closer
	err    error
}

// Cache keeps loaded models keyed by model identifier. Concurrent lookups
// of the same key share one load; a failed load is not remembered so the
// next lookup retries.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	closed  bool
	loads   int
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*cacheEntry)}
}

// GetOrCreate returns the handle for key, calling create at most once per
// successful population.
func (c *Cache) GetOrCreate(key string, create func() (io.Closer, error)) (io.Closer, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrCacheClosed
	}
	if e, ok := c.entries[key]; ok {
		c.mu.Unlock()
		<-e.ready
		return e.handle, e.err
	}
	e := &cacheEntry{ready: make(chan struct{})}
	c.entries[key] = e
	c.loads++
	c.mu.Unlock()

	defer close(e.ready)
	e.handle, e.err = load(create)

	if e.err != nil {
		e.handle = nil
		c.mu.Lock()
		if c.entries[key] == e {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		slog.Warn("model load failed", "key", key, "error", e.err)
	} else {
		slog.Debug("model loaded", "key", key)
	}
	return e.handle, e.err
}

// load runs create and turns a panic into a load error so that waiters on
// the same key are released.
func load(create func() (io.Closer, error)) (h io.Closer, err error) {
	defer func() {
		if r := recover(); r != nil {
			h, err = nil, fmt.Errorf("model load panicked: %v", r)
		}
	}()
	return create()
}

// Get fetches a typed handle through the cache.
func Get[T io.Closer](c *Cache, key string, create func() (T, error)) (T, error) {
	h, err := c.GetOrCreate(key, func() (io.Closer, error) {
		v, err := create()
		if err != nil {
			return nil, err
		}
		return v, nil
	})
	var zero T
	if err != nil {
		return zero, err
	}
	v, ok := h.(T)
	if !ok {
		return zero, errors.New("cached model " + key + " has a different type")
	}
	return v, nil
}

// Keys lists the cached model identifiers in sorted order.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Loads returns how many populations have been started.
func (c *Cache) Loads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loads
}

// Close waits for pending loads and releases every cached model.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	entries := c.entries
	c.entries = make(map[string]*cacheEntry)
	c.mu.Unlock()

	var errs []error
	for key, e := range entries {
		<-e.ready
		if e.err != nil || e.handle == nil {
			continue
		}
		if err := e.handle.Close(); err != nil {
			errs = append(errs, errors.New(key+": "+err.Error()))
		}
	}
	return errors.Join(errs...)
}
