// Package cache holds fetched chunks for reuse by the local player and for
// sharing to peers. The store is bounded by total bytes and entry count;
// when either bound is exceeded the earliest-inserted entries are evicted
// first.
package cache

import (
	"container/list"
	"sync"
)

type entry struct {
	url  string
	data []byte
}

// ChunkCache is a thread-safe bounded chunk store keyed by URL.
type ChunkCache struct {
	mu         sync.Mutex
	byURL      map[string]*list.Element
	order      *list.List // front = oldest
	bytes      int64
	maxBytes   int64
	maxEntries int
}

// New creates a cache bounded by maxBytes total payload and maxEntries
// entries.
func New(maxBytes int64, maxEntries int) *ChunkCache {
	return &ChunkCache{
		byURL:      make(map[string]*list.Element),
		order:      list.New(),
		maxBytes:   maxBytes,
		maxEntries: maxEntries,
	}
}

// Get returns the cached bytes for url. The returned slice is shared; the
// caller must not mutate it.
func (c *ChunkCache) Get(url string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.byURL[url]
	if !ok {
		return nil, false
	}
	return el.Value.(*entry).data, true
}

// Has reports whether url is cached without touching the bytes.
func (c *ChunkCache) Has(url string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.byURL[url]
	return ok
}

// Put inserts data under url, evicting the oldest entries until the byte
// budget and entry cap hold again. A chunk larger than the whole budget is
// not stored. Re-inserting an existing url replaces its bytes in place,
// keeping its original insertion position.
func (c *ChunkCache) Put(url string, data []byte) {
	if int64(len(data)) > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.byURL[url]; ok {
		e := el.Value.(*entry)
		c.bytes += int64(len(data)) - int64(len(e.data))
		e.data = data
	} else {
		el := c.order.PushBack(&entry{url: url, data: data})
		c.byURL[url] = el
		c.bytes += int64(len(data))
	}

	for (c.bytes > c.maxBytes || c.order.Len() > c.maxEntries) && c.order.Len() > 0 {
		oldest := c.order.Front()
		e := oldest.Value.(*entry)
		c.order.Remove(oldest)
		delete(c.byURL, e.url)
		c.bytes -= int64(len(e.data))
	}
}

// Len returns the number of cached entries.
func (c *ChunkCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Bytes returns the total cached payload size.
func (c *ChunkCache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Clear drops every entry.
func (c *ChunkCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byURL = make(map[string]*list.Element)
	c.order.Init()
	c.bytes = 0
}
