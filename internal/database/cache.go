package database

import (
	"container/list"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jward/codeintel/internal/cix"
)

const defaultCacheSize = 500

// blobCache keeps recently used scan results in memory, keyed by blob file
// path. Concurrent loads of one key share a single read.
type blobCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List
	flight  singleflight.Group
	max     int

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

type cacheEntry struct {
	key        string
	file       *cix.File
	lastAccess time.Time
}

func newBlobCache(size int) *blobCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	return &blobCache{entries: make(map[string]*list.Element), lru: list.New(), max: size}
}

// get returns the cached file for key, loading and caching it on a miss.
func (c *blobCache) get(key string, load func() (*cix.File, error)) (*cix.File, error) {
	c.mu.Lock()
	if el, ok := c.entries[key]; ok {
		c.lru.MoveToFront(el)
		ent := el.Value.(*cacheEntry)
		ent.lastAccess = time.Now()
		c.mu.Unlock()
		c.hits.Add(1)
		return ent.file, nil
	}
	c.mu.Unlock()
	c.misses.Add(1)

	v, err, _ := c.flight.Do(key, func() (any, error) {
		f, err := load()
		if err != nil {
			return nil, err
		}
		c.put(key, f)
		return f, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*cix.File), nil
}

func (c *blobCache) put(key string, f *cix.File) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		ent := el.Value.(*cacheEntry)
		ent.file, ent.lastAccess = f, time.Now()
		c.lru.MoveToFront(el)
		return
	}
	c.entries[key] = c.lru.PushFront(&cacheEntry{key: key, file: f, lastAccess: time.Now()})
	for c.lru.Len() > c.max {
		c.removeLocked(c.lru.Back())
	}
}

func (c *blobCache) removeLocked(el *list.Element) {
	ent := el.Value.(*cacheEntry)
	c.lru.Remove(el)
	delete(c.entries, ent.key)
	c.evictions.Add(1)
}

// forget drops key.
func (c *blobCache) forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}
}

// forgetPrefix drops every key below a directory.
func (c *blobCache) forgetPrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, el := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.removeLocked(el)
		}
	}
}

// cull drops entries unused for longer than maxIdle, oldest first.
func (c *blobCache) cull(maxIdle time.Duration, now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for el := c.lru.Back(); el != nil; {
		ent := el.Value.(*cacheEntry)
		if now.Sub(ent.lastAccess) <= maxIdle {
			break
		}
		prev := el.Prev()
		c.removeLocked(el)
		n++
		el = prev
	}
	return n
}

func (c *blobCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.lru.Init()
}

func (c *blobCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *blobCache) stats() Stats {
	return Stats{
		CachedFiles: c.len(),
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
	}
}
