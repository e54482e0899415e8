package buffer

import (
	"sync"
	"time"
)

// Registry holds the buffers the engine has seen, by path.
type Registry struct {
	mu      sync.Mutex
	bufs    map[string]*entry
	now     func() time.Time
	maxIdle time.Duration
}

type entry struct {
	buf  *Buffer
	used time.Time
}

// NewRegistry returns a registry whose Cull drops buffers unused for
// maxIdle.
func NewRegistry(maxIdle time.Duration) *Registry {
	return &Registry{bufs: make(map[string]*entry), now: time.Now, maxIdle: maxIdle}
}

// Get returns the buffer at path, creating it with create when missing.
func (r *Registry) Get(path string, create func() *Buffer) *Buffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.bufs[path]
	if !ok {
		e = &entry{buf: create()}
		r.bufs[path] = e
	}
	e.used = r.now()
	return e.buf
}

// Lookup returns the buffer at path if there is one.
func (r *Registry) Lookup(path string) (*Buffer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.bufs[path]
	if !ok {
		return nil, false
	}
	return e.buf, true
}

// Remove forgets the buffer at path.
func (r *Registry) Remove(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.bufs[path]
	delete(r.bufs, path)
	return ok
}

// Each calls fn for every buffer.
func (r *Registry) Each(fn func(*Buffer)) {
	r.mu.Lock()
	bufs := make([]*Buffer, 0, len(r.bufs))
	for _, e := range r.bufs {
		bufs = append(bufs, e.buf)
	}
	r.mu.Unlock()
	for _, b := range bufs {
		fn(b)
	}
}

// Cull drops idle buffers and returns how many were dropped.
func (r *Registry) Cull() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.maxIdle)
	n := 0
	for path, e := range r.bufs {
		if e.used.Before(cutoff) {
			delete(r.bufs, path)
			n++
		}
	}
	return n
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bufs)
}

// Clear drops every buffer.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.bufs)
}
