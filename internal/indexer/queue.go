package indexer

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// entry is one request held by the queue, either ready or staged.
type entry struct {
	id   string
	req  Request
	prio Priority
	// ts is the earliest submission time among collapsed requests.
	ts  time.Time
	seq uint64
	// due is when a staged entry moves to the ready heap; zero when ready.
	due  time.Time
	done []CompleteFunc

	index int
}

func (e *entry) staged() bool { return !e.due.IsZero() }

// readyHeap orders entries by priority, then timestamp.
type readyHeap []*entry

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].prio != h[j].prio {
		return h[i].prio < h[j].prio
	}
	if !h[i].ts.Equal(h[j].ts) {
		return h[i].ts.Before(h[j].ts)
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *readyHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// dueHeap orders staged entries by due time.
type dueHeap []*entry

func (h dueHeap) Len() int { return len(h) }
func (h dueHeap) Less(i, j int) bool {
	if !h[i].due.Equal(h[j].due) {
		return h[i].due.Before(h[j].due)
	}
	return h[i].seq < h[j].seq
}
func (h dueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *dueHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// queue is the indexer's composite queue. Every request id maps to at
// most one entry, which is either ready (ordered by priority and
// timestamp) or staged (ordered by due time).
type queue struct {
	now func() time.Time

	mu     sync.Mutex
	ready  readyHeap
	staged dueHeap
	byID   map[string]*entry
	seq    uint64
	closed bool

	wake chan struct{}
}

func newQueue(now func() time.Time) *queue {
	if now == nil {
		now = time.Now
	}
	return &queue{
		now:  now,
		byID: make(map[string]*entry),
		wake: make(chan struct{}, 1),
	}
}

func (q *queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// merge collapses req into an existing entry: the lower priority value
// and the earlier timestamp survive, the payload is the newest.
func (q *queue) merge(e *entry, req Request, prio Priority) {
	e.req = req
	if prio < e.prio {
		e.prio = prio
	}
	if fn := completion(req); fn != nil {
		e.done = append(e.done, fn)
	}
}

func (q *queue) newEntry(req Request, prio Priority) *entry {
	q.seq++
	e := &entry{id: req.ID(), req: req, prio: prio, ts: q.now(), seq: q.seq, index: -1}
	if fn := completion(req); fn != nil {
		e.done = append(e.done, fn)
	}
	q.byID[e.id] = e
	return e
}

// put adds req to the ready heap. A staged request with the same id is
// released immediately.
func (q *queue) put(req Request, prio Priority) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if e, ok := q.byID[req.ID()]; ok {
		q.merge(e, req, prio)
		if e.staged() {
			heap.Remove(&q.staged, e.index)
			e.due = time.Time{}
			heap.Push(&q.ready, e)
		} else {
			heap.Fix(&q.ready, e.index)
		}
	} else {
		heap.Push(&q.ready, q.newEntry(req, prio))
	}
	q.signal()
	return true
}

// stage parks req for delay. Staging again with the same id restarts the
// delay and replaces the payload. A request already in the ready heap
// keeps its place and only takes the new payload.
func (q *queue) stage(req Request, prio Priority, delay time.Duration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	due := q.now().Add(delay)
	if e, ok := q.byID[req.ID()]; ok {
		q.merge(e, req, prio)
		if e.staged() {
			e.due = due
			heap.Fix(&q.staged, e.index)
		} else {
			heap.Fix(&q.ready, e.index)
		}
	} else {
		e := q.newEntry(req, prio)
		e.due = due
		heap.Push(&q.staged, e)
	}
	q.signal()
	return true
}

// promoteLocked moves staged entries that are due into the ready heap and
// returns the time until the next one is due, or -1 when none is staged.
func (q *queue) promoteLocked() time.Duration {
	now := q.now()
	for q.staged.Len() > 0 {
		e := q.staged[0]
		if e.due.After(now) {
			return e.due.Sub(now)
		}
		heap.Pop(&q.staged)
		e.due = time.Time{}
		heap.Push(&q.ready, e)
	}
	return -1
}

// pop blocks until an entry is ready or ctx is done.
func (q *queue) pop(ctx context.Context) (*entry, error) {
	for {
		q.mu.Lock()
		wait := q.promoteLocked()
		if q.ready.Len() > 0 {
			e := heap.Pop(&q.ready).(*entry)
			delete(q.byID, e.id)
			q.mu.Unlock()
			return e, nil
		}
		q.mu.Unlock()

		var (
			t     *time.Timer
			timer <-chan time.Time
		)
		if wait >= 0 {
			t = time.NewTimer(wait)
			timer = t.C
		}
		var err error
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-q.wake:
		case <-timer:
		}
		if t != nil {
			t.Stop()
		}
		if err != nil {
			return nil, err
		}
	}
}

// remove drops the entry with id, reporting whether one was held.
func (q *queue) remove(id string) (*entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[id]
	if !ok {
		return nil, false
	}
	if e.staged() {
		heap.Remove(&q.staged, e.index)
	} else {
		heap.Remove(&q.ready, e.index)
	}
	delete(q.byID, id)
	return e, true
}

// drain closes the queue and returns everything it held.
func (q *queue) drain() []*entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	out := make([]*entry, 0, len(q.byID))
	for _, e := range q.byID {
		out = append(out, e)
	}
	q.ready = nil
	q.staged = nil
	q.byID = make(map[string]*entry)
	return out
}

// QueuedItem describes one queued request.
type QueuedItem struct {
	ID       string
	Priority Priority
	Staged   bool
	Request  Request
}

func (q *queue) lookup(id string) (QueuedItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[id]
	if !ok {
		return QueuedItem{}, false
	}
	return QueuedItem{ID: e.id, Priority: e.prio, Staged: e.staged(), Request: e.req}, true
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byID)
}
