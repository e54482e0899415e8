package client

import (
	"slices"
	"sync"
	"time"
)

const (
	DefaultIdleTimeout           = 200 * time.Millisecond
	DefaultBusyTimeout           = 600 * time.Millisecond
	DefaultPreemptiveIdleTimeout = 0
	DefaultPreemptiveBusyTimeout = 50 * time.Millisecond
)

// Job sends the request for one view at the priority it ended up with.
type Job func(prio Priority)

type scheduled struct {
	view string
	prio Priority
	job  Job
	seq  uint64
}

// Scheduler debounces editor events. Each view has at most one job
// waiting; queueing another replaces it and restarts the timer. When the
// timer fires every waiting job runs, most urgent first.
//
// Events that arrive within four idle timeouts of the previous one are
// treated as typing and wait the longer busy timeout.
type Scheduler struct {
	idle, busy       time.Duration
	preIdle, preBusy time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	due     time.Time
	last    time.Time
	seq     uint64
	pending map[string]*scheduled
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTimeouts sets the idle and busy debounce delays.
func WithTimeouts(idle, busy time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.idle, s.busy = idle, busy }
}

// WithPreemptiveTimeouts sets the delays used for preemptive events.
func WithPreemptiveTimeouts(idle, busy time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.preIdle, s.preBusy = idle, busy }
}

func NewScheduler(opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		idle:    DefaultIdleTimeout,
		busy:    DefaultBusyTimeout,
		preIdle: DefaultPreemptiveIdleTimeout,
		preBusy: DefaultPreemptiveBusyTimeout,
		pending: make(map[string]*scheduled),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Queue schedules job for view. A waiting immediate job keeps its
// priority when replaced by a less urgent one. Preemptive events, such as
// typing a fillup character, use the shorter preemptive delays.
func (s *Scheduler) Queue(view string, prio Priority, preemptive bool, job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.pending[view]; ok && old.prio == PriorityImmediate && prio > PriorityImmediate {
		prio = PriorityImmediate
	}
	s.seq++
	s.pending[view] = &scheduled{view: view, prio: prio, job: job, seq: s.seq}

	now := time.Now()
	idle, busy := s.idle, s.busy
	if preemptive {
		idle, busy = s.preIdle, s.preBusy
	}
	timeout := idle
	if !s.last.IsZero() && now.Sub(s.last) < 4*s.idle {
		timeout = busy
	}
	s.last = now
	s.schedule(now.Add(timeout))
}

// Delay holds waiting jobs for at least d more.
func (s *Scheduler) Delay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return
	}
	if due := time.Now().Add(d); due.After(s.due) {
		s.schedule(due)
	}
}

func (s *Scheduler) schedule(due time.Time) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.due = due
	s.timer = time.AfterFunc(time.Until(due), func() { s.fire(gen) })
}

// fire runs the waiting jobs unless the timer was rescheduled since.
func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	jobs := s.take()
	s.mu.Unlock()
	run(jobs)
}

func (s *Scheduler) take() []*scheduled {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	jobs := make([]*scheduled, 0, len(s.pending))
	for _, j := range s.pending {
		jobs = append(jobs, j)
	}
	clear(s.pending)
	slices.SortFunc(jobs, func(a, b *scheduled) int {
		if a.prio != b.prio {
			return int(a.prio - b.prio)
		}
		return int(a.seq) - int(b.seq)
	})
	return jobs
}

func run(jobs []*scheduled) {
	for _, j := range jobs {
		j.job(j.prio)
	}
}

// Flush runs waiting jobs now.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	jobs := s.take()
	s.mu.Unlock()
	run(jobs)
}

// Cancel drops the job waiting for view.
func (s *Scheduler) Cancel(view string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, view)
}

// Pending reports how many views have a job waiting.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop drops every waiting job.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.take()
}
