// Package eval answers a trigger against the code intelligence database.
//
// An evaluation resolves the expression before the trigger through the
// buffer's own scope tree, the libraries it imports, the stdlib and the
// selected catalogs. When an import names a file on disk that has not been
// scanned yet the evaluation suspends, asks the scheduler to scan it, and
// resumes from the start once the scan completes. Each file is waited on at
// most once per evaluation.
package eval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jward/codeintel/internal/cix"
	"github.com/jward/codeintel/internal/database"
	"github.com/jward/codeintel/internal/environment"
	"github.com/jward/codeintel/internal/indexer"
	"github.com/jward/codeintel/internal/lang"
	"github.com/jward/codeintel/internal/lexer"
	"github.com/jward/codeintel/internal/logging"
	"github.com/jward/codeintel/internal/store"
	"github.com/jward/codeintel/internal/trigger"
)

// DefaultTimeout bounds one evaluation.
const DefaultTimeout = 20 * time.Second

var (
	ErrTimeout = errors.New("eval: timed out")
	ErrAborted = errors.New("eval: aborted")
)

// Libraries is the part of the database evaluations read from.
type Libraries interface {
	DirLib(lang, dir string) database.Lib
	StdlibLib(lang, version string) database.Lib
	CatalogLibs(lang string, selections []string) []database.Lib
	NamesByPrefix(lang string, libs []database.Lib, prefix string, limit int) ([]store.NameHit, error)
	BlobsByPrefix(lang string, libs []database.Lib, prefix string) ([]string, error)
	BufScanTime(lang, path string) (time.Time, bool)
}

// Scheduler queues scans an evaluation is waiting on.
type Scheduler interface {
	Put(req indexer.Request) bool
}

// State is the life-cycle state of an Evaluation.
type State int

const (
	StateIdle State = iota
	StateWaitingForLib
	StateRunning
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitingForLib:
		return "waiting for lib"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Request is one trigger to evaluate.
type Request struct {
	Trg  *trigger.Trigger
	Path string
	// Acc is the buffer text at the time of the trigger.
	Acc *lexer.Accessor
	// File is the buffer's current scan; nil evaluates against an empty
	// module.
	File *cix.File
	Env  *environment.Environment
	// Timeout overrides the evaluator's timeout when positive.
	Timeout time.Duration
}

// Evaluator starts evaluations.
type Evaluator struct {
	libs    Libraries
	sched   Scheduler
	logger  *slog.Logger
	timeout time.Duration
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Evaluator) { e.logger = logging.Component(logger, "eval") }
}

// WithTimeout sets the default evaluation timeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Evaluator) { e.timeout = d }
}

// New returns an evaluator reading libs. sched may be nil, in which case
// unscanned imports are treated as missing.
func New(libs Libraries, sched Scheduler, opts ...Option) *Evaluator {
	e := &Evaluator{
		libs:    libs,
		sched:   sched,
		logger:  logging.NewDiscardLogger(),
		timeout: DefaultTimeout,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Evaluation is one running evaluation.
type Evaluation struct {
	e      *Evaluator
	req    Request
	intel  lang.Intel
	ctlr   Controller
	onDone func(*Result)

	stepMu sync.Mutex

	mu      sync.Mutex
	state   State
	waited  map[string]bool
	expired bool
	partial *Result
	result  *Result
	timer   *time.Timer
	done    chan struct{}
}

// Start begins evaluating req and returns at once. onDone, when set, is
// called with the result before ctlr.Done.
func (e *Evaluator) Start(req Request, ctlr Controller, onDone func(*Result)) *Evaluation {
	if ctlr == nil {
		ctlr = NewCtlr()
	}
	ev := &Evaluation{
		e:      e,
		req:    req,
		ctlr:   ctlr,
		onDone: onDone,
		waited: make(map[string]bool),
		done:   make(chan struct{}),
	}
	intel, err := lang.For(req.Trg.Lang)
	if err != nil {
		ev.finish(&Result{Trg: req.Trg, Err: err}, ReasonError)
		return ev
	}
	ev.intel = intel

	timeout := e.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	ev.mu.Lock()
	ev.timer = time.AfterFunc(timeout, ev.expire)
	ev.mu.Unlock()
	if a, ok := ctlr.(interface{ OnAbort(func()) }); ok {
		a.OnAbort(func() { go ev.step() })
	}
	go ev.step()
	return ev
}

// Eval evaluates req and waits for the result.
func (e *Evaluator) Eval(ctx context.Context, req Request, ctlr Controller) (*Result, error) {
	ev := e.Start(req, ctlr, nil)
	select {
	case <-ev.done:
		res := ev.Result()
		return res, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Wait returns a channel closed when the evaluation is done.
func (ev *Evaluation) Wait() <-chan struct{} { return ev.done }

// Result returns the final result, or nil while running.
func (ev *Evaluation) Result() *Result {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	return ev.result
}

// State returns the evaluation's state.
func (ev *Evaluation) State() State {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	return ev.state
}

// step runs one attempt. It either finishes the evaluation or suspends it
// on a library scan, in which case the scan's completion runs step again.
func (ev *Evaluation) step() {
	ev.stepMu.Lock()
	defer ev.stepMu.Unlock()

	ev.mu.Lock()
	if ev.state == StateDone {
		ev.mu.Unlock()
		return
	}
	ev.state = StateRunning
	ev.mu.Unlock()

	if ev.ctlr.IsAborted() {
		ev.finish(ev.partialOr(ErrAborted), ReasonAborted)
		return
	}
	if ev.isExpired() {
		ev.timeout()
		return
	}

	res, err := ev.attempt()
	var susp *suspendError
	switch {
	case errors.As(err, &susp):
		ev.suspend(res, susp)
	case errors.Is(err, ErrAborted):
		res.Err = ErrAborted
		ev.finish(res, ReasonAborted)
	case errors.Is(err, ErrTimeout):
		ev.mu.Lock()
		ev.partial = res
		ev.mu.Unlock()
		ev.timeout()
	case err != nil:
		res.Err = err
		ev.ctlr.Error("%v", err)
		ev.finish(res, ReasonError)
	default:
		ev.finish(res, ReasonSuccess)
	}
}

// attempt runs the trigger's handler once. A panic is reported as an
// error result.
func (ev *Evaluation) attempt() (res *Result, err error) {
	res = &Result{Trg: ev.req.Trg}
	defer func() {
		if r := recover(); r != nil {
			ev.e.logger.Error("evaluation panicked", "trg", ev.req.Trg.Name(), "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("eval: %s: panic: %v", ev.req.Trg.Name(), r)
		}
	}()
	r := newResolver(ev, res)
	return res, r.run()
}

func (ev *Evaluation) suspend(partial *Result, susp *suspendError) {
	ev.mu.Lock()
	ev.waited[susp.path] = true
	ev.partial = partial
	ev.state = StateWaitingForLib
	expired := ev.expired
	ev.mu.Unlock()

	if expired {
		ev.timeout()
		return
	}
	if ev.e.sched == nil {
		go ev.step()
		return
	}
	ev.ctlr.Debug("waiting for %s to be scanned", susp.path)
	req := &indexer.PreloadLibRequest{
		Lang:       susp.lang,
		Dir:        susp.path,
		Files:      []string{susp.path},
		Prio:       indexer.PriorityImmediate,
		OnComplete: func(indexer.Status, error) { go ev.step() },
	}
	if !ev.e.sched.Put(req) {
		go ev.step()
	}
}

func (ev *Evaluation) partialOr(err error) *Result {
	ev.mu.Lock()
	p := ev.partial
	ev.mu.Unlock()
	if p == nil {
		p = &Result{Trg: ev.req.Trg}
	}
	p.Err = err
	return p
}

// expire finishes a suspended evaluation at once. A running attempt sees
// the expiry at its next checkpoint.
func (ev *Evaluation) expire() {
	ev.mu.Lock()
	ev.expired = true
	waiting := ev.state == StateWaitingForLib
	ev.mu.Unlock()
	if waiting {
		ev.timeout()
	}
}

func (ev *Evaluation) timeout() {
	ev.ctlr.Warn("evaluation timed out")
	ev.finish(ev.partialOr(ErrTimeout), ReasonTimeout)
}

func (ev *Evaluation) isExpired() bool {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	return ev.expired
}

// finish completes the evaluation once.
func (ev *Evaluation) finish(res *Result, reason string) {
	ev.mu.Lock()
	if ev.state == StateDone {
		ev.mu.Unlock()
		return
	}
	ev.state = StateDone
	ev.result = res
	if ev.timer != nil {
		ev.timer.Stop()
	}
	ev.mu.Unlock()

	if res.Err == nil && res.Message == "" && res.Empty() {
		res.Message = emptyMessage(res.Trg)
	}
	if ev.onDone != nil {
		ev.onDone(res)
	}
	close(ev.done)
	ev.ctlr.Done(reason)
}

func emptyMessage(trg *trigger.Trigger) string {
	if trg == nil {
		return ""
	}
	switch trg.Form {
	case trigger.FormCalltip:
		return "No calltips found"
	case trigger.FormDefn:
		return "No definition found"
	}
	return "No completions found"
}
