// Package driver serves an engine over a framed byte stream.
//
// The read loop decodes frames and queues requests; one worker runs them
// in arrival order; one sender goroutine writes every outbound frame, so
// frames for a request leave in the order they were produced. Aborts are
// handled on the read loop so they can reach a request that is still
// queued or already running.
package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jward/codeintel"
	"github.com/jward/codeintel/internal/logging"
	"github.com/jward/codeintel/internal/metrics"
	"github.com/jward/codeintel/internal/protocol"
)

// Handler runs one request. It answers through resp, either before
// returning or later from another goroutine. A returned error fails the
// request unless resp has already answered.
type Handler func(ctx context.Context, req protocol.Request, resp *Responder) error

// job is one request between the read loop and its final frame. Handlers
// that answer asynchronously watch ctx, which is cancelled on abort and
// once the final frame is sent.
type job struct {
	req    protocol.Request
	resp   *Responder
	ctx    context.Context
	cancel context.CancelFunc
}

// Driver serves one engine over one connection.
type Driver struct {
	engine  *codeintel.Engine
	logger  *slog.Logger
	metrics *metrics.Metrics

	in  io.Reader
	out io.Writer

	memLimit      uint64
	heapInterval  time.Duration
	reportLimiter *rate.Limiter

	frames     chan protocol.Message
	flush      chan struct{}
	senderDone chan struct{}
	sendErr    error

	mu       sync.Mutex
	queue    []*job
	inflight map[string]*job
	wake     chan struct{}

	extMu      sync.RWMutex
	extensions map[string]Handler

	quitOnce sync.Once
	quit     chan struct{}
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) { d.logger = logging.Component(logger, "driver") }
}

// WithMemoryLimit makes the driver report a MemoryError to the client
// when the heap in use exceeds limit bytes. Zero disables the check.
func WithMemoryLimit(limit uint64) Option {
	return func(d *Driver) { d.memLimit = limit }
}

// WithHeapCheckInterval sets how often the heap is checked against the
// memory limit.
func WithHeapCheckInterval(every time.Duration) Option {
	return func(d *Driver) { d.heapInterval = every }
}

// New returns a driver serving engine, reading requests from in and
// writing frames to out. The engine's notifications are routed to out.
func New(engine *codeintel.Engine, in io.Reader, out io.Writer, opts ...Option) *Driver {
	d := &Driver{
		engine:        engine,
		logger:        logging.Component(engine.Logger(), "driver"),
		metrics:       engine.Metrics(),
		in:            in,
		out:           out,
		heapInterval:  5 * time.Second,
		reportLimiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 20),
		frames:        make(chan protocol.Message, 256),
		flush:         make(chan struct{}),
		senderDone:    make(chan struct{}),
		inflight:      make(map[string]*job),
		wake:          make(chan struct{}, 1),
		extensions:    make(map[string]Handler),
		quit:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	engine.SetNotifier(d.notify)
	return d
}

// Serve sends the handshake and serves requests until the client sends
// quit, the stream ends, or ctx is done. A clean end of stream is not an
// error.
func (d *Driver) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go d.sendLoop()
	d.send(protocol.Message{})
	if names := d.engine.Env().ObservedPrefs(); len(names) > 0 {
		d.notify(protocol.Message{protocol.KeyCommand: protocol.NotifyGlobalPrefsObserve, "add": names})
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.work(ctx)
	}()
	if d.memLimit > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.guardHeap(ctx)
		}()
	}

	readErr := make(chan error, 1)
	go func() { readErr <- d.readLoop(ctx) }()

	var err error
	select {
	case err = <-readErr:
	case <-d.quit:
	case <-ctx.Done():
	}
	cancel()
	wg.Wait()
	d.abandon()
	close(d.flush)
	<-d.senderDone
	d.engine.SetNotifier(nil)
	if err == nil {
		err = d.sendErr
	}
	d.logger.Info("driver stopped", "err", err)
	return err
}

// readLoop decodes frames until the stream ends. Malformed frames are
// reported and skipped; a broken length prefix ends the loop.
func (d *Driver) readLoop(ctx context.Context) error {
	r := protocol.NewReader(d.in)
	for {
		msg, err := r.Read()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			d.logger.Debug("input closed")
			return nil
		case errors.Is(err, protocol.ErrMalformed):
			d.reportError(err.Error())
			continue
		case errors.Is(err, protocol.ErrInvalidFrame):
			d.reportError(err.Error())
			return err
		default:
			return fmt.Errorf("driver: read: %w", err)
		}

		req, err := protocol.Parse(msg)
		if err != nil {
			d.parseFailed(msg, err)
			continue
		}
		if abort, ok := req.(*protocol.Abort); ok {
			d.abort(abort)
			continue
		}
		d.enqueue(ctx, req)
	}
}

func (d *Driver) parseFailed(msg protocol.Message, err error) {
	var perr *protocol.ParseError
	if errors.As(err, &perr) && perr.ReqID != "" {
		resp := newResponder(d, perr.ReqID, perr.Command)
		resp.Fail(perr.Msg, nil)
		return
	}
	d.reportError(fmt.Sprintf("%v: %s", err, msg))
}

func (d *Driver) enqueue(ctx context.Context, req protocol.Request) {
	jctx, cancel := context.WithCancel(ctx)
	j := &job{
		req:    req,
		resp:   newResponder(d, req.ID(), req.Name()),
		ctx:    jctx,
		cancel: cancel,
	}
	d.mu.Lock()
	d.queue = append(d.queue, j)
	d.metrics.QueueDepth.Set(float64(len(d.queue)))
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Driver) dequeue() *job {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return nil
	}
	j := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	d.metrics.QueueDepth.Set(float64(len(d.queue)))
	if j.req.ID() != "" {
		d.inflight[j.req.ID()] = j
	}
	return j
}

// work runs queued requests one at a time.
func (d *Driver) work(ctx context.Context) {
	for {
		j := d.dequeue()
		if j == nil {
			select {
			case <-ctx.Done():
				return
			case <-d.wake:
				continue
			}
		}
		j.resp.OnFinish(func() {
			j.cancel()
			d.mu.Lock()
			if d.inflight[j.req.ID()] == j {
				delete(d.inflight, j.req.ID())
			}
			d.mu.Unlock()
		})
		d.run(j)
	}
}

// run dispatches j, turning errors and panics into failed responses.
func (d *Driver) run(j *job) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			d.logger.Error("handler panicked", "command", j.req.Name(), "panic", r, "stack", stack)
			j.resp.Fail(fmt.Sprint(r), protocol.Message{"stack": stack})
		}
	}()

	h, err := d.handler(j.req)
	if err == nil {
		err = h(j.ctx, j.req, j.resp)
	}
	if err == nil {
		return
	}
	var fail *RequestFailure
	if errors.As(err, &fail) {
		j.resp.Fail(fail.Message, fail.Fields)
		return
	}
	d.logger.Warn("request failed", "command", j.req.Name(), "err", err)
	j.resp.Fail(err.Error(), nil)
}

// abort cancels a queued or running request. A queued target is dropped
// and failed; a running one is failed at once and told to stop.
func (d *Driver) abort(req *protocol.Abort) {
	resp := newResponder(d, req.ID(), req.Name())
	target := req.Target

	d.mu.Lock()
	var found *job
	for i, j := range d.queue {
		if j.req.ID() == target {
			found = j
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			d.metrics.QueueDepth.Set(float64(len(d.queue)))
			break
		}
	}
	if found == nil {
		found = d.inflight[target]
	}
	d.mu.Unlock()

	if found == nil || found.resp.Done() {
		resp.Fail(fmt.Sprintf("Request %s not found", target), nil)
		return
	}
	d.logger.Debug("aborting request", "id", target, "command", found.req.Name())
	found.resp.Fail("aborted", protocol.Message{"abort": true})
	found.cancel()
	resp.Success(nil)
}

// abandon fails requests that never ran and stops running ones.
func (d *Driver) abandon() {
	d.mu.Lock()
	queued := d.queue
	d.queue = nil
	running := make([]*job, 0, len(d.inflight))
	for _, j := range d.inflight {
		running = append(running, j)
	}
	d.mu.Unlock()
	for _, j := range queued {
		j.resp.Fail("aborted", protocol.Message{"abort": true})
		j.cancel()
	}
	for _, j := range running {
		j.cancel()
	}
}

// stop ends Serve after the current frame is written.
func (d *Driver) stop() {
	d.quitOnce.Do(func() { close(d.quit) })
}

// send queues a frame for the sender. Once the sender has stopped frames
// are dropped.
func (d *Driver) send(m protocol.Message) {
	select {
	case d.frames <- m:
	case <-d.senderDone:
	}
}

func (d *Driver) sendLoop() {
	defer close(d.senderDone)
	for {
		select {
		case m := <-d.frames:
			if !d.write(m) {
				return
			}
		case <-d.flush:
			for {
				select {
				case m := <-d.frames:
					if !d.write(m) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (d *Driver) write(m protocol.Message) bool {
	if err := protocol.WriteFrame(d.out, m); err != nil {
		d.sendErr = fmt.Errorf("driver: write: %w", err)
		d.logger.Warn("write failed, dropping output", "err", err)
		d.stop()
		return false
	}
	return true
}

// notify sends an unsolicited message.
func (d *Driver) notify(m protocol.Message) {
	d.send(m)
}

func (d *Driver) reportError(msg string) {
	d.logger.Warn("protocol error", "message", msg)
	d.notify(protocol.Message{protocol.KeyCommand: protocol.NotifyReportError, protocol.KeyMessage: msg})
}
