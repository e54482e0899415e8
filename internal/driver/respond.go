package driver

import (
	"fmt"
	"sync"

	"github.com/jward/codeintel/internal/protocol"
)

// RequestFailure is an error a handler returns to fail its request with a
// message and extra response fields.
type RequestFailure struct {
	Message string
	Fields  protocol.Message
}

func (f *RequestFailure) Error() string { return f.Message }

// Failf returns a RequestFailure with a formatted message.
func Failf(format string, args ...any) *RequestFailure {
	return &RequestFailure{Message: fmt.Sprintf(format, args...)}
}

// Responder sends the frames answering one request. After the final
// frame, whether from Success, Fail or an abort, further calls are
// ignored.
type Responder struct {
	d       *Driver
	id      string
	command string

	mu       sync.Mutex
	done     bool
	onFinish []func()
}

func newResponder(d *Driver, id, command string) *Responder {
	return &Responder{d: d, id: id, command: command}
}

// ID returns the request id.
func (r *Responder) ID() string { return r.id }

// Done reports whether the final frame has been sent.
func (r *Responder) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Progress sends a frame without success.
func (r *Responder) Progress(fields protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.d.send(r.frame(fields))
}

// Success sends the final successful frame.
func (r *Responder) Success(fields protocol.Message) {
	r.finish(true, fields)
}

// Fail sends the final failed frame with message.
func (r *Responder) Fail(message string, fields protocol.Message) {
	m := protocol.Message{protocol.KeyMessage: message}
	for k, v := range fields {
		m[k] = v
	}
	r.finish(false, m)
}

func (r *Responder) finish(success bool, fields protocol.Message) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.done = true
	m := r.frame(fields)
	m[protocol.KeySuccess] = success
	r.d.send(m)
	hooks := r.onFinish
	r.onFinish = nil
	r.mu.Unlock()

	outcome := "success"
	if !success {
		outcome = "fail"
	}
	r.d.metrics.Requests.WithLabelValues(r.command, outcome).Inc()
	for _, fn := range hooks {
		fn()
	}
}

// OnFinish registers fn to run after the final frame.
func (r *Responder) OnFinish(fn func()) {
	r.mu.Lock()
	if !r.done {
		r.onFinish = append(r.onFinish, fn)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	fn()
}

func (r *Responder) frame(fields protocol.Message) protocol.Message {
	m := make(protocol.Message, len(fields)+2)
	for k, v := range fields {
		m[k] = v
	}
	if r.id != "" {
		m[protocol.KeyReqID] = r.id
	}
	if _, ok := m[protocol.KeyCommand]; !ok && r.command != "" {
		m[protocol.KeyCommand] = r.command
	}
	return m
}
