package eval

import (
	"fmt"
	"sync"
)

// Level is the severity of a status message.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Reasons passed to Controller.Done.
const (
	ReasonSuccess = "success"
	ReasonAborted = "aborted"
	ReasonTimeout = "timeout"
	ReasonError   = "error"
)

// Controller receives the status of one evaluation. Done is called
// exactly once.
type Controller interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
	Done(reason string)
	IsAborted() bool
}

// Message is a status message recorded by Ctlr.
type Message struct {
	Level Level
	Text  string
}

// Ctlr is a Controller that records messages and can be aborted.
type Ctlr struct {
	// OnMessage, when set, sees each message as it is reported.
	OnMessage func(Message)

	mu       sync.Mutex
	messages []Message
	aborted  bool
	onAbort  []func()
	reason   string
	done     chan struct{}
}

// NewCtlr returns a controller.
func NewCtlr() *Ctlr {
	return &Ctlr{done: make(chan struct{})}
}

func (c *Ctlr) report(level Level, format string, args []any) {
	m := Message{Level: level, Text: fmt.Sprintf(format, args...)}
	c.mu.Lock()
	c.messages = append(c.messages, m)
	fn := c.OnMessage
	c.mu.Unlock()
	if fn != nil {
		fn(m)
	}
}

func (c *Ctlr) Debug(format string, args ...any) { c.report(LevelDebug, format, args) }
func (c *Ctlr) Info(format string, args ...any)  { c.report(LevelInfo, format, args) }
func (c *Ctlr) Warn(format string, args ...any)  { c.report(LevelWarn, format, args) }
func (c *Ctlr) Error(format string, args ...any) { c.report(LevelError, format, args) }

// Done records reason. Later calls are ignored.
func (c *Ctlr) Done(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
	}
	c.reason = reason
	close(c.done)
}

// Wait returns a channel closed once Done has been called.
func (c *Ctlr) Wait() <-chan struct{} { return c.done }

// Reason returns the reason given to Done.
func (c *Ctlr) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Messages returns the messages reported so far.
func (c *Ctlr) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

// Last returns the last message at level or above, or "".
func (c *Ctlr) Last(level Level) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.messages) - 1; i >= 0; i-- {
		if rank(c.messages[i].Level) >= rank(level) {
			return c.messages[i].Text
		}
	}
	return ""
}

func rank(l Level) int {
	switch l {
	case LevelDebug:
		return 0
	case LevelInfo:
		return 1
	case LevelWarn:
		return 2
	}
	return 3
}

// Abort marks the evaluation aborted and wakes one that is suspended.
func (c *Ctlr) Abort() {
	c.mu.Lock()
	if c.aborted {
		c.mu.Unlock()
		return
	}
	c.aborted = true
	hooks := c.onAbort
	c.onAbort = nil
	c.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (c *Ctlr) IsAborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

// OnAbort registers fn to run when the controller is aborted. It runs at
// once if the controller already is.
func (c *Ctlr) OnAbort(fn func()) {
	c.mu.Lock()
	if !c.aborted {
		c.onAbort = append(c.onAbort, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn()
}
