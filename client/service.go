package client

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/jward/codeintel/internal/logging"
	"github.com/jward/codeintel/internal/protocol"
)

// Observer topics.
const (
	TopicStatus        = "status_message"
	TopicError         = "error_message"
	TopicState         = "state"
	TopicScanned       = "codeintel_buffer_scanned"
	TopicReportMessage = "report_message"
	TopicPrefsObserved = "global_prefs_observe"
)

// ErrDisabled is returned by requests to a disabled service.
var ErrDisabled = errors.New("client: service is disabled")

// ProxyFunc runs fn on the editor's UI goroutine.
type ProxyFunc func(fn func())

// Observer hears engine status changes and scan results.
type Observer interface {
	Observe(topic string, data protocol.Message)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(topic string, data protocol.Message)

func (f ObserverFunc) Observe(topic string, data protocol.Message) { f(topic, data) }

// Service is the editor-facing side: it owns the manager, the buffers of
// open views and the observers. Every editor-visible callback goes through
// the proxy.
type Service struct {
	cfg     Config
	logger  *slog.Logger
	proxy   ProxyFunc
	mgrOpts []Option

	mu        sync.Mutex
	enabled   bool
	mgr       *Manager
	relayed   chan struct{}
	queued    []outbound
	observers []Observer
	buffers   map[string]*Buffer
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithProxy sets how callbacks reach the UI goroutine. By default they run
// on the manager's dispatch goroutine.
func WithProxy(p ProxyFunc) ServiceOption {
	return func(s *Service) { s.proxy = p }
}

// WithServiceLogger sets the logger used by the service and its manager.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logging.Component(logger, "service")
		s.mgrOpts = append(s.mgrOpts, WithLogger(logger))
	}
}

// WithManagerOptions passes options to every manager the service starts.
func WithManagerOptions(opts ...Option) ServiceOption {
	return func(s *Service) { s.mgrOpts = append(s.mgrOpts, opts...) }
}

func NewService(cfg Config, opts ...ServiceOption) *Service {
	s := &Service{
		cfg:     cfg,
		logger:  logging.Component(logging.NewDiscardLogger(), "service"),
		proxy:   func(fn func()) { fn() },
		enabled: true,
		buffers: make(map[string]*Buffer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Activate starts the engine unless it is already running. Requests sent
// before activation are forwarded.
func (s *Service) Activate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return ErrDisabled
	}
	if s.mgr != nil {
		return nil
	}
	notes := make(chan Notification, 64)
	mgr := NewManager(s.cfg, append(slices.Clone(s.mgrOpts), WithNotifications(notes))...)
	relayed := make(chan struct{})
	go func() {
		defer close(relayed)
		s.relay(notes)
	}()
	go func() {
		if err := mgr.Run(ctx); err != nil {
			s.logger.Error("engine manager stopped", "err", err)
		}
	}()
	for _, o := range s.queued {
		if err := mgr.Send(o.cb, o.req); err != nil {
			s.logger.Warn("dropping queued request", "command", o.req.Command(), "err", err)
		}
	}
	s.queued = nil
	s.mgr, s.relayed = mgr, relayed
	return nil
}

// Deactivate shuts the engine down and waits for the last notification.
func (s *Service) Deactivate(ctx context.Context) error {
	s.mu.Lock()
	mgr, relayed := s.mgr, s.relayed
	s.mgr, s.relayed = nil, nil
	s.mu.Unlock()
	if mgr == nil {
		return nil
	}
	err := mgr.Shutdown(ctx)
	<-relayed
	return err
}

// SetEnabled turns the service on or off. Disabling shuts the engine
// down.
func (s *Service) SetEnabled(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	s.enabled = enabled
	s.mu.Unlock()
	if !enabled {
		return s.Deactivate(ctx)
	}
	return nil
}

// Manager returns the running manager, or nil.
func (s *Service) Manager() *Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mgr
}

// Send queues req for the engine, with cb run through the proxy. A request
// sent before activation is held for it unless it is discardable.
func (s *Service) Send(cb Callback, req protocol.Message, discardable bool) error {
	if cb != nil {
		inner := cb
		cb = func(req, resp protocol.Message) {
			s.proxy(func() { inner(req, resp) })
		}
	}
	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	mgr := s.mgr
	if mgr == nil {
		if !discardable {
			s.queued = append(s.queued, outbound{cb: cb, req: req})
		}
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return mgr.Send(cb, req)
}

// Cancel aborts every pending request.
func (s *Service) Cancel() {
	if mgr := s.Manager(); mgr != nil {
		mgr.Abort()
	}
}

// AddObserver registers o for status and scan notifications.
func (s *Service) AddObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

func (s *Service) notifyObservers(topic string, data protocol.Message) {
	s.mu.Lock()
	observers := slices.Clone(s.observers)
	s.mu.Unlock()
	if len(observers) == 0 {
		return
	}
	s.proxy(func() {
		for _, o := range observers {
			o.Observe(topic, data)
		}
	})
}

// relay turns manager notifications into observer topics.
func (s *Service) relay(notes <-chan Notification) {
	for n := range notes {
		switch n.Kind {
		case NoteState:
			s.notifyObservers(TopicState, protocol.Message{"state": n.State.String(), protocol.KeyMessage: n.Message})
			if n.Message == "" {
				continue
			}
			topic := TopicStatus
			if n.State == StateBroken || n.State == StateAborted {
				topic = TopicError
			}
			s.notifyObservers(topic, protocol.Message{protocol.KeyMessage: n.Message})
		case NoteProgress:
			data := protocol.Message{protocol.KeyMessage: n.Message}
			if p, ok := n.Frame.Int("progress"); ok {
				data["progress"] = p
				data["total"] = 100
			}
			s.notifyObservers(TopicStatus, data)
		case NoteScanned:
			s.notifyObservers(TopicScanned, n.Frame)
		case NoteReportMessage:
			s.notifyObservers(TopicReportMessage, n.Frame)
		case NoteReportError:
			s.notifyObservers(TopicError, protocol.Message{protocol.KeyMessage: n.Message})
		case NotePrefsObserved:
			s.notifyObservers(TopicPrefsObserved, n.Frame)
		}
	}
}

// Languages returns the engine's languages of a get-languages type.
func (s *Service) Languages(typ string) []string {
	if mgr := s.Manager(); mgr != nil {
		return mgr.Languages(typ)
	}
	return nil
}

// IsCplnLang reports whether the engine completes lang.
func (s *Service) IsCplnLang(lang string) bool {
	return slices.Contains(s.Languages(protocol.LangTypeCompletion), lang)
}

// LanguageInfo returns the completion characters of lang.
func (s *Service) LanguageInfo(lang string) (LangInfo, bool) {
	if mgr := s.Manager(); mgr != nil {
		return mgr.LanguageInfo(lang)
	}
	return LangInfo{}, false
}

// Catalogs returns the catalogs the engine offers.
func (s *Service) Catalogs() []Catalog {
	if mgr := s.Manager(); mgr != nil {
		return mgr.Catalogs()
	}
	return nil
}

// SetEnvironment replaces the global environment.
func (s *Service) SetEnvironment(env map[string]string, prefs []map[string]any) error {
	s.mu.Lock()
	s.cfg.Env, s.cfg.Prefs = env, prefs
	mgr := s.mgr
	s.mu.Unlock()
	if mgr == nil {
		return nil
	}
	return mgr.SetEnvironment(env, prefs)
}

// Call sends req and waits for its final response.
func (s *Service) Call(ctx context.Context, req protocol.Message) (protocol.Message, error) {
	mgr := s.Manager()
	if mgr == nil {
		return nil, ErrClosed
	}
	done := make(chan protocol.Message, 1)
	err := mgr.Send(func(_, resp protocol.Message) {
		if len(resp) == 0 || resp.IsFinal() {
			done <- resp
		}
	}, req)
	if err != nil {
		return nil, err
	}
	select {
	case resp := <-done:
		if len(resp) == 0 {
			return nil, errors.New("client: request dropped")
		}
		if !resp.Success() {
			return resp, errors.New(resp.String(protocol.KeyMessage))
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// MemoryReport returns the engine's memory and counter report.
func (s *Service) MemoryReport(ctx context.Context) (protocol.Message, error) {
	resp, err := s.Call(ctx, protocol.Message{protocol.KeyCommand: protocol.CmdMemoryReport})
	if err != nil {
		return nil, err
	}
	return resp.Map("memory"), nil
}

// AddDirs asks the engine to scan dirs as libraries of language.
func (s *Service) AddDirs(ctx context.Context, language string, dirs ...string) (int, error) {
	resp, err := s.Call(ctx, protocol.Message{protocol.KeyCommand: protocol.CmdAddDirs, "language": language, "dirs": dirs})
	if err != nil {
		return 0, err
	}
	n, _ := resp.Int("queued")
	return n, nil
}

// Buffer returns the buffer of a view, creating it on first use. A
// language change replaces the buffer.
func (s *Service) Buffer(view, lang, path string) *Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buffers[view]; ok && b.Lang == lang {
		b.setPath(path)
		return b
	}
	b := &Buffer{svc: s, View: view, Lang: lang, path: path}
	s.buffers[view] = b
	return b
}

// BufferForPath finds the buffer showing path.
func (s *Service) BufferForPath(path string) (*Buffer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.buffers {
		if b.Path() == path {
			return b, true
		}
	}
	return nil, false
}

// CloseBuffer forgets the buffer of a closed view.
func (s *Service) CloseBuffer(view string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buffers, view)
}
