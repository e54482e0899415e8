// Package client is the editor side of the engine protocol. A Manager runs
// one engine and demultiplexes its responses; a Service wraps the manager
// with buffers and editor callbacks; a Scheduler debounces editor events
// into requests.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jward/codeintel/internal/logging"
	"github.com/jward/codeintel/internal/protocol"
	"github.com/jward/codeintel/internal/transport"
)

// Transport modes.
const (
	ModePipe   = "pipe"
	ModeTCP    = "tcp"
	ModeServer = "server"
)

const (
	defaultRetryInterval = 3 * time.Second
	defaultSweepInterval = 60 * time.Second
	defaultStaleAfter    = 5 * time.Minute
	defaultOpenTimeout   = 30 * time.Second
	defaultKillGrace     = 5 * time.Second

	// maxMemoryKills caps engine restarts caused by memory errors.
	maxMemoryKills = 20
)

// ErrClosed is returned when sending to a manager that has shut down.
var ErrClosed = errors.New("client: manager is shut down")

// Config describes the engine a manager runs.
type Config struct {
	// Command is the engine executable, used by the default launcher.
	Command     string
	DatabaseDir string
	LogFile     string
	LogLevels   []string
	// Mode is ModePipe, ModeTCP or ModeServer.
	Mode       string
	ServerAddr string
	// ResetDBAsNecessary lets the manager reset a database that cannot be
	// upgraded or is broken.
	ResetDBAsNecessary bool
	Env                map[string]string
	Prefs              []map[string]any
}

// Callback receives the frames answering a request. Progress frames come
// first; the last call carries "success". An empty response means the
// request was dropped, because it went stale or the engine went away.
type Callback func(req, resp protocol.Message)

// NotificationKind says what a Notification reports.
type NotificationKind int

const (
	// NoteState reports a state change.
	NoteState NotificationKind = iota
	// NoteProgress reports a status message, with the progress frame if any.
	NoteProgress
	// NoteScanned relays scan-complete.
	NoteScanned
	// NoteReportMessage relays report-message.
	NoteReportMessage
	// NoteReportError relays report-error.
	NoteReportError
	// NotePrefsObserved relays global-prefs-observe.
	NotePrefsObserved
)

// Notification is what the manager tells its owner.
type Notification struct {
	Kind    NotificationKind
	State   State
	Message string
	Frame   protocol.Message
}

// LangInfo holds the completion characters of a language.
type LangInfo struct {
	FillupChars string
	StopChars   string
}

// Catalog is an API catalog the engine offers.
type Catalog struct {
	Name        string
	Lang        string
	Description string
	Path        string
	Selection   string
}

type pending struct {
	cb   Callback
	req  protocol.Message
	sent time.Time
}

type outbound struct {
	cb  Callback
	req protocol.Message
}

// Manager runs the engine, restarting it when it dies, and pairs responses
// with the requests that caused them. Requests passed to Send are held
// until the engine is ready.
type Manager struct {
	cfg      Config
	logger   *slog.Logger
	launcher Launcher
	notes    chan<- Notification
	respawn  *rate.Limiter

	retryInterval time.Duration
	sweepInterval time.Duration
	staleAfter    time.Duration
	openTimeout   time.Duration
	killGrace     time.Duration

	mu       sync.Mutex
	state    State
	changed  chan struct{}
	sess     *session
	nextID   uint64
	pending  map[string]*pending
	unsent   []outbound
	aborting map[string]bool
	memKills int
	started  bool
	cancel   context.CancelFunc

	langs    map[string][]string
	langInfo map[string]LangInfo
	catalogs []Catalog
	observed []string

	noteMu      sync.Mutex
	notesClosed bool

	wake chan struct{}
	done chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logging.Component(logger, "client") }
}

// WithLauncher replaces the default ExecLauncher.
func WithLauncher(l Launcher) Option {
	return func(m *Manager) { m.launcher = l }
}

// WithNotifications sets the channel the manager reports on. The owner
// must drain it; it is closed when Run returns.
func WithNotifications(ch chan<- Notification) Option {
	return func(m *Manager) { m.notes = ch }
}

// WithRetryInterval sets the minimum time between engine starts.
func WithRetryInterval(d time.Duration) Option {
	return func(m *Manager) { m.retryInterval = d }
}

// WithStaleRequests sets how often pending requests are swept and how old
// a request must be to be dropped.
func WithStaleRequests(every, after time.Duration) Option {
	return func(m *Manager) {
		m.sweepInterval = every
		m.staleAfter = after
	}
}

// WithOpenTimeout bounds how long a new engine has to connect.
func WithOpenTimeout(d time.Duration) Option {
	return func(m *Manager) { m.openTimeout = d }
}

// NewManager returns a manager for cfg. Run starts it.
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:           cfg,
		logger:        logging.Component(logging.NewDiscardLogger(), "client"),
		launcher:      ExecLauncher{Command: cfg.Command},
		retryInterval: defaultRetryInterval,
		sweepInterval: defaultSweepInterval,
		staleAfter:    defaultStaleAfter,
		openTimeout:   defaultOpenTimeout,
		killGrace:     defaultKillGrace,
		changed:       make(chan struct{}),
		pending:       make(map[string]*pending),
		aborting:      make(map[string]bool),
		langs:         make(map[string][]string),
		langInfo:      make(map[string]LangInfo),
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.respawn = rate.NewLimiter(rate.Every(m.retryInterval), 1)
	return m
}

// Run starts the engine and keeps it running until Shutdown, a fatal
// error, or ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("client: manager already started")
	}
	m.started = true
	m.cancel = cancel
	m.mu.Unlock()
	defer close(m.done)
	defer m.closeNotes()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.sendLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		m.sweepLoop(ctx)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	var runErr error
	for {
		if err := m.respawn.Wait(ctx); err != nil {
			break
		}
		if st := m.State(); st == StateQuitting || st.Terminal() {
			break
		}
		s, err := m.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			m.logger.Error("engine connection failed", "mode", m.cfg.Mode, "err", err)
			if m.cfg.Mode != ModeServer {
				runErr = err
				m.progress("Error starting CodeIntel engine: " + err.Error())
				break
			}
			m.setState(StateWaiting, "Waiting for CodeIntel server")
			continue
		}
		m.serve(ctx, s)
		if st := m.State(); st == StateQuitting || st.Terminal() || ctx.Err() != nil {
			break
		}
		m.setState(StateWaiting, "CodeIntel engine stopped, restarting")
		m.dropPending()
	}
	m.destroy()
	return runErr
}

// connect starts an engine when the transport needs one and opens the
// connection to it.
func (m *Manager) connect(ctx context.Context) (*session, error) {
	conn, err := m.newConnection()
	if err != nil {
		return nil, err
	}
	var proc Process
	if args := conn.CommandLineArgs(); args != nil {
		proc, err = m.launcher.Launch(ctx, engineArgs(m.cfg, args))
		if err != nil {
			conn.Close()
			return nil, err
		}
	}
	octx, cancel := context.WithTimeout(ctx, m.openTimeout)
	defer cancel()
	r, w, err := conn.Open(octx)
	if err != nil {
		conn.Close()
		if proc != nil {
			proc.Kill()
			go proc.Wait()
		}
		return nil, fmt.Errorf("client: open: %w", err)
	}
	return &session{conn: conn, proc: proc, r: r, w: w, exited: make(chan struct{})}, nil
}

func (m *Manager) newConnection() (transport.Connection, error) {
	switch m.cfg.Mode {
	case ModeServer:
		return transport.NewServer(m.cfg.ServerAddr), nil
	case ModeTCP:
		t, err := transport.NewTCP()
		if err != nil {
			return nil, err
		}
		return t, nil
	case ModePipe, "":
		p, err := transport.NewPipe("")
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, fmt.Errorf("client: unknown transport %q", m.cfg.Mode)
}

// serve runs one engine session until its stream ends.
func (m *Manager) serve(ctx context.Context, s *session) {
	m.mu.Lock()
	m.sess = s
	m.mu.Unlock()

	if s.proc != nil {
		go m.watch(s)
	}
	frames := make(chan protocol.Message, 64)
	readErr := make(chan error, 1)
	go func() { readErr <- m.readLoop(s, frames) }()
	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		for f := range frames {
			m.handle(s, f)
		}
	}()

	m.setState(StateConnected, "Connected to CodeIntel engine")
	m.initialize(s)

	select {
	case err := <-readErr:
		if err != nil && !errors.Is(err, io.EOF) {
			m.logger.Warn("engine stream failed", "err", err)
		}
	case <-ctx.Done():
	}
	s.close()
	<-dispatched

	m.mu.Lock()
	m.sess = nil
	m.mu.Unlock()

	if s.proc != nil {
		select {
		case <-s.exited:
		case <-time.After(m.killGrace):
			m.logger.Warn("engine did not exit, killing it")
			s.proc.Kill()
			<-s.exited
		}
	}
}

// watch closes the session when the engine process exits.
func (m *Manager) watch(s *session) {
	err := s.proc.Wait()
	close(s.exited)
	if st := m.State(); st != StateQuitting && st != StateDestroyed {
		m.logger.Warn("engine exited", "err", err)
	}
	s.close()
}

func (m *Manager) readLoop(s *session, frames chan<- protocol.Message) error {
	defer close(frames)
	r := protocol.NewReader(s.r)
	for {
		msg, err := r.Read()
		if errors.Is(err, protocol.ErrMalformed) {
			m.logger.Warn("discarding malformed frame", "err", err)
			continue
		}
		if err != nil {
			return err
		}
		frames <- msg
	}
}

// handle pairs a frame with its request, or dispatches it as a
// notification.
func (m *Manager) handle(s *session, msg protocol.Message) {
	if len(msg) == 0 {
		return
	}
	id := msg.ReqID()
	m.mu.Lock()
	p, ok := m.pending[id]
	if ok && msg.Command() != "" && msg.Command() != p.req.Command() {
		ok = false
	}
	if ok {
		if msg.IsFinal() {
			delete(m.pending, id)
			delete(m.aborting, id)
		} else {
			p.sent = time.Now()
		}
	}
	m.mu.Unlock()

	switch {
	case ok:
		if p.cb != nil {
			p.cb(p.req, msg)
		}
	case id != "" && msg.Command() == "":
		m.logger.Debug("discarding response to unknown request", "id", id)
	default:
		m.unsolicited(s, msg)
	}
}

func (m *Manager) unsolicited(s *session, msg protocol.Message) {
	switch msg.Command() {
	case protocol.NotifyScanComplete:
		m.notify(Notification{Kind: NoteScanned, Frame: msg})
	case protocol.NotifyReportMessage:
		if isMemoryError(msg) {
			m.memoryError(s)
			return
		}
		m.notify(Notification{Kind: NoteReportMessage, Message: msg.String(protocol.KeyMessage), Frame: msg})
	case protocol.NotifyReportError:
		m.logger.Error("engine reported an error", "message", msg.String(protocol.KeyMessage))
		m.notify(Notification{Kind: NoteReportError, Message: msg.String(protocol.KeyMessage), Frame: msg})
	case protocol.NotifyGlobalPrefsObserve:
		m.mu.Lock()
		for _, name := range msg.Strings("add") {
			if !slices.Contains(m.observed, name) {
				m.observed = append(m.observed, name)
			}
		}
		m.mu.Unlock()
		m.notify(Notification{Kind: NotePrefsObserved, Frame: msg})
	default:
		m.logger.Warn("unexpected frame from engine", "command", msg.Command(), "id", msg.ReqID())
	}
}

func isMemoryError(msg protocol.Message) bool {
	text := msg.String(protocol.KeyMessage)
	return msg.String("type") == "logging" &&
		strings.HasSuffix(text, "MemoryError") &&
		strings.Contains(text, "Traceback (most recent call last):")
}

// memoryError kills the engine so that it is restarted with a fresh heap.
func (m *Manager) memoryError(s *session) {
	m.mu.Lock()
	if m.memKills >= maxMemoryKills {
		m.mu.Unlock()
		m.logger.Error("engine out of memory, restart limit reached")
		return
	}
	m.memKills++
	n := m.memKills
	m.mu.Unlock()
	m.logger.Error("engine out of memory, restarting", "restarts", n)
	m.progress("CodeIntel engine ran out of memory, restarting")
	s.kill()
}

// send writes req on s. The request stays in the table until its final
// frame arrives, it goes stale, or the session ends.
func (m *Manager) send(s *session, cb Callback, req protocol.Message) string {
	frame := req.Clone()
	m.mu.Lock()
	id := fmt.Sprintf("%#x", m.nextID)
	m.nextID++
	frame[protocol.KeyReqID] = id
	m.pending[id] = &pending{cb: cb, req: frame.Without("text", "env"), sent: time.Now()}
	m.mu.Unlock()

	if err := s.write(frame); err != nil {
		m.logger.Warn("write to engine failed", "command", req.Command(), "err", err)
		m.progress("Error writing to CodeIntel engine")
		s.close()
	}
	return id
}

// Send queues req. It is written once the engine is ready, and cb gets
// its responses.
func (m *Manager) Send(cb Callback, req protocol.Message) error {
	if req.Command() == "" {
		return errors.New("client: request has no command")
	}
	m.mu.Lock()
	if m.state == StateQuitting || m.state.Terminal() {
		m.mu.Unlock()
		return ErrClosed
	}
	m.unsent = append(m.unsent, outbound{cb: cb, req: req})
	m.mu.Unlock()
	m.kick()
	return nil
}

func (m *Manager) kick() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// sendLoop writes queued requests while the engine is ready.
func (m *Manager) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		}
		for {
			m.mu.Lock()
			if m.state != StateReady || m.sess == nil || len(m.unsent) == 0 {
				m.mu.Unlock()
				break
			}
			o := m.unsent[0]
			m.unsent[0] = outbound{}
			m.unsent = m.unsent[1:]
			s := m.sess
			m.mu.Unlock()
			m.send(s, o.cb, o.req)
		}
	}
}

func (m *Manager) sweepLoop(ctx context.Context) {
	t := time.NewTicker(m.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			m.sweep(now)
		}
	}
}

// sweep drops requests that have not heard from the engine in staleAfter.
func (m *Manager) sweep(now time.Time) int {
	m.mu.Lock()
	var stale []*pending
	for id, p := range m.pending {
		if now.Sub(p.sent) > m.staleAfter {
			stale = append(stale, p)
			delete(m.pending, id)
			delete(m.aborting, id)
		}
	}
	m.mu.Unlock()
	for _, p := range stale {
		m.logger.Warn("dropping stale request", "id", p.req.ReqID(), "command", p.req.Command())
		if p.cb != nil {
			p.cb(p.req, protocol.Message{})
		}
	}
	return len(stale)
}

// dropPending answers every pending request with an empty response.
func (m *Manager) dropPending() {
	m.mu.Lock()
	dropped := make([]*pending, 0, len(m.pending))
	for _, p := range m.pending {
		dropped = append(dropped, p)
	}
	m.pending = make(map[string]*pending)
	m.aborting = make(map[string]bool)
	m.mu.Unlock()
	for _, p := range dropped {
		if p.cb != nil {
			p.cb(p.req, protocol.Message{})
		}
	}
}

// Abort asks the engine to abort every pending request.
func (m *Manager) Abort() {
	m.mu.Lock()
	s := m.sess
	var ids []string
	for id, p := range m.pending {
		switch p.req.Command() {
		case protocol.CmdAbort, protocol.CmdQuit:
			continue
		}
		if !m.aborting[id] {
			m.aborting[id] = true
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	if s == nil {
		return
	}
	slices.Sort(ids)
	for _, id := range ids {
		m.send(s, nil, protocol.Message{protocol.KeyCommand: protocol.CmdAbort, "id": id})
	}
}

// Shutdown aborts pending requests, asks the engine to quit and waits for
// Run to return. When ctx ends first the engine is killed.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	started, s, st := m.started, m.sess, m.state
	m.mu.Unlock()
	if !started {
		m.mu.Lock()
		m.state = StateDestroyed
		m.mu.Unlock()
		return nil
	}
	if st == StateDestroyed || st.Terminal() && s == nil {
		<-m.done
		return nil
	}
	m.Abort()
	m.setState(StateQuitting, "Shutting down CodeIntel engine")
	if s != nil {
		m.send(s, func(_, _ protocol.Message) { s.close() }, protocol.Message{protocol.KeyCommand: protocol.CmdQuit})
	} else {
		m.stop()
	}
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		m.stop()
		<-m.done
		return ctx.Err()
	}
}

func (m *Manager) stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// destroy answers everything still waiting and settles the final state.
func (m *Manager) destroy() {
	m.mu.Lock()
	unsent := m.unsent
	m.unsent = nil
	st := m.state
	m.mu.Unlock()
	m.dropPending()
	for _, o := range unsent {
		if o.cb != nil {
			o.cb(o.req, protocol.Message{})
		}
	}
	if st != StateBroken && st != StateAborted {
		m.setState(StateDestroyed, "CodeIntel engine stopped")
	}
}

// Done is closed when Run has returned.
func (m *Manager) Done() <-chan struct{} { return m.done }

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// WaitState blocks until the manager is in one of want.
func (m *Manager) WaitState(ctx context.Context, want ...State) (State, error) {
	for {
		m.mu.Lock()
		st, ch := m.state, m.changed
		m.mu.Unlock()
		if slices.Contains(want, st) {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ch:
		}
	}
}

func (m *Manager) setState(st State, msg string) {
	m.mu.Lock()
	if m.state == st || m.state == StateDestroyed {
		m.mu.Unlock()
		return
	}
	m.state = st
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()
	m.logger.Info("manager state changed", "state", st, "message", msg)
	m.notify(Notification{Kind: NoteState, State: st, Message: msg})
	if st == StateReady {
		m.kick()
	}
}

func (m *Manager) progress(msg string) {
	m.notify(Notification{Kind: NoteProgress, State: m.State(), Message: msg})
}

func (m *Manager) notify(n Notification) {
	m.noteMu.Lock()
	defer m.noteMu.Unlock()
	if m.notes != nil && !m.notesClosed {
		m.notes <- n
	}
}

func (m *Manager) closeNotes() {
	m.noteMu.Lock()
	defer m.noteMu.Unlock()
	if m.notes != nil && !m.notesClosed {
		m.notesClosed = true
		close(m.notes)
	}
}

// Languages returns the languages of a get-languages type, as reported by
// the engine at startup.
func (m *Manager) Languages(typ string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.langs[typ])
}

// LanguageInfo returns the completion characters of a completion language.
func (m *Manager) LanguageInfo(language string) (LangInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.langInfo[language]
	return info, ok
}

// Catalogs returns the catalogs from the last get-available-catalogs.
func (m *Manager) Catalogs() []Catalog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.catalogs)
}

// ObservedPrefs returns the global preferences the engine watches.
func (m *Manager) ObservedPrefs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.observed)
}

// SetEnvironment replaces the global environment and sends it to the
// engine.
func (m *Manager) SetEnvironment(env map[string]string, prefs []map[string]any) error {
	m.mu.Lock()
	m.cfg.Env, m.cfg.Prefs = env, prefs
	m.mu.Unlock()
	return m.Send(nil, environmentRequest(env, prefs))
}

func environmentRequest(env map[string]string, prefs []map[string]any) protocol.Message {
	req := protocol.Message{protocol.KeyCommand: protocol.CmdSetEnvironment}
	if env != nil {
		req["env"] = env
	}
	if prefs != nil {
		req["prefs"] = prefs
	}
	return req
}

// UpdateCatalogs refreshes the catalog list; cb, when set, runs after.
func (m *Manager) UpdateCatalogs(cb func([]Catalog)) error {
	return m.Send(func(_, resp protocol.Message) {
		if !resp.IsFinal() {
			return
		}
		if resp.Success() {
			m.storeCatalogs(resp)
		}
		if cb != nil {
			cb(m.Catalogs())
		}
	}, protocol.Message{protocol.KeyCommand: protocol.CmdGetAvailableCatalogs})
}

func (m *Manager) storeCatalogs(resp protocol.Message) {
	var cats []Catalog
	for _, v := range resp.List("catalogs") {
		c, ok := v.(map[string]any)
		if !ok {
			continue
		}
		cm := protocol.Message(c)
		cats = append(cats, Catalog{
			Name:        cm.String("name"),
			Lang:        cm.String("lang"),
			Description: cm.String("description"),
			Path:        cm.String("cix_path"),
			Selection:   cm.String("selection"),
		})
	}
	m.mu.Lock()
	m.catalogs = cats
	m.mu.Unlock()
}

// session is one connection to one engine.
type session struct {
	conn transport.Connection
	proc Process
	r    io.ReadCloser
	w    io.WriteCloser

	wmu    sync.Mutex
	once   sync.Once
	exited chan struct{}
}

func (s *session) write(m protocol.Message) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return protocol.WriteFrame(s.w, m)
}

// close ends the streams. The engine sees end of input and exits.
func (s *session) close() {
	s.once.Do(func() {
		s.w.Close()
		s.r.Close()
		s.conn.Close()
	})
}

// kill stops the engine outright, or drops the connection to a server.
func (s *session) kill() {
	if s.proc != nil {
		s.proc.Kill()
		return
	}
	s.close()
}
