package driver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/codeintel"
	"github.com/jward/codeintel/internal/database"
	"github.com/jward/codeintel/internal/logging"
	"github.com/jward/codeintel/internal/protocol"
)

// harness runs a driver over in-memory pipes.
type harness struct {
	t      *testing.T
	engine *codeintel.Engine
	d      *Driver
	in     *io.PipeWriter
	out    chan protocol.Message
	held   []protocol.Message

	done     chan struct{}
	serveErr error
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	e, err := codeintel.New(t.TempDir(), codeintel.WithLogger(logging.NewDiscardLogger()))
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	h := &harness{
		t:      t,
		engine: e,
		in:     inW,
		out:    make(chan protocol.Message, 1024),
		done:   make(chan struct{}),
	}
	h.d = New(e, inR, outW, opts...)
	go func() {
		h.serveErr = h.d.Serve(context.Background())
		outW.Close()
		close(h.done)
	}()
	go func() {
		defer close(h.out)
		r := protocol.NewReader(outR)
		for {
			m, err := r.Read()
			if err != nil {
				return
			}
			h.out <- m
		}
	}()
	t.Cleanup(func() {
		inW.Close()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Error("driver did not stop")
		}
		e.Close()
	})

	assert.Empty(t, h.next(), "handshake")
	return h
}

func (h *harness) next() protocol.Message {
	h.t.Helper()
	select {
	case m, ok := <-h.out:
		require.True(h.t, ok, "output closed")
		return m
	case <-time.After(30 * time.Second):
		require.FailNow(h.t, "timed out waiting for a frame")
	}
	return nil
}

func (h *harness) send(id, command string, fields protocol.Message) {
	h.t.Helper()
	m := protocol.Message{protocol.KeyCommand: command}
	if id != "" {
		m[protocol.KeyReqID] = id
	}
	for k, v := range fields {
		m[k] = v
	}
	require.NoError(h.t, protocol.WriteFrame(h.in, m))
}

// replies returns every frame for id up to and including the final one.
// Frames for other requests are held for later calls.
func (h *harness) replies(id string) []protocol.Message {
	h.t.Helper()
	var got []protocol.Message
	var kept []protocol.Message
	for _, m := range h.held {
		if m.ReqID() == id && (len(got) == 0 || !got[len(got)-1].IsFinal()) {
			got = append(got, m)
			continue
		}
		kept = append(kept, m)
	}
	h.held = kept
	for len(got) == 0 || !got[len(got)-1].IsFinal() {
		m := h.next()
		if m.ReqID() != id {
			h.held = append(h.held, m)
			continue
		}
		got = append(got, m)
	}
	return got
}

func (h *harness) reply(id string) protocol.Message {
	h.t.Helper()
	rs := h.replies(id)
	return rs[len(rs)-1]
}

// notification returns the first held or upcoming notification of kind.
func (h *harness) notification(kind string) protocol.Message {
	h.t.Helper()
	for i, m := range h.held {
		if m.ReqID() == "" && m.Command() == kind {
			h.held = append(h.held[:i], h.held[i+1:]...)
			return m
		}
	}
	for {
		m := h.next()
		if m.ReqID() == "" && m.Command() == kind {
			return m
		}
		h.held = append(h.held, m)
	}
}

func (h *harness) wait() error {
	h.t.Helper()
	select {
	case <-h.done:
		return h.serveErr
	case <-time.After(5 * time.Second):
		require.FailNow(h.t, "driver did not stop")
	}
	return nil
}

func TestServe_HandshakeObservesPrefs(t *testing.T) {
	h := newHarness(t)
	m := h.notification(protocol.NotifyGlobalPrefsObserve)
	assert.Contains(t, m.Strings("add"), "pythonExtraPaths")
	assert.Contains(t, m.Strings("add"), codeintel.PrefSelectedCatalogs)
}

func TestServe_GetLanguages(t *testing.T) {
	h := newHarness(t)

	h.send("1", protocol.CmdGetLanguages, protocol.Message{"type": protocol.LangTypeCitadel})
	r := h.reply("1")
	assert.True(t, r.Success())
	assert.Equal(t, protocol.CmdGetLanguages, r.Command())
	assert.ElementsMatch(t, []string{"JavaScript", "Node.js", "Python", "Python3"}, r.Strings("languages"))

	h.send("2", protocol.CmdGetLanguages, protocol.Message{"type": "nonsense"})
	r = h.reply("2")
	assert.False(t, r.Success())
	assert.Equal(t, "Unknown language type nonsense", r.String(protocol.KeyMessage))
}

func TestServe_GetLanguageInfo(t *testing.T) {
	h := newHarness(t)

	h.send("1", protocol.CmdGetLanguageInfo, protocol.Message{"language": "Python"})
	r := h.reply("1")
	require.True(t, r.Success())
	assert.True(t, r.Has("completion-fillup-chars"))
	assert.True(t, r.Has("completion-stop-chars"))

	h.send("2", protocol.CmdGetLanguageInfo, protocol.Message{"language": "Cobol"})
	r = h.reply("2")
	assert.False(t, r.Success())
	assert.Equal(t, "Unknown language Cobol", r.String(protocol.KeyMessage))
}

func TestServe_DatabaseInfo(t *testing.T) {
	h := newHarness(t)
	h.send("1", protocol.CmdDatabaseInfo, nil)
	r := h.reply("1")
	require.True(t, r.Success())
	assert.Equal(t, string(database.StatePreloadNeeded), r.String("state"))
	assert.True(t, r.Has("state-detail"))
}

func TestServe_ParseFailures(t *testing.T) {
	h := newHarness(t)

	h.send("7", protocol.CmdGetLanguageInfo, nil)
	r := h.reply("7")
	assert.False(t, r.Success())
	assert.Equal(t, "No language given", r.String(protocol.KeyMessage))

	require.NoError(t, protocol.WriteFrame(h.in, protocol.Message{"foo": 1}))
	m := h.notification(protocol.NotifyReportError)
	assert.Contains(t, m.String(protocol.KeyMessage), "No command given")
}

func TestServe_UnknownCommand(t *testing.T) {
	h := newHarness(t)
	h.send("1", "frobnicate", nil)
	r := h.reply("1")
	assert.False(t, r.Success())
	assert.Equal(t, "Don't know how to handle command frobnicate", r.String(protocol.KeyMessage))
}

func TestServe_PanicBecomesFailure(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.d.Register("boom", func(context.Context, protocol.Request, *Responder) error {
		panic("kaboom")
	}))

	h.send("1", "boom", nil)
	r := h.reply("1")
	assert.False(t, r.Success())
	assert.Equal(t, "kaboom", r.String(protocol.KeyMessage))
	assert.Contains(t, r.String("stack"), "goroutine")

	// The worker survives.
	h.send("2", protocol.CmdDatabaseInfo, nil)
	assert.True(t, h.reply("2").Success())
}

func TestServe_HandlerErrors(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.d.Register("plain", func(context.Context, protocol.Request, *Responder) error {
		return errors.New("plain failure")
	}))
	require.NoError(t, h.d.Register("fields", func(context.Context, protocol.Request, *Responder) error {
		return &RequestFailure{Message: "with fields", Fields: protocol.Message{"detail": "x"}}
	}))

	h.send("1", "plain", nil)
	r := h.reply("1")
	assert.False(t, r.Success())
	assert.Equal(t, "plain failure", r.String(protocol.KeyMessage))

	h.send("2", "fields", nil)
	r = h.reply("2")
	assert.False(t, r.Success())
	assert.Equal(t, "with fields", r.String(protocol.KeyMessage))
	assert.Equal(t, "x", r.String("detail"))
}

func TestRegister_RejectsBuiltins(t *testing.T) {
	h := newHarness(t)
	err := h.d.Register(protocol.CmdEval, func(context.Context, protocol.Request, *Responder) error { return nil })
	assert.Error(t, err)
}

func TestServe_Abort(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	stopped := make(chan struct{})
	require.NoError(t, h.d.Register("block", func(ctx context.Context, _ protocol.Request, resp *Responder) error {
		close(started)
		<-ctx.Done()
		close(stopped)
		resp.Success(protocol.Message{"late": true})
		return nil
	}))

	h.send("1", "block", nil)
	<-started
	h.send("2", protocol.CmdDatabaseInfo, nil)

	// Queued: dropped without running.
	h.send("a2", protocol.CmdAbort, protocol.Message{"id": "2"})
	r := h.reply("2")
	assert.False(t, r.Success())
	assert.Equal(t, "aborted", r.String(protocol.KeyMessage))
	assert.True(t, h.reply("a2").Success())

	// Running: failed at once, then cancelled.
	h.send("a1", protocol.CmdAbort, protocol.Message{"id": "1"})
	r = h.reply("1")
	assert.False(t, r.Success())
	assert.Equal(t, "aborted", r.String(protocol.KeyMessage))
	assert.True(t, h.reply("a1").Success())
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "handler was not cancelled")
	}

	// Unknown.
	h.send("a3", protocol.CmdAbort, protocol.Message{"id": "nope"})
	r = h.reply("a3")
	assert.False(t, r.Success())
	assert.Equal(t, "Request nope not found", r.String(protocol.KeyMessage))

	// The late success of request 1 is never sent.
	h.send("3", protocol.CmdDatabaseInfo, nil)
	assert.True(t, h.reply("3").Success())
	for _, m := range h.held {
		assert.NotEqual(t, "1", m.ReqID())
	}
}

func TestServe_Quit(t *testing.T) {
	h := newHarness(t)
	h.send("1", protocol.CmdQuit, nil)
	r := h.reply("1")
	assert.True(t, r.Success())
	assert.Equal(t, protocol.CmdQuit, r.Command())
	assert.NoError(t, h.wait())
}

func TestServe_EndOfInputStops(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.in.Close())
	assert.NoError(t, h.wait())
}

func TestServe_InvalidFrameStops(t *testing.T) {
	h := newHarness(t)
	_, err := h.in.Write([]byte("xyz{}"))
	require.NoError(t, err)
	m := h.notification(protocol.NotifyReportError)
	assert.NotEmpty(t, m.String(protocol.KeyMessage))
	assert.ErrorIs(t, h.wait(), protocol.ErrInvalidFrame)
}

func TestServe_LoadExtension(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "echo.risor"), []byte("result := {\"echo\": request[\"word\"]}\nresult\n"), 0o644))

	h.send("1", protocol.CmdLoadExtension, protocol.Message{"path": dir})
	r := h.reply("1")
	require.True(t, r.Success(), r.String(protocol.KeyMessage))
	assert.Equal(t, []string{"echo"}, r.Strings("commands"))

	h.send("2", "echo", protocol.Message{"word": "hi"})
	r = h.reply("2")
	require.True(t, r.Success(), r.String(protocol.KeyMessage))
	assert.Equal(t, "hi", r.String("echo"))
}

func TestServe_MemoryReportAndAddDirs(t *testing.T) {
	h := newHarness(t)

	h.send("1", protocol.CmdAddDirs, protocol.Message{"dirs": []any{t.TempDir()}, "language": "Python"})
	r := h.reply("1")
	require.True(t, r.Success())
	n, _ := r.Int("queued")
	assert.Equal(t, 1, n)

	h.send("2", protocol.CmdAddDirs, protocol.Message{"dirs": []any{t.TempDir()}, "language": "Cobol"})
	assert.False(t, h.reply("2").Success())

	h.send("3", protocol.CmdMemoryReport, nil)
	r = h.reply("3")
	require.True(t, r.Success())
	report := r.Map("memory")
	assert.Contains(t, report, "go_goroutines")
	assert.Contains(t, report, `codeintel_requests_total{command=add-dirs,outcome=success}`)
}

func TestServe_HeapGuardReportsMemoryError(t *testing.T) {
	h := newHarness(t, WithMemoryLimit(1), WithHeapCheckInterval(10*time.Millisecond))
	m := h.notification(protocol.NotifyReportMessage)
	assert.Equal(t, "logging", m.String("type"))
	assert.Contains(t, m.String(protocol.KeyMessage), "Traceback")
	assert.Contains(t, m.String(protocol.KeyMessage), "MemoryError")
}

func TestLogSink_Forward(t *testing.T) {
	h := newHarness(t)
	var sink LogSink
	sink.Forward("indexer", slog.LevelError, "dropped before attach")
	sink.Attach(h.d)
	sink.Forward("indexer", slog.LevelError, "scan failed")

	m := h.notification(protocol.NotifyReportMessage)
	assert.Equal(t, "indexer", m.String("name"))
	assert.Equal(t, "scan failed", m.String(protocol.KeyMessage))
}

func TestServe_PreloadScanAndComplete(t *testing.T) {
	h := newHarness(t)

	h.send("1", protocol.CmdDatabasePreload, nil)
	rs := h.replies("1")
	require.True(t, rs[len(rs)-1].Success(), rs[len(rs)-1].String(protocol.KeyMessage))
	require.Greater(t, len(rs), 2)
	assert.Equal(t, "Pre-loading standard library data...", rs[0].String(protocol.KeyMessage))
	assert.False(t, rs[0].IsFinal())
	assert.Equal(t, database.PreloadDoneMessage, rs[len(rs)-1].String(protocol.KeyMessage))

	path := filepath.Join(t.TempDir(), "app.py")
	text := "import os\ndef helper():\n    pass\nos."

	h.send("2", protocol.CmdScanDocument, protocol.Message{"path": path, "language": "Python", "text": text, "priority": 1})
	r := h.reply("2")
	require.True(t, r.Success(), r.String(protocol.KeyMessage))
	assert.Equal(t, "changed", r.String("status"))
	done := h.notification(protocol.NotifyScanComplete)
	assert.Equal(t, codeintel.NormPath(path), done.String("path"))

	h.send("3", protocol.CmdTrgFromPos, protocol.Message{"path": path, "language": "Python", "text": text, "pos": len(text)})
	r = h.reply("3")
	require.True(t, r.Success(), r.String(protocol.KeyMessage))
	trg := r.Map("trg")
	require.NotNil(t, trg)
	assert.Equal(t, codeintel.NormPath(path), trg.String("path"))

	h.send("4", protocol.CmdEval, protocol.Message{"trg": map[string]any(trg)})
	r = h.reply("4")
	require.True(t, r.Success(), r.String(protocol.KeyMessage))
	assert.Contains(t, r.List("cplns"), []any{"namespace", "path"})
	assert.Contains(t, r.List("cplns"), []any{"function", "getcwd"})
	assert.NotNil(t, r.Map("trg"))

	h.send("5", protocol.CmdTrgFromPos, protocol.Message{"path": path, "pos": 0})
	r = h.reply("5")
	require.True(t, r.Success())
	assert.Nil(t, r["trg"])
}
