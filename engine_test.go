package codeintel

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/codeintel/internal/database"
	"github.com/jward/codeintel/internal/indexer"
	"github.com/jward/codeintel/internal/lang"
	"github.com/jward/codeintel/internal/protocol"
)

// recorder collects notifications.
type recorder struct {
	mu   sync.Mutex
	msgs []protocol.Message
	ch   chan protocol.Message
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan protocol.Message, 64)}
}

func (r *recorder) notify(m protocol.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
	select {
	case r.ch <- m:
	default:
	}
}

func (r *recorder) commands(command string) []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Message
	for _, m := range r.msgs {
		if m.Command() == command {
			out = append(out, m)
		}
	}
	return out
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := New(t.TempDir(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func preloadedEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e := newTestEngine(t, opts...)
	require.NoError(t, e.Preload(context.Background(), nil, nil))
	return e
}

func strptr(s string) *string { return &s }

func TestNew_RequiresDirectory(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}

func TestClose_WithoutStart(t *testing.T) {
	e, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, e.Close())
}

func TestLanguages(t *testing.T) {
	e := newTestEngine(t)

	cpln, err := e.Languages(protocol.LangTypeCompletion)
	require.NoError(t, err)
	assert.Contains(t, cpln, "Python")
	assert.Contains(t, cpln, "JavaScript")

	stdlib, err := e.Languages(protocol.LangTypeStdlib)
	require.NoError(t, err)
	assert.Contains(t, stdlib, "Python3")

	xml, err := e.Languages(protocol.LangTypeXML)
	require.NoError(t, err)
	assert.NotNil(t, xml)
	assert.Empty(t, xml)

	_, err = e.Languages("bogus")
	assert.EqualError(t, err, "Unknown language type bogus")
}

func TestLanguageInfo(t *testing.T) {
	e := newTestEngine(t)

	info, err := e.LanguageInfo("Python")
	require.NoError(t, err)
	assert.NotEmpty(t, info.FillupChars)
	assert.Contains(t, info.StopChars, "*")

	_, err = e.LanguageInfo("Cobol")
	assert.EqualError(t, err, "Unknown language Cobol")
}

func TestPreloadThenReset(t *testing.T) {
	e := preloadedEngine(t)
	require.NoError(t, e.Start(context.Background()))

	state, detail := e.DatabaseInfo()
	require.Equal(t, database.StateReady, state, detail)

	_, err := e.Buffer(protocol.BufferRef{Path: filepath.Join(t.TempDir(), "a.py"), Language: "Python", Text: strptr("x = 1\n")})
	require.NoError(t, err)
	require.Equal(t, 1, e.buffers.Len())

	backup, err := e.Reset(context.Background(), true)
	require.NoError(t, err)
	assert.DirExists(t, backup)
	assert.Zero(t, e.buffers.Len())

	state, _ = e.DatabaseInfo()
	assert.Equal(t, database.StatePreloadNeeded, state)

	require.NoError(t, e.Preload(context.Background(), nil, nil))
	state, _ = e.DatabaseInfo()
	assert.Equal(t, database.StateReady, state)
}

func TestBuffer_ReusedUntilLanguageChanges(t *testing.T) {
	e := newTestEngine(t)
	path := filepath.Join(t.TempDir(), "a.py")

	a, err := e.Buffer(protocol.BufferRef{Path: path, Language: "Python", Text: strptr("one")})
	require.NoError(t, err)
	b, err := e.Buffer(protocol.BufferRef{Path: path, Text: strptr("two")})
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, "two", string(b.Text()))
	assert.Equal(t, NormPath(path), b.Path())

	c, err := e.Buffer(protocol.BufferRef{Path: path, Language: "Python3"})
	require.NoError(t, err)
	assert.NotSame(t, a, c)
	assert.Equal(t, "Python3", c.Lang())
}

func TestBuffer_ReadsFileAndGuessesLanguage(t *testing.T) {
	e := newTestEngine(t)
	path := filepath.Join(t.TempDir(), "app.js")
	require.NoError(t, os.WriteFile(path, []byte("var x = 1;\n"), 0o644))

	b, err := e.Buffer(protocol.BufferRef{Path: path})
	require.NoError(t, err)
	assert.Equal(t, "JavaScript", b.Lang())
	assert.Equal(t, "var x = 1;\n", string(b.Text()))

	_, err = e.Buffer(protocol.BufferRef{Path: filepath.Join(t.TempDir(), "notes.txt")})
	assert.Error(t, err)
	_, err = e.Buffer(protocol.BufferRef{})
	assert.EqualError(t, err, "No path given to locate buffer")
}

func TestBuffer_Environment(t *testing.T) {
	e := newTestEngine(t)
	path := filepath.Join(t.TempDir(), "a.py")

	b, err := e.Buffer(protocol.BufferRef{Path: path, Language: "Python", Text: strptr("")})
	require.NoError(t, err)
	assert.Same(t, e.Env(), b.Env())

	payload := protocol.Message{"env": map[string]any{"HOME": "/home/me"}, "prefs": []any{map[string]any{"python": "/usr/bin/python"}}}
	b, err = e.Buffer(protocol.BufferRef{Path: path, HasEnv: true, Env: payload})
	require.NoError(t, err)
	own := b.Env()
	require.NotSame(t, e.Env(), own)
	assert.Equal(t, "/home/me", own.EnvVar("HOME", ""))
	assert.Equal(t, "/usr/bin/python", own.PrefString("python", ""))

	payload = protocol.Message{"prefs": []any{map[string]any{"python": "/opt/python"}}}
	b, err = e.Buffer(protocol.BufferRef{Path: path, HasEnv: true, Env: payload})
	require.NoError(t, err)
	assert.Same(t, own, b.Env())
	assert.Equal(t, "/opt/python", own.PrefString("python", ""))
	assert.Equal(t, "/home/me", own.EnvVar("HOME", ""), "env vars untouched when absent")

	b, err = e.Buffer(protocol.BufferRef{Path: path, HasEnv: true, Env: protocol.Message{"env": nil, "prefs": nil}})
	require.NoError(t, err)
	assert.Same(t, e.Env(), b.Env())
}

func TestScanDocument_NotifiesWhenChanged(t *testing.T) {
	rec := newRecorder()
	e := preloadedEngine(t, WithNotifier(rec.notify), WithStageDelay(10*time.Millisecond))
	require.NoError(t, e.Start(context.Background()))

	path := filepath.Join(t.TempDir(), "a.py")
	b, err := e.Buffer(protocol.BufferRef{Path: path, Language: "Python", Text: strptr("def foo():\n    pass\n")})
	require.NoError(t, err)

	mtime := time.Now()
	done := make(chan indexer.Status, 2)
	onDone := func(s indexer.Status, err error) {
		assert.NoError(t, err)
		done <- s
	}

	e.ScanDocument(b, indexer.PriorityCurrent, mtime, onDone)
	select {
	case s := <-done:
		assert.Equal(t, indexer.StatusChanged, s)
	case <-time.After(10 * time.Second):
		t.Fatal("scan did not complete")
	}
	require.Eventually(t, func() bool { return len(rec.commands(protocol.NotifyScanComplete)) == 1 }, 5*time.Second, 10*time.Millisecond)
	msg := rec.commands(protocol.NotifyScanComplete)[0]
	assert.Equal(t, b.Path(), msg.String("path"))
	assert.Equal(t, "Python", msg.String("language"))
	assert.False(t, msg.Has(protocol.KeyReqID))

	e.ScanDocument(b, indexer.PriorityImmediate, mtime, onDone)
	select {
	case s := <-done:
		assert.Equal(t, indexer.StatusSkipped, s)
	case <-time.After(10 * time.Second):
		t.Fatal("second scan did not complete")
	}
	assert.Len(t, rec.commands(protocol.NotifyScanComplete), 1)
}

func TestScanDocument_LanguageWithoutScanner(t *testing.T) {
	e := newTestEngine(t)
	b, err := e.Buffer(protocol.BufferRef{Path: filepath.Join(t.TempDir(), "a.txt"), Language: "Text", Text: strptr("hello")})
	require.NoError(t, err)

	var got indexer.Status
	e.ScanDocument(b, indexer.PriorityCurrent, time.Time{}, func(s indexer.Status, err error) { got = s })
	assert.Equal(t, indexer.StatusSkipped, got)
	assert.Zero(t, e.Indexer().Len())
}

func TestGlobalPrefs_ObservedAndScanned(t *testing.T) {
	rec := newRecorder()
	e := newTestEngine(t, WithNotifier(rec.notify))

	var announced []string
	for _, m := range rec.commands(protocol.NotifyGlobalPrefsObserve) {
		announced = append(announced, m.Strings("add")...)
	}
	assert.Contains(t, announced, "pythonExtraPaths")
	assert.Contains(t, announced, "javascriptExtraPaths")
	assert.Contains(t, announced, PrefSelectedCatalogs)
	assert.ElementsMatch(t, announced, e.Env().ObservedPrefs())

	dir := t.TempDir()
	changed := e.SetEnvironment(nil, false, []map[string]any{{"pythonExtraPaths": dir}}, true)
	assert.Equal(t, []string{"pythonExtraPaths"}, changed)

	item, ok := e.Indexer().Lookup("lib:Python:" + dir)
	require.True(t, ok)
	assert.Equal(t, indexer.PriorityBackground, item.Priority)
}

func TestAddDirs(t *testing.T) {
	e := newTestEngine(t)
	dir := t.TempDir()

	n, err := e.AddDirs([]string{dir, "  "}, "Python")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := e.Indexer().Lookup("lib:Python:" + dir)
	assert.True(t, ok)

	other := t.TempDir()
	n, err = e.AddDirs([]string{other}, "")
	require.NoError(t, err)
	assert.Equal(t, len(lang.Matching(func(i *lang.Info) bool { return i.Citadel })), n)

	_, err = e.AddDirs([]string{dir}, "Cobol")
	assert.Error(t, err)
}

func TestMemoryReport(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Buffer(protocol.BufferRef{Path: filepath.Join(t.TempDir(), "a.py"), Language: "Python", Text: strptr("")})
	require.NoError(t, err)

	report, err := e.MemoryReport()
	require.NoError(t, err)
	require.Contains(t, report, "codeintel_open_buffers")
	assert.Equal(t, 1.0, report["codeintel_open_buffers"].Amount)
	assert.Equal(t, "count", report["codeintel_open_buffers"].Units)
	assert.Contains(t, report, "go_goroutines")
}

func TestLoadExtensions(t *testing.T) {
	e := newTestEngine(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "echo.risor"), []byte("result := {\"echo\": request[\"word\"]}\nresult\n"), 0o644))

	exts, err := e.LoadExtensions(dir)
	require.NoError(t, err)
	require.Len(t, exts, 1)
	assert.Equal(t, "echo", exts[0].Name)

	resp, err := exts[0].Run(context.Background(), map[string]any{"word": "hi"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"echo": "hi"}, resp)
}

func TestNormPath(t *testing.T) {
	assert.Equal(t, "<untitled 1>", NormPath("<untitled 1>"))
	abs := filepath.Join(t.TempDir(), "x", "..", "a.py")
	assert.Equal(t, NormPath(filepath.Clean(abs)), NormPath(abs))
}
