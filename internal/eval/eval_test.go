package eval

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/codeintel/internal/cix"
	"github.com/jward/codeintel/internal/database"
	"github.com/jward/codeintel/internal/indexer"
	"github.com/jward/codeintel/internal/lang"
	_ "github.com/jward/codeintel/internal/lang/python"
	"github.com/jward/codeintel/internal/lexer"
	"github.com/jward/codeintel/internal/scanner"
	"github.com/jward/codeintel/internal/trigger"
)

func preloaded(t *testing.T) *database.Database {
	t.Helper()
	d := database.New(t.TempDir())
	t.Cleanup(func() { d.Close() })
	require.NoError(t, d.Preload(context.Background(), []string{"Python"}, nil))
	return d
}

// module returns a one-blob scan with the given imports and children.
func module(path string, lines int, imports []cix.Import, children ...*cix.Scope) *cix.File {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	blob := &cix.Scope{Kind: cix.KindBlob, Name: name, Line: 1, LineEnd: lines, Imports: imports, Children: children}
	return &cix.File{Path: path, Lang: "Python", Blobs: []*cix.Scope{blob}}
}

// record scans content as path and stores it in d.
func record(t *testing.T, d *database.Database, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	f, err := scanner.Scan(context.Background(), []byte(content), "Python", path, "")
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, d.UpdateBuf("Python", path, []byte(content), f, info.ModTime()))
}

func trgAt(t *testing.T, text string, pos int) (*lexer.Accessor, *trigger.Trigger) {
	t.Helper()
	acc := lexer.NewAccessor("Python", []byte(text))
	intel, err := lang.For("Python")
	require.NoError(t, err)
	trg := intel.TrgFromPos(acc, pos, false)
	require.NotNil(t, trg)
	return acc, trg
}

func evalReq(t *testing.T, e *Evaluator, req Request) (*Result, *Ctlr) {
	t.Helper()
	ctlr := NewCtlr()
	ev := e.Start(req, ctlr, nil)
	select {
	case <-ev.Wait():
	case <-time.After(10 * time.Second):
		t.Fatal("evaluation did not finish")
	}
	<-ctlr.Wait()
	return ev.Result(), ctlr
}

func TestEval_ModuleMembers(t *testing.T) {
	d := preloaded(t)
	path := filepath.Join(t.TempDir(), "buf.py")
	text := "import os\nos."
	acc, trg := trgAt(t, text, 13)
	require.Equal(t, "object-members", trg.Type)

	res, ctlr := evalReq(t, New(d, nil), Request{
		Trg:  trg,
		Path: path,
		Acc:  acc,
		File: module(path, 2, []cix.Import{{Module: "os", Line: 1}}),
	})
	require.NoError(t, res.Err)
	assert.Equal(t, ReasonSuccess, ctlr.Reason())
	assert.Equal(t, "os", res.CITDLExpr)
	assert.Contains(t, res.Completions, lang.Completion{Kind: "namespace", Name: "path"})
	assert.Contains(t, res.Completions, lang.Completion{Kind: "function", Name: "getcwd"})
	assert.Contains(t, res.Completions, lang.Completion{Kind: "variable", Name: "sep"})
}

func TestEval_Calltip(t *testing.T) {
	d := preloaded(t)
	path := filepath.Join(t.TempDir(), "buf.py")
	text := "import os\nos.path.join("
	acc, trg := trgAt(t, text, len(text))
	require.Equal(t, trigger.FormCalltip, trg.Form)

	res, _ := evalReq(t, New(d, nil), Request{
		Trg:  trg,
		Path: path,
		Acc:  acc,
		File: module(path, 2, []cix.Import{{Module: "os", Line: 1}}),
	})
	require.NoError(t, res.Err)
	require.Len(t, res.Calltips, 1)
	assert.Equal(t, "join(a, *p)\n"+
		"Join two or more pathname components, inserting '/' as\n"+
		"needed. If any component is an absolute path, all previous\n"+
		"path components will be discarded.", res.Calltips[0])
}

func TestEval_CalltipKeepsTwoSentences(t *testing.T) {
	d := preloaded(t)
	path := filepath.Join(t.TempDir(), "buf.py")
	text := "move("
	acc := lexer.NewAccessor("Python", []byte(text))
	trg := trigger.New("Python", trigger.FormCalltip, "call-signature", len(text), false, nil)

	fn := &cix.Scope{
		Kind:      cix.KindFunction,
		Name:      "move",
		Signature: "move(dx, dy)",
		Doc:       "Move the point. Offsets are in pixels. Negative offsets move left or up. Returns nothing.",
	}
	res, _ := evalReq(t, New(d, nil), Request{Trg: trg, Path: path, Acc: acc, File: module(path, 1, nil, fn)})
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"move(dx, dy)\nMove the point. Offsets are in pixels."}, res.Calltips)
}

func TestEval_ClassCalltipDropsSelf(t *testing.T) {
	d := preloaded(t)
	path := filepath.Join(t.TempDir(), "buf.py")
	text := "Point("
	acc := lexer.NewAccessor("Python", []byte(text))
	trg := trigger.New("Python", trigger.FormCalltip, "call-signature", len(text), false, nil)

	ctor := &cix.Scope{Kind: cix.KindFunction, Name: "__init__", Signature: "__init__(self, x, y)"}
	cls := &cix.Scope{Kind: cix.KindClass, Name: "Point", Doc: "A point.", Children: []*cix.Scope{ctor}}
	res, _ := evalReq(t, New(d, nil), Request{Trg: trg, Path: path, Acc: acc, File: module(path, 1, nil, cls)})
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"Point(x, y)\nA point."}, res.Calltips)
}

func TestEval_DefinitionInImportedFile(t *testing.T) {
	d := preloaded(t)
	dir := t.TempDir()
	a := filepath.Join(dir, "a.py")
	record(t, d, a, "def foo():\n    pass\n")

	path := filepath.Join(dir, "b.py")
	text := "from a import foo\nfoo()\n"
	acc := lexer.NewAccessor("Python", []byte(text))
	trg := lang.DefnTrgFromPos("Python", strings.Index(text, "\nfoo")+1)

	res, _ := evalReq(t, New(d, nil), Request{
		Trg:  trg,
		Path: path,
		Acc:  acc,
		File: module(path, 2, []cix.Import{{Module: "a", Symbol: "foo", Line: 1}}),
	})
	require.NoError(t, res.Err)
	require.Len(t, res.Defns, 1)
	def := res.Defns[0]
	assert.Equal(t, a, def.Path)
	assert.Equal(t, "foo", def.Name)
	assert.Equal(t, "function", def.Kind)
	assert.Equal(t, 1, def.Line)
}

func TestEval_SuspendsUntilImportIsScanned(t *testing.T) {
	d := preloaded(t)
	dir := t.TempDir()
	a := filepath.Join(dir, "a.py")
	require.NoError(t, os.WriteFile(a, []byte("def foo():\n    pass\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ix := indexer.New(d)
	ix.Start(ctx)
	t.Cleanup(ix.Stop)

	path := filepath.Join(dir, "b.py")
	text := "from a import foo\nfoo()\n"
	acc := lexer.NewAccessor("Python", []byte(text))
	trg := lang.DefnTrgFromPos("Python", strings.Index(text, "\nfoo")+1)

	res, ctlr := evalReq(t, New(d, ix), Request{
		Trg:  trg,
		Path: path,
		Acc:  acc,
		File: module(path, 2, []cix.Import{{Module: "a", Symbol: "foo", Line: 1}}),
	})
	require.NoError(t, res.Err)
	require.Len(t, res.Defns, 1)
	assert.Equal(t, a, res.Defns[0].Path)

	var waited bool
	for _, m := range ctlr.Messages() {
		waited = waited || strings.Contains(m.Text, "waiting for "+a)
	}
	assert.True(t, waited)
	_, ok := d.BufScanTime("Python", a)
	assert.True(t, ok)
}

func TestEval_UnscannedImportWithoutSchedulerIsMissing(t *testing.T) {
	d := preloaded(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.py"), []byte("def foo():\n    pass\n"), 0o644))

	path := filepath.Join(dir, "b.py")
	text := "from a import foo\nfoo()\n"
	trg := lang.DefnTrgFromPos("Python", strings.Index(text, "\nfoo")+1)
	res, ctlr := evalReq(t, New(d, nil), Request{
		Trg:  trg,
		Path: path,
		Acc:  lexer.NewAccessor("Python", []byte(text)),
		File: module(path, 2, []cix.Import{{Module: "a", Symbol: "foo", Line: 1}}),
	})
	require.NoError(t, res.Err)
	assert.Empty(t, res.Defns)
	assert.Equal(t, "No definition found", res.Message)
	assert.Equal(t, ReasonSuccess, ctlr.Reason())
	assert.NotEmpty(t, ctlr.Last(LevelWarn))
}

func TestEval_LocalSymbols(t *testing.T) {
	d := preloaded(t)
	path := filepath.Join(t.TempDir(), "buf.py")
	foo := &cix.Scope{Kind: cix.KindFunction, Name: "foo", Line: 1, LineEnd: 2}
	file := module(path, 3, []cix.Import{{Module: "os", Line: 1}}, foo)

	trg := trigger.New("Python", trigger.FormCompletion, "local-symbols", 20, false, map[string]any{"citdl_expr": "fo"})
	res, _ := evalReq(t, New(d, nil), Request{Trg: trg, Path: path, File: file})
	require.NoError(t, res.Err)
	assert.Equal(t, []lang.Completion{{Kind: "function", Name: "foo"}}, res.Completions)

	trg = trigger.New("Python", trigger.FormCompletion, "local-symbols", 20, false, map[string]any{"citdl_expr": "le"})
	res, _ = evalReq(t, New(d, nil), Request{Trg: trg, Path: path, File: file})
	require.NoError(t, res.Err)
	assert.Contains(t, res.Completions, lang.Completion{Kind: "function", Name: "len"})
}

func TestEval_InstanceMembersIncludeBases(t *testing.T) {
	d := preloaded(t)
	path := filepath.Join(t.TempDir(), "buf.py")
	base := &cix.Scope{Kind: cix.KindClass, Name: "Base", Line: 1, LineEnd: 2, Children: []*cix.Scope{
		{Kind: cix.KindFunction, Name: "greet", Line: 2},
	}}
	derived := &cix.Scope{Kind: cix.KindClass, Name: "Derived", Line: 3, LineEnd: 4, Classrefs: []string{"Base"}, Children: []*cix.Scope{
		{Kind: cix.KindFunction, Name: "wave", Line: 4},
	}}
	d1 := &cix.Scope{Kind: cix.KindVariable, Name: "d", Line: 5, Citdl: "Derived()"}
	file := module(path, 6, nil, base, derived, d1)

	text := "class Base:\n    def greet(self): pass\nclass Derived(Base):\n    def wave(self): pass\nd = Derived()\nd."
	acc, trg := trgAt(t, text, len(text))
	res, _ := evalReq(t, New(d, nil), Request{Trg: trg, Path: path, Acc: acc, File: file})
	require.NoError(t, res.Err)
	assert.Equal(t, []lang.Completion{
		{Kind: "function", Name: "greet"},
		{Kind: "function", Name: "wave"},
	}, res.Completions)
}

func TestEval_AvailableExceptions(t *testing.T) {
	d := preloaded(t)
	path := filepath.Join(t.TempDir(), "buf.py")
	mine := &cix.Scope{Kind: cix.KindClass, Name: "Oops", Line: 1, Classrefs: []string{"ValueError"}}
	trg := trigger.New("Python", trigger.FormCompletion, "available-exceptions", 10, false, nil)

	res, _ := evalReq(t, New(d, nil), Request{Trg: trg, Path: path, File: module(path, 2, nil, mine)})
	require.NoError(t, res.Err)
	assert.Contains(t, res.Completions, lang.Completion{Kind: "class", Name: "Oops"})
	assert.Contains(t, res.Completions, lang.Completion{Kind: "class", Name: "KeyError"})
	assert.NotContains(t, res.Completions, lang.Completion{Kind: "class", Name: "str"})
}

func TestEval_AvailableImports(t *testing.T) {
	d := preloaded(t)
	path := filepath.Join(t.TempDir(), "buf.py")

	trg := trigger.New("Python", trigger.FormCompletion, "available-imports", 7, false, map[string]any{"imp_prefix": []string{}})
	res, _ := evalReq(t, New(d, nil), Request{Trg: trg, Path: path})
	require.NoError(t, res.Err)
	assert.Contains(t, res.Completions, lang.Completion{Kind: "module", Name: "os"})
	assert.Contains(t, res.Completions, lang.Completion{Kind: "module", Name: "json"})
	assert.NotContains(t, res.Completions, lang.Completion{Kind: "module", Name: "os.path"})

	trg = trigger.New("Python", trigger.FormCompletion, "available-imports", 10, false, map[string]any{"imp_prefix": []string{"os"}})
	res, _ = evalReq(t, New(d, nil), Request{Trg: trg, Path: path})
	require.NoError(t, res.Err)
	assert.Equal(t, []lang.Completion{{Kind: "module", Name: "path"}}, res.Completions)
}

func TestEval_StaticCompletions(t *testing.T) {
	d := preloaded(t)
	trg := trigger.New("Python", trigger.FormCompletion, "pythondoc-tags", 3, false, nil)
	res, _ := evalReq(t, New(d, nil), Request{Trg: trg, Path: "/x/buf.py"})
	require.NoError(t, res.Err)
	assert.Contains(t, res.Completions, lang.Completion{Kind: "variable", Name: "param"})
}

func TestEval_EmptyResultMessage(t *testing.T) {
	d := preloaded(t)
	path := filepath.Join(t.TempDir(), "buf.py")
	text := "nothing."
	acc, trg := trgAt(t, text, len(text))
	res, _ := evalReq(t, New(d, nil), Request{Trg: trg, Path: path, Acc: acc, File: module(path, 1, nil)})
	require.NoError(t, res.Err)
	assert.Empty(t, res.Completions)
	assert.Equal(t, "No completions found", res.Message)
}

func TestEval_Aborted(t *testing.T) {
	d := preloaded(t)
	ctlr := NewCtlr()
	ctlr.Abort()
	trg := trigger.New("Python", trigger.FormCompletion, "local-symbols", 2, false, map[string]any{"citdl_expr": "le"})
	ev := New(d, nil).Start(Request{Trg: trg, Path: "/x/buf.py"}, ctlr, nil)
	<-ev.Wait()
	assert.ErrorIs(t, ev.Result().Err, ErrAborted)
	assert.Equal(t, ReasonAborted, ctlr.Reason())
	assert.Equal(t, StateDone, ev.State())
}

// stalled accepts requests and never runs them.
type stalled struct{ n atomic.Int32 }

func (s *stalled) Put(indexer.Request) bool {
	s.n.Add(1)
	return true
}

func TestEval_TimesOutWhileWaiting(t *testing.T) {
	d := preloaded(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.py"), []byte("x = 1\n"), 0o644))
	path := filepath.Join(dir, "b.py")
	text := "import a\na."
	acc, trg := trgAt(t, text, len(text))

	sched := &stalled{}
	var got *Result
	ctlr := NewCtlr()
	ev := New(d, sched).Start(Request{
		Trg:     trg,
		Path:    path,
		Acc:     acc,
		File:    module(path, 2, []cix.Import{{Module: "a", Line: 1}}),
		Timeout: 50 * time.Millisecond,
	}, ctlr, func(r *Result) { got = r })

	select {
	case <-ctlr.Wait():
	case <-time.After(5 * time.Second):
		t.Fatal("evaluation did not time out")
	}
	<-ev.Wait()
	require.NotNil(t, got)
	assert.ErrorIs(t, got.Err, ErrTimeout)
	assert.Equal(t, ReasonTimeout, ctlr.Reason())
	assert.LessOrEqual(t, sched.n.Load(), int32(1))
}

func TestSortCompletions(t *testing.T) {
	v := func(n string) lang.Completion { return lang.Completion{Kind: "variable", Name: n} }
	got := SortCompletions([]lang.Completion{v("b"), v("_x"), v("9"), v("A"), v("a"), v("B"), v("a")})
	assert.Equal(t, []lang.Completion{v("A"), v("a"), v("B"), v("b"), v("_x"), v("9")}, got)
}

func TestCtlr_OnAbortRunsOnce(t *testing.T) {
	c := NewCtlr()
	var n int
	c.OnAbort(func() { n++ })
	c.Abort()
	c.Abort()
	assert.Equal(t, 1, n)
	assert.True(t, c.IsAborted())

	c.OnAbort(func() { n++ })
	assert.Equal(t, 2, n)
}

func TestCtlr_Messages(t *testing.T) {
	c := NewCtlr()
	var seen []Message
	c.OnMessage = func(m Message) { seen = append(seen, m) }
	c.Info("scanning %s", "a.py")
	c.Warn("missing %d", 2)
	c.Debug("noise")
	assert.Equal(t, "missing 2", c.Last(LevelWarn))
	assert.Equal(t, "noise", c.Last(LevelDebug))
	assert.Len(t, seen, 3)
	c.Done(ReasonSuccess)
	c.Done(ReasonError)
	assert.Equal(t, ReasonSuccess, c.Reason())
}
