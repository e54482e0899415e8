package buffer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/codeintel/internal/database"
	"github.com/jward/codeintel/internal/eval"
	"github.com/jward/codeintel/internal/lang"
	_ "github.com/jward/codeintel/internal/lang/python"
	"github.com/jward/codeintel/internal/trigger"
)

func newBuffer(t *testing.T, text string) (*Buffer, *database.Database) {
	t.Helper()
	d := database.New(t.TempDir())
	t.Cleanup(func() { d.Close() })
	require.NoError(t, d.Preload(context.Background(), []string{"Python"}, nil))
	path := filepath.Join(t.TempDir(), "buf.py")
	return New(d, eval.New(d, nil), path, "Python", []byte(text), nil), d
}

func TestBuffer_CompletesModuleMembers(t *testing.T) {
	text := "import os\nos."
	b, _ := newBuffer(t, text)

	trg, err := b.TrgFromPos(len(text), true)
	require.NoError(t, err)
	require.NotNil(t, trg)
	assert.Equal(t, 13, trg.Pos)

	cplns, err := b.CplnsFromTrg(context.Background(), trg)
	require.NoError(t, err)
	assert.Contains(t, cplns, lang.Completion{Kind: "namespace", Name: "path"})
	assert.Contains(t, cplns, lang.Completion{Kind: "function", Name: "getcwd"})
	assert.Equal(t, "os", b.LastCITDLExpr())
}

func TestBuffer_CurrCalltipArgRange(t *testing.T) {
	const calltip = "flash(boom, bang=42)\nFlash it."
	b, _ := newBuffer(t, "flash(x")

	start, end, err := b.CurrCalltipArgRange(len("flash("), calltip, len("flash(x"))
	require.NoError(t, err)
	assert.Equal(t, 6, start)
	assert.Equal(t, 10, end)

	b.SetText([]byte("flash(x, y"))
	start, end, err = b.CurrCalltipArgRange(len("flash("), calltip, len("flash(x, y"))
	require.NoError(t, err)
	assert.Equal(t, 12, start)
	assert.Equal(t, 19, end)

	b.SetText([]byte("flash(x)"))
	start, _, err = b.CurrCalltipArgRange(len("flash("), calltip, len("flash(x)"))
	require.NoError(t, err)
	assert.Equal(t, -1, start)
}

func TestBuffer_WrongFormIsAnError(t *testing.T) {
	b, _ := newBuffer(t, "x = 1\n")
	_, err := b.DefnsFromTrg(context.Background(), trigger.New("Python", trigger.FormCompletion, "object-members", 1, false, nil))
	assert.Error(t, err)
}

func TestBuffer_DefinitionInBuffer(t *testing.T) {
	text := "def foo():\n    pass\n\nfoo()\n"
	b, _ := newBuffer(t, text)
	defns, err := b.DefnsFromTrg(context.Background(), b.DefnTrgFromPos(len("def foo():\n    pass\n\n")))
	require.NoError(t, err)
	require.Len(t, defns, 1)
	assert.Equal(t, b.Path(), defns[0].Path)
	assert.Equal(t, 1, defns[0].Line)
}

func TestBuffer_ScopeTreeIsCachedUntilChanged(t *testing.T) {
	b, _ := newBuffer(t, "def foo():\n    pass\n")
	ctx := context.Background()

	first, err := b.ScopeTree(ctx)
	require.NoError(t, err)
	again, err := b.ScopeTree(ctx)
	require.NoError(t, err)
	assert.Same(t, first, again)

	b.SetText([]byte("def foo():\n    pass\n"))
	same, err := b.ScopeTree(ctx)
	require.NoError(t, err)
	assert.Same(t, first, same)

	b.SetText([]byte("def bar():\n    pass\n"))
	changed, err := b.ScopeTree(ctx)
	require.NoError(t, err)
	assert.NotSame(t, first, changed)
	assert.NotNil(t, changed.Blobs[0].Child("bar"))

	b.SetLang("Python3")
	relang, err := b.ScopeTree(ctx)
	require.NoError(t, err)
	assert.NotSame(t, changed, relang)
}

func TestBuffer_ScanHonoursScanTime(t *testing.T) {
	b, d := newBuffer(t, "def foo():\n    pass\n")
	ctx := context.Background()
	mtime := time.Now().Truncate(time.Second)

	changed, err := b.Scan(ctx, mtime, false)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = b.Scan(ctx, mtime, false)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = b.Scan(ctx, mtime, true)
	require.NoError(t, err)
	assert.True(t, changed)

	f, err := d.LoadBuf("Python", b.Path())
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.NotNil(t, f.Blobs[0].Child("foo"))
}

func TestRegistry_GetCreatesOnceAndCulls(t *testing.T) {
	r := NewRegistry(time.Minute)
	now := time.Unix(1000, 0)
	r.now = func() time.Time { return now }

	calls := 0
	create := func() *Buffer { calls++; return New(nil, nil, "/a.py", "Python", nil, nil) }
	a := r.Get("/a.py", create)
	assert.Same(t, a, r.Get("/a.py", create))
	assert.Equal(t, 1, calls)

	now = now.Add(2 * time.Minute)
	r.Get("/b.py", func() *Buffer { return New(nil, nil, "/b.py", "Python", nil, nil) })
	assert.Equal(t, 1, r.Cull())
	_, ok := r.Lookup("/a.py")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_RemoveAndClear(t *testing.T) {
	r := NewRegistry(time.Minute)
	r.Get("/a.py", func() *Buffer { return New(nil, nil, "/a.py", "Python", nil, nil) })
	r.Get("/b.py", func() *Buffer { return New(nil, nil, "/b.py", "Python", nil, nil) })

	assert.True(t, r.Remove("/a.py"))
	assert.False(t, r.Remove("/a.py"))
	assert.Equal(t, 1, r.Len())

	var paths []string
	r.Each(func(b *Buffer) { paths = append(paths, b.Path()) })
	assert.Equal(t, []string{"/b.py"}, paths)

	r.Clear()
	assert.Zero(t, r.Len())
}
