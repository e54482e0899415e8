package python

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/codeintel/internal/lang"
	"github.com/jward/codeintel/internal/lexer"
	"github.com/jward/codeintel/internal/trigger"
)

var py = New("Python", "2.7")

func trgAtEnd(text string) *trigger.Trigger {
	acc := lexer.NewAccessor("Python", []byte(text))
	return py.TrgFromPos(acc, acc.Len(), true)
}

func TestTrgFromPos_ObjectMembers(t *testing.T) {
	t.Parallel()
	text := "import os\nos."
	acc := lexer.NewAccessor("Python", []byte(text))

	trg := py.TrgFromPos(acc, len(text), true)
	require.NotNil(t, trg)
	assert.Equal(t, "python-complete-object-members", trg.Name())
	assert.Equal(t, 13, trg.Pos)
	assert.False(t, trg.RetriggerOnCompletion)

	expr, err := py.CITDLExprFromTrg(acc, trg)
	require.NoError(t, err)
	assert.Equal(t, "os", expr)
}

func TestTrgFromPos_Calltips(t *testing.T) {
	t.Parallel()

	trg := trgAtEnd("import os\nos.path.join(")
	require.NotNil(t, trg)
	assert.Equal(t, "python-calltip-call-signature", trg.Name())

	trg = trgAtEnd("foo(a,")
	require.NotNil(t, trg)
	assert.Equal(t, "call-signature", trg.Type)
	assert.Equal(t, 4, trg.Pos)

	assert.Nil(t, trgAtEnd("def foo("))
	assert.Nil(t, trgAtEnd("class Foo("))

	trg = trgAtEnd("from os import (")
	require.NotNil(t, trg)
	assert.Equal(t, "module-members", trg.Type)
	assert.Equal(t, []string{"os"}, trg.ExtraStrings("imp_prefix"))
}

func TestTrgFromPos_Imports(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text   string
		typ    string
		prefix []string
	}{
		{"import ", "available-imports", []string{}},
		{"from ", "available-imports", []string{}},
		{"import os.", "available-imports", []string{"os"}},
		{"from xml.dom.", "available-imports", []string{"xml", "dom"}},
		{"from .", "available-imports", []string{"", ""}},
		{"from os import ", "module-members", []string{"os"}},
		{"from os.path import join, ", "module-members", []string{"os", "path"}},
	}
	for _, tt := range tests {
		trg := trgAtEnd(tt.text)
		require.NotNil(t, trg, tt.text)
		assert.Equal(t, tt.typ, trg.Type, tt.text)
		assert.Equal(t, tt.prefix, trg.ExtraStrings("imp_prefix"), tt.text)
	}

	assert.Nil(t, trgAtEnd("from os import path."))
}

func TestTrgFromPos_Misc(t *testing.T) {
	t.Parallel()

	trg := trgAtEnd("try:\n    pass\nexcept ")
	require.NotNil(t, trg)
	assert.Equal(t, "available-exceptions", trg.Type)

	trg = trgAtEnd("x = 'abc'.")
	require.NotNil(t, trg)
	assert.Equal(t, "literal-members", trg.Type)
	assert.Equal(t, "str", trg.ExtraString("citdl_expr"))

	text := "import os\nre"
	trg = trgAtEnd(text)
	require.NotNil(t, trg)
	assert.Equal(t, "local-symbols", trg.Type)
	assert.Equal(t, len(text)-2, trg.Pos)
	assert.Equal(t, "re", trg.ExtraString("citdl_expr"))

	assert.Nil(t, trgAtEnd("import os\nreq"), "only the second identifier char fires")
	assert.Nil(t, trgAtEnd("x = 1 "))
	assert.Nil(t, trgAtEnd(""))
}

func TestTrgFromPos_MultiByte(t *testing.T) {
	t.Parallel()
	text := "café = 1\ncafé."
	acc := lexer.NewAccessor("Python", []byte(text))
	for pos := 0; pos <= acc.Len()+1; pos++ {
		assert.NotPanics(t, func() { py.TrgFromPos(acc, pos, true) })
	}
	trg := py.TrgFromPos(acc, acc.Len(), true)
	require.NotNil(t, trg)
	assert.Equal(t, "object-members", trg.Type)
}

func TestPrecedingTrgFromPos(t *testing.T) {
	t.Parallel()
	text := "import os\nos.path.jo"
	acc := lexer.NewAccessor("Python", []byte(text))

	trg := py.PrecedingTrgFromPos(acc, acc.Len(), acc.Len())
	require.NotNil(t, trg)
	assert.Equal(t, "object-members", trg.Type)
	assert.Equal(t, len("import os\nos.path."), trg.Pos)
	assert.False(t, trg.Implicit)
}

func TestCalltipArgRange(t *testing.T) {
	t.Parallel()
	text := "os.path.join(a, "
	acc := lexer.NewAccessor("Python", []byte(text))
	start, end := py.CalltipArgRange(acc, len("os.path.join("), "join(a, *p)\nJoin paths.", acc.Len())
	assert.Equal(t, 8, start)
	assert.Equal(t, 10, end)
}

func TestStaticCompletions(t *testing.T) {
	t.Parallel()

	cplns, ok := py.StaticCompletions(trigger.New("Python", trigger.FormCompletion, "magic-symbols", 0, true,
		map[string]any{"symbolstype": "def", "posttext": ""}))
	require.True(t, ok)
	assert.Contains(t, cplns, lang.Completion{Kind: "function", Name: "__init__(self"})

	cplns, ok = py.StaticCompletions(trigger.New("Python", trigger.FormCompletion, "magic-symbols", 0, true,
		map[string]any{"symbolstype": "global", "text": "if"}))
	require.True(t, ok)
	assert.Contains(t, cplns, lang.Completion{Kind: "variable", Name: "__name__ == '__main__':"})

	cplns, ok = py.StaticCompletions(trigger.New("Python", trigger.FormCompletion, "pythondoc-tags", 0, true, nil))
	require.True(t, ok)
	assert.Equal(t, "def", cplns[0].Name)

	_, ok = py.StaticCompletions(trigger.New("Python", trigger.FormCompletion, "object-members", 0, true, nil))
	assert.False(t, ok)
}

func TestModuleCandidates(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []lang.ModuleCandidate{
		{Dir: "/p/q/a", Base: "b"},
		{Dir: "/p/q/a/b", Base: "__init__"},
	}, py.ModuleCandidates("/p/q", "a.b"))
	assert.Equal(t, []lang.ModuleCandidate{
		{Dir: "/p", Base: "x"},
		{Dir: "/p/x", Base: "__init__"},
	}, py.ModuleCandidates("/p/q", "..x"))
	assert.Equal(t, []lang.ModuleCandidate{{Dir: "/p/q", Base: "__init__"}}, py.ModuleCandidates("/p/q", "."))
}

func TestRegistered(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"Python", "Python3"} {
		in, err := lang.For(name)
		require.NoError(t, err)
		assert.Equal(t, name, in.Info().Name)
		assert.True(t, in.Info().StdlibSupported())
	}
}
