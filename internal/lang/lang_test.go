package lang

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/codeintel/internal/lexer"
	"github.com/jward/codeintel/internal/trigger"
)

func TestParseCalltip(t *testing.T) {
	t.Parallel()

	sig, name, args, ok := ParseCalltip("flash(boom, bang=42)\nFlash it.")
	require.True(t, ok)
	assert.Equal(t, "flash(boom, bang=42)", sig)
	assert.Equal(t, "flash", name)
	assert.Equal(t, []CalltipArg{
		{Name: "boom", Start: 6, End: 10},
		{Name: "bang", Default: "42", Start: 12, End: 19},
	}, args)

	_, _, args, ok = ParseCalltip("foo(a)\nblam")
	require.True(t, ok)
	assert.Equal(t, []CalltipArg{{Name: "a", Start: 4, End: 5}}, args)

	_, _, args, ok = ParseCalltip("foo()")
	require.True(t, ok)
	assert.Empty(t, args)

	_, _, _, ok = ParseCalltip("no call here\nfoo(a)")
	assert.False(t, ok)
}

func TestParenCalltipArgRange(t *testing.T) {
	t.Parallel()
	const calltip = "flash(boom, bang=42)"

	tests := []struct {
		text       string
		start, end int
	}{
		{"flash(x", 6, 10},
		{"flash(x, y", 12, 19},
		{"flash(x, y, z", 12, 19},
		{"flash(g(a, b), c", 12, 19},
		{"flash(x)", -1, -1},
		{"flash(x; y", -1, -1},
	}
	for _, tt := range tests {
		acc := lexer.NewAccessor("Python", []byte(tt.text))
		start, end := ParenCalltipArgRange(acc, len("flash("), calltip, acc.Len())
		assert.Equal(t, tt.start, start, tt.text)
		assert.Equal(t, tt.end, end, tt.text)
	}

	acc := lexer.NewAccessor("Python", []byte("f(a, "))
	start, end := ParenCalltipArgRange(acc, 2, "f()", acc.Len())
	assert.Equal(t, 0, start)
	assert.Equal(t, 0, end)
}

func TestCITDLExprFromPos(t *testing.T) {
	t.Parallel()

	exprAt := func(text, before string, opts ExprOptions) (string, error) {
		acc := lexer.NewAccessor("Python", []byte(text))
		return CITDLExprFromPos(acc, strings.LastIndex(text, before), opts)
	}

	got, err := exprAt("x = foo.bar.", "r.", ExprOptions{})
	require.NoError(t, err)
	assert.Equal(t, "foo.bar", got)

	got, err = exprAt("y = foo(a, b).", ").", ExprOptions{})
	require.NoError(t, err)
	assert.Equal(t, "foo()", got)

	got, err = exprAt("s = 'abc'.", "'.", ExprOptions{StringCITDL: "str"})
	require.NoError(t, err)
	assert.Equal(t, "str", got)

	_, err = exprAt("a).", ").", ExprOptions{})
	assert.ErrorContains(t, err, "could not find matching brace")

	got, err = exprAt("from a import foo\nfoo()", "foo(", ExprOptions{Implicit: true, IncludeForwards: true})
	require.NoError(t, err)
	assert.Equal(t, "foo", got)
}

func TestCITDLExprFromTrg(t *testing.T) {
	t.Parallel()
	text := "import os\nos.path.join("
	acc := lexer.NewAccessor("Python", []byte(text))

	trg := trigger.New("Python", trigger.FormCalltip, "call-signature", len(text), true, nil)
	got, err := CITDLExprFromTrg(acc, trg, "str")
	require.NoError(t, err)
	assert.Equal(t, "os.path.join", got)

	lit := trigger.New("Python", trigger.FormCompletion, "literal-members", 3, true, map[string]any{"citdl_expr": "str"})
	got, err = CITDLExprFromTrg(acc, lit, "str")
	require.NoError(t, err)
	assert.Equal(t, "str", got)

	defn := DefnTrgFromPos("Python", strings.Index(text, "path"))
	assert.Equal(t, 0, defn.Length)
	got, err = CITDLExprFromTrg(acc, defn, "str")
	require.NoError(t, err)
	assert.Equal(t, "os.path", got)
}

func TestLastLogicalLine(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "c", LastLogicalLine("a\nb\nc"))
	assert.Equal(t, "b  c", LastLogicalLine("a\nb \\\nc"))
	assert.Equal(t, "x", LastLogicalLine("x\n"))
	assert.Equal(t, "y", LastLogicalLine("x\r\ny"))
	assert.Empty(t, LastLogicalLine(""))
}

func TestPrecedingTrg(t *testing.T) {
	t.Parallel()

	// Only '(' and '.' fire in this fake.
	find := func(text string) *trigger.Trigger {
		acc := lexer.NewAccessor("Python", []byte(text))
		return PrecedingTrg(acc, acc.Len(), acc.Len(), ".(", "(", func(p int) *trigger.Trigger {
			switch acc.CharAtPos(p - 1) {
			case '(':
				return trigger.New("Python", trigger.FormCalltip, "call-signature", p, false, nil)
			case '.':
				return trigger.New("Python", trigger.FormCompletion, "object-members", p, false, nil)
			}
			return nil
		})
	}

	trg := find("foo(a, bar")
	require.NotNil(t, trg)
	assert.Equal(t, "call-signature", trg.Type)
	assert.Equal(t, 4, trg.Pos)

	trg = find("f(g(1), h")
	require.NotNil(t, trg)
	assert.Equal(t, 2, trg.Pos)

	trg = find("os.pa")
	require.NotNil(t, trg)
	assert.Equal(t, "object-members", trg.Type)
	assert.Equal(t, 3, trg.Pos)

	assert.Nil(t, find("x(1); ab"))
	assert.Nil(t, find("plain words"))
}

func TestRegistry(t *testing.T) {
	_, err := For("NoSuchLang")
	assert.Error(t, err)
}
