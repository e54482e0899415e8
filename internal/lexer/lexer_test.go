package lexer

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLanguageForFile(t *testing.T) {
	t.Parallel()
	tests := []struct {
		path string
		want string
		ok   bool
	}{
		{"/a/b.py", "Python", true},
		{"C:/x/Y.PY", "Python", true},
		{"app.mjs", "JavaScript", true},
		{"readme.md", "", false},
	}
	for _, tt := range tests {
		got, ok := LanguageForFile(tt.path)
		assert.Equal(t, tt.ok, ok, tt.path)
		assert.Equal(t, tt.want, got, tt.path)
	}
}

func TestExtensionsForLanguage(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{".py", ".pyw"}, ExtensionsForLanguage("Python3"))
	assert.Equal(t, []string{".cjs", ".js", ".jsx", ".mjs"}, ExtensionsForLanguage("Node.js"))
	assert.Empty(t, ExtensionsForLanguage("Ruby"))
}

func TestParse_UnsupportedLanguage(t *testing.T) {
	t.Parallel()
	_, err := Parse(context.Background(), "Ruby", []byte("puts 1"))
	assert.Error(t, err)
}

func TestAccessor_Styles(t *testing.T) {
	t.Parallel()
	src := "import os\n# note\nx = \"str\"\nos.path\n"
	a := NewAccessor("Python", []byte(src))

	assert.Equal(t, StyleKeyword, a.StyleAtPos(strings.Index(src, "import")))
	assert.Equal(t, StyleComment, a.StyleAtPos(strings.Index(src, "note")))
	assert.Equal(t, StyleString, a.StyleAtPos(strings.Index(src, "str")))
	assert.Equal(t, StyleString, a.StyleAtPos(strings.Index(src, "\"")))
	assert.Equal(t, StyleIdentifier, a.StyleAtPos(strings.Index(src, "x =")))
	assert.Equal(t, StyleOperator, a.StyleAtPos(strings.Index(src, "os.")+2))
	assert.Equal(t, StyleDefault, a.StyleAtPos(-1))
	assert.Equal(t, StyleDefault, a.StyleAtPos(len(src)+10))
}

func TestAccessor_JavaScriptTemplate(t *testing.T) {
	t.Parallel()
	src := "let s = `a ${b} c`;"
	a := NewAccessor("JavaScript", []byte(src))
	assert.Equal(t, StyleString, a.StyleAtPos(strings.Index(src, "a ")))
	assert.Equal(t, StyleIdentifier, a.StyleAtPos(strings.Index(src, "b}")))
}

func TestAccessor_Lines(t *testing.T) {
	t.Parallel()
	a := NewAccessor("Python", []byte("ab\ncd\n\nef"))

	assert.Equal(t, 4, a.LineCount())
	assert.Equal(t, 0, a.LineFromPos(0))
	assert.Equal(t, 0, a.LineFromPos(2))
	assert.Equal(t, 1, a.LineFromPos(3))
	assert.Equal(t, 3, a.LineFromPos(100))
	assert.Equal(t, 3, a.LineStartPos(1))
	assert.Equal(t, 7, a.LineStartPos(3))
	assert.Equal(t, 9, a.LineStartPos(9))
	assert.Equal(t, 6, a.LineStartPosFromPos(6))
}

func TestAccessor_Bounds(t *testing.T) {
	t.Parallel()
	src := "s = 'héllo'"
	a := NewAccessor("Python", []byte(src))

	assert.Equal(t, byte(0), a.CharAtPos(-1))
	assert.Equal(t, byte(0), a.CharAtPos(a.Len()))
	assert.Equal(t, "s = ", a.TextRange(-5, 4))
	assert.Equal(t, "", a.TextRange(50, 60))
	assert.Equal(t, StyleString, a.StyleAtPos(strings.Index(src, "é")+1))

	var seen int
	a.EachCharAndStyle(-3, 1000, func(pos int, ch byte, st Style) bool {
		seen++
		return pos < 2
	})
	assert.Equal(t, 3, seen)
}

func TestIsIdentByte(t *testing.T) {
	t.Parallel()
	for _, b := range []byte("aZ_9") {
		require.True(t, IsIdentByte(b), string(b))
	}
	for _, b := range []byte(".( \n") {
		require.False(t, IsIdentByte(b), string(b))
	}
	assert.True(t, IsIdentByte(0xC3))
}
