package scanner

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/codeintel/internal/cix"
)

// lineScanner fails on the first line containing "!!" and otherwise binds
// one variable per non-blank line.
type lineScanner struct {
	calls atomic.Int32
	last  []byte
}

func (s *lineScanner) Scan(_ context.Context, src []byte, path string) (*cix.File, error) {
	s.calls.Add(1)
	s.last = src
	blob := &cix.Scope{Kind: cix.KindBlob, Name: "m"}
	for i, l := range strings.Split(string(src), "\n") {
		if strings.Contains(l, "!!") {
			return &cix.File{Path: path, Blobs: []*cix.Scope{blob}}, &SyntaxError{Path: path, Line: i + 1, Msg: "bang"}
		}
		if name := strings.TrimSpace(l); name != "" {
			blob.Children = append(blob.Children, &cix.Scope{Kind: cix.KindVariable, Name: name, Line: i + 1})
		}
	}
	return &cix.File{Path: path, Blobs: []*cix.Scope{blob}}, nil
}

func TestScan_RetriesOnceWithLineBlanked(t *testing.T) {
	s := &lineScanner{}
	Register("LineTestOne", s)

	src := []byte("a\nb !!\nc\n")
	f, err := Scan(context.Background(), src, "LineTestOne", "m.txt", "")
	require.NoError(t, err)
	assert.Equal(t, int32(2), s.calls.Load())
	assert.Len(t, s.last, len(src))
	assert.Equal(t, []string{"a", "c"}, childNames(f.Blobs[0]))
	assert.Equal(t, 3, f.Blobs[0].Child("c").Line)
	assert.Empty(t, f.Error)
}

func TestScan_SecondFailureReportsFirst(t *testing.T) {
	s := &lineScanner{}
	Register("LineTestTwo", s)

	f, err := Scan(context.Background(), []byte("a\n!!\n!!\n"), "LineTestTwo", "m.txt", "")
	var serr *SyntaxError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, 2, serr.Line)
	assert.Equal(t, int32(2), s.calls.Load())
	require.NotNil(t, f)
	assert.Equal(t, 2, f.ErrorLine)
	assert.Equal(t, "bang", f.Error)
}

func TestScan_UnsupportedLanguage(t *testing.T) {
	t.Parallel()
	_, err := Scan(context.Background(), nil, "Cobol", "x.cob", "")
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)
}

func TestScan_TranscodesLatin1(t *testing.T) {
	t.Parallel()
	f, err := Scan(context.Background(), []byte("caf\xe9 = 'x'\n"), "Python", "enc.py", "iso-8859-1")
	require.NoError(t, err)
	assert.NotNil(t, f.Blobs[0].Child("café"))

	_, err = Scan(context.Background(), nil, "Python", "enc.py", "no-such-encoding")
	assert.Error(t, err)
}

func TestBlankLine(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []byte("a\n   \nc"), blankLine([]byte("a\nbbb\nc"), 2))
	assert.Equal(t, []byte("a\r\n \r\n"), blankLine([]byte("a\r\nb\r\n"), 2))
	assert.Equal(t, []byte("a"), blankLine([]byte("a"), 5))
	assert.True(t, bytes.Equal([]byte("  "), blankLine([]byte("ab"), 1)))
}

func TestGuesses_Best(t *testing.T) {
	t.Parallel()
	var g Guesses
	assert.Empty(t, g.Best())

	g.Add("None")
	g.Add("None")
	g.Add("str")
	assert.Equal(t, "str", g.Best())

	g.Add("int")
	assert.Equal(t, "str", g.Best(), "ties go to the first guess seen")
	g.Add("int")
	assert.Equal(t, "int", g.Best())
	assert.Equal(t, 2, g.Count("None"))
}

func TestDocSummary(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "Join two or more pathname components.",
		DocSummary("Join two or more pathname components. Inserting '/' as needed."))
	assert.Equal(t, "Use e.g. this form.", DocSummary("  Use e.g. this\n  form. Then more.\n"))
	assert.Equal(t, "First paragraph only", DocSummary("First paragraph\nonly\n\nSecond. paragraph."))
	assert.Empty(t, DocSummary("   \n"))

	long := DocSummary(strings.Repeat("word ", 100))
	lines := strings.Split(long, "\n")
	assert.Len(t, lines, 5)
	for _, l := range lines {
		assert.LessOrEqual(t, len(l), 60)
	}
	assert.True(t, strings.HasSuffix(long, "..."))
}

func TestDocSummary_MultiByteWidth(t *testing.T) {
	t.Parallel()
	for _, word := range []string{"überprüfung", "漢字"} {
		sum := DocSummary(strings.Repeat(word+" ", 100))
		require.True(t, utf8.ValidString(sum), sum)
		lines := strings.Split(sum, "\n")
		assert.Len(t, lines, 5)
		for _, l := range lines {
			assert.LessOrEqual(t, columns(l), 60, l)
		}
		assert.True(t, strings.HasSuffix(sum, "..."))
	}
	assert.Equal(t, 4, columns("漢字"))
	assert.Equal(t, 3, columns("übe"))
	assert.Equal(t, "漢", truncate("漢字", 3))
}

func TestSentences(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "One. Two!", Sentences("One. Two! Three? Four.", 2))
	assert.Equal(t, "Use e.g. this. Then that.", Sentences("Use e.g. this.\nThen that. And more.", 2))
	assert.Equal(t, "No terminator", Sentences("No terminator", 2))
	assert.Empty(t, Sentences("", 2))
	for _, l := range strings.Split(Sentences(strings.Repeat("word ", 40)+".", 2), "\n") {
		assert.LessOrEqual(t, columns(l), 60)
	}
}

func TestUnquoteDocString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "Hello.\nWorld.", unquoteDocString("\"\"\"Hello.\n    World.\n    \"\"\""))
	assert.Equal(t, "raw", unquoteDocString("r'raw'"))
}
