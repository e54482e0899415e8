package javascript

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/codeintel/internal/lang"
	"github.com/jward/codeintel/internal/lexer"
)

var js = New("JavaScript")

func typeAtEnd(t *testing.T, text string, implicit bool) string {
	t.Helper()
	acc := lexer.NewAccessor("JavaScript", []byte(text))
	trg := js.TrgFromPos(acc, acc.Len(), implicit)
	if trg == nil {
		return ""
	}
	return trg.Type
}

func TestTrgFromPos(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text string
		want string
	}{
		{"foo.", "object-members"},
		{"this.", "object-members"},
		{"'abc'.", "literal-members"},
		{"greet(", "call-signature"},
		{"function greet(", ""},
		{"doc", "names"},
		{"a.doc", ""},
		{"docu", ""},
		{"x = 1;", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, typeAtEnd(t, tt.text, true), tt.text)
	}
}

func TestTrgFromPos_Details(t *testing.T) {
	t.Parallel()

	acc := lexer.NewAccessor("JavaScript", []byte("doc"))
	trg := js.TrgFromPos(acc, 3, true)
	require.NotNil(t, trg)
	assert.Equal(t, "javascript-complete-names", trg.Name())
	assert.Equal(t, 0, trg.Pos)
	assert.Equal(t, "doc", trg.ExtraString("citdl_expr"))

	acc = lexer.NewAccessor("JavaScript", []byte("f(a,"))
	trg = js.TrgFromPos(acc, acc.Len(), true)
	require.NotNil(t, trg)
	assert.Equal(t, "call-signature", trg.Type)
	assert.Equal(t, 2, trg.Pos)

	acc = lexer.NewAccessor("JavaScript", []byte("'abc'."))
	trg = js.TrgFromPos(acc, acc.Len(), true)
	require.NotNil(t, trg)
	expr, err := js.CITDLExprFromTrg(acc, trg)
	require.NoError(t, err)
	assert.Equal(t, "String", expr)
}

func TestTrgFromPos_JSDoc(t *testing.T) {
	t.Parallel()
	text := "/**\n * @\n */"
	acc := lexer.NewAccessor("JavaScript", []byte(text))
	trg := js.TrgFromPos(acc, len("/**\n * @"), true)
	require.NotNil(t, trg)
	assert.Equal(t, "jsdoc-tags", trg.Type)

	cplns, ok := js.StaticCompletions(trg)
	require.True(t, ok)
	assert.Contains(t, cplns, lang.Completion{Kind: "variable", Name: "param"})
}

func TestModuleCandidates(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []lang.ModuleCandidate{
		{Dir: "/src/lib", Base: "util"},
		{Dir: "/src/lib/util", Base: "index"},
	}, js.ModuleCandidates("/src", "./lib/util"))
	assert.Equal(t, []lang.ModuleCandidate{
		{Dir: "/", Base: "x"},
		{Dir: "/x.js", Base: "index"},
	}, js.ModuleCandidates("/src", "../x.js"))
	assert.Nil(t, js.ModuleCandidates("/src", "fs"))
}

func TestInfo(t *testing.T) {
	t.Parallel()
	node, err := lang.For("Node.js")
	require.NoError(t, err)
	assert.Equal(t, []string{"node"}, node.Info().StdlibVersions)
	assert.Equal(t, "*", js.Info().BuiltinsBlob)
}
