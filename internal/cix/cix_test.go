package cix

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleBlob() *Scope {
	return &Scope{
		Kind: KindBlob, Name: "shapes", Line: 1, LineEnd: 20,
		Imports: []Import{{Module: "math", Line: 1}, {Module: "os.path", Symbol: "join", Alias: "pjoin", Line: 2}},
		Children: []*Scope{
			{Kind: KindVariable, Name: "PI", Line: 3, Citdl: "float"},
			{
				Kind: KindClass, Name: "Circle", Line: 5, LineEnd: 15, Classrefs: []string{"object"},
				Children: []*Scope{
					{
						Kind: KindFunction, Name: "__init__", Line: 6, LineEnd: 8,
						Signature: "__init__(self, r=1)", Attributes: []string{AttrCtor},
						Children: []*Scope{
							{Kind: KindArgument, Name: "self", Line: 6},
							{Kind: KindArgument, Name: "r", Line: 6, Citdl: "int"},
						},
					},
					{Kind: KindVariable, Name: "r", Line: 7, Attributes: []string{AttrInstance}, Citdl: "int"},
					{Kind: KindFunction, Name: "area", Line: 10, LineEnd: 12, Signature: "area(self)", Returns: "float"},
				},
			},
			{Kind: KindFunction, Name: "unit", Line: 17, LineEnd: 18, Signature: "unit()", Returns: "Circle()"},
		},
	}
}

func TestScope_ChildAndLookup(t *testing.T) {
	t.Parallel()
	b := sampleBlob()
	require.NotNil(t, b.Child("Circle"))
	assert.Equal(t, "area", b.Lookup("Circle", "area").Name)
	assert.Nil(t, b.Lookup("Circle", "perimeter"))
	assert.True(t, b.Lookup("Circle", "__init__").HasAttr(AttrCtor))
}

func TestScope_ChildLastBindingWins(t *testing.T) {
	t.Parallel()
	s := &Scope{Children: []*Scope{
		{Kind: KindFunction, Name: "f", Signature: "f(a)"},
		{Kind: KindFunction, Name: "f", Signature: "f(a, b)"},
	}}
	assert.Equal(t, "f(a, b)", s.Child("f").Signature)
}

func TestImport_LocalName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "os", Import{Module: "os.path"}.LocalName())
	assert.Equal(t, "join", Import{Module: "os.path", Symbol: "join"}.LocalName())
	assert.Equal(t, "pjoin", Import{Module: "os.path", Symbol: "join", Alias: "pjoin"}.LocalName())
	assert.Equal(t, "np", Import{Module: "numpy", Alias: "np"}.LocalName())

	b := sampleBlob()
	imp, ok := b.Import("pjoin")
	require.True(t, ok)
	assert.Equal(t, "os.path", imp.Module)
	_, ok = b.Import("join")
	assert.False(t, ok)
}

func TestScope_ChainAtLine(t *testing.T) {
	t.Parallel()
	b := sampleBlob()
	chain := b.ChainAtLine(11)
	require.Len(t, chain, 3)
	assert.Equal(t, []string{"shapes", "Circle", "area"}, []string{chain[0].Name, chain[1].Name, chain[2].Name})

	assert.Len(t, b.ChainAtLine(3), 1)
}

func TestScope_Walk(t *testing.T) {
	t.Parallel()
	var paths []string
	sampleBlob().Walk(func(path []string, s *Scope) bool {
		if s.Kind == KindFunction {
			paths = append(paths, s.Name)
		}
		return s.Kind != KindFunction
	})
	assert.Equal(t, []string{"__init__", "area", "unit"}, paths)
}

func TestBlobCodec_RoundTrip(t *testing.T) {
	t.Parallel()
	b := sampleBlob()
	data, err := MarshalBlob(b)
	require.NoError(t, err)

	got, err := UnmarshalBlob(data)
	require.NoError(t, err)
	if diff := cmp.Diff(b, got); diff != "" {
		t.Fatalf("blob mismatch (-want +got):\n%s", diff)
	}
}

func TestUnmarshalBlob_Corrupt(t *testing.T) {
	t.Parallel()
	_, err := UnmarshalBlob([]byte("not zstd"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, Validate(sampleBlob()))

	overlapping := sampleBlob()
	overlapping.Children[2].Line = 14
	require.ErrorContains(t, Validate(overlapping), "overlaps")

	escaping := sampleBlob()
	escaping.Children[1].Children[2].LineEnd = 16
	require.ErrorContains(t, Validate(escaping), "outside parent")

	dup := sampleBlob()
	dup.Children = append(dup.Children, &Scope{Kind: KindVariable, Name: "PI", Line: 19})
	require.ErrorContains(t, Validate(dup), "duplicate")
}

func TestParseLibrary(t *testing.T) {
	t.Parallel()
	src := []byte(`
name: stdlib
lang: Python
version: "3"
blobs:
  - name: os
    children:
      - name: getcwd
        signature: "getcwd() -> str"
        doc: Return a unicode string representing the current working directory.
      - name: sep
        citdl: str
`)
	lib, err := ParseLibrary(src)
	require.NoError(t, err)
	require.Len(t, lib.Blobs, 1)
	os := lib.Blobs[0]
	assert.Equal(t, KindBlob, os.Kind)
	assert.Equal(t, KindFunction, os.Child("getcwd").Kind)
	assert.Equal(t, KindVariable, os.Child("sep").Kind)

	_, err = ParseLibrary([]byte("name: x\nblobs: []\n"))
	require.Error(t, err)
}
