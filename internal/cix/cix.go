// Package cix defines the scope tree produced by scanning one source file,
// and its on-disk blob encoding.
package cix

import (
	"slices"
)

// Kind is the kind of a scope.
type Kind string

const (
	KindBlob     Kind = "blob"
	KindClass    Kind = "class"
	KindFunction Kind = "function"
	KindArgument Kind = "argument"
	KindVariable Kind = "variable"
)

// Attribute flags.
const (
	AttrPrivate     = "private"
	AttrProtected   = "protected"
	AttrInstance    = "instance"
	AttrStatic      = "static"
	AttrClassMethod = "classmethod"
	AttrProperty    = "property"
	AttrCtor        = "ctor"
	AttrHidden      = "hidden"
)

// Import is one import statement recorded on a scope. For
// "from a.b import c as d": Module "a.b", Symbol "c", Alias "d". For
// "import a.b": Module "a.b" and no Symbol.
type Import struct {
	Module string `json:"module" yaml:"module"`
	Symbol string `json:"symbol,omitempty" yaml:"symbol,omitempty"`
	Alias  string `json:"alias,omitempty" yaml:"alias,omitempty"`
	Line   int    `json:"line,omitempty" yaml:"line,omitempty"`
}

// LocalName returns the name the import binds in its scope.
func (i Import) LocalName() string {
	switch {
	case i.Alias != "":
		return i.Alias
	case i.Symbol != "" && i.Symbol != "*":
		return i.Symbol
	}
	// "import a.b" binds "a".
	for j := 0; j < len(i.Module); j++ {
		if i.Module[j] == '.' {
			return i.Module[:j]
		}
	}
	return i.Module
}

// Scope is one node of the tree. Line numbers are 1-based; zero means
// unknown (catalog and stdlib entries often carry none).
type Scope struct {
	Kind       Kind     `json:"kind" yaml:"kind"`
	Name       string   `json:"name" yaml:"name"`
	Line       int      `json:"line,omitempty" yaml:"line,omitempty"`
	LineEnd    int      `json:"lineend,omitempty" yaml:"lineend,omitempty"`
	Doc        string   `json:"doc,omitempty" yaml:"doc,omitempty"`
	Signature  string   `json:"signature,omitempty" yaml:"signature,omitempty"`
	Returns    string   `json:"returns,omitempty" yaml:"returns,omitempty"`
	Citdl      string   `json:"citdl,omitempty" yaml:"citdl,omitempty"`
	Attributes []string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	Classrefs  []string `json:"classrefs,omitempty" yaml:"classrefs,omitempty"`
	Imports    []Import `json:"imports,omitempty" yaml:"imports,omitempty"`
	Children   []*Scope `json:"children,omitempty" yaml:"children,omitempty"`
}

// HasAttr reports whether the scope carries attribute a.
func (s *Scope) HasAttr(a string) bool {
	return slices.Contains(s.Attributes, a)
}

// AddAttr adds attribute a once.
func (s *Scope) AddAttr(a string) {
	if !s.HasAttr(a) {
		s.Attributes = append(s.Attributes, a)
	}
}

// Child returns the child named name. When a name is bound more than once
// the last binding wins, matching top-to-bottom execution.
func (s *Scope) Child(name string) *Scope {
	for i := len(s.Children) - 1; i >= 0; i-- {
		if s.Children[i].Name == name {
			return s.Children[i]
		}
	}
	return nil
}

// Import returns the import that binds name in this scope.
func (s *Scope) Import(name string) (Import, bool) {
	for i := len(s.Imports) - 1; i >= 0; i-- {
		if s.Imports[i].LocalName() == name {
			return s.Imports[i], true
		}
	}
	return Import{}, false
}

// IsCallable reports whether the scope can be called.
func (s *Scope) IsCallable() bool {
	return s.Kind == KindFunction || s.Kind == KindClass
}

// Contains reports whether line lies in the scope's range.
func (s *Scope) Contains(line int) bool {
	if s.Line == 0 {
		return false
	}
	end := s.LineEnd
	if end == 0 {
		end = s.Line
	}
	return line >= s.Line && line <= end
}

// ChainAtLine returns the scopes enclosing line from s inward: s itself,
// then each nested class or function whose range holds line.
func (s *Scope) ChainAtLine(line int) []*Scope {
	chain := []*Scope{s}
	cur := s
	for {
		var next *Scope
		for _, c := range cur.Children {
			if (c.Kind == KindClass || c.Kind == KindFunction) && c.Contains(line) {
				next = c
			}
		}
		if next == nil {
			return chain
		}
		chain = append(chain, next)
		cur = next
	}
}

// Walk visits s and its descendants depth first. path holds the names from
// the root to the visited scope. Returning false skips the children.
func (s *Scope) Walk(fn func(path []string, sc *Scope) bool) {
	var walk func(path []string, sc *Scope)
	walk = func(path []string, sc *Scope) {
		path = append(path, sc.Name)
		if !fn(path, sc) {
			return
		}
		for _, c := range sc.Children {
			walk(slices.Clone(path), c)
		}
	}
	walk(nil, s)
}

// Lookup follows a dotted path of child names below s.
func (s *Scope) Lookup(path ...string) *Scope {
	cur := s
	for _, name := range path {
		if cur = cur.Child(name); cur == nil {
			return nil
		}
	}
	return cur
}

// File is the scan result for one source file.
type File struct {
	Path      string   `json:"path"`
	Lang      string   `json:"lang"`
	Mtime     int64    `json:"mtime,omitempty"`
	Error     string   `json:"error,omitempty"`
	ErrorLine int      `json:"error_line,omitempty"`
	Blobs     []*Scope `json:"blobs"`
}

// Blob returns the module blob named name.
func (f *File) Blob(name string) *Scope {
	for _, b := range f.Blobs {
		if b.Name == name {
			return b
		}
	}
	return nil
}

// BlobNames returns the names of all blobs in the file.
func (f *File) BlobNames() []string {
	names := make([]string, len(f.Blobs))
	for i, b := range f.Blobs {
		names[i] = b.Name
	}
	return names
}
