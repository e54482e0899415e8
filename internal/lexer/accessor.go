// Package lexer gives byte-level access to buffer content together with a
// style classification of every byte, derived from a tree-sitter parse.
package lexer

import (
	"context"
	"sort"
	"sync"
	"unicode"

	sitter "github.com/smacker/go-tree-sitter"
)

// Style classifies one byte of source.
type Style int

const (
	StyleDefault Style = iota
	StyleComment
	StyleString
	StyleNumber
	StyleKeyword
	StyleIdentifier
	StyleOperator
)

func (s Style) String() string {
	switch s {
	case StyleComment:
		return "comment"
	case StyleString:
		return "string"
	case StyleNumber:
		return "number"
	case StyleKeyword:
		return "keyword"
	case StyleIdentifier:
		return "identifier"
	case StyleOperator:
		return "operator"
	}
	return "default"
}

// Accessor wraps the content of one buffer. Positions are byte offsets into
// the UTF-8 text. All methods tolerate out-of-range positions.
type Accessor struct {
	lang string
	text []byte

	once       sync.Once
	styles     []Style
	lineStarts []int
}

// NewAccessor creates an accessor over text. Styles are computed lazily on
// first use.
func NewAccessor(lang string, text []byte) *Accessor {
	return &Accessor{lang: lang, text: text}
}

// Lang returns the language the content is styled as.
func (a *Accessor) Lang() string { return a.lang }

// Text returns the full content.
func (a *Accessor) Text() []byte { return a.text }

// Len returns the content length in bytes.
func (a *Accessor) Len() int { return len(a.text) }

// CharAtPos returns the byte at pos, or 0 outside the content.
func (a *Accessor) CharAtPos(pos int) byte {
	if pos < 0 || pos >= len(a.text) {
		return 0
	}
	return a.text[pos]
}

// StyleAtPos returns the style of the byte at pos.
func (a *Accessor) StyleAtPos(pos int) Style {
	a.init()
	if pos < 0 || pos >= len(a.styles) {
		return StyleDefault
	}
	return a.styles[pos]
}

// TextRange returns text[start:end] clamped to the content.
func (a *Accessor) TextRange(start, end int) string {
	start = max(0, min(start, len(a.text)))
	end = max(start, min(end, len(a.text)))
	return string(a.text[start:end])
}

// LineFromPos returns the 0-based line holding pos.
func (a *Accessor) LineFromPos(pos int) int {
	a.init()
	pos = max(0, min(pos, len(a.text)))
	return sort.Search(len(a.lineStarts), func(i int) bool { return a.lineStarts[i] > pos }) - 1
}

// LineStartPos returns the offset of the first byte of a 0-based line.
func (a *Accessor) LineStartPos(line int) int {
	a.init()
	if line <= 0 {
		return 0
	}
	if line >= len(a.lineStarts) {
		return len(a.text)
	}
	return a.lineStarts[line]
}

// LineStartPosFromPos returns the start offset of the line holding pos.
func (a *Accessor) LineStartPosFromPos(pos int) int {
	return a.LineStartPos(a.LineFromPos(pos))
}

// LineCount returns the number of lines.
func (a *Accessor) LineCount() int {
	a.init()
	return len(a.lineStarts)
}

// EachCharAndStyle calls fn for each byte in [start, end) until fn
// returns false.
func (a *Accessor) EachCharAndStyle(start, end int, fn func(pos int, ch byte, st Style) bool) {
	a.init()
	start = max(0, start)
	end = min(end, len(a.text))
	for p := start; p < end; p++ {
		if !fn(p, a.text[p], a.styles[p]) {
			return
		}
	}
}

// IsIdentByte reports whether b can appear in an identifier. Bytes of
// multi-byte UTF-8 sequences count as identifier bytes.
func IsIdentByte(b byte) bool {
	return b == '_' || b >= 0x80 || ('0' <= b && b <= '9') || unicode.IsLetter(rune(b))
}

func (a *Accessor) init() {
	a.once.Do(func() {
		a.lineStarts = []int{0}
		for i, b := range a.text {
			if b == '\n' {
				a.lineStarts = append(a.lineStarts, i+1)
			}
		}
		a.styles = make([]Style, len(a.text))
		tree, err := Parse(context.Background(), a.lang, a.text)
		if err != nil {
			return
		}
		defer tree.Close()
		a.styleNode(tree.RootNode())
	})
}

func (a *Accessor) styleNode(n *sitter.Node) {
	if n.ChildCount() == 0 {
		st := leafStyle(n)
		start, end := int(n.StartByte()), int(n.EndByte())
		end = min(end, len(a.styles))
		for i := start; i < end; i++ {
			a.styles[i] = st
		}
		return
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		a.styleNode(n.Child(i))
	}
	// Bytes of a string node not covered by any child (the literal body in
	// grammars that only emit quote tokens) are string bytes too.
	if isStringType(n.Type()) && !insideSubstitution(n) {
		start, end := int(n.StartByte()), min(int(n.EndByte()), len(a.styles))
		for i := start; i < end; i++ {
			if a.styles[i] == StyleDefault {
				a.styles[i] = StyleString
			}
		}
	}
}

func isStringType(t string) bool {
	switch t {
	case "string", "string_content", "string_fragment", "template_string",
		"regex", "regex_pattern", "escape_sequence":
		return true
	}
	return false
}

func insideSubstitution(n *sitter.Node) bool {
	for p := n.Parent(); p != nil; p = p.Parent() {
		switch p.Type() {
		case "interpolation", "template_substitution":
			return true
		}
	}
	return false
}

func leafStyle(n *sitter.Node) Style {
	t := n.Type()
	if t == "comment" {
		return StyleComment
	}
	if isStringType(t) {
		return StyleString
	}
	for p := n.Parent(); p != nil; p = p.Parent() {
		pt := p.Type()
		if pt == "interpolation" || pt == "template_substitution" {
			break
		}
		if isStringType(pt) {
			return StyleString
		}
	}
	switch t {
	case "integer", "float", "number":
		return StyleNumber
	case "identifier", "property_identifier", "shorthand_property_identifier",
		"shorthand_property_identifier_pattern", "type_identifier", "field_identifier",
		"statement_identifier", "private_property_identifier":
		return StyleIdentifier
	case "true", "false", "none", "null", "undefined", "this", "super", "self":
		return StyleKeyword
	}
	if n.IsError() || n.IsMissing() {
		return StyleDefault
	}
	if !n.IsNamed() && isWord(t) {
		return StyleKeyword
	}
	return StyleOperator
}

func isWord(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && r != '_' {
			return false
		}
	}
	return true
}
