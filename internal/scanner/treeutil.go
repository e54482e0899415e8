package scanner

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// nodeText returns the source text of n.
func nodeText(n *sitter.Node, src []byte) string {
	if n == nil {
		return ""
	}
	return n.Content(src)
}

// line returns the 1-based start line of n.
func line(n *sitter.Node) int { return int(n.StartPoint().Row) + 1 }

// endLine returns the 1-based end line of n. A node ending at column 0
// ends on the previous line.
func endLine(n *sitter.Node) int {
	end := n.EndPoint()
	if end.Column == 0 && end.Row > n.StartPoint().Row {
		return int(end.Row)
	}
	return int(end.Row) + 1
}

// namedChildren returns the named children of n.
func namedChildren(n *sitter.Node) []*sitter.Node {
	if n == nil {
		return nil
	}
	count := int(n.NamedChildCount())
	out := make([]*sitter.Node, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, n.NamedChild(i))
	}
	return out
}

// firstError returns the innermost first ERROR or MISSING node under n.
func firstError(n *sitter.Node) *sitter.Node {
	if n == nil || !n.HasError() {
		if n != nil && (n.IsError() || n.IsMissing()) {
			return n
		}
		return nil
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		c := n.Child(i)
		if c.IsMissing() {
			return c
		}
		if c.HasError() || c.IsError() {
			if inner := firstError(c); inner != nil {
				return inner
			}
			return c
		}
	}
	if n.IsError() || n.IsMissing() {
		return n
	}
	return nil
}

// syntaxError builds the error for the first problem in a tree.
func syntaxError(root *sitter.Node, src []byte, path string) *SyntaxError {
	n := firstError(root)
	if n == nil {
		return nil
	}
	if n.IsMissing() {
		return &SyntaxError{Path: path, Line: line(n), Msg: "missing " + n.Type()}
	}
	snippet := strings.TrimSpace(nodeText(n, src))
	if i := strings.IndexByte(snippet, '\n'); i >= 0 {
		snippet = snippet[:i]
	}
	if len(snippet) > 40 {
		snippet = snippet[:40] + "..."
	}
	return &SyntaxError{Path: path, Line: line(n), Msg: "invalid syntax near " + quoteSnippet(snippet)}
}

func quoteSnippet(s string) string {
	if s == "" {
		return "end of input"
	}
	return "'" + s + "'"
}

// collapse folds runs of whitespace in an expression to single spaces.
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// dottedName returns the dotted chain an expression names, or "" when it
// is not a plain chain of identifiers.
func dottedName(n *sitter.Node, src []byte) string {
	if n == nil {
		return ""
	}
	switch n.Type() {
	case "identifier", "property_identifier", "this", "super":
		return nodeText(n, src)
	case "attribute":
		obj := dottedName(n.ChildByFieldName("object"), src)
		attr := n.ChildByFieldName("attribute")
		if obj == "" || attr == nil {
			return ""
		}
		return obj + "." + nodeText(attr, src)
	case "member_expression":
		obj := dottedName(n.ChildByFieldName("object"), src)
		prop := n.ChildByFieldName("property")
		if obj == "" || prop == nil {
			return ""
		}
		return obj + "." + nodeText(prop, src)
	case "dotted_name":
		parts := make([]string, 0, n.NamedChildCount())
		for _, c := range namedChildren(n) {
			parts = append(parts, nodeText(c, src))
		}
		return strings.Join(parts, ".")
	}
	return ""
}
