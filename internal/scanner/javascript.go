package scanner

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/jward/codeintel/internal/cix"
	"github.com/jward/codeintel/internal/lexer"
)

func init() {
	Register("JavaScript", &JavaScriptScanner{Lang: "JavaScript"})
	Register("Node.js", &JavaScriptScanner{Lang: "Node.js"})
}

// JavaScriptScanner scans JavaScript source with the tree-sitter grammar.
type JavaScriptScanner struct {
	Lang string
}

// Scan implements Scanner.
func (j *JavaScriptScanner) Scan(ctx context.Context, src []byte, path string) (*cix.File, error) {
	tree, err := lexer.Parse(ctx, j.Lang, src)
	if err != nil {
		return nil, fmt.Errorf("scanner: %w", err)
	}
	defer tree.Close()
	root := tree.RootNode()

	mod := &cix.Scope{
		Kind:    cix.KindBlob,
		Name:    strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Line:    1,
		LineEnd: max(1, endLine(root)),
	}
	b := &jsBuilder{
		src:     src,
		guesses: make(map[*cix.Scope]*Guesses),
		returns: make(map[*cix.Scope]*Guesses),
		params:  make(map[*cix.Scope][]string),
	}
	b.block(jsFrame{scope: mod}, root)
	b.finish(mod)

	file := &cix.File{Path: path, Lang: j.Lang, Blobs: []*cix.Scope{mod}}
	if serr := syntaxError(root, src, path); serr != nil {
		return file, serr
	}
	return file, nil
}

type jsFrame struct {
	scope *cix.Scope
	fn    *cix.Scope
	class *cix.Scope // set inside methods, receives this.x assignments
}

type jsBuilder struct {
	src     []byte
	guesses map[*cix.Scope]*Guesses
	returns map[*cix.Scope]*Guesses
	params  map[*cix.Scope][]string
}

func (b *jsBuilder) text(n *sitter.Node) string { return nodeText(n, b.src) }

func (b *jsBuilder) block(f jsFrame, n *sitter.Node) {
	for _, stmt := range namedChildren(n) {
		b.statement(f, stmt)
	}
}

func (b *jsBuilder) statement(f jsFrame, n *sitter.Node) {
	switch n.Type() {
	case "function_declaration", "generator_function_declaration":
		b.function(f, n, b.text(n.ChildByFieldName("name")), n, n)
	case "class_declaration":
		b.class(f, n, b.text(n.ChildByFieldName("name")), n)
	case "lexical_declaration", "variable_declaration":
		for _, d := range namedChildren(n) {
			if d.Type() == "variable_declarator" {
				b.declarator(f, n, d)
			}
		}
	case "import_statement":
		b.imports(f.scope, n)
	case "export_statement":
		if decl := n.ChildByFieldName("declaration"); decl != nil {
			b.statement(f, decl)
		}
	case "expression_statement":
		for _, c := range namedChildren(n) {
			if c.Type() == "assignment_expression" {
				b.assign(f, c)
			}
		}
	case "return_statement":
		if f.fn == nil {
			return
		}
		g := b.returns[f.fn]
		if g == nil {
			g = &Guesses{}
			b.returns[f.fn] = g
		}
		if vals := namedChildren(n); len(vals) > 0 {
			g.Add(b.guess(vals[0]))
		}
	case "statement_block":
		b.block(f, n)
	case "if_statement", "for_statement", "for_in_statement", "while_statement",
		"do_statement", "try_statement", "else_clause", "catch_clause", "finally_clause":
		for _, c := range namedChildren(n) {
			switch c.Type() {
			case "statement_block", "else_clause", "catch_clause", "finally_clause",
				"if_statement", "expression_statement", "return_statement":
				b.statement(f, c)
			}
		}
	}
}

func (b *jsBuilder) declarator(f jsFrame, decl, d *sitter.Node) {
	nameNode := d.ChildByFieldName("name")
	if nameNode == nil || nameNode.Type() != "identifier" {
		return
	}
	name := b.text(nameNode)
	value := d.ChildByFieldName("value")
	if value != nil {
		switch value.Type() {
		case "function", "function_expression", "arrow_function", "generator_function":
			b.function(f, decl, name, value, decl)
			return
		case "class":
			b.class(f, value, name, decl)
			return
		case "call_expression":
			if mod := requireModule(value, b.src); mod != "" {
				f.scope.Imports = append(f.scope.Imports, cix.Import{Module: mod, Alias: name, Line: line(decl)})
				return
			}
		}
	}
	b.variable(f.scope, name, b.guess(value), line(decl), false)
}

// requireModule returns the module named by a require("...") call.
func requireModule(call *sitter.Node, src []byte) string {
	fn := call.ChildByFieldName("function")
	if fn == nil || fn.Type() != "identifier" || nodeText(fn, src) != "require" {
		return ""
	}
	args := namedChildren(call.ChildByFieldName("arguments"))
	if len(args) != 1 || args[0].Type() != "string" {
		return ""
	}
	return strings.Trim(nodeText(args[0], src), "'\"`")
}

func (b *jsBuilder) assign(f jsFrame, n *sitter.Node) {
	left := n.ChildByFieldName("left")
	right := n.ChildByFieldName("right")
	if left == nil {
		return
	}
	switch left.Type() {
	case "identifier":
		b.variable(f.scope, b.text(left), b.guess(right), line(n), false)
	case "member_expression":
		obj := dottedName(left.ChildByFieldName("object"), b.src)
		prop := b.text(left.ChildByFieldName("property"))
		switch {
		case obj == "this" && f.class != nil:
			b.variable(f.class, prop, b.guess(right), line(n), true)
		case obj == "exports" || obj == "module.exports":
			if right != nil && isJSFunction(right) {
				b.function(jsFrame{scope: f.scope}, n, prop, right, n)
				return
			}
			b.variable(f.scope, prop, b.guess(right), line(n), false)
		}
	}
}

func isJSFunction(n *sitter.Node) bool {
	switch n.Type() {
	case "function", "function_expression", "arrow_function", "generator_function":
		return true
	}
	return false
}

// function binds a function scope. def holds the parameters and body; span
// gives the line range; docAnchor is the node a JSDoc comment precedes.
func (b *jsBuilder) function(f jsFrame, span *sitter.Node, name string, def, docAnchor *sitter.Node) *cix.Scope {
	if name == "" {
		return nil
	}
	fn := &cix.Scope{
		Kind:    cix.KindFunction,
		Name:    name,
		Line:    line(span),
		LineEnd: endLine(span),
		Doc:     b.jsDoc(docAnchor),
	}
	if strings.HasPrefix(name, "#") {
		fn.AddAttr(cix.AttrPrivate)
	} else if strings.HasPrefix(name, "_") {
		fn.AddAttr(cix.AttrProtected)
	}

	params := def.ChildByFieldName("parameters")
	if params == nil {
		// Single-parameter arrow functions have no parentheses.
		params = def.ChildByFieldName("parameter")
	}
	displays := b.parameters(fn, params)
	b.params[fn] = displays
	fn.Signature = name + "(" + strings.Join(displays, ", ") + ")"

	bind(f.scope, fn)
	inner := jsFrame{scope: fn, fn: fn, class: f.class}
	if body := def.ChildByFieldName("body"); body != nil {
		if body.Type() == "statement_block" {
			b.block(inner, body)
		} else {
			g := &Guesses{}
			g.Add(b.guess(body))
			b.returns[fn] = g
		}
	}
	return fn
}

func (b *jsBuilder) parameters(fn *cix.Scope, n *sitter.Node) []string {
	if n == nil {
		return nil
	}
	if n.Type() == "identifier" {
		b.argument(fn, b.text(n), nil)
		return []string{b.text(n)}
	}
	var out []string
	for _, c := range namedChildren(n) {
		switch c.Type() {
		case "identifier":
			name := b.text(c)
			b.argument(fn, name, nil)
			out = append(out, name)
		case "assignment_pattern":
			left := c.ChildByFieldName("left")
			right := c.ChildByFieldName("right")
			if left != nil && left.Type() == "identifier" {
				b.argument(fn, b.text(left), right)
			}
			out = append(out, b.text(left)+"="+collapse(b.text(right)))
		case "rest_pattern":
			name := strings.TrimPrefix(b.text(c), "...")
			b.argument(fn, name, nil)
			out = append(out, "..."+name)
		case "comment":
		default:
			out = append(out, collapse(b.text(c)))
		}
	}
	return out
}

func (b *jsBuilder) argument(fn *cix.Scope, name string, value *sitter.Node) {
	arg := &cix.Scope{Kind: cix.KindArgument, Name: name, Line: fn.Line}
	g := &Guesses{}
	g.Add(b.guess(value))
	b.guesses[arg] = g
	bind(fn, arg)
}

func (b *jsBuilder) class(f jsFrame, n *sitter.Node, name string, docAnchor *sitter.Node) {
	if name == "" {
		return
	}
	cls := &cix.Scope{
		Kind:    cix.KindClass,
		Name:    name,
		Line:    line(docAnchor),
		LineEnd: endLine(docAnchor),
		Doc:     b.jsDoc(docAnchor),
	}
	for _, c := range namedChildren(n) {
		if c.Type() != "class_heritage" {
			continue
		}
		for _, e := range namedChildren(c) {
			if ref := dottedName(e, b.src); ref != "" {
				cls.Classrefs = append(cls.Classrefs, ref)
			}
		}
	}
	bind(f.scope, cls)

	body := n.ChildByFieldName("body")
	for _, m := range namedChildren(body) {
		switch m.Type() {
		case "method_definition":
			mname := b.text(m.ChildByFieldName("name"))
			fn := b.function(jsFrame{scope: cls, class: cls}, m, mname, m, m)
			if fn == nil {
				continue
			}
			for i := 0; i < int(m.ChildCount()); i++ {
				switch m.Child(i).Type() {
				case "static":
					fn.AddAttr(cix.AttrStatic)
				case "get", "set":
					fn.AddAttr(cix.AttrProperty)
				}
			}
			if mname == "constructor" {
				fn.AddAttr(cix.AttrCtor)
			}
		case "field_definition", "public_field_definition":
			prop := m.ChildByFieldName("property")
			if prop == nil {
				continue
			}
			v := b.variable(cls, b.text(prop), b.guess(m.ChildByFieldName("value")), line(m), false)
			if v != nil && strings.HasPrefix(v.Name, "#") {
				v.AddAttr(cix.AttrPrivate)
			}
		}
	}
}

func (b *jsBuilder) imports(scope *cix.Scope, n *sitter.Node) {
	src := n.ChildByFieldName("source")
	if src == nil {
		return
	}
	module := strings.Trim(b.text(src), "'\"`")
	ln := line(n)
	clause := (*sitter.Node)(nil)
	for _, c := range namedChildren(n) {
		if c.Type() == "import_clause" {
			clause = c
		}
	}
	if clause == nil {
		scope.Imports = append(scope.Imports, cix.Import{Module: module, Line: ln})
		return
	}
	for _, c := range namedChildren(clause) {
		switch c.Type() {
		case "identifier":
			scope.Imports = append(scope.Imports, cix.Import{Module: module, Symbol: "default", Alias: b.text(c), Line: ln})
		case "namespace_import":
			for _, id := range namedChildren(c) {
				scope.Imports = append(scope.Imports, cix.Import{Module: module, Alias: b.text(id), Line: ln})
			}
		case "named_imports":
			for _, spec := range namedChildren(c) {
				if spec.Type() != "import_specifier" {
					continue
				}
				imp := cix.Import{Module: module, Symbol: b.text(spec.ChildByFieldName("name")), Line: ln}
				if alias := spec.ChildByFieldName("alias"); alias != nil {
					imp.Alias = b.text(alias)
				}
				scope.Imports = append(scope.Imports, imp)
			}
		}
	}
}

func (b *jsBuilder) variable(scope *cix.Scope, name, guess string, ln int, instance bool) *cix.Scope {
	if name == "" {
		return nil
	}
	if existing := scope.Child(name); existing != nil {
		if g := b.guesses[existing]; g != nil {
			g.Add(guess)
		}
		return existing
	}
	v := &cix.Scope{Kind: cix.KindVariable, Name: name, Line: ln}
	if instance {
		v.AddAttr(cix.AttrInstance)
	}
	g := &Guesses{}
	g.Add(guess)
	b.guesses[v] = g
	scope.Children = append(scope.Children, v)
	return v
}

func (b *jsBuilder) guess(n *sitter.Node) string {
	if n == nil {
		return ""
	}
	switch n.Type() {
	case "number":
		return "Number"
	case "string", "template_string":
		return "String"
	case "true", "false":
		return "Boolean"
	case "array":
		return "Array"
	case "object":
		return "Object"
	case "regex":
		return "RegExp"
	case "function", "function_expression", "arrow_function", "generator_function":
		return "Function"
	case "new_expression":
		return dottedName(n.ChildByFieldName("constructor"), b.src)
	case "call_expression":
		if callee := dottedName(n.ChildByFieldName("function"), b.src); callee != "" {
			return callee + "()"
		}
	case "identifier", "member_expression":
		if n.Type() == "identifier" && b.text(n) == "undefined" {
			return ""
		}
		return dottedName(n, b.src)
	case "parenthesized_expression":
		if inner := namedChildren(n); len(inner) == 1 {
			return b.guess(inner[0])
		}
	}
	return ""
}

// jsDoc returns the summary of a /** ... */ comment directly before n.
func (b *jsBuilder) jsDoc(n *sitter.Node) string {
	if n == nil {
		return ""
	}
	prev := n.PrevSibling()
	if prev == nil && n.Parent() != nil && n.Parent().Type() == "export_statement" {
		prev = n.Parent().PrevSibling()
	}
	if prev == nil || prev.Type() != "comment" {
		return ""
	}
	text := b.text(prev)
	if !strings.HasPrefix(text, "/**") || int(n.StartPoint().Row)-int(prev.EndPoint().Row) > 1 {
		return ""
	}
	text = strings.TrimSuffix(strings.TrimPrefix(text, "/**"), "*/")
	var lines []string
	for _, l := range strings.Split(text, "\n") {
		l = strings.TrimSpace(l)
		l = strings.TrimSpace(strings.TrimPrefix(l, "*"))
		if strings.HasPrefix(l, "@") {
			break
		}
		lines = append(lines, l)
	}
	return DocSummary(strings.Join(lines, "\n"))
}

func (b *jsBuilder) finish(mod *cix.Scope) {
	mod.Walk(func(_ []string, sc *cix.Scope) bool {
		if g := b.guesses[sc]; g != nil && sc.Citdl == "" {
			sc.Citdl = g.Best()
		}
		if g := b.returns[sc]; g != nil {
			sc.Returns = g.Best()
		}
		if sc.Kind == cix.KindClass {
			sc.Signature = sc.Name + "()"
			if ctor := sc.Child("constructor"); ctor != nil && ctor.Kind == cix.KindFunction {
				sc.Signature = sc.Name + "(" + strings.Join(b.params[ctor], ", ") + ")"
			}
		}
		return true
	})
}
