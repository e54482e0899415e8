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
	Register("Python", &PythonScanner{Lang: "Python"})
	Register("Python3", &PythonScanner{Lang: "Python3"})
}

// PythonScanner scans Python source with the tree-sitter Python grammar.
type PythonScanner struct {
	Lang string
}

// Scan implements Scanner.
func (p *PythonScanner) Scan(ctx context.Context, src []byte, path string) (*cix.File, error) {
	tree, err := lexer.Parse(ctx, p.Lang, src)
	if err != nil {
		return nil, fmt.Errorf("scanner: %w", err)
	}
	defer tree.Close()
	root := tree.RootNode()

	mod := &cix.Scope{
		Kind:    cix.KindBlob,
		Name:    pythonModuleName(path),
		Line:    1,
		LineEnd: max(1, endLine(root)),
	}
	b := newPyBuilder(src)
	mod.Doc = b.docOf(root)
	b.block(pyFrame{scope: mod}, root)
	b.finish(mod)

	file := &cix.File{Path: path, Lang: p.Lang, Blobs: []*cix.Scope{mod}}
	if serr := syntaxError(root, src, path); serr != nil {
		return file, serr
	}
	return file, nil
}

func pythonModuleName(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if base == "__init__" {
		return filepath.Base(filepath.Dir(path))
	}
	return base
}

// pyFrame is the lexical context of the statements being scanned.
type pyFrame struct {
	scope *cix.Scope // scope receiving bindings
	fn    *cix.Scope // innermost function, for return guesses
	class *cix.Scope // class owning the method being scanned
	self  string     // name of the method's instance argument
}

type pyParam struct {
	name    string
	display string
	annot   *sitter.Node
	value   *sitter.Node
}

type pyBuilder struct {
	src     []byte
	guesses map[*cix.Scope]*Guesses
	returns map[*cix.Scope]*Guesses
	params  map[*cix.Scope][]string
}

func newPyBuilder(src []byte) *pyBuilder {
	return &pyBuilder{
		src:     src,
		guesses: make(map[*cix.Scope]*Guesses),
		returns: make(map[*cix.Scope]*Guesses),
		params:  make(map[*cix.Scope][]string),
	}
}

func (b *pyBuilder) text(n *sitter.Node) string { return nodeText(n, b.src) }

func (b *pyBuilder) block(f pyFrame, n *sitter.Node) {
	for _, stmt := range namedChildren(n) {
		b.statement(f, stmt)
	}
}

func (b *pyBuilder) statement(f pyFrame, n *sitter.Node) {
	switch n.Type() {
	case "function_definition":
		b.function(f, n, nil)
	case "class_definition":
		b.class(f, n)
	case "decorated_definition":
		def := n.ChildByFieldName("definition")
		if def == nil {
			return
		}
		var decos []string
		for _, c := range namedChildren(n) {
			if c.Type() == "decorator" {
				decos = append(decos, b.decoratorName(c))
			}
		}
		switch def.Type() {
		case "function_definition":
			b.function(f, def, decos)
		case "class_definition":
			b.class(f, def)
		}
	case "import_statement", "import_from_statement", "future_import_statement":
		b.imports(f.scope, n)
	case "expression_statement":
		for _, c := range namedChildren(n) {
			switch c.Type() {
			case "assignment":
				b.assign(f, c)
			case "augmented_assignment":
				b.target(f, c.ChildByFieldName("left"), "", line(c))
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
		} else {
			g.Add("None")
		}
	case "for_statement":
		b.target(f, n.ChildByFieldName("left"), "", line(n))
		b.nested(f, n)
	default:
		b.nested(f, n)
	}
}

// nested scans the blocks of a compound statement in the current frame.
func (b *pyBuilder) nested(f pyFrame, n *sitter.Node) {
	for _, c := range namedChildren(n) {
		switch c.Type() {
		case "block":
			b.block(f, c)
		case "else_clause", "elif_clause", "except_clause", "except_group_clause",
			"finally_clause", "case_clause":
			b.nested(f, c)
		}
	}
}

func (b *pyBuilder) decoratorName(n *sitter.Node) string {
	for _, c := range namedChildren(n) {
		if c.Type() == "call" {
			c = c.ChildByFieldName("function")
		}
		return dottedName(c, b.src)
	}
	return ""
}

func (b *pyBuilder) function(f pyFrame, n *sitter.Node, decos []string) {
	name := b.text(n.ChildByFieldName("name"))
	if name == "" {
		return
	}
	fn := &cix.Scope{
		Kind:    cix.KindFunction,
		Name:    name,
		Line:    line(n),
		LineEnd: endLine(n),
	}
	addPrivacy(fn, name)
	static := false
	for _, d := range decos {
		switch d {
		case "staticmethod":
			fn.AddAttr(cix.AttrStatic)
			static = true
		case "classmethod":
			fn.AddAttr(cix.AttrClassMethod)
		case "property":
			fn.AddAttr(cix.AttrProperty)
		}
	}
	method := f.scope.Kind == cix.KindClass
	if method && name == "__init__" {
		fn.AddAttr(cix.AttrCtor)
	}

	params := b.parameters(n.ChildByFieldName("parameters"))
	displays := make([]string, 0, len(params))
	for _, p := range params {
		displays = append(displays, p.display)
	}
	b.params[fn] = displays
	fn.Signature = name + "(" + strings.Join(displays, ", ") + ")"

	inner := pyFrame{scope: fn, fn: fn}
	first := true
	for _, p := range params {
		if p.name == "" {
			continue
		}
		arg := &cix.Scope{Kind: cix.KindArgument, Name: p.name, Line: fn.Line}
		if method && first && !static {
			arg.Citdl = f.scope.Name
			inner.class = f.scope
			inner.self = p.name
		}
		first = false
		g := &Guesses{}
		if p.annot != nil {
			g.Add(dottedName(p.annot, b.src))
		}
		if p.value != nil {
			g.Add(b.guess(p.value))
		}
		b.guesses[arg] = g
		bind(fn, arg)
	}

	body := n.ChildByFieldName("body")
	fn.Doc = b.docOf(body)
	bind(f.scope, fn)
	if body != nil {
		b.block(inner, body)
	}
}

func (b *pyBuilder) class(f pyFrame, n *sitter.Node) {
	name := b.text(n.ChildByFieldName("name"))
	if name == "" {
		return
	}
	cls := &cix.Scope{
		Kind:    cix.KindClass,
		Name:    name,
		Line:    line(n),
		LineEnd: endLine(n),
	}
	addPrivacy(cls, name)
	if supers := n.ChildByFieldName("superclasses"); supers != nil {
		for _, c := range namedChildren(supers) {
			if ref := dottedName(c, b.src); ref != "" {
				cls.Classrefs = append(cls.Classrefs, ref)
			}
		}
	}
	body := n.ChildByFieldName("body")
	cls.Doc = b.docOf(body)
	bind(f.scope, cls)
	if body != nil {
		b.block(pyFrame{scope: cls, class: cls}, body)
	}
}

func (b *pyBuilder) parameters(n *sitter.Node) []pyParam {
	var out []pyParam
	for _, c := range namedChildren(n) {
		switch c.Type() {
		case "identifier":
			name := b.text(c)
			out = append(out, pyParam{name: name, display: name})
		case "typed_parameter":
			kids := namedChildren(c)
			if len(kids) == 0 {
				continue
			}
			p := b.splat(kids[0])
			p.annot = c.ChildByFieldName("type")
			out = append(out, p)
		case "default_parameter", "typed_default_parameter":
			name := b.text(c.ChildByFieldName("name"))
			value := c.ChildByFieldName("value")
			out = append(out, pyParam{
				name:    name,
				display: name + "=" + collapse(b.text(value)),
				annot:   c.ChildByFieldName("type"),
				value:   value,
			})
		case "list_splat_pattern", "dictionary_splat_pattern":
			out = append(out, b.splat(c))
		case "keyword_separator":
			out = append(out, pyParam{display: "*"})
		case "positional_separator":
			out = append(out, pyParam{display: "/"})
		}
	}
	return out
}

func (b *pyBuilder) splat(n *sitter.Node) pyParam {
	switch n.Type() {
	case "list_splat_pattern", "dictionary_splat_pattern":
		prefix := "*"
		if n.Type() == "dictionary_splat_pattern" {
			prefix = "**"
		}
		var name string
		if kids := namedChildren(n); len(kids) > 0 {
			name = b.text(kids[0])
		}
		return pyParam{name: name, display: prefix + name}
	}
	name := b.text(n)
	return pyParam{name: name, display: name}
}

func (b *pyBuilder) imports(scope *cix.Scope, n *sitter.Node) {
	ln := line(n)
	switch n.Type() {
	case "import_statement":
		for _, c := range namedChildren(n) {
			switch c.Type() {
			case "dotted_name":
				scope.Imports = append(scope.Imports, cix.Import{Module: b.text(c), Line: ln})
			case "aliased_import":
				scope.Imports = append(scope.Imports, cix.Import{
					Module: b.text(c.ChildByFieldName("name")),
					Alias:  b.text(c.ChildByFieldName("alias")),
					Line:   ln,
				})
			}
		}
	case "import_from_statement", "future_import_statement":
		module := "__future__"
		modNode := n.ChildByFieldName("module_name")
		if modNode != nil {
			module = b.text(modNode)
		}
		for _, c := range namedChildren(n) {
			if modNode != nil && c.StartByte() == modNode.StartByte() {
				continue
			}
			switch c.Type() {
			case "dotted_name":
				scope.Imports = append(scope.Imports, cix.Import{Module: module, Symbol: b.text(c), Line: ln})
			case "aliased_import":
				scope.Imports = append(scope.Imports, cix.Import{
					Module: module,
					Symbol: b.text(c.ChildByFieldName("name")),
					Alias:  b.text(c.ChildByFieldName("alias")),
					Line:   ln,
				})
			case "wildcard_import":
				scope.Imports = append(scope.Imports, cix.Import{Module: module, Symbol: "*", Line: ln})
			}
		}
	}
}

func (b *pyBuilder) assign(f pyFrame, n *sitter.Node) {
	targets := []*sitter.Node{n.ChildByFieldName("left")}
	value := n.ChildByFieldName("right")
	annot := n.ChildByFieldName("type")
	for value != nil && value.Type() == "assignment" {
		targets = append(targets, value.ChildByFieldName("left"))
		value = value.ChildByFieldName("right")
	}
	guess := ""
	if annot != nil {
		guess = dottedName(annot, b.src)
	}
	if guess == "" && value != nil {
		guess = b.guess(value)
	}
	for _, t := range targets {
		if t == nil {
			continue
		}
		switch t.Type() {
		case "pattern_list", "tuple_pattern", "list_pattern":
			b.unpack(f, t, value, line(n))
		default:
			b.target(f, t, guess, line(n))
		}
	}
}

func (b *pyBuilder) unpack(f pyFrame, t, value *sitter.Node, ln int) {
	names := namedChildren(t)
	var values []*sitter.Node
	if value != nil {
		switch value.Type() {
		case "expression_list", "tuple", "list":
			values = namedChildren(value)
		}
	}
	for i, name := range names {
		g := ""
		if len(values) == len(names) {
			g = b.guess(values[i])
		}
		b.target(f, name, g, ln)
	}
}

// target binds one assignment target. Attribute targets on the method's
// instance argument become instance variables of the class.
func (b *pyBuilder) target(f pyFrame, t *sitter.Node, guess string, ln int) {
	if t == nil {
		return
	}
	switch t.Type() {
	case "identifier":
		b.variable(f.scope, b.text(t), guess, ln, false)
	case "attribute":
		if f.class == nil || f.self == "" {
			return
		}
		obj := t.ChildByFieldName("object")
		if obj == nil || obj.Type() != "identifier" || b.text(obj) != f.self {
			return
		}
		b.variable(f.class, b.text(t.ChildByFieldName("attribute")), guess, ln, true)
	case "pattern_list", "tuple_pattern", "list_pattern":
		b.unpack(f, t, nil, ln)
	}
}

func (b *pyBuilder) variable(scope *cix.Scope, name, guess string, ln int, instance bool) {
	if name == "" {
		return
	}
	if existing := scope.Child(name); existing != nil {
		if g := b.guesses[existing]; g != nil {
			g.Add(guess)
		}
		return
	}
	v := &cix.Scope{Kind: cix.KindVariable, Name: name, Line: ln}
	addPrivacy(v, name)
	if instance {
		v.AddAttr(cix.AttrInstance)
	}
	g := &Guesses{}
	g.Add(guess)
	b.guesses[v] = g
	scope.Children = append(scope.Children, v)
}

// guess returns the CITDL type guess for an expression.
func (b *pyBuilder) guess(n *sitter.Node) string {
	if n == nil {
		return ""
	}
	switch n.Type() {
	case "integer":
		return "int"
	case "float":
		return "float"
	case "string", "concatenated_string":
		return "str"
	case "true", "false", "comparison_operator", "not_operator":
		return "bool"
	case "none":
		return "None"
	case "list", "list_comprehension":
		return "list"
	case "dictionary", "dictionary_comprehension":
		return "dict"
	case "tuple":
		return "tuple"
	case "set", "set_comprehension":
		return "set"
	case "identifier", "attribute":
		return dottedName(n, b.src)
	case "call":
		if callee := dottedName(n.ChildByFieldName("function"), b.src); callee != "" {
			return callee + "()"
		}
	case "parenthesized_expression":
		if inner := namedChildren(n); len(inner) == 1 {
			return b.guess(inner[0])
		}
	case "binary_operator":
		l, r := b.guess(n.ChildByFieldName("left")), b.guess(n.ChildByFieldName("right"))
		if l == r {
			switch l {
			case "int", "float", "str", "list", "tuple":
				return l
			}
		}
	}
	return ""
}

// docOf returns the summary of the doc string leading a block.
func (b *pyBuilder) docOf(body *sitter.Node) string {
	var first *sitter.Node
	for _, c := range namedChildren(body) {
		if c.Type() != "comment" {
			first = c
			break
		}
	}
	if first == nil || first.Type() != "expression_statement" || first.NamedChildCount() != 1 {
		return ""
	}
	lit := first.NamedChild(0)
	if lit.Type() != "string" {
		return ""
	}
	return DocSummary(unquoteDocString(b.text(lit)))
}

// finish resolves guesses into CITDL and return types.
func (b *pyBuilder) finish(mod *cix.Scope) {
	mod.Walk(func(_ []string, sc *cix.Scope) bool {
		if g := b.guesses[sc]; g != nil && sc.Citdl == "" {
			sc.Citdl = g.Best()
		}
		if g := b.returns[sc]; g != nil {
			sc.Returns = g.Best()
		}
		if sc.Kind == cix.KindClass {
			sc.Signature = sc.Name + "()"
			if init := sc.Child("__init__"); init != nil && init.Kind == cix.KindFunction {
				if args := b.params[init]; len(args) > 0 {
					sc.Signature = sc.Name + "(" + strings.Join(args[1:], ", ") + ")"
				}
			}
		}
		return true
	})
}

// bind adds child to scope, replacing any earlier binding of the name.
func bind(scope, child *cix.Scope) {
	for i, c := range scope.Children {
		if c.Name == child.Name {
			scope.Children = append(scope.Children[:i], scope.Children[i+1:]...)
			break
		}
	}
	scope.Children = append(scope.Children, child)
}

func addPrivacy(s *cix.Scope, name string) {
	switch {
	case strings.HasPrefix(name, "__") && !strings.HasSuffix(name, "__"):
		s.AddAttr(cix.AttrPrivate)
	case strings.HasPrefix(name, "_") && !strings.HasPrefix(name, "__"):
		s.AddAttr(cix.AttrProtected)
	}
}
