package scanner

import (
	"strings"

	"github.com/jward/codeintel/internal/cix"
)

// Render writes Python stub source for f. Scanning the stub yields the same
// tree, except for line numbers.
func (p *PythonScanner) Render(f *cix.File) string {
	var sb strings.Builder
	for i, blob := range f.Blobs {
		if i > 0 {
			sb.WriteString("\n")
		}
		r := pyRenderer{sb: &sb}
		r.body(blob, 0, "")
	}
	return sb.String()
}

type pyRenderer struct {
	sb *strings.Builder
}

func (r pyRenderer) line(depth int, s string) {
	r.sb.WriteString(strings.Repeat("    ", depth))
	r.sb.WriteString(s)
	r.sb.WriteString("\n")
}

// body renders the contents of a scope at depth. self names the instance
// argument when rendering a method body.
func (r pyRenderer) body(sc *cix.Scope, depth int, self string) int {
	n := 0
	if sc.Doc != "" {
		r.doc(sc.Doc, depth)
		n++
	}
	for _, imp := range sc.Imports {
		r.line(depth, renderImport(imp))
		n++
	}
	kids := sc.Children
	for i := 0; i < len(kids); i++ {
		c := kids[i]
		switch c.Kind {
		case cix.KindArgument:
			continue
		case cix.KindClass:
			r.class(c, depth)
		case cix.KindFunction:
			// Instance variables follow the method that assigns them.
			var inst []*cix.Scope
			for i+1 < len(kids) && kids[i+1].Kind == cix.KindVariable && kids[i+1].HasAttr(cix.AttrInstance) {
				inst = append(inst, kids[i+1])
				i++
			}
			r.function(c, depth, sc.Kind == cix.KindClass, inst)
		case cix.KindVariable:
			if c.HasAttr(cix.AttrInstance) && self != "" {
				r.line(depth, self+"."+c.Name+" = "+citdlExpr(c.Citdl))
			} else if !c.HasAttr(cix.AttrInstance) {
				r.line(depth, c.Name+" = "+citdlExpr(c.Citdl))
			}
		}
		n++
	}
	return n
}

func (r pyRenderer) doc(doc string, depth int) {
	q := `"""`
	if strings.Contains(doc, q) {
		q = `'''`
	}
	lines := strings.Split(doc, "\n")
	if len(lines) == 1 {
		r.line(depth, q+doc+q)
		return
	}
	r.line(depth, q+lines[0])
	for _, l := range lines[1:] {
		r.line(depth, l)
	}
	r.line(depth, q)
}

func (r pyRenderer) class(c *cix.Scope, depth int) {
	head := "class " + c.Name
	if len(c.Classrefs) > 0 {
		head += "(" + strings.Join(c.Classrefs, ", ") + ")"
	}
	r.line(depth, head+":")
	if r.body(c, depth+1, "") == 0 {
		r.line(depth+1, "pass")
	}
}

func (r pyRenderer) function(fn *cix.Scope, depth int, method bool, inst []*cix.Scope) {
	switch {
	case fn.HasAttr(cix.AttrStatic):
		r.line(depth, "@staticmethod")
	case fn.HasAttr(cix.AttrClassMethod):
		r.line(depth, "@classmethod")
	}
	if fn.HasAttr(cix.AttrProperty) {
		r.line(depth, "@property")
	}
	sig := fn.Signature
	if sig == "" {
		sig = fn.Name + "()"
	}
	r.line(depth, "def "+sig+":")

	self := ""
	if method && !fn.HasAttr(cix.AttrStatic) {
		for _, c := range fn.Children {
			if c.Kind == cix.KindArgument {
				self = c.Name
				break
			}
		}
	}
	n := r.body(fn, depth+1, self)
	if self != "" {
		for _, v := range inst {
			r.line(depth+1, self+"."+v.Name+" = "+citdlExpr(v.Citdl))
			n++
		}
	}
	if fn.Returns != "" {
		r.line(depth+1, "return "+citdlExpr(fn.Returns))
		n++
	}
	if n == 0 {
		r.line(depth+1, "pass")
	}
}

func renderImport(imp cix.Import) string {
	switch {
	case imp.Symbol == "":
		if imp.Alias != "" {
			return "import " + imp.Module + " as " + imp.Alias
		}
		return "import " + imp.Module
	case imp.Alias != "":
		return "from " + imp.Module + " import " + imp.Symbol + " as " + imp.Alias
	}
	return "from " + imp.Module + " import " + imp.Symbol
}

// citdlExpr returns an expression whose type guess is citdl.
func citdlExpr(citdl string) string {
	switch citdl {
	case "":
		return "None"
	case "int":
		return "0"
	case "float":
		return "0.0"
	case "str":
		return "''"
	case "bool":
		return "False"
	case "list":
		return "[]"
	case "dict":
		return "{}"
	case "tuple":
		return "()"
	case "set":
		return "{0}"
	}
	return citdl
}
