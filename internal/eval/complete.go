package eval

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jward/codeintel/internal/cix"
	"github.com/jward/codeintel/internal/database"
	"github.com/jward/codeintel/internal/lang"
	"github.com/jward/codeintel/internal/scanner"
	"github.com/jward/codeintel/internal/trigger"
)

// run dispatches on the trigger and fills r.res.
func (r *resolver) run() error {
	trg := r.res.Trg
	if cs, ok := r.intel.StaticCompletions(trg); ok {
		r.res.Completions = SortCompletions(cs)
		return nil
	}
	var err error
	switch {
	case trg.Form == trigger.FormCalltip:
		err = r.calltips()
	case trg.Form == trigger.FormDefn:
		err = r.defns()
	case trg.Type == "object-members" || trg.Type == "literal-members":
		err = r.objectMembers()
	case trg.Type == "local-symbols" || trg.Type == "names":
		err = r.localSymbols()
	case trg.Type == "available-imports":
		err = r.availableImports()
	case trg.Type == "module-members":
		err = r.moduleMembers()
	case trg.Type == "available-exceptions":
		err = r.availableExceptions()
	default:
		return fmt.Errorf("eval: no handler for %s trigger", trg.Name())
	}
	if isNotFound(err) {
		r.ev.ctlr.Warn("%v", err)
		return nil
	}
	return err
}

func (r *resolver) citdlExpr() (string, error) {
	trg := r.res.Trg
	if r.acc == nil {
		if s := trg.ExtraString("citdl_expr"); s != "" {
			r.res.CITDLExpr = s
			return s, nil
		}
		return "", notFound("%s: no buffer text", trg.Name())
	}
	expr, err := r.intel.CITDLExprFromTrg(r.acc, trg)
	if err != nil {
		return "", notFound("%v", err)
	}
	r.res.CITDLExpr = expr
	return expr, nil
}

func completionKind(sc *cix.Scope) string {
	switch sc.Kind {
	case cix.KindFunction:
		return "function"
	case cix.KindClass:
		return "class"
	case cix.KindBlob:
		return "namespace"
	}
	return "variable"
}

func importKind(imp cix.Import) string {
	if imp.Symbol == "" || imp.Symbol == "default" {
		return "namespace"
	}
	return "variable"
}

func (r *resolver) objectMembers() error {
	expr, err := r.citdlExpr()
	if err != nil {
		return err
	}
	h, err := r.eval(expr)
	if err != nil {
		return err
	}
	cs, err := r.members(h)
	r.res.Completions = SortCompletions(cs)
	return err
}

// members lists what can follow h and a dot. A class includes what it
// inherits.
func (r *resolver) members(h hit) ([]lang.Completion, error) {
	seen := make(map[*cix.Scope]bool)
	var out []lang.Completion
	var collect func(h hit, depth int) error
	collect = func(h hit, depth int) error {
		if depth > maxDepth || seen[h.scope] {
			return nil
		}
		seen[h.scope] = true
		for _, c := range h.scope.Children {
			if c.Kind == cix.KindArgument || c.HasAttr(cix.AttrHidden) {
				continue
			}
			out = append(out, lang.Completion{Kind: completionKind(c), Name: c.Name})
		}
		if h.isModule() {
			for _, imp := range h.scope.Imports {
				if imp.Symbol != "*" {
					out = append(out, lang.Completion{Kind: importKind(imp), Name: imp.LocalName()})
				}
			}
		}
		if h.scope.Kind != cix.KindClass {
			return nil
		}
		bases, err := r.bases(h)
		if err != nil {
			return err
		}
		for _, b := range bases {
			if err := collect(b, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	err := collect(h, 0)
	return out, err
}

// localSymbols completes a name being typed from the scopes enclosing the
// trigger and then the global names of the stdlib and catalogs.
func (r *resolver) localSymbols() error {
	prefix := r.res.Trg.ExtraString("citdl_expr")
	r.res.CITDLExpr = prefix
	var out []lang.Completion
	add := func(kind, name string) {
		if strings.HasPrefix(name, prefix) {
			out = append(out, lang.Completion{Kind: kind, Name: name})
		}
	}
	for i := len(r.chain) - 1; i >= 0; i-- {
		sc := r.chain[i]
		if sc.Kind == cix.KindClass && i != len(r.chain)-1 {
			continue
		}
		for _, c := range sc.Children {
			if !c.HasAttr(cix.AttrHidden) {
				add(completionKind(c), c.Name)
			}
		}
		for _, imp := range sc.Imports {
			if imp.Symbol != "*" {
				add(importKind(imp), imp.LocalName())
			}
		}
	}
	if err := r.check(); err != nil {
		return err
	}
	out = append(out, r.globalNames(prefix)...)
	r.res.Completions = SortCompletions(out)
	return nil
}

// globalNames looks prefix up in the name index of the global blobs.
func (r *resolver) globalNames(prefix string) []lang.Completion {
	if r.info.BuiltinsBlob == "" {
		return nil
	}
	libs := r.catalogLibs()
	if l := r.stdlibLib(); l != nil {
		libs = append([]database.Lib{l}, libs...)
	}
	hits, err := r.libs.NamesByPrefix(r.lang, libs, prefix, 0)
	if err != nil {
		r.ev.ctlr.Warn("global names: %v", err)
		return nil
	}
	var out []lang.Completion
	for _, h := range hits {
		if h.Blob == r.info.BuiltinsBlob {
			out = append(out, lang.Completion{Kind: h.Kind, Name: h.Name})
		}
	}
	return out
}

// importLibs returns the libraries top-level imports are listed from.
func (r *resolver) importLibs() []database.Lib {
	var libs []database.Lib
	for _, root := range r.importRoots() {
		libs = append(libs, r.libs.DirLib(r.lang, root))
	}
	if l := r.stdlibLib(); l != nil {
		libs = append(libs, l)
	}
	return append(libs, r.catalogLibs()...)
}

func (r *resolver) importRoots() []string {
	roots := []string{r.buf.org.dir}
	if r.info.ExtraPathsPref != "" {
		roots = append(roots, r.env.PathPrefs(r.info.ExtraPathsPref)...)
	}
	return roots
}

// availableImports lists the modules that can follow the dotted prefix
// already typed in an import statement.
func (r *resolver) availableImports() error {
	prefix := r.res.Trg.ExtraStrings("imp_prefix")
	module := strings.Join(prefix, ".")
	var out []lang.Completion
	add := func(name string) {
		if name != "" && name != "__init__" && name != r.buf.scope.Name {
			out = append(out, lang.Completion{Kind: "module", Name: name})
		}
	}

	if len(prefix) > 0 && prefix[0] == "" {
		cands := r.intel.ModuleCandidates(r.buf.org.dir, module)
		if len(cands) == 0 {
			return nil
		}
		dir := cands[len(cands)-1].Dir
		names, err := r.libs.BlobsByPrefix(r.lang, []database.Lib{r.libs.DirLib(r.lang, dir)}, "")
		if err != nil {
			return err
		}
		for _, n := range names {
			if !strings.Contains(n, ".") {
				add(n)
			}
		}
		r.res.Completions = SortCompletions(out)
		return nil
	}

	dotted := module
	if dotted != "" {
		dotted += "."
	}
	names, err := r.libs.BlobsByPrefix(r.lang, r.importLibs(), dotted)
	if err != nil {
		return err
	}
	for _, n := range names {
		first, _, _ := strings.Cut(n[len(dotted):], ".")
		add(first)
	}
	if module != "" {
		for _, root := range r.importRoots() {
			pkg := filepath.Join(append([]string{root}, prefix...)...)
			sub, err := r.libs.BlobsByPrefix(r.lang, []database.Lib{r.libs.DirLib(r.lang, pkg)}, "")
			if err != nil {
				return err
			}
			for _, n := range sub {
				if !strings.Contains(n, ".") && n != prefix[len(prefix)-1] {
					add(n)
				}
			}
		}
	}
	r.res.Completions = SortCompletions(out)
	return nil
}

// moduleMembers lists the names "from module import" can bind.
func (r *resolver) moduleMembers() error {
	prefix := r.res.Trg.ExtraStrings("imp_prefix")
	module := strings.Join(prefix, ".")
	r.res.CITDLExpr = module
	h, err := r.resolveModule(module, r.buf.org.dir)
	if err != nil {
		return err
	}
	cs, err := r.members(h)
	if err != nil {
		return err
	}
	if filepath.Base(h.org.path) == "__init__.py" {
		sub, err := r.libs.BlobsByPrefix(r.lang, []database.Lib{r.libs.DirLib(r.lang, h.org.dir)}, "")
		if err != nil {
			return err
		}
		for _, n := range sub {
			if n != h.scope.Name && !strings.Contains(n, ".") {
				cs = append(cs, lang.Completion{Kind: "module", Name: n})
			}
		}
	}
	r.res.Completions = SortCompletions(cs)
	return nil
}

var exceptionSuffixes = []string{"Error", "Exception", "Warning"}

func isException(sc *cix.Scope) bool {
	if sc.Kind != cix.KindClass {
		return false
	}
	names := append([]string{sc.Name}, sc.Classrefs...)
	for _, n := range names {
		if i := strings.LastIndexByte(n, '.'); i >= 0 {
			n = n[i+1:]
		}
		for _, s := range exceptionSuffixes {
			if strings.HasSuffix(n, s) {
				return true
			}
		}
	}
	return false
}

// availableExceptions lists the exception classes visible at the trigger.
func (r *resolver) availableExceptions() error {
	var out []lang.Completion
	for i := len(r.chain) - 1; i >= 0; i-- {
		sc := r.chain[i]
		if sc.Kind == cix.KindClass && i != len(r.chain)-1 {
			continue
		}
		for _, c := range sc.Children {
			if isException(c) {
				out = append(out, lang.Completion{Kind: "class", Name: c.Name})
			}
		}
	}
	for _, g := range r.globalBlobs() {
		for _, c := range g.scope.Children {
			if isException(c) {
				out = append(out, lang.Completion{Kind: "class", Name: c.Name})
			}
		}
	}
	r.res.Completions = SortCompletions(out)
	return nil
}

func (r *resolver) calltips() error {
	expr, err := r.citdlExpr()
	if err != nil {
		return err
	}
	h, err := r.eval(expr)
	if err != nil {
		return err
	}
	if tip := calltip(h); tip != "" {
		r.res.Calltips = []string{tip}
	}
	return nil
}

// calltipSentences is how much of a doc follows the signature in a calltip.
const calltipSentences = 2

// calltip renders the signature of a callable followed by the first
// sentences of its doc.
func calltip(h hit) string {
	sc := h.scope
	var sig string
	switch {
	case sc.Kind == cix.KindFunction:
		sig = sc.Signature
		if sig == "" {
			sig = sc.Name + "()"
		}
	case sc.Kind == cix.KindClass && !h.instance:
		sig = sc.Signature
		if sig == "" {
			sig = ctorSignature(sc)
		}
	default:
		return ""
	}
	if doc := scanner.Sentences(sc.Doc, calltipSentences); doc != "" {
		return sig + "\n" + doc
	}
	return sig
}

// ctorSignature derives a class's call signature from its constructor,
// dropping the leading self argument.
func ctorSignature(cls *cix.Scope) string {
	var ctor *cix.Scope
	for _, c := range cls.Children {
		if c.Kind == cix.KindFunction && (c.HasAttr(cix.AttrCtor) || c.Name == "__init__" || c.Name == "constructor") {
			ctor = c
		}
	}
	if ctor == nil || ctor.Signature == "" {
		return cls.Name + "()"
	}
	open := strings.IndexByte(ctor.Signature, '(')
	if open < 0 {
		return cls.Name + "()"
	}
	args := strings.TrimSuffix(ctor.Signature[open+1:], ")")
	if first, rest, _ := strings.Cut(args, ","); strings.TrimSpace(first) == "self" {
		args = strings.TrimSpace(rest)
	} else if strings.TrimSpace(args) == "self" {
		args = ""
	}
	return cls.Name + "(" + args + ")"
}

func (r *resolver) defns() error {
	expr, err := r.citdlExpr()
	if err != nil {
		return err
	}
	h, err := r.evalBinding(expr, r.chain, r.buf)
	if err != nil {
		return err
	}
	d := Definition{
		Path:      h.org.path,
		Lang:      r.lang,
		Blob:      h.org.blob,
		Name:      h.scope.Name,
		Kind:      string(h.scope.Kind),
		Line:      h.scope.Line,
		LineEnd:   h.scope.LineEnd,
		Signature: h.scope.Signature,
		Doc:       h.scope.Doc,
		Citdl:     h.scope.Citdl,
		Lib:       h.org.lib,
	}
	if h.isModule() {
		d.Kind = "module"
	}
	r.res.Defns = []Definition{d}
	return nil
}
