package eval

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jward/codeintel/internal/cix"
	"github.com/jward/codeintel/internal/database"
	"github.com/jward/codeintel/internal/environment"
	"github.com/jward/codeintel/internal/lang"
	"github.com/jward/codeintel/internal/lexer"
)

// maxDepth bounds nested resolution: citdl chains, base classes and
// imports that refer back to each other.
const maxDepth = 20

// catalogsPref selects catalogs; unset or empty selects all of them.
const catalogsPref = "codeintel_selected_catalogs"

// suspendError asks the evaluation to wait for path to be scanned.
type suspendError struct {
	lang string
	path string
}

func (e *suspendError) Error() string { return "eval: waiting for " + e.path }

type notFoundError struct {
	what string
}

func (e *notFoundError) Error() string { return fmt.Sprintf("could not resolve %q", e.what) }

func notFound(format string, args ...any) error {
	return &notFoundError{what: fmt.Sprintf(format, args...)}
}

func isNotFound(err error) bool {
	var nf *notFoundError
	return errors.As(err, &nf)
}

// origin is where a scope was read from.
type origin struct {
	// path is the source file; empty for stdlib and catalog blobs.
	path string
	lib  string
	blob string
	// dir is where relative imports inside the blob resolve from.
	dir string
}

// hit is a resolved scope.
type hit struct {
	scope *cix.Scope
	// home lists the scopes enclosing scope, module blob first.
	home []*cix.Scope
	org  origin
	// module is the dotted module name when scope is a module blob.
	module string
	// instance marks a value whose type is the class scope.
	instance bool
}

func (h hit) isModule() bool { return h.scope.Kind == cix.KindBlob }

func (h hit) child(sc *cix.Scope) hit {
	return hit{scope: sc, home: append(slices.Clip(h.home), h.scope), org: h.org}
}

// resolver carries one attempt of an evaluation.
type resolver struct {
	ev    *Evaluation
	res   *Result
	libs  Libraries
	intel lang.Intel
	info  *lang.Info
	lang  string
	env   *environment.Environment
	acc   *lexer.Accessor

	buf   hit
	chain []*cix.Scope
	depth int

	stdlib   database.Lib
	catalogs []database.Lib
	globals  []hit
}

func newResolver(ev *Evaluation, res *Result) *resolver {
	req := ev.req
	r := &resolver{
		ev:    ev,
		res:   res,
		libs:  ev.e.libs,
		intel: ev.intel,
		info:  ev.intel.Info(),
		lang:  req.Trg.Lang,
		env:   req.Env,
		acc:   req.Acc,
	}
	if r.env == nil {
		r.env = environment.New(nil, nil)
	}

	var blob *cix.Scope
	if req.File != nil && len(req.File.Blobs) > 0 {
		blob = req.File.Blobs[0]
	} else {
		name := strings.TrimSuffix(filepath.Base(req.Path), filepath.Ext(req.Path))
		blob = &cix.Scope{Kind: cix.KindBlob, Name: name}
	}
	r.buf = hit{
		scope: blob,
		org:   origin{path: req.Path, lib: "buffer", blob: blob.Name, dir: filepath.Dir(req.Path)},
	}
	line := 1
	if r.acc != nil {
		line = r.acc.LineFromPos(min(req.Trg.Pos, r.acc.Len())) + 1
	}
	r.chain = blob.ChainAtLine(line)
	return r
}

// check is called at each resolution step.
func (r *resolver) check() error {
	if r.ev.ctlr.IsAborted() {
		return ErrAborted
	}
	if r.ev.isExpired() {
		return ErrTimeout
	}
	return nil
}

func (r *resolver) enter(what string) error {
	if err := r.check(); err != nil {
		return err
	}
	r.depth++
	if r.depth > maxDepth {
		return notFound("%s: resolution too deep", what)
	}
	return nil
}

func (r *resolver) leave() { r.depth-- }

func (r *resolver) stdlibLib() database.Lib {
	if r.stdlib == nil {
		r.stdlib = r.libs.StdlibLib(r.lang, "")
	}
	return r.stdlib
}

func (r *resolver) catalogLibs() []database.Lib {
	if r.catalogs == nil {
		r.catalogs = r.libs.CatalogLibs(r.lang, r.env.PrefStrings(catalogsPref))
		if r.catalogs == nil {
			r.catalogs = []database.Lib{}
		}
	}
	return r.catalogs
}

// globalBlobs returns the builtins blob of the stdlib followed by those of
// the selected catalogs.
func (r *resolver) globalBlobs() []hit {
	if r.globals != nil || r.info.BuiltinsBlob == "" {
		return r.globals
	}
	r.globals = []hit{}
	libs := r.catalogLibs()
	if l := r.stdlibLib(); l != nil {
		libs = append([]database.Lib{l}, libs...)
	}
	for _, l := range libs {
		b, err := l.Blob(r.info.BuiltinsBlob)
		if err != nil {
			r.ev.ctlr.Warn("%s: %v", l.Name(), err)
			continue
		}
		if b != nil {
			r.globals = append(r.globals, blobHit(b, r.info.BuiltinsBlob))
		}
	}
	return r.globals
}

func blobHit(b *database.Blob, module string) hit {
	org := origin{path: b.Path, lib: b.Lib, blob: b.Name}
	if b.Path != "" {
		org.dir = filepath.Dir(b.Path)
	}
	return hit{scope: b.Scope, org: org, module: module}
}

// eval resolves expr at the trigger to the type of its value.
func (r *resolver) eval(expr string) (hit, error) {
	h, err := r.evalBinding(expr, r.chain, r.buf)
	if err != nil {
		return hit{}, err
	}
	return r.typeOf(h)
}

// evalBinding resolves expr in chain and returns what its last part is
// bound to, without following that binding to its type.
func (r *resolver) evalBinding(expr string, chain []*cix.Scope, from hit) (hit, error) {
	parts, err := splitCITDL(expr)
	if err != nil {
		return hit{}, err
	}
	var h hit
	for i, p := range parts {
		if err := r.check(); err != nil {
			return hit{}, err
		}
		if i == 0 {
			h, err = r.lookupName(p.name, chain, from)
		} else {
			if h, err = r.typeOf(h); err != nil {
				return hit{}, err
			}
			h, err = r.member(h, p.name)
		}
		if err != nil {
			return hit{}, err
		}
		for range p.calls {
			if h, err = r.typeOf(h); err != nil {
				return hit{}, err
			}
			if h, err = r.call(h); err != nil {
				return hit{}, err
			}
		}
	}
	return h, nil
}

type citdlPart struct {
	name  string
	calls int
}

// splitCITDL splits "a.b().c" into its names and call counts.
func splitCITDL(expr string) ([]citdlPart, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, notFound("empty expression")
	}
	var parts []citdlPart
	for _, seg := range strings.Split(expr, ".") {
		name := seg
		calls := 0
		for strings.HasSuffix(name, "()") {
			name = name[:len(name)-2]
			calls++
		}
		if name == "" || strings.ContainsAny(name, "()[]{} \t") {
			return nil, notFound("%s", expr)
		}
		parts = append(parts, citdlPart{name: name, calls: calls})
	}
	return parts, nil
}

// lookupName finds name in chain, innermost scope first. Class bodies
// other than the innermost scope are not visible, as in a method body. The
// global blobs are consulted last.
func (r *resolver) lookupName(name string, chain []*cix.Scope, from hit) (hit, error) {
	if name == "this" && isJS(r.lang) {
		for i := len(chain) - 1; i >= 0; i-- {
			if chain[i].Kind == cix.KindClass {
				return hit{scope: chain[i], home: slices.Clone(chain[:i]), org: from.org, instance: true}, nil
			}
		}
	}
	for i := len(chain) - 1; i >= 0; i-- {
		sc := chain[i]
		if sc.Kind == cix.KindClass && i != len(chain)-1 {
			continue
		}
		scopeHit := hit{scope: sc, home: slices.Clone(chain[:i]), org: from.org, module: from.module}
		if h, ok, err := r.bound(scopeHit, name); ok || err != nil {
			return h, err
		}
	}
	for _, g := range r.globalBlobs() {
		if c := g.scope.Child(name); c != nil {
			return g.child(c), nil
		}
	}
	return hit{}, notFound("%s", name)
}

// bound resolves name as bound directly in h's scope, by a child or by an
// import. When both bind it the later line wins. Star imports are tried
// last.
func (r *resolver) bound(h hit, name string) (hit, bool, error) {
	c := h.scope.Child(name)
	imp, isImp := h.scope.Import(name)
	if isImp && imp.Symbol == "*" {
		isImp = false
	}
	switch {
	case c != nil && (!isImp || c.Line >= imp.Line):
		return h.child(c), true, nil
	case isImp:
		got, err := r.resolveImport(imp, h.org)
		return got, true, err
	}
	for _, imp := range h.scope.Imports {
		if imp.Symbol != "*" {
			continue
		}
		mod, err := r.resolveModule(imp.Module, h.org.dir)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return hit{}, true, err
		}
		if c := mod.scope.Child(name); c != nil {
			return mod.child(c), true, nil
		}
	}
	return hit{}, false, nil
}

// typeOf follows a variable to the type its citdl names. Classes reached
// through a variable are instances.
func (r *resolver) typeOf(h hit) (hit, error) {
	sc := h.scope
	if sc.Kind != cix.KindVariable && sc.Kind != cix.KindArgument {
		return h, nil
	}
	if sc.Citdl == "" || sc.Citdl == sc.Name {
		return h, nil
	}
	if err := r.enter(sc.Citdl); err != nil {
		return hit{}, err
	}
	defer r.leave()
	t, err := r.evalBinding(sc.Citdl, h.home, h)
	if err != nil {
		return hit{}, err
	}
	if t, err = r.typeOf(t); err != nil {
		return hit{}, err
	}
	if t.scope.Kind == cix.KindClass {
		t.instance = true
	}
	return t, nil
}

// call returns the type of calling h.
func (r *resolver) call(h hit) (hit, error) {
	sc := h.scope
	switch {
	case sc.Kind == cix.KindClass && !h.instance:
		h.instance = true
		return h, nil
	case sc.Kind == cix.KindFunction:
		if sc.Returns == "" {
			return hit{}, notFound("%s()", sc.Name)
		}
		if err := r.enter(sc.Returns); err != nil {
			return hit{}, err
		}
		defer r.leave()
		t, err := r.evalBinding(sc.Returns, h.home, h)
		if err != nil {
			return hit{}, err
		}
		if t, err = r.typeOf(t); err != nil {
			return hit{}, err
		}
		if t.scope.Kind == cix.KindClass {
			t.instance = true
		}
		return t, nil
	}
	return hit{}, notFound("%s()", sc.Name)
}

// member resolves h.name.
func (r *resolver) member(h hit, name string) (hit, error) {
	if err := r.enter(name); err != nil {
		return hit{}, err
	}
	defer r.leave()

	if h.isModule() {
		got, ok, err := r.bound(h, name)
		if ok || err != nil {
			return got, err
		}
		if h.module != "" && r.isPython() {
			return r.resolveModule(subModule(h.module, name), h.org.dir)
		}
		return hit{}, notFound("%s.%s", h.scope.Name, name)
	}
	if c := h.scope.Child(name); c != nil {
		return h.child(c), nil
	}
	if h.scope.Kind == cix.KindClass {
		bases, err := r.bases(h)
		if err != nil {
			return hit{}, err
		}
		for _, base := range bases {
			if got, err := r.member(base, name); err == nil {
				return got, nil
			} else if !isNotFound(err) {
				return hit{}, err
			}
		}
	}
	return hit{}, notFound("%s.%s", h.scope.Name, name)
}

// bases resolves the classes h derives from. Bases that cannot be found
// are skipped.
func (r *resolver) bases(h hit) ([]hit, error) {
	var out []hit
	for _, ref := range h.scope.Classrefs {
		b, err := r.evalBinding(ref, h.home, h)
		if err == nil {
			b, err = r.typeOf(b)
		}
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if b.scope.Kind != cix.KindClass || b.scope == h.scope {
			continue
		}
		b.instance = h.instance
		out = append(out, b)
	}
	return out, nil
}

func subModule(module, name string) string {
	if strings.HasSuffix(module, ".") {
		return module + name
	}
	return module + "." + name
}

// resolveImport returns what imp binds. "import a.b" binds a; "from a
// import b" binds a's member b, or the submodule a.b.
func (r *resolver) resolveImport(imp cix.Import, from origin) (hit, error) {
	if err := r.enter(imp.Module); err != nil {
		return hit{}, err
	}
	defer r.leave()

	if imp.Symbol == "" {
		module := imp.Module
		if imp.Alias == "" && r.isPython() {
			if first, _, ok := strings.Cut(module, "."); ok && first != "" {
				module = first
			}
		}
		return r.resolveModule(module, from.dir)
	}
	mod, err := r.resolveModule(imp.Module, from.dir)
	if err != nil {
		return hit{}, err
	}
	if imp.Symbol == "default" && isJS(r.lang) {
		return mod, nil
	}
	got, err := r.member(mod, imp.Symbol)
	if err == nil || !isNotFound(err) || !r.isPython() {
		return got, err
	}
	return r.resolveModule(subModule(imp.Module, imp.Symbol), from.dir)
}

// resolveModule finds module's blob: beside the importing file, then in
// the extra import dirs, the stdlib and the selected catalogs. A file
// that exists but has not been scanned suspends the evaluation.
func (r *resolver) resolveModule(module, dir string) (hit, error) {
	if err := r.check(); err != nil {
		return hit{}, err
	}
	roots := []string{}
	if dir != "" {
		roots = append(roots, dir)
	}
	if r.info.ExtraPathsPref != "" {
		roots = append(roots, r.env.PathPrefs(r.info.ExtraPathsPref)...)
	}
	for _, root := range roots {
		for _, c := range r.intel.ModuleCandidates(root, module) {
			b, err := r.libs.DirLib(r.lang, c.Dir).Blob(c.Base)
			if err != nil {
				return hit{}, err
			}
			if b != nil {
				return blobHit(b, module), nil
			}
			if path, ok := r.unscanned(c.Dir, c.Base); ok {
				return hit{}, &suspendError{lang: r.lang, path: path}
			}
		}
	}
	if strings.HasPrefix(module, ".") {
		return hit{}, notFound("%s", module)
	}
	libs := r.catalogLibs()
	if l := r.stdlibLib(); l != nil {
		libs = append([]database.Lib{l}, libs...)
	}
	for _, l := range libs {
		b, err := l.Blob(module)
		if err != nil {
			r.ev.ctlr.Warn("%s: %v", l.Name(), err)
			continue
		}
		if b != nil {
			return blobHit(b, module), nil
		}
	}
	return hit{}, notFound("%s", module)
}

// unscanned returns a file named base in dir that has not been scanned
// since it last changed and has not already been waited on.
func (r *resolver) unscanned(dir, base string) (string, bool) {
	for _, ext := range lexer.ExtensionsForLanguage(r.lang) {
		path := filepath.Join(dir, base+ext)
		if path == filepath.Clean(r.ev.req.Path) {
			continue
		}
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		r.ev.mu.Lock()
		waited := r.ev.waited[path]
		r.ev.mu.Unlock()
		if waited {
			continue
		}
		if t, ok := r.libs.BufScanTime(r.lang, path); ok && !t.Before(info.ModTime()) {
			continue
		}
		return path, true
	}
	return "", false
}

func (r *resolver) isPython() bool {
	return r.lang == "Python" || r.lang == "Python3"
}

func isJS(l string) bool {
	return l == "JavaScript" || l == "Node.js"
}
