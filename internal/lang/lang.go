// Package lang holds per-language intelligence: where completions and
// calltips trigger, how the expression before a trigger is extracted, and
// the static facts reported by get-languages and get-language-info.
package lang

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/jward/codeintel/internal/lexer"
	"github.com/jward/codeintel/internal/trigger"
)

// Info describes a language's static capabilities.
type Info struct {
	Name string

	FillupChars string
	StopChars   string

	Cpln      bool
	Citadel   bool
	XML       bool
	Multilang bool

	// StdlibVersions lists the bundled stdlib versions, newest last.
	StdlibVersions []string
	// BuiltinsBlob names the stdlib blob consulted for unqualified names.
	BuiltinsBlob string
	// ExtraPathsPref names the pref listing extra import dirs.
	ExtraPathsPref string
}

// StdlibSupported reports whether the language ships a stdlib.
func (i *Info) StdlibSupported() bool { return len(i.StdlibVersions) > 0 }

// Completion is one (kind, name) completion entry.
type Completion struct {
	Kind string
	Name string
}

// ModuleCandidate names a file that could provide an imported module: a
// directory and the file stem within it.
type ModuleCandidate struct {
	Dir  string
	Base string
}

// Intel is the language-specific half of trigger handling and evaluation.
type Intel interface {
	Info() *Info

	// TrgFromPos returns the trigger fired by the character before pos,
	// or nil.
	TrgFromPos(acc *lexer.Accessor, pos int, implicit bool) *trigger.Trigger
	// PrecedingTrgFromPos looks back from pos for an earlier trigger whose
	// result would still apply at currPos.
	PrecedingTrgFromPos(acc *lexer.Accessor, pos, currPos int) *trigger.Trigger
	// CITDLExprFromTrg returns the expression to evaluate for trg.
	CITDLExprFromTrg(acc *lexer.Accessor, trg *trigger.Trigger) (string, error)
	// CalltipArgRange returns the byte span of the current argument in
	// calltip, (-1, -1) when the calltip should close, or (0, 0) when no
	// argument applies.
	CalltipArgRange(acc *lexer.Accessor, trgPos int, calltip string, currPos int) (int, int)
	// StaticCompletions answers triggers needing no database lookup.
	StaticCompletions(trg *trigger.Trigger) ([]Completion, bool)
	// ModuleCandidates lists where module could live relative to root.
	ModuleCandidates(root, module string) []ModuleCandidate
}

var (
	mu       sync.RWMutex
	registry = map[string]Intel{}
)

// Register installs intel under each of names.
func Register(in Intel, names ...string) {
	mu.Lock()
	defer mu.Unlock()
	for _, n := range names {
		registry[n] = in
	}
}

// For returns the intel registered for lang.
func For(lang string) (Intel, error) {
	mu.RLock()
	defer mu.RUnlock()
	in, ok := registry[lang]
	if !ok {
		return nil, fmt.Errorf("lang: no intel for %q", lang)
	}
	return in, nil
}

// Names returns all registered language names, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Matching returns the sorted names whose Info satisfies pred.
func Matching(pred func(*Info) bool) []string {
	var out []string
	for _, n := range Names() {
		in, _ := For(n)
		if in != nil && pred(in.Info()) {
			out = append(out, n)
		}
	}
	return slices.Clip(out)
}

// DefnTrgFromPos returns the definition trigger at pos. Definition
// triggers carry no typed characters.
func DefnTrgFromPos(lang string, pos int) *trigger.Trigger {
	trg := trigger.New(lang, trigger.FormDefn, "defn", pos, false, nil)
	trg.Length = 0
	return trg
}
