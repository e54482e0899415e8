package eval

import (
	"slices"
	"strings"

	"github.com/jward/codeintel/internal/lang"
	"github.com/jward/codeintel/internal/trigger"
)

// Definition is where a name is defined.
type Definition struct {
	// Path is the defining file; empty for stdlib and catalog entries.
	Path      string
	Lang      string
	Blob      string
	Name      string
	Kind      string
	Line      int
	LineEnd   int
	Signature string
	Doc       string
	Citdl     string
	// Lib names the library the definition came from.
	Lib string
}

// Result is the outcome of one evaluation.
type Result struct {
	Trg       *trigger.Trigger
	CITDLExpr string

	Completions []lang.Completion
	Calltips    []string
	Defns       []Definition

	// Message explains an empty result, e.g. "No completions found".
	Message string
	// Err is ErrTimeout, ErrAborted or an internal error.
	Err error
}

// Empty reports whether the result holds nothing for its trigger's form.
func (r *Result) Empty() bool {
	return len(r.Completions) == 0 && len(r.Calltips) == 0 && len(r.Defns) == 0
}

// sortKey upper-cases s and moves ASCII '!'..'@' above the letters so
// that punctuation and digits sort after names.
func sortKey(s string) string {
	b := []byte(strings.ToUpper(s))
	for i, c := range b {
		if c >= '!' && c <= '@' {
			b[i] = c - '!' + '['
		}
	}
	return string(b)
}

// SortCompletions sorts completions by name with punctuation last,
// ignoring case, and drops duplicates.
func SortCompletions(cs []lang.Completion) []lang.Completion {
	slices.SortStableFunc(cs, func(a, b lang.Completion) int {
		if c := strings.Compare(sortKey(a.Name), sortKey(b.Name)); c != 0 {
			return c
		}
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.Kind, b.Kind)
	})
	return slices.CompactFunc(cs, func(a, b lang.Completion) bool { return a == b })
}
