package cix

import (
	"fmt"
	"sort"
	"strings"
)

// Validate checks the structural invariants of a blob: every child with a
// known range lies inside its parent, sibling classes and functions do not
// overlap, and no two siblings share a name.
func Validate(blob *Scope) error {
	var errs []string
	var check func(path string, s *Scope)
	check = func(path string, s *Scope) {
		type span struct {
			name       string
			start, end int
		}
		var spans []span
		seen := make(map[string]bool)
		for _, c := range s.Children {
			cpath := path + "." + c.Name
			if seen[c.Name] {
				errs = append(errs, fmt.Sprintf("%s: duplicate name", cpath))
			}
			seen[c.Name] = true

			if c.Line > 0 && s.Line > 0 && s.Kind != KindBlob {
				end := c.LineEnd
				if end == 0 {
					end = c.Line
				}
				if c.Line < s.Line || (s.LineEnd > 0 && end > s.LineEnd) {
					errs = append(errs, fmt.Sprintf("%s: lines %d-%d outside parent %d-%d", cpath, c.Line, end, s.Line, s.LineEnd))
				}
			}
			if (c.Kind == KindClass || c.Kind == KindFunction) && c.Line > 0 {
				end := c.LineEnd
				if end == 0 {
					end = c.Line
				}
				spans = append(spans, span{c.Name, c.Line, end})
			}
			check(cpath, c)
		}
		sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
		for i := 1; i < len(spans); i++ {
			if spans[i].start <= spans[i-1].end {
				errs = append(errs, fmt.Sprintf("%s: %s overlaps %s", path, spans[i].name, spans[i-1].name))
			}
		}
	}
	check(blob.Name, blob)
	if len(errs) > 0 {
		return fmt.Errorf("cix: invalid blob: %s", strings.Join(errs, "; "))
	}
	return nil
}
