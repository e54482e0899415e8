package lang

import (
	"strings"

	"github.com/jward/codeintel/internal/lexer"
	"github.com/jward/codeintel/internal/trigger"
)

// precedingLookBack bounds how far PrecedingTrg searches.
const precedingLookBack = 200

// PrecedingTrg finds the nearest trigger before pos that would still apply
// at currPos. It first tries trigChars inside the identifier being typed at
// currPos, then calltip characters further back, stepping over balanced
// parentheses. A ';' ends the search, as does running out of look-back.
// Comments and strings are skipped once the style changes from the one at
// pos.
func PrecedingTrg(acc *lexer.Accessor, pos, currPos int, trigChars, calltipChars string,
	trgFromPos func(pos int) *trigger.Trigger) *trigger.Trigger {
	startStyle := acc.StyleAtPos(pos - 1)
	limit := max(1, pos-precedingLookBack)

	skipping := false
	literal := func(ch byte, st lexer.Style) bool {
		if !skipping && st != startStyle && !isEOL(ch) {
			skipping = true
		}
		return skipping && (st == lexer.StyleComment || st == lexer.StyleString)
	}

	// Stage 1: trigger chars inside the word at currPos.
	wordStart := currPos
	for q := currPos - 1; q >= limit; q-- {
		if !lexer.IsIdentByte(acc.CharAtPos(q)) {
			break
		}
		wordStart--
	}
	p := pos
	if p >= wordStart {
		for p-1 >= wordStart-1 {
			ch, st := acc.CharAtPos(p-1), acc.StyleAtPos(p-1)
			if literal(ch, st) {
				p--
				continue
			}
			if ch == ';' {
				return nil
			}
			if strings.IndexByte(trigChars, ch) >= 0 {
				if trg := trgFromPos(p); trg != nil {
					return trg
				}
				p--
				break
			}
			p--
		}
	}

	// Stage 2: calltip chars, stepping over balanced parens.
	depth := 0
	for p-1 >= limit-1 {
		ch, st := acc.CharAtPos(p-1), acc.StyleAtPos(p-1)
		switch {
		case literal(ch, st):
		case ch == ')':
			depth++
		case depth > 0 && ch == '(':
			depth--
		case ch == ';':
			return nil
		case strings.IndexByte(calltipChars, ch) >= 0:
			if trg := trgFromPos(p); trg != nil {
				return trg
			}
		}
		p--
	}
	return nil
}
