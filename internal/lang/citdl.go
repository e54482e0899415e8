package lang

import (
	"fmt"
	"strings"

	"github.com/jward/codeintel/internal/lexer"
	"github.com/jward/codeintel/internal/trigger"
)

const (
	whitespace = " \t\n\r\v\f"
	stopOps    = "({[,&+-=!^|%/<>;:#@"
	// braceLineLimit bounds how many lines back a closing brace is matched.
	braceLineLimit = 3
)

var openFor = map[byte]byte{')': '(', ']': '[', '}': '{'}

func isWhitespace(b byte) bool { return b != 0 && strings.IndexByte(whitespace, b) >= 0 }
func isEOL(b byte) bool        { return b == '\n' || b == '\r' }

// ExprOptions tune CITDLExprFromPos.
type ExprOptions struct {
	// Implicit also skips comments.
	Implicit bool
	// IncludeForwards extends the expression over the identifier at pos.
	IncludeForwards bool
	// StringCITDL is the type name given to a string literal operand.
	StringCITDL string
}

// CITDLExprFromPos walks back from pos and returns the dotted expression
// ending there, e.g. "foo.bar" for "x = foo.bar" or "foo()" for
// "foo(a, b)". Call arguments are dropped. A closing brace whose opener is
// more than a few lines back ends the walk.
func CITDLExprFromPos(acc *lexer.Accessor, pos int, opts ExprOptions) (string, error) {
	skip := func(st lexer.Style) bool {
		return st == lexer.StyleNumber || (opts.Implicit && st == lexer.StyleComment)
	}

	var expr []byte // reversed
	last := func() byte {
		if len(expr) == 0 {
			return 0
		}
		return expr[len(expr)-1]
	}

	i := pos
	if opts.IncludeForwards {
		n := acc.Len()
		if i < n {
			limit := min(n, i+100)
			sawWS := false
			for i < limit {
				ch := acc.CharAtPos(i)
				if isWhitespace(ch) {
					sawWS = true
				} else if strings.IndexByte(".)}]", ch) >= 0 || strings.IndexByte(stopOps, ch) >= 0 {
					break
				} else if sawWS {
					break
				}
				i++
			}
			i--
		} else {
			i = n - 1
		}
	}

	var (
		haveFirst  bool
		firstStyle lexer.Style
	)
loop:
	for i >= 0 {
		ch := acc.CharAtPos(i)
		st := acc.StyleAtPos(i)
		switch {
		case isWhitespace(ch):
			for i >= 0 {
				ch = acc.CharAtPos(i)
				if isWhitespace(ch) || (ch == '\\' && isEOL(acc.CharAtPos(i+1))) {
					i--
					continue
				}
				break
			}
			if i >= 0 && lexer.IsIdentByte(last()) && ch != '.' {
				break loop
			}
		case st == lexer.StyleString:
			if opts.StringCITDL != "" {
				for k := len(opts.StringCITDL) - 1; k >= 0; k-- {
					expr = append(expr, opts.StringCITDL[k])
				}
			}
			break loop
		case skip(st):
			for i >= 0 && skip(acc.StyleAtPos(i)) {
				i--
			}
		case strings.IndexByte(stopOps, ch) >= 0:
			break loop
		case openFor[ch] != 0:
			if len(expr) > 0 && last() != '.' {
				break loop
			}
			found, err := skipBlock(acc, &i, &expr, skip)
			if err != nil {
				return "", err
			}
			if !found {
				continue
			}
		default:
			if !haveFirst {
				haveFirst, firstStyle = true, st
			} else if firstStyle != st && (firstStyle == lexer.StyleComment || st == lexer.StyleComment) {
				break loop
			}
			expr = append(expr, ch)
			i--
		}
	}

	for l, r := 0, len(expr)-1; l < r; l, r = l+1, r-1 {
		expr[l], expr[r] = expr[r], expr[l]
	}
	return string(expr), nil
}

// skipBlock moves *i from a closing brace back past its opener, recording
// the pair in expr. It reports false without error when the line limit is
// reached first.
func skipBlock(acc *lexer.Accessor, i *int, expr *[]byte, skip func(lexer.Style) bool) (bool, error) {
	start := *i
	closer := acc.CharAtPos(start)
	*expr = append(*expr, closer)
	stack := []byte{openFor[closer]}
	lines := 0
	*i--
	for *i >= 0 {
		ch := acc.CharAtPos(*i)
		switch {
		case isEOL(ch):
			lines++
			if lines >= braceLineLimit {
				return false, nil
			}
		case openFor[ch] != 0:
			stack = append(stack, openFor[ch])
		case ch == stack[len(stack)-1] && !skip(acc.StyleAtPos(*i)):
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				*expr = append(*expr, ch)
				*i--
				return true, nil
			}
		}
		*i--
	}
	return false, fmt.Errorf("could not find matching brace for '%c' at position %d", closer, start)
}

// CITDLExprFromTrg returns the expression a trigger evaluates. Definition
// triggers take the whole identifier under the position.
func CITDLExprFromTrg(acc *lexer.Accessor, trg *trigger.Trigger, stringCITDL string) (string, error) {
	if trg.Form == trigger.FormDefn {
		expr, err := CITDLExprFromPos(acc, trg.Pos, ExprOptions{Implicit: true, IncludeForwards: true, StringCITDL: stringCITDL})
		return strings.TrimRight(expr, "."), err
	}
	if trg.Type == "literal-members" {
		if s := trg.ExtraString("citdl_expr"); s != "" {
			return s, nil
		}
	}
	return CITDLExprFromPos(acc, trg.Pos-2, ExprOptions{Implicit: trg.Implicit, StringCITDL: stringCITDL})
}

// LastLogicalLine returns the final line of text, joined with any lines
// continued onto it by a trailing backslash. A trailing line break does not
// start a new line.
func LastLogicalLine(text string) string {
	lines := splitLines(text)
	if len(lines) == 0 {
		return ""
	}
	logical := lines[len(lines)-1]
	lines = lines[:len(lines)-1]
	for len(lines) > 0 && strings.HasSuffix(lines[len(lines)-1], "\\") {
		prev := lines[len(lines)-1]
		logical = prev[:len(prev)-1] + " " + logical
		lines = lines[:len(lines)-1]
	}
	return logical
}

func splitLines(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '\n':
			out = append(out, text[start:i])
			start = i + 1
		case '\r':
			out = append(out, text[start:i])
			if i+1 < len(text) && text[i+1] == '\n' {
				i++
			}
			start = i + 1
		}
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}
