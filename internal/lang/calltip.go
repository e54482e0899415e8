package lang

import (
	"strings"

	"github.com/jward/codeintel/internal/lexer"
)

// calltipTerminators close a call region when met outside nested blocks.
const calltipTerminators = "]});"

var closeFor = map[byte]byte{'(': ')', '[': ']', '{': '}'}

// CalltipArg is one parsed argument of a call signature. Start and End are
// byte offsets into the signature line; End is the offset of the comma or
// parenthesis that ended the argument.
type CalltipArg struct {
	Name    string
	Default string
	Start   int
	End     int
}

// ParseCalltip parses the first line of a calltip as "name(arg, arg=default)".
// It reports false when that line lacks an argument list.
func ParseCalltip(calltip string) (signature, name string, args []CalltipArg, ok bool) {
	signature, _, _ = strings.Cut(calltip, "\n")
	signature = strings.TrimSuffix(signature, "\r")
	open := strings.IndexByte(signature, '(')
	if open < 0 || !strings.Contains(signature, ")") {
		return "", "", nil, false
	}
	name = strings.TrimSpace(signature[:open])

	const (
		sepState = iota
		argState
		defaultState
	)
	cur := CalltipArg{Start: -1}
	var curName, curDef []byte
	finish := func(p int) {
		cur.End = p
		if cur.Start < 0 {
			cur.Start = p
		}
		cur.Name, cur.Default = string(curName), string(curDef)
		args = append(args, cur)
		cur, curName, curDef = CalltipArg{Start: -1}, nil, nil
	}

	state := sepState
	p := open + 1
	for p < len(signature) {
		ch := signature[p]
		if ch == ')' {
			break
		}
		switch state {
		case sepState:
			switch {
			case strings.IndexByte(" \t[]", ch) >= 0:
			case ch == ',':
				finish(p)
			default:
				state = argState
				continue
			}
		case argState:
			switch ch {
			case ',':
				state = sepState
				continue
			case '=':
				state = defaultState
			default:
				if len(curName) == 0 {
					cur.Start = p
				}
				curName = append(curName, ch)
			}
		case defaultState:
			if ch == ',' {
				state = sepState
				continue
			}
			curDef = append(curDef, ch)
		}
		p++
	}
	if len(curName) > 0 {
		finish(p)
	}
	return signature, name, args, true
}

// ParenCalltipArgRange implements Intel.CalltipArgRange for languages whose
// calls look like name(a, b). Text between trgPos and currPos decides which
// argument is current; a terminator outside nested blocks closes the
// calltip.
func ParenCalltipArgRange(acc *lexer.Accessor, trgPos int, calltip string, currPos int) (int, int) {
	skipLiterals := true
	if st := acc.StyleAtPos(trgPos - 1); st == lexer.StyleComment || st == lexer.StyleString {
		skipLiterals = false
	}

	commas := 0
	var blocks []byte
	closed := false
	acc.EachCharAndStyle(trgPos, currPos, func(_ int, ch byte, st lexer.Style) bool {
		switch {
		case skipLiterals && (st == lexer.StyleComment || st == lexer.StyleString):
		case closeFor[ch] != 0:
			blocks = append(blocks, closeFor[ch])
		case len(blocks) > 0:
			if ch == blocks[len(blocks)-1] {
				blocks = blocks[:len(blocks)-1]
			} else if strings.IndexByte(calltipTerminators, ch) >= 0 {
				closed = true
				return false
			}
		case ch == ',':
			commas++
		case strings.IndexByte(calltipTerminators, ch) >= 0:
			closed = true
			return false
		}
		return true
	})
	if closed {
		return -1, -1
	}

	_, _, args, ok := ParseCalltip(calltip)
	if !ok || len(args) == 0 {
		return 0, 0
	}
	arg := args[len(args)-1]
	if commas < len(args) {
		arg = args[commas]
	}
	return arg.Start, arg.End
}
