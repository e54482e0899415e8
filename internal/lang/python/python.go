// Package python provides trigger and expression intelligence for Python
// buffers.
package python

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jward/codeintel/internal/lang"
	"github.com/jward/codeintel/internal/lexer"
	"github.com/jward/codeintel/internal/trigger"
)

const (
	fillupChars = "~`!@#$%^&()-=+{}[]|\\;:'\",.<>?/ "
	stopChars   = "~`!@#$%^&*()-=+{}[]|\\;:'\",.<>?/ "

	trigChars    = " (."
	calltipChars = "("

	// lineWindow is how much text before a trigger is considered.
	lineWindow = 200

	whitespace = " \t\n\r\v\f"
)

var dottedFrom = regexp.MustCompile(`^from($|\s+\.+)`)

func init() {
	lang.Register(New("Python", "2.7"), "Python")
	lang.Register(New("Python3", "3.12"), "Python3")
}

// Intel implements lang.Intel for one Python dialect.
type Intel struct {
	info *lang.Info
}

// New returns intel for the dialect name with its bundled stdlib version.
func New(name, stdlib string) *Intel {
	return &Intel{info: &lang.Info{
		Name:           name,
		FillupChars:    fillupChars,
		StopChars:      stopChars,
		Cpln:           true,
		Citadel:        true,
		StdlibVersions: []string{stdlib},
		BuiltinsBlob:   "builtins",
		ExtraPathsPref: strings.ToLower(name) + "ExtraPaths",
	}}
}

func (p *Intel) Info() *lang.Info { return p.info }

func (p *Intel) trg(form trigger.Form, typ string, pos int, implicit bool, extra map[string]any) *trigger.Trigger {
	return trigger.New(p.info.Name, form, typ, pos, implicit, extra)
}

// TrgFromPos recognises, for the character before pos:
//
//	'.'   object-members, literal-members or available-imports
//	'('   call-signature, or module-members after "from x import"
//	','   call-signature for the enclosing call
//	' '   available-imports, module-members, available-exceptions
//	'__'  magic-symbols
//	'@'   pythondoc-tags inside a comment
//	two identifier characters: local-symbols
func (p *Intel) TrgFromPos(acc *lexer.Accessor, pos int, implicit bool) *trigger.Trigger {
	if pos <= 0 || pos > acc.Len() {
		return nil
	}
	last := pos - 1
	ch := acc.CharAtPos(last)
	style := acc.StyleAtPos(last)

	if ch == '@' {
		return p.docTagTrg(acc, pos, implicit, style)
	}
	if implicit && (style == lexer.StyleComment || style == lexer.StyleString) && ch != '_' {
		return nil
	}
	if style == lexer.StyleNumber {
		return nil
	}

	switch ch {
	case ' ':
		return p.spaceTrg(acc, pos, implicit)
	case '.':
		return p.dotTrg(acc, pos, implicit)
	case '_':
		return p.magicTrg(acc, pos, implicit, style)
	case '(':
		return p.parenTrg(acc, pos, implicit)
	case ',':
		line := lang.LastLogicalLine(acc.TextRange(max(0, last-lineWindow), last))
		if i := strings.LastIndexByte(line, '('); i >= 0 {
			return p.trg(trigger.FormCalltip, "call-signature", pos-(len(line)-i), implicit, nil)
		}
		return nil
	}
	if pos >= 2 && (style == lexer.StyleIdentifier || style == lexer.StyleKeyword) {
		return p.localSymbolsTrg(acc, pos, implicit, style)
	}
	return nil
}

func (p *Intel) docTagTrg(acc *lexer.Accessor, pos int, implicit bool, style lexer.Style) *trigger.Trigger {
	if style != lexer.StyleComment {
		return nil
	}
	last := pos - 1
	for i := last - 1; i >= max(0, last-20); i-- {
		switch acc.CharAtPos(i) {
		case '#':
			return p.trg(trigger.FormCompletion, "pythondoc-tags", pos, implicit, nil)
		case ' ', '\t':
		default:
			return nil
		}
	}
	return nil
}

func (p *Intel) spaceTrg(acc *lexer.Accessor, pos int, implicit bool) *trigger.Trigger {
	last := pos - 1
	if last-1 < 0 || strings.IndexByte("etm,", acc.CharAtPos(last-1)) < 0 {
		return nil
	}
	line := strings.TrimSpace(lang.LastLogicalLine(acc.TextRange(max(0, last-lineWindow), last)))
	if line == "" {
		return nil
	}
	end := line[len(line)-1]
	line = strings.ReplaceAll(line, "\t", " ")

	switch {
	case line == "from" || line == "import":
		return p.trg(trigger.FormCompletion, "available-imports", pos, implicit, map[string]any{"imp_prefix": []string{}})
	case strings.HasSuffix(line, " import") && strings.HasPrefix(line, "from "):
		mod := strings.TrimSpace(line[len("from ") : len(line)-len(" import")])
		return p.trg(trigger.FormCompletion, "module-members", pos, implicit, map[string]any{"imp_prefix": strings.Split(mod, ".")})
	case line == "except" || line == "raise" || strings.HasSuffix(line, " except") || strings.HasSuffix(line, " raise"):
		return p.trg(trigger.FormCompletion, "available-exceptions", pos, implicit, nil)
	case end == ',' && strings.HasPrefix(line, "from ") && strings.Contains(line, " import "):
		mod := strings.TrimSpace(line[len("from "):strings.Index(line, " import")])
		return p.trg(trigger.FormCompletion, "module-members", pos, implicit, map[string]any{"imp_prefix": strings.Split(mod, ".")})
	}
	return nil
}

func (p *Intel) dotTrg(acc *lexer.Accessor, pos int, implicit bool) *trigger.Trigger {
	last := pos - 1
	line := strings.TrimSpace(lang.LastLogicalLine(acc.TextRange(max(0, last-lineWindow), last)))
	if line == "" {
		return nil
	}
	end := line[len(line)-1]
	switch {
	case lexer.IsIdentByte(end) || end == '.' || end == ')':
	case end == '"' || end == '\'':
		return p.trg(trigger.FormCompletion, "literal-members", pos, implicit, map[string]any{"citdl_expr": "str"})
	default:
		return nil
	}

	line = strings.ReplaceAll(line, "\t", " ")
	if m := dottedFrom.FindStringSubmatch(line); m != nil {
		dots := len(strings.TrimSpace(m[1]))
		return p.trg(trigger.FormCompletion, "available-imports", pos, implicit, map[string]any{"imp_prefix": make([]string, dots+2)})
	}
	if strings.HasPrefix(line, "from ") {
		if strings.Contains(line, " import ") {
			return nil
		}
		mod := strings.TrimSpace(line[len("from "):])
		return p.trg(trigger.FormCompletion, "available-imports", pos, implicit, map[string]any{"imp_prefix": strings.Split(mod, ".")})
	}
	if strings.HasPrefix(line, "import ") {
		mod := strings.TrimSpace(line[len("import "):])
		return p.trg(trigger.FormCompletion, "available-imports", pos, implicit, map[string]any{"imp_prefix": strings.Split(mod, ".")})
	}
	return p.trg(trigger.FormCompletion, "object-members", pos, implicit, nil)
}

func (p *Intel) magicTrg(acc *lexer.Accessor, pos int, implicit bool, style lexer.Style) *trigger.Trigger {
	last := pos - 1
	if last-1 < 0 || acc.CharAtPos(last-1) != '_' {
		return nil
	}
	var (
		before      byte
		beforeStyle = lexer.Style(-1)
	)
	if last-2 >= 0 {
		before, beforeStyle = acc.CharAtPos(last-2), acc.StyleAtPos(last-2)
	}
	if (before == '"' || before == '\'') && beforeStyle == lexer.StyleString {
		return p.trg(trigger.FormCompletion, "magic-symbols", last-1, implicit, map[string]any{"symbolstype": "string"})
	}
	if before == '.' && beforeStyle != style {
		return nil
	}
	if beforeStyle == style {
		return nil
	}
	text := strings.TrimSpace(acc.TextRange(max(0, last-20), last-1))
	if (before == ' ' || before == '\t') && strings.HasSuffix(text, "def") {
		post := strings.ReplaceAll(acc.TextRange(pos, min(acc.Len(), pos+20)), " ", "")
		return p.trg(trigger.FormCompletion, "magic-symbols", last-1, implicit, map[string]any{"symbolstype": "def", "posttext": post})
	}
	return p.trg(trigger.FormCompletion, "magic-symbols", last-1, implicit, map[string]any{"symbolstype": "global", "text": text})
}

func (p *Intel) parenTrg(acc *lexer.Accessor, pos int, implicit bool) *trigger.Trigger {
	last := pos - 1
	line := strings.TrimRight(lang.LastLogicalLine(acc.TextRange(max(0, last-lineWindow), last)), whitespace)
	if line == "" {
		return nil
	}
	if end := line[len(line)-1]; !lexer.IsIdentByte(end) {
		return nil
	}
	stmt := strings.TrimLeft(strings.ReplaceAll(line, "\t", " "), whitespace)
	switch {
	case strings.HasPrefix(stmt, "def"):
		return nil
	case strings.HasPrefix(stmt, "class") && !strings.Contains(stmt, "("):
		return nil
	case strings.HasPrefix(stmt, "from ") && strings.Contains(stmt, " import"):
		mod := stmt[len("from "):strings.Index(stmt, " import")]
		return p.trg(trigger.FormCompletion, "module-members", pos, implicit, map[string]any{"imp_prefix": strings.Split(mod, ".")})
	}
	return p.trg(trigger.FormCalltip, "call-signature", pos, implicit, nil)
}

func (p *Intel) localSymbolsTrg(acc *lexer.Accessor, pos int, implicit bool, style lexer.Style) *trigger.Trigger {
	last := pos - 1
	if acc.StyleAtPos(last-1) != style || (pos > 2 && acc.StyleAtPos(last-2) == style) {
		return nil
	}
	if pos > 2 && acc.CharAtPos(last-2) == '.' {
		return nil
	}
	start := acc.LineStartPosFromPos(pos)
	preceding := strings.TrimSpace(acc.TextRange(start, last-1))
	if preceding != "" {
		first, _, _ := strings.Cut(preceding, " ")
		switch first {
		case "class", "def", "import", "from", "except":
			return nil
		}
	}
	return p.trg(trigger.FormCompletion, "local-symbols", last-1, implicit, map[string]any{
		"citdl_expr":     acc.TextRange(last-1, last+1),
		"preceding_text": preceding,
	})
}

// PrecedingTrgFromPos implements lang.Intel.
func (p *Intel) PrecedingTrgFromPos(acc *lexer.Accessor, pos, currPos int) *trigger.Trigger {
	return lang.PrecedingTrg(acc, pos, currPos, trigChars, calltipChars, func(q int) *trigger.Trigger {
		return p.TrgFromPos(acc, q, false)
	})
}

// CITDLExprFromTrg implements lang.Intel.
func (p *Intel) CITDLExprFromTrg(acc *lexer.Accessor, trg *trigger.Trigger) (string, error) {
	if trg.Type == "local-symbols" {
		return trg.ExtraString("citdl_expr"), nil
	}
	return lang.CITDLExprFromTrg(acc, trg, "str")
}

// CalltipArgRange implements lang.Intel.
func (p *Intel) CalltipArgRange(acc *lexer.Accessor, trgPos int, calltip string, currPos int) (int, int) {
	return lang.ParenCalltipArgRange(acc, trgPos, calltip, currPos)
}

// ModuleCandidates maps a dotted module name onto files under root. Leading
// dots climb from root, one level per dot after the first.
func (p *Intel) ModuleCandidates(root, module string) []lang.ModuleCandidate {
	rest := strings.TrimLeft(module, ".")
	dir := root
	if dots := len(module) - len(rest); dots > 1 {
		for range dots - 1 {
			dir = filepath.Dir(dir)
		}
	}
	if rest == "" {
		return []lang.ModuleCandidate{{Dir: dir, Base: "__init__"}}
	}
	parts := strings.Split(rest, ".")
	pkg := filepath.Join(append([]string{dir}, parts[:len(parts)-1]...)...)
	name := parts[len(parts)-1]
	return []lang.ModuleCandidate{
		{Dir: pkg, Base: name},
		{Dir: filepath.Join(pkg, name), Base: "__init__"},
	}
}
