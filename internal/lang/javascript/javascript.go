// Package javascript provides trigger and expression intelligence for
// JavaScript and Node.js buffers.
package javascript

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/jward/codeintel/internal/lang"
	"github.com/jward/codeintel/internal/lexer"
	"github.com/jward/codeintel/internal/trigger"
)

const (
	fillupChars = "~`!#%^&*()-=+{}[]|\\;:'\",.<>?/"
	stopChars   = "~`!@#%^&*()-=+{}[]|\\;:'\",.<>?/ "

	trigChars    = ".("
	calltipChars = "("

	docLookBack   = 50
	callLookBack  = 200
	wordLookBack  = 80
	namesTrgChars = 3
)

var jsDocTags = []string{
	"abstract", "access", "alias", "augments", "author", "borrows", "callback",
	"class", "const", "constructor", "default", "deprecated", "description",
	"enum", "event", "example", "exports", "extends", "fires", "function",
	"global", "ignore", "inner", "instance", "lends", "license", "member",
	"memberof", "mixes", "module", "name", "namespace", "override", "param",
	"private", "property", "protected", "public", "readonly", "requires",
	"returns", "see", "since", "static", "summary", "this", "throws", "todo",
	"type", "typedef", "version",
}

func init() {
	lang.Register(New("JavaScript"), "JavaScript")
	lang.Register(New("Node.js"), "Node.js")
}

// Intel implements lang.Intel for JavaScript dialects.
type Intel struct {
	info *lang.Info
}

// New returns intel for the named dialect.
func New(name string) *Intel {
	info := &lang.Info{
		Name:           name,
		FillupChars:    fillupChars,
		StopChars:      stopChars,
		Cpln:           true,
		Citadel:        true,
		StdlibVersions: []string{"ecma"},
		BuiltinsBlob:   "*",
		ExtraPathsPref: "javascriptExtraPaths",
	}
	if name == "Node.js" {
		info.StdlibVersions = []string{"node"}
		info.ExtraPathsPref = "nodejsExtraPaths"
	}
	return &Intel{info: info}
}

func (j *Intel) Info() *lang.Info { return j.info }

func (j *Intel) trg(form trigger.Form, typ string, pos int, implicit bool, extra map[string]any) *trigger.Trigger {
	return trigger.New(j.info.Name, form, typ, pos, implicit, extra)
}

func ignorable(st lexer.Style) bool { return st == lexer.StyleDefault || st == lexer.StyleComment }

// TrgFromPos recognises object-members and literal-members after '.',
// call-signature after '(' or ',', jsdoc-tags after '@' in a comment, and
// names after three identifier characters.
func (j *Intel) TrgFromPos(acc *lexer.Accessor, pos int, implicit bool) *trigger.Trigger {
	if pos <= 0 || pos > acc.Len() {
		return nil
	}
	last := pos - 1
	ch := acc.CharAtPos(last)
	style := acc.StyleAtPos(last)

	switch {
	case ch == '@' && style == lexer.StyleComment:
		for p := last - 1; p >= max(0, last-1-docLookBack) && acc.StyleAtPos(p) == lexer.StyleComment; p-- {
			switch c := acc.CharAtPos(p); {
			case c == '*' || c == '\n' || c == '\r':
				return j.trg(trigger.FormCompletion, "jsdoc-tags", pos, implicit, nil)
			case c != ' ' && c != '\t' && c != '\v':
				return nil
			}
		}
		return nil
	case strings.IndexByte(".(,", ch) < 0:
		return j.namesTrg(acc, pos, implicit, style)
	case style != lexer.StyleOperator:
		return nil
	}

	p := last - 1
	var st lexer.Style
	for ; p >= 0; p-- {
		st = acc.StyleAtPos(p)
		if st == lexer.StyleIdentifier || st == lexer.StyleString {
			break
		}
		if ch == '.' && st == lexer.StyleKeyword {
			break
		}
		if ch == '.' && st == lexer.StyleOperator && strings.IndexByte(")]}", acc.CharAtPos(p)) >= 0 {
			break
		}
		if !ignorable(st) {
			return nil
		}
	}
	if p < 0 {
		return nil
	}

	if ch == '.' {
		switch st {
		case lexer.StyleString:
			return j.trg(trigger.FormCompletion, "literal-members", pos, implicit, map[string]any{"citdl_expr": "String"})
		case lexer.StyleKeyword:
			if last < 4 || acc.TextRange(last-4, last) != "this" {
				return nil
			}
		}
		return j.trg(trigger.FormCompletion, "object-members", pos, implicit, nil)
	}

	if implicit && ch == ',' {
		return j.enclosingCallTrg(acc, p, implicit)
	}
	if j.definesFunction(acc, p) {
		return nil
	}
	return j.trg(trigger.FormCalltip, "call-signature", pos, implicit, nil)
}

// definesFunction reports whether the identifier ending at p follows the
// "function" keyword.
func (j *Intel) definesFunction(acc *lexer.Accessor, p int) bool {
	for p >= 0 && acc.StyleAtPos(p) == lexer.StyleIdentifier {
		p--
	}
	for p >= 0 && ignorable(acc.StyleAtPos(p)) {
		p--
	}
	return p >= 0 && acc.StyleAtPos(p) == lexer.StyleKeyword && wordBefore(acc, p) == "function"
}

// wordBefore returns the run of same-styled text ending at p.
func wordBefore(acc *lexer.Accessor, p int) string {
	st := acc.StyleAtPos(p)
	start := p
	for start > 0 && p-start < wordLookBack && acc.StyleAtPos(start-1) == st {
		start--
	}
	return acc.TextRange(start, p+1)
}

// enclosingCallTrg finds the unclosed '(' before p and returns a calltip
// trigger for it when it follows an identifier.
func (j *Intel) enclosingCallTrg(acc *lexer.Accessor, p int, implicit bool) *trigger.Trigger {
	depth := 0
	for q := p; q >= max(0, p-callLookBack); q-- {
		st := acc.StyleAtPos(q)
		if st != lexer.StyleOperator {
			continue
		}
		switch acc.CharAtPos(q) {
		case ')':
			depth++
		case '(':
			if depth > 0 {
				depth--
				continue
			}
			r := q - 1
			for r >= 0 && ignorable(acc.StyleAtPos(r)) {
				r--
			}
			if r < 0 || acc.StyleAtPos(r) != lexer.StyleIdentifier || j.definesFunction(acc, r) {
				return nil
			}
			return j.trg(trigger.FormCalltip, "call-signature", q+1, implicit, nil)
		case ';', '{', '}':
			return nil
		}
	}
	return nil
}

// namesTrg fires after exactly three identifier characters when implicit, or
// at the end of any longer word when explicit.
func (j *Intel) namesTrg(acc *lexer.Accessor, pos int, implicit bool, style lexer.Style) *trigger.Trigger {
	last := pos - 1
	if last < namesTrgChars-1 || (style != lexer.StyleIdentifier && style != lexer.StyleKeyword) {
		return nil
	}
	if acc.StyleAtPos(last-1) != style || acc.StyleAtPos(last-2) != style {
		return nil
	}
	p := last - namesTrgChars
	if p >= 0 {
		if acc.StyleAtPos(p) == style {
			if implicit {
				return nil
			}
			for p >= 0 && p > last-wordLookBack && acc.StyleAtPos(p) == style {
				p--
			}
		}
		for p >= 0 && ignorable(acc.StyleAtPos(p)) {
			p--
		}
		if p >= 0 {
			if acc.CharAtPos(p) == '.' {
				return nil
			}
			if acc.StyleAtPos(p) == lexer.StyleKeyword && wordBefore(acc, p) == "function" {
				return nil
			}
		}
	}
	return j.trg(trigger.FormCompletion, "names", last-2, implicit, map[string]any{
		"citdl_expr": acc.TextRange(last-2, pos),
	})
}

// PrecedingTrgFromPos implements lang.Intel.
func (j *Intel) PrecedingTrgFromPos(acc *lexer.Accessor, pos, currPos int) *trigger.Trigger {
	return lang.PrecedingTrg(acc, pos, currPos, trigChars, calltipChars, func(q int) *trigger.Trigger {
		return j.TrgFromPos(acc, q, false)
	})
}

// CITDLExprFromTrg implements lang.Intel.
func (j *Intel) CITDLExprFromTrg(acc *lexer.Accessor, trg *trigger.Trigger) (string, error) {
	if trg.Type == "names" {
		return trg.ExtraString("citdl_expr"), nil
	}
	return lang.CITDLExprFromTrg(acc, trg, "String")
}

// CalltipArgRange implements lang.Intel.
func (j *Intel) CalltipArgRange(acc *lexer.Accessor, trgPos int, calltip string, currPos int) (int, int) {
	return lang.ParenCalltipArgRange(acc, trgPos, calltip, currPos)
}

// StaticCompletions answers jsdoc-tags triggers.
func (j *Intel) StaticCompletions(trg *trigger.Trigger) ([]lang.Completion, bool) {
	if !trg.Is(trigger.FormCompletion, "jsdoc-tags") {
		return nil, false
	}
	out := make([]lang.Completion, len(jsDocTags))
	for i, t := range jsDocTags {
		out[i] = lang.Completion{Kind: "variable", Name: t}
	}
	return out, true
}

// ModuleCandidates resolves relative specifiers ("./x", "../y/z.js")
// against root. Bare specifiers only come from the stdlib and catalogs.
func (j *Intel) ModuleCandidates(root, module string) []lang.ModuleCandidate {
	if !strings.HasPrefix(module, "./") && !strings.HasPrefix(module, "../") {
		return nil
	}
	full := filepath.Join(root, filepath.FromSlash(module))
	base := filepath.Base(full)
	stem := strings.TrimSuffix(base, path.Ext(base))
	return []lang.ModuleCandidate{
		{Dir: filepath.Dir(full), Base: stem},
		{Dir: full, Base: "index"},
	}
}
