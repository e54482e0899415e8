package scanner

import (
	"strings"

	"golang.org/x/text/width"
)

const (
	docWidth    = 60
	docMaxLines = 5
)

// DocSummary reduces a doc string to its first sentence, wrapped to 60
// columns and capped at 5 lines.
func DocSummary(doc string) string {
	text := firstParagraph(doc)
	if text == "" {
		return ""
	}
	text = firstSentence(text)
	lines := wrap(text, docWidth)
	if len(lines) > docMaxLines {
		lines = lines[:docMaxLines]
		last := lines[docMaxLines-1]
		if columns(last) > docWidth-3 {
			last = strings.TrimRight(truncate(last, docWidth-3), " ")
		}
		lines[docMaxLines-1] = last + "..."
	}
	return strings.Join(lines, "\n")
}

// Sentences returns the first n sentences of doc's first paragraph, wrapped
// to 60 columns.
func Sentences(doc string, n int) string {
	text := firstParagraph(doc)
	var out []string
	for i := 0; i < n && text != ""; i++ {
		sentence := firstSentence(text)
		out = append(out, sentence)
		text = strings.TrimLeft(text[len(sentence):], " ")
	}
	return strings.Join(wrap(strings.Join(out, " "), docWidth), "\n")
}

func firstParagraph(doc string) string {
	var words []string
	started := false
	for _, line := range strings.Split(strings.ReplaceAll(doc, "\r\n", "\n"), "\n") {
		f := strings.Fields(line)
		if len(f) == 0 {
			if started {
				break
			}
			continue
		}
		started = true
		words = append(words, f...)
	}
	return strings.Join(words, " ")
}

// firstSentence cuts text after the first '.', '!' or '?' that is followed
// by a space or the end, skipping common abbreviations such as "e.g.".
func firstSentence(text string) string {
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			if i+1 < len(text) && text[i+1] != ' ' {
				continue
			}
			if text[i] == '.' && isAbbrev(text[:i+1]) {
				continue
			}
			return text[:i+1]
		}
	}
	return text
}

func isAbbrev(prefix string) bool {
	for _, ab := range []string{"e.g.", "i.e.", "etc.", "vs.", "cf."} {
		if strings.HasSuffix(strings.ToLower(prefix), ab) {
			return true
		}
	}
	return false
}

// wrap breaks text into lines of at most limit columns. A word wider than
// limit gets a line of its own.
func wrap(text string, limit int) []string {
	var lines []string
	var cur strings.Builder
	cols := 0
	for _, w := range strings.Fields(text) {
		ww := columns(w)
		if cur.Len() > 0 && cols+1+ww > limit {
			lines = append(lines, cur.String())
			cur.Reset()
			cols = 0
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
			cols++
		}
		cur.WriteString(w)
		cols += ww
	}
	if cur.Len() > 0 {
		lines = append(lines, cur.String())
	}
	return lines
}

// columns is the display width of s. East Asian wide and fullwidth runes
// take two columns.
func columns(s string) int {
	n := 0
	for _, r := range s {
		n += runeColumns(r)
	}
	return n
}

func runeColumns(r rune) int {
	switch width.LookupRune(r).Kind() {
	case width.EastAsianWide, width.EastAsianFullwidth:
		return 2
	}
	return 1
}

// truncate cuts s to at most limit columns without splitting a rune.
func truncate(s string, limit int) string {
	n := 0
	for i, r := range s {
		if n+runeColumns(r) > limit {
			return s[:i]
		}
		n += runeColumns(r)
	}
	return s
}

// unquoteDocString strips the quotes and string prefix from a literal doc
// string and dedents its body.
func unquoteDocString(lit string) string {
	s := strings.TrimLeft(lit, "rRuUbBfF")
	for _, q := range []string{`"""`, `'''`, `"`, `'`} {
		if strings.HasPrefix(s, q) && strings.HasSuffix(s, q) && len(s) >= 2*len(q) {
			s = s[len(q) : len(s)-len(q)]
			break
		}
	}
	return dedent(s)
}

func dedent(s string) string {
	lines := strings.Split(s, "\n")
	indent := -1
	for _, l := range lines[1:] {
		t := strings.TrimLeft(l, " \t")
		if t == "" {
			continue
		}
		if n := len(l) - len(t); indent < 0 || n < indent {
			indent = n
		}
	}
	if indent > 0 {
		for i := 1; i < len(lines); i++ {
			if len(lines[i]) >= indent {
				lines[i] = lines[i][indent:]
			}
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
