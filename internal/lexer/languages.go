package lexer

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
)

// extToLanguage maps file extensions to language names as the editor
// reports them.
var extToLanguage = map[string]string{
	".py":  "Python",
	".pyw": "Python",
	".js":  "JavaScript",
	".jsx": "JavaScript",
	".mjs": "JavaScript",
	".cjs": "JavaScript",
}

// langToGrammar maps language names to tree-sitter grammars.
// Lazily initialized on first call via sync.Once.
var (
	langToGrammar map[string]*sitter.Language
	grammarsOnce  sync.Once
)

func initGrammars() {
	grammarsOnce.Do(func() {
		py := python.GetLanguage()
		js := javascript.GetLanguage()
		langToGrammar = map[string]*sitter.Language{
			"Python":     py,
			"Python3":    py,
			"JavaScript": js,
			"Node.js":    js,
		}
	})
}

// LanguageForFile returns the language name for a file path based on its
// extension. Returns ("", false) if the extension is not recognized.
func LanguageForFile(path string) (string, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	lang, ok := extToLanguage[ext]
	return lang, ok
}

// ExtensionsForLanguage returns the file extensions scanned for lang.
// Python3 shares Python's extensions.
func ExtensionsForLanguage(lang string) []string {
	if lang == "Python3" {
		lang = "Python"
	}
	if lang == "Node.js" {
		lang = "JavaScript"
	}
	var exts []string
	for ext, l := range extToLanguage {
		if l == lang {
			exts = append(exts, ext)
		}
	}
	sort.Strings(exts)
	return exts
}

// GrammarForLanguage returns the tree-sitter grammar for a language name.
func GrammarForLanguage(lang string) (*sitter.Language, bool) {
	initGrammars()
	g, ok := langToGrammar[lang]
	return g, ok
}

// Parse parses src with the grammar for lang. The caller owns the tree.
func Parse(ctx context.Context, lang string, src []byte) (*sitter.Tree, error) {
	grammar, ok := GrammarForLanguage(lang)
	if !ok {
		return nil, fmt.Errorf("lexer: unsupported language %q", lang)
	}
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(grammar)

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("lexer: parse %s: %w", lang, err)
	}
	return tree, nil
}
