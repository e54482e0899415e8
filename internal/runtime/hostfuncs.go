package runtime

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"unsafe"

	"github.com/risor-io/risor/object"
	sitter "github.com/smacker/go-tree-sitter"

	"github.com/jward/codeintel/internal/cix"
	"github.com/jward/codeintel/internal/lexer"
	"github.com/jward/codeintel/internal/scanner"
)

// sourceStore remembers the source and grammar of every tree a script
// parsed, keyed by root node, since a Node cannot reach its Tree.
type sourceStore struct {
	mu      sync.RWMutex
	sources map[uintptr][]byte
	langs   map[uintptr]*sitter.Language
}

func newSourceStore() *sourceStore {
	return &sourceStore{
		sources: make(map[uintptr][]byte),
		langs:   make(map[uintptr]*sitter.Language),
	}
}

func (s *sourceStore) store(tree *sitter.Tree, src []byte, lang *sitter.Language) {
	key := uintptr(unsafe.Pointer(tree.RootNode()))
	s.mu.Lock()
	s.sources[key] = src
	s.langs[key] = lang
	s.mu.Unlock()
}

func rootOf(node *sitter.Node) *sitter.Node {
	for node.Parent() != nil {
		node = node.Parent()
	}
	return node
}

func (s *sourceStore) lookup(node *sitter.Node) ([]byte, *sitter.Language, bool) {
	key := uintptr(unsafe.Pointer(rootOf(node)))
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[key]
	return src, s.langs[key], ok
}

func nodeArg(fn string, arg object.Object) (*sitter.Node, *object.Error) {
	proxy, ok := arg.(*object.Proxy)
	if !ok {
		return nil, object.Errorf("%s: expected proxy (Node), got %s", fn, arg.Type())
	}
	node, ok := proxy.Interface().(*sitter.Node)
	if !ok {
		return nil, object.Errorf("%s: expected *sitter.Node, got %T", fn, proxy.Interface())
	}
	return node, nil
}

// makeParseFn creates parse(path, language) when fromFile is set and
// parse_src(source, language) otherwise. Languages are editor names such
// as "Python" or "JavaScript".
func makeParseFn(ss *sourceStore, fromFile bool) *object.Builtin {
	name := "parse_src"
	if fromFile {
		name = "parse"
	}
	return object.NewBuiltin(name, func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 2 {
			return object.NewArgsError(name, 2, len(args))
		}
		first, err := toString(args[0])
		if err != nil {
			return object.Errorf("%s: %v", name, err)
		}
		language, err := toString(args[1])
		if err != nil {
			return object.Errorf("%s: %v", name, err)
		}
		src := []byte(first)
		if fromFile {
			if src, err = os.ReadFile(first); err != nil {
				return object.Errorf("%s: reading %s: %v", name, first, err)
			}
		}

		grammar, ok := lexer.GrammarForLanguage(language)
		if !ok {
			return object.Errorf("%s: unsupported language %q", name, language)
		}
		tree, err := lexer.Parse(ctx, language, src)
		if err != nil {
			return object.Errorf("%s: %v", name, err)
		}
		ss.store(tree, src, grammar)

		proxy, err := object.NewProxy(tree)
		if err != nil {
			return object.Errorf("%s: proxy error: %v", name, err)
		}
		return proxy
	})
}

// node_text(node) returns the node's source text. Proxies cannot pass a
// string where Node.Content wants []byte.
func makeNodeTextFn(ss *sourceStore) *object.Builtin {
	return object.NewBuiltin("node_text", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 1 {
			return object.NewArgsError("node_text", 1, len(args))
		}
		node, oerr := nodeArg("node_text", args[0])
		if oerr != nil {
			return oerr
		}
		src, _, ok := ss.lookup(node)
		if !ok {
			return object.Errorf("node_text: no source found for node's tree")
		}
		return object.NewString(node.Content(src))
	})
}

// query(pattern, node) returns one map per match from capture name to
// node.
func makeQueryFn(ss *sourceStore) *object.Builtin {
	return object.NewBuiltin("query", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 2 {
			return object.NewArgsError("query", 2, len(args))
		}
		pattern, err := toString(args[0])
		if err != nil {
			return object.Errorf("query: pattern %v", err)
		}
		node, oerr := nodeArg("query", args[1])
		if oerr != nil {
			return oerr
		}
		src, lang, ok := ss.lookup(node)
		if !ok {
			return object.Errorf("query: no source found for node's tree")
		}

		q, err := sitter.NewQuery([]byte(pattern), lang)
		if err != nil {
			return object.Errorf("query: invalid pattern: %v", err)
		}
		defer q.Close()
		cursor := sitter.NewQueryCursor()
		defer cursor.Close()
		cursor.Exec(q, node)

		results := []object.Object{}
		for {
			match, ok := cursor.NextMatch()
			if !ok {
				break
			}
			match = cursor.FilterPredicates(match, src)
			captures := make(map[string]object.Object, len(match.Captures))
			for _, c := range match.Captures {
				p, err := object.NewProxy(c.Node)
				if err != nil {
					return object.Errorf("query: proxy error: %v", err)
				}
				captures[q.CaptureNameForId(c.Index)] = p
			}
			results = append(results, object.NewMap(captures))
		}
		return object.NewList(results)
	})
}

// node_child(node, field) is ChildByFieldName returning nil rather than a
// proxied nil pointer.
func makeNodeChildFn() *object.Builtin {
	return object.NewBuiltin("node_child", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 2 {
			return object.NewArgsError("node_child", 2, len(args))
		}
		node, oerr := nodeArg("node_child", args[0])
		if oerr != nil {
			return oerr
		}
		field, err := toString(args[1])
		if err != nil {
			return object.Errorf("node_child: field %v", err)
		}
		child := node.ChildByFieldName(field)
		if child == nil {
			return object.Nil
		}
		p, err := object.NewProxy(child)
		if err != nil {
			return object.Errorf("node_child: proxy error: %v", err)
		}
		return p
	})
}

// outline(source, language) scans source and returns its scopes as a flat
// list of {name, kind, line, depth} maps in document order.
func makeOutlineFn() *object.Builtin {
	return object.NewBuiltin("outline", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 2 {
			return object.NewArgsError("outline", 2, len(args))
		}
		src, err := toString(args[0])
		if err != nil {
			return object.Errorf("outline: %v", err)
		}
		language, err := toString(args[1])
		if err != nil {
			return object.Errorf("outline: %v", err)
		}
		f, err := scanner.Scan(ctx, []byte(src), language, "<outline>", "")
		if f == nil {
			return object.Errorf("outline: %v", err)
		}

		items := []object.Object{}
		for _, blob := range f.Blobs {
			blob.Walk(func(path []string, sc *cix.Scope) bool {
				switch sc.Kind {
				case cix.KindBlob:
					return true
				case cix.KindArgument:
					return false
				}
				items = append(items, object.NewMap(map[string]object.Object{
					"name":  object.NewString(sc.Name),
					"kind":  object.NewString(string(sc.Kind)),
					"line":  object.NewInt(int64(sc.Line)),
					"depth": object.NewInt(int64(len(path) - 2)),
				}))
				return true
			})
		}
		return object.NewList(items)
	})
}

// logObject gives scripts log.Info, log.Warn and log.Error.
type logObject struct {
	logger *slog.Logger
}

func (l *logObject) Info(msg string)  { l.logger.Info(msg) }
func (l *logObject) Warn(msg string)  { l.logger.Warn(msg) }
func (l *logObject) Error(msg string) { l.logger.Error(msg) }
