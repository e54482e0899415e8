// Package runtime runs extension scripts. An extension is a Risor program
// loaded with the load-extension command; the engine registers it as a
// command named after the script and evaluates it once per request.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/importer"
	"github.com/risor-io/risor/object"

	"github.com/jward/codeintel/internal/logging"
	"github.com/jward/codeintel/internal/store"
)

// Index is the read-only view of the toplevel-name index that scripts can
// query.
type Index interface {
	NamesByPrefix(lang, prefix string, limit int) ([]store.NameHit, error)
	BlobsByPrefix(lang, prefix string) ([]string, error)
}

// Runtime embeds a Risor VM and exposes tree-sitter and index host
// functions to scripts.
type Runtime struct {
	index      Index
	scriptsDir string
	logger     *slog.Logger
	sources    *sourceStore
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithIndex exposes names_by_prefix and blobs_by_prefix backed by idx.
func WithIndex(idx Index) RuntimeOption {
	return func(r *Runtime) {
		r.index = idx
	}
}

// WithLogger logs script activity to logger under the runtime component.
func WithLogger(logger *slog.Logger) RuntimeOption {
	return func(r *Runtime) {
		r.logger = logging.Component(logger, "runtime")
	}
}

// NewRuntime creates a Runtime that resolves relative script paths and
// imports against scriptsDir.
func NewRuntime(scriptsDir string, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		scriptsDir: scriptsDir,
		logger:     logging.NewDiscardLogger(),
		sources:    newSourceStore(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// in returns a copy of r rooted at dir.
func (r *Runtime) in(dir string) *Runtime {
	c := *r
	c.scriptsDir = dir
	return &c
}

// RunScript loads and evaluates a script. The value of its last expression
// is returned as a Go value.
func (r *Runtime) RunScript(ctx context.Context, scriptPath string, extraGlobals map[string]any) (any, error) {
	src, err := r.LoadScript(scriptPath)
	if err != nil {
		return nil, err
	}
	return r.eval(ctx, src, scriptPath, extraGlobals)
}

// RunSource evaluates Risor source directly.
func (r *Runtime) RunSource(ctx context.Context, source string, extraGlobals map[string]any) (any, error) {
	return r.eval(ctx, source, "<inline>", extraGlobals)
}

func (r *Runtime) eval(ctx context.Context, source, label string, extraGlobals map[string]any) (any, error) {
	globals := r.buildGlobals(extraGlobals)

	opts := make([]risor.Option, 0, len(globals)+1)
	for name, val := range globals {
		opts = append(opts, risor.WithGlobal(name, val))
	}
	if imp := r.buildImporter(globals); imp != nil {
		opts = append(opts, risor.WithImporter(imp))
	}

	result, err := risor.Eval(ctx, source, opts...)
	if err != nil {
		return nil, fmt.Errorf("runtime: script %s: %w", label, err)
	}
	if result == nil {
		return nil, nil
	}
	return result.Interface(), nil
}

// buildImporter returns an importer rooted at the scripts directory, or nil
// when none is configured.
func (r *Runtime) buildImporter(globals map[string]any) importer.Importer {
	globalNames := make([]string, 0, len(globals))
	for name := range globals {
		globalNames = append(globalNames, name)
	}

	if r.scriptsDir != "" {
		return importer.NewLocalImporter(importer.LocalImporterOptions{
			GlobalNames: globalNames,
			SourceDir:   r.scriptsDir,
			Extensions:  []string{ScriptExt},
		})
	}
	return nil
}

// LoadScript reads a script. Relative paths are taken against the scripts
// directory.
func (r *Runtime) LoadScript(path string) (string, error) {
	fullPath := path
	if !filepath.IsAbs(path) {
		fullPath = filepath.Join(r.scriptsDir, path)
	}
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return "", fmt.Errorf("runtime: loading script %s: %w", fullPath, err)
	}
	return string(data), nil
}

func (r *Runtime) buildGlobals(extra map[string]any) map[string]any {
	globals := map[string]any{
		"parse":      makeParseFn(r.sources, true),
		"parse_src":  makeParseFn(r.sources, false),
		"node_text":  makeNodeTextFn(r.sources),
		"node_child": makeNodeChildFn(),
		"query":      makeQueryFn(r.sources),
		"outline":    makeOutlineFn(),
		"log":        mustProxy(&logObject{logger: r.logger}),
	}
	if r.index != nil {
		globals["names_by_prefix"] = makeNamesByPrefixFn(r.index)
		globals["blobs_by_prefix"] = makeBlobsByPrefixFn(r.index)
	}
	for k, v := range extra {
		globals[k] = v
	}
	return globals
}

func mustProxy(v any) object.Object {
	p, err := object.NewProxy(v)
	if err != nil {
		panic(fmt.Sprintf("runtime: proxy error: %v", err))
	}
	return p
}
