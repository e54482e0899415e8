package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ScriptExt is the extension of Risor scripts.
const ScriptExt = ".risor"

// Extension is one loaded script, run as the command Name.
type Extension struct {
	Name string
	Path string
	rt   *Runtime
}

// LoadExtensions returns the extensions at path: the script itself, or
// every script directly inside a directory. Scripts import their siblings.
func (r *Runtime) LoadExtensions(path string) ([]*Extension, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("runtime: load extension: %w", err)
	}

	var files []string
	dir := filepath.Dir(path)
	if info.IsDir() {
		dir = path
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("runtime: load extension: %w", err)
		}
		for _, e := range entries {
			if !e.IsDir() && filepath.Ext(e.Name()) == ScriptExt {
				files = append(files, filepath.Join(path, e.Name()))
			}
		}
		sort.Strings(files)
	} else {
		if filepath.Ext(path) != ScriptExt {
			return nil, fmt.Errorf("runtime: load extension: %s is not a %s script", path, ScriptExt)
		}
		files = []string{path}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("runtime: load extension: no %s scripts in %s", ScriptExt, path)
	}

	rt := r.in(dir)
	exts := make([]*Extension, 0, len(files))
	for _, f := range files {
		if _, err := rt.LoadScript(f); err != nil {
			return nil, err
		}
		exts = append(exts, &Extension{
			Name: strings.TrimSuffix(filepath.Base(f), ScriptExt),
			Path: f,
			rt:   rt,
		})
	}
	r.logger.Info("loaded extensions", "path", path, "count", len(exts))
	return exts, nil
}

// Run evaluates the script with request bound to the global "request". The
// script's last expression must be a map (or nil); its entries become
// response fields.
func (x *Extension) Run(ctx context.Context, request map[string]any) (map[string]any, error) {
	out, err := x.rt.RunScript(ctx, x.Path, map[string]any{"request": request})
	if err != nil {
		return nil, err
	}
	switch v := out.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return v, nil
	}
	return nil, fmt.Errorf("runtime: extension %s returned %T, want a map", x.Name, out)
}
