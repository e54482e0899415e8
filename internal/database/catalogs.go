package database

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jward/codeintel/internal/cix"
)

// CatalogInfo describes one available API catalog.
type CatalogInfo struct {
	Name        string
	Lang        string
	Description string
	// Selection is the value to list in codeintel_selected_catalogs.
	Selection string
	// Path is the catalog file for user catalogs; empty when bundled.
	Path string
}

// userCatalogsDir holds catalogs added by the user as YAML files.
func (d *Database) userCatalogsDir() string { return filepath.Join(d.base, "catalogs") }

// catalogSources returns the bundled catalogs followed by the user's. A
// user catalog with the name of a bundled one replaces it.
func (d *Database) catalogSources() ([]*cix.Library, error) {
	libs, err := parseBundled("catalogs/*.yaml")
	if err != nil {
		return nil, err
	}
	user, err := d.userCatalogs()
	if err != nil {
		return nil, err
	}
	for _, u := range user {
		libs = replaceLib(libs, u.lib)
	}
	return libs, nil
}

type userCatalog struct {
	lib  *cix.Library
	path string
}

func (d *Database) userCatalogs() ([]userCatalog, error) {
	paths, err := filepath.Glob(filepath.Join(d.userCatalogsDir(), "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	var out []userCatalog
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("database: read catalog: %w", err)
		}
		lib, err := cix.ParseLibrary(data)
		if err != nil {
			d.logger.Warn("skipping catalog", "path", p, "err", err)
			continue
		}
		if lib.Name == "" {
			lib.Name = strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
		}
		out = append(out, userCatalog{lib: lib, path: p})
	}
	return out, nil
}

func replaceLib(libs []*cix.Library, lib *cix.Library) []*cix.Library {
	for i, l := range libs {
		if l.Name == lib.Name {
			libs[i] = lib
			return libs
		}
	}
	return append(libs, lib)
}

// AvailableCatalogs lists the catalogs that can be selected, sorted by
// name.
func (d *Database) AvailableCatalogs() ([]CatalogInfo, error) {
	bundledLibs, err := parseBundled("catalogs/*.yaml")
	if err != nil {
		return nil, err
	}
	byName := make(map[string]CatalogInfo)
	for _, lib := range bundledLibs {
		byName[lib.Name] = CatalogInfo{Name: lib.Name, Lang: lib.Lang, Description: lib.Description, Selection: lib.Name}
	}
	user, err := d.userCatalogs()
	if err != nil {
		return nil, err
	}
	for _, u := range user {
		byName[u.lib.Name] = CatalogInfo{Name: u.lib.Name, Lang: u.lib.Lang, Description: u.lib.Description, Selection: u.lib.Name, Path: u.path}
	}
	out := make([]CatalogInfo, 0, len(byName))
	for _, c := range byName {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
