package database

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jward/codeintel/internal/cix"
	"github.com/jward/codeintel/internal/store"
)

// Blob is a module blob together with where it came from.
type Blob struct {
	*cix.Scope
	// Path is the scanned source file; empty for stdlib and catalog blobs.
	Path string
	Lib  string
}

// Lib is a set of module blobs that imports resolve against.
type Lib interface {
	Name() string
	// Zone selects the library's files in the name index.
	Zone() store.ZoneRef
	// Blob returns the blob module name resolves to in this library, or
	// nil. For directory libraries name is a file stem.
	Blob(name string) (*Blob, error)
}

// DirLib returns the library of lang files scanned in dir.
func (d *Database) DirLib(lang, dir string) Lib {
	return &dirLib{d: d, lang: lang, dir: dir}
}

type dirLib struct {
	d    *Database
	lang string
	dir  string
}

func (l *dirLib) Name() string { return "dir:" + l.dir }

func (l *dirLib) Zone() store.ZoneRef { return store.ZoneRef{Zone: store.ZoneDir, Dir: l.dir} }

func (l *dirLib) Blob(name string) (*Blob, error) {
	z, err := l.d.dirZone(l.lang, l.dir, false)
	if err != nil || z == nil {
		return nil, err
	}
	entries, err := z.entries()
	if err != nil {
		return nil, err
	}
	bases := make([]string, 0, len(entries))
	for base := range entries {
		if strings.TrimSuffix(base, filepath.Ext(base)) == name {
			bases = append(bases, base)
		}
	}
	sort.Strings(bases)
	for _, base := range bases {
		f, err := l.d.load(z, entries[base])
		if err != nil {
			return nil, err
		}
		if len(f.Blobs) > 0 {
			return &Blob{Scope: f.Blobs[0], Path: f.Path, Lib: l.Name()}, nil
		}
	}
	return nil, nil
}

// zoneLib is a stdlib or catalog library.
type zoneLib struct {
	d    *Database
	key  zoneKey
	root string
}

func (l *zoneLib) Name() string { return l.key.kind + ":" + l.key.name }

func (l *zoneLib) Zone() store.ZoneRef { return store.ZoneRef{Zone: l.key.kind, Dir: l.key.name} }

func (l *zoneLib) Blob(name string) (*Blob, error) {
	z, err := l.d.libZone(l.key, l.root)
	if err != nil || z == nil {
		return nil, err
	}
	e, err := z.entry(name)
	if err != nil || e == nil {
		return nil, err
	}
	f, err := l.d.load(z, e)
	if err != nil {
		return nil, err
	}
	if b := f.Blob(name); b != nil {
		return &Blob{Scope: b, Lib: l.Name()}, nil
	}
	return nil, nil
}

// libZone opens a stdlib or catalog zone, or returns nil when it has not
// been loaded.
func (d *Database) libZone(key zoneKey, root string) (*zone, error) {
	if _, err := d.ready(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if z, ok := d.zones[key]; ok {
		return z, nil
	}
	if _, err := os.Stat(filepath.Join(root, resIndexFile)); err != nil {
		return nil, nil
	}
	z, err := openZone(key.kind, key.lang, key.name, root)
	if err != nil {
		return nil, err
	}
	d.zones[key] = z
	return z, nil
}

func (d *Database) stdlibRoot(lang, version string) string {
	return filepath.Join(d.stdlibsDir(), strings.ToLower(lang), version)
}

// StdlibLib returns the loaded standard library of lang at version, or nil.
// An empty version selects the newest bundled one.
func (d *Database) StdlibLib(lang, version string) Lib {
	if version == "" {
		versions := StdlibVersions(lang)
		if len(versions) == 0 {
			return nil
		}
		version = versions[len(versions)-1]
	}
	root := d.stdlibRoot(lang, version)
	if _, err := os.Stat(filepath.Join(root, resIndexFile)); err != nil {
		return nil
	}
	return &zoneLib{d: d, key: zoneKey{store.ZoneStdlib, lang, version}, root: root}
}

// CatalogLibs returns the loaded catalogs for lang. With no selections
// every catalog of lang is returned; otherwise only those whose name
// matches a selection, ignoring case.
func (d *Database) CatalogLibs(lang string, selections []string) []Lib {
	dirs, err := os.ReadDir(d.catalogsDir())
	if err != nil {
		return nil
	}
	var libs []Lib
	for _, dir := range dirs {
		if !dir.IsDir() || strings.Contains(dir.Name(), ".tmp-") {
			continue
		}
		root := filepath.Join(d.catalogsDir(), dir.Name())
		l, err := os.ReadFile(filepath.Join(root, zoneLangFile))
		if err != nil || string(l) != lang {
			continue
		}
		if len(selections) > 0 && !selected(dir.Name(), selections) {
			continue
		}
		libs = append(libs, &zoneLib{d: d, key: zoneKey{store.ZoneCatalog, lang, dir.Name()}, root: root})
	}
	return libs
}

func selected(name string, selections []string) bool {
	for _, s := range selections {
		if strings.EqualFold(s, name) || strings.EqualFold(strings.TrimSuffix(filepath.Base(s), filepath.Ext(s)), name) {
			return true
		}
	}
	return false
}

func zoneRefs(libs []Lib) []store.ZoneRef {
	refs := make([]store.ZoneRef, 0, len(libs))
	for _, l := range libs {
		refs = append(refs, l.Zone())
	}
	return refs
}

// NamesByPrefix returns module-level names starting with prefix across
// libs, flushing batched index data first.
func (d *Database) NamesByPrefix(lang string, libs []Lib, prefix string, limit int) ([]store.NameHit, error) {
	s, err := d.ready()
	if err != nil {
		return nil, err
	}
	if err := d.Save(); err != nil {
		return nil, err
	}
	return s.NamesByPrefix(lang, zoneRefs(libs), prefix, limit)
}

// BlobsByPrefix returns the importable blob names starting with prefix
// across libs.
func (d *Database) BlobsByPrefix(lang string, libs []Lib, prefix string) ([]string, error) {
	s, err := d.ready()
	if err != nil {
		return nil, err
	}
	if err := d.Save(); err != nil {
		return nil, err
	}
	return s.BlobsByPrefix(lang, zoneRefs(libs), prefix)
}
