package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jward/codeintel/internal/cix"
	"github.com/jward/codeintel/internal/store"
)

//go:embed stdlibs/*.yaml catalogs/*.yaml
var bundled embed.FS

// PreloadDoneMessage is the message of the final preload progress report.
const PreloadDoneMessage = "Code intelligence database pre-loaded."

// Progress is one preload progress report.
type Progress struct {
	Percent int
	Message string
}

func parseBundled(pattern string) ([]*cix.Library, error) {
	paths, err := fs.Glob(bundled, pattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	libs := make([]*cix.Library, 0, len(paths))
	for _, p := range paths {
		data, err := bundled.ReadFile(p)
		if err != nil {
			return nil, err
		}
		lib, err := cix.ParseLibrary(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		if lib.Name == "" {
			lib.Name = strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
		}
		libs = append(libs, lib)
	}
	return libs, nil
}

var stdlibSources = sync.OnceValues(func() ([]*cix.Library, error) {
	return parseBundled("stdlibs/*.yaml")
})

// StdlibVersions returns the bundled stdlib versions for lang.
func StdlibVersions(lang string) []string {
	libs, err := stdlibSources()
	if err != nil {
		return nil
	}
	var versions []string
	for _, lib := range libs {
		if lib.Lang == lang {
			versions = append(versions, lib.Version)
		}
	}
	return versions
}

// missingStdlibs names the bundled stdlibs not yet loaded.
func (d *Database) missingStdlibs() []string {
	libs, err := stdlibSources()
	if err != nil {
		return []string{err.Error()}
	}
	var missing []string
	for _, lib := range libs {
		if _, err := os.Stat(filepath.Join(d.stdlibRoot(lib.Lang, lib.Version), resIndexFile)); err != nil {
			missing = append(missing, lib.Lang+" "+lib.Version)
		}
	}
	return missing
}

func forLangs(libs []*cix.Library, langs []string) []*cix.Library {
	if len(langs) == 0 {
		return libs
	}
	var out []*cix.Library
	for _, lib := range libs {
		if slices.Contains(langs, lib.Lang) {
			out = append(out, lib)
		}
	}
	return out
}

// Preload loads the bundled standard libraries and the catalogs of langs,
// or of every language when langs is empty. Standard libraries report
// progress from 5 to 80 percent and catalogs from 80 to 100. Each library
// lands atomically; cancelling ctx stops before the next one.
func (d *Database) Preload(ctx context.Context, langs []string, progress func(Progress)) error {
	if progress == nil {
		progress = func(Progress) {}
	}
	if !d.busy.CompareAndSwap(State(""), StatePreloadRunning) {
		return fmt.Errorf("database: preload: %s", d.busy.Load().(State))
	}
	defer d.busy.Store(State(""))

	if _, err := d.readVersion(); errors.Is(err, fs.ErrNotExist) {
		if err := d.Create(); err != nil {
			return err
		}
	}
	s, err := d.ready()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(d.stdlibsDir(), 0o755); err != nil {
		return fmt.Errorf("database: preload: %w", err)
	}

	stdlibs, err := stdlibSources()
	if err != nil {
		return fmt.Errorf("database: preload: %w", err)
	}
	stdlibs = forLangs(stdlibs, langs)
	for i, lib := range stdlibs {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("database: preload: %w", err)
		}
		progress(Progress{
			Percent: 5 + 75*i/len(stdlibs),
			Message: fmt.Sprintf("Preloading %s %s standard library", lib.Lang, lib.Version),
		})
		root := d.stdlibRoot(lib.Lang, lib.Version)
		if _, err := os.Stat(filepath.Join(root, resIndexFile)); err == nil {
			continue
		}
		if err := d.loadLib(ctx, s, lib, store.ZoneStdlib, lib.Version, root); err != nil {
			return err
		}
	}

	catalogs, err := d.catalogSources()
	if err != nil {
		return fmt.Errorf("database: preload: %w", err)
	}
	catalogs = forLangs(catalogs, langs)
	for i, lib := range catalogs {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("database: preload: %w", err)
		}
		progress(Progress{
			Percent: 80 + 20*i/len(catalogs),
			Message: fmt.Sprintf("Preloading %s catalog", lib.Name),
		})
		if err := d.loadLib(ctx, s, lib, store.ZoneCatalog, lib.Name, filepath.Join(d.catalogsDir(), lib.Name)); err != nil {
			return err
		}
	}

	progress(Progress{Percent: 100, Message: PreloadDoneMessage})
	d.logger.Info("preload complete", "stdlibs", len(stdlibs), "catalogs", len(catalogs))
	return nil
}

// loadLib writes lib into a fresh zone next to root and swaps it in, then
// replaces the library's rows in the name index.
func (d *Database) loadLib(ctx context.Context, s *store.Store, lib *cix.Library, kind, name, root string) error {
	tmp := root + ".tmp-" + uuid.NewString()
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return fmt.Errorf("database: load %s: %w", lib.Name, err)
	}
	defer os.RemoveAll(tmp)

	now := time.Now()
	var mu sync.Mutex
	records := make(map[string]*Entry, len(lib.Blobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, blob := range lib.Blobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			hash := contentHash([]byte(lib.Name + "\x00" + lib.Version + "\x00" + blob.Name))
			e := &Entry{Hash: hash, ScanTime: now, BlobFile: blobFileName(blob.Name, hash), Blobs: []string{blob.Name}}
			if err := writeBlobFile(tmp, e.BlobFile, &cix.File{Lang: lib.Lang, Blobs: []*cix.Scope{blob}}); err != nil {
				return err
			}
			mu.Lock()
			records[blob.Name] = e
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("database: load %s: %w", lib.Name, err)
	}

	z, err := openZone(kind, lib.Lang, name, tmp)
	if err != nil {
		return err
	}
	err = z.putAll(records)
	if cerr := z.close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = writeFileAtomic(filepath.Join(tmp, zoneLangFile), []byte(lib.Lang))
	}
	if err != nil {
		return fmt.Errorf("database: load %s: %w", lib.Name, err)
	}

	batch := store.NewBatchedStore()
	for _, blob := range lib.Blobs {
		f := &store.File{Lang: lib.Lang, Zone: kind, Dir: name, Base: blob.Name, Hash: records[blob.Name].Hash, ScanTime: now}
		if err := store.ExtractFile(batch, f, &cix.File{Blobs: []*cix.Scope{blob}}); err != nil {
			return fmt.Errorf("database: load %s: %w", lib.Name, err)
		}
	}

	d.closeZones(func(z *zone) bool { return z.root == root })
	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("database: load %s: %w", lib.Name, err)
	}
	if err := os.Rename(tmp, root); err != nil {
		return fmt.Errorf("database: load %s: %w", lib.Name, err)
	}

	if err := s.DeleteZone(lib.Lang, kind, name); err != nil {
		return fmt.Errorf("database: load %s: %w", lib.Name, err)
	}
	if err := s.CommitBatch(batch); err != nil {
		return fmt.Errorf("database: load %s: %w", lib.Name, err)
	}
	d.logger.Debug("loaded library", "name", lib.Name, "lang", lib.Lang, "blobs", len(lib.Blobs))
	return nil
}
