package database

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jward/codeintel/internal/cix"
	"github.com/jward/codeintel/internal/store"
)

type zoneKey struct {
	kind string
	lang string
	name string
}

const (
	zonePathFile = "path"
	zoneLangFile = "lang"
)

// langDir is the db subdirectory holding lang's directory zones.
func (d *Database) langDir(lang string) string {
	if d.multilang[lang] {
		return "multilang"
	}
	return strings.ToLower(lang)
}

func (d *Database) dirZoneRoot(lang, dir string) string {
	return filepath.Join(d.dbDir(), d.langDir(lang), dirHash(dir))
}

// dirZone returns the zone recording lang files of dir. Unless create is
// set, a zone that was never written is reported as nil.
func (d *Database) dirZone(lang, dir string, create bool) (*zone, error) {
	s, err := d.ready()
	if err != nil {
		return nil, err
	}
	key := zoneKey{store.ZoneDir, lang, dir}

	d.mu.Lock()
	defer d.mu.Unlock()
	if z, ok := d.zones[key]; ok {
		return z, nil
	}
	root := d.dirZoneRoot(lang, dir)
	if _, err := os.Stat(filepath.Join(root, resIndexFile)); err != nil && !create {
		return nil, nil
	}
	z, err := openZone(store.ZoneDir, lang, dir, root)
	if err != nil {
		return nil, err
	}
	for name, content := range map[string]string{zonePathFile: dir, zoneLangFile: lang} {
		if _, err := os.Stat(filepath.Join(root, name)); err == nil {
			continue
		}
		if err := writeFileAtomic(filepath.Join(root, name), []byte(content)); err != nil {
			z.close()
			return nil, fmt.Errorf("database: zone %s: %w", root, err)
		}
	}
	d.zones[key] = z
	d.pruneLocked(s, z)
	if d.watcher != nil {
		d.watcher.add(dir)
	}
	return z, nil
}

// pruneLocked enforces that a zone only lists files still present in its
// directory and deletes blob files no entry refers to.
func (d *Database) pruneLocked(s *store.Store, z *zone) {
	entries, err := z.entries()
	if err != nil {
		d.logger.Warn("prune zone", "dir", z.name, "err", err)
		return
	}
	live := make(map[string]bool, len(entries))
	for base, e := range entries {
		if _, err := os.Stat(filepath.Join(z.name, base)); errors.Is(err, fs.ErrNotExist) {
			if _, err := z.remove(base); err != nil {
				d.logger.Warn("prune entry", "path", filepath.Join(z.name, base), "err", err)
				continue
			}
			d.unindex(s, d.pending, z, base)
			continue
		}
		live[e.BlobFile] = true
	}
	files, err := os.ReadDir(z.root)
	if err != nil {
		return
	}
	for _, f := range files {
		if strings.HasSuffix(f.Name(), blobExt) && !live[f.Name()] {
			path := filepath.Join(z.root, f.Name())
			d.cache.forget(path)
			_ = os.Remove(path)
		}
	}
}

// zonesForDir returns every existing directory zone of dir, whatever its
// language.
func (d *Database) zonesForDir(dir string) []*zone {
	langDirs, err := os.ReadDir(d.dbDir())
	if err != nil {
		return nil
	}
	hash := dirHash(dir)
	var out []*zone
	for _, ld := range langDirs {
		if !ld.IsDir() || ld.Name() == "stdlibs" || ld.Name() == "catalogs" {
			continue
		}
		lang, err := os.ReadFile(filepath.Join(d.dbDir(), ld.Name(), hash, zoneLangFile))
		if err != nil {
			continue
		}
		z, err := d.dirZone(string(lang), dir, false)
		if err != nil || z == nil {
			continue
		}
		out = append(out, z)
	}
	return out
}

// BufScanTime returns when the file at path was last scanned as lang.
func (d *Database) BufScanTime(lang, path string) (time.Time, bool) {
	z, err := d.dirZone(lang, filepath.Dir(path), false)
	if err != nil || z == nil {
		return time.Time{}, false
	}
	e, err := z.entry(filepath.Base(path))
	if err != nil || e == nil {
		return time.Time{}, false
	}
	return e.ScanTime, true
}

// UpdateBuf records the scan of content at path. The scan result is
// written to a new blob file first; only then is the res_index entry
// switched over in one transaction, and the blob file it replaced removed.
// A failure before the switch leaves the previous entry in place.
func (d *Database) UpdateBuf(lang, path string, content []byte, f *cix.File, mtime time.Time) error {
	dir, base := filepath.Dir(path), filepath.Base(path)
	z, err := d.dirZone(lang, dir, true)
	if err != nil {
		return err
	}
	cur, err := z.entry(base)
	if err != nil {
		return err
	}

	hash := contentHash(content)
	e := &Entry{
		Hash:     hash,
		ScanTime: mtime,
		BlobFile: blobFileName(base, hash),
		Blobs:    f.BlobNames(),
		Error:    f.Error,
	}
	if err := writeBlobFile(z.root, e.BlobFile, f); err != nil {
		return err
	}
	discard := func() {
		if cur == nil || cur.BlobFile != e.BlobFile {
			_ = os.Remove(z.blobPath(e))
		}
	}
	if d.beforeCommit != nil {
		if err := d.beforeCommit(path); err != nil {
			discard()
			return fmt.Errorf("database: update %s: %w", path, err)
		}
	}
	old, err := z.replace(base, e)
	if err != nil {
		discard()
		return err
	}
	if old != nil && old.BlobFile != e.BlobFile {
		d.cache.forget(z.blobPath(old))
		_ = os.Remove(z.blobPath(old))
	}
	d.cache.put(z.blobPath(e), f)

	d.mu.Lock()
	batch := d.pending
	d.mu.Unlock()
	batch.Drop(lang, store.ZoneDir, dir, base)
	return store.ExtractFile(batch, &store.File{
		Lang: lang, Zone: store.ZoneDir, Dir: dir, Base: base, Hash: hash, ScanTime: mtime,
	}, f)
}

// LoadBuf returns the recorded scan of path, or nil when it was never
// scanned as lang.
func (d *Database) LoadBuf(lang, path string) (*cix.File, error) {
	z, err := d.dirZone(lang, filepath.Dir(path), false)
	if err != nil || z == nil {
		return nil, err
	}
	e, err := z.entry(filepath.Base(path))
	if err != nil || e == nil {
		return nil, err
	}
	return d.load(z, e)
}

func (d *Database) load(z *zone, e *Entry) (*cix.File, error) {
	path := z.blobPath(e)
	return d.cache.get(path, func() (*cix.File, error) { return readBlobFile(path) })
}

// RemovePath drops path from every zone of its directory. Its blob files
// are collected the next time the zone is opened.
func (d *Database) RemovePath(path string) error {
	s, err := d.ready()
	if err != nil {
		return err
	}
	d.mu.Lock()
	batch := d.pending
	d.mu.Unlock()
	dir, base := filepath.Dir(path), filepath.Base(path)
	for _, z := range d.zonesForDir(dir) {
		old, err := z.remove(base)
		if err != nil {
			return err
		}
		if old == nil {
			continue
		}
		d.cache.forget(z.blobPath(old))
		d.unindex(s, batch, z, base)
		d.logger.Debug("removed path", "path", path, "lang", z.lang)
	}
	return nil
}

// unindex drops base from the name index and from the pending batch.
func (d *Database) unindex(s *store.Store, batch *store.BatchedStore, z *zone, base string) {
	batch.Drop(z.lang, z.kind, z.name, base)
	if err := s.DeleteFileByKey(z.lang, z.kind, z.name, base); err != nil {
		d.logger.Warn("unindex file", "path", filepath.Join(z.name, base), "err", err)
	}
}

// ScannedDirs returns the directories with a zone for lang.
func (d *Database) ScannedDirs(lang string) []string {
	root := filepath.Join(d.dbDir(), d.langDir(lang))
	hashes, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	var dirs []string
	for _, h := range hashes {
		l, err := os.ReadFile(filepath.Join(root, h.Name(), zoneLangFile))
		if err != nil || string(l) != lang {
			continue
		}
		p, err := os.ReadFile(filepath.Join(root, h.Name(), zonePathFile))
		if err != nil {
			continue
		}
		dirs = append(dirs, string(p))
	}
	return dirs
}

// closeZones closes and forgets the open zones matching pred.
func (d *Database) closeZones(pred func(*zone) bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, z := range d.zones {
		if !pred(z) {
			continue
		}
		if err := z.close(); err != nil {
			d.logger.Warn("close zone", "root", z.root, "err", err)
		}
		d.cache.forgetPrefix(z.root + string(filepath.Separator))
		delete(d.zones, key)
	}
}
