package store

import (
	"database/sql"
	"fmt"

	"github.com/jward/codeintel/internal/cix"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
}

// --- File operations ---

func (s *Store) InsertFile(f *File) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("insert file: begin: %w", err)
	}
	defer tx.Rollback()
	id, err := insertFileTx(tx, f)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("insert file: commit: %w", err)
	}
	f.ID = id
	return id, nil
}

func insertFileTx(tx *sql.Tx, f *File) (int64, error) {
	var old int64
	err := tx.QueryRow("SELECT id FROM files WHERE lang = ? AND zone = ? AND dir = ? AND base = ?",
		f.Lang, f.Zone, f.Dir, f.Base).Scan(&old)
	switch {
	case err == nil:
		if err := deleteFileTx(tx, old); err != nil {
			return 0, err
		}
	case err != sql.ErrNoRows:
		return 0, fmt.Errorf("insert file: lookup: %w", err)
	}
	res, err := tx.Exec(
		"INSERT INTO files (lang, zone, dir, base, hash, scan_time) VALUES (?, ?, ?, ?, ?, ?)",
		f.Lang, f.Zone, f.Dir, f.Base, f.Hash, f.ScanTime,
	)
	if err != nil {
		return 0, fmt.Errorf("insert file: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return id, nil
}

// FileByKey returns the file recorded under the given key, or nil.
func (s *Store) FileByKey(lang, zone, dir, base string) (*File, error) {
	f := &File{}
	var hash sql.NullString
	var scanTime sql.NullTime
	err := s.db.QueryRow(
		"SELECT id, lang, zone, dir, base, hash, scan_time FROM files WHERE lang = ? AND zone = ? AND dir = ? AND base = ?",
		lang, zone, dir, base,
	).Scan(&f.ID, &f.Lang, &f.Zone, &f.Dir, &f.Base, &hash, &scanTime)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file by key: %w", err)
	}
	f.Hash, f.ScanTime = hash.String, scanTime.Time
	return f, nil
}

// --- Name operations ---

func (s *Store) InsertName(n *Name) (int64, error) {
	id, err := insertNameTx(s.db, n)
	if err != nil {
		return 0, err
	}
	n.ID = id
	return id, nil
}

func insertNameTx(ex execer, n *Name) (int64, error) {
	res, err := ex.Exec(
		"INSERT INTO toplevel_names (file_id, blob, name, kind, line) VALUES (?, ?, ?, ?, ?)",
		n.FileID, n.Blob, n.Name, n.Kind, n.Line,
	)
	if err != nil {
		return 0, fmt.Errorf("insert name: %w", err)
	}
	return res.LastInsertId()
}

// --- Import operations ---

func (s *Store) InsertImport(imp *Import) (int64, error) {
	id, err := insertImportTx(s.db, imp)
	if err != nil {
		return 0, err
	}
	imp.ID = id
	return id, nil
}

func insertImportTx(ex execer, imp *Import) (int64, error) {
	res, err := ex.Exec(
		"INSERT INTO imports (file_id, blob, module, symbol, alias) VALUES (?, ?, ?, ?, ?)",
		imp.FileID, imp.Blob, imp.Module, imp.Symbol, imp.Alias,
	)
	if err != nil {
		return 0, fmt.Errorf("insert import: %w", err)
	}
	return res.LastInsertId()
}

// ExtractFile records f and the module-level names and imports of every
// blob in parsed. Blob-scope children become names; nested scopes are not
// indexed.
func ExtractFile(ds DataStore, f *File, parsed *cix.File) error {
	fileID, err := ds.InsertFile(f)
	if err != nil {
		return err
	}
	for _, blob := range parsed.Blobs {
		for _, child := range blob.Children {
			if _, err := ds.InsertName(&Name{FileID: fileID, Blob: blob.Name, Name: child.Name, Kind: string(child.Kind), Line: child.Line}); err != nil {
				return err
			}
		}
		for _, imp := range blob.Imports {
			if _, err := ds.InsertImport(&Import{FileID: fileID, Blob: blob.Name, Module: imp.Module, Symbol: imp.Symbol, Alias: imp.Alias}); err != nil {
				return err
			}
		}
	}
	return nil
}
