package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the SQLite top-level name index. It records, for every scanned
// file, the names its blobs define at module level and the imports they
// make, so prefix lookups need not load blobs.
type Store struct {
	db *sql.DB
}

// NewStore opens a SQLite database at dbPath with WAL mode enabled.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use in transactions.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate creates all tables and indexes. Idempotent.
func (s *Store) Migrate() error {
	_, err := s.db.Exec(schemaDDL)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS files (
  id              INTEGER PRIMARY KEY,
  lang            TEXT NOT NULL,
  zone            TEXT NOT NULL,
  dir             TEXT NOT NULL,
  base            TEXT NOT NULL,
  hash            TEXT,
  scan_time       TIMESTAMP,
  UNIQUE (lang, zone, dir, base)
);

CREATE TABLE IF NOT EXISTS toplevel_names (
  id              INTEGER PRIMARY KEY,
  file_id         INTEGER NOT NULL REFERENCES files(id),
  blob            TEXT NOT NULL,
  name            TEXT NOT NULL,
  kind            TEXT NOT NULL,
  line            INTEGER
);

CREATE TABLE IF NOT EXISTS imports (
  id              INTEGER PRIMARY KEY,
  file_id         INTEGER NOT NULL REFERENCES files(id),
  blob            TEXT NOT NULL,
  module          TEXT NOT NULL,
  symbol          TEXT,
  alias           TEXT
);

CREATE TABLE IF NOT EXISTS metadata (
  key             TEXT PRIMARY KEY,
  value           TEXT
);

CREATE INDEX IF NOT EXISTS idx_files_lang_zone ON files(lang, zone);
CREATE INDEX IF NOT EXISTS idx_files_dir ON files(dir);
CREATE INDEX IF NOT EXISTS idx_names_file ON toplevel_names(file_id);
CREATE INDEX IF NOT EXISTS idx_names_name ON toplevel_names(name);
CREATE INDEX IF NOT EXISTS idx_names_blob ON toplevel_names(blob);
CREATE INDEX IF NOT EXISTS idx_imports_file ON imports(file_id);
CREATE INDEX IF NOT EXISTS idx_imports_module ON imports(module);
`

// DeleteFileData transactionally removes a file and everything recorded
// for it.
func (s *Store) DeleteFileData(fileID int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := deleteFileTx(tx, fileID); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteZone removes every file recorded for a zone and dir, e.g. a whole
// stdlib version or catalog before it is reloaded.
func (s *Store) DeleteZone(lang, zone, dir string) error {
	return s.deleteWhere("lang = ? AND zone = ? AND dir = ?", lang, zone, dir)
}

// DeleteFileByKey removes the file recorded under the given key, if any.
func (s *Store) DeleteFileByKey(lang, zone, dir, base string) error {
	return s.deleteWhere("lang = ? AND zone = ? AND dir = ? AND base = ?", lang, zone, dir, base)
}

// DeleteZoneKind removes every file of a zone kind across languages and
// dirs.
func (s *Store) DeleteZoneKind(zone string) error {
	return s.deleteWhere("zone = ?", zone)
}

func (s *Store) deleteWhere(cond string, args ...any) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query("SELECT id FROM files WHERE "+cond, args...)
	if err != nil {
		return fmt.Errorf("query files: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan file id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if err := deleteFileTx(tx, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func deleteFileTx(tx *sql.Tx, fileID int64) error {
	for _, q := range []string{
		"DELETE FROM toplevel_names WHERE file_id = ?",
		"DELETE FROM imports WHERE file_id = ?",
		"DELETE FROM files WHERE id = ?",
	} {
		if _, err := tx.Exec(q, fileID); err != nil {
			return fmt.Errorf("delete file data: %w", err)
		}
	}
	return nil
}

// SetMeta stores a metadata value.
func (s *Store) SetMeta(key, value string) error {
	_, err := s.db.Exec("INSERT INTO metadata (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value", key, value)
	if err != nil {
		return fmt.Errorf("set meta %q: %w", key, err)
	}
	return nil
}

// Meta returns a metadata value, or "" when unset.
func (s *Store) Meta(key string) (string, error) {
	var v sql.NullString
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("meta %q: %w", key, err)
	}
	return v.String, nil
}
