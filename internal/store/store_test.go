package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/codeintel/internal/cix"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })
	return s
}

// insertTestFile is a helper that inserts a dir-zone file and returns it
// with ID set.
func insertTestFile(t *testing.T, s *Store, dir, base string) *File {
	t.Helper()
	f := &File{Lang: "Python", Zone: ZoneDir, Dir: dir, Base: base, Hash: "abc123", ScanTime: time.Now().Truncate(time.Second)}
	id, err := s.InsertFile(f)
	require.NoError(t, err)
	require.Positive(t, id)
	return f
}

func countRows(t *testing.T, s *Store, table string) int {
	t.Helper()
	var n int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

// =============================================================================
// Schema & Lifecycle
// =============================================================================

func TestMigrate_AllTablesExist(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	for _, table := range []string{"files", "toplevel_names", "imports", "metadata"} {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		require.NoError(t, err, "table %s should exist", table)
		assert.Equal(t, table, name)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	require.NoError(t, s.Migrate())
}

func TestMeta(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	v, err := s.Meta("version")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, s.SetMeta("version", "1"))
	require.NoError(t, s.SetMeta("version", "2"))
	v, err = s.Meta("version")
	require.NoError(t, err)
	assert.Equal(t, "2", v)
}

// =============================================================================
// Files
// =============================================================================

func TestInsertFile_ReplacesSameKey(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	f1 := insertTestFile(t, s, "/src", "a.py")
	_, err := s.InsertName(&Name{FileID: f1.ID, Blob: "a", Name: "old", Kind: "function"})
	require.NoError(t, err)

	f2 := insertTestFile(t, s, "/src", "a.py")
	assert.Equal(t, 1, countRows(t, s, "files"))
	assert.Equal(t, 0, countRows(t, s, "toplevel_names"), "names of the replaced file are dropped")

	got, err := s.FileByKey("Python", ZoneDir, "/src", "a.py")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, f2.ID, got.ID)
	assert.Equal(t, "abc123", got.Hash)

	missing, err := s.FileByKey("Python", ZoneDir, "/src", "b.py")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestDeleteFileData(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	f := insertTestFile(t, s, "/src", "a.py")
	_, err := s.InsertName(&Name{FileID: f.ID, Blob: "a", Name: "foo", Kind: "function", Line: 1})
	require.NoError(t, err)
	_, err = s.InsertImport(&Import{FileID: f.ID, Blob: "a", Module: "os"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteFileData(f.ID))
	assert.Equal(t, 0, countRows(t, s, "files"))
	assert.Equal(t, 0, countRows(t, s, "toplevel_names"))
	assert.Equal(t, 0, countRows(t, s, "imports"))
}

func TestDeleteZone(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	for _, base := range []string{"os", "sys"} {
		_, err := s.InsertFile(&File{Lang: "Python", Zone: ZoneStdlib, Dir: "2.7", Base: base})
		require.NoError(t, err)
	}
	insertTestFile(t, s, "/src", "a.py")

	n, err := s.CountFiles("Python", ZoneStdlib)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.DeleteZone("Python", ZoneStdlib, "2.7"))
	n, err = s.CountFiles("Python", ZoneStdlib)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = s.CountFiles("Python", ZoneDir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// =============================================================================
// Extraction & Lookup
// =============================================================================

func sampleCIX() *cix.File {
	return &cix.File{
		Path: "/src/shapes.py",
		Lang: "Python",
		Blobs: []*cix.Scope{{
			Kind:    cix.KindBlob,
			Name:    "shapes",
			Imports: []cix.Import{{Module: "math", Line: 1}},
			Children: []*cix.Scope{
				{Kind: cix.KindClass, Name: "Square", Line: 3},
				{Kind: cix.KindFunction, Name: "square_area", Line: 8},
				{Kind: cix.KindVariable, Name: "SIDES", Line: 10},
			},
		}},
	}
}

func TestExtractFile_AndNamesByPrefix(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	f := &File{Lang: "Python", Zone: ZoneDir, Dir: "/src", Base: "shapes.py"}
	require.NoError(t, ExtractFile(s, f, sampleCIX()))
	assert.Equal(t, 3, countRows(t, s, "toplevel_names"))
	assert.Equal(t, 1, countRows(t, s, "imports"))

	zones := []ZoneRef{{Zone: ZoneDir, Dir: "/src"}}
	hits, err := s.NamesByPrefix("Python", zones, "squ", 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, NameHit{Name: "square_area", Kind: "function", Blob: "shapes", Zone: ZoneDir, Dir: "/src", Base: "shapes.py", Line: 8}, hits[0])

	hits, err = s.NamesByPrefix("Python", zones, "S", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "SIDES", hits[0].Name)

	// Prefixes match case-sensitively and literally.
	hits, err = s.NamesByPrefix("Python", zones, "Squ", 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "Square", hits[0].Name)
	hits, err = s.NamesByPrefix("Python", zones, "squar_", 0)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = s.NamesByPrefix("Python", []ZoneRef{{Zone: ZoneDir, Dir: "/elsewhere"}}, "", 0)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = s.NamesByPrefix("Python", nil, "", 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestBlobsByPrefix(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	for _, blob := range []string{"os", "os.path", "sys"} {
		f := &File{Lang: "Python", Zone: ZoneStdlib, Dir: "2.7", Base: blob}
		id, err := s.InsertFile(f)
		require.NoError(t, err)
		_, err = s.InsertName(&Name{FileID: id, Blob: blob, Name: "x", Kind: "variable"})
		require.NoError(t, err)
	}

	blobs, err := s.BlobsByPrefix("Python", []ZoneRef{{Zone: ZoneStdlib, Dir: "2.7"}}, "os")
	require.NoError(t, err)
	assert.Equal(t, []string{"os", "os.path"}, blobs)

	blobs, err = s.BlobsByPrefix("Python3", []ZoneRef{{Zone: ZoneStdlib, Dir: "2.7"}}, "")
	require.NoError(t, err)
	assert.Empty(t, blobs)
}

func TestDeleteFileByKeyAndZoneKind(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	insertTestFile(t, s, "/src", "a.py")
	insertTestFile(t, s, "/src", "b.py")
	_, err := s.InsertFile(&File{Lang: "Python3", Zone: ZoneCatalog, Dir: "requests", Base: "requests"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteFileByKey("Python", ZoneDir, "/src", "a.py"))
	require.NoError(t, s.DeleteFileByKey("Python", ZoneDir, "/src", "missing.py"))
	got, err := s.FileByKey("Python", ZoneDir, "/src", "a.py")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.DeleteZoneKind(ZoneCatalog))
	n, err := s.CountFiles("Python3", ZoneCatalog)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, countRows(t, s, "files"))
}
