package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchedStore_FakeIDs(t *testing.T) {
	t.Parallel()
	batch := NewBatchedStore()

	fid, err := batch.InsertFile(&File{Lang: "Python", Zone: ZoneStdlib, Dir: "2.7", Base: "os"})
	require.NoError(t, err)
	assert.Negative(t, fid, "batched IDs should be negative")

	nid, err := batch.InsertName(&Name{FileID: fid, Blob: "os", Name: "getcwd", Kind: "function"})
	require.NoError(t, err)
	assert.Negative(t, nid)
	assert.NotEqual(t, fid, nid)
	assert.Equal(t, 1, batch.Len())
}

func TestCommitBatch_RemapsFileIDs(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	// A file committed earlier under the same key is replaced.
	insertTestFile(t, s, "2.7", "ignored")
	_, err := s.InsertFile(&File{Lang: "Python", Zone: ZoneStdlib, Dir: "2.7", Base: "os"})
	require.NoError(t, err)

	batch := NewBatchedStore()
	require.NoError(t, ExtractFile(batch, &File{Lang: "Python", Zone: ZoneStdlib, Dir: "2.7", Base: "os"}, sampleCIX()))
	require.NoError(t, ExtractFile(batch, &File{Lang: "Python", Zone: ZoneStdlib, Dir: "2.7", Base: "sys"}, sampleCIX()))
	require.Equal(t, 2, batch.Len())

	require.NoError(t, s.CommitBatch(batch))
	assert.Zero(t, batch.Len(), "commit drains the batch")

	n, err := s.CountFiles("Python", ZoneStdlib)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 6, countRows(t, s, "toplevel_names"))

	hits, err := s.NamesByPrefix("Python", []ZoneRef{{Zone: ZoneStdlib, Dir: "2.7"}}, "Square", 0)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	for _, h := range hits {
		assert.Contains(t, []string{"os", "sys"}, h.Base)
	}

	var negatives int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM toplevel_names WHERE file_id < 0").Scan(&negatives))
	assert.Zero(t, negatives)
}

func TestCommitBatch_UnknownFakeID(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	batch := NewBatchedStore()
	batch.Names = append(batch.Names, Name{FileID: -42, Blob: "x", Name: "y", Kind: "variable"})
	err := s.CommitBatch(batch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in fakeToReal")
	assert.Equal(t, 0, countRows(t, s, "files"))
}

func TestBatchedStore_Drop(t *testing.T) {
	t.Parallel()
	batch := NewBatchedStore()
	require.NoError(t, ExtractFile(batch, &File{Lang: "Python", Zone: ZoneDir, Dir: "/src", Base: "a.py"}, sampleCIX()))
	require.NoError(t, ExtractFile(batch, &File{Lang: "Python", Zone: ZoneDir, Dir: "/src", Base: "b.py"}, sampleCIX()))

	batch.Drop("Python", ZoneDir, "/src", "a.py")
	batch.Drop("Python", ZoneDir, "/src", "nope.py")
	require.Equal(t, 1, batch.Len())
	assert.Equal(t, "b.py", batch.Files[0].Base)
	assert.Len(t, batch.Names, 3)
	assert.Len(t, batch.Imports, 1)
	for _, n := range batch.Names {
		assert.Equal(t, batch.Files[0].ID, n.FileID)
	}
}
