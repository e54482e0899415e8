package store

import "sync"

// BatchedStore buffers index inserts in memory using fake (negative) IDs.
// It implements DataStore so bulk loads such as stdlib preloading can write
// without a transaction per file, then land everything with CommitBatch.
//
// Thread safety: the mutex protects fake ID allocation and slice appends.
type BatchedStore struct {
	mu sync.Mutex

	Files   []File
	Names   []Name
	Imports []Import

	nextFakeID int64 // starts at -1, decrements
}

// Compile-time check: *BatchedStore satisfies DataStore.
var _ DataStore = (*BatchedStore)(nil)

// NewBatchedStore creates an empty BatchedStore.
func NewBatchedStore() *BatchedStore {
	return &BatchedStore{nextFakeID: -1}
}

func (b *BatchedStore) allocFakeID() int64 {
	id := b.nextFakeID
	b.nextFakeID--
	return id
}

func (b *BatchedStore) InsertFile(f *File) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fakeID := b.allocFakeID()
	f.ID = fakeID
	b.Files = append(b.Files, *f)
	return fakeID, nil
}

func (b *BatchedStore) InsertName(n *Name) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fakeID := b.allocFakeID()
	n.ID = fakeID
	b.Names = append(b.Names, *n)
	return fakeID, nil
}

func (b *BatchedStore) InsertImport(imp *Import) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fakeID := b.allocFakeID()
	imp.ID = fakeID
	b.Imports = append(b.Imports, *imp)
	return fakeID, nil
}

// Drop discards the buffered file with the given key together with its
// names and imports.
func (b *BatchedStore) Drop(lang, zone, dir, base string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	dropped := make(map[int64]bool)
	files := b.Files[:0]
	for _, f := range b.Files {
		if f.Lang == lang && f.Zone == zone && f.Dir == dir && f.Base == base {
			dropped[f.ID] = true
			continue
		}
		files = append(files, f)
	}
	if len(dropped) == 0 {
		return
	}
	b.Files = files
	names := b.Names[:0]
	for _, n := range b.Names {
		if !dropped[n.FileID] {
			names = append(names, n)
		}
	}
	b.Names = names
	imports := b.Imports[:0]
	for _, imp := range b.Imports {
		if !dropped[imp.FileID] {
			imports = append(imports, imp)
		}
	}
	b.Imports = imports
}

// Len returns the number of buffered files.
func (b *BatchedStore) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Files)
}
