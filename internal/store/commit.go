package store

import "fmt"

// CommitBatch inserts all buffered data from a BatchedStore into SQLite
// within a single transaction. Fake (negative) file IDs are remapped to
// real IDs and names and imports are rewritten to match.
//
// Insert order respects FK dependencies:
//  1. Files (replacing any earlier file under the same key)
//  2. Names
//  3. Imports
func (s *Store) CommitBatch(batch *BatchedStore) error {
	batch.mu.Lock()
	defer batch.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("commit batch: begin: %w", err)
	}
	defer tx.Rollback()

	fakeToReal := make(map[int64]int64, len(batch.Files))

	// 1. Files
	for _, f := range batch.Files {
		realID, err := insertFileTx(tx, &f)
		if err != nil {
			return fmt.Errorf("commit batch: file %s/%s: %w", f.Dir, f.Base, err)
		}
		fakeToReal[f.ID] = realID
	}

	remap := func(id int64) (int64, error) {
		if id >= 0 {
			return id, nil
		}
		realID, ok := fakeToReal[id]
		if !ok {
			return 0, fmt.Errorf("file_id=%d not in fakeToReal map (have %d files)", id, len(batch.Files))
		}
		return realID, nil
	}

	// 2. Names
	for _, n := range batch.Names {
		if n.FileID, err = remap(n.FileID); err != nil {
			return fmt.Errorf("commit batch: name %q: %w", n.Name, err)
		}
		if _, err := insertNameTx(tx, &n); err != nil {
			return fmt.Errorf("commit batch: name %q: %w", n.Name, err)
		}
	}

	// 3. Imports
	for _, imp := range batch.Imports {
		if imp.FileID, err = remap(imp.FileID); err != nil {
			return fmt.Errorf("commit batch: import %q: %w", imp.Module, err)
		}
		if _, err := insertImportTx(tx, &imp); err != nil {
			return fmt.Errorf("commit batch: import %q: %w", imp.Module, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	batch.Files, batch.Names, batch.Imports = nil, nil, nil
	return nil
}
