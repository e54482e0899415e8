package store

// DataStore is the interface for index writes. Both Store (direct SQLite)
// and BatchedStore (in-memory buffering for bulk loads) implement it.
type DataStore interface {
	// Inserts return the assigned ID. Inserting a file replaces any
	// earlier file with the same lang, zone, dir and base.
	InsertFile(f *File) (int64, error)
	InsertName(n *Name) (int64, error)
	InsertImport(imp *Import) (int64, error)
}

// Compile-time check: *Store satisfies DataStore.
var _ DataStore = (*Store)(nil)
