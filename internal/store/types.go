package store

import "time"

// Zones a file can belong to.
const (
	ZoneDir     = "dir"
	ZoneStdlib  = "stdlib"
	ZoneCatalog = "catalog"
)

// File is one scanned resource. For dir zones Dir is the absolute
// directory; for stdlib zones it is the version; for catalogs, the catalog
// name.
type File struct {
	ID       int64
	Lang     string
	Zone     string
	Dir      string
	Base     string
	Hash     string
	ScanTime time.Time
}

// Name is a module-level definition in one of a file's blobs.
type Name struct {
	ID     int64
	FileID int64
	Blob   string
	Name   string
	Kind   string
	Line   int
}

// Import is a module-level import in one of a file's blobs.
type Import struct {
	ID     int64
	FileID int64
	Blob   string
	Module string
	Symbol string
	Alias  string
}

// NameHit is a lookup result joining a name with where it lives.
type NameHit struct {
	Name string
	Kind string
	Blob string
	Zone string
	Dir  string
	Base string
	Line int
}
