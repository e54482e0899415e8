package database

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	resIndexFile   = "res_index"
	bucketResIndex = "res_index"
)

// Entry is one res_index record: what was scanned under a base name and
// where its scan result is stored.
type Entry struct {
	Hash     string    `json:"hash"`
	ScanTime time.Time `json:"scan_time"`
	BlobFile string    `json:"blob_file"`
	Blobs    []string  `json:"blobs"`
	Error    string    `json:"error,omitempty"`
}

// zone is one directory of the database with its own res_index. For
// directory zones the keys are file base names; for stdlib and catalog
// zones they are blob names.
type zone struct {
	kind string // store.ZoneDir, store.ZoneStdlib or store.ZoneCatalog
	lang string
	name string // source dir, stdlib version or catalog name
	root string // on-disk location
	db   *bolt.DB
}

func openZone(kind, lang, name, root string) (*zone, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("database: zone %s: %w", root, err)
	}
	db, err := bolt.Open(filepath.Join(root, resIndexFile), 0o644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("database: open res_index in %s: %w", root, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketResIndex))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("database: init res_index in %s: %w", root, err)
	}
	return &zone{kind: kind, lang: lang, name: name, root: root, db: db}, nil
}

func (z *zone) close() error { return z.db.Close() }

func (z *zone) blobPath(e *Entry) string { return filepath.Join(z.root, e.BlobFile) }

// entry returns the record for key, or nil.
func (z *zone) entry(key string) (*Entry, error) {
	var e *Entry
	err := z.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketResIndex)).Get([]byte(key))
		if v == nil {
			return nil
		}
		e = new(Entry)
		return json.Unmarshal(v, e)
	})
	if err != nil {
		return nil, fmt.Errorf("database: read res_index %s: %w", key, err)
	}
	return e, nil
}

// entries returns every record keyed by base name.
func (z *zone) entries() (map[string]*Entry, error) {
	out := make(map[string]*Entry)
	err := z.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketResIndex)).ForEach(func(k, v []byte) error {
			e := new(Entry)
			if err := json.Unmarshal(v, e); err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			out[string(k)] = e
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("database: read res_index: %w", err)
	}
	return out, nil
}

// replace stores e under key in one transaction and returns the record it
// replaced, if any.
func (z *zone) replace(key string, e *Entry) (*Entry, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var old *Entry
	err = z.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketResIndex))
		if v := b.Get([]byte(key)); v != nil {
			old = new(Entry)
			if err := json.Unmarshal(v, old); err != nil {
				old = nil
			}
		}
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return nil, fmt.Errorf("database: write res_index %s: %w", key, err)
	}
	return old, nil
}

// putAll stores every record in one transaction.
func (z *zone) putAll(records map[string]*Entry) error {
	return z.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketResIndex))
		for k, e := range records {
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(k), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// remove deletes key and returns the record it held, if any.
func (z *zone) remove(key string) (*Entry, error) {
	var old *Entry
	err := z.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketResIndex))
		v := b.Get([]byte(key))
		if v == nil {
			return nil
		}
		old = new(Entry)
		if err := json.Unmarshal(v, old); err != nil {
			old = &Entry{}
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		return nil, fmt.Errorf("database: delete res_index %s: %w", key, err)
	}
	return old, nil
}
