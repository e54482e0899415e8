package database

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jward/codeintel/internal/cix"
)

const blobExt = ".cix.zst"

// contentHash is the res_index hash of scanned content.
func contentHash(content []byte) string {
	sum := md5.Sum(content)
	return hex.EncodeToString(sum[:])
}

// dirHash names the zone directory of a source directory.
func dirHash(dir string) string {
	sum := md5.Sum([]byte(dir))
	return hex.EncodeToString(sum[:])
}

// blobFileName names the blob file holding the scan of key at hash. Two
// files with equal content in one zone get distinct blob files.
func blobFileName(key, hash string) string {
	sum := md5.Sum([]byte(key + "\x00" + hash))
	return hex.EncodeToString(sum[:]) + blobExt
}

// writeBlobFile stores f in dir/name through a temporary file, so a
// reader never sees a partial blob.
func writeBlobFile(dir, name string, f *cix.File) error {
	data, err := cix.MarshalFile(f)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".blob-*")
	if err != nil {
		return fmt.Errorf("database: write blob: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("database: write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("database: write blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("database: write blob: %w", err)
	}
	return nil
}

func readBlobFile(path string) (*cix.File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("database: read blob: %w", err)
	}
	return cix.UnmarshalFile(data)
}
