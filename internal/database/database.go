// Package database is the persistent code intelligence database: bundled
// standard libraries, API catalogs and the scan results of every directory
// the engine has looked at, plus a SQLite index of their top-level names.
//
// On-disk layout below the base directory:
//
//	VERSION
//	db/stdlibs/<lang>/<version>/{res_index, *.cix.zst}
//	db/catalogs/<name>/{lang, res_index, *.cix.zst}
//	db/<lang>/<md5 of dir>/{path, lang, res_index, *.cix.zst}
//	db/multilang/<md5 of dir>/{path, lang, res_index, *.cix.zst}
//	db/toplevelname_index.sqlite
package database

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jward/codeintel/internal/logging"
	"github.com/jward/codeintel/internal/store"
)

// Version is the database format written by this engine.
const Version = "3.1"

// upgradePaths maps each older version that can be upgraded in place to
// the version the upgrade produces.
var upgradePaths = map[string]string{
	"3.0": "3.1",
}

// State is the database state reported by database-info.
type State string

const (
	StateReady          State = "ready"
	StatePreloadNeeded  State = "preload-needed"
	StatePreloadRunning State = "preload-running"
	StateUpgradeNeeded  State = "upgrade-needed"
	StateUpgradeRunning State = "upgrade-running"
	StateUpgradeBlocked State = "upgrade-blocked"
	StateBroken         State = "broken"
)

// UpgradeResult is the answer of UpgradeInfo.
type UpgradeResult int

const (
	UpgradeNotNecessary UpgradeResult = iota
	UpgradeNecessary
	UpgradeNotPossible
)

func (r UpgradeResult) String() string {
	switch r {
	case UpgradeNotNecessary:
		return "not-necessary"
	case UpgradeNecessary:
		return "necessary"
	}
	return "not-possible"
}

// ErrNotReady is returned by zone operations before the database has been
// created.
var ErrNotReady = errors.New("database: not ready")

const (
	versionFile = "VERSION"
	indexFile   = "toplevelname_index.sqlite"
)

// Database owns the on-disk database. All methods are safe for concurrent
// use.
type Database struct {
	base      string
	logger    *slog.Logger
	multilang map[string]bool
	maxIdle   time.Duration

	mu      sync.Mutex
	store   *store.Store
	pending *store.BatchedStore
	zones   map[zoneKey]*zone
	watcher *watcher

	cache *blobCache

	// busy holds a transient State while a preload or upgrade runs.
	busy atomic.Value

	// beforeCommit, when set, runs between writing a blob file and
	// committing its res_index entry.
	beforeCommit func(path string) error
}

// Option configures a Database.
type Option func(*Database)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Database) { d.logger = logging.Component(logger, "database") }
}

// WithMultilang marks languages whose directory zones live under
// db/multilang.
func WithMultilang(langs ...string) Option {
	return func(d *Database) {
		for _, l := range langs {
			d.multilang[l] = true
		}
	}
}

// WithCacheSize bounds the number of scan results held in memory.
func WithCacheSize(n int) Option {
	return func(d *Database) { d.cache = newBlobCache(n) }
}

// WithCacheMaxIdle sets how long an unused scan result stays in memory
// before CullMem drops it.
func WithCacheMaxIdle(idle time.Duration) Option {
	return func(d *Database) { d.maxIdle = idle }
}

// New returns a Database rooted at base. Nothing is read or created until
// the first operation that needs it.
func New(base string, opts ...Option) *Database {
	d := &Database{
		base:      base,
		logger:    logging.NewDiscardLogger(),
		multilang: make(map[string]bool),
		maxIdle:   5 * time.Minute,
		pending:   store.NewBatchedStore(),
		zones:     make(map[zoneKey]*zone),
		cache:     newBlobCache(defaultCacheSize),
	}
	d.busy.Store(State(""))
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Base returns the database base directory.
func (d *Database) Base() string { return d.base }

func (d *Database) dbDir() string      { return filepath.Join(d.base, "db") }
func (d *Database) stdlibsDir() string { return filepath.Join(d.dbDir(), "stdlibs") }
func (d *Database) catalogsDir() string {
	return filepath.Join(d.dbDir(), "catalogs")
}

// readVersion returns the contents of the VERSION file.
func (d *Database) readVersion() (string, error) {
	data, err := os.ReadFile(filepath.Join(d.base, versionFile))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func parseVersion(v string) (major, minor int, err error) {
	a, b, ok := strings.Cut(v, ".")
	if !ok {
		return 0, 0, fmt.Errorf("database: malformed version %q", v)
	}
	if major, err = strconv.Atoi(a); err != nil {
		return 0, 0, fmt.Errorf("database: malformed version %q", v)
	}
	if minor, err = strconv.Atoi(b); err != nil {
		return 0, 0, fmt.Errorf("database: malformed version %q", v)
	}
	return major, minor, nil
}

// Info reports the database state and a detail message.
func (d *Database) Info() (State, string) {
	if s := d.busy.Load().(State); s != "" {
		return s, ""
	}
	if _, err := d.readVersion(); errors.Is(err, fs.ErrNotExist) {
		return StatePreloadNeeded, "database does not exist"
	}
	if _, err := os.Stat(d.stdlibsDir()); err != nil {
		return StatePreloadNeeded, "no standard libraries loaded"
	}
	if err := d.Check(); err != nil {
		return StateBroken, err.Error()
	}
	switch res, detail := d.UpgradeInfo(); res {
	case UpgradeNotNecessary:
		if missing := d.missingStdlibs(); len(missing) > 0 {
			return StatePreloadNeeded, "missing standard libraries: " + strings.Join(missing, ", ")
		}
		return StateReady, ""
	case UpgradeNecessary:
		return StateUpgradeNeeded, detail
	default:
		return StateUpgradeBlocked, detail
	}
}

// Check verifies the database is readable: a well-formed VERSION, the db
// directory and an openable name index.
func (d *Database) Check() error {
	v, err := d.readVersion()
	if err != nil {
		return fmt.Errorf("database: read version: %w", err)
	}
	if _, _, err := parseVersion(v); err != nil {
		return err
	}
	info, err := os.Stat(d.dbDir())
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("database: %s is not a directory", d.dbDir())
	}
	if _, err := d.openStore(); err != nil {
		return err
	}
	return nil
}

// UpgradeInfo reports whether the database format must be upgraded.
func (d *Database) UpgradeInfo() (UpgradeResult, string) {
	v, err := d.readVersion()
	if err != nil {
		return UpgradeNotPossible, fmt.Sprintf("cannot read version: %v", err)
	}
	if v == Version {
		return UpgradeNotNecessary, ""
	}
	if _, ok := upgradePaths[v]; ok {
		return UpgradeNecessary, fmt.Sprintf("database version %s can be upgraded to %s", v, Version)
	}
	major, minor, err := parseVersion(v)
	if err != nil {
		return UpgradeNotPossible, err.Error()
	}
	curMajor, curMinor, _ := parseVersion(Version)
	if major > curMajor || (major == curMajor && minor > curMinor) {
		return UpgradeNotPossible, fmt.Sprintf("database version %s is newer than this engine's %s", v, Version)
	}
	return UpgradeNotPossible, fmt.Sprintf("database version %s cannot be upgraded to %s", v, Version)
}

// Create lays out an empty database at the current version.
func (d *Database) Create() error {
	if err := os.MkdirAll(d.dbDir(), 0o755); err != nil {
		return fmt.Errorf("database: create: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(d.base, versionFile), []byte(Version+"\n")); err != nil {
		return fmt.Errorf("database: create: %w", err)
	}
	_, err := d.openStore()
	return err
}

// Upgrade moves an older database to the current version. Standard
// library and catalog zones are dropped so the next preload rebuilds them
// in the current format; directory zones survive.
func (d *Database) Upgrade() error {
	res, detail := d.UpgradeInfo()
	switch res {
	case UpgradeNotNecessary:
		return nil
	case UpgradeNotPossible:
		return fmt.Errorf("database: upgrade: %s", detail)
	}
	d.busy.Store(StateUpgradeRunning)
	defer d.busy.Store(State(""))

	v, _ := d.readVersion()
	d.logger.Info("upgrading database", "from", v, "to", Version)
	d.closeZones(func(z *zone) bool { return z.kind != store.ZoneDir })
	for _, dir := range []string{d.stdlibsDir(), d.catalogsDir()} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("database: upgrade: %w", err)
		}
	}
	s, err := d.openStore()
	if err != nil {
		return fmt.Errorf("database: upgrade: %w", err)
	}
	for _, zoneKind := range []string{store.ZoneStdlib, store.ZoneCatalog} {
		if err := s.DeleteZoneKind(zoneKind); err != nil {
			return fmt.Errorf("database: upgrade: %w", err)
		}
	}
	if err := writeFileAtomic(filepath.Join(d.base, versionFile), []byte(Version+"\n")); err != nil {
		return fmt.Errorf("database: upgrade: %w", err)
	}
	return nil
}

// Reset discards the database. With backup the old VERSION and db
// directory move to a backup-<uuid> directory under the base; otherwise
// they are deleted.
func (d *Database) Reset(backup bool) (string, error) {
	d.closeAll()
	var backupDir string
	if backup {
		backupDir = filepath.Join(d.base, "backup-"+uuid.NewString())
		if err := os.MkdirAll(backupDir, 0o755); err != nil {
			return "", fmt.Errorf("database: reset: %w", err)
		}
	}
	for _, name := range []string{versionFile, "db"} {
		src := filepath.Join(d.base, name)
		if _, err := os.Lstat(src); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		var err error
		if backup {
			err = os.Rename(src, filepath.Join(backupDir, name))
		} else {
			err = os.RemoveAll(src)
		}
		if err != nil {
			return "", fmt.Errorf("database: reset: %w", err)
		}
	}
	d.logger.Info("database reset", "backup", backupDir)
	return backupDir, nil
}

// Close flushes pending index data and releases every open file.
func (d *Database) Close() error {
	err := d.Save()
	d.closeAll()
	return err
}

func (d *Database) closeAll() {
	d.mu.Lock()
	w := d.watcher
	d.watcher = nil
	d.mu.Unlock()
	if w != nil {
		w.stop()
	}

	d.closeZones(func(*zone) bool { return true })

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("close name index", "err", err)
		}
		d.store = nil
	}
	d.pending = store.NewBatchedStore()
	d.cache.clear()
}

// openStore opens and migrates the name index, once.
func (d *Database) openStore() (*store.Store, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openStoreLocked()
}

func (d *Database) openStoreLocked() (*store.Store, error) {
	if d.store != nil {
		return d.store, nil
	}
	if err := os.MkdirAll(d.dbDir(), 0o755); err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	s, err := store.NewStore(filepath.Join(d.dbDir(), indexFile))
	if err != nil {
		return nil, fmt.Errorf("database: open name index: %w", err)
	}
	if err := s.Migrate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("database: migrate name index: %w", err)
	}
	d.store = s
	return s, nil
}

// ready returns the name index, or ErrNotReady when the database has not
// been created.
func (d *Database) ready() (*store.Store, error) {
	if _, err := d.readVersion(); err != nil {
		return nil, ErrNotReady
	}
	return d.openStore()
}

// Save flushes index data batched by UpdateBuf into the name index.
func (d *Database) Save() error {
	d.mu.Lock()
	s, batch := d.store, d.pending
	d.mu.Unlock()
	if s == nil || batch.Len() == 0 {
		return nil
	}
	if err := s.CommitBatch(batch); err != nil {
		return fmt.Errorf("database: save: %w", err)
	}
	return nil
}

// CullMem drops in-memory scan results that have not been used recently
// and returns how many were dropped.
func (d *Database) CullMem() int {
	n := d.cache.cull(d.maxIdle, time.Now())
	if n > 0 {
		d.logger.Debug("culled memory", "blobs", n)
	}
	return n
}

// Stats describes the database's in-memory footprint.
type Stats struct {
	CachedFiles int
	OpenZones   int
	Hits        int64
	Misses      int64
	Evictions   int64
}

// Stats returns current cache counters.
func (d *Database) Stats() Stats {
	d.mu.Lock()
	zones := len(d.zones)
	d.mu.Unlock()
	c := d.cache.stats()
	c.OpenZones = zones
	return c
}

// writeFileAtomic writes data to a temporary file next to path and renames
// it into place.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
