// Package indexer runs scans off the request path. Requests are queued by
// priority, collapse by id, and may be staged for a quiet period first so
// that rapid edits to one buffer produce a single scan.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jward/codeintel/internal/cix"
	"github.com/jward/codeintel/internal/lexer"
	"github.com/jward/codeintel/internal/logging"
	"github.com/jward/codeintel/internal/scanner"
)

const (
	// DefaultStageDelay is how long a staged request waits for a
	// replacement before it is queued.
	DefaultStageDelay = 1500 * time.Millisecond
	// DefaultCullInterval is the quiet time after which memory is culled.
	DefaultCullInterval = 5 * time.Minute
	// DefaultMaxDepth bounds directory recursion for library scans.
	DefaultMaxDepth = 10
)

// Database is the part of the database the indexer writes to.
type Database interface {
	BufScanTime(lang, path string) (time.Time, bool)
	UpdateBuf(lang, path string, content []byte, f *cix.File, mtime time.Time) error
	CullMem() int
}

// ScanFunc scans content of lang.
type ScanFunc func(ctx context.Context, content []byte, lang, path, encoding string) (*cix.File, error)

// Indexer owns the request queue and the worker goroutine that drains it.
type Indexer struct {
	db           Database
	logger       *slog.Logger
	scan         ScanFunc
	now          func() time.Time
	stageDelay   time.Duration
	cullInterval time.Duration
	onComplete   func(req Request, status Status, err error)

	q *queue

	mu       sync.Mutex
	running  bool
	done     chan struct{}
	stopping chan struct{}
	stopOnce sync.Once
	pauseN   atomic.Uint64

	processed atomic.Int64
	changed   atomic.Int64
	failed    atomic.Int64
}

// Option configures an Indexer.
type Option func(*Indexer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(ix *Indexer) { ix.logger = logging.Component(logger, "indexer") }
}

// WithStageDelay sets the default staging delay.
func WithStageDelay(d time.Duration) Option {
	return func(ix *Indexer) { ix.stageDelay = d }
}

// WithCullInterval sets how long after the last request memory is culled.
func WithCullInterval(d time.Duration) Option {
	return func(ix *Indexer) { ix.cullInterval = d }
}

// WithScanFunc replaces the scanner.
func WithScanFunc(fn ScanFunc) Option {
	return func(ix *Indexer) { ix.scan = fn }
}

// WithOnComplete sets a callback run after every processed request, after
// the request's own OnComplete.
func WithOnComplete(fn func(req Request, status Status, err error)) Option {
	return func(ix *Indexer) { ix.onComplete = fn }
}

// New creates an indexer writing to db. Call Start to run it.
func New(db Database, opts ...Option) *Indexer {
	ix := &Indexer{
		db:           db,
		logger:       logging.NewDiscardLogger(),
		scan:         scanner.Scan,
		now:          time.Now,
		stageDelay:   DefaultStageDelay,
		cullInterval: DefaultCullInterval,
		stopping:     make(chan struct{}),
	}
	for _, o := range opts {
		o(ix)
	}
	ix.q = newQueue(ix.now)
	return ix
}

// Start runs the worker until ctx is done or Stop is called.
func (ix *Indexer) Start(ctx context.Context) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.running {
		return
	}
	ix.running = true
	ix.done = make(chan struct{})
	go ix.run(ctx)
}

// Stop asks the worker to finish and waits for it. Requests still queued
// complete with ErrStopped.
func (ix *Indexer) Stop() {
	ix.stopOnce.Do(func() { close(ix.stopping) })
	ix.mu.Lock()
	done := ix.done
	ix.mu.Unlock()
	if done == nil {
		ix.abandon()
		return
	}
	ix.q.put(stopRequest{}, PriorityControl)
	<-done
}

// Put queues req at its priority.
func (ix *Indexer) Put(req Request) bool {
	return ix.q.put(req, req.Priority())
}

// Stage parks req for delay, or the default staging delay when delay is
// zero. Staging a request with the id of one already parked restarts the
// delay and replaces it.
func (ix *Indexer) Stage(req Request, delay time.Duration) bool {
	if delay == 0 {
		delay = ix.stageDelay
	}
	return ix.q.stage(req, req.Priority(), delay)
}

// Remove drops a queued or staged request without running it.
func (ix *Indexer) Remove(id string) bool {
	_, ok := ix.q.remove(id)
	return ok
}

// Lookup reports the queued request with id.
func (ix *Indexer) Lookup(id string) (QueuedItem, bool) {
	return ix.q.lookup(id)
}

// Len returns the number of queued and staged requests.
func (ix *Indexer) Len() int { return ix.q.len() }

// Pause blocks until the worker is idle between requests and holds it
// there until resume is called. Requests may still be queued meanwhile.
func (ix *Indexer) Pause(ctx context.Context) (resume func(), err error) {
	r := &pauseRequest{
		id:      fmt.Sprintf("pause %d", ix.pauseN.Add(1)),
		reached: make(chan struct{}),
		resume:  make(chan struct{}),
	}
	var once sync.Once
	resume = func() { once.Do(func() { close(r.resume) }) }
	if !ix.q.put(r, PriorityControl) {
		return nil, ErrStopped
	}
	select {
	case <-r.reached:
		return resume, nil
	case <-ctx.Done():
		if _, queued := ix.q.remove(r.id); !queued {
			resume()
		}
		return nil, ctx.Err()
	}
}

// Stats counts processed requests.
type Stats struct {
	Queued    int
	Processed int64
	Changed   int64
	Failed    int64
}

// Stats returns the indexer's counters.
func (ix *Indexer) Stats() Stats {
	return Stats{
		Queued:    ix.q.len(),
		Processed: ix.processed.Load(),
		Changed:   ix.changed.Load(),
		Failed:    ix.failed.Load(),
	}
}

func (ix *Indexer) run(ctx context.Context) {
	defer func() {
		ix.abandon()
		ix.mu.Lock()
		close(ix.done)
		ix.running = false
		ix.done = nil
		ix.mu.Unlock()
	}()
	for {
		e, err := ix.q.pop(ctx)
		if err != nil {
			return
		}
		if errors.Is(ix.handle(ctx, e), errStop) {
			return
		}
	}
}

// abandon completes every held request with ErrStopped.
func (ix *Indexer) abandon() {
	for _, e := range ix.q.drain() {
		for _, fn := range e.done {
			ix.safely(e.id, func() { fn(StatusError, ErrStopped) })
		}
	}
}

// handle processes one entry. A panic in a request is logged and reported
// as an error; it never stops the worker.
func (ix *Indexer) handle(ctx context.Context, e *entry) (err error) {
	status := StatusError
	defer func() {
		if r := recover(); r != nil {
			status = StatusError
			err = fmt.Errorf("indexer: %s: panic: %v", e.id, r)
			ix.logger.Error("request panicked", "id", e.id, "panic", r, "stack", string(debug.Stack()))
		}
		if errors.Is(err, errStop) {
			return
		}
		if _, ok := e.req.(*pauseRequest); ok {
			return
		}
		ix.complete(e, status, err)
		if e.id != cullMemID {
			ix.q.stage(CullMemRequest{}, PriorityBackground, ix.cullInterval)
		}
	}()

	start := ix.now()
	status, err = e.req.process(ctx, ix)
	if errors.Is(err, errStop) {
		return err
	}
	ix.logger.Debug("processed", "id", e.id, "priority", e.prio.String(), "status", string(status), "took", ix.now().Sub(start))
	if err != nil {
		ix.logger.Warn("request failed", "id", e.id, "err", err)
	}
	return err
}

func (ix *Indexer) complete(e *entry, status Status, err error) {
	ix.processed.Add(1)
	switch status {
	case StatusChanged:
		ix.changed.Add(1)
	case StatusError:
		ix.failed.Add(1)
	}
	for _, fn := range e.done {
		ix.safely(e.id, func() { fn(status, err) })
	}
	if ix.onComplete != nil {
		ix.safely(e.id, func() { ix.onComplete(e.req, status, err) })
	}
}

func (ix *Indexer) safely(id string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			ix.logger.Error("completion callback panicked", "id", id, "panic", r)
		}
	}()
	fn()
}

// scanInto scans content and records the result. A syntax error still
// records the partial tree the scanner recovered.
func (ix *Indexer) scanInto(ctx context.Context, lang, path, encoding string, content []byte, mtime time.Time) error {
	f, err := ix.scan(ctx, content, lang, path, encoding)
	if err != nil {
		var serr *scanner.SyntaxError
		if !errors.As(err, &serr) || f == nil {
			return fmt.Errorf("indexer: scan %s: %w", path, err)
		}
		ix.logger.Info("scanned with syntax error", "path", path, "line", serr.Line, "err", serr.Msg)
	}
	if err := ix.db.UpdateBuf(lang, path, content, f, mtime); err != nil {
		return fmt.Errorf("indexer: record %s: %w", path, err)
	}
	return nil
}

// scanFiles scans each file not already recorded at its current mtime.
// Failures of single files are logged and do not stop the rest.
func (ix *Indexer) scanFiles(ctx context.Context, lang string, paths []string) (Status, error) {
	status := StatusSkipped
	var failed int
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return StatusError, err
		}
		info, err := os.Stat(p)
		if err != nil {
			ix.logger.Debug("stat library file", "path", p, "err", err)
			failed++
			continue
		}
		if t, ok := ix.db.BufScanTime(lang, p); ok && !t.Before(info.ModTime()) {
			continue
		}
		content, err := os.ReadFile(p)
		if err == nil {
			err = ix.scanInto(ctx, lang, p, "", content, info.ModTime())
		}
		if err != nil {
			ix.logger.Warn("library file", "path", p, "err", err)
			failed++
			continue
		}
		status = StatusChanged
	}
	if failed > 0 && failed == len(paths) {
		return StatusError, fmt.Errorf("indexer: %d of %d files failed", failed, len(paths))
	}
	return status, nil
}

var skipDirs = map[string]bool{
	"node_modules": true,
	"__pycache__":  true,
	"CVS":          true,
}

// listFiles returns the files of lang under root, descending at most
// maxDepth directory levels. Hidden directories are skipped.
func (ix *Indexer) listFiles(lang, root string, maxDepth int) ([]string, error) {
	exts := lexer.ExtensionsForLanguage(lang)
	if len(exts) == 0 {
		return nil, fmt.Errorf("indexer: no file extensions for %q", lang)
	}
	root = filepath.Clean(root)
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if d.IsDir() {
			if path == root {
				return nil
			}
			if strings.HasPrefix(d.Name(), ".") || skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			rel, _ := filepath.Rel(root, path)
			if strings.Count(rel, string(filepath.Separator))+1 > maxDepth {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && slices.Contains(exts, strings.ToLower(filepath.Ext(path))) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("indexer: walk %s: %w", root, err)
	}
	return paths, nil
}
