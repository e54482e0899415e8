package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Priority orders queued requests; lower values run first.
type Priority int

const (
	PriorityControl Priority = iota
	PriorityImmediate
	PriorityCurrent
	PriorityOpen
	PriorityBackground
)

func (p Priority) String() string {
	switch p {
	case PriorityControl:
		return "control"
	case PriorityImmediate:
		return "immediate"
	case PriorityCurrent:
		return "current"
	case PriorityOpen:
		return "open"
	case PriorityBackground:
		return "background"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Status is the outcome of one processed request.
type Status string

const (
	// StatusChanged means the database was updated.
	StatusChanged Status = "changed"
	// StatusSkipped means the database was already current.
	StatusSkipped Status = "skipped"
	StatusError   Status = "error"
)

// ErrStopped is reported to requests still queued when the indexer stops.
var ErrStopped = errors.New("indexer: stopped")

// CompleteFunc is called once a request has been processed.
type CompleteFunc func(status Status, err error)

// Request is a unit of indexer work. Requests with equal IDs collapse
// into one queue entry.
type Request interface {
	ID() string
	Priority() Priority
	process(ctx context.Context, ix *Indexer) (Status, error)
}

type completer interface {
	completeFunc() CompleteFunc
}

func completion(req Request) CompleteFunc {
	if c, ok := req.(completer); ok {
		return c.completeFunc()
	}
	return nil
}

// ScanRequest scans one buffer into the database.
type ScanRequest struct {
	Path     string
	Lang     string
	Encoding string
	// Content is the text to scan; nil reads the file at Path.
	Content []byte
	// Mtime is the modification time of Content; zero means now.
	Mtime time.Time
	// Force scans even when the database already holds a scan as recent
	// as Mtime.
	Force bool

	Prio       Priority
	OnComplete CompleteFunc
}

func (r *ScanRequest) ID() string                 { return r.Path }
func (r *ScanRequest) Priority() Priority         { return r.Prio }
func (r *ScanRequest) completeFunc() CompleteFunc { return r.OnComplete }

func (r *ScanRequest) process(ctx context.Context, ix *Indexer) (Status, error) {
	mtime := r.Mtime
	if mtime.IsZero() {
		mtime = ix.now()
	}
	if !r.Force {
		if t, ok := ix.db.BufScanTime(r.Lang, r.Path); ok && !t.Before(mtime) {
			return StatusSkipped, nil
		}
	}
	content := r.Content
	if content == nil {
		data, err := os.ReadFile(r.Path)
		if err != nil {
			return StatusError, fmt.Errorf("indexer: scan %s: %w", r.Path, err)
		}
		content = data
	}
	if err := ix.scanInto(ctx, r.Lang, r.Path, r.Encoding, content, mtime); err != nil {
		return StatusError, err
	}
	return StatusChanged, nil
}

// PreloadBufLibsRequest makes sure the libraries a buffer can import from
// are scanned: the other files of its directory and the given import
// directories.
type PreloadBufLibsRequest struct {
	Path string
	Lang string
	// Dirs are additional import directories, scanned to MaxDepth.
	Dirs     []string
	MaxDepth int

	Prio       Priority
	OnComplete CompleteFunc
}

func (r *PreloadBufLibsRequest) ID() string                 { return r.Path + "#preload-libs" }
func (r *PreloadBufLibsRequest) Priority() Priority         { return r.Prio }
func (r *PreloadBufLibsRequest) completeFunc() CompleteFunc { return r.OnComplete }

func (r *PreloadBufLibsRequest) process(ctx context.Context, ix *Indexer) (Status, error) {
	files, err := ix.listFiles(r.Lang, filepath.Dir(r.Path), 0)
	if err != nil {
		return StatusError, err
	}
	for _, dir := range r.Dirs {
		more, err := ix.listFiles(r.Lang, dir, r.MaxDepth)
		if err != nil {
			ix.logger.Warn("list import dir", "dir", dir, "err", err)
			continue
		}
		files = append(files, more...)
	}
	self := filepath.Clean(r.Path)
	kept := files[:0]
	for _, f := range files {
		if f != self {
			kept = append(kept, f)
		}
	}
	return ix.scanFiles(ctx, r.Lang, kept)
}

// PreloadLibRequest makes sure one library is scanned: either the listed
// files or every file of the language under Dir.
type PreloadLibRequest struct {
	// Name identifies the library; it defaults to Lang and Dir.
	Name     string
	Lang     string
	Dir      string
	Files    []string
	MaxDepth int

	Prio       Priority
	OnComplete CompleteFunc
}

func (r *PreloadLibRequest) ID() string {
	if r.Name != "" {
		return "lib:" + r.Name
	}
	return "lib:" + r.Lang + ":" + r.Dir
}
func (r *PreloadLibRequest) Priority() Priority         { return r.Prio }
func (r *PreloadLibRequest) completeFunc() CompleteFunc { return r.OnComplete }

func (r *PreloadLibRequest) process(ctx context.Context, ix *Indexer) (Status, error) {
	files := r.Files
	if len(files) == 0 {
		var err error
		if files, err = ix.listFiles(r.Lang, r.Dir, r.MaxDepth); err != nil {
			return StatusError, err
		}
	}
	return ix.scanFiles(ctx, r.Lang, files)
}

const cullMemID = "cull memory request"

// CullMemRequest drops in-memory scan results that have gone unused.
type CullMemRequest struct{}

func (CullMemRequest) ID() string         { return cullMemID }
func (CullMemRequest) Priority() Priority { return PriorityBackground }

func (CullMemRequest) process(ctx context.Context, ix *Indexer) (Status, error) {
	if ix.db.CullMem() > 0 {
		return StatusChanged, nil
	}
	return StatusSkipped, nil
}

// pauseRequest holds the worker until resumed.
type pauseRequest struct {
	id      string
	reached chan struct{}
	resume  chan struct{}
}

func (r *pauseRequest) ID() string         { return r.id }
func (r *pauseRequest) Priority() Priority { return PriorityControl }

func (r *pauseRequest) process(ctx context.Context, ix *Indexer) (Status, error) {
	close(r.reached)
	select {
	case <-r.resume:
	case <-ix.stopping:
	case <-ctx.Done():
	}
	return StatusSkipped, nil
}

// stopRequest ends the worker loop.
type stopRequest struct{}

func (stopRequest) ID() string         { return "stop" }
func (stopRequest) Priority() Priority { return PriorityControl }

func (stopRequest) process(context.Context, *Indexer) (Status, error) {
	return StatusSkipped, errStop
}

var errStop = errors.New("indexer: stop requested")
