//go:build unix

package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const (
	pipeIn  = "in"
	pipeOut = "out"
)

// Pipe is a Connection over two named pipes in a private temp directory.
// The engine reads "in" and writes "out".
type Pipe struct {
	dir string

	mu    sync.Mutex
	files []*os.File
}

// NewPipe creates the FIFOs under parent (os.TempDir when empty).
func NewPipe(parent string) (*Pipe, error) {
	if parent == "" {
		parent = os.TempDir()
	}
	dir := filepath.Join(parent, "codeintel-"+uuid.NewString()+"-oop-pipes")
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("transport: pipe dir: %w", err)
	}
	for _, name := range []string{pipeIn, pipeOut} {
		if err := unix.Mkfifo(filepath.Join(dir, name), 0o600); err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("transport: mkfifo %s: %w", name, err)
		}
	}
	return &Pipe{dir: dir}, nil
}

// Dir is the directory holding the FIFOs.
func (p *Pipe) Dir() string { return p.dir }

func (p *Pipe) CommandLineArgs() []string { return []string{"--pipe", p.dir} }

// Open opens "in" for writing and "out" for reading, the same order the
// engine uses, so neither side blocks forever.
func (p *Pipe) Open(ctx context.Context) (io.ReadCloser, io.WriteCloser, error) {
	w, err := openFIFO(ctx, filepath.Join(p.dir, pipeIn), os.O_WRONLY)
	if err != nil {
		return nil, nil, err
	}
	r, err := openFIFO(ctx, filepath.Join(p.dir, pipeOut), os.O_RDONLY)
	if err != nil {
		w.Close()
		return nil, nil, err
	}
	p.mu.Lock()
	p.files = append(p.files, w, r)
	p.mu.Unlock()
	return r, w, nil
}

// Close closes the opened ends and removes the directory.
func (p *Pipe) Close() error {
	p.mu.Lock()
	files := p.files
	p.files = nil
	p.mu.Unlock()
	for _, f := range files {
		f.Close()
	}
	return os.RemoveAll(p.dir)
}

func openEnginePipe(ctx context.Context, dir string) (io.ReadCloser, io.WriteCloser, error) {
	r, err := openFIFO(ctx, filepath.Join(dir, pipeIn), os.O_RDONLY)
	if err != nil {
		return nil, nil, err
	}
	w, err := openFIFO(ctx, filepath.Join(dir, pipeOut), os.O_WRONLY)
	if err != nil {
		r.Close()
		return nil, nil, err
	}
	return r, w, nil
}

// openFIFO opens a FIFO, which blocks until the peer opens the other end.
// When ctx ends first the peer end is opened briefly to release the
// blocked open, whose result is then discarded.
func openFIFO(ctx context.Context, path string, flag int) (*os.File, error) {
	type result struct {
		f   *os.File
		err error
	}
	done := make(chan result, 1)
	go func() {
		f, err := os.OpenFile(path, flag, 0)
		done <- result{f, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("transport: open %s: %w", path, res.err)
		}
		return res.f, nil
	case <-ctx.Done():
		peer := os.O_RDONLY | unix.O_NONBLOCK
		if flag == os.O_RDONLY {
			peer = os.O_WRONLY | unix.O_NONBLOCK
		}
		if f, err := os.OpenFile(path, peer, 0); err == nil {
			f.Close()
		}
		go func() {
			if res := <-done; res.f != nil {
				res.f.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
