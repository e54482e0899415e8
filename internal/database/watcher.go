package database

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/jward/codeintel/internal/store"
)

// watcher removes files from the database when they disappear from a
// scanned directory.
type watcher struct {
	fw       *fsnotify.Watcher
	onRemove func(path string)
	logger   *slog.Logger

	mu   sync.Mutex
	dirs map[string]bool

	done     chan struct{}
	stopOnce sync.Once
}

func newWatcher(logger *slog.Logger, onRemove func(path string)) (*watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &watcher{
		fw:       fw,
		onRemove: onRemove,
		logger:   logger,
		dirs:     make(map[string]bool),
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *watcher) add(dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dirs[dir] {
		return
	}
	if err := w.fw.Add(dir); err != nil {
		w.logger.Debug("watch dir", "dir", dir, "err", err)
		return
	}
	w.dirs[dir] = true
}

func (w *watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// A rename may be an editor's atomic save; only a path that
			// is really gone leaves the index.
			if _, err := os.Stat(ev.Name); errors.Is(err, fs.ErrNotExist) {
				w.onRemove(ev.Name)
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("directory watcher", "err", err)
		}
	}
}

func (w *watcher) stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.fw.Close()
	})
}

// Watch starts removing files from directory zones as they are deleted
// from disk. It applies to zones opened before and after the call.
func (d *Database) Watch() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.watcher != nil {
		return nil
	}
	w, err := newWatcher(d.logger, func(path string) {
		if err := d.RemovePath(path); err != nil && !errors.Is(err, ErrNotReady) {
			d.logger.Warn("remove deleted file", "path", path, "err", err)
		}
	})
	if err != nil {
		return err
	}
	for key := range d.zones {
		if key.kind == store.ZoneDir {
			w.add(key.name)
		}
	}
	d.watcher = w
	return nil
}
