package codeintel

import (
	"fmt"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"time"

	"github.com/jward/codeintel/internal/buffer"
	"github.com/jward/codeintel/internal/environment"
	"github.com/jward/codeintel/internal/indexer"
	"github.com/jward/codeintel/internal/lang"
	"github.com/jward/codeintel/internal/lexer"
	"github.com/jward/codeintel/internal/protocol"
)

// NormPath returns the key buffers are stored under. Absolute paths are
// cleaned, and folded to lower case where the file system ignores case.
// Anything else (URLs, untitled views) is kept as given.
func NormPath(path string) string {
	if !filepath.IsAbs(path) {
		return path
	}
	path = filepath.Clean(path)
	if goruntime.GOOS == "windows" || goruntime.GOOS == "darwin" {
		path = strings.ToLower(path)
	}
	return path
}

// Buffer returns the buffer ref names, creating it on first use and
// recreating it when the language changes. Text, encoding and environment
// in ref are applied to it.
func (e *Engine) Buffer(ref protocol.BufferRef) (*buffer.Buffer, error) {
	if ref.Path == "" {
		return nil, fmt.Errorf("No path given to locate buffer")
	}
	path := NormPath(ref.Path)

	b, ok := e.buffers.Lookup(path)
	if ok && ref.Language != "" && b.Lang() != ref.Language {
		e.buffers.Remove(path)
		ok = false
	}
	if !ok {
		language := ref.Language
		if language == "" {
			l, found := lexer.LanguageForFile(path)
			if !found {
				return nil, fmt.Errorf("No language given for %s", ref.Path)
			}
			language = l
		}
		var text []byte
		if ref.Text == nil {
			data, err := os.ReadFile(ref.Path)
			if err != nil {
				e.logger.Debug("buffer unreadable, starting empty", "path", ref.Path, "err", err)
			}
			text = data
		}
		b = e.buffers.Get(path, func() *buffer.Buffer {
			return buffer.New(e.db, e.eval, path, language, text, e.env)
		})
	}

	if ref.Text != nil {
		b.SetText([]byte(*ref.Text))
	}
	if ref.Encoding != "" {
		b.SetEncoding(ref.Encoding)
	}
	if ref.HasEnv {
		e.applyBufferEnv(b, ref.Env)
	}
	return b, nil
}

// applyBufferEnv gives b its own environment from an {env, prefs} payload.
// A payload with both parts null returns the buffer to the global
// environment.
func (e *Engine) applyBufferEnv(b *buffer.Buffer, payload protocol.Message) {
	if payload == nil || (payload["env"] == nil && payload["prefs"] == nil) {
		b.SetEnv(e.env)
		return
	}
	vars, prefs := protocol.EnvPayload(payload)
	if env := b.Env(); env != e.env {
		env.Update(vars, payload.Has("env"), prefs, payload.Has("prefs"))
		return
	}
	b.SetEnv(environment.New(vars, prefs, environment.WithName(filepath.Base(b.Path()))))
}

// ScanDocument queues a scan of b's current text. IMMEDIATE scans are
// queued at once; others are staged so that bursts of edits collapse.
// The buffer's directory and import paths are scanned in the background
// unless codeintel_scan_files_in_project is off. onDone runs once the
// scan is processed, or at once for languages without a scanner.
func (e *Engine) ScanDocument(b *buffer.Buffer, prio indexer.Priority, mtime time.Time, onDone indexer.CompleteFunc) {
	if onDone == nil {
		onDone = func(indexer.Status, error) {}
	}
	in, err := lang.For(b.Lang())
	if err != nil || !in.Info().Citadel {
		onDone(indexer.StatusSkipped, nil)
		return
	}

	req := b.ScanRequest(mtime, false, prio, onDone)
	var queued bool
	if prio <= indexer.PriorityImmediate {
		queued = e.indexer.Put(req)
	} else {
		queued = e.indexer.Stage(req, e.stageDelay)
	}
	if !queued {
		onDone(indexer.StatusError, indexer.ErrStopped)
		return
	}

	env := b.Env()
	if !env.PrefBool(PrefScanFilesInProject, true) {
		return
	}
	dirs := env.PathPrefs(in.Info().ExtraPathsPref)
	dirs = append(dirs, env.PathPrefs(PrefScanExtraDir)...)
	e.indexer.Put(&indexer.PreloadBufLibsRequest{
		Path:     b.Path(),
		Lang:     b.Lang(),
		Dirs:     dirs,
		MaxDepth: maxDepth(env),
		Prio:     indexer.PriorityBackground,
	})
}

// AddDirs queues background scans of dirs for language, or for every
// language with a scanner when language is empty. It returns how many
// scans were queued.
func (e *Engine) AddDirs(dirs []string, language string) (int, error) {
	langs := []string{language}
	if language == "" {
		langs = lang.Matching(func(i *lang.Info) bool { return i.Citadel })
	} else if _, err := lang.For(language); err != nil {
		return 0, fmt.Errorf("Unknown language %s", language)
	}
	clean := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if d = strings.TrimSpace(d); d != "" {
			clean = append(clean, filepath.Clean(d))
		}
	}
	n := 0
	for _, l := range langs {
		n += e.scanDirs(l, clean, e.env)
	}
	return n, nil
}
