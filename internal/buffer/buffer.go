// Package buffer is the engine's view of one open document: its text, its
// language and its cached scope tree. Triggers are found and evaluated
// through a Buffer; nothing else talks to the evaluator.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jward/codeintel/internal/cix"
	"github.com/jward/codeintel/internal/environment"
	"github.com/jward/codeintel/internal/eval"
	"github.com/jward/codeintel/internal/indexer"
	"github.com/jward/codeintel/internal/lang"
	"github.com/jward/codeintel/internal/lexer"
	"github.com/jward/codeintel/internal/scanner"
	"github.com/jward/codeintel/internal/trigger"
)

// Database is what a buffer needs from the database.
type Database interface {
	BufScanTime(lang, path string) (time.Time, bool)
	UpdateBuf(lang, path string, content []byte, f *cix.File, mtime time.Time) error
}

// Buffer is one document. Its methods are safe for concurrent use.
type Buffer struct {
	db   Database
	eval *eval.Evaluator

	mu       sync.Mutex
	path     string
	lang     string
	encoding string
	text     []byte
	env      *environment.Environment

	acc      *lexer.Accessor
	tree     *cix.File
	treeErr  error
	lastExpr string
}

// New returns a buffer for path. env may be nil.
func New(db Database, ev *eval.Evaluator, path, language string, text []byte, env *environment.Environment) *Buffer {
	if env == nil {
		env = environment.New(nil, nil)
	}
	return &Buffer{db: db, eval: ev, path: path, lang: language, text: text, env: env}
}

func (b *Buffer) Path() string { return b.path }

func (b *Buffer) Lang() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lang
}

func (b *Buffer) Text() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text
}

func (b *Buffer) Env() *environment.Environment {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.env
}

// SetText replaces the content. The cached tree is dropped when it changes.
func (b *Buffer) SetText(text []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if string(text) == string(b.text) {
		return
	}
	b.text = text
	b.invalidateLocked()
}

// SetLang changes the language, dropping the cached tree.
func (b *Buffer) SetLang(language string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if language == b.lang {
		return
	}
	b.lang = language
	b.invalidateLocked()
}

func (b *Buffer) SetEncoding(enc string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.encoding = enc
}

func (b *Buffer) SetEnv(env *environment.Environment) {
	if env == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.env = env
}

func (b *Buffer) invalidateLocked() {
	b.acc = nil
	b.tree = nil
	b.treeErr = nil
}

func (b *Buffer) intel() (lang.Intel, error) {
	return lang.For(b.Lang())
}

func (b *Buffer) accessor() *lexer.Accessor {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.acc == nil {
		b.acc = lexer.NewAccessor(b.lang, b.text)
	}
	return b.acc
}

// TrgFromPos returns the trigger fired at pos, or nil.
func (b *Buffer) TrgFromPos(pos int, implicit bool) (*trigger.Trigger, error) {
	in, err := b.intel()
	if err != nil {
		return nil, err
	}
	return in.TrgFromPos(b.accessor(), pos, implicit), nil
}

// PrecedingTrgFromPos looks back from pos for a trigger still applicable
// at currPos.
func (b *Buffer) PrecedingTrgFromPos(pos, currPos int) (*trigger.Trigger, error) {
	in, err := b.intel()
	if err != nil {
		return nil, err
	}
	return in.PrecedingTrgFromPos(b.accessor(), pos, currPos), nil
}

// DefnTrgFromPos returns the go-to-definition trigger at pos.
func (b *Buffer) DefnTrgFromPos(pos int) *trigger.Trigger {
	return lang.DefnTrgFromPos(b.Lang(), pos)
}

// CurrCalltipArgRange returns the span of the argument being typed in
// calltip. See lang.Intel.CalltipArgRange.
func (b *Buffer) CurrCalltipArgRange(trgPos int, calltip string, currPos int) (int, int, error) {
	in, err := b.intel()
	if err != nil {
		return 0, 0, err
	}
	start, end := in.CalltipArgRange(b.accessor(), trgPos, calltip, currPos)
	return start, end, nil
}

// LastCITDLExpr returns the expression of the last finished evaluation.
func (b *Buffer) LastCITDLExpr() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastExpr
}

// ScopeTree returns the buffer's scope tree, scanning the current text if
// it is not cached. A syntax error still yields the recovered tree.
func (b *Buffer) ScopeTree(ctx context.Context) (*cix.File, error) {
	b.mu.Lock()
	if b.tree != nil || b.treeErr != nil {
		defer b.mu.Unlock()
		return b.tree, b.treeErr
	}
	text, language, enc := b.text, b.lang, b.encoding
	b.mu.Unlock()

	f, err := scanner.Scan(ctx, text, language, b.path, enc)
	var serr *scanner.SyntaxError
	if errors.As(err, &serr) && f != nil {
		err = nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if string(b.text) == string(text) && b.lang == language {
		b.tree, b.treeErr = f, err
	}
	return f, err
}

// Scan records the buffer's scan in the database. Unless skipScanTimeCheck
// is set a scan as recent as mtime is left alone and Scan reports false.
func (b *Buffer) Scan(ctx context.Context, mtime time.Time, skipScanTimeCheck bool) (bool, error) {
	language := b.Lang()
	if mtime.IsZero() {
		mtime = time.Now()
	}
	if !skipScanTimeCheck {
		if t, ok := b.db.BufScanTime(language, b.path); ok && !t.Before(mtime) {
			return false, nil
		}
	}
	f, err := b.ScopeTree(ctx)
	if err != nil {
		return false, fmt.Errorf("buffer: scan %s: %w", b.path, err)
	}
	if err := b.db.UpdateBuf(language, b.path, b.Text(), f, mtime); err != nil {
		return false, fmt.Errorf("buffer: scan %s: %w", b.path, err)
	}
	return true, nil
}

// ScanRequest returns an indexer request that scans the buffer's current
// text at prio.
func (b *Buffer) ScanRequest(mtime time.Time, force bool, prio indexer.Priority, onComplete indexer.CompleteFunc) *indexer.ScanRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &indexer.ScanRequest{
		Path:       b.path,
		Lang:       b.lang,
		Encoding:   b.encoding,
		Content:    b.text,
		Mtime:      mtime,
		Force:      force,
		Prio:       prio,
		OnComplete: onComplete,
	}
}

// AsyncEvalAtTrg starts evaluating trg. onDone runs with the result before
// ctlr is told the evaluation is done.
func (b *Buffer) AsyncEvalAtTrg(ctx context.Context, trg *trigger.Trigger, ctlr eval.Controller, onDone func(*eval.Result)) (*eval.Evaluation, error) {
	if b.eval == nil {
		return nil, errors.New("buffer: no evaluator")
	}
	f, err := b.ScopeTree(ctx)
	if err != nil && f == nil {
		return nil, err
	}
	req := eval.Request{
		Trg:  trg,
		Path: b.path,
		Acc:  b.accessor(),
		File: f,
		Env:  b.Env(),
	}
	return b.eval.Start(req, ctlr, func(res *eval.Result) {
		b.mu.Lock()
		b.lastExpr = res.CITDLExpr
		b.mu.Unlock()
		if onDone != nil {
			onDone(res)
		}
	}), nil
}

// evalSync evaluates trg and waits. Timeouts return the partial result
// with no error.
func (b *Buffer) evalSync(ctx context.Context, trg *trigger.Trigger, form trigger.Form) (*eval.Result, error) {
	if trg.Form != form {
		return nil, fmt.Errorf("buffer: %s is not a %s trigger", trg.Name(), form)
	}
	ctlr := eval.NewCtlr()
	ev, err := b.AsyncEvalAtTrg(ctx, trg, ctlr, nil)
	if err != nil {
		return nil, err
	}
	select {
	case <-ev.Wait():
	case <-ctx.Done():
		ctlr.Abort()
		<-ev.Wait()
	}
	res := ev.Result()
	if res.Err != nil && !errors.Is(res.Err, eval.ErrTimeout) {
		return res, res.Err
	}
	return res, nil
}

// CplnsFromTrg returns the completions for trg.
func (b *Buffer) CplnsFromTrg(ctx context.Context, trg *trigger.Trigger) ([]lang.Completion, error) {
	res, err := b.evalSync(ctx, trg, trigger.FormCompletion)
	if err != nil {
		return nil, err
	}
	return res.Completions, nil
}

// CalltipsFromTrg returns the calltips for trg.
func (b *Buffer) CalltipsFromTrg(ctx context.Context, trg *trigger.Trigger) ([]string, error) {
	res, err := b.evalSync(ctx, trg, trigger.FormCalltip)
	if err != nil {
		return nil, err
	}
	return res.Calltips, nil
}

// DefnsFromTrg returns the definitions for trg.
func (b *Buffer) DefnsFromTrg(ctx context.Context, trg *trigger.Trigger) ([]eval.Definition, error) {
	res, err := b.evalSync(ctx, trg, trigger.FormDefn)
	if err != nil {
		return nil, err
	}
	return res.Defns, nil
}
