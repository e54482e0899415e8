package codeintel

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jward/codeintel/internal/buffer"
	"github.com/jward/codeintel/internal/database"
	"github.com/jward/codeintel/internal/environment"
	"github.com/jward/codeintel/internal/eval"
	"github.com/jward/codeintel/internal/indexer"
	"github.com/jward/codeintel/internal/lang"
	"github.com/jward/codeintel/internal/logging"
	"github.com/jward/codeintel/internal/metrics"
	"github.com/jward/codeintel/internal/protocol"
	"github.com/jward/codeintel/internal/runtime"
	"github.com/jward/codeintel/internal/store"

	// Shipped language modules.
	_ "github.com/jward/codeintel/internal/lang/javascript"
	_ "github.com/jward/codeintel/internal/lang/python"
)

// DefaultSaveInterval is how often the toplevel-name index is flushed.
const DefaultSaveInterval = 6 * time.Second

// Notifier receives unsolicited messages for the client. The message
// carries its command but no req_id.
type Notifier func(protocol.Message)

// Engine owns the database, the indexer, the evaluator and the open
// buffers. Its methods are safe for concurrent use.
type Engine struct {
	db      *database.Database
	indexer *indexer.Indexer
	eval    *eval.Evaluator
	buffers *buffer.Registry
	metrics *metrics.Metrics
	runtime *runtime.Runtime
	env     *environment.Environment
	logger  *slog.Logger

	stageDelay   time.Duration
	cullInterval time.Duration
	saveInterval time.Duration
	evalTimeout  time.Duration
	cacheSize    int
	multilang    []string

	notifyMu sync.RWMutex
	notify   Notifier

	mu        sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   bool
	observers []func()
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger shared by every engine component.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithStageDelay sets how long staged scans wait for further edits.
func WithStageDelay(d time.Duration) Option {
	return func(e *Engine) {
		e.stageDelay = d
	}
}

// WithCullInterval sets how long unused buffers and scan results stay in
// memory.
func WithCullInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.cullInterval = d
	}
}

// WithSaveInterval sets how often the toplevel-name index is flushed.
func WithSaveInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.saveInterval = d
	}
}

// WithEvalTimeout bounds each trigger evaluation.
func WithEvalTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.evalTimeout = d
	}
}

// WithCacheSize bounds the number of scan results held in memory.
func WithCacheSize(n int) Option {
	return func(e *Engine) {
		e.cacheSize = n
	}
}

// WithNotifier sets where unsolicited messages go. See SetNotifier.
func WithNotifier(fn Notifier) Option {
	return func(e *Engine) {
		e.notify = fn
	}
}

// New creates an Engine with its database under dir. Nothing on disk is
// touched until the first database operation; call Start to run the
// indexer.
func New(dir string, opts ...Option) (*Engine, error) {
	if dir == "" {
		return nil, fmt.Errorf("codeintel: no database directory")
	}
	e := &Engine{
		logger:       logging.NewDiscardLogger(),
		stageDelay:   indexer.DefaultStageDelay,
		cullInterval: indexer.DefaultCullInterval,
		saveInterval: DefaultSaveInterval,
		evalTimeout:  eval.DefaultTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.multilang = lang.Matching(func(i *lang.Info) bool { return i.Multilang })

	dbOpts := []database.Option{
		database.WithLogger(e.logger),
		database.WithMultilang(e.multilang...),
		database.WithCacheMaxIdle(e.cullInterval),
	}
	if e.cacheSize > 0 {
		dbOpts = append(dbOpts, database.WithCacheSize(e.cacheSize))
	}
	e.db = database.New(dir, dbOpts...)
	e.metrics = metrics.New()
	e.indexer = indexer.New(e.db,
		indexer.WithLogger(e.logger),
		indexer.WithStageDelay(e.stageDelay),
		indexer.WithCullInterval(e.cullInterval),
		indexer.WithOnComplete(e.onIndexed),
	)
	e.eval = eval.New(e.db, e.indexer,
		eval.WithLogger(e.logger),
		eval.WithTimeout(e.evalTimeout),
	)
	e.buffers = buffer.NewRegistry(e.cullInterval)
	e.runtime = runtime.NewRuntime("",
		runtime.WithIndex(libIndex{e.db}),
		runtime.WithLogger(e.logger),
	)
	e.env = environment.New(nil, nil,
		environment.WithName("global"),
		environment.WithObserveHook(e.onObserve),
	)
	e.observePrefs()

	e.metrics.GaugeFunc("cached_blobs", "Scan results held in memory", func() float64 {
		return float64(e.db.Stats().CachedFiles)
	})
	e.metrics.GaugeFunc("open_buffers", "Buffers the engine holds", func() float64 {
		return float64(e.buffers.Len())
	})
	e.metrics.GaugeFunc("indexer_queue_depth", "Requests queued or staged in the indexer", func() float64 {
		return float64(e.indexer.Len())
	})
	return e, nil
}

// Start runs the indexer, the directory watcher and the periodic save.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.started = true

	e.indexer.Start(ctx)
	if err := e.db.Watch(); err != nil {
		e.logger.Warn("directory watcher unavailable", "err", err)
	}
	e.wg.Add(1)
	go e.maintain(ctx)
	e.logger.Info("engine started", "database", e.db.Base())
	return nil
}

// maintain saves the index every saveInterval and drops idle buffers
// every cullInterval.
func (e *Engine) maintain(ctx context.Context) {
	defer e.wg.Done()
	save := time.NewTicker(e.saveInterval)
	defer save.Stop()
	cull := time.NewTicker(e.cullInterval)
	defer cull.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-save.C:
			if err := e.db.Save(); err != nil {
				e.logger.Warn("save index", "err", err)
			}
		case <-cull.C:
			if n := e.buffers.Cull(); n > 0 {
				e.logger.Debug("culled buffers", "count", n)
			}
		}
	}
}

// Close stops the indexer and flushes and closes the database.
func (e *Engine) Close() error {
	e.mu.Lock()
	cancel := e.cancel
	started := e.started
	e.started = false
	observers := e.observers
	e.observers = nil
	e.mu.Unlock()

	for _, remove := range observers {
		remove()
	}
	e.indexer.Stop()
	if started {
		cancel()
		e.wg.Wait()
	}
	if err := e.db.Close(); err != nil {
		return fmt.Errorf("codeintel: close: %w", err)
	}
	return nil
}

// SetNotifier replaces the notification sink. A nil fn drops
// notifications.
func (e *Engine) SetNotifier(fn Notifier) {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	e.notify = fn
}

func (e *Engine) send(command string, fields protocol.Message) {
	e.notifyMu.RLock()
	fn := e.notify
	e.notifyMu.RUnlock()
	if fn == nil {
		return
	}
	m := protocol.Message{protocol.KeyCommand: command}
	for k, v := range fields {
		m[k] = v
	}
	fn(m)
}

// onIndexed reports completed scans and counts them.
func (e *Engine) onIndexed(req indexer.Request, status indexer.Status, err error) {
	scan, ok := req.(*indexer.ScanRequest)
	if !ok {
		return
	}
	e.metrics.Scans.WithLabelValues(string(status)).Inc()
	if err != nil {
		e.logger.Warn("scan failed", "path", scan.Path, "err", err)
		return
	}
	if status == indexer.StatusChanged {
		e.send(protocol.NotifyScanComplete, protocol.Message{
			"path":     scan.Path,
			"language": scan.Lang,
		})
	}
}

// Logger returns the engine's logger.
func (e *Engine) Logger() *slog.Logger { return e.logger }

// Metrics returns the engine's registry.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Database returns the underlying database.
func (e *Engine) Database() *database.Database { return e.db }

// Indexer returns the engine's indexer.
func (e *Engine) Indexer() *indexer.Indexer { return e.indexer }

// Languages returns the languages of a get-languages type.
func (e *Engine) Languages(typ string) ([]string, error) {
	var pred func(*lang.Info) bool
	switch typ {
	case protocol.LangTypeCompletion:
		pred = func(i *lang.Info) bool { return i.Cpln }
	case protocol.LangTypeCitadel:
		pred = func(i *lang.Info) bool { return i.Citadel }
	case protocol.LangTypeXML:
		pred = func(i *lang.Info) bool { return i.XML }
	case protocol.LangTypeMultilang:
		pred = func(i *lang.Info) bool { return i.Multilang }
	case protocol.LangTypeStdlib:
		pred = (*lang.Info).StdlibSupported
	default:
		return nil, fmt.Errorf("Unknown language type %s", typ)
	}
	langs := lang.Matching(pred)
	if langs == nil {
		langs = []string{}
	}
	return langs, nil
}

// LanguageInfo returns the static facts about a language.
func (e *Engine) LanguageInfo(name string) (*lang.Info, error) {
	in, err := lang.For(name)
	if err != nil {
		return nil, fmt.Errorf("Unknown language %s", name)
	}
	return in.Info(), nil
}

// Catalogs lists the catalogs that can be selected.
func (e *Engine) Catalogs() ([]database.CatalogInfo, error) {
	cats, err := e.db.AvailableCatalogs()
	if err != nil {
		return nil, fmt.Errorf("codeintel: catalogs: %w", err)
	}
	return cats, nil
}

// DatabaseInfo reports the database state.
func (e *Engine) DatabaseInfo() (database.State, string) {
	return e.db.Info()
}

// Preload loads the stdlibs and catalogs of langs, every language when
// langs is empty.
func (e *Engine) Preload(ctx context.Context, langs []string, progress func(database.Progress)) error {
	if err := e.db.Preload(ctx, langs, progress); err != nil {
		return fmt.Errorf("codeintel: preload: %w", err)
	}
	e.env.ClearCache()
	return nil
}

// Upgrade brings the database to the current version with the indexer
// held idle.
func (e *Engine) Upgrade(ctx context.Context) error {
	resume, err := e.pauseIndexer(ctx)
	if err != nil {
		return err
	}
	defer resume()
	if err := e.db.Upgrade(); err != nil {
		return fmt.Errorf("codeintel: upgrade: %w", err)
	}
	return nil
}

// Reset discards the database, keeping a backup when asked, and forgets
// every buffer. The database must be preloaded again afterwards.
func (e *Engine) Reset(ctx context.Context, backup bool) (string, error) {
	resume, err := e.pauseIndexer(ctx)
	if err != nil {
		return "", err
	}
	defer resume()
	dir, err := e.db.Reset(backup)
	if err != nil {
		return "", fmt.Errorf("codeintel: reset: %w", err)
	}
	e.buffers.Clear()
	e.env.ClearCache()
	return dir, nil
}

func (e *Engine) pauseIndexer(ctx context.Context) (func(), error) {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return func() {}, nil
	}
	resume, err := e.indexer.Pause(ctx)
	if err != nil {
		return nil, fmt.Errorf("codeintel: pause indexer: %w", err)
	}
	return resume, nil
}

// MemoryReport flattens the metrics registry.
func (e *Engine) MemoryReport() (map[string]metrics.Amount, error) {
	report, err := e.metrics.Report()
	if err != nil {
		return nil, fmt.Errorf("codeintel: memory report: %w", err)
	}
	return report, nil
}

// LoadExtensions loads the scripts at path, a .risor file or a directory
// of them.
func (e *Engine) LoadExtensions(path string) ([]*runtime.Extension, error) {
	return e.runtime.LoadExtensions(path)
}

// libIndex searches the newest stdlib and every catalog of a language.
type libIndex struct{ db *database.Database }

func (x libIndex) libs(language string) []database.Lib {
	var libs []database.Lib
	if in, err := lang.For(language); err == nil {
		if vers := in.Info().StdlibVersions; len(vers) > 0 {
			libs = append(libs, x.db.StdlibLib(language, slices.Max(vers)))
		}
	}
	return append(libs, x.db.CatalogLibs(language, nil)...)
}

func (x libIndex) NamesByPrefix(language, prefix string, limit int) ([]store.NameHit, error) {
	return x.db.NamesByPrefix(language, x.libs(language), prefix, limit)
}

func (x libIndex) BlobsByPrefix(language, prefix string) ([]string, error) {
	return x.db.BlobsByPrefix(language, x.libs(language), prefix)
}
