package codeintel

import (
	"github.com/jward/codeintel/internal/environment"
	"github.com/jward/codeintel/internal/indexer"
	"github.com/jward/codeintel/internal/lang"
	"github.com/jward/codeintel/internal/protocol"
)

// Preferences the engine reads.
const (
	PrefSelectedCatalogs   = "codeintel_selected_catalogs"
	PrefMaxRecursiveDepth  = "codeintel_max_recursive_dir_depth"
	PrefScanFilesInProject = "codeintel_scan_files_in_project"
	PrefScanExtraDir       = "codeintel_scan_extra_dir"
)

// Env returns the global environment set by set-environment.
func (e *Engine) Env() *environment.Environment { return e.env }

// SetEnvironment replaces the global env vars and/or preference layers and
// returns the preference names that changed.
func (e *Engine) SetEnvironment(vars map[string]string, hasVars bool, prefs []map[string]any, hasPrefs bool) []string {
	return e.env.Update(vars, hasVars, prefs, hasPrefs)
}

// onObserve tells the client a global preference is now read by the
// engine, so that changes to it are forwarded.
func (e *Engine) onObserve(name string) {
	e.send(protocol.NotifyGlobalPrefsObserve, protocol.Message{"add": []string{name}})
}

// observePrefs watches the preferences whose changes need work: extra
// import paths are scanned in the background and catalog selection drops
// cached library lists.
func (e *Engine) observePrefs() {
	seen := make(map[string]bool)
	for _, name := range lang.Matching(func(i *lang.Info) bool { return i.Citadel }) {
		in, err := lang.For(name)
		if err != nil {
			continue
		}
		pref := in.Info().ExtraPathsPref
		if pref == "" || seen[pref] {
			continue
		}
		seen[pref] = true
		language := name
		e.observers = append(e.observers, e.env.AddPrefObserver(pref, func(env *environment.Environment, pref string) {
			e.scanDirs(language, env.PathPrefs(pref), env)
		}))
	}
	e.observers = append(e.observers, e.env.AddPrefObserver(PrefSelectedCatalogs, func(env *environment.Environment, _ string) {
		env.ClearCache()
		e.logger.Debug("catalog selection changed", "catalogs", env.PrefStrings(PrefSelectedCatalogs))
	}))
}

// maxDepth is the recursion limit for directory scans.
func maxDepth(env *environment.Environment) int {
	if d := env.PrefInt(PrefMaxRecursiveDepth, indexer.DefaultMaxDepth); d > 0 {
		return d
	}
	return indexer.DefaultMaxDepth
}

// scanDirs queues a background scan of each directory for language.
func (e *Engine) scanDirs(language string, dirs []string, env *environment.Environment) int {
	n := 0
	depth := maxDepth(env)
	for _, dir := range dirs {
		req := &indexer.PreloadLibRequest{
			Lang:     language,
			Dir:      dir,
			MaxDepth: depth,
			Prio:     indexer.PriorityBackground,
		}
		if e.indexer.Put(req) {
			n++
		}
	}
	if n > 0 {
		e.logger.Info("scanning directories", "lang", language, "dirs", dirs)
	}
	return n
}
