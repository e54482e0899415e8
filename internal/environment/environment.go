// Package environment holds the environment variables and layered
// preferences that a client attaches to the engine or to a buffer.
package environment

import (
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/cast"
)

// Observer is called after a preference named name changed.
type Observer func(env *Environment, name string)

// Environment is a pair of layered dictionaries: environment variables and an
// ordered list of preference layers. Later layers override earlier ones.
type Environment struct {
	name string

	mu        sync.RWMutex
	vars      map[string]string
	prefs     []map[string]any
	observers map[string]map[int]Observer
	nextObs   int

	// onObserve is called the first time a preference gains an observer.
	onObserve func(name string)

	cacheMu sync.Mutex
	cache   map[string]any
}

// Option configures an Environment.
type Option func(*Environment)

// WithName labels the environment in logs.
func WithName(name string) Option {
	return func(e *Environment) { e.name = name }
}

// WithObserveHook registers fn to run whenever a preference name gains its
// first observer. The engine uses it to tell the client which global
// preferences it should forward.
func WithObserveHook(fn func(name string)) Option {
	return func(e *Environment) { e.onObserve = fn }
}

// New creates an Environment from env vars and preference layers. Both are
// copied.
func New(vars map[string]string, prefs []map[string]any, opts ...Option) *Environment {
	e := &Environment{
		vars:      copyVars(vars),
		prefs:     copyLayers(prefs),
		observers: make(map[string]map[int]Observer),
		cache:     make(map[string]any),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns the environment label.
func (e *Environment) Name() string { return e.name }

// HasEnvVar reports whether name is set.
func (e *Environment) HasEnvVar(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.vars[name]
	return ok
}

// EnvVar returns the environment variable name, or def.
func (e *Environment) EnvVar(name, def string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if v, ok := e.vars[name]; ok {
		return v
	}
	return def
}

// EnvVars returns a copy of all environment variables.
func (e *Environment) EnvVars() map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return copyVars(e.vars)
}

// HasPref reports whether any layer defines name.
func (e *Environment) HasPref(name string) bool {
	_, ok := e.Pref(name)
	return ok
}

// Pref returns the value of name from the last layer that defines it.
func (e *Environment) Pref(name string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for i := len(e.prefs) - 1; i >= 0; i-- {
		if v, ok := e.prefs[i][name]; ok {
			return v, true
		}
	}
	return nil, false
}

// AllPrefs returns the value of name in every layer, in layer order. Layers
// without it contribute nil.
func (e *Environment) AllPrefs(name string) []any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]any, len(e.prefs))
	for i, layer := range e.prefs {
		out[i] = layer[name]
	}
	return out
}

// PrefString returns the preference as a string, or def.
func (e *Environment) PrefString(name, def string) string {
	v, ok := e.Pref(name)
	if !ok || v == nil {
		return def
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return def
	}
	return s
}

// PrefBool returns the preference as a bool, or def.
func (e *Environment) PrefBool(name string, def bool) bool {
	v, ok := e.Pref(name)
	if !ok || v == nil {
		return def
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return def
	}
	return b
}

// PrefInt returns the preference as an int, or def.
func (e *Environment) PrefInt(name string, def int) int {
	v, ok := e.Pref(name)
	if !ok || v == nil {
		return def
	}
	i, err := cast.ToIntE(v)
	if err != nil {
		return def
	}
	return i
}

// PrefStrings returns a list preference. A string value is split on
// os.PathListSeparator, which is how editors send path lists.
func (e *Environment) PrefStrings(name string) []string {
	v, ok := e.Pref(name)
	if !ok || v == nil {
		return nil
	}
	return toStrings(v)
}

// PathPrefs collects a path-list preference across all layers, deduplicated
// and in layer order.
func (e *Environment) PathPrefs(name string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, v := range e.AllPrefs(name) {
		if v == nil {
			continue
		}
		for _, p := range toStrings(v) {
			p = strings.TrimSpace(p)
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, filepath.Clean(p))
		}
	}
	return out
}

// Update replaces env vars and/or preference layers. A nil map or slice with
// the matching has-flag false leaves that part untouched. Observers of every
// preference name present before or after the change are notified; the
// names are returned sorted.
func (e *Environment) Update(vars map[string]string, hasVars bool, prefs []map[string]any, hasPrefs bool) []string {
	e.mu.Lock()
	if hasVars {
		e.vars = copyVars(vars)
	}
	var changed []string
	if hasPrefs {
		changed = changedNames(e.prefs, prefs)
		e.prefs = copyLayers(prefs)
	}
	e.mu.Unlock()

	if len(changed) > 0 {
		e.ClearCache()
	}
	for _, name := range changed {
		e.notify(name)
	}
	return changed
}

// AddPrefObserver registers fn for name and returns a function that removes
// it.
func (e *Environment) AddPrefObserver(name string, fn Observer) (remove func()) {
	e.mu.Lock()
	obs, ok := e.observers[name]
	if !ok {
		obs = make(map[int]Observer)
		e.observers[name] = obs
	}
	id := e.nextObs
	e.nextObs++
	obs[id] = fn
	first := !ok
	hook := e.onObserve
	e.mu.Unlock()

	if first && hook != nil {
		hook(name)
	}
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.observers[name], id)
	}
}

// ObservedPrefs returns the preference names that have observers.
func (e *Environment) ObservedPrefs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var names []string
	for name, obs := range e.observers {
		if len(obs) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (e *Environment) notify(name string) {
	e.mu.RLock()
	obs := make([]Observer, 0, len(e.observers[name]))
	ids := make([]int, 0, len(e.observers[name]))
	for id := range e.observers[name] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		obs = append(obs, e.observers[name][id])
	}
	e.mu.RUnlock()

	for _, fn := range obs {
		fn(e, name)
	}
}

// CacheGet returns a cached value computed from this environment.
func (e *Environment) CacheGet(key string) (any, bool) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	v, ok := e.cache[key]
	return v, ok
}

// CacheSet stores a value derived from this environment. The cache is
// cleared whenever preferences change.
func (e *Environment) CacheSet(key string, v any) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	e.cache[key] = v
}

// ClearCache drops all cached derived values.
func (e *Environment) ClearCache() {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	e.cache = make(map[string]any)
}

// Process returns an Environment seeded from the engine's own process
// environment and no preferences.
func Process() *Environment {
	vars := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}
	return New(vars, nil, WithName("process"))
}

func changedNames(before, after []map[string]any) []string {
	names := make(map[string]bool)
	for _, layer := range before {
		for k := range layer {
			names[k] = true
		}
	}
	for _, layer := range after {
		for k := range layer {
			names[k] = true
		}
	}
	var changed []string
	for name := range names {
		if !reflect.DeepEqual(effective(before, name), effective(after, name)) {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed
}

func effective(layers []map[string]any, name string) any {
	for i := len(layers) - 1; i >= 0; i-- {
		if v, ok := layers[i][name]; ok {
			return v
		}
	}
	return nil
}

func toStrings(v any) []string {
	switch x := v.(type) {
	case string:
		if x == "" {
			return nil
		}
		return strings.Split(x, string(os.PathListSeparator))
	case []string:
		return x
	}
	s, err := cast.ToStringSliceE(v)
	if err != nil {
		return nil
	}
	return s
}

func copyVars(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyLayers(layers []map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(layers))
	for _, layer := range layers {
		cp := make(map[string]any, len(layer))
		for k, v := range layer {
			cp[k] = v
		}
		out = append(out, cp)
	}
	return out
}
