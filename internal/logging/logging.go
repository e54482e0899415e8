// Package logging configures the engine's slog loggers: a compact text
// format, per-component levels and size-rotated log files.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// ComponentKey is the attribute that names the logging component. Per-name
// levels match against it.
const ComponentKey = "component"

// LevelOff is above every standard level.
const LevelOff = slog.Level(100)

// Levels is a default level plus overrides per component name.
type Levels struct {
	Default slog.Level
	ByName  map[string]slog.Level
}

// For returns the level for component name.
func (l Levels) For(name string) slog.Level {
	if lv, ok := l.ByName[name]; ok {
		return lv
	}
	return l.Default
}

// Min returns the most verbose level in l.
func (l Levels) Min() slog.Level {
	m := l.Default
	for _, lv := range l.ByName {
		if lv < m {
			m = lv
		}
	}
	return m
}

// ParseLevels parses --log-level values. Each spec is either LEVEL, which
// sets the default, or NAME:LEVEL, which sets one component. Later specs win.
func ParseLevels(specs []string) (Levels, error) {
	l := Levels{Default: slog.LevelWarn, ByName: make(map[string]slog.Level)}
	for _, spec := range specs {
		name, level, found := strings.Cut(spec, ":")
		if !found {
			level, name = name, ""
		}
		lv, err := ParseLevel(level)
		if err != nil {
			return Levels{}, err
		}
		if name == "" {
			l.Default = lv
		} else {
			l.ByName[name] = lv
		}
	}
	return l, nil
}

// ParseLevel converts a level name to a slog.Level. Both slog names and the
// engine's historic names (critical, notset) are accepted.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "notset":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "critical":
		return slog.LevelError, nil
	case "off", "none":
		return LevelOff, nil
	}
	return 0, fmt.Errorf("logging: unknown level %q", s)
}

// LevelFromString is ParseLevel falling back to info.
func LevelFromString(s string) slog.Level {
	lv, err := ParseLevel(s)
	if err != nil {
		return slog.LevelInfo
	}
	return lv
}

// NewLogger creates a logger writing to w.
func NewLogger(w io.Writer, levels Levels) *slog.Logger {
	return slog.New(NewHandler(w, levels))
}

// NewFileLogger creates a logger writing to a rotating file at path.
func NewFileLogger(path string, levels Levels) (*slog.Logger, io.Closer, error) {
	rf, err := OpenRotatingFile(path, DefaultMaxSize, DefaultMaxBackups)
	if err != nil {
		return nil, nil, fmt.Errorf("logging: open %s: %w", path, err)
	}
	return NewLogger(rf, levels), rf, nil
}

// NewDiscardLogger creates a logger that discards all output.
func NewDiscardLogger() *slog.Logger {
	return slog.New(NewHandler(io.Discard, Levels{Default: LevelOff}))
}

// Component returns logger labelled with component name.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = NewDiscardLogger()
	}
	return logger.With(ComponentKey, name)
}
