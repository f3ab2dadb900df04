// Package logging provides categorized structured logging for the engine,
// built on go.uber.org/zap. Every subsystem (wal, compact, runtime, catalog,
// schema, hnsw, session, storage) pulls a named sugared logger from the
// same process-wide core via Named, with zap doing the formatting,
// leveling, and sink management.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names the subsystem emitting a log line. Kept as a plain string
// (rather than an enum) so new layers can name their own category without
// touching this package.
type Category string

const (
	CategoryWAL     Category = "wal"
	CategoryCompact Category = "compact"
	CategoryRuntime Category = "runtime"
	CategoryCatalog Category = "catalog"
	CategorySchema  Category = "schema"
	CategoryHNSW    Category = "hnsw"
	CategorySession Category = "session"
	CategoryStorage Category = "storage"
	CategoryParser  Category = "parser"
	CategoryPlanner Category = "planner"
)

var (
	mu       sync.RWMutex
	base     *zap.Logger
	named    = make(map[Category]*zap.SugaredLogger)
	debugOn  bool
	initOnce sync.Once
)

// Configure (re)builds the process-wide logger. level is one of
// debug/info/warn/error; jsonFormat selects JSON vs console encoding.
// Safe to call multiple times (e.g. after config reload).
func Configure(level string, jsonFormat bool) {
	mu.Lock()
	defer mu.Unlock()

	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	if !jsonFormat {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.DisableStacktrace = true

	l, err := cfg.Build()
	if err != nil {
		l = zap.NewNop()
	}
	base = l
	debugOn = zapLevel <= zapcore.DebugLevel
	named = make(map[Category]*zap.SugaredLogger)
}

func ensureInit() {
	initOnce.Do(func() {
		mu.Lock()
		if base == nil {
			base, _ = zap.NewDevelopment()
		}
		mu.Unlock()
	})
}

// Named returns the sugared logger for the given category, creating and
// caching it on first use.
func Named(cat Category) *zap.SugaredLogger {
	ensureInit()

	mu.RLock()
	if l, ok := named[cat]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := named[cat]; ok {
		return l
	}
	l := base.Named(string(cat)).Sugar()
	named[cat] = l
	return l
}

// DebugEnabled reports whether the current level admits debug-level logs,
// letting callers skip expensive formatting on the hot path.
func DebugEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return debugOn
}

// Sync flushes any buffered log entries. Call on process shutdown.
func Sync() error {
	mu.RLock()
	b := base
	mu.RUnlock()
	if b == nil {
		return nil
	}
	return b.Sync()
}
