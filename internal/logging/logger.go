// Package logging provides category-keyed structured logging for swarmd.
// Every subsystem logs through a named zap logger so output can be
// filtered per category. Initialize must be called once at startup;
// before that, Get returns a no-op logger.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies a logging subsystem.
type Category string

const (
	CategoryBoot     Category = "boot"     // Startup and shutdown
	CategoryServer   Category = "server"   // HTTP request handling
	CategorySwarm    Category = "swarm"    // Swarm engine lifecycle
	CategoryUpstream Category = "upstream" // Upstream completion API calls
	CategoryStore    Category = "store"    // Trace persistence
	CategoryBus      Category = "bus"      // Event bus pub/sub
	CategorySafety   Category = "safety"   // Content scanning
	CategoryMetrics  Category = "metrics"  // Metrics registry
	CategoryWS       Category = "ws"       // WebSocket relay
)

var (
	mu      sync.RWMutex
	root    *zap.Logger
	loggers = make(map[Category]*zap.Logger)
)

// Initialize builds the process-wide zap root. Debug mode switches to the
// development encoder and lowers the level. Later calls replace the root
// and drop cached category loggers.
func Initialize(debug bool) error {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg = zap.NewProductionConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	root = logger
	loggers = make(map[Category]*zap.Logger)
	return nil
}

// Get returns the logger for a category, creating it on first use.
// Returns a no-op logger if Initialize has not run.
func Get(category Category) *zap.Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	r := root
	mu.RUnlock()

	if r == nil {
		return zap.NewNop()
	}

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	l := root.Named(string(category))
	loggers[category] = l
	return l
}

// Sync flushes buffered log entries. Call at shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if root != nil {
		_ = root.Sync()
	}
}

// Convenience getters for the hot categories.

func Boot() *zap.Logger     { return Get(CategoryBoot) }
func Server() *zap.Logger   { return Get(CategoryServer) }
func Swarm() *zap.Logger    { return Get(CategorySwarm) }
func Upstream() *zap.Logger { return Get(CategoryUpstream) }
func Store() *zap.Logger    { return Get(CategoryStore) }
