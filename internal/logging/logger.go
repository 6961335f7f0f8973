// Package logging provides categorized file-based logging for codeforge.
// Logs are written to .forge/logs/ with a separate file per category.
// Logging is gated by the debug flag passed at Initialize time; when
// disabled, every call is a no-op.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup and composition root
	CategoryStore     Category = "store"     // Artifact store operations
	CategoryScheduler Category = "scheduler" // Priority scheduler
	CategoryCron      Category = "cron"      // Scheduled task manager
	CategoryDispatch  Category = "dispatch"  // Background dispatcher
	CategoryRegistry  Category = "registry"  // Node registry
	CategoryRunner    Category = "runner"    // Node execution
	CategoryPlanner   Category = "planner"   // Classification and planning
	CategoryWorkflow  Category = "workflow"  // Decomposition and step execution
	CategorySynth     Category = "synth"     // Code synthesis
	CategoryHarness   Category = "harness"   // Test generation and execution
	CategoryRepair    Category = "repair"    // Repair engine
	CategoryTools     Category = "tools"     // Tool registry and shim
	CategoryAPI       Category = "api"       // LLM API calls
	CategoryEmbedding Category = "embedding" // Embedding engine
	CategoryPipeline  Category = "pipeline"  // Generation pipeline
)

// Options controls log output. Zero value disables logging entirely.
type Options struct {
	Debug      bool            // Master switch; false means no files are written
	Level      string          // debug | info | warn | error (default info)
	Categories map[string]bool // Per-category enable; empty means all enabled
}

// Logger wraps a zap sugared logger bound to one category file.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger // nil for no-op loggers
}

var (
	mu       sync.RWMutex
	loggers  = make(map[Category]*Logger)
	logsDir  string
	opts     Options
	minLevel zapcore.Level
)

// Initialize sets up the logging directory. Call once at startup with the
// workspace path. Safe to skip entirely; all calls degrade to no-ops.
func Initialize(workspace string, o Options) error {
	if workspace == "" {
		return fmt.Errorf("workspace path required")
	}

	mu.Lock()
	defer mu.Unlock()

	opts = o
	switch o.Level {
	case "debug":
		minLevel = zapcore.DebugLevel
	case "warn", "warning":
		minLevel = zapcore.WarnLevel
	case "error":
		minLevel = zapcore.ErrorLevel
	default:
		minLevel = zapcore.InfoLevel
	}

	if !o.Debug {
		logsDir = ""
		loggers = make(map[Category]*Logger)
		return nil
	}

	logsDir = filepath.Join(workspace, ".forge", "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	loggers = make(map[Category]*Logger)

	boot := Get(CategoryBoot)
	boot.Info("=== codeforge logging initialized ===")
	boot.Info("logs directory: %s", logsDir)
	boot.Info("level: %s", minLevel)
	return nil
}

// IsCategoryEnabled reports whether a category produces output.
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	return categoryEnabledLocked(category)
}

func categoryEnabledLocked(category Category) bool {
	if !opts.Debug || logsDir == "" {
		return false
	}
	if len(opts.Categories) == 0 {
		return true
	}
	enabled, ok := opts.Categories[string(category)]
	if !ok {
		return true
	}
	return enabled
}

// Get returns (or creates) the logger for a category. Returns a no-op
// logger when the category is disabled.
func Get(category Category) *Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	enabled := categoryEnabledLocked(category)
	dir := logsDir
	mu.RUnlock()

	if !enabled {
		return &Logger{category: category}
	}

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	path := filepath.Join(dir, string(category)+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] cannot open %s: %v\n", path, err)
		l := &Logger{category: category}
		loggers[category] = l
		return l
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(f), minLevel)
	l := &Logger{
		category: category,
		sugar:    zap.New(core).Sugar().Named(string(category)),
	}
	loggers[category] = l
	return l
}

// Debug logs at debug level.
func (l *Logger) Debug(format string, args ...any) {
	if l == nil || l.sugar == nil {
		return
	}
	l.sugar.Debugf(format, args...)
}

// Info logs at info level.
func (l *Logger) Info(format string, args ...any) {
	if l == nil || l.sugar == nil {
		return
	}
	l.sugar.Infof(format, args...)
}

// Warn logs at warn level.
func (l *Logger) Warn(format string, args ...any) {
	if l == nil || l.sugar == nil {
		return
	}
	l.sugar.Warnf(format, args...)
}

// Error logs at error level.
func (l *Logger) Error(format string, args ...any) {
	if l == nil || l.sugar == nil {
		return
	}
	l.sugar.Errorf(format, args...)
}

// Sync flushes all open category logs. Called at shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	for _, l := range loggers {
		if l.sugar != nil {
			_ = l.sugar.Sync()
		}
	}
}

// Convenience helpers for the chattiest categories.

// Store logs an info message to the store category.
func Store(format string, args ...any) { Get(CategoryStore).Info(format, args...) }

// StoreDebug logs a debug message to the store category.
func StoreDebug(format string, args ...any) { Get(CategoryStore).Debug(format, args...) }

// Scheduler logs an info message to the scheduler category.
func Scheduler(format string, args ...any) { Get(CategoryScheduler).Info(format, args...) }

// Cron logs an info message to the cron category.
func Cron(format string, args ...any) { Get(CategoryCron).Info(format, args...) }

// API logs an info message to the api category.
func API(format string, args ...any) { Get(CategoryAPI).Info(format, args...) }

// Pipeline logs an info message to the pipeline category.
func Pipeline(format string, args ...any) { Get(CategoryPipeline).Info(format, args...) }
