// Package logging provides config-driven categorized file-based logging for
// meridian. Logs are written to <data>/logs/ with separate files per category.
// Logging is controlled by debug_mode in the meridian config - when false, no
// logs are written.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/subsystem.
type Category string

const (
	// Core categories
	CategoryBoot    Category = "boot"    // Startup/initialization
	CategoryStore   Category = "store"   // KV store operations
	CategoryMigrate Category = "migrate" // Schema migrations

	// Memory tier categories
	CategoryEpisodic   Category = "episodic"   // Episodic memory
	CategorySemantic   Category = "semantic"   // Semantic memory, pattern promotion
	CategoryProcedural Category = "procedural" // Procedural memory
	CategoryWorking    Category = "working"    // Working memory, attention

	// Pipeline categories
	CategoryContext   Category = "context"   // Context pipeline, compression
	CategoryIndex     Category = "index"     // Indexer surface
	CategoryEmbedding Category = "embedding" // Embedding engine

	// Engine categories
	CategorySession  Category = "session"  // Session overlays
	CategoryProgress Category = "progress" // Task tracking
	CategoryLinks    Category = "links"    // Semantic link graph
	CategorySpecs    Category = "specs"    // Spec catalog
	CategoryMetrics  Category = "metrics"  // Metrics snapshots
	CategoryGlobal   Category = "global"   // Global server client
	CategoryEngine   Category = "engine"   // Engine facade
)

// Options mirrors the relevant parts of config.LoggingConfig to avoid a
// circular import on internal/config.
type Options struct {
	DebugMode  bool            `json:"debug_mode"`
	Categories map[string]bool `json:"categories"`
	Level      string          `json:"level"`
	JSONFormat bool            `json:"json_format"`
}

// StructuredLogEntry represents a JSON log entry.
type StructuredLogEntry struct {
	Timestamp int64                  `json:"ts"`  // Unix milliseconds
	Category  string                 `json:"cat"` // Log category
	Level     string                 `json:"lvl"` // debug/info/warn/error
	Message   string                 `json:"msg"` // Log message
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger wraps a standard logger with category and file output.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	opts      Options
	optsMu    sync.RWMutex
	logLevel  int
)

// Log levels
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets up the logging directory. Should be called once at startup
// with the data directory and the resolved logging options.
func Initialize(dataDir string, o Options) error {
	if dataDir == "" {
		return fmt.Errorf("data directory required")
	}

	optsMu.Lock()
	opts = o
	switch o.Level {
	case "debug":
		logLevel = LevelDebug
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}
	optsMu.Unlock()

	logsDir = filepath.Join(dataDir, "logs")

	// Silent no-op in production mode.
	if !o.DebugMode {
		return nil
	}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== meridian logging initialized ===")
	boot.Info("Logs directory: %s", logsDir)
	boot.Info("Log level: %s", o.Level)
	return nil
}

// IsDebugMode returns whether debug logging is enabled.
func IsDebugMode() bool {
	optsMu.RLock()
	defer optsMu.RUnlock()
	return opts.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled.
func IsCategoryEnabled(category Category) bool {
	optsMu.RLock()
	defer optsMu.RUnlock()

	if !opts.DebugMode {
		return false
	}
	if opts.Categories == nil {
		return true
	}
	enabled, exists := opts.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode or the category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) || logsDir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	if l, ok := loggers[category]; ok {
		return l
	}

	// Date prefix keeps rotation trivial.
	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

func (l *Logger) logJSON(level, msg string) {
	entry := StructuredLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Printf("[%s] %s", level, msg)
		return
	}
	l.logger.Printf("%s", data)
}

// Debug logs a debug message (only if level <= debug).
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if opts.JSONFormat {
		l.logJSON("debug", msg)
	} else {
		l.logger.Printf("[DEBUG] %s", msg)
	}
}

// Info logs an informational message (only if level <= info).
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if opts.JSONFormat {
		l.logJSON("info", msg)
	} else {
		l.logger.Printf("[INFO] %s", msg)
	}
}

// Warn logs a warning message (only if level <= warn).
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if opts.JSONFormat {
		l.logJSON("warn", msg)
	} else {
		l.logger.Printf("[WARN] %s", msg)
	}
}

// Error logs an error message (always logged if logger exists).
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if opts.JSONFormat {
		l.logJSON("error", msg)
	} else {
		l.logger.Printf("[ERROR] %s", msg)
	}
}

// StructuredLog writes a fully structured log entry with custom fields.
func (l *Logger) StructuredLog(level string, msg string, fields map[string]interface{}) {
	if l.logger == nil {
		return
	}
	entry := StructuredLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
		Fields:    fields,
	}
	if opts.JSONFormat {
		if data, err := json.Marshal(entry); err == nil {
			l.logger.Printf("%s", data)
			return
		}
	}
	l.logger.Printf("[%s] %s | fields=%v", level, msg, fields)
}

// CloseAll closes all open log files (call at shutdown).
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops if the category is disabled
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) { Get(CategoryBoot).Info(format, args...) }

// BootDebug logs debug to the boot category
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }

// Store logs to the store category
func Store(format string, args ...interface{}) { Get(CategoryStore).Info(format, args...) }

// StoreDebug logs debug to the store category
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }

// Migrate logs to the migrate category
func Migrate(format string, args ...interface{}) { Get(CategoryMigrate).Info(format, args...) }

// MigrateDebug logs debug to the migrate category
func MigrateDebug(format string, args ...interface{}) { Get(CategoryMigrate).Debug(format, args...) }

// Episodic logs to the episodic category
func Episodic(format string, args ...interface{}) { Get(CategoryEpisodic).Info(format, args...) }

// EpisodicDebug logs debug to the episodic category
func EpisodicDebug(format string, args ...interface{}) { Get(CategoryEpisodic).Debug(format, args...) }

// Semantic logs to the semantic category
func Semantic(format string, args ...interface{}) { Get(CategorySemantic).Info(format, args...) }

// SemanticDebug logs debug to the semantic category
func SemanticDebug(format string, args ...interface{}) { Get(CategorySemantic).Debug(format, args...) }

// Procedural logs to the procedural category
func Procedural(format string, args ...interface{}) { Get(CategoryProcedural).Info(format, args...) }

// Working logs to the working category
func Working(format string, args ...interface{}) { Get(CategoryWorking).Info(format, args...) }

// WorkingDebug logs debug to the working category
func WorkingDebug(format string, args ...interface{}) { Get(CategoryWorking).Debug(format, args...) }

// Context logs to the context category
func Context(format string, args ...interface{}) { Get(CategoryContext).Info(format, args...) }

// ContextDebug logs debug to the context category
func ContextDebug(format string, args ...interface{}) { Get(CategoryContext).Debug(format, args...) }

// Index logs to the index category
func Index(format string, args ...interface{}) { Get(CategoryIndex).Info(format, args...) }

// IndexDebug logs debug to the index category
func IndexDebug(format string, args ...interface{}) { Get(CategoryIndex).Debug(format, args...) }

// Embedding logs to the embedding category
func Embedding(format string, args ...interface{}) { Get(CategoryEmbedding).Info(format, args...) }

// EmbeddingDebug logs debug to the embedding category
func EmbeddingDebug(format string, args ...interface{}) {
	Get(CategoryEmbedding).Debug(format, args...)
}

// Session logs to the session category
func Session(format string, args ...interface{}) { Get(CategorySession).Info(format, args...) }

// SessionDebug logs debug to the session category
func SessionDebug(format string, args ...interface{}) { Get(CategorySession).Debug(format, args...) }

// Progress logs to the progress category
func Progress(format string, args ...interface{}) { Get(CategoryProgress).Info(format, args...) }

// ProgressDebug logs debug to the progress category
func ProgressDebug(format string, args ...interface{}) { Get(CategoryProgress).Debug(format, args...) }

// Links logs to the links category
func Links(format string, args ...interface{}) { Get(CategoryLinks).Info(format, args...) }

// LinksDebug logs debug to the links category
func LinksDebug(format string, args ...interface{}) { Get(CategoryLinks).Debug(format, args...) }

// Specs logs to the specs category
func Specs(format string, args ...interface{}) { Get(CategorySpecs).Info(format, args...) }

// Metrics logs to the metrics category
func Metrics(format string, args ...interface{}) { Get(CategoryMetrics).Info(format, args...) }

// MetricsDebug logs debug to the metrics category
func MetricsDebug(format string, args ...interface{}) { Get(CategoryMetrics).Debug(format, args...) }

// Global logs to the global category
func Global(format string, args ...interface{}) { Get(CategoryGlobal).Info(format, args...) }

// GlobalDebug logs debug to the global category
func GlobalDebug(format string, args ...interface{}) { Get(CategoryGlobal).Debug(format, args...) }

// Engine logs to the engine category
func Engine(format string, args ...interface{}) { Get(CategoryEngine).Info(format, args...) }

// EngineDebug logs debug to the engine category
func EngineDebug(format string, args ...interface{}) { Get(CategoryEngine).Debug(format, args...) }

// =============================================================================
// TIMING HELPERS - For performance logging
// =============================================================================

// Timer helps measure operation duration.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
