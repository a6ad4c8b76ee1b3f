package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 1000

// Logger is a duck-typed interface satisfied by *slog.Logger.
// Use this interface instead of *slog.Logger to decouple from the concrete type.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config represents logging configuration.
type Config struct {
	Level   string            `toml:"level"`
	Format  string            `toml:"format"`
	Modules map[string]string `toml:"modules"`
	// BufferSize is the number of entries kept for the log stream. Default 1000.
	BufferSize int `toml:"buffer_size"`
	// Output overrides stdout. Used by tests.
	Output io.Writer `toml:"-"`
}

type sinkBox struct {
	h slog.Handler
}

var (
	mutex           sync.RWMutex
	moduleLoggers   = make(map[string]*slog.Logger)
	moduleLevelVars = make(map[string]*slog.LevelVar)
	globalConfig    Config
	globalLevel     = slog.LevelInfo

	logBuffer   atomic.Pointer[RingBuffer]
	logCallback atomic.Pointer[LogCallback]
	sink        atomic.Pointer[sinkBox]
)

func init() {
	sink.Store(&sinkBox{h: slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})})
}

// Initialize sets up the logging system. Loggers obtained from GetLogger
// before Initialize keep working and pick up the new levels and outputs.
func Initialize(config Config) {
	mutex.Lock()
	defer mutex.Unlock()

	globalConfig = config
	globalLevel = slog.LevelInfo
	if l := parseLevel(config.Level); l != nil {
		globalLevel = *l
	}

	size := config.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}
	logBuffer.Store(NewRingBuffer(size))
	sink.Store(&sinkBox{h: createHandler(config)})

	for module, levelVar := range moduleLevelVars {
		levelVar.Set(moduleLevelLocked(module))
	}
	slog.SetDefault(getLoggerLocked("app"))
}

// GetBuffer returns the log ring buffer for reading historical logs.
// It is nil until Initialize runs.
func GetBuffer() *RingBuffer {
	return logBuffer.Load()
}

// SetLogCallback sets a callback to be called for each new log entry.
// Used for publishing log events to SSE clients.
func SetLogCallback(callback LogCallback) {
	if callback == nil {
		logCallback.Store(nil)
		return
	}
	logCallback.Store(&callback)
}

// GetLogger returns a logger for the specified module, creating it if needed.
// The same pointer is returned for the lifetime of the process.
func GetLogger(module string) *slog.Logger {
	mutex.RLock()
	logger, ok := moduleLoggers[module]
	mutex.RUnlock()
	if ok {
		return logger
	}

	mutex.Lock()
	defer mutex.Unlock()
	return getLoggerLocked(module)
}

// getLoggerLocked is GetLogger for callers holding mutex.
func getLoggerLocked(module string) *slog.Logger {
	if logger, ok := moduleLoggers[module]; ok {
		return logger
	}
	levelVar := &slog.LevelVar{}
	levelVar.Set(moduleLevelLocked(module))

	logger := slog.New(&moduleHandler{level: levelVar}).With("module", module)
	moduleLoggers[module] = logger
	moduleLevelVars[module] = levelVar
	return logger
}

// SetModuleLevel changes one module's level at runtime. An empty level
// drops the override and falls back to the global level.
func SetModuleLevel(module, level string) error {
	mutex.Lock()
	defer mutex.Unlock()

	if globalConfig.Modules == nil {
		globalConfig.Modules = make(map[string]string)
	}
	if level == "" {
		delete(globalConfig.Modules, module)
	} else {
		if parseLevel(level) == nil {
			return fmt.Errorf("unknown log level %q", level)
		}
		globalConfig.Modules[module] = level
	}

	getLoggerLocked(module)
	moduleLevelVars[module].Set(moduleLevelLocked(module))
	return nil
}

// Levels returns the effective level of every module that has a logger.
func Levels() map[string]string {
	mutex.RLock()
	defer mutex.RUnlock()
	out := make(map[string]string, len(moduleLevelVars))
	for module, lv := range moduleLevelVars {
		out[module] = levelToString(lv.Level())
	}
	return out
}

// Overrides returns a copy of the configured per-module levels.
func Overrides() map[string]string {
	mutex.RLock()
	defer mutex.RUnlock()
	return maps.Clone(globalConfig.Modules)
}

func moduleLevelLocked(module string) slog.Level {
	if s, ok := globalConfig.Modules[module]; ok {
		if l := parseLevel(s); l != nil {
			return *l
		}
	}
	return globalLevel
}

// moduleHandler filters by its module's level and forwards to whatever
// sink Initialize installed most recently.
type moduleHandler struct {
	level *slog.LevelVar
	ops   []func(slog.Handler) slog.Handler
}

func (h *moduleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *moduleHandler) Handle(ctx context.Context, r slog.Record) error {
	out := sink.Load().h
	for _, op := range h.ops {
		out = op(out)
	}
	return out.Handle(ctx, r)
}

func (h *moduleHandler) with(op func(slog.Handler) slog.Handler) *moduleHandler {
	ops := make([]func(slog.Handler) slog.Handler, len(h.ops), len(h.ops)+1)
	copy(ops, h.ops)
	return &moduleHandler{level: h.level, ops: append(ops, op)}
}

func (h *moduleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return h.with(func(next slog.Handler) slog.Handler { return next.WithAttrs(attrs) })
}

func (h *moduleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.with(func(next slog.Handler) slog.Handler { return next.WithGroup(name) })
}

// createHandler builds the output chain: stdout (or config.Output), the
// journal when available, and the ring buffer feeding the log stream.
// Level filtering happens per module before records get here.
func createHandler(config Config) slog.Handler {
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}

	var handlers []slog.Handler
	out := config.Output
	if out == nil && isStdoutAvailable() {
		out = os.Stdout
	}
	if out != nil {
		if config.Format == "json" {
			handlers = append(handlers, slog.NewJSONHandler(out, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(out, opts))
		}
	}
	if config.Output == nil && IsJournalAvailable() {
		handlers = append(handlers, NewJournalHandler())
	}
	handlers = append(handlers, NewBufferHandler())

	if len(handlers) == 1 {
		return handlers[0]
	}
	return NewMultiHandler(handlers...)
}

// isStdoutAvailable checks if stdout is connected to a terminal, pipe, socket, or file.
func isStdoutAvailable() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	mode := fi.Mode()
	return (mode&os.ModeCharDevice) != 0 || (mode&os.ModeNamedPipe) != 0 || (mode&os.ModeSocket) != 0 || mode.IsRegular()
}

// parseLevel converts string level to slog.Level.
func parseLevel(level string) *slog.Level {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		return nil
	}
	return &l
}
