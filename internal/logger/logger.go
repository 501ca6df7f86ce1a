// Package logger provides structured logging for Netboot Studio services.
//
// It wraps log/slog with a process-wide default logger that can be
// reconfigured at runtime. Services call Init once during startup and then
// use the package-level helpers (Debug, Info, Warn, Error) everywhere else.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level represents the logging verbosity.
type Level string

// Available log levels.
const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format represents the log output encoding.
type Format string

// Available log formats.
const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum level to emit (debug, info, warn, error).
	Level Level `mapstructure:"level" yaml:"level"`

	// Format selects the output encoding (text or json).
	Format Format `mapstructure:"format" yaml:"format"`

	// Output is where log lines are written. Defaults to stderr.
	Output io.Writer `mapstructure:"-" yaml:"-"`
}

var (
	mu     sync.Mutex
	level  = new(slog.LevelVar)
	format atomic.Value // Format
	output io.Writer    = os.Stderr
	logger atomic.Pointer[slog.Logger]
)

func init() {
	format.Store(FormatText)
	reconfigure()
}

// Init configures the process-wide logger. Safe to call more than once;
// later calls replace the previous configuration.
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()
	if cfg.Output != nil {
		output = cfg.Output
	}
	level.Set(parseLevel(cfg.Level))
	if cfg.Format != "" {
		format.Store(cfg.Format)
	}
	reconfigure()
}

// InitWithWriter configures the logger to write to w. Used by tests.
func InitWithWriter(w io.Writer, lvl Level, f Format) {
	Init(Config{Level: lvl, Format: f, Output: w})
}

// SetLevel changes the minimum level without touching the rest of the
// configuration.
func SetLevel(lvl Level) {
	level.Set(parseLevel(lvl))
}

// SetFormat changes the output encoding.
func SetFormat(f Format) {
	mu.Lock()
	defer mu.Unlock()
	format.Store(f)
	reconfigure()
}

// reconfigure rebuilds the slog handler from the current settings.
// Callers must hold mu, except the package init.
func reconfigure() {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if f, ok := format.Load().(Format); ok && f == FormatJSON {
		h = slog.NewJSONHandler(output, opts)
	} else {
		h = slog.NewTextHandler(output, opts)
	}
	logger.Store(slog.New(h))
}

func parseLevel(lvl Level) slog.Level {
	switch Level(strings.ToLower(string(lvl))) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default returns the current process-wide logger.
func Default() *slog.Logger {
	return logger.Load()
}

// With returns a logger that includes the given attributes on every record.
func With(args ...any) *slog.Logger {
	return logger.Load().With(args...)
}

// Debug logs at debug level with optional key-value pairs.
func Debug(msg string, args ...any) {
	logger.Load().Debug(msg, args...)
}

// Info logs at info level with optional key-value pairs.
func Info(msg string, args ...any) {
	logger.Load().Info(msg, args...)
}

// Warn logs at warn level with optional key-value pairs.
func Warn(msg string, args ...any) {
	logger.Load().Warn(msg, args...)
}

// Error logs at error level with optional key-value pairs.
func Error(msg string, args ...any) {
	logger.Load().Error(msg, args...)
}

// Debugf logs a formatted message at debug level.
func Debugf(format string, args ...any) {
	logger.Load().Debug(fmt.Sprintf(format, args...))
}

// Infof logs a formatted message at info level.
func Infof(format string, args ...any) {
	logger.Load().Info(fmt.Sprintf(format, args...))
}

// Warnf logs a formatted message at warn level.
func Warnf(format string, args ...any) {
	logger.Load().Warn(fmt.Sprintf(format, args...))
}

// Errorf logs a formatted message at error level.
func Errorf(format string, args ...any) {
	logger.Load().Error(fmt.Sprintf(format, args...))
}

// Duration returns the milliseconds elapsed since start, for use as a
// log attribute value.
func Duration(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
