// Package logger provides standardized logging utilities for the flowjit pipeline.
//
// Until Init runs every call is discarded, so library users see no output
// unless they ask for it.
package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
)

var (
	current atomic.Pointer[slog.Logger]
	discard = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
)

func get() *slog.Logger {
	if l := current.Load(); l != nil {
		return l
	}
	return discard
}

// Config holds logger configuration
type Config struct {
	Level     slog.Level
	Format    string // "text", "json" or "auto"
	Output    io.Writer
	AddSource bool
	// LogFile, when set, replaces Output with the file opened for append.
	LogFile string
}

// Init installs the global logger.
func Init(cfg Config) error {
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.LogFile != "" {
		file, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return errors.Wrap(err, "open log file")
		}
		output = file
	}

	opts := &slog.HandlerOptions{Level: cfg.Level, AddSource: cfg.AddSource}
	var handler slog.Handler
	switch format := resolveFormat(cfg.Format, output); format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		return errors.Errorf("unknown log format %q", format)
	}

	l := slog.New(handler)
	current.Store(l)
	slog.SetDefault(l)
	return nil
}

// resolveFormat picks text for terminals and json for everything else when
// the format is "auto".
func resolveFormat(format string, output io.Writer) string {
	if format != "auto" && format != "" {
		return format
	}
	if f, ok := output.(*os.File); ok {
		fd := f.Fd()
		if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
			return "text"
		}
	}
	return "json"
}

// InitDev logs everything as text to stderr, with source positions.
func InitDev() {
	_ = Init(Config{Level: slog.LevelDebug, Format: "text", AddSource: true})
}

// InitProd appends info and above as JSON to flowjit.log in logDir.
func InitProd(logDir string) error {
	return Init(Config{
		Level:   slog.LevelInfo,
		Format:  "json",
		LogFile: filepath.Join(logDir, "flowjit.log"),
	})
}

// ParseLevel maps a level name to a level, defaulting to info.
func ParseLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func Debug(msg string, args ...any) { get().Debug(msg, args...) }
func Info(msg string, args ...any)  { get().Info(msg, args...) }
func Warn(msg string, args ...any)  { get().Warn(msg, args...) }
func Error(msg string, args ...any) { get().Error(msg, args...) }

// With returns a child of the current logger. Children made before Init
// keep discarding.
func With(args ...any) *slog.Logger { return get().With(args...) }

// Pipeline-specific logging helpers

// LogPhase logs the start of a compilation phase
func LogPhase(phase string, fn string) {
	Debug("Starting compilation phase", "phase", phase, "function", fn)
}

// LogGraphBuilt logs flow graph construction
func LogGraphBuilt(fn string, blockCount, instrCount int) {
	Debug("Flow graph built", "function", fn, "blocks", blockCount, "instructions", instrCount)
}

// LogOptimization logs the rewrite count of an optimizer pass.
func LogOptimization(pass string, changes int) {
	Debug("Optimization pass complete", "pass", pass, "changes", changes)
}

// LogSpecialization logs a single feedback-driven rewrite
func LogSpecialization(fn string, deoptID int, from, to string) {
	Debug("Specialized computation",
		"function", fn,
		"deopt_id", deoptID,
		"from", from,
		"to", to)
}

func LogCodeGen(arch string, fn string, codeSize int, optimized bool) {
	Debug("Generated code",
		"arch", arch,
		"function", fn,
		"size", humanize.Bytes(uint64(codeSize)),
		"optimized", optimized)
}

// LogBailout logs an abandoned optimized compilation
func LogBailout(fn string, reason string) {
	Info("Optimized compilation bailed out", "function", fn, "reason", reason)
}

// LogDeopt logs a deoptimization event
func LogDeopt(fn string, deoptID int, reason string, count int) {
	Info("Deoptimized",
		"function", fn,
		"deopt_id", deoptID,
		"reason", reason,
		"deopt_count", count)
}

// LogInstall logs code installation
func LogInstall(fn string, entry uintptr, size int, optimized bool) {
	Debug("Installed code",
		"function", fn,
		"entry", entry,
		"size", humanize.Bytes(uint64(size)),
		"optimized", optimized)
}
