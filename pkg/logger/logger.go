// Package logger wires the process-wide slog loggers: a structured
// application logger and an optional append-only audit trail with size and
// age based rotation.
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config describes how the application logger should behave.
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	Audit       AuditConfig
}

// AuditConfig controls audit log output behaviour.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type state struct {
	app     *slog.Logger
	audit   *slog.Logger
	closers []io.Closer
}

var (
	global  state
	setupMu sync.Mutex
	ready   bool
)

// Init configures the global logger instances. Calling it twice is a no-op;
// the first configuration wins.
func Init(cfg Config) error {
	setupMu.Lock()
	defer setupMu.Unlock()
	if ready {
		return nil
	}

	st, err := build(cfg)
	if err != nil {
		return err
	}
	global = st
	ready = true
	return nil
}

func build(cfg Config) (state, error) {
	var st state

	writer, closers, err := resolveOutputs(cfg.OutputPaths)
	if err != nil {
		return st, err
	}
	st.closers = closers

	opts := &slog.HandlerOptions{Level: levelFromString(cfg.Level), AddSource: true}
	st.app = slog.New(newHandler(cfg.Format, writer, opts))
	st.audit = st.app

	if cfg.Audit.Enabled {
		sink, err := newRollingFile(cfg.Audit.Path, cfg.Audit.MaxSizeMB, cfg.Audit.MaxBackups, cfg.Audit.MaxAgeDays)
		if err != nil {
			closeAll(st.closers)
			return state{}, err
		}
		st.closers = append(st.closers, sink)
		st.audit = slog.New(slog.NewJSONHandler(sink, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return st, nil
}

func resolveOutputs(paths []string) (io.Writer, []io.Closer, error) {
	if len(paths) == 0 {
		return os.Stdout, nil, nil
	}

	var (
		writers []io.Writer
		closers []io.Closer
	)
	for _, path := range paths {
		switch strings.ToLower(path) {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				closeAll(closers)
				return nil, nil, fmt.Errorf("create log directory: %w", err)
			}
			file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				closeAll(closers)
				return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
			}
			writers = append(writers, file)
			closers = append(closers, file)
		}
	}
	if len(writers) == 1 {
		return writers[0], closers, nil
	}
	return io.MultiWriter(writers...), closers, nil
}

func newHandler(format string, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func levelFromString(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		_ = c.Close()
	}
}

// L returns the structured application logger, initialising a stdout JSON
// logger when Init was never called.
func L() *slog.Logger {
	setupMu.Lock()
	initialised := ready
	setupMu.Unlock()
	if !initialised {
		_ = Init(Config{})
	}
	return global.app
}

// Audit returns the audit logger. It falls back to the application logger
// when the audit trail is disabled.
func Audit() *slog.Logger {
	if global.audit == nil {
		return L()
	}
	return global.audit
}

// Sync flushes and closes all file-backed outputs.
func Sync() error {
	setupMu.Lock()
	defer setupMu.Unlock()
	var err error
	for _, closer := range global.closers {
		err = errors.Join(err, closer.Close())
	}
	global.closers = nil
	return err
}

// Named returns a child logger grouping attributes under the component name.
func Named(name string) *slog.Logger {
	return L().WithGroup(name)
}
