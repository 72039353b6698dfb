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

// Config describes how the process-wide logger should behave.
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	Audit       AuditConfig
}

// AuditConfig controls the dedicated audit trail output.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var global struct {
	mu      sync.Mutex
	app     *slog.Logger
	audit   *slog.Logger
	closers []io.Closer
	ready   bool
}

// Init configures the global application and audit loggers. A second call
// after a successful one is a no-op.
func Init(cfg Config) error {
	global.mu.Lock()
	defer global.mu.Unlock()
	if global.ready {
		return nil
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: true}
	sink, err := openSinks(cfg.OutputPaths)
	if err != nil {
		return err
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(sink, opts)
	} else {
		handler = slog.NewJSONHandler(sink, opts)
	}
	global.app = slog.New(handler)
	global.audit = global.app

	if cfg.Audit.Enabled {
		if cfg.Audit.Path == "" {
			return errors.New("audit log path cannot be empty when enabled")
		}
		roll, err := newRollingFile(cfg.Audit.Path, cfg.Audit.MaxSizeMB, cfg.Audit.MaxBackups, cfg.Audit.MaxAgeDays)
		if err != nil {
			return err
		}
		global.closers = append(global.closers, roll)
		global.audit = slog.New(slog.NewJSONHandler(roll, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	global.ready = true
	return nil
}

// openSinks resolves output paths into a single writer. stdout/stderr are
// recognised as well-known names, everything else is an append-only file.
func openSinks(paths []string) (io.Writer, error) {
	if len(paths) == 0 {
		return os.Stdout, nil
	}
	writers := make([]io.Writer, 0, len(paths))
	for _, path := range paths {
		switch strings.ToLower(path) {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("create log directory: %w", err)
			}
			file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open log file %s: %w", path, err)
			}
			global.closers = append(global.closers, file)
			writers = append(writers, file)
		}
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

func parseLevel(raw string) slog.Level {
	name := strings.TrimSpace(raw)
	if strings.EqualFold(name, "warning") {
		name = "warn"
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// L returns the application logger, initialising a default one on first use.
func L() *slog.Logger {
	global.mu.Lock()
	ready := global.ready
	global.mu.Unlock()
	if !ready {
		_ = Init(Config{})
	}
	return global.app
}

// Audit returns the audit trail logger.
func Audit() *slog.Logger {
	if global.audit == nil {
		return L()
	}
	return global.audit
}

// Named returns a child logger tagged with a component name.
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}

// Sync closes file-backed outputs. Call it once during shutdown.
func Sync() error {
	global.mu.Lock()
	defer global.mu.Unlock()
	var err error
	for _, closer := range global.closers {
		err = errors.Join(err, closer.Close())
	}
	global.closers = nil
	return err
}
