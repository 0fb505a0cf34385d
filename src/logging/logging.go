// Package logging sets up the process-wide structured logger: slog
// handlers writing through a size-rotated file, with stderr mirroring
// in debug mode.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options shapes the logger.
type Options struct {
	// Dir is where assistant.log lives. Empty logs to stderr only.
	Dir string
	// Level is one of debug, info, warn, error.
	Level string
	// Debug mirrors file output to stderr and forces debug level.
	Debug bool
	// MaxSizeMB rotates the log file past this size. Zero means 100.
	MaxSizeMB int
	// MaxBackups bounds kept rotations. Zero means 7.
	MaxBackups int
}

// Manager owns the log sink and hands out component loggers.
type Manager struct {
	mu    sync.Mutex
	root  *slog.Logger
	sink  *lumberjack.Logger // nil when logging to stderr only
	level slog.Level
}

// New builds the manager and installs its logger as slog's default.
func New(opts Options) (*Manager, error) {
	level := ParseLevel(opts.Level)
	if opts.Debug {
		level = slog.LevelDebug
	}

	m := &Manager{level: level}

	var w io.Writer = os.Stderr
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, err
		}
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		maxBackups := opts.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 7
		}
		m.sink = &lumberjack.Logger{
			Filename:   filepath.Join(opts.Dir, "assistant.log"),
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			Compress:   true,
		}
		w = m.sink
		if opts.Debug {
			w = io.MultiWriter(m.sink, os.Stderr)
		}
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	m.root = slog.New(handler)
	slog.SetDefault(m.root)
	return m, nil
}

// Logger returns the root logger.
func (m *Manager) Logger() *slog.Logger {
	return m.root
}

// Component returns a child logger tagged with the subsystem name.
func (m *Manager) Component(name string) *slog.Logger {
	return m.root.With("component", name)
}

// Rotate closes and reopens the log file (SIGHUP handler).
func (m *Manager) Rotate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sink == nil {
		return nil
	}
	return m.sink.Rotate()
}

// Close flushes and closes the sink.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sink == nil {
		return nil
	}
	return m.sink.Close()
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
