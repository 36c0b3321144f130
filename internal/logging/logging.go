// Package logging provides structured logging infrastructure for rundown.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/meow-stack/rundown/internal/config"
)

// NewFromConfig creates a new slog.Logger based on configuration.
func NewFromConfig(cfg *config.Config, baseDir string) (*slog.Logger, io.Closer, error) {
	level := parseLevel(cfg.Logging.Level)
	handler := newHandler(cfg.Logging.Format, os.Stderr, level)

	// If a file is configured, use a multi-writer
	var closer io.Closer
	if cfg.Logging.File != "" {
		file, err := openAppend(cfg.LogFile(baseDir))
		if err != nil {
			return nil, nil, err
		}
		closer = file
		handler = newHandler(cfg.Logging.Format, io.MultiWriter(os.Stderr, file), level)
	}

	return slog.New(handler), closer, nil
}

// NewForRun creates a logger that writes only to <logs_dir>/<run-id>.log.
// Run event history stays out of the terminal, which is reserved for
// command output.
func NewForRun(cfg *config.Config, baseDir, runID string) (*slog.Logger, io.Closer, error) {
	file, err := openAppend(filepath.Join(cfg.LogsDir(baseDir), runID+".log"))
	if err != nil {
		return nil, nil, err
	}
	handler := newHandler(cfg.Logging.Format, file, parseLevel(cfg.Logging.Level))
	return WithRun(slog.New(handler), runID), file, nil
}

func openAppend(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
}

// NewForTest creates a silent logger for tests.
func NewForTest() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// parseLevel converts config log level to slog.Level.
func parseLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelInfo:
		return slog.LevelInfo
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newHandler creates a slog.Handler based on format.
func newHandler(format config.LogFormat, w io.Writer, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: level,
	}

	if format == config.LogFormatText {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// WithRun returns a logger with run context.
func WithRun(logger *slog.Logger, runID string) *slog.Logger {
	return logger.With("run_id", runID)
}

// WithRunbook returns a logger with runbook context.
func WithRunbook(logger *slog.Logger, path string) *slog.Logger {
	return logger.With("runbook", path)
}

// WithState returns a logger with machine state context.
func WithState(logger *slog.Logger, stateID string) *slog.Logger {
	return logger.With("state", stateID)
}
