// Package logging builds the structured zerolog logger used by both
// binaries. Unlike cuemby-warren's pkg/log (a package-level global), New
// returns an instance per process: a worker watcher and an orchestrator
// listener running in the same test binary must never share one logger
// identity, since each stamps a different "worker" field.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls logger construction. Level and Format come straight
// from WatcherConfig/OrchestratorConfig's log_level/log_format fields.
// Stdout/Stderr default to os.Stdout/os.Stderr and exist so tests can
// inject buffers without losing the level-based stream split.
type Config struct {
	Level  string
	Format string // "json" or "text"
	Stdout io.Writer
	Stderr io.Writer
}

// levelSplitWriter routes warning-and-above records to err, everything
// else to info — the zerolog equivalent of original_source's
// StructuredLogger picking sys.stderr for warning/error/critical.
type levelSplitWriter struct {
	info io.Writer
	err  io.Writer
}

func (w levelSplitWriter) Write(p []byte) (int, error) {
	return w.info.Write(p)
}

func (w levelSplitWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level >= zerolog.WarnLevel {
		return w.err.Write(p)
	}
	return w.info.Write(p)
}

// New builds a root logger for component (e.g. "workerwatcher",
// "orchestratorlistener"), with level and format per cfg.
func New(component string, cfg Config) zerolog.Logger {
	level := parseLevel(cfg.Level)

	stdout := cfg.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := cfg.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	var writer zerolog.LevelWriter
	if cfg.Format == "text" {
		writer = levelSplitWriter{
			info: zerolog.ConsoleWriter{Out: stdout, TimeFormat: time.RFC3339},
			err:  zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.RFC3339},
		}
	} else {
		writer = levelSplitWriter{info: stdout, err: stderr}
	}

	base := zerolog.New(writer)
	return base.Level(level).With().Timestamp().Str("logger", component).Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "critical", "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithWorker returns a child logger carrying the worker field, the
// equivalent of cuemby-warren's log.WithNodeID but threaded explicitly
// rather than read off a package global.
func WithWorker(l zerolog.Logger, worker string) zerolog.Logger {
	return l.With().Str("worker", worker).Logger()
}

// WithTask returns a child logger carrying the task_id field.
func WithTask(l zerolog.Logger, taskID string) zerolog.Logger {
	return l.With().Str("task_id", taskID).Logger()
}
