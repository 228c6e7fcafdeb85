// Package pipelog builds the structured loggers used across the
// orchestrator: a root per-job logger, a per-stage child
// logger, and sensitive-field redaction, all on top of log/slog.
package pipelog

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/m-mizutani/masq"
)

// Config controls logger construction: format, level, and whether source
// locations are attached to records.
type Config struct {
	Level     string // trace | debug | info | warn | error
	Format    string // json | text
	AddSource bool
}

// GlobalLevel is shared across every logger this package builds, so a
// single runtime level change (e.g. from a --debug flag) takes effect on
// every already-constructed logger.
var GlobalLevel = &slog.LevelVar{}

// redactor masks config/job fields that might carry credentials (e.g. a
// TMDB API key baked into job config) before they reach any log sink.
var redactor = masq.New(
	masq.WithFieldName("api_key"),
	masq.WithFieldName("ApiKey"),
	masq.WithFieldName("token"),
	masq.WithFieldName("Token"),
	masq.WithFieldName("secret"),
	masq.WithFieldName("Secret"),
)

// New builds the root "pipeline" logger, writing to w (the CLI passes
// stderr; ForJobWithAggregate adds the job's pipeline.log sink per job).
func New(cfg Config, w io.Writer) *slog.Logger {
	GlobalLevel.Set(parseLevel(cfg.Level))

	opts := &slog.HandlerOptions{
		Level:       GlobalLevel,
		AddSource:   cfg.AddSource,
		ReplaceAttr: redactor,
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler).With(slog.String("component", "pipeline"))
}

// ForJob returns a logger scoped to a single job id.
func ForJob(base *slog.Logger, jobID string) *slog.Logger {
	return base.With(slog.String("job_id", jobID))
}

// ForJobWithAggregate scopes base to jobID and additionally writes every
// record to the job's aggregate log file at logPath. If the file can't be
// opened the job-scoped logger alone is returned, so a disk problem never
// blocks the run.
func ForJobWithAggregate(base *slog.Logger, cfg Config, jobID, logPath string) *slog.Logger {
	scoped := ForJob(base, jobID)
	if logPath == "" {
		return scoped
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		scoped.Warn("could not open job log file, logging to stderr only", slog.String("error", err.Error()))
		return scoped
	}

	opts := &slog.HandlerOptions{Level: GlobalLevel, ReplaceAttr: redactor}
	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(f, opts)
	default:
		handler = slog.NewJSONHandler(f, opts)
	}
	fileLogger := slog.New(handler).With(slog.String("job_id", jobID))

	return slog.New(&teeHandler{a: scoped.Handler(), b: fileLogger.Handler()})
}

// ForStage returns a logger scoped to a single stage within a job, writing
// additionally to its own per-stage log file at stageLogPath: every stage
// gets its own stage.log plus an entry in the job's aggregate log. If
// stageLogPath can't be opened, ForStage logs to jobLogger alone and
// returns that, so a disk problem never blocks stage execution.
func ForStage(jobLogger *slog.Logger, cfg Config, stageName, stageLogPath string) *slog.Logger {
	scoped := jobLogger.With(slog.String("stage", stageName))

	if stageLogPath == "" {
		return scoped
	}
	if err := os.MkdirAll(filepath.Dir(stageLogPath), 0o750); err != nil {
		scoped.Warn("could not create stage log directory, logging to job log only", slog.String("error", err.Error()))
		return scoped
	}
	f, err := os.OpenFile(stageLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		scoped.Warn("could not open stage log file, logging to job log only", slog.String("error", err.Error()))
		return scoped
	}

	opts := &slog.HandlerOptions{Level: GlobalLevel, ReplaceAttr: redactor}
	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(f, opts)
	default:
		handler = slog.NewJSONHandler(f, opts)
	}
	fileLogger := slog.New(handler).With(slog.String("stage", stageName))

	return slog.New(&teeHandler{a: scoped.Handler(), b: fileLogger.Handler()})
}

func parseLevel(level string) slog.Level {
	switch level {
	case "trace":
		return slog.LevelDebug - 4
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

// SetLevel changes the shared log level at runtime (e.g. when --debug is
// passed to the `run` subcommand after loggers already exist).
func SetLevel(level string) {
	GlobalLevel.Set(parseLevel(level))
}
