package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions that aren't stage-specific.
var (
	// ErrMediaUnreadable indicates the media path is missing, not a regular
	// file, or has zero size.
	ErrMediaUnreadable = errors.New("media unreadable")

	// ErrJobAlreadyRunning indicates a job directory is locked by another
	// orchestrator invocation (two orchestrators sharing a job_id is
	// undefined behavior and must be prevented).
	ErrJobAlreadyRunning = errors.New("job already running")

	// ErrCacheCorrupt indicates a cache entry failed integrity verification
	// on lookup or restore and was deleted.
	ErrCacheCorrupt = errors.New("cache entry corrupt")

	// ErrCacheEntryAbsent indicates lookup found no entry for the given key.
	// Not itself a failure: callers treat it as CacheMiss.
	ErrCacheEntryAbsent = errors.New("cache entry absent")

	// ErrStageNotFound indicates a requested stage name isn't in the registry.
	ErrStageNotFound = errors.New("stage not found")

	// ErrOutputPathEscape indicates a stage attempted to write outside its
	// stage directory via a relative path containing ".." or an absolute path.
	ErrOutputPathEscape = errors.New("output path escapes stage directory")

	// ErrInvalidFilename indicates a stage output does not follow the
	// "<stage>_<descriptor>.<ext>" naming rule.
	ErrInvalidFilename = errors.New("invalid output filename")

	// ErrConfigFrozen indicates an attempt to mutate a frozen job config view.
	ErrConfigFrozen = errors.New("job config is frozen")
)

// InputInvalidError wraps a job-submission-time validation failure. The
// orchestrator exits 3 before any stage runs when it sees this kind.
type InputInvalidError struct {
	Reason string
	Err    error
}

func (e *InputInvalidError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid input: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid input: %s", e.Reason)
}

func (e *InputInvalidError) Unwrap() error { return e.Err }

// NewInputInvalidError builds an InputInvalidError.
func NewInputInvalidError(reason string, err error) *InputInvalidError {
	return &InputInvalidError{Reason: reason, Err: err}
}

// StageFailedError wraps a stage execution failure with the classification
// reason ("output_missing", a signal name, "timeout", ...).
type StageFailedError struct {
	Stage  string
	Reason string
	Err    error
}

func (e *StageFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stage %s failed (%s): %v", e.Stage, e.Reason, e.Err)
	}
	return fmt.Sprintf("stage %s failed (%s)", e.Stage, e.Reason)
}

func (e *StageFailedError) Unwrap() error { return e.Err }

// NewStageFailedError builds a StageFailedError.
func NewStageFailedError(stage, reason string, err error) *StageFailedError {
	return &StageFailedError{Stage: stage, Reason: reason, Err: err}
}

// ConfigurationError represents a job or process configuration problem.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error for %s: %s", e.Field, e.Message)
}

// NewConfigurationError builds a ConfigurationError.
func NewConfigurationError(field, message string) *ConfigurationError {
	return &ConfigurationError{Field: field, Message: message}
}
