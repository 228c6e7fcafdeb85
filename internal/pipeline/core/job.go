package core

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmylchreest/mediapipe/internal/jobconfig"
)

// Job is a single pipeline run: immutable once created.
type Job struct {
	JobID           string
	Workflow        Workflow
	MediaPath       string
	SourceLanguage  string
	TargetLanguages []string
	JobDir          string
	Config          *jobconfig.FrozenConfig
	StartOffset     *float64
	EndOffset       *float64
	Debug           bool
}

// StageDir returns the isolated working directory for a stage, following
// the "<job_dir>/<ordinal>_<name>/" layout.
func (j *Job) StageDir(ordinal int, name string) string {
	return filepath.Join(j.JobDir, fmt.Sprintf("%02d_%s", ordinal, name))
}

// ManifestPath returns the path to this job's manifest.json.
func (j *Job) ManifestPath() string {
	return filepath.Join(j.JobDir, "manifest.json")
}

// LockPath returns the path to this job's advisory lock file: two
// orchestrators sharing a job id is undefined behavior and must be prevented.
func (j *Job) LockPath() string {
	return filepath.Join(j.JobDir, ".lock")
}

// PipelineLogPath returns the path to this job's aggregate log file.
func (j *Job) PipelineLogPath() string {
	return filepath.Join(j.JobDir, "pipeline.log")
}

// NewJobID builds a "date-user-sequence" job id for a given clock,
// user, and per-user sequence counter. The caller supplies a strictly
// increasing sequence (e.g. from a per-user counter file) since job ids are
// constructed by the out-of-scope CLI wrapper in production use; this
// helper exists so tests and the `prepare` subcommand share one format.
func NewJobID(now time.Time, user string, sequence int) string {
	if user == "" {
		user = "anon"
	}
	return fmt.Sprintf("%s-%s-%04d", now.Format("20060102"), user, sequence)
}

// ValidateMediaPath checks the media-file preconditions: the path must
// exist, be a regular file, and be non-empty.
func ValidateMediaPath(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMediaUnreadable, path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s: not a regular file", ErrMediaUnreadable, path)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: %s: zero size", ErrMediaUnreadable, path)
	}
	return nil
}
