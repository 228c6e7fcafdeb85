// Package stageio defines the contract between the orchestrator and a stage
// subprocess: how a stage discovers its job directory, its own
// working directory, upstream outputs, and frozen configuration, and the
// rules for where it may write.
package stageio

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jmylchreest/mediapipe/internal/jobconfig"
	"github.com/jmylchreest/mediapipe/internal/pipeline/core"
)

// filenamePattern matches "<stage>_<descriptor>.<ext>": a lowercase body of
// word characters/underscores/dashes, then a dot, then an extension. No
// leading dot or dash is permitted. Stage names themselves may
// contain underscores (e.g. "subtitle_generation"), so the stage-prefix
// check is done separately rather than folded into this shape check.
var filenamePattern = regexp.MustCompile(`^[a-z][a-z0-9_\-]*\.[A-Za-z0-9]+$`)

// Context is the frozen, per-invocation view a stage receives: its job and
// stage directories, the job's frozen config, a named logger, and resolved
// paths to upstream stage outputs.
type Context struct {
	Job        *core.Job
	StageName  string
	StageDir   string
	Config     *jobconfig.FrozenConfig
	Logger     *slog.Logger
	upstreams  map[string]string // stage name -> stage directory
}

// NewContext builds a Context for stage within job, given the resolved
// directories of its declared upstream stages.
func NewContext(job *core.Job, stageName, stageDir string, upstreams map[string]string, logger *slog.Logger) *Context {
	return &Context{
		Job:       job,
		StageName: stageName,
		StageDir:  stageDir,
		Config:    job.Config,
		Logger:    logger,
		upstreams: upstreams,
	}
}

// Upstream resolves the stage directory of a declared upstream stage by
// name. Returns an error if name was not declared as an input of this stage.
func (c *Context) Upstream(name string) (string, error) {
	dir, ok := c.upstreams[name]
	if !ok {
		return "", fmt.Errorf("stage %s: %q is not a declared upstream input", c.StageName, name)
	}
	return dir, nil
}

// OpenOutput validates and resolves an output filename within this stage's
// own directory. It rejects absolute paths, any ".." component, and
// filenames that don't follow the "<stage>_<descriptor>.<ext>" convention.
func (c *Context) OpenOutput(filename string) (string, error) {
	if filepath.IsAbs(filename) {
		return "", fmt.Errorf("%w: %s", core.ErrOutputPathEscape, filename)
	}
	if strings.Contains(filename, "..") || strings.ContainsRune(filename, filepath.Separator) {
		return "", fmt.Errorf("%w: %s", core.ErrOutputPathEscape, filename)
	}
	if !filenamePattern.MatchString(filename) {
		return "", fmt.Errorf("%w: %s does not match <stage>_<descriptor>.<ext>", core.ErrInvalidFilename, filename)
	}
	if !strings.HasPrefix(filename, c.StageName+"_") {
		return "", fmt.Errorf("%w: %s does not start with stage name %q", core.ErrInvalidFilename, filename, c.StageName)
	}
	return filepath.Join(c.StageDir, filename), nil
}

// WriteConfigSnapshot writes the job's frozen config as the read-only JSON
// file a stage subprocess receives via "--config". It is written fresh
// into the stage directory on every invocation rather than shared, so a
// stage can never observe a config mutated after it started.
func (c *Context) WriteConfigSnapshot() (string, error) {
	path := filepath.Join(c.StageDir, "config.json")
	data, err := json.MarshalIndent(c.Config.Get(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling config snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return "", fmt.Errorf("writing config snapshot: %w", err)
	}
	return path, nil
}

// ValidateOutputFilename reports whether filename is well-formed for stage,
// without resolving it against any particular directory: it must match the
// output filename pattern and start with the stage name followed by "_".
func ValidateOutputFilename(stage, filename string) error {
	if !filenamePattern.MatchString(filename) {
		return fmt.Errorf("%w: %s", core.ErrInvalidFilename, filename)
	}
	if !strings.HasPrefix(filename, stage+"_") {
		return fmt.Errorf("%w: %s does not start with stage name %q", core.ErrInvalidFilename, filename, stage)
	}
	return nil
}
