package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/mediapipe/internal/pipeline/core"
)

// jobDescriptor is the on-disk "job.yaml" written by "prepare" and read by
// "run". It is the thin, out-of-scope CLI wrapper's business-logic
// boundary: everything downstream of it operates on a core.Job.
type jobDescriptor struct {
	JobID           string   `yaml:"job_id"`
	Workflow        string   `yaml:"workflow"`
	MediaPath       string   `yaml:"media_path"`
	SourceLanguage  string   `yaml:"source_language"`
	TargetLanguages []string `yaml:"target_languages,omitempty"`
	ConfigOverride  string   `yaml:"config_override,omitempty"`
	// Schedule is a validated cron expression recorded for an external
	// scheduler; "run" itself never reads it.
	Schedule string `yaml:"schedule,omitempty"`
}

func jobDescriptorPath(jobDir string) string {
	return filepath.Join(jobDir, "job.yaml")
}

func saveJobDescriptor(jobDir string, d *jobDescriptor) error {
	data, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshaling job descriptor: %w", err)
	}
	if err := os.MkdirAll(jobDir, 0o750); err != nil {
		return fmt.Errorf("creating job directory: %w", err)
	}
	if err := os.WriteFile(jobDescriptorPath(jobDir), data, 0o640); err != nil {
		return fmt.Errorf("writing job descriptor: %w", err)
	}
	return nil
}

func loadJobDescriptor(jobDir string) (*jobDescriptor, error) {
	data, err := os.ReadFile(jobDescriptorPath(jobDir))
	if err != nil {
		return nil, fmt.Errorf("reading job descriptor: %w", err)
	}
	var d jobDescriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parsing job descriptor: %w", err)
	}
	return &d, nil
}

// workflow returns the descriptor's workflow as a core.Workflow.
func (d *jobDescriptor) workflow() core.Workflow {
	return core.Workflow(d.Workflow)
}
