package cmd

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/jmylchreest/mediapipe/internal/pipeline/core"
)

var (
	prepareWorkflow        string
	prepareSourceLanguage  string
	prepareTargetLanguages []string
	prepareConfigOverride  string
	prepareSchedule        string
)

var prepareCmd = &cobra.Command{
	Use:   "prepare <media-path>",
	Short: "Create a new job directory and descriptor for a media file",
	Long: `prepare assigns a job id, creates its job directory under --job-root,
and writes a job.yaml descriptor that "mediapipe run" consumes. It does not
run any stage; it only lays out the job for a later (or resumed) run.`,
	Args: cobra.ExactArgs(1),
	RunE: runPrepare,
}

func init() {
	prepareCmd.Flags().StringVar(&prepareWorkflow, "workflow", string(core.WorkflowTranscribe), "workflow to run: transcribe, translate, subtitle")
	prepareCmd.Flags().StringVar(&prepareSourceLanguage, "source-language", "", "source language ISO-639-1 code")
	prepareCmd.Flags().StringSliceVar(&prepareTargetLanguages, "target-language", nil, "target language code (repeatable)")
	prepareCmd.Flags().StringVar(&prepareConfigOverride, "config", "", "job config override YAML file, merged over defaults by jobconfig")
	prepareCmd.Flags().StringVar(&prepareSchedule, "schedule", "", "optional 5-field cron expression; validated and recorded, not acted on by this process")
	rootCmd.AddCommand(prepareCmd)
}

func runPrepare(cmd *cobra.Command, args []string) error {
	mediaPath, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolving media path: %w", err)
	}
	if err := core.ValidateMediaPath(mediaPath); err != nil {
		return err
	}

	workflow := core.Workflow(prepareWorkflow)
	if !workflow.Valid() {
		return fmt.Errorf("unknown workflow %q: must be transcribe, translate, or subtitle", prepareWorkflow)
	}

	if prepareSchedule != "" {
		if _, err := cron.ParseStandard(prepareSchedule); err != nil {
			return fmt.Errorf("invalid --schedule expression: %w", err)
		}
		// Recorded for an external scheduler to read; this process runs one
		// job to completion and never re-triggers itself.
	}

	username := "anon"
	if u, err := user.Current(); err == nil && u.Username != "" {
		username = u.Username
	}
	sequence, err := nextSequence(jobRoot, username, time.Now())
	if err != nil {
		return fmt.Errorf("computing job sequence: %w", err)
	}
	jobID := core.NewJobID(time.Now(), username, sequence)
	jobDir := filepath.Join(jobRoot, jobID)

	configOverride := prepareConfigOverride
	if configOverride != "" {
		if configOverride, err = filepath.Abs(configOverride); err != nil {
			return fmt.Errorf("resolving --config path: %w", err)
		}
	}

	descriptor := &jobDescriptor{
		JobID:           jobID,
		Workflow:        string(workflow),
		MediaPath:       mediaPath,
		SourceLanguage:  prepareSourceLanguage,
		TargetLanguages: prepareTargetLanguages,
		ConfigOverride:  configOverride,
		Schedule:        prepareSchedule,
	}
	if err := saveJobDescriptor(jobDir, descriptor); err != nil {
		return err
	}

	fmt.Printf("prepared job %s in %s\n", jobID, jobDir)
	fmt.Printf("run it with: mediapipe run --job-id %s\n", jobID)
	return nil
}

// nextSequence scans jobRoot for existing job directories stamped with
// today's date and username, returning one past the highest sequence found.
// This keeps "prepare" usable without a separate counter service. The scan
// takes no lock, so two concurrent prepares for the same user and day can
// pick the same sequence, and the later one overwrites the job.yaml.
func nextSequence(root, username string, now time.Time) (int, error) {
	prefix := fmt.Sprintf("%s-%s-", now.Format("20060102"), username)
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 1, nil
		}
		return 0, err
	}
	max := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
			continue
		}
		var seq int
		if _, err := fmt.Sscanf(name[len(prefix):], "%04d", &seq); err == nil && seq > max {
			max = seq
		}
	}
	return max + 1, nil
}
