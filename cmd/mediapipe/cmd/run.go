package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/mediapipe/internal/jobconfig"
	"github.com/jmylchreest/mediapipe/internal/pipeline/cache"
	"github.com/jmylchreest/mediapipe/internal/pipeline/core"
	"github.com/jmylchreest/mediapipe/internal/pipeline/orchestrator"
	"github.com/jmylchreest/mediapipe/internal/pipelog"
)

var (
	runJobID  string
	runDebug  bool
	runResume bool
)

// Exit codes per the CLI surface contract: 0 completed, 2 partial, 3
// failed (including failure before the first stage ran), 130 cancelled.
const (
	exitCompleted = 0
	exitPartial   = 2
	exitFailed    = 3
	exitCancelled = 130
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run (or resume) a prepared job to completion",
	Long: `run loads a job directory created by "mediapipe prepare", builds the
execution plan for its workflow, and drives every planned stage through the
cache and stage runner. --resume is a no-op if the job already completed;
otherwise it continues past whatever the manifest already recorded as
terminal.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runJobID, "job-id", "", "job id, as created by \"prepare\" (required)")
	runCmd.Flags().BoolVar(&runDebug, "debug", false, "force debug-level logging for this run")
	runCmd.Flags().BoolVar(&runResume, "resume", false, "continue a job whose manifest already has progress recorded")
	_ = runCmd.MarkFlagRequired("job-id")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	if runDebug {
		pipelog.SetLevel("debug")
	}

	jobDir := filepath.Join(jobRoot, runJobID)
	descriptor, err := loadJobDescriptor(jobDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitFailed)
	}

	cfg, err := jobconfig.Load(resolveConfigOverride(jobDir, descriptor.ConfigOverride))
	if err != nil {
		fmt.Fprintln(os.Stderr, "loading job config:", err)
		os.Exit(exitFailed)
	}

	job := &core.Job{
		JobID:           descriptor.JobID,
		Workflow:        descriptor.workflow(),
		MediaPath:       descriptor.MediaPath,
		SourceLanguage:  descriptor.SourceLanguage,
		TargetLanguages: descriptor.TargetLanguages,
		JobDir:          jobDir,
		Config:          cfg.Freeze(),
		Debug:           runDebug,
	}

	if !runResume {
		if existing, err := core.LoadManifest(job); err == nil && existing != nil && existing.Status == core.JobStatusCompleted {
			fmt.Printf("job %s already completed; pass --resume to re-check\n", job.JobID)
			return nil
		}
	}

	var store *cache.Store
	if cfg.Cache.Enabled {
		root := expandHome(cfg.Cache.Root)
		store, err = cache.Open(root)
		if err != nil {
			fmt.Fprintln(os.Stderr, "opening cache store:", err)
			os.Exit(exitFailed)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	o := orchestrator.New(logger, logConfig, store)
	manifest, runErr := o.Run(ctx, job)

	if manifest != nil {
		printJobSummary(manifest)
	}

	if errors.Is(ctx.Err(), context.Canceled) {
		os.Exit(exitCancelled)
	}
	if runErr != nil {
		fmt.Fprintln(os.Stderr, runErr)
		os.Exit(exitFailed)
	}

	switch manifest.Status {
	case core.JobStatusCompleted:
		os.Exit(exitCompleted)
	case core.JobStatusPartial:
		os.Exit(exitPartial)
	default:
		os.Exit(exitFailed)
	}
	return nil
}

// printJobSummary prints the job-level status plus, for every stage that
// did not end in success, the path to its log and its one-line error
// summary, so an operator can see what to resume without opening the
// manifest.
func printJobSummary(m *core.Manifest) {
	stages := make([]*core.StageInvocation, 0, len(m.Stages))
	for _, inv := range m.Stages {
		stages = append(stages, inv)
	}
	sort.Slice(stages, func(i, j int) bool { return stages[i].Ordinal < stages[j].Ordinal })

	var hits int
	var total float64
	for _, inv := range stages {
		if inv.CacheSource == core.CacheSourceHit {
			hits++
		}
		total += inv.DurationS
	}
	fmt.Printf("job %s: %s (%d stages, %d cache hits, %.1fs)\n",
		m.JobID, m.Status, len(stages), hits, total)

	for _, inv := range stages {
		switch inv.Status {
		case core.StageStatusSuccess, core.StageStatusCacheHit, core.StageStatusSkipped:
			continue
		}
		fmt.Printf("  %s: %s", inv.Stage, inv.Status)
		if inv.Error != "" {
			fmt.Printf(": %s", inv.Error)
		}
		if inv.LogPath != "" {
			fmt.Printf(" (log: %s)", inv.LogPath)
		}
		fmt.Println()
	}
}

// resolveConfigOverride resolves the descriptor's config_override path
// relative to the job directory unless it is already absolute or empty.
func resolveConfigOverride(jobDir, configOverride string) string {
	if configOverride == "" || filepath.IsAbs(configOverride) {
		return configOverride
	}
	return filepath.Join(jobDir, configOverride)
}

func expandHome(path string) string {
	if len(path) < 2 || path[:2] != "~/" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
