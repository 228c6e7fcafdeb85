package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmylchreest/mediapipe/internal/pipeline/core"
	"github.com/stretchr/testify/require"
)

// scriptEnv points an Invocation's Environment at a literal absolute script
// path via the PIPELINE_ENV_<LABEL> override, so tests never depend on any
// real stage binary being installed.
func scriptEnv(t *testing.T, label, script string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "run.sh")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o750))
	t.Setenv(envVarFor(label), path)
}

func TestRunSuccessWithDeclaredOutputs(t *testing.T) {
	workDir := t.TempDir()
	outPath := filepath.Join(workDir, "demux_audio.wav")
	scriptEnv(t, "demux_test", "#!/bin/sh\necho -n data > \"$1\"\nexit 0\n")

	outcome, err := Run(context.Background(), Invocation{
		StageName:       "demux",
		Environment:     "demux_test",
		Args:            []string{outPath},
		WorkDir:         workDir,
		Timeout:         5 * time.Second,
		DeclaredOutputs: []string{outPath},
	})
	require.NoError(t, err)
	require.Equal(t, 0, outcome.ExitCode)
	require.False(t, outcome.ToleratedCrash)
}

func TestRunFailsWhenDeclaredOutputMissing(t *testing.T) {
	workDir := t.TempDir()
	missing := filepath.Join(workDir, "demux_audio.wav")
	scriptEnv(t, "demux_test2", "#!/bin/sh\nexit 0\n")

	_, err := Run(context.Background(), Invocation{
		StageName:       "demux",
		Environment:     "demux_test2",
		WorkDir:         workDir,
		Timeout:         5 * time.Second,
		DeclaredOutputs: []string{missing},
	})
	require.Error(t, err)
	var sfe *core.StageFailedError
	require.ErrorAs(t, err, &sfe)
	require.Equal(t, ReasonOutputMissing, sfe.Reason)
}

func TestRunNonZeroExitFails(t *testing.T) {
	workDir := t.TempDir()
	scriptEnv(t, "asr_test", "#!/bin/sh\nexit 1\n")

	_, err := Run(context.Background(), Invocation{
		StageName: "asr",
		Environment: "asr_test",
		WorkDir:   workDir,
		Timeout:   5 * time.Second,
	})
	require.Error(t, err)
	var sfe *core.StageFailedError
	require.ErrorAs(t, err, &sfe)
	require.Equal(t, ReasonNonZeroExit, sfe.Reason)
}

func TestRunToleratesIsolatedCrashWhenOutputsPresent(t *testing.T) {
	workDir := t.TempDir()
	outPath := filepath.Join(workDir, "alignment_aligned.json")
	scriptEnv(t, "align_test", "#!/bin/sh\necho -n '{}' > \"$1\"\nexit 139\n")

	outcome, err := Run(context.Background(), Invocation{
		StageName:       "alignment",
		Environment:     "align_test",
		Args:            []string{outPath},
		WorkDir:         workDir,
		Timeout:         5 * time.Second,
		DeclaredOutputs: []string{outPath},
		Isolate:         true,
	})
	require.NoError(t, err)
	require.True(t, outcome.ToleratedCrash)
}

func TestRunDoesNotTolerateCrashWithoutOutputsEvenWhenIsolated(t *testing.T) {
	workDir := t.TempDir()
	missing := filepath.Join(workDir, "alignment_aligned.json")
	scriptEnv(t, "align_test2", "#!/bin/sh\nexit 139\n")

	_, err := Run(context.Background(), Invocation{
		StageName:       "alignment",
		Environment:     "align_test2",
		WorkDir:         workDir,
		Timeout:         5 * time.Second,
		DeclaredOutputs: []string{missing},
		Isolate:         true,
	})
	require.Error(t, err)
}

func TestRunTimesOut(t *testing.T) {
	workDir := t.TempDir()
	scriptEnv(t, "slow_test", "#!/bin/sh\nsleep 5\n")

	_, err := Run(context.Background(), Invocation{
		StageName:       "asr",
		Environment:     "slow_test",
		WorkDir:         workDir,
		Timeout:         100 * time.Millisecond,
		GracefulTimeout: 50 * time.Millisecond,
	})
	require.Error(t, err)
	var sfe *core.StageFailedError
	require.ErrorAs(t, err, &sfe)
	require.Equal(t, ReasonTimeout, sfe.Reason)
}

func TestRunCancelledMidStage(t *testing.T) {
	workDir := t.TempDir()
	scriptEnv(t, "cancel_test", "#!/bin/sh\nsleep 5\n")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := Run(ctx, Invocation{
		StageName:       "asr",
		Environment:     "cancel_test",
		WorkDir:         workDir,
		Timeout:         30 * time.Second,
		GracefulTimeout: 50 * time.Millisecond,
	})
	require.Error(t, err)
	var sfe *core.StageFailedError
	require.ErrorAs(t, err, &sfe)
	require.Equal(t, ReasonCancelled, sfe.Reason)
}

func TestRunBinaryNotFound(t *testing.T) {
	workDir := t.TempDir()
	_, err := Run(context.Background(), Invocation{
		StageName:   "asr",
		Environment: "nonexistent_binary_label_xyz",
		WorkDir:     workDir,
		Timeout:     time.Second,
	})
	require.Error(t, err)
	var sfe *core.StageFailedError
	require.ErrorAs(t, err, &sfe)
	require.Equal(t, ReasonBinaryNotFound, sfe.Reason)
}
