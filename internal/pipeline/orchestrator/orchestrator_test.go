package orchestrator

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jmylchreest/mediapipe/internal/jobconfig"
	"github.com/jmylchreest/mediapipe/internal/pipeline/cache"
	"github.com/jmylchreest/mediapipe/internal/pipeline/core"
	"github.com/jmylchreest/mediapipe/internal/pipeline/registry"
	"github.com/jmylchreest/mediapipe/internal/pipelog"
	"github.com/stretchr/testify/require"
)

// universalStub writes each well-known stage's declared output file into its
// stage directory, dispatching on the "--stage" flag the Orchestrator always
// passes. One script stands in for every opaque stage binary in these tests.
const universalStub = `#!/bin/sh
stage=""
dir=""
lang=""
while [ $# -gt 0 ]; do
  case "$1" in
    --stage) stage="$2"; shift 2;;
    --stage-dir) dir="$2"; shift 2;;
    --job-dir) shift 2;;
    --target-language) lang="$2"; shift 2;;
    *) shift;;
  esac
done
if [ -n "$STUB_FAIL_STAGE" ] && [ "$stage" = "$STUB_FAIL_STAGE" ]; then
  echo "synthetic failure in $stage" >&2
  exit 1
fi
case "$stage" in
  demux) printf x > "$dir/demux_audio.wav";;
  tmdb_enrich) printf '{}' > "$dir/tmdb_enrich_metadata.json";;
  glossary_load) printf '{}' > "$dir/glossary_load_terms.json";;
  source_separation) printf x > "$dir/source_separation_vocals.wav";;
  vad) printf '[]' > "$dir/vad_segments.json";;
  asr) printf '{}' > "$dir/asr_transcript.json";;
  alignment) printf '{}' > "$dir/alignment_aligned.json";;
  lyrics_detection) printf '[]' > "$dir/lyrics_detection_spans.json";;
  hallucination_removal) printf '{}' > "$dir/hallucination_removal_cleaned.json";;
  translation) printf '{}' > "$dir/translation_translated_${lang}.json";;
  subtitle_generation) printf x > "$dir/subtitle_generation_${lang}.srt";;
  mux) printf x > "$dir/mux_output.mkv";;
esac
exit 0
`

func installUniversalStub(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stub.sh")
	require.NoError(t, os.WriteFile(path, []byte(universalStub), 0o750))
	return path
}

func stubEveryMandatoryEnv(t *testing.T, workflow core.Workflow, stubPath string) {
	t.Helper()
	seen := map[string]bool{}
	for _, stage := range registry.All() {
		if !stage.MandatoryFor[workflow] {
			continue
		}
		if seen[stage.Environment] {
			continue
		}
		seen[stage.Environment] = true
		t.Setenv("PIPELINE_ENV_"+strings.ToUpper(stage.Environment), stubPath)
	}
}

func newTestJob(t *testing.T, workflow core.Workflow, sourceLang string, targetLangs []string) *core.Job {
	t.Helper()
	mediaDir := t.TempDir()
	mediaPath := filepath.Join(mediaDir, "movie.mp4")
	require.NoError(t, os.WriteFile(mediaPath, []byte("fake-media-bytes"), 0o640))

	cfg, err := jobconfig.Load("")
	require.NoError(t, err)

	return &core.Job{
		JobID:           "20260731-test-0001",
		Workflow:        workflow,
		MediaPath:       mediaPath,
		SourceLanguage:  sourceLang,
		TargetLanguages: targetLangs,
		JobDir:          t.TempDir(),
		Config:          cfg.Freeze(),
	}
}

func TestAcquireLockRejectsSecondHolder(t *testing.T) {
	job := &core.Job{JobDir: t.TempDir()}
	release, err := acquireLock(job)
	require.NoError(t, err)
	defer release()

	_, err = acquireLock(job)
	require.ErrorIs(t, err, core.ErrJobAlreadyRunning)
}

func TestRunRejectsUnreadableMedia(t *testing.T) {
	job := &core.Job{JobDir: t.TempDir(), MediaPath: filepath.Join(t.TempDir(), "missing.mp4")}
	var buf bytes.Buffer
	logger := pipelog.New(pipelog.Config{Level: "info", Format: "json"}, &buf)
	o := New(logger, pipelog.Config{Level: "info", Format: "json"}, nil)

	_, err := o.Run(context.Background(), job)
	var iie *core.InputInvalidError
	require.ErrorAs(t, err, &iie)
}

func TestRunTranscribeWorkflowWithStubbedStages(t *testing.T) {
	stub := installUniversalStub(t)
	stubEveryMandatoryEnv(t, core.WorkflowTranscribe, stub)

	job := newTestJob(t, core.WorkflowTranscribe, "en", nil)

	var buf bytes.Buffer
	logger := pipelog.New(pipelog.Config{Level: "info", Format: "json"}, &buf)
	store, err := cache.Open(t.TempDir())
	require.NoError(t, err)
	o := New(logger, pipelog.Config{Level: "info", Format: "json"}, store)

	manifest, err := o.Run(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, core.JobStatusCompleted, manifest.Status)
	require.NotNil(t, manifest.Stage(registry.Demux))
	require.Equal(t, core.StageStatusSuccess, manifest.Stage(registry.Demux).Status)
	require.Equal(t, core.StageStatusSuccess, manifest.Stage(registry.ASR).Status)
}

func TestRunRecordsPlannerSkipsInManifest(t *testing.T) {
	stub := installUniversalStub(t)
	stubEveryMandatoryEnv(t, core.WorkflowTranscribe, stub)

	job := newTestJob(t, core.WorkflowTranscribe, "en", nil)

	var buf bytes.Buffer
	logger := pipelog.New(pipelog.Config{Level: "info", Format: "json"}, &buf)
	store, err := cache.Open(t.TempDir())
	require.NoError(t, err)
	o := New(logger, pipelog.Config{Level: "info", Format: "json"}, store)

	manifest, err := o.Run(context.Background(), job)
	require.NoError(t, err)

	// The gate prunes source_separation for an English source; workflow
	// pruning drops the subtitle-only stages. Both kinds land in the
	// manifest as skipped entries with their ordinal and a reason.
	sep := manifest.Stage(registry.SourceSeparation)
	require.NotNil(t, sep)
	require.Equal(t, core.StageStatusSkipped, sep.Status)
	require.Equal(t, 4, sep.Ordinal)
	require.Equal(t, "gate condition not met", sep.SkipReason)

	mux := manifest.Stage(registry.Mux)
	require.NotNil(t, mux)
	require.Equal(t, core.StageStatusSkipped, mux.Status)
	require.Equal(t, 12, mux.Ordinal)
	require.NotEmpty(t, mux.SkipReason)

	// The skips survive a reload, not just the in-memory manifest.
	loaded, err := core.LoadManifest(job)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, core.StageStatusSkipped, loaded.Stage(registry.SourceSeparation).Status)
}

func TestResumeSkipsAlreadyTerminalStages(t *testing.T) {
	job := newTestJob(t, core.WorkflowTranscribe, "en", nil)

	manifest := core.NewManifest(job)
	require.NoError(t, manifest.SetStage(registry.Demux, &core.StageInvocation{
		Ordinal:   1,
		Status:    core.StageStatusSuccess,
		StartedAt: time.Now().Add(-time.Minute),
		EndedAt:   time.Now(),
	}))
	require.NoError(t, manifest.Save())

	stub := installUniversalStub(t)
	stubEveryMandatoryEnv(t, core.WorkflowTranscribe, stub)

	var buf bytes.Buffer
	logger := pipelog.New(pipelog.Config{Level: "info", Format: "json"}, &buf)
	store, err := cache.Open(t.TempDir())
	require.NoError(t, err)
	o := New(logger, pipelog.Config{Level: "info", Format: "json"}, store)

	result, err := o.Run(context.Background(), job)
	require.NoError(t, err)
	require.Contains(t, buf.String(), "resuming past it")
	require.Equal(t, core.StageStatusSuccess, result.Stage(registry.Demux).Status)
}

func TestRunSubtitleWorkflowFansOutPerTargetLanguage(t *testing.T) {
	stub := installUniversalStub(t)
	stubEveryMandatoryEnv(t, core.WorkflowSubtitle, stub)

	job := newTestJob(t, core.WorkflowSubtitle, "hi", []string{"en", "gu"})

	var buf bytes.Buffer
	logger := pipelog.New(pipelog.Config{Level: "info", Format: "json"}, &buf)
	store, err := cache.Open(t.TempDir())
	require.NoError(t, err)
	o := New(logger, pipelog.Config{Level: "info", Format: "json"}, store)

	manifest, err := o.Run(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, core.JobStatusCompleted, manifest.Status)

	// Every stage ran: the "hi" source gates source_separation on, and
	// subtitle is the workflow no pruning applies to.
	for _, stage := range registry.All() {
		inv := manifest.Stage(stage.Name)
		require.NotNil(t, inv, "stage %s missing from manifest", stage.Name)
		require.Equal(t, core.StageStatusSuccess, inv.Status, "stage %s", stage.Name)
	}

	// The fan-out stages produced one artifact per target language.
	translated := manifest.Stage(registry.Translation).Outputs
	require.Len(t, translated, 2)
	require.FileExists(t, filepath.Join(job.StageDir(10, registry.Translation), "translation_translated_en.json"))
	require.FileExists(t, filepath.Join(job.StageDir(10, registry.Translation), "translation_translated_gu.json"))
	require.FileExists(t, filepath.Join(job.StageDir(11, registry.SubtitleGeneration), "subtitle_generation_en.srt"))
	require.FileExists(t, filepath.Join(job.StageDir(11, registry.SubtitleGeneration), "subtitle_generation_gu.srt"))
	require.FileExists(t, filepath.Join(job.StageDir(12, registry.Mux), "mux_output.mkv"))
}

func TestRunStopsPartialWhenAlignmentFails(t *testing.T) {
	stub := installUniversalStub(t)
	stubEveryMandatoryEnv(t, core.WorkflowTranscribe, stub)
	// Alignment shares asr_env with vad and asr; the stub's selective
	// failure hook makes only alignment exit non-zero (without writing its
	// output, so the isolate rule doesn't rescue it).
	t.Setenv("STUB_FAIL_STAGE", "alignment")

	job := newTestJob(t, core.WorkflowTranscribe, "en", nil)

	var buf bytes.Buffer
	logger := pipelog.New(pipelog.Config{Level: "info", Format: "json"}, &buf)
	store, err := cache.Open(t.TempDir())
	require.NoError(t, err)
	o := New(logger, pipelog.Config{Level: "info", Format: "json"}, store)

	manifest, err := o.Run(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, core.JobStatusPartial, manifest.Status)
	require.Equal(t, core.StageStatusSuccess, manifest.Stage(registry.ASR).Status)
	require.Equal(t, core.StageStatusFailed, manifest.Stage(registry.Alignment).Status)
}

func TestRunStopsPartialWhenLyricsDetectionFails(t *testing.T) {
	stub := installUniversalStub(t)
	stubEveryMandatoryEnv(t, core.WorkflowSubtitle, stub)
	t.Setenv("STUB_FAIL_STAGE", "lyrics_detection")

	job := newTestJob(t, core.WorkflowSubtitle, "hi", []string{"en"})

	var buf bytes.Buffer
	logger := pipelog.New(pipelog.Config{Level: "info", Format: "json"}, &buf)
	store, err := cache.Open(t.TempDir())
	require.NoError(t, err)
	o := New(logger, pipelog.Config{Level: "info", Format: "json"}, store)

	manifest, err := o.Run(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, core.JobStatusPartial, manifest.Status)
	require.Equal(t, core.StageStatusSuccess, manifest.Stage(registry.Alignment).Status)
	require.Equal(t, core.StageStatusFailed, manifest.Stage(registry.LyricsDetection).Status)
	require.Nil(t, manifest.Stage(registry.HallucinationRemoval))
}

func TestRunContinuesWhenOptionalStageFails(t *testing.T) {
	stub := installUniversalStub(t)
	stubEveryMandatoryEnv(t, core.WorkflowTranscribe, stub)
	// source_separation is the only stage (besides tmdb_enrich, which
	// doesn't run for transcribe at all) that is both optional and gated
	// on for every workflow; force its gate on with an Indic source and
	// point "separation_env" at a script that always fails, so the
	// optional stage fails without aborting the job.
	failing := filepath.Join(t.TempDir(), "fail.sh")
	require.NoError(t, os.WriteFile(failing, []byte("#!/bin/sh\nexit 1\n"), 0o750))
	t.Setenv("PIPELINE_ENV_SEPARATION_ENV", failing)

	job := newTestJob(t, core.WorkflowTranscribe, "hi", nil)

	var buf bytes.Buffer
	logger := pipelog.New(pipelog.Config{Level: "info", Format: "json"}, &buf)
	store, err := cache.Open(t.TempDir())
	require.NoError(t, err)
	o := New(logger, pipelog.Config{Level: "info", Format: "json"}, store)

	manifest, err := o.Run(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, core.JobStatusCompleted, manifest.Status)
	require.Equal(t, core.StageStatusFailed, manifest.Stage(registry.SourceSeparation).Status)
	require.Equal(t, core.StageStatusSuccess, manifest.Stage(registry.ASR).Status)
}

func TestRunStopsPartialWhenRequiredStageFails(t *testing.T) {
	stub := installUniversalStub(t)
	stubEveryMandatoryEnv(t, core.WorkflowTranscribe, stub)
	// asr_env hosts vad onward for transcribe; failing it aborts the run at
	// the first required stage it serves, leaving later stages untouched.
	failing := filepath.Join(t.TempDir(), "fail.sh")
	require.NoError(t, os.WriteFile(failing, []byte("#!/bin/sh\nexit 1\n"), 0o750))
	t.Setenv("PIPELINE_ENV_ASR_ENV", failing)

	job := newTestJob(t, core.WorkflowTranscribe, "en", nil)

	var buf bytes.Buffer
	logger := pipelog.New(pipelog.Config{Level: "info", Format: "json"}, &buf)
	store, err := cache.Open(t.TempDir())
	require.NoError(t, err)
	o := New(logger, pipelog.Config{Level: "info", Format: "json"}, store)

	manifest, err := o.Run(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, core.JobStatusPartial, manifest.Status)
	require.Equal(t, core.StageStatusSuccess, manifest.Stage(registry.Demux).Status)
	require.Equal(t, core.StageStatusFailed, manifest.Stage(registry.VAD).Status)
	require.Nil(t, manifest.Stage(registry.ASR))
}
