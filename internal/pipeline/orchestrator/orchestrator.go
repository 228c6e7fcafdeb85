// Package orchestrator implements the top-level driver: it
// loads or resumes a job, builds its execution plan, and runs each planned
// stage through the Cache Orchestrator and Stage Runner, maintaining the
// manifest as the single source of truth for resume decisions.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmylchreest/mediapipe/internal/pipeline/cache"
	"github.com/jmylchreest/mediapipe/internal/pipeline/cacheorch"
	"github.com/jmylchreest/mediapipe/internal/pipeline/core"
	"github.com/jmylchreest/mediapipe/internal/pipeline/identity"
	"github.com/jmylchreest/mediapipe/internal/pipeline/planner"
	"github.com/jmylchreest/mediapipe/internal/pipeline/registry"
	"github.com/jmylchreest/mediapipe/internal/pipeline/runner"
	"github.com/jmylchreest/mediapipe/internal/pipeline/stageio"
	"github.com/jmylchreest/mediapipe/internal/pipelog"
	"github.com/google/uuid"
)

// Orchestrator drives one job from start to terminal status.
type Orchestrator struct {
	Logger     *slog.Logger
	LogConfig  pipelog.Config
	CacheStore *cache.Store
}

// New builds an Orchestrator. cacheStore may be nil if job.Config disables
// caching; every stage then always executes (a forced miss).
func New(logger *slog.Logger, logCfg pipelog.Config, cacheStore *cache.Store) *Orchestrator {
	return &Orchestrator{Logger: logger, LogConfig: logCfg, CacheStore: cacheStore}
}

// acquireLock creates job.LockPath() exclusively, so two orchestrators never
// drive the same job_id concurrently.
func acquireLock(job *core.Job) (func(), error) {
	if err := os.MkdirAll(job.JobDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating job directory: %w", err)
	}
	f, err := os.OpenFile(job.LockPath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		if os.IsExist(err) {
			return nil, core.ErrJobAlreadyRunning
		}
		return nil, fmt.Errorf("creating lock file: %w", err)
	}
	token := uuid.New().String()
	fmt.Fprintln(f, token)
	fmt.Fprintln(f, os.Getpid())
	f.Close()
	return func() { os.Remove(job.LockPath()) }, nil
}

// Run executes job to completion (or the first required-stage failure) and
// returns the final manifest.
func (o *Orchestrator) Run(ctx context.Context, job *core.Job) (*core.Manifest, error) {
	if err := core.ValidateMediaPath(job.MediaPath); err != nil {
		return nil, core.NewInputInvalidError("media_path", err)
	}

	release, err := acquireLock(job)
	if err != nil {
		return nil, err
	}
	defer release()

	manifest, err := core.LoadManifest(job)
	if err != nil {
		return nil, fmt.Errorf("loading manifest: %w", err)
	}
	if manifest == nil {
		manifest = core.NewManifest(job)
	}

	jobLogger := pipelog.ForJobWithAggregate(o.Logger, o.LogConfig, job.JobID, job.PipelineLogPath())

	plan, err := planner.Build(job)
	if err != nil {
		manifest.Status = core.JobStatusFailed
		_ = manifest.Save()
		return manifest, core.NewInputInvalidError("workflow", err)
	}
	for _, skip := range plan.Skipped {
		jobLogger.Info("stage skipped by plan", "stage", skip.Stage, "reason", skip.Reason)
		err := manifest.SetStage(skip.Stage, &core.StageInvocation{
			Ordinal:    skip.Ordinal,
			Status:     core.StageStatusSkipped,
			SkipReason: skip.Reason,
		})
		if err != nil {
			return manifest, fmt.Errorf("recording skipped stage %s: %w", skip.Stage, err)
		}
	}
	if len(plan.Skipped) > 0 {
		if err := manifest.Save(); err != nil {
			return manifest, fmt.Errorf("saving manifest after planning: %w", err)
		}
	}
	for _, warning := range plan.Warnings {
		jobLogger.Warn(warning)
	}

	if manifest.Status != core.JobStatusRunning && manifest.AllTerminal(plan.StageNames()) {
		jobLogger.Info("job already completed, resume is a no-op", "status", manifest.Status)
		if err := manifest.Save(); err != nil {
			return manifest, fmt.Errorf("saving manifest on no-op resume: %w", err)
		}
		return manifest, nil
	}

	cfg := job.Config.Get()
	media, err := identity.Fingerprint(job.MediaPath, identity.NormalizationParams{
		SampleRate: cfg.Audio.SampleRate,
		Channels:   cfg.Audio.Channels,
		Start:      cfg.Clip.Start,
		End:        cfg.Clip.End,
		CodecReq:   cfg.Audio.CodecReq,
	})
	if err != nil {
		return manifest, fmt.Errorf("computing media fingerprint: %w", err)
	}

	var orch *cacheorch.Orchestrator
	if o.CacheStore != nil && cfg.Cache.Enabled {
		orch = cacheorch.New(o.CacheStore)
	}

	jobFailed := false
	for _, stage := range plan.Stages {
		select {
		case <-ctx.Done():
			manifest.Status = core.JobStatusPartial
			if err := manifest.Save(); err != nil {
				return manifest, fmt.Errorf("saving manifest after cancellation: %w", err)
			}
			return manifest, ctx.Err()
		default:
		}

		if inv := manifest.Stage(stage.Name); inv != nil {
			switch inv.Status {
			case core.StageStatusSuccess, core.StageStatusCacheHit, core.StageStatusSkipped:
				jobLogger.Info("stage already terminal, resuming past it", "stage", stage.Name, "status", inv.Status)
				continue
			}
		}

		if err := o.runStage(ctx, job, manifest, jobLogger, plan, stage, media, orch); err != nil {
			jobLogger.Error("stage failed", "stage", stage.Name, "error", err.Error())
			if stage.Required {
				jobFailed = true
				break
			}
		}
	}

	// A required-stage failure leaves a partial, resumable job; a completed
	// pass through the plan is completed even if an optional stage failed
	// along the way (its failure is recorded on its own manifest entry).
	status := core.JobStatusCompleted
	if jobFailed {
		status = core.JobStatusPartial
	}
	manifest.Status = status
	if err := manifest.Save(); err != nil {
		return manifest, fmt.Errorf("saving final manifest: %w", err)
	}
	return manifest, nil
}

// runStage executes a single planned stage, fanning out per target language
// when the descriptor requires it (translation, subtitle_generation).
func (o *Orchestrator) runStage(ctx context.Context, job *core.Job, manifest *core.Manifest, jobLogger *slog.Logger, plan *planner.Plan, stage core.StageDescriptor, media identity.MediaFingerprint, orch *cacheorch.Orchestrator) error {
	stageDir := job.StageDir(stage.Ordinal, stage.Name)
	if err := os.MkdirAll(stageDir, 0o750); err != nil {
		return fmt.Errorf("creating stage directory: %w", err)
	}

	stageLogPath := filepath.Join(stageDir, "stage.log")
	stageLogger := pipelog.ForStage(jobLogger, o.LogConfig, stage.Name, stageLogPath)

	started := time.Now()
	_ = manifest.SetStage(stage.Name, &core.StageInvocation{Ordinal: stage.Ordinal, Status: core.StageStatusRunning, StartedAt: started})
	if err := manifest.Save(); err != nil {
		return fmt.Errorf("saving manifest before stage %s: %w", stage.Name, err)
	}

	languages := []string{""}
	if stage.FanOutPerTargetLanguage {
		languages = plan.TargetLanguages
	}

	var allOutputs []string
	var cacheSource core.CacheSource = core.CacheSourceMiss
	var lastFingerprint identity.StageFingerprint

	markFailed := func(stageErr error) error {
		ended := time.Now()
		_ = manifest.SetStage(stage.Name, &core.StageInvocation{
			Ordinal:   stage.Ordinal,
			Status:    core.StageStatusFailed,
			StartedAt: started,
			EndedAt:   ended,
			DurationS: ended.Sub(started).Seconds(),
			LogPath:   stageLogPath,
			Error:     stageErr.Error(),
		})
		if saveErr := manifest.Save(); saveErr != nil {
			return fmt.Errorf("stage %s failed (%w) and saving manifest also failed: %v", stage.Name, stageErr, saveErr)
		}
		return stageErr
	}

	for _, lang := range languages {
		extras := make(map[string]string, len(stage.FingerprintExtras)+1)
		for _, key := range stage.FingerprintExtras {
			extras[key] = job.Config.FingerprintValue(key)
		}
		if lang != "" {
			extras["target_language"] = lang
		}
		extraKeys := append(append([]string(nil), stage.FingerprintExtras...), targetLangKeyIfSet(lang)...)

		var outputs []string
		var hit bool

		if stage.Cacheable && orch != nil {
			decision, err := orch.Consult(media, fanOutKey(stage.Name, lang), extras, extraKeys, stageDir)
			if err != nil {
				return markFailed(err)
			}
			lastFingerprint = decision.Fingerprint
			if decision.Hit {
				hit = true
				outputs = decision.RestoredOutputs
				cacheSource = core.CacheSourceHit
			}
		}

		if !hit {
			ctxValue := stageio.NewContext(job, stage.Name, stageDir, resolveUpstreams(job, stage), stageLogger)
			produced, err := o.invokeSubprocess(ctx, job, stage, ctxValue, lang, stageLogger)
			if err != nil {
				return markFailed(err)
			}
			outputs = produced

			if stage.Cacheable && orch != nil {
				files := make(map[string]string, len(outputs))
				for _, p := range outputs {
					files[filepath.Base(p)] = p
				}
				if err := orch.Commit(lastFingerprint, fanOutKey(stage.Name, lang), job.JobID, files); err != nil {
					stageLogger.Warn("failed to store cache entry", "error", err.Error())
				} else {
					cacheSource = core.CacheSourceStored
					cacheCfg := job.Config.Get().Cache
					if _, err := o.CacheStore.Evict(ctx, cacheCfg.MaxSize.Bytes(), cacheCfg.TTL.Duration()); err != nil {
						stageLogger.Warn("post-store cache eviction failed", "error", err.Error())
					}
				}
			}
		}

		allOutputs = append(allOutputs, outputs...)
	}

	ended := time.Now()
	status := core.StageStatusSuccess
	if cacheSource == core.CacheSourceHit {
		status = core.StageStatusCacheHit
	}
	err := manifest.SetStage(stage.Name, &core.StageInvocation{
		Ordinal:     stage.Ordinal,
		Status:      status,
		StartedAt:   started,
		EndedAt:     ended,
		DurationS:   ended.Sub(started).Seconds(),
		Fingerprint: string(lastFingerprint),
		CacheSource: cacheSource,
		Outputs:     allOutputs,
		LogPath:     stageLogPath,
	})
	if err != nil {
		return err
	}
	return manifest.Save()
}

func targetLangKeyIfSet(lang string) []string {
	if lang == "" {
		return nil
	}
	return []string{"target_language"}
}

func fanOutKey(stageName, lang string) string {
	if lang == "" {
		return stageName
	}
	return stageName + "__" + lang
}

func resolveUpstreams(job *core.Job, stage core.StageDescriptor) map[string]string {
	upstreams := make(map[string]string, len(stage.Inputs))
	for _, inputName := range stage.Inputs {
		if d, ok := registry.Get(inputName); ok {
			upstreams[inputName] = job.StageDir(d.Ordinal, d.Name)
		}
	}
	return upstreams
}

// invokeSubprocess runs the stage binary via the Stage Runner and returns
// the absolute paths of the outputs it declared, after validating their
// filenames against the Stage I/O naming contract.
func (o *Orchestrator) invokeSubprocess(ctx context.Context, job *core.Job, stage core.StageDescriptor, stageCtx *stageio.Context, lang string, stageLogger *slog.Logger) ([]string, error) {
	var declared []string
	for _, out := range stage.Outputs {
		name := out.Pattern
		if lang != "" {
			name = resolveFanOutPattern(out.Pattern, lang)
		}
		path, err := stageCtx.OpenOutput(name)
		if err != nil {
			return nil, err
		}
		declared = append(declared, path)
	}

	configPath, err := stageCtx.WriteConfigSnapshot()
	if err != nil {
		return nil, fmt.Errorf("writing config snapshot for stage %s: %w", stage.Name, err)
	}

	// --stage distinguishes entrypoints within an environment shared by
	// several stages (e.g. asr_env hosts vad, asr, alignment, lyrics
	// detection, and hallucination removal as separate scripts).
	args := []string{"--stage", stage.Name, "--job-dir", job.JobDir, "--stage-dir", stageCtx.StageDir, "--config", configPath}
	if lang != "" {
		args = append(args, "--target-language", lang)
	}

	outcome, err := runner.Run(ctx, runner.Invocation{
		StageName:       stage.Name,
		Environment:     stage.Environment,
		Args:            args,
		WorkDir:         stageCtx.StageDir,
		Timeout:         job.Config.StageTimeout(stage.Name),
		GracefulTimeout: 15 * time.Second,
		LogPath:         "",
		DeclaredOutputs: declared,
		Isolate:         stage.Isolate,
	})
	if err != nil {
		return nil, err
	}
	if outcome.ToleratedCrash {
		stageLogger.Warn("stage process crashed after writing outputs; tolerated", "stage", stage.Name)
	}
	return declared, nil
}

// resolveFanOutPattern substitutes the "*" wildcard in a fan-out output
// pattern (e.g. "subtitle_generation_*.srt") with a target language code.
func resolveFanOutPattern(pattern, lang string) string {
	out := make([]byte, 0, len(pattern)+len(lang))
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == '*' {
			out = append(out, []byte(lang)...)
			continue
		}
		out = append(out, pattern[i])
	}
	return string(out)
}
