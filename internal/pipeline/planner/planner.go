// Package planner implements the Workflow Planner: it turns the
// static twelve-stage registry plus a job's workflow and target languages
// into a frozen, ordered execution plan.
package planner

import (
	"fmt"

	"github.com/jmylchreest/mediapipe/internal/pipeline/core"
	"github.com/jmylchreest/mediapipe/internal/pipeline/registry"
)

// SkippedStage records why a stage in the registry was not included in a
// Plan; the orchestrator persists each one into the manifest as a
// "skipped" stage entry.
type SkippedStage struct {
	Stage   string
	Ordinal int
	Reason  string
}

// Plan is the frozen, ordered list of stages a job will execute, plus the
// stages the registry declared but that were pruned for this job. The plan
// is frozen before execution begins and is never mutated once built.
type Plan struct {
	Workflow        core.Workflow
	Stages          []core.StageDescriptor
	Skipped         []SkippedStage
	TargetLanguages []string
	Warnings        []string
}

// StageNames returns the planned stage names in execution order.
func (p *Plan) StageNames() []string {
	names := make([]string, len(p.Stages))
	for i, s := range p.Stages {
		names[i] = s.Name
	}
	return names
}

// Build runs the six-step planning algorithm:
//  1. start from all twelve registry stages in ordinal order
//  2. drop stages not mandatory for this workflow
//  3. apply each remaining stage's gate, recording skips with a reason
//  4. for translate, clamp target_languages to its first entry, warning if
//     more than one was requested
//  5. for subtitle, keep target_languages as given
//  6. transcribe never reaches 10/11/12 (already pruned by step 2)
func Build(j *core.Job) (*Plan, error) {
	if !j.Workflow.Valid() {
		return nil, fmt.Errorf("unknown workflow %q", j.Workflow)
	}

	plan := &Plan{
		Workflow:        j.Workflow,
		TargetLanguages: append([]string(nil), j.TargetLanguages...),
	}

	for _, d := range registry.All() {
		if !d.MandatoryFor[j.Workflow] {
			plan.Skipped = append(plan.Skipped, SkippedStage{
				Stage:   d.Name,
				Ordinal: d.Ordinal,
				Reason:  fmt.Sprintf("not mandatory for workflow %q", j.Workflow),
			})
			continue
		}
		if d.Gate != nil && !d.Gate(j) {
			plan.Skipped = append(plan.Skipped, SkippedStage{
				Stage:   d.Name,
				Ordinal: d.Ordinal,
				Reason:  "gate condition not met",
			})
			continue
		}
		plan.Stages = append(plan.Stages, d)
	}

	switch j.Workflow {
	case core.WorkflowTranslate:
		if len(plan.TargetLanguages) > 1 {
			plan.Warnings = append(plan.Warnings, fmt.Sprintf(
				"translate workflow supports exactly one target language; clamping %d requested to the first (%s)",
				len(plan.TargetLanguages), plan.TargetLanguages[0]))
			plan.TargetLanguages = plan.TargetLanguages[:1]
		}
		if len(plan.TargetLanguages) == 0 {
			return nil, fmt.Errorf("translate workflow requires at least one target language")
		}
	case core.WorkflowSubtitle:
		if len(plan.TargetLanguages) == 0 {
			return nil, fmt.Errorf("subtitle workflow requires at least one target language")
		}
	case core.WorkflowTranscribe:
		// transcribe needs no target languages; any supplied value is ignored.
		plan.TargetLanguages = nil
	}

	return plan, nil
}
