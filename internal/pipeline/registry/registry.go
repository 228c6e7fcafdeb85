// Package registry holds the static, declarative catalog of the twelve
// pipeline stages: their fixed execution order, which workflows
// require them, cache identity inputs, and the one stage-level gating rule
// (source_separation, conditioned on source language).
package registry

import (
	"sort"

	"github.com/jmylchreest/mediapipe/internal/jobconfig"
	"github.com/jmylchreest/mediapipe/internal/pipeline/core"
)

const (
	Demux                = "demux"
	TMDBEnrich           = "tmdb_enrich"
	GlossaryLoad         = "glossary_load"
	SourceSeparation     = "source_separation"
	VAD                  = "vad"
	ASR                  = "asr"
	Alignment            = "alignment"
	LyricsDetection      = "lyrics_detection"
	HallucinationRemoval = "hallucination_removal"
	Translation          = "translation"
	SubtitleGeneration   = "subtitle_generation"
	Mux                  = "mux"
)

// all is the fixed twelve-entry catalog in ordinal order.
var all = []core.StageDescriptor{
	{
		Ordinal:     1,
		Name:        Demux,
		Environment: "media_env",
		Outputs: []core.OutputPattern{
			{LogicalName: "audio", Pattern: "demux_audio.wav"},
		},
		MandatoryFor:      allWorkflows(),
		Required:          true,
		Cacheable:         true,
		FingerprintExtras: []string{"audio.sample_rate", "audio.channels", "audio.codec_request", "clip.start", "clip.end"},
	},
	{
		Ordinal:     2,
		Name:        TMDBEnrich,
		Environment: "net_env",
		Inputs:      []string{Demux},
		Outputs: []core.OutputPattern{
			{LogicalName: "metadata", Pattern: "tmdb_enrich_metadata.json"},
		},
		MandatoryFor: map[core.Workflow]bool{
			core.WorkflowSubtitle: true,
		},
		Required:  false,
		Cacheable: false,
	},
	{
		Ordinal:     3,
		Name:        GlossaryLoad,
		Environment: "net_env",
		Inputs:      []string{TMDBEnrich},
		Outputs: []core.OutputPattern{
			{LogicalName: "glossary", Pattern: "glossary_load_terms.json"},
		},
		MandatoryFor: map[core.Workflow]bool{
			core.WorkflowTranslate: true,
			core.WorkflowSubtitle:  true,
		},
		Required:  true,
		Cacheable: false,
	},
	{
		Ordinal:     4,
		Name:        SourceSeparation,
		Environment: "separation_env",
		Inputs:      []string{Demux},
		Outputs: []core.OutputPattern{
			{LogicalName: "vocals", Pattern: "source_separation_vocals.wav"},
		},
		MandatoryFor:      allWorkflows(),
		Required:          false,
		Cacheable:         true,
		FingerprintExtras: []string{"source_separation.model"},
		Gate:              gateSourceSeparation,
	},
	{
		Ordinal:     5,
		Name:        VAD,
		Environment: "asr_env",
		Inputs:      []string{Demux, SourceSeparation},
		Outputs: []core.OutputPattern{
			{LogicalName: "segments", Pattern: "vad_segments.json"},
		},
		MandatoryFor: allWorkflows(),
		Required:     true,
		Cacheable:    true,
	},
	{
		Ordinal:     6,
		Name:        ASR,
		Environment: "asr_env",
		Inputs:      []string{Demux, SourceSeparation, VAD},
		Outputs: []core.OutputPattern{
			{LogicalName: "transcript", Pattern: "asr_transcript.json"},
		},
		MandatoryFor:      allWorkflows(),
		Required:          true,
		Cacheable:         true,
		FingerprintExtras: []string{"asr.model_id", "asr.language_hint", "asr.beam_size"},
	},
	{
		Ordinal:     7,
		Name:        Alignment,
		Environment: "asr_env",
		Inputs:      []string{Demux, ASR},
		Outputs: []core.OutputPattern{
			{LogicalName: "aligned", Pattern: "alignment_aligned.json"},
		},
		MandatoryFor:      allWorkflows(),
		Required:          true,
		Cacheable:         true,
		FingerprintExtras: []string{"align.model_id"},
		Isolate:           true,
	},
	{
		Ordinal:     8,
		Name:        LyricsDetection,
		Environment: "asr_env",
		Inputs:      []string{ASR, Alignment},
		Outputs: []core.OutputPattern{
			{LogicalName: "spans", Pattern: "lyrics_detection_spans.json"},
		},
		MandatoryFor: map[core.Workflow]bool{
			core.WorkflowSubtitle: true,
		},
		Required:  true,
		Cacheable: true,
	},
	{
		Ordinal:     9,
		Name:        HallucinationRemoval,
		Environment: "asr_env",
		Inputs:      []string{ASR, Alignment, VAD},
		Outputs: []core.OutputPattern{
			{LogicalName: "cleaned", Pattern: "hallucination_removal_cleaned.json"},
		},
		MandatoryFor: map[core.Workflow]bool{
			core.WorkflowSubtitle: true,
		},
		Required:  true,
		Cacheable: false,
	},
	{
		Ordinal:     10,
		Name:        Translation,
		Environment: "nmt_env",
		Inputs:      []string{HallucinationRemoval, GlossaryLoad},
		Outputs: []core.OutputPattern{
			{LogicalName: "translated", Pattern: "translation_translated_*.json"},
		},
		MandatoryFor: map[core.Workflow]bool{
			core.WorkflowTranslate: true,
			core.WorkflowSubtitle:  true,
		},
		Required:                true,
		Cacheable:               true,
		FingerprintExtras:       []string{"translation.engine", "translation.model_id"},
		FanOutPerTargetLanguage: true,
	},
	{
		Ordinal:     11,
		Name:        SubtitleGeneration,
		Environment: "subtitle_env",
		Inputs:      []string{Translation, HallucinationRemoval},
		Outputs: []core.OutputPattern{
			{LogicalName: "subtitles", Pattern: "subtitle_generation_*.srt"},
		},
		MandatoryFor: map[core.Workflow]bool{
			core.WorkflowSubtitle: true,
		},
		Required:                true,
		Cacheable:               false,
		FanOutPerTargetLanguage: true,
	},
	{
		Ordinal:     12,
		Name:        Mux,
		Environment: "media_env",
		Inputs:      []string{Demux, SubtitleGeneration},
		Outputs: []core.OutputPattern{
			{LogicalName: "video", Pattern: "mux_output.mkv"},
		},
		MandatoryFor: map[core.Workflow]bool{
			core.WorkflowSubtitle: true,
		},
		Required:  true,
		Cacheable: false,
	},
}

func allWorkflows() map[core.Workflow]bool {
	return map[core.Workflow]bool{
		core.WorkflowTranscribe: true,
		core.WorkflowTranslate:  true,
		core.WorkflowSubtitle:   true,
	}
}

// gateSourceSeparation runs vocal isolation when the source is a committed
// Indic language, or when the job config explicitly forces it on regardless
// of language.
func gateSourceSeparation(j *core.Job) bool {
	if j.Config != nil && j.Config.Get().SourceSep.Enabled {
		return true
	}
	return jobconfig.IsIndicLanguage(j.SourceLanguage)
}

// All returns the twelve-entry catalog in ordinal order. The slice is a
// fresh copy, but each descriptor's maps and slices are shared with the
// package-level table, so callers must treat them as read-only.
func All() []core.StageDescriptor {
	out := make([]core.StageDescriptor, len(all))
	copy(out, all)
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out
}

// Get returns the descriptor for name, or (zero, false) if unknown.
func Get(name string) (core.StageDescriptor, bool) {
	for _, d := range all {
		if d.Name == name {
			return d, true
		}
	}
	return core.StageDescriptor{}, false
}
