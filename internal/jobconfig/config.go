// Package jobconfig implements the layered Job Config component:
// process defaults loaded with Viper, a job's own override file merged on
// top, and a frozen read-only view handed to every stage so behavior never
// depends on hidden temporal mutation between stages.
package jobconfig

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/jmylchreest/mediapipe/internal/config"
	"github.com/spf13/viper"
)

// Config is the fully merged, mutable configuration for one job before it
// is frozen.
type Config struct {
	Audio       AudioConfig       `mapstructure:"audio"`
	Clip        ClipConfig        `mapstructure:"clip"`
	ASR         ASRConfig         `mapstructure:"asr"`
	Align       AlignConfig       `mapstructure:"align"`
	SourceSep   SourceSepConfig   `mapstructure:"source_separation"`
	Translation TranslationConfig `mapstructure:"translation"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Runner      RunnerConfig      `mapstructure:"runner"`
}

// AudioConfig controls demux normalization parameters.
type AudioConfig struct {
	SampleRate int    `mapstructure:"sample_rate"`
	Channels   int    `mapstructure:"channels"`
	CodecReq   string `mapstructure:"codec_request"`
}

// ClipConfig bounds the media to a sub-range before demux.
type ClipConfig struct {
	Start float64 `mapstructure:"start"`
	End   float64 `mapstructure:"end"`
}

// ASRConfig controls the transcription stage.
type ASRConfig struct {
	ModelID         string `mapstructure:"model_id"`
	LanguageHint    string `mapstructure:"language_hint"`
	DevicePref      string `mapstructure:"device_preference"`
	BeamSize        int    `mapstructure:"beam_size"`
}

// AlignConfig controls the forced-alignment stage.
type AlignConfig struct {
	Enable        bool   `mapstructure:"enable"`
	ModelID       string `mapstructure:"model_id"`
	IsolateProc   bool   `mapstructure:"isolate_process"`
}

// SourceSepConfig controls the vocal isolation stage.
type SourceSepConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Model   string `mapstructure:"model"`
}

// TranslationConfig controls the translation stage.
type TranslationConfig struct {
	Engine          string   `mapstructure:"engine"` // auto | indic | universal
	ModelID         string   `mapstructure:"model_id"`
	TargetLanguages []string `mapstructure:"target_languages"`
}

// CacheConfig controls the Artifact Cache.
type CacheConfig struct {
	Enabled bool            `mapstructure:"enabled"`
	Root    string          `mapstructure:"root"`
	MaxSize config.ByteSize `mapstructure:"max_bytes"`
	TTL     config.Duration `mapstructure:"ttl_days"`
}

// RunnerConfig controls the Stage Runner.
type RunnerConfig struct {
	// TimeoutS maps a stage name to its timeout in seconds. Missing entries
	// fall back to DefaultStageTimeout.
	TimeoutS             map[string]int `mapstructure:"timeout_s"`
	GracefulShutdownS    int            `mapstructure:"graceful_shutdown_s"`
}

// DefaultStageTimeout is used for stages absent from RunnerConfig.TimeoutS.
const DefaultStageTimeout = 30 * time.Minute

// indicLanguages is the concrete ISO-639-1 set gating source_separation's
// heuristic condition: Indian-subcontinent languages plus the code-mixed
// Hindi/Urdu pair central to Bollywood-style code-mixed content.
var indicLanguages = map[string]bool{
	"hi": true, "ur": true, "bn": true, "pa": true, "gu": true,
	"mr": true, "ta": true, "te": true, "kn": true, "ml": true,
	"or": true, "as": true, "ne": true, "si": true,
}

// IsIndicLanguage reports whether code is in the committed Indic language set.
func IsIndicLanguage(code string) bool {
	return indicLanguages[strings.ToLower(code)]
}

// SetDefaults seeds process-level defaults onto v before any file or job
// override is merged.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("audio.sample_rate", 16000)
	v.SetDefault("audio.channels", 1)
	v.SetDefault("audio.codec_request", "pcm_s16le")

	v.SetDefault("clip.start", 0.0)
	v.SetDefault("clip.end", 0.0)

	v.SetDefault("asr.model_id", "whisper-large-v3")
	v.SetDefault("asr.language_hint", "auto")
	v.SetDefault("asr.device_preference", "auto")
	v.SetDefault("asr.beam_size", 5)

	v.SetDefault("align.enable", true)
	v.SetDefault("align.model_id", "wav2vec2-base")
	v.SetDefault("align.isolate_process", true)

	v.SetDefault("source_separation.enabled", false)
	v.SetDefault("source_separation.model", "htdemucs")

	v.SetDefault("translation.engine", "auto")
	v.SetDefault("translation.model_id", "nllb-200")
	v.SetDefault("translation.target_languages", []string{})

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.root", "~/.cache/mediapipe/artifacts")
	v.SetDefault("cache.max_bytes", "20GB")
	v.SetDefault("cache.ttl_days", "30d")

	v.SetDefault("runner.timeout_s", map[string]int{})
	v.SetDefault("runner.graceful_shutdown_s", 15)
}

// Load merges process defaults with a job's override file (if overridePath
// is non-empty) and returns the merged Config. Environment variables
// prefixed MEDIAPIPE_ take precedence over both.
func Load(overridePath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("MEDIAPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if overridePath != "" {
		v.SetConfigFile(overridePath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading job override config %s: %w", overridePath, err)
		}
	}

	// The default decoder has no text-unmarshaller hook, so human-readable
	// values like cache.max_bytes="20GB" would fail to land in their typed
	// fields without it.
	var cfg Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("unmarshaling job config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating job config: %w", err)
	}
	return &cfg, nil
}

// Validate checks invariants that must hold before any stage runs.
func (c *Config) Validate() error {
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate must be positive")
	}
	if c.Audio.Channels != 1 && c.Audio.Channels != 2 {
		return fmt.Errorf("audio.channels must be 1 or 2")
	}
	if c.Clip.End != 0 && c.Clip.End <= c.Clip.Start {
		return fmt.Errorf("clip.end must be greater than clip.start")
	}
	switch c.Translation.Engine {
	case "auto", "indic", "universal":
	default:
		return fmt.Errorf("translation.engine must be one of: auto, indic, universal")
	}
	return nil
}

// Freeze returns a read-only snapshot. Every stage receives the same Frozen
// instance; FrozenConfig never changes once a job starts.
func (c *Config) Freeze() *FrozenConfig {
	clone := *c
	clone.Translation.TargetLanguages = append([]string(nil), c.Translation.TargetLanguages...)
	clone.Runner.TimeoutS = maps.Clone(c.Runner.TimeoutS)
	return &FrozenConfig{cfg: clone}
}

// FrozenConfig is the read-only view of Config exposed to stages via Stage
// I/O. There is no setter: callers that need a different config build a
// new Config and re-freeze it, keeping mutation impossible by construction.
type FrozenConfig struct {
	cfg Config
}

// Get returns a copy of the frozen configuration value; its slice and map
// fields are cloned, so changing the copy never reaches the FrozenConfig.
func (f *FrozenConfig) Get() Config {
	cfg := f.cfg
	cfg.Translation.TargetLanguages = append([]string(nil), f.cfg.Translation.TargetLanguages...)
	cfg.Runner.TimeoutS = maps.Clone(f.cfg.Runner.TimeoutS)
	return cfg
}

// StageTimeout resolves the effective timeout for a stage name.
func (f *FrozenConfig) StageTimeout(stage string) time.Duration {
	if s, ok := f.cfg.Runner.TimeoutS[stage]; ok && s > 0 {
		return time.Duration(s) * time.Second
	}
	return DefaultStageTimeout
}

// FingerprintValue returns the string representation of a config key
// participating in a stage fingerprint (see core.StageDescriptor.FingerprintExtras).
// Unrecognized keys return "" so fingerprinting never panics on a typo.
func (f *FrozenConfig) FingerprintValue(key string) string {
	switch key {
	case "audio.sample_rate":
		return fmt.Sprintf("%d", f.cfg.Audio.SampleRate)
	case "audio.channels":
		return fmt.Sprintf("%d", f.cfg.Audio.Channels)
	case "audio.codec_request":
		return f.cfg.Audio.CodecReq
	case "clip.start":
		return fmt.Sprintf("%g", f.cfg.Clip.Start)
	case "clip.end":
		return fmt.Sprintf("%g", f.cfg.Clip.End)
	case "asr.model_id":
		return f.cfg.ASR.ModelID
	case "asr.language_hint":
		return f.cfg.ASR.LanguageHint
	case "asr.beam_size":
		return fmt.Sprintf("%d", f.cfg.ASR.BeamSize)
	case "align.model_id":
		return f.cfg.Align.ModelID
	case "source_separation.model":
		return f.cfg.SourceSep.Model
	case "translation.engine":
		return f.cfg.Translation.Engine
	case "translation.model_id":
		return f.cfg.Translation.ModelID
	default:
		return ""
	}
}
