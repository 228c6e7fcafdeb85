package jobconfig

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 16000, cfg.Audio.SampleRate)
	require.Equal(t, 1, cfg.Audio.Channels)
	require.Equal(t, "auto", cfg.Translation.Engine)
	require.True(t, cfg.Align.Enable)
}

func TestLoadParsesHumanReadableCacheValues(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, int64(20)<<30, cfg.Cache.MaxSize.Bytes())
	require.Equal(t, 30*24*time.Hour, cfg.Cache.TTL.Duration())
}

func TestValidateRejectsBadChannelCount(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Audio.Channels = 5
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsInvertedClipRange(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Clip.Start = 10
	cfg.Clip.End = 5
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownTranslationEngine(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Translation.Engine = "bogus"
	require.Error(t, cfg.Validate())
}

func TestFreezeClonesSlicesAndMaps(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Translation.TargetLanguages = []string{"fr"}
	cfg.Runner.TimeoutS = map[string]int{"asr": 600}

	frozen := cfg.Freeze()
	cfg.Translation.TargetLanguages[0] = "mutated"
	cfg.Runner.TimeoutS["asr"] = 1

	require.Equal(t, "fr", frozen.Get().Translation.TargetLanguages[0])
	require.Equal(t, 600, frozen.Get().Runner.TimeoutS["asr"])
}

func TestStageTimeoutFallsBackToDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	frozen := cfg.Freeze()
	require.Equal(t, DefaultStageTimeout, frozen.StageTimeout("asr"))
}

func TestStageTimeoutUsesConfiguredOverride(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Runner.TimeoutS = map[string]int{"asr": 120}
	frozen := cfg.Freeze()
	require.Equal(t, 120*1e9, float64(frozen.StageTimeout("asr")))
}

func TestFingerprintValueReturnsEmptyForUnknownKey(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	frozen := cfg.Freeze()
	require.Equal(t, "", frozen.FingerprintValue("not.a.real.key"))
}

func TestFingerprintValueReflectsConfiguredModel(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.ASR.ModelID = "whisper-small"
	frozen := cfg.Freeze()
	require.Equal(t, "whisper-small", frozen.FingerprintValue("asr.model_id"))
}

func TestIsIndicLanguage(t *testing.T) {
	require.True(t, IsIndicLanguage("hi"))
	require.True(t, IsIndicLanguage("HI"))
	require.False(t, IsIndicLanguage("en"))
	require.False(t, IsIndicLanguage("fr"))
}
