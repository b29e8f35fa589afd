package config_test

import (
	"slices"
	"testing"

	"github.com/aihub/voice/internal/config"
)

func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	return mustLoad(t, minimalYAML)
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := baseConfig(t)
	d := config.Diff(cfg, cfg)
	if !d.Empty() {
		t.Errorf("expected empty diff, got %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v", d.RestartRequired)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(t), baseConfig(t)
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v", d)
	}
	if d.Empty() {
		t.Error("Empty() = true")
	}
}

func TestDiff_VoiceChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(t), baseConfig(t)
	new.Voice.VADSensitivity = 0.05
	new.Voice.SilenceThresholdMS = 2000
	new.Voice.MinSpeechDurationMS = 400
	vol := 0.3
	new.Voice.Volume = &vol

	d := config.Diff(old, new)
	if !d.SensitivityChanged || d.NewSensitivity != 0.05 {
		t.Errorf("sensitivity: %+v", d)
	}
	if !d.SilenceThresholdChanged || d.NewSilenceThresholdMS != 2000 {
		t.Errorf("silence threshold: %+v", d)
	}
	if !d.MinSpeechChanged || d.NewMinSpeechMS != 400 {
		t.Errorf("min speech: %+v", d)
	}
	if !d.VolumeChanged || d.NewVolume != 0.3 {
		t.Errorf("volume: %+v", d)
	}
	if d.LogLevelChanged {
		t.Error("LogLevelChanged = true")
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("hot fields reported as restart: %v", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		section string
	}{
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":9999" }, "server.listen_addr"},
		{"fft size", func(c *config.Config) { c.Voice.FFTSize = 1024 }, "voice"},
		{"device", func(c *config.Config) { c.Audio.InputDevice = "USB" }, "audio"},
		{"model", func(c *config.Config) { c.Providers.LLM[0].Model = "gpt-4o" }, "providers"},
		{"fallback added", func(c *config.Config) {
			c.Providers.STT = append(c.Providers.STT, config.ProviderEntry{Name: "whisper"})
		}, "providers"},
		{"prompt", func(c *config.Config) { c.Conversation.SystemPrompt = "Be rude." }, "conversation"},
		{"history", func(c *config.Config) { c.History.Limit = 5 }, "history"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(t), baseConfig(t)
			tt.mutate(new)

			d := config.Diff(old, new)
			if !slices.Contains(d.RestartRequired, tt.section) {
				t.Errorf("RestartRequired = %v, want %q", d.RestartRequired, tt.section)
			}
			if !d.Empty() {
				t.Errorf("restart-only change produced hot diff %+v", d)
			}
		})
	}
}
