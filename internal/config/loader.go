package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"slices"

	"github.com/aihub/voice/pkg/vad"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"openai", "deepgram", "whisper"},
	"tts": {"openai", "elevenlabs"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document decodes as all defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadBytes is [LoadFromReader] over an in-memory file.
func loadBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Validate expects defaults to have been applied.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Voice
	v := cfg.Voice
	if v.VADSensitivity <= 0 || v.VADSensitivity >= 1 {
		errs = append(errs, fmt.Errorf("voice.vad_sensitivity %g is out of range (0, 1)", v.VADSensitivity))
	}
	minMS, maxMS := int(vad.MinSilenceThreshold.Milliseconds()), int(vad.MaxSilenceThreshold.Milliseconds())
	if v.SilenceThresholdMS < minMS || v.SilenceThresholdMS > maxMS {
		errs = append(errs, fmt.Errorf("voice.silence_threshold_ms %d is out of range [%d, %d]", v.SilenceThresholdMS, minMS, maxMS))
	}
	if v.MinSpeechDurationMS < 0 {
		errs = append(errs, fmt.Errorf("voice.min_speech_duration_ms %d must not be negative", v.MinSpeechDurationMS))
	}
	if v.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("voice.sample_rate %d must be positive", v.SampleRate))
	}
	if v.FFTSize < 32 || v.FFTSize > 32768 || v.FFTSize&(v.FFTSize-1) != 0 {
		errs = append(errs, fmt.Errorf("voice.fft_size %d must be a power of two in [32, 32768]", v.FFTSize))
	}
	if v.ChunkIntervalMS <= 0 {
		errs = append(errs, fmt.Errorf("voice.chunk_interval_ms %d must be positive", v.ChunkIntervalMS))
	}
	if v.TickIntervalMS <= 0 {
		errs = append(errs, fmt.Errorf("voice.tick_interval_ms %d must be positive", v.TickIntervalMS))
	}
	if vol := v.PlaybackVolume(); math.IsNaN(vol) || vol < 0 || vol > 1 {
		errs = append(errs, fmt.Errorf("voice.volume %g is out of range [0, 1]", vol))
	}

	// Audio
	if cfg.Audio.OutputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.output_sample_rate %d must not be negative", cfg.Audio.OutputSampleRate))
	}

	// Providers
	for _, chain := range []struct {
		kind    string
		entries []ProviderEntry
	}{
		{"stt", cfg.Providers.STT},
		{"llm", cfg.Providers.LLM},
		{"tts", cfg.Providers.TTS},
	} {
		kind, entries := chain.kind, chain.entries
		seen := make(map[string]int, len(entries))
		for i, e := range entries {
			prefix := fmt.Sprintf("providers.%s[%d]", kind, i)
			if e.Name == "" {
				errs = append(errs, fmt.Errorf("%s.name is required", prefix))
				continue
			}
			if prev, ok := seen[e.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of providers.%s[%d]", prefix, e.Name, kind, prev))
			}
			seen[e.Name] = i
			validateProviderName(kind, e.Name)
		}
	}

	// Conversation ↔ provider cross-validation
	conv := cfg.Conversation
	if !conv.Disabled {
		if len(cfg.Providers.STT) == 0 {
			errs = append(errs, errors.New("conversation requires an STT provider but providers.stt is not configured"))
		}
		if len(cfg.Providers.LLM) == 0 {
			errs = append(errs, errors.New("conversation requires an LLM provider but providers.llm is not configured"))
		}
		if len(cfg.Providers.TTS) == 0 {
			errs = append(errs, errors.New("conversation requires a TTS provider but providers.tts is not configured"))
		}
	}
	if conv.Voice.SpeedFactor != 0 && (conv.Voice.SpeedFactor < 0.5 || conv.Voice.SpeedFactor > 2.0) {
		errs = append(errs, fmt.Errorf("conversation.voice.speed_factor %.2f is out of range [0.5, 2.0]", conv.Voice.SpeedFactor))
	}
	if conv.Temperature < 0 || conv.Temperature > 2 {
		errs = append(errs, fmt.Errorf("conversation.temperature %.2f is out of range [0, 2]", conv.Temperature))
	}
	if conv.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("conversation.max_tokens %d must not be negative", conv.MaxTokens))
	}

	// History
	h := cfg.History
	if h.Backend != "" && !h.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("history.backend %q is invalid; valid values: memory, postgres", h.Backend))
	}
	if h.Backend == HistoryPostgres && h.DSN == "" {
		errs = append(errs, errors.New("history.dsn is required when history.backend is postgres"))
	}
	if h.Backend == HistoryMemory && h.DSN != "" {
		slog.Warn("history.dsn is set but history.backend is memory; the DSN is ignored")
	}
	if h.Limit < 0 {
		errs = append(errs, fmt.Errorf("history.limit %d must not be negative", h.Limit))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
