package config_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aihub/voice/internal/config"
	"github.com/aihub/voice/pkg/provider/llm"
	llmmock "github.com/aihub/voice/pkg/provider/llm/mock"
	"github.com/aihub/voice/pkg/provider/stt"
	sttmock "github.com/aihub/voice/pkg/provider/stt/mock"
	"github.com/aihub/voice/pkg/provider/tts"
	ttsmock "github.com/aihub/voice/pkg/provider/tts/mock"
	"github.com/aihub/voice/pkg/vad"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":8086"
  log_level: info

voice:
  vad_sensitivity: 0.02
  silence_threshold_ms: 1500
  min_speech_duration_ms: 250
  volume: 0.8

audio:
  input_device: USB
  output_sample_rate: 48000

providers:
  stt:
    - name: deepgram
      api_key: dg-test
      model: nova-2
    - name: whisper
      base_url: http://localhost:8081
  llm:
    - name: openai
      api_key: sk-test
      model: gpt-4o-mini
  tts:
    - name: elevenlabs
      api_key: el-test
      options:
        output_format: pcm_24000

conversation:
  system_prompt: Be brief.
  language: en
  history_turns: 6
  streaming: true
  voice:
    id: rachel
    speed_factor: 1.1

history:
  backend: postgres
  dsn: postgres://localhost/aihub
`

// minimalYAML is the smallest config that validates with the
// conversation loop enabled.
const minimalYAML = `
providers:
  stt: [{name: openai}]
  llm: [{name: openai}]
  tts: [{name: openai}]
`

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// ── Loading ──────────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)

	if cfg.Server.ListenAddr != ":8086" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if got := cfg.Voice.VAD(); got.Sensitivity != 0.02 || got.SilenceThreshold != 1500*time.Millisecond || got.MinSpeechDuration != 250*time.Millisecond {
		t.Errorf("VAD() = %+v", got)
	}
	if cfg.Voice.PlaybackVolume() != 0.8 {
		t.Errorf("volume = %v", cfg.Voice.PlaybackVolume())
	}
	if len(cfg.Providers.STT) != 2 || cfg.Providers.STT[1].BaseURL != "http://localhost:8081" {
		t.Errorf("stt chain = %+v", cfg.Providers.STT)
	}
	if got := cfg.Providers.TTS[0].OptionString("output_format"); got != "pcm_24000" {
		t.Errorf("output_format option = %q", got)
	}
	if cfg.Conversation.Voice.ID != "rachel" || !cfg.Conversation.Streaming {
		t.Errorf("conversation = %+v", cfg.Conversation)
	}
	if !cfg.Conversation.CommandsEnabled() {
		t.Error("voice commands should default to enabled")
	}
	if cfg.History.Backend != config.HistoryPostgres {
		t.Errorf("history backend = %q", cfg.History.Backend)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, minimalYAML)

	if cfg.Server.ListenAddr != config.DefaultListenAddr || cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("server = %+v", cfg.Server)
	}
	if got, want := cfg.Voice.VAD(), vad.DefaultConfig(); got != want {
		t.Errorf("VAD() = %+v, want %+v", got, want)
	}
	if cfg.Voice.SampleRate != 16000 || cfg.Voice.FFTSize != 2048 {
		t.Errorf("sample rate / fft = %d / %d", cfg.Voice.SampleRate, cfg.Voice.FFTSize)
	}
	if cfg.Voice.ChunkInterval() != 500*time.Millisecond || cfg.Voice.TickInterval() != 16*time.Millisecond {
		t.Errorf("intervals = %v / %v", cfg.Voice.ChunkInterval(), cfg.Voice.TickInterval())
	}
	if cfg.Voice.PlaybackVolume() != 1 {
		t.Errorf("volume = %v", cfg.Voice.PlaybackVolume())
	}
	if cfg.History.Backend != config.HistoryMemory || cfg.Conversation.HistoryTurns != config.DefaultHistoryTurns {
		t.Errorf("history = %+v, turns = %d", cfg.History, cfg.Conversation.HistoryTurns)
	}
}

func TestLoadFromReader_ExplicitZeroVolume(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, minimalYAML+"voice:\n  volume: 0\n")
	if cfg.Voice.PlaybackVolume() != 0 {
		t.Errorf("volume = %v, want explicit 0 kept", cfg.Voice.PlaybackVolume())
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(minimalYAML + "npcs: []\n"))
	if err == nil {
		t.Fatal("expected error for unknown top-level field")
	}
}

func TestLoadFromReader_EmptyNeedsProviders(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(""))
	if err == nil || !strings.Contains(err.Error(), "providers.stt") {
		t.Fatalf("err = %v, want missing provider error", err)
	}
}

func TestLoadFromReader_ConversationDisabled(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, "conversation:\n  disabled: true\n")
	if !cfg.Conversation.Disabled {
		t.Error("disabled = false")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load("/nonexistent/aihub.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

// ── Validation ───────────────────────────────────────────────────────────────

func TestValidate_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want string
		// full means yaml replaces minimalYAML instead of extending it.
		full bool
	}{
		{"log level", "server:\n  log_level: bananas\n", "server.log_level", false},
		{"sensitivity high", "voice:\n  vad_sensitivity: 1.2\n", "voice.vad_sensitivity", false},
		{"sensitivity negative", "voice:\n  vad_sensitivity: -0.1\n", "voice.vad_sensitivity", false},
		{"silence low", "voice:\n  silence_threshold_ms: 100\n", "voice.silence_threshold_ms", false},
		{"silence high", "voice:\n  silence_threshold_ms: 9000\n", "voice.silence_threshold_ms", false},
		{"min speech", "voice:\n  min_speech_duration_ms: -1\n", "voice.min_speech_duration_ms", false},
		{"sample rate", "voice:\n  sample_rate: -8000\n", "voice.sample_rate", false},
		{"fft not pow2", "voice:\n  fft_size: 1000\n", "voice.fft_size", false},
		{"fft too big", "voice:\n  fft_size: 65536\n", "voice.fft_size", false},
		{"volume", "voice:\n  volume: 1.5\n", "voice.volume", false},
		{"speed factor", "conversation:\n  voice:\n    speed_factor: 3\n", "conversation.voice.speed_factor", false},
		{"temperature", "conversation:\n  temperature: 4\n", "conversation.temperature", false},
		{"history backend", "history:\n  backend: redis\n", "history.backend", false},
		{"postgres dsn", "history:\n  backend: postgres\n", "history.dsn", false},
		{"provider name", "providers:\n  stt: [{name: openai}, {api_key: x}]\n  llm: [{name: openai}]\n  tts: [{name: openai}]\n", "providers.stt[1].name", true},
		{"duplicate provider", "providers:\n  stt: [{name: openai}, {name: openai}]\n  llm: [{name: openai}]\n  tts: [{name: openai}]\n", "duplicate", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			doc := minimalYAML + tt.yaml
			if tt.full {
				doc = tt.yaml
			}
			_, err := config.LoadFromReader(strings.NewReader(doc))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: "loud"},
		Voice:  config.VoiceConfig{VADSensitivity: 2},
	}
	cfg.ApplyDefaults()
	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"server.log_level", "voice.vad_sensitivity", "providers.stt", "providers.llm", "providers.tts"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	for _, kind := range []string{"llm", "stt", "tts"} {
		if len(config.ValidProviderNames[kind]) == 0 {
			t.Errorf("no known names for %s", kind)
		}
	}
	// Unknown names only warn.
	mustLoad(t, "providers:\n  stt: [{name: custom-stt}]\n  llm: [{name: openai}]\n  tts: [{name: openai}]\n")
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_Unknown(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	entry := config.ProviderEntry{Name: "nope"}

	if _, err := reg.CreateLLM(entry); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateLLM err = %v", err)
	}
	if _, err := reg.CreateSTT(entry); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateSTT err = %v", err)
	}
	_, err := reg.CreateTTS(entry)
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateTTS err = %v", err)
	}
	if !strings.Contains(err.Error(), `tts/"nope"`) {
		t.Errorf("error %q should name the kind and provider", err)
	}
}

func TestRegistry_Registered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	var gotEntry config.ProviderEntry
	reg.RegisterLLM("mock", func(e config.ProviderEntry) (llm.Provider, error) {
		gotEntry = e
		return &llmmock.Provider{}, nil
	})
	reg.RegisterSTT("mock", func(config.ProviderEntry) (stt.Provider, error) {
		return &sttmock.Provider{}, nil
	})
	reg.RegisterTTS("mock", func(config.ProviderEntry) (tts.Provider, error) {
		return &ttsmock.Provider{}, nil
	})

	entry := config.ProviderEntry{Name: "mock", Model: "m1"}
	if p, err := reg.CreateLLM(entry); err != nil || p == nil {
		t.Fatalf("CreateLLM = %v, %v", p, err)
	}
	if gotEntry.Model != "m1" {
		t.Errorf("factory got entry %+v", gotEntry)
	}
	if p, err := reg.CreateSTT(entry); err != nil || p == nil {
		t.Errorf("CreateSTT = %v, %v", p, err)
	}
	if p, err := reg.CreateTTS(entry); err != nil || p == nil {
		t.Errorf("CreateTTS = %v, %v", p, err)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	boom := errors.New("missing api key")
	reg.RegisterSTT("broken", func(config.ProviderEntry) (stt.Provider, error) {
		return nil, boom
	})
	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "broken"}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want factory error", err)
	}
}

func TestRegistry_Names(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	for _, name := range []string{"whisper", "deepgram", "openai"} {
		reg.RegisterSTT(name, func(config.ProviderEntry) (stt.Provider, error) { return nil, nil })
	}
	got := reg.Names("stt")
	want := []string{"deepgram", "openai", "whisper"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Names(stt) = %v, want %v", got, want)
	}
	if len(reg.Names("llm")) != 0 {
		t.Error("Names(llm) should be empty")
	}
}
