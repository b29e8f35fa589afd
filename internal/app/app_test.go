package app_test

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/aihub/voice/internal/app"
	"github.com/aihub/voice/internal/config"
	"github.com/aihub/voice/internal/history/memory"
	"github.com/aihub/voice/internal/observe"
	"github.com/aihub/voice/pkg/audio"
	audiomock "github.com/aihub/voice/pkg/audio/mock"
	"github.com/aihub/voice/pkg/provider/llm"
	llmmock "github.com/aihub/voice/pkg/provider/llm/mock"
	"github.com/aihub/voice/pkg/provider/stt"
	sttmock "github.com/aihub/voice/pkg/provider/stt/mock"
	"github.com/aihub/voice/pkg/provider/tts"
	ttsmock "github.com/aihub/voice/pkg/provider/tts/mock"
)

const testYAML = `
server:
  listen_addr: "127.0.0.1:0"
voice:
  vad_sensitivity: 0.02
providers:
  stt: [{name: mock}]
  llm: [{name: mock}]
  tts: [{name: mock}]
`

func testConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// testProviders returns single-entry mock chains.
func testProviders() *app.Providers {
	return &app.Providers{
		STT: []app.Named[stt.Provider]{{Name: "mock", Provider: &sttmock.Provider{}}},
		LLM: []app.Named[llm.Provider]{{Name: "mock", Provider: &llmmock.Provider{}}},
		TTS: []app.Named[tts.Provider]{{Name: "mock", Provider: &ttsmock.Provider{}}},
	}
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newApp(t *testing.T, cfg *config.Config, providers *app.Providers, opts ...app.Option) (*app.App, *audiomock.Microphone) {
	t.Helper()
	mic := &audiomock.Microphone{}
	opts = append([]app.Option{
		app.WithMicrophone(mic),
		app.WithSink(&audiomock.Sink{}),
		app.WithHistoryStore(memory.New(50)),
		app.WithMetrics(testMetrics(t)),
	}, opts...)
	a, err := app.New(context.Background(), cfg, providers, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a, mic
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()
	a, _ := newApp(t, testConfig(t, testYAML), testProviders())

	if a.Conversation() == nil {
		t.Fatal("Conversation() = nil with providers configured")
	}
	if got := a.Listener().Config().Sensitivity; got != 0.02 {
		t.Errorf("listener sensitivity = %v, want 0.02", got)
	}

	rec := get(t, a.Handler(), "/v1/state")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /v1/state = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"capturing":false`) {
		t.Errorf("state body = %s", rec.Body)
	}
	if rec := get(t, a.Handler(), "/readyz"); rec.Code != http.StatusOK {
		t.Errorf("GET /readyz = %d, body = %s", rec.Code, rec.Body)
	}
	if rec := get(t, a.Handler(), "/v1/conversation"); rec.Code != http.StatusOK {
		t.Errorf("GET /v1/conversation = %d", rec.Code)
	}
}

func TestNew_ConversationDisabled(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, "server:\n  listen_addr: \"127.0.0.1:0\"\nconversation:\n  disabled: true\n")
	a, _ := newApp(t, cfg, nil)

	if a.Conversation() != nil {
		t.Error("Conversation() should be nil when disabled")
	}
	if rec := get(t, a.Handler(), "/v1/conversation"); rec.Code != http.StatusNotFound {
		t.Errorf("GET /v1/conversation = %d, want 404", rec.Code)
	}
}

func TestNew_MissingProvider(t *testing.T) {
	t.Parallel()
	providers := testProviders()
	providers.TTS = nil

	_, err := app.New(context.Background(), testConfig(t, testYAML), providers,
		app.WithMicrophone(&audiomock.Microphone{}),
		app.WithSink(&audiomock.Sink{}),
		app.WithHistoryStore(memory.New(10)),
		app.WithMetrics(testMetrics(t)),
	)
	if err == nil || !strings.Contains(err.Error(), "tts") {
		t.Fatalf("err = %v, want missing tts provider", err)
	}
}

func TestNew_Fallbacks(t *testing.T) {
	t.Parallel()
	providers := testProviders()
	providers.STT = append(providers.STT, app.Named[stt.Provider]{Name: "backup", Provider: &sttmock.Provider{}})
	providers.LLM = append(providers.LLM, app.Named[llm.Provider]{Name: "backup", Provider: &llmmock.Provider{}})
	providers.TTS = append(providers.TTS, app.Named[tts.Provider]{Name: "backup", Provider: &ttsmock.Provider{}})

	a, _ := newApp(t, testConfig(t, testYAML), providers)
	if a.Conversation() == nil {
		t.Fatal("Conversation() = nil")
	}
}

func TestRun_ShutdownOnCancel(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, testYAML+"audio:\n  auto_start: true\n")
	a, mic := newApp(t, cfg, testProviders())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !a.Listener().Capturing() {
		if time.Now().After(deadline) {
			t.Fatal("auto start did not begin capturing")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if mic.CallCountOpen != 1 {
		t.Errorf("microphone opened %d times, want 1", mic.CallCountOpen)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if a.Listener().Capturing() {
		t.Error("still capturing after Shutdown")
	}
}

func TestRun_AutoStartWithoutMicrophone(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, testYAML+"audio:\n  auto_start: true\n")
	mic := &audiomock.Microphone{OpenErr: &audio.AcquisitionError{Err: errors.New("denied")}}
	a, err := app.New(context.Background(), cfg, testProviders(),
		app.WithMicrophone(mic),
		app.WithSink(&audiomock.Sink{}),
		app.WithHistoryStore(memory.New(10)),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := a.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run() = %v, want DeadlineExceeded", err)
	}
	if a.Listener().Capturing() {
		t.Error("capturing without a microphone")
	}
}

func TestRun_ListenError(t *testing.T) {
	t.Parallel()
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()

	cfg := testConfig(t, testYAML)
	cfg.Server.ListenAddr = busy.Addr().String()
	a, _ := newApp(t, cfg, testProviders())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = a.Run(ctx)
	if err == nil || errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() = %v, want listen error", err)
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()
	var level slog.LevelVar
	old := testConfig(t, testYAML)
	a, _ := newApp(t, old, testProviders(), app.WithLogLevel(&level))

	updated := testConfig(t, strings.Replace(testYAML, "voice:\n  vad_sensitivity: 0.02",
		"voice:\n  vad_sensitivity: 0.05\n  silence_threshold_ms: 2500\n  min_speech_duration_ms: 100\n  volume: 0.4", 1)+
		"conversation:\n  system_prompt: changed\n")
	updated.Server.LogLevel = config.LogDebug

	a.ApplyConfig(old, updated)

	cfg := a.Listener().Config()
	if cfg.Sensitivity != 0.05 || cfg.SilenceThreshold != 2500*time.Millisecond || cfg.MinSpeechDuration != 100*time.Millisecond {
		t.Errorf("listener config = %+v", cfg)
	}
	if got := a.Listener().Volume(); got != 0.4 {
		t.Errorf("volume = %v, want 0.4", got)
	}
	if level.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", level.Level())
	}
	if a.Config() != updated {
		t.Error("Config() did not switch to the new config")
	}
}

func TestConfigWatch(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "aihub.yaml")
	if err := os.WriteFile(path, []byte(testYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	a, _ := newApp(t, cfg, testProviders(), app.WithConfigWatch(path, 10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	edited := strings.Replace(testYAML, "vad_sensitivity: 0.02", "vad_sensitivity: 0.07", 1)
	if err := os.WriteFile(path, []byte(edited), 0o644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for a.Listener().Config().Sensitivity != 0.07 {
		if time.Now().After(deadline) {
			t.Fatalf("sensitivity = %v, want 0.07 after reload", a.Listener().Config().Sensitivity)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()
	a, _ := newApp(t, testConfig(t, testYAML), testProviders())
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if rec := get(t, a.Handler(), "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /readyz after shutdown = %d, want 503", rec.Code)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := app.SlogLevel(in); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
