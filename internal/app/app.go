// Package app wires the voice subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context is cancelled, and Shutdown tears
// everything down in reverse order.
//
// For testing, inject doubles via functional options (WithMicrophone,
// WithSink, WithHistoryStore, ...). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aihub/voice/internal/capture"
	"github.com/aihub/voice/internal/config"
	"github.com/aihub/voice/internal/conversation"
	"github.com/aihub/voice/internal/health"
	"github.com/aihub/voice/internal/history"
	"github.com/aihub/voice/internal/history/memory"
	"github.com/aihub/voice/internal/history/postgres"
	"github.com/aihub/voice/internal/listener"
	"github.com/aihub/voice/internal/observe"
	"github.com/aihub/voice/internal/resilience"
	"github.com/aihub/voice/internal/voicecmd"
	"github.com/aihub/voice/internal/web"
	"github.com/aihub/voice/pkg/audio"
	audiomalgo "github.com/aihub/voice/pkg/audio/malgo"
	"github.com/aihub/voice/pkg/audio/playback"
	"github.com/aihub/voice/pkg/provider/llm"
	"github.com/aihub/voice/pkg/provider/stt"
	"github.com/aihub/voice/pkg/provider/tts"
)

// Named pairs a provider with the config name it was created from. The name
// labels fallback metrics and breaker state.
type Named[T any] struct {
	Name     string
	Provider T
}

// Providers holds the provider chain of each pipeline stage, primary first.
// Populated by main.go via the config registry. Empty chains are allowed
// only when the conversation loop is disabled.
type Providers struct {
	STT []Named[stt.Provider]
	LLM []Named[llm.Provider]
	TTS []Named[tts.Provider]
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	mic            audio.Microphone
	sink           audio.Sink
	store          history.Store
	metrics        *observe.Metrics
	metricsHandler http.Handler
	logLevel       *slog.LevelVar
	configPath     string
	watchInterval  time.Duration

	// Subsystems, initialised in New and torn down in Shutdown.
	session  *capture.Session
	arbiter  *playback.Arbiter
	listener *listener.Service
	conv     *conversation.Conversation
	server   *web.Server
	watcher  *config.Watcher

	mu      sync.Mutex
	current *config.Config

	// closers run in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMicrophone injects a capture device instead of opening one via malgo.
func WithMicrophone(m audio.Microphone) Option {
	return func(a *App) { a.mic = m }
}

// WithSink injects a playback sink instead of opening a malgo speaker.
func WithSink(s audio.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithHistoryStore injects a history store instead of creating one from config.
func WithHistoryStore(s history.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogLevel hands the app the level variable of the process logger so
// log_level changes apply without a restart.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithConfigWatch polls path for changes while Run is active and applies
// hot-reloadable settings. A non-positive interval uses the watcher default.
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(a *App) {
		a.configPath = path
		a.watchInterval = interval
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. It opens the audio
// devices and the history store but does not start capturing.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		current:   cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"audio", a.initAudio},
		{"history", a.initHistory},
		{"listener", a.initListener},
		{"conversation", a.initConversation},
		{"config watcher", a.initWatcher},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			_ = a.closeAll()
			return nil, fmt.Errorf("app: init %s: %w", step.name, err)
		}
	}
	a.initServer()
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initAudio opens the malgo devices unless both were injected.
func (a *App) initAudio(context.Context) error {
	if a.mic != nil && a.sink != nil {
		return nil
	}

	mctx, err := audiomalgo.NewContext()
	if err != nil {
		return err
	}
	a.closers = append(a.closers, mctx.Close)

	if a.mic == nil {
		a.mic = mctx.NewMicrophone(a.cfg.Audio.InputDevice)
	}
	if a.sink == nil {
		spk, err := mctx.NewSpeaker(a.cfg.Audio.OutputDevice, audio.Format{
			SampleRate: a.cfg.Audio.OutputSampleRate,
			Channels:   1,
		})
		if err != nil {
			return err
		}
		a.sink = spk
		a.closers = append(a.closers, spk.Close)
	}
	return nil
}

// initHistory opens the configured history backend unless one was
// injected. Injected stores are left open for the caller to close.
func (a *App) initHistory(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	switch a.cfg.History.Backend {
	case config.HistoryPostgres:
		store, err := postgres.NewStore(ctx, a.cfg.History.DSN)
		if err != nil {
			return err
		}
		a.store = store
	default:
		a.store = memory.New(a.cfg.History.Limit)
	}
	a.closers = append(a.closers, a.store.Close)
	slog.Info("history store ready", "backend", a.cfg.History.Backend)
	return nil
}

// initListener builds the capture session, the playback arbiter and the
// listener that ties them together.
func (a *App) initListener(context.Context) error {
	v := a.cfg.Voice

	session, err := capture.New(a.mic,
		capture.WithSampleRate(v.SampleRate),
		capture.WithFFTSize(v.FFTSize),
		capture.WithChunkInterval(v.ChunkInterval()),
	)
	if err != nil {
		return err
	}
	a.session = session

	arbOpts := []playback.Option{playback.WithVolume(v.PlaybackVolume())}
	if f, ok := a.sink.(interface{ Format() audio.Format }); ok {
		arbOpts = append(arbOpts, playback.WithOutputFormat(f.Format()))
	}
	a.arbiter = playback.New(a.sink, arbOpts...)
	a.arbiter.OnClipDone(a.recordClip)
	a.closers = append(a.closers, a.arbiter.Close)

	a.listener = listener.New(session, a.arbiter,
		listener.WithConfig(v.VAD()),
		listener.WithTickInterval(v.TickInterval()),
		listener.WithMetrics(a.metrics),
	)
	a.closers = append(a.closers, a.listener.Stop)
	return nil
}

// initConversation builds the STT → LLM → TTS loop and subscribes it to the
// listener.
func (a *App) initConversation(context.Context) error {
	cc := a.cfg.Conversation
	if cc.Disabled {
		slog.Info("conversation loop disabled")
		return nil
	}
	if a.providers == nil {
		return errors.New("conversation requires providers")
	}

	fb := resilience.FallbackConfig{Metrics: a.metrics}
	sttP, err := chain(a.providers.STT, "stt", func(first Named[stt.Provider]) *resilience.STTFallback {
		return resilience.NewSTTFallback(first.Provider, first.Name, fb)
	})
	if err != nil {
		return err
	}
	llmP, err := chain(a.providers.LLM, "llm", func(first Named[llm.Provider]) *resilience.LLMFallback {
		return resilience.NewLLMFallback(first.Provider, first.Name, fb)
	})
	if err != nil {
		return err
	}
	ttsP, err := chain(a.providers.TTS, "tts", func(first Named[tts.Provider]) *resilience.TTSFallback {
		return resilience.NewTTSFallback(first.Provider, first.Name, fb)
	})
	if err != nil {
		return err
	}

	var parser *voicecmd.Parser
	if cc.CommandsEnabled() {
		parser = voicecmd.New()
	}

	a.conv = conversation.New(sttP, llmP, ttsP, a.listener, a.store, conversation.Config{
		SessionID:    cc.SessionID,
		SystemPrompt: cc.SystemPrompt,
		Voice: tts.VoiceProfile{
			ID:          cc.Voice.ID,
			Name:        cc.Voice.Name,
			SpeedFactor: cc.Voice.SpeedFactor,
		},
		Language:     cc.Language,
		HistoryTurns: cc.HistoryTurns,
		Temperature:  cc.Temperature,
		MaxTokens:    cc.MaxTokens,
		Streaming:    cc.Streaming,
	},
		conversation.WithMetrics(a.metrics),
		conversation.WithCommands(parser),
	)
	a.listener.OnUtterance(a.conv.HandleUtterance)
	a.listener.OnSpeechStart(a.conv.SpeechStarted)
	return nil
}

// chain returns the single provider of entries, or a fallback group over all
// of them when more than one is configured.
func chain[P any, F interface {
	AddFallback(name string, p P)
}](entries []Named[P], kind string, newGroup func(Named[P]) F) (P, error) {
	var zero P
	switch len(entries) {
	case 0:
		return zero, fmt.Errorf("no %s provider configured", kind)
	case 1:
		return entries[0].Provider, nil
	}
	group := newGroup(entries[0])
	for _, e := range entries[1:] {
		group.AddFallback(e.Name, e.Provider)
	}
	slog.Info("provider fallback enabled", "kind", kind, "providers", len(entries))
	p, ok := any(group).(P)
	if !ok {
		return zero, fmt.Errorf("%s fallback does not implement the provider interface", kind)
	}
	return p, nil
}

// initWatcher starts tracking the config file when a path was given.
func (a *App) initWatcher(context.Context) error {
	if a.configPath == "" {
		return nil
	}
	w, err := config.NewWatcher(a.configPath, a.ApplyConfig, config.WithInterval(a.watchInterval))
	if err != nil {
		return err
	}
	a.watcher = w
	return nil
}

// initServer builds the HTTP control surface.
func (a *App) initServer() {
	checks := []health.Checker{
		health.Ping("history", a.store),
		health.Open("playback", a.arbiter.Closed, "playback arbiter closed"),
	}
	opts := []web.Option{
		web.WithMetrics(a.metrics),
		web.WithHealth(health.New(checks...)),
		web.WithOriginPatterns(a.cfg.Server.AllowedOrigins...),
	}
	if a.conv != nil {
		opts = append(opts, web.WithConversation(a.conv))
	}
	if a.metricsHandler != nil {
		opts = append(opts, web.WithMetricsHandler(a.metricsHandler))
	}
	a.server = web.New(a.listener, a.arbiter, opts...)
	a.closers = append(a.closers, func() error {
		a.server.Close()
		return nil
	})
}

// recordClip counts every clip whose playback turn ended.
func (a *App) recordClip(_ string, err error) {
	status := "played"
	switch {
	case errors.Is(err, playback.ErrInterrupted):
		status = "interrupted"
	case errors.Is(err, playback.ErrClosed):
		status = "closed"
	case err != nil:
		status = "failed"
	}
	a.metrics.RecordPlaybackClip(context.Background(), status)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Listener returns the voice activity listener.
func (a *App) Listener() *listener.Service { return a.listener }

// Conversation returns the conversation loop, or nil when it is disabled.
func (a *App) Conversation() *conversation.Conversation { return a.conv }

// Handler returns the HTTP handler of the control surface.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Config returns the most recently applied config.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the control surface, runs the conversation loop and watches
// the config file until ctx is cancelled or one of them fails. With
// audio.auto_start set, capture begins immediately; a missing microphone is
// logged and capture can be retried over HTTP.
//
// When ctx is done, Run returns context.Canceled (or the underlying cause).
func (a *App) Run(ctx context.Context) error {
	if a.cfg.Audio.AutoStart {
		if err := a.listener.Start(ctx); err != nil {
			slog.Warn("auto start capture failed", "err", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.server.ListenAndServe(gctx, a.cfg.Server.ListenAddr) })
	if a.conv != nil {
		g.Go(func() error { return a.conv.Run(gctx) })
	}
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	slog.Info("app running",
		"listen_addr", a.cfg.Server.ListenAddr,
		"conversation", a.conv != nil,
		"capturing", a.listener.Capturing(),
	)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ApplyConfig applies the hot-reloadable differences between old and new.
// Changes that need a restart are logged and ignored.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SensitivityChanged {
		if err := a.listener.SetVADSensitivity(d.NewSensitivity); err != nil {
			slog.Warn("config reload: sensitivity rejected", "err", err)
		}
	}
	if d.SilenceThresholdChanged {
		a.listener.SetSilenceThreshold(time.Duration(d.NewSilenceThresholdMS) * time.Millisecond)
	}
	if d.MinSpeechChanged {
		a.listener.SetMinSpeechDuration(time.Duration(d.NewMinSpeechMS) * time.Millisecond)
	}
	if d.VolumeChanged {
		a.listener.SetVolume(d.NewVolume)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config reload: changes need a restart", "sections", d.RestartRequired)
	}

	a.mu.Lock()
	a.current = new
	a.mu.Unlock()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases whatever New managed to open before failing.
func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// SlogLevel maps a config log level to its slog level.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
