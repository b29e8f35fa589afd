// Package listener runs the voice activity tick loop.
//
// A [Service] ties a capture [Source] to a playback [Player]. Every tick it
// reads frequency bins from the source, folds them into a smoothed level,
// and steps the speech/silence state machine. When speech starts it
// interrupts playback (barge-in) and begins buffering recorder chunks; when
// a long enough pause ends the run it hands the buffered [Utterance] to the
// registered observer.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/aihub/voice/internal/observe"
	"github.com/aihub/voice/pkg/audio"
	"github.com/aihub/voice/pkg/audio/playback"
	"github.com/aihub/voice/pkg/vad"
)

// DefaultTickInterval is roughly one display frame at 60 Hz.
const DefaultTickInterval = 16 * time.Millisecond

// ErrInvalidSensitivity is returned by [Service.SetVADSensitivity] for values
// outside the open interval (0, 1).
var ErrInvalidSensitivity = errors.New("listener: sensitivity must be in (0, 1)")

// Source is the capture side of the loop. [capture.Session] implements it.
type Source interface {
	Start(ctx context.Context) error
	Stop() error
	Capturing() bool
	Format() audio.Format
	Bins() int
	FrequencyData(dst []byte) int
	Chunks() <-chan []byte
	Flush() []byte
}

// Player is the playback side of the loop. [playback.Arbiter] implements it.
type Player interface {
	Enqueue(clip *audio.Clip) *playback.Ticket
	Interrupt()
	Playing() bool
	SetVolume(v float64)
	Volume() float64
}

// TickerFunc starts a ticker with the given period and returns its channel
// and a stop function.
type TickerFunc func(d time.Duration) (<-chan time.Time, func())

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Option configures a [Service].
type Option func(*Service)

// WithTickInterval sets the detector tick period.
func WithTickInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.tickInterval = d
		}
	}
}

// WithTicker replaces the ticker used to drive the loop. Tests use it to
// step the detector deterministically.
func WithTicker(fn TickerFunc) Option {
	return func(s *Service) {
		if fn != nil {
			s.newTicker = fn
		}
	}
}

// WithConfig sets the initial detection parameters.
func WithConfig(cfg vad.Config) Option {
	return func(s *Service) {
		s.cfg = cfg
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// Service is the voice activity listener.
//
// Commands and observer registration are safe for concurrent use and take
// effect on the next tick. Observers run on the tick goroutine and must not
// block.
type Service struct {
	src          Source
	player       Player
	tickInterval time.Duration
	newTicker    TickerFunc
	metrics      *observe.Metrics

	// lifeMu serialises Start and Stop.
	lifeMu   sync.Mutex
	cancel   context.CancelFunc
	loopDone chan struct{}

	mu            sync.Mutex
	cfg           vad.Config
	cfgDirty      bool
	muted         bool
	state         vad.State
	onState       func(vad.State)
	onLevel       func(float64)
	onUtterance   func(Utterance)
	onSpeechStart func()

	// Owned by the tick goroutine.
	machine  *vad.Machine
	analyzer vad.Analyzer
	bins     []byte
	buf      utteranceBuffer
	preroll  []byte
}

// New creates an idle listener. src and player must not be nil.
func New(src Source, player Player, opts ...Option) *Service {
	s := &Service{
		src:          src,
		player:       player,
		tickInterval: DefaultTickInterval,
		newTicker:    realTicker,
		cfg:          vad.DefaultConfig(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.machine = vad.NewMachine(s.cfg)
	s.cfg = s.machine.Config()
	return s
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

// Start acquires the microphone and starts the tick loop. It blocks while
// the device opens. Calling Start while already capturing is a no-op. If the
// device cannot be acquired the error matches [audio.ErrAcquisition] and the
// listener stays idle.
func (s *Service) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.cancel != nil {
		if s.src.Capturing() {
			slog.Debug("listener: already capturing, ignoring start")
			return nil
		}
		// The stream ended underneath us; tear down before reopening.
		s.stopLocked()
	}

	if err := s.src.Start(ctx); err != nil {
		return fmt.Errorf("listener: start: %w", err)
	}

	s.machine.Reset()
	s.analyzer.Reset()
	s.buf.reset()
	s.preroll = nil
	s.bins = make([]byte, s.src.Bins())

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	go s.loop(loopCtx, s.loopDone)

	s.metrics.ActiveCaptures.Add(ctx, 1)
	slog.Info("listener started", "tick_interval", s.tickInterval)
	return nil
}

// Stop ends the tick loop and releases the microphone. Any utterance in
// progress is dropped without notification. Playback is left untouched.
// Stop is a no-op when idle.
func (s *Service) Stop() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.cancel == nil {
		return nil
	}
	err := s.stopLocked()
	slog.Info("listener stopped")
	if err != nil {
		return fmt.Errorf("listener: stop: %w", err)
	}
	return nil
}

// stopLocked must be called with lifeMu held and the loop started.
func (s *Service) stopLocked() error {
	s.cancel()
	<-s.loopDone
	s.cancel = nil
	s.loopDone = nil

	err := s.src.Stop()

	s.machine.Reset()
	s.analyzer.Reset()
	s.buf.reset()
	s.preroll = nil

	s.mu.Lock()
	s.state = vad.State{}
	s.mu.Unlock()

	s.metrics.ActiveCaptures.Add(context.Background(), -1)
	return err
}

// Capturing reports whether the tick loop is running on an open stream.
func (s *Service) Capturing() bool {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	return s.cancel != nil && s.src.Capturing()
}

// ─── Commands ────────────────────────────────────────────────────────────────

// SetMuted sets the mute flag. Muting mid-utterance drops it on the next
// tick.
func (s *Service) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
}

// Muted reports the mute flag.
func (s *Service) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// SetVADSensitivity changes the detection sensitivity. Values outside (0, 1)
// are rejected with [ErrInvalidSensitivity].
func (s *Service) SetVADSensitivity(v float64) error {
	if math.IsNaN(v) || v <= 0 || v >= 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidSensitivity, v)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Sensitivity = v
	s.cfgDirty = true
	return nil
}

// SetSilenceThreshold changes how long a pause must last to end an
// utterance. d is clamped to [vad.MinSilenceThreshold,
// vad.MaxSilenceThreshold]; the applied value is returned.
func (s *Service) SetSilenceThreshold(d time.Duration) time.Duration {
	d = vad.ClampSilenceThreshold(d)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.SilenceThreshold = d
	s.cfgDirty = true
	return d
}

// SetMinSpeechDuration changes the shortest speech run that is delivered.
// Non-positive values are ignored.
func (s *Service) SetMinSpeechDuration(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.MinSpeechDuration = d
	s.cfgDirty = true
}

// Config returns the detection parameters, including changes not yet
// applied by a tick.
func (s *Service) Config() vad.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// State returns the snapshot published by the last tick.
func (s *Service) State() vad.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Enqueue queues clip for playback.
func (s *Service) Enqueue(clip *audio.Clip) *playback.Ticket {
	return s.player.Enqueue(clip)
}

// Interrupt halts playback and discards queued clips.
func (s *Service) Interrupt() { s.player.Interrupt() }

// StopTTS is an alias for [Service.Interrupt].
func (s *Service) StopTTS() { s.player.Interrupt() }

// SetVolume sets the playback volume in [0, 1].
func (s *Service) SetVolume(v float64) { s.player.SetVolume(v) }

// Volume returns the playback volume.
func (s *Service) Volume() float64 { return s.player.Volume() }

// ─── Observers ───────────────────────────────────────────────────────────────

// OnState registers a handler called every tick with a copy of the detector
// state. Only one handler may be registered at a time; subsequent calls
// replace the previous registration. nil unregisters.
func (s *Service) OnState(handler func(vad.State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = handler
}

// OnLevel registers a handler called every tick with the smoothed level.
// Replace semantics as for [Service.OnState].
func (s *Service) OnLevel(handler func(float64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLevel = handler
}

// OnUtterance registers a handler called once per delivered utterance.
// Discarded and muted runs never reach it. Replace semantics as for
// [Service.OnState].
func (s *Service) OnUtterance(handler func(Utterance)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUtterance = handler
}

// OnSpeechStart registers a handler called on every speech onset, before
// playback is interrupted. A producer that stops enqueueing in the handler
// is guaranteed its queued clips are cleared by the interrupt that follows.
// Replace semantics as for [Service.OnState].
func (s *Service) OnSpeechStart(handler func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSpeechStart = handler
}

// ─── Tick loop ───────────────────────────────────────────────────────────────

func (s *Service) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticks, stop := s.newTicker(s.tickInterval)
	defer stop()

	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticks:
			elapsed := s.tickInterval
			if !last.IsZero() {
				elapsed = now.Sub(last)
			}
			last = now
			if !s.safeTick(ctx, now, elapsed) {
				return
			}
		}
	}
}

// safeTick runs one tick, recovering from panics so a single bad tick does
// not kill the loop. It returns false when the loop should end.
func (s *Service) safeTick(ctx context.Context, now time.Time, elapsed time.Duration) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("listener: tick failed", "panic", r)
			s.metrics.RecordTickFailure(ctx)
			ok = true
		}
	}()
	return s.tick(ctx, now, elapsed)
}

func (s *Service) tick(ctx context.Context, now time.Time, elapsed time.Duration) bool {
	s.mu.Lock()
	if s.cfgDirty {
		s.machine.SetConfig(s.cfg)
		s.cfg = s.machine.Config()
		s.cfgDirty = false
	}
	muted := s.muted
	s.mu.Unlock()

	n := s.src.FrequencyData(s.bins)
	if n == 0 && !s.src.Capturing() {
		slog.Warn("listener: capture ended, stopping tick loop")
		return false
	}
	level := s.analyzer.Update(s.bins[:n])
	tr := s.machine.Step(level, elapsed, muted)
	chunks := s.drainChunks()

	switch tr.Event {
	case vad.EventSpeechStarted:
		// Hook before interrupt: a producer stopped by the hook cannot queue
		// a clip behind the interrupt.
		s.mu.Lock()
		h := s.onSpeechStart
		s.mu.Unlock()
		if h != nil {
			h()
		}

		if s.player.Playing() {
			s.metrics.RecordBargeIn(ctx)
		}
		s.player.Interrupt()
		s.buf.begin(now, s.preroll)
		s.buf.append(chunks...)
		s.preroll = nil
		slog.Debug("listener: speech started", "level", level)

	case vad.EventSpeechEnded:
		s.buf.append(chunks...)
		s.buf.append(s.src.Flush())
		u := s.buf.finish(now, tr.SpeechDuration, s.src.Format())
		s.metrics.RecordUtterance(ctx, observe.OutcomeDelivered)
		slog.Info("listener: utterance complete",
			"speech", tr.SpeechDuration,
			"audio", u.Duration(),
		)

		s.mu.Lock()
		h := s.onUtterance
		s.mu.Unlock()
		if h != nil {
			h(u)
		}

	case vad.EventSpeechDiscarded:
		s.buf.reset()
		s.metrics.RecordUtterance(ctx, observe.OutcomeDiscarded)
		slog.Debug("listener: utterance too short, discarded", "speech", tr.SpeechDuration)

	case vad.EventMuteReset:
		s.buf.reset()
		s.metrics.RecordUtterance(ctx, observe.OutcomeMuted)
		slog.Debug("listener: muted mid-utterance, discarded", "speech", tr.SpeechDuration)

	default:
		if s.buf.active {
			s.buf.append(chunks...)
		} else if len(chunks) > 0 {
			s.preroll = chunks[len(chunks)-1]
		}
	}

	st := s.machine.State()
	s.mu.Lock()
	s.state = st
	onState, onLevel := s.onState, s.onLevel
	s.mu.Unlock()

	s.metrics.RecordTick(ctx, level)
	if onLevel != nil {
		onLevel(level)
	}
	if onState != nil {
		onState(st)
	}
	return true
}

// drainChunks collects every recorder chunk available without blocking.
func (s *Service) drainChunks() [][]byte {
	var out [][]byte
	ch := s.src.Chunks()
	for {
		select {
		case c := <-ch:
			out = append(out, c)
		default:
			return out
		}
	}
}
