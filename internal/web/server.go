// Package web exposes the voice service over HTTP.
//
// The control routes start and stop capture, tune the detector, mute input,
// set the playback volume and speak arbitrary text:
//
//	POST /v1/capture/start   open the microphone (409 when access is denied)
//	POST /v1/capture/stop    release the microphone
//	GET  /v1/state           current detector and playback snapshot
//	POST /v1/mute            {"muted": bool}
//	POST /v1/volume          {"volume": float}
//	POST /v1/vad             {"sensitivity", "silence_threshold_ms", "min_speech_ms"}
//	POST /v1/tts             {"text": string}
//	POST /v1/tts/stop        cut off playback
//	GET  /v1/conversation    turn counters
//	GET  /v1/vad/stream      WebSocket of state snapshots
//
// The server also mounts the health probes and, when given, the Prometheus
// scrape handler.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/aihub/voice/internal/conversation"
	"github.com/aihub/voice/internal/health"
	"github.com/aihub/voice/internal/observe"
	"github.com/aihub/voice/pkg/audio"
	"github.com/aihub/voice/pkg/audio/playback"
	"github.com/aihub/voice/pkg/provider/tts"
	"github.com/aihub/voice/pkg/vad"
)

const (
	// DefaultStreamInterval is the push period of /v1/vad/stream.
	DefaultStreamInterval = 100 * time.Millisecond

	// maxBodyBytes caps JSON request bodies.
	maxBodyBytes = 64 << 10

	// MicrophoneAccessNeeded is the body of a 409 from /v1/capture/start.
	MicrophoneAccessNeeded = "microphone access needed"
)

// Listener is the voice activity listener the routes drive.
// [listener.Service] implements it.
type Listener interface {
	Start(ctx context.Context) error
	Stop() error
	Capturing() bool

	SetMuted(muted bool)
	Muted() bool

	SetVADSensitivity(v float64) error
	SetSilenceThreshold(d time.Duration) time.Duration
	SetMinSpeechDuration(d time.Duration)
	Config() vad.Config
	State() vad.State

	StopTTS()
	SetVolume(v float64)
	Volume() float64
}

// Playback reports the arbiter queue. [playback.Arbiter] implements it.
type Playback interface {
	Playing() bool
	Pending() int
}

// Conversation speaks text and reports turn counters.
// [conversation.Conversation] implements it.
type Conversation interface {
	Say(ctx context.Context, text string) (*playback.Ticket, error)
	Turns() conversation.Stats
}

// Option configures a [Server].
type Option func(*Server)

// WithConversation enables /v1/tts and /v1/conversation.
func WithConversation(c Conversation) Option {
	return func(s *Server) { s.conv = c }
}

// WithHealth mounts /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithMetrics sets the instruments used by the request middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithStreamInterval sets the push period of /v1/vad/stream.
func WithStreamInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.streamInterval = d
		}
	}
}

// WithOriginPatterns sets the host patterns allowed to open the WebSocket
// from a browser page on another origin.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// Server serves the HTTP control surface.
type Server struct {
	listener       Listener
	playback       Playback
	conv           Conversation
	health         *health.Handler
	metricsHandler http.Handler
	metrics        *observe.Metrics
	streamInterval time.Duration
	origins        []string

	// base outlives requests; clips synthesized for /v1/tts stream under it.
	base       context.Context
	cancelBase context.CancelFunc

	handler http.Handler
}

// New builds the route table.
func New(l Listener, p Playback, opts ...Option) *Server {
	s := &Server{
		listener:       l,
		playback:       p,
		metrics:        observe.DefaultMetrics(),
		streamInterval: DefaultStreamInterval,
	}
	for _, o := range opts {
		o(s)
	}
	s.base, s.cancelBase = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/capture/start", s.handleStart)
	mux.HandleFunc("POST /v1/capture/stop", s.handleStop)
	mux.HandleFunc("GET /v1/state", s.handleState)
	mux.HandleFunc("POST /v1/mute", s.handleMute)
	mux.HandleFunc("POST /v1/volume", s.handleVolume)
	mux.HandleFunc("POST /v1/vad", s.handleVAD)
	mux.HandleFunc("POST /v1/tts/stop", s.handleStopTTS)
	mux.HandleFunc("GET /v1/vad/stream", s.handleStream)
	if s.conv != nil {
		mux.HandleFunc("POST /v1/tts", s.handleSay)
		mux.HandleFunc("GET /v1/conversation", s.handleConversation)
	}
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	s.handler = observe.Middleware(s.metrics)(mux)
	return s
}

// Handler returns the root handler, wrapped in the observability middleware.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully. Open WebSocket streams are closed with StatusGoingAway.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("web: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is [Server.ListenAndServe] on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	slog.Info("web: serving", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		s.cancelBase()
		return fmt.Errorf("web: serve: %w", err)
	case <-ctx.Done():
	}

	s.cancelBase()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("web: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web: serve: %w", err)
	}
	slog.Info("web: stopped")
	return nil
}

// Close ends background work started by requests: /v1/tts synthesis and
// WebSocket streams.
func (s *Server) Close() { s.cancelBase() }

// ─── Capture ─────────────────────────────────────────────────────────────────

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.listener.Start(r.Context()); err != nil {
		if errors.Is(err, audio.ErrAcquisition) {
			observe.Logger(r.Context()).Warn("web: microphone unavailable", "err", err)
			http.Error(w, MicrophoneAccessNeeded, http.StatusConflict)
			return
		}
		http.Error(w, "start capture: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.listener.Stop(); err != nil {
		observe.Logger(r.Context()).Warn("web: stop capture", "err", err)
	}
	writeJSON(w, http.StatusOK, s.snapshot())
}

// ─── State ───────────────────────────────────────────────────────────────────

// State is the JSON snapshot served by /v1/state and /v1/vad/stream.
type State struct {
	IsSpeaking        bool    `json:"is_speaking"`
	SilenceDurationMS int64   `json:"silence_duration_ms"`
	SpeechDurationMS  int64   `json:"speech_duration_ms"`
	AudioLevel        float64 `json:"audio_level"`

	Capturing bool    `json:"capturing"`
	Muted     bool    `json:"muted"`
	Volume    float64 `json:"volume"`
	Playing   bool    `json:"playing"`
	Pending   int     `json:"pending"`

	Sensitivity        float64 `json:"sensitivity"`
	SilenceThresholdMS int64   `json:"silence_threshold_ms"`
	MinSpeechMS        int64   `json:"min_speech_ms"`
}

func (s *Server) snapshot() State {
	st := s.listener.State()
	cfg := s.listener.Config()
	return State{
		IsSpeaking:         st.IsSpeaking,
		SilenceDurationMS:  st.SilenceDuration.Milliseconds(),
		SpeechDurationMS:   st.SpeechDuration.Milliseconds(),
		AudioLevel:         st.AudioLevel,
		Capturing:          s.listener.Capturing(),
		Muted:              s.listener.Muted(),
		Volume:             s.listener.Volume(),
		Playing:            s.playback.Playing(),
		Pending:            s.playback.Pending(),
		Sensitivity:        cfg.Sensitivity,
		SilenceThresholdMS: cfg.SilenceThreshold.Milliseconds(),
		MinSpeechMS:        cfg.MinSpeechDuration.Milliseconds(),
	}
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

// ─── Controls ────────────────────────────────────────────────────────────────

type muteRequest struct {
	Muted *bool `json:"muted"`
}

func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	var req muteRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Muted == nil {
		http.Error(w, "muted is required", http.StatusBadRequest)
		return
	}
	s.listener.SetMuted(*req.Muted)
	writeJSON(w, http.StatusOK, s.snapshot())
}

type volumeRequest struct {
	Volume *float64 `json:"volume"`
}

func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	var req volumeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Volume == nil || math.IsNaN(*req.Volume) {
		http.Error(w, "volume is required", http.StatusBadRequest)
		return
	}
	s.listener.SetVolume(*req.Volume)
	writeJSON(w, http.StatusOK, s.snapshot())
}

type vadRequest struct {
	Sensitivity        *float64 `json:"sensitivity"`
	SilenceThresholdMS *int64   `json:"silence_threshold_ms"`
	MinSpeechMS        *int64   `json:"min_speech_ms"`
}

func (s *Server) handleVAD(w http.ResponseWriter, r *http.Request) {
	var req vadRequest
	if !decode(w, r, &req) {
		return
	}
	// SetMinSpeechDuration ignores non-positive values, so reject them
	// before anything is applied.
	if req.MinSpeechMS != nil && *req.MinSpeechMS <= 0 {
		http.Error(w, "min_speech_ms must be positive", http.StatusBadRequest)
		return
	}
	if req.Sensitivity != nil {
		if err := s.listener.SetVADSensitivity(*req.Sensitivity); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.SilenceThresholdMS != nil {
		s.listener.SetSilenceThreshold(time.Duration(*req.SilenceThresholdMS) * time.Millisecond)
	}
	if req.MinSpeechMS != nil {
		s.listener.SetMinSpeechDuration(time.Duration(*req.MinSpeechMS) * time.Millisecond)
	}
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) handleStopTTS(w http.ResponseWriter, _ *http.Request) {
	s.listener.StopTTS()
	writeJSON(w, http.StatusOK, s.snapshot())
}

// ─── Conversation ────────────────────────────────────────────────────────────

type sayRequest struct {
	Text string `json:"text"`
}

type sayResponse struct {
	ClipID string `json:"clip_id"`
}

func (s *Server) handleSay(w http.ResponseWriter, r *http.Request) {
	var req sayRequest
	if !decode(w, r, &req) {
		return
	}
	ticket, err := s.conv.Say(s.base, req.Text)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, tts.ErrEmptyText) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusAccepted, sayResponse{ClipID: ticket.ClipID()})
}

func (s *Server) handleConversation(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.conv.Turns())
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// decode reads a JSON body into v. On failure it writes a 400 and returns
// false.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
