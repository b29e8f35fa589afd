// Package conversation runs the voice chat loop on top of the listener.
//
// Each finished utterance becomes a turn: it is transcribed, checked against
// the local voice-command grammar, answered by the LLM with the recent
// history as context, synthesized and queued for playback. Turns run one at a
// time on the goroutine that calls [Conversation.Run].
//
// A speech onset cancels the in-flight turn. Once the user has taken the
// floor, a reply still being prepared is never enqueued and one already
// playing is cut off.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aihub/voice/internal/history"
	"github.com/aihub/voice/internal/listener"
	"github.com/aihub/voice/internal/observe"
	"github.com/aihub/voice/internal/voicecmd"
	"github.com/aihub/voice/pkg/audio"
	"github.com/aihub/voice/pkg/audio/playback"
	"github.com/aihub/voice/pkg/provider/llm"
	"github.com/aihub/voice/pkg/provider/stt"
	"github.com/aihub/voice/pkg/provider/tts"
)

// Turn outcomes, recorded in [Stats] and the aihub.conversation.turns metric.
const (
	StatusAnswered  = "answered"
	StatusCommand   = "command"
	StatusEmpty     = "empty"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

const (
	// DefaultQueueSize is how many finished utterances may wait behind the
	// in-flight turn before the oldest is dropped.
	DefaultQueueSize = 4

	// DefaultHistoryTurns is how many past turns are sent to the LLM.
	DefaultHistoryTurns = 10

	// DefaultSessionID keys history when no session is configured.
	DefaultSessionID = "default"
)

// ErrEmptyReply is returned when the LLM produced no text to speak.
var ErrEmptyReply = errors.New("conversation: empty reply")

// Output is the part of the listener a conversation talks back through.
type Output interface {
	voicecmd.Controls
	Enqueue(clip *audio.Clip) *playback.Ticket
}

// Config holds per-conversation settings.
type Config struct {
	// SessionID groups turns in the history store.
	SessionID string

	// SystemPrompt is sent with every LLM request.
	SystemPrompt string

	// Voice is the TTS voice replies are spoken with.
	Voice tts.VoiceProfile

	// Language is a BCP-47 hint passed to STT. Empty lets the provider decide.
	Language string

	// HistoryTurns is how many stored turns precede the new user message.
	// Negative disables history context.
	HistoryTurns int

	// Temperature and MaxTokens are passed through to the LLM.
	Temperature float64
	MaxTokens   int

	// Streaming streams the LLM reply and speaks it sentence by sentence
	// instead of waiting for the full completion.
	Streaming bool
}

// Stats is a snapshot of what the conversation has done so far.
type Stats struct {
	Received  int64 `json:"received"`
	Dropped   int64 `json:"dropped"`
	Answered  int64 `json:"answered"`
	Commands  int64 `json:"commands"`
	Empty     int64 `json:"empty"`
	Cancelled int64 `json:"cancelled"`
	Failed    int64 `json:"failed"`

	InFlight bool `json:"in_flight"`
	Queued   int  `json:"queued"`

	LastTranscript string `json:"last_transcript,omitempty"`
	LastReply      string `json:"last_reply,omitempty"`
	LastError      string `json:"last_error,omitempty"`
}

// Option configures a [Conversation].
type Option func(*Conversation)

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Conversation) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithCommands sets the voice-command parser. Pass nil to send every
// transcript to the LLM.
func WithCommands(p *voicecmd.Parser) Option {
	return func(c *Conversation) { c.commands = p }
}

// WithQueueSize sets how many utterances may wait behind the in-flight turn.
func WithQueueSize(n int) Option {
	return func(c *Conversation) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// Conversation turns utterances into spoken replies.
//
// HandleUtterance and SpeechStarted never block and may be called from the
// listener's tick goroutine. All methods are safe for concurrent use.
type Conversation struct {
	stt   stt.Provider
	llm   llm.Provider
	tts   tts.Provider
	out   Output
	store history.Store
	cfg   Config

	metrics   *observe.Metrics
	commands  *voicecmd.Parser
	queueSize int
	queue     chan listener.Utterance

	mu         sync.Mutex
	cancelTurn context.CancelFunc
	stats      Stats
}

// New creates a conversation. store may be nil, in which case no history is
// kept or sent.
func New(sttP stt.Provider, llmP llm.Provider, ttsP tts.Provider, out Output, store history.Store, cfg Config, opts ...Option) *Conversation {
	if cfg.SessionID == "" {
		cfg.SessionID = DefaultSessionID
	}
	if cfg.HistoryTurns == 0 {
		cfg.HistoryTurns = DefaultHistoryTurns
	}
	c := &Conversation{
		stt:       sttP,
		llm:       llmP,
		tts:       ttsP,
		out:       out,
		store:     store,
		cfg:       cfg,
		metrics:   observe.DefaultMetrics(),
		commands:  voicecmd.New(),
		queueSize: DefaultQueueSize,
	}
	for _, o := range opts {
		o(c)
	}
	c.queue = make(chan listener.Utterance, c.queueSize)
	return c
}

// ─── Listener hooks ──────────────────────────────────────────────────────────

// HandleUtterance queues u for the worker. When the queue is full the oldest
// waiting utterance is dropped.
func (c *Conversation) HandleUtterance(u listener.Utterance) {
	c.mu.Lock()
	c.stats.Received++
	c.mu.Unlock()

	for {
		select {
		case c.queue <- u:
			return
		default:
		}
		select {
		case <-c.queue:
			c.mu.Lock()
			c.stats.Dropped++
			c.mu.Unlock()
			slog.Warn("conversation: turn queue full, dropping oldest utterance")
		default:
		}
	}
}

// SpeechStarted cancels the in-flight turn, if any.
func (c *Conversation) SpeechStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelTurn != nil {
		c.cancelTurn()
		slog.Debug("conversation: speech started, cancelling in-flight turn")
	}
}

// ─── Worker ──────────────────────────────────────────────────────────────────

// Run processes queued utterances until ctx is cancelled. It always returns
// nil; the error result lets it run inside an errgroup.
func (c *Conversation) Run(ctx context.Context) error {
	slog.Info("conversation: worker started", "session", c.cfg.SessionID, "streaming", c.cfg.Streaming)
	defer slog.Info("conversation: worker stopped")
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-c.queue:
			c.runTurn(ctx, u)
		}
	}
}

// Turns returns a snapshot of the conversation counters.
func (c *Conversation) Turns() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.InFlight = c.cancelTurn != nil
	s.Queued = len(c.queue)
	return s
}

// Say synthesizes text with the configured voice and queues it for playback
// outside the turn loop. The clip streams under ctx, so ctx must outlive
// playback.
func (c *Conversation) Say(ctx context.Context, text string) (*playback.Ticket, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, tts.ErrEmptyText
	}
	clip, err := c.synthesize(ctx, text)
	if err != nil {
		return nil, err
	}
	return c.out.Enqueue(clip), nil
}

func (c *Conversation) runTurn(parent context.Context, u listener.Utterance) {
	ctx, cancel := context.WithCancel(parent)
	c.mu.Lock()
	c.cancelTurn = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cancelTurn = nil
		c.mu.Unlock()
		cancel()
	}()

	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "voice.turn")
	defer span.End()
	log := observe.Logger(ctx)

	r := c.turn(ctx, u)
	if r.err != nil && ctx.Err() != nil {
		r.status = StatusCancelled
	}

	c.mu.Lock()
	switch r.status {
	case StatusAnswered:
		c.stats.Answered++
	case StatusCommand:
		c.stats.Commands++
	case StatusEmpty:
		c.stats.Empty++
	case StatusCancelled:
		c.stats.Cancelled++
	case StatusFailed:
		c.stats.Failed++
	}
	if r.transcript != "" {
		c.stats.LastTranscript = r.transcript
	}
	if r.reply != "" {
		c.stats.LastReply = r.reply
	}
	if r.status == StatusFailed {
		c.stats.LastError = r.err.Error()
	}
	c.mu.Unlock()

	c.metrics.RecordTurn(ctx, r.status)
	if r.status == StatusAnswered {
		c.metrics.TurnDuration.Record(ctx, r.enqueuedAt.Sub(start).Seconds())
	}

	switch r.status {
	case StatusFailed:
		log.Error("conversation: turn failed", "err", r.err, "elapsed", time.Since(start))
	case StatusCancelled:
		log.Info("conversation: turn cancelled", "transcript", r.transcript, "elapsed", time.Since(start))
	default:
		log.Info("conversation: turn done",
			"status", r.status,
			"transcript", r.transcript,
			"reply_chars", len(r.reply),
			"elapsed", time.Since(start),
		)
	}
}

// result describes how a turn ended.
type result struct {
	status     string
	transcript string
	reply      string
	enqueuedAt time.Time
	err        error
}

func (c *Conversation) turn(ctx context.Context, u listener.Utterance) result {
	text, err := c.transcribe(ctx, u)
	if err != nil {
		return result{status: StatusFailed, err: err}
	}
	if text == "" {
		return result{status: StatusEmpty}
	}
	r := result{transcript: text}

	if c.commands != nil {
		if cmd, ok := c.commands.Parse(text); ok {
			voicecmd.Apply(c.out, cmd.Action)
			c.metrics.RecordVoiceCommand(ctx, cmd.Action.String())
			slog.Info("conversation: voice command", "action", cmd.Action, "phrase", cmd.Phrase, "score", cmd.Score)
			r.status = StatusCommand
			return r
		}
	}

	req := c.buildRequest(ctx, text)

	var (
		reply  string
		ticket *playback.Ticket
	)
	if c.cfg.Streaming {
		reply, ticket, err = c.streamReply(ctx, req)
	} else {
		reply, ticket, err = c.completeReply(ctx, req)
	}
	r.reply = reply
	if err != nil {
		r.status = StatusFailed
		r.err = err
		return r
	}
	r.enqueuedAt = time.Now()

	c.remember(ctx,
		history.Turn{SessionID: c.cfg.SessionID, Role: history.RoleUser, Text: text, At: u.EndedAt, Duration: u.SpeechDuration},
		history.Turn{SessionID: c.cfg.SessionID, Role: history.RoleAssistant, Text: reply, At: r.enqueuedAt},
	)

	// Keep the turn open until playback ends so streamed clips keep their
	// synthesis context and a barge-in still reaches them.
	if err := c.await(ctx, ticket); err != nil {
		r.status = StatusCancelled
		r.err = err
		return r
	}
	r.status = StatusAnswered
	return r
}

// ---- stages ----

func (c *Conversation) transcribe(ctx context.Context, u listener.Utterance) (string, error) {
	ctx, done := observe.StageTimer(ctx, "stt", c.metrics.STTDuration)
	t, err := c.stt.Transcribe(ctx, stt.Audio{PCM: u.PCM, Format: u.Format, Language: c.cfg.Language})
	done(err)
	if errors.Is(err, stt.ErrEmptyAudio) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("conversation: transcribe: %w", err)
	}
	return strings.TrimSpace(t.Text), nil
}

func (c *Conversation) buildRequest(ctx context.Context, text string) llm.CompletionRequest {
	var msgs []llm.Message
	if c.store != nil && c.cfg.HistoryTurns > 0 {
		past, err := c.store.Recent(ctx, c.cfg.SessionID, c.cfg.HistoryTurns)
		if err != nil {
			slog.Warn("conversation: history unavailable, continuing without context", "err", err)
		}
		for _, t := range past {
			role := llm.RoleUser
			if t.Role == history.RoleAssistant {
				role = llm.RoleAssistant
			}
			msgs = append(msgs, llm.Message{Role: role, Content: t.Text})
		}
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: text})
	return llm.CompletionRequest{
		SystemPrompt: c.cfg.SystemPrompt,
		Messages:     msgs,
		Temperature:  c.cfg.Temperature,
		MaxTokens:    c.cfg.MaxTokens,
	}
}

func (c *Conversation) completeReply(ctx context.Context, req llm.CompletionRequest) (string, *playback.Ticket, error) {
	llmCtx, done := observe.StageTimer(ctx, "llm", c.metrics.LLMDuration)
	resp, err := c.llm.Complete(llmCtx, req)
	done(err)
	if err != nil {
		return "", nil, fmt.Errorf("conversation: complete: %w", err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", nil, ErrEmptyReply
	}
	reply := strings.TrimSpace(resp.Content)

	clip, err := c.synthesize(ctx, reply)
	if err != nil {
		return reply, nil, err
	}
	ticket, err := c.enqueue(ctx, clip)
	return reply, ticket, err
}

// streamReply speaks each sentence as soon as the model finishes it. The
// returned ticket belongs to the last clip.
func (c *Conversation) streamReply(ctx context.Context, req llm.CompletionRequest) (string, *playback.Ticket, error) {
	llmCtx, done := observe.StageTimer(ctx, "llm", c.metrics.LLMDuration)
	ch, err := c.llm.StreamCompletion(llmCtx, req)
	if err != nil {
		done(err)
		return "", nil, fmt.Errorf("conversation: stream completion: %w", err)
	}

	var (
		reply  strings.Builder
		ticket *playback.Ticket
	)
	speak := func(sentence string) error {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			return nil
		}
		if reply.Len() > 0 {
			reply.WriteByte(' ')
		}
		reply.WriteString(sentence)
		clip, err := c.synthesize(ctx, sentence)
		if err != nil {
			return err
		}
		t, err := c.enqueue(ctx, clip)
		if err != nil {
			return err
		}
		ticket = t
		return nil
	}

	err = forwardSentences(ctx, ch, speak)
	done(err)
	if err != nil {
		go drainChunks(ch)
		return reply.String(), nil, err
	}
	if ticket == nil {
		return "", nil, ErrEmptyReply
	}
	return reply.String(), ticket, nil
}

func (c *Conversation) synthesize(ctx context.Context, text string) (*audio.Clip, error) {
	ctx, done := observe.StageTimer(ctx, "tts", c.metrics.TTSDuration)
	clip, err := c.tts.Synthesize(ctx, text, c.cfg.Voice)
	done(err)
	if err != nil {
		return nil, fmt.Errorf("conversation: synthesize: %w", err)
	}
	return clip, nil
}

// enqueue hands clip to the output unless the turn has been cancelled. The
// check and the enqueue happen under the same lock SpeechStarted cancels
// under, so no clip is queued after a barge-in.
func (c *Conversation) enqueue(ctx context.Context, clip *audio.Clip) (*playback.Ticket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.out.Enqueue(clip), nil
}

// await blocks until the ticket completes. If ctx ends first the clip is cut
// off.
func (c *Conversation) await(ctx context.Context, t *playback.Ticket) error {
	err := t.Wait(ctx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		select {
		case <-t.Done():
		default:
			c.out.Interrupt()
		}
		return ctx.Err()
	}
	if errors.Is(err, playback.ErrInterrupted) || errors.Is(err, playback.ErrClosed) {
		return err
	}
	// A failed clip still counts as answered; the arbiter already logged it.
	slog.Warn("conversation: reply playback failed", "clip", t.ClipID(), "err", err)
	return nil
}

func (c *Conversation) remember(ctx context.Context, turns ...history.Turn) {
	if c.store == nil {
		return
	}
	for _, t := range turns {
		if err := c.store.Append(ctx, t); err != nil {
			slog.Warn("conversation: failed to store turn", "role", t.Role, "err", err)
			return
		}
	}
}
