// Package playback serializes synthesized speech so that at most one clip is
// audible at a time.
//
// [Arbiter] plays [audio.Clip] values strictly in submission order. Each
// [Arbiter.Enqueue] call returns a [Ticket] that completes when that clip's
// turn ends: nil on natural completion, a [*PlaybackError] if the clip failed,
// or [ErrInterrupted] if [Arbiter.Interrupt] cut it off or discarded it. A
// failed clip never stalls the queue; the next clip starts as if the failed
// one had finished normally.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/aihub/voice/pkg/audio"
)

var (
	// ErrInterrupted completes tickets of clips that were cut off or
	// discarded by [Arbiter.Interrupt].
	ErrInterrupted = errors.New("playback: interrupted")

	// ErrClosed completes tickets of clips that were pending when the
	// arbiter was closed, or enqueued afterwards.
	ErrClosed = errors.New("playback: arbiter closed")
)

// PlaybackError reports that a single clip could not be decoded or played.
// It is delivered only through that clip's [Ticket].
type PlaybackError struct {
	ClipID string
	Err    error
}

// Error implements the error interface.
func (e *PlaybackError) Error() string {
	return fmt.Sprintf("playback: clip %q: %v", e.ClipID, e.Err)
}

// Unwrap returns the underlying cause.
func (e *PlaybackError) Unwrap() error { return e.Err }

// Ticket tracks the completion of one enqueued clip.
type Ticket struct {
	clipID string
	done   chan struct{}
	once   sync.Once
	err    error
}

func newTicket(clipID string) *Ticket {
	return &Ticket{clipID: clipID, done: make(chan struct{})}
}

// ClipID returns the ID of the clip this ticket tracks.
func (t *Ticket) ClipID() string { return t.clipID }

// Done returns a channel that is closed when the clip's turn is over.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Err returns the completion error. It returns nil while the clip is still
// queued or playing, and after a clean completion.
func (t *Ticket) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the clip's turn is over or ctx is done.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Ticket) complete(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

// Option configures an [Arbiter] during construction.
type Option func(*Arbiter)

// WithOutputFormat sets the format the sink expects. Clips in other formats
// are converted chunk by chunk. The zero value disables conversion.
func WithOutputFormat(f audio.Format) Option {
	return func(a *Arbiter) {
		a.format = f
	}
}

// WithVolume sets the initial volume. Values are clamped to [0, 1].
func WithVolume(v float64) Option {
	return func(a *Arbiter) {
		a.volume = clampVolume(v)
	}
}

type entry struct {
	clip   *audio.Clip
	ticket *Ticket
	cut    error // set under mu when the entry is interrupted mid-play
}

// Arbiter is a FIFO playback queue for synthesized speech. It owns a
// background dispatch goroutine that streams the head clip's audio to the
// sink.
//
// All exported methods are safe for concurrent use.
type Arbiter struct {
	sink   audio.Sink
	format audio.Format

	mu            sync.Mutex
	queue         []*entry
	playing       *entry
	cancelPlaying chan struct{} // closed to cut the current clip
	volume        float64
	doneHandler   func(clipID string, err error)

	notify  chan struct{} // signalled when a clip is enqueued
	done    chan struct{} // closed by Close to stop the dispatch goroutine
	stopped chan struct{} // closed when the dispatch goroutine has exited
	closed  bool
}

// New creates an [Arbiter] that writes PCM chunks to sink. The arbiter starts
// its dispatch goroutine immediately; call [Arbiter.Close] to stop it.
//
// sink must not be nil. Its Write method is called sequentially from the
// dispatch goroutine.
func New(sink audio.Sink, opts ...Option) *Arbiter {
	a := &Arbiter{
		sink:    sink,
		volume:  1,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	go a.dispatch()
	return a
}

// Enqueue appends clip to the tail of the queue. If nothing is playing,
// playback begins immediately. The returned [Ticket] completes when the
// clip's turn is over.
func (a *Arbiter) Enqueue(clip *audio.Clip) *Ticket {
	t := newTicket(clip.ID)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		go clip.Discard()
		t.complete(ErrClosed)
		return t
	}
	a.queue = append(a.queue, &entry{clip: clip, ticket: t})
	a.mu.Unlock()

	select {
	case a.notify <- struct{}{}:
	default:
	}
	return t
}

// Interrupt immediately halts the current clip, discards every pending clip,
// and leaves the arbiter idle. All affected tickets complete with
// [ErrInterrupted]. A clip enqueued afterwards plays immediately.
func (a *Arbiter) Interrupt() {
	a.mu.Lock()
	cut := a.interruptLocked(ErrInterrupted)
	a.mu.Unlock()

	if cut {
		a.flushSink()
	}
}

// StopTTS is an alias for [Arbiter.Interrupt].
func (a *Arbiter) StopTTS() { a.Interrupt() }

// SetVolume clamps v to [0, 1] and applies it from the next chunk of the
// current clip onward.
func (a *Arbiter) SetVolume(v float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.volume = clampVolume(v)
}

// Volume returns the current volume in [0, 1].
func (a *Arbiter) Volume() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.volume
}

// Playing reports whether a clip is currently playing.
func (a *Arbiter) Playing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.playing != nil
}

// Pending returns the number of clips waiting behind the current one.
func (a *Arbiter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// OnClipDone registers handler to be called once per clip when its turn is
// over, with the same error its ticket carries. Only one handler may be
// registered at a time; subsequent calls replace the previous registration.
// The handler runs on the dispatch goroutine or the interrupting goroutine
// and must not block or call back into the arbiter.
func (a *Arbiter) OnClipDone(handler func(clipID string, err error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.doneHandler = handler
}

// Close stops the dispatch goroutine. Pending and playing clips complete
// with [ErrClosed]. Close is idempotent and waits for the dispatch goroutine
// to exit, so the sink is not written to after Close returns.
func (a *Arbiter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.stopped
		return nil
	}
	a.closed = true
	a.interruptLocked(ErrClosed)
	a.mu.Unlock()

	close(a.done)
	a.flushSink()
	<-a.stopped
	return nil
}

// Closed reports whether Close has been called.
func (a *Arbiter) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// interruptLocked cuts the current clip and clears the queue, completing
// every pending ticket with reason. It reports whether anything was cut.
// Must be called with a.mu held.
func (a *Arbiter) interruptLocked(reason error) bool {
	cut := false
	if a.playing != nil {
		a.playing.cut = reason
		cut = true
	}
	if a.cancelPlaying != nil {
		close(a.cancelPlaying)
		a.cancelPlaying = nil
	}
	a.playing = nil

	for _, e := range a.queue {
		go e.clip.Discard()
		a.finishLocked(e, reason)
		cut = true
	}
	clear(a.queue)
	a.queue = a.queue[:0]
	return cut
}

func (a *Arbiter) finishLocked(e *entry, err error) {
	if a.doneHandler != nil {
		a.doneHandler(e.clip.ID, err)
	}
	e.ticket.complete(err)
}

// dispatch is the background goroutine that pulls clips from the queue and
// streams their audio to the sink. It runs until [Arbiter.Close] is called.
func (a *Arbiter) dispatch() {
	defer close(a.stopped)

	for {
		select {
		case <-a.done:
			return
		case <-a.notify:
		}

		for {
			e, cancel, ok := a.dequeue()
			if !ok {
				break
			}

			err := a.play(e, cancel)
			if err != nil && !errors.Is(err, ErrInterrupted) && !errors.Is(err, ErrClosed) {
				slog.Warn("playback: clip failed, advancing", "clip", e.clip.ID, "err", err)
			}

			a.mu.Lock()
			if a.playing == e {
				a.playing = nil
				a.cancelPlaying = nil
			}
			a.finishLocked(e, err)
			a.mu.Unlock()
		}
	}
}

// dequeue pops the head clip and marks it as currently playing. Returns
// ok=false if the queue is empty or the arbiter is closed.
func (a *Arbiter) dequeue() (e *entry, cancel chan struct{}, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed || len(a.queue) == 0 {
		return nil, nil, false
	}

	e = a.queue[0]
	a.queue[0] = nil
	a.queue = a.queue[1:]
	cancel = make(chan struct{})
	a.playing = e
	a.cancelPlaying = cancel
	return e, cancel, true
}

// play streams e's audio to the sink until the clip ends, fails, or cancel
// is closed.
func (a *Arbiter) play(e *entry, cancel chan struct{}) error {
	for {
		select {
		case <-cancel:
			go e.clip.Discard()
			return a.cutReason(e)
		case chunk, ok := <-e.clip.Audio:
			if !ok {
				if err := e.clip.Err(); err != nil {
					return &PlaybackError{ClipID: e.clip.ID, Err: err}
				}
				return nil
			}
			if err := a.sink.Write(a.prepare(e.clip, chunk)); err != nil {
				go e.clip.Discard()
				return &PlaybackError{ClipID: e.clip.ID, Err: err}
			}
			select {
			case <-cancel:
				// Cut while the sink was blocked; drop what it buffered.
				a.flushSink()
				go e.clip.Discard()
				return a.cutReason(e)
			default:
			}
		}
	}
}

func (a *Arbiter) cutReason(e *entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e.cut != nil {
		return e.cut
	}
	return ErrInterrupted
}

// prepare converts chunk to the sink format and applies the current volume.
// The producer's slice is never modified.
func (a *Arbiter) prepare(clip *audio.Clip, chunk []byte) []byte {
	a.mu.Lock()
	gain := a.volume
	a.mu.Unlock()

	if len(chunk) == 0 {
		return chunk
	}
	out := chunk
	if a.format.SampleRate > 0 && clip.Format.SampleRate > 0 && clip.Format != a.format {
		out = audio.ConvertPCM(chunk, clip.Format, a.format)
	}
	if gain != 1 {
		if len(out) > 0 && &out[0] == &chunk[0] {
			out = append([]byte(nil), chunk...)
		}
		audio.ApplyGain(out, gain)
	}
	return out
}

func (a *Arbiter) flushSink() {
	if f, ok := a.sink.(audio.Flusher); ok {
		f.Flush()
	}
}

func clampVolume(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return max(0, min(1, v))
}
