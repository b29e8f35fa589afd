// Package mock provides in-memory mock implementations of the [audio.Microphone],
// [audio.Stream], and [audio.Sink] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewStream(audio.Format{SampleRate: 16000, Channels: 1}, 16)
//	mic := &mock.Microphone{OpenResult: stream}
//	s, err := mic.Open(ctx, audio.Constraints{SampleRate: 16000, Channels: 1})
//	stream.Push(pcm)
package mock

import (
	"context"
	"sync"

	"github.com/aihub/voice/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Microphone = (*Microphone)(nil)
	_ audio.Stream     = (*Stream)(nil)
	_ audio.Sink       = (*Sink)(nil)
	_ audio.Flusher    = (*Sink)(nil)
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [audio.Microphone].
// Set the exported Result fields before use; inspect the Call* fields after.
type Microphone struct {
	mu sync.Mutex

	// OpenResult is returned by [Microphone.Open] when OpenErr is nil. If it
	// is nil, a fresh 16 kHz mono [Stream] is created per call.
	OpenResult *Stream

	// OpenErr is returned by [Microphone.Open].
	OpenErr error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// RecordedConstraints holds the constraints passed to each Open call.
	RecordedConstraints []audio.Constraints

	// Streams holds every stream handed out by Open, in order.
	Streams []*Stream
}

// Open implements [audio.Microphone].
func (m *Microphone) Open(_ context.Context, c audio.Constraints) (audio.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountOpen++
	m.RecordedConstraints = append(m.RecordedConstraints, c)
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	s := m.OpenResult
	if s == nil {
		s = NewStream(audio.Format{SampleRate: 16000, Channels: 1}, 64)
	}
	m.Streams = append(m.Streams, s)
	return s, nil
}

// LastStream returns the most recently opened stream, or nil.
func (m *Microphone) LastStream() *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Streams) == 0 {
		return nil
	}
	return m.Streams[len(m.Streams)-1]
}

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.Stream]. Tests feed it with
// [Stream.Push]; Close closes the frame channel.
type Stream struct {
	mu     sync.Mutex
	format audio.Format
	frames chan audio.Frame
	closed bool

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewStream returns an open stream delivering frames in format with the
// given channel buffer.
func NewStream(format audio.Format, buffer int) *Stream {
	return &Stream{format: format, frames: make(chan audio.Frame, buffer)}
}

// Push delivers pcm as one frame. It reports false if the stream is closed.
// Push blocks when the frame buffer is full.
func (s *Stream) Push(pcm []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.frames <- audio.Frame{Data: pcm, SampleRate: s.format.SampleRate, Channels: s.format.Channels}
	return true
}

// Frames implements [audio.Stream].
func (s *Stream) Frames() <-chan audio.Frame { return s.frames }

// Format implements [audio.Stream].
func (s *Stream) Format() audio.Format { return s.format }

// Close implements [audio.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock implementation of [audio.Sink] and [audio.Flusher] that
// records every chunk written to it.
type Sink struct {
	mu sync.Mutex

	// WriteErr, if non-nil, is returned by every Write call.
	WriteErr error

	// OnWrite, if non-nil, is invoked with each chunk before it is recorded.
	// It runs on the caller's goroutine and may block to simulate a device.
	OnWrite func(pcm []byte)

	chunks     [][]byte
	flushCount int
}

// Write implements [audio.Sink]. The chunk is copied before recording.
func (s *Sink) Write(pcm []byte) error {
	s.mu.Lock()
	hook, err := s.OnWrite, s.WriteErr
	s.mu.Unlock()

	if hook != nil {
		hook(pcm)
	}
	if err != nil {
		return err
	}

	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.mu.Lock()
	s.chunks = append(s.chunks, cp)
	s.mu.Unlock()
	return nil
}

// Flush implements [audio.Flusher].
func (s *Sink) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushCount++
}

// Chunks returns a copy of every chunk written so far.
func (s *Sink) Chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.chunks))
	copy(out, s.chunks)
	return out
}

// FlushCount returns how many times Flush was called.
func (s *Sink) FlushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushCount
}

// Reset discards the recorded chunks.
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = nil
}
