// Package capture owns the microphone for a voice session.
//
// A [Session] opens one microphone stream at a time. While open, every
// captured frame feeds two consumers: an analysis window holding the most
// recent fftSize samples, from which [Session.FrequencyData] computes byte
// frequency bins on demand, and a recorder that cuts the PCM into fixed
// interval chunks delivered on [Session.Chunks].
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aihub/voice/pkg/audio"
	"github.com/aihub/voice/pkg/vad"
)

const (
	// DefaultSampleRate is the capture rate requested from the microphone.
	DefaultSampleRate = 16000

	// DefaultChunkInterval is the recorder timeslice.
	DefaultChunkInterval = 500 * time.Millisecond

	// defaultChunkBuffer is how many recorder chunks may wait unread before
	// the oldest is dropped.
	defaultChunkBuffer = 16
)

// Option configures a [Session].
type Option func(*Session)

// WithSampleRate sets the capture sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(s *Session) {
		if rate > 0 {
			s.format.SampleRate = rate
		}
	}
}

// WithFFTSize sets the analysis window length. It must be a power of two
// accepted by [vad.NewSpectrum]; invalid sizes make [New] fail.
func WithFFTSize(n int) Option {
	return func(s *Session) {
		s.fftSize = n
	}
}

// WithChunkInterval sets the recorder timeslice.
func WithChunkInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.chunkInterval = d
		}
	}
}

// WithChunkBuffer sets how many unread recorder chunks are retained.
func WithChunkBuffer(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.chunkBuffer = n
		}
	}
}

// run is the state of one open acquisition.
type run struct {
	stream   audio.Stream
	rec      *recorder
	win      *window
	spectrum *vad.Spectrum
	done     chan struct{} // closed when the reader goroutine exits
}

// Session owns at most one open microphone acquisition.
//
// All exported methods are safe for concurrent use.
type Session struct {
	mic           audio.Microphone
	format        audio.Format
	fftSize       int
	chunkInterval time.Duration
	chunkBuffer   int

	mu      sync.Mutex
	cur     *run
	chunks  chan []byte
	scratch []float32
}

// New creates an idle session that acquires audio from mic.
func New(mic audio.Microphone, opts ...Option) (*Session, error) {
	s := &Session{
		mic:           mic,
		format:        audio.Format{SampleRate: DefaultSampleRate, Channels: 1},
		fftSize:       vad.DefaultFFTSize,
		chunkInterval: DefaultChunkInterval,
		chunkBuffer:   defaultChunkBuffer,
	}
	for _, o := range opts {
		o(s)
	}
	if _, err := vad.NewSpectrum(s.fftSize); err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	if s.format.Bytes(s.chunkInterval) == 0 {
		return nil, fmt.Errorf("capture: chunk interval %v is shorter than one sample", s.chunkInterval)
	}
	s.chunks = make(chan []byte, s.chunkBuffer)
	return s, nil
}

// Format returns the mono PCM format of recorder chunks.
func (s *Session) Format() audio.Format { return s.format }

// Bins returns the number of frequency bins [Session.FrequencyData] fills.
func (s *Session) Bins() int { return s.fftSize / 2 }

// Start opens the microphone with echo cancellation, noise suppression and
// automatic gain enabled, then starts recording. Calling Start while already
// capturing is a no-op. If the device cannot be acquired, the returned error
// matches [audio.ErrAcquisition] and the session stays idle.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cur != nil {
		slog.Debug("capture: already capturing, ignoring start")
		return nil
	}

	stream, err := s.mic.Open(ctx, audio.Constraints{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
		SampleRate:       s.format.SampleRate,
		Channels:         s.format.Channels,
	})
	if err != nil {
		var acq *audio.AcquisitionError
		if !errors.As(err, &acq) {
			err = &audio.AcquisitionError{Err: err}
		}
		return fmt.Errorf("capture: start: %w", err)
	}

	spectrum, err := vad.NewSpectrum(s.fftSize)
	if err != nil {
		_ = stream.Close()
		return fmt.Errorf("capture: start: %w", err)
	}

	r := &run{
		stream:   stream,
		rec:      newRecorder(s.format.Bytes(s.chunkInterval), s.emit),
		win:      newWindow(s.fftSize),
		spectrum: spectrum,
		done:     make(chan struct{}),
	}
	s.cur = r
	go s.read(r)

	slog.Info("capture started",
		"format", stream.Format(),
		"target", s.format,
		"chunk_interval", s.chunkInterval,
	)
	return nil
}

// Stop releases the microphone, the recorder and the analysis window, in
// that order. Unread chunks are discarded. Stop is a no-op when idle.
func (s *Session) Stop() error {
	s.mu.Lock()
	r := s.cur
	s.cur = nil
	s.mu.Unlock()

	if r == nil {
		return nil
	}

	err := r.stream.Close()
	<-r.done

	s.mu.Lock()
	r.rec.flush()
	r.rec = nil
	r.win = nil
	r.spectrum = nil
	s.mu.Unlock()

drain:
	for {
		select {
		case <-s.chunks:
		default:
			break drain
		}
	}

	slog.Info("capture stopped")
	if err != nil {
		return fmt.Errorf("capture: close stream: %w", err)
	}
	return nil
}

// Capturing reports whether a microphone stream is open.
func (s *Session) Capturing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil
}

// FrequencyData computes byte frequency bins over the analysis window into
// dst (which must hold at least [Session.Bins] bytes) and returns the number
// of bins written. It returns 0 when idle.
func (s *Session) FrequencyData(dst []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cur == nil || len(dst) < s.fftSize/2 {
		return 0
	}
	s.scratch = s.cur.win.snapshot(s.scratch)
	return len(s.cur.spectrum.Compute(s.scratch, dst[:0]))
}

// Chunks returns the channel of recorder chunks. The channel is never
// closed; when a reader falls behind, the oldest chunks are dropped.
func (s *Session) Chunks() <-chan []byte { return s.chunks }

// Flush returns the partially recorded chunk and starts a new one, or nil
// when idle or nothing is buffered.
func (s *Session) Flush() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return nil
	}
	return s.cur.rec.flush()
}

// read pumps frames from the stream into the window and recorder until the
// stream closes.
func (s *Session) read(r *run) {
	defer close(r.done)

	conv := audio.FormatConverter{Target: s.format}
	var samples []float32
	for frame := range r.stream.Frames() {
		frame = conv.Convert(frame)
		if len(frame.Data) == 0 {
			continue
		}
		samples = audio.Float32s(samples[:0], frame.Data)

		s.mu.Lock()
		if s.cur != r {
			s.mu.Unlock()
			continue
		}
		r.win.write(samples)
		r.rec.write(frame.Data)
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == r {
		// The device went away without Stop being called.
		s.cur = nil
		_ = r.stream.Close()
		slog.Warn("capture stream ended unexpectedly")
	}
}

// emit delivers a recorder chunk, dropping the oldest unread chunk when the
// buffer is full. Called with s.mu held.
func (s *Session) emit(chunk []byte) {
	for {
		select {
		case s.chunks <- chunk:
			return
		default:
		}
		select {
		case <-s.chunks:
			slog.Debug("capture: chunk buffer full, dropping oldest")
		default:
		}
	}
}
