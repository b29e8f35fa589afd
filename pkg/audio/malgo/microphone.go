package malgo

import (
	"context"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/aihub/voice/pkg/audio"
)

const (
	// periodMillis is the device callback period.
	periodMillis = 20

	// frameBuffer is the number of captured periods that may wait unread
	// before new ones are dropped.
	frameBuffer = 50
)

var (
	_ audio.Microphone = (*Microphone)(nil)
	_ audio.Stream     = (*stream)(nil)
)

// Microphone opens capture streams on a local input device.
type Microphone struct {
	ctx    *Context
	device string
}

// NewMicrophone returns a microphone bound to the named input device. An
// empty name selects the system default.
func (c *Context) NewMicrophone(device string) *Microphone {
	return &Microphone{ctx: c, device: device}
}

// Open implements [audio.Microphone]. miniaudio has no echo cancellation,
// noise suppression or gain control, so those constraints are ignored.
func (m *Microphone) Open(_ context.Context, c audio.Constraints) (audio.Stream, error) {
	format := audio.Format{SampleRate: c.SampleRate, Channels: c.Channels}
	if format.SampleRate <= 0 {
		format.SampleRate = 16000
	}
	if format.Channels <= 0 {
		format.Channels = 1
	}

	info, err := m.ctx.findDevice(malgo.Capture, m.device)
	if err != nil {
		return nil, &audio.AcquisitionError{Device: m.device, Err: err}
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(format.Channels)
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.PeriodSizeInMilliseconds = periodMillis
	cfg.Alsa.NoMMap = 1
	if info != nil {
		cfg.Capture.DeviceID = info.ID.Pointer()
	}

	s := &stream{
		format: format,
		frames: make(chan audio.Frame, frameBuffer),
	}
	dev, err := malgo.InitDevice(m.ctx.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			s.deliver(input)
		},
	})
	if err != nil {
		return nil, &audio.AcquisitionError{Device: m.device, Err: err}
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, &audio.AcquisitionError{Device: m.device, Err: err}
	}
	s.dev = dev
	return s, nil
}

// stream is an open capture device.
type stream struct {
	format audio.Format
	dev    *malgo.Device

	mu      sync.Mutex
	frames  chan audio.Frame
	closed  bool
	elapsed time.Duration
}

// deliver copies one callback buffer into a frame. It runs on the miniaudio
// thread and never blocks; when the reader falls behind the frame is dropped.
func (s *stream) deliver(input []byte) {
	if len(input) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	f := audio.Frame{
		Data:       append([]byte(nil), input...),
		SampleRate: s.format.SampleRate,
		Channels:   s.format.Channels,
		Timestamp:  s.elapsed,
	}
	s.elapsed += s.format.Duration(len(input))
	select {
	case s.frames <- f:
	default:
	}
}

func (s *stream) Frames() <-chan audio.Frame { return s.frames }

func (s *stream) Format() audio.Format { return s.format }

// Close stops the device and closes the frame channel. It is idempotent.
func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var err error
	if s.dev != nil {
		err = s.dev.Stop()
		s.dev.Uninit()
	}
	close(s.frames)
	return err
}
