// Package audio defines the device abstractions and PCM helpers shared by the
// capture, voice-activity and playback layers.
//
// The two device-facing abstractions are:
//
//   - [Microphone] opens a capture [Stream] subject to [Constraints].
//   - [Sink] receives PCM chunks for playback (e.g., a speaker device).
//
// Concrete implementations live in sibling packages (audio/malgo for local
// hardware, audio/mock for tests). The interfaces are intentionally narrow so
// that the voice pipeline stays decoupled from the audio backend.
package audio

import (
	"context"
	"errors"
	"fmt"
)

// ErrAcquisition is the sentinel matched by every [AcquisitionError].
var ErrAcquisition = errors.New("audio: microphone acquisition failed")

// AcquisitionError reports that a microphone could not be opened, either
// because permission was denied or because no capture device is available.
type AcquisitionError struct {
	// Device names the device that was requested. Empty means the default.
	Device string

	// Err is the underlying backend error.
	Err error
}

// Error implements the error interface.
func (e *AcquisitionError) Error() string {
	dev := e.Device
	if dev == "" {
		dev = "default"
	}
	return fmt.Sprintf("audio: acquire microphone %q: %v", dev, e.Err)
}

// Unwrap returns the underlying backend error.
func (e *AcquisitionError) Unwrap() error { return e.Err }

// Is reports whether target is [ErrAcquisition].
func (e *AcquisitionError) Is(target error) bool { return target == ErrAcquisition }

// Constraints describes the processing and format requested from a microphone.
// Backends that cannot honour a processing flag ignore it.
type Constraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool

	// SampleRate is the requested capture rate in Hz.
	SampleRate int

	// Channels is the requested channel count; capture is normally mono.
	Channels int
}

// Microphone opens capture streams.
//
// Implementations must be safe for concurrent use.
type Microphone interface {
	// Open acquires the device and starts delivering frames. It returns an
	// [*AcquisitionError] when permission is denied or no device exists.
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// Stream is an open microphone acquisition.
type Stream interface {
	// Frames returns the channel of captured frames. The channel is closed
	// when the stream is closed or the device fails.
	Frames() <-chan Frame

	// Format returns the negotiated capture format.
	Format() Format

	// Close releases the device. Close is idempotent.
	Close() error
}

// Sink receives PCM chunks for playback. Write may block to apply
// backpressure; it returns an error when the chunk cannot be played.
type Sink interface {
	Write(pcm []byte) error
}

// Flusher is implemented by sinks that buffer audio internally. Flush drops
// any buffered audio that has not yet been heard.
type Flusher interface {
	Flush()
}

// SinkFunc adapts a plain function to the [Sink] interface.
type SinkFunc func(pcm []byte) error

// Write calls f(pcm).
func (f SinkFunc) Write(pcm []byte) error { return f(pcm) }
