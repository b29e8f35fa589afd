package audio

import (
	"sync/atomic"
)

// Clip is the unit of synthesized speech submitted to the playback arbiter.
// Audio is streamed (chunks arrive incrementally on the Audio channel) so
// playback can begin before synthesis is complete.
type Clip struct {
	// ID identifies the clip in logs and errors. It need not be unique.
	ID string

	// Audio is a read-only channel of 16-bit little-endian PCM chunks. The
	// producer closes the channel when the clip ends or when a mid-stream
	// error occurs. After the channel closes, call [Clip.Err] to check whether
	// synthesis completed cleanly.
	Audio <-chan []byte

	// Format is the sample rate and channel layout of the PCM on Audio.
	Format Format

	// streamErr stores the error that caused the Audio channel to close early.
	streamErr atomic.Pointer[error]
}

// Err returns the error that caused the Audio channel to close prematurely,
// or nil if the stream completed successfully.
func (c *Clip) Err() error {
	if p := c.streamErr.Load(); p != nil {
		return *p
	}
	return nil
}

// SetStreamErr records a mid-stream error. The producer should call this
// before closing the Audio channel so the arbiter can distinguish a clean
// completion from a failure.
func (c *Clip) SetStreamErr(err error) {
	c.streamErr.Store(&err)
}

// Discard consumes the rest of the Audio channel so a producer blocked on a
// send can finish. It returns once the channel is closed.
func (c *Clip) Discard() {
	for range c.Audio {
	}
}

// NewClip returns a clip whose Audio channel yields pcm split into chunks of
// chunkBytes (rounded down to whole sample frames). The channel is buffered
// and already closed, so the clip needs no producer goroutine. A chunkBytes
// of zero or less yields a single chunk.
func NewClip(id string, pcm []byte, format Format, chunkBytes int) *Clip {
	frame := format.Channels * 2
	if frame > 0 && chunkBytes >= frame {
		chunkBytes -= chunkBytes % frame
	}
	if chunkBytes <= 0 || chunkBytes > len(pcm) {
		chunkBytes = len(pcm)
	}

	n := 0
	if chunkBytes > 0 {
		n = (len(pcm) + chunkBytes - 1) / chunkBytes
	}
	ch := make(chan []byte, n)
	for off := 0; off < len(pcm); off += chunkBytes {
		end := min(off+chunkBytes, len(pcm))
		ch <- pcm[off:end]
	}
	close(ch)
	return &Clip{ID: id, Audio: ch, Format: format}
}

// StreamClip returns a clip fed by the caller through the returned send
// channel. The caller must close the send channel when done, after calling
// [Clip.SetStreamErr] on failure.
func StreamClip(id string, format Format, buffer int) (*Clip, chan<- []byte) {
	ch := make(chan []byte, buffer)
	return &Clip{ID: id, Audio: ch, Format: format}, ch
}
