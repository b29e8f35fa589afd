// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider turns one finished utterance into text. The listener cuts
// utterances at the end of a speech run, so providers work in batch mode: the
// whole recording is handed over at once and a single [Transcript] comes
// back. Backends that only offer a streaming API (Deepgram) replay the
// recording over their stream and join the final results.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
	"time"

	"github.com/aihub/voice/pkg/audio"
)

// ErrEmptyAudio is returned by providers when asked to transcribe a recording
// with no samples.
var ErrEmptyAudio = errors.New("stt: empty audio")

// Audio is one utterance ready for transcription.
type Audio struct {
	// PCM is 16-bit signed little-endian audio in Format.
	PCM []byte

	// Format describes PCM. Most providers expect 16 kHz mono.
	Format audio.Format

	// Language is the BCP-47 language hint (e.g., "en", "de-DE"). Empty lets
	// the provider fall back to its configured default or auto-detect.
	Language string

	// Prompt is an optional vocabulary or context hint. Providers without
	// prompt support ignore it.
	Prompt string
}

// WAV returns the audio wrapped in a RIFF/WAVE container.
func (a Audio) WAV() []byte {
	return audio.EncodeWAV(a.PCM, a.Format.SampleRate, a.Format.Channels)
}

// Duration returns the playback length of the audio.
func (a Audio) Duration() time.Duration {
	return a.Format.Duration(len(a.PCM))
}

// Transcript is the recognised text of one utterance.
type Transcript struct {
	// Text is the transcribed speech content. Empty when nothing intelligible
	// was said.
	Text string

	// Language is the detected or requested language, when the provider
	// reports it.
	Language string

	// Confidence is the overall confidence score (0.0–1.0). Zero if the
	// provider does not report confidence.
	Confidence float64

	// Duration is the length of the transcribed audio.
	Duration time.Duration
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe recognises the speech in a. It blocks until the backend
	// answers or ctx is cancelled.
	Transcribe(ctx context.Context, a Audio) (Transcript, error)
}
