// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs or the
// OpenAI speech endpoint) and turns one reply into a playable [audio.Clip].
// Synthesis streams: Synthesize returns as soon as the backend accepted the
// request, and PCM chunks arrive on the clip's Audio channel while the
// playback arbiter is already playing the head of the clip.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/aihub/voice/pkg/audio"
)

// ErrEmptyText is returned by Synthesize when there is nothing to speak.
var ErrEmptyText = errors.New("tts: empty text")

// VoiceProfile describes a TTS voice configuration.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default). Zero means
	// the provider default.
	SpeedFactor float64

	// Metadata holds provider-specific voice attributes (gender, age, accent, etc.).
	Metadata map[string]string
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize starts speaking text with voice and returns the clip being
	// produced. The returned error covers only failures to start; errors
	// during synthesis are recorded with [audio.Clip.SetStreamErr] before the
	// clip's Audio channel closes. Cancelling ctx aborts synthesis.
	Synthesize(ctx context.Context, text string, voice VoiceProfile) (*audio.Clip, error)

	// ListVoices returns all voice profiles available from this provider.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}

var clipSeq atomic.Uint64

// NextClipID returns a process-unique clip identifier such as "openai-42".
func NextClipID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, clipSeq.Add(1))
}
