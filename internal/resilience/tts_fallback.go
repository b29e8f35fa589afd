package resilience

import (
	"context"
	"errors"

	"github.com/aihub/voice/pkg/audio"
	"github.com/aihub/voice/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with failover across several TTS
// backends.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
// [tts.ErrEmptyText] is returned without failover.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	cfg.Kind = "tts"
	if cfg.CircuitBreaker.Ignore == nil {
		cfg.CircuitBreaker.Ignore = func(err error) bool {
			return IsCanceled(err) || errors.Is(err, tts.ErrEmptyText)
		}
	}
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional TTS provider.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Status reports the breaker state of every backend.
func (f *TTSFallback) Status() []EntryStatus { return f.group.Status() }

// Synthesize starts synthesis on the first healthy provider. Only starting
// the clip fails over; a failure after audio has begun is recorded on the
// clip.
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (*audio.Clip, error) {
	return ExecuteWithResult(ctx, f.group, func(p tts.Provider) (*audio.Clip, error) {
		return p.Synthesize(ctx, text, voice)
	})
}

// ListVoices returns the voices of the first healthy provider.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	return ExecuteWithResult(ctx, f.group, func(p tts.Provider) ([]tts.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}
