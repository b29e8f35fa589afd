package resilience

import (
	"context"
	"errors"

	"github.com/aihub/voice/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with failover across several STT
// backends.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
// [stt.ErrEmptyAudio] is returned without failover.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	cfg.Kind = "stt"
	if cfg.CircuitBreaker.Ignore == nil {
		cfg.CircuitBreaker.Ignore = func(err error) bool {
			return IsCanceled(err) || errors.Is(err, stt.ErrEmptyAudio)
		}
	}
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional STT provider.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Status reports the breaker state of every backend.
func (f *STTFallback) Status() []EntryStatus { return f.group.Status() }

// Transcribe transcribes a with the first healthy provider.
func (f *STTFallback) Transcribe(ctx context.Context, a stt.Audio) (stt.Transcript, error) {
	return ExecuteWithResult(ctx, f.group, func(p stt.Provider) (stt.Transcript, error) {
		return p.Transcribe(ctx, a)
	})
}
