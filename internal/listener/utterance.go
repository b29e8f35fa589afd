package listener

import (
	"time"

	"github.com/aihub/voice/pkg/audio"
)

// Utterance is one finalized speech run: the recorded PCM from the chunk
// preceding the onset through the end of the trailing pause.
type Utterance struct {
	// PCM is little-endian 16-bit audio in Format.
	PCM    []byte
	Format audio.Format

	// SpeechDuration is the voiced time the detector accumulated. It excludes
	// the onset tick and the trailing silence.
	SpeechDuration time.Duration

	StartedAt time.Time
	EndedAt   time.Time
}

// Duration returns the length of the recorded audio.
func (u Utterance) Duration() time.Duration {
	return u.Format.Duration(len(u.PCM))
}

// WAV returns the utterance as a RIFF/WAVE blob suitable for STT upload.
func (u Utterance) WAV() []byte {
	return audio.EncodeWAV(u.PCM, u.Format.SampleRate, u.Format.Channels)
}

// utteranceBuffer accumulates recorder chunks between speech start and end.
// It is owned by the tick goroutine.
type utteranceBuffer struct {
	active  bool
	started time.Time
	pcm     []byte
}

// begin starts a new utterance, seeded with the pre-roll chunk.
func (b *utteranceBuffer) begin(at time.Time, preroll []byte) {
	b.active = true
	b.started = at
	b.pcm = append(b.pcm[:0], preroll...)
}

func (b *utteranceBuffer) append(chunks ...[]byte) {
	if !b.active {
		return
	}
	for _, c := range chunks {
		b.pcm = append(b.pcm, c...)
	}
}

// finish returns the completed utterance and resets the buffer. The returned
// PCM does not alias the buffer.
func (b *utteranceBuffer) finish(at time.Time, speech time.Duration, format audio.Format) Utterance {
	u := Utterance{
		PCM:            append([]byte(nil), b.pcm...),
		Format:         format,
		SpeechDuration: speech,
		StartedAt:      b.started,
		EndedAt:        at,
	}
	b.reset()
	return u
}

func (b *utteranceBuffer) reset() {
	b.active = false
	b.started = time.Time{}
	b.pcm = b.pcm[:0]
}
