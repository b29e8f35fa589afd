// Package vad implements energy-based voice activity detection.
//
// The pipeline has three stages, each usable on its own:
//
//   - [Spectrum] turns a window of PCM samples into byte frequency bins.
//   - [Analyzer] reduces the bins of one tick to a smoothed loudness level.
//   - [Machine] consumes the level and the elapsed tick time and decides when
//     speech starts, when a pause ends an utterance, and when an utterance
//     was too short to count.
//
// None of the types in this package are safe for concurrent use; they are
// meant to be owned by a single tick loop.
package vad

import (
	"fmt"
	"time"
)

const (
	// DefaultSensitivity is the sensitivity used when none is configured.
	DefaultSensitivity = 0.015

	// DefaultSilenceThreshold is how long a pause must last to end an
	// utterance.
	DefaultSilenceThreshold = 1200 * time.Millisecond

	// DefaultMinSpeechDuration is the shortest speech run that counts as an
	// utterance.
	DefaultMinSpeechDuration = 300 * time.Millisecond

	// MinSilenceThreshold and MaxSilenceThreshold bound the configurable
	// silence threshold.
	MinSilenceThreshold = 500 * time.Millisecond
	MaxSilenceThreshold = 5000 * time.Millisecond
)

// Config holds the tunable parameters of a [Machine].
type Config struct {
	// Sensitivity in (0, 1) maps to the detection threshold via [Threshold].
	Sensitivity float64

	// SilenceThreshold is how long voice must be absent before a speech run
	// ends.
	SilenceThreshold time.Duration

	// MinSpeechDuration is the minimum accumulated speech for an utterance to
	// be delivered rather than discarded as noise.
	MinSpeechDuration time.Duration
}

// DefaultConfig returns the default detection parameters.
func DefaultConfig() Config {
	return Config{
		Sensitivity:       DefaultSensitivity,
		SilenceThreshold:  DefaultSilenceThreshold,
		MinSpeechDuration: DefaultMinSpeechDuration,
	}
}

// Threshold maps a sensitivity to the level a tick must exceed to count as
// voice: sensitivity × (1.1 − sensitivity).
func Threshold(sensitivity float64) float64 {
	return sensitivity * (1.1 - sensitivity)
}

// ClampSilenceThreshold limits d to [MinSilenceThreshold, MaxSilenceThreshold].
func ClampSilenceThreshold(d time.Duration) time.Duration {
	return max(MinSilenceThreshold, min(MaxSilenceThreshold, d))
}

// State is a snapshot of the detector, recomputed every tick. It is a value
// type; copies handed to observers never alias the machine's own state.
type State struct {
	IsSpeaking      bool          `json:"is_speaking"`
	SilenceDuration time.Duration `json:"silence_duration"`
	SpeechDuration  time.Duration `json:"speech_duration"`
	AudioLevel      float64       `json:"audio_level"`
}

// Event classifies what a single [Machine.Step] did.
type Event int

const (
	// EventNone means no transition happened this tick.
	EventNone Event = iota

	// EventSpeechStarted means voice was detected while silent. Callers
	// interrupt playback (barge-in) and start buffering the utterance.
	EventSpeechStarted

	// EventSpeechEnded means a long enough speech run was followed by a long
	// enough pause. Callers flush the buffered utterance.
	EventSpeechEnded

	// EventSpeechDiscarded means a speech run ended before reaching the
	// minimum speech duration. Callers drop the buffer without notifying.
	EventSpeechDiscarded

	// EventMuteReset means the input was muted mid-utterance. Callers drop
	// the buffer without notifying.
	EventMuteReset
)

// String returns the human-readable name of the event.
func (e Event) String() string {
	switch e {
	case EventNone:
		return "none"
	case EventSpeechStarted:
		return "speech-started"
	case EventSpeechEnded:
		return "speech-ended"
	case EventSpeechDiscarded:
		return "speech-discarded"
	case EventMuteReset:
		return "mute-reset"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}
