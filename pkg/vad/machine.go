package vad

import "time"

// Transition is the outcome of one [Machine.Step].
type Transition struct {
	Event Event

	// SpeechDuration is the accumulated speech of the run that just ended.
	// It is set for EventSpeechEnded, EventSpeechDiscarded and
	// EventMuteReset, and zero otherwise.
	SpeechDuration time.Duration
}

// Machine is the speech/silence state machine. It starts in silence.
//
// Speech starts on the first tick whose level exceeds the threshold, and
// that tick's elapsed time is the first speech counted. While speaking,
// voiced ticks add their elapsed time to the speech duration and
// clear the silence duration; unvoiced ticks add to the silence duration.
// Once silence reaches the configured threshold the run ends, and it is
// either delivered or discarded depending on its speech duration. Muting
// while speaking ends the run immediately without delivery.
type Machine struct {
	cfg       Config
	threshold float64
	state     State
}

// NewMachine returns a silent machine using cfg. Zero fields in cfg take
// their defaults.
func NewMachine(cfg Config) *Machine {
	m := &Machine{}
	m.SetConfig(cfg)
	return m
}

// Config returns the active configuration.
func (m *Machine) Config() Config { return m.cfg }

// SetConfig replaces the configuration. It takes effect on the next Step and
// does not disturb an utterance in progress.
func (m *Machine) SetConfig(cfg Config) {
	def := DefaultConfig()
	if cfg.Sensitivity <= 0 || cfg.Sensitivity >= 1 {
		cfg.Sensitivity = def.Sensitivity
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = def.SilenceThreshold
	}
	if cfg.MinSpeechDuration <= 0 {
		cfg.MinSpeechDuration = def.MinSpeechDuration
	}
	m.cfg = cfg
	m.threshold = Threshold(cfg.Sensitivity)
}

// Threshold returns the level a tick must exceed to count as voice.
func (m *Machine) Threshold() float64 { return m.threshold }

// State returns a copy of the current state.
func (m *Machine) State() State { return m.state }

// Reset returns the machine to silence with all counters at zero.
func (m *Machine) Reset() { m.state = State{} }

// Step advances the machine by one tick. level is the smoothed audio level
// for the tick, elapsed the time since the previous tick, and muted whether
// input is muted.
func (m *Machine) Step(level float64, elapsed time.Duration, muted bool) Transition {
	if elapsed < 0 {
		elapsed = 0
	}
	m.state.AudioLevel = level
	voice := !muted && level > m.threshold

	if !m.state.IsSpeaking {
		if voice {
			m.state.IsSpeaking = true
			m.state.SilenceDuration = 0
			m.state.SpeechDuration = elapsed
			return Transition{Event: EventSpeechStarted}
		}
		return Transition{}
	}

	if muted {
		return m.end(EventMuteReset)
	}

	if voice {
		m.state.SpeechDuration += elapsed
		m.state.SilenceDuration = 0
		return Transition{}
	}

	m.state.SilenceDuration += elapsed
	if m.state.SilenceDuration < m.cfg.SilenceThreshold {
		return Transition{}
	}
	if m.state.SpeechDuration >= m.cfg.MinSpeechDuration {
		return m.end(EventSpeechEnded)
	}
	return m.end(EventSpeechDiscarded)
}

func (m *Machine) end(ev Event) Transition {
	speech := m.state.SpeechDuration
	m.state = State{AudioLevel: m.state.AudioLevel}
	return Transition{Event: ev, SpeechDuration: speech}
}
