// Package voicecmd recognises short spoken control phrases such as "stop" or
// "louder" so they can be handled locally instead of being sent to the LLM.
//
// Matching runs in two stages. A small grammar of regular expressions covers
// the phrasings people actually use. When nothing matches and the transcript
// is only a few words long, a phonetic pass compares each word against the
// command vocabulary with Double Metaphone and Jaro-Winkler, so that STT
// slips like "stob" or "sofder" still work.
package voicecmd

import (
	"log/slog"
	"regexp"
	"strings"
)

// Action is what a recognised command asks for.
type Action int

const (
	ActionNone Action = iota
	ActionStop
	ActionLouder
	ActionSofter
	ActionMute
	ActionUnmute
)

// String returns the action name used in logs and metrics.
func (a Action) String() string {
	switch a {
	case ActionStop:
		return "stop"
	case ActionLouder:
		return "louder"
	case ActionSofter:
		return "softer"
	case ActionMute:
		return "mute"
	case ActionUnmute:
		return "unmute"
	default:
		return "none"
	}
}

// VolumeStep is how much louder and softer change the playback volume.
const VolumeStep = 0.2

// Command is a recognised control phrase.
type Command struct {
	Action Action

	// Phrase is the grammar phrase or vocabulary word that matched.
	Phrase string

	// Score is 1 for grammar matches and the Jaro-Winkler similarity for
	// phonetic matches.
	Score float64
}

// rule maps a phrase pattern to an action.
type rule struct {
	re     *regexp.Regexp
	action Action
}

// phrase wraps body with optional politeness around it and anchors it to
// the whole transcript.
func phrase(body string) *regexp.Regexp {
	return regexp.MustCompile(`^(?:(?:hey|ok|okay)\s+)?(?:please\s+)?(?:` + body + `)(?:\s+(?:please|now))?$`)
}

// rules are tried in order; unmute precedes mute and stop so "stop
// listening" and "unmute" are not taken for something shorter.
var rules = []rule{
	{phrase(`unmute(?:\s+yourself)?|start\s+listening|you\s+can\s+listen`), ActionUnmute},
	{phrase(`mute(?:\s+yourself)?|stop\s+listening`), ActionMute},
	{phrase(`stop(?:\s+(?:talking|it|that))?|be\s+quiet|quiet|shut\s+up|silence|enough|cancel(?:\s+that)?|never\s*mind`), ActionStop},
	{phrase(`louder|speak\s+up|volume\s+up|turn\s+(?:it|the\s+volume)\s+up|(?:raise|increase)\s+(?:the\s+)?volume`), ActionLouder},
	{phrase(`softer|quieter|volume\s+down|turn\s+(?:it|the\s+volume)\s+down|(?:lower|decrease)\s+(?:the\s+)?volume`), ActionSofter},
}

// Option configures a [Parser].
type Option func(*Parser)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a phonetic
// match. Default: 0.80.
func WithPhoneticThreshold(threshold float64) Option {
	return func(p *Parser) {
		p.phoneticThreshold = threshold
	}
}

// WithoutPhonetic disables the phonetic fallback.
func WithoutPhonetic() Option {
	return func(p *Parser) {
		p.phonetic = false
	}
}

// Parser recognises commands in transcripts. It is read-only after
// construction and safe for concurrent use.
type Parser struct {
	phoneticThreshold float64
	phonetic          bool
}

// New returns a Parser with the given options.
func New(opts ...Option) *Parser {
	p := &Parser{
		phoneticThreshold: defaultPhoneticThreshold,
		phonetic:          true,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Parse returns the command spoken in transcript, if any.
func (p *Parser) Parse(transcript string) (Command, bool) {
	text := normalize(transcript)
	if text == "" {
		return Command{}, false
	}
	for _, r := range rules {
		if r.re.MatchString(text) {
			return Command{Action: r.action, Phrase: text, Score: 1}, true
		}
	}
	if !p.phonetic {
		return Command{}, false
	}
	cmd, ok := p.matchPhonetic(strings.Fields(text))
	if ok {
		slog.Debug("voicecmd: phonetic match", "transcript", transcript, "phrase", cmd.Phrase, "score", cmd.Score)
	}
	return cmd, ok
}

// Controls is the subset of the listener a command acts on.
type Controls interface {
	Interrupt()
	SetVolume(v float64)
	Volume() float64
	SetMuted(muted bool)
}

// Apply performs a on c.
func Apply(c Controls, a Action) {
	switch a {
	case ActionStop:
		c.Interrupt()
	case ActionLouder:
		c.SetVolume(min(c.Volume()+VolumeStep, 1))
	case ActionSofter:
		c.SetVolume(max(c.Volume()-VolumeStep, 0))
	case ActionMute:
		c.SetMuted(true)
	case ActionUnmute:
		c.SetMuted(false)
	}
}
