package voicecmd

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.80

	// maxPhoneticTokens bounds how long a transcript may be and still be
	// considered a misheard command word.
	maxPhoneticTokens = 3
)

// keyword is one command word the phonetic fallback listens for.
type keyword struct {
	word   string
	action Action
	codes  map[string]struct{}
}

// keywords lists the single words that trigger an action when misheard.
var keywords = newKeywords(map[string]Action{
	"stop":    ActionStop,
	"quiet":   ActionStop,
	"silence": ActionStop,
	"louder":  ActionLouder,
	"softer":  ActionSofter,
	"quieter": ActionSofter,
	"mute":    ActionMute,
	"unmute":  ActionUnmute,
})

// fillers are ignored when counting and matching tokens.
var fillers = map[string]struct{}{
	"hey": {}, "ok": {}, "okay": {}, "please": {}, "now": {}, "uh": {}, "um": {},
}

func newKeywords(m map[string]Action) []keyword {
	out := make([]keyword, 0, len(m))
	for w, a := range m {
		out = append(out, keyword{word: w, action: a, codes: codesForTokens([]string{w})})
	}
	return out
}

// matchPhonetic looks for a command word that sounds like one of the
// transcript's tokens. A candidate must share a Double Metaphone code with
// the token and reach the Jaro-Winkler threshold; the best score wins.
func (p *Parser) matchPhonetic(tokens []string) (Command, bool) {
	var content []string
	for _, t := range tokens {
		if _, ok := fillers[t]; !ok {
			content = append(content, t)
		}
	}
	if len(content) == 0 || len(content) > maxPhoneticTokens {
		return Command{}, false
	}

	var best Command
	for _, t := range content {
		codes := codesForTokens([]string{t})
		for _, kw := range keywords {
			if !codesOverlap(codes, kw.codes) {
				continue
			}
			score := matchr.JaroWinkler(t, kw.word, false)
			if score >= p.phoneticThreshold && score > best.Score {
				best = Command{Action: kw.action, Phrase: kw.word, Score: score}
			}
		}
	}
	return best, best.Action != ActionNone
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes (produced when the word is too short or
// contains no consonants) are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// normalize lowercases s, turns punctuation into spaces and collapses runs
// of whitespace.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
