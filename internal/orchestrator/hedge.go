package orchestrator

import (
	"math/rand"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Hedging bands. Confidence above hedgeCleanAbove passes statements through
// unchanged; below suppressBelow nothing is worth saying at all.
const (
	suppressBelow    = 0.25
	strongHedgeBelow = 0.40
	hedgeCleanAbove  = 0.70
)

// hedgePrefixes soften statements in the mid-confidence band.
var hedgePrefixes = []string{
	"It looks like ",
	"I think ",
	"Seems like ",
}

// strongHedgePrefixes soften statements when confidence is low but still
// speak-worthy.
var strongHedgePrefixes = []string{
	"I'm not sure, but it looks like ",
	"Hard to tell, but I think ",
	"From what I can see, ",
}

// hedge applies uncertainty framing to an unprompted statement based on scene
// confidence. Returns the (possibly prefixed) text and false when the
// statement should be suppressed entirely. Prompted answers never pass
// through here: a user who asked deserves the direct answer.
func hedge(text string, confidence float64, rng *rand.Rand) (string, bool) {
	if confidence < suppressBelow {
		return "", false
	}
	// Only statements get softened. An exclamation or question with an
	// uncertainty prefix bolted on reads wrong.
	if strings.ContainsAny(text, "!?") {
		return text, true
	}
	switch {
	case confidence < strongHedgeBelow:
		return strongHedgePrefixes[rng.Intn(len(strongHedgePrefixes))] + lowerFirst(text), true
	case confidence <= hedgeCleanAbove:
		return hedgePrefixes[rng.Intn(len(hedgePrefixes))] + lowerFirst(text), true
	default:
		return text, true
	}
}

// insightThreshold maps session sensitivity to the minimum scene confidence
// an unprompted insight needs before it is worth speaking: 0.9 at the least
// talkative setting down to 0.3 at the most.
func insightThreshold(sensitivity float64) float64 {
	return 0.9 - 0.6*sensitivity
}

// lowerFirst lowercases the first rune so the hedge prefix reads as one
// sentence.
func lowerFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToLower(r)) + s[size:]
}
