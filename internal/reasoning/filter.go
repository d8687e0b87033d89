package reasoning

import (
	"math/rand/v2"
	"regexp"
	"strings"
)

// Substitutions used when filtering guts an answer entirely.
var (
	// emptyAnswer replaces an answer whose every sentence was a question.
	emptyAnswer = "Got it."

	// presencePhrases replace answers that were pure offers of help.
	presencePhrases = []string{"I'm here.", "Listening.", "I hear you.", "Ready."}

	// visualNegationAnswer replaces claims of not being able to see.
	visualNegationAnswer = "Let me describe what I can see."
)

// helpOfferPattern matches offer-of-help phrasings that a voice assistant must
// never speak: they invite a reply the pipeline would then have to police.
var helpOfferPattern = regexp.MustCompile(`(?i)(how can i (help|assist)|let me know|feel free to|happy to help|i can help( you)? with|if you (need|want|have any))`)

// visualNegationPattern matches claims that Redi cannot see. The device is
// always streaming perception, so these are hallucinated limitations.
var visualNegationPattern = regexp.MustCompile(`(?i)(i (can'?t|cannot|don'?t) see|i don'?t have access to (your|the) camera|no visual|not visible|there'?s no (image|screen)|nothing to work with)`)

// roboticLeadPattern strips canned assistant openers from the front of an answer.
var roboticLeadPattern = regexp.MustCompile(`(?i)^(certainly|sure|absolutely|of course|yep|yeah|hey|hi|hello|great question)[,!.: ]+`)

// sentenceSplit breaks an answer on sentence terminators, keeping the
// terminator attached to its sentence.
var sentenceSplit = regexp.MustCompile(`[^.!?]+[.!?]?`)

// PolishAnswer applies the direct-answer post-filter: drop question sentences,
// replace help offers and visual negations, strip robotic openers, clamp to
// the prompted word cap.
func PolishAnswer(raw string) string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return emptyAnswer
	}

	if visualNegationPattern.MatchString(text) {
		return visualNegationAnswer
	}
	if helpOfferPattern.MatchString(text) {
		stripped := helpOfferPattern.ReplaceAllString(text, "")
		// If the offer was the substance of the answer, substitute presence.
		if len(strings.Fields(stripped)) < 3 {
			return presencePhrases[rand.IntN(len(presencePhrases))]
		}
		text = stripped
	}

	var kept []string
	for _, s := range sentenceSplit.FindAllString(text, -1) {
		s = strings.TrimSpace(s)
		if s == "" || strings.Contains(s, "?") {
			continue
		}
		kept = append(kept, s)
	}
	if len(kept) == 0 {
		return emptyAnswer
	}
	text = strings.Join(kept, " ")

	text = strings.TrimSpace(roboticLeadPattern.ReplaceAllString(text, ""))
	if text == "" {
		return emptyAnswer
	}

	words := strings.Fields(text)
	if len(words) > answerWordCap {
		text = strings.TrimRight(strings.Join(words[:answerWordCap], " "), ",;:") + "."
	}
	return text
}
