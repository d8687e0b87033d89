package session

import (
	"math/rand"
	"strings"
)

// joinCodeAlphabet excludes I, O, 0 and 1 so codes survive being read aloud
// or scrawled on a whiteboard.
const joinCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// joinCodeLength is the number of characters in a join code.
const joinCodeLength = 6

// maxCodeAttempts is how many times code generation retries on collision
// before giving up.
const maxCodeAttempts = 10

// newJoinCode returns a random join code from the restricted alphabet.
func newJoinCode(rng *rand.Rand) string {
	var b strings.Builder
	b.Grow(joinCodeLength)
	for i := 0; i < joinCodeLength; i++ {
		b.WriteByte(joinCodeAlphabet[rng.Intn(len(joinCodeAlphabet))])
	}
	return b.String()
}

// normalizeJoinCode uppercases and trims a user-supplied code so lookup is
// case-insensitive.
func normalizeJoinCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
