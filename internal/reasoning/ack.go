package reasoning

import (
	"math/rand/v2"
	"sync"
)

// ackHistory is how many recently used phrases are excluded from selection.
const ackHistory = 5

// ackPool is the fixed rotation of thinking acknowledgements. Ten phrases with
// a five-deep exclusion window guarantees at least five candidates per pick.
var ackPool = []string{
	"Let me think.",
	"One moment.",
	"Hmm, let me see.",
	"Give me a second.",
	"Let me take a look.",
	"Checking now.",
	"Just a moment.",
	"Let me look at that.",
	"Good question.",
	"Working on it.",
}

// Acknowledger hands out thinking-acknowledgement phrases, avoiding the five
// most recently used so consecutive long answers don't sound canned.
//
// Acknowledger is safe for concurrent use.
type Acknowledger struct {
	mu     sync.Mutex
	pool   []string
	recent []string
	rng    *rand.Rand // nil = package-level source
}

// AckOption configures an Acknowledger.
type AckOption func(*Acknowledger)

// WithAckRand injects a deterministic random source, for tests.
func WithAckRand(rng *rand.Rand) AckOption {
	return func(a *Acknowledger) { a.rng = rng }
}

// NewAcknowledger returns an Acknowledger over the standard phrase pool.
func NewAcknowledger(opts ...AckOption) *Acknowledger {
	a := &Acknowledger{pool: ackPool}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Next returns the next acknowledgement phrase and records it as used.
func (a *Acknowledger) Next() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	candidates := make([]string, 0, len(a.pool))
	for _, p := range a.pool {
		if !a.recentlyUsed(p) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		// Unreachable with the standard pool; guard for custom pools in tests.
		candidates = a.pool
	}

	phrase := candidates[a.intN(len(candidates))]
	a.recent = append(a.recent, phrase)
	if len(a.recent) > ackHistory {
		a.recent = a.recent[len(a.recent)-ackHistory:]
	}
	return phrase
}

func (a *Acknowledger) recentlyUsed(phrase string) bool {
	for _, r := range a.recent {
		if r == phrase {
			return true
		}
	}
	return false
}

func (a *Acknowledger) intN(n int) int {
	if a.rng != nil {
		return a.rng.IntN(n)
	}
	return rand.IntN(n)
}
