// Package pipeline is the final gate every candidate utterance passes before
// reaching the speaker. Six guards run in a fixed order — staleness,
// interruption, rate limit, content, length, dedup — and the first rejection
// wins. Guards observe session state (speech flags, context age) at approval
// time, not at enqueue time, so an utterance that was fine when generated is
// still dropped if the user started talking meanwhile.
package pipeline

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Source identifies which decision layer produced a candidate.
type Source string

const (
	SourceRule      Source = "rule"
	SourceTriage    Source = "triage"
	SourceReasoning Source = "reasoning"
)

// Reason names the guard that rejected a candidate.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonStale       Reason = "stale_context"
	ReasonInterrupted Reason = "interruption"
	ReasonRateLimited Reason = "rate_limited"
	ReasonContent     Reason = "content"
	ReasonLength      Reason = "length"
	ReasonDuplicate   Reason = "duplicate"
)

// Config carries the guard thresholds.
type Config struct {
	// MaxContextAgeUnprompted / MaxContextAgePrompted bound how old the last
	// perception context may be at approval time.
	MaxContextAgeUnprompted time.Duration
	MaxContextAgePrompted   time.Duration

	// MaxWordsUnprompted / MaxWordsPrompted are the word caps per class.
	MaxWordsUnprompted int
	MaxWordsPrompted   int

	// MinGap is the minimum spacing between unprompted utterances.
	MinGap time.Duration

	// DedupThreshold is the word-overlap ratio at which a candidate counts as
	// a repeat of a recent response.
	DedupThreshold float64

	// DedupWindow is how many approved responses are kept for comparison.
	DedupWindow int
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		MaxContextAgeUnprompted: 2000 * time.Millisecond,
		MaxContextAgePrompted:   5000 * time.Millisecond,
		MaxWordsUnprompted:      8,
		MaxWordsPrompted:        25,
		MinGap:                  3000 * time.Millisecond,
		DedupThreshold:          0.60,
		DedupWindow:             5,
	}
}

// Candidate is an utterance proposed by one of the decision layers.
type Candidate struct {
	Text     string
	Source   Source
	Prompted bool

	// Hedged marks an unprompted statement that already carries an
	// uncertainty prefix from the hedging layer. The content guard skips the
	// wordy-opener patterns for these: the opener was put there on purpose.
	Hedged bool
}

// Decision is the pipeline verdict. Text carries the (possibly truncated)
// utterance when approved.
type Decision struct {
	Approved bool
	Text     string
	Source   Source
	Reason   Reason
}

// contentGuard is one row of the banned-content table.
type contentGuard struct {
	re *regexp.Regexp

	// opener rows match wordy sentence openers. A hedged candidate skips
	// them, since its opener came from the hedging layer.
	opener bool
}

// contentGuards is the banned-content table, matched in order against every
// candidate. One table, compiled once: questions back at the user, help
// offers, claims about what cannot be seen, wordy openers, robotic intros,
// assistant self-reference, prompt scaffolding, and complaints about the feed.
var contentGuards = []contentGuard{
	// Questions back at the user.
	{re: regexp.MustCompile(`\?\s*$`)},

	// Help offers.
	{re: regexp.MustCompile(`(?i)\bhow can i help\b`)},
	{re: regexp.MustCompile(`(?i)\blet me know\b`)},

	// Visual negation: describing what is not there.
	{re: regexp.MustCompile(`(?i)\bi (don'?t|can'?t|cannot) see\b`)},
	{re: regexp.MustCompile(`(?i)\bthere'?s no\b`)},
	{re: regexp.MustCompile(`(?i)\bno visual\b`)},
	{re: regexp.MustCompile(`(?i)\bnot visible\b`)},
	{re: regexp.MustCompile(`(?i)\bcan only respond\b`)},
	{re: regexp.MustCompile(`(?i)\bno screen content\b`)},
	{re: regexp.MustCompile(`(?i)\bnothing to work with\b`)},

	// Wordy openers.
	{re: regexp.MustCompile(`(?i)^(i notice that|it seems like|it looks like|it appears that|i can see that)\b`), opener: true},

	// Robotic intros.
	{re: regexp.MustCompile(`(?i)^(yep|yeah|hey|hi|hello)\b`)},

	// Assistant self-reference and leaked prompt scaffolding.
	{re: regexp.MustCompile(`(?i)\bas an ai\b`)},
	{re: regexp.MustCompile(`(?i)\bas a language model\b`)},
	{re: regexp.MustCompile(`(?i)\blanguage model\b`)},
	{re: regexp.MustCompile(`(?i)\bi'?m redi\b`)},
	{re: regexp.MustCompile(`(?i)\bmy name is\b`)},
	{re: regexp.MustCompile(`(?i)\bi'?m just a\b`)},
	{re: regexp.MustCompile(`(?i)\bsystem prompt\b`)},
	{re: regexp.MustCompile(`(?i)\bmy instructions\b`)},

	// Apology loops.
	{re: regexp.MustCompile(`(?i)\bsorry, i\b`)},
	{re: regexp.MustCompile(`(?i)\bi apologi[sz]e\b`)},

	// Complaints about the camera feed.
	{re: regexp.MustCompile(`(?i)\bblurry\b`)},
	{re: regexp.MustCompile(`(?i)\bunclear\b`)},
	{re: regexp.MustCompile(`(?i)\bhard to see\b`)},
	{re: regexp.MustCompile(`(?i)\bcan'?t tell\b`)},
}

// Pipeline holds per-session admission state. Speech flags are set from the
// gateway's reader goroutine while decisions run in the session goroutine, so
// all state sits behind one mutex.
type Pipeline struct {
	mu  sync.Mutex
	cfg Config
	log *slog.Logger
	now func() time.Time

	lastResponseAt time.Time
	lastContextAt  time.Time
	userSpeaking   bool
	rediSpeaking   bool
	recent         []string

	rejections map[Reason]uint64
	approvals  uint64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithNow replaces the pipeline clock.
func WithNow(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a Pipeline with the given config.
func New(cfg Config, log *slog.Logger, opts ...Option) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	p := &Pipeline{
		cfg:        cfg,
		log:        log.With("component", "pipeline"),
		now:        time.Now,
		rejections: make(map[Reason]uint64),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MarkContext stamps the arrival of fresh perception context.
func (p *Pipeline) MarkContext(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastContextAt = t
}

// SetUserSpeaking toggles the user-speech flag.
func (p *Pipeline) SetUserSpeaking(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userSpeaking = v
}

// SetRediSpeaking toggles the assistant-speech flag.
func (p *Pipeline) SetRediSpeaking(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rediSpeaking = v
}

// UserSpeaking reports the current user-speech flag.
func (p *Pipeline) UserSpeaking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userSpeaking
}

// Rejections returns a copy of the per-guard rejection counters.
func (p *Pipeline) Rejections() map[Reason]uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[Reason]uint64, len(p.rejections))
	for k, v := range p.rejections {
		out[k] = v
	}
	return out
}

// Approvals returns the number of approved utterances.
func (p *Pipeline) Approvals() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.approvals
}

// Admit runs the six guards in order and, on approval, commits the utterance
// to the recent ring and the rate-limit stamp.
func (p *Pipeline) Admit(c Candidate) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()

	// 1. Staleness.
	maxAge := p.cfg.MaxContextAgeUnprompted
	if c.Prompted {
		maxAge = p.cfg.MaxContextAgePrompted
	}
	if p.lastContextAt.IsZero() || now.Sub(p.lastContextAt) > maxAge {
		return p.reject(c, ReasonStale)
	}

	// 2. Interruption.
	if p.userSpeaking {
		return p.reject(c, ReasonInterrupted)
	}
	if p.rediSpeaking && !c.Prompted {
		return p.reject(c, ReasonInterrupted)
	}

	// 3. Rate limit, unprompted only.
	if !c.Prompted && !p.lastResponseAt.IsZero() && now.Sub(p.lastResponseAt) < p.cfg.MinGap {
		return p.reject(c, ReasonRateLimited)
	}

	// 4. Content.
	text := strings.TrimSpace(c.Text)
	if text == "" || banned(text, c.Hedged) {
		return p.reject(c, ReasonContent)
	}

	// 5. Length.
	maxWords := p.cfg.MaxWordsUnprompted
	if c.Prompted {
		maxWords = p.cfg.MaxWordsPrompted
	}
	words := strings.Fields(text)
	if !c.Prompted && len(words) > 2*maxWords {
		return p.reject(c, ReasonLength)
	}
	if len(words) > maxWords {
		text = truncate(words, maxWords)
	}

	// 6. Dedup.
	if p.isDuplicate(text) {
		return p.reject(c, ReasonDuplicate)
	}

	p.recent = append(p.recent, text)
	if len(p.recent) > p.cfg.DedupWindow {
		p.recent = p.recent[len(p.recent)-p.cfg.DedupWindow:]
	}
	p.lastResponseAt = now
	p.approvals++

	return Decision{Approved: true, Text: text, Source: c.Source}
}

func (p *Pipeline) reject(c Candidate, reason Reason) Decision {
	p.rejections[reason]++
	p.log.Debug("candidate rejected",
		"reason", string(reason), "source", string(c.Source), "prompted", c.Prompted)
	return Decision{Source: c.Source, Reason: reason}
}

func banned(text string, hedged bool) bool {
	for _, g := range contentGuards {
		if hedged && g.opener {
			continue
		}
		if g.re.MatchString(text) {
			return true
		}
	}
	return false
}

// truncate cuts to the word cap, preferring a sentence terminator in the
// second half of the cap window so the spoken result still ends cleanly.
func truncate(words []string, maxWords int) string {
	for i := maxWords - 1; i >= maxWords/2; i-- {
		w := words[i]
		if strings.HasSuffix(w, ".") || strings.HasSuffix(w, "!") || strings.HasSuffix(w, "?") {
			return strings.Join(words[:i+1], " ")
		}
	}
	out := strings.Join(words[:maxWords], " ")
	return strings.TrimRight(out, ",;:") + "."
}

// isDuplicate compares the candidate's significant-word set against each
// recent response. Tokens of three characters or fewer are noise and ignored.
func (p *Pipeline) isDuplicate(text string) bool {
	set := wordSet(text)
	if len(set) == 0 {
		return false
	}
	for _, prev := range p.recent {
		prevSet := wordSet(prev)
		if len(prevSet) == 0 {
			continue
		}
		if similarity(set, prevSet) >= p.cfg.DedupThreshold {
			return true
		}
	}
	return false
}

func wordSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?;:\"'")
		if len(w) > 3 {
			set[w] = struct{}{}
		}
	}
	return set
}

func similarity(a, b map[string]struct{}) float64 {
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	return float64(inter) / float64(max(len(a), len(b)))
}
