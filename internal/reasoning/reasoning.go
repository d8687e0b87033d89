// Package reasoning routes direct questions and triage escalations to the
// model tiers: complex questions go to the deep model, simple ones to the fast
// model. While the deep model thinks, a 2-second timer speaks one short
// acknowledgement so the user knows Redi heard them. Answers pass a
// post-filter that strips question sentences, help offers, and visual-negation
// claims before the admission pipeline sees them.
package reasoning

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/getredi/redicore/pkg/provider/llm"
	"github.com/getredi/redicore/pkg/types"
)

const (
	// ackDelay is how long a model call may run before the thinking
	// acknowledgement is spoken.
	ackDelay = 2000 * time.Millisecond

	// deepWordThreshold routes long questions to the deep model even when no
	// pattern matches.
	deepWordThreshold = 10

	// fastMaxTokens and deepMaxTokens bound completions per tier.
	fastMaxTokens = 75
	deepMaxTokens = 200

	// answerWordCap is the hard clamp applied after post-filtering. The
	// admission pipeline enforces the same bound for prompted responses;
	// clamping here keeps the model's answer coherent instead of cut.
	answerWordCap = 25
)

// deepPatterns routes a question to the deep model. These mirror the triage
// complexity family but are broader: a direct question already cost the user a
// sentence, so the bar for spending deep-model latency is lower.
var deepPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bexplain\b`),
	regexp.MustCompile(`(?i)\bwhy\b`),
	regexp.MustCompile(`(?i)how (do|does|can|could|should|would) (i|you|we)`),
	regexp.MustCompile(`(?i)what('s| is) the (problem|issue|mistake)`),
	regexp.MustCompile(`(?i)tell me (about|more|everything)`),
	regexp.MustCompile(`(?i)describe (in detail|everything|all)`),
	regexp.MustCompile(`(?i)\banaly[sz]e\b`),
	regexp.MustCompile(`(?i)\bcompare\b`),
	regexp.MustCompile(`(?i)what (should|could|would) (i|we)`),
	regexp.MustCompile(`(?i)help me understand`),
}

// answerSystemPrompt is the contract for direct answers on either tier.
const answerSystemPrompt = "You are Redi, a real-time voice assistant observing through the user's device. " +
	"Answer the question directly in at most 25 words. Never ask questions back. " +
	"Never offer further help. Ground your answer in the scene context when it is relevant."

// Request is one direct question or triage escalation.
type Request struct {
	// Question is the user's transcript, verbatim.
	Question string

	// VisualContext is the assembled scene description, empty when no fresh
	// context exists.
	VisualContext string

	// RecentContext holds the most recent final transcripts (newest last).
	RecentContext []string

	// Mode colors the answer register ("sports" coaching vs "studying" tutoring).
	Mode types.Mode

	// ForceFast pins the request to the fast tier regardless of classification.
	// The cost guard sets it when the session is close to its budget.
	ForceFast bool
}

// Answer is a filtered, tier-tagged reply ready for the admission pipeline.
type Answer struct {
	// Text is the post-filtered answer.
	Text string

	// Tier records which model produced it.
	Tier types.ModelTier

	// AckSpoken reports whether the thinking acknowledgement fired before the
	// model returned.
	AckSpoken bool

	// Elapsed is the wall time of the model call.
	Elapsed time.Duration
}

// Router answers direct questions through the model tiers.
//
// Router is safe for concurrent use; all session state arrives per call.
type Router struct {
	fast llm.Provider
	deep llm.Provider
	ack  *Acknowledger
	log  *slog.Logger
	now  func() time.Time

	ackDelay time.Duration
}

// Option configures a Router.
type Option func(*Router)

// WithNow replaces the router clock.
func WithNow(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithAckDelay overrides the thinking-acknowledgement delay, for tests.
func WithAckDelay(d time.Duration) Option {
	return func(r *Router) { r.ackDelay = d }
}

// New constructs a Router over the two model tiers.
func New(fast, deep llm.Provider, log *slog.Logger, opts ...Option) *Router {
	if log == nil {
		log = slog.Default()
	}
	r := &Router{
		fast:     fast,
		deep:     deep,
		ack:      NewAcknowledger(),
		log:      log.With("component", "reasoning"),
		now:      time.Now,
		ackDelay: ackDelay,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// TierFor classifies a question: deep-pattern match or more than ten words
// routes to the deep model.
func TierFor(question string) types.ModelTier {
	for _, re := range deepPatterns {
		if re.MatchString(question) {
			return types.TierDeep
		}
	}
	if len(strings.Fields(question)) > deepWordThreshold {
		return types.TierDeep
	}
	return types.TierFast
}

// Answer routes the question to its tier, supervises the thinking
// acknowledgement, and post-filters the reply.
//
// onAck, when non-nil, is called at most once with the acknowledgement phrase
// if the model is still thinking after the ack delay. The phrase is spoken
// out-of-band; it never enters the admission pipeline.
func (r *Router) Answer(ctx context.Context, req Request, onAck func(phrase string)) (Answer, error) {
	tier := TierFor(req.Question)
	if req.ForceFast {
		tier = types.TierFast
	}
	provider := r.fast
	maxTokens := fastMaxTokens
	if tier == types.TierDeep {
		provider = r.deep
		maxTokens = deepMaxTokens
	}

	ackFired := make(chan struct{})
	var timer *time.Timer
	if onAck != nil {
		timer = time.AfterFunc(r.ackDelay, func() {
			defer close(ackFired)
			onAck(r.ack.Next())
		})
	}

	start := r.now()
	resp, err := provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: answerSystemPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: buildAnswerContext(req)},
		},
		MaxTokens: maxTokens,
	})
	elapsed := r.now().Sub(start)

	ackSpoken := false
	if timer != nil {
		if !timer.Stop() {
			<-ackFired
			ackSpoken = true
		}
	}

	if err != nil {
		return Answer{Tier: tier, AckSpoken: ackSpoken, Elapsed: elapsed},
			fmt.Errorf("reasoning: %s model: %w", tier, err)
	}

	text := PolishAnswer(resp.Content)
	r.log.Debug("question answered",
		"tier", tier.String(), "ack_spoken", ackSpoken, "elapsed", elapsed)

	return Answer{Text: text, Tier: tier, AckSpoken: ackSpoken, Elapsed: elapsed}, nil
}

// buildAnswerContext assembles the user-role content: the question, the scene
// description, and the last two recent-context lines.
func buildAnswerContext(req Request) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Question: %s\n", strings.TrimSpace(req.Question))
	if req.Mode != "" {
		fmt.Fprintf(&sb, "Activity: %s\n", req.Mode)
	}
	if req.VisualContext != "" {
		fmt.Fprintf(&sb, "Scene: %s\n", req.VisualContext)
	}
	if n := len(req.RecentContext); n > 0 {
		recent := req.RecentContext
		if n > 2 {
			recent = recent[n-2:]
		}
		fmt.Fprintf(&sb, "Recently heard: %s\n", strings.Join(recent, " / "))
	}
	return sb.String()
}
