// Package triage implements the fast decision layer that classifies every
// perception packet into silence, a quick spoken response, or escalation to
// the deep reasoning path.
//
// # Flow
//
//  1. Rule engine already handled the packet → SILENT.
//  2. Too soon since Redi last spoke (sensitivity-scaled gap) → SILENT.
//  3. Packet carries no usable context → SILENT.
//  4. Transcript matches the complexity heuristics → NEEDS_REASONING with the
//     transcript as the reasoning prompt; no model call is made.
//  5. Otherwise the fast model generates a quick response under a strict
//     brevity contract; replies that break the contract are filtered to SILENT.
//
// Triage is the cheap gate in front of the deep model: most packets exit at
// steps 1–3 without any network call.
package triage

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/getredi/redicore/internal/perception"
	"github.com/getredi/redicore/internal/perception/ground"
	"github.com/getredi/redicore/pkg/provider/llm"
)

const (
	// maxQuickWords is the hard cap on fast-model replies. Longer replies are
	// filtered to SILENT rather than truncated; truncation is the admission
	// pipeline's job for approved candidates only.
	maxQuickWords = 15

	// complexWordThreshold marks long questions as complex even when no
	// pattern matches.
	complexWordThreshold = 20

	// quickMaxTokens bounds the fast-model completion. 15 words fit
	// comfortably; the headroom absorbs punctuation-heavy replies.
	quickMaxTokens = 60

	// silentSentinel is the literal reply the fast model uses to decline.
	silentSentinel = "SILENT"

	// defaultConfidence is assumed when the packet produced no grounded scene.
	defaultConfidence = 0.8
)

// quickSystemPrompt is the brevity contract for the fast model.
const quickSystemPrompt = "You are Redi, a real-time voice assistant observing through the user's device. " +
	"Respond in at most 15 words. Never ask questions. Never offer help. " +
	"Describe only what IS visible or audible right now. " +
	"If nothing is worth saying, reply with exactly: SILENT"

// Decision classifies the outcome of a triage evaluation.
type Decision int

const (
	// Silent means no response should be produced for this packet.
	Silent Decision = iota

	// Respond means the fast model produced a quick response ready for the
	// admission pipeline.
	Respond

	// NeedsReasoning means the packet should be escalated to the deep
	// reasoning path.
	NeedsReasoning
)

// String returns the wire name of the decision.
func (d Decision) String() string {
	switch d {
	case Silent:
		return "SILENT"
	case Respond:
		return "RESPOND"
	case NeedsReasoning:
		return "NEEDS_REASONING"
	default:
		return "UNKNOWN"
	}
}

// Silence and escalation reasons carried in Result.Reason.
const (
	ReasonRuleHandled = "rule_handled"
	ReasonTooSoon     = "too_soon"
	ReasonNoContext   = "no_context"
	ReasonComplexity  = "complexity"
	ReasonModelSilent = "model_silent"
	ReasonModelError  = "model_error"
	ReasonFiltered    = "filtered"
	ReasonQuick       = "quick"
)

// Input carries everything triage needs to classify one packet.
type Input struct {
	// Packet is the perception packet under evaluation.
	Packet *perception.Packet

	// Scene is the grounded object scene derived from the packet.
	Scene ground.Scene

	// RuleFired reports whether the rule engine already produced a response
	// for this packet.
	RuleFired bool

	// SinceLastSpoke is the time elapsed since Redi last spoke in this session.
	SinceLastSpoke time.Duration

	// Sensitivity is the session's proactivity level (0.0 quiet – 1.0 chatty).
	Sensitivity float64

	// RecentContext holds the most recent final transcripts (newest last).
	// Only the last two entries reach the fast model.
	RecentContext []string

	// VisualContext is the server-assembled scene description, when available.
	// It anchors the fast model when on-device detections are thin.
	VisualContext string
}

// Result is the outcome of one triage evaluation.
type Result struct {
	// Decision classifies the packet.
	Decision Decision

	// Response is the quick response text when Decision is Respond.
	Response string

	// Reason explains the decision (one of the Reason* constants).
	Reason string

	// ReasoningPrompt is the prompt for the deep path when Decision is
	// NeedsReasoning.
	ReasoningPrompt string

	// Confidence is the grounded scene confidence carried through for
	// downstream hedging. Defaults to 0.8 when the scene is empty.
	Confidence float64

	// Elapsed is the wall time spent in this evaluation, including any fast
	// model call.
	Elapsed time.Duration
}

// MinGap returns the minimum silence Redi keeps between unprompted responses
// for a given sensitivity. Sensitivity 0.0 yields 3000ms, 1.0 yields 500ms.
func MinGap(sensitivity float64) time.Duration {
	ms := math.Round(3000 - sensitivity*2500)
	return time.Duration(ms) * time.Millisecond
}

// complexityPatterns marks transcripts that need the deep reasoning path.
// A quick 15-word reply to "why is my deadlift rounding my back" would be
// worse than a short delay, so these escalate before any model call.
var complexityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)why (is|are|do|does|did|should|would|can|could)`),
	regexp.MustCompile(`(?i)how (does|do|can|should|would) .* work`),
	regexp.MustCompile(`(?i)how (do|can|to) (i|you)`),
	regexp.MustCompile(`(?i)walk me through`),
	regexp.MustCompile(`(?i)step by step`),
	regexp.MustCompile(`(?i)tell me how to`),
	regexp.MustCompile(`(?i)show me how`),
	regexp.MustCompile(`(?i)explain (how|why|what)`),
	regexp.MustCompile(`(?i)what('s| is) the (difference|best|right|correct)`),
	regexp.MustCompile(`(?i)compare|versus|vs\.|better than`),
	regexp.MustCompile(`(?i)should i .* or`),
	regexp.MustCompile(`(?i)help me understand`),
	regexp.MustCompile(`(?i)can you (help|tell|show|explain)`),
}

// Triager classifies perception packets using the fast model tier.
//
// Triager is safe for concurrent use; it holds no per-session state. Session
// state (sensitivity, last-spoke time, recent context) arrives in each Input.
type Triager struct {
	fast llm.Provider
	log  *slog.Logger
	now  func() time.Time
}

// Option is a functional option for configuring a Triager during construction.
type Option func(*Triager)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(t *Triager) { t.now = now }
}

// New constructs a Triager backed by the given fast model provider.
func New(fast llm.Provider, log *slog.Logger, opts ...Option) *Triager {
	t := &Triager{
		fast: fast,
		log:  log.With("component", "triage"),
		now:  time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Evaluate classifies one packet. It only performs network I/O (the fast
// model call) when the packet survives the silence and complexity checks.
func (t *Triager) Evaluate(ctx context.Context, in Input) Result {
	start := t.now()
	res := t.evaluate(ctx, in)
	res.Confidence = sceneConfidence(in.Scene)
	res.Elapsed = t.now().Sub(start)
	return res
}

func (t *Triager) evaluate(ctx context.Context, in Input) Result {
	if in.RuleFired {
		return Result{Decision: Silent, Reason: ReasonRuleHandled}
	}

	if in.SinceLastSpoke < MinGap(in.Sensitivity) {
		return Result{Decision: Silent, Reason: ReasonTooSoon}
	}

	transcript, hasTranscript := in.Packet.FinalTranscript()
	if !hasTranscript && !in.Packet.HasConfidentPose(0.5) && len(in.Scene.Objects) == 0 {
		return Result{Decision: Silent, Reason: ReasonNoContext}
	}

	if hasTranscript && IsComplex(transcript) {
		return Result{
			Decision:        NeedsReasoning,
			Reason:          ReasonComplexity,
			ReasoningPrompt: transcript,
		}
	}

	return t.quickResponse(ctx, in, transcript)
}

// quickResponse calls the fast model under the brevity contract and filters
// replies that break it.
func (t *Triager) quickResponse(ctx context.Context, in Input, transcript string) Result {
	resp, err := t.fast.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: quickSystemPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: buildQuickContext(in, transcript)},
		},
		MaxTokens: quickMaxTokens,
	})
	if err != nil {
		t.log.Warn("fast model call failed", "error", err)
		return Result{Decision: Silent, Reason: ReasonModelError}
	}

	text := strings.TrimSpace(resp.Content)
	if text == "" || strings.EqualFold(text, silentSentinel) {
		return Result{Decision: Silent, Reason: ReasonModelSilent}
	}
	if len(strings.Fields(text)) > maxQuickWords || strings.Contains(text, "?") {
		t.log.Debug("quick response filtered", "text", text)
		return Result{Decision: Silent, Reason: ReasonFiltered}
	}

	return Result{Decision: Respond, Response: text, Reason: ReasonQuick}
}

// IsComplex reports whether a transcript needs the deep reasoning path:
// it matches a complexity pattern, contains more than one question mark, or
// is a long (> 20 words) question.
func IsComplex(transcript string) bool {
	for _, re := range complexityPatterns {
		if re.MatchString(transcript) {
			return true
		}
	}
	if strings.Count(transcript, "?") > 1 {
		return true
	}
	if strings.Contains(transcript, "?") && len(strings.Fields(transcript)) > complexWordThreshold {
		return true
	}
	return false
}

// buildQuickContext assembles the user-role content for the fast model:
// transcript, pose summary, movement phase, the strongest scene objects and
// OCR texts, the last two context lines, and the server visual context.
func buildQuickContext(in Input, transcript string) string {
	var sb strings.Builder

	if transcript != "" {
		fmt.Fprintf(&sb, "User said: %q\n", transcript)
	}
	if pose := in.Packet.Pose; pose != nil && pose.Confidence > 0.5 {
		fmt.Fprintf(&sb, "Pose: spine angle %.0f°, knee %.0f°/%.0f°\n",
			pose.SpineAngle, pose.KneeAngles.Left, pose.KneeAngles.Right)
	}
	if mv := in.Packet.Movement; mv != nil {
		fmt.Fprintf(&sb, "Movement: %s phase, rep %d\n", mv.Phase, mv.RepCount)
	}
	if top := in.Scene.Top(3); len(top) > 0 {
		labels := make([]string, len(top))
		for i, o := range top {
			labels[i] = fmt.Sprintf("%s (%.2f)", o.Label, o.Confidence)
		}
		fmt.Fprintf(&sb, "Visible: %s\n", strings.Join(labels, ", "))
	}
	if texts := topTexts(in.Packet.Texts, 3); len(texts) > 0 {
		fmt.Fprintf(&sb, "Text seen: %s\n", strings.Join(texts, "; "))
	}
	if n := len(in.RecentContext); n > 0 {
		recent := in.RecentContext
		if n > 2 {
			recent = recent[n-2:]
		}
		fmt.Fprintf(&sb, "Recently heard: %s\n", strings.Join(recent, " / "))
	}
	if in.VisualContext != "" {
		fmt.Fprintf(&sb, "Scene context: %s\n", in.VisualContext)
	}

	return sb.String()
}

// topTexts returns up to n recognized text strings ordered by confidence.
func topTexts(texts []perception.RecognizedText, n int) []string {
	if len(texts) == 0 {
		return nil
	}
	sorted := make([]perception.RecognizedText, len(texts))
	copy(sorted, texts)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Confidence > sorted[j].Confidence })
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	out := make([]string, len(sorted))
	for i, t := range sorted {
		out[i] = t.Text
	}
	return out
}

// sceneConfidence returns the grounded scene confidence, or the hedging
// default when the scene is empty.
func sceneConfidence(s ground.Scene) float64 {
	if len(s.Objects) == 0 {
		return defaultConfidence
	}
	return s.Confidence
}
