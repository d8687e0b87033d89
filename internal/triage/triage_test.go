package triage_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/getredi/redicore/internal/perception"
	"github.com/getredi/redicore/internal/perception/ground"
	"github.com/getredi/redicore/internal/triage"
	"github.com/getredi/redicore/pkg/provider/llm"
	llmmock "github.com/getredi/redicore/pkg/provider/llm/mock"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// contextPacket is a packet with enough signal to pass the no-context check.
func contextPacket(transcript string) *perception.Packet {
	p := &perception.Packet{
		SessionID: "s1",
		Timestamp: time.Now().UnixMilli(),
	}
	if transcript != "" {
		p.Transcript = &perception.TranscriptInfo{Text: transcript, IsFinal: true, Confidence: 0.9}
	}
	return p
}

func sceneWith(labels ...string) ground.Scene {
	objs := make([]ground.Object, len(labels))
	for i, l := range labels {
		objs[i] = ground.Object{Label: l, Confidence: 0.8, Sources: []string{"object_detection"}}
	}
	return ground.Scene{Objects: objs, Confidence: 0.8}
}

// speakable is an Input that passes every silence check: quiet long enough
// and carrying a transcript.
func speakable(transcript string) triage.Input {
	return triage.Input{
		Packet:         contextPacket(transcript),
		Scene:          sceneWith("bottle"),
		SinceLastSpoke: 10 * time.Second,
		Sensitivity:    0.5,
	}
}

// ─── silence checks ──────────────────────────────────────────────────────────

func TestEvaluate_RuleFiredWinsImmediately(t *testing.T) {
	t.Parallel()

	fast := &llmmock.Provider{}
	tr := triage.New(fast, discardLog())

	in := speakable("nice weather")
	in.RuleFired = true

	res := tr.Evaluate(context.Background(), in)
	if res.Decision != triage.Silent {
		t.Fatalf("Decision = %v, want Silent", res.Decision)
	}
	if res.Reason != triage.ReasonRuleHandled {
		t.Errorf("Reason = %q, want %q", res.Reason, triage.ReasonRuleHandled)
	}
	if len(fast.CompleteCalls) != 0 {
		t.Errorf("fast model called %d times, want 0", len(fast.CompleteCalls))
	}
}

func TestEvaluate_TooSoon(t *testing.T) {
	t.Parallel()

	fast := &llmmock.Provider{}
	tr := triage.New(fast, discardLog())

	// Sensitivity 0.5 → minGap 1750ms. 1s since last spoke is too soon.
	in := speakable("what a day")
	in.SinceLastSpoke = time.Second

	res := tr.Evaluate(context.Background(), in)
	if res.Decision != triage.Silent || res.Reason != triage.ReasonTooSoon {
		t.Fatalf("got (%v, %q), want (Silent, too_soon)", res.Decision, res.Reason)
	}
	if len(fast.CompleteCalls) != 0 {
		t.Errorf("fast model called %d times, want 0", len(fast.CompleteCalls))
	}
}

func TestMinGap(t *testing.T) {
	t.Parallel()

	tests := []struct {
		sensitivity float64
		want        time.Duration
	}{
		{0.0, 3000 * time.Millisecond},
		{0.2, 2500 * time.Millisecond},
		{0.5, 1750 * time.Millisecond},
		{1.0, 500 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := triage.MinGap(tt.sensitivity); got != tt.want {
			t.Errorf("MinGap(%.1f) = %v, want %v", tt.sensitivity, got, tt.want)
		}
	}
}

func TestEvaluate_NoContext(t *testing.T) {
	t.Parallel()

	fast := &llmmock.Provider{}
	tr := triage.New(fast, discardLog())

	in := triage.Input{
		Packet:         &perception.Packet{SessionID: "s1"},
		SinceLastSpoke: time.Minute,
		Sensitivity:    0.5,
	}

	res := tr.Evaluate(context.Background(), in)
	if res.Decision != triage.Silent || res.Reason != triage.ReasonNoContext {
		t.Fatalf("got (%v, %q), want (Silent, no_context)", res.Decision, res.Reason)
	}
}

func TestEvaluate_PoseAloneIsContext(t *testing.T) {
	t.Parallel()

	fast := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "SILENT"},
	}
	tr := triage.New(fast, discardLog())

	in := triage.Input{
		Packet: &perception.Packet{
			SessionID: "s1",
			Pose:      &perception.PoseInfo{Confidence: 0.7},
		},
		SinceLastSpoke: time.Minute,
		Sensitivity:    0.5,
	}

	res := tr.Evaluate(context.Background(), in)
	// A confident pose clears the no-context gate and reaches the model.
	if res.Reason == triage.ReasonNoContext {
		t.Fatal("confident pose should count as context")
	}
	if len(fast.CompleteCalls) != 1 {
		t.Errorf("fast model called %d times, want 1", len(fast.CompleteCalls))
	}
}

// ─── complexity escalation ───────────────────────────────────────────────────

func TestEvaluate_ComplexQuestionEscalates(t *testing.T) {
	t.Parallel()

	fast := &llmmock.Provider{}
	tr := triage.New(fast, discardLog())

	in := speakable("why is my deadlift rounding my back")
	res := tr.Evaluate(context.Background(), in)

	if res.Decision != triage.NeedsReasoning {
		t.Fatalf("Decision = %v, want NeedsReasoning", res.Decision)
	}
	if res.Reason != triage.ReasonComplexity {
		t.Errorf("Reason = %q, want %q", res.Reason, triage.ReasonComplexity)
	}
	if res.ReasoningPrompt != "why is my deadlift rounding my back" {
		t.Errorf("ReasoningPrompt = %q, want the transcript", res.ReasoningPrompt)
	}
	if len(fast.CompleteCalls) != 0 {
		t.Errorf("fast model called %d times, want 0 (escalation skips the model)", len(fast.CompleteCalls))
	}
}

func TestIsComplex(t *testing.T) {
	t.Parallel()

	complex := []string{
		"why is my deadlift rounding my back",
		"how does a circuit breaker work",
		"how do I fix this",
		"walk me through the setup",
		"explain why this happens",
		"what's the difference between these two",
		"should I use butter or oil",
		"can you help me fix the form",
		"is this right? or should I change it?", // two question marks
		"I have been trying to figure out whether this setup is correct for the last hour and nothing seems to work, any idea?", // long + ?
	}
	for _, s := range complex {
		if !triage.IsComplex(s) {
			t.Errorf("IsComplex(%q) = false, want true", s)
		}
	}

	simple := []string{
		"grab the bottle",
		"nice rep",
		"the kettle is boiling",
		"ok",
	}
	for _, s := range simple {
		if triage.IsComplex(s) {
			t.Errorf("IsComplex(%q) = true, want false", s)
		}
	}
}

// ─── quick response path ─────────────────────────────────────────────────────

func TestEvaluate_QuickResponse(t *testing.T) {
	t.Parallel()

	fast := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "The kettle is boiling."},
	}
	tr := triage.New(fast, discardLog())

	res := tr.Evaluate(context.Background(), speakable("is the water ready"))
	if res.Decision != triage.Respond {
		t.Fatalf("Decision = %v, want Respond (reason %q)", res.Decision, res.Reason)
	}
	if res.Response != "The kettle is boiling." {
		t.Errorf("Response = %q", res.Response)
	}
	if res.Reason != triage.ReasonQuick {
		t.Errorf("Reason = %q, want %q", res.Reason, triage.ReasonQuick)
	}
	if res.Confidence != 0.8 {
		t.Errorf("Confidence = %v, want scene confidence 0.8", res.Confidence)
	}
}

func TestEvaluate_QuickPromptCarriesContext(t *testing.T) {
	t.Parallel()

	fast := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "Water bottle on the left."},
	}
	tr := triage.New(fast, discardLog())

	in := speakable("where did I put it")
	in.Packet.Texts = []perception.RecognizedText{{Text: "SPF 50", Confidence: 0.9}}
	in.RecentContext = []string{"older line", "middle line", "newest line"}
	in.VisualContext = "Kitchen counter with a kettle and two mugs."

	tr.Evaluate(context.Background(), in)

	if len(fast.CompleteCalls) != 1 {
		t.Fatalf("fast model called %d times, want 1", len(fast.CompleteCalls))
	}
	req := fast.CompleteCalls[0].Req

	if !strings.Contains(req.SystemPrompt, "at most 15 words") {
		t.Errorf("system prompt missing brevity contract: %q", req.SystemPrompt)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
		t.Fatalf("messages = %+v, want one user message", req.Messages)
	}
	content := req.Messages[0].Content
	for _, want := range []string{"where did I put it", "bottle", "SPF 50", "Kitchen counter"} {
		if !strings.Contains(content, want) {
			t.Errorf("user content missing %q:\n%s", want, content)
		}
	}
	// Only the last two recent-context lines are included.
	if strings.Contains(content, "older line") {
		t.Errorf("user content should drop all but the last two context lines:\n%s", content)
	}
	if !strings.Contains(content, "middle line") || !strings.Contains(content, "newest line") {
		t.Errorf("user content missing the two most recent context lines:\n%s", content)
	}
}

func TestEvaluate_ModelSaysSilent(t *testing.T) {
	t.Parallel()

	for _, reply := range []string{"SILENT", "silent", "  SILENT  ", ""} {
		fast := &llmmock.Provider{
			CompleteResponse: &llm.CompletionResponse{Content: reply},
		}
		tr := triage.New(fast, discardLog())

		res := tr.Evaluate(context.Background(), speakable("hm"))
		if res.Decision != triage.Silent || res.Reason != triage.ReasonModelSilent {
			t.Errorf("reply %q: got (%v, %q), want (Silent, model_silent)", reply, res.Decision, res.Reason)
		}
	}
}

func TestEvaluate_FiltersLongReply(t *testing.T) {
	t.Parallel()

	fast := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: strings.Repeat("word ", 16) + "end", // 17 words
		},
	}
	tr := triage.New(fast, discardLog())

	res := tr.Evaluate(context.Background(), speakable("what do you see"))
	if res.Decision != triage.Silent || res.Reason != triage.ReasonFiltered {
		t.Fatalf("got (%v, %q), want (Silent, filtered)", res.Decision, res.Reason)
	}
}

func TestEvaluate_FiltersQuestions(t *testing.T) {
	t.Parallel()

	fast := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "Do you want me to check?"},
	}
	tr := triage.New(fast, discardLog())

	res := tr.Evaluate(context.Background(), speakable("hm"))
	if res.Decision != triage.Silent || res.Reason != triage.ReasonFiltered {
		t.Fatalf("got (%v, %q), want (Silent, filtered)", res.Decision, res.Reason)
	}
}

func TestEvaluate_ModelError(t *testing.T) {
	t.Parallel()

	fast := &llmmock.Provider{CompleteErr: errors.New("upstream 503")}
	tr := triage.New(fast, discardLog())

	res := tr.Evaluate(context.Background(), speakable("hm"))
	if res.Decision != triage.Silent || res.Reason != triage.ReasonModelError {
		t.Fatalf("got (%v, %q), want (Silent, model_error)", res.Decision, res.Reason)
	}
}

func TestEvaluate_DefaultConfidenceWithoutScene(t *testing.T) {
	t.Parallel()

	fast := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "Quiet room."},
	}
	tr := triage.New(fast, discardLog())

	in := speakable("anything there")
	in.Scene = ground.Scene{}

	res := tr.Evaluate(context.Background(), in)
	if res.Confidence != 0.8 {
		t.Errorf("Confidence = %v, want default 0.8", res.Confidence)
	}
}

func TestEvaluate_ElapsedMeasured(t *testing.T) {
	t.Parallel()

	clock := time.Unix(1000, 0)
	tick := 0
	now := func() time.Time {
		tick++
		return clock.Add(time.Duration(tick) * 15 * time.Millisecond)
	}

	fast := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "Busy street below."},
	}
	tr := triage.New(fast, discardLog(), triage.WithNow(now))

	res := tr.Evaluate(context.Background(), speakable("look"))
	if res.Elapsed <= 0 {
		t.Errorf("Elapsed = %v, want > 0", res.Elapsed)
	}
}
