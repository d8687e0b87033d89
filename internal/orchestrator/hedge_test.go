package orchestrator

import (
	"math"
	"math/rand"
	"strings"
	"testing"
)

func hedgeRand() *rand.Rand { return rand.New(rand.NewSource(7)) }

func TestHedgeSuppressesVeryLowConfidence(t *testing.T) {
	if _, ok := hedge("Kettle is boiling", 0.20, hedgeRand()); ok {
		t.Error("confidence below 0.25 must suppress the statement")
	}
}

func TestHedgeStrongPrefixLowConfidence(t *testing.T) {
	out, ok := hedge("Kettle is boiling", 0.30, hedgeRand())
	if !ok {
		t.Fatal("0.30 should still speak")
	}
	matched := false
	for _, p := range strongHedgePrefixes {
		if strings.HasPrefix(out, p) {
			matched = true
		}
	}
	if !matched {
		t.Errorf("output %q lacks a strong hedge prefix", out)
	}
	if !strings.HasSuffix(out, "kettle is boiling") {
		t.Errorf("output %q should carry the lowercased original", out)
	}
}

func TestHedgeMidBandPrefix(t *testing.T) {
	for _, conf := range []float64{0.40, 0.55, 0.70} {
		out, ok := hedge("The pot is steaming", conf, hedgeRand())
		if !ok {
			t.Fatalf("confidence %v should speak", conf)
		}
		matched := false
		for _, p := range hedgePrefixes {
			if strings.HasPrefix(out, p) {
				matched = true
			}
		}
		if !matched {
			t.Errorf("confidence %v: output %q lacks a mid hedge prefix", conf, out)
		}
		if !strings.Contains(out, "the pot is steaming") {
			t.Errorf("confidence %v: first character not lowercased: %q", conf, out)
		}
	}
}

func TestHedgeLeavesNonStatementsAlone(t *testing.T) {
	// Exclamations and questions are not statements; a hedge prefix in
	// front of them would read absurd.
	out, ok := hedge("Great form!", 0.55, hedgeRand())
	if !ok || out != "Great form!" {
		t.Errorf("mid-confidence exclamation altered: %q", out)
	}
	out, ok = hedge("Ready for the next set?", 0.30, hedgeRand())
	if !ok || out != "Ready for the next set?" {
		t.Errorf("low-confidence question altered: %q", out)
	}
	// Suppression still applies regardless of punctuation.
	if _, ok := hedge("Great form!", 0.20, hedgeRand()); ok {
		t.Error("confidence below 0.25 must suppress even exclamations")
	}
}

func TestInsightThresholdEndpoints(t *testing.T) {
	if got := insightThreshold(0); math.Abs(got-0.9) > 1e-9 {
		t.Errorf("threshold at sensitivity 0 = %v, want 0.9", got)
	}
	if got := insightThreshold(0.5); math.Abs(got-0.6) > 1e-9 {
		t.Errorf("threshold at sensitivity 0.5 = %v, want 0.6", got)
	}
	if got := insightThreshold(1); math.Abs(got-0.3) > 1e-9 {
		t.Errorf("threshold at sensitivity 1 = %v, want 0.3", got)
	}
}

func TestHedgeHighConfidenceUnchanged(t *testing.T) {
	out, ok := hedge("Timer hit zero", 0.85, hedgeRand())
	if !ok || out != "Timer hit zero" {
		t.Errorf("high confidence altered the statement: %q", out)
	}
}

func TestLowerFirstUnicode(t *testing.T) {
	if got := lowerFirst("Éclair on the left"); got != "éclair on the left" {
		t.Errorf("lowerFirst = %q", got)
	}
	if got := lowerFirst(""); got != "" {
		t.Errorf("lowerFirst(empty) = %q", got)
	}
}
