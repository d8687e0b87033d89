package pipeline_test

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/getredi/redicore/internal/pipeline"
)

type clock struct{ t time.Time }

func newClock() *clock { return &clock{t: time.Unix(1_700_000_000, 0)} }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

// fresh returns a pipeline whose context was stamped just now.
func fresh(c *clock) *pipeline.Pipeline {
	p := pipeline.New(pipeline.DefaultConfig(), nil, pipeline.WithNow(c.now))
	p.MarkContext(c.t)
	return p
}

func TestApproval(t *testing.T) {
	c := newClock()
	p := fresh(c)

	d := p.Admit(pipeline.Candidate{Text: "Back rounding", Source: pipeline.SourceRule})
	if !d.Approved {
		t.Fatalf("rejected with reason %q, want approval", d.Reason)
	}
	if d.Text != "Back rounding" || d.Source != pipeline.SourceRule {
		t.Errorf("got %+v, want text and source preserved", d)
	}
	if p.Approvals() != 1 {
		t.Errorf("approvals = %d, want 1", p.Approvals())
	}
}

func TestStaleContext(t *testing.T) {
	c := newClock()
	p := fresh(c)

	c.advance(2500 * time.Millisecond)
	d := p.Admit(pipeline.Candidate{Text: "Nice setup", Source: pipeline.SourceTriage})
	if d.Approved || d.Reason != pipeline.ReasonStale {
		t.Fatalf("got %+v, want stale rejection at 2.5s unprompted", d)
	}

	// Prompted answers tolerate up to 5s.
	d = p.Admit(pipeline.Candidate{Text: "It is a kettle", Source: pipeline.SourceReasoning, Prompted: true})
	if !d.Approved {
		t.Errorf("prompted at 2.5s rejected with %q, want approval", d.Reason)
	}

	c.advance(3 * time.Second)
	d = p.Admit(pipeline.Candidate{Text: "It is a kettle there", Source: pipeline.SourceReasoning, Prompted: true})
	if d.Approved || d.Reason != pipeline.ReasonStale {
		t.Errorf("got %+v, want stale rejection at 5.5s prompted", d)
	}
}

func TestNoContextEverIsStale(t *testing.T) {
	c := newClock()
	p := pipeline.New(pipeline.DefaultConfig(), nil, pipeline.WithNow(c.now))

	d := p.Admit(pipeline.Candidate{Text: "Hello", Source: pipeline.SourceTriage})
	if d.Approved || d.Reason != pipeline.ReasonStale {
		t.Errorf("got %+v, want stale when no context was ever marked", d)
	}
}

func TestStalenessCheckedBeforeContent(t *testing.T) {
	c := newClock()
	p := fresh(c)
	c.advance(3 * time.Second)

	// Banned content AND stale: the earlier guard must claim it.
	d := p.Admit(pipeline.Candidate{Text: "As an AI I think so", Source: pipeline.SourceTriage})
	if d.Reason != pipeline.ReasonStale {
		t.Errorf("reason = %q, want stale (guard order)", d.Reason)
	}
}

func TestInterruption(t *testing.T) {
	c := newClock()
	p := fresh(c)

	p.SetUserSpeaking(true)
	d := p.Admit(pipeline.Candidate{Text: "It is a kettle", Source: pipeline.SourceReasoning, Prompted: true})
	if d.Approved || d.Reason != pipeline.ReasonInterrupted {
		t.Fatalf("got %+v, want interruption while user speaks (even prompted)", d)
	}
	p.SetUserSpeaking(false)

	p.SetRediSpeaking(true)
	d = p.Admit(pipeline.Candidate{Text: "Nice form", Source: pipeline.SourceTriage})
	if d.Approved || d.Reason != pipeline.ReasonInterrupted {
		t.Fatalf("got %+v, want unprompted rejected while assistant speaks", d)
	}
	d = p.Admit(pipeline.Candidate{Text: "It is a kettle", Source: pipeline.SourceReasoning, Prompted: true})
	if !d.Approved {
		t.Errorf("prompted answer rejected with %q while assistant speaks, want approval", d.Reason)
	}
}

func TestRateLimit(t *testing.T) {
	c := newClock()
	p := fresh(c)

	if d := p.Admit(pipeline.Candidate{Text: "Knees out", Source: pipeline.SourceRule}); !d.Approved {
		t.Fatalf("first: %+v", d)
	}

	c.advance(time.Second)
	p.MarkContext(c.t)
	d := p.Admit(pipeline.Candidate{Text: "Back straight now", Source: pipeline.SourceRule})
	if d.Approved || d.Reason != pipeline.ReasonRateLimited {
		t.Fatalf("got %+v, want rate limit inside 3s", d)
	}

	// Prompted answers are exempt from the gap.
	d = p.Admit(pipeline.Candidate{Text: "Forty five pounds", Source: pipeline.SourceReasoning, Prompted: true})
	if !d.Approved {
		t.Errorf("prompted rejected with %q, want rate-limit exemption", d.Reason)
	}

	c.advance(3 * time.Second)
	p.MarkContext(c.t)
	if d := p.Admit(pipeline.Candidate{Text: "Back straight now", Source: pipeline.SourceRule}); !d.Approved {
		t.Errorf("after gap: rejected with %q, want approval", d.Reason)
	}
}

func TestContentGuard(t *testing.T) {
	c := newClock()

	bad := []string{
		"",
		"   ",
		"As an AI, I cannot judge",
		"I cannot see your screen",
		"I'm just a voice assistant",
		"I am a large language model response",
		"Sorry, I missed that part",
		"I apologize for the confusion here",
		"My instructions say to stay quiet",
		"Is the water already boiling?",
		"How can I help?",
		"Let me know if you need anything",
		"There's no barbell in the rack",
		"The plates are not visible from here",
		"I notice that your grip moved",
		"It seems like a rest day",
		"Hey there, nice kettle",
		"Hi, ready when you are",
		"I'm Redi, your assistant",
		"My name is Redi",
		"Too blurry to read",
		"The label is unclear",
		"The plate weight is hard to see",
		"Can't tell from this angle",
	}
	for i, text := range bad {
		p := fresh(c)
		d := p.Admit(pipeline.Candidate{Text: text, Source: pipeline.SourceReasoning, Prompted: true})
		if d.Approved || d.Reason != pipeline.ReasonContent {
			t.Errorf("case %d %q: got %+v, want content rejection", i, text, d)
		}
	}

	p := fresh(c)
	d := p.Admit(pipeline.Candidate{Text: "The kettle is boiling", Source: pipeline.SourceTriage})
	if !d.Approved {
		t.Errorf("clean text rejected with %q", d.Reason)
	}
}

func TestContentGuardAllowsHedgedOpener(t *testing.T) {
	c := newClock()
	p := fresh(c)

	// The hedging layer legitimately opens with "It looks like"; only
	// model-authored wordy openers are banned.
	d := p.Admit(pipeline.Candidate{Text: "It looks like the kettle is boiling", Source: pipeline.SourceTriage, Hedged: true})
	if !d.Approved {
		t.Fatalf("hedged statement rejected with %q, want approval", d.Reason)
	}

	c.advance(4 * time.Second)
	p.MarkContext(c.t)
	d = p.Admit(pipeline.Candidate{Text: "It looks like a busy desk setup", Source: pipeline.SourceTriage})
	if d.Approved || d.Reason != pipeline.ReasonContent {
		t.Errorf("got %+v, want unhedged wordy opener rejected", d)
	}
}

func TestLengthRejectsDoubleCap(t *testing.T) {
	c := newClock()
	p := fresh(c)

	long := "one two three four five six seven eight nine ten eleven twelve thirteen fourteen fifteen sixteen seventeen"
	d := p.Admit(pipeline.Candidate{Text: long, Source: pipeline.SourceTriage})
	if d.Approved || d.Reason != pipeline.ReasonLength {
		t.Fatalf("got %+v, want rejection past twice the unprompted cap", d)
	}
}

func TestTruncatePrefersSentenceBreak(t *testing.T) {
	c := newClock()
	p := fresh(c)

	text := "Grab the red bottle now. Then check the stove light"
	d := p.Admit(pipeline.Candidate{Text: text, Source: pipeline.SourceTriage})
	if !d.Approved {
		t.Fatalf("rejected with %q", d.Reason)
	}
	if want := "Grab the red bottle now."; d.Text != want {
		t.Errorf("text = %q, want %q", d.Text, want)
	}
}

func TestTruncateHardCut(t *testing.T) {
	c := newClock()
	p := fresh(c)

	text := "one two three four five six seven eight nine ten"
	d := p.Admit(pipeline.Candidate{Text: text, Source: pipeline.SourceTriage})
	if !d.Approved {
		t.Fatalf("rejected with %q", d.Reason)
	}
	if want := "one two three four five six seven eight."; d.Text != want {
		t.Errorf("text = %q, want %q", d.Text, want)
	}
}

func TestPromptedTruncatesNeverRejects(t *testing.T) {
	c := newClock()
	p := fresh(c)

	words := make([]string, 60)
	for i := range words {
		words[i] = fmt.Sprintf("w%02d", i)
	}
	d := p.Admit(pipeline.Candidate{
		Text:     strings.Join(words, " "),
		Source:   pipeline.SourceReasoning,
		Prompted: true,
	})
	if !d.Approved {
		t.Fatalf("prompted long answer rejected with %q, want truncation", d.Reason)
	}
	if got := len(strings.Fields(d.Text)); got != 25 {
		t.Errorf("truncated to %d words, want 25", got)
	}
}

func TestDedupRejectsNearRepeat(t *testing.T) {
	c := newClock()
	p := fresh(c)

	first := p.Admit(pipeline.Candidate{Text: "Water bottle on the left table", Source: pipeline.SourceTriage})
	if !first.Approved {
		t.Fatalf("first rejected with %q", first.Reason)
	}

	c.advance(4 * time.Second)
	p.MarkContext(c.t)
	d := p.Admit(pipeline.Candidate{Text: "The water bottle is on that table", Source: pipeline.SourceTriage})
	if d.Approved || d.Reason != pipeline.ReasonDuplicate {
		t.Fatalf("got %+v, want duplicate rejection", d)
	}
}

func TestDedupIgnoresShortTokens(t *testing.T) {
	c := newClock()
	p := fresh(c)

	if d := p.Admit(pipeline.Candidate{Text: "Good", Source: pipeline.SourceRule}); !d.Approved {
		t.Fatalf("first short response rejected with %q", d.Reason)
	}
	c.advance(4 * time.Second)
	p.MarkContext(c.t)
	// Entirely ≤3-char tokens: dedup cannot claim it.
	if d := p.Admit(pipeline.Candidate{Text: "Good", Source: pipeline.SourceRule}); !d.Approved {
		t.Errorf("short repeat rejected with %q; short tokens are excluded from dedup", d.Reason)
	}
}

func TestDedupWindowEviction(t *testing.T) {
	c := newClock()
	p := fresh(c)

	texts := []string{
		"Water bottle near the notebook",
		"Barbell loaded with plates",
		"Kettle steaming on the stove",
		"Guitar leaning against amplifier",
		"Laptop showing presentation slides",
		"Whiteboard covered with equations",
	}
	for i, text := range texts {
		p.MarkContext(c.t)
		if d := p.Admit(pipeline.Candidate{Text: text, Source: pipeline.SourceTriage}); !d.Approved {
			t.Fatalf("seed %d rejected with %q", i, d.Reason)
		}
		c.advance(4 * time.Second)
	}

	// The first seed has been evicted from the 5-deep window.
	p.MarkContext(c.t)
	d := p.Admit(pipeline.Candidate{Text: "Water bottle near the notebook", Source: pipeline.SourceTriage})
	if !d.Approved {
		t.Errorf("evicted text rejected with %q, want approval after window rolls", d.Reason)
	}
}

func TestRejectionCounters(t *testing.T) {
	c := newClock()
	p := pipeline.New(pipeline.DefaultConfig(), nil, pipeline.WithNow(c.now))

	p.Admit(pipeline.Candidate{Text: "anything", Source: pipeline.SourceTriage})
	p.Admit(pipeline.Candidate{Text: "anything", Source: pipeline.SourceTriage})
	p.MarkContext(c.t)
	p.SetUserSpeaking(true)
	p.Admit(pipeline.Candidate{Text: "anything", Source: pipeline.SourceTriage})

	got := p.Rejections()
	if got[pipeline.ReasonStale] != 2 {
		t.Errorf("stale counter = %d, want 2", got[pipeline.ReasonStale])
	}
	if got[pipeline.ReasonInterrupted] != 1 {
		t.Errorf("interruption counter = %d, want 1", got[pipeline.ReasonInterrupted])
	}
}
