// Package orchestrator runs the per-session decision loop: every perception
// packet flows through the rule engine, the triage layer, and — when escalated
// or asked directly — the reasoning router, with the admission pipeline as the
// final gate before anything is spoken.
//
// One goroutine per session executes decisions strictly in series. Perception
// packets coalesce newest-wins into a capacity-1 slot; direct questions queue;
// speech signals flip flags immediately from the caller's goroutine and cancel
// the in-flight model call.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/getredi/redicore/internal/costguard"
	"github.com/getredi/redicore/internal/observe"
	"github.com/getredi/redicore/internal/perception"
	"github.com/getredi/redicore/internal/perception/ground"
	"github.com/getredi/redicore/internal/pipeline"
	"github.com/getredi/redicore/internal/reasoning"
	"github.com/getredi/redicore/internal/rules"
	"github.com/getredi/redicore/internal/triage"
	"github.com/getredi/redicore/pkg/provider/llm"
	"github.com/getredi/redicore/pkg/types"
)

const (
	// recentContextSize is how many final transcripts the session remembers.
	recentContextSize = 5

	// visualContextMaxAge bounds how old a client-supplied visual context may
	// be before server-side assembly takes over.
	visualContextMaxAge = 5000 * time.Millisecond

	// questionQueueSize bounds pending direct questions.
	questionQueueSize = 8

	// decisionEMAAlpha smooths the per-session decision latency average.
	decisionEMAAlpha = 0.2
)

// ErrQuestionQueueFull is returned when a direct question cannot be queued.
var ErrQuestionQueueFull = errors.New("question queue is full")

// ErrTextBudgetExhausted is returned when the session's text-call budget is
// spent; further questions would be silently dropped by the decision loop, so
// the caller should tell the user instead.
var ErrTextBudgetExhausted = errors.New("text budget exhausted")

// Utterance is one spoken output handed to the transport layer.
type Utterance struct {
	// Text is the final utterance, post-pipeline (or the raw acknowledgement
	// phrase when Ack is set).
	Text string

	// Source names the decision layer that produced it.
	Source pipeline.Source

	// Ack marks a thinking acknowledgement, spoken out-of-band while the deep
	// model works. Acks bypass the admission pipeline.
	Ack bool
}

// SpeakFunc delivers an utterance to the session's audio output. It is called
// from the decision goroutine (and, for acks, from a timer goroutine) and must
// not block for long.
type SpeakFunc func(Utterance)

// Config carries the orchestrator's dependencies and initial settings.
type Config struct {
	SessionID   string
	Mode        types.Mode
	Sensitivity float64
	CostTier    costguard.Tier

	Fast llm.Provider
	Deep llm.Provider

	Speak   SpeakFunc
	Log     *slog.Logger
	Metrics *observe.Metrics
	Tracker *observe.SessionTracker
}

// Orchestrator owns one session's decision state. All decisions run on the
// goroutine inside [Orchestrator.Run]; the exported Submit/Ask/signal methods
// are safe to call from any goroutine.
type Orchestrator struct {
	sessionID string
	log       *slog.Logger
	speak     SpeakFunc
	metrics   *observe.Metrics
	tracker   *observe.SessionTracker
	now       func() time.Time
	rng       *rand.Rand

	rules   *rules.Engine
	pipe    *pipeline.Pipeline
	triager *triage.Triager
	router  *reasoning.Router
	guard   *costguard.Guard

	inbox     chan *perception.Packet
	questions chan string

	mu              sync.Mutex
	mode            types.Mode
	sensitivity     float64
	lastSpokeAt     time.Time
	recentContext   []string
	visualContext   string
	visualContextAt time.Time
	cancelInFlight  context.CancelFunc
	decisionEMAMs   float64
	decisions       uint64

	pipeOpts   []pipeline.Option
	routerOpts []reasoning.Option
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithNow replaces the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithRand replaces the hedge-prefix randomness source, for tests.
func WithRand(rng *rand.Rand) Option {
	return func(o *Orchestrator) { o.rng = rng }
}

// WithPipelineOptions passes options through to the admission pipeline.
func WithPipelineOptions(opts ...pipeline.Option) Option {
	return func(o *Orchestrator) { o.pipeOpts = opts }
}

// WithRouterOptions passes options through to the reasoning router.
func WithRouterOptions(opts ...reasoning.Option) Option {
	return func(o *Orchestrator) { o.routerOpts = opts }
}

// New creates an Orchestrator for one session. Call [Orchestrator.Run] on its
// own goroutine to start deciding.
func New(cfg Config, opts ...Option) *Orchestrator {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "orchestrator", "session_id", cfg.SessionID)

	mode := cfg.Mode
	if !mode.IsValid() {
		mode = types.ModeGeneral
	}
	sensitivity := cfg.Sensitivity
	if sensitivity <= 0 || sensitivity > 1 {
		sensitivity = mode.DefaultSensitivity()
	}

	o := &Orchestrator{
		sessionID:   cfg.SessionID,
		log:         log,
		speak:       cfg.Speak,
		metrics:     cfg.Metrics,
		tracker:     cfg.Tracker,
		now:         time.Now,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		mode:        mode,
		sensitivity: sensitivity,
		inbox:       make(chan *perception.Packet, 1),
		questions:   make(chan string, questionQueueSize),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.rules = rules.New(mode, log, rules.WithNow(o.now))
	o.pipe = pipeline.New(pipeline.DefaultConfig(), log, o.pipeOpts...)
	o.triager = triage.New(cfg.Fast, log, triage.WithNow(o.now))
	o.router = reasoning.New(cfg.Fast, cfg.Deep, log, o.routerOpts...)
	o.guard = costguard.New(cfg.CostTier, log)

	return o
}

// Run executes the decision loop until ctx is cancelled. Packets and
// questions are handled strictly one at a time.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.log.Info("session decision loop started", "mode", o.mode, "sensitivity", o.sensitivity)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pkt := <-o.inbox:
			o.handlePacket(ctx, pkt)
		case q := <-o.questions:
			o.handleQuestion(ctx, q)
		}
	}
}

// SubmitPacket offers a perception packet to the session. If a packet is
// already waiting it is replaced: only the newest state of the world is worth
// deciding on.
func (o *Orchestrator) SubmitPacket(pkt *perception.Packet) {
	for {
		select {
		case o.inbox <- pkt:
			return
		default:
		}
		// Slot full: evict the stale packet and retry. The loop handles the
		// race where the decision goroutine drains the slot between our two
		// selects.
		select {
		case <-o.inbox:
		default:
		}
	}
}

// AskQuestion queues a direct question for the decision loop.
func (o *Orchestrator) AskQuestion(question string) error {
	if !o.guard.CanCallText() {
		return ErrTextBudgetExhausted
	}
	select {
	case o.questions <- question:
		return nil
	default:
		return ErrQuestionQueueFull
	}
}

// UserSpeechStart marks the user as speaking and cancels any in-flight model
// call — whatever Redi was about to say is already obsolete.
func (o *Orchestrator) UserSpeechStart() {
	o.pipe.SetUserSpeaking(true)
	o.mu.Lock()
	cancel := o.cancelInFlight
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// UserSpeechStop clears the user-speaking flag.
func (o *Orchestrator) UserSpeechStop() {
	o.pipe.SetUserSpeaking(false)
}

// RediSpeechStart marks Redi's own audio as playing.
func (o *Orchestrator) RediSpeechStart() {
	o.pipe.SetRediSpeaking(true)
}

// RediSpeechEnd clears the playback flag.
func (o *Orchestrator) RediSpeechEnd() {
	o.pipe.SetRediSpeaking(false)
}

// SetMode switches the session activity mode: rule state is recreated,
// sensitivity resets to the mode default, and recent context is cleared.
func (o *Orchestrator) SetMode(mode types.Mode) {
	if !mode.IsValid() {
		return
	}
	o.rules.SetMode(mode)

	o.mu.Lock()
	o.mode = mode
	o.sensitivity = mode.DefaultSensitivity()
	o.recentContext = nil
	o.mu.Unlock()

	o.log.Info("mode changed", "mode", mode, "sensitivity", mode.DefaultSensitivity())
}

// SetSensitivity overrides the session's proactivity level.
func (o *Orchestrator) SetSensitivity(v float64) {
	if v <= 0 || v > 1 {
		return
	}
	o.mu.Lock()
	o.sensitivity = v
	o.mu.Unlock()
}

// SetVisualContext stores a client-assembled scene description. It is used in
// prompts while younger than five seconds; after that, server-side assembly
// from the current packet takes over.
func (o *Orchestrator) SetVisualContext(text string) {
	o.mu.Lock()
	o.visualContext = text
	o.visualContextAt = o.now()
	o.mu.Unlock()
}

// Usage returns the session's current spend snapshot.
func (o *Orchestrator) Usage() costguard.Snapshot {
	return o.guard.Snapshot()
}

// Guard exposes the cost guard for transport-layer charging (TTS characters,
// transcription seconds).
func (o *Orchestrator) Guard() *costguard.Guard {
	return o.guard
}

// DecisionStats reports the decision count and latency EMA in milliseconds.
func (o *Orchestrator) DecisionStats() (uint64, float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.decisions, o.decisionEMAMs
}

// handlePacket runs the full decision chain for one perception packet.
func (o *Orchestrator) handlePacket(ctx context.Context, pkt *perception.Packet) {
	ctx, span := observe.StartSpan(ctx, "decision.packet",
		trace.WithAttributes(
			attribute.String("session.id", o.sessionID),
			attribute.Int64("packet.seq", int64(pkt.Seq)),
		),
	)
	defer span.End()

	start := o.now()
	o.pipe.MarkContext(start)

	if transcript, ok := pkt.FinalTranscript(); ok {
		o.pushRecentContext(transcript)
	}

	scene := ground.Resolve(pkt)

	// L1: deterministic rules. A hit both speaks and stops the chain — triage
	// would classify the packet rule-handled anyway.
	if hit, fired := o.rules.Evaluate(pkt); fired {
		if o.metrics != nil {
			o.metrics.RecordRuleFiring(ctx, hit.RuleID)
		}
		o.submit(ctx, pipeline.Candidate{Text: hit.Response, Source: pipeline.SourceRule})
		o.finishDecision(ctx, start)
		return
	}

	// L2: fast-model triage.
	o.mu.Lock()
	sensitivity := o.sensitivity
	sinceLastSpoke := start.Sub(o.lastSpokeAt)
	if o.lastSpokeAt.IsZero() {
		sinceLastSpoke = time.Hour
	}
	recent := append([]string(nil), o.recentContext...)
	o.mu.Unlock()

	if !o.guard.CanCallText() {
		o.finishDecision(ctx, start)
		return
	}

	visual := o.currentVisualContext(pkt, scene)
	tctx, done := o.trackInFlight(ctx)
	res := o.triager.Evaluate(tctx, triage.Input{
		Packet:         pkt,
		Scene:          scene,
		SinceLastSpoke: sinceLastSpoke,
		Sensitivity:    sensitivity,
		RecentContext:  recent,
		VisualContext:  visual,
	})
	done()
	o.recordTriage(res)

	switch res.Decision {
	case triage.Respond:
		// Sensitivity sets the confidence bar for speaking up uninvited:
		// quiet sessions only hear about what the scene is sure of.
		if res.Confidence < insightThreshold(sensitivity) {
			o.log.Debug("insight below speaking threshold",
				"confidence", res.Confidence, "sensitivity", sensitivity)
			break
		}
		text, speakable := hedge(res.Response, res.Confidence, o.rng)
		if speakable {
			o.submit(ctx, pipeline.Candidate{
				Text:   text,
				Source: pipeline.SourceTriage,
				Hedged: text != res.Response,
			})
		}
	case triage.NeedsReasoning:
		o.answer(ctx, res.ReasoningPrompt, visual, recent)
	}

	o.finishDecision(ctx, start)
}

// handleQuestion answers a direct question on the prompted path.
func (o *Orchestrator) handleQuestion(ctx context.Context, question string) {
	ctx, span := observe.StartSpan(ctx, "decision.question",
		trace.WithAttributes(attribute.String("session.id", o.sessionID)),
	)
	defer span.End()

	start := o.now()
	// The question itself is fresh perception context: a session whose first
	// input is a spoken question must still get its answer through.
	o.pipe.MarkContext(start)

	o.mu.Lock()
	recent := append([]string(nil), o.recentContext...)
	o.mu.Unlock()

	visual := o.currentVisualContext(nil, ground.Scene{})
	o.answer(ctx, question, visual, recent)
	o.finishDecision(ctx, start)
}

// answer routes a question through the reasoning router and submits the
// result on the prompted path. Triage escalations answer something the user
// said just as direct questions do, so both get the wider staleness and
// length allowances.
func (o *Orchestrator) answer(ctx context.Context, question string, visual string, recent []string) {
	if !o.guard.CanCallText() {
		o.log.Debug("text budget exhausted, skipping reasoning")
		return
	}

	o.mu.Lock()
	mode := o.mode
	o.mu.Unlock()

	// The thinking acknowledgement fires for any slow deep call: whether the
	// question came in directly or via escalation, the user said something
	// and deserves a sign of life.
	var onAck func(string)
	if o.speak != nil {
		onAck = func(phrase string) {
			o.speak(Utterance{Text: phrase, Source: pipeline.SourceReasoning, Ack: true})
		}
	}

	rctx, done := o.trackInFlight(ctx)
	defer done()

	reqStart := o.now()
	ans, err := o.router.Answer(rctx, reasoning.Request{
		Question:      question,
		VisualContext: visual,
		RecentContext: recent,
		Mode:          mode,
		ForceFast:     o.guard.ChooseTextModel(types.TierDeep) == types.TierFast,
	}, onAck)

	if o.tracker != nil {
		o.tracker.Record("text", err == nil, o.now().Sub(reqStart))
	}
	if ans.AckSpoken && o.metrics != nil {
		o.metrics.RecordAck(ctx)
	}
	if err != nil {
		if o.metrics != nil && !errors.Is(err, context.Canceled) {
			o.metrics.RecordProviderError(ctx, "llm", "reasoning")
		}
		o.log.Debug("reasoning failed", "error", err)
		return
	}
	o.guard.RecordText(ans.Tier)
	if o.metrics != nil {
		o.metrics.ReasoningDuration.Record(ctx, ans.Elapsed.Seconds())
	}

	o.submit(ctx, pipeline.Candidate{Text: ans.Text, Source: pipeline.SourceReasoning, Prompted: true})
}

// submit runs a candidate through the admission pipeline and speaks it on
// approval.
func (o *Orchestrator) submit(ctx context.Context, c pipeline.Candidate) {
	decision := o.pipe.Admit(c)
	if !decision.Approved {
		if o.metrics != nil {
			o.metrics.RecordRejection(ctx, string(decision.Reason))
		}
		return
	}

	o.mu.Lock()
	o.lastSpokeAt = o.now()
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.RecordUtterance(ctx, string(decision.Source))
	}
	if o.speak != nil {
		o.speak(Utterance{Text: decision.Text, Source: decision.Source})
	}
}

// trackInFlight wires a child context into the cancel slot so a user-speech
// start can abort the model call. The returned done func clears the slot.
func (o *Orchestrator) trackInFlight(ctx context.Context) (context.Context, func()) {
	cctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancelInFlight = cancel
	o.mu.Unlock()
	return cctx, func() {
		o.mu.Lock()
		o.cancelInFlight = nil
		o.mu.Unlock()
		cancel()
	}
}

// currentVisualContext prefers a fresh client-supplied description and falls
// back to assembling one from the packet.
func (o *Orchestrator) currentVisualContext(pkt *perception.Packet, scene ground.Scene) string {
	o.mu.Lock()
	client := o.visualContext
	age := o.now().Sub(o.visualContextAt)
	if client != "" && age > visualContextMaxAge {
		// Expired: drop it so it can never leak into a later prompt.
		o.visualContext = ""
		client = ""
	}
	o.mu.Unlock()

	if client != "" {
		return client
	}
	if pkt == nil {
		return ""
	}
	return reasoning.AssembleVisualContext(pkt, scene)
}

// pushRecentContext appends a transcript to the bounded recent-context ring.
func (o *Orchestrator) pushRecentContext(transcript string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recentContext = append(o.recentContext, transcript)
	if len(o.recentContext) > recentContextSize {
		o.recentContext = o.recentContext[len(o.recentContext)-recentContextSize:]
	}
}

// recordTriage charges the cost guard for triage outcomes that imply a fast
// model call and records the triage latency.
func (o *Orchestrator) recordTriage(res triage.Result) {
	switch res.Reason {
	case triage.ReasonQuick, triage.ReasonModelSilent, triage.ReasonFiltered:
		o.guard.RecordText(types.TierFast)
		if o.tracker != nil {
			o.tracker.Record("text", true, res.Elapsed)
		}
	case triage.ReasonModelError:
		if o.tracker != nil {
			o.tracker.Record("text", false, res.Elapsed)
		}
	}
	if o.metrics != nil {
		o.metrics.TriageDuration.Record(context.Background(), res.Elapsed.Seconds())
	}
}

// finishDecision folds the chain latency into the session EMA and counters.
func (o *Orchestrator) finishDecision(ctx context.Context, start time.Time) {
	elapsed := o.now().Sub(start)

	o.mu.Lock()
	o.decisions++
	ms := float64(elapsed.Milliseconds())
	if o.decisions == 1 {
		o.decisionEMAMs = ms
	} else {
		o.decisionEMAMs = decisionEMAAlpha*ms + (1-decisionEMAAlpha)*o.decisionEMAMs
	}
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.DecisionDuration.Record(ctx, elapsed.Seconds())
	}
}
