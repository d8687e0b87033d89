// Package rules implements the deterministic coaching layer: mode-scoped
// rules evaluated against every perception packet before any model is
// consulted. Rule hits are sub-millisecond and never spend budget.
//
// The engine is owned by a single session and is only touched from that
// session's decision goroutine, so it carries no locks. A mode change resets
// all rule state.
package rules

import (
	"log/slog"
	"sort"
	"time"

	"github.com/getredi/redicore/internal/perception"
	"github.com/getredi/redicore/pkg/types"
)

// Rule is one deterministic coaching check.
type Rule struct {
	// ID is the stable identifier used for cooldown tracking and metrics.
	ID string

	// Name is the human-readable rule name for logs.
	Name string

	// Modes lists the session modes in which the rule is active.
	Modes []types.Mode

	// When is the predicate. It must be side-effect free; panics are caught
	// and the rule is skipped for that packet.
	When func(pkt *perception.Packet, st *State) bool

	// Response is the utterance submitted when the rule fires.
	Response string

	// Priority orders evaluation, highest first.
	Priority int

	// Cooldown is the minimum interval between two firings of this rule.
	Cooldown time.Duration

	// Category labels the response kind ("form_fault", "encouragement", ...).
	Category string
}

// Result is a rule hit.
type Result struct {
	RuleID   string
	Response string
	Category string
}

// State is the mutable per-session rule memory. It is recreated on every
// mode change.
type State struct {
	lastFire map[string]time.Time

	repCount     int
	repsThisSet  int
	setCount     int
	newRep       bool
	depthReached bool

	slumpSince time.Time
	lastPhase  string

	// evalTime is the engine clock reading for the packet under evaluation.
	evalTime time.Time
}

func newState() *State {
	return &State{lastFire: make(map[string]time.Time)}
}

// NewRep reports whether the packet under evaluation completed a repetition.
func (s *State) NewRep() bool { return s.newRep }

// DepthReached reports whether parallel depth was seen during the current rep.
func (s *State) DepthReached() bool { return s.depthReached }

// SlumpedFor returns how long the spine has been continuously past the slump
// threshold, zero if it is not.
func (s *State) SlumpedFor() time.Duration {
	if s.slumpSince.IsZero() {
		return 0
	}
	return s.evalTime.Sub(s.slumpSince)
}

// Engine evaluates the active rule set for one session.
type Engine struct {
	log     *slog.Logger
	mode    types.Mode
	library []Rule
	active  []Rule
	state   *State
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithNow replaces the engine clock. Tests use it to step through cooldowns.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLibrary replaces the built-in rule library.
func WithLibrary(rules []Rule) Option {
	return func(e *Engine) { e.library = rules }
}

// New creates an Engine for the given mode backed by the default library.
func New(mode types.Mode, log *slog.Logger, opts ...Option) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		log:     log.With("component", "rules"),
		library: Library(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.SetMode(mode)
	return e
}

// SetMode switches the active rule set and resets all rule state.
func (e *Engine) SetMode(mode types.Mode) {
	e.mode = mode
	e.state = newState()
	e.active = e.active[:0]
	for _, r := range e.library {
		for _, m := range r.Modes {
			if m == mode {
				e.active = append(e.active, r)
				break
			}
		}
	}
	sort.SliceStable(e.active, func(i, j int) bool {
		return e.active[i].Priority > e.active[j].Priority
	})
}

// Mode returns the engine's current mode.
func (e *Engine) Mode() types.Mode { return e.mode }

// RepCount returns the cumulative repetition count for the session.
func (e *Engine) RepCount() int { return e.state.repCount }

// SetCount returns the number of completed sets.
func (e *Engine) SetCount() int { return e.state.setCount }

// Evaluate folds the packet into rule state and returns the highest-priority
// rule that fires, if any. First hit wins; at most one rule fires per packet.
func (e *Engine) Evaluate(pkt *perception.Packet) (Result, bool) {
	if pkt == nil {
		return Result{}, false
	}
	now := e.now()
	e.observe(pkt, now)
	defer e.settle()

	for i := range e.active {
		r := &e.active[i]
		if last, ok := e.state.lastFire[r.ID]; ok && now.Sub(last) < r.Cooldown {
			continue
		}
		if !e.safeWhen(r, pkt) {
			continue
		}
		e.state.lastFire[r.ID] = now
		e.log.Debug("rule fired", "rule", r.ID, "priority", r.Priority)
		return Result{RuleID: r.ID, Response: r.Response, Category: r.Category}, true
	}
	return Result{}, false
}

// safeWhen runs the predicate with panic isolation: a broken rule is logged
// and skipped without taking down the decision chain.
func (e *Engine) safeWhen(r *Rule, pkt *perception.Packet) (fired bool) {
	defer func() {
		if rec := recover(); rec != nil {
			e.log.Warn("rule predicate panicked, skipping", "rule", r.ID, "panic", rec)
			fired = false
		}
	}()
	return r.When(pkt, e.state)
}

// observe folds movement and pose deltas into state before rule predicates run.
func (e *Engine) observe(pkt *perception.Packet, now time.Time) {
	st := e.state
	st.newRep = false
	st.evalTime = now

	if mv := pkt.Movement; mv != nil {
		if mv.IsRepetitive && mv.RepCount > st.repCount {
			st.repCount = mv.RepCount
			st.repsThisSet++
			st.newRep = true
		}
		// A set ends when the lifter settles into rest after at least one rep.
		// Lockout confirms it when pose data is present.
		if mv.Phase == perception.PhaseRest && st.lastPhase != perception.PhaseRest && st.repsThisSet > 0 {
			if pkt.Pose == nil || Lockout(pkt.Pose) {
				st.setCount++
				st.repsThisSet = 0
			}
		}
		if mv.UnderLoad() && pkt.Pose != nil && SquatDepth(pkt.Pose) == DepthBelowParallel {
			st.depthReached = true
		}
		st.lastPhase = mv.Phase
	}

	if pose := pkt.Pose; pose != nil && pose.SpineAngle > slumpAngle {
		if st.slumpSince.IsZero() {
			st.slumpSince = now
		}
	} else {
		st.slumpSince = time.Time{}
	}
}

// settle clears per-rep accumulators after the packet that completed the rep
// has been evaluated.
func (e *Engine) settle() {
	if e.state.newRep {
		e.state.depthReached = false
	}
}
