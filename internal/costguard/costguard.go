// Package costguard meters per-session model spend and degrades gracefully as
// budget runs out: the text tier downgrades past 70% spend, the recommended
// vision interval stretches as calls deplete, and hard caps stop calls
// entirely. Budget exhaustion is never spoken — the session just gets quieter.
package costguard

import (
	"log/slog"
	"sync"

	"github.com/getredi/redicore/pkg/types"
)

// Tier selects a spend profile for a session.
type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

// Plan holds the spend limits for one tier.
type Plan struct {
	// TotalBudgetUSD is the hard spend ceiling for the session.
	TotalBudgetUSD float64

	// MaxVisionCalls caps cloud vision annotations.
	MaxVisionCalls int

	// MaxTextCalls caps combined fast+deep model completions.
	MaxTextCalls int

	// WarnFraction is the budget fraction at which the one-shot warning fires.
	WarnFraction float64
}

// PlanFor returns the spend profile for a tier. Unknown tiers get the free plan.
func PlanFor(tier Tier) Plan {
	if tier == TierPaid {
		return Plan{TotalBudgetUSD: 0.50, MaxVisionCalls: 40, MaxTextCalls: 200, WarnFraction: 0.90}
	}
	return Plan{TotalBudgetUSD: 0.15, MaxVisionCalls: 10, MaxTextCalls: 50, WarnFraction: 0.80}
}

// Per-operation unit costs in USD.
const (
	CostVisionCall        = 0.015
	CostDeepTextCall      = 0.008
	CostFastTextCall      = 0.001
	CostTTSPerChar        = 0.00003
	CostTranscribePerSec  = 0.0001
	downgradeSpendFrac    = 0.70
	visionIntervalMsAmple = 3000
	visionIntervalMsLow   = 5000
	visionIntervalMsThin  = 10000
	visionIntervalMsLast  = 15000
)

// Snapshot is the read-only usage view exposed to the external cost ledger.
type Snapshot struct {
	Tier               Tier    `json:"tier"`
	VisionCalls        int     `json:"visionCalls"`
	DeepTextCalls      int     `json:"deepTextCalls"`
	FastTextCalls      int     `json:"fastTextCalls"`
	TTSCharacters      int     `json:"ttsCharacters"`
	TranscribedSeconds float64 `json:"transcribedSeconds"`
	TotalUSD           float64 `json:"totalUsd"`
	BudgetUSD          float64 `json:"budgetUsd"`
	WarningIssued      bool    `json:"warningIssued"`
	LimitReached       bool    `json:"limitReached"`
}

// Guard is the per-session spend ledger. The gateway's reader goroutine and
// the session's decision goroutine both touch it, so all state sits behind
// one mutex.
type Guard struct {
	mu   sync.Mutex
	plan Plan
	log  *slog.Logger

	tier               Tier
	visionCalls        int
	deepTextCalls      int
	fastTextCalls      int
	ttsCharacters      int
	transcribedSeconds float64
	totalUSD           float64
	warningIssued      bool
	limitReached       bool
}

// New creates a Guard for the given tier.
func New(tier Tier, log *slog.Logger) *Guard {
	if log == nil {
		log = slog.Default()
	}
	return &Guard{
		plan: PlanFor(tier),
		tier: tier,
		log:  log.With("component", "costguard"),
	}
}

// CanCallVision reports whether another cloud vision call fits both the call
// cap and the remaining budget.
func (g *Guard) CanCallVision() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.visionCalls < g.plan.MaxVisionCalls &&
		g.totalUSD+CostVisionCall <= g.plan.TotalBudgetUSD
}

// CanCallText reports whether another model completion fits the combined
// text-call cap.
func (g *Guard) CanCallText() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.deepTextCalls+g.fastTextCalls < g.plan.MaxTextCalls
}

// RecordVision charges one cloud vision call to the ledger.
func (g *Guard) RecordVision() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.visionCalls++
	g.charge(CostVisionCall)
}

// RecordText charges one model completion to the ledger.
func (g *Guard) RecordText(tier types.ModelTier) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if tier == types.TierDeep {
		g.deepTextCalls++
		g.charge(CostDeepTextCall)
		return
	}
	g.fastTextCalls++
	g.charge(CostFastTextCall)
}

// RecordTTS charges synthesized characters to the ledger.
func (g *Guard) RecordTTS(chars int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ttsCharacters += chars
	g.charge(float64(chars) * CostTTSPerChar)
}

// RecordTranscription charges transcribed audio seconds to the ledger.
func (g *Guard) RecordTranscription(seconds float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transcribedSeconds += seconds
	g.charge(seconds * CostTranscribePerSec)
}

// charge adds usd to the running total and flips the warning and limit flags
// as thresholds are crossed. Must be called with g.mu held.
func (g *Guard) charge(usd float64) {
	g.totalUSD += usd
	if !g.warningIssued && g.totalUSD >= g.plan.WarnFraction*g.plan.TotalBudgetUSD {
		g.warningIssued = true
		g.log.Warn("session budget warning threshold crossed",
			"spent_usd", g.totalUSD, "budget_usd", g.plan.TotalBudgetUSD)
	}
	if !g.limitReached && g.totalUSD >= g.plan.TotalBudgetUSD {
		g.limitReached = true
		g.log.Warn("session budget exhausted", "spent_usd", g.totalUSD)
	}
}

// ChooseTextModel suggests which tier should serve the next completion: the
// deep tier while spend is comfortable, the fast tier past 70% of budget.
func (g *Guard) ChooseTextModel(preferred types.ModelTier) types.ModelTier {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.totalUSD > downgradeSpendFrac*g.plan.TotalBudgetUSD {
		return types.TierFast
	}
	return preferred
}

// RecommendedVisionIntervalMs returns how long the device should wait between
// cloud vision frames, stretching as calls deplete. Zero means vision is
// exhausted and should stop.
func (g *Guard) RecommendedVisionIntervalMs() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	remaining := g.plan.MaxVisionCalls - g.visionCalls
	switch {
	case remaining > 20:
		return visionIntervalMsAmple
	case remaining > 10:
		return visionIntervalMsLow
	case remaining > 5:
		return visionIntervalMsThin
	case remaining > 0:
		return visionIntervalMsLast
	default:
		return 0
	}
}

// Snapshot returns the current usage view.
func (g *Guard) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Snapshot{
		Tier:               g.tier,
		VisionCalls:        g.visionCalls,
		DeepTextCalls:      g.deepTextCalls,
		FastTextCalls:      g.fastTextCalls,
		TTSCharacters:      g.ttsCharacters,
		TranscribedSeconds: g.transcribedSeconds,
		TotalUSD:           g.totalUSD,
		BudgetUSD:          g.plan.TotalBudgetUSD,
		WarningIssued:      g.warningIssued,
		LimitReached:       g.limitReached,
	}
}
