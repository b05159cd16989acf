// Package engine holds the pure decision core. Evaluate consumes one
// immutable snapshot and emits per-slot decisions; it never touches the
// broker, the clock, or any shared state, so every decision is reproducible
// from its snapshot.
package engine

import (
	"fmt"
	"log"
	"time"

	"github.com/eddiefleurent/wheelhouse/internal/chain"
	"github.com/eddiefleurent/wheelhouse/internal/models"
	"github.com/eddiefleurent/wheelhouse/internal/monitor"
	"github.com/eddiefleurent/wheelhouse/internal/rebalance"
	"github.com/eddiefleurent/wheelhouse/internal/schedule"
)

// Decision reasons, stable strings used in reports and the journal.
const (
	ReasonFillEmptySlot  = "fill_empty_slot"
	ReasonDeltaThreshold = "delta_threshold"
	ReasonMinDTE         = "min_dte"
	ReasonInRange        = "in_range"
	ReasonStaleDelta     = "stale_delta"
	ReasonNoContract     = "no_eligible_contract"
	ReasonOrderInFlight  = "order_in_flight"
	ReasonHalted         = "halted"
	ReasonMarketClosed   = "market_closed"
)

// Snapshot is everything one evaluation needs, gathered before the call and
// never mutated during it.
type Snapshot struct {
	Portfolio models.PortfolioState
	// Positions maps slot id to that slot's leg; absent or empty entries mean
	// the slot is free.
	Positions map[int]*models.Position
	Window    []schedule.Slot
	// OpenCandidates maps slot id to the ranked contract an OPEN would sell.
	OpenCandidates map[int]*chain.Candidate
	// RollTargets maps slot id to the landing contract a ROLL would reopen.
	RollTargets map[int]*chain.Candidate
	// Classifications maps slot id to the delta monitor's verdict for the
	// slot's live leg.
	Classifications map[int]monitor.Classification
	Now             time.Time
}

// Engine applies the fixed rule order to each slot.
type Engine struct {
	policy rebalance.Policy
	minDTE int
	logger *log.Logger
}

// New creates a decision engine. minDTE is the days-to-expiry at or below
// which a live leg is rolled regardless of delta.
func New(policy rebalance.Policy, minDTE int, logger *log.Logger) *Engine {
	return &Engine{policy: policy, minDTE: minDTE, logger: logger}
}

// Evaluate walks the window earliest-first and produces exactly one decision
// per slot. Rule order per slot: fill empty slots, exclude stale legs, roll
// near-money legs, roll legs at minimum DTE, otherwise hold.
func (e *Engine) Evaluate(s Snapshot) ([]models.RollDecision, []models.Report) {
	decisions := make([]models.RollDecision, 0, len(s.Window))
	var reports []models.Report

	for _, slot := range s.Window {
		d, r := e.evaluateSlot(s, slot)
		decisions = append(decisions, d)
		reports = append(reports, r...)
		if d.Action != models.ActionHold {
			e.logger.Printf("Decision: %s", d.String())
		}
	}
	return decisions, reports
}

func (e *Engine) evaluateSlot(s Snapshot, slot schedule.Slot) (models.RollDecision, []models.Report) {
	pos := s.Positions[slot.ID]

	if pos == nil || pos.CurrentStatus() == models.StatusEmpty {
		return e.evaluateEmpty(s, slot)
	}

	switch pos.CurrentStatus() {
	case models.StatusHalted:
		return hold(slot.ID, ReasonHalted), nil
	case models.StatusPendingOpen, models.StatusPendingRoll, models.StatusPendingClose:
		// One order in flight per slot; wait for the lifecycle manager.
		return hold(slot.ID, ReasonOrderInFlight), nil
	case models.StatusClosed:
		// Awaiting window rotation.
		return hold(slot.ID, ReasonInRange), nil
	}

	return e.evaluateOpen(s, slot, pos)
}

// evaluateEmpty decides whether to sell a fresh leg into a free slot.
func (e *Engine) evaluateEmpty(s Snapshot, slot schedule.Slot) (models.RollDecision, []models.Report) {
	cand := s.OpenCandidates[slot.ID]
	if cand == nil {
		return hold(slot.ID, ReasonNoContract), []models.Report{
			report(s.Now, slot.ID, models.ReportWarning, ReasonNoContract,
				fmt.Sprintf("no eligible contract for %s, retrying next cycle", slot.Expiration.Format("2006-01-02"))),
		}
	}
	spec := cand.Spec
	d := models.RollDecision{
		SlotID: slot.ID,
		Action: models.ActionOpen,
		Reason: ReasonFillEmptySlot,
		Target: &spec,
	}
	return d, []models.Report{
		report(s.Now, slot.ID, models.ReportInfo, ReasonFillEmptySlot,
			fmt.Sprintf("open %s %.2f exp %s (delta %.2f, premium $%.0f)",
				spec.Side, spec.Strike, spec.Expiration.Format("2006-01-02"), spec.Delta, cand.Premium)),
	}
}

// evaluateOpen decides whether a live leg rolls this cycle.
func (e *Engine) evaluateOpen(s Snapshot, slot schedule.Slot, pos *models.Position) (models.RollDecision, []models.Report) {
	class, ok := s.Classifications[slot.ID]
	if !ok {
		class = monitor.Stale
	}

	if class == monitor.Stale {
		return hold(slot.ID, ReasonStaleDelta), []models.Report{
			report(s.Now, slot.ID, models.ReportWarning, ReasonStaleDelta,
				fmt.Sprintf("delta for %s is stale, leg excluded from roll logic", pos.OptionSymbol)),
		}
	}

	if class == monitor.NearMoney {
		return e.rollDecision(s, slot, pos, ReasonDeltaThreshold,
			fmt.Sprintf("delta %.2f breached threshold", pos.Delta))
	}

	if pos.DaysToExpiry(s.Now) <= e.minDTE {
		return e.rollDecision(s, slot, pos, ReasonMinDTE,
			fmt.Sprintf("%d days to expiry", pos.DaysToExpiry(s.Now)))
	}

	return hold(slot.ID, ReasonInRange), nil
}

// rollDecision emits a ROLL when a landing contract is available, otherwise
// holds with a warning so the condition is retried next cycle.
func (e *Engine) rollDecision(s Snapshot, slot schedule.Slot, pos *models.Position, reason, detail string) (models.RollDecision, []models.Report) {
	target := s.RollTargets[slot.ID]
	if target == nil {
		return hold(slot.ID, ReasonNoContract), []models.Report{
			report(s.Now, slot.ID, models.ReportWarning, ReasonNoContract,
				fmt.Sprintf("%s (%s) but no landing contract available", detail, reason)),
		}
	}
	spec := target.Spec
	d := models.RollDecision{
		SlotID: slot.ID,
		Action: models.ActionRoll,
		Reason: reason,
		Target: &spec,
	}
	return d, []models.Report{
		report(s.Now, slot.ID, models.ReportInfo, reason,
			fmt.Sprintf("roll %s: %s, landing %s %.2f exp %s (delta %.2f)",
				pos.OptionSymbol, detail, spec.Side, spec.Strike,
				spec.Expiration.Format("2006-01-02"), spec.Delta)),
	}
}

func hold(slotID int, reason string) models.RollDecision {
	return models.RollDecision{SlotID: slotID, Action: models.ActionHold, Reason: reason}
}

func report(now time.Time, slotID int, level models.ReportLevel, code, msg string) models.Report {
	return models.Report{Time: now.UTC(), SlotID: slotID, Level: level, Code: code, Message: msg}
}
