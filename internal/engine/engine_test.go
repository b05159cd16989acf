package engine

import (
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/wheelhouse/internal/chain"
	"github.com/eddiefleurent/wheelhouse/internal/models"
	"github.com/eddiefleurent/wheelhouse/internal/monitor"
	"github.com/eddiefleurent/wheelhouse/internal/rebalance"
	"github.com/eddiefleurent/wheelhouse/internal/schedule"
)

var evalNow = time.Date(2026, 3, 16, 15, 0, 0, 0, time.UTC)

func testEngine() *Engine {
	policy := rebalance.Policy{NeutralBand: 0.05, BaseDelta: 0.20, MaxDelta: 0.40}
	return New(policy, 1, log.New(io.Discard, "", 0))
}

func testWindow(t *testing.T) []schedule.Slot {
	t.Helper()
	w, err := schedule.NewWindow(evalNow, 5)
	require.NoError(t, err)
	return w.Slots()
}

func liveLeg(t *testing.T, slotID int, delta float64, expiration time.Time) *models.Position {
	t.Helper()
	pos := models.NewPosition("leg", slotID, "F", models.SidePut, 11.0, expiration)
	require.NoError(t, pos.TransitionStatus(models.StatusPendingOpen, models.ConditionOrderPlaced))
	require.NoError(t, pos.TransitionStatus(models.StatusOpen, models.ConditionOrderFilled))
	pos.OptionSymbol = "F260320P00011000"
	pos.Quantity = -1
	pos.CreditReceived = 0.21
	pos.Delta = delta
	pos.DeltaUpdatedAt = evalNow
	return pos
}

func putCandidate(strike, delta float64, expiration time.Time) *chain.Candidate {
	return &chain.Candidate{
		Spec: models.ContractSpec{
			OptionSymbol: "F260320P00011000",
			Side:         models.SidePut,
			Strike:       strike,
			Expiration:   expiration,
			MidPrice:     0.21,
			Delta:        delta,
		},
		Premium:      21,
		CashRequired: strike * 100,
	}
}

func baseSnapshot(t *testing.T) Snapshot {
	return Snapshot{
		Portfolio:       rebalance.Snapshot(6000, 400, 1000, 12.0, evalNow),
		Positions:       map[int]*models.Position{},
		Window:          testWindow(t),
		OpenCandidates:  map[int]*chain.Candidate{},
		RollTargets:     map[int]*chain.Candidate{},
		Classifications: map[int]monitor.Classification{},
		Now:             evalNow,
	}
}

func decisionFor(t *testing.T, decisions []models.RollDecision, slotID int) models.RollDecision {
	t.Helper()
	for _, d := range decisions {
		if d.SlotID == slotID {
			return d
		}
	}
	t.Fatalf("no decision for slot %d", slotID)
	return models.RollDecision{}
}

func TestEvaluateOneDecisionPerSlot(t *testing.T) {
	s := baseSnapshot(t)
	decisions, _ := testEngine().Evaluate(s)

	require.Len(t, decisions, 5)
	seen := map[int]bool{}
	for _, d := range decisions {
		assert.False(t, seen[d.SlotID], "duplicate decision for slot %d", d.SlotID)
		seen[d.SlotID] = true
	}
}

func TestCashHeavyPortfolioOpensPut(t *testing.T) {
	s := baseSnapshot(t)
	slot := s.Window[0]
	s.OpenCandidates[slot.ID] = putCandidate(11.0, -0.32, slot.Expiration)

	decisions, reports := testEngine().Evaluate(s)

	d := decisionFor(t, decisions, slot.ID)
	assert.Equal(t, models.ActionOpen, d.Action)
	assert.Equal(t, ReasonFillEmptySlot, d.Reason)
	require.NotNil(t, d.Target)
	assert.Equal(t, models.SidePut, d.Target.Side)
	assert.InDelta(t, -0.32, d.Target.Delta, 1e-9)

	var info int
	for _, r := range reports {
		if r.Level == models.ReportInfo {
			info++
		}
	}
	assert.Equal(t, 1, info)
}

func TestDeltaBreachRolls(t *testing.T) {
	s := baseSnapshot(t)
	slot := s.Window[1]
	pos := liveLeg(t, slot.ID, -0.72, slot.Expiration)
	s.Positions[slot.ID] = pos
	s.Classifications[slot.ID] = monitor.NearMoney

	landing := s.Window[2]
	s.RollTargets[slot.ID] = putCandidate(10.5, -0.31, landing.Expiration)

	decisions, _ := testEngine().Evaluate(s)

	d := decisionFor(t, decisions, slot.ID)
	assert.Equal(t, models.ActionRoll, d.Action)
	assert.Equal(t, ReasonDeltaThreshold, d.Reason)
	require.NotNil(t, d.Target)
	assert.Equal(t, landing.Expiration, d.Target.Expiration)
}

func TestMinDTERollsRegardlessOfDelta(t *testing.T) {
	s := baseSnapshot(t)
	slot := s.Window[0]
	// Expires today, delta comfortably in range.
	pos := liveLeg(t, slot.ID, -0.18, evalNow)
	s.Positions[slot.ID] = pos
	s.Classifications[slot.ID] = monitor.InRange
	s.RollTargets[slot.ID] = putCandidate(11.0, -0.22, s.Window[1].Expiration)

	decisions, _ := testEngine().Evaluate(s)

	d := decisionFor(t, decisions, slot.ID)
	assert.Equal(t, models.ActionRoll, d.Action)
	assert.Equal(t, ReasonMinDTE, d.Reason)
}

func TestEmptyChainHoldsWithWarning(t *testing.T) {
	s := baseSnapshot(t)
	slot := s.Window[0]

	decisions, reports := testEngine().Evaluate(s)

	d := decisionFor(t, decisions, slot.ID)
	assert.Equal(t, models.ActionHold, d.Action)
	assert.Equal(t, ReasonNoContract, d.Reason)

	found := false
	for _, r := range reports {
		if r.SlotID == slot.ID && r.Level == models.ReportWarning && r.Code == ReasonNoContract {
			found = true
		}
	}
	assert.True(t, found, "expected a no-contract warning for slot %d", slot.ID)
}

func TestStaleLegExcludedFromRolls(t *testing.T) {
	s := baseSnapshot(t)
	slot := s.Window[1]
	pos := liveLeg(t, slot.ID, -0.90, slot.Expiration)
	s.Positions[slot.ID] = pos
	s.Classifications[slot.ID] = monitor.Stale
	s.RollTargets[slot.ID] = putCandidate(10.5, -0.31, s.Window[2].Expiration)

	decisions, reports := testEngine().Evaluate(s)

	d := decisionFor(t, decisions, slot.ID)
	assert.Equal(t, models.ActionHold, d.Action)
	assert.Equal(t, ReasonStaleDelta, d.Reason)

	var warned bool
	for _, r := range reports {
		if r.SlotID == slot.ID && r.Code == ReasonStaleDelta {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestRollWithoutLandingContractHolds(t *testing.T) {
	s := baseSnapshot(t)
	slot := s.Window[1]
	s.Positions[slot.ID] = liveLeg(t, slot.ID, -0.75, slot.Expiration)
	s.Classifications[slot.ID] = monitor.NearMoney

	decisions, _ := testEngine().Evaluate(s)

	d := decisionFor(t, decisions, slot.ID)
	assert.Equal(t, models.ActionHold, d.Action)
	assert.Equal(t, ReasonNoContract, d.Reason)
}

func TestWorkingOrderHolds(t *testing.T) {
	s := baseSnapshot(t)
	slot := s.Window[2]
	pos := models.NewPosition("leg", slot.ID, "F", models.SidePut, 11.0, slot.Expiration)
	require.NoError(t, pos.TransitionStatus(models.StatusPendingOpen, models.ConditionOrderPlaced))
	s.Positions[slot.ID] = pos

	decisions, _ := testEngine().Evaluate(s)

	d := decisionFor(t, decisions, slot.ID)
	assert.Equal(t, models.ActionHold, d.Action)
	assert.Equal(t, ReasonOrderInFlight, d.Reason)
}

func TestHaltedSlotNeverActs(t *testing.T) {
	s := baseSnapshot(t)
	slot := s.Window[0]
	pos := liveLeg(t, slot.ID, -0.95, slot.Expiration)
	require.NoError(t, pos.TransitionStatus(models.StatusHalted, models.ConditionInvariantViolation))
	s.Positions[slot.ID] = pos
	s.Classifications[slot.ID] = monitor.NearMoney
	s.OpenCandidates[slot.ID] = putCandidate(11.0, -0.32, slot.Expiration)
	s.RollTargets[slot.ID] = putCandidate(10.5, -0.31, s.Window[1].Expiration)

	decisions, _ := testEngine().Evaluate(s)

	d := decisionFor(t, decisions, slot.ID)
	assert.Equal(t, models.ActionHold, d.Action)
	assert.Equal(t, ReasonHalted, d.Reason)
}

// A leg that just rolled lands near the target delta, so the next cycle must
// not immediately re-roll it.
func TestRolledLegDoesNotReRoll(t *testing.T) {
	s := baseSnapshot(t)
	slot := s.Window[2]
	pos := liveLeg(t, slot.ID, -0.31, slot.Expiration)
	pos.RollCount = 1
	s.Positions[slot.ID] = pos
	s.Classifications[slot.ID] = monitor.InRange

	decisions, _ := testEngine().Evaluate(s)

	d := decisionFor(t, decisions, slot.ID)
	assert.Equal(t, models.ActionHold, d.Action)
	assert.Equal(t, ReasonInRange, d.Reason)
}
