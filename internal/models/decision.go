package models

import (
	"fmt"
	"time"
)

// Action is the per-slot outcome of one decision cycle.
type Action string

const (
	// ActionHold leaves the slot untouched this cycle.
	ActionHold Action = "hold"
	// ActionOpen sells a new short leg into an empty slot.
	ActionOpen Action = "open"
	// ActionRoll closes the current leg and reopens further out.
	ActionRoll Action = "roll"
	// ActionClose buys the current leg back with no replacement.
	ActionClose Action = "close"
)

// ContractSpec describes the leg a decision wants opened.
type ContractSpec struct {
	OptionSymbol string    `json:"option_symbol"`
	Side         Side      `json:"side"`
	Strike       float64   `json:"strike"`
	Expiration   time.Time `json:"expiration"`
	MidPrice     float64   `json:"mid_price"`
	Delta        float64   `json:"delta"`
}

// RollDecision is the engine output for one slot in one cycle. Decisions are
// ephemeral: produced, dispatched, and discarded within a single cycle.
type RollDecision struct {
	SlotID int           `json:"slot_id"`
	Action Action        `json:"action"`
	Reason string        `json:"reason"`
	Target *ContractSpec `json:"target,omitempty"` // set for OPEN and ROLL
}

// String renders the decision for logs.
func (d RollDecision) String() string {
	if d.Target != nil {
		return fmt.Sprintf("slot %d: %s (%s) -> %s %.2f exp %s",
			d.SlotID, d.Action, d.Reason, d.Target.Side, d.Target.Strike,
			d.Target.Expiration.Format("2006-01-02"))
	}
	return fmt.Sprintf("slot %d: %s (%s)", d.SlotID, d.Action, d.Reason)
}

// RequiresOrder reports whether the decision produces broker orders.
func (d RollDecision) RequiresOrder() bool {
	return d.Action != ActionHold
}

// PortfolioState is the process-wide snapshot taken at the start of every
// decision cycle. It is never mutated mid-cycle.
type PortfolioState struct {
	CashBalance     float64   `json:"cash_balance"`
	SharesHeld      int       `json:"shares_held"`
	TargetShares    int       `json:"target_shares"`
	UnderlyingPrice float64   `json:"underlying_price"`
	AllocationBias  float64   `json:"allocation_bias"` // [-1,1]; negative = cash-heavy
	AsOf            time.Time `json:"as_of"`
}

// EquityValue returns the mark value of held shares.
func (s PortfolioState) EquityValue() float64 {
	return float64(s.SharesHeld) * s.UnderlyingPrice
}

// TotalValue returns cash plus equity mark value.
func (s PortfolioState) TotalValue() float64 {
	return s.CashBalance + s.EquityValue()
}

// EquityRatio returns equity value as a fraction of total value, zero when
// the account is empty.
func (s PortfolioState) EquityRatio() float64 {
	total := s.TotalValue()
	if total <= 0 {
		return 0
	}
	return s.EquityValue() / total
}
