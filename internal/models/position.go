package models

import (
	"fmt"
	"strings"
	"time"
)

const sharesPerContract = 100.0

// Side identifies the option side of a slot's short leg.
type Side string

const (
	// SidePut is a cash-secured short put.
	SidePut Side = "put"
	// SideCall is a covered short call.
	SideCall Side = "call"
)

// Valid returns true if the Side is one of the defined constants.
func (s Side) Valid() bool {
	return s == SidePut || s == SideCall
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SidePut {
		return SideCall
	}
	return SidePut
}

// Position represents the single short option leg owned by one weekly slot.
type Position struct {
	Machine        *SlotMachine   `json:"-"`      // Runtime only, excluded from JSON
	Status         PositionStatus `json:"status"` // Canonical persisted status
	ID             string         `json:"id"`
	SlotID         int            `json:"slot_id"`
	Symbol         string         `json:"symbol"`
	OptionSymbol   string         `json:"option_symbol,omitempty"`
	Side           Side           `json:"side"`
	Strike         float64        `json:"strike"`
	Expiration     time.Time      `json:"expiration"`
	Quantity       int            `json:"quantity"` // signed; short legs are negative
	Delta          float64        `json:"delta"`
	DeltaUpdatedAt time.Time      `json:"delta_updated_at,omitempty"`
	OpenOrderID    string         `json:"open_order_id,omitempty"`
	CloseOrderID   string         `json:"close_order_id,omitempty"`
	CreditReceived float64        `json:"credit_received"`
	OpenDate       time.Time      `json:"open_date,omitempty"`
	CloseDate      time.Time      `json:"close_date,omitempty"`
	CloseReason    string         `json:"close_reason,omitempty"`
	RollCount      int            `json:"roll_count"`
}

// NewPosition creates a pending leg for a slot with an initialized machine.
func NewPosition(id string, slotID int, symbol string, side Side, strike float64, expiration time.Time) *Position {
	return &Position{
		ID:         id,
		SlotID:     slotID,
		Symbol:     symbol,
		Side:       side,
		Strike:     strike,
		Expiration: expiration,
		Quantity:   0, // set on fill
		Machine:    NewSlotMachine(),
		Status:     StatusEmpty,
	}
}

// ensureMachine initializes the SlotMachine from the persisted status.
func (p *Position) ensureMachine() *SlotMachine {
	if p.Machine == nil {
		p.Machine = NewSlotMachineFromStatus(p.Status)
	}
	return p.Machine
}

// TransitionStatus moves the leg to a new status, keeping the canonical
// persisted status in sync with the machine.
func (p *Position) TransitionStatus(to PositionStatus, condition string) error {
	if err := p.ensureMachine().Transition(to, condition); err != nil {
		return fmt.Errorf("slot %d leg %s: %w", p.SlotID, p.ID, err)
	}
	p.Status = to

	if to == StatusOpen && p.OpenDate.IsZero() {
		p.OpenDate = time.Now().UTC()
	}
	if to == StatusClosed && p.CloseDate.IsZero() {
		p.CloseDate = time.Now().UTC()
		if p.CloseReason == "" {
			p.CloseReason = condition
		}
	}
	if to == StatusPendingOpen && condition == ConditionRollLegFailed {
		// The old leg is gone; whatever reopens is a fresh contract.
		p.OptionSymbol = ""
		p.OpenOrderID = ""
		p.CloseOrderID = ""
		p.Quantity = 0
		p.Delta = 0
		p.DeltaUpdatedAt = time.Time{}
	}
	return nil
}

// CurrentStatus returns the canonical persisted status.
func (p *Position) CurrentStatus() PositionStatus {
	return p.Status
}

// IsActive reports whether the slot is occupied by a non-closed leg.
func (p *Position) IsActive() bool {
	switch p.Status {
	case StatusEmpty, StatusClosed:
		return false
	default:
		return true
	}
}

// HasWorkingOrder reports whether a broker order is in flight for this leg.
func (p *Position) HasWorkingOrder() bool {
	return p.ensureMachine().IsWorking() && (p.OpenOrderID != "" || p.CloseOrderID != "")
}

// DaysToExpiry returns whole calendar days until expiration, clamped at zero.
func (p *Position) DaysToExpiry(now time.Time) int {
	n := now.UTC().Truncate(24 * time.Hour)
	exp := p.Expiration.UTC().Truncate(24 * time.Hour)
	days := int(exp.Sub(n).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// DeltaIsStale reports whether the last delta observation is older than maxAge
// or was never recorded.
func (p *Position) DeltaIsStale(now time.Time, maxAge time.Duration) bool {
	if p.DeltaUpdatedAt.IsZero() {
		return true
	}
	return now.Sub(p.DeltaUpdatedAt) > maxAge
}

// PremiumCollected returns total premium in dollars for the leg.
func (p *Position) PremiumCollected() float64 {
	qty := p.Quantity
	if qty < 0 {
		qty = -qty
	}
	if qty == 0 {
		qty = 1
	}
	return p.CreditReceived * float64(qty) * sharesPerContract
}

// Validate ensures the leg's data is consistent with its status.
func (p *Position) Validate() error {
	if err := p.ensureMachine().ValidateConsistency(); err != nil {
		return fmt.Errorf("slot %d leg %s: %w", p.SlotID, p.ID, err)
	}
	if p.SlotID < 0 {
		return fmt.Errorf("leg %s: slot id must be >= 0 (got %d)", p.ID, p.SlotID)
	}
	if p.Status != StatusEmpty && !p.Side.Valid() {
		return fmt.Errorf("slot %d leg %s: invalid side %q", p.SlotID, p.ID, p.Side)
	}
	if p.Delta < -1.0 || p.Delta > 1.0 {
		return fmt.Errorf("slot %d leg %s: delta %.4f outside [-1,1]", p.SlotID, p.ID, p.Delta)
	}

	switch p.Status {
	case StatusEmpty:
		if p.Quantity != 0 {
			return fmt.Errorf("slot %d leg %s: quantity must be zero while empty (got %d)", p.SlotID, p.ID, p.Quantity)
		}
		if !p.OpenDate.IsZero() {
			return fmt.Errorf("slot %d leg %s: open date must be zero while empty", p.SlotID, p.ID)
		}
	case StatusPendingOpen:
		if p.Quantity != 0 {
			return fmt.Errorf("slot %d leg %s: quantity must be zero before fill (got %d)", p.SlotID, p.ID, p.Quantity)
		}
		if p.Strike <= 0 {
			return fmt.Errorf("slot %d leg %s: pending open needs a positive strike", p.SlotID, p.ID)
		}
	case StatusOpen, StatusPendingRoll, StatusPendingClose:
		if p.Quantity >= 0 {
			return fmt.Errorf("slot %d leg %s: live wheel legs are short, quantity must be negative (got %d)",
				p.SlotID, p.ID, p.Quantity)
		}
		if p.OpenDate.IsZero() {
			return fmt.Errorf("slot %d leg %s: open date must be set for live legs", p.SlotID, p.ID)
		}
		if p.CreditReceived <= 0 {
			return fmt.Errorf("slot %d leg %s: live legs must carry positive credit (got %.2f)",
				p.SlotID, p.ID, p.CreditReceived)
		}
	case StatusClosed:
		if p.CloseDate.IsZero() {
			return fmt.Errorf("slot %d leg %s: close date must be set for closed legs", p.SlotID, p.ID)
		}
		if strings.TrimSpace(p.CloseReason) == "" {
			return fmt.Errorf("slot %d leg %s: close reason must be set for closed legs", p.SlotID, p.ID)
		}
	case StatusHalted:
		// Halted slots keep whatever data they had when frozen.
	}

	if !p.OpenDate.IsZero() && !p.CloseDate.IsZero() && !p.OpenDate.Before(p.CloseDate) {
		return fmt.Errorf("slot %d leg %s: open date (%v) must precede close date (%v)",
			p.SlotID, p.ID, p.OpenDate, p.CloseDate)
	}
	return nil
}

// StatusDescription returns a human-readable status description.
func (p *Position) StatusDescription() string {
	return p.ensureMachine().StatusDescription()
}
