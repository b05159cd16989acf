// Package models provides data structures and state management for wheel slots.
package models

import (
	"fmt"
	"time"
)

// PositionStatus represents the lifecycle status of a slot's option leg.
type PositionStatus string

const (
	// StatusEmpty means the slot holds no leg and is ready for a new open.
	StatusEmpty PositionStatus = "empty"
	// StatusPendingOpen means an opening order is (or should be) working.
	StatusPendingOpen PositionStatus = "pending_open"
	// StatusOpen means the short leg is live.
	StatusOpen PositionStatus = "open"
	// StatusPendingRoll means a close+reopen pair is in flight.
	StatusPendingRoll PositionStatus = "pending_roll"
	// StatusPendingClose means a standalone closing order is in flight.
	StatusPendingClose PositionStatus = "pending_close"
	// StatusClosed means the leg is done; the slot recycles on window advance.
	StatusClosed PositionStatus = "closed"
	// StatusHalted means an invariant violation froze the slot for manual review.
	StatusHalted PositionStatus = "halted"
)

// Transition conditions.
const (
	ConditionOrderPlaced        = "order_placed"
	ConditionOrderFilled        = "order_filled"
	ConditionOrderRejected      = "order_rejected"
	ConditionOrderExpired       = "order_expired"
	ConditionRollStarted        = "roll_started"
	ConditionRollComplete       = "roll_complete"
	ConditionRollLegFailed      = "roll_leg_failed"
	ConditionRollAborted        = "roll_aborted"
	ConditionCloseStarted       = "close_started"
	ConditionExpiredWorthless   = "expired_worthless"
	ConditionWindowAdvanced     = "window_advanced"
	ConditionInvariantViolation = "invariant_violation"
	ConditionManualIntervention = "manual_intervention"
)

// StatusTransition defines a valid slot status transition.
type StatusTransition struct {
	From        PositionStatus
	To          PositionStatus
	Condition   string
	Description string
}

// ValidTransitions enumerates every legal slot transition.
var ValidTransitions = []StatusTransition{
	{StatusEmpty, StatusPendingOpen, ConditionOrderPlaced, "Opening order submitted to broker"},

	{StatusPendingOpen, StatusOpen, ConditionOrderFilled, "Opening order filled"},
	{StatusPendingOpen, StatusEmpty, ConditionOrderRejected, "Opening order rejected or canceled"},
	{StatusPendingOpen, StatusEmpty, ConditionOrderExpired, "Opening order expired without fill"},

	{StatusOpen, StatusPendingRoll, ConditionRollStarted, "Roll close leg submitted"},
	{StatusOpen, StatusPendingClose, ConditionCloseStarted, "Standalone close submitted"},
	{StatusOpen, StatusClosed, ConditionExpiredWorthless, "Leg expired worthless at the broker"},

	{StatusPendingRoll, StatusOpen, ConditionRollComplete, "Both roll legs confirmed filled"},
	{StatusPendingRoll, StatusPendingOpen, ConditionRollLegFailed, "Close filled but reopen rejected; slot unhedged"},
	{StatusPendingRoll, StatusOpen, ConditionRollAborted, "Close leg rejected; original leg still live"},

	{StatusPendingClose, StatusClosed, ConditionOrderFilled, "Closing order filled"},
	{StatusPendingClose, StatusOpen, ConditionOrderRejected, "Closing order rejected; leg still live"},

	{StatusClosed, StatusEmpty, ConditionWindowAdvanced, "Window advanced past this slot"},

	{StatusPendingOpen, StatusHalted, ConditionInvariantViolation, "Slot frozen for manual intervention"},
	{StatusOpen, StatusHalted, ConditionInvariantViolation, "Slot frozen for manual intervention"},
	{StatusPendingRoll, StatusHalted, ConditionInvariantViolation, "Slot frozen for manual intervention"},
	{StatusPendingClose, StatusHalted, ConditionInvariantViolation, "Slot frozen for manual intervention"},

	{StatusHalted, StatusEmpty, ConditionManualIntervention, "Operator cleared the slot"},
}

// SlotMachine manages status transitions for a single slot's leg.
type SlotMachine struct {
	transitionTime  time.Time
	transitionCount map[PositionStatus]int
	currentStatus   PositionStatus
	previousStatus  PositionStatus
}

// NewSlotMachine creates a slot machine starting at StatusEmpty.
func NewSlotMachine() *SlotMachine {
	return NewSlotMachineFromStatus(StatusEmpty)
}

// NewSlotMachineFromStatus rehydrates a slot machine at a known status.
func NewSlotMachineFromStatus(status PositionStatus) *SlotMachine {
	if status == "" {
		status = StatusEmpty
	}
	return &SlotMachine{
		currentStatus:   status,
		previousStatus:  status,
		transitionTime:  time.Now().UTC(),
		transitionCount: make(map[PositionStatus]int),
	}
}

// CurrentStatus returns the current status.
func (sm *SlotMachine) CurrentStatus() PositionStatus {
	return sm.currentStatus
}

// PreviousStatus returns the status before the last transition.
func (sm *SlotMachine) PreviousStatus() PositionStatus {
	return sm.previousStatus
}

// IsValidTransition checks whether moving to the target status under the
// given condition is defined in ValidTransitions.
func (sm *SlotMachine) IsValidTransition(to PositionStatus, condition string) error {
	for _, t := range ValidTransitions {
		if t.From == sm.currentStatus && t.To == to && t.Condition == condition {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s with condition %q",
		sm.currentStatus, to, condition)
}

// Transition moves to a new status after validation.
func (sm *SlotMachine) Transition(to PositionStatus, condition string) error {
	if err := sm.IsValidTransition(to, condition); err != nil {
		return err
	}
	sm.previousStatus = sm.currentStatus
	sm.currentStatus = to
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount[to]++
	return nil
}

// TransitionCount returns how many times the slot entered a status.
func (sm *SlotMachine) TransitionCount(status PositionStatus) int {
	return sm.transitionCount[status]
}

// IsTerminal reports whether the slot can take no further automated action.
func (sm *SlotMachine) IsTerminal() bool {
	return sm.currentStatus == StatusHalted
}

// IsWorking reports whether an order is in flight for this slot.
func (sm *SlotMachine) IsWorking() bool {
	switch sm.currentStatus {
	case StatusPendingOpen, StatusPendingRoll, StatusPendingClose:
		return true
	default:
		return false
	}
}

// StatusDescription returns a human-readable description of the current status.
func (sm *SlotMachine) StatusDescription() string {
	switch sm.currentStatus {
	case StatusEmpty:
		return "Slot empty, eligible for a new short leg"
	case StatusPendingOpen:
		return "Opening order working, waiting for fill"
	case StatusOpen:
		return "Short leg live, collecting premium"
	case StatusPendingRoll:
		return "Rolling: close and reopen in flight"
	case StatusPendingClose:
		return "Closing order working"
	case StatusClosed:
		return "Leg closed, slot recycles on window advance"
	case StatusHalted:
		return "Halted: invariant violation, manual intervention required"
	default:
		return "Unknown status"
	}
}

// ValidateConsistency ensures the machine's bookkeeping is coherent.
func (sm *SlotMachine) ValidateConsistency() error {
	total := 0
	for _, c := range sm.transitionCount {
		total += c
	}
	if total == 0 && sm.currentStatus == sm.previousStatus {
		return nil
	}
	if sm.transitionTime.IsZero() && total > 0 {
		return fmt.Errorf("missing transition time after %d transitions", total)
	}
	if sm.currentStatus == sm.previousStatus && sm.transitionCount[sm.currentStatus] == 0 && total > 0 {
		return fmt.Errorf("current and previous status both %s but no transition recorded", sm.currentStatus)
	}
	return nil
}

// Copy creates a deep copy of the SlotMachine.
func (sm *SlotMachine) Copy() *SlotMachine {
	if sm == nil {
		return nil
	}
	cp := &SlotMachine{
		currentStatus:  sm.currentStatus,
		previousStatus: sm.previousStatus,
		transitionTime: sm.transitionTime,
	}
	cp.transitionCount = make(map[PositionStatus]int, len(sm.transitionCount))
	for k, v := range sm.transitionCount {
		cp.transitionCount[k] = v
	}
	return cp
}
