package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrBrokerDisconnected is returned when the broker cannot be reached; the
// evaluation loop goes HOLD-only until connectivity is restored.
var ErrBrokerDisconnected = errors.New("broker disconnected")

// NoEligibleContractError is recoverable: the slot is held this cycle and
// retried on the next one.
type NoEligibleContractError struct {
	SlotID     int
	Expiration time.Time
	Reason     string
}

func (e *NoEligibleContractError) Error() string {
	return fmt.Sprintf("slot %d: no eligible contract for %s: %s",
		e.SlotID, e.Expiration.Format("2006-01-02"), e.Reason)
}

// StaleMarketDataError is recoverable: the affected leg is excluded from roll
// logic until fresh data arrives.
type StaleMarketDataError struct {
	SlotID int
	Age    time.Duration
}

func (e *StaleMarketDataError) Error() string {
	if e.Age <= 0 {
		return fmt.Sprintf("slot %d: no delta observation yet", e.SlotID)
	}
	return fmt.Sprintf("slot %d: delta observation is %s old", e.SlotID, e.Age.Round(time.Second))
}

// PartialRollFailureError is surfaced when a roll's close leg filled but the
// reopen was rejected, leaving the slot temporarily unhedged.
type PartialRollFailureError struct {
	SlotID       int
	CloseOrderID string
	OpenOrderID  string
	Reason       string
}

func (e *PartialRollFailureError) Error() string {
	return fmt.Sprintf("slot %d: partial roll failure (close %s filled, open %s failed): %s",
		e.SlotID, e.CloseOrderID, e.OpenOrderID, e.Reason)
}

// InvariantViolationError is fatal to the affected slot only; the slot is
// halted and surfaced for manual intervention.
type InvariantViolationError struct {
	SlotID int
	Detail string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("slot %d: invariant violation: %s", e.SlotID, e.Detail)
}

// ReportLevel classifies a report entry.
type ReportLevel string

const (
	// ReportInfo records a non-HOLD decision or routine event.
	ReportInfo ReportLevel = "info"
	// ReportWarning records a recoverable error condition.
	ReportWarning ReportLevel = "warning"
	// ReportFatal records a per-slot invariant violation.
	ReportFatal ReportLevel = "fatal"
)

// Report is one user-visible record of a decision or error condition,
// carrying enough context to reconstruct the call offline.
type Report struct {
	Time    time.Time   `json:"time"`
	SlotID  int         `json:"slot_id"`
	Level   ReportLevel `json:"level"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

// NewReport builds a report entry stamped with the current UTC time.
func NewReport(slotID int, level ReportLevel, code, message string) Report {
	return Report{
		Time:    time.Now().UTC(),
		SlotID:  slotID,
		Level:   level,
		Code:    code,
		Message: message,
	}
}
