// Package storage persists the bot's observable state: slot legs, the
// decision journal, reports, and premium statistics. The broker remains the
// source of truth for positions; this file exists for dashboards and
// post-mortems, not recovery.
package storage

import (
	"time"

	"github.com/eddiefleurent/wheelhouse/internal/models"
	"github.com/eddiefleurent/wheelhouse/internal/schedule"
)

// JournalEntry records one executed (non-HOLD) decision.
type JournalEntry struct {
	Time         time.Time     `json:"time"`
	SlotID       int           `json:"slot_id"`
	Action       models.Action `json:"action"`
	Reason       string        `json:"reason"`
	OptionSymbol string        `json:"option_symbol,omitempty"`
	Side         models.Side   `json:"side,omitempty"`
	Strike       float64       `json:"strike,omitempty"`
	Expiration   time.Time     `json:"expiration,omitempty"`
	// Credit is the premium received in dollars, net of any close debit.
	Credit float64 `json:"credit"`
}

// Stats aggregates the journal for reporting.
type Stats struct {
	TotalPremium float64 `json:"total_premium"`
	Opens        int     `json:"opens"`
	Rolls        int     `json:"rolls"`
	Closes       int     `json:"closes"`
}

// Snapshot is the full persisted state, returned by value for safe
// concurrent reads.
type Snapshot struct {
	UpdatedAt time.Time                `json:"updated_at"`
	Positions map[int]models.Position  `json:"positions"`
	Window    []schedule.Slot          `json:"window"`
	Journal   []JournalEntry           `json:"journal"`
	Reports   []models.Report          `json:"reports"`
}

// Interface is the persistence boundary consumed by the bot and dashboard.
type Interface interface {
	// SetSlots replaces the persisted slot legs and window and saves.
	SetSlots(positions map[int]*models.Position, window []schedule.Slot) error
	// AppendJournal records an executed decision and saves.
	AppendJournal(entry JournalEntry) error
	// AppendReports records cycle reports and saves.
	AppendReports(reports []models.Report) error
	// Stats aggregates the journal.
	Stats() Stats
	// Snapshot returns a copy of the persisted state.
	Snapshot() Snapshot
}
