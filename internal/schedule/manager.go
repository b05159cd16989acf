package schedule

import (
	"log"
	"time"

	"github.com/eddiefleurent/wheelhouse/internal/models"
)

// Manager maintains the window invariant across decision cycles: when the
// nearest slot's leg is closed or expired with nothing open, the slot is
// retired and reassigned one week past the far end.
type Manager struct {
	window *Window
	logger *log.Logger
}

// AdvanceEvent records one window rotation for reporting.
type AdvanceEvent struct {
	SlotID        int
	OldExpiration time.Time
	NewExpiration time.Time
}

// NewManager creates a schedule manager with a fresh window.
func NewManager(now time.Time, size int, logger *log.Logger) (*Manager, error) {
	w, err := NewWindow(now, size)
	if err != nil {
		return nil, err
	}
	return &Manager{window: w, logger: logger}, nil
}

// Window returns the managed window.
func (m *Manager) Window() *Window {
	return m.window
}

// Advance rotates the window forward while the earliest slot is done. A slot
// is done when its leg is closed, or when its target expiration has passed
// and no leg is live. Closed legs are recycled to empty as their slot rotates.
func (m *Manager) Advance(now time.Time, positions map[int]*models.Position) []AdvanceEvent {
	var events []AdvanceEvent

	for i := 0; i < m.window.Size(); i++ {
		earliest := m.window.Earliest()
		pos := positions[earliest.ID]
		if !m.slotDone(now, earliest, pos) {
			break
		}

		old := earliest.Expiration
		m.window.retire()
		refreshed, _ := m.window.Slot(earliest.ID)
		events = append(events, AdvanceEvent{
			SlotID:        earliest.ID,
			OldExpiration: old,
			NewExpiration: refreshed.Expiration,
		})
		m.logger.Printf("Window advanced: slot %d retired (%s), reassigned to %s",
			earliest.ID, old.Format("2006-01-02"), refreshed.Expiration.Format("2006-01-02"))

		if pos != nil && pos.CurrentStatus() == models.StatusClosed {
			if err := pos.TransitionStatus(models.StatusEmpty, models.ConditionWindowAdvanced); err != nil {
				m.logger.Printf("Warning: failed to recycle slot %d leg: %v", earliest.ID, err)
			}
		}
	}
	return events
}

// slotDone reports whether the earliest slot is eligible for retirement.
func (m *Manager) slotDone(now time.Time, slot Slot, pos *models.Position) bool {
	if pos == nil || pos.CurrentStatus() == models.StatusEmpty {
		// Nothing open: retire only once the target date has passed.
		return now.UTC().After(slot.Expiration.Add(24 * time.Hour))
	}
	switch pos.CurrentStatus() {
	case models.StatusClosed:
		return true
	case models.StatusHalted:
		// Halted slots are frozen for manual intervention; never rotate past
		// them automatically.
		return false
	default:
		// A live or pending leg past expiration still needs the broker's
		// expiry report before the slot can rotate.
		return false
	}
}
