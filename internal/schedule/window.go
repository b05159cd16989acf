// Package schedule owns the rolling window of weekly expiration slots.
package schedule

import (
	"fmt"
	"sort"
	"time"
)

const weekly = 7 * 24 * time.Hour

// Slot pairs a stable slot id with its current target expiration. Slot ids
// are fixed (0..n-1); rolling the window reassigns the retired slot to the
// new trailing expiration rather than allocating new ids.
type Slot struct {
	ID         int       `json:"id"`
	Expiration time.Time `json:"expiration"`
}

// Window is the ordered set of weekly slots, earliest first.
type Window struct {
	slots []Slot
}

// NewWindow builds a window of size slots with strictly increasing weekly
// expirations, starting at the first weekly expiration at least one week out.
func NewWindow(now time.Time, size int) (*Window, error) {
	if size <= 0 {
		return nil, fmt.Errorf("window size must be > 0 (got %d)", size)
	}
	first := NextWeeklyExpiration(now)
	slots := make([]Slot, 0, size)
	for i := 0; i < size; i++ {
		slots = append(slots, Slot{ID: i, Expiration: first.Add(time.Duration(i) * weekly)})
	}
	w := &Window{slots: slots}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w, nil
}

// NextWeeklyExpiration returns the first Friday at least seven calendar days
// after now, at UTC midnight.
func NextWeeklyExpiration(now time.Time) time.Time {
	d := now.UTC().Truncate(24 * time.Hour).AddDate(0, 0, 7)
	for d.Weekday() != time.Friday {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// Size returns the number of slots.
func (w *Window) Size() int {
	return len(w.slots)
}

// Slots returns a copy of the slots, earliest expiration first.
func (w *Window) Slots() []Slot {
	out := make([]Slot, len(w.slots))
	copy(out, w.slots)
	return out
}

// Slot returns the slot with the given id.
func (w *Window) Slot(id int) (Slot, bool) {
	for _, s := range w.slots {
		if s.ID == id {
			return s, true
		}
	}
	return Slot{}, false
}

// Earliest returns the nearest-expiring slot.
func (w *Window) Earliest() Slot {
	return w.slots[0]
}

// Farthest returns the farthest-expiring slot.
func (w *Window) Farthest() Slot {
	return w.slots[len(w.slots)-1]
}

// Rank returns the position of a slot in the window ordered by expiration
// (0 = nearest), or -1 if the id is unknown.
func (w *Window) Rank(id int) int {
	for i, s := range w.slots {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// SlotAfter returns the slot expiring next after the given expiration, used
// to pick the landing slot for a roll. ok is false past the window's far end.
func (w *Window) SlotAfter(expiration time.Time) (Slot, bool) {
	for _, s := range w.slots {
		if s.Expiration.After(expiration) {
			return s, true
		}
	}
	return Slot{}, false
}

// retire reassigns the earliest slot to one week past the farthest and
// re-sorts. The slot keeps its id.
func (w *Window) retire() Slot {
	retired := w.slots[0]
	w.slots[0].Expiration = w.Farthest().Expiration.Add(weekly)
	sort.Slice(w.slots, func(i, j int) bool {
		return w.slots[i].Expiration.Before(w.slots[j].Expiration)
	})
	return retired
}

// Validate enforces the window invariant: a full set of slots with strictly
// increasing expirations exactly one week apart.
func (w *Window) Validate() error {
	if len(w.slots) == 0 {
		return fmt.Errorf("window has no slots")
	}
	seen := make(map[int]bool, len(w.slots))
	for i, s := range w.slots {
		if seen[s.ID] {
			return fmt.Errorf("duplicate slot id %d", s.ID)
		}
		seen[s.ID] = true
		if i == 0 {
			continue
		}
		gap := s.Expiration.Sub(w.slots[i-1].Expiration)
		if gap != weekly {
			return fmt.Errorf("slots %d and %d are %s apart, want exactly one week",
				w.slots[i-1].ID, s.ID, gap)
		}
	}
	return nil
}
