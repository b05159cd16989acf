package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/eddiefleurent/wheelhouse/internal/models"
	"github.com/eddiefleurent/wheelhouse/internal/schedule"
)

const maxReports = 500

// JSONStore persists state to a single JSON file. Saves are atomic: write to
// a temp file in the same directory, fsync, then rename over the target.
type JSONStore struct {
	mu    sync.RWMutex
	path  string
	state Snapshot
}

var _ Interface = (*JSONStore)(nil)

// NewJSONStore opens or creates the store at path.
func NewJSONStore(path string) (*JSONStore, error) {
	s := &JSONStore{
		path: path,
		state: Snapshot{
			Positions: make(map[int]models.Position),
		},
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	if err := json.Unmarshal(data, &s.state); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", path, err)
	}
	if s.state.Positions == nil {
		s.state.Positions = make(map[int]models.Position)
	}
	return s, nil
}

// SetSlots replaces the persisted slot legs and window and saves.
func (s *JSONStore) SetSlots(positions map[int]*models.Position, window []schedule.Slot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Positions = make(map[int]models.Position, len(positions))
	for id, pos := range positions {
		if pos != nil {
			s.state.Positions[id] = *pos
		}
	}
	s.state.Window = append([]schedule.Slot(nil), window...)
	return s.saveLocked()
}

// AppendJournal records an executed decision and saves.
func (s *JSONStore) AppendJournal(entry JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Journal = append(s.state.Journal, entry)
	return s.saveLocked()
}

// AppendReports records cycle reports and saves, keeping the most recent
// maxReports entries.
func (s *JSONStore) AppendReports(reports []models.Report) error {
	if len(reports) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Reports = append(s.state.Reports, reports...)
	if n := len(s.state.Reports); n > maxReports {
		s.state.Reports = append([]models.Report(nil), s.state.Reports[n-maxReports:]...)
	}
	return s.saveLocked()
}

// Stats aggregates the journal.
func (s *JSONStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	for _, e := range s.state.Journal {
		st.TotalPremium += e.Credit
		switch e.Action {
		case models.ActionOpen:
			st.Opens++
		case models.ActionRoll:
			st.Rolls++
		case models.ActionClose:
			st.Closes++
		}
	}
	return st
}

// Snapshot returns a copy of the persisted state.
func (s *JSONStore) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := Snapshot{
		UpdatedAt: s.state.UpdatedAt,
		Positions: make(map[int]models.Position, len(s.state.Positions)),
		Window:    append([]schedule.Slot(nil), s.state.Window...),
		Journal:   append([]JournalEntry(nil), s.state.Journal...),
		Reports:   append([]models.Report(nil), s.state.Reports...),
	}
	for id, pos := range s.state.Positions {
		out.Positions[id] = pos
	}
	return out
}

// saveLocked writes the state atomically. Callers hold the write lock.
func (s *JSONStore) saveLocked() error {
	s.state.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".wheelhouse-state-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
