// Package monitor tracks the delta of live short legs and classifies them for
// the decision engine.
package monitor

import (
	"log"
	"math"
	"time"

	"github.com/eddiefleurent/wheelhouse/internal/broker"
	"github.com/eddiefleurent/wheelhouse/internal/models"
)

// Classification is the per-leg delta verdict for one cycle.
type Classification string

const (
	// InRange means the leg's delta is below the roll threshold.
	InRange Classification = "in_range"
	// NearMoney means the leg's delta breached the roll threshold.
	NearMoney Classification = "near_money"
	// Stale means the last delta observation is too old to act on.
	Stale Classification = "stale"
)

// Monitor classifies live legs against the roll threshold.
type Monitor struct {
	threshold float64
	maxAge    time.Duration
	logger    *log.Logger
}

// New creates a delta monitor. threshold is the absolute delta above which a
// leg is considered near the money; maxAge bounds how old an observation may
// be before the leg is excluded from roll logic.
func New(threshold float64, maxAge time.Duration, logger *log.Logger) *Monitor {
	return &Monitor{threshold: threshold, maxAge: maxAge, logger: logger}
}

// Refresh updates a leg's delta from the chain's greeks, keeping the sign
// (put legs carry negative delta). Returns true when a fresh observation was
// recorded. Legs whose contract is absent from the chain (or listed without
// greeks) keep their previous observation and age out naturally.
func (m *Monitor) Refresh(pos *models.Position, options []broker.Option, now time.Time) bool {
	if pos == nil || pos.OptionSymbol == "" {
		return false
	}
	for i := range options {
		o := &options[i]
		if o.Symbol != pos.OptionSymbol {
			continue
		}
		if o.Greeks == nil {
			m.logger.Printf("Slot %d: chain lists %s without greeks, keeping stale delta", pos.SlotID, pos.OptionSymbol)
			return false
		}
		pos.Delta = o.Greeks.Delta
		pos.DeltaUpdatedAt = now.UTC()
		return true
	}
	m.logger.Printf("Slot %d: %s not found in chain, keeping stale delta", pos.SlotID, pos.OptionSymbol)
	return false
}

// Classify returns the leg's verdict. Stale legs also return a
// StaleMarketDataError so callers can surface the exclusion.
func (m *Monitor) Classify(pos *models.Position, now time.Time) (Classification, error) {
	if pos.DeltaIsStale(now, m.maxAge) {
		var age time.Duration
		if !pos.DeltaUpdatedAt.IsZero() {
			age = now.Sub(pos.DeltaUpdatedAt)
		}
		return Stale, &models.StaleMarketDataError{SlotID: pos.SlotID, Age: age}
	}
	if math.Abs(pos.Delta) >= m.threshold {
		return NearMoney, nil
	}
	return InRange, nil
}

// Threshold returns the configured roll threshold.
func (m *Monitor) Threshold() float64 {
	return m.threshold
}
