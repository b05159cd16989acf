// Package rebalance maps the portfolio's cash/equity imbalance onto the
// strategy's tunables: which option side to sell and how close to the money.
// Everything here is a pure function of the inputs so policy can be unit
// tested without a broker.
package rebalance

import (
	"math"
	"time"

	"github.com/eddiefleurent/wheelhouse/internal/models"
)

// SidePreference says which side new legs should favor this cycle.
type SidePreference string

const (
	// PreferPut sells cash-secured puts (cash-heavy portfolio).
	PreferPut SidePreference = "put"
	// PreferCall sells covered calls (equity-heavy portfolio).
	PreferCall SidePreference = "call"
	// PreferEither allows both sides (inside the neutral band).
	PreferEither SidePreference = "either"
)

// Policy holds the tunables for the bias mapping.
type Policy struct {
	// NeutralBand is the half-width of the bias band where both sides are
	// permissible.
	NeutralBand float64
	// BaseDelta is the short delta targeted at zero bias.
	BaseDelta float64
	// MaxDelta is the short delta targeted at full imbalance.
	MaxDelta float64
}

// Bias returns (held-target)/target clamped to [-1,1]. Negative means
// cash-heavy (favor puts), positive means equity-heavy (favor calls).
func Bias(sharesHeld, targetShares int) float64 {
	if targetShares <= 0 {
		return 0
	}
	b := float64(sharesHeld-targetShares) / float64(targetShares)
	return clamp(b, -1, 1)
}

// SidePreference maps bias to the favored option side.
func (p Policy) SidePreference(bias float64) SidePreference {
	switch {
	case bias < -p.NeutralBand:
		return PreferPut
	case bias > p.NeutralBand:
		return PreferCall
	default:
		return PreferEither
	}
}

// SideFor resolves the preference to a concrete side. Inside the neutral
// band, it leans put at or below zero bias and call above; either choice is
// permissible there.
func (p Policy) SideFor(bias float64) models.Side {
	switch p.SidePreference(bias) {
	case PreferPut:
		return models.SidePut
	case PreferCall:
		return models.SideCall
	default:
		if bias > 0 {
			return models.SideCall
		}
		return models.SidePut
	}
}

// TargetDelta linearly interpolates the target short delta from BaseDelta at
// zero bias to MaxDelta at full imbalance.
func (p Policy) TargetDelta(bias float64) float64 {
	a := math.Abs(clamp(bias, -1, 1))
	return p.BaseDelta + a*(p.MaxDelta-p.BaseDelta)
}

// PreferredSlotRank maps bias magnitude onto a window rank (0 = nearest
// expiration): a balanced portfolio prefers the far end of the window, a
// fully imbalanced one the nearest available slot.
func (p Policy) PreferredSlotRank(bias float64, windowSize int) int {
	if windowSize <= 1 {
		return 0
	}
	a := math.Abs(clamp(bias, -1, 1))
	return int(math.Round((1 - a) * float64(windowSize-1)))
}

// Assessment is the cash/equity breakdown surfaced in reports.
type Assessment struct {
	CashValue      float64 `json:"cash_value"`
	EquityValue    float64 `json:"equity_value"`
	TotalValue     float64 `json:"total_value"`
	EquityRatio    float64 `json:"equity_ratio"`
	CashRatio      float64 `json:"cash_ratio"`
	AllocationBias float64 `json:"allocation_bias"`
}

// IsCashHeavy reports an excess-cash portfolio (under 40% equity).
func (a Assessment) IsCashHeavy() bool { return a.EquityRatio < 0.40 }

// IsEquityHeavy reports an excess-equity portfolio (over 60% equity).
func (a Assessment) IsEquityHeavy() bool { return a.EquityRatio > 0.60 }

// IsBalanced reports a reasonably balanced portfolio (40-60% equity).
func (a Assessment) IsBalanced() bool { return !a.IsCashHeavy() && !a.IsEquityHeavy() }

// Assess breaks a portfolio snapshot down into the ratio view.
func Assess(state models.PortfolioState) Assessment {
	total := state.TotalValue()
	cashRatio := 1.0
	equityRatio := 0.0
	if total > 0 {
		cashRatio = state.CashBalance / total
		equityRatio = state.EquityValue() / total
	}
	return Assessment{
		CashValue:      state.CashBalance,
		EquityValue:    state.EquityValue(),
		TotalValue:     total,
		EquityRatio:    equityRatio,
		CashRatio:      cashRatio,
		AllocationBias: state.AllocationBias,
	}
}

// Snapshot assembles the immutable portfolio state for one decision cycle.
func Snapshot(cash float64, sharesHeld, targetShares int, price float64, asOf time.Time) models.PortfolioState {
	return models.PortfolioState{
		CashBalance:     cash,
		SharesHeld:      sharesHeld,
		TargetShares:    targetShares,
		UnderlyingPrice: price,
		AllocationBias:  Bias(sharesHeld, targetShares),
		AsOf:            asOf.UTC(),
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
