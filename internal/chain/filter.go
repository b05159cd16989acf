// Package chain narrows a raw option chain down to sellable contracts and
// ranks them against the cycle's target delta.
package chain

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/eddiefleurent/wheelhouse/internal/broker"
	"github.com/eddiefleurent/wheelhouse/internal/models"
)

const contractMultiplier = 100.0

// Criteria holds the liquidity and strike constraints applied to every chain.
type Criteria struct {
	// MinOpenInterest rejects contracts with thinner open interest.
	MinOpenInterest int64
	// MaxSpreadPct rejects contracts whose bid/ask spread exceeds this
	// fraction of the midpoint.
	MaxSpreadPct float64
	// StrikeBandPct keeps strikes within this fraction of spot.
	StrikeBandPct float64
	// ExpiryToleranceDays allows listed expirations this many days off the
	// slot's target date.
	ExpiryToleranceDays int
}

// Candidate is one sellable contract with its ranking inputs.
type Candidate struct {
	Spec         models.ContractSpec `json:"spec"`
	OpenInterest int64               `json:"open_interest"`
	SpreadPct    float64             `json:"spread_pct"`
	// Premium is the credit in dollars for one contract at the midpoint.
	Premium float64 `json:"premium"`
	// CashRequired is the collateral to secure one short put; zero for calls,
	// which are covered by held shares.
	CashRequired float64 `json:"cash_required"`
	// Score is the absolute distance from the target delta; lower is better.
	Score float64 `json:"score"`
}

// Filter applies one Criteria to chains.
type Filter struct {
	c Criteria
}

// New creates a chain filter.
func New(c Criteria) *Filter {
	return &Filter{c: c}
}

// SelectExpiration picks the listed expiration closest to the slot's target
// date, within tolerance. Ties go to the later date so rolls never shorten
// the window.
func (f *Filter) SelectExpiration(available []time.Time, target time.Time) (time.Time, bool) {
	var best time.Time
	bestDist := math.MaxInt32
	found := false
	for _, exp := range available {
		dist := daysApart(exp, target)
		if dist > f.c.ExpiryToleranceDays {
			continue
		}
		if !found || dist < bestDist || (dist == bestDist && exp.After(best)) {
			best, bestDist, found = exp, dist, true
		}
	}
	return best, found
}

// Candidates filters the chain for one side and expiration and returns the
// survivors sorted by delta distance, best first.
func (f *Filter) Candidates(options []broker.Option, side models.Side, expiration time.Time, spot, targetDelta float64) []Candidate {
	expDate := expiration.UTC().Format("2006-01-02")
	var out []Candidate
	for i := range options {
		o := &options[i]
		if o.OptionType != string(side) || o.ExpirationDate != expDate {
			continue
		}
		if !f.strikeEligible(o.Strike, spot, side) {
			continue
		}
		if o.Greeks == nil {
			continue
		}
		if o.OpenInterest < f.c.MinOpenInterest || o.SpreadPct() > f.c.MaxSpreadPct {
			continue
		}
		mid := o.MidPrice()
		if mid <= 0 {
			continue
		}
		cand := Candidate{
			Spec: models.ContractSpec{
				OptionSymbol: o.Symbol,
				Side:         side,
				Strike:       o.Strike,
				Expiration:   expiration,
				MidPrice:     mid,
				// Signed: puts carry negative delta through to the position.
				Delta: o.Greeks.Delta,
			},
			OpenInterest: o.OpenInterest,
			SpreadPct:    o.SpreadPct(),
			Premium:      mid * contractMultiplier,
			Score:        math.Abs(math.Abs(o.Greeks.Delta) - targetDelta),
		}
		if side == models.SidePut {
			cand.CashRequired = o.Strike * contractMultiplier
		}
		out = append(out, cand)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		// Equal distance: prefer the richer premium.
		return out[i].Premium > out[j].Premium
	})
	return out
}

// Best returns the top-ranked candidate for a slot, or NoEligibleContractError
// when nothing in the chain passes the constraints. Cash-secured puts are also
// rejected when the account cannot secure them.
func (f *Filter) Best(slotID int, options []broker.Option, side models.Side, expiration time.Time, spot, targetDelta, availableCash float64) (*Candidate, error) {
	cands := f.Candidates(options, side, expiration, spot, targetDelta)
	if len(cands) == 0 {
		return nil, &models.NoEligibleContractError{
			SlotID:     slotID,
			Expiration: expiration,
			Reason: fmt.Sprintf("no %s passed liquidity (oi>=%d, spread<=%.0f%%) and strike band (±%.0f%% of %.2f)",
				side, f.c.MinOpenInterest, f.c.MaxSpreadPct*100, f.c.StrikeBandPct*100, spot),
		}
	}
	if side == models.SidePut {
		minCollateral := cands[0].CashRequired
		for i := range cands {
			if cands[i].CashRequired <= availableCash {
				return &cands[i], nil
			}
			if cands[i].CashRequired < minCollateral {
				minCollateral = cands[i].CashRequired
			}
		}
		return nil, &models.NoEligibleContractError{
			SlotID:     slotID,
			Expiration: expiration,
			Reason: fmt.Sprintf("cheapest eligible put needs $%.0f collateral, only $%.0f available",
				minCollateral, availableCash),
		}
	}
	return &cands[0], nil
}

// strikeEligible enforces clean strikes near spot: whole or half dollar
// increments within the configured band, and out of the money for the side.
func (f *Filter) strikeEligible(strike, spot float64, side models.Side) bool {
	if strike <= 0 || spot <= 0 {
		return false
	}
	if math.Abs(strike-spot) > spot*f.c.StrikeBandPct {
		return false
	}
	if side == models.SidePut && strike > spot {
		return false
	}
	if side == models.SideCall && strike < spot {
		return false
	}
	frac := strike - math.Floor(strike)
	return frac < 1e-6 || math.Abs(frac-0.5) < 1e-6
}

func daysApart(a, b time.Time) int {
	d := a.UTC().Truncate(24*time.Hour).Sub(b.UTC().Truncate(24*time.Hour)) / (24 * time.Hour)
	if d < 0 {
		d = -d
	}
	return int(d)
}
