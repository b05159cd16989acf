package mock

import (
	"math"
	"time"

	"github.com/eddiefleurent/wheelhouse/internal/broker"
)

// Pricing assumptions for the synthetic chain. A flat vol surface is plenty
// for paper trading a single underlying.
const (
	syntheticVol = 0.35
	strikeStep   = 0.5
	strikeBand   = 0.25
	minPremium   = 0.01
	halfSpread   = 0.01
	baseOpenInt  = 1500
)

// Chain generates a two-sided synthetic chain for one expiration: half-dollar
// strikes within ±25% of spot, priced with a flat-vol Black-Scholes model.
func Chain(symbol string, spot float64, expiration, now time.Time, withGreeks bool) []broker.Option {
	t := yearsTo(now, expiration)
	expDate := expiration.Format("2006-01-02")

	lo := math.Ceil(spot * (1 - strikeBand) / strikeStep) * strikeStep
	hi := spot * (1 + strikeBand)

	var out []broker.Option
	for strike := lo; strike <= hi; strike += strikeStep {
		for _, side := range []broker.OptionType{broker.OptionTypePut, broker.OptionTypeCall} {
			mid := midPrice(spot, strike, side, t)
			bid := mid - halfSpread
			if bid < minPremium {
				bid = minPremium
			}
			o := broker.Option{
				Symbol:         broker.BuildOptionSymbol(symbol, expiration, side, strike),
				OptionType:     string(side),
				ExpirationDate: expDate,
				Underlying:     symbol,
				Strike:         strike,
				Bid:            bid,
				Ask:            mid + halfSpread,
				Last:           mid,
				OpenInterest:   openInterest(spot, strike),
				Volume:         openInterest(spot, strike) / 4,
			}
			if withGreeks {
				o.Greeks = &broker.Greeks{
					UpdatedAt: now.Format(time.RFC3339),
					Delta:     delta(spot, strike, side, t),
					MidIV:     syntheticVol,
				}
			}
			out = append(out, o)
		}
	}
	return out
}

// delta returns the signed Black-Scholes delta.
func delta(spot, strike float64, side broker.OptionType, t float64) float64 {
	d1 := d1(spot, strike, t)
	if side == broker.OptionTypeCall {
		return cdf(d1)
	}
	return cdf(d1) - 1
}

// midPrice returns the zero-rate Black-Scholes value, floored at one cent.
func midPrice(spot, strike float64, side broker.OptionType, t float64) float64 {
	d1v := d1(spot, strike, t)
	d2v := d1v - syntheticVol*math.Sqrt(t)
	var v float64
	if side == broker.OptionTypeCall {
		v = spot*cdf(d1v) - strike*cdf(d2v)
	} else {
		v = strike*cdf(-d2v) - spot*cdf(-d1v)
	}
	if v < minPremium {
		v = minPremium
	}
	return math.Round(v*100) / 100
}

func d1(spot, strike, t float64) float64 {
	return (math.Log(spot/strike) + 0.5*syntheticVol*syntheticVol*t) / (syntheticVol * math.Sqrt(t))
}

func cdf(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

// openInterest thins out away from the money, so liquidity filters have
// something to reject.
func openInterest(spot, strike float64) int64 {
	distance := math.Abs(strike-spot) / spot
	oi := int64(float64(baseOpenInt) * math.Exp(-8*distance))
	if oi < 10 {
		oi = 10
	}
	return oi
}
