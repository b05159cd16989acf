// Package util holds small shared helpers.
package util

import "math"

// FloorToTick rounds a price down to the nearest tick.
func FloorToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Floor(price/tick+1e-9) * tick
}

// CeilToTick rounds a price up to the nearest tick.
func CeilToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Ceil(price/tick-1e-9) * tick
}

// RoundToTick rounds a price to the nearest tick.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Round(price/tick) * tick
}
