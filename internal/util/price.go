// Package util provides tick-size price arithmetic shared by the
// strategy and execution layers.
package util

import "math"

// RoundToTick rounds x to the nearest multiple of tick. Option premiums
// trade in fixed increments, so every price sent to the broker passes
// through here first. A non-positive tick returns x unchanged.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Round(x/tick) * tick
}
