package sim

import "math"

// Spot is a diffraction-limited emitter.
type Spot struct {
	X, Y  float64
	Sigma float64 // mm
	Peak  float64 // counts/s at the centre
}

// Spots returns a Sample of Gaussian spots on a constant background.
func Spots(background float64, spots ...Spot) Sample {
	return func(x, y float64) float64 {
		rate := background
		for _, s := range spots {
			dx, dy := x-s.X, y-s.Y
			rate += s.Peak * math.Exp(-(dx*dx+dy*dy)/(2*s.Sigma*s.Sigma))
		}
		return rate
	}
}

// Uniform returns a Sample with the same rate everywhere.
func Uniform(rate float64) Sample {
	return func(float64, float64) float64 { return rate }
}
