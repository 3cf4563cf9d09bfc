package core

import (
	"math"

	"github.com/signalsfoundry/stellarbot/model"
)

// EarthRadiusKm is the mean Earth radius used as the default body radius
// (kilometres).
const EarthRadiusKm = 6371.0

const fullTurnDeg = 360.0

// NormalizeDegrees wraps an angle into [0, 360).
func NormalizeDegrees(deg float64) float64 {
	a := math.Mod(deg, fullTurnDeg)
	if a < 0 {
		a += fullTurnDeg
	}
	// -tiny + 360 rounds up to 360.
	if a >= fullTurnDeg {
		a = 0
	}
	return a
}

// PolarToPlane converts a radius and an angle in degrees into a point in the
// body-centred plane.
func PolarToPlane(radius, angleDeg float64) model.Position {
	theta := angleDeg * math.Pi / 180.0
	return model.Position{
		X: radius * math.Cos(theta),
		Y: radius * math.Sin(theta),
	}
}

// linspace returns n evenly spaced samples over [lo, hi], endpoints included.
// A single sample sits at lo.
func linspace(lo, hi float64, n int) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = lo
		return out
	}
	step := (hi - lo) / float64(n-1)
	for i := 0; i < n-1; i++ {
		out[i] = lo + float64(i)*step
	}
	out[n-1] = hi
	return out
}

func positiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 1)
}
