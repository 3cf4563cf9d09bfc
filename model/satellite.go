package model

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// SatelliteID identifies a satellite within a fleet. IDs are handed out by
// the fleet itself and are never reused while that fleet lives.
type SatelliteID int

// String renders the ID the way overlays label satellites ("S3").
func (id SatelliteID) String() string {
	return "S" + strconv.Itoa(int(id))
}

// Position is a point in the body-centred plane, in kilometres.
type Position struct {
	X float64
	Y float64
}

// DistanceTo returns the straight-line distance between two points.
func (p Position) DistanceTo(other Position) float64 {
	dx := p.X - other.X
	dy := p.Y - other.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// Norm returns the distance from the body centre.
func (p Position) Norm() float64 {
	return math.Sqrt(p.X*p.X + p.Y*p.Y)
}

// TimeModel selects which orbit view drives a satellite's reported position.
type TimeModel int

const (
	// LogicalTime positions satellites from their step-driven angle.
	LogicalTime TimeModel = iota
	// ContinuousTime positions satellites from elapsed clock time since the
	// fleet epoch.
	ContinuousTime
)

func (m TimeModel) String() string {
	switch m {
	case LogicalTime:
		return "logical"
	case ContinuousTime:
		return "continuous"
	default:
		return fmt.Sprintf("TimeModel(%d)", int(m))
	}
}

// ParseTimeModel accepts "logical" or "continuous" (case-insensitive).
// An empty string selects LogicalTime.
func ParseTimeModel(s string) (TimeModel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "logical", "discrete":
		return LogicalTime, nil
	case "continuous", "realtime", "real-time":
		return ContinuousTime, nil
	default:
		return LogicalTime, fmt.Errorf("unknown time model %q", s)
	}
}
