package core

import "github.com/signalsfoundry/stellarbot/model"

// DefaultTrailLength is how many past positions a trail keeps.
const DefaultTrailLength = 120

// Trails keeps a bounded history of recent positions per satellite, oldest
// first.
type Trails struct {
	max    int
	points map[model.SatelliteID][]model.Position
}

// NewTrails returns trails capped at maxLen points each. maxLen <= 0 selects
// DefaultTrailLength.
func NewTrails(maxLen int) *Trails {
	if maxLen <= 0 {
		maxLen = DefaultTrailLength
	}
	return &Trails{
		max:    maxLen,
		points: make(map[model.SatelliteID][]model.Position),
	}
}

// Record appends the latest position of every satellite in positions and
// forgets satellites that are no longer present.
func (t *Trails) Record(positions map[model.SatelliteID]model.Position) {
	for id := range t.points {
		if _, ok := positions[id]; !ok {
			delete(t.points, id)
		}
	}
	for id, pos := range positions {
		trail := append(t.points[id], pos)
		if len(trail) > t.max {
			trail = trail[len(trail)-t.max:]
		}
		t.points[id] = trail
	}
}

// Trail returns a copy of one satellite's trail.
func (t *Trails) Trail(id model.SatelliteID) []model.Position {
	src := t.points[id]
	if len(src) == 0 {
		return nil
	}
	out := make([]model.Position, len(src))
	copy(out, src)
	return out
}

// MaxLen returns the per-satellite cap.
func (t *Trails) MaxLen() int { return t.max }

// Forget drops one satellite's trail.
func (t *Trails) Forget(id model.SatelliteID) {
	delete(t.points, id)
}

// Reset drops every trail.
func (t *Trails) Reset() {
	clear(t.points)
}
