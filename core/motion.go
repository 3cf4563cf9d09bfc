package core

import (
	"fmt"
	"math"
	"strings"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/signalsfoundry/stellarbot/model"
)

// OrbitState is a circular orbit in the body-centred plane, evaluated two
// ways that share altitude and angular speed but nothing else:
//
//   - the logical view, advanced only by StepLogical;
//   - the continuous view, a pure function of elapsed time since epoch.
//
// The views agree only if StepLogical is driven at the same cadence as the
// clock passed to ContinuousPosition. A caller must pick one view per
// satellite for a whole run.
type OrbitState struct {
	altitude     float64 // km from the body centre
	angularSpeed float64 // degrees per second of simulated time

	logicalAngle float64 // [0, 360)

	phase float64 // [0, 360)
	epoch time.Time
}

// NewOrbitState returns an orbit whose logical angle starts at phase.
func NewOrbitState(altitude, angularSpeed, phase float64, epoch time.Time) (*OrbitState, error) {
	if err := ValidateAltitude(altitude); err != nil {
		return nil, err
	}
	if err := ValidateAngularSpeed(angularSpeed); err != nil {
		return nil, err
	}
	if math.IsNaN(phase) || math.IsInf(phase, 0) {
		return nil, fmt.Errorf("phase must be finite, got %v", phase)
	}
	p := NormalizeDegrees(phase)
	return &OrbitState{
		altitude:     altitude,
		angularSpeed: angularSpeed,
		logicalAngle: p,
		phase:        p,
		epoch:        epoch,
	}, nil
}

// StepLogical advances the logical angle by angularSpeed*dt. Non-finite dt
// leaves the angle unchanged.
func (o *OrbitState) StepLogical(dt float64) {
	if math.IsNaN(dt) || math.IsInf(dt, 0) {
		return
	}
	o.logicalAngle = NormalizeDegrees(o.logicalAngle + o.angularSpeed*dt)
}

// LogicalAngle returns the step-driven angle in degrees.
func (o *OrbitState) LogicalAngle() float64 { return o.logicalAngle }

// LogicalPosition returns the step-driven position.
func (o *OrbitState) LogicalPosition() model.Position {
	return PolarToPlane(o.altitude, o.logicalAngle)
}

// ContinuousAngle returns the angle reached at now, counting from epoch.
func (o *OrbitState) ContinuousAngle(now time.Time) float64 {
	elapsed := now.Sub(o.epoch).Seconds()
	return NormalizeDegrees(o.phase + o.angularSpeed*elapsed)
}

// ContinuousPosition returns the position reached at now. It does not
// mutate the orbit.
func (o *OrbitState) ContinuousPosition(now time.Time) model.Position {
	return PolarToPlane(o.altitude, o.ContinuousAngle(now))
}

// Position evaluates the view selected by mode. now is ignored for
// model.LogicalTime.
func (o *OrbitState) Position(mode model.TimeModel, now time.Time) model.Position {
	if mode == model.ContinuousTime {
		return o.ContinuousPosition(now)
	}
	return o.LogicalPosition()
}

// Altitude returns the orbit radius in kilometres.
func (o *OrbitState) Altitude() float64 { return o.altitude }

// AngularSpeed returns degrees per second.
func (o *OrbitState) AngularSpeed() float64 { return o.angularSpeed }

// Phase returns the continuous-view angle at epoch.
func (o *OrbitState) Phase() float64 { return o.phase }

// Epoch returns the instant the continuous view counts from.
func (o *OrbitState) Epoch() time.Time { return o.epoch }

// SetAltitude changes the orbit radius, leaving both angles alone.
func (o *OrbitState) SetAltitude(altitude float64) error {
	if err := ValidateAltitude(altitude); err != nil {
		return err
	}
	o.altitude = altitude
	return nil
}

// ValidateAltitude rejects non-positive or non-finite orbit radii.
func ValidateAltitude(altitude float64) error {
	if !positiveFinite(altitude) {
		return fmt.Errorf("%w: %v", ErrInvalidAltitude, altitude)
	}
	return nil
}

// ValidateAngularSpeed rejects NaN and infinite speeds. Zero and negative
// (retrograde) speeds are allowed.
func ValidateAngularSpeed(speed float64) error {
	if math.IsNaN(speed) || math.IsInf(speed, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidAngularSpeed, speed)
	}
	return nil
}

// ValidateCoverageRadius rejects non-positive or non-finite sensor radii.
func ValidateCoverageRadius(radius float64) error {
	if !positiveFinite(radius) {
		return fmt.Errorf("%w: coverage radius %v", ErrInvalidRadius, radius)
	}
	return nil
}

// OrbitFromTLE propagates a two-line element set with SGP4 to at and
// flattens the resulting state into a circular orbit: the radius is |r|,
// the angular speed is |r x v| / |r|^2 and the phase is the in-plane angle
// of r. The returned orbit's epoch is at.
func OrbitFromTLE(line1, line2 string, at time.Time) (*OrbitState, error) {
	line1 = strings.TrimSpace(line1)
	line2 = strings.TrimSpace(line2)
	if err := checkTLE(line1, line2); err != nil {
		return nil, err
	}

	sat := satellite.TLEToSat(line1, line2, satellite.GravityWGS72)

	utc := at.UTC()
	year, month, day := utc.Date()
	hour, minute, sec := utc.Clock()
	pos, vel := satellite.Propagate(sat, year, int(month), day, hour, minute, sec)

	r2 := pos.X*pos.X + pos.Y*pos.Y + pos.Z*pos.Z
	radius := math.Sqrt(r2)
	if !positiveFinite(radius) {
		return nil, fmt.Errorf("%w: propagation produced radius %v", ErrInvalidTLE, radius)
	}

	// go-satellite works in km and km/s, so |r x v| / |r|^2 is rad/s.
	hx := pos.Y*vel.Z - pos.Z*vel.Y
	hy := pos.Z*vel.X - pos.X*vel.Z
	hz := pos.X*vel.Y - pos.Y*vel.X
	omega := math.Sqrt(hx*hx+hy*hy+hz*hz) / r2
	if hz < 0 {
		omega = -omega
	}

	const radToDeg = 180.0 / math.Pi
	phase := math.Atan2(pos.Y, pos.X) * radToDeg
	return NewOrbitState(radius, omega*radToDeg, phase, at)
}
