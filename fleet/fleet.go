package fleet

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/signalsfoundry/stellarbot/core"
	"github.com/signalsfoundry/stellarbot/model"
)

// Re-export the validation errors so callers can match fleet.* directly.
var (
	// ErrInvalidAltitude indicates a non-positive orbit altitude.
	ErrInvalidAltitude = core.ErrInvalidAltitude
	// ErrInvalidRadius indicates a non-positive coverage radius.
	ErrInvalidRadius = core.ErrInvalidRadius
	// ErrSatelliteNotFound indicates an update addressed an unknown id.
	ErrSatelliteNotFound = errors.New("satellite not found")
)

// EventType indicates what kind of change happened in the fleet.
type EventType int

const (
	EventSatelliteAdded EventType = iota
	EventSatelliteRemoved
	EventSatelliteUpdated
)

func (t EventType) String() string {
	switch t {
	case EventSatelliteAdded:
		return "added"
	case EventSatelliteRemoved:
		return "removed"
	case EventSatelliteUpdated:
		return "updated"
	default:
		return "unknown"
	}
}

// Event is emitted to subscribers after a membership or parameter change.
type Event struct {
	Type      EventType
	Satellite SatelliteInfo
}

// Spec describes a satellite to insert.
type Spec struct {
	Altitude       float64   // km from the body centre
	AngularSpeed   float64   // degrees per second
	Phase          float64   // degrees at Epoch
	CoverageRadius float64   // km
	Epoch          time.Time // continuous-time origin
}

// member is one satellite: an orbit plus a sensor disc.
type member struct {
	id             model.SatelliteID
	coverageRadius float64
	orbit          *core.OrbitState
}

func (s *member) info() SatelliteInfo {
	return SatelliteInfo{
		ID:             s.id,
		Altitude:       s.orbit.Altitude(),
		AngularSpeed:   s.orbit.AngularSpeed(),
		Phase:          s.orbit.Phase(),
		LogicalAngle:   s.orbit.LogicalAngle(),
		CoverageRadius: s.coverageRadius,
		Epoch:          s.orbit.Epoch(),
	}
}

// SatelliteInfo is a read-only copy of a member's parameters.
type SatelliteInfo struct {
	ID             model.SatelliteID
	Altitude       float64
	AngularSpeed   float64
	Phase          float64
	LogicalAngle   float64
	CoverageRadius float64
	Epoch          time.Time
}

// Fleet is an id-keyed, thread-safe collection of satellites.
//
// New ids are one past the highest id this fleet has ever handed out (0 for
// the first insert), so removed ids never come back.
type Fleet struct {
	mu sync.RWMutex

	sats   map[model.SatelliteID]*member
	nextID model.SatelliteID

	subs    map[int]func(Event)
	nextSub int
}

// New constructs an empty fleet.
func New() *Fleet {
	return &Fleet{
		sats: make(map[model.SatelliteID]*member),
		subs: make(map[int]func(Event)),
	}
}

// Insert validates spec, adds the satellite and returns its id. The fleet is
// unchanged on error.
func (f *Fleet) Insert(spec Spec) (model.SatelliteID, error) {
	orbit, err := core.NewOrbitState(spec.Altitude, spec.AngularSpeed, spec.Phase, spec.Epoch)
	if err != nil {
		return 0, err
	}
	return f.InsertOrbit(orbit, spec.CoverageRadius)
}

// InsertOrbit adds a satellite that takes ownership of orbit.
func (f *Fleet) InsertOrbit(orbit *core.OrbitState, coverageRadius float64) (model.SatelliteID, error) {
	if orbit == nil {
		return 0, errors.New("orbit is nil")
	}
	if err := core.ValidateCoverageRadius(coverageRadius); err != nil {
		return 0, err
	}

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	sat := &member{id: id, coverageRadius: coverageRadius, orbit: orbit}
	f.sats[id] = sat
	ev := Event{Type: EventSatelliteAdded, Satellite: sat.info()}
	subs := f.subscribersLocked()
	f.mu.Unlock()

	notify(subs, ev)
	return id, nil
}

// Remove deletes the satellite if present and reports whether it was.
// Removing an unknown id is a no-op.
func (f *Fleet) Remove(id model.SatelliteID) bool {
	f.mu.Lock()
	sat, ok := f.sats[id]
	if !ok {
		f.mu.Unlock()
		return false
	}
	delete(f.sats, id)
	ev := Event{Type: EventSatelliteRemoved, Satellite: sat.info()}
	subs := f.subscribersLocked()
	f.mu.Unlock()

	notify(subs, ev)
	return true
}

// StepAll advances every member's logical orbit by dt, in ascending id order.
func (f *Fleet) StepAll(dt float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.idsLocked() {
		f.sats[id].orbit.StepLogical(dt)
	}
}

// Len returns the number of members.
func (f *Fleet) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.sats)
}

// IDs returns member ids in ascending order.
func (f *Fleet) IDs() []model.SatelliteID {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.idsLocked()
}

// Get returns a copy of one member's parameters.
func (f *Fleet) Get(id model.SatelliteID) (SatelliteInfo, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	sat, ok := f.sats[id]
	if !ok {
		return SatelliteInfo{}, false
	}
	return sat.info(), true
}

// List returns copies of every member in ascending id order.
func (f *Fleet) List() []SatelliteInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]SatelliteInfo, 0, len(f.sats))
	for _, id := range f.idsLocked() {
		out = append(out, f.sats[id].info())
	}
	return out
}

// Positions returns every member's position under one time model.
func (f *Fleet) Positions(mode model.TimeModel, now time.Time) map[model.SatelliteID]model.Position {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[model.SatelliteID]model.Position, len(f.sats))
	for id, sat := range f.sats {
		out[id] = sat.orbit.Position(mode, now)
	}
	return out
}

// Footprints returns each member's sensor disc under one time model, in
// ascending id order.
func (f *Fleet) Footprints(mode model.TimeModel, now time.Time) []model.Footprint {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]model.Footprint, 0, len(f.sats))
	for _, id := range f.idsLocked() {
		sat := f.sats[id]
		out = append(out, model.Footprint{
			ID:     id,
			Center: sat.orbit.Position(mode, now),
			Radius: sat.coverageRadius,
		})
	}
	return out
}

// SetCoverageRadius changes one member's sensor radius.
func (f *Fleet) SetCoverageRadius(id model.SatelliteID, radius float64) error {
	if err := core.ValidateCoverageRadius(radius); err != nil {
		return err
	}
	return f.update(id, func(s *member) error {
		s.coverageRadius = radius
		return nil
	})
}

// SetAltitude changes one member's orbit radius.
func (f *Fleet) SetAltitude(id model.SatelliteID, altitude float64) error {
	return f.update(id, func(s *member) error {
		return s.orbit.SetAltitude(altitude)
	})
}

// SetAllCoverageRadius applies one sensor radius to every member.
func (f *Fleet) SetAllCoverageRadius(radius float64) error {
	if err := core.ValidateCoverageRadius(radius); err != nil {
		return err
	}
	return f.updateAll(func(s *member) error {
		s.coverageRadius = radius
		return nil
	})
}

// SetAllAltitude applies one orbit radius to every member.
func (f *Fleet) SetAllAltitude(altitude float64) error {
	if err := core.ValidateAltitude(altitude); err != nil {
		return err
	}
	return f.updateAll(func(s *member) error {
		return s.orbit.SetAltitude(altitude)
	})
}

// Subscribe registers a callback for fleet events. It returns an
// unsubscribe function. Callbacks run outside the fleet lock.
func (f *Fleet) Subscribe(fn func(Event)) (unsubscribe func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	token := f.nextSub
	f.nextSub++
	f.subs[token] = fn

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, token)
	}
}

func (f *Fleet) update(id model.SatelliteID, fn func(*member) error) error {
	f.mu.Lock()
	sat, ok := f.sats[id]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSatelliteNotFound, id)
	}
	if err := fn(sat); err != nil {
		f.mu.Unlock()
		return err
	}
	ev := Event{Type: EventSatelliteUpdated, Satellite: sat.info()}
	subs := f.subscribersLocked()
	f.mu.Unlock()

	notify(subs, ev)
	return nil
}

// updateAll expects fn to fail only on input already validated by the caller.
func (f *Fleet) updateAll(fn func(*member) error) error {
	f.mu.Lock()
	events := make([]Event, 0, len(f.sats))
	for _, id := range f.idsLocked() {
		sat := f.sats[id]
		if err := fn(sat); err != nil {
			f.mu.Unlock()
			return err
		}
		events = append(events, Event{Type: EventSatelliteUpdated, Satellite: sat.info()})
	}
	subs := f.subscribersLocked()
	f.mu.Unlock()

	for _, ev := range events {
		notify(subs, ev)
	}
	return nil
}

func (f *Fleet) idsLocked() []model.SatelliteID {
	return slices.Sorted(maps.Keys(f.sats))
}

func (f *Fleet) subscribersLocked() []func(Event) {
	if len(f.subs) == 0 {
		return nil
	}
	tokens := slices.Sorted(maps.Keys(f.subs))
	out := make([]func(Event), 0, len(tokens))
	for _, tok := range tokens {
		out = append(out, f.subs[tok])
	}
	return out
}

func notify(subs []func(Event), ev Event) {
	for _, fn := range subs {
		fn(ev)
	}
}
