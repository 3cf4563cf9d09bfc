package sim

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/signalsfoundry/stellarbot/core"
	"github.com/signalsfoundry/stellarbot/fleet"
	"github.com/signalsfoundry/stellarbot/internal/logging"
	"github.com/signalsfoundry/stellarbot/internal/observability"
	"github.com/signalsfoundry/stellarbot/model"
	"github.com/signalsfoundry/stellarbot/timectrl"
)

// Re-export the validation errors so callers can depend on sim.* alone.
var (
	// ErrInvalidDimension indicates a non-positive grid width or height.
	ErrInvalidDimension = core.ErrInvalidDimension
	// ErrInvalidRadius indicates a non-positive body or coverage radius.
	ErrInvalidRadius = core.ErrInvalidRadius
	// ErrInvalidAltitude indicates a non-positive orbit altitude.
	ErrInvalidAltitude = core.ErrInvalidAltitude
	// ErrInvalidAngularSpeed indicates a non-finite angular speed.
	ErrInvalidAngularSpeed = core.ErrInvalidAngularSpeed
	// ErrInvalidTLE indicates element lines that could not seed an orbit.
	ErrInvalidTLE = core.ErrInvalidTLE
	// ErrInvalidSatelliteCount indicates a negative initial fleet size.
	ErrInvalidSatelliteCount = errors.New("invalid satellite count")
)

// Config holds the plain numeric parameters of a simulation run.
type Config struct {
	SatelliteCount int
	GridWidth      int
	GridHeight     int
	BodyRadius     float64 // km; zero selects core.EarthRadiusKm

	DefaultAltitude       float64 // km from the body centre
	DefaultAngularSpeed   float64 // degrees per second
	DefaultCoverageRadius float64 // km
}

// DefaultConfig mirrors the reference scenario: three satellites at 7000 km
// turning 15 deg/s with 2500 km sensors over a 36x18 grid.
func DefaultConfig() Config {
	return Config{
		SatelliteCount:        3,
		GridWidth:             36,
		GridHeight:            18,
		BodyRadius:            core.EarthRadiusKm,
		DefaultAltitude:       7000,
		DefaultAngularSpeed:   15,
		DefaultCoverageRadius: 2500,
	}
}

// Validate checks every field without building anything.
func (c Config) Validate() error {
	if c.SatelliteCount < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidSatelliteCount, c.SatelliteCount)
	}
	if c.GridWidth <= 0 || c.GridHeight <= 0 {
		return fmt.Errorf("%w: width=%d height=%d", ErrInvalidDimension, c.GridWidth, c.GridHeight)
	}
	if c.BodyRadius < 0 {
		return fmt.Errorf("%w: body radius %v", ErrInvalidRadius, c.BodyRadius)
	}
	if err := core.ValidateAltitude(c.DefaultAltitude); err != nil {
		return err
	}
	if err := core.ValidateAngularSpeed(c.DefaultAngularSpeed); err != nil {
		return err
	}
	return core.ValidateCoverageRadius(c.DefaultCoverageRadius)
}

// MetricsRecorder receives per-tick samples and fleet changes.
type MetricsRecorder interface {
	ObserveStep(sample model.CoverageSample, satellites int, elapsed time.Duration)
	RecordFleetChange(op string, satellites int)
}

// Option customises Environment construction.
type Option func(*Environment)

// WithClock injects the time source for epochs and continuous positions.
// The default is a ManualClock frozen at the Unix epoch, which keeps runs
// reproducible unless a caller opts into a moving clock.
func WithClock(c timectrl.SimClock) Option {
	return func(e *Environment) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithTimeModel commits the environment to one orbit view for its whole
// life. Coverage, positions and trails all use it.
func WithTimeModel(m model.TimeModel) Option {
	return func(e *Environment) {
		e.timeModel = m
	}
}

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Environment) {
		if l != nil {
			e.baseLog = l
		}
	}
}

// WithMetricsRecorder attaches an optional metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(e *Environment) {
		e.metrics = m
	}
}

// WithTrailLength caps each satellite's recorded trail.
func WithTrailLength(n int) Option {
	return func(e *Environment) {
		e.trailLength = n
	}
}

// Environment composes a SurfaceGrid and a Fleet and turns fleet motion into
// a coverage history. Mutating calls are serialised; snapshot accessors may
// run from another goroutine.
type Environment struct {
	mu sync.RWMutex

	cfg       Config
	grid      *core.SurfaceGrid
	fleet     *fleet.Fleet
	clock     timectrl.SimClock
	timeModel model.TimeModel
	epoch     time.Time

	stepCount int
	history   []model.CoverageSample
	covered   []model.TileIndex

	heatmap     *core.Heatmap
	trails      *core.Trails
	trailLength int

	baseLog logging.Logger
	log     logging.Logger
	runID   string
	metrics MetricsRecorder

	// Fleet events are queued while mu is held and delivered after it is
	// released, so subscribers may call back into the environment.
	subs    map[int]func(fleet.Event)
	nextSub int
	pending []fleet.Event
}

// NewEnvironment builds the grid and a fleet of cfg.SatelliteCount
// satellites with phases evenly spaced over 360 degrees and one shared
// epoch.
func NewEnvironment(cfg Config, opts ...Option) (*Environment, error) {
	if cfg.BodyRadius == 0 {
		cfg.BodyRadius = core.EarthRadiusKm
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	grid, err := core.NewSurfaceGrid(cfg.GridWidth, cfg.GridHeight, cfg.BodyRadius)
	if err != nil {
		return nil, err
	}

	e := &Environment{
		cfg:       cfg,
		grid:      grid,
		clock:     timectrl.NewManualClock(time.Unix(0, 0).UTC()),
		timeModel: model.LogicalTime,
		heatmap:   core.NewHeatmap(grid),
		baseLog:   logging.Noop(),
		subs:      make(map[int]func(fleet.Event)),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.trails = core.NewTrails(e.trailLength)

	f, epoch, err := e.buildFleet(cfg.SatelliteCount)
	if err != nil {
		return nil, err
	}
	e.fleet = f
	e.epoch = epoch
	e.pending = nil
	e.startRun()

	e.log.Info(context.Background(), "environment ready",
		logging.Int("satellites", cfg.SatelliteCount),
		logging.Int("grid_width", cfg.GridWidth),
		logging.Int("grid_height", cfg.GridHeight),
		logging.String("time_model", e.timeModel.String()),
	)
	if e.metrics != nil {
		e.metrics.RecordFleetChange("init", f.Len())
	}
	return e, nil
}

// buildFleet creates n evenly phased satellites from the current defaults.
func (e *Environment) buildFleet(n int) (*fleet.Fleet, time.Time, error) {
	f := fleet.New()
	f.Subscribe(func(ev fleet.Event) {
		e.pending = append(e.pending, ev)
	})
	epoch := e.clock.Now()
	for i := range n {
		phase := 360.0 * float64(i) / float64(n)
		if _, err := f.Insert(fleet.Spec{
			Altitude:       e.cfg.DefaultAltitude,
			AngularSpeed:   e.cfg.DefaultAngularSpeed,
			Phase:          phase,
			CoverageRadius: e.cfg.DefaultCoverageRadius,
			Epoch:          epoch,
		}); err != nil {
			return nil, time.Time{}, fmt.Errorf("seed satellite %d: %w", i, err)
		}
	}
	return f, epoch, nil
}

// unlockAndNotify releases mu and delivers queued fleet events.
func (e *Environment) unlockAndNotify() {
	pending := e.pending
	e.pending = nil
	var subs []func(fleet.Event)
	if len(pending) > 0 {
		for _, tok := range slices.Sorted(maps.Keys(e.subs)) {
			subs = append(subs, e.subs[tok])
		}
	}
	e.mu.Unlock()

	for _, ev := range pending {
		for _, fn := range subs {
			fn(ev)
		}
	}
}

func (e *Environment) startRun() {
	e.runID = logging.NewRunID()
	e.log = e.baseLog.With(logging.String("run_id", e.runID))
}

// Step advances every satellite by dt, recomputes the covered set, appends a
// sample to the coverage log and returns it.
func (e *Environment) Step(dt float64) model.CoverageSample {
	return e.StepContext(context.Background(), dt)
}

// StepContext is Step with a trace span around the tick.
func (e *Environment) StepContext(ctx context.Context, dt float64) model.CoverageSample {
	ctx, span := observability.StartSpan(ctx, "Environment.Step", attribute.Float64("sim.dt", dt))
	defer span.End()
	started := time.Now()

	e.mu.Lock()
	e.fleet.StepAll(dt)
	now := e.clock.Now()
	covered := e.coverageLocked(now)
	e.stepCount++
	sample := model.CoverageSample{
		Step:            e.stepCount,
		CoveredTiles:    len(covered),
		CoveragePercent: 100 * float64(len(covered)) / float64(e.grid.Len()),
	}
	e.history = append(e.history, sample)
	e.covered = covered
	e.heatmap.Update(covered)
	e.trails.Record(e.fleet.Positions(e.timeModel, now))
	satellites := e.fleet.Len()
	log := e.log
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Int("sim.step", sample.Step),
		attribute.Int("sim.covered_tiles", sample.CoveredTiles),
		attribute.Float64("sim.coverage_percent", sample.CoveragePercent),
		attribute.Int("sim.satellites", satellites),
	)
	log.Debug(ctx, "step complete",
		logging.Int("step", sample.Step),
		logging.Int("covered_tiles", sample.CoveredTiles),
		logging.Float("coverage_percent", sample.CoveragePercent),
	)
	if e.metrics != nil {
		e.metrics.ObserveStep(sample, satellites, time.Since(started))
	}
	return sample
}

// coverageLocked unions every satellite's disc into a row-major tile list.
func (e *Environment) coverageLocked(now time.Time) []model.TileIndex {
	hit := make([]bool, e.grid.Len())
	count := 0
	for _, fp := range e.fleet.Footprints(e.timeModel, now) {
		for _, idx := range e.grid.CoveredTiles(fp.Center, fp.Radius) {
			i := e.grid.Index(idx)
			if !hit[i] {
				hit[i] = true
				count++
			}
		}
	}

	out := make([]model.TileIndex, 0, count)
	width := e.grid.Width()
	for i, ok := range hit {
		if ok {
			out = append(out, model.TileIndex{Row: i / width, Col: i % width})
		}
	}
	return out
}

// AddSatellite inserts a satellite using the default angular speed and the
// run's shared epoch. The step counter and history are left alone.
func (e *Environment) AddSatellite(altitude, coverageRadius, phase float64) (model.SatelliteID, error) {
	e.mu.Lock()
	id, err := e.fleet.Insert(fleet.Spec{
		Altitude:       altitude,
		AngularSpeed:   e.cfg.DefaultAngularSpeed,
		Phase:          phase,
		CoverageRadius: coverageRadius,
		Epoch:          e.epoch,
	})
	n := e.fleet.Len()
	log := e.log
	e.unlockAndNotify()
	if err != nil {
		return 0, err
	}

	log.Info(context.Background(), "satellite added",
		logging.String("id", id.String()),
		logging.Float("altitude_km", altitude),
		logging.Float("coverage_radius_km", coverageRadius),
		logging.Float("phase_deg", phase),
	)
	if e.metrics != nil {
		e.metrics.RecordFleetChange("add", n)
	}
	return id, nil
}

// AddSatelliteFromTLE seeds a satellite's circular orbit from an SGP4
// propagation of the element set at the current clock time.
func (e *Environment) AddSatelliteFromTLE(line1, line2 string, coverageRadius float64) (model.SatelliteID, error) {
	e.mu.Lock()
	orbit, err := core.OrbitFromTLE(line1, line2, e.clock.Now())
	if err != nil {
		e.mu.Unlock()
		return 0, err
	}
	id, err := e.fleet.InsertOrbit(orbit, coverageRadius)
	n := e.fleet.Len()
	log := e.log
	e.unlockAndNotify()
	if err != nil {
		return 0, err
	}

	log.Info(context.Background(), "satellite added from TLE",
		logging.String("id", id.String()),
		logging.Float("altitude_km", orbit.Altitude()),
		logging.Float("angular_speed_deg_s", orbit.AngularSpeed()),
	)
	if e.metrics != nil {
		e.metrics.RecordFleetChange("add", n)
	}
	return id, nil
}

// RemoveSatellite removes a satellite. Unknown ids are ignored.
func (e *Environment) RemoveSatellite(id model.SatelliteID) {
	e.mu.Lock()
	removed := e.fleet.Remove(id)
	if removed {
		e.trails.Forget(id)
	}
	n := e.fleet.Len()
	log := e.log
	e.unlockAndNotify()

	if !removed {
		log.Debug(context.Background(), "remove ignored; satellite not present", logging.String("id", id.String()))
		return
	}
	log.Info(context.Background(), "satellite removed", logging.String("id", id.String()))
	if e.metrics != nil {
		e.metrics.RecordFleetChange("remove", n)
	}
}

// SetAltitude moves every satellite, and satellites created later by Reset,
// to a new orbit radius.
func (e *Environment) SetAltitude(altitude float64) error {
	e.mu.Lock()
	if err := e.fleet.SetAllAltitude(altitude); err != nil {
		e.mu.Unlock()
		return err
	}
	e.cfg.DefaultAltitude = altitude
	n := e.fleet.Len()
	log := e.log
	e.unlockAndNotify()

	log.Info(context.Background(), "altitude changed", logging.Float("altitude_km", altitude))
	if e.metrics != nil {
		e.metrics.RecordFleetChange("update", n)
	}
	return nil
}

// SetCoverageRadius changes every satellite's sensor radius, and the radius
// Reset will use.
func (e *Environment) SetCoverageRadius(radius float64) error {
	e.mu.Lock()
	if err := e.fleet.SetAllCoverageRadius(radius); err != nil {
		e.mu.Unlock()
		return err
	}
	e.cfg.DefaultCoverageRadius = radius
	n := e.fleet.Len()
	log := e.log
	e.unlockAndNotify()

	log.Info(context.Background(), "coverage radius changed", logging.Float("coverage_radius_km", radius))
	if e.metrics != nil {
		e.metrics.RecordFleetChange("update", n)
	}
	return nil
}

// Reset replaces the fleet with as many satellites as it holds now, evenly
// re-phased from 0 degrees on a fresh epoch, and clears the step counter,
// coverage log, trails and heatmap. The grid is kept.
func (e *Environment) Reset() {
	e.mu.Lock()
	n := e.fleet.Len()
	for _, info := range e.fleet.List() {
		e.pending = append(e.pending, fleet.Event{Type: fleet.EventSatelliteRemoved, Satellite: info})
	}
	f, epoch, err := e.buildFleet(n)
	if err != nil {
		// Defaults were validated when they were set.
		e.mu.Unlock()
		panic(fmt.Sprintf("sim: rebuild fleet: %v", err))
	}
	e.fleet = f
	e.epoch = epoch
	e.stepCount = 0
	e.history = nil
	e.covered = nil
	e.trails.Reset()
	e.heatmap.Reset()
	e.startRun()
	log := e.log
	e.unlockAndNotify()

	log.Info(context.Background(), "environment reset", logging.Int("satellites", n))
	if e.metrics != nil {
		e.metrics.RecordFleetChange("reset", n)
	}
}

// Positions returns every satellite's position under the environment's
// time model.
func (e *Environment) Positions() map[model.SatelliteID]model.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fleet.Positions(e.timeModel, e.clock.Now())
}

// Covered recomputes the covered tiles for the current positions without
// touching the step counter or the log.
func (e *Environment) Covered() []model.TileIndex {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.coverageLocked(e.clock.Now())
}

// LastCovered returns the tiles covered as of the latest Step.
func (e *Environment) LastCovered() []model.TileIndex {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.covered)
}

// CoverageLog returns a copy of the samples recorded since the last reset.
func (e *Environment) CoverageLog() []model.CoverageSample {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.history)
}

// StepCount returns the number of Step calls since the last reset.
func (e *Environment) StepCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stepCount
}

// Grid returns the immutable surface grid.
func (e *Environment) Grid() *core.SurfaceGrid {
	return e.grid
}

// Satellites returns copies of every member's parameters in id order.
func (e *Environment) Satellites() []fleet.SatelliteInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fleet.List()
}

// Subscribe registers a callback for fleet events. Subscriptions survive
// Reset, which reports the old satellites as removed and the new ones as
// added.
func (e *Environment) Subscribe(fn func(fleet.Event)) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	token := e.nextSub
	e.nextSub++
	e.subs[token] = fn

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, token)
	}
}

// Trail returns one satellite's recent positions, oldest first.
func (e *Environment) Trail(id model.SatelliteID) []model.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.trails.Trail(id)
}

// Heatmap returns row-major tile intensities in [0, 1].
func (e *Environment) Heatmap() []float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.heatmap.Snapshot()
}

// TimeModel reports the orbit view this environment committed to.
func (e *Environment) TimeModel() model.TimeModel { return e.timeModel }

// Epoch returns the shared continuous-time origin of the current run.
func (e *Environment) Epoch() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.epoch
}

// RunID identifies the current run in logs. It changes on Reset.
func (e *Environment) RunID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.runID
}

// Config returns the parameters in effect, including live altitude and
// coverage radius changes.
func (e *Environment) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}
