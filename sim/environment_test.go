package sim

import (
	"context"
	"errors"
	"math"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/signalsfoundry/stellarbot/core"
	"github.com/signalsfoundry/stellarbot/fleet"
	"github.com/signalsfoundry/stellarbot/internal/observability"
	"github.com/signalsfoundry/stellarbot/model"
	"github.com/signalsfoundry/stellarbot/timectrl"
)

const (
	issLine1 = "1 25544U 98067A   21275.59097222  .00000204  00000-0  10270-4 0  9990"
	issLine2 = "2 25544  51.6459 115.9059 0001817  61.3028  35.9198 15.49370953257760"
)

var testStart = time.Date(2021, 10, 2, 0, 0, 0, 0, time.UTC)

func mustEnv(t *testing.T, cfg Config, opts ...Option) *Environment {
	t.Helper()
	env, err := NewEnvironment(cfg, opts...)
	if err != nil {
		t.Fatalf("NewEnvironment: %v", err)
	}
	return env
}

// expectedCover recomputes the union of every disc by scanning all tiles.
func expectedCover(grid *core.SurfaceGrid, centres []model.Position, radius float64) []model.TileIndex {
	var out []model.TileIndex
	for tile := range grid.Tiles().All() {
		for _, c := range centres {
			dx := tile.Center.X - c.X
			dy := tile.Center.Y - c.Y
			if math.Sqrt(dx*dx+dy*dy) <= radius {
				out = append(out, tile.Index())
				break
			}
		}
	}
	return out
}

func TestNewEnvironment_DefaultScenario(t *testing.T) {
	env := mustEnv(t, DefaultConfig())

	sats := env.Satellites()
	if len(sats) != 3 {
		t.Fatalf("expected 3 satellites, got %d", len(sats))
	}
	for i, s := range sats {
		if s.ID != model.SatelliteID(i) {
			t.Fatalf("expected id %d, got %d", i, s.ID)
		}
		if want := 120.0 * float64(i); s.Phase != want {
			t.Fatalf("satellite %d: expected phase %v, got %v", i, want, s.Phase)
		}
		if !s.Epoch.Equal(env.Epoch()) {
			t.Fatalf("satellite %d: expected shared epoch", i)
		}
	}
	if rows, cols := env.Grid().Shape(); rows != 18 || cols != 36 {
		t.Fatalf("expected 18x36 grid, got %dx%d", rows, cols)
	}
	if env.StepCount() != 0 || len(env.CoverageLog()) != 0 {
		t.Fatalf("expected empty history before the first step")
	}
	if env.TimeModel() != model.LogicalTime {
		t.Fatalf("expected logical time by default, got %v", env.TimeModel())
	}
}

func TestNewEnvironment_InvalidConfig(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Config)
		want error
	}{
		{"zero width", func(c *Config) { c.GridWidth = 0 }, ErrInvalidDimension},
		{"negative height", func(c *Config) { c.GridHeight = -2 }, ErrInvalidDimension},
		{"negative body radius", func(c *Config) { c.BodyRadius = -1 }, ErrInvalidRadius},
		{"zero coverage radius", func(c *Config) { c.DefaultCoverageRadius = 0 }, ErrInvalidRadius},
		{"zero altitude", func(c *Config) { c.DefaultAltitude = 0 }, ErrInvalidAltitude},
		{"negative count", func(c *Config) { c.SatelliteCount = -1 }, ErrInvalidSatelliteCount},
		{"NaN speed on empty fleet", func(c *Config) {
			c.SatelliteCount = 0
			c.DefaultAngularSpeed = math.NaN()
		}, ErrInvalidAngularSpeed},
		{"infinite speed", func(c *Config) { c.DefaultAngularSpeed = math.Inf(1) }, ErrInvalidAngularSpeed},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mut(&cfg)
		if _, err := NewEnvironment(cfg); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestStep_ThreeSatelliteScenarioMatchesIndependentScan(t *testing.T) {
	cfg := DefaultConfig()
	env := mustEnv(t, cfg)
	grid := env.Grid()

	for step := 1; step <= 30; step++ {
		sample := env.Step(1)

		var centres []model.Position
		for i := 0; i < cfg.SatelliteCount; i++ {
			angle := core.NormalizeDegrees(120*float64(i) + 15*float64(step))
			centres = append(centres, core.PolarToPlane(cfg.DefaultAltitude, angle))
		}
		want := expectedCover(grid, centres, cfg.DefaultCoverageRadius)

		if sample.Step != step {
			t.Fatalf("expected step %d, got %d", step, sample.Step)
		}
		if sample.CoveredTiles != len(want) {
			t.Fatalf("step %d: expected %d covered tiles, got %d", step, len(want), sample.CoveredTiles)
		}
		wantPercent := 100 * float64(len(want)) / 648
		if math.Abs(sample.CoveragePercent-wantPercent) > 1e-9 {
			t.Fatalf("step %d: expected %.4f%%, got %.4f%%", step, wantPercent, sample.CoveragePercent)
		}
		if got := env.LastCovered(); !slices.Equal(got, want) {
			t.Fatalf("step %d: covered set differs from independent scan", step)
		}
		if sample.CoveragePercent < 0 || sample.CoveragePercent > 100 {
			t.Fatalf("coverage percent out of range: %v", sample.CoveragePercent)
		}
	}

	log := env.CoverageLog()
	if len(log) != 30 || env.StepCount() != 30 {
		t.Fatalf("expected 30 samples, got %d (count %d)", len(log), env.StepCount())
	}
	for i, s := range log {
		if s.Step != i+1 {
			t.Fatalf("log entry %d has step %d", i, s.Step)
		}
	}
}

func TestCovered_DoesNotRecord(t *testing.T) {
	env := mustEnv(t, DefaultConfig())
	sample := env.Step(1)

	if got := env.Covered(); len(got) != sample.CoveredTiles {
		t.Fatalf("expected Covered to match last step, got %d vs %d", len(got), sample.CoveredTiles)
	}
	if env.StepCount() != 1 || len(env.CoverageLog()) != 1 {
		t.Fatalf("Covered must not touch the history")
	}
}

func TestStep_EmptyFleet(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SatelliteCount = 0
	env := mustEnv(t, cfg)

	sample := env.Step(1)
	if sample.CoveredTiles != 0 || sample.CoveragePercent != 0 {
		t.Fatalf("expected no coverage without satellites, got %+v", sample)
	}
}

func TestStep_NonFiniteDtStillRecords(t *testing.T) {
	env := mustEnv(t, DefaultConfig())
	before := env.Satellites()

	env.Step(math.NaN())
	after := env.Satellites()
	for i := range before {
		if before[i].LogicalAngle != after[i].LogicalAngle {
			t.Fatalf("NaN dt must not move satellite %d", i)
		}
	}
	if env.StepCount() != 1 {
		t.Fatalf("expected the tick to be recorded, got count %d", env.StepCount())
	}
}

func TestAddAndRemoveSatellite(t *testing.T) {
	env := mustEnv(t, DefaultConfig())
	env.Step(1)

	id, err := env.AddSatellite(7500, 1500, 45)
	if err != nil {
		t.Fatalf("AddSatellite: %v", err)
	}
	if id != 3 {
		t.Fatalf("expected id 3, got %d", id)
	}
	if env.StepCount() != 1 {
		t.Fatalf("adding must not touch the step counter")
	}

	env.RemoveSatellite(id)
	env.RemoveSatellite(id)
	env.RemoveSatellite(42)
	if n := len(env.Satellites()); n != 3 {
		t.Fatalf("expected 3 satellites after remove, got %d", n)
	}

	next, err := env.AddSatellite(7500, 1500, 0)
	if err != nil {
		t.Fatalf("AddSatellite: %v", err)
	}
	if next != 4 {
		t.Fatalf("expected ids not to be reused, got %d", next)
	}

	if _, err := env.AddSatellite(0, 1500, 0); !errors.Is(err, ErrInvalidAltitude) {
		t.Fatalf("expected ErrInvalidAltitude, got %v", err)
	}
	if _, err := env.AddSatellite(7000, -3, 0); !errors.Is(err, ErrInvalidRadius) {
		t.Fatalf("expected ErrInvalidRadius, got %v", err)
	}
}

func TestReset_RebuildsFleetAndClearsHistory(t *testing.T) {
	env := mustEnv(t, DefaultConfig())
	for i := 0; i < 5; i++ {
		env.Step(1)
	}
	if _, err := env.AddSatellite(7000, 2500, 10); err != nil {
		t.Fatalf("AddSatellite: %v", err)
	}
	oldRun := env.RunID()

	env.Reset()

	if env.StepCount() != 0 || len(env.CoverageLog()) != 0 || len(env.LastCovered()) != 0 {
		t.Fatalf("expected cleared history after reset")
	}
	sats := env.Satellites()
	if len(sats) != 4 {
		t.Fatalf("expected fleet rebuilt with 4 satellites, got %d", len(sats))
	}
	for i, s := range sats {
		if s.ID != model.SatelliteID(i) {
			t.Fatalf("expected id %d after reset, got %d", i, s.ID)
		}
		if want := 90.0 * float64(i); s.Phase != want || s.LogicalAngle != want {
			t.Fatalf("satellite %d: expected phase %v, got %v/%v", i, want, s.Phase, s.LogicalAngle)
		}
	}
	if env.RunID() == oldRun {
		t.Fatalf("expected a new run id after reset")
	}
	for _, v := range env.Heatmap() {
		if v != 0 {
			t.Fatalf("expected heatmap cleared after reset")
		}
	}
	if got := env.Trail(0); got != nil {
		t.Fatalf("expected trails cleared after reset, got %v", got)
	}

	if sample := env.Step(1); sample.Step != 1 {
		t.Fatalf("expected step numbering to restart at 1, got %d", sample.Step)
	}
}

func TestSetAltitudeAndCoverageRadius(t *testing.T) {
	env := mustEnv(t, DefaultConfig())

	if err := env.SetAltitude(8000); err != nil {
		t.Fatalf("SetAltitude: %v", err)
	}
	if err := env.SetCoverageRadius(1000); err != nil {
		t.Fatalf("SetCoverageRadius: %v", err)
	}
	for _, s := range env.Satellites() {
		if s.Altitude != 8000 || s.CoverageRadius != 1000 {
			t.Fatalf("satellite %s not updated: %+v", s.ID, s)
		}
	}

	if err := env.SetAltitude(-1); !errors.Is(err, ErrInvalidAltitude) {
		t.Fatalf("expected ErrInvalidAltitude, got %v", err)
	}
	if err := env.SetCoverageRadius(0); !errors.Is(err, ErrInvalidRadius) {
		t.Fatalf("expected ErrInvalidRadius, got %v", err)
	}

	env.Reset()
	for _, s := range env.Satellites() {
		if s.Altitude != 8000 || s.CoverageRadius != 1000 {
			t.Fatalf("reset must keep live parameters, got %+v", s)
		}
	}
	if cfg := env.Config(); cfg.DefaultAltitude != 8000 || cfg.DefaultCoverageRadius != 1000 {
		t.Fatalf("expected config to reflect live parameters, got %+v", cfg)
	}
}

func TestContinuousTimeUsesInjectedClock(t *testing.T) {
	clock := timectrl.NewManualClock(testStart)
	env := mustEnv(t, DefaultConfig(),
		WithClock(clock),
		WithTimeModel(model.ContinuousTime),
	)
	if !env.Epoch().Equal(testStart) {
		t.Fatalf("expected epoch at clock start, got %v", env.Epoch())
	}

	// Stepping moves the logical view only; with the clock frozen the
	// continuous positions stay at their phases.
	env.Step(1)
	pos := env.Positions()[0]
	if pos != (model.Position{X: 7000, Y: 0}) {
		t.Fatalf("expected satellite 0 at its phase, got %+v", pos)
	}

	clock.Advance(6 * time.Second)
	pos = env.Positions()[0]
	if math.Abs(pos.X) > 1e-9 || math.Abs(pos.Y-7000) > 1e-9 {
		t.Fatalf("expected satellite 0 at 90 degrees after 6s, got %+v", pos)
	}

	sample := env.Step(1)
	centres := make([]model.Position, 0, 3)
	for _, p := range []model.SatelliteID{0, 1, 2} {
		centres = append(centres, env.Positions()[p])
	}
	want := expectedCover(env.Grid(), centres, 2500)
	if sample.CoveredTiles != len(want) {
		t.Fatalf("expected %d covered tiles from clock positions, got %d", len(want), sample.CoveredTiles)
	}
}

func TestLogicalPositionsIgnoreClock(t *testing.T) {
	clock := timectrl.NewManualClock(testStart)
	env := mustEnv(t, DefaultConfig(), WithClock(clock))

	before := env.Positions()
	clock.Advance(time.Hour)
	after := env.Positions()
	for id, p := range before {
		if after[id] != p {
			t.Fatalf("logical positions must not follow the clock, satellite %s moved", id)
		}
	}
}

func TestAddSatelliteFromTLE(t *testing.T) {
	clock := timectrl.NewManualClock(testStart)
	env := mustEnv(t, DefaultConfig(), WithClock(clock))

	id, err := env.AddSatelliteFromTLE(issLine1, issLine2, 1500)
	if err != nil {
		t.Fatalf("AddSatelliteFromTLE: %v", err)
	}
	if id != 3 {
		t.Fatalf("expected id 3, got %d", id)
	}
	var info fleet.SatelliteInfo
	for _, s := range env.Satellites() {
		if s.ID == id {
			info = s
		}
	}
	if info.Altitude < 6650 || info.Altitude > 6850 {
		t.Fatalf("expected ISS-like orbit radius, got %v", info.Altitude)
	}
	if info.CoverageRadius != 1500 {
		t.Fatalf("expected coverage radius 1500, got %v", info.CoverageRadius)
	}

	if _, err := env.AddSatelliteFromTLE("garbage", issLine2, 1500); !errors.Is(err, ErrInvalidTLE) {
		t.Fatalf("expected ErrInvalidTLE, got %v", err)
	}
	if n := len(env.Satellites()); n != 4 {
		t.Fatalf("failed TLE add must not change the fleet, got %d", n)
	}
}

func TestHeatmapAndTrailsFollowSteps(t *testing.T) {
	env := mustEnv(t, DefaultConfig(), WithTrailLength(2))
	sample := env.Step(1)

	warm := 0
	for _, v := range env.Heatmap() {
		if v > 0 {
			warm++
		}
	}
	if warm != sample.CoveredTiles {
		t.Fatalf("expected %d warm tiles, got %d", sample.CoveredTiles, warm)
	}

	env.Step(1)
	env.Step(1)
	trail := env.Trail(0)
	if len(trail) != 2 {
		t.Fatalf("expected trail capped at 2, got %d", len(trail))
	}
	if trail[1] != env.Positions()[0] {
		t.Fatalf("expected newest trail point at current position")
	}

	env.RemoveSatellite(0)
	if env.Trail(0) != nil {
		t.Fatalf("expected trail dropped with its satellite")
	}
}

func TestSubscribe_RelaysFleetEventsAcrossReset(t *testing.T) {
	env := mustEnv(t, DefaultConfig())

	var (
		mu     sync.Mutex
		events []fleet.Event
		seen   []int
	)
	unsubscribe := env.Subscribe(func(ev fleet.Event) {
		// Calling back into the environment must not deadlock.
		n := len(env.Satellites())
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
		seen = append(seen, n)
	})

	id, err := env.AddSatellite(7000, 2500, 0)
	if err != nil {
		t.Fatalf("AddSatellite: %v", err)
	}
	env.RemoveSatellite(id)
	env.Reset()

	mu.Lock()
	got := slices.Clone(events)
	mu.Unlock()

	// add, remove, then 3 removed + 3 added from the reset.
	if len(got) != 8 {
		t.Fatalf("expected 8 events, got %d", len(got))
	}
	if got[0].Type != fleet.EventSatelliteAdded || got[1].Type != fleet.EventSatelliteRemoved {
		t.Fatalf("unexpected leading events %v %v", got[0].Type, got[1].Type)
	}
	for _, ev := range got[2:5] {
		if ev.Type != fleet.EventSatelliteRemoved {
			t.Fatalf("expected reset to report removals first, got %v", ev.Type)
		}
	}
	for i, ev := range got[5:] {
		if ev.Type != fleet.EventSatelliteAdded || ev.Satellite.ID != model.SatelliteID(i) {
			t.Fatalf("expected reset to add S%d, got %v %s", i, ev.Type, ev.Satellite.ID)
		}
	}

	unsubscribe()
	if _, err := env.AddSatellite(7000, 2500, 0); err != nil {
		t.Fatalf("AddSatellite: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(events) != 8 {
		t.Fatalf("expected no events after unsubscribe, got %d", len(events))
	}
}

func TestMetricsRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := observability.NewCoverageCollector(reg)
	if err != nil {
		t.Fatalf("NewCoverageCollector: %v", err)
	}
	env := mustEnv(t, DefaultConfig(), WithMetricsRecorder(collector))

	var last model.CoverageSample
	for i := 0; i < 4; i++ {
		last = env.Step(1)
	}
	if _, err := env.AddSatellite(7000, 2500, 0); err != nil {
		t.Fatalf("AddSatellite: %v", err)
	}
	env.Reset()

	if got := testutil.ToFloat64(collector.Steps); got != 4 {
		t.Fatalf("expected 4 steps, got %v", got)
	}
	if got := testutil.ToFloat64(collector.CoveredTiles); got != float64(last.CoveredTiles) {
		t.Fatalf("expected covered tiles gauge %d, got %v", last.CoveredTiles, got)
	}
	if got := testutil.ToFloat64(collector.CoveragePercent); got != last.CoveragePercent {
		t.Fatalf("expected coverage gauge %v, got %v", last.CoveragePercent, got)
	}
	if got := testutil.ToFloat64(collector.FleetSize); got != 4 {
		t.Fatalf("expected fleet size 4, got %v", got)
	}
	for op, want := range map[string]float64{"init": 1, "add": 1, "reset": 1} {
		if got := testutil.ToFloat64(collector.FleetChanges.WithLabelValues(op)); got != want {
			t.Fatalf("expected %v %q changes, got %v", want, op, got)
		}
	}
}

func TestStepContext_EmitsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	env := mustEnv(t, DefaultConfig())
	env.StepContext(context.Background(), 1)

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "Environment.Step" {
		t.Fatalf("unexpected span name %q", spans[0].Name())
	}
	if scope := spans[0].InstrumentationScope().Name; scope != observability.TracerName {
		t.Fatalf("expected span on tracer %q, got %q", observability.TracerName, scope)
	}
	found := false
	for _, kv := range spans[0].Attributes() {
		if string(kv.Key) == "sim.step" && kv.Value.AsInt64() == 1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected sim.step attribute on span, got %v", spans[0].Attributes())
	}
}

func TestConcurrentStepAndRead(t *testing.T) {
	env := mustEnv(t, DefaultConfig())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			env.Step(0.5)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = env.Positions()
			_ = env.CoverageLog()
			_ = env.Heatmap()
		}
	}()
	wg.Wait()

	if env.StepCount() != 100 {
		t.Fatalf("expected 100 steps, got %d", env.StepCount())
	}
}

func TestConcurrentStepAndReset(t *testing.T) {
	env := mustEnv(t, DefaultConfig())
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			env.Step(1)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			env.Reset()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			id, err := env.AddSatellite(7000, 1500, float64(i))
			if err != nil {
				t.Errorf("AddSatellite: %v", err)
				return
			}
			env.RemoveSatellite(id)
			if err := env.SetAltitude(7000); err != nil {
				t.Errorf("SetAltitude: %v", err)
				return
			}
			_ = env.RunID()
		}
	}()
	wg.Wait()

	if got, log := env.StepCount(), env.CoverageLog(); len(log) != got || got > 200 {
		t.Fatalf("step count %d inconsistent with %d logged samples", got, len(log))
	}
}
