package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalsfoundry/stellarbot/model"
)

// CoverageCollector bundles Prometheus metrics for the coverage simulation
// and exposes them over HTTP. It satisfies sim.MetricsRecorder.
type CoverageCollector struct {
	gatherer prometheus.Gatherer

	Steps        prometheus.Counter
	StepDuration prometheus.Histogram

	CoveragePercent prometheus.Gauge
	CoveredTiles    prometheus.Gauge
	FleetSize       prometheus.Gauge

	FleetChanges *prometheus.CounterVec
}

// NewCoverageCollector registers coverage metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewCoverageCollector(reg prometheus.Registerer) (*CoverageCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	steps, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coverage_steps_total",
		Help: "Total number of simulation ticks taken.",
	}), "coverage_steps_total")
	if err != nil {
		return nil, err
	}

	duration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "coverage_step_duration_seconds",
		Help:    "Wall-clock time spent computing one simulation tick.",
		Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	}), "coverage_step_duration_seconds")
	if err != nil {
		return nil, err
	}

	percent, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coverage_percent",
		Help: "Share of surface tiles covered by at least one satellite after the latest tick.",
	}), "coverage_percent")
	if err != nil {
		return nil, err
	}
	tiles, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coverage_tiles",
		Help: "Number of surface tiles covered after the latest tick.",
	}), "coverage_tiles")
	if err != nil {
		return nil, err
	}
	fleetSize, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_satellites",
		Help: "Current number of satellites in the fleet.",
	}), "fleet_satellites")
	if err != nil {
		return nil, err
	}

	changes, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_changes_total",
		Help: "Fleet membership and parameter changes, labeled by operation.",
	}, []string{"op"}), "fleet_changes_total")
	if err != nil {
		return nil, err
	}

	return &CoverageCollector{
		gatherer:        gatherer,
		Steps:           steps,
		StepDuration:    duration,
		CoveragePercent: percent,
		CoveredTiles:    tiles,
		FleetSize:       fleetSize,
		FleetChanges:    changes,
	}, nil
}

// ObserveStep records one tick's sample and timing.
func (c *CoverageCollector) ObserveStep(sample model.CoverageSample, satellites int, elapsed time.Duration) {
	if c == nil {
		return
	}
	if c.Steps != nil {
		c.Steps.Inc()
	}
	if c.StepDuration != nil {
		c.StepDuration.Observe(elapsed.Seconds())
	}
	if c.CoveragePercent != nil {
		c.CoveragePercent.Set(sample.CoveragePercent)
	}
	if c.CoveredTiles != nil {
		c.CoveredTiles.Set(float64(sample.CoveredTiles))
	}
	if c.FleetSize != nil {
		c.FleetSize.Set(float64(satellites))
	}
}

// RecordFleetChange counts a fleet operation ("add", "remove", "reset",
// "update") and refreshes the fleet size gauge.
func (c *CoverageCollector) RecordFleetChange(op string, satellites int) {
	if c == nil {
		return
	}
	if c.FleetChanges != nil {
		c.FleetChanges.WithLabelValues(op).Inc()
	}
	if c.FleetSize != nil {
		c.FleetSize.Set(float64(satellites))
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *CoverageCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
