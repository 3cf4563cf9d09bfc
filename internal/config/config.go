package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/signalsfoundry/stellarbot/core"
	"github.com/signalsfoundry/stellarbot/internal/observability"
	"github.com/signalsfoundry/stellarbot/model"
	"github.com/signalsfoundry/stellarbot/sim"
)

// EnvPrefix namespaces environment overrides, e.g. STELLARBOT_GRID_WIDTH.
const EnvPrefix = "STELLARBOT"

// Simulator is the full configuration of the simulator binary.
type Simulator struct {
	Environment sim.Config
	TimeModel   model.TimeModel

	Tick        time.Duration
	Duration    time.Duration
	Accelerated bool
	TrailLength int

	MetricsAddr string
	LogLevel    string
	LogFormat   string

	Tracing observability.TracingConfig
}

// setDefaults mirrors sim.DefaultConfig plus the runtime knobs.
func setDefaults(v *viper.Viper) {
	d := sim.DefaultConfig()
	v.SetDefault("satellites", d.SatelliteCount)
	v.SetDefault("grid.width", d.GridWidth)
	v.SetDefault("grid.height", d.GridHeight)
	v.SetDefault("body.radiusKm", d.BodyRadius)

	v.SetDefault("orbit.altitudeKm", d.DefaultAltitude)
	v.SetDefault("orbit.angularSpeedDeg", d.DefaultAngularSpeed)
	v.SetDefault("orbit.coverageRadiusKm", d.DefaultCoverageRadius)
	v.SetDefault("orbit.timeModel", model.LogicalTime.String())

	v.SetDefault("run.tick", "1s")
	v.SetDefault("run.duration", "60s")
	v.SetDefault("run.accelerated", true)
	v.SetDefault("run.trailLength", core.DefaultTrailLength)

	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	// SIM_TRACING_* seeds the tracing defaults; file keys and STELLARBOT_TRACING_*
	// still win.
	t := observability.TracingConfigFromEnv()
	v.SetDefault("tracing.enabled", t.Enabled)
	v.SetDefault("tracing.exporter", t.Exporter)
	v.SetDefault("tracing.serviceName", t.ServiceName)
	v.SetDefault("tracing.endpoint", t.Endpoint)
	v.SetDefault("tracing.sampleRatio", t.SampleRatio)
}

// New returns a viper instance with defaults and environment overrides
// wired, but no file read.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (JSON, YAML or TOML by extension) over the defaults. An
// empty path uses defaults and environment only.
func Load(path string) (Simulator, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Simulator{}, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return Decode(v)
}

// Decode converts and validates the values held by v.
func Decode(v *viper.Viper) (Simulator, error) {
	tm, err := model.ParseTimeModel(v.GetString("orbit.timeModel"))
	if err != nil {
		return Simulator{}, err
	}

	cfg := Simulator{
		Environment: sim.Config{
			SatelliteCount:        v.GetInt("satellites"),
			GridWidth:             v.GetInt("grid.width"),
			GridHeight:            v.GetInt("grid.height"),
			BodyRadius:            v.GetFloat64("body.radiusKm"),
			DefaultAltitude:       v.GetFloat64("orbit.altitudeKm"),
			DefaultAngularSpeed:   v.GetFloat64("orbit.angularSpeedDeg"),
			DefaultCoverageRadius: v.GetFloat64("orbit.coverageRadiusKm"),
		},
		TimeModel:   tm,
		Tick:        v.GetDuration("run.tick"),
		Duration:    v.GetDuration("run.duration"),
		Accelerated: v.GetBool("run.accelerated"),
		TrailLength: v.GetInt("run.trailLength"),
		MetricsAddr: v.GetString("metrics.addr"),
		LogLevel:    v.GetString("log.level"),
		LogFormat:   v.GetString("log.format"),
		Tracing: observability.TracingConfig{
			Enabled:     v.GetBool("tracing.enabled"),
			Exporter:    strings.ToLower(v.GetString("tracing.exporter")),
			ServiceName: v.GetString("tracing.serviceName"),
			Endpoint:    v.GetString("tracing.endpoint"),
			SampleRatio: v.GetFloat64("tracing.sampleRatio"),
		},
	}

	if err := cfg.Environment.Validate(); err != nil {
		return Simulator{}, err
	}
	if cfg.Tick <= 0 {
		return Simulator{}, errors.New("run.tick must be positive")
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		return Simulator{}, fmt.Errorf("tracing.sampleRatio must be within [0, 1], got %v", cfg.Tracing.SampleRatio)
	}
	return cfg, nil
}
