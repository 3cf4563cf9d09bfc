package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/signalsfoundry/stellarbot/fleet"
	"github.com/signalsfoundry/stellarbot/internal/config"
	"github.com/signalsfoundry/stellarbot/internal/logging"
	"github.com/signalsfoundry/stellarbot/internal/observability"
	"github.com/signalsfoundry/stellarbot/model"
	"github.com/signalsfoundry/stellarbot/sim"
	"github.com/signalsfoundry/stellarbot/timectrl"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "simulator: %v\n", err)
		os.Exit(1)
	}
}

// options are the command-line overrides layered over the loaded config.
type options struct {
	configPath  string
	tlePath     string
	duration    time.Duration
	tick        time.Duration
	accelerated bool
	metricsAddr string
	timeModel   string
	coverage    float64

	set map[string]bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("simulator", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.configPath, "config", "", "path to a JSON/YAML/TOML config file")
	fs.StringVar(&o.tlePath, "tle", "", "file of two-line element sets to add to the fleet")
	fs.DurationVar(&o.duration, "duration", 60*time.Second, "total simulation duration (0 runs until interrupted)")
	fs.DurationVar(&o.tick, "tick", 1*time.Second, "tick interval")
	fs.BoolVar(&o.accelerated, "accelerated", true, "run in accelerated mode (vs real-time)")
	fs.StringVar(&o.metricsAddr, "metrics-addr", ":9090", "HTTP address for Prometheus /metrics (empty disables)")
	fs.StringVar(&o.timeModel, "time-model", "logical", "orbit time model: logical or continuous")
	fs.Float64Var(&o.coverage, "coverage-radius", 0, "sensor coverage radius in km (0 keeps the configured value)")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	o.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { o.set[f.Name] = true })
	return o, nil
}

// apply copies every explicitly set flag over cfg.
func (o options) apply(cfg *config.Simulator) error {
	if o.set["duration"] {
		cfg.Duration = o.duration
	}
	if o.set["tick"] {
		if o.tick <= 0 {
			return errors.New("-tick must be positive")
		}
		cfg.Tick = o.tick
	}
	if o.set["accelerated"] {
		cfg.Accelerated = o.accelerated
	}
	if o.set["metrics-addr"] {
		cfg.MetricsAddr = o.metricsAddr
	}
	if o.set["time-model"] {
		tm, err := model.ParseTimeModel(o.timeModel)
		if err != nil {
			return err
		}
		cfg.TimeModel = tm
	}
	if o.set["coverage-radius"] {
		cfg.Environment.DefaultCoverageRadius = o.coverage
		return cfg.Environment.Validate()
	}
	return nil
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	opts, err := parseFlags(args, stdout)
	if err != nil {
		return err
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if err := opts.apply(&cfg); err != nil {
		return err
	}

	log := logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: stdout,
	})
	ctx, log = logging.WithRunLogger(ctx, log)

	if cfg.Tracing.Writer == nil {
		cfg.Tracing.Writer = stdout
	}
	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := observability.NewCoverageCollector(nil)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	metricsSrv := serveMetrics(ctx, cfg.MetricsAddr, collector)
	defer func() {
		if metricsSrv == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	mode := timectrl.RealTime
	if cfg.Accelerated {
		mode = timectrl.Accelerated
	}
	tc := timectrl.NewTimeController(time.Now().UTC(), cfg.Tick, mode)

	env, err := sim.NewEnvironment(cfg.Environment,
		sim.WithClock(tc),
		sim.WithTimeModel(cfg.TimeModel),
		sim.WithLogger(log),
		sim.WithMetricsRecorder(collector),
		sim.WithTrailLength(cfg.TrailLength),
	)
	if err != nil {
		return fmt.Errorf("build environment: %w", err)
	}
	unsubscribe := env.Subscribe(func(ev fleet.Event) {
		log.Debug(ctx, "fleet event",
			logging.String("type", ev.Type.String()),
			logging.String("id", ev.Satellite.ID.String()),
		)
	})
	defer unsubscribe()

	if opts.tlePath != "" {
		if err := loadTLEs(ctx, env, opts.tlePath, cfg.Environment.DefaultCoverageRadius); err != nil {
			return err
		}
	}

	dt := cfg.Tick.Seconds()
	tc.AddListener(func(simTime time.Time) {
		sample := env.StepContext(ctx, dt)
		log.Info(ctx, "tick",
			logging.String("sim_time", simTime.Format(time.RFC3339)),
			logging.Int("step", sample.Step),
			logging.Int("covered_tiles", sample.CoveredTiles),
			logging.Float("coverage_percent", sample.CoveragePercent),
		)
	})

	log.Info(ctx, "starting simulation",
		logging.Duration("duration", cfg.Duration),
		logging.Duration("tick", cfg.Tick),
		logging.String("mode", mode.String()),
		logging.String("time_model", cfg.TimeModel.String()),
		logging.Int("satellites", len(env.Satellites())),
	)
	<-tc.StartContext(ctx, cfg.Duration)

	summary := summarize(env.CoverageLog())
	log.Info(ctx, "simulation complete",
		logging.Int("steps", summary.steps),
		logging.Float("mean_coverage_percent", summary.mean),
		logging.Float("max_coverage_percent", summary.max),
	)
	return nil
}

type coverageSummary struct {
	steps int
	mean  float64
	max   float64
}

func summarize(samples []model.CoverageSample) coverageSummary {
	s := coverageSummary{steps: len(samples)}
	if len(samples) == 0 {
		return s
	}
	total := 0.0
	for _, sample := range samples {
		total += sample.CoveragePercent
		s.max = max(s.max, sample.CoveragePercent)
	}
	s.mean = total / float64(len(samples))
	return s
}

// contextLogger returns the run logger carried by ctx, or a noop logger.
func contextLogger(ctx context.Context) logging.Logger {
	if l := logging.LoggerFromContext(ctx); l != nil {
		return l
	}
	return logging.Noop()
}

func serveMetrics(ctx context.Context, addr string, collector *observability.CoverageCollector) *http.Server {
	if collector == nil || addr == "" {
		return nil
	}
	log := contextLogger(ctx)
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(ctx, "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(ctx, "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

// loadTLEs adds one satellite per element set in path. Blank lines and
// optional name lines (three-line format) are skipped.
func loadTLEs(ctx context.Context, env *sim.Environment, path string, coverageRadius float64) error {
	log := contextLogger(ctx)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open TLE file %q: %w", path, err)
	}
	defer f.Close()

	sets, err := readTLEs(f)
	if err != nil {
		return fmt.Errorf("read TLE file %q: %w", path, err)
	}
	added := 0
	for i, set := range sets {
		if _, err := env.AddSatelliteFromTLE(set[0], set[1], coverageRadius); err != nil {
			log.Warn(ctx, "skipping element set", logging.Int("index", i), logging.Err(err))
			continue
		}
		added++
	}
	log.Info(ctx, "loaded element sets", logging.String("path", path), logging.Int("count", added))
	return nil
}

func readTLEs(r io.Reader) ([][2]string, error) {
	var (
		sets  [][2]string
		line1 string
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), " \r")
		switch {
		case strings.HasPrefix(line, "1 "):
			line1 = line
		case strings.HasPrefix(line, "2 ") && line1 != "":
			sets = append(sets, [2]string{line1, line})
			line1 = ""
		}
	}
	return sets, sc.Err()
}
