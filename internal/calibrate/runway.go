// Package calibrate determines the runway a stage needs before and after the
// measurement window to reach steady velocity at a given scan speed.
package calibrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/interp"

	"github.com/banshee-data/confocal.scan/internal/config"
	"github.com/banshee-data/confocal.scan/internal/instrument"
	"github.com/banshee-data/confocal.scan/internal/monitoring"
	"github.com/banshee-data/confocal.scan/internal/timeutil"
)

// Mode selects how a runway is obtained.
type Mode int

const (
	// Fast interpolates the offline reference curve.
	Fast Mode = iota
	// Accurate measures the tracking error of a short test move.
	Accurate
)

func (m Mode) String() string {
	if m == Accurate {
		return "accurate"
	}
	return "fast"
}

// ParseMode accepts "fast" or "accurate".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fast", "":
		return Fast, nil
	case "accurate":
		return Accurate, nil
	default:
		return 0, instrument.Configf("runway_mode", "unsupported value %q: expected fast or accurate", s)
	}
}

var (
	// ErrNotSettled is returned when the recorded trace never comes back
	// within tolerance after its peak tracking error.
	ErrNotSettled = errors.New("trajectory did not settle within tolerance")

	// ErrEmptyTrajectory is returned when the recorder holds no samples.
	ErrEmptyTrajectory = errors.New("trajectory log is empty")
)

// Store persists measured runways. It is optional.
type Store interface {
	SaveCalibration(ctx context.Context, velocity, runway float64, mode string) error
}

// Options configures a Calibrator. Zero values take defaults.
type Options struct {
	Axis         instrument.Axis
	Distance     float64 // accurate-mode test move, mm
	Tolerance    float64 // settled tracking error, mm
	Table        []config.RunwayPoint
	SafeVelocity float64
	PollInterval time.Duration
	MoveTimeout  time.Duration
	Clock        timeutil.Clock
	Logger       *slog.Logger
	Store        Store
}

func (o Options) withDefaults() Options {
	if o.Axis == "" {
		o.Axis = "1"
	}
	if o.Distance <= 0 {
		o.Distance = 0.1
	}
	if o.Tolerance <= 0 {
		o.Tolerance = 0.0002
	}
	if len(o.Table) == 0 {
		o.Table = config.DefaultRunwayTable()
	}
	if o.SafeVelocity <= 0 {
		o.SafeVelocity = 1.0
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 20 * time.Millisecond
	}
	if o.MoveTimeout <= 0 {
		o.MoveTimeout = instrument.DefaultMoveTimeout
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	return o
}

// Entry is one cached runway.
type Entry struct {
	Runway float64
	Mode   Mode
}

// Table caches runways by velocity. It is filled lazily as velocities are
// requested.
type Table struct {
	mu      sync.Mutex
	entries map[float64]map[Mode]float64
}

func newTable() *Table {
	return &Table{entries: make(map[float64]map[Mode]float64)}
}

func (t *Table) get(v float64, m Mode) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.entries[v][m]
	return r, ok
}

func (t *Table) put(v float64, m Mode, r float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries[v] == nil {
		t.entries[v] = make(map[Mode]float64)
	}
	t.entries[v][m] = r
}

// Len returns the number of cached (velocity, mode) pairs.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, m := range t.entries {
		n += len(m)
	}
	return n
}

// Lookup returns the cached runway for velocity in mode.
func (t *Table) Lookup(velocity float64, mode Mode) (Entry, bool) {
	r, ok := t.get(velocity, mode)
	return Entry{Runway: r, Mode: mode}, ok
}

// Calibrator answers runway queries, measuring on the stage in accurate
// mode and interpolating the reference curve in fast mode.
type Calibrator struct {
	stage  instrument.MotionPort
	opts   Options
	curve  interp.PiecewiseLinear
	minV   float64
	maxV   float64
	table  *Table
	logger *slog.Logger
}

// New builds a Calibrator for the fast axis of stage.
func New(stage instrument.MotionPort, opts Options) (*Calibrator, error) {
	opts = opts.withDefaults()
	xs := make([]float64, len(opts.Table))
	ys := make([]float64, len(opts.Table))
	for i, p := range opts.Table {
		xs[i], ys[i] = p.Velocity, p.Runway
		if i > 0 && xs[i] <= xs[i-1] {
			return nil, instrument.Configf("runway_table", "velocities must be strictly increasing at index %d", i)
		}
	}
	c := &Calibrator{
		stage:  stage,
		opts:   opts,
		table:  newTable(),
		logger: monitoring.Or(opts.Logger).With("component", "runway"),
	}
	if err := c.curve.Fit(xs, ys); err != nil {
		return nil, instrument.Configf("runway_table", "%v", err)
	}
	c.minV, c.maxV = xs[0], xs[len(xs)-1]
	return c, nil
}

// Table returns the lazily built calibration cache.
func (c *Calibrator) Table() *Table {
	return c.table
}

// Domain returns the velocity range covered by the reference curve.
func (c *Calibrator) Domain() (lo, hi float64) {
	return c.minV, c.maxV
}

// RunwayFor returns the runway in mm needed at velocity. In fast mode a
// velocity outside the reference curve is a ConfigurationError; callers
// should fall back to accurate mode.
func (c *Calibrator) RunwayFor(ctx context.Context, velocity float64, mode Mode) (float64, error) {
	if velocity <= 0 || math.IsNaN(velocity) || math.IsInf(velocity, 0) {
		return 0, instrument.Configf("velocity", "must be positive and finite, got %g", velocity)
	}
	if r, ok := c.table.get(velocity, mode); ok {
		return r, nil
	}

	var (
		runway float64
		err    error
	)
	switch mode {
	case Fast:
		runway, err = c.interpolate(velocity)
	case Accurate:
		runway, err = c.measure(ctx, velocity)
	default:
		return 0, instrument.Configf("runway_mode", "unsupported mode %d", mode)
	}
	if err != nil {
		return 0, err
	}

	c.table.put(velocity, mode, runway)
	c.logger.Info("runway calibrated", "velocity", velocity, "runway", runway, "mode", mode.String())
	if c.opts.Store != nil {
		if err := c.opts.Store.SaveCalibration(ctx, velocity, runway, mode.String()); err != nil {
			c.logger.Warn("failed to persist calibration", "error", err)
		}
	}
	return runway, nil
}

func (c *Calibrator) interpolate(velocity float64) (float64, error) {
	if velocity < c.minV || velocity > c.maxV {
		return 0, instrument.Configf("velocity", "%g mm/s outside reference runway table [%g, %g]", velocity, c.minV, c.maxV)
	}
	return c.curve.Predict(velocity), nil
}

func (c *Calibrator) measure(ctx context.Context, velocity float64) (float64, error) {
	axis := c.opts.Axis
	clock := c.opts.Clock

	start, err := c.stage.Position(ctx, axis)
	if err != nil {
		return 0, fmt.Errorf("read start position: %w", err)
	}
	if err := c.stage.ArmTrajectoryRecorder(ctx, axis); err != nil {
		return 0, fmt.Errorf("arm trajectory recorder: %w", err)
	}

	travel := time.Duration(c.opts.Distance / velocity * float64(time.Second))
	if err := instrument.MoveAndWait(ctx, c.stage, axis, start+c.opts.Distance, velocity, clock, c.opts.PollInterval, c.opts.MoveTimeout+travel); err != nil {
		return 0, err
	}

	samples, err := c.waitForTrajectory(ctx)
	if err != nil {
		return 0, err
	}

	if err := instrument.MoveAndWait(ctx, c.stage, axis, start, c.opts.SafeVelocity, clock, c.opts.PollInterval, c.opts.MoveTimeout); err != nil {
		return 0, fmt.Errorf("return to start after calibration: %w", err)
	}

	runway, err := SettlingRunway(samples, c.opts.Tolerance)
	if err != nil {
		return 0, fmt.Errorf("calibrate %g mm/s: %w", velocity, err)
	}
	return runway, nil
}

// waitForTrajectory polls the recorder until it holds samples.
func (c *Calibrator) waitForTrajectory(ctx context.Context) ([]instrument.TrajectorySample, error) {
	clock := c.opts.Clock
	begin := clock.Now()
	for {
		samples, err := c.stage.TrajectoryLog(ctx)
		if err != nil {
			return nil, fmt.Errorf("read trajectory log: %w", err)
		}
		if len(samples) > 0 {
			return samples, nil
		}
		if clock.Since(begin) >= c.opts.MoveTimeout {
			return nil, &instrument.HardwareTimeoutError{Axis: c.opts.Axis, Op: "trajectory recording", Timeout: c.opts.MoveTimeout}
		}
		if err := timeutil.SleepContext(ctx, clock, c.opts.PollInterval); err != nil {
			return nil, err
		}
	}
}

// SettlingRunway finds the sample of peak tracking error, then the first
// later sample whose error is below tolerance, and returns the distance
// travelled from the first sample to it.
func SettlingRunway(samples []instrument.TrajectorySample, tolerance float64) (float64, error) {
	if len(samples) == 0 {
		return 0, ErrEmptyTrajectory
	}
	peak, peakErr := 0, 0.0
	for i, s := range samples {
		if e := math.Abs(s.Commanded - s.Actual); e > peakErr {
			peak, peakErr = i, e
		}
	}
	if peakErr < tolerance {
		return 0, nil
	}
	for i := peak + 1; i < len(samples); i++ {
		if math.Abs(samples[i].Commanded-samples[i].Actual) < tolerance {
			return math.Abs(samples[i].Actual - samples[0].Actual), nil
		}
	}
	return 0, ErrNotSettled
}
