package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/banshee-data/confocal.scan/internal/calibrate"
	"github.com/banshee-data/confocal.scan/internal/instrument"
	"github.com/banshee-data/confocal.scan/internal/monitoring"
	"github.com/banshee-data/confocal.scan/internal/timeutil"
)

// State is the orchestrator's position in a run.
type State int

const (
	Init State = iota
	Calibrating
	Scanning
	Assembling
	Done
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Calibrating:
		return "calibrating"
	case Scanning:
		return "scanning"
	case Assembling:
		return "assembling"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Region is the area to raster. Velocity 0 selects a velocity from the
// count rate at the start corner.
type Region struct {
	XStart     float64
	YStart     float64
	XEnd       float64
	YEnd       float64
	Step       float64
	Velocity   float64
	RunwayMode calibrate.Mode
}

// Rows is the number of lines in the region.
func (r Region) Rows() int {
	return int(math.Round((r.YEnd - r.YStart) / r.Step))
}

// Cols is the expected pixel count of each line.
func (r Region) Cols() int {
	return int(math.Round((r.XEnd - r.XStart) / r.Step))
}

// Validate checks the region geometry.
func (r Region) Validate() error {
	switch {
	case !(r.Step > 0):
		return instrument.Configf("step", "must be positive, got %g", r.Step)
	case !(r.XEnd > r.XStart):
		return instrument.Configf("x_end", "%g must exceed x_start %g", r.XEnd, r.XStart)
	case !(r.YEnd > r.YStart):
		return instrument.Configf("y_end", "%g must exceed y_start %g", r.YEnd, r.YStart)
	case r.Velocity < 0:
		return instrument.Configf("velocity", "must not be negative, got %g", r.Velocity)
	case r.Rows() < 1 || r.Cols() < 1:
		return instrument.Configf("step", "step %g is larger than the region", r.Step)
	}
	return nil
}

// Progress is reported on state changes and every ProgressStep of rows.
type Progress struct {
	State       State
	Row         int
	Rows        int
	BadAttempts int
	Elapsed     time.Duration
}

// RunOptions are per-run settings.
type RunOptions struct {
	ScanID   string
	Progress func(Progress)
}

// Runways supplies the runway for a velocity.
type Runways interface {
	RunwayFor(ctx context.Context, velocity float64, mode calibrate.Mode) (float64, error)
}

// OrchestratorOptions configures an Orchestrator. Zero values take defaults.
type OrchestratorOptions struct {
	FastAxis     instrument.Axis
	SlowAxis     instrument.Axis
	SafeVelocity float64
	MaxVelocity  float64
	TargetSNR    float64
	PollInterval time.Duration
	MoveTimeout  time.Duration
	ProgressStep float64
	Clock        timeutil.Clock
	Logger       *slog.Logger
}

func (o OrchestratorOptions) withDefaults() OrchestratorOptions {
	if o.FastAxis == "" {
		o.FastAxis = "1"
	}
	if o.SlowAxis == "" {
		o.SlowAxis = "2"
	}
	if o.SafeVelocity <= 0 {
		o.SafeVelocity = 1.0
	}
	if o.MaxVelocity <= 0 {
		o.MaxVelocity = 0.5
	}
	if o.TargetSNR <= 0 {
		o.TargetSNR = 10
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 20 * time.Millisecond
	}
	if o.MoveTimeout <= 0 {
		o.MoveTimeout = instrument.DefaultMoveTimeout
	}
	if o.ProgressStep <= 0 || o.ProgressStep > 1 {
		o.ProgressStep = 0.1
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	return o
}

// Orchestrator runs whole rasters: one line at a time, zig-zag, on a
// single stage and counter.
type Orchestrator struct {
	stage   instrument.MotionPort
	counter instrument.CounterPort
	lines   *LineScanner
	runways Runways
	opts    OrchestratorOptions
	logger  *slog.Logger
}

// NewOrchestrator wires the ports, the line scanner and a runway source.
func NewOrchestrator(stage instrument.MotionPort, counter instrument.CounterPort, lines *LineScanner, runways Runways, opts OrchestratorOptions) *Orchestrator {
	opts = opts.withDefaults()
	return &Orchestrator{
		stage:   stage,
		counter: counter,
		lines:   lines,
		runways: runways,
		opts:    opts,
		logger:  monitoring.Or(opts.Logger).With("component", "raster"),
	}
}

// AutoVelocity solves rate*step/v = snr^2 for v, clamped to maxVelocity.
// A dark sample gives maxVelocity.
func AutoVelocity(rate, step, snr, maxVelocity float64) float64 {
	if rate <= 0 {
		return maxVelocity
	}
	return min(rate*step/(snr*snr), maxVelocity)
}

// Run rasters region. When a line exhausts its retries the partial map is
// returned together with ErrRetryExhausted.
func (o *Orchestrator) Run(ctx context.Context, region Region, opts RunOptions) (*RasterMap, error) {
	clock := o.opts.Clock
	begin := clock.Now()
	log := o.logger
	if opts.ScanID != "" {
		log = log.With("scan_id", opts.ScanID)
	}
	report := func(p Progress) {
		p.Elapsed = clock.Since(begin)
		if opts.Progress != nil {
			opts.Progress(p)
		}
	}

	// Init
	if err := region.Validate(); err != nil {
		return nil, err
	}
	rows, cols := region.Rows(), region.Cols()
	report(Progress{State: Init, Rows: rows})
	if err := o.move(ctx, o.opts.FastAxis, region.XStart); err != nil {
		return nil, err
	}
	if err := o.move(ctx, o.opts.SlowAxis, region.YStart); err != nil {
		return nil, err
	}

	// Calibrating
	report(Progress{State: Calibrating, Rows: rows})
	velocity, err := o.velocity(ctx, region)
	if err != nil {
		return nil, err
	}
	runway, mode, err := o.runway(ctx, velocity, region.RunwayMode)
	if err != nil {
		return nil, err
	}
	log.Info("raster calibrated", "rows", rows, "cols", cols, "velocity", velocity, "runway", runway, "runway_mode", mode.String())

	m := &RasterMap{
		ScanID: opts.ScanID,
		XStart: region.XStart,
		YStart: region.YStart,
		Step:   region.Step,
		Rows:   make([][]float64, 0, rows),
		Stats: Stats{
			Velocity:   velocity,
			Runway:     runway,
			RunwayMode: mode.String(),
		},
	}

	// Scanning
	report(Progress{State: Scanning, Rows: rows})
	every := max(1, int(math.Round(float64(rows)*o.opts.ProgressStep)))
	for i := range rows {
		y := region.YStart + float64(i)*region.Step
		if err := o.move(ctx, o.opts.SlowAxis, y); err != nil {
			return o.finish(m, begin, log), err
		}
		dir := Right
		if i%2 == 1 {
			dir = Left
		}
		res, err := o.lines.Scan(ctx, LineConfig{
			Start:       region.XStart,
			End:         region.XEnd,
			TriggerStep: region.Step,
			Velocity:    velocity,
			Runway:      runway,
			Direction:   dir,
			Row:         i,
			Y:           y,
		})
		m.Stats.Attempts += res.Attempts
		m.Stats.BadAttempts += res.BadAttempts
		if err != nil {
			if errors.Is(err, ErrRetryExhausted) {
				log.Error("giving up on raster", "row", i, "error", err)
			}
			return o.finish(m, begin, log), err
		}
		m.Rows = append(m.Rows, res.Pixels)

		if (i+1)%every == 0 || i+1 == rows {
			log.Info("raster progress", "rows_done", i+1, "rows", rows, "bad_attempts", m.Stats.BadAttempts)
			report(Progress{State: Scanning, Row: i + 1, Rows: rows, BadAttempts: m.Stats.BadAttempts})
		}
	}

	// Assembling
	report(Progress{State: Assembling, Row: rows, Rows: rows, BadAttempts: m.Stats.BadAttempts})
	o.finish(m, begin, log)
	report(Progress{State: Done, Row: rows, Rows: rows, BadAttempts: m.Stats.BadAttempts})
	return m, nil
}

// finish puts the rows gathered so far on a common grid and fills Stats.
// Partial maps go through it too.
func (o *Orchestrator) finish(m *RasterMap, begin time.Time, log *slog.Logger) *RasterMap {
	m.Rows, m.Stats.Resampled = Resample(m.Rows)
	if m.Stats.Resampled {
		log.Info("rows resampled to a common grid", "cols", m.Cols())
	}
	m.Stats.Elapsed = o.opts.Clock.Since(begin)
	m.Summarise()
	log.Info("raster finished",
		"elapsed", m.Stats.Elapsed,
		"rows", m.Stats.Rows,
		"bad_attempts", m.Stats.BadAttempts,
		"bad_row_fraction", m.Stats.BadRowFraction)
	return m
}

func (o *Orchestrator) move(ctx context.Context, axis instrument.Axis, position float64) error {
	return instrument.MoveAndWait(ctx, o.stage, axis, position, o.opts.SafeVelocity, o.opts.Clock, o.opts.PollInterval, o.opts.MoveTimeout)
}

func (o *Orchestrator) velocity(ctx context.Context, region Region) (float64, error) {
	if region.Velocity > 0 {
		return region.Velocity, nil
	}
	rate, _, err := o.counter.CountRate(ctx)
	if err != nil {
		return 0, fmt.Errorf("read count rate: %w", err)
	}
	v := AutoVelocity(float64(rate), region.Step, o.opts.TargetSNR, o.opts.MaxVelocity)
	o.logger.Info("velocity chosen from count rate", "rate", rate, "target_snr", o.opts.TargetSNR, "velocity", v)
	return v, nil
}

// runway asks for mode and falls back to accurate when the fast curve does
// not cover velocity.
func (o *Orchestrator) runway(ctx context.Context, velocity float64, mode calibrate.Mode) (float64, calibrate.Mode, error) {
	r, err := o.runways.RunwayFor(ctx, velocity, mode)
	if err == nil {
		return r, mode, nil
	}
	if mode != calibrate.Fast || !errors.Is(err, instrument.ErrConfiguration) {
		return 0, mode, err
	}
	o.logger.Warn("velocity outside reference runway table, measuring instead", "velocity", velocity, "error", err)
	r, err = o.runways.RunwayFor(ctx, velocity, calibrate.Accurate)
	return r, calibrate.Accurate, err
}
