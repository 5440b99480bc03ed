// Package scan acquires raster maps by sweeping the stage fast axis line by
// line while the photon counter time-tags the position trigger pulses.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/banshee-data/confocal.scan/internal/instrument"
	"github.com/banshee-data/confocal.scan/internal/monitoring"
	"github.com/banshee-data/confocal.scan/internal/timeutil"
	"github.com/banshee-data/confocal.scan/internal/tttr"
)

// Direction is the travel direction of the fast axis during a line.
type Direction int

const (
	Right Direction = iota
	Left
)

func (d Direction) String() string {
	switch d {
	case Right:
		return "right"
	case Left:
		return "left"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Outcome tags a LineResult.
type Outcome int

const (
	Accepted Outcome = iota
	RetryExhausted
)

func (o Outcome) String() string {
	if o == RetryExhausted {
		return "retry-exhausted"
	}
	return "accepted"
}

// ErrRetryExhausted is returned when every attempt at a line failed
// validation.
var ErrRetryExhausted = errors.New("line retry budget exhausted")

// LineConfig describes one line. Start < End always; Direction decides
// which end the sweep begins at.
type LineConfig struct {
	Start       float64
	End         float64
	TriggerStep float64
	Velocity    float64
	Runway      float64
	Direction   Direction
	Row         int
	Y           float64
}

// ExpectedPixels is the marker interval count of a complete line.
func (c LineConfig) ExpectedPixels() int {
	return int(math.Round((c.End - c.Start) / c.TriggerStep))
}

// Endpoints returns the runway-padded start and finish of the sweep.
func (c LineConfig) Endpoints() (from, to float64) {
	if c.Direction == Left {
		return c.End + c.Runway, c.Start - c.Runway
	}
	return c.Start - c.Runway, c.End + c.Runway
}

func (c LineConfig) validate() error {
	switch {
	case c.Direction != Right && c.Direction != Left:
		return instrument.Configf("direction", "unsupported scan direction %d", int(c.Direction))
	case !(c.TriggerStep > 0):
		return instrument.Configf("trigger_step", "must be positive, got %g", c.TriggerStep)
	case !(c.Velocity > 0):
		return instrument.Configf("velocity", "must be positive, got %g", c.Velocity)
	case !(c.End > c.Start):
		return instrument.Configf("end", "line end %g must exceed start %g", c.End, c.Start)
	case c.Runway < 0:
		return instrument.Configf("runway", "must not be negative, got %g", c.Runway)
	case c.ExpectedPixels() < 1:
		return instrument.Configf("trigger_step", "step %g leaves no pixels in [%g, %g]", c.TriggerStep, c.Start, c.End)
	}
	return nil
}

// LineResult holds the pixels of one line in left-to-right order.
type LineResult struct {
	Pixels      []float64
	Attempts    int
	BadAttempts int
	Outcome     Outcome
	// Raw is the record stream of the accepted attempt, or of the last
	// attempt when the budget ran out.
	Raw []byte
}

// Attempt is one acquisition of a line, passed to a LineRecorder.
type Attempt struct {
	Row       int
	Number    int
	Direction Direction
	Y         float64
	Raw       []byte
	Pixels    int
	Accepted  bool
}

// LineRecorder receives every attempt, accepted or not.
type LineRecorder interface {
	RecordLine(ctx context.Context, a Attempt) error
}

// LineOptions configures a LineScanner. Zero values take defaults.
type LineOptions struct {
	FastAxis     instrument.Axis
	SafeVelocity float64
	PollInterval time.Duration
	MoveTimeout  time.Duration
	FlushDrains  int
	MaxAttempts  int
	// WindowFactor multiplies the expected sweep time to give the counter
	// acquisition window, which is never shorter than WindowMinimum.
	WindowFactor  float64
	WindowMinimum time.Duration
	Polarity      instrument.TriggerPolarity
	Mode          tttr.Mode
	Binning       tttr.Binning
	Clock         timeutil.Clock
	Logger        *slog.Logger
	Recorder      LineRecorder
}

func (o LineOptions) withDefaults() LineOptions {
	if o.FastAxis == "" {
		o.FastAxis = "1"
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
	if o.FlushDrains < 0 {
		o.FlushDrains = 0
	} else if o.FlushDrains == 0 {
		o.FlushDrains = 10
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 25
	}
	if o.WindowFactor < 1 {
		o.WindowFactor = 3
	}
	if o.WindowMinimum <= 0 {
		o.WindowMinimum = 2 * time.Second
	}
	if o.Mode == 0 {
		o.Mode = tttr.T3
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	return o
}

// LineScanner acquires single lines with bounded retry.
type LineScanner struct {
	stage   instrument.MotionPort
	counter instrument.CounterPort
	opts    LineOptions
	logger  *slog.Logger
}

// NewLineScanner wires a scanner to the stage and counter.
func NewLineScanner(stage instrument.MotionPort, counter instrument.CounterPort, opts LineOptions) *LineScanner {
	opts = opts.withDefaults()
	return &LineScanner{
		stage:   stage,
		counter: counter,
		opts:    opts,
		logger:  monitoring.Or(opts.Logger).With("component", "line"),
	}
}

// Options returns the effective options.
func (s *LineScanner) Options() LineOptions {
	return s.opts
}

// Valid reports whether n pixels is an acceptable line for expected
// pixels: a boundary pixel may be missing.
func Valid(n, expected int) bool {
	return n == expected || n == expected-1
}

// Scan acquires cfg, re-scanning with the identical configuration until the
// decoded pixel count is valid or MaxAttempts is reached. Configuration and
// hardware timeout errors end the call immediately.
func (s *LineScanner) Scan(ctx context.Context, cfg LineConfig) (LineResult, error) {
	if err := cfg.validate(); err != nil {
		return LineResult{}, err
	}
	expected := cfg.ExpectedPixels()
	log := s.logger.With("row", cfg.Row, "direction", cfg.Direction.String())

	var res LineResult
	for res.Attempts < s.opts.MaxAttempts {
		res.Attempts++
		raw, err := s.acquire(ctx, cfg)
		if err != nil {
			return res, err
		}
		res.Raw = raw

		pixels := tttr.Pixels(s.opts.Mode, s.opts.Binning, raw)
		ok := Valid(len(pixels), expected)
		s.record(ctx, Attempt{
			Row:       cfg.Row,
			Number:    res.Attempts,
			Direction: cfg.Direction,
			Y:         cfg.Y,
			Raw:       raw,
			Pixels:    len(pixels),
			Accepted:  ok,
		})
		if ok {
			if cfg.Direction == Left {
				slices.Reverse(pixels)
			}
			res.Pixels = pixels
			res.Outcome = Accepted
			log.Debug("line accepted", "attempt", res.Attempts, "pixels", len(pixels))
			return res, nil
		}

		res.BadAttempts++
		log.Warn("line rejected, rescanning", "attempt", res.Attempts, "pixels", len(pixels), "expected", expected)
	}

	res.Outcome = RetryExhausted
	return res, fmt.Errorf("row %d after %d attempts: %w", cfg.Row, res.Attempts, ErrRetryExhausted)
}

func (s *LineScanner) record(ctx context.Context, a Attempt) {
	if s.opts.Recorder == nil {
		return
	}
	if err := s.opts.Recorder.RecordLine(ctx, a); err != nil {
		s.logger.Warn("failed to record line", "row", a.Row, "attempt", a.Number, "error", err)
	}
}

// acquire runs one sweep and returns the drained record stream.
func (s *LineScanner) acquire(ctx context.Context, cfg LineConfig) (raw []byte, err error) {
	axis := s.opts.FastAxis
	clock := s.opts.Clock
	from, to := cfg.Endpoints()

	if err := s.stage.TriggerOutput(ctx, false); err != nil {
		return nil, fmt.Errorf("disable trigger: %w", err)
	}
	if err := instrument.MoveAndWait(ctx, s.stage, axis, from, s.opts.SafeVelocity, clock, s.opts.PollInterval, s.opts.MoveTimeout); err != nil {
		return nil, err
	}

	trigger := instrument.TriggerConfig{
		Axis:     axis,
		Start:    cfg.Start,
		End:      cfg.End,
		Step:     cfg.TriggerStep,
		Velocity: cfg.Velocity,
		Polarity: s.opts.Polarity,
		Mode:     instrument.PositionDistance,
	}
	if err := s.stage.ConfigureTrigger(ctx, trigger); err != nil {
		return nil, fmt.Errorf("configure trigger: %w", err)
	}
	if err := s.stage.TriggerOutput(ctx, true); err != nil {
		return nil, fmt.Errorf("enable trigger: %w", err)
	}

	sweep := time.Duration(math.Abs(to-from) / cfg.Velocity * float64(time.Second))
	window := max(time.Duration(s.opts.WindowFactor*float64(sweep)), s.opts.WindowMinimum)
	if err := s.counter.Start(ctx, window); err != nil {
		return nil, fmt.Errorf("start acquisition: %w", err)
	}
	stopped := false
	defer func() {
		if stopped {
			return
		}
		// leave the hardware idle on error paths
		if stopErr := s.counter.Stop(context.WithoutCancel(ctx)); stopErr != nil {
			s.logger.Warn("failed to stop acquisition", "error", stopErr)
		}
		if trigErr := s.stage.TriggerOutput(context.WithoutCancel(ctx), false); trigErr != nil {
			s.logger.Warn("failed to disable trigger", "error", trigErr)
		}
	}()

	if err := s.stage.SetVelocity(ctx, axis, cfg.Velocity); err != nil {
		return nil, fmt.Errorf("set scan velocity: %w", err)
	}
	if err := s.stage.MoveAbsolute(ctx, axis, to); err != nil {
		return nil, fmt.Errorf("start sweep: %w", err)
	}

	begin := clock.Now()
	for {
		chunk, err := s.counter.Drain(ctx)
		if err != nil {
			return nil, fmt.Errorf("drain counter: %w", err)
		}
		raw = append(raw, chunk...)

		on, err := s.stage.OnTarget(ctx, axis)
		if err != nil {
			return nil, fmt.Errorf("query on-target for axis %s: %w", axis, err)
		}
		if on {
			break
		}
		if clock.Since(begin) >= window {
			return nil, &instrument.HardwareTimeoutError{Axis: axis, Op: "line sweep", Timeout: window}
		}
		if err := timeutil.SleepContext(ctx, clock, s.opts.PollInterval); err != nil {
			return nil, err
		}
	}

	for range s.opts.FlushDrains {
		chunk, err := s.counter.Drain(ctx)
		if err != nil {
			return nil, fmt.Errorf("flush counter: %w", err)
		}
		if len(chunk) == 0 {
			break
		}
		raw = append(raw, chunk...)
	}

	stopped = true
	if err := s.counter.Stop(ctx); err != nil {
		return nil, fmt.Errorf("stop acquisition: %w", err)
	}
	if err := s.stage.TriggerOutput(ctx, false); err != nil {
		return nil, fmt.Errorf("disable trigger: %w", err)
	}
	return raw, nil
}
