// Package sim provides a simulated stage and photon counter that share one
// clock, so raster scans can run without hardware.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/confocal.scan/internal/instrument"
	"github.com/banshee-data/confocal.scan/internal/timeutil"
	"github.com/banshee-data/confocal.scan/internal/tttr"
)

// Sample returns the photon rate in counts per second at (x, y).
type Sample func(x, y float64) float64

// Options configures a Bench.
type Options struct {
	Clock    timeutil.Clock
	Mode     tttr.Mode
	Sample   Sample
	DarkRate float64
	FastAxis instrument.Axis
	SlowAxis instrument.Axis
	// SettleTime is the servo time constant used for the trajectory
	// recorder: tracking error follows v*t*exp(-t/SettleTime).
	SettleTime time.Duration
	// FIFOCapacity bounds the undrained records; 0 means unbounded.
	FIFOCapacity int
	Position     map[instrument.Axis]float64
}

var (
	ErrNotRunning   = errors.New("counter acquisition is not running")
	ErrZeroVelocity = errors.New("axis velocity is zero")
	ErrUnknownAxis  = errors.New("unknown axis")
)

type move struct {
	from, to, v float64
	start       time.Time
}

func (m *move) duration() time.Duration {
	return time.Duration(math.Abs(m.to-m.from) / m.v * float64(time.Second))
}

func (m *move) at(t time.Time) float64 {
	d := m.v * t.Sub(m.start).Seconds()
	if d <= 0 {
		return m.from
	}
	span := math.Abs(m.to - m.from)
	if d >= span {
		return m.to
	}
	return m.from + math.Copysign(d, m.to-m.from)
}

type axis struct {
	velocity float64
	move     move
}

// Bench is a simulated XY stage with a position trigger wired to a TTTR
// photon counter.
type Bench struct {
	mu   sync.Mutex
	opts Options
	axes map[instrument.Axis]*axis

	trigger        instrument.TriggerConfig
	triggerEnabled bool

	running      bool
	acqDeadline  time.Time
	emittedUntil time.Time
	acquisitions int
	writer       *tttr.Writer
	drained      int
	fifo         []byte
	fifoFull     bool
	photons      float64
	lastT        time.Time
	lastX        float64
	markers      int
	tickOrigin   time.Time

	faults map[int]int

	recAxis  instrument.Axis
	recArmed bool
	recMove  *move
}

// NewBench creates a Bench with both axes at rest.
func NewBench(opts Options) *Bench {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Mode == 0 {
		opts.Mode = tttr.T3
	}
	if opts.Sample == nil {
		opts.Sample = func(x, y float64) float64 { return 0 }
	}
	if opts.FastAxis == "" {
		opts.FastAxis = "1"
	}
	if opts.SlowAxis == "" {
		opts.SlowAxis = "2"
	}
	if opts.SettleTime <= 0 {
		opts.SettleTime = 200 * time.Millisecond
	}
	b := &Bench{
		opts:   opts,
		axes:   make(map[instrument.Axis]*axis),
		faults: make(map[int]int),
	}
	now := opts.Clock.Now()
	for _, name := range []instrument.Axis{opts.FastAxis, opts.SlowAxis} {
		p := opts.Position[name]
		b.axes[name] = &axis{velocity: 1, move: move{from: p, to: p, v: 1, start: now}}
	}
	return b
}

// DropMarkers corrupts acquisition number n (1-based): only the first keep
// markers of that acquisition reach the FIFO.
func (b *Bench) DropMarkers(n, keep int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults[n] = keep
}

// Acquisitions returns how many acquisition windows have been started.
func (b *Bench) Acquisitions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acquisitions
}

// FIFOOverflowed reports whether the current acquisition lost records.
func (b *Bench) FIFOOverflowed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fifoFull
}

func (b *Bench) axis(name instrument.Axis) (*axis, error) {
	a, ok := b.axes[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownAxis, name)
	}
	return a, nil
}

// MoveAbsolute implements instrument.MotionPort.
func (b *Bench) MoveAbsolute(_ context.Context, name instrument.Axis, position float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, err := b.axis(name)
	if err != nil {
		return err
	}
	if a.velocity <= 0 {
		return ErrZeroVelocity
	}
	now := b.opts.Clock.Now()
	// account the part of the previous move already travelled
	b.generate(now)
	a.move = move{from: a.move.at(now), to: position, v: a.velocity, start: now}
	if b.recArmed && name == b.recAxis {
		m := a.move
		b.recMove = &m
		b.recArmed = false
	}
	return nil
}

// SetVelocity implements instrument.MotionPort.
func (b *Bench) SetVelocity(_ context.Context, name instrument.Axis, v float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, err := b.axis(name)
	if err != nil {
		return err
	}
	if v <= 0 {
		return ErrZeroVelocity
	}
	a.velocity = v
	return nil
}

// OnTarget implements instrument.MotionPort.
func (b *Bench) OnTarget(_ context.Context, name instrument.Axis) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, err := b.axis(name)
	if err != nil {
		return false, err
	}
	return !b.opts.Clock.Now().Before(a.move.start.Add(a.move.duration())), nil
}

// Position implements instrument.MotionPort.
func (b *Bench) Position(_ context.Context, name instrument.Axis) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, err := b.axis(name)
	if err != nil {
		return 0, err
	}
	return a.move.at(b.opts.Clock.Now()), nil
}

// ConfigureTrigger implements instrument.MotionPort.
func (b *Bench) ConfigureTrigger(_ context.Context, cfg instrument.TriggerConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.axis(cfg.Axis); err != nil {
		return err
	}
	if cfg.Step <= 0 {
		return fmt.Errorf("trigger step must be positive, got %g", cfg.Step)
	}
	b.trigger = cfg
	return nil
}

// TriggerOutput implements instrument.MotionPort.
func (b *Bench) TriggerOutput(_ context.Context, enabled bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.generate(b.opts.Clock.Now())
	b.triggerEnabled = enabled
	return nil
}

// ArmTrajectoryRecorder implements instrument.MotionPort.
func (b *Bench) ArmTrajectoryRecorder(_ context.Context, name instrument.Axis) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.axis(name); err != nil {
		return err
	}
	b.recAxis, b.recArmed, b.recMove = name, true, nil
	return nil
}

// TrajectoryLog implements instrument.MotionPort. The log stays empty until
// the recorded move and its settling tail have finished.
func (b *Bench) TrajectoryLog(context.Context) ([]instrument.TrajectorySample, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.recMove == nil {
		return nil, nil
	}
	m := *b.recMove
	tau := b.opts.SettleTime.Seconds()
	travel := m.duration().Seconds()
	total := travel + 5*tau
	if b.opts.Clock.Now().Before(m.start.Add(time.Duration(total * float64(time.Second)))) {
		return nil, nil
	}

	const maxSamples = 4096
	dt := math.Max(total/maxSamples, 1e-3)
	sign := math.Copysign(1, m.to-m.from)
	endErr := m.v * travel * math.Exp(-travel/tau)
	var out []instrument.TrajectorySample
	for t := 0.0; t <= total; t += dt {
		cmd := m.at(m.start.Add(time.Duration(t * float64(time.Second))))
		e := m.v * t * math.Exp(-t/tau)
		if t > travel {
			e = endErr * math.Exp(-(t-travel)/tau)
		}
		out = append(out, instrument.TrajectorySample{
			T:         time.Duration(t * float64(time.Second)),
			Commanded: cmd,
			Actual:    cmd - sign*e,
		})
	}
	return out, nil
}

// Start implements instrument.CounterPort.
func (b *Bench) Start(_ context.Context, window time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.opts.Clock.Now()
	b.acquisitions++
	b.running = true
	b.acqDeadline = now.Add(window)
	b.emittedUntil = now.Add(-time.Nanosecond)
	b.tickOrigin = now
	b.writer = tttr.NewWriter(b.opts.Mode)
	b.drained = 0
	b.fifo = nil
	b.fifoFull = false
	b.photons = 0
	b.markers = 0
	b.lastT = now
	if a, ok := b.axes[b.trigger.Axis]; ok {
		b.lastX = a.move.at(now)
	}
	return nil
}

// Stop implements instrument.CounterPort.
func (b *Bench) Stop(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return ErrNotRunning
	}
	b.generate(b.opts.Clock.Now())
	b.running = false
	return nil
}

// Drain implements instrument.CounterPort.
func (b *Bench) Drain(context.Context) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.generate(b.opts.Clock.Now())
	out := b.fifo
	b.fifo = nil
	return out, nil
}

// CountRate implements instrument.CounterPort.
func (b *Bench) CountRate(context.Context) (uint32, uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.opts.Clock.Now()
	x := b.axes[b.opts.FastAxis].move.at(now)
	y := b.axes[b.opts.SlowAxis].move.at(now)
	rate := b.opts.Sample(x, y) + b.opts.DarkRate
	return uint32(math.Round(rate)), uint32(math.Round(b.opts.DarkRate)), nil
}

// generate emits the records for trigger crossings up to now.
func (b *Bench) generate(now time.Time) {
	if !b.running || b.writer == nil {
		return
	}
	horizon := now
	if horizon.After(b.acqDeadline) {
		horizon = b.acqDeadline
	}
	if !horizon.After(b.emittedUntil) {
		return
	}
	if b.triggerEnabled {
		for _, t := range b.crossings(b.emittedUntil, horizon) {
			b.emitMarker(t)
		}
	}
	b.emittedUntil = horizon
	b.flushWriter()
}

// crossings returns the times in (from, to] at which the trigger axis
// passes a trigger position, in travel order.
func (b *Bench) crossings(from, to time.Time) []time.Time {
	cfg := b.trigger
	a, ok := b.axes[cfg.Axis]
	if !ok || cfg.Step <= 0 {
		return nil
	}
	m := a.move
	if m.from == m.to {
		return nil
	}
	n := int(math.Round((cfg.End - cfg.Start) / cfg.Step))
	var out []time.Time
	for i := 0; i <= n; i++ {
		k := i
		if m.to < m.from {
			k = n - i
		}
		p := cfg.Start + float64(k)*cfg.Step
		if p < math.Min(m.from, m.to) || p > math.Max(m.from, m.to) {
			continue
		}
		t := m.start.Add(time.Duration(math.Abs(p-m.from) / m.v * float64(time.Second)))
		if t.After(from) && !t.After(to) {
			out = append(out, t)
		}
	}
	return out
}

func (b *Bench) emitMarker(t time.Time) {
	a := b.axes[b.trigger.Axis]
	x := a.move.at(t)
	y := b.axes[b.opts.SlowAxis].move.at(t)
	if b.trigger.Axis == b.opts.SlowAxis {
		y = b.axes[b.opts.FastAxis].move.at(t)
	}
	dt := t.Sub(b.lastT).Seconds()
	rate := b.opts.Sample((x+b.lastX)/2, y) + b.opts.DarkRate
	n := math.Round(rate * dt)

	if b.opts.Mode == tttr.T2 {
		start := b.ticks(b.lastT)
		end := b.ticks(t)
		for i := 0; i < int(n); i++ {
			tick := start + uint64(float64(end-start)*(float64(i)+0.5)/n)
			_ = b.writer.AddPhoton(0, tick)
		}
	}
	b.photons += n
	b.lastT, b.lastX = t, x

	if keep, faulty := b.faults[b.acquisitions]; faulty && b.markers >= keep {
		return
	}
	b.markers++
	if b.opts.Mode == tttr.T2 {
		_ = b.writer.AddMarker(1, b.ticks(t))
		return
	}
	_ = b.writer.AddMarker(1, uint64(b.photons))
}

// ticks converts t to T2 ticks since the acquisition started.
func (b *Bench) ticks(t time.Time) uint64 {
	return uint64(t.Sub(b.tickOrigin).Seconds() / tttr.T2TickSeconds)
}

func (b *Bench) flushWriter() {
	buf := b.writer.Bytes()
	fresh := buf[b.drained:]
	b.drained = len(buf)
	if b.opts.FIFOCapacity > 0 {
		room := b.opts.FIFOCapacity*tttr.RecordSize - len(b.fifo)
		if room < len(fresh) {
			b.fifoFull = true
			if room < 0 {
				room = 0
			}
			fresh = fresh[:room]
		}
	}
	b.fifo = append(b.fifo, fresh...)
}
