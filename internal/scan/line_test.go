package scan

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/confocal.scan/internal/fsutil"
	"github.com/banshee-data/confocal.scan/internal/instrument"
	"github.com/banshee-data/confocal.scan/internal/sim"
	"github.com/banshee-data/confocal.scan/internal/timeutil"
	"github.com/banshee-data/confocal.scan/internal/tttr"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// testLine is a 10 pixel line of 1 um pixels swept at 10 um/s.
func testLine(dir Direction) LineConfig {
	return LineConfig{
		Start:       0,
		End:         0.01,
		TriggerStep: 0.001,
		Velocity:    0.01,
		Runway:      0.002,
		Direction:   dir,
	}
}

func newBench(clock timeutil.Clock, mode tttr.Mode, sample sim.Sample) *sim.Bench {
	return sim.NewBench(sim.Options{Clock: clock, Mode: mode, Sample: sample})
}

type memRecorder struct {
	attempts []Attempt
}

func (r *memRecorder) RecordLine(_ context.Context, a Attempt) error {
	r.attempts = append(r.attempts, a)
	return nil
}

func TestScanRightLine(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	bench := newBench(clock, tttr.T3, sim.Uniform(1e5))
	s := NewLineScanner(bench, bench, LineOptions{Clock: clock})

	res, err := s.Scan(context.Background(), testLine(Right))
	require.NoError(t, err)
	assert.Equal(t, Accepted, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.Zero(t, res.BadAttempts)
	require.Len(t, res.Pixels, 10)
	for i, v := range res.Pixels {
		// 1e5 counts/s for 0.1 s per pixel
		assert.InDelta(t, 1e4, v, 1, "pixel %d", i)
	}
	assert.NotEmpty(t, res.Raw)

	// the acquisition was closed and the trigger disabled
	assert.ErrorIs(t, bench.Stop(context.Background()), sim.ErrNotRunning)
}

func TestScanLeftLineIsReversed(t *testing.T) {
	gradient := func(x, y float64) float64 { return 1e4 + 1e7*x }

	clock := timeutil.NewMockClock(epoch)
	bench := newBench(clock, tttr.T3, gradient)
	s := NewLineScanner(bench, bench, LineOptions{Clock: clock})

	right, err := s.Scan(context.Background(), testLine(Right))
	require.NoError(t, err)
	left, err := s.Scan(context.Background(), testLine(Left))
	require.NoError(t, err)

	// both are in reading order: intensity grows with x
	assert.Less(t, right.Pixels[0], right.Pixels[9])
	assert.Less(t, left.Pixels[0], left.Pixels[9])
	if diff := cmp.Diff(right.Pixels, left.Pixels, cmpopts.EquateApprox(0, 1)); diff != "" {
		t.Errorf("left scan differs from right scan (-right +left):\n%s", diff)
	}
}

func TestScanRetriesUntilValid(t *testing.T) {
	for _, m := range []int{0, 1, 4} {
		clock := timeutil.NewMockClock(epoch)
		bench := newBench(clock, tttr.T3, sim.Uniform(1e5))
		for n := 1; n <= m; n++ {
			bench.DropMarkers(n, 3)
		}
		rec := &memRecorder{}
		s := NewLineScanner(bench, bench, LineOptions{Clock: clock, Recorder: rec})

		res, err := s.Scan(context.Background(), testLine(Right))
		require.NoError(t, err, "m=%d", m)
		assert.Equal(t, m+1, res.Attempts, "m=%d", m)
		assert.Equal(t, m, res.BadAttempts, "m=%d", m)
		assert.Equal(t, m+1, bench.Acquisitions(), "m=%d", m)
		assert.Len(t, res.Pixels, 10)

		require.Len(t, rec.attempts, m+1)
		for i, a := range rec.attempts {
			assert.Equal(t, i+1, a.Number)
			assert.Equal(t, i == m, a.Accepted)
		}
		if m > 0 {
			// three markers leave two intervals
			assert.Equal(t, 2, rec.attempts[0].Pixels)
		}
	}
}

func TestScanAcceptsOneMissingPixel(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	bench := newBench(clock, tttr.T3, sim.Uniform(1e5))
	bench.DropMarkers(1, 10)
	s := NewLineScanner(bench, bench, LineOptions{Clock: clock})

	res, err := s.Scan(context.Background(), testLine(Right))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.Len(t, res.Pixels, 9)
}

func TestScanRetryExhausted(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	bench := newBench(clock, tttr.T3, sim.Uniform(1e5))
	for n := 1; n <= 3; n++ {
		bench.DropMarkers(n, 2)
	}
	s := NewLineScanner(bench, bench, LineOptions{Clock: clock, MaxAttempts: 3})

	res, err := s.Scan(context.Background(), testLine(Left))
	require.ErrorIs(t, err, ErrRetryExhausted)
	assert.Equal(t, RetryExhausted, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, res.BadAttempts)
	assert.Nil(t, res.Pixels)
	assert.NotEmpty(t, res.Raw)
}

func TestScanInvalidConfigIsNotRetried(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	bench := newBench(clock, tttr.T3, sim.Uniform(1e5))
	s := NewLineScanner(bench, bench, LineOptions{Clock: clock})

	bad := []LineConfig{
		func() LineConfig { c := testLine(Right); c.Direction = Direction(7); return c }(),
		func() LineConfig { c := testLine(Right); c.TriggerStep = 0; return c }(),
		func() LineConfig { c := testLine(Right); c.Velocity = -1; return c }(),
		func() LineConfig { c := testLine(Right); c.End = -1; return c }(),
		func() LineConfig { c := testLine(Right); c.Runway = -0.1; return c }(),
		func() LineConfig { c := testLine(Right); c.TriggerStep = 1; return c }(),
	}
	for i, cfg := range bad {
		res, err := s.Scan(context.Background(), cfg)
		assert.ErrorIs(t, err, instrument.ErrConfiguration, "case %d", i)
		assert.Zero(t, res.Attempts, "case %d", i)
	}
	assert.Zero(t, bench.Acquisitions())

	var cfgErr *instrument.ConfigurationError
	_, err := s.Scan(context.Background(), bad[0])
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "direction", cfgErr.Field)
}

// frozenStage never reaches its target.
type frozenStage struct {
	*sim.Bench
}

func (frozenStage) OnTarget(context.Context, instrument.Axis) (bool, error) {
	return false, nil
}

func TestScanMoveTimeoutPropagates(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	bench := newBench(clock, tttr.T3, sim.Uniform(1e5))
	s := NewLineScanner(frozenStage{bench}, bench, LineOptions{Clock: clock, MoveTimeout: time.Second})

	res, err := s.Scan(context.Background(), testLine(Right))
	require.ErrorIs(t, err, instrument.ErrHardwareTimeout)
	assert.Equal(t, 1, res.Attempts)
	assert.Zero(t, bench.Acquisitions())
}

// stalledSweep reaches the approach position but never finishes the sweep.
type stalledSweep struct {
	*sim.Bench
	target float64
}

func (s *stalledSweep) MoveAbsolute(ctx context.Context, axis instrument.Axis, position float64) error {
	s.target = position
	return s.Bench.MoveAbsolute(ctx, axis, position)
}

func (s *stalledSweep) OnTarget(ctx context.Context, axis instrument.Axis) (bool, error) {
	if s.target > 0.011 {
		return false, nil
	}
	return s.Bench.OnTarget(ctx, axis)
}

func TestScanAcquisitionWindowTimeout(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	bench := newBench(clock, tttr.T3, sim.Uniform(1e5))
	s := NewLineScanner(&stalledSweep{Bench: bench}, bench, LineOptions{Clock: clock})

	start := clock.Now()
	_, err := s.Scan(context.Background(), testLine(Right))
	var hwErr *instrument.HardwareTimeoutError
	require.True(t, errors.As(err, &hwErr), "got %v", err)
	assert.Equal(t, "line sweep", hwErr.Op)
	// three times the 1.4 s sweep
	assert.InDelta(t, 4.2, hwErr.Timeout.Seconds(), 1e-6)
	assert.GreaterOrEqual(t, clock.Since(start), hwErr.Timeout)

	// the failed attempt still stopped the counter
	assert.ErrorIs(t, bench.Stop(context.Background()), sim.ErrNotRunning)
}

// arrivalStage notes when the sweep reaches its far endpoint.
type arrivalStage struct {
	*sim.Bench
	target  float64
	arrived bool
}

func (s *arrivalStage) MoveAbsolute(ctx context.Context, axis instrument.Axis, position float64) error {
	s.target = position
	return s.Bench.MoveAbsolute(ctx, axis, position)
}

func (s *arrivalStage) OnTarget(ctx context.Context, axis instrument.Axis) (bool, error) {
	on, err := s.Bench.OnTarget(ctx, axis)
	if on && s.target > 0.011 {
		s.arrived = true
	}
	return on, err
}

// laggingFIFO holds every record back until the stage has arrived and then
// hands them over in two halves.
type laggingFIFO struct {
	*sim.Bench
	stage  *arrivalStage
	held   []byte
	drains int
}

func (f *laggingFIFO) Drain(ctx context.Context) ([]byte, error) {
	chunk, err := f.Bench.Drain(ctx)
	if err != nil {
		return nil, err
	}
	f.held = append(f.held, chunk...)
	if !f.stage.arrived {
		return nil, nil
	}
	f.drains++
	n := len(f.held)
	if f.drains == 1 {
		n = n / (2 * tttr.RecordSize) * tttr.RecordSize
	}
	out := slices.Clone(f.held[:n])
	f.held = f.held[n:]
	return out, nil
}

func TestScanFlushStopsAtFirstEmptyDrain(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	bench := newBench(clock, tttr.T3, sim.Uniform(1e5))
	stage := &arrivalStage{Bench: bench}
	fifo := &laggingFIFO{Bench: bench, stage: stage}
	s := NewLineScanner(stage, fifo, LineOptions{Clock: clock})

	res, err := s.Scan(context.Background(), testLine(Right))
	require.NoError(t, err)
	assert.Equal(t, Accepted, res.Outcome)
	assert.Len(t, res.Pixels, 10)
	// two halves and then the empty drain that ends the flush
	assert.Equal(t, 3, fifo.drains)
}

func TestScanCancelled(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	bench := newBench(clock, tttr.T3, sim.Uniform(1e5))
	s := NewLineScanner(bench, bench, LineOptions{Clock: clock})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Scan(ctx, testLine(Right))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScanT2PhotonBinning(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	bench := newBench(clock, tttr.T2, sim.Uniform(2000))
	s := NewLineScanner(bench, bench, LineOptions{
		Clock:   clock,
		Mode:    tttr.T2,
		Binning: tttr.PhotonCountBinning,
	})

	res, err := s.Scan(context.Background(), testLine(Right))
	require.NoError(t, err)
	require.Len(t, res.Pixels, 10)
	for i, v := range res.Pixels {
		assert.InDelta(t, 200, v, 1, "pixel %d", i)
	}
}

func TestRawDumper(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	bench := newBench(clock, tttr.T3, sim.Uniform(1e5))
	bench.DropMarkers(1, 1)
	memfs := fsutil.NewMemoryFileSystem()
	s := NewLineScanner(bench, bench, LineOptions{
		Clock:    clock,
		Recorder: Recorders{RawDumper{FS: memfs, Dir: "raw/scan-1"}},
	})

	cfg := testLine(Right)
	cfg.Row = 4
	res, err := s.Scan(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, []string{"raw/scan-1/row0004_attempt01.rejected.tttr", "raw/scan-1/row0004_attempt02.tttr"}, memfs.Files("raw/"))
	dumped, err := memfs.ReadFile("raw/scan-1/row0004_attempt02.tttr")
	require.NoError(t, err)
	assert.Equal(t, res.Raw, dumped)
	assert.Len(t, tttr.MarkerIntervals(tttr.T3, dumped), 10)
}

func TestValid(t *testing.T) {
	assert.True(t, Valid(10, 10))
	assert.True(t, Valid(9, 10))
	assert.False(t, Valid(8, 10))
	assert.False(t, Valid(11, 10))
}
