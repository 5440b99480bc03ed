package localize

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/confocal.scan/internal/calibrate"
	"github.com/banshee-data/confocal.scan/internal/scan"
)

func grid(rows, cols int, fill float64) [][]float64 {
	out := make([][]float64, rows)
	for r := range out {
		out[r] = make([]float64, cols)
		for c := range out[r] {
			out[r][c] = fill
		}
	}
	return out
}

func TestFindBrightestSingleMaximum(t *testing.T) {
	m := &scan.RasterMap{XStart: 1.0, YStart: 2.0, Step: 0.5, Rows: grid(5, 5, 1)}
	m.Rows[2][3] = 42

	got := FindBrightest(m, 1)
	require.Len(t, got, 1)
	assert.Equal(t, Candidate{Row: 2, Col: 3, X: 3*0.5 + 1.0, Y: 2*0.5 + 2.0, Value: 42}, got[0])
}

func TestFindBrightestTiesKeepRowMajorOrder(t *testing.T) {
	m := &scan.RasterMap{Step: 1, Rows: [][]float64{{1, 5}, {5, 2}}}

	one := FindBrightest(m, 1)
	require.Len(t, one, 1)
	assert.Equal(t, 0, one[0].Row)
	assert.Equal(t, 1, one[0].Col)

	three := FindBrightest(m, 3)
	require.Len(t, three, 3)
	assert.Equal(t, []int{0, 1, 1}, []int{three[0].Row, three[1].Row, three[2].Row})
	assert.Equal(t, []int{1, 0, 1}, []int{three[0].Col, three[1].Col, three[2].Col})
	assert.Equal(t, []float64{5, 5, 2}, []float64{three[0].Value, three[1].Value, three[2].Value})
}

func TestFindBrightestRaggedRows(t *testing.T) {
	m := &scan.RasterMap{Step: 1, Rows: [][]float64{grid(1, 9, 1)[0], grid(1, 10, 1)[0]}}
	m.Rows[1][0] = 7
	m.Rows[1][9] = 6

	got := FindBrightest(m, 2)
	require.Len(t, got, 2)
	assert.Equal(t, Candidate{Row: 1, Col: 0, X: 0, Y: 1, Value: 7}, got[0])
	assert.Equal(t, Candidate{Row: 1, Col: 9, X: 9, Y: 1, Value: 6}, got[1])
}

func TestFindBrightestEdgeCases(t *testing.T) {
	m := &scan.RasterMap{Step: 1, Rows: [][]float64{{3, 1}}}
	assert.Len(t, FindBrightest(m, 10), 2)
	assert.Nil(t, FindBrightest(m, 0))
	assert.Nil(t, FindBrightest(&scan.RasterMap{}, 1))
	assert.Nil(t, FindBrightest(nil, 1))
}

// peakScanner renders a bright point at (px, py) onto every requested
// region.
type peakScanner struct {
	px, py  float64
	regions []scan.Region
	failAt  int
}

func (s *peakScanner) Run(_ context.Context, region scan.Region, _ scan.RunOptions) (*scan.RasterMap, error) {
	s.regions = append(s.regions, region)
	if s.failAt > 0 && len(s.regions) == s.failAt {
		return nil, scan.ErrRetryExhausted
	}
	m := &scan.RasterMap{XStart: region.XStart, YStart: region.YStart, Step: region.Step}
	m.Rows = grid(region.Rows(), region.Cols(), 0)
	for r, row := range m.Rows {
		for c := range row {
			dx := float64(c)*region.Step + region.XStart - s.px
			dy := float64(r)*region.Step + region.YStart - s.py
			row[c] = 1 / (1 + (dx*dx+dy*dy)/1e-8)
		}
	}
	return m, nil
}

func TestRefineNarrowsOnBrightestPixel(t *testing.T) {
	sc := &peakScanner{px: 0.012, py: 0.008}
	region := scan.Region{XEnd: 0.02, YEnd: 0.02, Step: 0.002, Velocity: 0.02, RunwayMode: calibrate.Fast}

	res, err := Refiner{Scanner: sc}.Refine(context.Background(), region, scan.RunOptions{})
	require.NoError(t, err)
	require.Len(t, res.Passes, 3)
	require.Len(t, sc.regions, 3)

	assert.InDelta(t, 0.012, res.Best.X, 1e-9)
	assert.InDelta(t, 0.008, res.Best.Y, 1e-9)
	assert.Equal(t, res.Passes[2].Best, res.Best)

	second := sc.regions[1]
	assert.InDelta(t, 0.007, second.XStart, 1e-12)
	assert.InDelta(t, 0.017, second.XEnd, 1e-12)
	assert.InDelta(t, 0.003, second.YStart, 1e-12)
	assert.InDelta(t, 0.001, second.Step, 1e-12)
	assert.InDelta(t, 0.01, second.Velocity, 1e-12)
	assert.Equal(t, calibrate.Fast, second.RunwayMode)

	third := sc.regions[2]
	assert.InDelta(t, 0.0095, third.XStart, 1e-12)
	assert.InDelta(t, 0.0005, third.Step, 1e-12)
	for _, r := range sc.regions {
		assert.Equal(t, 10, r.Cols())
		assert.Equal(t, 10, r.Rows())
	}
}

func TestRefineOptions(t *testing.T) {
	region := scan.Region{XEnd: 0.02, YEnd: 0.02, Step: 0.002}

	sc := &peakScanner{px: 0.01, py: 0.01}
	res, err := Refiner{Scanner: sc, Iterations: -1}.Refine(context.Background(), region, scan.RunOptions{})
	require.NoError(t, err)
	assert.Len(t, res.Passes, 1)

	sc = &peakScanner{px: 0.01, py: 0.01}
	_, err = Refiner{Scanner: sc, Iterations: 1, Shrink: 0.25}.Refine(context.Background(), region, scan.RunOptions{})
	require.NoError(t, err)
	require.Len(t, sc.regions, 2)
	assert.InDelta(t, 0.0005, sc.regions[1].Step, 1e-12)
	assert.Zero(t, sc.regions[1].Velocity)
}

func TestRefinePropagatesScanErrors(t *testing.T) {
	sc := &peakScanner{px: 0.01, py: 0.01, failAt: 2}
	region := scan.Region{XEnd: 0.02, YEnd: 0.02, Step: 0.002}

	res, err := Refiner{Scanner: sc}.Refine(context.Background(), region, scan.RunOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, scan.ErrRetryExhausted))
	assert.Contains(t, err.Error(), "refinement pass 1")
	assert.Len(t, res.Passes, 1)
}
