package scan

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResample(t *testing.T) {
	rows := [][]float64{
		{1, 2, 3, 4},
		{1, 2, 3},
		{7},
		{},
	}
	out, changed := Resample(rows)
	require.True(t, changed)

	want := [][]float64{
		{1, 2, 3, 4},
		{1, 1.625, 2.375, 3},
		{7, 7, 7, 7},
		{0, 0, 0, 0},
	}
	if diff := cmp.Diff(want, out, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("Resample mismatch (-want +got):\n%s", diff)
	}
	// the input is left alone
	assert.Len(t, rows[1], 3)
}

func TestResampleUniformRowsUnchanged(t *testing.T) {
	rows := [][]float64{{1, 2}, {3, 4}}
	out, changed := Resample(rows)
	assert.False(t, changed)
	assert.Equal(t, rows, out)
}

func TestRasterMapRoundTrip(t *testing.T) {
	m := &RasterMap{
		ScanID: "3f9c",
		XStart: 0.25,
		YStart: -0.5,
		Step:   0.125,
		Rows:   [][]float64{{1, 2.5, 3}, {4, 5, 6}},
	}
	var buf bytes.Buffer
	n, err := m.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)
	assert.Equal(t, "# scan_id=3f9c x_start=0.25 y_start=-0.5 step=0.125\n1 2.5 3\n4 5 6\n", buf.String())

	got, err := ReadRasterMap(&buf)
	require.NoError(t, err)
	assert.Equal(t, m.ScanID, got.ScanID)
	assert.Equal(t, m.XStart, got.XStart)
	assert.Equal(t, m.YStart, got.YStart)
	assert.Equal(t, m.Step, got.Step)
	assert.Equal(t, m.Rows, got.Rows)
	assert.Equal(t, 2, got.Stats.Rows)
	assert.Equal(t, 3, got.Stats.Cols)
	assert.Equal(t, 6.0, got.Stats.Max)
	assert.InDelta(t, 21.5/6, got.Stats.Mean, 1e-12)
}

func TestReadRasterMapWithoutHeader(t *testing.T) {
	got, err := ReadRasterMap(strings.NewReader("\n1 2\n\n3\t4\n"))
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 2}, {3, 4}}, got.Rows)
	assert.Empty(t, got.ScanID)
}

func TestReadRasterMapErrors(t *testing.T) {
	_, err := ReadRasterMap(strings.NewReader("1 2\n3 x\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2 column 2")

	_, err = ReadRasterMap(strings.NewReader("# step=wide\n1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "header step")
}

func TestRasterMapSummary(t *testing.T) {
	m := &RasterMap{Rows: [][]float64{{1, 3}, {5, 7}}}
	m.Stats.BadAttempts = 1
	m.Summarise()
	assert.Equal(t, 0.5, m.Stats.BadRowFraction)
	assert.Equal(t, 4.0, m.Stats.Mean)
	assert.Equal(t, 7.0, m.Stats.Max)
	assert.Equal(t, []float64{1, 3, 5, 7}, m.Flatten())
}
