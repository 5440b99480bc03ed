package tttr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lineStream builds a T3 line in which marker i sits at sync count
// sum(counts[:i]), the layout produced when the detector drives the sync input.
func lineStream(t *testing.T, counts []uint64) []byte {
	t.Helper()
	w := NewWriter(T3)
	var sync uint64 = 500
	require.NoError(t, w.AddMarker(1, sync))
	for _, c := range counts {
		sync += c
		require.NoError(t, w.AddMarker(1, sync))
	}
	return w.Bytes()
}

func TestMarkerIntervalsLength(t *testing.T) {
	for _, n := range []int{2, 3, 10, 101} {
		counts := make([]uint64, n-1)
		for i := range counts {
			counts[i] = uint64(1000 * (i + 1))
		}
		got := MarkerIntervals(T3, lineStream(t, counts))
		require.Len(t, got, n-1, "n=%d markers", n)
		for i, c := range counts {
			assert.Equal(t, float64(c), got[i])
		}
	}
}

func TestMarkerIntervalsAcrossOverflow(t *testing.T) {
	// each pixel crosses at least one 16-bit sync wrap
	counts := []uint64{70000, 140000, 65536}
	got := MarkerIntervals(T3, lineStream(t, counts))
	assert.Equal(t, []float64{70000, 140000, 65536}, got)
}

func TestMarkerIntervalsTooFewMarkers(t *testing.T) {
	assert.Empty(t, MarkerIntervals(T3, nil))
	assert.Empty(t, MarkerIntervals(T3, lineStream(t, nil)))
}

func TestPhotonsPerMarkerInterval(t *testing.T) {
	w := NewWriter(T2)
	require.NoError(t, w.AddPhoton(0, 5)) // before the first marker
	require.NoError(t, w.AddMarker(1, 16))
	for i := range 3 {
		require.NoError(t, w.AddPhoton(0, uint64(20+i)))
	}
	require.NoError(t, w.AddMarker(1, 64))
	require.NoError(t, w.AddMarker(1, T2Wraparound+32))
	require.NoError(t, w.AddPhoton(1, T2Wraparound+40))
	require.NoError(t, w.AddMarker(1, T2Wraparound+96))
	require.NoError(t, w.AddPhoton(0, T2Wraparound+200)) // after the last marker

	got := Pixels(T2, PhotonCountBinning, w.Bytes())
	assert.Equal(t, []float64{3, 0, 1}, got)
}

func TestParseBinning(t *testing.T) {
	b, err := ParseBinning("Photons")
	require.NoError(t, err)
	assert.Equal(t, PhotonCountBinning, b)

	b, err = ParseBinning("")
	require.NoError(t, err)
	assert.Equal(t, MarkerIntervalBinning, b)

	_, err = ParseBinning("histogram")
	assert.Error(t, err)
}
