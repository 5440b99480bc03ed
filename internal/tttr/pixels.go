package tttr

import (
	"fmt"
	"strings"
)

// Binning selects how a line's event stream becomes pixel intensities.
type Binning int

const (
	// MarkerIntervalBinning uses the difference between consecutive marker
	// time tags. In T3 mode with the detector on the sync input the
	// difference is the photon count of the pixel.
	MarkerIntervalBinning Binning = iota
	// PhotonCountBinning counts photon events between consecutive markers.
	PhotonCountBinning
)

func (b Binning) String() string {
	if b == PhotonCountBinning {
		return "photons"
	}
	return "markers"
}

// ParseBinning accepts "markers" or "photons".
func ParseBinning(s string) (Binning, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "markers", "marker", "":
		return MarkerIntervalBinning, nil
	case "photons", "photon":
		return PhotonCountBinning, nil
	default:
		return 0, fmt.Errorf("unsupported binning %q: expected markers or photons", s)
	}
}

// MarkerTimetags returns the corrected time tags of every marker in stream.
func MarkerTimetags(mode Mode, stream []byte) []uint64 {
	var out []uint64
	for ev := range Decode(mode, stream) {
		if ev.Kind == Marker {
			out = append(out, ev.Timetag)
		}
	}
	return out
}

// MarkerIntervals returns the pairwise differences of consecutive marker
// time tags. N markers yield N-1 values.
func MarkerIntervals(mode Mode, stream []byte) []float64 {
	tags := MarkerTimetags(mode, stream)
	if len(tags) < 2 {
		return []float64{}
	}
	out := make([]float64, len(tags)-1)
	for i := 1; i < len(tags); i++ {
		out[i-1] = float64(tags[i] - tags[i-1])
	}
	return out
}

// PhotonsPerMarkerInterval counts photon events between consecutive markers.
// Photons before the first marker or after the last are ignored.
func PhotonsPerMarkerInterval(mode Mode, stream []byte) []float64 {
	out := []float64{}
	seenMarker := false
	var count float64
	for ev := range Decode(mode, stream) {
		switch ev.Kind {
		case Marker:
			if seenMarker {
				out = append(out, count)
			}
			seenMarker = true
			count = 0
		case Photon:
			if seenMarker {
				count++
			}
		}
	}
	return out
}

// Pixels converts a line's raw stream into pixel intensities.
func Pixels(mode Mode, binning Binning, stream []byte) []float64 {
	if binning == PhotonCountBinning {
		return PhotonsPerMarkerInterval(mode, stream)
	}
	return MarkerIntervals(mode, stream)
}
