// Package tttr decodes the time-tagged time-resolved (TTTR) record stream
// produced by the photon counter.
package tttr

import (
	"encoding/binary"
	"fmt"
	"iter"
	"strings"
)

/*
TTTR RECORD LAYOUT

Every record is one little-endian 32-bit word read from the counter FIFO.

T2 (absolute time tags, 4 ps ticks):
├── channel [31:28]
└── time    [27:0]
    channel 0xF is special: time[3:0] == 0 marks an overflow (the 28-bit
    clock wrapped), anything else is an external marker with the marker
    bits in time[3:0].

T3 (sync-relative time tags):
├── channel [31:28]
├── dtime   [27:16]  start-stop time from the last sync
└── nsync   [15:0]   sync counter
    channel 0xF with dtime == 0 is an overflow of the 16-bit sync counter,
    channel 0xF with dtime != 0 is an external marker.
*/
const (
	RecordSize = 4 // bytes per record

	SpecialChannel = 0xF

	T2Wraparound = 210698240 // T2 overflow period in 4 ps ticks
	T3Wraparound = 65536     // T3 overflow period in sync counts

	t2TimeMask    = 0x0FFFFFFF
	t2MarkerMask  = 0xF
	t3DTimeMask   = 0xFFF
	t3NSyncMask   = 0xFFFF
	channelShift  = 28
	t3DTimeShift  = 16
	T2TickSeconds = 4e-12
)

// Mode selects the record encoding.
type Mode int

const (
	T2 Mode = iota + 2
	T3
)

func (m Mode) String() string {
	switch m {
	case T2:
		return "T2"
	case T3:
		return "T3"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode accepts "T2"/"T3" in any case.
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "T2":
		return T2, nil
	case "T3", "":
		return T3, nil
	default:
		return 0, fmt.Errorf("unsupported TTTR mode %q: expected T2 or T3", s)
	}
}

// EventKind classifies a decoded record.
type EventKind uint8

const (
	Photon EventKind = iota
	Marker
)

// Event is a decoded photon or marker with an overflow-corrected time tag.
// In T3 mode Timetag counts sync periods and DTime holds the start-stop time.
type Event struct {
	Kind    EventKind
	Channel uint8
	Timetag uint64
	// Markers holds the marker bits of a marker event.
	Markers uint8
	DTime   uint16
}

// Decoder holds the overflow accumulator for one decode pass.
type Decoder struct {
	mode               Mode
	overflowCorrection uint64
	overflows          int
}

// NewDecoder returns a decoder with zero accumulated overflow.
func NewDecoder(mode Mode) *Decoder {
	return &Decoder{mode: mode}
}

// Reset clears the overflow accumulator.
func (d *Decoder) Reset() {
	d.overflowCorrection = 0
	d.overflows = 0
}

// Overflows returns the number of overflow records seen since the last reset.
func (d *Decoder) Overflows() int {
	return d.overflows
}

// Next decodes one raw record. ok is false for overflow records, which only
// advance the accumulator.
func (d *Decoder) Next(rec uint32) (ev Event, ok bool) {
	channel := uint8(rec >> channelShift)
	switch d.mode {
	case T2:
		t := uint64(rec & t2TimeMask)
		if channel == SpecialChannel {
			markers := uint8(t & t2MarkerMask)
			if markers == 0 {
				d.overflowCorrection += T2Wraparound
				d.overflows++
				return Event{}, false
			}
			return Event{Kind: Marker, Channel: channel, Markers: markers, Timetag: d.overflowCorrection + t}, true
		}
		return Event{Kind: Photon, Channel: channel, Timetag: d.overflowCorrection + t}, true
	default:
		dtime := uint16((rec >> t3DTimeShift) & t3DTimeMask)
		nsync := uint64(rec & t3NSyncMask)
		if channel == SpecialChannel {
			if dtime == 0 {
				d.overflowCorrection += T3Wraparound
				d.overflows++
				return Event{}, false
			}
			return Event{Kind: Marker, Channel: channel, Markers: uint8(dtime & 0xF), Timetag: d.overflowCorrection + nsync}, true
		}
		return Event{Kind: Photon, Channel: channel, DTime: dtime, Timetag: d.overflowCorrection + nsync}, true
	}
}

// Decode returns the events in stream. Every iteration starts from a fresh
// decoder, so the sequence can be ranged over more than once. A trailing
// partial record is dropped: reads race with an acquisition in progress, so
// a short tail is expected rather than an error.
func Decode(mode Mode, stream []byte) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		d := NewDecoder(mode)
		for off := 0; off+RecordSize <= len(stream); off += RecordSize {
			ev, ok := d.Next(binary.LittleEndian.Uint32(stream[off:]))
			if !ok {
				continue
			}
			if !yield(ev) {
				return
			}
		}
	}
}

// Records splits stream into raw words, dropping any trailing partial word.
func Records(stream []byte) []uint32 {
	n := len(stream) / RecordSize
	out := make([]uint32, n)
	for i := range n {
		out[i] = binary.LittleEndian.Uint32(stream[i*RecordSize:])
	}
	return out
}
