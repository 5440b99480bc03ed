package tttr

import (
	"encoding/binary"
	"fmt"
)

// EncodeT2 packs a T2 record. time is truncated to 28 bits.
func EncodeT2(channel uint8, time uint32) uint32 {
	return uint32(channel&0xF)<<channelShift | time&t2TimeMask
}

// EncodeT3 packs a T3 record.
func EncodeT3(channel uint8, dtime uint16, nsync uint16) uint32 {
	return uint32(channel&0xF)<<channelShift | uint32(dtime&t3DTimeMask)<<t3DTimeShift | uint32(nsync)
}

// T2Overflow is the T2 overflow record.
func T2Overflow() uint32 { return EncodeT2(SpecialChannel, 0) }

// T3Overflow is the T3 overflow record.
func T3Overflow() uint32 { return EncodeT3(SpecialChannel, 0, 0) }

// Writer appends records for an absolute time line, inserting overflow
// records whenever the encoded clock would wrap. Timetags passed to the
// Add methods must be non-decreasing.
type Writer struct {
	mode  Mode
	buf   []byte
	wraps uint64
}

// NewWriter returns an empty Writer for mode.
func NewWriter(mode Mode) *Writer {
	return &Writer{mode: mode}
}

func (w *Writer) period() uint64 {
	if w.mode == T2 {
		return T2Wraparound
	}
	return T3Wraparound
}

func (w *Writer) put(rec uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, rec)
}

func (w *Writer) advance(timetag uint64) (uint64, error) {
	p := w.period()
	if timetag < w.wraps*p {
		return 0, fmt.Errorf("timetag %d precedes current overflow window starting at %d", timetag, w.wraps*p)
	}
	for timetag >= (w.wraps+1)*p {
		if w.mode == T2 {
			w.put(T2Overflow())
		} else {
			w.put(T3Overflow())
		}
		w.wraps++
	}
	return timetag - w.wraps*p, nil
}

// AddPhoton appends a photon event on channel.
func (w *Writer) AddPhoton(channel uint8, timetag uint64) error {
	rel, err := w.advance(timetag)
	if err != nil {
		return err
	}
	if w.mode == T2 {
		w.put(EncodeT2(channel, uint32(rel)))
	} else {
		w.put(EncodeT3(channel, 1, uint16(rel)))
	}
	return nil
}

// AddMarker appends a marker event. markers must be non-zero.
func (w *Writer) AddMarker(markers uint8, timetag uint64) error {
	if markers&0xF == 0 {
		return fmt.Errorf("marker bits must be non-zero")
	}
	rel, err := w.advance(timetag)
	if err != nil {
		return err
	}
	if w.mode == T2 {
		// marker bits share the low nibble with the time field
		w.put(EncodeT2(SpecialChannel, uint32(rel)&^t2MarkerMask|uint32(markers&0xF)))
	} else {
		w.put(EncodeT3(SpecialChannel, uint16(markers&0xF), uint16(rel)))
	}
	return nil
}

// Bytes returns the encoded stream.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the number of records written.
func (w *Writer) Len() int {
	return len(w.buf) / RecordSize
}
