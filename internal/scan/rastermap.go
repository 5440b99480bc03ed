package scan

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/interp"
	"gonum.org/v1/gonum/stat"
)

// Stats summarises a raster run.
type Stats struct {
	Rows           int
	Cols           int
	Attempts       int
	BadAttempts    int
	BadRowFraction float64
	Resampled      bool
	Velocity       float64
	Runway         float64
	RunwayMode     string
	Elapsed        time.Duration
	Mean           float64
	Max            float64
}

// RasterMap is a row-major intensity grid in reading order. Pixel (r, c)
// sits at x = XStart + c*Step, y = YStart + r*Step.
type RasterMap struct {
	ScanID string
	XStart float64
	YStart float64
	Step   float64
	Rows   [][]float64
	Stats  Stats
}

// Cols returns the width of the widest row.
func (m *RasterMap) Cols() int {
	n := 0
	for _, r := range m.Rows {
		n = max(n, len(r))
	}
	return n
}

// Flatten returns the rows concatenated in row-major order.
func (m *RasterMap) Flatten() []float64 {
	var out []float64
	for _, r := range m.Rows {
		out = append(out, r...)
	}
	return out
}

// Summarise fills the derived Stats fields from Rows.
func (m *RasterMap) Summarise() {
	flat := m.Flatten()
	m.Stats.Rows = len(m.Rows)
	m.Stats.Cols = m.Cols()
	if len(flat) > 0 {
		m.Stats.Mean = stat.Mean(flat, nil)
		m.Stats.Max = floats.Max(flat)
	}
	if m.Stats.Rows > 0 {
		m.Stats.BadRowFraction = float64(m.Stats.BadAttempts) / float64(m.Stats.Rows)
	}
}

// Resample brings rows of differing length onto the widest row's grid by
// linear interpolation over pixel centres spanning each row's own extent.
// It reports whether any row changed.
func Resample(rows [][]float64) ([][]float64, bool) {
	width := 0
	uniform := true
	for i, r := range rows {
		if i > 0 && len(r) != len(rows[0]) {
			uniform = false
		}
		width = max(width, len(r))
	}
	if uniform {
		return rows, false
	}

	out := make([][]float64, len(rows))
	for i, r := range rows {
		if len(r) == width {
			out[i] = r
			continue
		}
		out[i] = resampleRow(r, width)
	}
	return out, true
}

// resampleRow maps r onto width pixels. Both grids cover [0, 1].
func resampleRow(r []float64, width int) []float64 {
	out := make([]float64, width)
	switch len(r) {
	case 0:
		return out
	case 1:
		for k := range out {
			out[k] = r[0]
		}
		return out
	}

	xs := make([]float64, len(r))
	for j := range r {
		xs[j] = (float64(j) + 0.5) / float64(len(r))
	}
	var pl interp.PiecewiseLinear
	if err := pl.Fit(xs, r); err != nil {
		// xs is strictly increasing with at least two points
		panic(err)
	}
	for k := range out {
		x := (float64(k) + 0.5) / float64(width)
		out[k] = pl.Predict(min(max(x, xs[0]), xs[len(xs)-1]))
	}
	return out
}

// WriteTo writes a commented header and then one whitespace separated line
// per row.
func (m *RasterMap) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var n int64
	c, err := fmt.Fprintf(bw, "# scan_id=%s x_start=%s y_start=%s step=%s\n",
		m.ScanID, fmtFloat(m.XStart), fmtFloat(m.YStart), fmtFloat(m.Step))
	n += int64(c)
	if err != nil {
		return n, err
	}
	for _, row := range m.Rows {
		fields := make([]string, len(row))
		for i, v := range row {
			fields[i] = fmtFloat(v)
		}
		c, err := bw.WriteString(strings.Join(fields, " ") + "\n")
		n += int64(c)
		if err != nil {
			return n, err
		}
	}
	return n, bw.Flush()
}

func fmtFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// ReadRasterMap parses the format written by WriteTo. The header is
// optional; any whitespace separated numeric grid is accepted.
func ReadRasterMap(r io.Reader) (*RasterMap, error) {
	m := &RasterMap{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, "#") {
			if err := m.parseHeader(text); err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			continue
		}
		fields := strings.Fields(text)
		row := make([]float64, len(fields))
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d column %d: %w", line, i+1, err)
			}
			row[i] = v
		}
		m.Rows = append(m.Rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	m.Summarise()
	return m, nil
}

func (m *RasterMap) parseHeader(text string) error {
	for _, kv := range strings.Fields(strings.TrimPrefix(text, "#")) {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		var dst *float64
		switch key {
		case "scan_id":
			m.ScanID = value
			continue
		case "x_start":
			dst = &m.XStart
		case "y_start":
			dst = &m.YStart
		case "step":
			dst = &m.Step
		default:
			continue
		}
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("header %s: %w", key, err)
		}
		*dst = v
	}
	return nil
}
