// Package localize finds emitters in completed raster maps and refines their
// position by re-scanning ever smaller regions around the brightest pixel.
package localize

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/confocal.scan/internal/monitoring"
	"github.com/banshee-data/confocal.scan/internal/scan"
)

// ErrEmptyMap is returned when there is nothing to search.
var ErrEmptyMap = errors.New("raster map has no pixels")

// Candidate is a bright pixel in absolute stage coordinates.
type Candidate struct {
	Row   int
	Col   int
	X     float64
	Y     float64
	Value float64
}

// candidate places flat index idx by walking the rows, so ragged maps still
// get the right pixel.
func candidate(m *scan.RasterMap, flat []float64, idx int) Candidate {
	row, col := 0, idx
	for row < len(m.Rows) && col >= len(m.Rows[row]) {
		col -= len(m.Rows[row])
		row++
	}
	return Candidate{
		Row:   row,
		Col:   col,
		X:     float64(col)*m.Step + m.XStart,
		Y:     float64(row)*m.Step + m.YStart,
		Value: flat[idx],
	}
}

// FindBrightest returns up to k candidates in descending order of value.
// Equal values keep row-major order.
func FindBrightest(m *scan.RasterMap, k int) []Candidate {
	if m == nil || k <= 0 {
		return nil
	}
	flat := m.Flatten()
	if len(flat) == 0 {
		return nil
	}
	if k == 1 {
		return []Candidate{candidate(m, flat, floats.MaxIdx(flat))}
	}

	idx := make([]int, len(flat))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		return cmp.Compare(flat[b], flat[a])
	})
	k = min(k, len(idx))
	out := make([]Candidate, k)
	for i := range k {
		out[i] = candidate(m, flat, idx[i])
	}
	return out
}

// Scanner runs a raster over a region.
type Scanner interface {
	Run(ctx context.Context, region scan.Region, opts scan.RunOptions) (*scan.RasterMap, error)
}

// Refiner localises the brightest emitter of a region.
type Refiner struct {
	Scanner Scanner
	// Iterations is the number of passes after the first. Default 2.
	Iterations int
	// Shrink scales the half-width and step between passes. Default 0.5.
	Shrink float64
	Logger *slog.Logger
}

// Pass is one raster of a refinement.
type Pass struct {
	Region scan.Region
	Map    *scan.RasterMap
	Best   Candidate
}

// Result is the outcome of Refine. Best comes from the last pass.
type Result struct {
	Best   Candidate
	Passes []Pass
}

// Refine scans region, then re-scans a region centred on the best pixel
// with the half-width and step both scaled by Shrink, Iterations times.
// An explicit velocity is scaled with the step so the dwell per pixel is
// unchanged.
func (r Refiner) Refine(ctx context.Context, region scan.Region, opts scan.RunOptions) (Result, error) {
	iterations := r.Iterations
	if iterations < 0 {
		iterations = 0
	} else if iterations == 0 {
		iterations = 2
	}
	shrink := r.Shrink
	if !(shrink > 0 && shrink < 1) {
		shrink = 0.5
	}
	log := monitoring.Or(r.Logger).With("component", "localize")

	var res Result
	for pass := 0; pass <= iterations; pass++ {
		if pass > 0 {
			region = narrow(region, res.Best, shrink)
		}
		m, err := r.Scanner.Run(ctx, region, opts)
		if err != nil {
			return res, fmt.Errorf("refinement pass %d: %w", pass, err)
		}
		best := FindBrightest(m, 1)
		if len(best) == 0 {
			return res, fmt.Errorf("refinement pass %d: %w", pass, ErrEmptyMap)
		}
		res.Best = best[0]
		res.Passes = append(res.Passes, Pass{Region: region, Map: m, Best: best[0]})
		log.Info("refinement pass",
			"pass", pass,
			"x", best[0].X,
			"y", best[0].Y,
			"value", best[0].Value,
			"step", region.Step)
	}
	return res, nil
}

func narrow(region scan.Region, c Candidate, shrink float64) scan.Region {
	hx := (region.XEnd - region.XStart) / 2 * shrink
	hy := (region.YEnd - region.YStart) / 2 * shrink
	out := region
	out.XStart, out.XEnd = c.X-hx, c.X+hx
	out.YStart, out.YEnd = c.Y-hy, c.Y+hy
	out.Step = region.Step * shrink
	out.Velocity = region.Velocity * shrink
	return out
}
