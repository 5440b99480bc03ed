package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/banshee-data/confocal.scan/internal/calibrate"
	"github.com/banshee-data/confocal.scan/internal/db"
	"github.com/banshee-data/confocal.scan/internal/fsutil"
	"github.com/banshee-data/confocal.scan/internal/scan"
	"github.com/banshee-data/confocal.scan/internal/units"
)

// regionFlags describe a raster area on the command line.
type regionFlags struct {
	x0, y0, x1, y1 float64
	step           float64
	velocity       float64
	units          string
	runwayMode     string
}

func (r *regionFlags) register(fs *flag.FlagSet) {
	fs.Float64Var(&r.x0, "x0", 0, "Region start on the fast axis")
	fs.Float64Var(&r.y0, "y0", 0, "Region start on the slow axis")
	fs.Float64Var(&r.x1, "x1", 0.01, "Region end on the fast axis")
	fs.Float64Var(&r.y1, "y1", 0.01, "Region end on the slow axis")
	fs.Float64Var(&r.step, "step", 0.001, "Pixel pitch")
	fs.Float64Var(&r.velocity, "velocity", 0, "Line velocity in units/s (0 picks one from the count rate)")
	fs.StringVar(&r.units, "units", units.MM, "Length unit of the region flags: "+units.GetValidUnitsString())
	fs.StringVar(&r.runwayMode, "runway-mode", "", "Runway mode: fast or accurate (default from config)")
}

// region converts the flags to a millimetre region. An empty runway mode
// falls back to def.
func (r *regionFlags) region(def string) (scan.Region, error) {
	if !units.IsValid(r.units) {
		return scan.Region{}, fmt.Errorf("invalid -units %q: expected one of %s", r.units, units.GetValidUnitsString())
	}
	modeName := r.runwayMode
	if modeName == "" {
		modeName = def
	}
	mode, err := calibrate.ParseMode(modeName)
	if err != nil {
		return scan.Region{}, err
	}
	mm := func(v float64) float64 { return units.ToMillimetres(v, r.units) }
	return scan.Region{
		XStart:     mm(r.x0),
		YStart:     mm(r.y0),
		XEnd:       mm(r.x1),
		YEnd:       mm(r.y1),
		Step:       mm(r.step),
		Velocity:   mm(r.velocity),
		RunwayMode: mode,
	}, nil
}

// runner runs one raster per call, each under a fresh scan ID, and keeps the
// database record of every run. It satisfies localize.Scanner.
type runner struct {
	s       *session
	runways scan.Runways
	nextID  func() string
	ids     []string
}

func newRunner(s *session, scanID string) (*runner, error) {
	cal, err := s.calibrator()
	if err != nil {
		return nil, err
	}
	r := &runner{s: s, runways: cal, nextID: uuid.NewString}
	if scanID != "" {
		first := true
		r.nextID = func() string {
			if first {
				first = false
				return scanID
			}
			return uuid.NewString()
		}
	}
	return r, nil
}

func (r *runner) Run(ctx context.Context, region scan.Region, opts scan.RunOptions) (*scan.RasterMap, error) {
	id := r.nextID()
	r.ids = append(r.ids, id)
	opts.ScanID = id
	if opts.Progress == nil {
		opts.Progress = logProgress(r.s.logger.With("scan_id", id))
	}

	orch, err := r.s.orchestrator(id, r.runways)
	if err != nil {
		return nil, err
	}
	if r.s.db != nil {
		rec := &db.Scan{ID: id, Region: region, Mode: r.s.mode, Binning: r.s.binning}
		if err := r.s.db.CreateScan(ctx, rec); err != nil {
			return nil, err
		}
	}

	m, runErr := orch.Run(ctx, region, opts)
	if r.s.db != nil {
		// the run context may be cancelled; the record still needs closing
		if err := r.s.db.FinishScan(context.WithoutCancel(ctx), id, m, runErr); err != nil {
			return m, errors.Join(runErr, err)
		}
	}
	return m, runErr
}

func logProgress(log *slog.Logger) func(scan.Progress) {
	return func(p scan.Progress) {
		log.Debug("scan progress",
			"state", p.State.String(),
			"row", p.Row,
			"rows", p.Rows,
			"bad_attempts", p.BadAttempts,
			"elapsed", p.Elapsed)
	}
}

// writeMap writes m to path, or to stdout when path is empty.
func writeMap(m *scan.RasterMap, path string, stdout io.Writer) error {
	if path == "" {
		_, err := m.WriteTo(stdout)
		return err
	}
	f, err := fsutil.OSFileSystem{}.Create(path)
	if err != nil {
		return err
	}
	if _, err := m.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func runScan(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("scan", stderr)
	var common commonFlags
	var rf regionFlags
	common.register(fs)
	rf.register(fs)
	out := fs.String("out", "", "Write the map to this file instead of stdout")
	scanID := fs.String("scan-id", "", "Scan ID (default: a new UUID)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := openSession(common)
	if err != nil {
		return err
	}
	defer s.Close()

	region, err := rf.region(s.cfg.GetRunwayMode())
	if err != nil {
		return err
	}
	r, err := newRunner(s, *scanID)
	if err != nil {
		return err
	}

	m, runErr := r.Run(ctx, region, scan.RunOptions{})
	if m != nil && len(m.Rows) > 0 {
		if err := writeMap(m, *out, stdout); err != nil {
			return errors.Join(runErr, err)
		}
	}
	if runErr != nil {
		return fmt.Errorf("scan %s: %w", r.ids[0], runErr)
	}
	if *out != "" {
		fmt.Fprintf(stdout, "scan %s: %d x %d pixels, velocity %g mm/s, runway %g mm (%s), bad row fraction %.3f\n",
			m.ScanID, m.Stats.Rows, m.Stats.Cols, m.Stats.Velocity, m.Stats.Runway, m.Stats.RunwayMode, m.Stats.BadRowFraction)
	}
	return nil
}
