package main

import (
	"context"
	"fmt"
	"io"

	"github.com/banshee-data/confocal.scan/internal/calibrate"
	"github.com/banshee-data/confocal.scan/internal/units"
)

func runCalibrate(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("calibrate", stderr)
	var common commonFlags
	common.register(fs)
	velocity := fs.Float64("velocity", 0, "Line velocity in units/s (required)")
	unit := fs.String("units", units.MM, "Length unit: "+units.GetValidUnitsString())
	modeName := fs.String("mode", "", "Runway mode: fast or accurate (default from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *velocity <= 0 {
		fs.Usage()
		return fmt.Errorf("-velocity must be positive")
	}
	if !units.IsValid(*unit) {
		return fmt.Errorf("invalid -units %q: expected one of %s", *unit, units.GetValidUnitsString())
	}

	s, err := openSession(common)
	if err != nil {
		return err
	}
	defer s.Close()

	if *modeName == "" {
		*modeName = s.cfg.GetRunwayMode()
	}
	mode, err := calibrate.ParseMode(*modeName)
	if err != nil {
		return err
	}
	cal, err := s.calibrator()
	if err != nil {
		return err
	}

	v := units.ToMillimetres(*velocity, *unit)
	runway, err := cal.RunwayFor(ctx, v, mode)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "runway %g %s at %g %s/s (%s)\n",
		units.FromMillimetres(runway, *unit), *unit, *velocity, *unit, mode)
	return nil
}
