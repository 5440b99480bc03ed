package main

import (
	"context"
	"errors"
	"io"

	"github.com/banshee-data/confocal.scan/internal/db"
	"github.com/banshee-data/confocal.scan/internal/fsutil"
	"github.com/banshee-data/confocal.scan/internal/scan"
	"github.com/banshee-data/confocal.scan/internal/tttr"
)

func runReprocess(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("reprocess", stderr)
	dbPath := fs.String("db", "", "SQLite database holding the scan")
	scanID := fs.String("scan-id", "", "Scan to rebuild from the database")
	rawDir := fs.String("raw-dir", "", "Rebuild from the raw line dumps in this directory instead")
	modeName := fs.String("mode", "", "Record format T2 or T3 (default: the scan's own, T3 for dumps)")
	binningName := fs.String("binning", "", "Pixel binning: markers or photons (default: the scan's own, markers for dumps)")
	out := fs.String("out", "", "Write the map to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *rawDir == "" && (*dbPath == "" || *scanID == "") {
		fs.Usage()
		return errors.New("either -raw-dir or both -db and -scan-id are required")
	}

	var mode tttr.Mode
	if *modeName != "" {
		var err error
		if mode, err = tttr.ParseMode(*modeName); err != nil {
			return err
		}
	}
	var binning *tttr.Binning
	if *binningName != "" {
		b, err := tttr.ParseBinning(*binningName)
		if err != nil {
			return err
		}
		binning = &b
	}

	var (
		m   *scan.RasterMap
		err error
	)
	if *rawDir != "" {
		if mode == 0 {
			mode = tttr.T3
		}
		bin := tttr.MarkerIntervalBinning
		if binning != nil {
			bin = *binning
		}
		m, err = scan.ReadDump(fsutil.OSFileSystem{}, *rawDir, mode, bin)
	} else {
		var database *db.DB
		if database, err = db.NewDB(*dbPath); err != nil {
			return err
		}
		defer database.Close()
		m, err = database.Reprocess(ctx, *scanID, mode, binning)
	}
	if err != nil {
		return err
	}
	return writeMap(m, *out, stdout)
}
