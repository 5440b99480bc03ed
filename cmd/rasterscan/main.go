// Command rasterscan drives a confocal raster-scan microscope: it runs
// rasters, calibrates stage runways, localises emitters, and rebuilds maps
// from stored raw lines.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/confocal.scan/internal/version"
)

// errUsage marks command line mistakes; the usage text has already been
// printed.
var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		if !errors.Is(err, errUsage) && !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "rasterscan: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) < 1 {
		printUsage(stderr)
		return errUsage
	}

	command, rest := args[0], args[1:]
	switch command {
	case "scan":
		return runScan(ctx, rest, stdout, stderr)
	case "calibrate":
		return runCalibrate(ctx, rest, stdout, stderr)
	case "locate":
		return runLocate(ctx, rest, stdout, stderr)
	case "reprocess":
		return runReprocess(ctx, rest, stdout, stderr)
	case "serve":
		return runServe(ctx, rest, stdout, stderr)
	case "migrate":
		return runMigrate(ctx, rest, stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "rasterscan version %s\n", version.String())
		return nil
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", command)
		printUsage(stderr)
		return errUsage
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `rasterscan - confocal raster-scan acquisition

Usage: rasterscan <command> [options]

Commands:
  scan       Raster a region and write the intensity map
  calibrate  Report the runway needed at a velocity
  locate     Refine onto the brightest emitter, or list the k brightest
  reprocess  Rebuild a map from the raw lines stored in the database
  serve      Serve the scan database and debug routes over HTTP
  migrate    Show or change the database schema version (status, up, down)
  version    Show the rasterscan version
  help       Show this help message

Common Flags:
  -config <file>     Scan configuration JSON (see config/scan.defaults.json)
  -db <file>         SQLite database for scans, raw lines and calibrations
  -sim               Use the simulated stage and photon counter
  -sim-spot <x,y>    Position of the simulated emitter in mm
  -log-level <lvl>   debug, info, warn or error
  -dev               Human-readable console logs

Examples:
  # Simulated 10 x 10 um raster at 10 um/s
  rasterscan scan -sim -x1 10 -y1 10 -step 1 -velocity 10 -units um -out map.txt

  # Refine onto the brightest emitter and store every pass
  rasterscan locate -sim -db scans.db -x1 0.01 -y1 0.01 -step 0.001

  # Rebuild a stored scan with photon-count binning
  rasterscan reprocess -db scans.db -scan-id <id> -binning photons
`)
}

// newFlagSet returns a FlagSet that reports errors instead of exiting.
func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}
