package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/confocal.scan/internal/calibrate"
	"github.com/banshee-data/confocal.scan/internal/config"
	"github.com/banshee-data/confocal.scan/internal/db"
	"github.com/banshee-data/confocal.scan/internal/fsutil"
	"github.com/banshee-data/confocal.scan/internal/instrument"
	"github.com/banshee-data/confocal.scan/internal/monitoring"
	"github.com/banshee-data/confocal.scan/internal/scan"
	"github.com/banshee-data/confocal.scan/internal/security"
	"github.com/banshee-data/confocal.scan/internal/serialmux"
	"github.com/banshee-data/confocal.scan/internal/sim"
	"github.com/banshee-data/confocal.scan/internal/stage"
	"github.com/banshee-data/confocal.scan/internal/timeutil"
	"github.com/banshee-data/confocal.scan/internal/tttr"
)

// ErrNoCounter is returned when a command needs the photon counter but only
// the stage is attached.
var ErrNoCounter = errors.New("no photon counter driver is available for real hardware; run with -sim")

// simEpoch is the start of simulated time.
var simEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// commonFlags are accepted by every subcommand.
type commonFlags struct {
	configPath string
	dbPath     string
	sim        bool
	simSpot    string
	simRate    float64
	logLevel   string
	dev        bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "Scan configuration JSON (defaults apply when empty)")
	fs.StringVar(&c.dbPath, "db", "", "SQLite database for scans and calibrations (disabled when empty)")
	fs.BoolVar(&c.sim, "sim", false, "Use the simulated stage and counter")
	fs.StringVar(&c.simSpot, "sim-spot", "0.0055,0.005", "Simulated emitter position x,y in mm")
	fs.Float64Var(&c.simRate, "sim-rate", 1e5, "Simulated emitter peak rate in counts/s")
	fs.StringVar(&c.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.BoolVar(&c.dev, "dev", false, "Human-readable console logs")
}

// session holds the hardware and stores shared by one command.
type session struct {
	cfg     *config.ScanConfig
	logger  *slog.Logger
	clock   timeutil.Clock
	stage   instrument.MotionPort
	counter instrument.CounterPort // nil on real hardware
	serial  serialmux.SerialMuxInterface
	db      *db.DB
	mode    tttr.Mode
	binning tttr.Binning
}

func openSession(c commonFlags) (*session, error) {
	logger := monitoring.NewLogger(monitoring.Options{Level: c.logLevel, Development: c.dev})
	monitoring.SetLogger(logger)

	cfg := config.EmptyScanConfig()
	if c.configPath != "" {
		var err error
		if cfg, err = config.LoadScanConfig(c.configPath); err != nil {
			return nil, err
		}
	}
	mode, err := tttr.ParseMode(cfg.GetTTTRMode())
	if err != nil {
		return nil, err
	}
	binning, err := tttr.ParseBinning(cfg.GetBinning())
	if err != nil {
		return nil, err
	}

	s := &session{cfg: cfg, logger: logger, mode: mode, binning: binning}
	if c.sim {
		x, y, err := parsePair(c.simSpot)
		if err != nil {
			return nil, fmt.Errorf("-sim-spot: %w", err)
		}
		clock := timeutil.NewMockClock(simEpoch)
		bench := sim.NewBench(sim.Options{
			Clock:    clock,
			Mode:     mode,
			Sample:   sim.Spots(c.simRate/10, sim.Spot{X: x, Y: y, Sigma: 0.0003, Peak: c.simRate}),
			FastAxis: instrument.Axis(cfg.GetFastAxis()),
			SlowAxis: instrument.Axis(cfg.GetSlowAxis()),
		})
		s.clock, s.stage, s.counter = clock, bench, bench
		logger.Info("using simulated bench", "spot_x", x, "spot_y", y, "peak_rate", c.simRate)
	} else {
		mux, err := serialmux.NewRealSerialMux(cfg.GetSerialPort(), serialmux.PortOptions{BaudRate: cfg.GetBaudRate()})
		if err != nil {
			return nil, fmt.Errorf("open stage controller on %s: %w", cfg.GetSerialPort(), err)
		}
		s.clock = timeutil.RealClock{}
		s.serial = mux
		s.stage = stage.NewGCS(mux, stage.Options{Logger: logger})
	}

	if c.dbPath != "" {
		if s.db, err = db.NewDB(c.dbPath); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *session) Close() error {
	var errs []error
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	if s.serial != nil {
		errs = append(errs, s.serial.Close())
	}
	return errors.Join(errs...)
}

func (s *session) calibrator() (*calibrate.Calibrator, error) {
	opts := calibrate.Options{
		Axis:         instrument.Axis(s.cfg.GetFastAxis()),
		Distance:     s.cfg.GetCalibrationDistance(),
		Tolerance:    s.cfg.GetCalibrationTolerance(),
		Table:        s.cfg.GetRunwayTable(),
		SafeVelocity: s.cfg.GetSafeVelocity(),
		PollInterval: s.cfg.GetPollInterval(),
		MoveTimeout:  s.cfg.GetMoveTimeout(),
		Clock:        s.clock,
		Logger:       s.logger,
	}
	if s.db != nil {
		opts.Store = s.db
	}
	return calibrate.New(s.stage, opts)
}

// orchestrator builds a raster pipeline whose line attempts are recorded
// under scanID.
func (s *session) orchestrator(scanID string, runways scan.Runways) (*scan.Orchestrator, error) {
	if s.counter == nil {
		return nil, ErrNoCounter
	}
	var recorders scan.Recorders
	if s.db != nil && s.cfg.GetPersistRawLines() {
		recorders = append(recorders, s.db.LineStore(scanID))
	}
	if dir := s.cfg.GetRawDumpDir(); dir != "" {
		recorders = append(recorders, scan.RawDumper{FS: fsutil.OSFileSystem{}, Dir: filepath.Join(dir, security.SanitizeFilename(scanID))})
	}
	lineOpts := scan.LineOptions{
		FastAxis:      instrument.Axis(s.cfg.GetFastAxis()),
		SafeVelocity:  s.cfg.GetSafeVelocity(),
		PollInterval:  s.cfg.GetPollInterval(),
		MoveTimeout:   s.cfg.GetMoveTimeout(),
		FlushDrains:   s.cfg.GetFlushDrains(),
		MaxAttempts:   s.cfg.GetMaxAttempts(),
		WindowFactor:  s.cfg.GetWindowFactor(),
		WindowMinimum: s.cfg.GetWindowMinimum(),
		Polarity:      instrument.TriggerPolarity(s.cfg.GetTriggerPolarity()),
		Mode:          s.mode,
		Binning:       s.binning,
		Clock:         s.clock,
		Logger:        s.logger,
	}
	if len(recorders) > 0 {
		lineOpts.Recorder = recorders
	}
	lines := scan.NewLineScanner(s.stage, s.counter, lineOpts)
	return scan.NewOrchestrator(s.stage, s.counter, lines, runways, scan.OrchestratorOptions{
		FastAxis:     instrument.Axis(s.cfg.GetFastAxis()),
		SlowAxis:     instrument.Axis(s.cfg.GetSlowAxis()),
		SafeVelocity: s.cfg.GetSafeVelocity(),
		MaxVelocity:  s.cfg.GetMaxVelocity(),
		TargetSNR:    s.cfg.GetTargetSNR(),
		PollInterval: s.cfg.GetPollInterval(),
		MoveTimeout:  s.cfg.GetMoveTimeout(),
		ProgressStep: s.cfg.GetProgressStep(),
		Clock:        s.clock,
		Logger:       s.logger,
	}), nil
}

func parsePair(s string) (float64, float64, error) {
	a, b, ok := strings.Cut(s, ",")
	if !ok {
		return 0, 0, fmt.Errorf("expected x,y, got %q", s)
	}
	x, err := strconv.ParseFloat(strings.TrimSpace(a), 64)
	if err != nil {
		return 0, 0, err
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(b), 64)
	if err != nil {
		return 0, 0, err
	}
	return x, y, nil
}
