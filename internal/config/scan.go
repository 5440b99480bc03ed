package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// DefaultConfigPath is the path to the canonical scan defaults file.
const DefaultConfigPath = "config/scan.defaults.json"

// RunwayPoint is one offline measurement of the runway needed at a velocity.
type RunwayPoint struct {
	Velocity float64 `json:"velocity"` // mm/s
	Runway   float64 `json:"runway"`   // mm
}

// ScanConfig holds the acquisition tuning parameters. Every field is
// optional; the Get* accessors supply defaults for anything left unset so
// partial files are safe.
type ScanConfig struct {
	// Stage transport
	SerialPort *string `json:"serial_port,omitempty"`
	BaudRate   *int    `json:"baud_rate,omitempty"`
	FastAxis   *string `json:"fast_axis,omitempty"`
	SlowAxis   *string `json:"slow_axis,omitempty"`

	// Motion
	SafeVelocity    *float64 `json:"safe_velocity,omitempty"` // mm/s for positioning moves
	MaxVelocity     *float64 `json:"max_velocity,omitempty"`  // mm/s clamp for auto velocity
	MoveTimeout     *string  `json:"move_timeout,omitempty"`  // duration string like "10s"
	TriggerPolarity *int     `json:"trigger_polarity,omitempty"`

	// Line acquisition
	PollInterval   *string  `json:"poll_interval,omitempty"` // duration string like "20ms"
	FlushDrains    *int     `json:"flush_drains,omitempty"`
	MaxAttempts    *int     `json:"max_attempts,omitempty"`
	WindowFactor   *float64 `json:"acquisition_window_factor,omitempty"`
	WindowMinimum  *string  `json:"acquisition_window_min,omitempty"`
	TTTRMode       *string  `json:"tttr_mode,omitempty"` // "T2" or "T3"
	Binning        *string  `json:"binning,omitempty"`   // "markers" or "photons"
	ProgressStep   *float64 `json:"progress_step,omitempty"`
	TargetSNR      *float64 `json:"target_snr,omitempty"`
	RawDumpDir     *string  `json:"raw_dump_dir,omitempty"`
	PersistRawLine *bool    `json:"persist_raw_lines,omitempty"`

	// Runway calibration
	RunwayMode           *string       `json:"runway_mode,omitempty"` // "fast" or "accurate"
	CalibrationDistance  *float64      `json:"calibration_distance,omitempty"`
	CalibrationTolerance *float64      `json:"calibration_tolerance,omitempty"`
	RunwayTable          []RunwayPoint `json:"runway_table,omitempty"`

	// Emitter refinement
	RefineIterations *int     `json:"refine_iterations,omitempty"`
	RefineShrink     *float64 `json:"refine_shrink,omitempty"`
}

// EmptyScanConfig returns a ScanConfig with all fields unset.
func EmptyScanConfig() *ScanConfig {
	return &ScanConfig{}
}

// LoadScanConfig loads a ScanConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadScanConfig(path string) (*ScanConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyScanConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the current directory
// or one of its parents. Panics if the file cannot be loaded, intended for
// test setup.
func MustLoadDefaultConfig() *ScanConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadScanConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *ScanConfig) Validate() error {
	for name, v := range map[string]*string{
		"move_timeout":           c.MoveTimeout,
		"poll_interval":          c.PollInterval,
		"acquisition_window_min": c.WindowMinimum,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, *v)
		}
	}

	for name, v := range map[string]*float64{
		"safe_velocity":         c.SafeVelocity,
		"max_velocity":          c.MaxVelocity,
		"target_snr":            c.TargetSNR,
		"calibration_distance":  c.CalibrationDistance,
		"calibration_tolerance": c.CalibrationTolerance,
	} {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %f", name, *v)
		}
	}

	if c.WindowFactor != nil && *c.WindowFactor < 1 {
		return fmt.Errorf("acquisition_window_factor must be at least 1, got %f", *c.WindowFactor)
	}
	if c.FlushDrains != nil && *c.FlushDrains < 0 {
		return fmt.Errorf("flush_drains must be non-negative, got %d", *c.FlushDrains)
	}
	if c.MaxAttempts != nil && *c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", *c.MaxAttempts)
	}
	if c.ProgressStep != nil && (*c.ProgressStep <= 0 || *c.ProgressStep > 1) {
		return fmt.Errorf("progress_step must be in (0, 1], got %f", *c.ProgressStep)
	}
	if c.RefineIterations != nil && *c.RefineIterations < 0 {
		return fmt.Errorf("refine_iterations must be non-negative, got %d", *c.RefineIterations)
	}
	if c.RefineShrink != nil && (*c.RefineShrink <= 0 || *c.RefineShrink >= 1) {
		return fmt.Errorf("refine_shrink must be in (0, 1), got %f", *c.RefineShrink)
	}
	if c.TriggerPolarity != nil && *c.TriggerPolarity != 0 && *c.TriggerPolarity != 1 {
		return fmt.Errorf("trigger_polarity must be 0 or 1, got %d", *c.TriggerPolarity)
	}
	if c.TTTRMode != nil {
		switch strings.ToUpper(*c.TTTRMode) {
		case "T2", "T3":
		default:
			return fmt.Errorf("tttr_mode must be T2 or T3, got %q", *c.TTTRMode)
		}
	}
	if c.RunwayMode != nil {
		switch *c.RunwayMode {
		case "fast", "accurate":
		default:
			return fmt.Errorf("runway_mode must be fast or accurate, got %q", *c.RunwayMode)
		}
	}

	if len(c.RunwayTable) == 1 {
		return fmt.Errorf("runway_table needs at least two points, got 1")
	}
	for i, p := range c.RunwayTable {
		if p.Velocity <= 0 || p.Runway < 0 {
			return fmt.Errorf("runway_table[%d] must have positive velocity and non-negative runway, got %+v", i, p)
		}
		if i > 0 && p.Velocity == c.RunwayTable[i-1].Velocity {
			return fmt.Errorf("runway_table[%d] repeats velocity %g", i, p.Velocity)
		}
	}

	return nil
}

func durationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

// GetSerialPort returns the serial_port value or the default.
func (c *ScanConfig) GetSerialPort() string {
	if c.SerialPort == nil {
		return "/dev/ttyUSB0"
	}
	return *c.SerialPort
}

// GetBaudRate returns the baud_rate value or the default.
func (c *ScanConfig) GetBaudRate() int {
	if c.BaudRate == nil {
		return 115200
	}
	return *c.BaudRate
}

// GetFastAxis returns the controller name of the scanned (x) axis.
func (c *ScanConfig) GetFastAxis() string {
	if c.FastAxis == nil || *c.FastAxis == "" {
		return "1"
	}
	return *c.FastAxis
}

// GetSlowAxis returns the controller name of the stepped (y) axis.
func (c *ScanConfig) GetSlowAxis() string {
	if c.SlowAxis == nil || *c.SlowAxis == "" {
		return "2"
	}
	return *c.SlowAxis
}

func (c *ScanConfig) GetSafeVelocity() float64 {
	if c.SafeVelocity == nil {
		return 1.0
	}
	return *c.SafeVelocity
}

func (c *ScanConfig) GetMaxVelocity() float64 {
	if c.MaxVelocity == nil {
		return 0.5
	}
	return *c.MaxVelocity
}

// GetMoveTimeout parses and returns the MoveTimeout as a time.Duration.
func (c *ScanConfig) GetMoveTimeout() time.Duration {
	return durationOr(c.MoveTimeout, 10*time.Second)
}

// GetTriggerPolarity returns the trigger_polarity value or the default (active high).
func (c *ScanConfig) GetTriggerPolarity() int {
	if c.TriggerPolarity == nil {
		return 1
	}
	return *c.TriggerPolarity
}

// GetPollInterval parses and returns the PollInterval as a time.Duration.
func (c *ScanConfig) GetPollInterval() time.Duration {
	return durationOr(c.PollInterval, 20*time.Millisecond)
}

func (c *ScanConfig) GetFlushDrains() int {
	if c.FlushDrains == nil {
		return 10
	}
	return *c.FlushDrains
}

// GetMaxAttempts returns the per-line scan attempt cap.
func (c *ScanConfig) GetMaxAttempts() int {
	if c.MaxAttempts == nil {
		return 25
	}
	return *c.MaxAttempts
}

func (c *ScanConfig) GetWindowFactor() float64 {
	if c.WindowFactor == nil {
		return 3.0
	}
	return *c.WindowFactor
}

func (c *ScanConfig) GetWindowMinimum() time.Duration {
	return durationOr(c.WindowMinimum, 2*time.Second)
}

func (c *ScanConfig) GetTTTRMode() string {
	if c.TTTRMode == nil || *c.TTTRMode == "" {
		return "T3"
	}
	return strings.ToUpper(*c.TTTRMode)
}

func (c *ScanConfig) GetBinning() string {
	if c.Binning == nil || *c.Binning == "" {
		return "markers"
	}
	return *c.Binning
}

// GetProgressStep returns the completion fraction between progress reports.
func (c *ScanConfig) GetProgressStep() float64 {
	if c.ProgressStep == nil {
		return 0.1
	}
	return *c.ProgressStep
}

func (c *ScanConfig) GetTargetSNR() float64 {
	if c.TargetSNR == nil {
		return 10
	}
	return *c.TargetSNR
}

// GetRawDumpDir returns the directory raw line buffers are written to, or
// "" when dumping is disabled.
func (c *ScanConfig) GetRawDumpDir() string {
	if c.RawDumpDir == nil {
		return ""
	}
	return *c.RawDumpDir
}

func (c *ScanConfig) GetPersistRawLines() bool {
	if c.PersistRawLine == nil {
		return true
	}
	return *c.PersistRawLine
}

func (c *ScanConfig) GetRunwayMode() string {
	if c.RunwayMode == nil || *c.RunwayMode == "" {
		return "fast"
	}
	return *c.RunwayMode
}

// GetCalibrationDistance returns the length of the accurate-mode test move in mm.
func (c *ScanConfig) GetCalibrationDistance() float64 {
	if c.CalibrationDistance == nil {
		return 0.1
	}
	return *c.CalibrationDistance
}

// GetCalibrationTolerance returns the settled tracking error in mm.
func (c *ScanConfig) GetCalibrationTolerance() float64 {
	if c.CalibrationTolerance == nil {
		return 0.0002
	}
	return *c.CalibrationTolerance
}

// GetRunwayTable returns the reference curve sorted by velocity.
func (c *ScanConfig) GetRunwayTable() []RunwayPoint {
	table := c.RunwayTable
	if len(table) == 0 {
		table = DefaultRunwayTable()
	}
	out := append([]RunwayPoint(nil), table...)
	sort.Slice(out, func(i, j int) bool { return out[i].Velocity < out[j].Velocity })
	return out
}

// DefaultRunwayTable is the offline reference curve used when the config
// file does not supply one.
func DefaultRunwayTable() []RunwayPoint {
	return []RunwayPoint{
		{Velocity: 0.001, Runway: 0.0005},
		{Velocity: 0.005, Runway: 0.001},
		{Velocity: 0.01, Runway: 0.002},
		{Velocity: 0.05, Runway: 0.006},
		{Velocity: 0.1, Runway: 0.012},
		{Velocity: 0.5, Runway: 0.05},
		{Velocity: 1.0, Runway: 0.1},
	}
}

func (c *ScanConfig) GetRefineIterations() int {
	if c.RefineIterations == nil {
		return 2
	}
	return *c.RefineIterations
}

func (c *ScanConfig) GetRefineShrink() float64 {
	if c.RefineShrink == nil {
		return 0.5
	}
	return *c.RefineShrink
}
