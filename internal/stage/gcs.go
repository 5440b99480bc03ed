// Package stage drives a piezo stage controller that speaks the GCS ASCII
// command set over a serial line.
package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/confocal.scan/internal/instrument"
	"github.com/banshee-data/confocal.scan/internal/monitoring"
)

// Commander is the line transport to the controller.
type Commander interface {
	SendCommand(command string) error
	Query(ctx context.Context, command string) (string, error)
}

// CTO parameter ids.
const (
	ctoTriggerStep    = 1
	ctoAxis           = 2
	ctoTriggerMode    = 3
	ctoPolarity       = 7
	ctoStartThreshold = 8
	ctoStopThreshold  = 9
)

// Recorder options for DRC.
const (
	recordCommanded = 1
	recordActual    = 2
	// DRT source: start recording on the next command that changes position.
	triggerOnMove = 2
)

// ErrMalformedReply is returned when a reply cannot be parsed.
var ErrMalformedReply = errors.New("malformed controller reply")

// ControllerError is a non-zero ERR? code reported after a command.
type ControllerError struct {
	Code    int
	Command string
}

func (e *ControllerError) Error() string {
	return fmt.Sprintf("controller error %d after %q", e.Code, e.Command)
}

// Options configures a GCS stage.
type Options struct {
	// TriggerLine is the digital output wired to the counter marker input.
	TriggerLine int
	// RecordRate divides the servo rate for the trajectory recorder.
	RecordRate int
	ServoCycle time.Duration
	// SkipErrorCheck disables the ERR? query after each command.
	SkipErrorCheck bool
	Logger         *slog.Logger
}

// GCS implements instrument.MotionPort.
type GCS struct {
	conn   Commander
	opts   Options
	logger *slog.Logger
}

var _ instrument.MotionPort = (*GCS)(nil)

// NewGCS wraps conn.
func NewGCS(conn Commander, opts Options) *GCS {
	if opts.TriggerLine <= 0 {
		opts.TriggerLine = 1
	}
	if opts.RecordRate <= 0 {
		opts.RecordRate = 10
	}
	if opts.ServoCycle <= 0 {
		opts.ServoCycle = 50 * time.Microsecond
	}
	return &GCS{
		conn:   conn,
		opts:   opts,
		logger: monitoring.Or(opts.Logger).With("component", "stage"),
	}
}

// SamplePeriod is the spacing of trajectory recorder samples.
func (g *GCS) SamplePeriod() time.Duration {
	return g.opts.ServoCycle * time.Duration(g.opts.RecordRate)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// command sends one command and, unless disabled, checks ERR?.
func (g *GCS) command(ctx context.Context, format string, args ...any) error {
	cmd := fmt.Sprintf(format, args...)
	g.logger.Debug("gcs command", "command", cmd)
	if err := g.conn.SendCommand(cmd); err != nil {
		return fmt.Errorf("send %q: %w", cmd, err)
	}
	if g.opts.SkipErrorCheck {
		return nil
	}
	reply, err := g.conn.Query(ctx, "ERR?")
	if err != nil {
		return fmt.Errorf("check error after %q: %w", cmd, err)
	}
	code, err := strconv.Atoi(strings.TrimSpace(reply))
	if err != nil {
		return fmt.Errorf("%w: ERR? returned %q", ErrMalformedReply, reply)
	}
	if code != 0 {
		return &ControllerError{Code: code, Command: cmd}
	}
	return nil
}

// queryValue sends a query and returns the value after "axis=".
func (g *GCS) queryValue(ctx context.Context, format string, args ...any) (string, error) {
	cmd := fmt.Sprintf(format, args...)
	reply, err := g.conn.Query(ctx, cmd)
	if err != nil {
		return "", err
	}
	i := strings.LastIndexByte(reply, '=')
	if i < 0 {
		return "", fmt.Errorf("%w: %q returned %q", ErrMalformedReply, cmd, reply)
	}
	return strings.TrimSpace(reply[i+1:]), nil
}

func (g *GCS) MoveAbsolute(ctx context.Context, axis instrument.Axis, position float64) error {
	return g.command(ctx, "MOV %s %s", axis, formatFloat(position))
}

func (g *GCS) SetVelocity(ctx context.Context, axis instrument.Axis, velocity float64) error {
	return g.command(ctx, "VEL %s %s", axis, formatFloat(velocity))
}

func (g *GCS) OnTarget(ctx context.Context, axis instrument.Axis) (bool, error) {
	v, err := g.queryValue(ctx, "ONT? %s", axis)
	if err != nil {
		return false, err
	}
	switch v {
	case "1":
		return true, nil
	case "0":
		return false, nil
	}
	return false, fmt.Errorf("%w: ONT? %s returned %q", ErrMalformedReply, axis, v)
}

func (g *GCS) Position(ctx context.Context, axis instrument.Axis) (float64, error) {
	v, err := g.queryValue(ctx, "POS? %s", axis)
	if err != nil {
		return 0, err
	}
	pos, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: POS? %s returned %q", ErrMalformedReply, axis, v)
	}
	return pos, nil
}

// ConfigureTrigger programs the trigger output with CTO. Velocity is not a
// CTO parameter; it is applied to the axis separately by the scanner.
func (g *GCS) ConfigureTrigger(ctx context.Context, cfg instrument.TriggerConfig) error {
	line := g.opts.TriggerLine
	params := []struct {
		id    int
		value string
	}{
		{ctoAxis, string(cfg.Axis)},
		{ctoTriggerMode, strconv.Itoa(int(cfg.Mode))},
		{ctoPolarity, strconv.Itoa(int(cfg.Polarity))},
		{ctoTriggerStep, formatFloat(cfg.Step)},
		{ctoStartThreshold, formatFloat(cfg.Start)},
		{ctoStopThreshold, formatFloat(cfg.End)},
	}
	for _, p := range params {
		if err := g.command(ctx, "CTO %d %d %s", line, p.id, p.value); err != nil {
			return err
		}
	}
	return nil
}

func (g *GCS) TriggerOutput(ctx context.Context, enabled bool) error {
	state := 0
	if enabled {
		state = 1
	}
	return g.command(ctx, "TRO %d %d", g.opts.TriggerLine, state)
}

func (g *GCS) ArmTrajectoryRecorder(ctx context.Context, axis instrument.Axis) error {
	if err := g.command(ctx, "RTR %d", g.opts.RecordRate); err != nil {
		return err
	}
	if err := g.command(ctx, "DRC 1 %s %d", axis, recordCommanded); err != nil {
		return err
	}
	if err := g.command(ctx, "DRC 2 %s %d", axis, recordActual); err != nil {
		return err
	}
	return g.command(ctx, "DRT 0 %d 0", triggerOnMove)
}

// TrajectoryLog reads record tables 1 and 2. It returns no samples while
// the controller reports zero recorded points.
func (g *GCS) TrajectoryLog(ctx context.Context) ([]instrument.TrajectorySample, error) {
	v, err := g.queryValue(ctx, "DRL? 1")
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, fmt.Errorf("%w: DRL? 1 returned %q", ErrMalformedReply, v)
	}
	if n == 0 {
		return nil, nil
	}

	reply, err := g.conn.Query(ctx, fmt.Sprintf("DRR? 1 %d 1 2", n))
	if err != nil {
		return nil, err
	}
	return parseRecord(reply, g.SamplePeriod())
}

// parseRecord reads GCS array data: '#' header lines then one row per
// sample with the commanded and actual columns.
func parseRecord(reply string, period time.Duration) ([]instrument.TrajectorySample, error) {
	var out []instrument.TrajectorySample
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("%w: record row %q", ErrMalformedReply, line)
		}
		cmd, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: record row %q", ErrMalformedReply, line)
		}
		act, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: record row %q", ErrMalformedReply, line)
		}
		out = append(out, instrument.TrajectorySample{
			T:         time.Duration(len(out)) * period,
			Commanded: cmd,
			Actual:    act,
		})
	}
	return out, nil
}
