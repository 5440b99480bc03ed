package instrument

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/confocal.scan/internal/timeutil"
)

// DefaultMoveTimeout bounds positioning moves.
const DefaultMoveTimeout = 10 * time.Second

// WaitOnTarget polls axis until the controller reports on target. A
// HardwareTimeoutError is returned once timeout has elapsed; the axis may
// still be moving at that point.
func WaitOnTarget(ctx context.Context, stage MotionPort, axis Axis, clock timeutil.Clock, poll, timeout time.Duration) error {
	start := clock.Now()
	for {
		on, err := stage.OnTarget(ctx, axis)
		if err != nil {
			return fmt.Errorf("query on-target for axis %s: %w", axis, err)
		}
		if on {
			return nil
		}
		if clock.Since(start) >= timeout {
			return &HardwareTimeoutError{Axis: axis, Op: "move", Timeout: timeout}
		}
		if err := timeutil.SleepContext(ctx, clock, poll); err != nil {
			return err
		}
	}
}

// MoveAndWait sets velocity, commands the move and waits for on target.
func MoveAndWait(ctx context.Context, stage MotionPort, axis Axis, position, velocity float64, clock timeutil.Clock, poll, timeout time.Duration) error {
	if velocity > 0 {
		if err := stage.SetVelocity(ctx, axis, velocity); err != nil {
			return fmt.Errorf("set velocity of axis %s: %w", axis, err)
		}
	}
	if err := stage.MoveAbsolute(ctx, axis, position); err != nil {
		return fmt.Errorf("move axis %s to %g: %w", axis, position, err)
	}
	return WaitOnTarget(ctx, stage, axis, clock, poll, timeout)
}
