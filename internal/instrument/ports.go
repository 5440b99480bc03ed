// Package instrument defines the contracts the scan engine needs from the
// stage controller and the photon counter.
package instrument

import (
	"context"
	"time"
)

// Axis identifies one stage axis as the controller names it.
type Axis string

// TriggerPolarity is the active level of the position trigger output.
type TriggerPolarity int

const (
	ActiveLow  TriggerPolarity = 0
	ActiveHigh TriggerPolarity = 1
)

// TriggerMode selects how the controller generates trigger pulses.
type TriggerMode int

const (
	// PositionDistance emits one pulse per Step of travel between Start and End.
	PositionDistance TriggerMode = 0
	// OnTarget emits a pulse when the axis reaches its target.
	OnTarget TriggerMode = 2
)

// TriggerConfig is the trigger generator setup for one line.
type TriggerConfig struct {
	Axis     Axis
	Start    float64
	End      float64
	Step     float64
	Velocity float64
	Polarity TriggerPolarity
	Mode     TriggerMode
}

// TrajectorySample is one row of the controller's trajectory recorder.
type TrajectorySample struct {
	T         time.Duration
	Commanded float64
	Actual    float64
}

// MotionPort is the stage controller as seen by the scan engine.
type MotionPort interface {
	// MoveAbsolute commands axis to position and returns without waiting.
	MoveAbsolute(ctx context.Context, axis Axis, position float64) error
	SetVelocity(ctx context.Context, axis Axis, velocity float64) error
	OnTarget(ctx context.Context, axis Axis) (bool, error)
	Position(ctx context.Context, axis Axis) (float64, error)

	ConfigureTrigger(ctx context.Context, cfg TriggerConfig) error
	TriggerOutput(ctx context.Context, enabled bool) error

	// ArmTrajectoryRecorder clears the recorder and starts recording
	// commanded and actual position of axis on the next motion command.
	ArmTrajectoryRecorder(ctx context.Context, axis Axis) error
	// TrajectoryLog returns the recorded samples. It is empty until the
	// controller has populated the recorder.
	TrajectoryLog(ctx context.Context) ([]TrajectorySample, error)
}

// CounterPort is the time-tagging photon counter.
type CounterPort interface {
	// Start opens an acquisition window of at most window.
	Start(ctx context.Context, window time.Duration) error
	Stop(ctx context.Context) error
	// Drain returns whatever raw records are buffered, possibly none.
	Drain(ctx context.Context) ([]byte, error)
	// CountRate returns the sync and channel 1 rates in counts per second.
	CountRate(ctx context.Context) (syncRate uint32, channelRate uint32, err error)
}
