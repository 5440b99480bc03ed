package instrument

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConfiguration matches every ConfigurationError. Configuration
	// errors are fatal and never retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrHardwareTimeout matches every HardwareTimeoutError. The axis may
	// still be moving when it is returned.
	ErrHardwareTimeout = errors.New("hardware timeout")
)

// ConfigurationError reports an invalid scan or calibration parameter.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// Configf builds a ConfigurationError for field.
func Configf(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// HardwareTimeoutError reports a device that did not reach the expected
// state before its deadline.
type HardwareTimeoutError struct {
	Axis    Axis
	Op      string
	Timeout time.Duration
}

func (e *HardwareTimeoutError) Error() string {
	if e.Axis == "" {
		return fmt.Sprintf("hardware timeout: %s did not complete within %v", e.Op, e.Timeout)
	}
	return fmt.Sprintf("hardware timeout: axis %s %s did not complete within %v", e.Axis, e.Op, e.Timeout)
}

func (e *HardwareTimeoutError) Is(target error) bool {
	return target == ErrHardwareTimeout
}
