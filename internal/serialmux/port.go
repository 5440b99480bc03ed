package serialmux

import (
	"io"
	"time"

	"go.bug.st/serial"
)

// SerialPorter is the byte stream to a motion controller.
type SerialPorter interface {
	io.ReadWriteCloser
}

// TimeoutSerialPorter is implemented by ports whose reads can time out, so a
// controller that never answers does not block Query forever.
type TimeoutSerialPorter interface {
	SerialPorter
	SetReadTimeout(timeout time.Duration) error
}

// SerialPortOpener opens the port at path.
type SerialPortOpener func(path string, mode *serial.Mode) (SerialPorter, error)

// OpenSerial opens a go.bug.st/serial port.
func OpenSerial(path string, mode *serial.Mode) (SerialPorter, error) {
	return serial.Open(path, mode)
}
