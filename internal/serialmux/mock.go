package serialmux

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

var errPortClosed = errors.New("serial port closed")

// TestableSerialPort is an in-memory controller link. Writes are captured;
// reads drain queued reply bytes and return io.EOF when none are queued.
type TestableSerialPort struct {
	mu    sync.Mutex
	read  bytes.Buffer
	wrote bytes.Buffer

	// Responder, if set, is called with every command line written to the
	// port; its return value is queued for reading.
	Responder func(command string) string

	// ReadError and WriteError fail the next call once.
	ReadError  error
	WriteError error

	Closed      bool
	ReadTimeout time.Duration
}

func NewTestableSerialPort() *TestableSerialPort {
	return &TestableSerialPort{}
}

func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Closed {
		return 0, errPortClosed
	}
	if err := t.ReadError; err != nil {
		t.ReadError = nil
		return 0, err
	}
	return t.read.Read(p)
}

func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Closed {
		return 0, errPortClosed
	}
	if err := t.WriteError; err != nil {
		t.WriteError = nil
		return 0, err
	}
	n, _ := t.wrote.Write(p)
	if t.Responder != nil {
		for line := range strings.Lines(string(p)) {
			t.read.WriteString(t.Responder(strings.TrimRight(line, "\n")))
		}
	}
	return n, nil
}

func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	return nil
}

// SetReadTimeout implements TimeoutSerialPorter.
func (t *TestableSerialPort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadTimeout = timeout
	return nil
}

// AddReadData queues reply bytes.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.read.Write(data)
}

// GetWrittenData returns everything written so far.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return bytes.Clone(t.wrote.Bytes())
}

// MockOpenCall records one call to a MockOpener.
type MockOpenCall struct {
	Path string
	Mode *serial.Mode
}

// MockOpener returns a SerialPortOpener that hands out port, or openErr,
// and appends each call to calls when it is non-nil.
func MockOpener(port SerialPorter, openErr error, calls *[]MockOpenCall) SerialPortOpener {
	return func(path string, mode *serial.Mode) (SerialPorter, error) {
		if calls != nil {
			*calls = append(*calls, MockOpenCall{Path: path, Mode: mode})
		}
		if openErr != nil {
			return nil, openErr
		}
		return port, nil
	}
}
