package serialmux

// NewRealSerialMux creates a SerialMux instance backed by a real serial port at the
// given path using the provided serial options.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[SerialPorter], error) {
	return OpenSerialMux(OpenSerial, path, opts)
}

// OpenSerialMux opens path with open and applies the read timeout when the
// port supports one.
func OpenSerialMux(open SerialPortOpener, path string, opts PortOptions) (*SerialMux[SerialPorter], error) {
	opts, err := opts.Normalise()
	if err != nil {
		return nil, err
	}
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := open(path, mode)
	if err != nil {
		return nil, err
	}
	if tp, ok := port.(TimeoutSerialPorter); ok {
		if err := tp.SetReadTimeout(opts.ReadTimeout); err != nil {
			port.Close()
			return nil, err
		}
	}

	return NewSerialMux(port), nil
}
