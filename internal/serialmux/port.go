package serialmux

import (
	"io"

	"go.bug.st/serial"
)

// Port is the device interface the mux reads and writes. Real hardware and
// the mock both satisfy it.
type Port interface {
	io.ReadWriter
	io.Closer
}

// OpenPort opens the serial device at path with the given options translated
// into a go.bug.st/serial mode.
func OpenPort(path string, opts PortOptions) (Port, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	return serial.Open(path, mode)
}
