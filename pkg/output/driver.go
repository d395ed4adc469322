// Track output driver interface for the srcpd-go command station

// Package output moves encoded packet bytes onto the rails. The real
// implementation bit-bangs the booster through a Linux spidev device
// with a per-transfer clock and reads the programming-track
// acknowledge input through the GPIO character device. A deterministic
// in-memory driver backs the scheduler tests.
package output

import "errors"

// Common errors
var (
	ErrClosed = errors.New("output: driver closed")
)

// Driver is the hardware seam between the scheduler and the booster.
// One segment is one atomic SPI transfer; the scheduler decides what
// goes between segments.
type Driver interface {
	// Transmit writes one packet segment at the given SPI clock. The
	// call returns after the last bit left the shift register.
	Transmit(baud uint32, seg []byte) error

	// TransmitReadback writes the segment and captures the receive
	// side of the transfer. mfx search windows are evaluated from the
	// captured bytes.
	TransmitReadback(baud uint32, seg []byte) ([]byte, error)

	// ReadSensors clocks len(buf) bytes out of the sensor shift
	// register chain on the given bus.
	ReadSensors(bus int, buf []byte) error

	// SampleAck samples the programming-track acknowledge input.
	SampleAck() (bool, error)

	// Close releases the underlying devices.
	Close() error
}
