// GPIO character device access

//go:build linux

package output

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"srcpd-go/pkg/config"
)

// GPIO v1 character device ABI (linux/gpio.h).
const (
	gpioHandleRequestInput     = 1 << 0
	gpioHandleRequestOutput    = 1 << 1
	gpioHandleRequestActiveLow = 1 << 2

	gpioGetLineHandleIoctl      = 0xc16cb403
	gpioHandleGetLineValuesIoct = 0xc040b408
	gpioHandleSetLineValuesIoct = 0xc040b409

	gpioHandlesMax = 64
)

type gpioHandleRequest struct {
	LineOffsets   [gpioHandlesMax]uint32
	Flags         uint32
	DefaultValues [gpioHandlesMax]uint8
	ConsumerLabel [32]byte
	Lines         uint32
	Fd            int32
}

type gpioHandleData struct {
	Values [gpioHandlesMax]uint8
}

// GPIOLine is one requested line on a GPIO chip.
type GPIOLine struct {
	fd     int
	chipFd *os.File
	invert bool
}

// requestLine opens the chip device and requests one line.
func requestLine(pin config.Pin, flags uint32, defaultValue uint8, label string) (*GPIOLine, error) {
	chip, err := os.OpenFile("/dev/"+pin.Chip, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open GPIO chip %s: %w", pin.Chip, err)
	}

	var req gpioHandleRequest
	req.LineOffsets[0] = uint32(pin.Line)
	req.Flags = flags
	if pin.Invert {
		req.Flags |= gpioHandleRequestActiveLow
	}
	req.DefaultValues[0] = defaultValue
	copy(req.ConsumerLabel[:], label)
	req.Lines = 1

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, chip.Fd(),
		uintptr(gpioGetLineHandleIoctl), uintptr(unsafe.Pointer(&req)))
	if errno != 0 {
		chip.Close()
		return nil, fmt.Errorf("request GPIO line %s: %w", pin.FullName(), errno)
	}
	return &GPIOLine{fd: int(req.Fd), chipFd: chip}, nil
}

// OpenInputLine requests a GPIO line as input.
func OpenInputLine(pin config.Pin, label string) (*GPIOLine, error) {
	return requestLine(pin, gpioHandleRequestInput, 0, label)
}

// OpenOutputLine requests a GPIO line as output with the given initial
// level.
func OpenOutputLine(pin config.Pin, initial bool, label string) (*GPIOLine, error) {
	var def uint8
	if initial {
		def = 1
	}
	return requestLine(pin, gpioHandleRequestOutput, def, label)
}

// Get reads the current line level.
func (l *GPIOLine) Get() (bool, error) {
	var data gpioHandleData
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(l.fd),
		uintptr(gpioHandleGetLineValuesIoct), uintptr(unsafe.Pointer(&data)))
	if errno != 0 {
		return false, fmt.Errorf("GPIO get: %w", errno)
	}
	return data.Values[0] != 0, nil
}

// Set drives the line to the given level.
func (l *GPIOLine) Set(value bool) error {
	var data gpioHandleData
	if value {
		data.Values[0] = 1
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(l.fd),
		uintptr(gpioHandleSetLineValuesIoct), uintptr(unsafe.Pointer(&data)))
	if errno != 0 {
		return fmt.Errorf("GPIO set: %w", errno)
	}
	return nil
}

// Close releases the line and the chip device.
func (l *GPIOLine) Close() error {
	if l.fd >= 0 {
		unix.Close(l.fd)
		l.fd = -1
	}
	if l.chipFd != nil {
		l.chipFd.Close()
		l.chipFd = nil
	}
	return nil
}
