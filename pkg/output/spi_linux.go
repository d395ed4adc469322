// Linux spidev track output

//go:build linux

package output

import (
	"fmt"
	"os"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"srcpd-go/pkg/config"
	"srcpd-go/pkg/log"
)

// spidev ioctl ABI (linux/spi/spidev.h).
const (
	spiIocWrMode        = 0x40016b01
	spiIocWrBitsPerWord = 0x40016b03
	spiIocWrMaxSpeedHz  = 0x40046b04
	// SPI_IOC_MESSAGE(1)
	spiIocMessage1 = 0x40206b00

	// SPI mode 1: clock idle low, sample on trailing edge. The booster
	// shifts on the leading edge, so the idle level between transfers
	// stays at the rail zero level.
	spiModeTrack = 1
)

// Pause between two sensor transfers so every chip-enable line is
// released for a minimum time.
const sensorTransferPause = 500 * time.Microsecond

type spiIocTransfer struct {
	TxBuf       uint64
	RxBuf       uint64
	Len         uint32
	SpeedHz     uint32
	DelayUsecs  uint16
	BitsPerWord uint8
	CsChange    uint8
	TxNbits     uint8
	RxNbits     uint8
	WordDelay   uint8
	Pad         uint8
}

// spiDevice is one opened /dev/spidevX.Y.
type spiDevice struct {
	file *os.File
}

func openSPI(path string, mode uint8, defaultHz uint32) (*spiDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	d := &spiDevice{file: f}
	if err := d.ioctlByte(spiIocWrMode, mode); err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: set mode: %w", path, err)
	}
	if err := d.ioctlByte(spiIocWrBitsPerWord, 8); err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: set word size: %w", path, err)
	}
	if err := d.ioctlU32(spiIocWrMaxSpeedHz, defaultHz); err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: set speed: %w", path, err)
	}
	return d, nil
}

func (d *spiDevice) ioctlByte(req uintptr, value uint8) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.file.Fd(), req,
		uintptr(unsafe.Pointer(&value)))
	if errno != 0 {
		return errno
	}
	return nil
}

func (d *spiDevice) ioctlU32(req uintptr, value uint32) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.file.Fd(), req,
		uintptr(unsafe.Pointer(&value)))
	if errno != 0 {
		return errno
	}
	return nil
}

// transfer runs one full-duplex SPI message at the given clock. rx may
// be nil for transmit-only.
func (d *spiDevice) transfer(speedHz uint32, tx, rx []byte) error {
	var tr spiIocTransfer
	if len(tx) > 0 {
		tr.TxBuf = uint64(uintptr(unsafe.Pointer(&tx[0])))
		tr.Len = uint32(len(tx))
	}
	if rx != nil {
		tr.RxBuf = uint64(uintptr(unsafe.Pointer(&rx[0])))
		tr.Len = uint32(len(rx))
	}
	tr.SpeedHz = speedHz
	tr.BitsPerWord = 8

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.file.Fd(),
		uintptr(spiIocMessage1), uintptr(unsafe.Pointer(&tr)))
	if errno != 0 {
		return errno
	}
	return nil
}

func (d *spiDevice) close() error {
	return d.file.Close()
}

// SPIConfig configures the track output hardware.
type SPIConfig struct {
	// TrackDevice is the spidev path driving the booster, e.g.
	// "/dev/spidev0.0".
	TrackDevice string

	// SensorDevices are the spidev paths of the sensor buses, indexed
	// by bus number. Empty entries are unused buses.
	SensorDevices []string

	// SensorHz is the sensor shift register clock.
	SensorHz uint32

	// SensorMode is the sensor SPI mode (1, or 2 with the inverter
	// stage).
	SensorMode uint8

	// AckPin is the programming-track acknowledge input.
	AckPin config.Pin
}

// SPIDriver drives the booster and the sensor chains through Linux
// spidev devices.
type SPIDriver struct {
	mu      sync.Mutex
	track   *spiDevice
	sensors []*spiDevice
	ack     *GPIOLine
	logger  *log.Logger
	closed  bool
}

// NewSPIDriver opens the configured devices.
func NewSPIDriver(cfg SPIConfig) (*SPIDriver, error) {
	d := &SPIDriver{logger: log.GetLogger("output")}

	track, err := openSPI(cfg.TrackDevice, spiModeTrack, 76922)
	if err != nil {
		return nil, err
	}
	d.track = track

	for bus, path := range cfg.SensorDevices {
		if path == "" {
			d.sensors = append(d.sensors, nil)
			continue
		}
		dev, err := openSPI(path, cfg.SensorMode, cfg.SensorHz)
		if err != nil {
			d.logger.Warn("sensor bus %d unavailable: %v", bus, err)
			d.sensors = append(d.sensors, nil)
			continue
		}
		d.sensors = append(d.sensors, dev)
	}

	if cfg.AckPin.Chip != "" {
		ack, err := OpenInputLine(cfg.AckPin, "srcpd_prog_ack")
		if err != nil {
			d.Close()
			return nil, err
		}
		d.ack = ack
	}
	return d, nil
}

// Transmit writes one segment to the track device.
func (d *SPIDriver) Transmit(baud uint32, seg []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	return d.track.transfer(baud, seg, nil)
}

// TransmitReadback writes one segment and returns the captured receive
// bytes.
func (d *SPIDriver) TransmitReadback(baud uint32, seg []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	rx := make([]byte, len(seg))
	if err := d.track.transfer(baud, seg, rx); err != nil {
		return nil, err
	}
	return rx, nil
}

// ReadSensors clocks len(buf) bytes from the sensor chain on bus.
func (d *SPIDriver) ReadSensors(bus int, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if bus < 0 || bus >= len(d.sensors) || d.sensors[bus] == nil {
		return fmt.Errorf("sensor bus %d not configured", bus)
	}
	if _, err := d.sensors[bus].file.Read(buf); err != nil {
		return err
	}
	time.Sleep(sensorTransferPause)
	return nil
}

// SampleAck reads the programming-track acknowledge input.
func (d *SPIDriver) SampleAck() (bool, error) {
	if d.ack == nil {
		return false, fmt.Errorf("no acknowledge input configured")
	}
	return d.ack.Get()
}

// Close releases all devices.
func (d *SPIDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.track != nil {
		d.track.close()
	}
	for _, s := range d.sensors {
		if s != nil {
			s.close()
		}
	}
	if d.ack != nil {
		d.ack.Close()
	}
	return nil
}
