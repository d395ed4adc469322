// In-memory output driver for tests

package output

import (
	"sync"

	"srcpd-go/pkg/reactor"
)

// Transfer is one recorded SPI transmission.
type Transfer struct {
	Baud     uint32
	Data     []byte
	Readback bool
	// At is the virtual time the transfer started, when the sim runs
	// on a clock.
	At int64
}

// Sim is a deterministic Driver for tests. It records every transfer
// and answers readback, sensor and acknowledge requests from scripted
// queues. With a FakeClock attached each transfer advances virtual
// time by its wire duration, so scheduler timing tests run on a
// reproducible timeline.
type Sim struct {
	mu sync.Mutex

	// Transfers is everything transmitted so far, in order.
	Transfers []Transfer

	// ReadbackQueue answers TransmitReadback calls in order. When the
	// queue is empty an all-zero capture of matching length is
	// returned (no decoder answered).
	ReadbackQueue [][]byte

	// SensorFrames answers ReadSensors per bus, one frame per call.
	// When a bus queue is empty the last frame is repeated.
	SensorFrames map[int][][]byte
	lastFrame    map[int][]byte

	// AckFunc decides the acknowledge level, given the number of
	// samples taken so far. Nil means never acknowledged.
	AckFunc    func(sample int) bool
	ackSamples int

	// Clock, when set, is advanced by the wire time of each transfer.
	Clock *reactor.FakeClock

	// Discard drops transfers instead of recording them, for running
	// the daemon without hardware.
	Discard bool

	closed bool
}

// NewSim creates an empty simulator.
func NewSim() *Sim {
	return &Sim{
		SensorFrames: make(map[int][][]byte),
		lastFrame:    make(map[int][]byte),
	}
}

func (s *Sim) record(baud uint32, seg []byte, readback bool) {
	t := Transfer{Baud: baud, Data: append([]byte(nil), seg...), Readback: readback}
	if s.Clock != nil {
		t.At = s.Clock.Now()
		if baud > 0 {
			s.Clock.Advance(int64(len(seg)) * 8 * 1000000 / int64(baud))
		}
	}
	if s.Discard {
		return
	}
	s.Transfers = append(s.Transfers, t)
}

// Transmit records the segment.
func (s *Sim) Transmit(baud uint32, seg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.record(baud, seg, false)
	return nil
}

// TransmitReadback records the segment and pops a scripted capture.
func (s *Sim) TransmitReadback(baud uint32, seg []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	s.record(baud, seg, true)
	if len(s.ReadbackQueue) > 0 {
		rx := s.ReadbackQueue[0]
		s.ReadbackQueue = s.ReadbackQueue[1:]
		return rx, nil
	}
	return make([]byte, len(seg)), nil
}

// ReadSensors pops the next scripted frame for the bus.
func (s *Sim) ReadSensors(bus int, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	frames := s.SensorFrames[bus]
	if len(frames) > 0 {
		s.lastFrame[bus] = frames[0]
		s.SensorFrames[bus] = frames[1:]
	}
	copy(buf, s.lastFrame[bus])
	return nil
}

// SampleAck consults the scripted acknowledge function.
func (s *Sim) SampleAck() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	n := s.ackSamples
	s.ackSamples++
	if s.AckFunc == nil {
		return false, nil
	}
	return s.AckFunc(n), nil
}

// Close marks the driver closed.
func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// TransferCount returns the number of recorded transfers.
func (s *Sim) TransferCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Transfers)
}

// TransferAt returns a copy of the i-th recorded transfer.
func (s *Sim) TransferAt(i int) Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Transfers[i]
}
