// Track protocol packet model for the srcpd-go command station

// Package protocol encodes locomotive and accessory commands into the
// SPI byte streams that drive the track booster. Three rail formats
// are supported: Maerklin/Motorola (MM), NMRA DCC and mfx. Each
// encoder turns a logical command into one or more ready-to-transmit
// segments plus the timing metadata the scheduler needs to place them
// on the wire.
package protocol

import (
	"time"

	"srcpd-go/pkg/pool"
)

// Protocol identifies a rail format by its SRCP letter.
type Protocol byte

const (
	// ProtocolMM is Maerklin/Motorola ("M" in SRCP GL/GA commands).
	ProtocolMM Protocol = 'M'
	// ProtocolDCC is NMRA DCC ("N").
	ProtocolDCC Protocol = 'N'
	// ProtocolMFX is Maerklin mfx ("X").
	ProtocolMFX Protocol = 'X'
)

func (p Protocol) String() string {
	switch p {
	case ProtocolMM:
		return "MM"
	case ProtocolDCC:
		return "DCC"
	case ProtocolMFX:
		return "MFX"
	}
	return "?"
}

// DriveMode is the SRCP drive mode of a GL SET command.
type DriveMode int

const (
	// DriveReverse is SRCP drive mode 0.
	DriveReverse DriveMode = 0
	// DriveForward is SRCP drive mode 1.
	DriveForward DriveMode = 1
	// DriveEmergency is SRCP drive mode 2: emergency stop, the last
	// commanded direction is kept on the rail.
	DriveEmergency DriveMode = 2
)

func (m DriveMode) String() string {
	switch m {
	case DriveReverse:
		return "reverse"
	case DriveForward:
		return "forward"
	case DriveEmergency:
		return "emergency"
	}
	return "?"
}

// Packet is one encoded command ready for SPI transmission.
//
// Segments holds independent byte streams. Each segment is atomic on
// the wire; between segments of the same packet the scheduler may
// interleave traffic for other addresses, which is how one protocol's
// mandatory pause is filled with useful work. All segments share the
// same baud rate.
type Packet struct {
	// Protocol and Addr key the refresh slot this packet belongs to.
	Protocol Protocol
	Addr     uint32

	// Baud is the SPI clock for every segment.
	Baud uint32

	// Gap is the minimum spacing in microseconds between consecutive
	// transmissions to the same address. MM decoders need 50 ms to
	// settle; DCC wants 5 ms between any two packets of one address.
	Gap int64

	// GapOnlyAfterFirst restricts Gap to the spacing between the
	// first and second transmission. The MM 28-step half-step trick
	// sends two telegram variants back to back and only the initial
	// pair carries the timing requirement.
	GapOnlyAfterFirst bool

	// Repeats is how many times each segment goes out. New commands
	// are repeated so a decoder in a dirty spot still hears them;
	// refresh traffic goes out once.
	Repeats int

	// Trigger raises the scope trigger line during transmission.
	Trigger bool

	// Readback requests capture of the receive side of the SPI
	// transfer for the last segment. Used for mfx RDS feedback.
	Readback bool

	Segments [][]byte
}

// NewPacket returns a packet with one empty segment of the given
// capacity.
func NewPacket(proto Protocol, addr uint32, baud uint32, gap int64, gapOnlyAfterFirst bool, capacity, repeats int, trigger bool) *Packet {
	seg := pool.GetSegment(capacity)
	return &Packet{
		Protocol:          proto,
		Addr:              addr,
		Baud:              baud,
		Gap:               gap,
		GapOnlyAfterFirst: gapOnlyAfterFirst,
		Repeats:           repeats,
		Trigger:           trigger,
		Segments:          [][]byte{seg},
	}
}

// last returns the segment currently being built.
func (p *Packet) last() []byte {
	return p.Segments[len(p.Segments)-1]
}

// setLast replaces the segment currently being built.
func (p *Packet) setLast(seg []byte) {
	p.Segments[len(p.Segments)-1] = seg
}

// NextSegment starts a new empty segment.
func (p *Packet) NextSegment(capacity int) {
	p.Segments = append(p.Segments, pool.GetSegment(capacity))
}

// TrimEmpty drops a trailing empty segment left over from building.
func (p *Packet) TrimEmpty() {
	for len(p.Segments) > 0 && len(p.Segments[len(p.Segments)-1]) == 0 {
		pool.PutSegment(p.Segments[len(p.Segments)-1])
		p.Segments = p.Segments[:len(p.Segments)-1]
	}
}

// Release returns the segment buffers to the pool after the final
// transmission. The packet must not be sent again afterwards.
func (p *Packet) Release() {
	for _, seg := range p.Segments {
		pool.PutSegment(seg)
	}
	p.Segments = nil
}

// Empty reports whether the packet carries no wire data at all.
func (p *Packet) Empty() bool {
	for _, seg := range p.Segments {
		if len(seg) > 0 {
			return false
		}
	}
	return true
}

// WireLen is the total number of SPI bytes across all segments for a
// single repeat.
func (p *Packet) WireLen() int {
	n := 0
	for _, seg := range p.Segments {
		n += len(seg)
	}
	return n
}

// Duration returns the time one transmission of segment i occupies the
// bus, in microseconds.
func (p *Packet) Duration(i int) int64 {
	if p.Baud == 0 {
		return 0
	}
	return int64(len(p.Segments[i])) * 8 * 1000000 / int64(p.Baud)
}

// RegistrationState describes progress of the mfx decoder search.
type RegistrationState int

const (
	// RegistrationIdle means the last search window drew no answer.
	RegistrationIdle RegistrationState = iota
	// RegistrationInProgress means a decoder acknowledged the current
	// UID prefix and the search continues with the next bit.
	RegistrationInProgress
	// RegistrationFound means a complete 32 bit UID was confirmed.
	RegistrationFound
	// RegistrationFailed means the search hit an inconsistent answer
	// and was restarted from scratch.
	RegistrationFailed
)

// Registration is the outcome of evaluating one search readback.
type Registration struct {
	State RegistrationState
	// UID is set when State is RegistrationFound.
	UID uint32
}

// Encoder is the per-protocol view the refresh scheduler works
// against. Implementations are not safe for concurrent use; the
// scheduler owns them.
type Encoder interface {
	// Letter returns the SRCP protocol letter.
	Letter() Protocol

	// NeedsUID reports whether GL INIT must carry a decoder UID.
	NeedsUID() bool

	// MaxLocoAddr is the highest valid locomotive address.
	MaxLocoAddr() uint32
	// MaxAccessoryAddr is the highest valid accessory address, zero
	// when the protocol has no accessory support.
	MaxAccessoryAddr() uint32
	// MaxSpeedSteps is the finest speed step scale the protocol can
	// put on the rail.
	MaxSpeedSteps() int
	// MaxFunctions is the number of functions (including F0) the
	// protocol can address.
	MaxFunctions() int
	// BaseFunctions is the number of functions carried in the base
	// drive telegram; higher functions need extra telegrams.
	BaseFunctions() int

	// InitLoco records per-address decoder parameters from GL INIT.
	// When power is on and the protocol needs an address assignment
	// telegram (mfx SID), it is returned for immediate transmission.
	InitLoco(addr uint32, uid uint32, numFunctions int, power, trigger bool) *Packet

	// NewLocoPacket returns an empty packet carrying the timing
	// metadata for a drive telegram. Refresh packets are sent once,
	// fresh commands are repeated.
	NewLocoPacket(addr uint32, refresh, trigger bool) *Packet

	// EncodeDrive appends the base drive telegram: direction, speed
	// and the base function block.
	EncodeDrive(p *Packet, addr uint32, mode DriveMode, speed, steps int, functions uint64)

	// EncodeExtraFunctions appends telegrams for functions above
	// BaseFunctions. Outside a refresh cycle only changed functions
	// are sent.
	EncodeExtraFunctions(p *Packet, addr uint32, refresh bool, functions uint64)

	// EncodeAccessory returns the telegram switching one accessory
	// port and reports whether the decoder itself honors the
	// deactivation timeout (false means the scheduler must send the
	// off command).
	EncodeAccessory(addr uint32, port, value int, timeout time.Duration, trigger bool) (*Packet, bool)

	// IdlePacket is transmitted when no refresh slot is due, keeping
	// the booster signal alive. Nil when the protocol has none.
	IdlePacket() *Packet

	// Housekeeping returns periodic protocol traffic (the mfx central
	// UID beacon and decoder search) or nil.
	Housekeeping(power bool) *Packet

	// EvalRegistration digests the SPI readback of a search window.
	EvalRegistration(rx []byte) Registration
}
