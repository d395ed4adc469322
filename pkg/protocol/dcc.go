// NMRA DCC rail format encoder

package protocol

import (
	"time"
)

// The base SPI clock is picked so a short 58/58 us half wave (logical
// one) fits one byte. At the doubled rate a one becomes 0xFF,0x00 and
// a zero 0xFF,0xFF,0x00,0x00, keeping transfers above the 96 byte DMA
// threshold together with the preamble.
const dccBaud = 68966

// DCCBaud is the SPI clock for all DCC telegrams.
const DCCBaud uint32 = 2 * dccBaud

var (
	dccBit1 = []byte{0xFF, 0x00}
	dccBit0 = []byte{0xFF, 0xFF, 0x00, 0x00}
)

const (
	// MaxDCCShortAddr is the highest 7 bit locomotive address.
	MaxDCCShortAddr = 127
	// MaxDCCLongAddr is the highest 14 bit locomotive address.
	MaxDCCLongAddr = 10239
	// MaxDCCAccessoryAddr covers 511 decoders with four output pairs
	// each; decoder address 0x1FF is the broadcast address.
	MaxDCCAccessoryAddr = 511 * 4
)

// Preamble lengths. Service mode packets want a long preamble.
const (
	dccSyncBits        = 16
	dccServiceSyncBits = 25
)

// Minimum spacing between two telegrams to the same decoder.
const dccAddressGap = 5 * 1000 // microseconds

// First instruction byte opcodes (three MSBs select the group).
const (
	dccInstAdvOp        = 0b00100000
	dccInstAdvOp128     = 0b00011111
	dccInstDriveReverse = 0b01000000
	dccInstDriveForward = 0b01100000
	dccInstF0F4         = 0b10000000
	dccInstF5F8         = 0b10110000
	dccInstF9F12        = 0b10100000
	dccInstExp          = 0b11000000
	dccInstExpF13F20    = 0b00011110
	dccInstExpF21F28    = 0b00011111
	dccInstExpF29F36    = 0b00011000
	dccInstExpF37F44    = 0b00011001
	dccInstExpF45F52    = 0b00011010
	dccInstExpF53F60    = 0b00011011
)

// Service mode direct addressing opcodes (0111CCxx).
const (
	dccServiceVerifyByte = 0b01110100
	dccServiceWriteByte  = 0b01111100
	dccServiceBit        = 0b01111000
)

// Speed step scale thresholds: up to 14 steps the speed rides in four
// bits next to F0, up to 29 in five bits, above that the 128 step
// advanced operations command is used.
const (
	dccSpeedStep4Bit = 14
	dccSpeedStep5Bit = 29
)

// Worst case wire lengths, assuming all variable bits are zero.
const (
	dccMaxLenBase    = 17 * 2
	dccMaxLenPerByte = 9 * 4
)

// DCCVersion selects short or long locomotive addressing.
type DCCVersion int

const (
	// DCC1 allows short addresses up to 127.
	DCC1 DCCVersion = 1
	// DCC2 allows long addresses up to 10239; addresses up to 127
	// still go out short per the standard.
	DCC2 DCCVersion = 2
)

// DCC encodes the NMRA DCC protocol.
type DCC struct {
	version DCCVersion

	// Direction kept for emergency stop, function image for change
	// detection on the higher groups.
	oldDriveMode map[uint32]DriveMode
	oldFunctions map[uint32]uint64
}

// NewDCC returns an encoder for the given addressing variant.
func NewDCC(version DCCVersion) *DCC {
	return &DCC{
		version:      version,
		oldDriveMode: make(map[uint32]DriveMode),
		oldFunctions: make(map[uint32]uint64),
	}
}

func (d *DCC) Letter() Protocol { return ProtocolDCC }

func (d *DCC) NeedsUID() bool { return false }

func (d *DCC) MaxLocoAddr() uint32 {
	if d.version == DCC1 {
		return MaxDCCShortAddr
	}
	return MaxDCCLongAddr
}

func (d *DCC) MaxAccessoryAddr() uint32 { return MaxDCCAccessoryAddr }

func (d *DCC) MaxSpeedSteps() int { return 128 }

func (d *DCC) MaxFunctions() int { return 64 }

// BaseFunctions: F0-F4 ride in the function group one telegram that is
// always sent along with the drive command.
func (d *DCC) BaseFunctions() int { return 5 }

func (d *DCC) InitLoco(addr uint32, uid uint32, numFunctions int, power, trigger bool) *Packet {
	return nil
}

func (d *DCC) NewLocoPacket(addr uint32, refresh, trigger bool) *Packet {
	repeats := 2
	if refresh {
		repeats = 1
	}
	capacity := 2*dccMaxLenBase + 6*dccMaxLenPerByte
	return NewPacket(ProtocolDCC, addr, DCCBaud, dccAddressGap, false, capacity, repeats, trigger)
}

// addSync appends the preamble: n one bits and the packet start zero.
func addDCCSync(seg []byte, n int) []byte {
	for i := 0; i < n; i++ {
		seg = append(seg, dccBit1...)
	}
	return append(seg, dccBit0...)
}

// addDCCByte appends one data byte MSB first and folds it into the
// checksum.
func addDCCByte(seg []byte, value byte, xor *byte) []byte {
	for i := 7; i >= 0; i-- {
		if value&(1<<i) == 0 {
			seg = append(seg, dccBit0...)
		} else {
			seg = append(seg, dccBit1...)
		}
	}
	*xor ^= value
	return seg
}

// addDCCAddr appends the address (one byte short, two bytes long, each
// followed by the data start zero) and returns the running checksum.
func (d *DCC) addAddr(seg []byte, addr uint32) ([]byte, byte) {
	var xor byte
	if addr <= MaxDCCShortAddr {
		seg = addDCCByte(seg, byte(addr), &xor)
	} else {
		// 14 bit address: the first byte starts with 11 and carries
		// the six MSBs, the second holds the low eight bits.
		seg = addDCCByte(seg, byte(0b11000000|(addr>>8)), &xor)
		seg = append(seg, dccBit0...)
		seg = addDCCByte(seg, byte(addr), &xor)
	}
	seg = append(seg, dccBit0...)
	return seg, xor
}

// closeTelegram appends the checksum and the packet end bit.
func closeDCCTelegram(seg []byte, xor byte) []byte {
	seg = addDCCByte(seg, xor, &xor)
	return append(seg, dccBit1...)
}

// EncodeDrive appends two telegrams: the speed/direction command and
// the function group one command (F0-F4). They go out as separate
// segments so the 5 ms same-address spacing between them can carry
// traffic for other decoders.
func (d *DCC) EncodeDrive(p *Packet, addr uint32, mode DriveMode, speed, steps int, functions uint64) {
	modeUsed := mode
	if mode == DriveEmergency {
		modeUsed = d.oldDriveMode[addr]
	}
	d.oldDriveMode[addr] = modeUsed

	// Speed code 1 is the emergency stop command on the rail.
	speedUsed := speed
	if mode == DriveEmergency {
		speedUsed = 1
	} else if speed == 1 {
		speedUsed = 2
	}

	seg := addDCCSync(p.last(), dccSyncBits)
	seg, xor := d.addAddr(seg, addr)
	if steps > dccSpeedStep5Bit {
		// 128 step advanced operations command with the speed in an
		// extra byte: direction MSB plus seven speed bits.
		seg = addDCCByte(seg, dccInstAdvOp|dccInstAdvOp128, &xor)
		seg = append(seg, dccBit0...)
		speedByte := byte(speedUsed & 0b01111111)
		if modeUsed == DriveForward {
			speedByte |= 0b10000000
		}
		seg = addDCCByte(seg, speedByte, &xor)
	} else {
		speedByte := byte(dccInstDriveReverse)
		if modeUsed == DriveForward {
			speedByte = dccInstDriveForward
		}
		if steps > dccSpeedStep4Bit {
			// Five bit speed: bits 1-4 move to bits 0-3, bit 0 to
			// bit 4.
			speedByte |= byte((speedUsed>>1)&0b00001111) | byte((speedUsed<<4)&0b00010000)
		} else {
			// Four bit speed with F0 in bit 4.
			speedByte |= byte(speedUsed & 0b00001111)
			if functions&1 != 0 {
				speedByte |= 0b00010000
			}
		}
		seg = addDCCByte(seg, speedByte, &xor)
	}
	seg = append(seg, dccBit0...)
	p.setLast(closeDCCTelegram(seg, xor))

	// Function group one as its own telegram.
	p.NextSegment(dccMaxLenBase + 4*dccMaxLenPerByte)
	seg = addDCCSync(p.last(), dccSyncBits)
	seg, xor = d.addAddr(seg, addr)
	f0f4 := byte(dccInstF0F4)
	if functions&0x01 != 0 {
		f0f4 |= 0b00010000 // F0
	}
	f0f4 |= byte((functions >> 1) & 0x0F) // F1-F4
	seg = addDCCByte(seg, f0f4, &xor)
	seg = append(seg, dccBit0...)
	p.setLast(closeDCCTelegram(seg, xor))

	d.oldFunctions[addr] &^= 0x1F
	d.oldFunctions[addr] |= functions & 0x1F
}

// dccFunctionGroups describes the telegrams above the base group:
// first function, count, opcode and whether the state bits ride in an
// expansion data byte.
var dccFunctionGroups = []struct {
	first, count int
	opcode       byte
	expansion    bool
}{
	{5, 4, dccInstF5F8, false},
	{9, 4, dccInstF9F12, false},
	{13, 8, dccInstExp | dccInstExpF13F20, true},
	{21, 8, dccInstExp | dccInstExpF21F28, true},
	{29, 8, dccInstExp | dccInstExpF29F36, true},
	{37, 8, dccInstExp | dccInstExpF37F44, true},
	{45, 8, dccInstExp | dccInstExpF45F52, true},
	{53, 8, dccInstExp | dccInstExpF53F60, true},
}

// EncodeExtraFunctions emits one telegram per function group whose
// state changed (every group on refresh).
func (d *DCC) EncodeExtraFunctions(p *Packet, addr uint32, refresh bool, functions uint64) {
	old := d.oldFunctions[addr]
	for _, g := range dccFunctionGroups {
		if g.first >= d.MaxFunctions() {
			break
		}
		mask := uint64((1<<g.count)-1) << g.first
		if (old^functions)&mask == 0 && !refresh {
			continue
		}
		bits := byte((functions >> g.first) & ((1 << g.count) - 1))
		if len(p.last()) > 0 {
			p.NextSegment(dccMaxLenBase + 4*dccMaxLenPerByte)
		}
		seg := addDCCSync(p.last(), dccSyncBits)
		seg, xor := d.addAddr(seg, addr)
		if g.expansion {
			seg = addDCCByte(seg, g.opcode, &xor)
			seg = append(seg, dccBit0...)
			seg = addDCCByte(seg, bits, &xor)
		} else {
			seg = addDCCByte(seg, g.opcode|bits, &xor)
		}
		seg = append(seg, dccBit0...)
		p.setLast(closeDCCTelegram(seg, xor))
	}
	d.oldFunctions[addr] = functions
	p.TrimEmpty()
}

// EncodeAccessory builds a basic accessory telegram per NMRA S-9.2.1.
// A decoder serves four output pairs; the second byte carries the
// inverted upper address bits, the activation flag, the pair index and
// the port.
func (d *DCC) EncodeAccessory(addr uint32, port, value int, timeout time.Duration, trigger bool) (*Packet, bool) {
	idx := addr - 1
	decoder := idx >> 2
	pair := idx & 3

	p := NewPacket(ProtocolDCC, addr, DCCBaud, dccAddressGap, false, dccMaxLenBase+3*dccMaxLenPerByte, 2, trigger)
	seg := addDCCSync(p.last(), dccSyncBits)
	var xor byte
	seg = addDCCByte(seg, byte(0b10000000|(decoder&0x3F)), &xor)
	seg = append(seg, dccBit0...)
	b2 := byte(0b10000000)
	b2 |= byte((^(decoder >> 6) & 0x07) << 4)
	if value != 0 {
		b2 |= 0b00001000
	}
	b2 |= byte(pair<<1) | byte(port&1)
	seg = addDCCByte(seg, b2, &xor)
	seg = append(seg, dccBit0...)
	p.setLast(closeDCCTelegram(seg, xor))
	// The decoder drops the output as soon as the deactivate command
	// arrives; the scheduler owns the timeout.
	return p, false
}

// IdlePacket is the standard idle telegram 0xFF 0x00 with checksum
// 0xFF.
func (d *DCC) IdlePacket() *Packet {
	p := NewPacket(ProtocolDCC, 0, DCCBaud, 0, false, dccMaxLenBase+2*dccMaxLenPerByte, 1, false)
	seg := addDCCSync(p.last(), dccSyncBits)
	var xor byte
	seg = addDCCByte(seg, 0xFF, &xor)
	seg = append(seg, dccBit0...)
	seg = addDCCByte(seg, 0x00, &xor)
	seg = append(seg, dccBit0...)
	p.setLast(closeDCCTelegram(seg, xor))
	return p
}

func (d *DCC) Housekeeping(power bool) *Packet { return nil }

func (d *DCC) EvalRegistration(rx []byte) Registration {
	return Registration{State: RegistrationIdle}
}

// serviceTelegram builds one long-preamble service mode telegram from
// the given data bytes.
func serviceTelegram(data []byte, repeats int, trigger bool) *Packet {
	p := NewPacket(ProtocolDCC, 0, DCCBaud, 0, false, 2*dccMaxLenBase+len(data)*dccMaxLenPerByte+dccMaxLenPerByte, repeats, trigger)
	seg := addDCCSync(p.last(), dccServiceSyncBits)
	var xor byte
	for _, b := range data {
		seg = addDCCByte(seg, b, &xor)
		seg = append(seg, dccBit0...)
	}
	p.setLast(closeDCCTelegram(seg, xor))
	return p
}

// ServiceReset returns the decoder reset telegram sent before and
// between service mode commands.
func (d *DCC) ServiceReset(repeats int, trigger bool) *Packet {
	return serviceTelegram([]byte{0x00, 0x00}, repeats, trigger)
}

// serviceCV maps a CV number to its zero-based ten bit wire address.
func serviceCV(cv int) (hi, lo byte) {
	v := uint32(cv - 1)
	return byte((v >> 8) & 0x03), byte(v)
}

// ServiceWriteByte returns the direct mode write telegram for one CV.
func (d *DCC) ServiceWriteByte(cv int, value byte, repeats int, trigger bool) *Packet {
	hi, lo := serviceCV(cv)
	return serviceTelegram([]byte{dccServiceWriteByte | hi, lo, value}, repeats, trigger)
}

// ServiceVerifyByte returns the direct mode verify telegram. The
// decoder answers a match with an acknowledgement current pulse.
func (d *DCC) ServiceVerifyByte(cv int, value byte, repeats int, trigger bool) *Packet {
	hi, lo := serviceCV(cv)
	return serviceTelegram([]byte{dccServiceVerifyByte | hi, lo, value}, repeats, trigger)
}

// ServiceVerifyBit returns the direct mode single-bit verify telegram.
func (d *DCC) ServiceVerifyBit(cv, bit int, value bool, repeats int, trigger bool) *Packet {
	hi, lo := serviceCV(cv)
	data := byte(0b11100000) | byte(bit&0x07)
	if value {
		data |= 0b00001000
	}
	return serviceTelegram([]byte{dccServiceBit | hi, lo, data}, repeats, trigger)
}

// ServiceWriteBit returns the direct mode single-bit write telegram.
func (d *DCC) ServiceWriteBit(cv, bit int, value bool, repeats int, trigger bool) *Packet {
	hi, lo := serviceCV(cv)
	data := byte(0b11110000) | byte(bit&0x07)
	if value {
		data |= 0b00001000
	}
	return serviceTelegram([]byte{dccServiceBit | hi, lo, data}, repeats, trigger)
}
