// Maerklin/Motorola rail format encoder

package protocol

import (
	"time"
)

// The nominal Motorola bit clock is 38461 baud (26 us per bit, 208 us
// per byte). The Raspberry Pi SPI block inserts a one clock pause
// after every byte unless the transfer runs in DMA mode, which kicks
// in from 96 bytes. To get there the baud rate is doubled, the
// mandatory in-packet repetition is baked into the byte stream and the
// pauses are filled with zero bytes.
const (
	mmBaudLoco = 38461

	// MMBaudLoco is the SPI clock for locomotive telegrams.
	MMBaudLoco uint32 = 2 * mmBaudLoco
	// MMBaudAccessory is the SPI clock for accessory decoders, which
	// run at half the bit duration.
	MMBaudAccessory uint32 = 2 * MMBaudLoco
)

const (
	// 18 telegram bits at two SPI bytes per bit.
	mmTelegramLen = 18 * 2
	// Pause between the telegram and its in-packet repetition: three
	// bit times of silence.
	mmPauseBetween = 2 * 3 * 2
	// Pause after the repetition: 4.2 ms for locomotives at the
	// doubled rate.
	mmPauseEnd = 42
	// mmPacketLen is 36+12+36+42 = 126 bytes, safely above the 96
	// byte DMA threshold.
	mmPacketLen = mmTelegramLen + mmPauseBetween + mmTelegramLen + mmPauseEnd
)

// Motorola decoders need time to settle between two telegrams for the
// same address.
const mmAddressGap = 50 * 1000 // microseconds

// Doubled-baud byte pairs for a single logical bit.
var (
	mmBit0 = []byte{0xC0, 0x00}
	mmBit1 = []byte{0xFF, 0xFC}

	// Trits are two logical bits wide.
	mmTritL = []byte{0xC0, 0x00, 0xC0, 0x00} // 00
	mmTritH = []byte{0xFF, 0xFC, 0xFF, 0xFC} // 11
	mmTritO = []byte{0xFF, 0xFC, 0xC0, 0x00} // 10
	mmTritU = []byte{0xC0, 0x00, 0xFF, 0xFC} // 01
)

// MM2/MM3 bit patterns replacing the second bits of the speed pairs in
// an F1-F4 telegram. Bit 3 carries the function state.
var mmF1to4 = []byte{0b0011, 0b0100, 0b0110, 0b0111}

const (
	// MaxMMAddr is the highest Motorola decoder address.
	MaxMMAddr = 80
	// MaxMMAccessoryAddr allows four turnout addresses per decoder.
	MaxMMAccessoryAddr = (MaxMMAddr + 1) * 4
)

// MMVersion selects the Motorola protocol generation.
type MMVersion int

const (
	// MM1: 14 speed steps, F0 only, relative direction.
	MM1 MMVersion = 1
	// MM2: 14 speed steps, F0-F4, absolute direction.
	MM2 MMVersion = 2
	// MM3: the MM2 28 speed step variant using the second F0 bit for
	// the intermediate step.
	MM3 MMVersion = 3
)

// MM encodes the Maerklin/Motorola protocol in its three generations.
// The zero value is not usable; construct with NewMM.
type MM struct {
	version MMVersion

	// Accessory addresses shifted by one decoder after the R2.0 base
	// offset correction; see EncodeAccessory.
	accessoryOffsetCorrection bool

	// Per-address state. MM1 needs the previous direction to detect a
	// direction change, MM2/MM3 keep it for emergency stop. Speed and
	// functions feed the F1-F4 telegrams, which carry the drive
	// payload too.
	oldDriveMode [MaxMMAddr + 1]DriveMode
	oldSpeed     [MaxMMAddr + 1]int
	oldFunctions [MaxMMAddr + 1]uint64
}

// NewMM returns an encoder for the given protocol generation.
func NewMM(version MMVersion, accessoryOffsetCorrection bool) *MM {
	m := &MM{
		version:                   version,
		accessoryOffsetCorrection: accessoryOffsetCorrection,
	}
	for i := range m.oldDriveMode {
		m.oldDriveMode[i] = DriveForward
	}
	return m
}

func (m *MM) Letter() Protocol { return ProtocolMM }

func (m *MM) NeedsUID() bool { return false }

func (m *MM) MaxLocoAddr() uint32 { return MaxMMAddr }

func (m *MM) MaxAccessoryAddr() uint32 { return MaxMMAccessoryAddr }

func (m *MM) MaxSpeedSteps() int {
	if m.version == MM3 {
		return 28
	}
	return 14
}

func (m *MM) MaxFunctions() int {
	if m.version == MM1 {
		return 1
	}
	return 5
}

func (m *MM) BaseFunctions() int { return 1 }

// InitLoco has nothing to set up for Motorola decoders.
func (m *MM) InitLoco(addr uint32, uid uint32, numFunctions int, power, trigger bool) *Packet {
	return nil
}

func (m *MM) NewLocoPacket(addr uint32, refresh, trigger bool) *Packet {
	repeats := 2
	if refresh {
		repeats = 1
	}
	return NewPacket(ProtocolMM, addr, MMBaudLoco, mmAddressGap, m.version == MM3, mmPacketLen, repeats, trigger)
}

// addAddr appends the four trinary address trits, least significant
// digit first. Address 80 goes out as digit sequence 0; the all-open
// combination that would be 80 is reserved for the idle telegram.
func addMMAddr(seg []byte, decoderAddr uint32) []byte {
	if decoderAddr == MaxMMAddr {
		decoderAddr = 0
	}
	for i := 0; i < 4; i++ {
		switch decoderAddr % 3 {
		case 0:
			seg = append(seg, mmTritL...)
		case 1:
			seg = append(seg, mmTritH...)
		case 2:
			seg = append(seg, mmTritO...)
		}
		decoderAddr /= 3
	}
	return seg
}

// addMM1Payload appends the function bit and the four value bits, LSB
// first, each doubled MM1 style.
func addMM1Payload(seg []byte, function bool, value int) []byte {
	if function {
		seg = append(seg, mmTritH...)
	} else {
		seg = append(seg, mmTritL...)
	}
	for i := 0; i < 4; i++ {
		if value&0x01 == 0 {
			seg = append(seg, mmTritL...)
		} else {
			seg = append(seg, mmTritH...)
		}
		value >>= 1
	}
	return seg
}

// addMM2Payload appends the function bit and the four speed bit pairs.
// MM2 uses only the first bit of each pair for the speed; the second
// carries the absolute direction pattern.
func addMM2Payload(seg []byte, function bool, speed int, mode DriveMode) []byte {
	if function {
		seg = append(seg, mmTritH...)
	} else {
		seg = append(seg, mmTritL...)
	}
	var absDir int
	if mode == DriveReverse {
		if speed < 7 {
			absDir = 0b1011
		} else {
			absDir = 0b1010
		}
	} else {
		if speed < 7 {
			absDir = 0b0101
		} else {
			absDir = 0b1000
		}
	}
	for i := 0; i < 4; i++ {
		if speed&0x01 == 0 {
			if absDir&0x01 == 0 {
				seg = append(seg, mmTritL...)
			} else {
				seg = append(seg, mmTritU...)
			}
		} else {
			if absDir&0x01 == 0 {
				seg = append(seg, mmTritO...)
			} else {
				seg = append(seg, mmTritH...)
			}
		}
		speed >>= 1
		absDir >>= 1
	}
	return seg
}

// completePacket appends the in-packet pause, the telegram repetition
// and the closing pause.
func completeMMPacket(seg []byte) []byte {
	telegram := seg[len(seg)-mmTelegramLen:]
	for i := 0; i < mmPauseBetween; i++ {
		seg = append(seg, 0)
	}
	seg = append(seg, telegram[:mmTelegramLen:mmTelegramLen]...)
	for i := 0; i < mmPauseEnd; i++ {
		seg = append(seg, 0)
	}
	return seg
}

// driveTelegram appends the raw 18 bit drive telegram for the current
// protocol generation and updates the per-address state.
func (m *MM) driveTelegram(seg []byte, addr uint32, mode DriveMode, speed int, functions uint64) []byte {
	modeUsed := mode
	speedUsed := speed
	if mode == DriveEmergency {
		// Motorola has no emergency stop command; keep the direction
		// and drop to speed 0.
		modeUsed = m.oldDriveMode[addr]
		speedUsed = 0
	}
	if speedUsed == 1 {
		speedUsed = 2 // speed code 1 is the direction change command
	}
	seg = addMMAddr(seg, addr)
	f0 := functions&0x01 != 0
	switch m.version {
	case MM1:
		if speedUsed > 15 {
			speedUsed = 15
		}
		if modeUsed != m.oldDriveMode[addr] {
			speedUsed = 1
		}
		seg = addMM1Payload(seg, f0, speedUsed)
	case MM2:
		if speedUsed > 15 {
			speedUsed = 15
		}
		seg = addMM2Payload(seg, f0, speedUsed, modeUsed)
	case MM3:
		if speedUsed > 28 {
			speedUsed = 28
		}
		halfstep := speedUsed > 0 && speedUsed%2 == 0
		scaled := 0
		if speedUsed > 0 {
			scaled = (speedUsed+1)/2 + 1
		}
		seg = addMM2Payload(seg, f0, scaled, modeUsed)
		if halfstep {
			// The second bit of the F0 pair signals the intermediate
			// speed step.
			pattern := mmTritU
			if f0 {
				pattern = mmTritO
			}
			copy(seg[len(seg)-mmTelegramLen+len(mmBit0)*8:], pattern)
		}
	}
	m.oldDriveMode[addr] = modeUsed
	m.oldSpeed[addr] = speedUsed
	m.oldFunctions[addr] &^= 1
	m.oldFunctions[addr] |= functions & 1
	return seg
}

func (m *MM) EncodeDrive(p *Packet, addr uint32, mode DriveMode, speed, steps int, functions uint64) {
	seg := m.driveTelegram(p.last(), addr, mode, speed, functions)
	p.setLast(completeMMPacket(seg))
}

// EncodeExtraFunctions emits the F1-F4 telegrams for MM2/MM3. Each one
// is the current drive telegram with the second bits of the speed
// pairs replaced by the function pattern, one telegram per changed
// function (all of them on refresh).
func (m *MM) EncodeExtraFunctions(p *Packet, addr uint32, refresh bool, functions uint64) {
	if m.version == MM1 {
		return
	}
	for i := 1; i < m.MaxFunctions(); i++ {
		mask := uint64(1) << i
		if (m.oldFunctions[addr]^functions)&mask == 0 && !refresh {
			continue
		}
		if len(p.last()) > 0 {
			p.NextSegment(mmPacketLen)
		}
		seg := m.driveTelegram(p.last(), addr, m.oldDriveMode[addr], m.oldSpeed[addr], functions)
		fxBits := mmF1to4[i-1]
		if functions&mask != 0 {
			fxBits |= 0b1000
		}
		// Replace telegram bits 11, 13, 15 and 17, LSB of the
		// pattern first.
		base := len(seg) - mmTelegramLen
		for bit := 0; bit < 4; bit++ {
			pattern := mmBit0
			if fxBits&0x01 != 0 {
				pattern = mmBit1
			}
			copy(seg[base+len(mmBit0)*(11+bit*2):], pattern)
			fxBits >>= 1
		}
		p.setLast(completeMMPacket(seg))
	}
	m.oldFunctions[addr] = functions
	p.TrimEmpty()
}

// EncodeAccessory builds a turnout telegram. A decoder serves four
// address pairs, so the track address maps to decoder address and
// sub-address. With the base offset correction enabled the numbering
// is shifted one decoder down so address 4 reaches the first output of
// the first decoder; addresses below 4 clamp to it.
func (m *MM) EncodeAccessory(addr uint32, port, value int, timeout time.Duration, trigger bool) (*Packet, bool) {
	idx := int(addr) - 1
	if m.accessoryOffsetCorrection {
		idx = int(addr) - 4
		if idx < 0 {
			idx = 0
		}
	}
	decoderAddr := uint32(idx >> 2)
	subAddr := (idx&3)<<1 + (port & 1)
	if value != 0 {
		subAddr += 0x08 // state is the fourth payload bit
	}

	p := NewPacket(ProtocolMM, addr, MMBaudAccessory, mmAddressGap, false, mmPacketLen, 2, trigger)
	seg := addMMAddr(p.last(), decoderAddr)
	seg = addMM1Payload(seg, false, subAddr)
	p.setLast(completeMMPacket(seg))
	// Motorola accessory decoders keep the output energized until the
	// off command arrives; the caller owns the timeout.
	return p, false
}

// IdlePacket addresses the never-used all-open address combination so
// the booster keeps a valid signal without driving any decoder.
func (m *MM) IdlePacket() *Packet {
	p := NewPacket(ProtocolMM, MaxMMAddr, MMBaudLoco, mmAddressGap, false, mmPacketLen, 1, false)
	seg := p.last()
	for i := 0; i < 4; i++ {
		seg = append(seg, mmTritO...)
	}
	seg = addMM1Payload(seg, false, 0)
	p.setLast(completeMMPacket(seg))
	return p
}

func (m *MM) Housekeeping(power bool) *Packet { return nil }

func (m *MM) EvalRegistration(rx []byte) Registration {
	return Registration{State: RegistrationIdle}
}
