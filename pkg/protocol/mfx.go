// Maerklin mfx rail format encoder

package protocol

import (
	"time"
)

// An mfx bit is always 100 us. One bit level change rides in one SPI
// byte at 80000 baud; with the doubled rate below one bit is two SPI
// bytes, which keeps even the smallest telegram above the 96 byte DMA
// threshold.
const mfxBaud = 80000

// mfxBytesPerBit: every mfx bit occupies two SPI bytes at MFXBaud.
const mfxBytesPerBit = 2

// MFXBaud is the SPI clock for all mfx telegrams.
const MFXBaud uint32 = mfxBaud * mfxBytesPerBit

// MaxMFXAddr is the highest track address (14 bit).
const MaxMFXAddr = 1<<14 - 1

// Quiet zero level before and after each telegram.
const mfxStartStopBits = 4

// mfxMaxLen is the worst case telegram length: address tier 14 bit,
// central UID command with registration counter, three closing syncs
// and the quiet zones.
const mfxMaxLen = (mfxStartStopBits + 5 + 54 + 8 + 15 + mfxStartStopBits) * mfxBytesPerBit

// mfxAckPauseLen is the 6.4 ms one-bit RDS answer window in SPI bytes.
const mfxAckPauseLen = 6400 * int(MFXBaud) / (1000000 * 8)

// RDS sync clocking for the CV read answer window: 23 pulses of 25 us
// every 912 us, then double rate pulses every 456 us.
const (
	mfxRDSPeriodBits      = 912*int(MFXBaud)/1000000 + 1
	mfxRDSPulseBits       = 25 * int(MFXBaud) / 1000000
	mfxRDSPausePeriodBits = mfxRDSPeriodBits - mfxRDSPulseBits
	mfxRDSPauseHalfBits   = mfxRDSPeriodBits/2 - mfxRDSPulseBits
)

// mfxSearchLen is the worst case length of a decoder search telegram
// including both answer windows.
const mfxSearchLen = (mfxStartStopBits + 5 + 7 + 6 + 6 + 32 + 8 +
	12*5 + 4 + mfxAckPauseLen + 5 + mfxAckPauseLen + 2*5 + mfxStartStopBits) * mfxBytesPerBit

// mfxBits is a value with its wire width. Commands and address tier
// prefixes are sent MSB first.
type mfxBits struct {
	value uint32
	n     int
}

var (
	mfxAddr7Bit  = mfxBits{0b10, 2}
	mfxAddr9Bit  = mfxBits{0b110, 3}
	mfxAddr11Bit = mfxBits{0b1110, 4}
	mfxAddr14Bit = mfxBits{0b1111, 4}

	mfxCmdDriveShort = mfxBits{0b000, 3}
	mfxCmdDrive      = mfxBits{0b001, 3}
	mfxCmdFuncF0F3   = mfxBits{0b010, 3}
	mfxCmdFuncF0F7   = mfxBits{0b0110, 4}
	mfxCmdFuncF0F15  = mfxBits{0b0111, 4}
	mfxCmdFuncSingle = mfxBits{0b100, 3}
	mfxCmdCVRead     = mfxBits{0b111000, 6}
	mfxCmdCVWrite    = mfxBits{0b111001, 6}
	mfxCmdSearchNew  = mfxBits{0b111010, 6}
	mfxCmdAssignSID  = mfxBits{0b111011, 6}
	mfxCmdCentralUID = mfxBits{0b111101, 6}
)

// MFXBeaconInterval is how often the central UID and registration
// counter broadcast goes out.
const MFXBeaconInterval = 500 * time.Millisecond

type mfxLocoState struct {
	uid       uint32
	funcCount int
	// newSID is set by InitLoco; the address assignment telegram goes
	// out before the next drive command.
	newSID       bool
	oldDriveMode DriveMode
	oldFunctions uint64
}

// MFX encodes the Maerklin mfx protocol: drive and function telegrams,
// the central station beacon, the binary UID search for unregistered
// decoders and CV configuration access.
type MFX struct {
	centralUID uint32
	regCounter uint16

	locos map[uint32]*mfxLocoState

	// Consecutive one bits for the stuffing rule. Reset by every sync
	// pattern.
	ones int

	// Decoder search progress: number of confirmed UID bits and the
	// UID prefix found so far.
	searchBits uint32
	searchUID  uint32
	// Byte position of the one-bit answer window inside the last
	// built search segment.
	ackWindowStart int

	// While service mode or a parameter read is active the periodic
	// search is suppressed.
	smActive      bool
	readingParams bool
}

// NewMFX returns an encoder broadcasting the given central station UID.
// The registration counter tells decoders whether they need to
// re-register; the caller persists it across restarts.
func NewMFX(centralUID uint32, regCounter uint16) *MFX {
	return &MFX{
		centralUID: centralUID,
		regCounter: regCounter,
		locos:      make(map[uint32]*mfxLocoState),
	}
}

func (m *MFX) loco(addr uint32) *mfxLocoState {
	s := m.locos[addr]
	if s == nil {
		s = &mfxLocoState{oldDriveMode: DriveForward}
		m.locos[addr] = s
	}
	return s
}

// RegCounter returns the current registration counter.
func (m *MFX) RegCounter() uint16 { return m.regCounter }

// SetServiceModeActive suppresses the decoder search while CV access
// is in progress.
func (m *MFX) SetServiceModeActive(active bool) { m.smActive = active }

// SetReadingParams suppresses the decoder search while locomotive
// parameters are being read out.
func (m *MFX) SetReadingParams(active bool) { m.readingParams = active }

func (m *MFX) Letter() Protocol { return ProtocolMFX }

func (m *MFX) NeedsUID() bool { return true }

func (m *MFX) MaxLocoAddr() uint32 { return MaxMFXAddr }

// MaxAccessoryAddr: mfx has no accessory decoders.
func (m *MFX) MaxAccessoryAddr() uint32 { return 0 }

func (m *MFX) MaxSpeedSteps() int { return 127 }

func (m *MFX) MaxFunctions() int { return 64 }

// BaseFunctions: F0-F15 can ride in the drive telegram.
func (m *MFX) BaseFunctions() int { return 16 }

// crcUpdate folds bits into the running CRC (polynomial 0x07), MSB
// first.
func crcUpdate(bits mfxBits, crc *byte) {
	c := uint32(*crc)
	for i := bits.n - 1; i >= 0; i-- {
		c = c<<1 | (bits.value>>i)&0x01
		if c&0x0100 != 0 {
			c = (c & 0x00FF) ^ 0x07
		}
	}
	*crc = byte(c)
}

// addBit appends one edge coded bit to the current segment: every bit
// starts with a level change, a one has a second change mid-bit. The
// stuffing rule forces a zero after eight ones.
func (m *MFX) addBit(p *Packet, bit bool) {
	seg := p.last()
	var same, flip byte
	if seg[len(seg)-1]&0x01 == 0 {
		same, flip = 0x00, 0xFF
	} else {
		same, flip = 0xFF, 0x00
	}
	seg = append(seg, flip)
	if bit {
		seg = append(seg, same)
	} else {
		seg = append(seg, flip)
	}
	p.setLast(seg)
	if bit {
		m.ones++
		if m.ones >= 8 {
			m.ones = 0
			m.addBit(p, false)
		}
	} else {
		m.ones = 0
	}
}

// addBits appends bits MSB first and folds them into the CRC.
func (m *MFX) addBits(p *Packet, bits mfxBits, crc *byte) {
	for i := bits.n - 1; i >= 0; i-- {
		m.addBit(p, bits.value&(1<<i) != 0)
	}
	crcUpdate(bits, crc)
}

// addSync appends the sync pattern, which deliberately violates the
// edge rule so it cannot appear in data. With half set only the level
// change prefix goes out.
func (m *MFX) addSync(p *Packet, half bool) {
	seg := p.last()
	var same, flip byte
	if seg[len(seg)-1]&0x01 == 0 {
		same, flip = 0x00, 0xFF
	} else {
		same, flip = 0xFF, 0x00
	}
	seg = append(seg, flip, flip, same, flip, flip)
	if !half {
		seg = append(seg, same, same, flip, same, same)
	}
	p.setLast(seg)
	m.ones = 0
}

// addStartSync appends the quiet zero lead-in and the opening sync.
func (m *MFX) addStartSync(p *Packet) {
	seg := p.last()
	for i := 0; i < mfxStartStopBits*mfxBytesPerBit; i++ {
		seg = append(seg, 0)
	}
	p.setLast(seg)
	m.addSync(p, false)
}

// addCRC finalizes the CRC with eight zero bits and appends it.
func (m *MFX) addCRC(p *Packet, crc byte) {
	crcUpdate(mfxBits{0, 8}, &crc)
	m.addBits(p, mfxBits{uint32(crc), 8}, &crc)
}

// addCRCEndSync closes the telegram: CRC, three syncs and the quiet
// zone. Some decoders need the third sync and the trailing pause to
// work reliably.
func (m *MFX) addCRCEndSync(p *Packet, crc byte) {
	m.addCRC(p, crc)
	m.addSync(p, false)
	m.addSync(p, false)
	m.addSync(p, false)
	seg := p.last()
	for i := 0; i < mfxStartStopBits*mfxBytesPerBit; i++ {
		seg = append(seg, 0)
	}
	p.setLast(seg)
}

// addAddr appends the track address in the smallest tier that fits and
// returns the CRC seeded with 0x7F.
func (m *MFX) addAddr(p *Packet, addr uint32) byte {
	crc := byte(0x7F)
	switch {
	case addr < 128:
		m.addBits(p, mfxAddr7Bit, &crc)
		m.addBits(p, mfxBits{addr, 7}, &crc)
	case addr < 512:
		m.addBits(p, mfxAddr9Bit, &crc)
		m.addBits(p, mfxBits{addr, 9}, &crc)
	case addr < 2048:
		m.addBits(p, mfxAddr11Bit, &crc)
		m.addBits(p, mfxBits{addr, 11}, &crc)
	default:
		m.addBits(p, mfxAddr14Bit, &crc)
		m.addBits(p, mfxBits{addr, 14}, &crc)
	}
	return crc
}

// sidTelegram broadcasts the track address to UID assignment.
func (m *MFX) sidTelegram(p *Packet, addr uint32) {
	m.addStartSync(p)
	crc := m.addAddr(p, 0)
	m.addBits(p, mfxCmdAssignSID, &crc)
	m.addBits(p, mfxBits{addr, 14}, &crc)
	m.addBits(p, mfxBits{m.loco(addr).uid, 32}, &crc)
	m.addCRCEndSync(p, crc)
}

// beaconTelegram broadcasts the central UID and registration counter.
func (m *MFX) beaconTelegram(p *Packet) {
	m.addStartSync(p)
	crc := m.addAddr(p, 0)
	m.addBits(p, mfxCmdCentralUID, &crc)
	m.addBits(p, mfxBits{m.centralUID, 32}, &crc)
	m.addBits(p, mfxBits{uint32(m.regCounter), 16}, &crc)
	m.addCRCEndSync(p, crc)
}

// searchTelegram asks all unregistered decoders whose UID starts with
// the current prefix to answer in the one-bit window.
func (m *MFX) searchTelegram(p *Packet) {
	m.addStartSync(p)
	crc := m.addAddr(p, 0)
	m.addBits(p, mfxCmdSearchNew, &crc)
	m.addBits(p, mfxBits{m.searchBits, 6}, &crc)
	m.addBits(p, mfxBits{m.searchUID, 32}, &crc)
	m.addCRC(p, crc)
	// Answer window: syncs, the 0011 marker, 6.4 ms of low for the
	// decoder current pulse, a sync, 6.4 ms of high, two syncs.
	for i := 0; i < 11; i++ {
		m.addSync(p, false)
	}
	// The pause is driven low, so end on a high level to keep the
	// closing edge.
	if seg := p.last(); seg[len(seg)-1] == 0 {
		m.addSync(p, true)
	}
	m.addBits(p, mfxBits{0b0011, 4}, &crc)
	seg := p.last()
	m.ackWindowStart = len(seg)
	for i := 0; i < mfxAckPauseLen; i++ {
		seg = append(seg, 0)
	}
	p.setLast(seg)
	m.addSync(p, false)
	seg = p.last()
	for i := 0; i < mfxAckPauseLen; i++ {
		seg = append(seg, 0xFF)
	}
	p.setLast(seg)
	m.addSync(p, false)
	m.addSync(p, false)
	p.Readback = true
}

// InitLoco stores the decoder parameters from GL INIT and schedules
// the SID assignment telegram. With power on it is returned for
// immediate transmission; powered off it precedes the next drive
// command instead, since INIT also runs on booster stop.
func (m *MFX) InitLoco(addr uint32, uid uint32, numFunctions int, power, trigger bool) *Packet {
	s := m.loco(addr)
	s.uid = uid
	s.funcCount = numFunctions
	s.newSID = true
	if !power {
		return nil
	}
	p := m.NewLocoPacket(addr, false, trigger)
	p.TrimEmpty()
	return p
}

func (m *MFX) NewLocoPacket(addr uint32, refresh, trigger bool) *Packet {
	repeats := 2
	if refresh {
		repeats = 1
	}
	p := NewPacket(ProtocolMFX, addr, MFXBaud, 0, false, mfxMaxLen, repeats, trigger)
	if s := m.loco(addr); s.newSID {
		m.sidTelegram(p, addr)
		p.NextSegment(mfxMaxLen)
		s.newSID = false
	}
	return p
}

// EncodeDrive appends the drive telegram: direction, 7 bit speed and
// the base function block sized to the decoder's function count.
func (m *MFX) EncodeDrive(p *Packet, addr uint32, mode DriveMode, speed, steps int, functions uint64) {
	s := m.loco(addr)
	m.addStartSync(p)

	// Speed code 1 is the emergency stop.
	speedUsed := speed
	if mode == DriveEmergency {
		speedUsed = 1
	} else if speed == 1 {
		speedUsed = 2
	}
	modeUsed := mode
	if mode == DriveEmergency {
		modeUsed = s.oldDriveMode
	}
	s.oldDriveMode = modeUsed

	crc := m.addAddr(p, addr)
	dirBit := uint32(0)
	if modeUsed != DriveForward {
		dirBit = 1
	}
	if speedUsed == 0 {
		m.addBits(p, mfxCmdDriveShort, &crc)
		m.addBits(p, mfxBits{dirBit, 1}, &crc)
		m.addBits(p, mfxBits{0, 3}, &crc)
	} else {
		m.addBits(p, mfxCmdDrive, &crc)
		m.addBits(p, mfxBits{dirBit, 1}, &crc)
		m.addBits(p, mfxBits{uint32(speedUsed), 7}, &crc)
	}
	switch {
	case s.funcCount <= 4:
		m.addBits(p, mfxCmdFuncF0F3, &crc)
		m.addBits(p, mfxBits{uint32(functions) & 0x0F, 4}, &crc)
	case s.funcCount <= 8:
		m.addBits(p, mfxCmdFuncF0F7, &crc)
		m.addBits(p, mfxBits{uint32(functions) & 0xFF, 8}, &crc)
	default:
		m.addBits(p, mfxCmdFuncF0F15, &crc)
		m.addBits(p, mfxBits{uint32(functions) & 0xFFFF, 16}, &crc)
	}
	m.addCRCEndSync(p, crc)

	s.oldFunctions &^= 0xFFFF
	s.oldFunctions |= functions & 0xFFFF
}

// EncodeExtraFunctions emits single function telegrams for F16 and
// above, one per changed function (all on refresh).
func (m *MFX) EncodeExtraFunctions(p *Packet, addr uint32, refresh bool, functions uint64) {
	s := m.loco(addr)
	if s.funcCount <= m.BaseFunctions() {
		return
	}
	for i := m.BaseFunctions(); i < s.funcCount; i++ {
		if !refresh && (s.oldFunctions^functions)&(1<<i) == 0 {
			continue
		}
		if len(p.last()) > 0 {
			p.NextSegment(mfxMaxLen)
		}
		m.addStartSync(p)
		crc := m.addAddr(p, addr)
		m.addBits(p, mfxCmdFuncSingle, &crc)
		m.addBits(p, mfxBits{uint32(i), 7}, &crc)
		state := uint32(0)
		if functions&(1<<i) != 0 {
			state = 1
		}
		m.addBits(p, mfxBits{state, 2}, &crc)
		m.addCRCEndSync(p, crc)
	}
	s.oldFunctions = functions
	p.TrimEmpty()
}

// EncodeAccessory: mfx drives no accessory decoders.
func (m *MFX) EncodeAccessory(addr uint32, port, value int, timeout time.Duration, trigger bool) (*Packet, bool) {
	return nil, false
}

// IdlePacket keeps the rail signal alive with the central UID beacon;
// mfx has no dedicated idle telegram.
func (m *MFX) IdlePacket() *Packet {
	p := NewPacket(ProtocolMFX, 0, MFXBaud, 0, false, mfxMaxLen, 1, false)
	m.beaconTelegram(p)
	return p
}

// Housekeeping returns the periodic beacon and, unless service mode or
// a parameter read is running, the next decoder search telegram. The
// caller invokes it at MFXBeaconInterval.
func (m *MFX) Housekeeping(power bool) *Packet {
	if !power {
		return nil
	}
	p := m.IdlePacket()
	if !m.smActive && !m.readingParams {
		p.NextSegment(mfxSearchLen)
		m.searchTelegram(p)
	}
	return p
}

// EvalRegistration digests the SPI readback of a search window. A set
// bit share of at least 5% inside the window (skipping 1 ms on both
// ends where switching transients linger) counts as a decoder answer.
func (m *MFX) EvalRegistration(rx []byte) Registration {
	pad := mfxAckPauseLen / 6 // 1 ms guard
	ones := 0
	for i := m.ackWindowStart + pad; i < m.ackWindowStart+mfxAckPauseLen-pad && i < len(rx); i++ {
		b := rx[i]
		for ; b != 0; b &= b - 1 {
			ones++
		}
	}
	if ones < (mfxAckPauseLen-pad)*8/20 {
		// No answer. If a prefix was being probed with the current
		// bit at zero, retry with one; otherwise the search is stuck
		// and restarts.
		if m.searchBits > 0 {
			bit := uint32(0x80000000) >> (m.searchBits - 1)
			if m.searchUID&bit == 0 {
				m.searchUID |= bit
				return Registration{State: RegistrationInProgress}
			}
			m.searchUID = 0
			m.searchBits = 0
			return Registration{State: RegistrationFailed}
		}
		return Registration{State: RegistrationIdle}
	}
	if m.searchBits >= 32 {
		uid := m.searchUID
		m.searchUID = 0
		m.searchBits = 0
		if uid == 0 {
			return Registration{State: RegistrationFailed}
		}
		m.regCounter++
		return Registration{State: RegistrationFound, UID: uid}
	}
	m.searchBits++
	return Registration{State: RegistrationInProgress}
}

// CVWritePacket builds a configuration write telegram. Decoders only
// honor single byte writes even though the format allows up to eight.
func (m *MFX) CVWritePacket(addr uint32, cv uint16, index byte, data []byte, trigger bool) *Packet {
	p := m.NewLocoPacket(addr, true, trigger)
	m.addStartSync(p)
	crc := m.addAddr(p, addr)
	m.addBits(p, mfxCmdCVWrite, &crc)
	m.addBits(p, mfxBits{uint32(cv), 10}, &crc)
	m.addBits(p, mfxBits{uint32(index), 6}, &crc)
	m.addBits(p, mfxBits{mfxByteCountCode(len(data)), 2}, &crc)
	for _, b := range data {
		m.addBits(p, mfxBits{uint32(b), 8}, &crc)
	}
	m.addCRC(p, crc)
	m.addSync(p, false)
	m.addSync(p, false)
	return p
}

// CVReadPacket builds a configuration read telegram followed by the
// RDS answer window: the 0011 marker, 23 clock pulses every 912 us and
// the double rate pulses clocking out the start marker, the data
// bytes, the checksum and four trailing bits.
func (m *MFX) CVReadPacket(addr uint32, cv uint16, index byte, byteCount int, trigger bool) *Packet {
	p := m.NewLocoPacket(addr, true, trigger)
	m.addStartSync(p)
	crc := m.addAddr(p, addr)
	m.addBits(p, mfxCmdCVRead, &crc)
	m.addBits(p, mfxBits{uint32(cv), 10}, &crc)
	m.addBits(p, mfxBits{uint32(index), 6}, &crc)
	m.addBits(p, mfxBits{mfxByteCountCode(byteCount), 2}, &crc)
	m.addCRC(p, crc)

	for i := 0; i < 11; i++ {
		m.addSync(p, false)
	}
	if seg := p.last(); seg[len(seg)-1] == 0 {
		m.addSync(p, true)
	}
	m.addBits(p, mfxBits{0b0011, 4}, &crc)

	// From here single bits keep the RDS clock timing exact.
	seg := p.last()
	free := 0
	for i := 0; i < 23; i++ {
		seg, free = addSingleBits(seg, free, mfxRDSPausePeriodBits, false)
		seg, free = addSingleBits(seg, free, mfxRDSPulseBits, true)
	}
	for i := 0; i < (3+byteCount*8+8+4)*2; i++ {
		seg, free = addSingleBits(seg, free, mfxRDSPauseHalfBits, false)
		seg, free = addSingleBits(seg, free, mfxRDSPulseBits, true)
	}
	seg, _ = addSingleBits(seg, free, mfxRDSPauseHalfBits, false)
	p.setLast(seg)

	m.addSync(p, false)
	m.addSync(p, false)
	return p
}

// mfxByteCountCode maps a data length to the two bit wire code
// (1, 2, 4 or 8 bytes).
func mfxByteCountCode(n int) uint32 {
	switch n {
	case 2:
		return 1
	case 4:
		return 2
	case 8:
		return 3
	}
	return 0
}

// addSingleBits packs raw level bits into the byte stream, MSB first,
// tracking how many bits of the last byte are still free.
func addSingleBits(seg []byte, free, count int, level bool) ([]byte, int) {
	for i := 0; i < count; i++ {
		if free > 0 {
			free--
		} else {
			seg = append(seg, 0)
			free = 7
		}
		if level {
			seg[len(seg)-1] |= 1 << free
		}
	}
	return seg, free
}
