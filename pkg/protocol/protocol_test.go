package protocol

import (
	"bytes"
	"strings"
	"testing"
)

var (
	_ Encoder = (*MM)(nil)
	_ Encoder = (*DCC)(nil)
	_ Encoder = (*MFX)(nil)
)

// mmBits converts a Motorola segment back into its logical bit string.
func mmBits(t *testing.T, seg []byte) string {
	t.Helper()
	var sb strings.Builder
	for i := 0; i+1 < len(seg); i += 2 {
		switch {
		case seg[i] == 0xC0 && seg[i+1] == 0x00:
			sb.WriteByte('0')
		case seg[i] == 0xFF && seg[i+1] == 0xFC:
			sb.WriteByte('1')
		default:
			t.Fatalf("invalid MM bit pattern %#02x %#02x at %d", seg[i], seg[i+1], i)
		}
	}
	return sb.String()
}

func TestMMPacketLayout(t *testing.T) {
	m := NewMM(MM2, false)
	p := m.NewLocoPacket(3, false, false)
	m.EncodeDrive(p, 3, DriveForward, 0, 14, 0)

	if len(p.Segments) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(p.Segments))
	}
	seg := p.Segments[0]
	if len(seg) != 126 {
		t.Errorf("packet length = %d, expected 126", len(seg))
	}
	// Telegram, pause, repetition, closing pause.
	if !bytes.Equal(seg[:36], seg[48:84]) {
		t.Error("in-packet repetition differs from telegram")
	}
	for _, i := range []int{36, 47, 84, 125} {
		if seg[i] != 0 {
			t.Errorf("pause byte %d = %#02x, expected 0", i, seg[i])
		}
	}
	if p.Baud != MMBaudLoco {
		t.Errorf("baud = %d, expected %d", p.Baud, MMBaudLoco)
	}
	if p.Gap != 50000 {
		t.Errorf("gap = %d, expected 50000", p.Gap)
	}
}

func TestMMAddressTrinary(t *testing.T) {
	m := NewMM(MM1, false)
	tests := []struct {
		addr uint32
		want string // 8 address bits, LSD trit first
	}{
		{1, "11000000"},  // trinary 1 -> H L L L
		{2, "10000000"},  // trinary 2 -> O L L L
		{3, "00110000"},  // trinary 10 -> L H L L
		{80, "00000000"}, // sent as 0
	}
	for _, tt := range tests {
		p := m.NewLocoPacket(tt.addr, true, false)
		m.EncodeDrive(p, tt.addr, DriveForward, 0, 14, 0)
		bits := mmBits(t, p.Segments[0][:16])
		if bits != tt.want {
			t.Errorf("addr %d bits = %s, expected %s", tt.addr, bits, tt.want)
		}
	}
}

func TestMM1DirectionChange(t *testing.T) {
	m := NewMM(MM1, false)

	// Same direction: speed goes out as commanded.
	p := m.NewLocoPacket(1, false, false)
	m.EncodeDrive(p, 1, DriveForward, 6, 14, 1)
	bits := mmBits(t, p.Segments[0][:36])
	// F0 on, speed 6 LSB first: 0,1,1,0.
	if bits[8:18] != "1100111100" {
		t.Errorf("payload = %s", bits[8:18])
	}

	// Direction change sends speed code 1.
	p = m.NewLocoPacket(1, false, false)
	m.EncodeDrive(p, 1, DriveReverse, 6, 14, 1)
	bits = mmBits(t, p.Segments[0][:36])
	if bits[10:18] != "11000000" {
		t.Errorf("direction change payload = %s, expected speed code 1", bits[10:18])
	}
}

func TestMM1EmergencyKeepsDirection(t *testing.T) {
	m := NewMM(MM1, false)
	p := m.NewLocoPacket(1, false, false)
	m.EncodeDrive(p, 1, DriveReverse, 6, 14, 0)

	// Emergency stop: no direction change command, speed 0.
	p = m.NewLocoPacket(1, false, false)
	m.EncodeDrive(p, 1, DriveEmergency, 6, 14, 0)
	bits := mmBits(t, p.Segments[0][:36])
	if bits[10:18] != "00000000" {
		t.Errorf("emergency payload = %s, expected speed 0", bits[10:18])
	}
}

func TestMM2AbsoluteDirection(t *testing.T) {
	m := NewMM(MM2, false)

	p := m.NewLocoPacket(1, false, false)
	m.EncodeDrive(p, 1, DriveForward, 4, 14, 0)
	forward := mmBits(t, p.Segments[0][:36])

	m2 := NewMM(MM2, false)
	p = m2.NewLocoPacket(1, false, false)
	m2.EncodeDrive(p, 1, DriveReverse, 4, 14, 0)
	reverse := mmBits(t, p.Segments[0][:36])

	// Speed bits (first of each pair) agree, direction bits differ.
	for i := 0; i < 4; i++ {
		fi := 10 + 2*i
		if forward[fi] != reverse[fi] {
			t.Errorf("speed bit %d differs between directions", i)
		}
	}
	if forward == reverse {
		t.Error("absolute direction not encoded")
	}
	// Forward at speed 4: pattern 0101, speed LSB first 0,0,1,0
	// -> pairs 01 00 11 00.
	if forward[10:18] != "01001100" {
		t.Errorf("forward payload = %s", forward[10:18])
	}
}

func TestMM3Halfstep(t *testing.T) {
	m := NewMM(MM3, false)

	// Odd speed: no half step marker, F0 pair keeps its plain value.
	p := m.NewLocoPacket(1, false, false)
	m.EncodeDrive(p, 1, DriveForward, 5, 28, 0)
	bits := mmBits(t, p.Segments[0][:36])
	if bits[8:10] != "00" {
		t.Errorf("odd speed F0 pair = %s, expected 00", bits[8:10])
	}

	// Even speed: the second F0 bit carries the intermediate step.
	p = m.NewLocoPacket(1, false, false)
	m.EncodeDrive(p, 1, DriveForward, 6, 28, 0)
	bits = mmBits(t, p.Segments[0][:36])
	if bits[8:10] != "01" {
		t.Errorf("even speed F0 pair = %s, expected 01 marker", bits[8:10])
	}

	// With F0 on the marker inverts.
	p = m.NewLocoPacket(1, false, false)
	m.EncodeDrive(p, 1, DriveForward, 6, 28, 1)
	bits = mmBits(t, p.Segments[0][:36])
	if bits[8:10] != "10" {
		t.Errorf("even speed F0-on pair = %s, expected 10 marker", bits[8:10])
	}

	if !m.NewLocoPacket(1, false, false).GapOnlyAfterFirst {
		t.Error("28 step packets should relax the gap after the first send")
	}
}

func TestMMSpeedZeroNotDirectionChange(t *testing.T) {
	// Speed 0 must never produce wire code 1, which decoders take as
	// a direction change.
	m := NewMM(MM3, false)
	p := m.NewLocoPacket(1, false, false)
	m.EncodeDrive(p, 1, DriveForward, 0, 28, 0)
	bits := mmBits(t, p.Segments[0][:36])
	speed := 0
	for i := 0; i < 4; i++ {
		if bits[10+2*i] == '1' {
			speed |= 1 << i
		}
	}
	if speed != 0 {
		t.Errorf("speed 0 encoded as wire code %d", speed)
	}
}

func TestMMExtraFunctions(t *testing.T) {
	m := NewMM(MM2, false)
	p := m.NewLocoPacket(7, false, false)
	m.EncodeDrive(p, 7, DriveForward, 8, 14, 1)

	// Turning on F2 yields exactly one extra telegram.
	m.EncodeExtraFunctions(p, 7, false, 0b101)
	if len(p.Segments) != 2 {
		t.Fatalf("expected 2 segments after F2 change, got %d", len(p.Segments))
	}
	if len(p.Segments[1]) != 126 {
		t.Errorf("function telegram length = %d", len(p.Segments[1]))
	}
	// F2 on: pattern 0100 | 1000, bits 11 13 15 17 LSB first -> 0,0,1,1.
	bits := mmBits(t, p.Segments[1][:36])
	got := string([]byte{bits[11], bits[13], bits[15], bits[17]})
	if got != "0011" {
		t.Errorf("F2 pattern bits = %s, expected 0011", got)
	}

	// No change, no refresh: nothing to send.
	p2 := m.NewLocoPacket(7, true, false)
	m.EncodeDrive(p2, 7, DriveForward, 8, 14, 0b101)
	m.EncodeExtraFunctions(p2, 7, false, 0b101)
	if len(p2.Segments) != 1 {
		t.Errorf("expected no function telegrams, got %d segments", len(p2.Segments)-1)
	}

	// Refresh sends all four.
	p3 := m.NewLocoPacket(7, true, false)
	m.EncodeDrive(p3, 7, DriveForward, 8, 14, 0b101)
	m.EncodeExtraFunctions(p3, 7, true, 0b101)
	if len(p3.Segments) != 5 {
		t.Errorf("refresh expected 5 segments, got %d", len(p3.Segments))
	}
}

func TestMMAccessory(t *testing.T) {
	m := NewMM(MM2, false)
	p, decoderTimeout := m.EncodeAccessory(1, 0, 1, 0, false)
	if decoderTimeout {
		t.Error("MM accessory decoders do not honor timeouts")
	}
	if p.Baud != MMBaudAccessory {
		t.Errorf("baud = %d, expected %d", p.Baud, MMBaudAccessory)
	}
	bits := mmBits(t, p.Segments[0][:36])
	// Decoder 0, sub-address 0, active: value 8 LSB first -> 0001.
	if bits[:8] != "00000000" || bits[8:10] != "00" || bits[10:18] != "00000011" {
		t.Errorf("accessory telegram = %s", bits)
	}

	// Port selects the second output of the pair.
	p, _ = m.EncodeAccessory(1, 1, 1, 0, false)
	bits = mmBits(t, p.Segments[0][:36])
	if bits[10:18] != "11000011" {
		t.Errorf("port 1 telegram = %s", bits)
	}
}

func TestMMAccessoryOffsetCorrection(t *testing.T) {
	plain := NewMM(MM2, false)
	corrected := NewMM(MM2, true)

	// Corrected address 4 matches plain address 1.
	pPlain, _ := plain.EncodeAccessory(1, 0, 1, 0, false)
	pCorr, _ := corrected.EncodeAccessory(4, 0, 1, 0, false)
	if !bytes.Equal(pPlain.Segments[0], pCorr.Segments[0]) {
		t.Error("corrected address 4 should encode like plain address 1")
	}

	// Addresses below the offset clamp to the first output instead of
	// wrapping to the top of the range.
	for addr := uint32(1); addr <= 3; addr++ {
		p, _ := corrected.EncodeAccessory(addr, 0, 1, 0, false)
		if !bytes.Equal(p.Segments[0], pCorr.Segments[0]) {
			t.Errorf("corrected address %d should clamp to address 4", addr)
		}
	}
}

func TestMMIdle(t *testing.T) {
	m := NewMM(MM2, false)
	p := m.IdlePacket()
	bits := mmBits(t, p.Segments[0][:36])
	// The all-open address combination, function off, value 0.
	if bits != "101010100000000000" {
		t.Errorf("idle telegram = %s", bits)
	}
	if p.Repeats != 1 {
		t.Errorf("idle repeats = %d", p.Repeats)
	}
}

// dccDecode converts a DCC segment back into preamble length and data
// bytes, verifying the framing.
func dccDecode(t *testing.T, seg []byte) (preamble int, data []byte) {
	t.Helper()
	var bits []byte
	for i := 0; i < len(seg); {
		if i+1 < len(seg) && seg[i] == 0xFF && seg[i+1] == 0x00 {
			bits = append(bits, 1)
			i += 2
		} else if i+3 < len(seg) && seg[i] == 0xFF && seg[i+1] == 0xFF && seg[i+2] == 0x00 && seg[i+3] == 0x00 {
			bits = append(bits, 0)
			i += 4
		} else {
			t.Fatalf("invalid DCC bit pattern at byte %d", i)
		}
	}
	i := 0
	for i < len(bits) && bits[i] == 1 {
		i++
	}
	preamble = i
	for {
		if i >= len(bits) {
			t.Fatal("truncated DCC telegram")
		}
		if bits[i] == 1 {
			if i != len(bits)-1 {
				t.Fatalf("packet end bit at %d before stream end", i)
			}
			break
		}
		i++ // data start bit
		var b byte
		for j := 0; j < 8; j++ {
			b = b<<1 | bits[i+j]
		}
		data = append(data, b)
		i += 8
	}
	return preamble, data
}

func checkDCCChecksum(t *testing.T, data []byte) {
	t.Helper()
	var xor byte
	for _, b := range data[:len(data)-1] {
		xor ^= b
	}
	if xor != data[len(data)-1] {
		t.Errorf("checksum = %#02x, expected %#02x", data[len(data)-1], xor)
	}
}

func TestDCCIdle(t *testing.T) {
	d := NewDCC(DCC2)
	p := d.IdlePacket()
	preamble, data := dccDecode(t, p.Segments[0])
	if preamble != 16 {
		t.Errorf("preamble = %d", preamble)
	}
	if !bytes.Equal(data, []byte{0xFF, 0x00, 0xFF}) {
		t.Errorf("idle telegram = %#v", data)
	}
}

func TestDCCDrive128(t *testing.T) {
	d := NewDCC(DCC2)
	p := d.NewLocoPacket(3, false, false)
	d.EncodeDrive(p, 3, DriveForward, 60, 128, 0b11)

	if len(p.Segments) != 2 {
		t.Fatalf("expected drive + function segments, got %d", len(p.Segments))
	}
	_, data := dccDecode(t, p.Segments[0])
	if !bytes.Equal(data[:3], []byte{3, 0x3F, 0x80 | 60}) {
		t.Errorf("drive telegram = %#v", data)
	}
	checkDCCChecksum(t, data)

	_, data = dccDecode(t, p.Segments[1])
	// F0 and F1 on: 100 1 0001.
	if !bytes.Equal(data[:2], []byte{3, 0x91}) {
		t.Errorf("function telegram = %#v", data)
	}
	checkDCCChecksum(t, data)

	if p.Gap != 5000 {
		t.Errorf("gap = %d, expected 5000", p.Gap)
	}
}

func TestDCCDriveSpeedSteps(t *testing.T) {
	d := NewDCC(DCC1)

	// 14 steps: four speed bits plus F0 in bit 4.
	p := d.NewLocoPacket(9, false, false)
	d.EncodeDrive(p, 9, DriveForward, 5, 14, 1)
	_, data := dccDecode(t, p.Segments[0])
	if data[1] != 0x60|0x10|5 {
		t.Errorf("14 step speed byte = %#02x", data[1])
	}

	// 28 steps: five bit speed, LSB moves to bit 4.
	p = d.NewLocoPacket(9, false, false)
	d.EncodeDrive(p, 9, DriveReverse, 21, 28, 0)
	_, data = dccDecode(t, p.Segments[0])
	if data[1] != 0x40|(21>>1)|(21<<4)&0x10 {
		t.Errorf("28 step speed byte = %#02x", data[1])
	}
}

func TestDCCEmergencyStop(t *testing.T) {
	d := NewDCC(DCC2)
	p := d.NewLocoPacket(3, false, false)
	d.EncodeDrive(p, 3, DriveForward, 90, 128, 0)

	p = d.NewLocoPacket(3, false, false)
	d.EncodeDrive(p, 3, DriveEmergency, 90, 128, 0)
	_, data := dccDecode(t, p.Segments[0])
	// Speed code 1, direction kept.
	if data[2] != 0x81 {
		t.Errorf("emergency speed byte = %#02x, expected 0x81", data[2])
	}
}

func TestDCCLongAddress(t *testing.T) {
	d := NewDCC(DCC2)
	p := d.NewLocoPacket(2000, false, false)
	d.EncodeDrive(p, 2000, DriveForward, 0, 128, 0)
	_, data := dccDecode(t, p.Segments[0])
	if data[0] != 0xC0|(2000>>8) || data[1] != 2000&0xFF {
		t.Errorf("long address bytes = %#02x %#02x", data[0], data[1])
	}
	checkDCCChecksum(t, data)
}

func TestDCCExtraFunctions(t *testing.T) {
	d := NewDCC(DCC2)
	p := d.NewLocoPacket(3, false, false)
	d.EncodeDrive(p, 3, DriveForward, 0, 128, 0)
	base := len(p.Segments)

	// F7 on: one group two telegram for F5-F8.
	d.EncodeExtraFunctions(p, 3, false, 1<<7)
	if len(p.Segments) != base+1 {
		t.Fatalf("expected one extra segment, got %d", len(p.Segments)-base)
	}
	_, data := dccDecode(t, p.Segments[base])
	if data[1] != 0xB0|0b0100 {
		t.Errorf("F5-F8 telegram = %#02x", data[1])
	}

	// F15 on: expansion telegram with data byte.
	d.EncodeExtraFunctions(p, 3, false, 1<<7|1<<15)
	_, data = dccDecode(t, p.Segments[len(p.Segments)-1])
	if data[1] != 0xDE || data[2] != 1<<(15-13) {
		t.Errorf("F13-F20 telegram = %#02x %#02x", data[1], data[2])
	}
	checkDCCChecksum(t, data)
}

func TestDCCAccessory(t *testing.T) {
	d := NewDCC(DCC2)
	p, decoderTimeout := d.EncodeAccessory(1, 0, 1, 0, false)
	if decoderTimeout {
		t.Error("basic accessory decoders do not honor timeouts")
	}
	_, data := dccDecode(t, p.Segments[0])
	// Decoder 0, pair 0, port 0, activate: 10000000 1111 1 00 0.
	if data[0] != 0x80 || data[1] != 0xF8 {
		t.Errorf("accessory bytes = %#02x %#02x", data[0], data[1])
	}
	checkDCCChecksum(t, data)

	// Address 7 -> decoder 1, pair 2.
	p, _ = d.EncodeAccessory(7, 1, 0, 0, false)
	_, data = dccDecode(t, p.Segments[0])
	if data[0] != 0x81 || data[1] != 0xF0|2<<1|1 {
		t.Errorf("accessory bytes = %#02x %#02x", data[0], data[1])
	}
}

func TestDCCServiceTelegrams(t *testing.T) {
	d := NewDCC(DCC2)

	p := d.ServiceWriteByte(29, 0x06, 5, false)
	preamble, data := dccDecode(t, p.Segments[0])
	if preamble != 25 {
		t.Errorf("service preamble = %d, expected 25", preamble)
	}
	// CV 29 -> wire address 28.
	if !bytes.Equal(data[:3], []byte{0x7C, 28, 0x06}) {
		t.Errorf("write telegram = %#v", data)
	}
	checkDCCChecksum(t, data)
	if p.Repeats != 5 {
		t.Errorf("repeats = %d", p.Repeats)
	}

	p = d.ServiceVerifyByte(1, 0x03, 5, false)
	_, data = dccDecode(t, p.Segments[0])
	if !bytes.Equal(data[:3], []byte{0x74, 0, 0x03}) {
		t.Errorf("verify telegram = %#v", data)
	}

	p = d.ServiceVerifyBit(8, 6, true, 5, false)
	_, data = dccDecode(t, p.Segments[0])
	if !bytes.Equal(data[:3], []byte{0x78, 7, 0b11101110}) {
		t.Errorf("verify bit telegram = %#v", data)
	}

	p = d.ServiceWriteBit(8, 2, false, 5, false)
	_, data = dccDecode(t, p.Segments[0])
	if !bytes.Equal(data[:3], []byte{0x78, 7, 0b11110010}) {
		t.Errorf("write bit telegram = %#v", data)
	}

	p = d.ServiceReset(3, false)
	_, data = dccDecode(t, p.Segments[0])
	if !bytes.Equal(data, []byte{0x00, 0x00, 0x00}) {
		t.Errorf("reset telegram = %#v", data)
	}
}

// mfxPeriod is one decoded 100 us bit period.
type mfxPeriod struct {
	startEdge bool
	value     bool
}

// mfxPeriods decodes the edge coded byte stream into bit periods.
func mfxPeriods(t *testing.T, seg []byte) []mfxPeriod {
	t.Helper()
	if len(seg)%2 != 0 {
		t.Fatalf("odd segment length %d", len(seg))
	}
	var periods []mfxPeriod
	prev := byte(0)
	for i := 0; i < len(seg); i += 2 {
		a, b := seg[i]&1, seg[i+1]&1
		periods = append(periods, mfxPeriod{startEdge: a != prev, value: b != a})
		prev = b
	}
	return periods
}

// isMfxSync matches the five period sync signature: 01110 with the
// edge rule violated on the two middle ones.
func isMfxSync(p []mfxPeriod) bool {
	if len(p) < 5 {
		return false
	}
	return p[0].startEdge && !p[0].value &&
		p[1].startEdge && p[1].value &&
		!p[2].startEdge && p[2].value &&
		!p[3].startEdge && p[3].value &&
		p[4].startEdge && !p[4].value
}

// mfxPayload extracts the de-stuffed payload bits between the first
// sync and the following one.
func mfxPayload(t *testing.T, seg []byte) string {
	t.Helper()
	periods := mfxPeriods(t, seg)
	i := 0
	for i < len(periods) && !isMfxSync(periods[i:]) {
		i++
	}
	if i == len(periods) {
		t.Fatal("no sync found")
	}
	i += 5
	var sb strings.Builder
	ones := 0
	for i < len(periods) && !isMfxSync(periods[i:]) {
		p := periods[i]
		if !p.startEdge {
			t.Fatalf("edge rule violated in payload at period %d", i)
		}
		if ones == 8 {
			if p.value {
				t.Fatalf("missing stuffed zero at period %d", i)
			}
			ones = 0
			i++
			continue
		}
		if p.value {
			sb.WriteByte('1')
			ones++
		} else {
			sb.WriteByte('0')
			ones = 0
		}
		i++
	}
	return sb.String()
}

// mfxBitString renders value/width pairs the way they go on the wire.
func mfxBitString(groups ...mfxBits) string {
	var sb strings.Builder
	for _, g := range groups {
		for i := g.n - 1; i >= 0; i-- {
			if g.value&(1<<i) != 0 {
				sb.WriteByte('1')
			} else {
				sb.WriteByte('0')
			}
		}
	}
	return sb.String()
}

// mfxCRCOf computes the telegram CRC over the given groups.
func mfxCRCOf(groups ...mfxBits) byte {
	crc := byte(0x7F)
	for _, g := range groups {
		crcUpdate(g, &crc)
	}
	crcUpdate(mfxBits{0, 8}, &crc)
	return crc
}

func TestMFXBeacon(t *testing.T) {
	m := NewMFX(0x12345678, 7)
	p := m.IdlePacket()

	groups := []mfxBits{
		mfxAddr7Bit, {0, 7},
		mfxCmdCentralUID, {0x12345678, 32}, {7, 16},
	}
	want := mfxBitString(groups...) + mfxBitString(mfxBits{uint32(mfxCRCOf(groups...)), 8})
	if got := mfxPayload(t, p.Segments[0]); got != want {
		t.Errorf("beacon payload\n got %s\nwant %s", got, want)
	}
}

func TestMFXBitStuffing(t *testing.T) {
	// A UID of all ones forces stuffing; the payload decoder verifies
	// both the stuffed zeros and the edge rule.
	m := NewMFX(0xFFFFFFFF, 0xFFFF)
	p := m.IdlePacket()

	groups := []mfxBits{
		mfxAddr7Bit, {0, 7},
		mfxCmdCentralUID, {0xFFFFFFFF, 32}, {0xFFFF, 16},
	}
	want := mfxBitString(groups...) + mfxBitString(mfxBits{uint32(mfxCRCOf(groups...)), 8})
	if got := mfxPayload(t, p.Segments[0]); got != want {
		t.Errorf("stuffed payload\n got %s\nwant %s", got, want)
	}
}

func TestMFXDrive(t *testing.T) {
	m := NewMFX(0x12345678, 0)
	if p := m.InitLoco(5, 0xAABBCCDD, 8, false, false); p != nil {
		t.Error("powered-off init should not emit a telegram")
	}

	p := m.NewLocoPacket(5, false, false)
	if len(p.Segments) != 2 {
		t.Fatalf("expected SID segment + empty, got %d", len(p.Segments))
	}
	// Address assignment rides ahead of the first drive command.
	sidGroups := []mfxBits{
		mfxAddr7Bit, {0, 7},
		mfxCmdAssignSID, {5, 14}, {0xAABBCCDD, 32},
	}
	want := mfxBitString(sidGroups...) + mfxBitString(mfxBits{uint32(mfxCRCOf(sidGroups...)), 8})
	if got := mfxPayload(t, p.Segments[0]); got != want {
		t.Errorf("SID payload\n got %s\nwant %s", got, want)
	}

	m.EncodeDrive(p, 5, DriveForward, 60, 127, 0b101)
	driveGroups := []mfxBits{
		mfxAddr7Bit, {5, 7},
		mfxCmdDrive, {0, 1}, {60, 7},
		mfxCmdFuncF0F7, {0b101, 8},
	}
	want = mfxBitString(driveGroups...) + mfxBitString(mfxBits{uint32(mfxCRCOf(driveGroups...)), 8})
	if got := mfxPayload(t, p.Segments[1]); got != want {
		t.Errorf("drive payload\n got %s\nwant %s", got, want)
	}

	// The SID telegram goes out once.
	p = m.NewLocoPacket(5, false, false)
	if len(p.Segments) != 1 {
		t.Errorf("SID segment repeated: %d segments", len(p.Segments))
	}
}

func TestMFXPoweredInitEmitsSIDOnly(t *testing.T) {
	m := NewMFX(0x12345678, 0)
	p := m.InitLoco(5, 0xAABBCCDD, 8, true, false)
	if p == nil {
		t.Fatal("powered init must emit the SID telegram")
	}
	if len(p.Segments) != 1 || len(p.Segments[0]) == 0 {
		t.Fatalf("SID packet has %d segments, want one non-empty", len(p.Segments))
	}
}

func TestMFXDriveStopAndEmergency(t *testing.T) {
	m := NewMFX(1, 0)
	m.InitLoco(9, 42, 4, false, false)
	m.NewLocoPacket(9, false, false) // consume the SID telegram

	// Speed 0 uses the short drive command.
	p := m.NewLocoPacket(9, true, false)
	m.EncodeDrive(p, 9, DriveReverse, 0, 127, 0)
	groups := []mfxBits{
		mfxAddr7Bit, {9, 7},
		mfxCmdDriveShort, {1, 1}, {0, 3},
		mfxCmdFuncF0F3, {0, 4},
	}
	want := mfxBitString(groups...) + mfxBitString(mfxBits{uint32(mfxCRCOf(groups...)), 8})
	if got := mfxPayload(t, p.Segments[0]); got != want {
		t.Errorf("stop payload\n got %s\nwant %s", got, want)
	}

	// Emergency: speed code 1, previous direction kept.
	p = m.NewLocoPacket(9, true, false)
	m.EncodeDrive(p, 9, DriveEmergency, 60, 127, 0)
	groups = []mfxBits{
		mfxAddr7Bit, {9, 7},
		mfxCmdDrive, {1, 1}, {1, 7},
		mfxCmdFuncF0F3, {0, 4},
	}
	want = mfxBitString(groups...) + mfxBitString(mfxBits{uint32(mfxCRCOf(groups...)), 8})
	if got := mfxPayload(t, p.Segments[0]); got != want {
		t.Errorf("emergency payload\n got %s\nwant %s", got, want)
	}
}

func TestMFXAddressTiers(t *testing.T) {
	m := NewMFX(1, 0)
	tests := []struct {
		addr   uint32
		prefix mfxBits
		width  int
	}{
		{100, mfxAddr7Bit, 7},
		{300, mfxAddr9Bit, 9},
		{1500, mfxAddr11Bit, 11},
		{5000, mfxAddr14Bit, 14},
	}
	for _, tt := range tests {
		m.InitLoco(tt.addr, 1, 4, false, false)
		m.NewLocoPacket(tt.addr, false, false)
		p := m.NewLocoPacket(tt.addr, true, false)
		m.EncodeDrive(p, tt.addr, DriveForward, 0, 127, 0)
		payload := mfxPayload(t, p.Segments[0])
		want := mfxBitString(tt.prefix, mfxBits{tt.addr, tt.width})
		if !strings.HasPrefix(payload, want) {
			t.Errorf("addr %d payload %s lacks prefix %s", tt.addr, payload, want)
		}
	}
}

func TestMFXExtraFunctions(t *testing.T) {
	m := NewMFX(1, 0)
	m.InitLoco(3, 7, 20, false, false)
	m.NewLocoPacket(3, false, false)

	p := m.NewLocoPacket(3, false, false)
	m.EncodeDrive(p, 3, DriveForward, 0, 127, 0)
	m.EncodeExtraFunctions(p, 3, false, 1<<17)
	if len(p.Segments) != 2 {
		t.Fatalf("expected one single-function telegram, got %d segments", len(p.Segments)-1)
	}
	groups := []mfxBits{
		mfxAddr7Bit, {3, 7},
		mfxCmdFuncSingle, {17, 7}, {1, 2},
	}
	want := mfxBitString(groups...) + mfxBitString(mfxBits{uint32(mfxCRCOf(groups...)), 8})
	if got := mfxPayload(t, p.Segments[1]); got != want {
		t.Errorf("single function payload\n got %s\nwant %s", got, want)
	}

	// Refresh resends F16-F19.
	p = m.NewLocoPacket(3, true, false)
	m.EncodeDrive(p, 3, DriveForward, 0, 127, 0)
	m.EncodeExtraFunctions(p, 3, true, 1<<17)
	if len(p.Segments) != 5 {
		t.Errorf("refresh expected 4 function telegrams, got %d", len(p.Segments)-1)
	}
}

// searchAnswer simulates a decoder with the given UID answering a
// search window.
func searchAnswer(m *MFX, uid uint32) []byte {
	match := m.searchBits == 0 ||
		uid>>(32-m.searchBits) == m.searchUID>>(32-m.searchBits)
	rx := make([]byte, m.ackWindowStart+mfxAckPauseLen+32)
	if match {
		for i := range rx {
			rx[i] = 0xFF
		}
	}
	return rx
}

func TestMFXDecoderSearch(t *testing.T) {
	m := NewMFX(1, 3)
	const uid = 0xA5170001

	found := false
	for i := 0; i < 80; i++ {
		p := m.Housekeeping(true)
		if p == nil || !p.Readback {
			t.Fatal("housekeeping should carry a search window")
		}
		reg := m.EvalRegistration(searchAnswer(m, uid))
		if reg.State == RegistrationFound {
			if reg.UID != uid {
				t.Fatalf("found UID %#08x, expected %#08x", reg.UID, uid)
			}
			found = true
			break
		}
		if reg.State == RegistrationFailed {
			t.Fatal("search failed")
		}
	}
	if !found {
		t.Fatal("search did not converge")
	}
	if m.RegCounter() != 4 {
		t.Errorf("registration counter = %d, expected 4", m.RegCounter())
	}
}

func TestMFXSearchNoDecoder(t *testing.T) {
	m := NewMFX(1, 0)
	m.Housekeeping(true)
	rx := make([]byte, m.ackWindowStart+mfxAckPauseLen+32)
	if reg := m.EvalRegistration(rx); reg.State != RegistrationIdle {
		t.Errorf("state = %v, expected idle", reg.State)
	}
	if m.RegCounter() != 0 {
		t.Error("counter must not move without a decoder")
	}
}

func TestMFXSearchSuppressedDuringServiceMode(t *testing.T) {
	m := NewMFX(1, 0)
	m.SetServiceModeActive(true)
	p := m.Housekeeping(true)
	if p == nil {
		t.Fatal("beacon must still go out")
	}
	if p.Readback {
		t.Error("search must pause during service mode")
	}
	m.SetServiceModeActive(false)
	if p = m.Housekeeping(true); !p.Readback {
		t.Error("search should resume")
	}

	if m.Housekeeping(false) != nil {
		t.Error("no housekeeping with power off")
	}
}

func TestMFXCVTelegrams(t *testing.T) {
	m := NewMFX(1, 0)
	m.InitLoco(2, 9, 4, false, false)
	m.NewLocoPacket(2, false, false)

	p := m.CVWritePacket(2, 100, 3, []byte{0x55}, false)
	groups := []mfxBits{
		mfxAddr7Bit, {2, 7},
		mfxCmdCVWrite, {100, 10}, {3, 6}, {0, 2}, {0x55, 8},
	}
	want := mfxBitString(groups...) + mfxBitString(mfxBits{uint32(mfxCRCOf(groups...)), 8})
	if got := mfxPayload(t, p.Segments[0]); got != want {
		t.Errorf("CV write payload\n got %s\nwant %s", got, want)
	}

	p = m.CVReadPacket(2, 100, 0, 1, false)
	groups = []mfxBits{
		mfxAddr7Bit, {2, 7},
		mfxCmdCVRead, {100, 10}, {0, 6}, {0, 2},
	}
	want = mfxBitString(groups...) + mfxBitString(mfxBits{uint32(mfxCRCOf(groups...)), 8})
	if got := mfxPayload(t, p.Segments[0]); got != want {
		t.Errorf("CV read payload\n got %s\nwant %s", got, want)
	}
	// The answer window must leave room for the RDS clocking.
	if len(p.Segments[0]) < 2*mfxAckPauseLen {
		t.Error("CV read telegram lacks the answer window")
	}
}

func TestPacketHelpers(t *testing.T) {
	p := NewPacket(ProtocolDCC, 1, DCCBaud, 5000, false, 16, 2, false)
	if p.Empty() != true {
		t.Error("new packet should be empty")
	}
	p.Segments[0] = append(p.Segments[0], 0xFF)
	p.NextSegment(8)
	p.TrimEmpty()
	if len(p.Segments) != 1 || p.Empty() {
		t.Error("TrimEmpty should drop only the empty tail")
	}
	if p.WireLen() != 1 {
		t.Errorf("WireLen = %d", p.WireLen())
	}

	// One byte at 137932 baud is 58 us.
	if d := p.Duration(0); d != 57 && d != 58 {
		t.Errorf("Duration = %d", d)
	}
}

func TestProtocolStrings(t *testing.T) {
	if ProtocolMM.String() != "MM" || ProtocolDCC.String() != "DCC" || ProtocolMFX.String() != "MFX" {
		t.Error("protocol letters misnamed")
	}
	if DriveForward.String() != "forward" || DriveReverse.String() != "reverse" || DriveEmergency.String() != "emergency" {
		t.Error("drive mode names wrong")
	}
}
