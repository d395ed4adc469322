package ddl

import (
	"bytes"
	"testing"
)

func feedBits(d *rdsDecoder, bits ...int) bool {
	done := false
	for _, b := range bits {
		done = d.feed(true, b == 1)
	}
	return done
}

func byteBits(b byte) []int {
	bits := make([]int, 8)
	for i := 0; i < 8; i++ {
		bits[i] = int(b>>uint(7-i)) & 1
	}
	return bits
}

// answerBits builds a complete decoder answer: sync ones, the 010
// start marker, the data and the checksum.
func answerBits(data []byte) []int {
	bits := []int{1, 1, 1, 1, 0, 1, 0}
	for _, b := range data {
		bits = append(bits, byteBits(b)...)
	}
	return append(bits, byteBits(rdsChecksum(data))...)
}

func TestRDSDecodesSingleByte(t *testing.T) {
	d := newRDSDecoder(1)
	if !feedBits(d, answerBits([]byte{0xC3})...) {
		t.Fatal("decoder did not finish")
	}
	data, err := d.result()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, []byte{0xC3}) {
		t.Errorf("data = %#v", data)
	}
}

func TestRDSDecodesMultipleBytes(t *testing.T) {
	payload := []byte{0x12, 0xFE, 0x00, 0x7F}
	d := newRDSDecoder(len(payload))
	if !feedBits(d, answerBits(payload)...) {
		t.Fatal("decoder did not finish")
	}
	data, err := d.result()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, payload) {
		t.Errorf("data = %#v", data)
	}
}

func TestRDSChecksumMismatch(t *testing.T) {
	bits := answerBits([]byte{0x55})
	bits[len(bits)-1] ^= 1
	d := newRDSDecoder(1)
	if !feedBits(d, bits...) {
		t.Fatal("decoder did not finish")
	}
	if _, err := d.result(); err == nil {
		t.Error("corrupted checksum not detected")
	}
}

func TestRDSWaitsForStartMarker(t *testing.T) {
	d := newRDSDecoder(1)
	// Noise: qualifier low, then a too-short ones run.
	d.feed(false, true)
	d.feed(false, false)
	if feedBits(d, 1, 1, 0) {
		t.Fatal("two ones must not satisfy the sync condition")
	}
	if !feedBits(d, answerBits([]byte{0xA0})...) {
		t.Fatal("decoder did not finish after a clean answer")
	}
	data, err := d.result()
	if err != nil || !bytes.Equal(data, []byte{0xA0}) {
		t.Errorf("data = %#v, err %v", data, err)
	}
}

func TestRDSQualifierDropAborts(t *testing.T) {
	d := newRDSDecoder(2)
	feedBits(d, 1, 1, 1, 0, 1, 0)
	feedBits(d, byteBits(0x11)...)
	if !d.feed(false, false) {
		t.Fatal("qualifier drop must end decoding")
	}
	if _, err := d.result(); err == nil {
		t.Error("interrupted answer not reported")
	}
}
