// RDS feedback channel for mfx configuration reads

package ddl

import (
	"fmt"
	"time"
)

// rdsTimeout bounds one complete RDS answer, clock window included.
const rdsTimeout = 200 * time.Millisecond

// rdsSamplePeriod is the GPIO poll interval. The decoder chip clocks
// bits out every 456 us at the double rate, so 50 us oversamples the
// clock line comfortably.
const rdsSamplePeriod = 50 * time.Microsecond

// RDSReader captures the decoder's answer to a configuration read
// while the telegram's clock window is on the rails. Begin is called
// before the telegram is transmitted, Collect after.
type RDSReader interface {
	Begin(byteCount int)
	Collect() ([]byte, error)
	Close() error
}

// rdsChecksum is the polynomial checksum the decoder appends to its
// answer.
func rdsChecksum(data []byte) byte {
	cs := uint16(0x00FF)
	for _, b := range data {
		cs ^= (cs << 1) ^ (cs << 2)
		cs ^= uint16(b)
		if cs&0x0100 != 0 {
			cs ^= 0x0107
		}
		if cs&0x0200 != 0 {
			cs ^= 0x020E
		}
	}
	return byte(cs)
}

type rdsState int

const (
	rdsSeek rdsState = iota
	rdsStart
	rdsData
	rdsCheck
	rdsDone
)

// rdsDecoder consumes one bit per feedback clock edge: at least three
// ones while the qualifier is high, the 010 start marker, the data
// bytes MSB first and an 8 bit checksum.
type rdsDecoder struct {
	byteCount int

	state    rdsState
	onesRun  int
	startIdx int
	cur      byte
	bits     int
	data     []byte
	check    byte
	err      error
}

func newRDSDecoder(byteCount int) *rdsDecoder {
	return &rdsDecoder{byteCount: byteCount}
}

// feed consumes one sampled bit and reports whether decoding finished.
func (d *rdsDecoder) feed(qual, dat bool) bool {
	switch d.state {
	case rdsSeek:
		if !qual {
			d.onesRun = 0
			return false
		}
		if dat {
			d.onesRun++
			return false
		}
		if d.onesRun >= 3 {
			d.state = rdsStart
			d.startIdx = 0
		}
		d.onesRun = 0
	case rdsStart:
		want := d.startIdx == 0 // marker continues 1, 0
		if !qual || dat != want {
			d.state = rdsSeek
			if qual && dat {
				d.onesRun = 1
			}
			return false
		}
		d.startIdx++
		if d.startIdx == 2 {
			d.state = rdsData
		}
	case rdsData:
		if !qual {
			d.err = fmt.Errorf("rds: signal lost after %d data bits", len(d.data)*8+d.bits)
			d.state = rdsDone
			return true
		}
		d.cur <<= 1
		if dat {
			d.cur |= 1
		}
		d.bits++
		if d.bits == 8 {
			d.data = append(d.data, d.cur)
			d.cur, d.bits = 0, 0
			if len(d.data) == d.byteCount {
				d.state = rdsCheck
			}
		}
	case rdsCheck:
		if !qual {
			d.err = fmt.Errorf("rds: signal lost in checksum")
			d.state = rdsDone
			return true
		}
		d.check <<= 1
		if dat {
			d.check |= 1
		}
		d.bits++
		if d.bits == 8 {
			if d.check != rdsChecksum(d.data) {
				d.err = fmt.Errorf("rds: checksum mismatch, got %#02x want %#02x", d.check, rdsChecksum(d.data))
			}
			d.state = rdsDone
			return true
		}
	case rdsDone:
		return true
	}
	return false
}

func (d *rdsDecoder) result() ([]byte, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.data, nil
}

type rdsResult struct {
	data []byte
	err  error
}
