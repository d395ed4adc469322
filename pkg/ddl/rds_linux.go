// GPIO sampling of the mfx feedback decoder chip

//go:build linux

package ddl

import (
	"fmt"
	"time"

	"srcpd-go/pkg/config"
	"srcpd-go/pkg/output"
)

// RDSPins names the three lines of the feedback decoder chip.
type RDSPins struct {
	Qual  config.Pin
	Clock config.Pin
	Data  config.Pin
}

// GPIORDS samples the feedback decoder chip over GPIO. One answer is
// captured by a goroutine polling the clock line while the scheduler
// transmits the read telegram.
type GPIORDS struct {
	qual  *output.GPIOLine
	clk   *output.GPIOLine
	dat   *output.GPIOLine
	resCh chan rdsResult
}

// NewGPIORDS opens the three feedback lines.
func NewGPIORDS(pins RDSPins) (*GPIORDS, error) {
	qual, err := output.OpenInputLine(pins.Qual, "srcpd_rds_qual")
	if err != nil {
		return nil, err
	}
	clk, err := output.OpenInputLine(pins.Clock, "srcpd_rds_clk")
	if err != nil {
		qual.Close()
		return nil, err
	}
	dat, err := output.OpenInputLine(pins.Data, "srcpd_rds_dat")
	if err != nil {
		qual.Close()
		clk.Close()
		return nil, err
	}
	return &GPIORDS{qual: qual, clk: clk, dat: dat}, nil
}

// Begin starts capturing an answer of byteCount data bytes.
func (g *GPIORDS) Begin(byteCount int) {
	g.resCh = make(chan rdsResult, 1)
	go g.sample(byteCount, g.resCh)
}

func (g *GPIORDS) sample(byteCount int, resCh chan<- rdsResult) {
	dec := newRDSDecoder(byteCount)
	deadline := time.Now().Add(rdsTimeout)
	lastClk := false
	for time.Now().Before(deadline) {
		clk, err := g.clk.Get()
		if err != nil {
			resCh <- rdsResult{err: err}
			return
		}
		if clk && !lastClk {
			qual, err := g.qual.Get()
			if err != nil {
				resCh <- rdsResult{err: err}
				return
			}
			dat, err := g.dat.Get()
			if err != nil {
				resCh <- rdsResult{err: err}
				return
			}
			if dec.feed(qual, dat) {
				data, err := dec.result()
				resCh <- rdsResult{data: data, err: err}
				return
			}
		}
		lastClk = clk
		time.Sleep(rdsSamplePeriod)
	}
	resCh <- rdsResult{err: fmt.Errorf("rds: response timeout")}
}

// Collect returns the captured answer.
func (g *GPIORDS) Collect() ([]byte, error) {
	if g.resCh == nil {
		return nil, fmt.Errorf("rds: Collect without Begin")
	}
	res := <-g.resCh
	g.resCh = nil
	return res.data, res.err
}

// Close releases the GPIO lines.
func (g *GPIORDS) Close() error {
	g.qual.Close()
	g.clk.Close()
	return g.dat.Close()
}
