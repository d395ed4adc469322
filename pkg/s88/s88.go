// S88 feedback bus poller

// Package s88 reads S88 occupancy sensor chains. The chains are
// shift registers clocked over SPI; each poll shifts the full chain
// into a frame buffer. Contact bounce is removed with a majority vote
// over the last N frames, and every accepted level change produces
// exactly one feedback event.
package s88

import (
	"fmt"

	"srcpd-go/pkg/output"
)

// MaxBuses is the number of S88 chains the station supports. Each
// occupies its own SRCP bus number.
const MaxBuses = 4

// MaxBytesPerBus bounds one chain: 32 modules of 16 contacts.
const MaxBytesPerBus = 64

// DefaultRepeat is the default majority filter depth.
const DefaultRepeat = 3

// Event is one sensor level change. Number is 1-based, the SRCP
// feedback numbering.
type Event struct {
	Bus    int
	Number int
	State  bool
}

// Poller reads and filters the configured chains.
type Poller struct {
	driver   output.Driver
	numBytes [MaxBuses]int
	repeat   int

	// frames[bus][repeat][byte] holds the last N raw reads.
	frames [MaxBuses][][]byte
	// states[bus][contact] is the current filtered level.
	states [MaxBuses][]bool
	slot   int
	warm   int
}

// New creates a poller. numBytes gives the chain length in bytes per
// bus (0 disables a bus); repeat is the majority filter depth and must
// be odd.
func New(driver output.Driver, numBytes []int, repeat int) (*Poller, error) {
	if repeat <= 0 {
		repeat = DefaultRepeat
	}
	if repeat%2 == 0 {
		return nil, fmt.Errorf("s88: filter repeat must be odd, got %d", repeat)
	}
	p := &Poller{driver: driver, repeat: repeat}
	for bus, n := range numBytes {
		if bus >= MaxBuses {
			return nil, fmt.Errorf("s88: at most %d buses supported", MaxBuses)
		}
		if n < 0 || n > MaxBytesPerBus {
			return nil, fmt.Errorf("s88: bus %d length %d out of range 0..%d", bus+1, n, MaxBytesPerBus)
		}
		p.numBytes[bus] = n
	}
	for bus := 0; bus < MaxBuses; bus++ {
		p.states[bus] = make([]bool, p.numBytes[bus]*8)
		p.frames[bus] = make([][]byte, repeat)
		for r := 0; r < repeat; r++ {
			p.frames[bus][r] = make([]byte, p.numBytes[bus])
		}
	}
	return p, nil
}

// Active reports whether any bus is configured.
func (p *Poller) Active() bool {
	for _, n := range p.numBytes {
		if n > 0 {
			return true
		}
	}
	return false
}

// The chain shifts the lowest-numbered contact out first, so it lands
// in the high bit of the first byte.
func bitValue(bit int) byte {
	return 1 << (7 - bit)
}

// Poll reads every configured bus once and returns the level changes
// that survived the majority filter, plus the raw (unfiltered) flips
// used for scope triggering. No events are reported until the filter
// window has filled once.
func (p *Poller) Poll() (events, rawFlips []Event, err error) {
	for bus := 0; bus < MaxBuses; bus++ {
		if p.numBytes[bus] == 0 {
			continue
		}
		if err := p.driver.ReadSensors(bus, p.frames[bus][p.slot]); err != nil {
			return nil, nil, err
		}
	}

	warmedUp := p.warm >= p.repeat-1
	threshold := p.repeat / 2

	for bus := 0; bus < MaxBuses; bus++ {
		for byteNr := 0; byteNr < p.numBytes[bus]; byteNr++ {
			for bit := 0; bit < 8; bit++ {
				count := 0
				for r := 0; r < p.repeat; r++ {
					if p.frames[bus][r][byteNr]&bitValue(bit) != 0 {
						count++
					}
				}
				state := count > threshold
				contact := byteNr*8 + bit
				if warmedUp && state != p.states[bus][contact] {
					p.states[bus][contact] = state
					events = append(events, Event{Bus: bus, Number: contact + 1, State: state})
				} else if !warmedUp {
					p.states[bus][contact] = state
				}
				raw := p.frames[bus][p.slot][byteNr]&bitValue(bit) != 0
				if raw != p.states[bus][contact] {
					rawFlips = append(rawFlips, Event{Bus: bus, Number: contact + 1, State: raw})
				}
			}
		}
	}

	p.slot++
	if p.slot >= p.repeat {
		p.slot = 0
	}
	if !warmedUp {
		p.warm++
	}
	return events, rawFlips, nil
}

// Contacts returns the number of contacts on a bus.
func (p *Poller) Contacts(bus int) int {
	if bus < 0 || bus >= MaxBuses {
		return 0
	}
	return len(p.states[bus])
}

// Get returns the filtered level of one contact (1-based).
func (p *Poller) Get(bus, number int) (bool, bool) {
	if bus < 0 || bus >= MaxBuses || number < 1 || number > len(p.states[bus]) {
		return false, false
	}
	return p.states[bus][number-1], true
}

// ActiveContacts returns every contact currently on, for priming a new
// info session.
func (p *Poller) ActiveContacts() []Event {
	var on []Event
	for bus := 0; bus < MaxBuses; bus++ {
		for i, state := range p.states[bus] {
			if state {
				on = append(on, Event{Bus: bus, Number: i + 1, State: true})
			}
		}
	}
	return on
}
