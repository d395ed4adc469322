// State change events published by the DDL scheduler

package ddl

import (
	"sync"

	"srcpd-go/pkg/log"
	"srcpd-go/pkg/protocol"
)

// Event is a state change other components (SRCP info sessions, the
// monitor) subscribe to.
type Event interface{}

// PowerEvent reports the track power state.
type PowerEvent struct {
	On bool
}

// GLInitEvent reports a newly initialized locomotive, including ones
// found by mfx discovery.
type GLInitEvent struct {
	Addr         uint32
	Proto        protocol.Protocol
	Version      int
	SpeedSteps   int
	NumFunctions int
	UID          uint32
	Params       []string
}

// GLEvent reports the commanded state of a locomotive.
type GLEvent struct {
	Addr      uint32
	Mode      protocol.DriveMode
	Speed     int // in decoder speed steps
	Steps     int
	Functions uint64
	NumFuncs  int
}

// GLTermEvent reports removal of a locomotive.
type GLTermEvent struct {
	Addr uint32
}

// GAInitEvent reports a newly initialized accessory decoder.
type GAInitEvent struct {
	Addr  uint32
	Proto protocol.Protocol
}

// GAEvent reports an accessory port level.
type GAEvent struct {
	Addr  uint32
	Port  int
	Value bool
}

// FBEvent reports a sensor contact level change. Bus is the S88 chain
// index starting at zero; the SRCP layer maps it onto bus numbers.
type FBEvent struct {
	Bus    int
	Number int
	State  bool
}

// SMResultEvent reports completion of a programming-track operation.
// Value is the read or written value; Err is set on failure.
type SMResultEvent struct {
	Session uint32
	Addr    uint32
	Type    string
	Params  []uint32
	Value   int
	Err     error
}

// Broadcaster fans events out to subscribers. Slow subscribers lose
// events rather than stalling the scheduler.
type Broadcaster struct {
	mu     sync.Mutex
	subs   []chan Event
	logger *log.Logger
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{logger: log.GetLogger("ddl")}
}

// Subscribe returns a channel receiving future events.
func (b *Broadcaster) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, 256)
	b.subs = append(b.subs, ch)
	return ch
}

// Unsubscribe removes a channel returned by Subscribe.
func (b *Broadcaster) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if (<-chan Event)(sub) == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(sub)
			return
		}
	}
}

// Publish delivers an event to every subscriber.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		select {
		case sub <- ev:
		default:
			b.logger.Warn("event subscriber lagging, event dropped")
		}
	}
}
