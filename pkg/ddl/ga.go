// Accessory decoder handling

package ddl

import (
	"sort"
	"time"

	"srcpd-go/pkg/errors"
	"srcpd-go/pkg/output"
	"srcpd-go/pkg/protocol"
)

// gaRetryPause is how long a blocked activation waits before the
// scheduler looks at it again.
const gaRetryPause = 10 * time.Millisecond

// gaState is the known output level of one accessory address.
type gaState struct {
	proto  protocol.Protocol
	values [2]bool
}

// gaAction is one pending switching command. Auto-off commands are
// scheduled with the deactivation time in notBefore.
type gaAction struct {
	addr      uint32
	port      int
	value     int
	timeout   time.Duration
	notBefore int64
}

// InitAccessory registers an accessory decoder address.
func (s *Station) InitAccessory(addr uint32, proto protocol.Protocol) error {
	enc, ok := s.firstEncoder(proto)
	if !ok {
		return errors.UnknownProtocolError(proto.String())
	}
	if addr == 0 || addr > enc.MaxAccessoryAddr() {
		return errors.InvalidCommandError("GA", addr, "address out of range")
	}
	s.touchCommand()
	s.mu.Lock()
	if _, exists := s.gaStates[addr]; !exists {
		s.gaStates[addr] = &gaState{proto: proto}
	}
	s.mu.Unlock()
	s.events.Publish(GAInitEvent{Addr: addr, Proto: proto})
	return nil
}

// TermAccessory removes an accessory address. Pending switching
// commands for it are dropped.
func (s *Station) TermAccessory(addr uint32) error {
	s.mu.Lock()
	if _, ok := s.gaStates[addr]; !ok {
		s.mu.Unlock()
		return errors.NotInitializedError("GA", addr)
	}
	delete(s.gaStates, addr)
	s.gaPending = dropGAActions(s.gaPending, addr)
	s.gaQueue = dropGAActions(s.gaQueue, addr)
	s.mu.Unlock()
	return nil
}

func dropGAActions(actions []gaAction, addr uint32) []gaAction {
	kept := actions[:0]
	for _, a := range actions {
		if a.addr != addr {
			kept = append(kept, a)
		}
	}
	return kept
}

// AccessoryAddrs returns every initialized accessory address in
// ascending order, for priming a new info session.
func (s *Station) AccessoryAddrs() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]uint32, 0, len(s.gaStates))
	for addr := range s.gaStates {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

// GetAccessory returns the known output levels of an address.
func (s *Station) GetAccessory(addr uint32) (values [2]bool, proto protocol.Protocol, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.gaStates[addr]
	if !ok {
		return [2]bool{}, 0, false
	}
	return st.values, st.proto, true
}

// SetAccessory stores a switching command. Deactivations and commands
// without a timeout go out on the scheduler's next pass; an activation
// with a timeout waits until its decoder has no other active output
// and is followed by an automatic deactivation. While the power is off
// commands are queued and released on the rising edge.
func (s *Station) SetAccessory(addr uint32, port, value int, timeout time.Duration) error {
	if port != 0 && port != 1 {
		return errors.InvalidCommandError("GA", addr, "port must be 0 or 1")
	}
	if value != 0 && value != 1 {
		return errors.InvalidCommandError("GA", addr, "value must be 0 or 1")
	}
	s.mu.Lock()
	if _, ok := s.gaStates[addr]; !ok {
		s.mu.Unlock()
		return errors.NotInitializedError("GA", addr)
	}
	a := gaAction{addr: addr, port: port, value: value, timeout: timeout}
	if s.power {
		s.gaPending = append(s.gaPending, a)
	} else {
		s.gaQueue = append(s.gaQueue, a)
	}
	s.lastCmd = s.clock.Now()
	s.mu.Unlock()
	s.kick()
	return nil
}

// decoderBlocked reports whether another output on the same physical
// decoder (four consecutive addresses) is still active. Pulse outputs
// draw from a shared supply; the decoder switches one at a time.
func (s *Station) decoderBlocked(addr uint32, port int) bool {
	base := (addr-1)/4*4 + 1
	for a := base; a < base+4; a++ {
		st, ok := s.gaStates[a]
		if !ok {
			continue
		}
		for p, on := range st.values {
			if on && !(a == addr && p == port) {
				return true
			}
		}
	}
	return false
}

// runDueGA executes at most one due switching command. A due
// activation whose decoder is busy is pushed back a little; the
// deactivation that frees the decoder is itself in the pending list
// and will run first.
func (s *Station) runDueGA(now int64) bool {
	s.mu.Lock()
	picked := -1
	for i, a := range s.gaPending {
		if a.notBefore > now {
			continue
		}
		if a.value == 1 && a.timeout > 0 && s.decoderBlocked(a.addr, a.port) {
			s.gaPending[i].notBefore = now + gaRetryPause.Microseconds()
			continue
		}
		picked = i
		break
	}
	if picked < 0 {
		s.mu.Unlock()
		return false
	}
	a := s.gaPending[picked]
	s.gaPending = append(s.gaPending[:picked], s.gaPending[picked+1:]...)
	st := s.gaStates[a.addr]
	proto := protocol.Protocol(0)
	if st != nil {
		proto = st.proto
	}
	s.mu.Unlock()
	if st == nil {
		return true
	}

	enc, ok := s.firstEncoder(proto)
	if !ok {
		return true
	}
	pkt, decoderTimeout := enc.EncodeAccessory(a.addr, a.port, a.value, a.timeout, s.trigger.Wants(output.TriggerGA, a.addr))
	if pkt == nil {
		return true
	}
	s.transmitAll(pkt, output.TriggerGA)

	on := a.value == 1
	s.mu.Lock()
	st.values[a.port] = on
	if on && a.timeout > 0 && !decoderTimeout {
		s.gaPending = append(s.gaPending, gaAction{
			addr:      a.addr,
			port:      a.port,
			value:     0,
			notBefore: s.clock.Now() + a.timeout.Microseconds(),
		})
	}
	s.mu.Unlock()
	s.events.Publish(GAEvent{Addr: a.addr, Port: a.port, Value: on})
	return true
}
