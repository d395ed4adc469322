// Programming track operations

package ddl

import (
	"sync"
	"time"

	"srcpd-go/pkg/errors"
	"srcpd-go/pkg/output"
	"srcpd-go/pkg/protocol"
)

const (
	// smMaxAttempts bounds how often one programming telegram is
	// repeated before the operation fails.
	smMaxAttempts = 4
	// smBitAttempts bounds the per-bit probes of a configuration
	// variable read. An unanswered probe reads as zero and the final
	// byte verify catches a wrong guess.
	smBitAttempts = 2
	// smResetRepeats puts the decoder into service mode before each
	// attempt.
	smResetRepeats = 10
	// smOpRepeats is how often the programming telegram itself goes
	// out per attempt.
	smOpRepeats = 8
	// smAckWindow is how long to watch for the decoder's basic
	// acknowledgment pulse after an attempt.
	smAckWindow = 100 * time.Millisecond
	smAckPoll   = 2 * time.Millisecond
)

// regCVs maps register mode registers 1..8 onto configuration
// variables.
var regCVs = [...]int{1, 2, 3, 4, 29, 6, 7, 8}

// smRequest is one queued programming operation.
type smRequest struct {
	session uint32
	addr    uint32
	typ     string
	params  []uint32
	value   int
	write   bool
}

// ServiceMode runs decoder programming. At most one protocol is
// engaged at a time and operations execute one by one inside the
// scheduler loop, so nothing else touches the rails while a
// programming telegram and its acknowledgment window run.
type ServiceMode struct {
	st  *Station
	rds RDSReader

	mu      sync.Mutex
	engaged bool
	proto   protocol.Protocol
	pending *smRequest
}

func newServiceMode(st *Station, rds RDSReader) *ServiceMode {
	return &ServiceMode{st: st, rds: rds}
}

// Init engages service mode for a protocol name ("NMRA" or "MFX").
func (sm *ServiceMode) Init(name string) error {
	var proto protocol.Protocol
	switch name {
	case "NMRA":
		proto = protocol.ProtocolDCC
	case "MFX":
		proto = protocol.ProtocolMFX
	default:
		return errors.UnknownProtocolError(name)
	}
	if _, ok := sm.st.firstEncoder(proto); !ok {
		return errors.UnknownProtocolError(name)
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.engaged && sm.proto != proto {
		return errors.ServiceModeBusyError()
	}
	sm.engaged = true
	sm.proto = proto
	if proto == protocol.ProtocolMFX {
		sm.st.mfx.SetServiceModeActive(true)
	}
	return nil
}

// Term disengages service mode. A queued operation is dropped.
func (sm *ServiceMode) Term() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if !sm.engaged {
		return errors.NotInitializedError("SM", 0)
	}
	if sm.proto == protocol.ProtocolMFX {
		sm.st.mfx.SetServiceModeActive(false)
	}
	sm.engaged = false
	sm.pending = nil
	return nil
}

// Engaged returns the currently engaged protocol.
func (sm *ServiceMode) Engaged() (protocol.Protocol, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.proto, sm.engaged
}

// Set queues a write operation. The result arrives as an
// SMResultEvent carrying the session id.
func (sm *ServiceMode) Set(session, addr uint32, typ string, params []uint32, value int) error {
	return sm.queue(&smRequest{session: session, addr: addr, typ: typ, params: params, value: value, write: true})
}

// Get queues a read operation.
func (sm *ServiceMode) Get(session, addr uint32, typ string, params []uint32) error {
	return sm.queue(&smRequest{session: session, addr: addr, typ: typ, params: params})
}

func (sm *ServiceMode) queue(req *smRequest) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if !sm.engaged {
		return errors.NotInitializedError("SM", req.addr)
	}
	if err := sm.validate(req); err != nil {
		return err
	}
	if sm.pending != nil {
		return errors.ServiceModeBusyError()
	}
	sm.pending = req
	sm.st.touchCommand()
	return nil
}

func (sm *ServiceMode) validate(req *smRequest) error {
	bad := func(reason string) error {
		return errors.InvalidCommandError("SM", req.addr, reason)
	}
	switch sm.proto {
	case protocol.ProtocolDCC:
		switch req.typ {
		case "CV", "PAGE":
			if len(req.params) != 1 || req.params[0] < 1 || req.params[0] > 1024 {
				return bad("CV number out of range")
			}
			if req.write && (req.value < 0 || req.value > 255) {
				return bad("value out of range")
			}
		case "CVBIT":
			if len(req.params) != 2 || req.params[0] < 1 || req.params[0] > 1024 || req.params[1] > 7 {
				return bad("CV bit out of range")
			}
			if req.write && req.value != 0 && req.value != 1 {
				return bad("bit value must be 0 or 1")
			}
		case "REG":
			if len(req.params) != 1 || req.params[0] < 1 || req.params[0] > 8 {
				return bad("register out of range")
			}
			if req.write && (req.value < 0 || req.value > 255) {
				return bad("value out of range")
			}
		default:
			return bad("unsupported value type " + req.typ)
		}
	case protocol.ProtocolMFX:
		if req.typ != "CAMFX" {
			return bad("unsupported value type " + req.typ)
		}
		if len(req.params) != 2 || req.params[0] > 0x3FF || req.params[1] > 63 {
			return bad("CA number or index out of range")
		}
		if req.addr == 0 || req.addr > protocol.MaxMFXAddr {
			return bad("address out of range")
		}
		if req.write && (req.value < 0 || req.value > 255) {
			return bad("value out of range")
		}
	}
	return nil
}

// Active reports whether an operation is waiting for the scheduler.
func (sm *ServiceMode) Active() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.pending != nil
}

// step executes the queued operation synchronously and publishes its
// result.
func (sm *ServiceMode) step(now int64) int64 {
	sm.mu.Lock()
	req := sm.pending
	sm.pending = nil
	proto := sm.proto
	sm.mu.Unlock()
	if req == nil {
		return now
	}

	var value int
	var err error
	switch proto {
	case protocol.ProtocolDCC:
		value, err = sm.runDCC(req)
	case protocol.ProtocolMFX:
		value, err = sm.runMFX(req)
	}
	sm.st.events.Publish(SMResultEvent{
		Session: req.session,
		Addr:    req.addr,
		Type:    req.typ,
		Params:  req.params,
		Value:   value,
		Err:     err,
	})
	return sm.st.clock.Now()
}

func (sm *ServiceMode) runDCC(req *smRequest) (int, error) {
	enc, _ := sm.st.firstEncoder(protocol.ProtocolDCC)
	d := enc.(*protocol.DCC)
	cv := int(req.params[0])
	if req.typ == "REG" {
		cv = regCVs[req.params[0]-1]
	}
	trig := sm.st.trigger.Wants(output.TriggerSM, uint32(cv))

	switch {
	case req.typ == "CVBIT" && req.write:
		return req.value, sm.dccOpWithAck(d, cv, trig, func(attemptTrig bool) *protocol.Packet {
			return d.ServiceWriteBit(cv, int(req.params[1]), req.value == 1, smOpRepeats, attemptTrig)
		})
	case req.typ == "CVBIT":
		return sm.dccReadBit(d, cv, int(req.params[1]), trig)
	case req.write:
		return req.value, sm.dccOpWithAck(d, cv, trig, func(attemptTrig bool) *protocol.Packet {
			return d.ServiceWriteByte(cv, byte(req.value), smOpRepeats, attemptTrig)
		})
	default:
		return sm.dccReadByte(d, cv, trig)
	}
}

// dccOpWithAck sends service mode resets followed by the programming
// telegram and watches for the basic acknowledgment, retrying a few
// times.
func (sm *ServiceMode) dccOpWithAck(d *protocol.DCC, cv int, trig bool, build func(bool) *protocol.Packet) error {
	for attempt := 0; attempt < smMaxAttempts; attempt++ {
		sm.st.transmitAll(d.ServiceReset(smResetRepeats, false), output.TriggerSM)
		sm.st.transmitAll(build(trig), output.TriggerSM)
		if sm.waitAck() {
			return nil
		}
		sm.st.countRetry()
	}
	return errors.ServiceModeFailedError("write", cv, smMaxAttempts)
}

// dccReadByte reads a configuration variable bit by bit, then
// confirms the assembled value with a byte verify.
func (sm *ServiceMode) dccReadByte(d *protocol.DCC, cv int, trig bool) (int, error) {
	value := 0
	for bit := 0; bit < 8; bit++ {
		for attempt := 0; attempt < smBitAttempts; attempt++ {
			sm.st.transmitAll(d.ServiceReset(smResetRepeats, false), output.TriggerSM)
			sm.st.transmitAll(d.ServiceVerifyBit(cv, bit, true, smOpRepeats, trig), output.TriggerSM)
			if sm.waitAck() {
				value |= 1 << bit
				break
			}
			sm.st.countRetry()
		}
	}
	for attempt := 0; attempt < smMaxAttempts; attempt++ {
		sm.st.transmitAll(d.ServiceReset(smResetRepeats, false), output.TriggerSM)
		sm.st.transmitAll(d.ServiceVerifyByte(cv, byte(value), smOpRepeats, trig), output.TriggerSM)
		if sm.waitAck() {
			return value, nil
		}
		sm.st.countRetry()
	}
	return 0, errors.AckTimeoutError(cv)
}

// dccReadBit probes one bit in both polarities; a decoder answers the
// matching verify with an acknowledgment pulse.
func (sm *ServiceMode) dccReadBit(d *protocol.DCC, cv, bit int, trig bool) (int, error) {
	for _, want := range []bool{true, false} {
		for attempt := 0; attempt < smBitAttempts; attempt++ {
			sm.st.transmitAll(d.ServiceReset(smResetRepeats, false), output.TriggerSM)
			sm.st.transmitAll(d.ServiceVerifyBit(cv, bit, want, smOpRepeats, trig), output.TriggerSM)
			if sm.waitAck() {
				if want {
					return 1, nil
				}
				return 0, nil
			}
			sm.st.countRetry()
		}
	}
	return 0, errors.AckTimeoutError(cv)
}

func (sm *ServiceMode) runMFX(req *smRequest) (int, error) {
	cv := uint16(req.params[0])
	index := byte(req.params[1])
	trig := sm.st.trigger.Wants(output.TriggerSM, uint32(cv))

	if req.write {
		pkt := sm.st.mfx.CVWritePacket(req.addr, cv, index, []byte{byte(req.value)}, trig)
		pkt.Repeats = 2
		sm.st.transmitAll(pkt, output.TriggerSM)
		return req.value, nil
	}

	if sm.rds == nil {
		return 0, errors.AckTimeoutError(int(cv))
	}
	sm.rds.Begin(1)
	pkt := sm.st.mfx.CVReadPacket(req.addr, cv, index, 1, trig)
	sm.st.transmitAll(pkt, output.TriggerSM)
	data, err := sm.rds.Collect()
	if err != nil {
		sm.st.logger.Warn("mfx CA %d.%d read failed: %v", cv, index, err)
		return 0, errors.AckTimeoutError(int(cv))
	}
	return int(data[0]), nil
}

// waitAck polls the acknowledgment input for up to smAckWindow.
func (sm *ServiceMode) waitAck() bool {
	st := sm.st
	deadline := st.clock.Now() + smAckWindow.Microseconds()
	for {
		ack, err := st.driver.SampleAck()
		if err != nil {
			st.logger.Error("ack sampling failed: %v", err)
			return false
		}
		if ack {
			return true
		}
		now := st.clock.Now()
		if now >= deadline {
			return false
		}
		st.clock.SleepUntil(now+smAckPoll.Microseconds(), st.stop)
	}
}
