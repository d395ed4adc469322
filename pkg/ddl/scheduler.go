// DDL track scheduler

// Package ddl owns the rails. A single scheduler goroutine multiplexes
// locomotive commands, refresh traffic, accessory switching, protocol
// housekeeping, service mode programming and sensor polling over one
// SPI output, honoring each protocol's timing constraints. Command
// state lives in a registry the network front end writes into; the
// scheduler transmits whatever the registry says the railway should be
// doing.
package ddl

import (
	"fmt"
	"sync"
	"time"

	"srcpd-go/pkg/config"
	"srcpd-go/pkg/errors"
	"srcpd-go/pkg/log"
	"srcpd-go/pkg/output"
	"srcpd-go/pkg/protocol"
	"srcpd-go/pkg/reactor"
	"srcpd-go/pkg/s88"
)

const (
	// watchdogTimeout powers the track off after this long without a
	// command, when the watchdog is enabled.
	watchdogTimeout = 2 * time.Second

	// powerOffPause keeps the loop from spinning while nothing may be
	// transmitted.
	powerOffPause = 10 * time.Millisecond

	// timingMissTolerance is how late a deferred segment may start
	// before it counts as a timing miss.
	timingMissTolerance = 1000 // µs

	// defaultSensorInterval is the sensor poll cadence when the
	// command stream leaves gaps.
	defaultSensorInterval = 50 * time.Millisecond

	// defaultSensorBudget forces a sensor poll after this many command
	// packets even on a saturated command stream.
	defaultSensorBudget = 8

	// idleThreshold is the slot count below which MM and DCC still get
	// idle telegrams. A lone MM decoder that only ever sees its own
	// address can drop into its programming mode after power-up, and
	// DCC needs unrelated traffic to fill the same-address gap.
	idleThreshold = 2
)

type encoderKey struct {
	proto   protocol.Protocol
	version int
}

// Options configures a Station.
type Options struct {
	Clock   reactor.Clock
	Driver  output.Driver
	Trigger *output.Trigger

	// Protocol enables.
	MM                 bool
	MMOffsetCorrection bool
	DCC                bool
	// MFXUID enables mfx when non-zero; it is the central unit UID
	// broadcast to the decoders.
	MFXUID uint32

	// State persists the mfx re-registration counter and SID
	// assignments. Optional.
	State *config.StateConfig

	// Sensors is the S88 poller. Optional.
	Sensors        *s88.Poller
	SensorInterval time.Duration
	SensorBudget   int

	// Watchdog powers off after 2 s without commands.
	Watchdog bool

	// RDS reads mfx CV responses from the feedback decoder chip.
	// Optional; without it mfx CV reads fail with ACK_TIMEOUT.
	RDS RDSReader
}

// deferredTel is a partially transmitted packet parked until its gap
// has passed.
type deferredTel struct {
	pkt       *protocol.Packet
	rep, seg  int
	sent      int // transmissions completed
	notBefore int64
	slot      *Slot
	class     output.TriggerClass
}

// Stats are scheduler counters for the monitor.
type Stats struct {
	Packets      map[string]uint64
	TimingMisses uint64
	AckRetries   uint64
	SensorEvents uint64
	QueueDepth   int
}

// Station is the DDL command station core.
type Station struct {
	clock   reactor.Clock
	driver  output.Driver
	trigger *output.Trigger
	logger  *log.Logger
	events  *Broadcaster
	reg     *Registry

	encoders map[encoderKey]protocol.Encoder
	mfx      *protocol.MFX
	mfxReg   *mfxRegistrar
	mfxNext  int64

	sm *ServiceMode

	mu       sync.Mutex
	power    bool
	lastCmd  int64
	watchdog bool

	gaStates  map[uint32]*gaState
	gaPending []gaAction
	gaQueue   []gaAction

	deferred []*deferredTel

	idleRotate int

	sensors       *s88.Poller
	sensorEvery   int64
	sensorBudget  int
	sensorNext    int64
	cmdsSincePoll int

	stats Stats

	stop chan struct{}
	wake chan struct{}
	done chan struct{}
}

// NewStation builds a station from options.
func NewStation(opts Options) *Station {
	if opts.Clock == nil {
		opts.Clock = reactor.NewSystemClock()
	}
	if opts.SensorInterval <= 0 {
		opts.SensorInterval = defaultSensorInterval
	}
	if opts.SensorBudget <= 0 {
		opts.SensorBudget = defaultSensorBudget
	}
	s := &Station{
		clock:        opts.Clock,
		driver:       opts.Driver,
		trigger:      opts.Trigger,
		logger:       log.GetLogger("ddl"),
		events:       NewBroadcaster(),
		reg:          NewRegistry(),
		encoders:     make(map[encoderKey]protocol.Encoder),
		gaStates:     make(map[uint32]*gaState),
		sensors:      opts.Sensors,
		sensorEvery:  opts.SensorInterval.Microseconds(),
		sensorBudget: opts.SensorBudget,
		watchdog:     opts.Watchdog,
		stop:         make(chan struct{}),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	if s.trigger == nil {
		s.trigger = output.NewTrigger(nil)
	}
	s.stats.Packets = make(map[string]uint64)

	if opts.MM {
		s.encoders[encoderKey{protocol.ProtocolMM, 1}] = protocol.NewMM(protocol.MM1, opts.MMOffsetCorrection)
		s.encoders[encoderKey{protocol.ProtocolMM, 2}] = protocol.NewMM(protocol.MM2, opts.MMOffsetCorrection)
		s.encoders[encoderKey{protocol.ProtocolMM, 3}] = protocol.NewMM(protocol.MM3, opts.MMOffsetCorrection)
	}
	if opts.DCC {
		s.encoders[encoderKey{protocol.ProtocolDCC, 1}] = protocol.NewDCC(protocol.DCC1)
		s.encoders[encoderKey{protocol.ProtocolDCC, 2}] = protocol.NewDCC(protocol.DCC2)
	}
	if opts.MFXUID != 0 {
		s.mfxReg = newMfxRegistrar(s, opts.MFXUID, opts.State)
		s.mfx = s.mfxReg.enc
		s.encoders[encoderKey{protocol.ProtocolMFX, 0}] = s.mfx
	}
	s.sm = newServiceMode(s, opts.RDS)
	return s
}

// Events returns the station's event broadcaster.
func (s *Station) Events() *Broadcaster { return s.events }

// Registry exposes the locomotive registry for read access.
func (s *Station) Registry() *Registry { return s.reg }

// ServiceMode returns the programming-track controller.
func (s *Station) ServiceMode() *ServiceMode { return s.sm }

// Trigger returns the scope trigger.
func (s *Station) Trigger() *output.Trigger { return s.trigger }

// Encoder looks up the encoder for a protocol generation.
func (s *Station) Encoder(proto protocol.Protocol, version int) (protocol.Encoder, bool) {
	enc, ok := s.encoders[encoderKey{proto, version}]
	return enc, ok
}

// firstEncoder returns any encoder of a protocol, lowest version
// first. Accessory commands carry no version.
func (s *Station) firstEncoder(proto protocol.Protocol) (protocol.Encoder, bool) {
	for v := 0; v <= 3; v++ {
		if enc, ok := s.encoders[encoderKey{proto, v}]; ok {
			return enc, true
		}
	}
	return nil, false
}

// Stats returns a copy of the scheduler counters.
func (s *Station) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Packets = make(map[string]uint64, len(s.stats.Packets))
	for k, v := range s.stats.Packets {
		st.Packets[k] = v
	}
	st.QueueDepth = len(s.deferred) + len(s.gaPending) + len(s.gaQueue)
	return st
}

func (s *Station) touchCommand() {
	s.mu.Lock()
	s.lastCmd = s.clock.Now()
	s.mu.Unlock()
	s.kick()
}

// kick wakes the scheduler loop out of its sleep.
func (s *Station) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Power returns the track power state.
func (s *Station) Power() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.power
}

// SetPower switches track power. Accessory commands queued while the
// power was off are released on the rising edge.
func (s *Station) SetPower(on bool) {
	s.mu.Lock()
	changed := s.power != on
	s.power = on
	s.lastCmd = s.clock.Now()
	if on && changed {
		s.gaPending = append(s.gaPending, s.gaQueue...)
		s.gaQueue = nil
	}
	s.mu.Unlock()
	s.kick()
	if changed {
		s.events.Publish(PowerEvent{On: on})
	}
}

// InitLoco validates and registers a locomotive.
func (s *Station) InitLoco(addr uint32, proto protocol.Protocol, version, speedSteps, numFunctions int, uid uint32, params []string) error {
	enc, ok := s.Encoder(proto, version)
	if !ok {
		return errors.UnknownProtocolError(proto.String())
	}
	if addr == 0 || addr > enc.MaxLocoAddr() {
		return errors.InvalidCommandError("GL", addr, "address out of range")
	}
	if enc.NeedsUID() && uid == 0 {
		return errors.InvalidCommandError("GL", addr, "decoder UID required")
	}
	if speedSteps <= 0 || numFunctions < 0 {
		return errors.InvalidCommandError("GL", addr, "invalid decoder parameters")
	}
	s.touchCommand()
	s.reg.Init(addr, proto, version, speedSteps, numFunctions, uid, params)
	if pkt := enc.InitLoco(addr, uid, numFunctions, s.Power(), s.trigger.Wants(output.TriggerGL, addr)); pkt != nil {
		s.enqueuePacket(pkt, output.TriggerGL, nil)
	}
	s.events.Publish(GLInitEvent{
		Addr: addr, Proto: proto, Version: version,
		SpeedSteps: speedSteps, NumFunctions: numFunctions,
		UID: uid, Params: params,
	})
	return nil
}

// TermLoco removes a locomotive from the refresh cycle.
func (s *Station) TermLoco(addr uint32) error {
	if err := s.reg.Term(addr); err != nil {
		return err
	}
	s.events.Publish(GLTermEvent{Addr: addr})
	return nil
}

// GetLoco returns the commanded state of a locomotive.
func (s *Station) GetLoco(addr uint32) (SlotState, bool) {
	return s.reg.Get(addr)
}

// SetLoco stores a drive command. The scheduler picks it up on its
// next pass; a newer command for the same address supersedes an unsent
// older one by simply overwriting the slot.
func (s *Station) SetLoco(addr uint32, mode protocol.DriveMode, v, vmax int, functions uint64) error {
	if err := s.reg.SetDrive(addr, mode, v, vmax, functions); err != nil {
		return err
	}
	s.touchCommand()
	if st, ok := s.reg.Get(addr); ok {
		s.events.Publish(GLEvent{
			Addr: addr, Mode: st.Mode, Speed: st.Speed,
			Steps: st.SpeedSteps, Functions: st.Functions,
			NumFuncs: st.NumFunctions,
		})
	}
	return nil
}

// Run starts the scheduler goroutine.
func (s *Station) Run() {
	go s.loop()
}

// Stop shuts the scheduler down and waits for it.
func (s *Station) Stop() {
	close(s.stop)
	s.kick()
	<-s.done
	if s.mfxReg != nil {
		s.mfxReg.persist()
	}
}

func (s *Station) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		worked, next := s.step()
		if !worked {
			s.clock.SleepUntil(next, s.wake)
		}
	}
}

// step makes one scheduling decision: transmit at most one packet (or
// poll the sensors once) and return whether anything was done plus the
// time of the next known obligation. The order encodes priority: due
// deferred segments first (their gap just expired), then fresh
// commands, then sensor duty, then refresh, then housekeeping.
func (s *Station) step() (bool, int64) {
	now := s.clock.Now()
	s.trigger.Arm()

	power := s.Power()

	// Deferred segments whose pause has elapsed beat everything; their
	// timing constraint is already running.
	if power {
		if d := s.popDueDeferred(now); d != nil {
			if now > d.notBefore+timingMissTolerance {
				s.countMiss()
				s.logger.Warn("%v", errors.TimingMissError(
					fmt.Sprintf("deferred segment started %d us late", now-d.notBefore)))
			}
			s.runTel(d)
			return true, now
		}
	}

	if power && s.watchdog {
		s.mu.Lock()
		deadline := s.lastCmd + watchdogTimeout.Microseconds()
		s.mu.Unlock()
		if now > deadline {
			s.logger.Warn("watchdog: no command for %v, powering off", watchdogTimeout)
			s.SetPower(false)
			return true, now
		}
	}

	if power && s.sm.Active() {
		// Service mode owns the track exclusively.
		wake := s.sm.step(now)
		if wake <= now {
			return true, now
		}
		return false, wake
	}

	if power {
		if s.runDueGA(now) {
			return true, now
		}
		if s.sensorsDue(now, true) {
			s.pollSensors(now)
			return true, now
		}
		if slot, ok := s.reg.pickDirty(now); ok {
			s.sendSlot(slot, false, now)
			s.mu.Lock()
			s.cmdsSincePoll++
			s.mu.Unlock()
			return true, now
		}
		if s.sensorsDue(now, false) {
			s.pollSensors(now)
			return true, now
		}
		if slot, ok := s.reg.pickRefresh(now); ok {
			s.sendSlot(slot, true, now)
			return true, now
		}
		if s.housekeeping(now) {
			return true, now
		}
	} else if s.sensorsDue(now, false) {
		s.pollSensors(now)
		return true, now
	}

	return false, s.nextObligation(now, power)
}

// sensorsDue implements the poll policy: poll at the configured
// interval when the command stream leaves a gap, and force a poll
// after the packet budget on a saturated stream.
func (s *Station) sensorsDue(now int64, budgetOnly bool) bool {
	if s.sensors == nil || !s.sensors.Active() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if budgetOnly {
		return s.cmdsSincePoll >= s.sensorBudget
	}
	return now >= s.sensorNext
}

func (s *Station) pollSensors(now int64) {
	events, rawFlips, err := s.sensors.Poll()
	if err != nil {
		s.logger.Error("%v", errors.OutputDriverError("sensor read", err))
	}
	s.mu.Lock()
	s.sensorNext = now + s.sensorEvery
	s.cmdsSincePoll = 0
	s.stats.SensorEvents += uint64(len(events))
	s.mu.Unlock()
	for _, ev := range events {
		s.events.Publish(FBEvent{Bus: ev.Bus, Number: ev.Number, State: ev.State})
	}
	for _, ev := range rawFlips {
		s.trigger.Fire(output.TriggerFB, uint32(ev.Number))
	}
}

// housekeeping sends protocol background traffic: the mfx beacon and
// decoder search on its 500 ms cadence, otherwise an idle telegram for
// a protocol that has too few locomotives to be represented in the
// refresh cycle.
func (s *Station) housekeeping(now int64) bool {
	if s.mfx != nil && now >= s.mfxNext {
		s.mfxNext = now + protocol.MFXBeaconInterval.Microseconds()
		if pkt := s.mfx.Housekeeping(true); pkt != nil {
			rx := s.transmitAll(pkt, output.TriggerGL)
			if pkt.Readback {
				s.mfxReg.evaluate(rx)
			}
			return true
		}
	}

	idle := s.idleProtocols()
	if len(idle) == 0 {
		return false
	}
	enc := idle[s.idleRotate%len(idle)]
	s.idleRotate++
	pkt := enc.IdlePacket()
	if pkt == nil {
		return false
	}
	s.transmitAll(pkt, output.TriggerGL)
	return true
}

// idleProtocols returns encoders whose protocol is enabled but not
// sufficiently present in the refresh cycle.
func (s *Station) idleProtocols() []protocol.Encoder {
	var idle []protocol.Encoder
	for _, proto := range []protocol.Protocol{protocol.ProtocolMM, protocol.ProtocolDCC} {
		enc, ok := s.firstEncoder(proto)
		if !ok {
			continue
		}
		if s.reg.CountProtocol(proto) < idleThreshold {
			idle = append(idle, enc)
		}
	}
	return idle
}

// sendSlot encodes and transmits the drive state of one slot.
func (s *Station) sendSlot(slot *Slot, refresh bool, now int64) {
	snap, doubled := s.reg.takeDrive(slot)
	enc, ok := s.Encoder(snap.Proto, snap.Version)
	if !ok {
		return
	}
	pkt := enc.NewLocoPacket(snap.Addr, refresh, s.trigger.Wants(output.TriggerGL, snap.Addr))
	if doubled {
		pkt.Repeats *= 2
	}
	enc.EncodeDrive(pkt, snap.Addr, snap.Mode, snap.Speed, snap.SpeedSteps, snap.Functions)
	enc.EncodeExtraFunctions(pkt, snap.Addr, refresh, snap.Functions)
	pkt.TrimEmpty()
	if pkt.Empty() {
		s.reg.holdUntil(slot, now)
		return
	}
	d := &deferredTel{pkt: pkt, slot: slot, class: output.TriggerGL}
	s.runTel(d)
}

// enqueuePacket hands a ready packet to the scheduler loop.
func (s *Station) enqueuePacket(pkt *protocol.Packet, class output.TriggerClass, slot *Slot) {
	s.mu.Lock()
	s.deferred = append(s.deferred, &deferredTel{pkt: pkt, slot: slot, class: class})
	s.mu.Unlock()
	s.kick()
}

// popDueDeferred removes and returns the due deferred entry with the
// earliest deadline.
func (s *Station) popDueDeferred(now int64) *deferredTel {
	s.mu.Lock()
	defer s.mu.Unlock()
	best := -1
	for i, d := range s.deferred {
		if d.notBefore > now {
			continue
		}
		if best < 0 || d.notBefore < s.deferred[best].notBefore {
			best = i
		}
	}
	if best < 0 {
		return nil
	}
	d := s.deferred[best]
	s.deferred = append(s.deferred[:best], s.deferred[best+1:]...)
	return d
}

// runTel transmits as much of a packet as its gap allows. A remainder
// is parked in the deferred buffer; the loop fills the pause with
// other traffic.
func (s *Station) runTel(d *deferredTel) {
	pkt := d.pkt
	if pkt.Trigger {
		s.trigger.Fire(d.class, pkt.Addr)
	}
	for d.rep < pkt.Repeats {
		// Readback packets go through transmitAll; encoders never
		// produce a readback packet with a gap.
		seg := pkt.Segments[d.seg]
		if err := s.driver.Transmit(pkt.Baud, seg); err != nil {
			s.logger.Error("%v", errors.OutputDriverError("transmit", err))
		}
		s.countPacket(pkt.Protocol)

		d.sent++
		d.seg++
		if d.seg >= len(pkt.Segments) {
			d.seg = 0
			d.rep++
		}
		if d.rep >= pkt.Repeats {
			break
		}
		if pkt.Gap > 0 && (!pkt.GapOnlyAfterFirst || d.sent == 1) {
			end := s.clock.Now()
			d.notBefore = end + pkt.Gap
			if d.slot != nil {
				// Hold the address until the remainder went out. A
				// command landing in the gap keeps its dirty flag and
				// is picked up right after.
				s.reg.holdUntil(d.slot, d.notBefore)
			}
			s.mu.Lock()
			s.deferred = append(s.deferred, d)
			s.mu.Unlock()
			return
		}
	}
	if d.slot != nil {
		s.reg.holdUntil(d.slot, s.clock.Now()+pkt.Gap)
	}
	pkt.Release()
}

// transmitAll sends a whole packet synchronously, returning the
// readback capture of the final segment when requested.
func (s *Station) transmitAll(pkt *protocol.Packet, class output.TriggerClass) []byte {
	defer pkt.Release()
	if pkt.Trigger {
		s.trigger.Fire(class, pkt.Addr)
	}
	var rx []byte
	for rep := 0; rep < pkt.Repeats; rep++ {
		for i, seg := range pkt.Segments {
			last := rep == pkt.Repeats-1 && i == len(pkt.Segments)-1
			var err error
			if pkt.Readback && last {
				rx, err = s.driver.TransmitReadback(pkt.Baud, seg)
			} else {
				err = s.driver.Transmit(pkt.Baud, seg)
			}
			if err != nil {
				s.logger.Error("%v", errors.OutputDriverError("transmit", err))
				return nil
			}
			s.countPacket(pkt.Protocol)
		}
	}
	return rx
}

func (s *Station) countPacket(proto protocol.Protocol) {
	s.mu.Lock()
	s.stats.Packets[proto.String()]++
	s.mu.Unlock()
}

func (s *Station) countMiss() {
	s.mu.Lock()
	s.stats.TimingMisses++
	s.mu.Unlock()
}

func (s *Station) countRetry() {
	s.mu.Lock()
	s.stats.AckRetries++
	s.mu.Unlock()
}

// nextObligation computes the earliest future time anything needs the
// loop again.
func (s *Station) nextObligation(now int64, power bool) int64 {
	next := now + powerOffPause.Microseconds()
	s.mu.Lock()
	for _, d := range s.deferred {
		if d.notBefore < next {
			next = d.notBefore
		}
	}
	if power {
		for _, a := range s.gaPending {
			if a.notBefore < next {
				next = a.notBefore
			}
		}
	}
	s.mu.Unlock()
	if power {
		if t := s.reg.nextObligation(now); t < next {
			next = t
		}
		if s.mfx != nil && s.mfxNext < next {
			next = s.mfxNext
		}
	}
	if s.sensors != nil && s.sensors.Active() {
		s.mu.Lock()
		if s.sensorNext < next {
			next = s.sensorNext
		}
		s.mu.Unlock()
	}
	if next < now {
		next = now
	}
	return next
}
