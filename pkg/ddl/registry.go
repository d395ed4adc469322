// Locomotive and accessory command registry

package ddl

import (
	"sort"
	"sync"

	"srcpd-go/pkg/errors"
	"srcpd-go/pkg/protocol"
	"srcpd-go/pkg/reactor"
)

// Slot is the commanded state of one locomotive address. The SRCP
// front end writes it; the scheduler reads it and keeps it on the
// rails.
type Slot struct {
	Addr    uint32
	Proto   protocol.Protocol
	Version int
	// SpeedSteps is the decoder's speed step count from GL INIT.
	SpeedSteps   int
	NumFunctions int
	UID          uint32
	Params       []string

	Mode      protocol.DriveMode
	Speed     int // scaled to SpeedSteps
	Functions uint64

	// dirty marks a fresh command not yet on the rails. doubled asks
	// for twice the usual repeats (a freshly stopped locomotive).
	dirty   bool
	doubled bool
	// eligibleAt is the earliest time, in microseconds, the address
	// may be transmitted to again.
	eligibleAt int64
}

// SlotState is a read-only snapshot for INFO replies.
type SlotState struct {
	Addr         uint32
	Proto        protocol.Protocol
	Version      int
	SpeedSteps   int
	NumFunctions int
	UID          uint32
	Params       []string
	Mode         protocol.DriveMode
	Speed        int
	Functions    uint64
}

func (s *Slot) snapshot() SlotState {
	return SlotState{
		Addr:         s.Addr,
		Proto:        s.Proto,
		Version:      s.Version,
		SpeedSteps:   s.SpeedSteps,
		NumFunctions: s.NumFunctions,
		UID:          s.UID,
		Params:       append([]string(nil), s.Params...),
		Mode:         s.Mode,
		Speed:        s.Speed,
		Functions:    s.Functions,
	}
}

// Registry holds every initialized locomotive. A single lock guards
// it; the address space is tiny and contention is between one network
// front end and one scheduler goroutine.
type Registry struct {
	mu    sync.RWMutex
	slots map[uint32]*Slot
	// order is the refresh cycle: addresses in ascending order.
	order      []uint32
	refreshIdx int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{slots: make(map[uint32]*Slot)}
}

// Init registers a locomotive. Re-initializing an address overwrites
// its decoder parameters but keeps the commanded state.
func (r *Registry) Init(addr uint32, proto protocol.Protocol, version, speedSteps, numFunctions int, uid uint32, params []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.slots[addr]; ok {
		s.Proto = proto
		s.Version = version
		s.SpeedSteps = speedSteps
		s.NumFunctions = numFunctions
		s.UID = uid
		s.Params = append([]string(nil), params...)
		return
	}
	r.slots[addr] = &Slot{
		Addr:         addr,
		Proto:        proto,
		Version:      version,
		SpeedSteps:   speedSteps,
		NumFunctions: numFunctions,
		UID:          uid,
		Params:       append([]string(nil), params...),
		Mode:         protocol.DriveForward,
	}
	r.order = append(r.order, addr)
	sort.Slice(r.order, func(i, j int) bool { return r.order[i] < r.order[j] })
}

// Term removes a locomotive. The refresh cycle continues with the
// next address; nothing dangles.
func (r *Registry) Term(addr uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.slots[addr]; !ok {
		return errors.NotInitializedError("GL", addr)
	}
	delete(r.slots, addr)
	for i, a := range r.order {
		if a == addr {
			r.order = append(r.order[:i], r.order[i+1:]...)
			if r.refreshIdx > i {
				r.refreshIdx--
			}
			break
		}
	}
	if len(r.order) > 0 {
		r.refreshIdx %= len(r.order)
	} else {
		r.refreshIdx = 0
	}
	return nil
}

// Get returns a snapshot of one slot.
func (r *Registry) Get(addr uint32) (SlotState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.slots[addr]
	if !ok {
		return SlotState{}, false
	}
	return s.snapshot(), true
}

// Has reports whether an address is initialized.
func (r *Registry) Has(addr uint32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.slots[addr]
	return ok
}

// UIDAddr returns the address initialized with the given decoder UID.
func (r *Registry) UIDAddr(uid uint32) (uint32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, addr := range r.order {
		if s := r.slots[addr]; s.UID != 0 && s.UID == uid {
			return addr, true
		}
	}
	return 0, false
}

// FreeAddr returns the lowest unused address up to max.
func (r *Registry) FreeAddr(max uint32) (uint32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for addr := uint32(1); addr <= max; addr++ {
		if _, used := r.slots[addr]; !used {
			return addr, true
		}
	}
	return 0, false
}

// SetDrive stores a new drive command: v is scaled from the SRCP 0..vmax
// range onto the decoder's speed steps. A newer command fully
// supersedes an unsent older one; the slot just holds the latest
// state.
func (r *Registry) SetDrive(addr uint32, mode protocol.DriveMode, v, vmax int, functions uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[addr]
	if !ok {
		return errors.NotInitializedError("GL", addr)
	}
	if vmax <= 0 {
		return errors.InvalidCommandError("GL", addr, "vmax must be positive")
	}
	if v < 0 || v > vmax {
		return errors.InvalidCommandError("GL", addr, "speed out of range")
	}
	speed := s.SpeedSteps * v / vmax
	if s.Speed > 0 && speed == 0 {
		s.doubled = true
	}
	s.Mode = mode
	s.Speed = speed
	s.Functions = functions
	s.dirty = true
	return nil
}

// CountProtocol returns the number of slots using a protocol.
func (r *Registry) CountProtocol(proto protocol.Protocol) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.slots {
		if s.Proto == proto {
			n++
		}
	}
	return n
}

// Len returns the number of initialized slots.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slots)
}

// Addrs returns the refresh order.
func (r *Registry) Addrs() []uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]uint32(nil), r.order...)
}

// pickDirty returns the eligible dirty slot with the earliest
// eligibility time, lowest address breaking ties. The doubled flag is
// consumed by the caller via the returned snapshot's repeats hint.
func (r *Registry) pickDirty(now int64) (*Slot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *Slot
	for _, addr := range r.order {
		s := r.slots[addr]
		if !s.dirty || s.eligibleAt > now {
			continue
		}
		if best == nil || s.eligibleAt < best.eligibleAt {
			best = s
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

// pickRefresh returns the next slot in the refresh cycle that is
// eligible now. The cycle index only advances past a slot when it was
// picked, so nobody is skipped permanently.
func (r *Registry) pickRefresh(now int64) (*Slot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.order)
	for i := 0; i < n; i++ {
		idx := (r.refreshIdx + i) % n
		s := r.slots[r.order[idx]]
		if s.eligibleAt > now || s.dirty {
			continue
		}
		r.refreshIdx = (idx + 1) % n
		return s, true
	}
	return nil, false
}

// takeDrive copies the fields needed to encode a telegram and
// consumes the dirty and doubled flags in the same critical section.
// A command stored after the snapshot sets the flags again and stays
// pending; the transmit path must only move the eligibility time.
func (r *Registry) takeDrive(s *Slot) (SlotState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doubled := s.doubled
	s.dirty = false
	s.doubled = false
	s.eligibleAt = reactor.NEVER
	return s.snapshot(), doubled
}

// holdUntil advances the earliest-eligible time without touching the
// pending flags.
func (r *Registry) holdUntil(s *Slot, until int64) {
	r.mu.Lock()
	s.eligibleAt = until
	r.mu.Unlock()
}

// nextObligation returns the earliest time any slot becomes eligible
// again, or NEVER when the registry is empty.
func (r *Registry) nextObligation(now int64) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	next := reactor.NEVER
	for _, s := range r.slots {
		t := s.eligibleAt
		if t < now {
			t = now
		}
		if t < next {
			next = t
		}
	}
	return next
}
