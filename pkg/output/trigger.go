// Oscilloscope trigger output

package output

import "sync"

// TriggerClass names the event classes a scope trigger can be armed
// for.
type TriggerClass int

const (
	TriggerGL TriggerClass = iota
	TriggerGA
	TriggerSM
	TriggerFB
)

// TriggerLine is the output the trigger pulses. The GPIO line
// implements it; tests substitute a recorder.
type TriggerLine interface {
	Set(value bool) error
}

// Trigger raises a GPIO line when a configured event goes onto the
// rails, for catching single telegrams on an oscilloscope. Fire is
// fire-and-forget and never delays scheduling; the line stays high
// until the scheduler re-arms it on its next pass.
type Trigger struct {
	mu        sync.Mutex
	line      TriggerLine
	addresses map[TriggerClass]map[uint32]bool
}

// NewTrigger creates a trigger on the given line. A nil line disables
// the trigger entirely.
func NewTrigger(line TriggerLine) *Trigger {
	return &Trigger{
		line:      line,
		addresses: make(map[TriggerClass]map[uint32]bool),
	}
}

// Watch arms the trigger for one address of an event class. For FB the
// address is the feedback number.
func (t *Trigger) Watch(class TriggerClass, addr uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.addresses[class] == nil {
		t.addresses[class] = make(map[uint32]bool)
	}
	t.addresses[class][addr] = true
}

// Wants reports whether an event would fire the trigger.
func (t *Trigger) Wants(class TriggerClass, addr uint32) bool {
	if t == nil || t.line == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addresses[class][addr]
}

// Fire raises the line if the event is watched.
func (t *Trigger) Fire(class TriggerClass, addr uint32) {
	if !t.Wants(class, addr) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.line.Set(true)
}

// Arm lowers the line so the next event produces a fresh edge.
func (t *Trigger) Arm() {
	if t == nil || t.line == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.line.Set(false)
}
