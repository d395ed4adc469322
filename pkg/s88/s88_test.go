package s88

import (
	"testing"

	"srcpd-go/pkg/output"
)

func pollN(t *testing.T, p *Poller, sim *output.Sim, frames []byte) [][]Event {
	t.Helper()
	var all [][]Event
	for _, f := range frames {
		sim.SensorFrames[0] = [][]byte{{f}}
		events, _, err := p.Poll()
		if err != nil {
			t.Fatal(err)
		}
		all = append(all, events)
	}
	return all
}

func TestSingleEventPerFlip(t *testing.T) {
	sim := output.NewSim()
	p, err := New(sim, []int{1}, 3)
	if err != nil {
		t.Fatal(err)
	}

	// Contact 1 is the high bit of the first byte. Two warm-up polls,
	// then the contact closes; a one-poll dropout later must be
	// filtered out by the majority vote.
	frames := []byte{0x00, 0x00, 0x00, 0x80, 0x80, 0x80, 0x00, 0x80, 0x80}
	all := pollN(t, p, sim, frames)

	var events []Event
	for _, e := range all {
		events = append(events, e...)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want exactly 1: %v", len(events), events)
	}
	if events[0] != (Event{Bus: 0, Number: 1, State: true}) {
		t.Errorf("unexpected event %+v", events[0])
	}
	if state, ok := p.Get(0, 1); !ok || !state {
		t.Error("contact 1 should be on after the flip")
	}
}

func TestOpenEventAfterMajorityDrops(t *testing.T) {
	sim := output.NewSim()
	p, err := New(sim, []int{1}, 3)
	if err != nil {
		t.Fatal(err)
	}

	frames := []byte{0x80, 0x80, 0x80, 0x00, 0x00, 0x00}
	all := pollN(t, p, sim, frames)

	var events []Event
	for _, e := range all {
		events = append(events, e...)
	}
	if len(events) != 1 || events[0].State {
		t.Fatalf("want one off event, got %v", events)
	}
}

func TestContactNumberingAcrossBytes(t *testing.T) {
	sim := output.NewSim()
	p, err := New(sim, []int{2}, 1)
	if err != nil {
		t.Fatal(err)
	}

	// Repeat 1 disables filtering.
	sim.SensorFrames[0] = [][]byte{{0x00, 0x00}}
	if _, _, err := p.Poll(); err != nil {
		t.Fatal(err)
	}

	// Byte 1 bit 2 (from the top) is contact 8+3 = 11.
	sim.SensorFrames[0] = [][]byte{{0x00, 0x20}}
	events, _, err := p.Poll()
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Number != 11 || !events[0].State {
		t.Fatalf("want contact 11 on, got %v", events)
	}
}

func TestRawFlipsReportedForTrigger(t *testing.T) {
	sim := output.NewSim()
	p, err := New(sim, []int{1}, 3)
	if err != nil {
		t.Fatal(err)
	}

	for _, f := range []byte{0x00, 0x00, 0x00} {
		sim.SensorFrames[0] = [][]byte{{f}}
		if _, _, err := p.Poll(); err != nil {
			t.Fatal(err)
		}
	}

	// A single noisy frame flips the raw level but not the filtered
	// state.
	sim.SensorFrames[0] = [][]byte{{0x80}}
	events, raw, err := p.Poll()
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("noise produced filtered events: %v", events)
	}
	if len(raw) != 1 || raw[0].Number != 1 {
		t.Errorf("raw flip not reported: %v", raw)
	}
}

func TestConfigValidation(t *testing.T) {
	sim := output.NewSim()
	if _, err := New(sim, []int{1}, 2); err == nil {
		t.Error("even repeat count must be rejected")
	}
	if _, err := New(sim, []int{MaxBytesPerBus + 1}, 3); err == nil {
		t.Error("oversized bus must be rejected")
	}
	if _, err := New(sim, []int{1, 1, 1, 1, 1}, 3); err == nil {
		t.Error("more than MaxBuses must be rejected")
	}

	p, err := New(sim, []int{0, 4}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if p.repeat != DefaultRepeat {
		t.Errorf("repeat defaulted to %d, want %d", p.repeat, DefaultRepeat)
	}
	if p.Contacts(0) != 0 || p.Contacts(1) != 32 {
		t.Errorf("contact counts = %d, %d", p.Contacts(0), p.Contacts(1))
	}
	if !p.Active() {
		t.Error("poller with a configured bus must be active")
	}
}
