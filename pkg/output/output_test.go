package output

import (
	"bytes"
	"testing"

	"srcpd-go/pkg/reactor"
)

func TestSimRecordsTransfersAndAdvancesClock(t *testing.T) {
	clk := reactor.NewFakeClock(0)
	sim := NewSim()
	sim.Clock = clk

	seg := bytes.Repeat([]byte{0xAA}, 100)
	if err := sim.Transmit(100000, seg); err != nil {
		t.Fatal(err)
	}
	// 100 bytes at 100 kBd are exactly 8 ms on the wire.
	if got := clk.Now(); got != 8000 {
		t.Errorf("clock advanced to %d, want 8000", got)
	}
	if sim.TransferCount() != 1 {
		t.Fatalf("recorded %d transfers, want 1", sim.TransferCount())
	}
	tr := sim.TransferAt(0)
	if tr.At != 0 || tr.Baud != 100000 || !bytes.Equal(tr.Data, seg) {
		t.Errorf("unexpected transfer record %+v", tr)
	}
}

func TestSimReadbackQueue(t *testing.T) {
	sim := NewSim()
	sim.ReadbackQueue = [][]byte{{0x01, 0x02}}

	rx, err := sim.TransmitReadback(100000, []byte{0, 0})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(rx, []byte{0x01, 0x02}) {
		t.Errorf("scripted readback not returned: %v", rx)
	}

	// Queue drained: zeros of matching length.
	rx, err = sim.TransmitReadback(100000, []byte{0, 0, 0})
	if err != nil {
		t.Fatal(err)
	}
	if len(rx) != 3 || rx[0] != 0 {
		t.Errorf("empty queue should return zeros, got %v", rx)
	}
}

func TestSimSensorFramesRepeatLast(t *testing.T) {
	sim := NewSim()
	sim.SensorFrames[0] = [][]byte{{0x80}, {0xC0}}

	buf := make([]byte, 1)
	for _, want := range []byte{0x80, 0xC0, 0xC0} {
		if err := sim.ReadSensors(0, buf); err != nil {
			t.Fatal(err)
		}
		if buf[0] != want {
			t.Errorf("frame = %#x, want %#x", buf[0], want)
		}
	}
}

func TestSimAckFunc(t *testing.T) {
	sim := NewSim()
	sim.AckFunc = func(sample int) bool { return sample >= 2 }

	for i, want := range []bool{false, false, true, true} {
		got, err := sim.SampleAck()
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("sample %d = %v, want %v", i, got, want)
		}
	}
}

type recordingLine struct {
	values []bool
}

func (r *recordingLine) Set(v bool) error {
	r.values = append(r.values, v)
	return nil
}

func TestTriggerFiresOnlyWatchedEvents(t *testing.T) {
	line := &recordingLine{}
	trig := NewTrigger(line)
	trig.Watch(TriggerGL, 3)

	trig.Fire(TriggerGL, 5)
	trig.Fire(TriggerGA, 3)
	if len(line.values) != 0 {
		t.Fatalf("unwatched events fired the trigger: %v", line.values)
	}

	trig.Fire(TriggerGL, 3)
	trig.Arm()
	if len(line.values) != 2 || line.values[0] != true || line.values[1] != false {
		t.Errorf("trigger sequence = %v, want [true false]", line.values)
	}
}

func TestTriggerNilLineIsInert(t *testing.T) {
	trig := NewTrigger(nil)
	trig.Watch(TriggerFB, 1)
	trig.Fire(TriggerFB, 1)
	trig.Arm()
	if trig.Wants(TriggerFB, 1) {
		t.Error("trigger without a line must not report Wants")
	}
}
