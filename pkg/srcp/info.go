// SRCP INFO line formatting

package srcp

import (
	"fmt"
	"strings"

	"srcpd-go/pkg/ddl"
)

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

func bit01(on bool) string {
	if on {
		return "1"
	}
	return "0"
}

func powerInfo(bus int, on bool) string {
	return fmt.Sprintf("100 INFO %d POWER %s", bus, onOff(on))
}

// glInfo renders the commanded state of a locomotive: drive mode,
// speed over the decoder's step count, then one field per function.
func glInfo(bus int, st ddl.SlotState) string {
	return glLine(bus, st.Addr, int(st.Mode), st.Speed, st.SpeedSteps, st.Functions, st.NumFunctions)
}

func glLine(bus int, addr uint32, mode, speed, steps int, functions uint64, numFuncs int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "100 INFO %d GL %d %d %d %d", bus, addr, mode, speed, steps)
	for i := 0; i < numFuncs && i < 64; i++ {
		b.WriteByte(' ')
		b.WriteString(bit01(functions&(1<<uint(i)) != 0))
	}
	return b.String()
}

// glDescription renders the decoder parameters a GL INIT announced.
func glDescription(bus int, st ddl.SlotState) string {
	return fmt.Sprintf("101 INFO %d GL %d %c %d %d %d",
		bus, st.Addr, byte(st.Proto), st.Version, st.SpeedSteps, st.NumFunctions)
}

func gaInfo(bus int, ev ddl.GAEvent) string {
	return fmt.Sprintf("100 INFO %d GA %d %d %s", bus, ev.Addr, ev.Port, bit01(ev.Value))
}

func fbInfo(bus, number int, state bool) string {
	return fmt.Sprintf("100 INFO %d FB %d %s", bus, number, bit01(state))
}

func smInfo(bus int, res ddl.SMResultEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "100 INFO %d SM %d %s", bus, res.Addr, res.Type)
	for _, p := range res.Params {
		fmt.Fprintf(&b, " %d", p)
	}
	fmt.Fprintf(&b, " %d", res.Value)
	return b.String()
}

// infoFor maps a station event onto the INFO line an info session
// streams, if the event has one.
func (s *session) infoFor(ev ddl.Event) (string, bool) {
	bus := s.srv.cfg.DDLBus
	switch e := ev.(type) {
	case ddl.PowerEvent:
		return powerInfo(bus, e.On), true
	case ddl.GLInitEvent:
		return fmt.Sprintf("101 INFO %d GL %d %c %d %d %d",
			bus, e.Addr, byte(e.Proto), e.Version, e.SpeedSteps, e.NumFunctions), true
	case ddl.GLEvent:
		return glLine(bus, e.Addr, int(e.Mode), e.Speed, e.Steps, e.Functions, e.NumFuncs), true
	case ddl.GLTermEvent:
		return fmt.Sprintf("102 INFO %d GL %d", bus, e.Addr), true
	case ddl.GAInitEvent:
		return fmt.Sprintf("101 INFO %d GA %d %c", bus, e.Addr, byte(e.Proto)), true
	case ddl.GAEvent:
		return gaInfo(bus, e), true
	case ddl.FBEvent:
		return fbInfo(s.srv.cfg.FBBus+e.Bus, e.Number, e.State), true
	case ddl.SMResultEvent:
		if e.Err != nil {
			return "", false
		}
		return smInfo(bus, e), true
	}
	return "", false
}
