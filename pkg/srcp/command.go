// SRCP command parsing and dispatch

package srcp

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"srcpd-go/pkg/ddl"
	"srcpd-go/pkg/errors"
	"srcpd-go/pkg/protocol"
	"srcpd-go/pkg/s88"
)

// smReplyTimeout bounds how long a command session waits for the
// programming track. A DCC byte read runs many acknowledgment windows
// back to back.
const smReplyTimeout = 30 * time.Second

const replyOK = "200 OK"

var errorTexts = map[int]string{
	410: "unknown command",
	412: "wrong value",
	415: "forbidden",
	416: "no data",
	417: "timeout",
	419: "list too short",
	420: "unsupported device protocol",
	422: "unsupported device group",
	423: "unsupported operation",
}

func errorReply(code int) string {
	return fmt.Sprintf("%d ERROR %s", code, errorTexts[code])
}

// errReply maps a station error onto an SRCP reply line.
func errReply(err error) string {
	switch {
	case err == nil:
		return replyOK
	case errors.Is(err, errors.ErrUnknownProtocol):
		return errorReply(420)
	case errors.Is(err, errors.ErrServiceModeBusy):
		return errorReply(415)
	case errors.Is(err, errors.ErrAckTimeout),
		errors.Is(err, errors.ErrServiceModeFailed):
		return errorReply(416)
	default:
		return errorReply(412)
	}
}

// dispatch handles one command line and returns the reply line.
// Every command reads <verb> <bus> <device group> [parameters].
func (s *session) dispatch(line string) string {
	f := strings.Fields(line)
	if len(f) < 3 {
		s.srv.logger.Debug("session %d: %v", s.id,
			errors.SRCPParseError(line, "need <verb> <bus> <device group>"))
		return errorReply(419)
	}
	verb := f[0]
	switch verb {
	case "GET", "SET", "INIT", "TERM":
	default:
		s.srv.logger.Debug("session %d: %v", s.id, errors.SRCPParseError(line, "unknown verb"))
		return errorReply(410)
	}
	bus, err := strconv.Atoi(f[1])
	if err != nil || bus < 0 {
		s.srv.logger.Debug("session %d: %v", s.id, errors.SRCPParseError(line, "bad bus number"))
		return errorReply(412)
	}

	if bus == s.srv.cfg.DDLBus {
		switch f[2] {
		case "POWER":
			return s.handlePower(verb, f)
		case "GL":
			return s.handleGL(verb, bus, f)
		case "GA":
			return s.handleGA(verb, bus, f)
		case "SM":
			return s.handleSM(verb, bus, f)
		default:
			s.srv.logger.Debug("session %d: %v", s.id, errors.SRCPUnsupportedError(f[2], verb))
			return errorReply(422)
		}
	}
	if chain := bus - s.srv.cfg.FBBus; s.srv.cfg.Sensors != nil &&
		chain >= 0 && chain < s88.MaxBuses && s.srv.cfg.Sensors.Contacts(chain) > 0 {
		if f[2] != "FB" {
			return errorReply(422)
		}
		return s.handleFB(verb, bus, chain, f)
	}
	return errorReply(412)
}

func parseAddr(field string) (uint32, bool) {
	v, err := strconv.ParseUint(field, 10, 32)
	return uint32(v), err == nil
}

func parseProto(field string) (protocol.Protocol, bool) {
	if len(field) != 1 {
		return 0, false
	}
	p := protocol.Protocol(field[0])
	switch p {
	case protocol.ProtocolMM, protocol.ProtocolDCC, protocol.ProtocolMFX:
		return p, true
	}
	return 0, false
}

func (s *session) handlePower(verb string, f []string) string {
	st := s.srv.cfg.Station
	switch verb {
	case "SET":
		if len(f) < 4 {
			return errorReply(419)
		}
		switch f[3] {
		case "ON":
			st.SetPower(true)
		case "OFF":
			st.SetPower(false)
		default:
			return errorReply(412)
		}
		return replyOK
	case "GET":
		return powerInfo(s.srv.cfg.DDLBus, st.Power())
	default:
		// POWER needs no setup.
		return replyOK
	}
}

func (s *session) handleGL(verb string, bus int, f []string) string {
	st := s.srv.cfg.Station
	if len(f) < 4 {
		return errorReply(419)
	}
	addr, ok := parseAddr(f[3])
	if !ok {
		return errorReply(412)
	}

	switch verb {
	case "GET":
		state, ok := st.GetLoco(addr)
		if !ok {
			return errorReply(416)
		}
		return glInfo(bus, state)

	case "SET":
		// SET <bus> GL <addr> <drivemode> <V> <V_max> <f0> .. <fn>
		if len(f) < 7 {
			return errorReply(419)
		}
		mode, err := strconv.Atoi(f[4])
		if err != nil || mode < 0 || mode > 2 {
			return errorReply(412)
		}
		v, err1 := strconv.Atoi(f[5])
		vmax, err2 := strconv.Atoi(f[6])
		if err1 != nil || err2 != nil {
			return errorReply(412)
		}
		var functions uint64
		for i, field := range f[7:] {
			if i >= 64 {
				break
			}
			on, err := strconv.Atoi(field)
			if err != nil {
				return errorReply(412)
			}
			if on != 0 {
				functions |= 1 << uint(i)
			}
		}
		return errReply(st.SetLoco(addr, protocol.DriveMode(mode), v, vmax, functions))

	case "INIT":
		// INIT <bus> GL <addr> <proto> <version> <speed steps>
		// <functions> [<uid>]
		if len(f) < 8 {
			return errorReply(419)
		}
		proto, ok := parseProto(f[4])
		if !ok {
			return errorReply(420)
		}
		version, err1 := strconv.Atoi(f[5])
		steps, err2 := strconv.Atoi(f[6])
		nfunc, err3 := strconv.Atoi(f[7])
		if err1 != nil || err2 != nil || err3 != nil {
			return errorReply(412)
		}
		var uid uint32
		if len(f) > 8 {
			u, err := strconv.ParseUint(f[8], 10, 32)
			if err != nil {
				return errorReply(412)
			}
			uid = uint32(u)
		}
		var params []string
		if len(f) > 9 {
			params = f[9:]
		}
		return errReply(st.InitLoco(addr, proto, version, steps, nfunc, uid, params))

	case "TERM":
		return errReply(st.TermLoco(addr))
	}
	return errorReply(410)
}

func (s *session) handleGA(verb string, bus int, f []string) string {
	st := s.srv.cfg.Station
	if len(f) < 4 {
		return errorReply(419)
	}
	addr, ok := parseAddr(f[3])
	if !ok {
		return errorReply(412)
	}

	switch verb {
	case "GET":
		// GET <bus> GA <addr> <port>
		if len(f) < 5 {
			return errorReply(419)
		}
		port, err := strconv.Atoi(f[4])
		if err != nil || port < 0 || port > 1 {
			return errorReply(412)
		}
		values, _, ok := st.GetAccessory(addr)
		if !ok {
			return errorReply(416)
		}
		return gaInfo(bus, ddl.GAEvent{Addr: addr, Port: port, Value: values[port]})

	case "SET":
		// SET <bus> GA <addr> <port> <value> <delay>, delay in ms and
		// -1 for no automatic deactivation.
		if len(f) < 7 {
			return errorReply(419)
		}
		port, err1 := strconv.Atoi(f[4])
		value, err2 := strconv.Atoi(f[5])
		delay, err3 := strconv.Atoi(f[6])
		if err1 != nil || err2 != nil || err3 != nil {
			return errorReply(412)
		}
		var timeout time.Duration
		if delay > 0 {
			timeout = time.Duration(delay) * time.Millisecond
		}
		return errReply(st.SetAccessory(addr, port, value, timeout))

	case "INIT":
		// INIT <bus> GA <addr> <proto>
		if len(f) < 5 {
			return errorReply(419)
		}
		proto, ok := parseProto(f[4])
		if !ok {
			return errorReply(420)
		}
		return errReply(st.InitAccessory(addr, proto))

	case "TERM":
		return errReply(st.TermAccessory(addr))
	}
	return errorReply(410)
}

func (s *session) handleSM(verb string, bus int, f []string) string {
	st := s.srv.cfg.Station
	sm := st.ServiceMode()

	switch verb {
	case "INIT":
		// INIT <bus> SM <protocol>
		if len(f) < 4 {
			return errorReply(419)
		}
		return errReply(sm.Init(f[3]))

	case "TERM":
		return errReply(sm.Term())

	case "SET", "GET":
		// SET <bus> SM <addr> <type> <param>.. <value>
		// GET <bus> SM <addr> <type> <param>..
		min := 6
		if verb == "SET" {
			min = 7
		}
		if len(f) < min {
			return errorReply(419)
		}
		addr, ok := parseAddr(f[3])
		if !ok {
			return errorReply(412)
		}
		typ := f[4]
		nums := make([]uint32, 0, len(f)-5)
		for _, field := range f[5:] {
			n, err := strconv.ParseUint(field, 10, 32)
			if err != nil {
				return errorReply(412)
			}
			nums = append(nums, uint32(n))
		}

		ch := st.Events().Subscribe()
		defer st.Events().Unsubscribe(ch)

		var err error
		write := verb == "SET"
		if write {
			params := nums[:len(nums)-1]
			value := int(nums[len(nums)-1])
			err = sm.Set(s.id, addr, typ, params, value)
		} else {
			err = sm.Get(s.id, addr, typ, nums)
		}
		if err != nil {
			return errReply(err)
		}
		return s.awaitSM(ch, bus, write)
	}
	return errorReply(410)
}

// awaitSM waits for the scheduler to run this session's programming
// operation and report its result.
func (s *session) awaitSM(ch <-chan ddl.Event, bus int, write bool) string {
	timer := time.NewTimer(smReplyTimeout)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return errorReply(416)
			}
			res, isRes := ev.(ddl.SMResultEvent)
			if !isRes || res.Session != s.id {
				continue
			}
			if res.Err != nil {
				return errReply(res.Err)
			}
			if write {
				return replyOK
			}
			return smInfo(bus, res)
		case <-timer.C:
			return errorReply(417)
		}
	}
}

func (s *session) handleFB(verb string, bus, chain int, f []string) string {
	switch verb {
	case "GET":
		// GET <bus> FB <contact>
		if len(f) < 4 {
			return errorReply(419)
		}
		nr, err := strconv.Atoi(f[3])
		if err != nil {
			return errorReply(412)
		}
		state, ok := s.srv.cfg.Sensors.Get(chain, nr)
		if !ok {
			return errorReply(412)
		}
		return fbInfo(bus, nr, state)
	case "INIT", "TERM":
		// The chains are configured at startup.
		return replyOK
	default:
		return errorReply(423)
	}
}
