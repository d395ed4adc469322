// mfx decoder registration

package ddl

import (
	"fmt"
	"strconv"

	"srcpd-go/pkg/config"
	"srcpd-go/pkg/errors"
	"srcpd-go/pkg/output"
	"srcpd-go/pkg/protocol"
)

// mfxNameCV holds the decoder name, one character per index.
const (
	mfxNameCV  = 24
	mfxNameLen = 16
)

// mfxRegistrar digests the answers to the periodic decoder search and
// assigns track addresses to newly found decoders. Assignments and the
// re-registration counter survive restarts through the state file.
type mfxRegistrar struct {
	st    *Station
	enc   *protocol.MFX
	state *config.StateConfig
}

func newMfxRegistrar(st *Station, uid uint32, state *config.StateConfig) *mfxRegistrar {
	counter := 0
	if state != nil {
		if sec := state.GetSectionOptional("mfx"); sec != nil {
			counter, _ = sec.GetInt("regcounter", 0)
		}
	}
	return &mfxRegistrar{
		st:    st,
		enc:   protocol.NewMFX(uid, uint16(counter)),
		state: state,
	}
}

// evaluate digests one search window readback.
func (r *mfxRegistrar) evaluate(rx []byte) {
	reg := r.enc.EvalRegistration(rx)
	switch reg.State {
	case protocol.RegistrationFound:
		r.register(reg.UID)
	case protocol.RegistrationFailed:
		r.st.logger.Warn("mfx search gave inconsistent answers, restarting")
	}
}

// register assigns a track address to a found decoder: a re-appearing
// UID keeps its address, otherwise the persisted assignment is reused
// when still free, otherwise the lowest free address is taken.
func (r *mfxRegistrar) register(uid uint32) {
	addr, known := r.st.reg.UIDAddr(uid)
	if !known {
		if a, ok := r.storedAddr(uid); ok && !r.st.reg.Has(a) {
			addr = a
		} else if a, ok := r.st.reg.FreeAddr(protocol.MaxMFXAddr); ok {
			addr = a
		} else {
			r.st.logger.Error("mfx decoder %08x found but no free address", uid)
			return
		}
	}

	steps := r.enc.MaxSpeedSteps()
	funcs := r.enc.BaseFunctions()
	var params []string
	if st, ok := r.st.reg.Get(addr); ok && st.UID == uid {
		steps, funcs, params = st.SpeedSteps, st.NumFunctions, st.Params
	}
	if name := r.readName(addr); name != "" {
		params = []string{name}
	}

	if err := r.st.InitLoco(addr, protocol.ProtocolMFX, 0, steps, funcs, uid, params); err != nil {
		r.st.logger.Error("mfx decoder %08x registration failed: %v", uid, err)
		return
	}
	r.st.logger.Info("mfx decoder %08x registered as address %d", uid, addr)

	if r.state != nil {
		r.state.SetOption("mfx", "regcounter", strconv.Itoa(int(r.enc.RegCounter())))
		r.state.SetOption("mfx", fmt.Sprintf("uid_%08x", uid), strconv.FormatUint(uint64(addr), 10))
		if err := r.state.Save(); err != nil {
			r.st.logger.Error("saving mfx state failed: %v", err)
		}
	}
}

func (r *mfxRegistrar) storedAddr(uid uint32) (uint32, bool) {
	if r.state == nil {
		return 0, false
	}
	sec := r.state.GetSectionOptional("mfx")
	if sec == nil {
		return 0, false
	}
	a, err := sec.GetInt(fmt.Sprintf("uid_%08x", uid), 0)
	if err != nil || a <= 0 || a > protocol.MaxMFXAddr {
		return 0, false
	}
	return uint32(a), true
}

// readName pulls the decoder name out of its configuration area, one
// character per read. Without an RDS reader the name stays unknown.
func (r *mfxRegistrar) readName(addr uint32) string {
	rds := r.st.sm.rds
	if rds == nil {
		r.st.logger.Debug("no rds reader, skipping name read for address %d", addr)
		return ""
	}
	r.enc.SetReadingParams(true)
	defer r.enc.SetReadingParams(false)

	name := make([]byte, 0, mfxNameLen)
	for i := 0; i < mfxNameLen; i++ {
		rds.Begin(1)
		pkt := r.enc.CVReadPacket(addr, mfxNameCV, byte(i), 1, false)
		r.st.transmitAll(pkt, output.TriggerSM)
		data, err := rds.Collect()
		if err != nil {
			r.st.logger.WithError(err).Warnf("%v, name for address %d truncated at character %d",
				errors.RegistrationTimeoutError("parameter read"), addr, i)
			return string(name)
		}
		if data[0] == 0 {
			break
		}
		name = append(name, data[0])
	}
	return string(name)
}

// persist flushes unsaved registration state at shutdown.
func (r *mfxRegistrar) persist() {
	if r.state == nil || !r.state.HasChanges() {
		return
	}
	if err := r.state.Save(); err != nil {
		r.st.logger.Error("saving mfx state failed: %v", err)
	}
}
