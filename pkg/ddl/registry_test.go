package ddl

import (
	"testing"

	"srcpd-go/pkg/protocol"
)

func TestRegistryRefreshOrder(t *testing.T) {
	r := NewRegistry()
	r.Init(3, protocol.ProtocolDCC, 2, 128, 5, 0, nil)
	r.Init(1, protocol.ProtocolMM, 2, 14, 5, 0, nil)
	r.Init(2, protocol.ProtocolDCC, 1, 28, 5, 0, nil)

	addrs := r.Addrs()
	if len(addrs) != 3 || addrs[0] != 1 || addrs[1] != 2 || addrs[2] != 3 {
		t.Fatalf("refresh order = %v, want [1 2 3]", addrs)
	}

	s1, ok := r.pickRefresh(0)
	s2, _ := r.pickRefresh(0)
	s3, _ := r.pickRefresh(0)
	s4, _ := r.pickRefresh(0)
	if !ok || s1.Addr != 1 || s2.Addr != 2 || s3.Addr != 3 || s4.Addr != 1 {
		t.Errorf("refresh cycle visited %d %d %d %d", s1.Addr, s2.Addr, s3.Addr, s4.Addr)
	}

	if err := r.Term(2); err != nil {
		t.Fatal(err)
	}
	if err := r.Term(2); err == nil {
		t.Error("terminating an unknown address must fail")
	}
	if got := r.Addrs(); len(got) != 2 {
		t.Errorf("after term: %v", got)
	}
}

func TestSetDriveScaling(t *testing.T) {
	r := NewRegistry()
	r.Init(7, protocol.ProtocolMM, 3, 28, 5, 0, nil)

	if err := r.SetDrive(7, protocol.DriveForward, 7, 14, 0x1); err != nil {
		t.Fatal(err)
	}
	st, _ := r.Get(7)
	if st.Speed != 14 {
		t.Errorf("speed scaled to %d, want 14", st.Speed)
	}

	if err := r.SetDrive(7, protocol.DriveForward, 15, 14, 0); err == nil {
		t.Error("speed above vmax must be rejected")
	}
	if err := r.SetDrive(7, protocol.DriveForward, 1, 0, 0); err == nil {
		t.Error("zero vmax must be rejected")
	}
	if err := r.SetDrive(8, protocol.DriveForward, 1, 14, 0); err == nil {
		t.Error("uninitialized address must be rejected")
	}
}

func TestNewerCommandSupersedesUnsent(t *testing.T) {
	r := NewRegistry()
	r.Init(5, protocol.ProtocolDCC, 2, 128, 5, 0, nil)

	if err := r.SetDrive(5, protocol.DriveForward, 10, 128, 0); err != nil {
		t.Fatal(err)
	}
	if err := r.SetDrive(5, protocol.DriveReverse, 20, 128, 0); err != nil {
		t.Fatal(err)
	}

	s, ok := r.pickDirty(0)
	if !ok {
		t.Fatal("no dirty slot")
	}
	snap, _ := r.takeDrive(s)
	if snap.Speed != 20 || snap.Mode != protocol.DriveReverse {
		t.Errorf("picked stale command: speed %d mode %d", snap.Speed, snap.Mode)
	}
	if _, ok := r.pickDirty(0); ok {
		t.Error("superseded command must not be sent a second time")
	}
}

func TestCommandDuringTransmitStaysPending(t *testing.T) {
	r := NewRegistry()
	r.Init(5, protocol.ProtocolDCC, 2, 128, 5, 0, nil)

	r.SetDrive(5, protocol.DriveForward, 64, 128, 0)
	s, _ := r.pickDirty(0)
	r.takeDrive(s)

	// A stop command stored while the previous telegram is on the
	// rails must survive the transmit path's eligibility updates.
	r.SetDrive(5, protocol.DriveForward, 0, 128, 0)
	r.holdUntil(s, 5000)
	r.holdUntil(s, 7000)

	if _, ok := r.pickDirty(6999); ok {
		t.Error("picked before the hold elapsed")
	}
	got, ok := r.pickDirty(7000)
	if !ok {
		t.Fatal("pending command lost")
	}
	if _, doubled := r.takeDrive(got); !doubled {
		t.Error("stop command lost its doubled repeats")
	}
}

func TestDoubledRepeatsOnStop(t *testing.T) {
	r := NewRegistry()
	r.Init(2, protocol.ProtocolMM, 2, 14, 5, 0, nil)

	r.SetDrive(2, protocol.DriveForward, 10, 14, 0)
	s, _ := r.pickDirty(0)
	if _, doubled := r.takeDrive(s); doubled {
		t.Error("a moving command must not be doubled")
	}
	r.holdUntil(s, 0)

	r.SetDrive(2, protocol.DriveForward, 0, 14, 0)
	s, _ = r.pickDirty(0)
	if _, doubled := r.takeDrive(s); !doubled {
		t.Error("a stop command must be doubled")
	}
	if _, doubled := r.takeDrive(s); doubled {
		t.Error("doubling must be consumed by the send")
	}
}

func TestEligibilityGatesPicks(t *testing.T) {
	r := NewRegistry()
	r.Init(1, protocol.ProtocolDCC, 2, 128, 5, 0, nil)
	r.SetDrive(1, protocol.DriveForward, 1, 128, 0)

	s, _ := r.pickDirty(0)
	r.takeDrive(s)
	r.holdUntil(s, 5000)
	r.SetDrive(1, protocol.DriveForward, 2, 128, 0)

	if _, ok := r.pickDirty(4999); ok {
		t.Error("dirty slot picked before its gap elapsed")
	}
	if _, ok := r.pickRefresh(4999); ok {
		t.Error("refresh pick before the gap elapsed")
	}
	if _, ok := r.pickDirty(5000); !ok {
		t.Error("dirty slot not picked once eligible")
	}
}

func TestUIDAndFreeAddr(t *testing.T) {
	r := NewRegistry()
	r.Init(1, protocol.ProtocolMFX, 0, 127, 16, 0xDEADBEEF, nil)
	r.Init(2, protocol.ProtocolMFX, 0, 127, 16, 0xCAFE, nil)

	if addr, ok := r.UIDAddr(0xCAFE); !ok || addr != 2 {
		t.Errorf("UIDAddr = %d, %v", addr, ok)
	}
	if _, ok := r.UIDAddr(0x1234); ok {
		t.Error("unknown UID must not resolve")
	}
	if addr, ok := r.FreeAddr(protocol.MaxMFXAddr); !ok || addr != 3 {
		t.Errorf("FreeAddr = %d, %v", addr, ok)
	}
}
