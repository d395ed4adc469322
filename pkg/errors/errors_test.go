// Error taxonomy tests

package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	err := InvalidCommandError("N", 9000, "address out of range")
	msg := err.Error()
	if !strings.Contains(msg, "INVALID_COMMAND") {
		t.Errorf("expected code in message, got %q", msg)
	}
	if !strings.Contains(msg, "N 9000") {
		t.Errorf("expected decoder context in message, got %q", msg)
	}
}

func TestInitError(t *testing.T) {
	err := RuntimeErrorInit("output driver", "spidev not present")
	if err.Section != "output driver" {
		t.Errorf("unexpected section: %q", err.Section)
	}
	if !strings.Contains(err.Error(), "RUNTIME_INIT") {
		t.Errorf("expected code in message, got %q", err.Error())
	}
	if IsCommand(err) {
		t.Error("IsCommand should not match an init error")
	}
}

func TestWrapAndUnwrap(t *testing.T) {
	inner := fmt.Errorf("ioctl failed")
	err := OutputDriverError("transmit", inner)
	if !stderrors.Is(err, inner) {
		t.Error("expected errors.Is to find the wrapped error")
	}
	if err.Code != ErrOutputDriver {
		t.Errorf("expected ErrOutputDriver, got %s", err.Code)
	}
}

func TestIs(t *testing.T) {
	tests := []struct {
		err  error
		code ErrorCode
		want bool
	}{
		{ServiceModeFailedError("write", 29, 3), ErrServiceModeFailed, true},
		{AckTimeoutError(1), ErrAckTimeout, true},
		{AckTimeoutError(1), ErrServiceModeFailed, false},
		{RegistrationTimeoutError("uid search"), ErrRegistrationTimeout, true},
		{fmt.Errorf("plain"), ErrRuntime, false},
	}
	for _, tt := range tests {
		if got := Is(tt.err, tt.code); got != tt.want {
			t.Errorf("Is(%v, %s) = %v, expected %v", tt.err, tt.code, got, tt.want)
		}
	}
}

func TestIsServiceMode(t *testing.T) {
	if !IsServiceMode(ServiceModeBusyError()) {
		t.Error("expected busy error to be a service mode error")
	}
	if IsServiceMode(TimingMissError("late by 3ms")) {
		t.Error("timing miss is not a service mode error")
	}
}

func TestSetContext(t *testing.T) {
	err := TimingMissError("packet deadline missed").
		SetContext("lateness_us", 3200)
	if err.Context["lateness_us"] != 3200 {
		t.Errorf("expected context value, got %v", err.Context)
	}
}

func TestRecoverPanic(t *testing.T) {
	f := func() (err *StationError) {
		defer func() {
			err = RecoverPanic(recover())
		}()
		panic("boom")
	}
	err := f()
	if err == nil {
		t.Fatal("expected error from panic")
	}
	if RecoverPanic(nil) != nil {
		t.Error("no panic must yield no error")
	}
	if err.Code != ErrRuntime {
		t.Errorf("expected ErrRuntime, got %s", err.Code)
	}
	if !strings.Contains(err.Message, "boom") {
		t.Errorf("expected panic message, got %q", err.Message)
	}
}
