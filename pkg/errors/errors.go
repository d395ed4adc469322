// Unified error handling for the srcpd-go command station

package errors

import (
	"fmt"
	"runtime"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Command validation errors
	ErrInvalidCommand  ErrorCode = "INVALID_COMMAND"
	ErrUnknownProtocol ErrorCode = "UNKNOWN_PROTOCOL"
	ErrNotInitialized  ErrorCode = "NOT_INITIALIZED"

	// Track output and timing errors
	ErrTimingMiss   ErrorCode = "TIMING_MISS"
	ErrOutputDriver ErrorCode = "OUTPUT_DRIVER"

	// Service mode errors
	ErrAckTimeout        ErrorCode = "ACK_TIMEOUT"
	ErrServiceModeFailed ErrorCode = "SERVICE_MODE_FAILED"
	ErrServiceModeBusy   ErrorCode = "SERVICE_MODE_BUSY"

	// mfx registration errors
	ErrRegistrationTimeout ErrorCode = "REGISTRATION_TIMEOUT"

	// SRCP session errors
	ErrSRCPParse       ErrorCode = "SRCP_PARSE"
	ErrSRCPUnsupported ErrorCode = "SRCP_UNSUPPORTED"

	// Runtime errors
	ErrRuntime     ErrorCode = "RUNTIME"
	ErrRuntimeInit ErrorCode = "RUNTIME_INIT"
)

// StationError is the unified error type for the command station
type StationError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Section is the component context
	Section string

	// Protocol and Address identify the affected decoder (if applicable)
	Protocol string
	Address  uint32

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *StationError) Error() string {
	switch {
	case e.Protocol != "":
		return fmt.Sprintf("[%s] %s %d: %s", e.Code, e.Protocol, e.Address, e.Message)
	case e.Section != "":
		return fmt.Sprintf("[%s:%s] %s", e.Code, e.Section, e.Message)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
}

// Unwrap returns the underlying error
func (e *StationError) Unwrap() error {
	return e.Err
}

// SetSection sets the context section
func (e *StationError) SetSection(section string) *StationError {
	e.Section = section
	return e
}

// SetDecoder sets the affected protocol and address
func (e *StationError) SetDecoder(protocol string, address uint32) *StationError {
	e.Protocol = protocol
	e.Address = address
	return e
}

// SetContext adds additional context
func (e *StationError) SetContext(key string, value interface{}) *StationError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new StationError
func New(code ErrorCode, message string) *StationError {
	return &StationError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *StationError {
	return &StationError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Command errors

// InvalidCommandError rejects a command with an out-of-range or
// inconsistent parameter before it reaches the registry.
func InvalidCommandError(protocol string, address uint32, reason string) *StationError {
	return New(ErrInvalidCommand, reason).SetDecoder(protocol, address)
}

// UnknownProtocolError rejects a command naming a protocol the station
// does not drive.
func UnknownProtocolError(protocol string) *StationError {
	return New(ErrUnknownProtocol, fmt.Sprintf("protocol '%s' not supported", protocol))
}

// NotInitializedError rejects an operation on a decoder that was never
// initialized.
func NotInitializedError(protocol string, address uint32) *StationError {
	return New(ErrNotInitialized, "device not initialized").SetDecoder(protocol, address)
}

// Timing and output errors

// TimingMissError reports a scheduling deadline that could not be met.
func TimingMissError(detail string) *StationError {
	return New(ErrTimingMiss, detail)
}

// OutputDriverError wraps a fault in the SPI output driver.
func OutputDriverError(operation string, err error) *StationError {
	return Wrap(err, ErrOutputDriver, fmt.Sprintf("output %s failed", operation))
}

// Service mode errors

// AckTimeoutError reports a missing decoder acknowledgement.
func AckTimeoutError(cv int) *StationError {
	return New(ErrAckTimeout, fmt.Sprintf("no acknowledgement for CV %d", cv))
}

// ServiceModeFailedError reports a programming operation that exhausted
// its retries.
func ServiceModeFailedError(op string, cv int, attempts int) *StationError {
	return New(ErrServiceModeFailed,
		fmt.Sprintf("%s CV %d failed after %d attempts", op, cv, attempts))
}

// ServiceModeBusyError rejects a programming request while another one
// owns the track.
func ServiceModeBusyError() *StationError {
	return New(ErrServiceModeBusy, "service mode operation in progress")
}

// mfx errors

// RegistrationTimeoutError reports an mfx decoder search that received
// no usable response within its deadline.
func RegistrationTimeoutError(stage string) *StationError {
	return New(ErrRegistrationTimeout, fmt.Sprintf("mfx %s timed out", stage))
}

// SRCP errors

// SRCPParseError reports an unparseable SRCP command line.
func SRCPParseError(line string, reason string) *StationError {
	return New(ErrSRCPParse, fmt.Sprintf("cannot parse '%s': %s", line, reason))
}

// SRCPUnsupportedError reports a well-formed SRCP command the station
// does not implement.
func SRCPUnsupportedError(device, operation string) *StationError {
	return New(ErrSRCPUnsupported, fmt.Sprintf("%s %s not supported", operation, device))
}

// Runtime errors

// RuntimeError creates a general runtime error
func RuntimeError(message string) *StationError {
	return New(ErrRuntime, message)
}

// RuntimeErrorInit creates an error for an initialization failure.
func RuntimeErrorInit(component string, reason string) *StationError {
	return New(ErrRuntimeInit, reason).SetSection(component)
}

// RecoverPanic converts a recovered panic value into a StationError.
// Call it with the result of recover from a deferred function; it
// returns nil when no panic was in flight.
func RecoverPanic(r interface{}) *StationError {
	if r == nil {
		return nil
	}
	switch x := r.(type) {
	case string:
		return RuntimeError(fmt.Sprintf("panic: %s", x))
	case runtime.Error:
		return RuntimeError(x.Error())
	case error:
		return RuntimeError(x.Error())
	default:
		return RuntimeError(fmt.Sprintf("panic: %v", x))
	}
}

// Is checks if an error matches the given error code
func Is(err error, code ErrorCode) bool {
	if stErr, ok := err.(*StationError); ok {
		return stErr.Code == code
	}
	return false
}

// IsCommand checks if an error is a command validation error
func IsCommand(err error) bool {
	return Is(err, ErrInvalidCommand) ||
		Is(err, ErrUnknownProtocol) ||
		Is(err, ErrNotInitialized)
}

// IsServiceMode checks if an error belongs to the programming track
func IsServiceMode(err error) bool {
	return Is(err, ErrAckTimeout) ||
		Is(err, ErrServiceModeFailed) ||
		Is(err, ErrServiceModeBusy)
}
