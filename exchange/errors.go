package exchange

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrClosed indicates the session or arbiter has already been closed.
	ErrClosed = errors.New("exchange: closed")
	// ErrTransportSetup classifies bootstrap and registration failures.
	ErrTransportSetup = errors.New("exchange: transport setup failed")
	// ErrMalformedDescriptor indicates a missing, mis-sized or repeated peer descriptor.
	ErrMalformedDescriptor = errors.New("exchange: malformed peer descriptor")
	// ErrTimeout indicates a completion did not arrive within the configured timeout.
	ErrTimeout = errors.New("exchange: completion wait timed out")
	// ErrNoCompletion is returned by transports when a bounded wait found no entry.
	ErrNoCompletion = errors.New("exchange: no completion available")
	// ErrUnmatchedCompletion indicates a completion that does not belong to the pending exchange.
	ErrUnmatchedCompletion = errors.New("exchange: completion does not match pending exchange")
	// ErrExchangePending indicates a dispatch was attempted while another exchange is outstanding.
	ErrExchangePending = errors.New("exchange: exchange already pending")
	// ErrAbandoned indicates an exchange was given up while posted work could
	// still complete. The connection cannot correlate later completions.
	ErrAbandoned = errors.New("exchange: exchange abandoned with operations outstanding")
	// ErrNoPeer indicates the peer descriptor has not been captured.
	ErrNoPeer = errors.New("exchange: peer descriptor not captured")
	// ErrNotRegistered indicates no local region has been registered.
	ErrNotRegistered = errors.New("exchange: local region not registered")
	// ErrPayloadTooLarge indicates a payload or reply that does not fit the local buffer.
	ErrPayloadTooLarge = errors.New("exchange: payload exceeds buffer")
)

// SetupError reports a transport setup or registration failure.
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("exchange: %s: %v", e.Op, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// Is matches ErrTransportSetup.
func (e *SetupError) Is(target error) bool { return target == ErrTransportSetup }

// CompletionFailure reports a completion with a non-success status, or one that
// could not be correlated to the pending exchange.
type CompletionFailure struct {
	Opcode Opcode
	Tag    uint64
	Status int
	Err    error
}

func (e *CompletionFailure) Error() string {
	return fmt.Sprintf("exchange: %s completion failed (tag=%d status=%d): %v", e.Opcode, e.Tag, e.Status, e.Err)
}

func (e *CompletionFailure) Unwrap() error { return e.Err }

// ExternalSubsystemError reports a failed call into the fault-management
// subsystem. It is logged and never fatal.
type ExternalSubsystemError struct {
	Call string
	Err  error
}

func (e *ExternalSubsystemError) Error() string {
	return fmt.Sprintf("exchange: fault subsystem %s: %v", e.Call, e.Err)
}

func (e *ExternalSubsystemError) Unwrap() error { return e.Err }

// IsFatal reports whether err must end the session. Fault-subsystem errors and
// context cancellation are not fatal, unless the cancellation abandoned posted
// work.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAbandoned) {
		return true
	}
	var ext *ExternalSubsystemError
	if errors.As(err, &ext) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed) {
		return false
	}
	return true
}

type errorHolder struct {
	err error
}
