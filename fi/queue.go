package fi

import (
	"errors"
	"fmt"
	"time"

	"github.com/rocketbitz/memxchg/internal/capi"
)

// Completion flag bits.
const (
	FlagSend         = capi.CQFlagSend
	FlagRecv         = capi.CQFlagRecv
	FlagWrite        = capi.CQFlagWrite
	FlagRemoteCQData = capi.CQFlagRemoteCQData
)

// Completion is one successfully completed operation.
type Completion struct {
	Tag   uint64
	Flags uint64
	Len   uint64
	Data  uint64
}

// HasData reports whether the completion carries remote completion data.
func (c Completion) HasData() bool {
	return c.Flags&FlagRemoteCQData != 0
}

// CompletionQueue reports the completions of the endpoints bound to it.
type CompletionQueue struct {
	handle *capi.CompletionQueue
}

// OpenCompletionQueue opens a completion queue with room for size entries.
func (d *Domain) OpenCompletionQueue(size int) (*CompletionQueue, error) {
	if d == nil || d.handle == nil {
		return nil, ErrInvalidHandle{"domain"}
	}
	cq, err := capi.OpenCompletionQueue(d.handle, size)
	if err != nil {
		return nil, err
	}
	return &CompletionQueue{handle: cq}, nil
}

func (c *CompletionQueue) Close() error {
	if c == nil || c.handle == nil {
		return nil
	}
	err := c.handle.Close()
	c.handle = nil
	return err
}

// Read waits up to timeout for one completion; a negative timeout waits
// indefinitely. An expired wait returns ErrNoCompletion. A failed operation
// returns its completion fields together with an *OpError.
func (c *CompletionQueue) Read(timeout time.Duration) (Completion, error) {
	if c == nil || c.handle == nil {
		return Completion{}, ErrInvalidHandle{"completion queue"}
	}
	entry, err := c.handle.SRead(timeout)
	if err != nil {
		var cqErr *capi.CQError
		if errors.As(err, &cqErr) {
			tag := resolveContext(cqErr.Context)
			return Completion{Tag: tag, Flags: cqErr.Flags, Len: cqErr.Len}, &OpError{
				Tag:         tag,
				Flags:       cqErr.Flags,
				Err:         cqErr.Err,
				ProviderErr: cqErr.ProviderErr,
			}
		}
		return Completion{}, translateErr(err, ErrNoCompletion)
	}
	return Completion{
		Tag:   resolveContext(entry.Context),
		Flags: entry.Flags,
		Len:   entry.Len,
		Data:  entry.Data,
	}, nil
}

// ConnectionEventType identifies connection-management events.
type ConnectionEventType = capi.CMEventType

const (
	ConnectionEventConnReq   = capi.CMEventConnReq
	ConnectionEventConnected = capi.CMEventConnected
	ConnectionEventShutdown  = capi.CMEventShutdown
)

// ConnectionEvent is a connection-management event. Events of type
// ConnectionEventConnReq hold provider resources until consumed by
// OpenEndpoint or released with Free.
type ConnectionEvent struct {
	cm *capi.CMEvent
}

func (e *ConnectionEvent) Type() ConnectionEventType {
	if e == nil || e.cm == nil {
		return 0
	}
	return e.cm.Type
}

// Data returns the peer's private connection payload.
func (e *ConnectionEvent) Data() []byte {
	if e == nil || e.cm == nil {
		return nil
	}
	return e.cm.Data
}

// Info snapshots the fi_info delivered with a connection request.
func (e *ConnectionEvent) Info() Info {
	if e == nil || e.cm == nil {
		return Info{}
	}
	return infoFromEntry(e.cm.Info)
}

// Free releases the fi_info attached to a connection request.
func (e *ConnectionEvent) Free() {
	if e == nil || e.cm == nil {
		return
	}
	capi.FreeInfo(e.cm.Info)
	e.cm = nil
}

// EventQueue reports connection-management events.
type EventQueue struct {
	handle *capi.EventQueue
}

// OpenEventQueue opens an event queue with room for size entries.
func (f *Fabric) OpenEventQueue(size int) (*EventQueue, error) {
	if f == nil || f.handle == nil {
		return nil, ErrInvalidHandle{"fabric"}
	}
	eq, err := capi.OpenEventQueue(f.handle, size)
	if err != nil {
		return nil, err
	}
	return &EventQueue{handle: eq}, nil
}

func (e *EventQueue) Close() error {
	if e == nil || e.handle == nil {
		return nil
	}
	err := e.handle.Close()
	e.handle = nil
	return err
}

// ReadCM waits up to timeout for a connection event; a negative timeout waits
// indefinitely. An expired wait returns ErrNoEvent.
func (e *EventQueue) ReadCM(timeout time.Duration) (*ConnectionEvent, error) {
	if e == nil || e.handle == nil {
		return nil, ErrInvalidHandle{"event queue"}
	}
	cm, err := e.handle.ReadCM(timeout)
	if err != nil {
		return nil, translateErr(err, ErrNoEvent)
	}
	return &ConnectionEvent{cm: cm}, nil
}

// Expect reads one event and fails unless it has type want. Requests that do
// not match are released.
func (e *EventQueue) Expect(want ConnectionEventType, timeout time.Duration) (*ConnectionEvent, error) {
	ev, err := e.ReadCM(timeout)
	if err != nil {
		return nil, err
	}
	if ev.Type() != want {
		got := ev.Type()
		ev.Free()
		return nil, fmt.Errorf("%w: got %s, want %s", ErrUnexpectedEvent, got, want)
	}
	return ev, nil
}
