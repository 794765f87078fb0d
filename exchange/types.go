// Package exchange implements a single-in-flight request/response engine over a
// reliable, connection-oriented remote-memory transport. A Session pairs one
// registered local buffer with the peer's buffer descriptor and serialises
// exchanges triggered from manual callers and asynchronous fault sources.
package exchange

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
	"unsafe"
)

// DispatchMode selects the wire variant used for an exchange.
type DispatchMode int

const (
	// TwoSided exchanges the request and reply with send/receive pairs.
	TwoSided DispatchMode = iota
	// OneSidedWrite writes the full buffer into the peer's registered region and
	// signals the peer through remote completion data.
	OneSidedWrite
)

func (m DispatchMode) String() string {
	switch m {
	case TwoSided:
		return "two-sided"
	case OneSidedWrite:
		return "one-sided"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseDispatchMode converts a textual mode ("two-sided", "one-sided") into a DispatchMode.
func ParseDispatchMode(s string) (DispatchMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "two-sided", "twosided", "send":
		return TwoSided, nil
	case "one-sided", "onesided", "write":
		return OneSidedWrite, nil
	default:
		return 0, fmt.Errorf("exchange: unknown dispatch mode %q", s)
	}
}

// Opcode identifies the kind of operation a completion reports.
type Opcode int

const (
	OpSend Opcode = iota + 1
	OpRecv
	OpWrite
	// OpRemoteWrite is a receive-type completion raised by the peer's write with
	// remote completion data.
	OpRemoteWrite
)

func (o Opcode) String() string {
	switch o {
	case OpSend:
		return "send"
	case OpRecv:
		return "recv"
	case OpWrite:
		return "write"
	case OpRemoteWrite:
		return "remote_write"
	default:
		return "unknown"
	}
}

// Completion is a single entry drained from a connection's completion queue.
type Completion struct {
	Tag     uint64
	Opcode  Opcode
	Length  int
	Data    uint32
	HasData bool
	// Status is the provider status code; zero on success.
	Status int
	// Err is non-nil when the completion reports a failure.
	Err error
}

// Failed reports whether the completion carries a non-success status.
func (c Completion) Failed() bool {
	return c.Err != nil || c.Status != 0
}

// Transport posts work requests against an established connection and
// surfaces their completions in post order.
type Transport interface {
	PostSend(tag uint64, region *MemoryRegion, length int) error
	PostRecv(tag uint64, region *MemoryRegion, length int) error
	PostWriteSignal(tag uint64, region *MemoryRegion, length int, peer PeerDescriptor, signal uint32) error
	// WaitCompletion blocks until a completion is available, the timeout
	// elapses (ErrNoCompletion) or ctx ends. A non-positive timeout waits until ctx ends.
	WaitCompletion(ctx context.Context, timeout time.Duration) (Completion, error)
}

// Registrar pins and registers a buffer for local and remote access.
type Registrar interface {
	RegisterMemory(buf []byte) (*MemoryRegion, error)
}

// MemoryRegion describes a registered buffer. LocalKey authorises local
// access; RemoteKey is handed to the peer to authorise its one-sided access.
type MemoryRegion struct {
	Base      uintptr
	Length    int
	LocalKey  uint64
	RemoteKey uint32

	buf    []byte
	handle io.Closer
}

// NewMemoryRegion wraps a buffer registered by a transport. handle is released
// by Close and may be retrieved by the owning transport through Handle.
func NewMemoryRegion(buf []byte, localKey uint64, remoteKey uint32, handle io.Closer) *MemoryRegion {
	var base uintptr
	if len(buf) > 0 {
		base = uintptr(unsafe.Pointer(&buf[0]))
	}
	return &MemoryRegion{
		Base:      base,
		Length:    len(buf),
		LocalKey:  localKey,
		RemoteKey: remoteKey,
		buf:       buf,
		handle:    handle,
	}
}

// Bytes returns the registered buffer.
func (m *MemoryRegion) Bytes() []byte {
	if m == nil {
		return nil
	}
	return m.buf
}

// Handle returns the transport-specific registration handle.
func (m *MemoryRegion) Handle() io.Closer {
	if m == nil {
		return nil
	}
	return m.handle
}

// Descriptor returns the descriptor that authorises the peer to write into this region.
func (m *MemoryRegion) Descriptor() PeerDescriptor {
	if m == nil {
		return PeerDescriptor{}
	}
	return PeerDescriptor{RemoteAddress: uint64(m.Base), RemoteKey: m.RemoteKey, RemoteSize: uint64(m.Length)}
}

// Close releases the registration handle.
func (m *MemoryRegion) Close() error {
	if m == nil || m.handle == nil {
		return nil
	}
	err := m.handle.Close()
	m.handle = nil
	return err
}
