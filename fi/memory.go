package fi

import (
	"unsafe"

	"github.com/rocketbitz/memxchg/internal/capi"
)

// MemoryRegion is a buffer registered for message transfer and for remote writes by the peer.
type MemoryRegion struct {
	handle *capi.MemoryRegion
	base   unsafe.Pointer
	length uintptr
}

// RegisterMemory registers buf in place. buf must not be Go heap memory; the
// provider keeps using it after this call returns. Memory from mmap, such as
// exchange.AllocBuffer, qualifies.
func (d *Domain) RegisterMemory(buf []byte, requestedKey uint64) (*MemoryRegion, error) {
	if d == nil || d.handle == nil {
		return nil, ErrInvalidHandle{"domain"}
	}
	if len(buf) == 0 {
		return nil, capi.ErrInvalid.WithOp("fi_mr_reg")
	}
	access := capi.AccessSend | capi.AccessRecv | capi.AccessWrite | capi.AccessRemoteWrite
	base := unsafe.Pointer(&buf[0])
	mr, err := d.handle.RegisterMemory(base, uintptr(len(buf)), access, requestedKey)
	if err != nil {
		return nil, err
	}
	region := &MemoryRegion{handle: mr, base: base, length: uintptr(len(buf))}
	if mr.Key() > 0xffffffff {
		_ = region.Close()
		return nil, ErrKeyTooWide
	}
	return region, nil
}

// Key returns the key the peer presents for remote writes.
func (m *MemoryRegion) Key() uint64 {
	if m == nil {
		return 0
	}
	return m.handle.Key()
}

func (m *MemoryRegion) desc() unsafe.Pointer {
	if m == nil {
		return nil
	}
	return m.handle.Desc()
}

func (m *MemoryRegion) Close() error {
	if m == nil || m.handle == nil {
		return nil
	}
	err := m.handle.Close()
	m.handle = nil
	return err
}
