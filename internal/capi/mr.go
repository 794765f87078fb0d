//go:build cgo

package capi

import "unsafe"

/*
#cgo pkg-config: libfabric
#include <rdma/fabric.h>
#include <rdma/fi_domain.h>
*/
import "C"

// Access flags for memory registration.
const (
	AccessSend        = uint64(C.FI_SEND)
	AccessRecv        = uint64(C.FI_RECV)
	AccessWrite       = uint64(C.FI_WRITE)
	AccessRemoteWrite = uint64(C.FI_REMOTE_WRITE)
)

// MemoryRegion wraps a fid_mr.
type MemoryRegion struct {
	ptr *C.struct_fid_mr
}

// RegisterMemory registers length bytes at buf. requestedKey is honoured only
// by providers that do not generate keys themselves.
func (d *Domain) RegisterMemory(buf unsafe.Pointer, length uintptr, access uint64, requestedKey uint64) (*MemoryRegion, error) {
	if d == nil || d.ptr == nil || buf == nil || length == 0 {
		return nil, ErrInvalid.WithOp("fi_mr_reg")
	}
	var mr *C.struct_fid_mr
	status := C.fi_mr_reg(d.ptr, buf, C.size_t(length), C.uint64_t(access), 0, C.uint64_t(requestedKey), 0, &mr, nil)
	if err := ErrorFromStatus(int(status), "fi_mr_reg"); err != nil {
		return nil, err
	}
	return &MemoryRegion{ptr: mr}, nil
}

func (m *MemoryRegion) Close() error {
	if m == nil || m.ptr == nil {
		return nil
	}
	err := closeFid(unsafe.Pointer(m.ptr), "mr")
	m.ptr = nil
	return err
}

// Key returns the remote access key.
func (m *MemoryRegion) Key() uint64 {
	if m == nil || m.ptr == nil {
		return 0
	}
	return uint64(C.fi_mr_key(m.ptr))
}

// Desc returns the local descriptor passed alongside buffers in data transfers.
func (m *MemoryRegion) Desc() unsafe.Pointer {
	if m == nil || m.ptr == nil {
		return nil
	}
	return C.fi_mr_desc(m.ptr)
}
