//go:build cgo

package capi

import (
	"time"
	"unsafe"
)

/*
#cgo pkg-config: libfabric
#include <rdma/fabric.h>
#include <rdma/fi_domain.h>
#include <rdma/fi_eq.h>
*/
import "C"

// Completion flags reported in fi_cq_data_entry.flags.
const (
	CQFlagSend         = uint64(C.FI_SEND)
	CQFlagRecv         = uint64(C.FI_RECV)
	CQFlagWrite        = uint64(C.FI_WRITE)
	CQFlagRemoteWrite  = uint64(C.FI_REMOTE_WRITE)
	CQFlagRemoteCQData = uint64(C.FI_REMOTE_CQ_DATA)
	CQFlagMsg          = uint64(C.FI_MSG)
	CQFlagRMA          = uint64(C.FI_RMA)
)

// CQEntry is a decoded fi_cq_data_entry.
type CQEntry struct {
	Context unsafe.Pointer
	Flags   uint64
	Len     uint64
	Data    uint64
}

// CQError captures the details of fi_cq_readerr.
type CQError struct {
	Context     unsafe.Pointer
	Flags       uint64
	Len         uint64
	Err         Errno
	ProviderErr int
}

func (e *CQError) Error() string {
	return "completion error: " + e.Err.Error()
}

func (e *CQError) Unwrap() error { return e.Err }

// CompletionQueue wraps a fid_cq using FI_CQ_FORMAT_DATA and a wait object.
type CompletionQueue struct {
	ptr *C.struct_fid_cq
}

// OpenCompletionQueue opens a data-format completion queue on the domain.
func OpenCompletionQueue(domain *Domain, size int) (*CompletionQueue, error) {
	if domain == nil || domain.ptr == nil {
		return nil, ErrInvalid.WithOp("fi_cq_open")
	}
	var attr C.struct_fi_cq_attr
	attr.size = C.size_t(size)
	attr.format = C.FI_CQ_FORMAT_DATA
	attr.wait_obj = C.FI_WAIT_UNSPEC
	attr.wait_cond = C.FI_CQ_COND_NONE
	var cq *C.struct_fid_cq
	status := C.fi_cq_open(domain.ptr, &attr, &cq, nil)
	if err := ErrorFromStatus(int(status), "fi_cq_open"); err != nil {
		return nil, err
	}
	return &CompletionQueue{ptr: cq}, nil
}

func (c *CompletionQueue) Close() error {
	if c == nil || c.ptr == nil {
		return nil
	}
	err := closeFid(unsafe.Pointer(c.ptr), "cq")
	c.ptr = nil
	return err
}

// SRead blocks for up to timeout for one completion. A negative timeout
// blocks indefinitely. It returns ErrAgain when the wait expired and a
// *CQError for a failed operation.
func (c *CompletionQueue) SRead(timeout time.Duration) (CQEntry, error) {
	if c == nil || c.ptr == nil {
		return CQEntry{}, ErrInvalid.WithOp("fi_cq_sread")
	}
	ms := C.int(-1)
	if timeout >= 0 {
		ms = C.int(timeout / time.Millisecond)
	}
	var entry C.struct_fi_cq_data_entry
	ret := C.fi_cq_sread(c.ptr, unsafe.Pointer(&entry), 1, nil, ms)
	switch {
	case ret > 0:
		return CQEntry{
			Context: entry.op_context,
			Flags:   uint64(entry.flags),
			Len:     uint64(entry.len),
			Data:    uint64(entry.data),
		}, nil
	case ret == -C.ssize_t(C.FI_EAVAIL):
		return CQEntry{}, c.readError()
	case ret == 0:
		return CQEntry{}, ErrAgain.WithOp("fi_cq_sread")
	default:
		return CQEntry{}, ErrorFromStatus(int(ret), "fi_cq_sread")
	}
}

func (c *CompletionQueue) readError() error {
	var entry C.struct_fi_cq_err_entry
	ret := C.fi_cq_readerr(c.ptr, &entry, 0)
	if ret < 0 {
		return ErrorFromStatus(int(ret), "fi_cq_readerr")
	}
	return &CQError{
		Context:     entry.op_context,
		Flags:       uint64(entry.flags),
		Len:         uint64(entry.len),
		Err:         Errno(entry.err),
		ProviderErr: int(entry.prov_errno),
	}
}
