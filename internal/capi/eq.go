//go:build cgo

package capi

import (
	"time"
	"unsafe"
)

/*
#cgo pkg-config: libfabric
#include <stdlib.h>
#include <rdma/fabric.h>
#include <rdma/fi_eq.h>
#include <rdma/fi_cm.h>

#define MEMXCHG_CM_DATA_MAX 256

static inline size_t memxchg_cm_entry_size(void) {
    return sizeof(struct fi_eq_cm_entry);
}

static inline void *memxchg_cm_buf_alloc(void) {
    return calloc(1, sizeof(struct fi_eq_cm_entry) + MEMXCHG_CM_DATA_MAX);
}
*/
import "C"

// MaxCMData bounds the private payload accepted with a connection event.
const MaxCMData = int(C.MEMXCHG_CM_DATA_MAX)

// CMEventType identifies connection-management events.
type CMEventType uint32

const (
	CMEventConnReq   CMEventType = CMEventType(C.FI_CONNREQ)
	CMEventConnected CMEventType = CMEventType(C.FI_CONNECTED)
	CMEventShutdown  CMEventType = CMEventType(C.FI_SHUTDOWN)
)

func (t CMEventType) String() string {
	switch t {
	case CMEventConnReq:
		return "connreq"
	case CMEventConnected:
		return "connected"
	case CMEventShutdown:
		return "shutdown"
	default:
		return "event"
	}
}

// CMEvent is a decoded fi_eq_cm_entry together with its private data.
type CMEvent struct {
	Type CMEventType
	FID  unsafe.Pointer
	// Info is set for connection requests and must be released with FreeInfo
	// unless handed to OpenEndpoint.
	Info InfoEntry
	Data []byte
}

// EQError captures the details of fi_eq_readerr.
type EQError struct {
	FID         unsafe.Pointer
	Err         Errno
	ProviderErr int
}

func (e *EQError) Error() string {
	return "event queue error: " + e.Err.Error()
}

func (e *EQError) Unwrap() error { return e.Err }

// EventQueue wraps a fid_eq opened with a wait object so it can be read
// with a timeout.
type EventQueue struct {
	ptr *C.struct_fid_eq
}

// OpenEventQueue opens an event queue on the fabric.
func OpenEventQueue(fabric *Fabric, size int) (*EventQueue, error) {
	if fabric == nil || fabric.ptr == nil {
		return nil, ErrInvalid.WithOp("fi_eq_open")
	}
	var attr C.struct_fi_eq_attr
	attr.size = C.size_t(size)
	attr.wait_obj = C.FI_WAIT_UNSPEC
	var eq *C.struct_fid_eq
	status := C.fi_eq_open(fabric.ptr, &attr, &eq, nil)
	if err := ErrorFromStatus(int(status), "fi_eq_open"); err != nil {
		return nil, err
	}
	return &EventQueue{ptr: eq}, nil
}

func (e *EventQueue) Close() error {
	if e == nil || e.ptr == nil {
		return nil
	}
	err := closeFid(unsafe.Pointer(e.ptr), "eq")
	e.ptr = nil
	return err
}

// ReadCM blocks for up to timeout for the next connection event. A negative
// timeout blocks indefinitely. It returns ErrAgain when nothing arrived and
// an *EQError when the queue reports a failed connection.
func (e *EventQueue) ReadCM(timeout time.Duration) (*CMEvent, error) {
	if e == nil || e.ptr == nil {
		return nil, ErrInvalid.WithOp("fi_eq_sread")
	}
	buf := C.memxchg_cm_buf_alloc()
	if buf == nil {
		return nil, ErrNoMemory.WithOp("fi_eq_sread")
	}
	defer C.free(buf)

	ms := C.int(-1)
	if timeout >= 0 {
		ms = C.int(timeout / time.Millisecond)
	}
	size := C.memxchg_cm_entry_size() + C.size_t(MaxCMData)
	var code C.uint32_t
	ret := C.fi_eq_sread(e.ptr, &code, buf, size, ms, 0)
	if ret == -C.ssize_t(C.FI_EAVAIL) {
		return nil, e.readError()
	}
	if ret < 0 {
		return nil, ErrorFromStatus(int(ret), "fi_eq_sread")
	}
	entry := (*C.struct_fi_eq_cm_entry)(buf)
	ev := &CMEvent{
		Type: CMEventType(code),
		FID:  unsafe.Pointer(entry.fid),
		Info: InfoEntry{ptr: entry.info},
	}
	base := int(C.memxchg_cm_entry_size())
	if n := int(ret) - base; n > 0 {
		ev.Data = C.GoBytes(unsafe.Add(buf, base), C.int(n))
	}
	return ev, nil
}

func (e *EventQueue) readError() error {
	var entry C.struct_fi_eq_err_entry
	ret := C.fi_eq_readerr(e.ptr, &entry, 0)
	if ret < 0 {
		return ErrorFromStatus(int(ret), "fi_eq_readerr")
	}
	return &EQError{
		FID:         unsafe.Pointer(entry.fid),
		Err:         Errno(entry.err),
		ProviderErr: int(entry.prov_errno),
	}
}
