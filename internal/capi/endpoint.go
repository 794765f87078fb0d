//go:build cgo

package capi

import "unsafe"

/*
#cgo pkg-config: libfabric
#include <stdlib.h>
#include <rdma/fabric.h>
#include <rdma/fi_cm.h>
#include <rdma/fi_domain.h>
#include <rdma/fi_endpoint.h>
#include <rdma/fi_eq.h>
#include <rdma/fi_rma.h>

static inline fi_addr_t memxchg_addr_unspec(void) { return FI_ADDR_UNSPEC; }
*/
import "C"

// Bind flags for attaching a completion queue to an endpoint.
const (
	BindTransmit = uint64(C.FI_TRANSMIT)
	BindRecv     = uint64(C.FI_RECV)
)

func withBytes(data []byte, fn func(unsafe.Pointer, C.size_t) C.int) C.int {
	if len(data) == 0 {
		return fn(nil, 0)
	}
	p := C.CBytes(data)
	defer C.free(p)
	return fn(p, C.size_t(len(data)))
}

// Endpoint wraps an active fid_ep.
type Endpoint struct {
	ptr *C.struct_fid_ep
}

// OpenEndpoint opens an active endpoint. For the accepting side entry is the
// fi_info delivered with the connection request.
func OpenEndpoint(domain *Domain, entry InfoEntry) (*Endpoint, error) {
	if domain == nil || domain.ptr == nil || entry.ptr == nil {
		return nil, ErrInvalid.WithOp("fi_endpoint")
	}
	var ep *C.struct_fid_ep
	status := C.fi_endpoint(domain.ptr, entry.ptr, &ep, nil)
	if err := ErrorFromStatus(int(status), "fi_endpoint"); err != nil {
		return nil, err
	}
	return &Endpoint{ptr: ep}, nil
}

func (e *Endpoint) Close() error {
	if e == nil || e.ptr == nil {
		return nil
	}
	err := closeFid(unsafe.Pointer(e.ptr), "endpoint")
	e.ptr = nil
	return err
}

// BindCompletionQueue attaches cq for the directions named by flags.
func (e *Endpoint) BindCompletionQueue(cq *CompletionQueue, flags uint64) error {
	if e == nil || e.ptr == nil || cq == nil || cq.ptr == nil {
		return ErrInvalid.WithOp("fi_ep_bind(cq)")
	}
	status := C.fi_ep_bind(e.ptr, (*C.struct_fid)(unsafe.Pointer(cq.ptr)), C.uint64_t(flags))
	return ErrorFromStatus(int(status), "fi_ep_bind(cq)")
}

// BindEventQueue attaches eq for connection events.
func (e *Endpoint) BindEventQueue(eq *EventQueue) error {
	if e == nil || e.ptr == nil || eq == nil || eq.ptr == nil {
		return ErrInvalid.WithOp("fi_ep_bind(eq)")
	}
	status := C.fi_ep_bind(e.ptr, (*C.struct_fid)(unsafe.Pointer(eq.ptr)), 0)
	return ErrorFromStatus(int(status), "fi_ep_bind(eq)")
}

func (e *Endpoint) Enable() error {
	if e == nil || e.ptr == nil {
		return ErrInvalid.WithOp("fi_enable")
	}
	return ErrorFromStatus(int(C.fi_enable(e.ptr)), "fi_enable")
}

// Connect starts a connection to the address carried by the endpoint's
// fi_info, attaching data as private connection payload.
func (e *Endpoint) Connect(data []byte) error {
	if e == nil || e.ptr == nil {
		return ErrInvalid.WithOp("fi_connect")
	}
	status := withBytes(data, func(p unsafe.Pointer, n C.size_t) C.int {
		return C.fi_connect(e.ptr, nil, p, n)
	})
	return ErrorFromStatus(int(status), "fi_connect")
}

// Accept accepts the pending connection request, returning data to the
// connector with the connected event.
func (e *Endpoint) Accept(data []byte) error {
	if e == nil || e.ptr == nil {
		return ErrInvalid.WithOp("fi_accept")
	}
	status := withBytes(data, func(p unsafe.Pointer, n C.size_t) C.int {
		return C.fi_accept(e.ptr, p, n)
	})
	return ErrorFromStatus(int(status), "fi_accept")
}

func (e *Endpoint) Shutdown() error {
	if e == nil || e.ptr == nil {
		return nil
	}
	return ErrorFromStatus(int(C.fi_shutdown(e.ptr, 0)), "fi_shutdown")
}

// Send posts buf[:length] as a message. ctx must be an operation context
// from AllocOpContext.
func (e *Endpoint) Send(buf unsafe.Pointer, length uintptr, desc unsafe.Pointer, ctx unsafe.Pointer) error {
	if e == nil || e.ptr == nil {
		return ErrInvalid.WithOp("fi_send")
	}
	status := C.fi_send(e.ptr, buf, C.size_t(length), desc, C.memxchg_addr_unspec(), ctx)
	return ErrorFromStatus(int(status), "fi_send")
}

// Recv posts buf[:length] to receive one message.
func (e *Endpoint) Recv(buf unsafe.Pointer, length uintptr, desc unsafe.Pointer, ctx unsafe.Pointer) error {
	if e == nil || e.ptr == nil {
		return ErrInvalid.WithOp("fi_recv")
	}
	status := C.fi_recv(e.ptr, buf, C.size_t(length), desc, C.memxchg_addr_unspec(), ctx)
	return ErrorFromStatus(int(status), "fi_recv")
}

// WriteData writes buf[:length] to the peer region at addr/key and raises a
// completion carrying data on the peer's receive queue.
func (e *Endpoint) WriteData(buf unsafe.Pointer, length uintptr, desc unsafe.Pointer, data uint64, addr uint64, key uint64, ctx unsafe.Pointer) error {
	if e == nil || e.ptr == nil {
		return ErrInvalid.WithOp("fi_writedata")
	}
	status := C.fi_writedata(e.ptr, buf, C.size_t(length), desc, C.uint64_t(data),
		C.memxchg_addr_unspec(), C.uint64_t(addr), C.uint64_t(key), ctx)
	return ErrorFromStatus(int(status), "fi_writedata")
}

// PassiveEndpoint wraps a listening fid_pep.
type PassiveEndpoint struct {
	ptr *C.struct_fid_pep
}

// OpenPassiveEndpoint opens a passive endpoint bound to the entry's source address.
func OpenPassiveEndpoint(fabric *Fabric, entry InfoEntry) (*PassiveEndpoint, error) {
	if fabric == nil || fabric.ptr == nil || entry.ptr == nil {
		return nil, ErrInvalid.WithOp("fi_passive_ep")
	}
	var pep *C.struct_fid_pep
	status := C.fi_passive_ep(fabric.ptr, entry.ptr, &pep, nil)
	if err := ErrorFromStatus(int(status), "fi_passive_ep"); err != nil {
		return nil, err
	}
	return &PassiveEndpoint{ptr: pep}, nil
}

func (p *PassiveEndpoint) Close() error {
	if p == nil || p.ptr == nil {
		return nil
	}
	err := closeFid(unsafe.Pointer(p.ptr), "pep")
	p.ptr = nil
	return err
}

func (p *PassiveEndpoint) BindEventQueue(eq *EventQueue) error {
	if p == nil || p.ptr == nil || eq == nil || eq.ptr == nil {
		return ErrInvalid.WithOp("fi_pep_bind")
	}
	status := C.fi_pep_bind(p.ptr, (*C.struct_fid)(unsafe.Pointer(eq.ptr)), 0)
	return ErrorFromStatus(int(status), "fi_pep_bind")
}

func (p *PassiveEndpoint) Listen() error {
	if p == nil || p.ptr == nil {
		return ErrInvalid.WithOp("fi_listen")
	}
	return ErrorFromStatus(int(C.fi_listen(p.ptr)), "fi_listen")
}

// Reject refuses the connection request identified by the event's info.
func (p *PassiveEndpoint) Reject(entry InfoEntry) error {
	if p == nil || p.ptr == nil || entry.ptr == nil {
		return ErrInvalid.WithOp("fi_reject")
	}
	status := C.fi_reject(p.ptr, entry.ptr.handle, nil, 0)
	return ErrorFromStatus(int(status), "fi_reject")
}

// Name returns the provider address the endpoint listens on.
func (p *PassiveEndpoint) Name() ([]byte, error) {
	if p == nil || p.ptr == nil {
		return nil, ErrInvalid.WithOp("fi_getname")
	}
	size := C.size_t(128)
	for attempt := 0; attempt < 4; attempt++ {
		buf := C.malloc(size)
		if buf == nil {
			return nil, ErrNoMemory.WithOp("fi_getname")
		}
		n := size
		status := C.fi_getname((*C.struct_fid)(unsafe.Pointer(p.ptr)), buf, &n)
		if status == 0 {
			out := C.GoBytes(buf, C.int(n))
			C.free(buf)
			return out, nil
		}
		C.free(buf)
		if status != -C.int(C.FI_ETOOSMALL) {
			return nil, ErrorFromStatus(int(status), "fi_getname")
		}
		size = n
	}
	return nil, ErrNoSpace.WithOp("fi_getname")
}
