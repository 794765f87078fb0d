//go:build cgo

package capi

import "unsafe"

/*
#cgo pkg-config: libfabric
#include <stdlib.h>
#include <rdma/fabric.h>
#include <rdma/fi_domain.h>
*/
import "C"

// EndpointType mirrors enum fi_ep_type.
type EndpointType int

const (
	EndpointTypeUnspec EndpointType = EndpointType(C.FI_EP_UNSPEC)
	EndpointTypeMsg    EndpointType = EndpointType(C.FI_EP_MSG)
)

func (e EndpointType) String() string {
	switch e {
	case EndpointTypeUnspec:
		return "unspec"
	case EndpointTypeMsg:
		return "msg"
	default:
		return "other"
	}
}

// Capability and mode bits requested by the exchange transport.
const (
	CapMsg           = uint64(C.FI_MSG)
	CapRMA           = uint64(C.FI_RMA)
	CapWrite         = uint64(C.FI_WRITE)
	CapRemoteWrite   = uint64(C.FI_REMOTE_WRITE)
	ModeContext      = uint64(C.FI_CONTEXT)
	ModeContext2     = uint64(C.FI_CONTEXT2)
	ModeRxCQData     = uint64(C.FI_RX_CQ_DATA)
	FlagSource       = uint64(C.FI_SOURCE)
	FlagRemoteCQData = uint64(C.FI_REMOTE_CQ_DATA)
)
	CapRMA          = uint64(C.FI_RMA)
	CapWrite        = uint64(C.FI_WRITE)
	CapRemoteWrite  = uint64(C.FI_REMOTE_WRITE)
	ModeContext     = uint64(C.FI_CONTEXT)
	ModeContext2    = uint64(C.FI_CONTEXT2)
	ModeRxCQData    = uint64(C.FI_RX_CQ_DATA)
	FlagSource      = uint64(C.FI_SOURCE)
	FlagRemoteCQData = uint64(C.FI_REMOTE_CQ_DATA)
)

// Memory registration mode bits reported in the domain attributes.
const (
	MRModeLocal     = uint64(C.FI_MR_LOCAL)
	MRModeVirtAddr  = uint64(C.FI_MR_VIRT_ADDR)
	MRModeAllocated = uint64(C.FI_MR_ALLOCATED)
	MRModeProvKey   = uint64(C.FI_MR_PROV_KEY)
	MRModeEndpoint  = uint64(C.FI_MR_ENDPOINT)
)

// Info is an fi_info list. Lists returned by GetInfo and AllocInfo own their
// allocation and must be released with Free.
type Info struct {
	ptr  *C.struct_fi_info
	owns bool
}

// AllocInfo allocates an empty fi_info for use as discovery hints.
func AllocInfo() *Info {
	return &Info{ptr: C.fi_allocinfo(), owns: true}
}

// GetInfo wraps fi_getinfo.
func GetInfo(ver Version, node, service string, flags uint64, hints *Info) (*Info, error) {
	var cNode, cService *C.char
	if node != "" {
		cNode = C.CString(node)
		defer C.free(unsafe.Pointer(cNode))
	}
	if service != "" {
		cService = C.CString(service)
		defer C.free(unsafe.Pointer(cService))
	}
	var hintPtr *C.struct_fi_info
	if hints != nil {
		hintPtr = hints.ptr
	}
	var out *C.struct_fi_info
	status := C.fi_getinfo(ver.encode(), cNode, cService, C.uint64_t(flags), hintPtr, &out)
	if err := ErrorFromStatus(int(status), "fi_getinfo"); err != nil {
		return nil, err
	}
	return &Info{ptr: out, owns: true}, nil
}

// SetProvider restricts discovery to the named provider.
func (i *Info) SetProvider(name string) {
	if i == nil || i.ptr == nil || i.ptr.fabric_attr == nil {
		return
	}
	attr := i.ptr.fabric_attr
	if attr.prov_name != nil {
		C.free(unsafe.Pointer(attr.prov_name))
		attr.prov_name = nil
	}
	if name != "" {
		attr.prov_name = C.CString(name)
	}
}

// SetCaps assigns the requested capability mask.
func (i *Info) SetCaps(caps uint64) {
	if i == nil || i.ptr == nil {
		return
	}
	i.ptr.caps = C.uint64_t(caps)
}

// SetMode assigns the modes the caller is prepared to honour.
func (i *Info) SetMode(mode uint64) {
	if i == nil || i.ptr == nil {
		return
	}
	i.ptr.mode = C.uint64_t(mode)
}

// SetEndpointType sets the endpoint type hint.
func (i *Info) SetEndpointType(ep EndpointType) {
	if i == nil || i.ptr == nil || i.ptr.ep_attr == nil {
		return
	}
	i.ptr.ep_attr._type = C.enum_fi_ep_type(ep)
}

// SetMRMode declares the registration modes the caller supports.
func (i *Info) SetMRMode(mode uint64) {
	if i == nil || i.ptr == nil || i.ptr.domain_attr == nil {
		return
	}
	i.ptr.domain_attr.mr_mode = C.int(mode)
}

// Free releases the list when this Info owns it.
func (i *Info) Free() {
	if i == nil || i.ptr == nil || !i.owns {
		return
	}
	C.fi_freeinfo(i.ptr)
	i.ptr = nil
	i.owns = false
}

// Entries returns the nodes of the list in provider preference order.
func (i *Info) Entries() []InfoEntry {
	if i == nil || i.ptr == nil {
		return nil
	}
	var entries []InfoEntry
	for cur := i.ptr; cur != nil; cur = cur.next {
		entries = append(entries, InfoEntry{ptr: cur})
	}
	return entries
}

// InfoEntry is a read-only view of one fi_info node.
type InfoEntry struct {
	ptr *C.struct_fi_info
}

// Valid reports whether the entry refers to an fi_info node.
func (e InfoEntry) Valid() bool { return e.ptr != nil }

// ProviderName returns the provider string.
func (e InfoEntry) ProviderName() string {
	if e.ptr == nil || e.ptr.fabric_attr == nil || e.ptr.fabric_attr.prov_name == nil {
		return ""
	}
	return C.GoString(e.ptr.fabric_attr.prov_name)
}

// FabricName returns the fabric name.
func (e InfoEntry) FabricName() string {
	if e.ptr == nil || e.ptr.fabric_attr == nil || e.ptr.fabric_attr.name == nil {
		return ""
	}
	return C.GoString(e.ptr.fabric_attr.name)
}

// DomainName returns the domain name.
func (e InfoEntry) DomainName() string {
	if e.ptr == nil || e.ptr.domain_attr == nil || e.ptr.domain_attr.name == nil {
		return ""
	}
	return C.GoString(e.ptr.domain_attr.name)
}

func (e InfoEntry) Caps() uint64 {
	if e.ptr == nil {
		return 0
	}
	return uint64(e.ptr.caps)
}

func (e InfoEntry) Mode() uint64 {
	if e.ptr == nil {
		return 0
	}
	return uint64(e.ptr.mode)
}

// EndpointType reports the endpoint type of the entry.
func (e InfoEntry) EndpointType() EndpointType {
	if e.ptr == nil || e.ptr.ep_attr == nil {
		return EndpointTypeUnspec
	}
	return EndpointType(e.ptr.ep_attr._type)
}

// MRMode reports the registration mode bits the domain requires.
func (e InfoEntry) MRMode() uint64 {
	if e.ptr == nil || e.ptr.domain_attr == nil {
		return 0
	}
	return uint64(e.ptr.domain_attr.mr_mode)
}

// MRKeySize reports the width in bytes of registration keys.
func (e InfoEntry) MRKeySize() int {
	if e.ptr == nil || e.ptr.domain_attr == nil {
		return 0
	}
	return int(e.ptr.domain_attr.mr_key_size)
}

// FreeInfo releases a standalone fi_info node such as one delivered with a
// connection request.
func FreeInfo(entry InfoEntry) {
	if entry.ptr == nil {
		return
	}
	C.fi_freeinfo(entry.ptr)
}
