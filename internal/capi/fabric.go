//go:build cgo

package capi

import "unsafe"

/*
#cgo pkg-config: libfabric
#include <rdma/fabric.h>
#include <rdma/fi_domain.h>
#include <rdma/fi_eq.h>
*/
import "C"

func closeFid(fid unsafe.Pointer, what string) error {
	if fid == nil {
		return nil
	}
	status := C.fi_close((*C.struct_fid)(fid))
	return ErrorFromStatus(int(status), "fi_close("+what+")")
}

// Fabric wraps a fid_fabric.
type Fabric struct {
	ptr *C.struct_fid_fabric
}

// OpenFabric opens the fabric described by the entry.
func OpenFabric(entry InfoEntry) (*Fabric, error) {
	if entry.ptr == nil || entry.ptr.fabric_attr == nil {
		return nil, ErrInvalid.WithOp("fi_fabric")
	}
	var fabric *C.struct_fid_fabric
	status := C.fi_fabric(entry.ptr.fabric_attr, &fabric, nil)
	if err := ErrorFromStatus(int(status), "fi_fabric"); err != nil {
		return nil, err
	}
	return &Fabric{ptr: fabric}, nil
}

func (f *Fabric) Close() error {
	if f == nil || f.ptr == nil {
		return nil
	}
	err := closeFid(unsafe.Pointer(f.ptr), "fabric")
	f.ptr = nil
	return err
}

// Domain wraps a fid_domain.
type Domain struct {
	ptr *C.struct_fid_domain
}

// OpenDomain opens a domain on the fabric for the entry.
func OpenDomain(fabric *Fabric, entry InfoEntry) (*Domain, error) {
	if fabric == nil || fabric.ptr == nil || entry.ptr == nil {
		return nil, ErrInvalid.WithOp("fi_domain")
	}
	var dom *C.struct_fid_domain
	status := C.fi_domain(fabric.ptr, entry.ptr, &dom, nil)
	if err := ErrorFromStatus(int(status), "fi_domain"); err != nil {
		return nil, err
	}
	return &Domain{ptr: dom}, nil
}

func (d *Domain) Close() error {
	if d == nil || d.ptr == nil {
		return nil
	}
	err := closeFid(unsafe.Pointer(d.ptr), "domain")
	d.ptr = nil
	return err
}
