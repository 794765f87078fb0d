//go:build cgo

package capi

import "fmt"

/*
#cgo pkg-config: libfabric
#include <rdma/fabric.h>

static inline uint32_t memxchg_fi_version(unsigned int major, unsigned int minor) {
    return FI_VERSION(major, minor);
}

static inline unsigned int memxchg_fi_major(uint32_t v) { return FI_MAJOR(v); }
static inline unsigned int memxchg_fi_minor(uint32_t v) { return FI_MINOR(v); }
*/
import "C"

// Version represents a libfabric API version.
type Version struct {
	Major uint
	Minor uint
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

func (v Version) encode() C.uint32_t {
	return C.memxchg_fi_version(C.uint(v.Major), C.uint(v.Minor))
}

func decodeVersion(raw C.uint32_t) Version {
	return Version{Major: uint(C.memxchg_fi_major(raw)), Minor: uint(C.memxchg_fi_minor(raw))}
}

// RuntimeVersion reports the version of the linked libfabric library.
func RuntimeVersion() Version {
	return decodeVersion(C.uint32_t(C.fi_version()))
}

// BuildVersion reports the version of the headers used at compile time.
func BuildVersion() Version {
	return Version{Major: uint(C.FI_MAJOR_VERSION), Minor: uint(C.FI_MINOR_VERSION)}
}

// CheckRuntime fails when the linked library is from a different major
// release, or an older minor release, than the headers.
func CheckRuntime() error {
	build, runtime := BuildVersion(), RuntimeVersion()
	if runtime.Major != build.Major || runtime.Minor < build.Minor {
		return fmt.Errorf("libfabric runtime %s incompatible with headers %s", runtime, build)
	}
	return nil
}
