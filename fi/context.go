package fi

import (
	"sync"
	"unsafe"

	"github.com/rocketbitz/memxchg/internal/capi"
)

// contextRegistry tracks operation contexts handed to the provider so they
// can be freed when their completion is read or their endpoint is closed.
var contextRegistry sync.Map // uintptr -> *Endpoint

func acquireContext(owner *Endpoint, tag uint64) (unsafe.Pointer, error) {
	ptr := capi.AllocOpContext(tag)
	if ptr == nil {
		return nil, capi.ErrNoMemory.WithOp("op context")
	}
	contextRegistry.Store(uintptr(ptr), owner)
	return ptr, nil
}

// resolveContext returns the tag stored in ptr and frees it. Unknown pointers
// resolve to tag 0 and are left untouched.
func resolveContext(ptr unsafe.Pointer) uint64 {
	if ptr == nil {
		return 0
	}
	if _, ok := contextRegistry.LoadAndDelete(uintptr(ptr)); !ok {
		return 0
	}
	tag := capi.OpContextTag(ptr)
	capi.FreeOpContext(ptr)
	return tag
}

func releaseContext(ptr unsafe.Pointer) {
	if _, ok := contextRegistry.LoadAndDelete(uintptr(ptr)); ok {
		capi.FreeOpContext(ptr)
	}
}

func releaseOwnedContexts(owner *Endpoint) {
	contextRegistry.Range(func(key, value any) bool {
		if value.(*Endpoint) == owner {
			releaseContext(unsafe.Pointer(key.(uintptr)))
		}
		return true
	})
}
