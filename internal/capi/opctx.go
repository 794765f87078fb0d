//go:build cgo

package capi

import "unsafe"

/*
#cgo pkg-config: libfabric
#include <stdlib.h>
#include <stdint.h>
#include <rdma/fabric.h>

struct memxchg_op_ctx {
    struct fi_context2 fi;
    uint64_t tag;
};

static inline void *memxchg_op_ctx_alloc(uint64_t tag) {
    struct memxchg_op_ctx *c = calloc(1, sizeof(*c));
    if (c != NULL) {
        c->tag = tag;
    }
    return c;
}

static inline uint64_t memxchg_op_ctx_tag(void *p) {
    return ((struct memxchg_op_ctx *)p)->tag;
}
*/
import "C"

// AllocOpContext allocates provider scratch space for one posted operation
// and records tag in it. The context must stay alive until the operation's
// completion has been read and is then released with FreeOpContext.
func AllocOpContext(tag uint64) unsafe.Pointer {
	return C.memxchg_op_ctx_alloc(C.uint64_t(tag))
}

// OpContextTag returns the tag recorded by AllocOpContext.
func OpContextTag(ctx unsafe.Pointer) uint64 {
	if ctx == nil {
		return 0
	}
	return uint64(C.memxchg_op_ctx_tag(ctx))
}

// FreeOpContext releases a context from AllocOpContext.
func FreeOpContext(ctx unsafe.Pointer) {
	if ctx != nil {
		C.free(ctx)
	}
}
