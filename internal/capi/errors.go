//go:build cgo

package capi

import "fmt"

/*
#cgo pkg-config: libfabric
#include <rdma/fi_errno.h>
*/
import "C"

// Errno represents a libfabric error code (positive integral value).
type Errno int32

// Error codes mirrored from <rdma/fi_errno.h> that the connection and
// completion paths inspect directly.
const (
	Success        Errno = Errno(C.FI_SUCCESS)
	ErrAgain       Errno = Errno(C.FI_EAGAIN)
	ErrNoMemory    Errno = Errno(C.FI_ENOMEM)
	ErrNoData      Errno = Errno(C.FI_ENODATA)
	ErrNoSpace     Errno = Errno(C.FI_ENOSPC)
	ErrTimedOut    Errno = Errno(C.FI_ETIMEDOUT)
	ErrConnRefused Errno = Errno(C.FI_ECONNREFUSED)
	ErrConnReset   Errno = Errno(C.FI_ECONNRESET)
	ErrCanceled    Errno = Errno(C.FI_ECANCELED)
	ErrInvalid     Errno = Errno(C.FI_EINVAL)
	ErrTrunc       Errno = Errno(C.FI_ETRUNC)
	ErrUnavailable Errno = Errno(C.FI_EAVAIL)
	ErrNoKey       Errno = Errno(C.FI_ENOKEY)
	ErrOther       Errno = Errno(C.FI_EOTHER)
)

func (e Errno) Error() string {
	if e == Success {
		return "success"
	}
	return C.GoString(C.fi_strerror(C.int(e)))
}

// Temporary reports whether the call may succeed when retried.
func (e Errno) Temporary() bool {
	return e == ErrAgain
}

// WithOp prefixes the error with the libfabric call that produced it.
func (e Errno) WithOp(op string) error {
	if op == "" {
		return e
	}
	return fmt.Errorf("%s: %w", op, e)
}

// ErrorFromStatus converts a libfabric return value into an error. Zero and
// positive values (byte or entry counts) are success.
func ErrorFromStatus(status int, op string) error {
	if status >= 0 {
		return nil
	}
	return Errno(-status).WithOp(op)
}
