package fi

import (
	"errors"

	"github.com/rocketbitz/memxchg/internal/capi"
)

var (
	// ErrNoCompletion indicates that a bounded completion wait expired.
	ErrNoCompletion = errors.New("libfabric: no completion available")
	// ErrNoEvent indicates that a bounded event wait expired.
	ErrNoEvent = errors.New("libfabric: no event available")
	// ErrUnexpectedEvent indicates a connection event other than the one awaited.
	ErrUnexpectedEvent = errors.New("libfabric: unexpected connection event")
	// ErrKeyTooWide indicates a provider key that does not fit the 32-bit wire field.
	ErrKeyTooWide = errors.New("libfabric: memory key exceeds 32 bits")
)

// Errno re-exports the libfabric errno type for consumers of the fi package.
type Errno = capi.Errno

// ErrInvalidHandle reports use of a closed or missing resource.
type ErrInvalidHandle struct {
	Resource string
}

func (e ErrInvalidHandle) Error() string {
	return "invalid or closed " + e.Resource + " handle"
}

// OpError is a failed operation reported through a completion queue.
type OpError struct {
	Tag         uint64
	Flags       uint64
	Err         Errno
	ProviderErr int
}

func (e *OpError) Error() string {
	return "libfabric: operation failed: " + e.Err.Error()
}

func (e *OpError) Unwrap() error { return e.Err }

func translateErr(err error, sentinel error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, capi.ErrAgain) {
		return sentinel
	}
	return err
}
