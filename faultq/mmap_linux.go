//go:build linux

package faultq

import (
	"fmt"
	"os"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"
)

type openOptions struct {
	consumerLock bool
}

// Option configures Open.
type Option func(*openOptions)

// WithConsumerLock takes an advisory lock on path+".lock" so that a single
// consumer runs against the ring.
func WithConsumerLock() Option {
	return func(o *openOptions) { o.consumerLock = true }
}

// Open maps an existing ring device or file shared read-write.
func Open(path string, opts ...Option) (*Queue, error) {
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}

	var lock *flock.Flock
	if o.consumerLock {
		lock = flock.New(path + ".lock")
		locked, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("faultq: lock %s: %w", path, err)
		}
		if !locked {
			return nil, ErrConsumerActive
		}
	}
	cleanup := func() {
		if lock != nil {
			_ = lock.Close()
		}
	}

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("faultq: open %s: %w", path, err)
	}
	mem, err := unix.Mmap(int(file.Fd()), 0, Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = file.Close()
		cleanup()
		return nil, fmt.Errorf("faultq: mmap %s: %w", path, err)
	}
	return &Queue{mem: mem, path: path, file: file, lock: lock, unmap: unix.Munmap}, nil
}

// Create makes a zeroed ring file at path and maps it. It stands in for the
// device in simulation and tests.
func Create(path string) (*Queue, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("faultq: create %s: %w", path, err)
	}
	cleanup := func() {
		_ = file.Close()
		_ = os.Remove(path)
	}
	if err := file.Truncate(Size); err != nil {
		cleanup()
		return nil, fmt.Errorf("faultq: size %s: %w", path, err)
	}
	mem, err := unix.Mmap(int(file.Fd()), 0, Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("faultq: mmap %s: %w", path, err)
	}
	return &Queue{mem: mem, path: path, file: file, unmap: unix.Munmap}, nil
}
