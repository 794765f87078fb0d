//go:build linux

package exchange

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Buffer is anonymous memory mapped outside the Go heap, suitable for
// registration with a remote-memory transport.
type Buffer struct {
	data []byte
	huge bool
}

// AllocBuffer maps size bytes of zeroed anonymous memory. When hugePages is
// set it first tries MAP_HUGETLB and falls back to regular pages.
func AllocBuffer(size int, hugePages bool) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("exchange: invalid buffer size %d", size)
	}
	const prot = unix.PROT_READ | unix.PROT_WRITE
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	if hugePages {
		data, err := unix.Mmap(-1, 0, size, prot, flags|unix.MAP_HUGETLB)
		if err == nil {
			return &Buffer{data: data, huge: true}, nil
		}
	}
	data, err := unix.Mmap(-1, 0, size, prot, flags)
	if err != nil {
		return nil, fmt.Errorf("exchange: mmap %s: %w", FormatBufferSize(size), err)
	}
	return &Buffer{data: data}, nil
}

// Bytes returns the mapped memory.
func (b *Buffer) Bytes() []byte { return b.data }

// HugePages reports whether the mapping is backed by huge pages.
func (b *Buffer) HugePages() bool { return b.huge }

// Close unmaps the memory. The slice must not be used afterwards.
func (b *Buffer) Close() error {
	if b == nil || b.data == nil {
		return nil
	}
	err := unix.Munmap(b.data)
	b.data = nil
	return err
}
