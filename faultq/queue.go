// Package faultq maps the shared fault notification ring written by an
// external fault-management subsystem and consumes it as a trigger source.
package faultq

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/gofrs/flock"
	"go.uber.org/multierr"
)

// Ring geometry, matching the producer's C layout:
//
//	struct fault_task { void *fault_va; int processed; };  // 16 bytes
//	struct fault_queue { struct fault_task buffer[32]; volatile int head, tail; };
const (
	Capacity   = 32
	SlotSize   = 16
	headOffset = Capacity * SlotSize
	tailOffset = headOffset + 4
	// Size is the byte size of the mapped region.
	Size = tailOffset + 4

	processedOffset = 8
)

// DefaultDevicePath is the character device exposing the ring.
const DefaultDevicePath = "/dev/fault_queue"

var (
	// ErrQueueFull is returned by Producer.Push when advancing head would reach tail.
	ErrQueueFull = errors.New("faultq: queue full")
	// ErrConsumerActive is returned when another process holds the consumer lock.
	ErrConsumerActive = errors.New("faultq: another consumer holds the queue")
	// ErrCorrupt reports head or tail outside the ring.
	ErrCorrupt = errors.New("faultq: index out of range")
)

// Task is one fault descriptor observed in the ring.
type Task struct {
	Slot    int
	FaultVA uint64
}

// Queue is a view over the ring memory. Every index and flag access is an
// atomic load or store, which orders it against the other side's accesses.
type Queue struct {
	mem   []byte
	path  string
	file  *os.File
	lock  *flock.Flock
	unmap func([]byte) error
}

// NewQueue wraps mem, which must be at least Size bytes and 8-byte aligned.
func NewQueue(mem []byte) (*Queue, error) {
	if len(mem) < Size {
		return nil, fmt.Errorf("faultq: region is %d bytes, need %d", len(mem), Size)
	}
	if uintptr(unsafe.Pointer(&mem[0]))%8 != 0 {
		return nil, errors.New("faultq: region is not 8-byte aligned")
	}
	return &Queue{mem: mem}, nil
}

// Path returns the backing path, empty for in-memory queues.
func (q *Queue) Path() string { return q.path }

func (q *Queue) int32At(off int) *int32 {
	return (*int32)(unsafe.Pointer(&q.mem[off]))
}

func (q *Queue) uint64At(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&q.mem[off]))
}

// Head returns the producer index.
func (q *Queue) Head() int32 { return atomic.LoadInt32(q.int32At(headOffset)) }

// Tail returns the consumer index.
func (q *Queue) Tail() int32 { return atomic.LoadInt32(q.int32At(tailOffset)) }

func (q *Queue) setHead(v int32) { atomic.StoreInt32(q.int32At(headOffset), v) }
func (q *Queue) setTail(v int32) { atomic.StoreInt32(q.int32At(tailOffset), v) }

// FaultVA returns the fault address stored in slot.
func (q *Queue) FaultVA(slot int) uint64 {
	return atomic.LoadUint64(q.uint64At(slot * SlotSize))
}

// Processed reports the slot's processed flag.
func (q *Queue) Processed(slot int) bool {
	return atomic.LoadInt32(q.int32At(slot*SlotSize+processedOffset)) != 0
}

func (q *Queue) markProcessed(slot int) {
	atomic.StoreInt32(q.int32At(slot*SlotSize+processedOffset), 1)
}

func (q *Queue) writeSlot(slot int, va uint64) {
	atomic.StoreUint64(q.uint64At(slot*SlotSize), va)
	atomic.StoreInt32(q.int32At(slot*SlotSize+processedOffset), 0)
}

// Len returns the number of slots between tail and head.
func (q *Queue) Len() int {
	return int((q.Head() - q.Tail() + Capacity) % Capacity)
}

func (q *Queue) indices() (head, tail int32, err error) {
	head, tail = q.Head(), q.Tail()
	if head < 0 || head >= Capacity || tail < 0 || tail >= Capacity {
		return head, tail, fmt.Errorf("%w: head=%d tail=%d", ErrCorrupt, head, tail)
	}
	return head, tail, nil
}

// Close unmaps the ring, releases the consumer lock and closes the backing file.
func (q *Queue) Close() error {
	var err error
	if q.unmap != nil && q.mem != nil {
		err = multierr.Append(err, q.unmap(q.mem))
	}
	q.mem = nil
	if q.lock != nil {
		err = multierr.Append(err, q.lock.Close())
	}
	if q.file != nil {
		err = multierr.Append(err, q.file.Close())
	}
	return err
}
