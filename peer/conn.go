package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/rocketbitz/memxchg/exchange"
	fi "github.com/rocketbitz/memxchg/fi"
)

// requestedKeys supplies keys for providers that do not generate their own.
var requestedKeys atomic.Uint64

// Conn is one established connection. It implements exchange.Transport,
// exchange.Registrar and io.Closer.
type Conn struct {
	cfg Config

	// mu guards the handles below; posts and waits hold it shared, Close exclusively.
	mu      sync.RWMutex
	closed  bool
	fabric  *fi.Fabric
	domain  *fi.Domain
	cq      *fi.CompletionQueue
	eq      *fi.EventQueue
	ep      *fi.Endpoint
	regions []*fi.MemoryRegion

	ownFabric bool
	info      fi.Info
}

// Info describes the provider the connection runs on.
func (c *Conn) Info() fi.Info {
	return c.info
}

// RegisterMemory registers buf with the connection's domain for sends,
// receives and remote writes by the peer. buf must live outside the Go heap.
func (c *Conn) RegisterMemory(buf []byte) (*exchange.MemoryRegion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, exchange.ErrClosed
	}
	mr, err := c.domain.RegisterMemory(buf, requestedKeys.Add(1))
	if err != nil {
		return nil, &exchange.SetupError{Op: "register_memory", Err: err}
	}
	c.regions = append(c.regions, mr)
	key := mr.Key()
	c.cfg.debugw("registered", "bytes", exchange.FormatBufferSize(len(buf)), "key", key)
	return exchange.NewMemoryRegion(buf, key, uint32(key), mr), nil
}

func fabricRegion(region *exchange.MemoryRegion) (*fi.MemoryRegion, error) {
	if region == nil {
		return nil, exchange.ErrNotRegistered
	}
	mr, ok := region.Handle().(*fi.MemoryRegion)
	if !ok {
		return nil, fmt.Errorf("peer: region not registered with this transport")
	}
	return mr, nil
}

func (c *Conn) withEndpoint(fn func(ep *fi.Endpoint) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return exchange.ErrClosed
	}
	return fn(c.ep)
}

func spanOf(region *exchange.MemoryRegion, length int) ([]byte, error) {
	buf := region.Bytes()
	if length < 0 || length > len(buf) {
		return nil, exchange.ErrPayloadTooLarge
	}
	return buf[:length], nil
}

// PostSend sends the first length bytes of region.
func (c *Conn) PostSend(tag uint64, region *exchange.MemoryRegion, length int) error {
	mr, err := fabricRegion(region)
	if err != nil {
		return err
	}
	buf, err := spanOf(region, length)
	if err != nil {
		return err
	}
	return c.withEndpoint(func(ep *fi.Endpoint) error {
		return ep.PostSend(tag, mr, buf)
	})
}

// PostRecv posts the first length bytes of region for the next inbound
// message or signalled remote write.
func (c *Conn) PostRecv(tag uint64, region *exchange.MemoryRegion, length int) error {
	mr, err := fabricRegion(region)
	if err != nil {
		return err
	}
	buf, err := spanOf(region, length)
	if err != nil {
		return err
	}
	return c.withEndpoint(func(ep *fi.Endpoint) error {
		return ep.PostRecv(tag, mr, buf)
	})
}

// PostWriteSignal writes the first length bytes of region into the peer's
// region and raises signal as remote completion data.
func (c *Conn) PostWriteSignal(tag uint64, region *exchange.MemoryRegion, length int, peer exchange.PeerDescriptor, signal uint32) error {
	mr, err := fabricRegion(region)
	if err != nil {
		return err
	}
	buf, err := spanOf(region, length)
	if err != nil {
		return err
	}
	var addr uint64
	if c.info.VirtualAddressing() {
		addr = peer.RemoteAddress
	}
	return c.withEndpoint(func(ep *fi.Endpoint) error {
		return ep.PostWriteData(tag, mr, buf, addr, uint64(peer.RemoteKey), uint64(signal))
	})
}

// WaitCompletion blocks for the next completion. The completion queue is read
// in short slices so that ctx and Close are observed promptly.
func (c *Conn) WaitCompletion(ctx context.Context, timeout time.Duration) (exchange.Completion, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if err := ctx.Err(); err != nil {
			return exchange.Completion{}, err
		}
		slice := pollSlice
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return exchange.Completion{}, exchange.ErrNoCompletion
			}
			if remaining < slice {
				slice = remaining
			}
		}
		comp, err := c.readCompletion(slice)
		if errors.Is(err, fi.ErrNoCompletion) {
			continue
		}
		return comp, err
	}
}

func (c *Conn) readCompletion(timeout time.Duration) (exchange.Completion, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return exchange.Completion{}, exchange.ErrClosed
	}
	raw, err := c.cq.Read(timeout)
	var opErr *fi.OpError
	if errors.As(err, &opErr) {
		comp := toCompletion(raw)
		comp.Status = int(opErr.Err)
		comp.Err = opErr
		return comp, nil
	}
	if err != nil {
		return exchange.Completion{}, err
	}
	return toCompletion(raw), nil
}

func toCompletion(raw fi.Completion) exchange.Completion {
	comp := exchange.Completion{Tag: raw.Tag, Length: int(raw.Len)}
	switch {
	case raw.HasData():
		comp.Opcode = exchange.OpRemoteWrite
		comp.Data = uint32(raw.Data)
		comp.HasData = true
	case raw.Flags&fi.FlagRecv != 0:
		comp.Opcode = exchange.OpRecv
	case raw.Flags&fi.FlagSend != 0:
		comp.Opcode = exchange.OpSend
	case raw.Flags&fi.FlagWrite != 0:
		comp.Opcode = exchange.OpWrite
	}
	return comp
}

// Close shuts the connection down and releases its registrations and queues.
// Regions handed out by RegisterMemory become unusable.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var err error
	err = multierr.Append(err, c.ep.Close())
	for _, mr := range c.regions {
		err = multierr.Append(err, mr.Close())
	}
	c.regions = nil
	err = multierr.Append(err, c.cq.Close())
	err = multierr.Append(err, c.eq.Close())
	if c.ownFabric {
		err = multierr.Append(err, c.domain.Close())
		err = multierr.Append(err, c.fabric.Close())
	}
	c.cfg.debugw("closed", "error", err)
	return err
}
