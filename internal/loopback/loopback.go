// Package loopback provides an in-process reliable connected transport pair
// for exercising the exchange engine without a fabric provider.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rocketbitz/memxchg/exchange"
)

// ErrClosed is returned by operations on a closed endpoint.
var ErrClosed = errors.New("loopback: endpoint closed")

// ErrAccess is reported when a remote write targets memory the peer has not
// registered.
var ErrAccess = errors.New("loopback: remote access error")

const defaultQueueDepth = 256

type link struct {
	mu      sync.Mutex
	nextKey uint32
}

// Endpoint is one side of a connected pair. It implements exchange.Transport
// and exchange.Registrar.
type Endpoint struct {
	name string
	link *link
	peer *Endpoint
	cq   chan exchange.Completion

	mu         sync.Mutex
	closed     bool
	regions    map[uint32]*exchange.MemoryRegion
	recvs      []postedRecv
	unexpected []inbound
	faults     map[exchange.Opcode]error
}

type postedRecv struct {
	tag    uint64
	region *exchange.MemoryRegion
	length int
}

// inbound is a message or immediate-data write that arrived before a receive
// was posted for it.
type inbound struct {
	data    []byte
	length  int
	signal  uint32
	hasData bool
}

// Pair returns two connected endpoints.
func Pair() (*Endpoint, *Endpoint) {
	l := &link{}
	a := newEndpoint("a", l)
	b := newEndpoint("b", l)
	a.peer, b.peer = b, a
	return a, b
}

func newEndpoint(name string, l *link) *Endpoint {
	return &Endpoint{
		name:    name,
		link:    l,
		cq:      make(chan exchange.Completion, defaultQueueDepth),
		regions: make(map[uint32]*exchange.MemoryRegion),
		faults:  make(map[exchange.Opcode]error),
	}
}

func (e *Endpoint) String() string { return "loopback-" + e.name }

// FailNext makes the next local completion of op report err.
func (e *Endpoint) FailNext(op exchange.Opcode, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults[op] = err
}

// Inject queues c on the endpoint's completion queue as if the provider had
// raised it.
func (e *Endpoint) Inject(c exchange.Completion) {
	e.cq <- c
}

// RegisterMemory records buf so the peer may write into it by key.
func (e *Endpoint) RegisterMemory(buf []byte) (*exchange.MemoryRegion, error) {
	if len(buf) == 0 {
		return nil, errors.New("loopback: empty buffer")
	}
	e.link.mu.Lock()
	e.link.nextKey++
	key := e.link.nextKey
	e.link.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	region := exchange.NewMemoryRegion(buf, uint64(key), key, registration{ep: e, key: key})
	e.regions[key] = region
	return region, nil
}

type registration struct {
	ep  *Endpoint
	key uint32
}

func (r registration) Close() error {
	r.ep.mu.Lock()
	defer r.ep.mu.Unlock()
	delete(r.ep.regions, r.key)
	return nil
}

// PostSend delivers region[:length] to the peer's oldest posted receive.
func (e *Endpoint) PostSend(tag uint64, region *exchange.MemoryRegion, length int) error {
	if err := e.checkPost(region, length); err != nil {
		return err
	}
	data := append([]byte(nil), region.Bytes()[:length]...)
	if err := e.peer.deliver(inbound{data: data, length: length}); err != nil {
		return err
	}
	e.complete(exchange.Completion{Tag: tag, Opcode: exchange.OpSend, Length: length})
	return nil
}

// PostRecv posts region[:length] for the next inbound message.
func (e *Endpoint) PostRecv(tag uint64, region *exchange.MemoryRegion, length int) error {
	if err := e.checkPost(region, length); err != nil {
		return err
	}
	e.mu.Lock()
	if len(e.unexpected) > 0 {
		in := e.unexpected[0]
		e.unexpected = e.unexpected[1:]
		e.mu.Unlock()
		e.land(postedRecv{tag: tag, region: region, length: length}, in)
		return nil
	}
	e.recvs = append(e.recvs, postedRecv{tag: tag, region: region, length: length})
	e.mu.Unlock()
	return nil
}

// PostWriteSignal copies region[:length] into the peer's registered memory at
// desc and raises a remote completion carrying signal on the peer.
func (e *Endpoint) PostWriteSignal(tag uint64, region *exchange.MemoryRegion, length int, desc exchange.PeerDescriptor, signal uint32) error {
	if err := e.checkPost(region, length); err != nil {
		return err
	}
	if err := e.peer.writeInto(desc, region.Bytes()[:length]); err != nil {
		e.complete(exchange.Completion{Tag: tag, Opcode: exchange.OpWrite, Status: 1, Err: err})
		return nil
	}
	if err := e.peer.deliver(inbound{length: length, signal: signal, hasData: true}); err != nil {
		return err
	}
	e.complete(exchange.Completion{Tag: tag, Opcode: exchange.OpWrite, Length: length})
	return nil
}

// WaitCompletion returns the next completion in post order.
func (e *Endpoint) WaitCompletion(ctx context.Context, timeout time.Duration) (exchange.Completion, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case c := <-e.cq:
		return c, nil
	case <-expired:
		return exchange.Completion{}, exchange.ErrNoCompletion
	case <-ctx.Done():
		return exchange.Completion{}, ctx.Err()
	}
}

// Close shuts the endpoint. Posts from either side fail afterwards.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.recvs = nil
	e.unexpected = nil
	return nil
}

func (e *Endpoint) checkPost(region *exchange.MemoryRegion, length int) error {
	if region == nil {
		return errors.New("loopback: nil region")
	}
	if length < 0 || length > region.Length {
		return fmt.Errorf("loopback: length %d outside region of %d bytes", length, region.Length)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return nil
}

func (e *Endpoint) deliver(in inbound) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if len(e.recvs) == 0 {
		e.unexpected = append(e.unexpected, in)
		e.mu.Unlock()
		return nil
	}
	r := e.recvs[0]
	e.recvs = e.recvs[1:]
	e.mu.Unlock()
	e.land(r, in)
	return nil
}

func (e *Endpoint) land(r postedRecv, in inbound) {
	if in.hasData {
		e.complete(exchange.Completion{
			Tag:     r.tag,
			Opcode:  exchange.OpRemoteWrite,
			Length:  in.length,
			Data:    in.signal,
			HasData: true,
		})
		return
	}
	n := copy(r.region.Bytes()[:r.length], in.data)
	e.complete(exchange.Completion{Tag: r.tag, Opcode: exchange.OpRecv, Length: n})
}

func (e *Endpoint) writeInto(desc exchange.PeerDescriptor, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	region, ok := e.regions[desc.RemoteKey]
	if !ok {
		return fmt.Errorf("%w: unknown key %d", ErrAccess, desc.RemoteKey)
	}
	off := int(desc.RemoteAddress) - int(region.Base)
	if off < 0 || off+len(data) > region.Length {
		return fmt.Errorf("%w: [%#x, +%d) outside region", ErrAccess, desc.RemoteAddress, len(data))
	}
	copy(region.Bytes()[off:], data)
	return nil
}

func (e *Endpoint) complete(c exchange.Completion) {
	e.mu.Lock()
	if err, ok := e.faults[c.Opcode]; ok {
		delete(e.faults, c.Opcode)
		c.Err = err
		c.Status = 1
	}
	e.mu.Unlock()
	e.cq <- c
}
