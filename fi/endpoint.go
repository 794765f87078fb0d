package fi

import (
	"errors"
	"unsafe"

	"github.com/rocketbitz/memxchg/internal/capi"
	"go.uber.org/multierr"
)

// Endpoint is a connected (or connecting) reliable endpoint.
type Endpoint struct {
	handle *capi.Endpoint
}

// OpenEndpoint opens an active endpoint for the descriptor, bound to cq for
// both directions and to eq for connection events.
func (d Descriptor) OpenEndpoint(domain *Domain, cq *CompletionQueue, eq *EventQueue) (*Endpoint, error) {
	return openEndpoint(d.entry, domain, cq, eq)
}

// OpenEndpoint opens the accepting endpoint for a connection request. The
// request's provider resources are consumed.
func (e *ConnectionEvent) OpenEndpoint(domain *Domain, cq *CompletionQueue, eq *EventQueue) (*Endpoint, error) {
	if e == nil || e.cm == nil {
		return nil, errors.New("libfabric: nil connection event")
	}
	ep, err := openEndpoint(e.cm.Info, domain, cq, eq)
	e.Free()
	return ep, err
}

func openEndpoint(entry capi.InfoEntry, domain *Domain, cq *CompletionQueue, eq *EventQueue) (*Endpoint, error) {
	if domain == nil || domain.handle == nil {
		return nil, ErrInvalidHandle{"domain"}
	}
	if cq == nil || cq.handle == nil {
		return nil, ErrInvalidHandle{"completion queue"}
	}
	if eq == nil || eq.handle == nil {
		return nil, ErrInvalidHandle{"event queue"}
	}
	h, err := capi.OpenEndpoint(domain.handle, entry)
	if err != nil {
		return nil, err
	}
	if err := h.BindCompletionQueue(cq.handle, capi.BindTransmit|capi.BindRecv); err != nil {
		return nil, multierr.Append(err, h.Close())
	}
	if err := h.BindEventQueue(eq.handle); err != nil {
		return nil, multierr.Append(err, h.Close())
	}
	if err := h.Enable(); err != nil {
		return nil, multierr.Append(err, h.Close())
	}
	return &Endpoint{handle: h}, nil
}

// Connect requests a connection carrying data as private payload.
func (e *Endpoint) Connect(data []byte) error {
	if e == nil || e.handle == nil {
		return ErrInvalidHandle{"endpoint"}
	}
	return e.handle.Connect(data)
}

// Accept completes a pending request, returning data to the connector.
func (e *Endpoint) Accept(data []byte) error {
	if e == nil || e.handle == nil {
		return ErrInvalidHandle{"endpoint"}
	}
	return e.handle.Accept(data)
}

func (e *Endpoint) post(tag uint64, fn func(ctx unsafe.Pointer) error) error {
	if e == nil || e.handle == nil {
		return ErrInvalidHandle{"endpoint"}
	}
	ctx, err := acquireContext(e, tag)
	if err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		releaseContext(ctx)
		return err
	}
	return nil
}

// span checks that buf lies inside region and returns its address.
func span(region *MemoryRegion, buf []byte) (unsafe.Pointer, uintptr, error) {
	if region == nil || region.handle == nil {
		return nil, 0, ErrInvalidHandle{"memory region"}
	}
	if len(buf) == 0 {
		return nil, 0, nil
	}
	p := unsafe.Pointer(&buf[0])
	lo, hi := uintptr(region.base), uintptr(region.base)+region.length
	if uintptr(p) < lo || uintptr(p)+uintptr(len(buf)) > hi {
		return nil, 0, capi.ErrInvalid.WithOp("buffer outside registered region")
	}
	return p, uintptr(len(buf)), nil
}

// PostSend sends buf, which must lie inside region. Its completion carries tag.
func (e *Endpoint) PostSend(tag uint64, region *MemoryRegion, buf []byte) error {
	p, n, err := span(region, buf)
	if err != nil {
		return err
	}
	return e.post(tag, func(ctx unsafe.Pointer) error {
		return e.handle.Send(p, n, region.desc(), ctx)
	})
}

// PostRecv posts buf, which must lie inside region, for one inbound message
// or one remote write carrying completion data.
func (e *Endpoint) PostRecv(tag uint64, region *MemoryRegion, buf []byte) error {
	p, n, err := span(region, buf)
	if err != nil {
		return err
	}
	return e.post(tag, func(ctx unsafe.Pointer) error {
		return e.handle.Recv(p, n, region.desc(), ctx)
	})
}

// PostWriteData writes buf to the peer region at addr/key and delivers data
// with the peer's completion.
func (e *Endpoint) PostWriteData(tag uint64, region *MemoryRegion, buf []byte, addr, key, data uint64) error {
	p, n, err := span(region, buf)
	if err != nil {
		return err
	}
	return e.post(tag, func(ctx unsafe.Pointer) error {
		return e.handle.WriteData(p, n, region.desc(), data, addr, key, ctx)
	})
}

// Close shuts the connection down and frees contexts of operations that never completed.
func (e *Endpoint) Close() error {
	if e == nil || e.handle == nil {
		return nil
	}
	err := multierr.Append(e.handle.Shutdown(), e.handle.Close())
	e.handle = nil
	releaseOwnedContexts(e)
	return err
}

// PassiveEndpoint listens for connection requests.
type PassiveEndpoint struct {
	handle *capi.PassiveEndpoint
}

// Listen opens a passive endpoint for the descriptor and starts listening,
// reporting requests on eq.
func (d Descriptor) Listen(fabric *Fabric, eq *EventQueue) (*PassiveEndpoint, error) {
	if fabric == nil || fabric.handle == nil {
		return nil, ErrInvalidHandle{"fabric"}
	}
	if eq == nil || eq.handle == nil {
		return nil, ErrInvalidHandle{"event queue"}
	}
	pep, err := capi.OpenPassiveEndpoint(fabric.handle, d.entry)
	if err != nil {
		return nil, err
	}
	if err := pep.BindEventQueue(eq.handle); err != nil {
		return nil, multierr.Append(err, pep.Close())
	}
	if err := pep.Listen(); err != nil {
		return nil, multierr.Append(err, pep.Close())
	}
	return &PassiveEndpoint{handle: pep}, nil
}

// Name returns the provider address the endpoint listens on.
func (p *PassiveEndpoint) Name() ([]byte, error) {
	if p == nil || p.handle == nil {
		return nil, ErrInvalidHandle{"passive endpoint"}
	}
	return p.handle.Name()
}

// Reject refuses a connection request and releases it.
func (p *PassiveEndpoint) Reject(ev *ConnectionEvent) error {
	if p == nil || p.handle == nil {
		return ErrInvalidHandle{"passive endpoint"}
	}
	if ev == nil || ev.cm == nil {
		return nil
	}
	err := p.handle.Reject(ev.cm.Info)
	ev.Free()
	return err
}

func (p *PassiveEndpoint) Close() error {
	if p == nil || p.handle == nil {
		return nil
	}
	err := p.handle.Close()
	p.handle = nil
	return err
}
