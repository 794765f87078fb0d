package peer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/rocketbitz/memxchg/exchange"
	fi "github.com/rocketbitz/memxchg/fi"
)

// Listener accepts connections on a passive endpoint. Accepted connections
// share its fabric and domain, so they must be closed before the listener.
type Listener struct {
	cfg    Config
	closed atomic.Bool
	// mu serialises event queue reads with Close.
	mu     sync.Mutex
	fabric *fi.Fabric
	domain *fi.Domain
	eq     *fi.EventQueue
	pep    *fi.PassiveEndpoint
	info   fi.Info
}

// Listen binds a passive endpoint to cfg.Node:cfg.Service.
func Listen(cfg Config) (*Listener, error) {
	if err := cfg.validate(false); err != nil {
		return nil, setupErr("listen", err)
	}
	opts := []fi.DiscoverOption{fi.WithService(cfg.Service), fi.Passive()}
	if cfg.Node != "" {
		opts = append(opts, fi.WithNode(cfg.Node))
	}
	if cfg.Provider != "" {
		opts = append(opts, fi.WithProvider(cfg.Provider))
	}
	discovery, err := fi.DiscoverMsg(opts...)
	if err != nil {
		return nil, setupErr("discover", err)
	}
	defer discovery.Close()
	desc := discovery.Descriptors()[0]

	l := &Listener{cfg: cfg, info: desc.Info()}
	fail := func(op string, err error) (*Listener, error) {
		_ = l.Close()
		return nil, setupErr(op, err)
	}
	if l.fabric, err = desc.OpenFabric(); err != nil {
		return fail("open_fabric", err)
	}
	if l.domain, err = desc.OpenDomain(l.fabric); err != nil {
		return fail("open_domain", err)
	}
	if l.eq, err = l.fabric.OpenEventQueue(4); err != nil {
		return fail("open_eq", err)
	}
	if l.pep, err = desc.Listen(l.fabric, l.eq); err != nil {
		return fail("listen", err)
	}
	cfg.debugw("listening", "node", cfg.Node, "service", cfg.Service, "provider", l.info.Provider)
	return l, nil
}

// Info describes the provider the listener runs on.
func (l *Listener) Info() fi.Info {
	return l.info
}

// Addr returns the provider address the listener is bound to.
func (l *Listener) Addr() ([]byte, error) {
	if l.closed.Load() {
		return nil, exchange.ErrClosed
	}
	return l.pep.Name()
}

// Accept waits for one connection request. buf is registered into registry
// first; the connector's descriptor is captured from the request and the
// local descriptor is returned with the acceptance.
func (l *Listener) Accept(ctx context.Context, registry *exchange.Registry, buf []byte) (*Conn, error) {
	if l.closed.Load() {
		return nil, exchange.ErrClosed
	}
	conn := &Conn{cfg: l.cfg, fabric: l.fabric, domain: l.domain, info: l.info}
	fail := func(op string, err error) (*Conn, error) {
		_ = conn.Close()
		return nil, setupErr(op, err)
	}
	var err error
	if conn.cq, err = l.domain.OpenCompletionQueue(l.cfg.QueueDepth); err != nil {
		return fail("open_cq", err)
	}
	if conn.eq, err = l.fabric.OpenEventQueue(4); err != nil {
		return fail("open_eq", err)
	}
	if _, err := registry.RegisterLocal(conn, buf); err != nil {
		return fail("register_local", err)
	}

	req, err := l.awaitRequest(ctx)
	if err != nil {
		return fail("accept", err)
	}
	var payload []byte
	if !l.cfg.InBandDescriptor {
		if _, err := registry.CapturePeerDescriptor(req.Data()); err != nil {
			rejectErr := l.pep.Reject(req)
			return fail("handshake", multierr.Append(err, rejectErr))
		}
		if payload, err = registry.LocalPayload(); err != nil {
			req.Free()
			return fail("handshake", err)
		}
	}
	if conn.ep, err = req.OpenEndpoint(l.domain, conn.cq, conn.eq); err != nil {
		return fail("open_endpoint", err)
	}
	if err := conn.ep.Accept(payload); err != nil {
		return fail("accept", err)
	}
	if _, err := awaitEvent(ctx, conn.eq, fi.ConnectionEventConnected, l.cfg.ConnectTimeout); err != nil {
		return fail("accept", err)
	}
	l.cfg.debugw("accepted", "provider", l.info.Provider)
	return conn, nil
}

// awaitRequest waits without a deadline, other than ctx, for the next
// connection request, discarding other events.
func (l *Listener) awaitRequest(ctx context.Context) (*fi.ConnectionEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ev, err := l.readEvent()
		if errors.Is(err, fi.ErrNoEvent) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if ev.Type() == fi.ConnectionEventConnReq {
			return ev, nil
		}
		l.cfg.debugw("ignored_event", "type", ev.Type().String())
		ev.Free()
	}
}

func (l *Listener) readEvent() (*fi.ConnectionEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed.Load() {
		return nil, exchange.ErrClosed
	}
	return l.eq.ReadCM(pollSlice)
}

// Close stops listening and releases the fabric and domain.
func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var err error
	err = multierr.Append(err, l.pep.Close())
	err = multierr.Append(err, l.eq.Close())
	err = multierr.Append(err, l.domain.Close())
	err = multierr.Append(err, l.fabric.Close())
	return err
}
