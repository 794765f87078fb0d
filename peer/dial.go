package peer

import (
	"context"
	"errors"
	"time"

	"github.com/rocketbitz/memxchg/exchange"
	fi "github.com/rocketbitz/memxchg/fi"
)

func setupErr(op string, err error) error {
	var setup *exchange.SetupError
	if errors.As(err, &setup) {
		return err
	}
	return &exchange.SetupError{Op: op, Err: err}
}

// Dial connects to a listener at cfg.Node:cfg.Service. buf is registered into
// registry before connecting so its descriptor can travel with the request;
// the listener's descriptor is captured from the connected event.
func Dial(ctx context.Context, cfg Config, registry *exchange.Registry, buf []byte) (*Conn, error) {
	if err := cfg.validate(true); err != nil {
		return nil, setupErr("dial", err)
	}
	opts := []fi.DiscoverOption{fi.WithNode(cfg.Node), fi.WithService(cfg.Service)}
	if cfg.Provider != "" {
		opts = append(opts, fi.WithProvider(cfg.Provider))
	}
	discovery, err := fi.DiscoverMsg(opts...)
	if err != nil {
		return nil, setupErr("discover", err)
	}
	defer discovery.Close()
	desc := discovery.Descriptors()[0]

	conn := &Conn{cfg: cfg, ownFabric: true, info: desc.Info()}
	fail := func(op string, err error) (*Conn, error) {
		_ = conn.Close()
		return nil, setupErr(op, err)
	}

	if conn.fabric, err = desc.OpenFabric(); err != nil {
		return fail("open_fabric", err)
	}
	if conn.domain, err = desc.OpenDomain(conn.fabric); err != nil {
		return fail("open_domain", err)
	}
	if conn.cq, err = conn.domain.OpenCompletionQueue(cfg.QueueDepth); err != nil {
		return fail("open_cq", err)
	}
	if conn.eq, err = conn.fabric.OpenEventQueue(4); err != nil {
		return fail("open_eq", err)
	}
	if _, err := registry.RegisterLocal(conn, buf); err != nil {
		return fail("register_local", err)
	}
	var payload []byte
	if !cfg.InBandDescriptor {
		if payload, err = registry.LocalPayload(); err != nil {
			return fail("handshake", err)
		}
	}
	if conn.ep, err = desc.OpenEndpoint(conn.domain, conn.cq, conn.eq); err != nil {
		return fail("open_endpoint", err)
	}
	if err := conn.ep.Connect(payload); err != nil {
		return fail("connect", err)
	}
	ev, err := awaitEvent(ctx, conn.eq, fi.ConnectionEventConnected, cfg.ConnectTimeout)
	if err != nil {
		return fail("connect", err)
	}
	if !cfg.InBandDescriptor {
		if _, err := registry.CapturePeerDescriptor(ev.Data()); err != nil {
			return fail("handshake", err)
		}
	}
	cfg.debugw("connected", "node", cfg.Node, "service", cfg.Service, "provider", conn.info.Provider)
	return conn, nil
}

// awaitEvent waits for an event of type want, polling in short slices so ctx
// cancellation is observed.
func awaitEvent(ctx context.Context, eq *fi.EventQueue, want fi.ConnectionEventType, timeout time.Duration) (*fi.ConnectionEvent, error) {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, exchange.ErrTimeout
		}
		ev, err := eq.Expect(want, min(remaining, pollSlice))
		if errors.Is(err, fi.ErrNoEvent) {
			continue
		}
		return ev, err
	}
}
