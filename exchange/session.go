package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// Session owns one connection's registry, dispatcher and arbiter. All
// exchange state lives here rather than in process globals.
type Session struct {
	id         string
	cfg        Config
	registry   *Registry
	transport  Transport
	dispatcher *Dispatcher
	arbiter    *Arbiter
	tel        telemetry

	closeOnce sync.Once
	closeErr  error
}

// NewSession wires a dispatcher and arbiter over transport. The registry must
// already hold the local region; the peer descriptor may be captured later,
// either from connection private data or with ExchangeDescriptors.
func NewSession(cfg Config, registry *Registry, transport Transport) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if registry == nil {
		return nil, errors.New("exchange: session requires a registry")
	}
	if registry.Local() == nil {
		return nil, ErrNotRegistered
	}
	dispatcher, err := NewDispatcher(cfg, registry, transport)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	dispatcher.setSession(id)

	arbiter := NewArbiter(cfg, dispatcher)
	arbiter.tel = arbiter.tel.withSession(id)

	s := &Session{
		id:         id,
		cfg:        cfg,
		registry:   registry,
		transport:  transport,
		dispatcher: dispatcher,
		arbiter:    arbiter,
		tel:        newTelemetry("session", cfg).withSession(id),
	}
	s.tel.logEvent("open",
		logKV("mode", cfg.Mode),
		logKV("layout", registry.Layout()),
		logKV("buffer", FormatBufferSize(registry.Local().Length)),
	)
	arbiter.Start()
	return s, nil
}

// ID returns the session identifier used in logs, spans and metric labels.
func (s *Session) ID() string { return s.id }

// Config returns the validated configuration.
func (s *Session) Config() Config { return s.cfg }

// Registry returns the session's memory registry.
func (s *Session) Registry() *Registry { return s.registry }

// Dispatcher returns the session's dispatcher.
func (s *Session) Dispatcher() *Dispatcher { return s.dispatcher }

// Arbiter returns the session's trigger arbiter.
func (s *Session) Arbiter() *Arbiter { return s.arbiter }

// Err returns the fatal error latched by the session, if any.
func (s *Session) Err() error { return s.dispatcher.Err() }

// ExchangeDescriptors swaps descriptors as the first message on the
// connection, for transports without connection private data. Both sides call
// it before any exchange.
func (s *Session) ExchangeDescriptors(ctx context.Context) (PeerDescriptor, error) {
	ctx = ensureContext(ctx)
	if desc, ok := s.registry.Peer(); ok {
		return desc, nil
	}
	local := s.registry.Local()
	payload, err := s.registry.LocalPayload()
	if err != nil {
		return PeerDescriptor{}, err
	}
	// The receive lands in the tail of the local buffer so the send can use
	// the head; both fit in the handshake maximum.
	if local.Length < 2*MaxHandshakePayload {
		return PeerDescriptor{}, &SetupError{Op: "descriptor_exchange", Err: fmt.Errorf("buffer too small: %d", local.Length)}
	}
	buf := local.Bytes()
	sendView := NewMemoryRegion(buf[:MaxHandshakePayload], local.LocalKey, local.RemoteKey, local.Handle())
	recvView := NewMemoryRegion(buf[MaxHandshakePayload:2*MaxHandshakePayload], local.LocalKey, local.RemoteKey, local.Handle())
	clear(buf[:2*MaxHandshakePayload])
	copy(buf, payload)

	recvTag := makeTag(0, tagRecv)
	sendTag := makeTag(0, tagSend)
	if err := s.transport.PostRecv(recvTag, recvView, MaxHandshakePayload); err != nil {
		return PeerDescriptor{}, &SetupError{Op: "descriptor_exchange", Err: err}
	}
	if err := s.transport.PostSend(sendTag, sendView, len(payload)); err != nil {
		return PeerDescriptor{}, &SetupError{Op: "descriptor_exchange", Err: err}
	}

	var raw []byte
	for sent, received := false, false; !sent || !received; {
		c, err := s.dispatcher.poller.PollOne(ctx)
		if err != nil {
			return PeerDescriptor{}, &SetupError{Op: "descriptor_exchange", Err: err}
		}
		switch {
		case c.Tag == sendTag && c.Opcode == OpSend:
			sent = true
		case c.Tag == recvTag && c.Opcode == OpRecv:
			received = true
			n := clampLength(c.Length, MaxHandshakePayload)
			raw = append([]byte(nil), buf[MaxHandshakePayload:MaxHandshakePayload+n]...)
		default:
			return PeerDescriptor{}, &SetupError{Op: "descriptor_exchange", Err: fmt.Errorf("%w: %s tag=%d", ErrUnmatchedCompletion, c.Opcode, c.Tag)}
		}
	}
	clear(buf[:2*MaxHandshakePayload])

	desc, err := s.registry.CapturePeerDescriptor(raw)
	if err != nil {
		return PeerDescriptor{}, err
	}
	s.tel.logEvent("peer_descriptor", logKV("peer", desc))
	return desc, nil
}

// Trigger runs one exchange from the manual source and waits for the reply.
func (s *Session) Trigger(ctx context.Context, payload []byte) (Result, error) {
	return s.arbiter.Trigger(ctx, payload)
}

// TryTrigger runs one exchange from an asynchronous source unless a dispatch
// is already in progress. It reports whether the trigger was accepted.
func (s *Session) TryTrigger(source TriggerSource, payload []byte) bool {
	return s.arbiter.TryTrigger(source, payload)
}

// Serve answers requests from the peer with handler until ctx ends or an
// exchange fails fatally. It returns nil when ctx is cancelled.
func (s *Session) Serve(ctx context.Context, handler Handler) error {
	ctx = ensureContext(ctx)
	s.tel.logEvent("serve", logKV("mode", s.dispatcher.Mode()))
	for {
		if err := s.dispatcher.Respond(ctx, handler); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if IsFatal(err) {
				return err
			}
			s.tel.logEvent("respond_error", logKV("error", err))
		}
	}
}

// Close stops the arbiter, deregisters the local buffer and closes the
// transport when it is closable. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		var err error
		err = multierr.Append(err, s.arbiter.Close())
		if closer, ok := s.transport.(io.Closer); ok {
			err = multierr.Append(err, closer.Close())
		}
		err = multierr.Append(err, s.registry.Close())
		err = multierr.Append(err, s.cfg.Profiler.Close())
		s.tel.logEvent("close", logKV("error", err), logKV("stats", s.dispatcher.Stats()))
		s.closeErr = err
	})
	return s.closeErr
}
