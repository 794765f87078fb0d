package exchange

import (
	"context"
	"fmt"
)

// Strategy sequences the posts and completion waits of one wire variant, for
// both the requesting and the responding side.
type Strategy interface {
	Mode() DispatchMode
	Direction() Direction
	// Request issues the request half of x. done reports whether the
	// exchange finished within the call.
	Request(ctx context.Context, d *Dispatcher, x PendingExchange, region *MemoryRegion, length int) (resp []byte, done bool, err error)
	// AwaitReply completes an exchange left pending by Request.
	AwaitReply(ctx context.Context, d *Dispatcher, x PendingExchange, region *MemoryRegion) ([]byte, error)
	// Respond waits for one request from the peer and answers it.
	Respond(ctx context.Context, d *Dispatcher, region *MemoryRegion, handler Handler) error
}

func strategyFor(mode DispatchMode) Strategy {
	if mode == OneSidedWrite {
		return oneSidedStrategy{}
	}
	return twoSidedStrategy{}
}

type twoSidedStrategy struct{}

func (twoSidedStrategy) Mode() DispatchMode   { return TwoSided }
func (twoSidedStrategy) Direction() Direction { return DirectionSend }

func (twoSidedStrategy) Request(ctx context.Context, d *Dispatcher, x PendingExchange, region *MemoryRegion, length int) ([]byte, bool, error) {
	tl := timelineFrom(ctx)
	sendTag := x.Tag
	recvTag := makeTag(x.ID, tagRecv)

	if err := d.transport.PostSend(sendTag, region, length); err != nil {
		return nil, false, fmt.Errorf("post send: %w", err)
	}
	tl.Mark(PhasePostSend)
	if _, err := d.poller.Expect(ctx, sendTag, OpSend); err != nil {
		return nil, false, err
	}
	tl.Mark(PhaseWaitSend)

	if err := d.transport.PostRecv(recvTag, region, region.Length); err != nil {
		return nil, false, fmt.Errorf("post recv: %w", err)
	}
	tl.Mark(PhasePostRecv)
	c, err := d.poller.Expect(ctx, recvTag, OpRecv)
	if err != nil {
		return nil, false, err
	}
	tl.Mark(PhaseWaitRecv)
	return region.Bytes()[:clampLength(c.Length, region.Length)], true, nil
}

func (twoSidedStrategy) AwaitReply(context.Context, *Dispatcher, PendingExchange, *MemoryRegion) ([]byte, error) {
	return nil, nil
}

func (twoSidedStrategy) Respond(ctx context.Context, d *Dispatcher, region *MemoryRegion, handler Handler) error {
	recvTag := makeTag(d.nextID.Add(1), tagRecv)
	if err := d.transport.PostRecv(recvTag, region, region.Length); err != nil {
		err = fmt.Errorf("post recv: %w", err)
		d.latch(err)
		return err
	}
	c, err := d.poller.expect(ctx, recvTag, OpRecv, -1)
	if err != nil {
		err = abandoned(err)
		d.latch(err)
		return err
	}

	reply := handler(region.Bytes()[:clampLength(c.Length, region.Length)])
	if len(reply) > region.Length {
		return fmt.Errorf("%w: reply %d > %d", ErrPayloadTooLarge, len(reply), region.Length)
	}
	x, span, err := d.begin(DirectionSend, tagSend)
	if err != nil {
		return err
	}
	copy(region.Bytes(), reply)
	if err := d.transport.PostSend(x.Tag, region, len(reply)); err != nil {
		err = fmt.Errorf("post send: %w", err)
		d.fail(x, span, err)
		return err
	}
	if _, err := d.poller.Expect(ctx, x.Tag, OpSend); err != nil {
		err = abandoned(err)
		d.fail(x, span, err)
		return err
	}
	d.complete(x, span, len(reply))
	return nil
}

type oneSidedStrategy struct{}

func (oneSidedStrategy) Mode() DispatchMode   { return OneSidedWrite }
func (oneSidedStrategy) Direction() Direction { return DirectionWrite }

// Request writes the whole buffer extent to the peer regardless of the
// payload length, then posts the receive that will observe the peer's reply.
func (oneSidedStrategy) Request(ctx context.Context, d *Dispatcher, x PendingExchange, region *MemoryRegion, _ int) ([]byte, bool, error) {
	peer, ok := d.registry.Peer()
	if !ok {
		return nil, false, ErrNoPeer
	}
	tl := timelineFrom(ctx)
	writeTag := x.Tag
	recvTag := makeTag(x.ID, tagRecv)

	if err := d.transport.PostWriteSignal(writeTag, region, region.Length, peer, d.signal); err != nil {
		return nil, false, fmt.Errorf("post write: %w", err)
	}
	tl.Mark(PhasePostSend)
	if _, err := d.poller.Expect(ctx, writeTag, OpWrite); err != nil {
		return nil, false, err
	}
	tl.Mark(PhaseWaitSend)

	if err := d.transport.PostRecv(recvTag, region, region.Length); err != nil {
		return nil, false, fmt.Errorf("post recv: %w", err)
	}
	tl.Mark(PhasePostRecv)
	return nil, false, nil
}

func (s oneSidedStrategy) AwaitReply(ctx context.Context, d *Dispatcher, x PendingExchange, region *MemoryRegion) ([]byte, error) {
	c, err := d.poller.Expect(ctx, makeTag(x.ID, tagRecv), OpRemoteWrite)
	if err != nil {
		return nil, err
	}
	timelineFrom(ctx).Mark(PhaseWaitRecv)
	if err := s.checkSignal(d, c); err != nil {
		return nil, err
	}
	return region.Bytes(), nil
}

func (s oneSidedStrategy) Respond(ctx context.Context, d *Dispatcher, region *MemoryRegion, handler Handler) error {
	peer, ok := d.registry.Peer()
	if !ok {
		return ErrNoPeer
	}
	recvTag := makeTag(d.nextID.Add(1), tagRecv)
	if err := d.transport.PostRecv(recvTag, region, region.Length); err != nil {
		err = fmt.Errorf("post recv: %w", err)
		d.latch(err)
		return err
	}
	c, err := d.poller.expect(ctx, recvTag, OpRemoteWrite, -1)
	if err != nil {
		err = abandoned(err)
		d.latch(err)
		return err
	}
	if err := s.checkSignal(d, c); err != nil {
		d.latch(err)
		return err
	}

	reply := handler(region.Bytes())
	if len(reply) > region.Length {
		return fmt.Errorf("%w: reply %d > %d", ErrPayloadTooLarge, len(reply), region.Length)
	}
	x, span, err := d.begin(DirectionWrite, tagWrite)
	if err != nil {
		return err
	}
	copy(region.Bytes(), reply)
	if err := d.transport.PostWriteSignal(x.Tag, region, region.Length, peer, d.signal); err != nil {
		err = fmt.Errorf("post write: %w", err)
		d.fail(x, span, err)
		return err
	}
	if _, err := d.poller.Expect(ctx, x.Tag, OpWrite); err != nil {
		err = abandoned(err)
		d.fail(x, span, err)
		return err
	}
	d.complete(x, span, region.Length)
	return nil
}

func (oneSidedStrategy) checkSignal(d *Dispatcher, c Completion) error {
	if c.HasData && c.Data != d.signal {
		return &CompletionFailure{
			Opcode: c.Opcode,
			Tag:    c.Tag,
			Err:    fmt.Errorf("%w: signal 0x%x, want 0x%x", ErrUnmatchedCompletion, c.Data, d.signal),
		}
	}
	return nil
}

func clampLength(n, limit int) int {
	if n < 0 {
		return 0
	}
	if n > limit {
		return limit
	}
	return n
}
