package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPollOneClassifiesCompletions(t *testing.T) {
	ft := newFakeTransport()
	p := NewPoller(ft, time.Second)
	ctx := context.Background()

	ft.cq <- Completion{Tag: 5, Opcode: OpSend, Length: 3}
	c, err := p.PollOne(ctx)
	require.NoError(t, err)
	require.Equal(t, OpSend, c.Opcode)
	require.Equal(t, uint64(5), c.Tag)

	ft.cq <- Completion{Tag: 6, Opcode: OpRecv, Status: 12}
	_, err = p.PollOne(ctx)
	var failure *CompletionFailure
	require.ErrorAs(t, err, &failure)
	require.Equal(t, 12, failure.Status)
	require.Equal(t, uint64(6), failure.Tag)
	require.Equal(t, OpRecv, failure.Opcode)
}

func TestPollOneTimesOut(t *testing.T) {
	metrics := newMetricRecorder()
	p := NewPoller(newFakeTransport(), 20*time.Millisecond)
	p.tel.metrics = metrics

	start := time.Now()
	_, err := p.PollOne(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	require.Equal(t, []string{"timeout"}, metrics.cqErrors)
}

func TestPollOneHonoursContext(t *testing.T) {
	p := NewPoller(newFakeTransport(), -1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := p.PollOne(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestExpectRejectsUnmatched(t *testing.T) {
	ft := newFakeTransport()
	p := NewPoller(ft, time.Second)

	ft.cq <- Completion{Tag: 9, Opcode: OpSend}
	_, err := p.Expect(context.Background(), 5, OpSend)
	require.ErrorIs(t, err, ErrUnmatchedCompletion)

	ft.cq <- Completion{Tag: 5, Opcode: OpRecv}
	_, err = p.Expect(context.Background(), 5, OpSend)
	require.ErrorIs(t, err, ErrUnmatchedCompletion)
	require.True(t, IsFatal(err))
}

func TestIsFatal(t *testing.T) {
	require.False(t, IsFatal(nil))
	require.False(t, IsFatal(&ExternalSubsystemError{Call: "ioctl", Err: errors.New("enotty")}))
	require.False(t, IsFatal(context.Canceled))
	require.True(t, IsFatal(ErrTimeout))
	require.True(t, IsFatal(&CompletionFailure{Opcode: OpSend, Err: errors.New("x")}))
}
