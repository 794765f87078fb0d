package exchange

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRejectedDispatchKeepsPendingBuffer(t *testing.T) {
	ft := newFakeTransport()
	ft.onPost = func(f *fakeTransport, p fakePost) {
		if p.op == OpWrite {
			f.cq <- Completion{Tag: p.tag, Opcode: OpWrite, Length: p.length}
		}
	}
	reg := newTestRegistry(t, 64)
	_, err := reg.CapturePeerDescriptor(EncodeDescriptor(PeerDescriptor{RemoteAddress: 0x1000, RemoteKey: 1}, LayoutCompact))
	require.NoError(t, err)
	d, err := NewDispatcher(Config{Mode: OneSidedWrite, BufferSize: 64}, reg, ft)
	require.NoError(t, err)

	resp, err := d.Dispatch(context.Background(), []byte("first"))
	require.NoError(t, err)
	require.Nil(t, resp)
	x, pending := d.Pending()
	require.True(t, pending)

	copy(reg.Local().Bytes(), "REPLY")
	_, err = d.Dispatch(context.Background(), []byte("xxxxx"))
	require.ErrorIs(t, err, ErrExchangePending)
	require.Equal(t, "REPLY", string(reg.Local().Bytes()[:5]))
	require.NoError(t, d.Err())

	ft.cq <- Completion{Tag: makeTag(x.ID, tagRecv), Opcode: OpRemoteWrite, Data: DefaultSignal, HasData: true, Length: 64}
	resp, err = d.AwaitReply(context.Background())
	require.NoError(t, err)
	require.Equal(t, "REPLY", string(resp[:5]))

	stats := d.Stats()
	require.Equal(t, uint64(1), stats.Created)
	require.Equal(t, uint64(1), stats.Completed)
	require.Len(t, ft.Posts(), 2)
}
