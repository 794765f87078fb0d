package peer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocketbitz/memxchg/exchange"
	fi "github.com/rocketbitz/memxchg/fi"
)

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	require.Error(t, cfg.validate(true))
	require.NoError(t, cfg.validate(false))
	require.Equal(t, DefaultService, cfg.Service)
	require.Equal(t, DefaultConnectTimeout, cfg.ConnectTimeout)
	require.Equal(t, DefaultQueueDepth, cfg.QueueDepth)
}

func TestToCompletion(t *testing.T) {
	cases := []struct {
		raw  fi.Completion
		want exchange.Opcode
	}{
		{fi.Completion{Tag: 1, Flags: fi.FlagSend}, exchange.OpSend},
		{fi.Completion{Tag: 2, Flags: fi.FlagRecv, Len: 9}, exchange.OpRecv},
		{fi.Completion{Tag: 3, Flags: fi.FlagWrite}, exchange.OpWrite},
		{fi.Completion{Tag: 4, Flags: fi.FlagRecv | fi.FlagRemoteCQData, Data: 0x1234}, exchange.OpRemoteWrite},
	}
	for _, tc := range cases {
		got := toCompletion(tc.raw)
		require.Equal(t, tc.want, got.Opcode)
		require.Equal(t, tc.raw.Tag, got.Tag)
		require.Equal(t, int(tc.raw.Len), got.Length)
	}
	c := toCompletion(cases[3].raw)
	require.True(t, c.HasData)
	require.Equal(t, uint32(0x1234), c.Data)
}

type connected struct {
	client, server    *Conn
	clientReg, srvReg *exchange.Registry
	clientBuf, srvBuf *exchange.Buffer
}

// connectPair brings up a listener and a dialer over the tcp provider on the
// loopback interface, skipping when it is unavailable.
func connectPair(t *testing.T, layout exchange.DescriptorLayout, inBand bool) connected {
	t.Helper()
	cfg := Config{Provider: "tcp", Node: "127.0.0.1", Service: "47611", InBandDescriptor: inBand}
	l, err := Listen(cfg)
	if err != nil {
		t.Skipf("tcp provider unavailable: %v", err)
	}

	var c connected
	c.clientBuf, err = exchange.AllocBuffer(8192, false)
	require.NoError(t, err)
	c.srvBuf, err = exchange.AllocBuffer(8192, false)
	require.NoError(t, err)
	c.clientReg = exchange.NewRegistry(layout)
	c.srvReg = exchange.NewRegistry(layout)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var aerr error
		c.server, aerr = l.Accept(ctx, c.srvReg, c.srvBuf.Bytes())
		assert.NoError(t, aerr)
	}()
	c.client, err = Dial(ctx, cfg, c.clientReg, c.clientBuf.Bytes())
	require.NoError(t, err)
	wg.Wait()
	require.NotNil(t, c.server)

	t.Cleanup(func() {
		_ = c.client.Close()
		_ = c.server.Close()
		_ = l.Close()
		_ = c.clientBuf.Close()
		_ = c.srvBuf.Close()
	})
	return c
}

func TestPrivateDataHandshake(t *testing.T) {
	c := connectPair(t, exchange.LayoutExtended, false)

	clientPeer, ok := c.clientReg.Peer()
	require.True(t, ok)
	require.Equal(t, c.srvReg.Local().Descriptor(), clientPeer)

	srvPeer, ok := c.srvReg.Peer()
	require.True(t, ok)
	require.Equal(t, c.clientReg.Local().Descriptor(), srvPeer)
	require.Equal(t, uint64(8192), srvPeer.RemoteSize)
}

func TestSessionsOverFabric(t *testing.T) {
	for _, mode := range []exchange.DispatchMode{exchange.TwoSided, exchange.OneSidedWrite} {
		t.Run(mode.String(), func(t *testing.T) {
			c := connectPair(t, exchange.LayoutCompact, false)
			cfg := exchange.Config{Mode: mode, BufferSize: 8192, CompletionTimeout: 5 * time.Second}

			server, err := exchange.NewSession(cfg, c.srvReg, c.server)
			require.NoError(t, err)
			client, err := exchange.NewSession(cfg, c.clientReg, c.client)
			require.NoError(t, err)

			ctx, cancel := context.WithCancel(context.Background())
			served := make(chan error, 1)
			go func() {
				served <- server.Serve(ctx, func([]byte) []byte {
					return append([]byte("Response from server!"), 0)
				})
			}()

			for i := 0; i < 3; i++ {
				res, err := client.Trigger(context.Background(), append([]byte("Request from client"), 0))
				require.NoError(t, err)
				require.Equal(t, "Response from server!", string(exchange.TrimNUL(res.Response)))
			}
			cancel()
			require.NoError(t, <-served)
			require.NoError(t, client.Close())
			require.NoError(t, server.Close())
		})
	}
}

func TestInBandHandshake(t *testing.T) {
	c := connectPair(t, exchange.LayoutCompact, true)
	_, ok := c.clientReg.Peer()
	require.False(t, ok)

	cfg := exchange.Config{BufferSize: 8192}
	server, err := exchange.NewSession(cfg, c.srvReg, c.server)
	require.NoError(t, err)
	client, err := exchange.NewSession(cfg, c.clientReg, c.client)
	require.NoError(t, err)
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errs := make(chan error, 2)
	for _, s := range []*exchange.Session{client, server} {
		go func(s *exchange.Session) {
			_, err := s.ExchangeDescriptors(ctx)
			errs <- err
		}(s)
	}
	require.NoError(t, errors.Join(<-errs, <-errs))

	peer, ok := c.clientReg.Peer()
	require.True(t, ok)
	require.Equal(t, c.srvReg.Local().RemoteKey, peer.RemoteKey)
}

func TestDialRefused(t *testing.T) {
	reg := exchange.NewRegistry(exchange.LayoutCompact)
	buf, err := exchange.AllocBuffer(4096, false)
	require.NoError(t, err)
	defer buf.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = Dial(ctx, Config{Provider: "tcp", Node: "127.0.0.1", Service: "47612", ConnectTimeout: time.Second}, reg, buf.Bytes())
	require.Error(t, err)
	require.ErrorIs(t, err, exchange.ErrTransportSetup)
}
