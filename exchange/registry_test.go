package exchange

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDescriptorRoundTrip(t *testing.T) {
	want := PeerDescriptor{RemoteAddress: 0x7f00_dead_b000, RemoteKey: 0xabcd, RemoteSize: 2101248}

	raw := EncodeDescriptor(want, LayoutCompact)
	require.Len(t, raw, 16)
	got, err := DecodeDescriptor(raw, LayoutCompact)
	require.NoError(t, err)
	require.Equal(t, PeerDescriptor{RemoteAddress: want.RemoteAddress, RemoteKey: want.RemoteKey}, got)

	raw = EncodeDescriptor(want, LayoutExtended)
	require.Len(t, raw, 24)
	got, err = DecodeDescriptor(raw, LayoutExtended)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestDecodeDescriptorRejectsMalformed(t *testing.T) {
	valid := EncodeDescriptor(PeerDescriptor{RemoteAddress: 1, RemoteKey: 2}, LayoutCompact)
	garbage := append(append([]byte(nil), valid...), 0, 0, 1)

	cases := map[string][]byte{
		"absent":          nil,
		"short":           valid[:12],
		"nonzero_trailer": garbage,
		"oversized":       make([]byte, MaxHandshakePayload+1),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeDescriptor(raw, LayoutCompact)
			require.ErrorIs(t, err, ErrMalformedDescriptor)
		})
	}
}

func TestDecodeDescriptorAcceptsZeroPadding(t *testing.T) {
	raw := make([]byte, MaxHandshakePayload)
	copy(raw, EncodeDescriptor(PeerDescriptor{RemoteAddress: 0x1000, RemoteKey: 9}, LayoutCompact))
	got, err := DecodeDescriptor(raw, LayoutCompact)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1000), got.RemoteAddress)
	require.Equal(t, uint32(9), got.RemoteKey)
}

func TestRegistryCaptureIsWriteOnce(t *testing.T) {
	reg := newTestRegistry(t, 64)
	first := PeerDescriptor{RemoteAddress: 0x2000, RemoteKey: 3}

	got, err := reg.CapturePeerDescriptor(EncodeDescriptor(first, LayoutCompact))
	require.NoError(t, err)
	require.Equal(t, first, got)

	_, err = reg.CapturePeerDescriptor(EncodeDescriptor(PeerDescriptor{RemoteAddress: 0x3000, RemoteKey: 4}, LayoutCompact))
	require.ErrorIs(t, err, ErrMalformedDescriptor)

	for i := 0; i < 3; i++ {
		peer, ok := reg.Peer()
		require.True(t, ok)
		require.Equal(t, first, peer)
	}
}

func TestRegistryExtendedRejectsSmallerPeer(t *testing.T) {
	reg := NewRegistry(LayoutExtended)
	_, err := reg.RegisterLocal(fakeRegistrar{}, make([]byte, 4096))
	require.NoError(t, err)

	raw := EncodeDescriptor(PeerDescriptor{RemoteAddress: 0x1000, RemoteKey: 1, RemoteSize: 1024}, LayoutExtended)
	_, err = reg.CapturePeerDescriptor(raw)
	require.ErrorIs(t, err, ErrMalformedDescriptor)
	_, ok := reg.Peer()
	require.False(t, ok)
}

func TestRegistryRegisterLocal(t *testing.T) {
	reg := NewRegistry(LayoutCompact)

	_, err := reg.RegisterLocal(fakeRegistrar{err: errors.New("no pinned memory")}, make([]byte, 64))
	require.ErrorIs(t, err, ErrTransportSetup)
	var setup *SetupError
	require.ErrorAs(t, err, &setup)
	require.Equal(t, "register_local", setup.Op)

	region, err := reg.RegisterLocal(fakeRegistrar{}, make([]byte, 64))
	require.NoError(t, err)
	require.Equal(t, 64, region.Length)
	require.Same(t, region, reg.Local())

	_, err = reg.RegisterLocal(fakeRegistrar{}, make([]byte, 64))
	require.ErrorIs(t, err, ErrTransportSetup)

	payload, err := reg.LocalPayload()
	require.NoError(t, err)
	desc, err := DecodeDescriptor(payload, LayoutCompact)
	require.NoError(t, err)
	require.Equal(t, uint64(region.Base), desc.RemoteAddress)
	require.Equal(t, region.RemoteKey, desc.RemoteKey)
}

func TestRegistryLocalPayloadRequiresRegistration(t *testing.T) {
	_, err := NewRegistry(LayoutCompact).LocalPayload()
	require.ErrorIs(t, err, ErrNotRegistered)
}
