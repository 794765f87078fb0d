package exchange

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// MaxHandshakePayload bounds the connection-establishment private data.
const MaxHandshakePayload = 56

// DescriptorLayout selects the handshake payload layout. Both layouts match the
// padded C structs used by peers: {addr; key} and {addr; key; size}.
type DescriptorLayout int

const (
	// LayoutCompact carries address and key (16 bytes).
	LayoutCompact DescriptorLayout = iota
	// LayoutExtended also carries the peer's buffer size (24 bytes).
	LayoutExtended
)

const (
	compactDescriptorSize  = 16
	extendedDescriptorSize = 24
)

// Size returns the encoded size of the layout.
func (l DescriptorLayout) Size() int {
	if l == LayoutExtended {
		return extendedDescriptorSize
	}
	return compactDescriptorSize
}

func (l DescriptorLayout) String() string {
	if l == LayoutExtended {
		return "extended"
	}
	return "compact"
}

// ParseDescriptorLayout converts "compact" or "extended" into a DescriptorLayout.
func ParseDescriptorLayout(s string) (DescriptorLayout, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "compact":
		return LayoutCompact, nil
	case "extended":
		return LayoutExtended, nil
	default:
		return 0, fmt.Errorf("exchange: unknown descriptor layout %q", s)
	}
}

// PeerDescriptor identifies a remote buffer. RemoteSize is zero when the
// compact layout was used.
type PeerDescriptor struct {
	RemoteAddress uint64
	RemoteKey     uint32
	RemoteSize    uint64
}

func (d PeerDescriptor) String() string {
	return fmt.Sprintf("addr=0x%x key=0x%x size=%d", d.RemoteAddress, d.RemoteKey, d.RemoteSize)
}

// EncodeDescriptor renders d in native byte order using layout.
func EncodeDescriptor(d PeerDescriptor, layout DescriptorLayout) []byte {
	out := make([]byte, layout.Size())
	binary.NativeEndian.PutUint64(out[0:8], d.RemoteAddress)
	binary.NativeEndian.PutUint32(out[8:12], d.RemoteKey)
	if layout == LayoutExtended {
		binary.NativeEndian.PutUint64(out[16:24], d.RemoteSize)
	}
	return out
}

// DecodeDescriptor parses a handshake payload. Providers may deliver private
// data zero-padded up to their limit, so trailing bytes are accepted only when
// they are all zero.
func DecodeDescriptor(raw []byte, layout DescriptorLayout) (PeerDescriptor, error) {
	size := layout.Size()
	switch {
	case len(raw) == 0:
		return PeerDescriptor{}, fmt.Errorf("%w: payload absent", ErrMalformedDescriptor)
	case len(raw) < size:
		return PeerDescriptor{}, fmt.Errorf("%w: %d bytes, want %d", ErrMalformedDescriptor, len(raw), size)
	case len(raw) > MaxHandshakePayload:
		return PeerDescriptor{}, fmt.Errorf("%w: %d bytes exceeds %d", ErrMalformedDescriptor, len(raw), MaxHandshakePayload)
	}
	for _, b := range raw[size:] {
		if b != 0 {
			return PeerDescriptor{}, fmt.Errorf("%w: %d bytes, want %d", ErrMalformedDescriptor, len(raw), size)
		}
	}
	d := PeerDescriptor{
		RemoteAddress: binary.NativeEndian.Uint64(raw[0:8]),
		RemoteKey:     binary.NativeEndian.Uint32(raw[8:12]),
	}
	if layout == LayoutExtended {
		d.RemoteSize = binary.NativeEndian.Uint64(raw[16:24])
	}
	return d, nil
}
