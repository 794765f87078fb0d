package exchange

import (
	"errors"
	"fmt"
	"sync"
)

// Registry holds the connection's single local registration and the peer
// descriptor captured at handshake. Both are written once.
type Registry struct {
	layout DescriptorLayout

	mu    sync.RWMutex
	local *MemoryRegion
	peer  *PeerDescriptor
}

// NewRegistry returns an empty registry using layout for the handshake payload.
func NewRegistry(layout DescriptorLayout) *Registry {
	return &Registry{layout: layout}
}

// Layout reports the handshake payload layout.
func (r *Registry) Layout() DescriptorLayout {
	return r.layout
}

// RegisterLocal registers buf through registrar and records it as the local region.
func (r *Registry) RegisterLocal(registrar Registrar, buf []byte) (*MemoryRegion, error) {
	if registrar == nil {
		return nil, &SetupError{Op: "register_local", Err: errors.New("registrar required")}
	}
	if len(buf) == 0 {
		return nil, &SetupError{Op: "register_local", Err: errors.New("empty buffer")}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.local != nil {
		return nil, &SetupError{Op: "register_local", Err: errors.New("local region already registered")}
	}
	region, err := registrar.RegisterMemory(buf)
	if err != nil {
		var setup *SetupError
		if errors.As(err, &setup) {
			return nil, err
		}
		return nil, &SetupError{Op: "register_local", Err: err}
	}
	r.local = region
	return region, nil
}

// Adopt records a region registered outside the registry.
func (r *Registry) Adopt(region *MemoryRegion) error {
	if region == nil {
		return &SetupError{Op: "register_local", Err: errors.New("nil region")}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.local != nil {
		return &SetupError{Op: "register_local", Err: errors.New("local region already registered")}
	}
	r.local = region
	return nil
}

// Local returns the local region, or nil before registration.
func (r *Registry) Local() *MemoryRegion {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.local
}

// LocalPayload encodes the local descriptor for the handshake.
func (r *Registry) LocalPayload() ([]byte, error) {
	local := r.Local()
	if local == nil {
		return nil, ErrNotRegistered
	}
	return EncodeDescriptor(local.Descriptor(), r.layout), nil
}

// CapturePeerDescriptor decodes the peer's handshake payload. It must be called
// exactly once; a repeated capture fails with ErrMalformedDescriptor and leaves
// the first descriptor in place.
func (r *Registry) CapturePeerDescriptor(raw []byte) (PeerDescriptor, error) {
	desc, err := DecodeDescriptor(raw, r.layout)
	if err != nil {
		return PeerDescriptor{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peer != nil {
		return PeerDescriptor{}, fmt.Errorf("%w: peer descriptor already captured", ErrMalformedDescriptor)
	}
	if r.layout == LayoutExtended && r.local != nil && desc.RemoteSize < uint64(r.local.Length) {
		return PeerDescriptor{}, fmt.Errorf("%w: peer buffer %d bytes smaller than local %d", ErrMalformedDescriptor, desc.RemoteSize, r.local.Length)
	}
	r.peer = &desc
	return desc, nil
}

// Peer returns the captured descriptor.
func (r *Registry) Peer() (PeerDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.peer == nil {
		return PeerDescriptor{}, false
	}
	return *r.peer, true
}

// Close deregisters the local region.
func (r *Registry) Close() error {
	r.mu.Lock()
	local := r.local
	r.mu.Unlock()
	if local == nil {
		return nil
	}
	return local.Close()
}
