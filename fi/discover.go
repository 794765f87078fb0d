package fi

import (
	"fmt"

	"github.com/rocketbitz/memxchg/internal/capi"
)

// Capability, mode and registration bits re-exported for hint construction.
const (
	CapMsg         = capi.CapMsg
	CapRMA         = capi.CapRMA
	CapWrite       = capi.CapWrite
	CapRemoteWrite = capi.CapRemoteWrite

	MRModeLocal     = capi.MRModeLocal
	MRModeVirtAddr  = capi.MRModeVirtAddr
	MRModeAllocated = capi.MRModeAllocated
	MRModeProvKey   = capi.MRModeProvKey
)

// Info is a value snapshot of one discovered provider entry.
type Info struct {
	Provider  string
	Fabric    string
	Domain    string
	Caps      uint64
	Mode      uint64
	MRMode    uint64
	MRKeySize int
}

// VirtualAddressing reports whether remote addresses are virtual addresses
// rather than offsets into the region.
func (i Info) VirtualAddressing() bool {
	return i.MRMode&MRModeVirtAddr != 0
}

func (i Info) String() string {
	return fmt.Sprintf("provider=%s fabric=%s domain=%s mr_mode=0x%x", i.Provider, i.Fabric, i.Domain, i.MRMode)
}

func infoFromEntry(entry capi.InfoEntry) Info {
	return Info{
		Provider:  entry.ProviderName(),
		Fabric:    entry.FabricName(),
		Domain:    entry.DomainName(),
		Caps:      entry.Caps(),
		Mode:      entry.Mode(),
		MRMode:    entry.MRMode(),
		MRKeySize: entry.MRKeySize(),
	}
}

// DiscoverOption adjusts discovery.
type DiscoverOption func(*discoverConfig)

type discoverConfig struct {
	node     string
	service  string
	provider string
	passive  bool
}

// WithNode sets the node (host) to resolve.
func WithNode(node string) DiscoverOption {
	return func(cfg *discoverConfig) { cfg.node = node }
}

// WithService sets the service (port) to resolve.
func WithService(service string) DiscoverOption {
	return func(cfg *discoverConfig) { cfg.service = service }
}

// WithProvider restricts discovery to a provider such as "verbs;ofi_rxm" or "tcp".
func WithProvider(provider string) DiscoverOption {
	return func(cfg *discoverConfig) { cfg.provider = provider }
}

// Passive resolves node and service as the local listening address.
func Passive() DiscoverOption {
	return func(cfg *discoverConfig) { cfg.passive = true }
}

// Discovery owns an fi_info list. Descriptors taken from it are valid until Close.
type Discovery struct {
	info *capi.Info
}

// Close releases the fi_info list.
func (d *Discovery) Close() {
	if d == nil || d.info == nil {
		return
	}
	d.info.Free()
	d.info = nil
}

// Descriptors returns the entries in provider preference order.
func (d *Discovery) Descriptors() []Descriptor {
	if d == nil || d.info == nil {
		return nil
	}
	entries := d.info.Entries()
	res := make([]Descriptor, len(entries))
	for i, entry := range entries {
		res[i] = Descriptor{entry: entry}
	}
	return res
}

// Descriptor references a single fi_info entry.
type Descriptor struct {
	entry capi.InfoEntry
}

// Info returns a value snapshot of the descriptor.
func (d Descriptor) Info() Info {
	return infoFromEntry(d.entry)
}

// LibraryVersion reports the linked libfabric version and the header version
// the package was built against.
func LibraryVersion() (runtime, build string) {
	return capi.RuntimeVersion().String(), capi.BuildVersion().String()
}

// DiscoverMsg queries providers for reliable connected endpoints able to send
// messages and write with remote completion data.
func DiscoverMsg(opts ...DiscoverOption) (*Discovery, error) {
	if err := capi.CheckRuntime(); err != nil {
		return nil, err
	}
	var cfg discoverConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	hints := capi.AllocInfo()
	defer hints.Free()
	hints.SetEndpointType(capi.EndpointTypeMsg)
	hints.SetCaps(capi.CapMsg | capi.CapRMA | capi.CapWrite | capi.CapRemoteWrite)
	hints.SetMode(capi.ModeContext | capi.ModeContext2 | capi.ModeRxCQData)
	hints.SetMRMode(capi.MRModeLocal | capi.MRModeVirtAddr | capi.MRModeAllocated | capi.MRModeProvKey)
	if cfg.provider != "" {
		hints.SetProvider(cfg.provider)
	}

	var flags uint64
	if cfg.passive {
		flags |= capi.FlagSource
	}
	list, err := capi.GetInfo(capi.BuildVersion(), cfg.node, cfg.service, flags, hints)
	if err != nil {
		return nil, err
	}
	if len(list.Entries()) == 0 {
		list.Free()
		return nil, fmt.Errorf("libfabric: no msg provider for %s:%s", cfg.node, cfg.service)
	}
	return &Discovery{info: list}, nil
}

// Fabric wraps a fid_fabric.
type Fabric struct {
	handle *capi.Fabric
}

func (f *Fabric) Close() error {
	if f == nil || f.handle == nil {
		return nil
	}
	err := f.handle.Close()
	f.handle = nil
	return err
}

// Domain wraps a fid_domain together with the registration rules it was opened under.
type Domain struct {
	handle    *capi.Domain
	mrMode    uint64
	mrKeySize int
}

// VirtualAddressing reports whether remote writes address the region by virtual address.
func (d *Domain) VirtualAddressing() bool {
	return d != nil && d.mrMode&MRModeVirtAddr != 0
}

func (d *Domain) Close() error {
	if d == nil || d.handle == nil {
		return nil
	}
	err := d.handle.Close()
	d.handle = nil
	return err
}

// OpenFabric opens the descriptor's fabric.
func (d Descriptor) OpenFabric() (*Fabric, error) {
	fabric, err := capi.OpenFabric(d.entry)
	if err != nil {
		return nil, err
	}
	return &Fabric{handle: fabric}, nil
}

// OpenDomain opens the descriptor's domain on fabric.
func (d Descriptor) OpenDomain(fabric *Fabric) (*Domain, error) {
	if fabric == nil || fabric.handle == nil {
		return nil, ErrInvalidHandle{"fabric"}
	}
	dom, err := capi.OpenDomain(fabric.handle, d.entry)
	if err != nil {
		return nil, err
	}
	return &Domain{handle: dom, mrMode: d.entry.MRMode(), mrKeySize: d.entry.MRKeySize()}, nil
}
