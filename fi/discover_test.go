package fi

import (
	"errors"
	"strings"
	"testing"
)

func discoverOrSkip(t *testing.T, opts ...DiscoverOption) *Discovery {
	t.Helper()
	d, err := DiscoverMsg(opts...)
	if err != nil {
		t.Skipf("no msg provider available: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func TestDiscoverMsg(t *testing.T) {
	d := discoverOrSkip(t)
	descs := d.Descriptors()
	if len(descs) == 0 {
		t.Fatalf("expected at least one msg descriptor")
	}
	for _, desc := range descs {
		info := desc.Info()
		if info.Provider == "" {
			t.Fatalf("provider name should not be empty")
		}
		if info.Caps&CapMsg == 0 {
			t.Fatalf("provider %s lacks FI_MSG", info.Provider)
		}
		if !strings.Contains(info.String(), info.Provider) {
			t.Fatalf("info string %q does not name provider %s", info.String(), info.Provider)
		}
	}
}

func TestDiscoveryOpenFabricDomain(t *testing.T) {
	d := discoverOrSkip(t, WithNode("127.0.0.1"), WithService("0"), Passive())
	desc := d.Descriptors()[0]

	fabric, err := desc.OpenFabric()
	if err != nil {
		t.Fatalf("OpenFabric failed: %v", err)
	}
	defer fabric.Close()
	domain, err := desc.OpenDomain(fabric)
	if err != nil {
		t.Fatalf("OpenDomain failed: %v", err)
	}
	defer domain.Close()

	if desc.Info().VirtualAddressing() != domain.VirtualAddressing() {
		t.Fatalf("domain virtual addressing disagrees with its info")
	}

	cq, err := domain.OpenCompletionQueue(16)
	if err != nil {
		t.Fatalf("OpenCompletionQueue failed: %v", err)
	}
	if err := cq.Close(); err != nil {
		t.Fatalf("close cq: %v", err)
	}
	if err := cq.Close(); err != nil {
		t.Fatalf("second close cq: %v", err)
	}

	_, err = (*Domain)(nil).OpenCompletionQueue(1)
	if !errors.As(err, new(ErrInvalidHandle)) {
		t.Fatalf("expected ErrInvalidHandle, got %v", err)
	}
}
