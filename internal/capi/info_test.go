//go:build cgo

package capi

import "testing"

func TestGetInfoMsgHints(t *testing.T) {
	hints := AllocInfo()
	defer hints.Free()
	hints.SetEndpointType(EndpointTypeMsg)
	hints.SetCaps(CapMsg | CapRMA)
	hints.SetMode(ModeContext | ModeContext2 | ModeRxCQData)
	hints.SetMRMode(MRModeLocal | MRModeVirtAddr | MRModeAllocated | MRModeProvKey)

	info, err := GetInfo(BuildVersion(), "", "", 0, hints)
	if err != nil {
		t.Skipf("no msg provider available: %v", err)
	}
	defer info.Free()

	entries := info.Entries()
	if len(entries) == 0 {
		t.Fatalf("expected at least one msg provider entry")
	}
	for _, entry := range entries {
		if !entry.Valid() {
			t.Fatalf("entry is not valid")
		}
		if entry.ProviderName() == "" {
			t.Fatalf("provider name should not be empty")
		}
		if entry.EndpointType() != EndpointTypeMsg {
			t.Fatalf("expected msg endpoint, got %v", entry.EndpointType())
		}
		if entry.Caps()&CapMsg == 0 {
			t.Fatalf("provider %s lacks FI_MSG", entry.ProviderName())
		}
	}
}
