package core

import (
	"bytes"
	"testing"
)

func newTestDeriver(t *testing.T) *SeedDeriver {
	t.Helper()
	d, err := NewSeedDeriver(bytes.Repeat([]byte{0x5a}, 32))
	if err != nil {
		t.Fatalf("NewSeedDeriver: %v", err)
	}
	return d
}

func TestNewIdentityManager_DerivesIndexZeroActive(t *testing.T) {
	m, err := NewIdentityManager(newTestDeriver(t), nil)
	if err != nil {
		t.Fatalf("NewIdentityManager: %v", err)
	}
	active := m.Active()
	if active == nil || active.Index != 0 {
		t.Fatalf("Active() = %+v, want Index=0", active)
	}
	if active.ChainPubkey == "" || active.L1Address == "" || active.DirectAddress == "" {
		t.Fatalf("derived identity missing fields: %+v", active)
	}
}

func TestIdentityManager_SwitchToAddressDerivesLazily(t *testing.T) {
	m, err := NewIdentityManager(newTestDeriver(t), nil)
	if err != nil {
		t.Fatalf("NewIdentityManager: %v", err)
	}
	id, err := m.SwitchToAddress(3)
	if err != nil {
		t.Fatalf("SwitchToAddress: %v", err)
	}
	if id.Index != 3 {
		t.Fatalf("SwitchToAddress(3).Index = %d, want 3", id.Index)
	}
	if m.Active().Index != 3 {
		t.Fatalf("Active().Index = %d, want 3", m.Active().Index)
	}
}

func TestIdentityManager_SwitchBackReusesDerivedKey(t *testing.T) {
	m, err := NewIdentityManager(newTestDeriver(t), nil)
	if err != nil {
		t.Fatalf("NewIdentityManager: %v", err)
	}
	first, _ := m.SwitchToAddress(1)
	if _, err := m.SwitchToAddress(0); err != nil {
		t.Fatalf("SwitchToAddress(0): %v", err)
	}
	second, err := m.SwitchToAddress(1)
	if err != nil {
		t.Fatalf("SwitchToAddress(1) again: %v", err)
	}
	if first.ChainPubkey != second.ChainPubkey {
		t.Fatal("revisiting an index should return the same derived identity")
	}
}

func TestIdentityManager_VisibleExcludesHidden(t *testing.T) {
	m, err := NewIdentityManager(newTestDeriver(t), nil)
	if err != nil {
		t.Fatalf("NewIdentityManager: %v", err)
	}
	m.SwitchToAddress(1)
	m.SetHidden(1, true)

	visible := m.Visible()
	for _, id := range visible {
		if id.Index == 1 {
			t.Fatal("hidden identity should not appear in Visible()")
		}
	}
	if len(visible) != 1 {
		t.Fatalf("Visible() = %d identities, want 1", len(visible))
	}
}

func TestIdentityManager_SetNametag(t *testing.T) {
	m, err := NewIdentityManager(newTestDeriver(t), nil)
	if err != nil {
		t.Fatalf("NewIdentityManager: %v", err)
	}
	m.SetNametag(0, "alice")
	if got := m.Active().Nametag; got != "alice" {
		t.Fatalf("Nametag = %q, want alice", got)
	}
}

func TestDeriveIdentity_DistinctIndicesDistinctKeys(t *testing.T) {
	d := newTestDeriver(t)
	a, err := deriveIdentity(d, 0)
	if err != nil {
		t.Fatalf("deriveIdentity(0): %v", err)
	}
	b, err := deriveIdentity(d, 1)
	if err != nil {
		t.Fatalf("deriveIdentity(1): %v", err)
	}
	if a.ChainPubkey == b.ChainPubkey {
		t.Fatal("different indices should derive different chain pubkeys")
	}
	if a.TransportPubkey == b.TransportPubkey {
		t.Fatal("different indices should derive different transport pubkeys")
	}
}
