package core

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
)

func newTestSphere(t *testing.T, agg Aggregator, remote RemoteStore) *Sphere {
	t.Helper()
	s, err := NewSphere(SphereConfig{
		Seed:           bytes.Repeat([]byte{0x5a}, 32),
		Aggregator:     agg,
		Remote:         remote,
		LocalDir:       t.TempDir(),
		RegistrySource: &FileRegistrySource{Path: t.TempDir() + "/registry.json"},
	})
	if err != nil {
		t.Fatalf("NewSphere: %v", err)
	}
	return s
}

func TestNewSphere_RejectsShortSeed(t *testing.T) {
	_, err := NewSphere(SphereConfig{Seed: []byte("short"), Aggregator: &fakeAggregator{}, LocalDir: t.TempDir()})
	if err == nil || KindOf(err) != KindInvalidInput {
		t.Fatalf("NewSphere(short seed) err = %v, want KindInvalidInput", err)
	}
}

func TestNewSphere_RequiresAggregator(t *testing.T) {
	_, err := NewSphere(SphereConfig{Seed: bytes.Repeat([]byte{1}, 32), LocalDir: t.TempDir()})
	if err == nil || KindOf(err) != KindInvalidInput {
		t.Fatalf("NewSphere(no aggregator) err = %v, want KindInvalidInput", err)
	}
}

func TestNewSphere_NoSidecarWithoutRemote(t *testing.T) {
	s := newTestSphere(t, &fakeAggregator{}, nil)
	if s.sidecar != nil {
		t.Fatal("sidecar should be nil when no RemoteStore is configured")
	}
}

func TestNewSphere_BuildsSidecarWhenRemoteProvided(t *testing.T) {
	s := newTestSphere(t, &fakeAggregator{}, newFakeRemoteStore())
	if s.sidecar == nil {
		t.Fatal("sidecar should be constructed when a RemoteStore is configured")
	}
}

func TestSphere_ReadyIsIdempotent(t *testing.T) {
	s := newTestSphere(t, &fakeAggregator{}, nil)
	if err := s.Ready(context.Background(), nil); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if err := s.Ready(context.Background(), nil); err != nil {
		t.Fatalf("Ready (second call): %v", err)
	}
	if err := s.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
}

func TestSphere_IdentityAndSwitchToAddress(t *testing.T) {
	s := newTestSphere(t, &fakeAggregator{}, nil)
	if err := s.Ready(context.Background(), nil); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	defer s.Destroy(context.Background())

	if s.Identity().Index != 0 {
		t.Fatalf("Identity().Index = %d, want 0", s.Identity().Index)
	}
	id, err := s.SwitchToAddress(2)
	if err != nil {
		t.Fatalf("SwitchToAddress: %v", err)
	}
	if id.Index != 2 || s.Identity().Index != 2 {
		t.Fatalf("SwitchToAddress(2) did not update the active identity: %+v", s.Identity())
	}
}

func TestSphere_BalanceTokensAndPendingPassThroughs(t *testing.T) {
	s := newTestSphere(t, &fakeAggregator{commitProof: &Proof{Included: true, Authenticator: []byte("auth")}}, nil)
	if err := s.Ready(context.Background(), nil); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	defer s.Destroy(context.Background())

	coin := CoinId{0x01}
	tok := confirmedToken("local-1", coin, "100")
	if err := s.payments.PutToken(tok); err != nil {
		t.Fatalf("PutToken: %v", err)
	}

	bal := s.GetBalance(context.Background(), coin)
	if bal.ConfirmedAmount != "100" {
		t.Fatalf("GetBalance().ConfirmedAmount = %q, want 100", bal.ConfirmedAmount)
	}

	toks := s.GetTokens(&coin)
	if len(toks) != 1 || toks[0].LocalId != "local-1" {
		t.Fatalf("GetTokens() = %+v", toks)
	}

	if len(s.PendingTransfers()) != 0 {
		t.Fatal("a freshly-started sphere should have no pending transfers")
	}
}

func TestSphere_SyncIsNoOpWithoutRemote(t *testing.T) {
	s := newTestSphere(t, &fakeAggregator{}, nil)
	if err := s.Ready(context.Background(), nil); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	defer s.Destroy(context.Background())

	result, err := s.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if result.Added != 0 || result.Removed != 0 {
		t.Fatalf("Sync() without a remote = %+v, want zero-value", result)
	}
}

func TestSphere_ClearWipesLocalState(t *testing.T) {
	s := newTestSphere(t, &fakeAggregator{}, nil)
	if err := s.Ready(context.Background(), nil); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	defer s.Destroy(context.Background())

	coin := CoinId{0x02}
	tok := confirmedToken("local-2", coin, "5")
	if err := s.payments.PutToken(tok); err != nil {
		t.Fatalf("PutToken: %v", err)
	}

	if err := s.Clear(context.Background()); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok := s.payments.GetToken("local-2"); ok {
		t.Fatal("Clear should wipe the persisted inventory")
	}
}

func TestSphere_RecoverNametagSetsIdentityNametag(t *testing.T) {
	s := newTestSphere(t, &fakeAggregator{}, nil)
	if err := s.Ready(context.Background(), nil); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	defer s.Destroy(context.Background())

	active := s.Identity()
	encrypted, err := EncryptNametag(active.PrivateKey(), "alice")
	if err != nil {
		t.Fatalf("EncryptNametag: %v", err)
	}
	content := identityBindingContent{PublicKey: active.ChainPubkey, EncryptedNametag: encrypted}
	raw, err := json.Marshal(content)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s.transport.dispatch(RelayEvent{
		Kind:      kindIdentityBind,
		PubkeyHex: "ephemeral",
		Tags:      [][]string{{"d", "anything"}},
		Content:   string(raw),
	})

	name, ok, err := s.RecoverNametag(context.Background())
	if err != nil {
		t.Fatalf("RecoverNametag: %v", err)
	}
	if !ok || name != "alice" {
		t.Fatalf("RecoverNametag() = (%q, %v), want (alice, true)", name, ok)
	}
	if s.Identity().Nametag != "alice" {
		t.Fatalf("Identity().Nametag = %q, want alice after recovery", s.Identity().Nametag)
	}
}

func TestSphere_DestroyIsIdempotent(t *testing.T) {
	s := newTestSphere(t, &fakeAggregator{}, nil)
	if err := s.Ready(context.Background(), nil); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if err := s.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := s.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy (second call): %v", err)
	}
}

func TestSphere_HealthReflectsTransport(t *testing.T) {
	s := newTestSphere(t, &fakeAggregator{}, nil)
	if err := s.Ready(context.Background(), nil); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	defer s.Destroy(context.Background())

	health := s.Health()
	if health == nil {
		t.Fatal("Health() should return a non-nil map even with no relays configured")
	}
}
