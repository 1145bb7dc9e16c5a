package core

import (
	"context"
	"sync"
	"testing"
	"time"

	crypto "github.com/libp2p/go-libp2p/core/crypto"
)

// fakeRemoteStore is an in-memory RemoteStore double: a content-addressed
// blob map plus one name record per marshaled public key.
type fakeRemoteStore struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	records map[string]NameRecord
	nextCid int

	uploadErr  error
	publishErr error
}

func newFakeRemoteStore() *fakeRemoteStore {
	return &fakeRemoteStore{blobs: map[string][]byte{}, records: map[string]NameRecord{}}
}

func (f *fakeRemoteStore) Upload(ctx context.Context, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.nextCid++
	cidStr, err := computeCID(data)
	if err != nil {
		return "", err
	}
	f.blobs[cidStr] = append([]byte(nil), data...)
	return cidStr, nil
}

func (f *fakeRemoteStore) Fetch(ctx context.Context, cidStr string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blobs[cidStr], nil
}

func (f *fakeRemoteStore) pubKey(pub crypto.PubKey) (string, error) {
	raw, err := crypto.MarshalPublicKey(pub)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (f *fakeRemoteStore) PublishName(ctx context.Context, pub crypto.PubKey, record NameRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	key, err := f.pubKey(pub)
	if err != nil {
		return err
	}
	f.records[key] = record
	return nil
}

func (f *fakeRemoteStore) ResolveName(ctx context.Context, pub crypto.PubKey) (NameRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, err := f.pubKey(pub)
	if err != nil {
		return NameRecord{}, false, err
	}
	rec, ok := f.records[key]
	return rec, ok, nil
}

func newTestSidecar(t *testing.T, remote RemoteStore) (*Sidecar, *FileLocalStore) {
	t.Helper()
	local := NewFileLocalStore(t.TempDir())
	if err := local.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	s, err := NewSidecar([]byte("a-wallet-private-key-seed-material"), remote, local, nil)
	if err != nil {
		t.Fatalf("NewSidecar: %v", err)
	}
	return s, local
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before timeout")
	}
}

func TestSidecar_SaveDebouncesAndPublishes(t *testing.T) {
	remote := newFakeRemoteStore()
	s, _ := newTestSidecar(t, remote)

	snap := &InventorySnapshot{Tokens: map[LocalTokenId]*Token{
		"a": {LocalId: "a", Amount: "1"},
	}}
	s.Save(snap)

	waitForCondition(t, 2*time.Second, func() bool {
		return s.State().LastPublishedCid != ""
	})
	if s.State().DataVersion != 1 {
		t.Fatalf("DataVersion = %d, want 1 for bootstrap publish", s.State().DataVersion)
	}
}

func TestSidecar_SecondPublishChains(t *testing.T) {
	remote := newFakeRemoteStore()
	s, _ := newTestSidecar(t, remote)

	s.Save(&InventorySnapshot{Tokens: map[LocalTokenId]*Token{"a": {LocalId: "a", Amount: "1"}}})
	waitForCondition(t, 2*time.Second, func() bool { return s.State().DataVersion == 1 })

	s.Save(&InventorySnapshot{Tokens: map[LocalTokenId]*Token{"a": {LocalId: "a", Amount: "2"}}})
	waitForCondition(t, 2*time.Second, func() bool { return s.State().DataVersion == 2 })

	if s.State().LastPublishedCid == "" {
		t.Fatal("expected a published cid after second flush")
	}
}

func TestSidecar_ShutdownDrainsPendingBuffer(t *testing.T) {
	remote := newFakeRemoteStore()
	s, _ := newTestSidecar(t, remote)
	s.Save(&InventorySnapshot{Tokens: map[LocalTokenId]*Token{"a": {LocalId: "a", Amount: "1"}}})

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if s.State().LastPublishedCid == "" {
		t.Fatal("Shutdown should flush the buffered snapshot before returning")
	}
}

func TestSidecar_LoadNotFoundIsNotAnError(t *testing.T) {
	remote := newFakeRemoteStore()
	s, _ := newTestSidecar(t, remote)

	res, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Success {
		t.Fatal("Load on an uninitialized identity should report Success=false, not an error")
	}
}

func TestSidecar_LoadFetchesPublishedSnapshot(t *testing.T) {
	remote := newFakeRemoteStore()
	s, _ := newTestSidecar(t, remote)

	s.Save(&InventorySnapshot{Tokens: map[LocalTokenId]*Token{"a": {LocalId: "a", Amount: "1"}}})
	waitForCondition(t, 2*time.Second, func() bool { return s.State().LastPublishedCid != "" })

	res, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !res.Success || res.Data == nil {
		t.Fatalf("Load() = %+v, want Success with data", res)
	}
	if _, ok := res.Data.Tokens["a"]; !ok {
		t.Fatal("loaded snapshot should contain the published token")
	}
}

func TestSyncResult_MergeAddsLocalOnlyToken(t *testing.T) {
	remote := newFakeRemoteStore()
	s, _ := newTestSidecar(t, remote)

	local := &InventorySnapshot{Tokens: map[LocalTokenId]*Token{
		"local-only": {LocalId: "local-only", TokenId: "tok-local", Amount: "5"},
	}}
	result, err := s.Sync(context.Background(), local, nil, nil)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if result.Added != 1 {
		t.Fatalf("Added = %d, want 1", result.Added)
	}
	if _, ok := result.Merged.Tokens["local-only"]; !ok {
		t.Fatal("merged snapshot should contain the local-only token")
	}
}

func TestSyncResult_TombstonedLocalTokenIsDropped(t *testing.T) {
	remote := newFakeRemoteStore()
	s, _ := newTestSidecar(t, remote)

	local := &InventorySnapshot{Tokens: map[LocalTokenId]*Token{
		"gone": {LocalId: "gone", TokenId: "tok-gone", Amount: "1"},
	}}
	localTombstones := map[TokenId]bool{"tok-gone": true}

	result, err := s.Sync(context.Background(), local, localTombstones, nil)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if _, ok := result.Merged.Tokens["gone"]; ok {
		t.Fatal("tombstoned token should not appear in the merged snapshot")
	}
}

func TestResolveTokenConflict_PrefersLongerCommittedChain(t *testing.T) {
	shortChain := tokenWithBlob(t, "tok-1")
	shortChain.UpdatedAt = time.Now()

	ptLong := &ParsedToken{
		Genesis: TokenGenesis{TokenId: "tok-1", Amount: "1", Predicate: "pk"},
		State:   TokenState{StateHash: "h2", Predicate: "pk2"},
		Transactions: []TokenTx{
			{PrevStateHash: "", NewStateHash: "h1", Predicate: "pk1", Proof: &Proof{Included: true, Authenticator: []byte("a")}},
			{PrevStateHash: "h1", NewStateHash: "h2", Predicate: "pk2", Proof: &Proof{Included: true, Authenticator: []byte("b")}},
		},
	}
	blob, err := ptLong.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	longChain := &Token{TokenId: "tok-1", SdkBlob: blob, UpdatedAt: time.Now().Add(-time.Hour)}

	got := resolveTokenConflict(shortChain, longChain)
	if got != longChain {
		t.Fatal("resolveTokenConflict should prefer the longer committed chain regardless of UpdatedAt")
	}
}

func TestResolveTokenConflict_TiebreaksOnNewerUpdatedAt(t *testing.T) {
	a := tokenWithBlob(t, "tok-1")
	a.UpdatedAt = time.Now().Add(-time.Hour)
	b := tokenWithBlob(t, "tok-1")
	b.UpdatedAt = time.Now()

	if got := resolveTokenConflict(a, b); got != b {
		t.Fatal("resolveTokenConflict should prefer the token with the newer UpdatedAt when chain lengths tie")
	}
}

func TestComputeCID_Deterministic(t *testing.T) {
	data := []byte("hello world")
	a, err := computeCID(data)
	if err != nil {
		t.Fatalf("computeCID: %v", err)
	}
	b, err := computeCID(data)
	if err != nil {
		t.Fatalf("computeCID: %v", err)
	}
	if a != b {
		t.Fatal("computeCID should be deterministic for identical input")
	}
}
