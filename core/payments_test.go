package core

import (
	"context"
	"testing"
	"time"
)

func newTestPayments(t *testing.T) *Payments {
	t.Helper()
	local := NewFileLocalStore(t.TempDir())
	if err := local.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	tokenStore := NewFileTokenStore(local)
	if err := tokenStore.Connect(context.Background()); err != nil {
		t.Fatalf("Connect tokenStore: %v", err)
	}
	registry, err := NewRegistry(&FileRegistrySource{Path: t.TempDir() + "/registry.json"}, 16, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	validator := NewValidator(&fakeAggregator{queryProof: &Proof{}, pathValid: true}, nil)
	transport, err := NewTransport(AESGCMEnvelope{}, nil)
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	identity, err := NewIdentityManager(newTestDeriver(t), nil)
	if err != nil {
		t.Fatalf("NewIdentityManager: %v", err)
	}
	return NewPayments(local, tokenStore, registry, validator, nil, transport, identity, nil)
}

func confirmedToken(localId LocalTokenId, coinId CoinId, amount string) *Token {
	pt := &ParsedToken{
		Genesis: TokenGenesis{TokenId: TokenId(localId), CoinId: coinId, Amount: amount, Predicate: "pk"},
		State:   TokenState{StateHash: "", Predicate: "pk"},
	}
	blob, _ := pt.Encode()
	return &Token{LocalId: localId, TokenId: TokenId(localId), CoinId: coinId, Amount: amount, Status: StatusConfirmed, SdkBlob: blob, CreatedAt: time.Now()}
}

func TestPayments_PutTokenThenGetToken(t *testing.T) {
	p := newTestPayments(t)
	coin := CoinId{0x01}
	tok := confirmedToken("local-1", coin, "100")

	if err := p.PutToken(tok); err != nil {
		t.Fatalf("PutToken: %v", err)
	}
	got, ok := p.GetToken("local-1")
	if !ok {
		t.Fatal("GetToken should find the token")
	}
	if got.Amount != "100" {
		t.Fatalf("GetToken().Amount = %q, want 100", got.Amount)
	}
}

func TestPayments_GetBalanceAggregatesConfirmedAndUnconfirmed(t *testing.T) {
	p := newTestPayments(t)
	coin := CoinId{0x02}

	confirmed := confirmedToken("c1", coin, "100")
	unconfirmed := confirmedToken("u1", coin, "50")
	unconfirmed.Status = StatusUnconfirmed

	if err := p.PutToken(confirmed); err != nil {
		t.Fatalf("PutToken confirmed: %v", err)
	}
	if err := p.PutToken(unconfirmed); err != nil {
		t.Fatalf("PutToken unconfirmed: %v", err)
	}

	bal := p.GetBalance(context.Background(), coin)
	if bal.ConfirmedAmount != "100" || bal.UnconfirmedAmount != "50" || bal.TotalAmount != "150" {
		t.Fatalf("GetBalance() = %+v", bal)
	}
	if bal.TokenCount != 2 {
		t.Fatalf("TokenCount = %d, want 2", bal.TokenCount)
	}
}

func TestPayments_SelectUnspentExcludesSpentAndFailed(t *testing.T) {
	p := newTestPayments(t)
	coin := CoinId{0x03}

	live := confirmedToken("live", coin, "10")
	spent := confirmedToken("spent", coin, "10")
	spent.Status = StatusSpent
	failed := confirmedToken("failed", coin, "10")
	failed.Status = StatusFailed

	for _, tok := range []*Token{live, spent, failed} {
		if err := p.PutToken(tok); err != nil {
			t.Fatalf("PutToken(%s): %v", tok.LocalId, err)
		}
	}

	unlock := p.lockCoin(coin)
	defer unlock()
	sel := p.SelectUnspent(coin)
	if len(sel) != 1 || sel[0].LocalId != "live" {
		t.Fatalf("SelectUnspent() = %+v, want only 'live'", sel)
	}
}

func TestPayments_SelectUnspentOrdersByCreatedAtThenLocalId(t *testing.T) {
	p := newTestPayments(t)
	coin := CoinId{0x04}
	base := time.Now().Add(-time.Hour)

	later := confirmedToken("b-later", coin, "1")
	later.CreatedAt = base.Add(time.Minute)
	earlier := confirmedToken("a-earlier", coin, "1")
	earlier.CreatedAt = base

	for _, tok := range []*Token{later, earlier} {
		if err := p.PutToken(tok); err != nil {
			t.Fatalf("PutToken: %v", err)
		}
	}

	unlock := p.lockCoin(coin)
	defer unlock()
	sel := p.SelectUnspent(coin)
	if len(sel) != 2 || sel[0].LocalId != "a-earlier" || sel[1].LocalId != "b-later" {
		t.Fatalf("SelectUnspent() ordering = %+v", sel)
	}
}

func TestPayments_RemoveTokenWritesTombstoneAndHistory(t *testing.T) {
	p := newTestPayments(t)
	coin := CoinId{0x05}
	tok := confirmedToken("to-remove", coin, "42")
	if err := p.PutToken(tok); err != nil {
		t.Fatalf("PutToken: %v", err)
	}

	if err := p.RemoveToken("to-remove", "bob", false, ReasonSent); err != nil {
		t.Fatalf("RemoveToken: %v", err)
	}
	if _, ok := p.GetToken("to-remove"); ok {
		t.Fatal("token should be gone from inventory after RemoveToken")
	}
	tombstones := p.GetTombstones()
	if len(tombstones) != 1 || tombstones[0].TokenId != tok.TokenId {
		t.Fatalf("GetTombstones() = %+v", tombstones)
	}
	history := p.GetHistory()
	if len(history) != 1 || history[0].Type != HistorySent {
		t.Fatalf("GetHistory() = %+v", history)
	}
}

func TestPayments_RemoveTokenSkipsHistoryWhenRequested(t *testing.T) {
	p := newTestPayments(t)
	coin := CoinId{0x06}
	tok := confirmedToken("to-remove-2", coin, "1")
	if err := p.PutToken(tok); err != nil {
		t.Fatalf("PutToken: %v", err)
	}
	if err := p.RemoveToken("to-remove-2", "", true, ReasonSpentDetected); err != nil {
		t.Fatalf("RemoveToken: %v", err)
	}
	if len(p.GetHistory()) != 0 {
		t.Fatal("RemoveToken with skipHistory should not append a history entry")
	}
}

func TestPayments_RemoveTokenUnknownLocalId(t *testing.T) {
	p := newTestPayments(t)
	if err := p.RemoveToken("never-existed", "", true, ReasonInvalid); err == nil {
		t.Fatal("expected error removing an unknown token")
	} else if KindOf(err) != KindInvalidInput {
		t.Fatalf("KindOf(err) = %v, want %v", KindOf(err), KindInvalidInput)
	}
}

func TestPayments_LoadDropsStructurallyInvalidTokens(t *testing.T) {
	p := newTestPayments(t)
	bad := &Token{LocalId: "bad", SdkBlob: SdkBlob("not json")}
	if err := p.tokenStore.Put(bad); err != nil {
		t.Fatalf("tokenStore.Put: %v", err)
	}
	good := confirmedToken("good", CoinId{0x07}, "1")
	if err := p.tokenStore.Put(good); err != nil {
		t.Fatalf("tokenStore.Put: %v", err)
	}

	if err := p.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := p.GetToken("bad"); ok {
		t.Fatal("structurally invalid token should not be loaded")
	}
	if _, ok := p.GetToken("good"); !ok {
		t.Fatal("valid token should be loaded")
	}
}

func TestPayments_ReceiveDrainsTransportChannel(t *testing.T) {
	p := newTestPayments(t)
	coin := CoinId{0x08}
	pt := &ParsedToken{
		Genesis: TokenGenesis{TokenId: "incoming-1", CoinId: coin, Amount: "77", Predicate: "pk"},
		State:   TokenState{StateHash: "", Predicate: "pk"},
	}
	blob, err := pt.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	p.transport.TokenTransfers <- InboundTokenTransfer{
		TransferId: "incoming-1",
		Payload:    TokenTransferPayload{Token: blob},
	}

	result, err := p.Receive(context.Background(), ReceiveOptions{})
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if result.Added != 1 {
		t.Fatalf("Receive().Added = %d, want 1", result.Added)
	}
	tok, ok := p.GetToken("incoming-1")
	if !ok {
		t.Fatal("received token should be in inventory")
	}
	if tok.Status != StatusConfirmed {
		t.Fatalf("Status = %v, want confirmed (no uncommitted tail)", tok.Status)
	}
}

func TestPayments_ReceiveDedupsAlreadyReceivedTransfer(t *testing.T) {
	p := newTestPayments(t)
	pt := &ParsedToken{
		Genesis: TokenGenesis{TokenId: "dup-1", Amount: "1", Predicate: "pk"},
		State:   TokenState{StateHash: "", Predicate: "pk"},
	}
	blob, _ := pt.Encode()
	p.history.Append(HistoryEntry{Type: HistoryReceived, TransferId: "dup-1"})

	p.transport.TokenTransfers <- InboundTokenTransfer{TransferId: "dup-1", Payload: TokenTransferPayload{Token: blob}}
	result, err := p.Receive(context.Background(), ReceiveOptions{})
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if result.Added != 0 {
		t.Fatalf("Receive().Added = %d, want 0 for an already-recorded transfer", result.Added)
	}
}
