package core

import (
	"testing"

	"github.com/holiman/uint256"
)

func TestToken_AmountIntRoundtrip(t *testing.T) {
	tok := &Token{}
	tok.SetAmountInt(uint256.NewInt(12345))
	if got := tok.Amount; got != "12345" {
		t.Fatalf("Amount = %q, want 12345", got)
	}
	if got := tok.AmountInt(); got.Cmp(uint256.NewInt(12345)) != 0 {
		t.Fatalf("AmountInt() = %s, want 12345", got)
	}
}

func TestToken_AmountIntMalformedDefaultsZero(t *testing.T) {
	tok := &Token{Amount: "not-a-number"}
	if got := tok.AmountInt(); got.Sign() != 0 {
		t.Fatalf("AmountInt() = %s, want 0", got)
	}
}

func TestToken_CloneIsIndependent(t *testing.T) {
	orig := &Token{
		LocalId: "a",
		Amount:  "10",
		SdkBlob: SdkBlob{1, 2, 3},
	}
	cp := orig.Clone()
	cp.Amount = "20"
	cp.SdkBlob[0] = 99

	if orig.Amount != "10" {
		t.Fatalf("clone mutation leaked into original Amount: %s", orig.Amount)
	}
	if orig.SdkBlob[0] != 1 {
		t.Fatalf("clone mutation leaked into original SdkBlob: %v", orig.SdkBlob)
	}
}

func TestToken_CloneNil(t *testing.T) {
	var tok *Token
	if tok.Clone() != nil {
		t.Fatalf("Clone() on nil token should return nil")
	}
}

func TestToken_FungibleUnknownCoinDefaultsTrue(t *testing.T) {
	reg, err := NewRegistry(&FileRegistrySource{Path: "/nonexistent"}, 16, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	tok := &Token{CoinId: CoinId{0xAA}}
	if !tok.Fungible(reg) {
		t.Fatalf("unknown coin should default to fungible")
	}
}
