package core

import (
	"time"

	"github.com/holiman/uint256"
)

// Status is a token's lifecycle state within the wallet.
type Status string

const (
	StatusUnconfirmed Status = "unconfirmed"
	StatusConfirmed   Status = "confirmed"
	StatusSpent       Status = "spent"
	StatusFailed      Status = "failed"
)

// Token is the persisted record backing one live inventory entry. Amount is
// kept as a decimal string on the wire (spec §3) and as a uint256.Int in
// memory for arithmetic.
type Token struct {
	LocalId   LocalTokenId `json:"localId"`
	TokenId   TokenId      `json:"tokenId"`
	CoinId    CoinId       `json:"coinId"`
	Amount    string       `json:"amount"`
	Status    Status       `json:"status"`
	Symbol    string       `json:"symbol,omitempty"`
	Decimals  uint8        `json:"decimals,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
	SdkBlob   SdkBlob      `json:"sdkBlob"`
}

// AmountInt parses Amount into a uint256.Int, defaulting to zero on a blank
// or malformed string (callers that need the error should use
// uint256.FromDecimal directly).
func (t *Token) AmountInt() *uint256.Int {
	n, err := uint256.FromDecimal(t.Amount)
	if err != nil {
		return uint256.NewInt(0)
	}
	return n
}

// SetAmountInt stores n back into Amount's canonical decimal form.
func (t *Token) SetAmountInt(n *uint256.Int) {
	t.Amount = n.Dec()
}

// Clone returns a deep-enough copy safe to hand across a subsystem boundary
// (spec §3: "Token instances are shared by value (cloned) when crossing a
// subsystem boundary").
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	cp := *t
	cp.SdkBlob = append(SdkBlob(nil), t.SdkBlob...)
	return &cp
}

// Fungible reports whether t's coin is a fungible asset per its registry
// Definition; non-fungible tokens must match exactly during selection.
func (t *Token) Fungible(reg *Registry) bool {
	def, ok := reg.Lookup(t.CoinId)
	if !ok {
		// Unknown coins are treated as fungible by default — the common
		// case, and conservative for balance aggregation.
		return true
	}
	return def.AssetKind == AssetKindFungible
}

// TombstoneReason explains why a token left the live set.
type TombstoneReason string

const (
	ReasonSent          TombstoneReason = "sent"
	ReasonSpentDetected TombstoneReason = "spent-detected"
	ReasonInvalid       TombstoneReason = "invalid"
)

// Tombstone prevents a just-sent or detected-spent token from being
// re-synced back into the live set.
type Tombstone struct {
	TokenId    TokenId         `json:"tokenId"`
	StateHash  string          `json:"stateHash"`
	ArchivedAt time.Time       `json:"archivedAt"`
	Reason     TombstoneReason `json:"reason"`
}

// Balance is the per-coin aggregate spec §4.1 describes.
type Balance struct {
	CoinId                CoinId `json:"coinId"`
	ConfirmedAmount       string `json:"confirmedAmount"`
	UnconfirmedAmount     string `json:"unconfirmedAmount"`
	TotalAmount           string `json:"totalAmount"`
	TokenCount            int    `json:"tokenCount"`
	ConfirmedTokenCount   int    `json:"confirmedTokenCount"`
	UnconfirmedTokenCount int    `json:"unconfirmedTokenCount"`
	// FiatValue is best-effort; nil when no rate source is configured or
	// the source could not be reached.
	FiatValue *float64 `json:"fiatValue,omitempty"`
}
