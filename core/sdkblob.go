package core

import (
	"encoding/json"
	"fmt"
)

// SdkBlob is the opaque, self-contained wire form of a token's transaction
// history (spec §3/§9): a newtype over the bytes a real aggregator SDK
// would hand us, so most of this package treats it as opaque and only
// Parse/Encode ever look inside.
type SdkBlob []byte

// TokenGenesis is the immutable record a token's history is rooted at.
type TokenGenesis struct {
	TokenId   TokenId `json:"tokenId"`
	CoinId    CoinId  `json:"coinId"`
	Amount    string  `json:"amount"`
	Predicate string  `json:"predicate"`
	CreatedAt int64   `json:"createdAt"`
}

// TokenState is the token's current spending condition: the hash transfer
// proofs are requested against, and the predicate (owner pubkey/script)
// that must authorize the next transition.
type TokenState struct {
	StateHash string `json:"stateHash"`
	Predicate string `json:"predicate"`
}

// TokenTx is one state transition in a token's history. Proof is nil for a
// transition applied locally (an instant split's recipient/change token)
// but not yet committed to the aggregator; Committed reports whether that
// has happened.
type TokenTx struct {
	PrevStateHash string `json:"prevStateHash"`
	NewStateHash  string `json:"newStateHash"`
	Predicate     string `json:"predicate"`
	Proof         *Proof `json:"proof,omitempty"`
}

// Committed reports whether the aggregator has accepted this transition.
func (tx TokenTx) Committed() bool {
	return tx.Proof != nil
}

// ParsedToken is the tagged-union view Parse yields: genesis record, current
// state, and the ordered transaction log between them.
type ParsedToken struct {
	Genesis      TokenGenesis `json:"genesis"`
	State        TokenState   `json:"state"`
	Transactions []TokenTx    `json:"transactions,omitempty"`
}

// Parse decodes b into a ParsedToken. It is a total function over b's
// declared type: any bytes that aren't a well-formed encoding return an
// error rather than a zero-value token, so callers never mistake malformed
// state for a freshly-minted one.
func (b SdkBlob) Parse() (*ParsedToken, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("sdkblob: empty blob")
	}
	var pt ParsedToken
	if err := json.Unmarshal(b, &pt); err != nil {
		return nil, fmt.Errorf("sdkblob: parse: %w", err)
	}
	return &pt, nil
}

// Encode is Parse's inverse, re-serializing pt back into wire form.
func (pt *ParsedToken) Encode() (SdkBlob, error) {
	raw, err := json.Marshal(pt)
	if err != nil {
		return nil, fmt.Errorf("sdkblob: encode: %w", err)
	}
	return SdkBlob(raw), nil
}

// HasUncommittedTail reports whether the most recent transaction has not
// yet been accepted by the aggregator — the signal ResolveUnconfirmed and
// Receive use to mark a token Unconfirmed rather than Confirmed (spec
// §4.1/§4.4). A token with no transactions is at genesis and is never
// considered to have an uncommitted tail.
func (pt *ParsedToken) HasUncommittedTail() bool {
	if len(pt.Transactions) == 0 {
		return false
	}
	return !pt.Transactions[len(pt.Transactions)-1].Committed()
}
