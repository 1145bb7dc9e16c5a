package core

import (
	"context"
	"crypto/sha256"
	"errors"
	"math/big"
)

// RequestId is the aggregator's lookup key: H(pubkey_bytes, state_hash_bytes).
type RequestId [32]byte

// NewRequestId computes RequestId = SHA-256(pubkey || stateHash), matching
// spec §3/§6. The real aggregator client (out of scope here) must use the
// same construction so our locally-computed RequestId agrees with its own.
func NewRequestId(pubkey, stateHash []byte) RequestId {
	h := sha256.New()
	h.Write(pubkey)
	h.Write(stateHash)
	var out RequestId
	copy(out[:], h.Sum(nil))
	return out
}

// ToBigInt mirrors the aggregator's verify(requestId.toBigInt()) contract.
func (r RequestId) ToBigInt() *big.Int {
	return new(big.Int).SetBytes(r[:])
}

// Authenticator is opaque proof material the aggregator attaches to an
// inclusion proof; its internal structure belongs to the aggregator client,
// not to this module.
type Authenticator []byte

// MerklePath and Certificate are likewise opaque to this module — we only
// need to know whether they round-trip and whether a proof is present.
type MerklePath []byte
type Certificate []byte

// Proof is the result of an aggregator lookup for a RequestId: either an
// inclusion proof (the state was committed as an input to a transition) or
// an exclusion proof (it was not).
type Proof struct {
	Included       bool
	Authenticator  Authenticator
	MerkleTreePath MerklePath
	Certificate    Certificate
}

// IsValidInclusion reports "spent for this owner" per spec §4.3/§6:
// isPathValid ∧ isPathIncluded ∧ authenticator ≠ ∅.
func (p *Proof) IsValidInclusion() bool {
	return p != nil && p.Included && len(p.Authenticator) > 0
}

// Aggregator is the external collaborator contract: given a RequestId,
// return an inclusion or exclusion proof. The concrete aggregator client
// (an existing library) is out of scope — this module only depends on the
// interface, and on Verify for path validation.
type Aggregator interface {
	// Query resolves a RequestId to a Proof. Transient failures should be
	// returned as an error satisfying errors.Is(err, ErrAggregatorUnavailable)
	// so callers can distinguish them from AggregatorRejected outcomes.
	Query(ctx context.Context, id RequestId) (*Proof, error)

	// Verify re-validates a proof's merkle path against id, returning
	// (isPathValid, isPathIncluded) per spec §6.
	Verify(ctx context.Context, id RequestId, proof *Proof) (pathValid, pathIncluded bool, err error)

	// Commit submits a state transition (burn or mint) for inclusion.
	// AggregatorRejected indicates the commit was refused (e.g. a
	// double-spend was detected upstream).
	Commit(ctx context.Context, id RequestId, transition []byte) (*Proof, error)
}

// ErrAggregatorUnavailable marks transient aggregator failures (network,
// 5xx) that are safe to retry with backoff.
var ErrAggregatorUnavailable = errors.New("aggregator unavailable")

// ErrAggregatorRejected marks a commit the aggregator refused outright.
var ErrAggregatorRejected = errors.New("aggregator rejected commit")
