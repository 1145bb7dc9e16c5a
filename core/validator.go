package core

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
)

// validatorVerdict is the cached outcome of one (tokenId, stateHash, pubkey)
// check. SPENT verdicts are cached permanently for the session (stored in
// a plain map); UNSPENT verdicts expire after 5 minutes (stored in the
// expirable LRU) per spec §4.3.
type validatorVerdict struct {
	spent bool
}

func validatorCacheKey(tokenId TokenId, stateHash string, pubkey string) string {
	return string(tokenId) + "|" + stateHash + "|" + pubkey
}

// Validator classifies live tokens as unspent, spent, or invalid against
// the external Aggregator, and is the safety net behind transfer
// bookkeeping (spec §4.3): if a send committed on the aggregator but a
// crash prevented the local archive, the next Sweep surfaces it.
type Validator struct {
	agg        Aggregator
	spentPerm  map[string]validatorVerdict
	unspentTTL *expirable.LRU[string, validatorVerdict]
	logger     *logrus.Logger
}

const unspentCacheTTL = 5 * time.Minute

// NewValidator wires a Validator against agg.
func NewValidator(agg Aggregator, lg *logrus.Logger) *Validator {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	return &Validator{
		agg:        agg,
		spentPerm:  make(map[string]validatorVerdict),
		unspentTTL: expirable.NewLRU[string, validatorVerdict](8192, nil, unspentCacheTTL),
		logger:     lg,
	}
}

// CurrentStateHash recomputes the token's current state hash from its
// parsed sdkBlob — never from stored metadata, since a local split may
// have mutated the serialized state (spec §4.3).
func CurrentStateHash(pt *ParsedToken) string {
	if len(pt.Transactions) > 0 {
		return pt.Transactions[len(pt.Transactions)-1].NewStateHash
	}
	return pt.State.StateHash
}

// Check classifies a single token against the wallet's own pubkey,
// returning true if it is spent.
func (v *Validator) Check(ctx context.Context, walletPubkey []byte, tok *Token) (spent bool, err error) {
	pt, err := tok.SdkBlob.Parse()
	if err != nil {
		return false, err
	}
	stateHash := CurrentStateHash(pt)
	key := validatorCacheKey(tok.TokenId, stateHash, fmt.Sprintf("%x", walletPubkey))

	if v, ok := v.spentPerm[key]; ok {
		return v.spent, nil
	}
	if v, ok := v.unspentTTL.Get(key); ok {
		return v.spent, nil
	}

	stateHashBytes, decErr := hexOrRaw(stateHash)
	if decErr != nil {
		return false, NewError(KindInvalidToken, "bad state hash", decErr)
	}
	reqId := NewRequestId(walletPubkey, stateHashBytes)
	proof, err := v.agg.Query(ctx, reqId)
	if err != nil {
		return false, NewError(KindAggregatorUnavail, "validator query", err)
	}
	pathValid, pathIncluded, err := v.agg.Verify(ctx, reqId, proof)
	if err != nil {
		return false, NewError(KindAggregatorUnavail, "validator verify", err)
	}
	spent = pathValid && pathIncluded && proof.IsValidInclusion()

	if spent {
		v.spentPerm[key] = validatorVerdict{spent: true}
	} else {
		v.unspentTTL.Add(key, validatorVerdict{spent: false})
	}
	return spent, nil
}

func hexOrRaw(s string) ([]byte, error) {
	if s == "" {
		// Genesis state with no transactions yet: hash the empty state so
		// callers still get a deterministic, non-empty request id.
		h := sha256.Sum256(nil)
		return h[:], nil
	}
	return decodeHexLoose(s)
}

// Report summarizes a Sweep pass.
type Report struct {
	Checked int
	Spent   []LocalTokenId
}

// Sweep runs Check over every token in tokens and returns the ids found
// spent. It does not archive or tombstone them, and no non-test code in
// this module calls Sweep.
func (v *Validator) Sweep(ctx context.Context, walletPubkey []byte, tokens []*Token) (*Report, error) {
	report := &Report{}
	for _, tok := range tokens {
		report.Checked++
		spent, err := v.Check(ctx, walletPubkey, tok)
		if err != nil {
			v.logger.WithError(err).WithField("localId", tok.LocalId).Warn("validator: check failed")
			continue
		}
		if spent {
			report.Spent = append(report.Spent, tok.LocalId)
		}
	}
	return report, nil
}
