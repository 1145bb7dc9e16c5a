package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
)

// PaymentEventKind tags the events Payments.Events() emits.
type PaymentEventKind string

const (
	EventTokenAdded      PaymentEventKind = "token-added"
	EventTokenConfirmed  PaymentEventKind = "token-confirmed"
	EventTokenRemoved    PaymentEventKind = "token-removed"
	EventSyncCompleted   PaymentEventKind = "sync-completed"
	EventValidationIssue PaymentEventKind = "validation-issue"
)

// PaymentEvent is one notification emitted on the Payments event channel.
type PaymentEvent struct {
	Kind    PaymentEventKind
	LocalId LocalTokenId
	CoinId  CoinId
	Message string
	At      time.Time
}

// ReceiveOptions parameterizes Receive.
type ReceiveOptions struct {
	Finalize   bool
	DeadlineMs int64
	OnProgress func(stillPending, resolved int)
}

// ReceiveResult is Receive's outcome.
type ReceiveResult struct {
	Added    int
	Resolved int
	TimedOut bool
}

// ResolveReport is ResolveUnconfirmed's outcome.
type ResolveReport struct {
	Resolved int
	Pending  int
}

// Payments is the single source of truth for the live inventory while the
// wallet is running: it owns the canonical map, derives balances, dispatches
// inbound transfers, reconciles with the sidecar, and emits history. It is
// the component the Transfer Executor borrows through the Inventory
// operations below, mirroring spec §3's ownership rule. Grounded on the
// teacher's core/wallet_management.go for the load/apply/persist shape,
// generalized from an address-keyed balance table to a per-token inventory.
type Payments struct {
	localStore LocalStore
	tokenStore TokenStore
	registry   *Registry
	validator  *Validator
	sidecar    *Sidecar
	transport  *Transport
	identity   *IdentityManager

	history    *HistoryLog
	tombstones *TombstoneLog

	invMu     sync.RWMutex
	inventory map[LocalTokenId]*Token

	coinLockMu sync.Mutex
	coinLocks  map[CoinId]*sync.Mutex

	events chan PaymentEvent
	logger *logrus.Logger

	rateSource RateSource
}

// RateSource is the pluggable, best-effort fiat-rate lookup spec §4.1
// names. A nil or failing source simply yields no FiatValue.
type RateSource interface {
	Rate(ctx context.Context, coinId CoinId) (float64, bool)
}

// NewPayments wires a Payments module against its collaborators.
func NewPayments(localStore LocalStore, tokenStore TokenStore, registry *Registry, validator *Validator, sidecar *Sidecar, transport *Transport, identity *IdentityManager, lg *logrus.Logger) *Payments {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	return &Payments{
		localStore: localStore,
		tokenStore: tokenStore,
		registry:   registry,
		validator:  validator,
		sidecar:    sidecar,
		transport:  transport,
		identity:   identity,
		history:    NewHistoryLog(),
		tombstones: NewTombstoneLog(),
		inventory:  make(map[LocalTokenId]*Token),
		coinLocks:  make(map[CoinId]*sync.Mutex),
		events:     make(chan PaymentEvent, 128),
		logger:     lg,
	}
}

// SetRateSource installs the fiat-value lookup used by GetBalance.
func (p *Payments) SetRateSource(rs RateSource) { p.rateSource = rs }

// Events returns the channel Payments notifications are posted to.
func (p *Payments) Events() <-chan PaymentEvent { return p.events }

func (p *Payments) emit(ev PaymentEvent) {
	ev.At = time.Now()
	select {
	case p.events <- ev:
	default:
		p.logger.WithField("kind", ev.Kind).Warn("payments: event channel full, dropping")
	}
}

// Load rebuilds the in-memory inventory from token storage, dropping any
// token that fails minimal structural validation (spec §4.1).
func (p *Payments) Load(ctx context.Context) error {
	toks, err := p.tokenStore.All()
	if err != nil {
		return fmt.Errorf("payments: load: %w", err)
	}
	p.invMu.Lock()
	defer p.invMu.Unlock()
	p.inventory = make(map[LocalTokenId]*Token, len(toks))
	for _, tok := range toks {
		if _, err := tok.SdkBlob.Parse(); err != nil {
			p.logger.WithError(err).WithField("localId", tok.LocalId).Warn("payments: dropping structurally invalid token")
			p.emit(PaymentEvent{Kind: EventValidationIssue, LocalId: tok.LocalId, Message: err.Error()})
			continue
		}
		p.inventory[tok.LocalId] = tok
	}
	p.logger.WithField("count", len(p.inventory)).Info("payments: loaded inventory")
	return nil
}

// GetTokens returns a defensive-cloned view of all live tokens, optionally
// filtered to one coinId.
func (p *Payments) GetTokens(coinId *CoinId) []*Token {
	p.invMu.RLock()
	defer p.invMu.RUnlock()
	out := make([]*Token, 0, len(p.inventory))
	for _, tok := range p.inventory {
		if coinId != nil && tok.CoinId != *coinId {
			continue
		}
		out = append(out, tok.Clone())
	}
	return out
}

// GetBalance aggregates confirmed/unconfirmed amounts and counts for one
// coinId (spec §4.1's balance shape).
func (p *Payments) GetBalance(ctx context.Context, coinId CoinId) Balance {
	bal := Balance{CoinId: coinId}
	confirmed := uint256.NewInt(0)
	unconfirmed := uint256.NewInt(0)

	p.invMu.RLock()
	for _, tok := range p.inventory {
		if tok.CoinId != coinId {
			continue
		}
		bal.TokenCount++
		switch tok.Status {
		case StatusConfirmed:
			confirmed.Add(confirmed, tok.AmountInt())
			bal.ConfirmedTokenCount++
		case StatusUnconfirmed:
			unconfirmed.Add(unconfirmed, tok.AmountInt())
			bal.UnconfirmedTokenCount++
		}
	}
	p.invMu.RUnlock()

	total := new(uint256.Int).Add(confirmed, unconfirmed)
	bal.ConfirmedAmount = confirmed.Dec()
	bal.UnconfirmedAmount = unconfirmed.Dec()
	bal.TotalAmount = total.Dec()

	if p.rateSource != nil {
		if rate, ok := p.rateSource.Rate(ctx, coinId); ok {
			v := total.Float64() * rate
			bal.FiatValue = &v
		}
	}
	return bal
}

// GetBalances returns a Balance for every coinId currently represented in
// the inventory.
func (p *Payments) GetBalances(ctx context.Context) []Balance {
	p.invMu.RLock()
	seen := map[CoinId]bool{}
	for _, tok := range p.inventory {
		seen[tok.CoinId] = true
	}
	p.invMu.RUnlock()
	out := make([]Balance, 0, len(seen))
	for coinId := range seen {
		out = append(out, p.GetBalance(ctx, coinId))
	}
	return out
}

// GetHistory returns the wallet's send/receive log.
func (p *Payments) GetHistory() []HistoryEntry { return p.history.All() }

// GetTombstones returns the archived-token log.
func (p *Payments) GetTombstones() []Tombstone { return p.tombstones.All() }

// lockCoin returns an unlock func serializing send/resolveUnconfirmed for
// coinId (spec §5's per-coinId lock).
func (p *Payments) lockCoin(coinId CoinId) func() {
	p.coinLockMu.Lock()
	l, ok := p.coinLocks[coinId]
	if !ok {
		l = &sync.Mutex{}
		p.coinLocks[coinId] = l
	}
	p.coinLockMu.Unlock()
	l.Lock()
	return l.Unlock
}

// SelectUnspent collects unspent tokens of coinId in deterministic order
// (oldest createdAt first, tiebreak localId) — the Transfer Executor's
// selection primitive. Must be called while holding lockCoin(coinId).
func (p *Payments) SelectUnspent(coinId CoinId) []*Token {
	p.invMu.RLock()
	defer p.invMu.RUnlock()
	var out []*Token
	for _, tok := range p.inventory {
		if tok.CoinId != coinId || tok.Status == StatusSpent || tok.Status == StatusFailed {
			continue
		}
		out = append(out, tok.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].LocalId < out[j].LocalId
	})
	return out
}

// PutToken upserts tok into both the live inventory and token storage.
func (p *Payments) PutToken(tok *Token) error {
	tok.UpdatedAt = time.Now()
	if err := p.tokenStore.Put(tok); err != nil {
		return fmt.Errorf("payments: persist token: %w", err)
	}
	p.invMu.Lock()
	_, existed := p.inventory[tok.LocalId]
	p.inventory[tok.LocalId] = tok.Clone()
	p.invMu.Unlock()
	if existed {
		p.emit(PaymentEvent{Kind: EventTokenConfirmed, LocalId: tok.LocalId, CoinId: tok.CoinId})
	} else {
		p.emit(PaymentEvent{Kind: EventTokenAdded, LocalId: tok.LocalId, CoinId: tok.CoinId})
	}
	return nil
}

// GetToken returns a clone of the live token, if present.
func (p *Payments) GetToken(id LocalTokenId) (*Token, bool) {
	p.invMu.RLock()
	defer p.invMu.RUnlock()
	tok, ok := p.inventory[id]
	if !ok {
		return nil, false
	}
	return tok.Clone(), true
}

// RemoveToken archives a token to the Sent folder and writes a tombstone —
// used both by transfer completion and by spent-detection (spec §4.1).
func (p *Payments) RemoveToken(localId LocalTokenId, recipientNametag string, skipHistory bool, reason TombstoneReason) error {
	p.invMu.Lock()
	tok, ok := p.inventory[localId]
	if !ok {
		p.invMu.Unlock()
		return NewError(KindInvalidInput, "payments: unknown token", nil).WithMeta("localId", localId)
	}
	delete(p.inventory, localId)
	p.invMu.Unlock()

	pt, err := tok.SdkBlob.Parse()
	stateHash := ""
	if err == nil {
		stateHash = CurrentStateHash(pt)
	}
	p.tombstones.Add(Tombstone{TokenId: tok.TokenId, StateHash: stateHash, ArchivedAt: time.Now(), Reason: reason})

	if err := p.tokenStore.Delete(localId); err != nil {
		p.logger.WithError(err).WithField("localId", localId).Warn("payments: delete token record failed")
	}

	if !skipHistory && reason == ReasonSent {
		p.history.Append(HistoryEntry{
			Timestamp:           time.Now(),
			Type:                HistorySent,
			CoinId:              tok.CoinId,
			Amount:              tok.Amount,
			Symbol:              tok.Symbol,
			CounterpartyNametag: recipientNametag,
			TransferId:          string(tok.TokenId),
		})
	}
	p.emit(PaymentEvent{Kind: EventTokenRemoved, LocalId: localId, CoinId: tok.CoinId})
	return nil
}

// ResolveUnconfirmed attempts to promote unconfirmed tokens to confirmed by
// polling the aggregator for the pending transaction's inclusion proof —
// a single pass (spec §4.1).
func (p *Payments) ResolveUnconfirmed(ctx context.Context) (*ResolveReport, error) {
	report := &ResolveReport{}
	id := p.identity.Active()
	pubkey, err := decodeHexLoose(id.ChainPubkey)
	if err != nil {
		return nil, fmt.Errorf("payments: active identity pubkey: %w", err)
	}

	for _, tok := range p.GetTokens(nil) {
		if tok.Status != StatusUnconfirmed {
			continue
		}
		pt, err := tok.SdkBlob.Parse()
		if err != nil {
			continue
		}
		if !pt.HasUncommittedTail() {
			continue
		}
		tail := &pt.Transactions[len(pt.Transactions)-1]
		prevHash, err := decodeHexLoose(tail.PrevStateHash)
		if err != nil {
			report.Pending++
			continue
		}
		reqId := NewRequestId(pubkey, prevHash)
		proof, err := p.validator.agg.Query(ctx, reqId)
		if err != nil {
			report.Pending++
			continue
		}
		pathValid, pathIncluded, err := p.validator.agg.Verify(ctx, reqId, proof)
		if err != nil || !pathValid || !pathIncluded {
			report.Pending++
			continue
		}
		tail.Proof = proof
		tok.Status = StatusConfirmed
		encoded, err := pt.Encode()
		if err != nil {
			report.Pending++
			continue
		}
		tok.SdkBlob = encoded
		if err := p.PutToken(tok); err != nil {
			p.logger.WithError(err).Warn("payments: persist resolved token failed")
			report.Pending++
			continue
		}
		report.Resolved++
	}
	return report, nil
}

// Receive drains transport-delivered pending transfers, adding each
// recipient-bound token to the inventory, then optionally loops
// ResolveUnconfirmed passes until everything confirms or deadlineMs
// elapses (spec §4.1/§4.4).
func (p *Payments) Receive(ctx context.Context, opts ReceiveOptions) (*ReceiveResult, error) {
	result := &ReceiveResult{}

	for {
		select {
		case inbound := <-p.transport.TokenTransfers:
			if p.history.Has(inbound.TransferId) {
				continue
			}
			tok := &Token{
				LocalId:   LocalTokenId(inbound.TransferId),
				TokenId:   TokenId(inbound.TransferId),
				SdkBlob:   inbound.Payload.Token,
				CreatedAt: time.Now(),
				UpdatedAt: time.Now(),
			}
			pt, err := tok.SdkBlob.Parse()
			if err != nil {
				p.emit(PaymentEvent{Kind: EventValidationIssue, Message: err.Error()})
				continue
			}
			tok.TokenId = pt.Genesis.TokenId
			tok.CoinId = pt.Genesis.CoinId
			tok.Amount = pt.Genesis.Amount
			if pt.HasUncommittedTail() {
				tok.Status = StatusUnconfirmed
			} else {
				tok.Status = StatusConfirmed
			}
			if err := p.PutToken(tok); err != nil {
				p.logger.WithError(err).Warn("payments: receive: persist failed")
				continue
			}
			p.history.Append(HistoryEntry{
				Timestamp:           time.Now(),
				Type:                HistoryReceived,
				CoinId:              tok.CoinId,
				Amount:              tok.Amount,
				Symbol:              tok.Symbol,
				CounterpartyPubkey:  inbound.Payload.Sender.Pubkey,
				CounterpartyNametag: inbound.Payload.Sender.Nametag,
				TransferId:          inbound.TransferId,
			})
			result.Added++
		default:
			goto drained
		}
	}
drained:

	if !opts.Finalize {
		return result, nil
	}

	deadline := time.Now().Add(5 * time.Second)
	if opts.DeadlineMs > 0 {
		deadline = time.Now().Add(time.Duration(opts.DeadlineMs) * time.Millisecond)
	}
	for {
		report, err := p.ResolveUnconfirmed(ctx)
		if err != nil {
			return result, err
		}
		result.Resolved += report.Resolved
		if opts.OnProgress != nil {
			opts.OnProgress(report.Pending, report.Resolved)
		}
		if report.Pending == 0 {
			return result, nil
		}
		if time.Now().After(deadline) {
			result.TimedOut = true
			return result, nil
		}
		select {
		case <-ctx.Done():
			result.TimedOut = true
			return result, nil
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// Sync triggers an IPFS merge/publish cycle against the sidecar.
func (p *Payments) Sync(ctx context.Context) (*SyncResult, error) {
	localTombstones := map[TokenId]bool{}
	for _, ts := range p.tombstones.All() {
		localTombstones[ts.TokenId] = true
	}

	snapshot := &InventorySnapshot{Tokens: map[LocalTokenId]*Token{}}
	for _, tok := range p.GetTokens(nil) {
		snapshot.Tokens[tok.LocalId] = tok
	}

	result, err := p.sidecar.Sync(ctx, snapshot, localTombstones, nil)
	if err != nil {
		return nil, err
	}

	for id, tok := range result.Merged.Tokens {
		if localTombstones[tok.TokenId] {
			continue
		}
		if _, ok := p.GetToken(id); !ok {
			if err := p.PutToken(tok); err != nil {
				p.logger.WithError(err).Warn("payments: sync: persist merged token failed")
			}
		}
	}
	p.invMu.RLock()
	for id := range p.inventory {
		if _, ok := result.Merged.Tokens[id]; !ok {
			p.logger.WithField("localId", id).Debug("payments: sync: local-only token retained")
		}
	}
	p.invMu.RUnlock()

	p.emit(PaymentEvent{Kind: EventSyncCompleted, Message: fmt.Sprintf("added=%d removed=%d conflicts=%d", result.Added, result.Removed, result.Conflicts)})
	return result, nil
}
