package core

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
)

// AddressMode selects how the recipient string is resolved to a peer.
type AddressMode string

const (
	AddressDirect AddressMode = "direct"
	AddressProxy  AddressMode = "proxy"
	AddressAuto   AddressMode = "auto"
)

// TransferMode selects the delivery strategy (spec §4.2).
type TransferMode string

const (
	TransferInstant      TransferMode = "instant"
	TransferConservative TransferMode = "conservative"
)

// TransferRequest is Send's input.
type TransferRequest struct {
	Recipient    string
	Amount       *uint256.Int
	CoinId       CoinId
	AddressMode  AddressMode
	TransferMode TransferMode
	Memo         string
}

// TransferState is a coarse-grained status for TransferResult/PendingTransfers.
type TransferState string

const (
	StateCompleted TransferState = "completed"
	StateDelivered TransferState = "delivered"
	StateFinalized TransferState = "finalized"
	StateFailed    TransferState = "failed"
	StatePartial   TransferState = "partial"
)

// TransferResult is Send's outcome.
type TransferResult struct {
	TransferId    string
	State         TransferState
	ChangeLocalId LocalTokenId
	Err           error
}

// pendingTransfer is the on-disk record backing PendingTransfers/resume. The
// Parent* fields are set only for instant transfers: they let
// finalizeInstant resubmit the deferred burn/mint commit on restart without
// re-deriving it from the (already-mutated) local inventory.
type pendingTransfer struct {
	TransferId       string        `json:"transferId"`
	CoinId           CoinId        `json:"coinId"`
	Mode             TransferMode  `json:"mode"`
	ChangeLocalId    LocalTokenId  `json:"changeLocalId,omitempty"`
	RecipientLocalId LocalTokenId  `json:"recipientLocalId,omitempty"`
	RecipientPubkey  string        `json:"recipientPubkey"`
	State            TransferState `json:"state"`
	StartedAt        time.Time     `json:"startedAt"`

	ParentStateHash string `json:"parentStateHash,omitempty"`
	ParentTokenId   TokenId `json:"parentTokenId,omitempty"`
}

const pendingKeyPrefix = "pending/transfer/"

func pendingKey(transferId string) string { return pendingKeyPrefix + transferId }

// PendingTransferView is the public view PendingTransfers() returns.
type PendingTransferView struct {
	TransferId string
	CoinId     CoinId
	Mode       TransferMode
	State      TransferState
	StartedAt  time.Time
}

// finalizationTimeout bounds how long an instant send's background
// finalization may remain unconfirmed before the policy below applies.
const finalizationTimeout = 24 * time.Hour

// TransferExecutor drives the split/whole transfer state machines described
// in spec §4.2, borrowing the live inventory through Payments' Select/Put/
// Remove operations rather than owning it. Grounded on the teacher's
// core/wallet_management.go transaction-build-and-sign flow, generalized
// from a single signed-transaction submission to a multi-step
// burn/mint/deliver pipeline against the Aggregator.
type TransferExecutor struct {
	payments  *Payments
	transport *Transport
	agg       Aggregator
	identity  *IdentityManager
	local     LocalStore
	logger    *logrus.Logger

	mu      sync.Mutex
	pending map[string]*pendingTransfer
}

// NewTransferExecutor wires an executor against its collaborators and
// restores any pending transfers left over from a previous process.
func NewTransferExecutor(payments *Payments, transport *Transport, agg Aggregator, identity *IdentityManager, local LocalStore, lg *logrus.Logger) *TransferExecutor {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	e := &TransferExecutor{
		payments:  payments,
		transport: transport,
		agg:       agg,
		identity:  identity,
		local:     local,
		logger:    lg,
		pending:   make(map[string]*pendingTransfer),
	}
	e.restorePending()
	return e
}

func (e *TransferExecutor) restorePending() {
	keys, err := e.local.Keys(pendingKeyPrefix)
	if err != nil {
		e.logger.WithError(err).Warn("transfer: restore pending: list failed")
		return
	}
	for _, k := range keys {
		raw, ok, err := e.local.Get(k)
		if err != nil || !ok {
			continue
		}
		var pt pendingTransfer
		if err := json.Unmarshal(raw, &pt); err != nil {
			continue
		}
		e.pending[pt.TransferId] = &pt
	}
	if len(e.pending) > 0 {
		e.logger.WithField("count", len(e.pending)).Info("transfer: restored pending transfers")
	}
}

func (e *TransferExecutor) savePending(pt *pendingTransfer) {
	e.mu.Lock()
	e.pending[pt.TransferId] = pt
	e.mu.Unlock()
	raw, err := json.Marshal(pt)
	if err != nil {
		return
	}
	if err := e.local.Set(pendingKey(pt.TransferId), raw); err != nil {
		e.logger.WithError(err).Warn("transfer: persist pending failed")
	}
}

func (e *TransferExecutor) clearPending(transferId string) {
	e.mu.Lock()
	delete(e.pending, transferId)
	e.mu.Unlock()
	_ = e.local.Delete(pendingKey(transferId))
}

// PendingTransfers lists transfers not yet in a terminal state.
func (e *TransferExecutor) PendingTransfers() []PendingTransferView {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]PendingTransferView, 0, len(e.pending))
	for _, pt := range e.pending {
		out = append(out, PendingTransferView{
			TransferId: pt.TransferId,
			CoinId:     pt.CoinId,
			Mode:       pt.Mode,
			State:      pt.State,
			StartedAt:  pt.StartedAt,
		})
	}
	return out
}

// deriveProxyAddress derives a deterministic fallback proxy address from a
// nametag when addressMode=auto and no directAddress is known (spec §4.2's
// "falls back to a proxy derived from the nametag"; see the open-question
// resolution in the design notes for why this — rather than leaving proxy
// undefined — is the adopted policy).
func deriveProxyAddress(nametag string) string {
	return "PROXY://" + addressHash(nametag)
}

func (e *TransferExecutor) resolveRecipient(ctx context.Context, req TransferRequest) (*PeerInfo, error) {
	peer, err := e.transport.Resolve(ctx, req.Recipient)
	if err != nil || peer == nil {
		return nil, NewError(KindInvalidRecipient, "transfer: recipient not resolved", err)
	}
	switch req.AddressMode {
	case AddressDirect:
		if peer.DirectAddress == "" {
			return nil, NewError(KindInvalidRecipient, "transfer: recipient has no direct address", nil)
		}
	case AddressProxy:
		if peer.ProxyAddress == "" {
			return nil, NewError(KindInvalidRecipient, "transfer: recipient has no proxy address", nil)
		}
	case AddressAuto, "":
		if peer.DirectAddress == "" && peer.ProxyAddress == "" {
			if peer.Nametag != "" {
				peer.ProxyAddress = deriveProxyAddress(peer.Nametag)
			} else {
				return nil, NewError(KindInvalidRecipient, "transfer: no direct or proxy address available", nil)
			}
		}
	}
	return peer, nil
}

// selectInputs gathers unspent tokens of coinId summing to at least amount,
// oldest-first, tiebreak localId (spec §4.2 selection rule).
func selectInputs(candidates []*Token, amount *uint256.Int) ([]*Token, *uint256.Int, error) {
	sum := uint256.NewInt(0)
	var chosen []*Token
	for _, tok := range candidates {
		if tok.Status != StatusConfirmed {
			continue
		}
		chosen = append(chosen, tok)
		sum.Add(sum, tok.AmountInt())
		if sum.Cmp(amount) >= 0 {
			return chosen, sum, nil
		}
	}
	return nil, nil, NewError(KindInsufficientBalance, "transfer: insufficient unspent balance", nil)
}

func (e *TransferExecutor) walletPubkeyBytes() ([]byte, error) {
	id := e.identity.Active()
	return decodeHexLoose(id.ChainPubkey)
}

// Send dispatches req through whole-transfer, conservative-split or
// instant-split execution depending on selection and req.TransferMode.
func (e *TransferExecutor) Send(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if req.Amount == nil || req.Amount.IsZero() {
		return nil, NewError(KindInvalidInput, "transfer: amount must be positive", nil)
	}

	peer, err := e.resolveRecipient(ctx, req)
	if err != nil {
		return nil, err
	}
	recipientPub, err := parsePubkeyHex(peer.ChainPubkey)
	if err != nil {
		return nil, NewError(KindInvalidRecipient, "transfer: recipient chain pubkey invalid", err)
	}

	unlock := e.payments.lockCoin(req.CoinId)
	defer unlock()

	candidates := e.payments.SelectUnspent(req.CoinId)
	fungible := true
	if def, ok := e.payments.registry.Lookup(req.CoinId); ok {
		fungible = def.AssetKind == AssetKindFungible
	}

	transferId := uuid.New().String()

	if !fungible {
		for _, tok := range candidates {
			if tok.AmountInt().Cmp(req.Amount) == 0 {
				return e.executeWholeTransfer(ctx, req, peer, recipientPub, tok, transferId)
			}
		}
		return nil, NewError(KindInsufficientBalance, "transfer: no matching non-fungible token", nil)
	}

	for _, tok := range candidates {
		if tok.Status == StatusConfirmed && tok.AmountInt().Cmp(req.Amount) == 0 {
			return e.executeWholeTransfer(ctx, req, peer, recipientPub, tok, transferId)
		}
	}

	inputs, total, err := selectInputs(candidates, req.Amount)
	if err != nil {
		return nil, err
	}

	if req.TransferMode == TransferInstant {
		return e.executeInstant(ctx, req, peer, recipientPub, inputs, total, transferId)
	}
	return e.executeConservative(ctx, req, peer, recipientPub, inputs, total, transferId)
}

// executeWholeTransfer skips split/mint: a single commit transition on the
// input token, then delivery (spec §4.2 "Whole transfer").
func (e *TransferExecutor) executeWholeTransfer(ctx context.Context, req TransferRequest, peer *PeerInfo, recipientPub *btcec.PublicKey, tok *Token, transferId string) (*TransferResult, error) {
	pubkey, err := e.walletPubkeyBytes()
	if err != nil {
		return nil, err
	}
	pt, err := tok.SdkBlob.Parse()
	if err != nil {
		return nil, NewError(KindInvalidToken, "transfer: input token invalid", err)
	}
	stateHash := CurrentStateHash(pt)
	stateHashBytes, err := hexOrRaw(stateHash)
	if err != nil {
		return nil, err
	}
	reqId := NewRequestId(pubkey, stateHashBytes)

	transition, _ := json.Marshal(map[string]string{"type": "transfer", "tokenId": string(tok.TokenId), "recipient": peer.ChainPubkey})
	proof, err := e.agg.Commit(ctx, reqId, transition)
	if err != nil {
		return &TransferResult{TransferId: transferId, State: StateFailed, Err: err},
			NewError(KindTransferFailed, "transfer: commit failed", err)
	}

	pt.Transactions = append(pt.Transactions, TokenTx{
		PrevStateHash: stateHash,
		NewStateHash:  stateHash,
		Predicate:     peer.ChainPubkey,
		Proof:         proof,
	})
	encoded, err := pt.Encode()
	if err != nil {
		return nil, err
	}
	tok.SdkBlob = encoded
	tok.Status = StatusConfirmed

	if err := e.payments.RemoveToken(tok.LocalId, peer.Nametag, false, ReasonSent); err != nil {
		e.logger.WithError(err).Warn("transfer: archive sent token failed")
	}

	if err := e.deliver(ctx, recipientPub, transferId, tok, proof, req.Memo, peer); err != nil {
		e.savePending(&pendingTransfer{TransferId: transferId, CoinId: req.CoinId, Mode: req.TransferMode, RecipientPubkey: peer.ChainPubkey, State: StatePartial, StartedAt: time.Now()})
		return &TransferResult{TransferId: transferId, State: StatePartial, Err: err},
			NewError(KindPartialFailure, "transfer: delivery failed after commit", err)
	}
	return &TransferResult{TransferId: transferId, State: StateCompleted}, nil
}

func (e *TransferExecutor) deliver(ctx context.Context, recipientPub *btcec.PublicKey, transferId string, tok *Token, proof *Proof, memo string, peer *PeerInfo) error {
	id := e.identity.Active()
	payload := TokenTransferPayload{Token: tok.SdkBlob, Proof: proof, Memo: memo}
	payload.Sender.Pubkey = id.ChainPubkey
	payload.Sender.Nametag = id.Nametag
	return e.transport.SendTokenTransfer(ctx, recipientPub, transferId, payload)
}

// burnInput commits a burn transition for tok's current state and returns
// the updated ParsedToken head (used by both split state machines).
func (e *TransferExecutor) burnInput(ctx context.Context, tok *Token) (*ParsedToken, *Proof, error) {
	pubkey, err := e.walletPubkeyBytes()
	if err != nil {
		return nil, nil, err
	}
	pt, err := tok.SdkBlob.Parse()
	if err != nil {
		return nil, nil, NewError(KindInvalidToken, "transfer: input token invalid", err)
	}
	stateHash := CurrentStateHash(pt)
	stateHashBytes, err := hexOrRaw(stateHash)
	if err != nil {
		return nil, nil, err
	}
	reqId := NewRequestId(pubkey, stateHashBytes)
	transition, _ := json.Marshal(map[string]string{"type": "burn", "tokenId": string(tok.TokenId)})
	proof, err := e.agg.Commit(ctx, reqId, transition)
	if err != nil {
		return nil, nil, err
	}
	return pt, proof, nil
}

// mintSuccessor commits a mint transition producing a new token bound to
// predicatePubkey with the given amount, splitting off from parent.
func (e *TransferExecutor) mintSuccessor(ctx context.Context, parent *ParsedToken, parentTokenId TokenId, coinId CoinId, amount *uint256.Int, predicatePubkey string) (*Token, error) {
	pubkey, err := e.walletPubkeyBytes()
	if err != nil {
		return nil, err
	}
	genesisBytes, err := json.Marshal(parent.Genesis)
	if err != nil {
		return nil, err
	}
	seedHash := sha256.Sum256(genesisBytes)
	reqId := NewRequestId(pubkey, seedHash[:])
	transition, _ := json.Marshal(map[string]string{"type": "mint", "parentTokenId": string(parentTokenId), "amount": amount.Dec()})
	proof, err := e.agg.Commit(ctx, reqId, transition)
	if err != nil {
		return nil, err
	}
	newGenesis := TokenGenesis{
		TokenId:   TokenId(uuid.New().String()),
		CoinId:    coinId,
		Amount:    amount.Dec(),
		Predicate: predicatePubkey,
		CreatedAt: time.Now().Unix(),
	}
	newPT := &ParsedToken{
		Genesis: newGenesis,
		State:   TokenState{StateHash: "", Predicate: predicatePubkey},
		Transactions: []TokenTx{{
			PrevStateHash: "",
			NewStateHash:  "",
			Predicate:     predicatePubkey,
			Proof:         proof,
		}},
	}
	encoded, err := newPT.Encode()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &Token{
		LocalId:   LocalTokenId(uuid.New().String()),
		TokenId:   newGenesis.TokenId,
		CoinId:    coinId,
		Amount:    newGenesis.Amount,
		Status:    StatusConfirmed,
		CreatedAt: now,
		UpdatedAt: now,
		SdkBlob:   encoded,
	}, nil
}

// executeConservative runs S0→S4 of the conservative split state machine
// (spec §4.2): burn the input(s), mint recipient+change successors, then
// deliver the recipient token over transport.
func (e *TransferExecutor) executeConservative(ctx context.Context, req TransferRequest, peer *PeerInfo, recipientPub *btcec.PublicKey, inputs []*Token, total *uint256.Int, transferId string) (*TransferResult, error) {
	// S0 -> S1 Burning
	input := inputs[0]
	pt, burnProof, err := e.burnInput(ctx, input)
	if err != nil {
		return &TransferResult{TransferId: transferId, State: StateFailed, Err: err},
			NewError(KindTransferFailed, "transfer: burn failed, tokens untouched", err)
	}
	stateHash := CurrentStateHash(pt)
	pt.Transactions = append(pt.Transactions, TokenTx{PrevStateHash: stateHash, NewStateHash: stateHash, Predicate: "burned", Proof: burnProof})

	if err := e.payments.RemoveToken(input.LocalId, peer.Nametag, true, ReasonSent); err != nil {
		e.logger.WithError(err).Warn("transfer: tombstone burned input failed")
	}

	change := new(uint256.Int).Sub(total, req.Amount)

	// S1 -> S2 Minting
	recipientTok, err := e.mintSuccessor(ctx, pt, input.TokenId, req.CoinId, req.Amount, peer.ChainPubkey)
	if err != nil {
		e.savePending(&pendingTransfer{TransferId: transferId, CoinId: req.CoinId, Mode: req.TransferMode, RecipientPubkey: peer.ChainPubkey, State: StatePartial, StartedAt: time.Now()})
		return &TransferResult{TransferId: transferId, State: StatePartial, Err: err},
			NewError(KindPartialFailure, "transfer: mint recipient split failed after burn", err)
	}
	var changeTok *Token
	if change.Sign() > 0 {
		id := e.identity.Active()
		changeTok, err = e.mintSuccessor(ctx, pt, input.TokenId, req.CoinId, change, id.ChainPubkey)
		if err != nil {
			e.savePending(&pendingTransfer{TransferId: transferId, CoinId: req.CoinId, Mode: req.TransferMode, RecipientPubkey: peer.ChainPubkey, State: StatePartial, StartedAt: time.Now()})
			return &TransferResult{TransferId: transferId, State: StatePartial, Err: err},
				NewError(KindPartialFailure, "transfer: mint change split failed after burn", err)
		}
		if err := e.payments.PutToken(changeTok); err != nil {
			e.logger.WithError(err).Warn("transfer: persist change token failed")
		}
	}

	// S2 -> S3 Transferring
	if err := e.deliver(ctx, recipientPub, transferId, recipientTok, recipientTok.SdkBlob.mustProof(), req.Memo, peer); err != nil {
		e.savePending(&pendingTransfer{TransferId: transferId, CoinId: req.CoinId, Mode: req.TransferMode, RecipientPubkey: peer.ChainPubkey, ChangeLocalId: localIdOf(changeTok), RecipientLocalId: recipientTok.LocalId, State: StatePartial, StartedAt: time.Now()})
		return &TransferResult{TransferId: transferId, State: StatePartial, ChangeLocalId: localIdOf(changeTok), Err: err},
			NewError(KindPartialFailure, "transfer: delivery failed after mint", err)
	}

	// S3 -> S4 Completed
	e.clearPending(transferId)
	return &TransferResult{TransferId: transferId, State: StateCompleted, ChangeLocalId: localIdOf(changeTok)}, nil
}

func localIdOf(tok *Token) LocalTokenId {
	if tok == nil {
		return ""
	}
	return tok.LocalId
}

// mustProof extracts the tail transaction's proof from an encoded sdkBlob,
// used only right after mintSuccessor where parse failure would indicate a
// programming error in this package, not untrusted input.
func (b SdkBlob) mustProof() *Proof {
	pt, err := b.Parse()
	if err != nil || len(pt.Transactions) == 0 {
		return nil
	}
	return pt.Transactions[len(pt.Transactions)-1].Proof
}

// executeInstant runs S0→S2 synchronously (local split + immediate
// delivery) and schedules background finalization for S2→S3 (spec §4.2).
func (e *TransferExecutor) executeInstant(ctx context.Context, req TransferRequest, peer *PeerInfo, recipientPub *btcec.PublicKey, inputs []*Token, total *uint256.Int, transferId string) (*TransferResult, error) {
	input := inputs[0]
	pt, err := input.SdkBlob.Parse()
	if err != nil {
		return nil, NewError(KindInvalidToken, "transfer: input token invalid", err)
	}
	stateHash := CurrentStateHash(pt)
	change := new(uint256.Int).Sub(total, req.Amount)

	now := time.Now()
	recipientGenesis := TokenGenesis{TokenId: TokenId(uuid.New().String()), CoinId: req.CoinId, Amount: req.Amount.Dec(), Predicate: peer.ChainPubkey, CreatedAt: now.Unix()}
	recipientPT := &ParsedToken{
		Genesis: recipientGenesis,
		State:   TokenState{StateHash: stateHash, Predicate: peer.ChainPubkey},
		Transactions: []TokenTx{{PrevStateHash: stateHash, NewStateHash: stateHash, Predicate: peer.ChainPubkey, Proof: nil}},
	}
	recipientBlob, err := recipientPT.Encode()
	if err != nil {
		return nil, err
	}
	recipientTok := &Token{LocalId: LocalTokenId(uuid.New().String()), TokenId: recipientGenesis.TokenId, CoinId: req.CoinId, Amount: recipientGenesis.Amount, Status: StatusUnconfirmed, CreatedAt: now, UpdatedAt: now, SdkBlob: recipientBlob}

	var changeTok *Token
	if change.Sign() > 0 {
		id := e.identity.Active()
		changeGenesis := TokenGenesis{TokenId: TokenId(uuid.New().String()), CoinId: req.CoinId, Amount: change.Dec(), Predicate: id.ChainPubkey, CreatedAt: now.Unix()}
		changePT := &ParsedToken{
			Genesis: changeGenesis,
			State:   TokenState{StateHash: stateHash, Predicate: id.ChainPubkey},
			Transactions: []TokenTx{{PrevStateHash: stateHash, NewStateHash: stateHash, Predicate: id.ChainPubkey, Proof: nil}},
		}
		changeBlob, err := changePT.Encode()
		if err != nil {
			return nil, err
		}
		changeTok = &Token{LocalId: LocalTokenId(uuid.New().String()), TokenId: changeGenesis.TokenId, CoinId: req.CoinId, Amount: changeGenesis.Amount, Status: StatusUnconfirmed, CreatedAt: now, UpdatedAt: now, SdkBlob: changeBlob}
		if err := e.payments.PutToken(changeTok); err != nil {
			e.logger.WithError(err).Warn("transfer: persist change token failed")
		}
	}

	if err := e.payments.RemoveToken(input.LocalId, peer.Nametag, true, ReasonSent); err != nil {
		e.logger.WithError(err).Warn("transfer: tombstone split input failed")
	}

	// S1 -> S2 Delivered
	if err := e.deliver(ctx, recipientPub, transferId, recipientTok, nil, req.Memo, peer); err != nil {
		e.savePending(&pendingTransfer{TransferId: transferId, CoinId: req.CoinId, Mode: req.TransferMode, RecipientPubkey: peer.ChainPubkey, ChangeLocalId: localIdOf(changeTok), RecipientLocalId: recipientTok.LocalId, State: StatePartial, StartedAt: now, ParentStateHash: stateHash, ParentTokenId: input.TokenId})
		return &TransferResult{TransferId: transferId, State: StatePartial, ChangeLocalId: localIdOf(changeTok), Err: err},
			NewError(KindPartialFailure, "transfer: instant delivery failed", err)
	}

	e.savePending(&pendingTransfer{TransferId: transferId, CoinId: req.CoinId, Mode: req.TransferMode, RecipientPubkey: peer.ChainPubkey, ChangeLocalId: localIdOf(changeTok), RecipientLocalId: recipientTok.LocalId, State: StateDelivered, StartedAt: now, ParentStateHash: stateHash, ParentTokenId: input.TokenId})
	return &TransferResult{TransferId: transferId, State: StateDelivered, ChangeLocalId: localIdOf(changeTok)}, nil
}

// finalizeInstant submits the deferred burn/mint commit an instant send's
// S1 (SplitLocal) step skipped, updating the locally-retained change token
// with its real inclusion proof once the aggregator accepts it. Returns nil
// once the transfer is Finalized; an aggregator error is returned and
// leaves pt untouched for the next pass.
func (e *TransferExecutor) finalizeInstant(ctx context.Context, pt *pendingTransfer) error {
	pubkey, err := e.walletPubkeyBytes()
	if err != nil {
		return err
	}
	stateHashBytes, err := hexOrRaw(pt.ParentStateHash)
	if err != nil {
		return err
	}
	reqId := NewRequestId(pubkey, stateHashBytes)
	transition, _ := json.Marshal(map[string]string{"type": "burn", "tokenId": string(pt.ParentTokenId)})
	if _, err := e.agg.Commit(ctx, reqId, transition); err != nil {
		return err
	}

	if pt.ChangeLocalId != "" {
		tok, ok := e.payments.GetToken(pt.ChangeLocalId)
		if ok {
			changePT, err := tok.SdkBlob.Parse()
			if err == nil {
				seed, _ := json.Marshal(map[string]string{"parent": string(pt.ParentTokenId), "predicate": changePT.Genesis.Predicate})
				seedHash := sha256.Sum256(seed)
				mintReqId := NewRequestId(pubkey, seedHash[:])
				mintTransition, _ := json.Marshal(map[string]string{"type": "mint", "parentTokenId": string(pt.ParentTokenId), "amount": changePT.Genesis.Amount})
				mintProof, err := e.agg.Commit(ctx, mintReqId, mintTransition)
				if err != nil {
					return err
				}
				tail := &changePT.Transactions[len(changePT.Transactions)-1]
				tail.Proof = mintProof
				tok.Status = StatusConfirmed
				if encoded, err := changePT.Encode(); err == nil {
					tok.SdkBlob = encoded
					if err := e.payments.PutToken(tok); err != nil {
						e.logger.WithError(err).Warn("transfer: persist finalized change token failed")
					}
				}
			}
		}
	}

	pt.State = StateFinalized
	e.clearPending(pt.TransferId)
	return nil
}

// WaitForPendingOperations drains S2->S3 finalization work for instant
// sends by resubmitting their deferred burn/mint commit until the
// aggregator accepts it or ctx is done. Past finalizationTimeout the policy
// decision recorded in the design notes applies: the transfer's change and
// recipient tokens still held locally are marked failed rather than left
// unconfirmed forever.
func (e *TransferExecutor) WaitForPendingOperations(ctx context.Context) error {
	for {
		e.mu.Lock()
		pending := make([]*pendingTransfer, 0, len(e.pending))
		for _, pt := range e.pending {
			if pt.Mode == TransferInstant && pt.State == StateDelivered {
				pending = append(pending, pt)
			}
		}
		e.mu.Unlock()
		if len(pending) == 0 {
			return nil
		}

		remaining := 0
		for _, pt := range pending {
			if err := e.finalizeInstant(ctx, pt); err != nil {
				e.logger.WithError(err).WithField("transferId", pt.TransferId).Debug("transfer: finalize not ready yet")
				if time.Since(pt.StartedAt) > finalizationTimeout {
					e.failPendingTokens(pt)
					e.clearPending(pt.TransferId)
					continue
				}
				remaining++
			}
		}
		if remaining == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (e *TransferExecutor) failPendingTokens(pt *pendingTransfer) {
	for _, localId := range []LocalTokenId{pt.RecipientLocalId, pt.ChangeLocalId} {
		if localId == "" {
			continue
		}
		tok, ok := e.payments.GetToken(localId)
		if !ok {
			continue
		}
		tok.Status = StatusFailed
		if err := e.payments.PutToken(tok); err != nil {
			e.logger.WithError(err).Warn("transfer: mark token failed after finalization timeout")
		}
	}
}
