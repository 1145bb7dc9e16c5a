package core

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ipfs/go-cid"
	crypto "github.com/libp2p/go-libp2p/core/crypto"
	peer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multibase"
	mh "github.com/multiformats/go-multihash"
	"go.uber.org/zap"
)

// SnapshotMeta is the `_meta` block of an InventorySnapshot (spec §3).
type SnapshotMeta struct {
	Version       uint64    `json:"version"`
	Address       string    `json:"address"`
	FormatVersion int       `json:"formatVersion"`
	UpdatedAt     time.Time `json:"updatedAt"`
	LastCid       string    `json:"lastCid,omitempty"`
}

const snapshotFormatVersion = 1

// InventorySnapshot is the unit of IPFS publication: the full live token
// set plus its chain metadata.
type InventorySnapshot struct {
	Meta   SnapshotMeta            `json:"_meta"`
	Tokens map[LocalTokenId]*Token `json:"tokens"`
}

func cloneSnapshot(s *InventorySnapshot) *InventorySnapshot {
	if s == nil {
		return nil
	}
	out := &InventorySnapshot{Meta: s.Meta, Tokens: make(map[LocalTokenId]*Token, len(s.Tokens))}
	for id, tok := range s.Tokens {
		out.Tokens[id] = tok.Clone()
	}
	return out
}

// NameRecord is the signed `{cid, sequence}` pointer published under the
// sidecar's derived Ed25519 key (spec §4.5/§6).
type NameRecord struct {
	Cid       string
	Sequence  uint64
	Signature []byte
}

// RemoteStore is the content-addressed upload/fetch and name-record
// publish/resolve contract spec §6 describes; the concrete gateway/DHT
// client lives outside this module's scope.
type RemoteStore interface {
	Upload(ctx context.Context, data []byte) (cidStr string, err error)
	Fetch(ctx context.Context, cidStr string) ([]byte, error)
	PublishName(ctx context.Context, pub crypto.PubKey, record NameRecord) error
	ResolveName(ctx context.Context, pub crypto.PubKey) (NameRecord, bool, error)
}

// SidecarState is the persisted chain-discipline bookkeeping spec §3/§6
// names, restored by the facade on construction.
type SidecarState struct {
	IpnsName         string `json:"ipnsName"`
	SequenceNumber   uint64 `json:"sequenceNumber"`
	LastPublishedCid string `json:"lastPublishedCid,omitempty"`
	PendingCid       string `json:"pendingCid,omitempty"`
	DataVersion      uint64 `json:"dataVersion"`
	RemoteCid        string `json:"remoteCid,omitempty"`
}

const sidecarStateKey = "sidecar/state"

const defaultDebounce = 100 * time.Millisecond

// Sidecar is the IPFS-style content-addressed remote storage layer: a
// write-behind single-slot buffer debounced onto a background flush, with
// CID-chain discipline on publish and merge-on-conflict sync. Grounded on
// the teacher's core/storage.go diskLRU + core/ipfs.go gateway wrapper,
// generalized from a pinning cache to a versioned name-record publisher
// using ipfs/go-cid + multihash for CIDs and libp2p core/crypto + core/peer
// for the IPNS-like Ed25519 identity.
type Sidecar struct {
	remote RemoteStore
	local  LocalStore
	logger *zap.SugaredLogger

	priv crypto.PrivKey
	pub  crypto.PubKey

	mu        sync.Mutex
	state     SidecarState
	buffered  *InventorySnapshot
	flushing  bool
	timer     *time.Timer
	closed    bool
	flushDone chan struct{}
}

// NewSidecar derives the sidecar's Ed25519 identity from the wallet's
// secp256k1 private key via HKDF(info="ipfs-storage-ed25519-v1") and wires
// it against remote/local.
func NewSidecar(walletPriv []byte, remote RemoteStore, local LocalStore, lg *zap.SugaredLogger) (*Sidecar, error) {
	seed, err := HKDFKey(walletPriv, "sphere-sidecar-salt", "ipfs-storage-ed25519-v1", 32)
	if err != nil {
		return nil, fmt.Errorf("sidecar: derive key: %w", err)
	}
	stdPriv := ed25519.NewKeyFromSeed(seed)
	priv, err := crypto.UnmarshalEd25519PrivateKey(stdPriv)
	if err != nil {
		return nil, fmt.Errorf("sidecar: ed25519 key: %w", err)
	}
	pub := priv.GetPublic()
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("sidecar: peer id: %w", err)
	}
	if lg == nil {
		z, _ := zap.NewProduction()
		lg = z.Sugar()
	}
	s := &Sidecar{
		remote: remote,
		local:  local,
		logger: lg,
		priv:   priv,
		pub:    pub,
		state:  SidecarState{IpnsName: id.String()},
	}
	if raw, ok, err := local.Get(sidecarStateKey); err == nil && ok {
		var persisted SidecarState
		if jErr := json.Unmarshal(raw, &persisted); jErr == nil {
			persisted.IpnsName = s.state.IpnsName
			s.state = persisted
		}
	}
	return s, nil
}

// State returns a copy of the current persisted chain state.
func (s *Sidecar) State() SidecarState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sidecar) persistState() error {
	raw, err := json.Marshal(s.state)
	if err != nil {
		return err
	}
	return s.local.Set(sidecarStateKey, raw)
}

// Save hands snapshot to the write-behind buffer and returns immediately;
// rapid successive saves coalesce, latest wins (spec §4.5).
func (s *Sidecar) Save(snapshot *InventorySnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.buffered = cloneSnapshot(snapshot)
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(defaultDebounce, s.scheduleFlush)
}

func (s *Sidecar) scheduleFlush() {
	go s.flush(context.Background())
}

// flush publishes the buffered snapshot, applying CID-chain discipline. If
// a flush is already in progress, the new save is left buffered and picked
// up by the in-flight flush's trailing check.
func (s *Sidecar) flush(ctx context.Context) {
	s.mu.Lock()
	if s.flushing || s.buffered == nil {
		s.mu.Unlock()
		return
	}
	s.flushing = true
	snap := s.buffered
	s.buffered = nil
	preVersion := s.state.DataVersion
	preSeq := s.state.SequenceNumber
	preRemoteCid := s.state.RemoteCid
	s.mu.Unlock()

	newCid, newVersion, err := s.publishOnce(ctx, snap, preRemoteCid, preVersion)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushing = false
	if err != nil {
		s.logger.Warnw("sidecar: publish failed, will retry", "error", err)
		s.state.DataVersion = preVersion
		s.state.SequenceNumber = preSeq
		s.state.RemoteCid = preRemoteCid
		// Never advance on failure; re-merge the failed snapshot so the
		// retryWithBackoff goroutine below retries it.
		if s.buffered == nil {
			s.buffered = snap
		}
		go s.retryWithBackoff(ctx)
		return
	}
	s.state.RemoteCid = newCid
	s.state.LastPublishedCid = newCid
	s.state.DataVersion = newVersion
	s.state.SequenceNumber++
	if perr := s.persistState(); perr != nil {
		s.logger.Warnw("sidecar: persist state failed", "error", perr)
	}
	if s.buffered != nil {
		s.timer = time.AfterFunc(defaultDebounce, s.scheduleFlush)
	}
}

func (s *Sidecar) retryWithBackoff(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	_ = backoff.Retry(func() error {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
		s.flush(ctx)
		s.mu.Lock()
		stillBuffered := s.buffered != nil
		s.mu.Unlock()
		if stillBuffered {
			return fmt.Errorf("sidecar: retry pending")
		}
		return nil
	}, backoff.WithMaxRetries(b, 5))
}

// publishOnce uploads snap with chain metadata set per spec §4.5's
// bootstrap-vs-chained rule and publishes the updated name record.
func (s *Sidecar) publishOnce(ctx context.Context, snap *InventorySnapshot, priorCid string, priorVersion uint64) (newCid string, newVersion uint64, err error) {
	if priorCid == "" {
		snap.Meta.Version = 1
		snap.Meta.LastCid = ""
	} else {
		snap.Meta.Version = priorVersion + 1
		snap.Meta.LastCid = priorCid
	}
	snap.Meta.FormatVersion = snapshotFormatVersion
	snap.Meta.UpdatedAt = time.Now()

	raw, err := json.Marshal(snap)
	if err != nil {
		return "", 0, fmt.Errorf("sidecar: encode snapshot: %w", err)
	}
	cidStr, err := s.remote.Upload(ctx, raw)
	if err != nil {
		return "", 0, fmt.Errorf("sidecar: upload: %w", err)
	}
	if err := validateCIDString(cidStr); err != nil {
		return "", 0, fmt.Errorf("sidecar: remote returned malformed CID: %w", err)
	}

	s.mu.Lock()
	nextSeq := s.state.SequenceNumber + 1
	s.mu.Unlock()
	sig, err := s.priv.Sign([]byte(fmt.Sprintf("%s|%d", cidStr, nextSeq)))
	if err != nil {
		return "", 0, fmt.Errorf("sidecar: sign record: %w", err)
	}
	record := NameRecord{Cid: cidStr, Sequence: nextSeq, Signature: sig}
	if err := s.remote.PublishName(ctx, s.pub, record); err != nil {
		return "", 0, fmt.Errorf("sidecar: publish name: %w", err)
	}
	return cidStr, snap.Meta.Version, nil
}

// Shutdown drains the write-behind buffer synchronously, flushing any
// pending snapshot before releasing the debounce timer.
func (s *Sidecar) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	pending := s.buffered != nil
	s.closed = true
	s.mu.Unlock()

	if pending {
		s.flush(ctx)
	}
	return nil
}

// LoadResult is the outcome of a Load call.
type LoadResult struct {
	Success bool
	Data    *InventorySnapshot
	Source  string
	Error   error
}

// Load resolves the name record, verifies sequence monotonicity, and
// fetches the pointed-to snapshot (spec §4.5). A "not found" record is not
// an error — it is the legitimate state of an uninitialized identity.
func (s *Sidecar) Load(ctx context.Context) (*LoadResult, error) {
	record, ok, err := s.remote.ResolveName(ctx, s.pub)
	if err != nil {
		return nil, NewError(KindAggregatorUnavail, "sidecar resolve", err)
	}
	if !ok {
		return &LoadResult{Success: false, Error: fmt.Errorf("not found")}, nil
	}

	s.mu.Lock()
	lastKnownSeq := s.state.SequenceNumber
	s.mu.Unlock()
	if record.Sequence < lastKnownSeq {
		return nil, NewError(KindConflictingPublish, "sidecar: name record sequence regressed", nil).
			WithMeta("gotSequence", record.Sequence).WithMeta("lastKnown", lastKnownSeq)
	}

	raw, err := s.remote.Fetch(ctx, record.Cid)
	if err != nil {
		return nil, NewError(KindAggregatorUnavail, "sidecar fetch", err)
	}
	var snap InventorySnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, NewError(KindInvalidInput, "sidecar: malformed snapshot", err)
	}

	s.mu.Lock()
	s.state.SequenceNumber = record.Sequence
	s.state.RemoteCid = record.Cid
	_ = s.persistState()
	s.mu.Unlock()

	return &LoadResult{Success: true, Data: &snap, Source: "remote"}, nil
}

// SyncResult reports the outcome of a merge-on-conflict sync round.
type SyncResult struct {
	Added     int
	Removed   int
	Conflicts int
	Merged    *InventorySnapshot
}

// Sync pulls the remote snapshot and reconciles it against local per
// spec §4.5's merge rule: union of ids minus either side's tombstones,
// divergent tokens resolved by longer committed chain then newer
// updatedAt, merged version strictly increasing. The merged snapshot is
// handed to Save so it re-publishes.
func (s *Sidecar) Sync(ctx context.Context, local *InventorySnapshot, localTombstones, remoteTombstones map[TokenId]bool) (*SyncResult, error) {
	res, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}

	remote := &InventorySnapshot{Meta: SnapshotMeta{}, Tokens: map[LocalTokenId]*Token{}}
	if res.Success {
		remote = res.Data
	}

	merged := &InventorySnapshot{Tokens: map[LocalTokenId]*Token{}}
	result := &SyncResult{}

	seen := map[LocalTokenId]bool{}
	consider := func(id LocalTokenId, localTok, remoteTok *Token) {
		if seen[id] {
			return
		}
		seen[id] = true
		tombstoned := func(tok *Token) bool {
			return tok != nil && (isTombstoned(tok.TokenId, localTombstones) || isTombstoned(tok.TokenId, remoteTombstones))
		}
		if tombstoned(localTok) || tombstoned(remoteTok) {
			if localTok != nil && remoteTok != nil {
				result.Removed++
			}
			return
		}
		switch {
		case localTok != nil && remoteTok == nil:
			merged.Tokens[id] = localTok
			result.Added++
		case localTok == nil && remoteTok != nil:
			merged.Tokens[id] = remoteTok
			result.Added++
		case localTok != nil && remoteTok != nil:
			if string(localTok.SdkBlob) == string(remoteTok.SdkBlob) {
				merged.Tokens[id] = localTok
			} else {
				result.Conflicts++
				merged.Tokens[id] = resolveTokenConflict(localTok, remoteTok)
			}
		}
	}

	if local != nil {
		for id, tok := range local.Tokens {
			consider(id, tok, remote.Tokens[id])
		}
	}
	for id, tok := range remote.Tokens {
		consider(id, nil, tok)
		if merged.Tokens[id] == nil && !seen[id] {
			merged.Tokens[id] = tok
		}
	}

	localVersion := uint64(0)
	if local != nil {
		localVersion = local.Meta.Version
	}
	remoteVersion := remote.Meta.Version
	mergedVersion := localVersion
	if remoteVersion > mergedVersion {
		mergedVersion = remoteVersion
	}
	merged.Meta.Version = mergedVersion + 1

	result.Merged = merged
	s.Save(merged)
	return result, nil
}

func isTombstoned(id TokenId, set map[TokenId]bool) bool {
	if set == nil {
		return false
	}
	return set[id]
}

// resolveTokenConflict picks the token further along its committed
// transaction chain, tiebreaking on newer UpdatedAt (spec §4.5).
func resolveTokenConflict(a, b *Token) *Token {
	aLen, aErr := committedChainLen(a)
	bLen, bErr := committedChainLen(b)
	if aErr == nil && bErr == nil {
		if aLen != bLen {
			if aLen > bLen {
				return a
			}
			return b
		}
	}
	if a.UpdatedAt.After(b.UpdatedAt) {
		return a
	}
	return b
}

func committedChainLen(t *Token) (int, error) {
	pt, err := t.SdkBlob.Parse()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, tx := range pt.Transactions {
		if tx.Committed() {
			n++
		}
	}
	return n, nil
}

// computeCID is exposed for callers (and tests) that need the same
// deterministic CIDv1/raw/sha2-256 encoding the remote store uses, matching
// the teacher's Storage.Pin local-CID computation.
func computeCID(data []byte) (string, error) {
	sum, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return "", err
	}
	return cid.NewCidV1(cid.Raw, sum).String(), nil
}

// validateCIDString rejects anything the remote store hands back that
// isn't a properly multibase-encoded CID, so a malformed response never
// gets persisted as lastCid and silently breaks the chain.
func validateCIDString(s string) error {
	if s == "" {
		return fmt.Errorf("empty CID")
	}
	if _, err := cid.Decode(s); err != nil {
		return err
	}
	_, _, err := multibase.Decode(s)
	return err
}
