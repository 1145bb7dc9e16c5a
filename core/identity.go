package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ripemd160"
)

// Identity is one HD-wallet-derived key set: chain pubkey, L1/direct
// addresses, optional nametag, and the Nostr-format transport key. Spec §3:
// created on wallet init, rotated by switchToAddress, hidden/unhidden flags
// gate visibility without deleting keys.
type Identity struct {
	Index           uint32
	ChainPubkey     string // 33-byte compressed, hex
	L1Address       string
	DirectAddress   string
	Nametag         string
	TransportPubkey [32]byte // x-only, Nostr format

	priv *btcec.PrivateKey
}

// PrivateKey returns the derived secp256k1 key backing this identity. Never
// serialized; callers needing to sign should use this directly rather than
// persisting it.
func (id *Identity) PrivateKey() *btcec.PrivateKey { return id.priv }

func l1AddressFromPubkey(pub *btcec.PublicKey) string {
	sum := sha256.Sum256(pub.SerializeCompressed())
	r := ripemd160.New()
	r.Write(sum[:])
	return "0x" + hex.EncodeToString(r.Sum(nil))
}

func directAddressFromTransportKey(xonly [32]byte) string {
	return "DIRECT://" + hex.EncodeToString(xonly[:])
}

// deriveIdentity builds an Identity at the given hardened index from d.
func deriveIdentity(d Deriver, index uint32) (*Identity, error) {
	priv, err := d.PrivateKey(0, index)
	if err != nil {
		return nil, fmt.Errorf("derive identity %d: %w", index, err)
	}
	xonly := TransportXOnlyPubkey(priv)
	return &Identity{
		Index:           index,
		ChainPubkey:     hex.EncodeToString(priv.PubKey().SerializeCompressed()),
		L1Address:       l1AddressFromPubkey(priv.PubKey()),
		DirectAddress:   directAddressFromTransportKey(xonly),
		TransportPubkey: xonly,
		priv:            priv,
	}, nil
}

// IdentityManager owns the set of derived identities for a wallet and the
// currently active one. Re-architecture note (spec §9): replaces the
// source's implicit single-identity singleton with an explicitly
// constructed, explicitly switched handle.
type IdentityManager struct {
	mu      sync.RWMutex
	deriver Deriver
	active  uint32
	byIndex map[uint32]*Identity
	hidden  map[uint32]bool
	logger  *logrus.Logger
}

// NewIdentityManager derives identity 0 eagerly and marks it active.
func NewIdentityManager(d Deriver, lg *logrus.Logger) (*IdentityManager, error) {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	m := &IdentityManager{
		deriver: d,
		byIndex: make(map[uint32]*Identity),
		hidden:  make(map[uint32]bool),
		logger:  lg,
	}
	if _, err := m.ensure(0); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *IdentityManager) ensure(index uint32) (*Identity, error) {
	if id, ok := m.byIndex[index]; ok {
		return id, nil
	}
	id, err := deriveIdentity(m.deriver, index)
	if err != nil {
		return nil, err
	}
	m.byIndex[index] = id
	return id, nil
}

// Active returns the currently active identity.
func (m *IdentityManager) Active() *Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byIndex[m.active]
}

// SwitchToAddress rotates the active identity to index, deriving it first
// if this is the first time it's been visited.
func (m *IdentityManager) SwitchToAddress(index uint32) (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, err := m.ensure(index)
	if err != nil {
		return nil, err
	}
	m.active = index
	m.logger.WithField("index", index).Info("identity: switched active address")
	return id, nil
}

// SetHidden toggles visibility without deleting key material.
func (m *IdentityManager) SetHidden(index uint32, hidden bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hidden[index] = hidden
}

// Visible returns every derived, non-hidden identity.
func (m *IdentityManager) Visible() []*Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Identity, 0, len(m.byIndex))
	for idx, id := range m.byIndex {
		if !m.hidden[idx] {
			out = append(out, id)
		}
	}
	return out
}

// SetNametag records the locally-known nametag for the identity at index
// after Transport.registerNametag/recoverNametag succeeds.
func (m *IdentityManager) SetNametag(index uint32, nametag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byIndex[index]; ok {
		id.Nametag = nametag
	}
}
