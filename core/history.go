package core

import (
	"sync"
	"time"
)

// HistoryKind distinguishes outbound from inbound transfers.
type HistoryKind string

const (
	HistorySent     HistoryKind = "SENT"
	HistoryReceived HistoryKind = "RECEIVED"
)

// HistoryEntry records one completed transfer, sent or received.
type HistoryEntry struct {
	Timestamp           time.Time   `json:"timestamp"`
	Type                HistoryKind `json:"type"`
	CoinId              CoinId      `json:"coinId"`
	Amount              string      `json:"amount"`
	Symbol              string      `json:"symbol,omitempty"`
	CounterpartyNametag string      `json:"counterpartyNametag,omitempty"`
	CounterpartyPubkey  string      `json:"counterpartyPubkey,omitempty"`
	TransferId          string      `json:"transferId"`
}

// HistoryLog is an append-only, in-memory history ledger guarded against
// duplicate transfer ids so idempotent redelivery (spec §4.4, invariant 7)
// never produces two entries for the same transfer.
type HistoryLog struct {
	mu      sync.RWMutex
	entries []HistoryEntry
	seen    map[string]struct{}
}

func NewHistoryLog() *HistoryLog {
	return &HistoryLog{seen: make(map[string]struct{})}
}

// Append records e unless an entry with the same TransferId already
// exists, in which case it reports added=false.
func (h *HistoryLog) Append(e HistoryEntry) (added bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.seen[e.TransferId]; ok {
		return false
	}
	h.seen[e.TransferId] = struct{}{}
	h.entries = append(h.entries, e)
	return true
}

// All returns a snapshot of every recorded entry, oldest first.
func (h *HistoryLog) All() []HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]HistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Has reports whether transferId has already been recorded.
func (h *HistoryLog) Has(transferId string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.seen[transferId]
	return ok
}
