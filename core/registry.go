package core

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// AssetKind distinguishes fungible coins from one-of-a-kind tokens.
type AssetKind string

const (
	AssetKindFungible    AssetKind = "fungible"
	AssetKindNonFungible AssetKind = "non-fungible"
)

// Definition is a coin's registry metadata.
type Definition struct {
	CoinId      CoinId    `json:"coinId"`
	Symbol      string    `json:"symbol"`
	Name        string    `json:"name"`
	Decimals    uint8     `json:"decimals"`
	AssetKind   AssetKind `json:"assetKind"`
	Icons       []string  `json:"icons,omitempty"`
	RefreshedAt time.Time `json:"-"`
}

// RegistrySource fetches the latest coin-definition document. The concrete
// HTTP-backed implementation lives outside this module's scope (spec
// models it only as "hydrated from a cached remote JSON file"); this
// interface is the contract the Registry hydrates and refreshes against.
type RegistrySource interface {
	Fetch(ctx context.Context) ([]Definition, error)
}

// FileRegistrySource reads a cached JSON document from disk — the
// "cached remote JSON file" spec §2 describes, without performing the
// network fetch that populates it (that belongs to an external updater).
type FileRegistrySource struct {
	Path string
}

func (f *FileRegistrySource) Fetch(ctx context.Context) ([]Definition, error) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("registry source: %w", err)
	}
	var defs []Definition
	if err := json.Unmarshal(raw, &defs); err != nil {
		return nil, fmt.Errorf("registry source: decode: %w", err)
	}
	return defs, nil
}

// Registry is the in-memory coin-id → Definition mapping, hydrated from a
// RegistrySource and refreshed on a timer. Re-architecture note (spec §9):
// replaces the source's registry singleton with an explicitly passed
// handle whose cache has interior mutability.
type Registry struct {
	mu     sync.RWMutex
	cache  *lru.Cache[CoinId, Definition]
	source RegistrySource
	logger *logrus.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

// NewRegistry builds a Registry backed by source, caching up to
// maxEntries coin definitions.
func NewRegistry(source RegistrySource, maxEntries int, lg *logrus.Logger) (*Registry, error) {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	cache, err := lru.New[CoinId, Definition](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("registry cache: %w", err)
	}
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	return &Registry{cache: cache, source: source, logger: lg, stop: make(chan struct{})}, nil
}

// Hydrate performs one fetch-and-populate pass.
func (r *Registry) Hydrate(ctx context.Context) error {
	defs, err := r.source.Fetch(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	r.mu.Lock()
	for _, d := range defs {
		d.RefreshedAt = now
		r.cache.Add(d.CoinId, d)
	}
	r.mu.Unlock()
	r.logger.WithField("count", len(defs)).Info("registry: hydrated")
	return nil
}

// Lookup returns the Definition for id, if known.
func (r *Registry) Lookup(id CoinId) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cache.Get(id)
}

// StartRefresh hydrates once synchronously and then refreshes every
// interval until Stop is called.
func (r *Registry) StartRefresh(ctx context.Context, interval time.Duration) error {
	if err := r.Hydrate(ctx); err != nil {
		r.logger.WithError(err).Warn("registry: initial hydrate failed")
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := r.Hydrate(ctx); err != nil {
					r.logger.WithError(err).Warn("registry: refresh failed")
				}
			case <-r.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop halts the refresh timer. Safe to call more than once.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}
