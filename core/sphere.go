package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SphereConfig collects every collaborator the facade wires together. The
// external clients (Aggregator, RemoteStore) are constructed by the caller —
// spec §1/§6 treat them as already-available SDK dependencies, not
// something this module instantiates.
type SphereConfig struct {
	Seed       []byte
	Aggregator Aggregator
	Remote     RemoteStore
	LocalDir   string
	RelayURLs  []string

	RegistrySource RegistrySource
	RegistryMax    int

	Logger    *logrus.Logger
	ZapLogger *zap.SugaredLogger
}

// Sphere is the top-level facade: construction wiring, lifecycle, and the
// thin pass-through operations spec §1's overview describes as the public
// surface a host application depends on. Grounded on the teacher's
// cmd/cli/wallet.go composition (derive, wire providers, expose operations)
// generalized from a single wallet command to a long-lived object.
type Sphere struct {
	deriver    *SeedDeriver
	identity   *IdentityManager
	registry   *Registry
	validator  *Validator
	localStore LocalStore
	tokenStore TokenStore
	transport  *Transport
	sidecar    *Sidecar
	payments   *Payments
	executor   *TransferExecutor

	logger *logrus.Logger

	mu      sync.Mutex
	started bool
	closed  bool

	bgCancel context.CancelFunc
	bgDone   chan struct{}
}

// NewSphere constructs every subsystem and wires them to each other, but
// does not yet connect to storage or relays — call Ready to do that.
func NewSphere(cfg SphereConfig) (*Sphere, error) {
	if len(cfg.Seed) < 16 {
		return nil, NewError(KindInvalidInput, "sphere: seed too short", nil)
	}
	if cfg.Aggregator == nil {
		return nil, NewError(KindInvalidInput, "sphere: aggregator required", nil)
	}
	lg := cfg.Logger
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	zlg := cfg.ZapLogger
	if zlg == nil {
		z, _ := zap.NewProduction()
		zlg = z.Sugar()
	}

	deriver, err := NewSeedDeriver(cfg.Seed)
	if err != nil {
		return nil, fmt.Errorf("sphere: deriver: %w", err)
	}
	identity, err := NewIdentityManager(deriver, lg)
	if err != nil {
		return nil, fmt.Errorf("sphere: identity: %w", err)
	}

	registryMax := cfg.RegistryMax
	source := cfg.RegistrySource
	if source == nil {
		source = &FileRegistrySource{Path: cfg.LocalDir + "/registry.json"}
	}
	registry, err := NewRegistry(source, registryMax, lg)
	if err != nil {
		return nil, fmt.Errorf("sphere: registry: %w", err)
	}

	validator := NewValidator(cfg.Aggregator, lg)

	localStore := NewFileLocalStore(cfg.LocalDir)
	tokenStore := NewFileTokenStore(localStore)

	envelope := AESGCMEnvelope{}
	transport, err := NewTransport(envelope, lg)
	if err != nil {
		return nil, fmt.Errorf("sphere: transport: %w", err)
	}

	active := identity.Active()
	var sidecar *Sidecar
	if cfg.Remote != nil {
		sidecar, err = NewSidecar(active.PrivateKey().Serialize(), cfg.Remote, localStore, zlg)
		if err != nil {
			return nil, fmt.Errorf("sphere: sidecar: %w", err)
		}
	}

	payments := NewPayments(localStore, tokenStore, registry, validator, sidecar, transport, identity, lg)
	executor := NewTransferExecutor(payments, transport, cfg.Aggregator, identity, localStore, lg)

	return &Sphere{
		deriver:    deriver,
		identity:   identity,
		registry:   registry,
		validator:  validator,
		localStore: localStore,
		tokenStore: tokenStore,
		transport:  transport,
		sidecar:    sidecar,
		payments:   payments,
		executor:   executor,
		logger:     lg,
	}, nil
}

// Ready connects local storage, hydrates the registry, loads the inventory,
// and dials every configured relay. Call once before using Send/Receive.
func (s *Sphere) Ready(ctx context.Context, relayURLs []string) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if err := s.localStore.Connect(ctx); err != nil {
		return fmt.Errorf("sphere: local store connect: %w", err)
	}
	if err := s.tokenStore.Connect(ctx); err != nil {
		return fmt.Errorf("sphere: token store connect: %w", err)
	}
	if err := s.registry.Hydrate(ctx); err != nil {
		s.logger.WithError(err).Warn("sphere: registry hydrate failed, continuing with cached data")
	}
	if err := s.payments.Load(ctx); err != nil {
		return fmt.Errorf("sphere: payments load: %w", err)
	}

	s.transport.SetIdentity(s.identity.Active())
	var eg errgroup.Group
	for _, url := range relayURLs {
		url := url
		eg.Go(func() error {
			if err := s.transport.AddRelay(ctx, url); err != nil {
				s.logger.WithError(err).WithField("relay", url).Warn("sphere: relay dial failed")
			}
			return nil
		})
	}
	_ = eg.Wait()

	bgCtx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel
	s.bgDone = make(chan struct{})
	go s.backgroundLoop(bgCtx)

	return nil
}

// backgroundLoop periodically drains finalization work for instant
// transfers, including pending records restored from a prior session. It
// does not call Payments.ResolveUnconfirmed.
func (s *Sphere) backgroundLoop(ctx context.Context) {
	defer close(s.bgDone)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.executor.WaitForPendingOperations(ctx); err != nil && ctx.Err() == nil {
				s.logger.WithError(err).Debug("sphere: background finalization pass incomplete")
			}
		}
	}
}

// Identity returns the currently active identity.
func (s *Sphere) Identity() *Identity { return s.identity.Active() }

// SwitchToAddress rotates the active identity and rebinds the transport.
func (s *Sphere) SwitchToAddress(index uint32) (*Identity, error) {
	id, err := s.identity.SwitchToAddress(index)
	if err != nil {
		return nil, err
	}
	s.transport.SetIdentity(id)
	return id, nil
}

// RegisterNametag claims name for the active identity, encrypting it for
// backup recovery into the same identity-binding event.
func (s *Sphere) RegisterNametag(ctx context.Context, name string) (bool, error) {
	active := s.identity.Active()
	encrypted, err := EncryptNametag(active.PrivateKey(), name)
	if err != nil {
		return false, fmt.Errorf("sphere: encrypt nametag: %w", err)
	}
	ok, err := s.transport.RegisterNametag(ctx, name, encrypted)
	if err != nil || !ok {
		return ok, err
	}
	s.identity.SetNametag(active.Index, name)
	return true, nil
}

// RecoverNametag attempts to recover the active identity's nametag from a
// previously published identity-binding event, e.g. after a fresh mnemonic
// import.
func (s *Sphere) RecoverNametag(ctx context.Context) (string, bool, error) {
	name, ok, err := s.transport.RecoverNametag(ctx)
	if err != nil || !ok {
		return name, ok, err
	}
	active := s.identity.Active()
	s.identity.SetNametag(active.Index, name)
	return name, true, nil
}

// Send dispatches a transfer through the executor.
func (s *Sphere) Send(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	return s.executor.Send(ctx, req)
}

// Receive drains any transport-delivered tokens and optionally finalizes.
func (s *Sphere) Receive(ctx context.Context, opts ReceiveOptions) (*ReceiveResult, error) {
	return s.payments.Receive(ctx, opts)
}

// Sync runs one IPFS merge/publish cycle, a no-op if no remote store was
// configured.
func (s *Sphere) Sync(ctx context.Context) (*SyncResult, error) {
	if s.sidecar == nil {
		return &SyncResult{}, nil
	}
	return s.payments.Sync(ctx)
}

// GetBalance, GetBalances, GetTokens, GetHistory, GetTombstones and
// PendingTransfers simply forward to Payments/TransferExecutor; kept here
// so host applications depend on one facade type (spec §1).
func (s *Sphere) GetBalance(ctx context.Context, coinId CoinId) Balance { return s.payments.GetBalance(ctx, coinId) }
func (s *Sphere) GetBalances(ctx context.Context) []Balance             { return s.payments.GetBalances(ctx) }
func (s *Sphere) GetTokens(coinId *CoinId) []*Token                     { return s.payments.GetTokens(coinId) }
func (s *Sphere) GetHistory() []HistoryEntry                           { return s.payments.GetHistory() }
func (s *Sphere) GetTombstones() []Tombstone                           { return s.payments.GetTombstones() }
func (s *Sphere) PendingTransfers() []PendingTransferView              { return s.executor.PendingTransfers() }
func (s *Sphere) Events() <-chan PaymentEvent                          { return s.payments.Events() }
func (s *Sphere) Health() map[string]bool                              { return s.transport.Health() }

// Clear deletes every key in the local store (including pending-transfer
// records and the sidecar's persisted chain state) and reloads the Payments
// inventory, without touching keys — used when a host application wants to
// resync from scratch. The in-memory tombstone and history logs, the
// executor's in-memory pending list and the sidecar's in-memory state are
// not reset.
func (s *Sphere) Clear(ctx context.Context) error {
	keys, err := s.localStore.Keys("")
	if err != nil {
		return fmt.Errorf("sphere: clear: list keys: %w", err)
	}
	for _, k := range keys {
		if err := s.localStore.Delete(k); err != nil {
			s.logger.WithError(err).WithField("key", k).Warn("sphere: clear: delete failed")
		}
	}
	return s.payments.Load(ctx)
}

// Destroy cancels the background finalization loop, drains the sidecar's
// write-behind buffer, closes every relay connection, and disconnects
// storage. Safe to call more than once.
func (s *Sphere) Destroy(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.bgCancel
	done := s.bgDone
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if s.sidecar != nil {
		if err := s.sidecar.Shutdown(ctx); err != nil {
			s.logger.WithError(err).Warn("sphere: sidecar shutdown failed")
		}
	}
	if err := s.transport.Close(); err != nil {
		s.logger.WithError(err).Warn("sphere: transport close failed")
	}
	if err := s.tokenStore.Disconnect(ctx); err != nil {
		s.logger.WithError(err).Warn("sphere: token store disconnect failed")
	}
	if err := s.localStore.Disconnect(ctx); err != nil {
		s.logger.WithError(err).Warn("sphere: local store disconnect failed")
	}
	return nil
}
