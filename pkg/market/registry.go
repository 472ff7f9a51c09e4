package market

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/premarket-labs/premarket/pkg/events"
	"github.com/premarket-labs/premarket/pkg/protocol"
	"github.com/premarket-labs/premarket/pkg/util"
)

// TokenMarket describes one pre-market token listing. Created once per
// symbol; mutated once, by the real-asset mapping, and never deleted.
type TokenMarket struct {
	ID              common.Hash    `json:"id"` // keccak256(symbol)
	Symbol          string         `json:"symbol"`
	Name            string         `json:"name"`
	SettleTimeLimit time.Duration  `json:"settle_time_limit"`
	RealAsset       common.Address `json:"real_asset"` // zero until mapped
	MappedAt        int64          `json:"mapped_at"`  // unix seconds, 0 until mapped
	CreatedAt       int64          `json:"created_at"`
	Paused          bool           `json:"paused"`
}

// Mapped reports whether the market has been mapped to a deliverable asset.
func (m *TokenMarket) Mapped() bool {
	return m.RealAsset != (common.Address{})
}

// MarketID derives the deterministic market id from a symbol.
func MarketID(symbol string) common.Hash {
	return ethcrypto.Keccak256Hash([]byte(symbol))
}

// Registry maps symbolic token ids to market metadata and, once known, to
// the real deliverable asset. Thread-safe; mutations are admin-only.
type Registry struct {
	mu      sync.RWMutex
	markets map[common.Hash]*TokenMarket

	auth  protocol.Authorizer
	clock util.Clock
	store *Store // nil = memory only
	bus   *events.Bus
	log   *zap.SugaredLogger
}

func NewRegistry(store *Store, auth protocol.Authorizer, clock util.Clock,
	bus *events.Bus, log *zap.SugaredLogger) (*Registry, error) {

	if log == nil {
		log = zap.NewNop().Sugar()
	}
	r := &Registry{
		markets: make(map[common.Hash]*TokenMarket),
		auth:    auth,
		clock:   clock,
		store:   store,
		bus:     bus,
		log:     log,
	}

	if store != nil {
		markets, err := store.LoadMarkets()
		if err != nil {
			return nil, fmt.Errorf("failed to load markets: %w", err)
		}
		for _, m := range markets {
			r.markets[m.ID] = m
		}
	}
	return r, nil
}

// Create registers a new token market and returns its deterministic id.
// Duplicate symbols are rejected; the listing itself is irreversible.
func (r *Registry) Create(caller common.Address, symbol, name string, settleTimeLimit time.Duration) (common.Hash, error) {
	if !r.auth.HasRole(caller, protocol.RoleAdmin) {
		return common.Hash{}, fmt.Errorf("%w: %s needs %s", protocol.ErrMissingRole, caller.Hex(), protocol.RoleAdmin)
	}
	if symbol == "" || name == "" {
		return common.Hash{}, fmt.Errorf("%w: symbol and name required", protocol.ErrInvalidParameters)
	}
	if settleTimeLimit <= 0 {
		return common.Hash{}, fmt.Errorf("%w: settle time limit %s", protocol.ErrInvalidParameters, settleTimeLimit)
	}

	id := MarketID(symbol)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.markets[id]; exists {
		return common.Hash{}, fmt.Errorf("%w: market %s", protocol.ErrAlreadyExists, symbol)
	}

	now := r.clock.Now().Unix()
	m := &TokenMarket{
		ID:              id,
		Symbol:          symbol,
		Name:            name,
		SettleTimeLimit: settleTimeLimit,
		CreatedAt:       now,
	}
	r.markets[id] = m
	if err := r.persist(m); err != nil {
		return common.Hash{}, err
	}

	r.log.Infow("market_created", "symbol", symbol, "id", id.Hex(), "settle_limit", settleTimeLimit)
	r.bus.Emit(events.TokenMarketCreated{
		ID: id, Symbol: symbol, MarketName: name,
		SettleTimeLimit: int64(settleTimeLimit.Seconds()), CreatedAt: now,
	})
	return id, nil
}

// MapToRealAsset records the deliverable asset for a market. One-shot and
// irreversible: settlements use this address from now on.
func (r *Registry) MapToRealAsset(caller common.Address, id common.Hash, realAsset common.Address) error {
	if !r.auth.HasRole(caller, protocol.RoleAdmin) {
		return fmt.Errorf("%w: %s needs %s", protocol.ErrMissingRole, caller.Hex(), protocol.RoleAdmin)
	}
	if realAsset == (common.Address{}) {
		return fmt.Errorf("%w: zero real asset", protocol.ErrInvalidAddress)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.markets[id]
	if !exists {
		return fmt.Errorf("%w: market %s", protocol.ErrNotFound, id.Hex())
	}
	if m.Mapped() {
		return fmt.Errorf("%w: market %s -> %s", protocol.ErrAlreadyMapped, m.Symbol, m.RealAsset.Hex())
	}

	m.RealAsset = realAsset
	m.MappedAt = r.clock.Now().Unix()
	if err := r.persist(m); err != nil {
		return err
	}

	r.log.Infow("market_mapped", "symbol", m.Symbol, "real_asset", realAsset.Hex())
	r.bus.Emit(events.TokenMapped{ID: id, RealAsset: realAsset, MappedAt: m.MappedAt})
	return nil
}

// SetPaused halts or resumes matching on a market.
func (r *Registry) SetPaused(caller common.Address, id common.Hash, paused bool) error {
	if !r.auth.HasRole(caller, protocol.RoleAdmin) {
		return fmt.Errorf("%w: %s needs %s", protocol.ErrMissingRole, caller.Hex(), protocol.RoleAdmin)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.markets[id]
	if !exists {
		return fmt.Errorf("%w: market %s", protocol.ErrNotFound, id.Hex())
	}
	m.Paused = paused
	return r.persist(m)
}

// Get returns a snapshot of a market by id. Callers read the copy outside
// the registry lock, so mutations through MapToRealAsset or SetPaused never
// race with them.
func (r *Registry) Get(id common.Hash) (*TokenMarket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, exists := r.markets[id]
	if !exists {
		return nil, fmt.Errorf("%w: market %s", protocol.ErrNotFound, id.Hex())
	}
	cp := *m
	return &cp, nil
}

// List returns snapshots of all registered markets.
func (r *Registry) List() []*TokenMarket {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*TokenMarket, 0, len(r.markets))
	for _, m := range r.markets {
		cp := *m
		out = append(out, &cp)
	}
	return out
}

func (r *Registry) persist(m *TokenMarket) error {
	if r.store == nil {
		return nil
	}
	return r.store.SaveMarket(m)
}
