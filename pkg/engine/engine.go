package engine

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/premarket-labs/premarket/params"
	"github.com/premarket-labs/premarket/pkg/bridge"
	"github.com/premarket-labs/premarket/pkg/crypto"
	"github.com/premarket-labs/premarket/pkg/escrow"
	"github.com/premarket-labs/premarket/pkg/events"
	"github.com/premarket-labs/premarket/pkg/market"
	"github.com/premarket-labs/premarket/pkg/protocol"
	"github.com/premarket-labs/premarket/pkg/util"
)

type lockKey struct {
	Owner common.Address
	Asset common.Address
}

// Engine turns pairs of signed pre-market orders into trades, locks
// proportional collateral in the escrow ledger, and resolves trades through
// settlement or cancellation. One mutex serializes every state transition:
// remaining-capacity checks and counter updates are a single atomic step, so
// two matches racing for the same order can never overbook it.
//
// The engine acts on the ledger under its own identity, which must hold the
// TRADER role.
type Engine struct {
	mu sync.Mutex

	self     common.Address
	ledger   *escrow.Ledger
	registry *market.Registry
	bridge   bridge.Transferer
	signer   *crypto.TypedSigner
	clock    util.Clock
	auth     protocol.Authorizer
	config   func() params.Protocol
	store    *Store // nil = memory only
	bus      *events.Bus
	log      *zap.SugaredLogger

	orders        map[common.Hash]*OrderState
	trades        map[uint64]*Trade
	locks         map[lockKey]int64 // locked collateral by (owner, asset)
	tradeSeq      uint64
	operatorNonce uint64
}

// Deps wires the engine's collaborators.
type Deps struct {
	Self     common.Address // privileged ledger identity (TRADER role)
	Ledger   *escrow.Ledger
	Registry *market.Registry
	Bridge   bridge.Transferer
	Signer   *crypto.TypedSigner
	Clock    util.Clock
	Auth     protocol.Authorizer
	Config   func() params.Protocol // snapshot source, read once per operation
	Store    *Store                 // optional
	Bus      *events.Bus
	Log      *zap.SugaredLogger
}

func New(deps Deps) (*Engine, error) {
	if deps.Log == nil {
		deps.Log = zap.NewNop().Sugar()
	}
	e := &Engine{
		self:     deps.Self,
		ledger:   deps.Ledger,
		registry: deps.Registry,
		bridge:   deps.Bridge,
		signer:   deps.Signer,
		clock:    deps.Clock,
		auth:     deps.Auth,
		config:   deps.Config,
		store:    deps.Store,
		bus:      deps.Bus,
		log:      deps.Log,
		orders:   make(map[common.Hash]*OrderState),
		trades:   make(map[uint64]*Trade),
		locks:    make(map[lockKey]int64),
	}

	if deps.Store != nil {
		states, err := deps.Store.LoadOrderStates()
		if err != nil {
			return nil, fmt.Errorf("failed to load order states: %w", err)
		}
		for _, st := range states {
			e.orders[st.ID] = st
		}
		trades, err := deps.Store.LoadTrades()
		if err != nil {
			return nil, fmt.Errorf("failed to load trades: %w", err)
		}
		for _, t := range trades {
			e.trades[t.ID] = t
		}
		locks, err := deps.Store.LoadLocks()
		if err != nil {
			return nil, fmt.Errorf("failed to load locks: %w", err)
		}
		for _, rec := range locks {
			e.locks[lockKey{rec.Owner, rec.Asset}] = rec.Amount
		}
		if e.tradeSeq, err = deps.Store.LoadTradeSeq(); err != nil {
			return nil, err
		}
		if e.operatorNonce, err = deps.Store.LoadOperatorNonce(); err != nil {
			return nil, err
		}
	}

	return e, nil
}

// OrderID returns the order's EIP-712 digest, its identity in the engine.
func (e *Engine) OrderID(o *Order) (common.Hash, error) {
	digest, err := e.signer.HashOrder(o.message())
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", protocol.ErrInvalidParameters, err)
	}
	return common.BytesToHash(digest), nil
}

// Trade returns a copy of the trade with the given id.
func (e *Engine) Trade(id uint64) (Trade, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.trades[id]
	if !ok {
		return Trade{}, fmt.Errorf("%w: trade %d", protocol.ErrNotFound, id)
	}
	return *t, nil
}

// Trades returns copies of all trades, id order not guaranteed.
func (e *Engine) Trades() []Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Trade, 0, len(e.trades))
	for _, t := range e.trades {
		out = append(out, *t)
	}
	return out
}

// OrderStateOf returns the fill/cancel counters for an order id.
func (e *Engine) OrderStateOf(id common.Hash) OrderState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.orders[id]; ok {
		return *st
	}
	return OrderState{ID: id}
}

// LockedCollateral returns the engine-tracked locked collateral of owner in
// asset, aggregated across open trades.
func (e *Engine) LockedCollateral(owner, asset common.Address) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.locks[lockKey{owner, asset}]
}

// OperatorNonce returns the next expected batch nonce.
func (e *Engine) OperatorNonce() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.operatorNonce
}

// MatchOrders validates a compatible buy/sell pair, computes the fill and
// both collateral legs, locks collateral and opens a trade.
//
// requestedFill caps the fill; zero means "as much as both orders allow".
// The settlement price is the sell order's price even when the buyer bid
// higher. Downstream collateral math depends on this convention.
func (e *Engine) MatchOrders(buy, sell *Order, buySig, sellSig []byte, requestedFill int64) (*Trade, error) {
	cfg := e.config()

	buyID, err := e.verifyOrder(buy, buySig)
	if err != nil {
		return nil, fmt.Errorf("buy order: %w", err)
	}
	sellID, err := e.verifyOrder(sell, sellSig)
	if err != nil {
		return nil, fmt.Errorf("sell order: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, o := range []*Order{buy, sell} {
		if o.Amount <= 0 || o.Price <= 0 {
			return nil, fmt.Errorf("%w: %s order amount and price must be positive", protocol.ErrInvalidParameters, o.Side)
		}
	}

	now := e.clock.Now().Unix()
	if buy.Deadline != 0 && now > buy.Deadline {
		return nil, fmt.Errorf("%w: buy order past %d", protocol.ErrOrderExpired, buy.Deadline)
	}
	if sell.Deadline != 0 && now > sell.Deadline {
		return nil, fmt.Errorf("%w: sell order past %d", protocol.ErrOrderExpired, sell.Deadline)
	}
	if buy.Side != Buy || sell.Side != Sell {
		return nil, fmt.Errorf("%w: got %s/%s", protocol.ErrSideMismatch, buy.Side, sell.Side)
	}
	if buy.TokenID != sell.TokenID || buy.Collateral != sell.Collateral {
		return nil, fmt.Errorf("%w: token or collateral differ", protocol.ErrMarketMismatch)
	}
	mkt, err := e.registry.Get(buy.TokenID)
	if err != nil {
		return nil, err
	}
	if buy.Price < sell.Price {
		return nil, fmt.Errorf("%w: bid %d < ask %d", protocol.ErrPriceCross, buy.Price, sell.Price)
	}
	if mkt.Paused {
		return nil, fmt.Errorf("%w: market %s", protocol.ErrTradingPaused, mkt.Symbol)
	}

	buyState := e.orderStateLocked(buyID)
	sellState := e.orderStateLocked(sellID)

	fill := min64(buyState.Remaining(buy.Amount), sellState.Remaining(sell.Amount))
	if requestedFill > 0 {
		fill = min64(fill, requestedFill)
	}
	if fill == 0 {
		return nil, fmt.Errorf("%w: no remaining capacity", protocol.ErrZeroFill)
	}
	if fill < cfg.MinFillAmount {
		return nil, fmt.Errorf("%w: %d < %d", protocol.ErrBelowMinimumFill, fill, cfg.MinFillAmount)
	}

	price := sell.Price // maker-favorable convention
	tradeValue := fill * price / params.PriceUnit
	buyerCollateral := tradeValue * cfg.BuyerCollateralBps / 10000
	sellerCollateral := tradeValue * cfg.SellerCollateralBps / 10000

	// Lock both legs, all-or-nothing: a failed seller lock rolls the buyer
	// lock back before returning.
	if buyerCollateral > 0 {
		if err := e.ledger.Slash(e.self, buy.Trader, buy.Collateral, buyerCollateral); err != nil {
			return nil, fmt.Errorf("%w: buyer: %v", protocol.ErrInsufficientCollateral, err)
		}
	}
	if sellerCollateral > 0 {
		if err := e.ledger.Slash(e.self, sell.Trader, sell.Collateral, sellerCollateral); err != nil {
			if buyerCollateral > 0 {
				if cerr := e.ledger.Credit(e.self, buy.Trader, buy.Collateral, buyerCollateral); cerr != nil {
					e.log.Errorw("buyer_lock_rollback_failed", "err", cerr)
				}
			}
			return nil, fmt.Errorf("%w: seller: %v", protocol.ErrInsufficientCollateral, err)
		}
	}

	buyState.Filled += fill
	sellState.Filled += fill
	e.locks[lockKey{buy.Trader, buy.Collateral}] += buyerCollateral
	e.locks[lockKey{sell.Trader, sell.Collateral}] += sellerCollateral

	e.tradeSeq++
	trade := &Trade{
		ID:               e.tradeSeq,
		BuyOrder:         buyID,
		SellOrder:        sellID,
		Buyer:            buy.Trader,
		Seller:           sell.Trader,
		TokenID:          buy.TokenID,
		Collateral:       buy.Collateral,
		BuyerPrice:       buy.Price,
		Price:            price,
		FillAmount:       fill,
		MatchedAt:        now,
		BuyerCollateral:  buyerCollateral,
		SellerCollateral: sellerCollateral,
		Status:           TradeOpen,
	}
	e.trades[trade.ID] = trade

	if err := e.persist(func(b *Batch) error {
		if err := b.SetOrderState(buyState); err != nil {
			return err
		}
		if err := b.SetOrderState(sellState); err != nil {
			return err
		}
		if err := b.SetTrade(trade); err != nil {
			return err
		}
		if err := b.SetLock(buy.Trader, buy.Collateral, e.locks[lockKey{buy.Trader, buy.Collateral}]); err != nil {
			return err
		}
		if err := b.SetLock(sell.Trader, sell.Collateral, e.locks[lockKey{sell.Trader, sell.Collateral}]); err != nil {
			return err
		}
		return b.SetTradeSeq(e.tradeSeq)
	}); err != nil {
		return nil, err
	}

	e.log.Infow("orders_matched",
		"trade_id", trade.ID,
		"token", mkt.Symbol,
		"fill", fill,
		"price", price,
		"buyer_collateral", buyerCollateral,
		"seller_collateral", sellerCollateral)
	e.bus.Emit(events.OrdersMatched{
		TradeID:          trade.ID,
		BuyOrder:         buyID,
		SellOrder:        sellID,
		Buyer:            buy.Trader,
		Seller:           sell.Trader,
		TokenID:          buy.TokenID,
		FillAmount:       fill,
		Price:            price,
		BuyerCollateral:  buyerCollateral,
		SellerCollateral: sellerCollateral,
		MatchedAt:        now,
	})

	result := *trade
	return &result, nil
}

// verifyOrder checks the order's signature and returns its id.
func (e *Engine) verifyOrder(o *Order, sig []byte) (common.Hash, error) {
	digest, err := e.signer.HashOrder(o.message())
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", protocol.ErrInvalidSignature, err)
	}
	if !e.signer.Verify(o.Trader, digest, sig) {
		return common.Hash{}, protocol.ErrInvalidSignature
	}
	return common.BytesToHash(digest), nil
}

// orderStateLocked returns (creating if needed) the counters for id.
// Caller holds e.mu.
func (e *Engine) orderStateLocked(id common.Hash) *OrderState {
	st, ok := e.orders[id]
	if !ok {
		st = &OrderState{ID: id}
		e.orders[id] = st
	}
	return st
}

func (e *Engine) persist(fn func(*Batch) error) error {
	if e.store == nil {
		return nil
	}
	b := e.store.NewBatch()
	defer b.Close()
	if err := fn(b); err != nil {
		return err
	}
	return b.Commit()
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
