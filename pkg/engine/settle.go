package engine

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/premarket-labs/premarket/pkg/events"
	"github.com/premarket-labs/premarket/pkg/protocol"
)

// Settle delivers the real token from seller to buyer and releases escrowed
// collateral: the seller's own collateral returns to the seller as the
// reward, minus the protocol fee, and the buyer's collateral returns to the
// buyer. Any caller may settle; delivery is gated by the seller's bridge
// balance and allowance, not by the caller's identity. A trade can be
// settled even after its grace period expires, as long as the buyer has not
// cancelled it first.
//
// Delivery goes through the bridge and is the first mutation: if the seller
// cannot cover the fill, the trade stays Open and no balance moves.
func (e *Engine) Settle(caller common.Address, tradeID uint64) error {
	cfg := e.config()

	e.mu.Lock()
	defer e.mu.Unlock()

	trade, err := e.openTradeLocked(tradeID)
	if err != nil {
		return err
	}
	mkt, err := e.registry.Get(trade.TokenID)
	if err != nil {
		return err
	}
	if !mkt.Mapped() {
		return fmt.Errorf("%w: market %s", protocol.ErrTokenNotMapped, mkt.Symbol)
	}

	now := e.clock.Now()
	isLate := now.Unix() > trade.MatchedAt+int64(mkt.SettleTimeLimit.Seconds())

	if err := e.bridge.TransferFrom(mkt.RealAsset, trade.Seller, trade.Buyer, trade.FillAmount); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrInsufficientDelivery, err)
	}

	var fee int64
	if cfg.Treasury != (common.Address{}) {
		fee = trade.SellerCollateral * cfg.FeeBps / 10000
	}
	reward := trade.SellerCollateral - fee
	if err := e.releaseLocked(trade, reward, fee, cfg.Treasury); err != nil {
		return err
	}

	trade.Status = TradeSettled
	trade.RealAsset = mkt.RealAsset
	trade.ResolvedAt = now.Unix()
	e.locks[lockKey{trade.Buyer, trade.Collateral}] -= trade.BuyerCollateral
	e.locks[lockKey{trade.Seller, trade.Collateral}] -= trade.SellerCollateral

	if err := e.persistResolved(trade); err != nil {
		return err
	}

	e.log.Infow("trade_settled",
		"trade_id", trade.ID,
		"caller", caller.Hex(),
		"token", mkt.Symbol,
		"reward", reward,
		"fee", fee,
		"late", isLate)
	e.bus.Emit(events.TradeSettled{
		TradeID:      trade.ID,
		TargetAsset:  mkt.RealAsset,
		SellerReward: reward,
		Fee:          fee,
		IsLate:       isLate,
	})
	return nil
}

// CancelAfterGrace lets the buyer reclaim both collateral legs once the
// market's settlement window has elapsed without delivery. The seller's
// collateral becomes the buyer's penalty payout.
func (e *Engine) CancelAfterGrace(caller common.Address, tradeID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	trade, err := e.openTradeLocked(tradeID)
	if err != nil {
		return err
	}
	if caller != trade.Buyer {
		return fmt.Errorf("%w: only the buyer may cancel trade %d", protocol.ErrUnauthorized, tradeID)
	}
	mkt, err := e.registry.Get(trade.TokenID)
	if err != nil {
		return err
	}

	now := e.clock.Now()
	deadline := trade.MatchedAt + int64(mkt.SettleTimeLimit.Seconds())
	if now.Unix() <= deadline {
		return fmt.Errorf("%w: until %d, now %d", protocol.ErrGracePeriodNotExpired, deadline, now.Unix())
	}

	payout := trade.BuyerCollateral + trade.SellerCollateral
	if payout > 0 {
		if err := e.ledger.Credit(e.self, trade.Buyer, trade.Collateral, payout); err != nil {
			return err
		}
	}

	trade.Status = TradeCancelled
	trade.ResolvedAt = now.Unix()
	e.locks[lockKey{trade.Buyer, trade.Collateral}] -= trade.BuyerCollateral
	e.locks[lockKey{trade.Seller, trade.Collateral}] -= trade.SellerCollateral

	if err := e.persistResolved(trade); err != nil {
		return err
	}

	e.log.Infow("trade_cancelled",
		"trade_id", trade.ID,
		"buyer", trade.Buyer.Hex(),
		"penalty", trade.SellerCollateral)
	e.bus.Emit(events.TradeCancelled{
		TradeID: trade.ID,
		Buyer:   trade.Buyer,
		Seller:  trade.Seller,
		Penalty: trade.SellerCollateral,
	})
	return nil
}

// CancelOrder retires unfilled capacity from an order. Already-opened trades
// are unaffected; the order just stops matching for the cancelled amount.
func (e *Engine) CancelOrder(caller common.Address, order *Order, cancelAmount int64) error {
	if caller != order.Trader {
		return fmt.Errorf("%w: only the order's trader may cancel it", protocol.ErrUnauthorized)
	}
	if cancelAmount <= 0 {
		return fmt.Errorf("%w: cancel amount must be positive", protocol.ErrInvalidParameters)
	}
	id, err := e.OrderID(order)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.orderStateLocked(id)
	if cancelAmount > st.Remaining(order.Amount) {
		return fmt.Errorf("%w: %d > %d remaining", protocol.ErrExceedsRemaining, cancelAmount, st.Remaining(order.Amount))
	}
	st.Canceled += cancelAmount

	if err := e.persist(func(b *Batch) error {
		return b.SetOrderState(st)
	}); err != nil {
		return err
	}

	e.log.Infow("order_cancelled", "order", id.Hex(), "amount", cancelAmount)
	e.bus.Emit(events.OrderCancelled{
		OrderID: id,
		Trader:  order.Trader,
		Amount:  cancelAmount,
	})
	return nil
}

// openTradeLocked fetches a trade and rejects already-resolved ones.
// Caller holds e.mu.
func (e *Engine) openTradeLocked(id uint64) (*Trade, error) {
	trade, ok := e.trades[id]
	if !ok {
		return nil, fmt.Errorf("%w: trade %d", protocol.ErrNotFound, id)
	}
	switch trade.Status {
	case TradeSettled:
		return nil, fmt.Errorf("%w: trade %d", protocol.ErrAlreadySettled, id)
	case TradeCancelled:
		return nil, fmt.Errorf("%w: trade %d", protocol.ErrAlreadyCancelled, id)
	}
	return trade, nil
}

// releaseLocked returns the buyer's collateral, pays the seller's reward and
// routes the fee to the treasury, all out of the escrow pool. Caller holds
// e.mu.
func (e *Engine) releaseLocked(trade *Trade, sellerReward, fee int64, treasury common.Address) error {
	if trade.BuyerCollateral > 0 {
		if err := e.ledger.Credit(e.self, trade.Buyer, trade.Collateral, trade.BuyerCollateral); err != nil {
			return err
		}
	}
	if sellerReward > 0 {
		if err := e.ledger.Credit(e.self, trade.Seller, trade.Collateral, sellerReward); err != nil {
			return err
		}
	}
	if fee > 0 {
		if err := e.ledger.Credit(e.self, treasury, trade.Collateral, fee); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) persistResolved(trade *Trade) error {
	return e.persist(func(b *Batch) error {
		if err := b.SetTrade(trade); err != nil {
			return err
		}
		if err := b.SetLock(trade.Buyer, trade.Collateral, e.locks[lockKey{trade.Buyer, trade.Collateral}]); err != nil {
			return err
		}
		return b.SetLock(trade.Seller, trade.Collateral, e.locks[lockKey{trade.Seller, trade.Collateral}])
	})
}
