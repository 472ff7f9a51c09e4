package engine

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/premarket-labs/premarket/pkg/events"
	"github.com/premarket-labs/premarket/pkg/protocol"
)

// SettleBatch resolves a many-buyers-to-one-seller settlement authorized by a
// single operator signature. The operator computes the legs off-line; the
// engine only verifies the signature and the nonce, then performs the bulk
// collateral moves atomically. Delivery happens inside the ledger: the
// seller's real-asset balance is slashed by the total delivery amount and
// each buyer is credited their share, so a seller shortfall aborts before
// anything else moves. Trades opened from the listed orders become Settled,
// terminally.
func (e *Engine) SettleBatch(operator common.Address, batch *BatchSettlement, sig []byte) error {
	cfg := e.config()

	if !e.auth.HasRole(operator, protocol.RoleRelayer) {
		return fmt.Errorf("%w: %s lacks %s", protocol.ErrMissingRole, operator.Hex(), protocol.RoleRelayer)
	}
	digest, err := e.signer.HashBatchSettlement(batch.message())
	if err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrInvalidSignature, err)
	}
	if !e.signer.Verify(operator, digest, sig) {
		return protocol.ErrInvalidSignature
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now().Unix()
	if batch.Nonce != e.operatorNonce {
		return fmt.Errorf("%w: got %d, want %d", protocol.ErrNonceMismatch, batch.Nonce, e.operatorNonce)
	}
	if now > batch.Deadline {
		return fmt.Errorf("%w: batch deadline %d passed", protocol.ErrExpired, batch.Deadline)
	}
	n := len(batch.Buyers)
	if n == 0 || len(batch.Collaterals) != n || len(batch.Deliveries) != n {
		return fmt.Errorf("%w: buyer/amount lists must be non-empty and equal length", protocol.ErrInvalidParameters)
	}
	if batch.Payment <= 0 {
		return fmt.Errorf("%w: payment must be positive", protocol.ErrInvalidParameters)
	}

	// Every leg is checked before the first balance moves so a failure
	// anywhere leaves the ledger untouched. Legs are summed per buyer: a
	// buyer listed twice needs lock for the total, not each leg alone.
	var totalDelivery int64
	required := make(map[common.Address]int64, n)
	for i, buyer := range batch.Buyers {
		if batch.Collaterals[i] <= 0 || batch.Deliveries[i] <= 0 {
			return fmt.Errorf("%w: non-positive amount for buyer %s", protocol.ErrInvalidParameters, buyer.Hex())
		}
		required[buyer] += batch.Collaterals[i]
		totalDelivery += batch.Deliveries[i]
	}
	for buyer, amount := range required {
		if locked := e.locks[lockKey{buyer, batch.Collateral}]; locked < amount {
			return fmt.Errorf("%w: buyer %s locked %d < %d",
				protocol.ErrInsufficientCollateral, buyer.Hex(), locked, amount)
		}
	}
	if e.ledger.Escrowed(batch.Collateral) < batch.Payment {
		return fmt.Errorf("%w: escrow pool cannot cover payment %d", protocol.ErrInsufficientBalance, batch.Payment)
	}

	if err := e.ledger.Slash(e.self, batch.Seller, batch.RealAsset, totalDelivery); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrInsufficientDelivery, err)
	}
	for i, buyer := range batch.Buyers {
		if err := e.ledger.Credit(e.self, buyer, batch.RealAsset, batch.Deliveries[i]); err != nil {
			return err
		}
		e.locks[lockKey{buyer, batch.Collateral}] -= batch.Collaterals[i]
	}

	var fee int64
	if cfg.Treasury != (common.Address{}) {
		fee = batch.Payment * cfg.FeeBps / 10000
	}
	if payout := batch.Payment - fee; payout > 0 {
		if err := e.ledger.Credit(e.self, batch.Seller, batch.Collateral, payout); err != nil {
			return err
		}
	}
	if fee > 0 {
		if err := e.ledger.Credit(e.self, cfg.Treasury, batch.Collateral, fee); err != nil {
			return err
		}
	}

	resolved := e.resolveCoveredLocked(batch.OrderIDs, TradeSettled, batch.RealAsset, now)

	e.operatorNonce++
	if err := e.persist(func(b *Batch) error {
		for _, buyer := range batch.Buyers {
			if err := b.SetLock(buyer, batch.Collateral, e.locks[lockKey{buyer, batch.Collateral}]); err != nil {
				return err
			}
		}
		for _, t := range resolved {
			if err := b.SetTrade(t); err != nil {
				return err
			}
			if err := b.SetLock(t.Seller, t.Collateral, e.locks[lockKey{t.Seller, t.Collateral}]); err != nil {
				return err
			}
		}
		return b.SetOperatorNonce(e.operatorNonce)
	}); err != nil {
		return err
	}

	e.log.Infow("batch_settled",
		"operator", operator.Hex(),
		"seller", batch.Seller.Hex(),
		"buyers", n,
		"trades_resolved", len(resolved),
		"payment", batch.Payment,
		"fee", fee,
		"nonce", batch.Nonce)
	e.bus.Emit(events.BatchSettled{
		Operator: operator,
		Seller:   batch.Seller,
		Buyers:   n,
		Payment:  batch.Payment,
		Fee:      fee,
		Nonce:    batch.Nonce,
	})
	return nil
}

// CancelBatch returns listed buyers' locked collateral, minus the protocol
// fee, without any delivery obligation. Same operator signature and nonce
// discipline as SettleBatch; trades opened from the listed orders become
// Cancelled, terminally.
func (e *Engine) CancelBatch(operator common.Address, batch *BatchCancellation, sig []byte) error {
	cfg := e.config()

	if !e.auth.HasRole(operator, protocol.RoleRelayer) {
		return fmt.Errorf("%w: %s lacks %s", protocol.ErrMissingRole, operator.Hex(), protocol.RoleRelayer)
	}
	digest, err := e.signer.HashBatchCancellation(batch.message())
	if err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrInvalidSignature, err)
	}
	if !e.signer.Verify(operator, digest, sig) {
		return protocol.ErrInvalidSignature
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now().Unix()
	if batch.Nonce != e.operatorNonce {
		return fmt.Errorf("%w: got %d, want %d", protocol.ErrNonceMismatch, batch.Nonce, e.operatorNonce)
	}
	if now > batch.Deadline {
		return fmt.Errorf("%w: batch deadline %d passed", protocol.ErrExpired, batch.Deadline)
	}
	n := len(batch.Buyers)
	if n == 0 || len(batch.Amounts) != n {
		return fmt.Errorf("%w: buyer/amount lists must be non-empty and equal length", protocol.ErrInvalidParameters)
	}

	var total int64
	required := make(map[common.Address]int64, n)
	for i, buyer := range batch.Buyers {
		if batch.Amounts[i] <= 0 {
			return fmt.Errorf("%w: non-positive amount for buyer %s", protocol.ErrInvalidParameters, buyer.Hex())
		}
		required[buyer] += batch.Amounts[i]
		total += batch.Amounts[i]
	}
	for buyer, amount := range required {
		if locked := e.locks[lockKey{buyer, batch.Collateral}]; locked < amount {
			return fmt.Errorf("%w: buyer %s locked %d < %d",
				protocol.ErrInsufficientCollateral, buyer.Hex(), locked, amount)
		}
	}
	if e.ledger.Escrowed(batch.Collateral) < total {
		return fmt.Errorf("%w: escrow pool cannot cover %d", protocol.ErrInsufficientBalance, total)
	}

	var totalFee int64
	for i, buyer := range batch.Buyers {
		var fee int64
		if cfg.Treasury != (common.Address{}) {
			fee = batch.Amounts[i] * cfg.FeeBps / 10000
		}
		if refund := batch.Amounts[i] - fee; refund > 0 {
			if err := e.ledger.Credit(e.self, buyer, batch.Collateral, refund); err != nil {
				return err
			}
		}
		e.locks[lockKey{buyer, batch.Collateral}] -= batch.Amounts[i]
		totalFee += fee
	}
	if totalFee > 0 {
		if err := e.ledger.Credit(e.self, cfg.Treasury, batch.Collateral, totalFee); err != nil {
			return err
		}
	}

	resolved := e.resolveCoveredLocked(batch.OrderIDs, TradeCancelled, common.Address{}, now)

	e.operatorNonce++
	if err := e.persist(func(b *Batch) error {
		for _, buyer := range batch.Buyers {
			if err := b.SetLock(buyer, batch.Collateral, e.locks[lockKey{buyer, batch.Collateral}]); err != nil {
				return err
			}
		}
		for _, t := range resolved {
			if err := b.SetTrade(t); err != nil {
				return err
			}
			if err := b.SetLock(t.Seller, t.Collateral, e.locks[lockKey{t.Seller, t.Collateral}]); err != nil {
				return err
			}
		}
		return b.SetOperatorNonce(e.operatorNonce)
	}); err != nil {
		return err
	}

	e.log.Infow("batch_cancelled",
		"operator", operator.Hex(),
		"buyers", n,
		"trades_resolved", len(resolved),
		"returned", total-totalFee,
		"fee", totalFee,
		"nonce", batch.Nonce)
	e.bus.Emit(events.BatchCancelled{
		Operator: operator,
		Buyers:   n,
		Returned: total - totalFee,
		Fee:      totalFee,
		Nonce:    batch.Nonce,
	})
	return nil
}

// resolveCoveredLocked terminally marks every open trade whose buy or sell
// order appears in ids and releases the seller-side lock tracker for it. The
// batch legs release the buyer side, and the operator's payment is expected
// to cover any collateral return, so no balance moves here. A resolved trade
// can never be settled or cancelled again. Caller holds e.mu.
func (e *Engine) resolveCoveredLocked(ids []common.Hash, status TradeStatus, realAsset common.Address, now int64) []*Trade {
	idSet := make(map[common.Hash]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}

	var resolved []*Trade
	for _, t := range e.trades {
		if t.Status != TradeOpen {
			continue
		}
		if !idSet[t.BuyOrder] && !idSet[t.SellOrder] {
			continue
		}
		t.Status = status
		t.ResolvedAt = now
		if status == TradeSettled {
			t.RealAsset = realAsset
		}
		e.locks[lockKey{t.Seller, t.Collateral}] -= t.SellerCollateral
		resolved = append(resolved, t)
	}
	return resolved
}
