package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/premarket-labs/premarket/params"
	"github.com/premarket-labs/premarket/pkg/crypto"
	"github.com/premarket-labs/premarket/pkg/protocol"
)

// batchEnv extends the standard fixture with a second buyer and two open
// trades against the same seller, the shape the V2 operator batches target.
type batchEnv struct {
	*testEnv
	buyer2 *crypto.Signer
	trades [2]*Trade
}

func newBatchEnv(t *testing.T) *batchEnv {
	t.Helper()
	env := &batchEnv{testEnv: newTestEnv(t)}

	var err error
	if env.buyer2, err = crypto.GenerateKey(); err != nil {
		t.Fatalf("failed to generate second buyer key: %v", err)
	}
	env.vault.Mint(usdc, env.buyer2.Address(), 1_000_000)
	env.vault.Approve(usdc, env.buyer2.Address(), custodyAddr, 1_000_000)
	if err := env.ledger.Deposit(env.buyer2.Address(), usdc, 1_000_000); err != nil {
		t.Fatalf("failed to deposit for second buyer: %v", err)
	}

	// Two trades, one per buyer, against one sell order of 200.
	// Each: 100 tokens at 1.0 -> buyer lock 25, seller lock 100.
	sell := env.order(env.seller, Sell, 200, 1*params.PriceUnit)
	sellSig := env.sign(t, env.seller, sell)
	for i, buyer := range []*crypto.Signer{env.buyer, env.buyer2} {
		buy := env.order(buyer, Buy, 100, 2*params.PriceUnit)
		trade, err := env.engine.MatchOrders(buy, sell, env.sign(t, buyer, buy), sellSig, 0)
		if err != nil {
			t.Fatalf("match %d failed: %v", i, err)
		}
		env.trades[i] = trade
	}

	// Map the market and give the seller deliverable tokens inside the
	// ledger, where V2 delivery happens.
	if err := env.registry.MapToRealAsset(adminAddr, env.marketID, abcToken); err != nil {
		t.Fatalf("failed to map market: %v", err)
	}
	env.vault.Mint(abcToken, env.seller.Address(), 500)
	env.vault.Approve(abcToken, env.seller.Address(), custodyAddr, 500)
	if err := env.ledger.Deposit(env.seller.Address(), abcToken, 500); err != nil {
		t.Fatalf("failed to deposit real asset: %v", err)
	}
	return env
}

func (env *batchEnv) settlement() *BatchSettlement {
	return &BatchSettlement{
		OrderIDs:    []common.Hash{env.trades[0].BuyOrder, env.trades[1].BuyOrder, env.trades[0].SellOrder},
		Collateral:  usdc,
		RealAsset:   abcToken,
		Seller:      env.seller.Address(),
		Buyers:      []common.Address{env.buyer.Address(), env.buyer2.Address()},
		Collaterals: []int64{25, 25},
		Deliveries:  []int64{100, 100},
		Payment:     50,
		Deadline:    env.clock.Now().Unix() + 3600,
		Nonce:       env.engine.OperatorNonce(),
	}
}

func (env *batchEnv) cancellation() *BatchCancellation {
	return &BatchCancellation{
		OrderIDs:   []common.Hash{env.trades[0].BuyOrder, env.trades[1].BuyOrder},
		Collateral: usdc,
		Buyers:     []common.Address{env.buyer.Address(), env.buyer2.Address()},
		Amounts:    []int64{25, 25},
		Deadline:   env.clock.Now().Unix() + 3600,
		Nonce:      env.engine.OperatorNonce(),
	}
}

func (env *batchEnv) signSettlement(t *testing.T, key *crypto.Signer, b *BatchSettlement) []byte {
	t.Helper()
	digest, err := env.engine.signer.HashBatchSettlement(b.message())
	if err != nil {
		t.Fatalf("failed to hash batch: %v", err)
	}
	sig, err := key.Sign(digest)
	if err != nil {
		t.Fatalf("failed to sign batch: %v", err)
	}
	return sig
}

func (env *batchEnv) signCancellation(t *testing.T, key *crypto.Signer, b *BatchCancellation) []byte {
	t.Helper()
	digest, err := env.engine.signer.HashBatchCancellation(b.message())
	if err != nil {
		t.Fatalf("failed to hash batch: %v", err)
	}
	sig, err := key.Sign(digest)
	if err != nil {
		t.Fatalf("failed to sign batch: %v", err)
	}
	return sig
}

func TestSettleBatch(t *testing.T) {
	env := newBatchEnv(t)
	batch := env.settlement()
	op := env.operator.Address()

	sellerUSDC := env.ledger.Balance(env.seller.Address(), usdc)
	sellerABC := env.ledger.Balance(env.seller.Address(), abcToken)

	if err := env.engine.SettleBatch(op, batch, env.signSettlement(t, env.operator, batch)); err != nil {
		t.Fatalf("batch settle failed: %v", err)
	}

	// Each buyer received their delivery in the ledger.
	if got := env.ledger.Balance(env.buyer.Address(), abcToken); got != 100 {
		t.Errorf("buyer1 delivery = %d, want 100", got)
	}
	if got := env.ledger.Balance(env.buyer2.Address(), abcToken); got != 100 {
		t.Errorf("buyer2 delivery = %d, want 100", got)
	}
	if got := env.ledger.Balance(env.seller.Address(), abcToken); got != sellerABC-200 {
		t.Errorf("seller real-asset balance = %d, want %d", got, sellerABC-200)
	}
	// Seller received the payment (no treasury, no fee).
	if got := env.ledger.Balance(env.seller.Address(), usdc); got != sellerUSDC+50 {
		t.Errorf("seller payment = %d, want %d", got, sellerUSDC+50)
	}
	// Buyer locks consumed; nonce advanced by exactly one.
	if got := env.engine.LockedCollateral(env.buyer.Address(), usdc); got != 0 {
		t.Errorf("buyer1 lock = %d, want 0", got)
	}
	if got := env.engine.OperatorNonce(); got != 1 {
		t.Errorf("operator nonce = %d, want 1", got)
	}
	for _, asset := range []common.Address{usdc, abcToken} {
		if _, _, balanced := env.ledger.Reconcile(asset); !balanced {
			t.Errorf("ledger out of balance for %s after batch settle", asset.Hex())
		}
	}

	// Replaying the same signed batch must fail the nonce check.
	if err := env.engine.SettleBatch(op, batch, env.signSettlement(t, env.operator, batch)); !errors.Is(err, protocol.ErrNonceMismatch) {
		t.Errorf("replay err = %v, want ErrNonceMismatch", err)
	}

	// The covered trades are terminally settled and their seller locks
	// released.
	for _, tr := range env.trades {
		stored, err := env.engine.Trade(tr.ID)
		if err != nil {
			t.Fatalf("failed to fetch trade %d: %v", tr.ID, err)
		}
		if stored.Status != TradeSettled {
			t.Errorf("trade %d status = %s, want settled", tr.ID, stored.Status)
		}
		if stored.RealAsset != abcToken {
			t.Errorf("trade %d real asset = %s, want %s", tr.ID, stored.RealAsset.Hex(), abcToken.Hex())
		}
	}
	if got := env.engine.LockedCollateral(env.seller.Address(), usdc); got != 0 {
		t.Errorf("seller lock = %d, want 0", got)
	}
}

// A buyer must not collect the non-delivery penalty on a trade the batch
// already settled and delivered.
func TestSettleBatchBlocksLateCancellation(t *testing.T) {
	env := newBatchEnv(t)
	batch := env.settlement()
	if err := env.engine.SettleBatch(env.operator.Address(), batch, env.signSettlement(t, env.operator, batch)); err != nil {
		t.Fatalf("batch settle failed: %v", err)
	}

	env.clock.Advance(8 * 24 * time.Hour)
	buyerBefore := env.ledger.Balance(env.buyer.Address(), usdc)
	if err := env.engine.CancelAfterGrace(env.buyer.Address(), env.trades[0].ID); !errors.Is(err, protocol.ErrAlreadySettled) {
		t.Fatalf("err = %v, want ErrAlreadySettled", err)
	}
	if got := env.ledger.Balance(env.buyer.Address(), usdc); got != buyerBefore {
		t.Errorf("buyer balance moved: %d -> %d", buyerBefore, got)
	}
	if got := env.engine.LockedCollateral(env.buyer.Address(), usdc); got < 0 {
		t.Errorf("buyer lock went negative: %d", got)
	}
	if err := env.engine.Settle(env.seller.Address(), env.trades[0].ID); !errors.Is(err, protocol.ErrAlreadySettled) {
		t.Errorf("settle err = %v, want ErrAlreadySettled", err)
	}
}

func TestSettleBatchAuthorization(t *testing.T) {
	env := newBatchEnv(t)
	batch := env.settlement()
	op := env.operator.Address()

	// Operator without the relayer role.
	if err := env.engine.SettleBatch(env.buyer.Address(), batch, env.signSettlement(t, env.buyer, batch)); !errors.Is(err, protocol.ErrMissingRole) {
		t.Errorf("err = %v, want ErrMissingRole", err)
	}
	// Right role claimed, wrong key signed.
	if err := env.engine.SettleBatch(op, batch, env.signSettlement(t, env.buyer, batch)); !errors.Is(err, protocol.ErrInvalidSignature) {
		t.Errorf("err = %v, want ErrInvalidSignature", err)
	}
}

func TestSettleBatchNonceAndDeadline(t *testing.T) {
	env := newBatchEnv(t)
	op := env.operator.Address()

	batch := env.settlement()
	batch.Nonce = 5
	if err := env.engine.SettleBatch(op, batch, env.signSettlement(t, env.operator, batch)); !errors.Is(err, protocol.ErrNonceMismatch) {
		t.Errorf("err = %v, want ErrNonceMismatch", err)
	}

	batch = env.settlement()
	env.clock.Advance(2 * time.Hour)
	if err := env.engine.SettleBatch(op, batch, env.signSettlement(t, env.operator, batch)); !errors.Is(err, protocol.ErrExpired) {
		t.Errorf("err = %v, want ErrExpired", err)
	}
}

// One bad leg aborts the whole batch with nothing moved.
func TestSettleBatchAtomicAbort(t *testing.T) {
	env := newBatchEnv(t)
	op := env.operator.Address()

	batch := env.settlement()
	batch.Collaterals[1] = 1000 // exceeds buyer2's lock of 25
	if err := env.engine.SettleBatch(op, batch, env.signSettlement(t, env.operator, batch)); !errors.Is(err, protocol.ErrInsufficientCollateral) {
		t.Fatalf("err = %v, want ErrInsufficientCollateral", err)
	}

	if got := env.ledger.Balance(env.buyer.Address(), abcToken); got != 0 {
		t.Errorf("buyer1 received delivery from aborted batch: %d", got)
	}
	if got := env.engine.LockedCollateral(env.buyer.Address(), usdc); got != 25 {
		t.Errorf("buyer1 lock = %d, want untouched 25", got)
	}
	if got := env.engine.OperatorNonce(); got != 0 {
		t.Errorf("operator nonce = %d, want 0 after abort", got)
	}
}

func TestSettleBatchInsufficientDelivery(t *testing.T) {
	env := newBatchEnv(t)
	op := env.operator.Address()

	batch := env.settlement()
	batch.Deliveries = []int64{400, 400} // seller deposited only 500

	sellerABC := env.ledger.Balance(env.seller.Address(), abcToken)
	if err := env.engine.SettleBatch(op, batch, env.signSettlement(t, env.operator, batch)); !errors.Is(err, protocol.ErrInsufficientDelivery) {
		t.Fatalf("err = %v, want ErrInsufficientDelivery", err)
	}
	if got := env.ledger.Balance(env.seller.Address(), abcToken); got != sellerABC {
		t.Errorf("seller real-asset balance moved: %d -> %d", sellerABC, got)
	}
	if got := env.engine.OperatorNonce(); got != 0 {
		t.Errorf("operator nonce = %d, want 0 after abort", got)
	}
}

func TestCancelBatch(t *testing.T) {
	env := newBatchEnv(t)
	op := env.operator.Address()
	batch := env.cancellation()

	buyer1Before := env.ledger.Balance(env.buyer.Address(), usdc)
	if err := env.engine.CancelBatch(op, batch, env.signCancellation(t, env.operator, batch)); err != nil {
		t.Fatalf("batch cancel failed: %v", err)
	}

	// Full refund: amounts are too small for the 0.5% fee to round to
	// anything even with a treasury configured.
	if got := env.ledger.Balance(env.buyer.Address(), usdc); got != buyer1Before+25 {
		t.Errorf("buyer1 balance = %d, want %d", got, buyer1Before+25)
	}
	if got := env.engine.LockedCollateral(env.buyer2.Address(), usdc); got != 0 {
		t.Errorf("buyer2 lock = %d, want 0", got)
	}
	if got := env.engine.OperatorNonce(); got != 1 {
		t.Errorf("operator nonce = %d, want 1", got)
	}
	if _, _, balanced := env.ledger.Reconcile(usdc); !balanced {
		t.Error("ledger out of balance after batch cancel")
	}

	// The next batch must carry the advanced nonce.
	stale := env.cancellation()
	stale.Nonce = 0
	if err := env.engine.CancelBatch(op, stale, env.signCancellation(t, env.operator, stale)); !errors.Is(err, protocol.ErrNonceMismatch) {
		t.Errorf("stale nonce err = %v, want ErrNonceMismatch", err)
	}

	// Covered trades end up terminally cancelled and cannot settle.
	for _, tr := range env.trades {
		stored, err := env.engine.Trade(tr.ID)
		if err != nil {
			t.Fatalf("failed to fetch trade %d: %v", tr.ID, err)
		}
		if stored.Status != TradeCancelled {
			t.Errorf("trade %d status = %s, want cancelled", tr.ID, stored.Status)
		}
	}
	if err := env.engine.Settle(env.seller.Address(), env.trades[0].ID); !errors.Is(err, protocol.ErrAlreadyCancelled) {
		t.Errorf("settle err = %v, want ErrAlreadyCancelled", err)
	}
}

// Several legs against the same buyer must be checked against that buyer's
// lock in aggregate, not one snapshot at a time.
func TestSettleBatchAggregatesBuyerLegs(t *testing.T) {
	env := newBatchEnv(t)
	op := env.operator.Address()

	batch := env.settlement()
	batch.Buyers = []common.Address{env.buyer.Address(), env.buyer.Address()}
	batch.Collaterals = []int64{20, 20} // each under the 25 lock, 40 in total
	batch.Deliveries = []int64{50, 50}
	if err := env.engine.SettleBatch(op, batch, env.signSettlement(t, env.operator, batch)); !errors.Is(err, protocol.ErrInsufficientCollateral) {
		t.Fatalf("settle err = %v, want ErrInsufficientCollateral", err)
	}
	if got := env.engine.LockedCollateral(env.buyer.Address(), usdc); got != 25 {
		t.Errorf("buyer lock = %d, want untouched 25", got)
	}
	if got := env.ledger.Balance(env.buyer.Address(), abcToken); got != 0 {
		t.Errorf("buyer received delivery from aborted batch: %d", got)
	}
	if got := env.engine.OperatorNonce(); got != 0 {
		t.Errorf("operator nonce = %d, want 0 after abort", got)
	}

	cancel := env.cancellation()
	cancel.Buyers = []common.Address{env.buyer.Address(), env.buyer.Address()}
	cancel.Amounts = []int64{20, 20}
	if err := env.engine.CancelBatch(op, cancel, env.signCancellation(t, env.operator, cancel)); !errors.Is(err, protocol.ErrInsufficientCollateral) {
		t.Fatalf("cancel err = %v, want ErrInsufficientCollateral", err)
	}
	if got := env.engine.LockedCollateral(env.buyer.Address(), usdc); got != 25 {
		t.Errorf("buyer lock = %d, want untouched 25 after cancel abort", got)
	}
}

func TestCancelBatchChargesFee(t *testing.T) {
	env := newBatchEnv(t)
	treasury := common.HexToAddress("0xFEE0000000000000000000000000000000000000")
	env.cfg.Treasury = treasury
	env.cfg.FeeBps = 1000 // 10% so the small test amounts produce a fee

	op := env.operator.Address()
	batch := env.cancellation()
	buyer1Before := env.ledger.Balance(env.buyer.Address(), usdc)

	if err := env.engine.CancelBatch(op, batch, env.signCancellation(t, env.operator, batch)); err != nil {
		t.Fatalf("batch cancel failed: %v", err)
	}

	// 10% of each 25-unit refund goes to the treasury.
	if got := env.ledger.Balance(env.buyer.Address(), usdc); got != buyer1Before+23 {
		t.Errorf("buyer1 balance = %d, want %d", got, buyer1Before+23)
	}
	if got := env.ledger.Balance(treasury, usdc); got != 4 {
		t.Errorf("treasury balance = %d, want 4", got)
	}
	if _, _, balanced := env.ledger.Reconcile(usdc); !balanced {
		t.Error("ledger out of balance after batch cancel with fee")
	}
}
