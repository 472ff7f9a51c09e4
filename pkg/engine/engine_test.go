package engine

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/premarket-labs/premarket/params"
	"github.com/premarket-labs/premarket/pkg/bridge"
	"github.com/premarket-labs/premarket/pkg/crypto"
	"github.com/premarket-labs/premarket/pkg/escrow"
	"github.com/premarket-labs/premarket/pkg/events"
	"github.com/premarket-labs/premarket/pkg/market"
	"github.com/premarket-labs/premarket/pkg/protocol"
	"github.com/premarket-labs/premarket/pkg/util"
)

var (
	custodyAddr = common.HexToAddress("0xC000000000000000000000000000000000000000")
	engineAddr  = common.HexToAddress("0xE000000000000000000000000000000000000000")
	adminAddr   = common.HexToAddress("0xAD00000000000000000000000000000000000000")
	usdc        = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	abcToken    = common.HexToAddress("0x00000000000000000000000000000000000000ab")
)

type testEnv struct {
	engine   *Engine
	ledger   *escrow.Ledger
	registry *market.Registry
	vault    *bridge.Vault
	clock    *util.FakeClock
	roles    *protocol.StaticRoles
	bus      *events.Bus
	cfg      params.Protocol

	buyer    *crypto.Signer
	seller   *crypto.Signer
	operator *crypto.Signer
	marketID common.Hash
}

// newTestEnv builds an in-memory stack with an "ABC" market (7-day settle
// limit) and both traders funded with 1,000,000 usdc deposited into escrow.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		cfg:   params.Default().Protocol,
		clock: &util.FakeClock{T: time.Unix(1_700_000_000, 0)},
		vault: bridge.NewVault(custodyAddr),
		bus:   events.NewBus(),
	}

	var err error
	if env.buyer, err = crypto.GenerateKey(); err != nil {
		t.Fatalf("failed to generate buyer key: %v", err)
	}
	if env.seller, err = crypto.GenerateKey(); err != nil {
		t.Fatalf("failed to generate seller key: %v", err)
	}
	if env.operator, err = crypto.GenerateKey(); err != nil {
		t.Fatalf("failed to generate operator key: %v", err)
	}

	env.roles = protocol.NewStaticRoles()
	env.roles.Grant(engineAddr, protocol.RoleTrader)
	env.roles.Grant(adminAddr, protocol.RoleAdmin)
	env.roles.Grant(env.operator.Address(), protocol.RoleRelayer)

	signer := crypto.NewTypedSigner(crypto.Domain{
		Name:    "PreMarket",
		Version: "1",
		ChainID: big.NewInt(1337),
	})

	env.ledger, err = escrow.NewLedger(nil, env.vault, custodyAddr, env.roles, signer, env.bus, nil)
	if err != nil {
		t.Fatalf("failed to create ledger: %v", err)
	}
	env.registry, err = market.NewRegistry(nil, env.roles, env.clock, env.bus, nil)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	env.engine, err = New(Deps{
		Self:     engineAddr,
		Ledger:   env.ledger,
		Registry: env.registry,
		Bridge:   env.vault,
		Signer:   signer,
		Clock:    env.clock,
		Auth:     env.roles,
		Config:   func() params.Protocol { return env.cfg },
		Bus:      env.bus,
	})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	env.marketID, err = env.registry.Create(adminAddr, "ABC", "ABC Token", 7*24*time.Hour)
	if err != nil {
		t.Fatalf("failed to create market: %v", err)
	}

	for _, trader := range []*crypto.Signer{env.buyer, env.seller} {
		env.vault.Mint(usdc, trader.Address(), 1_000_000)
		env.vault.Approve(usdc, trader.Address(), custodyAddr, 1_000_000)
		if err := env.ledger.Deposit(trader.Address(), usdc, 1_000_000); err != nil {
			t.Fatalf("failed to deposit for %s: %v", trader.Address().Hex(), err)
		}
	}
	return env
}

func (env *testEnv) order(trader *crypto.Signer, side Side, amount, price int64) *Order {
	return &Order{
		Trader:     trader.Address(),
		Collateral: usdc,
		TokenID:    env.marketID,
		Amount:     amount,
		Price:      price,
		Side:       side,
		Nonce:      1,
	}
}

func (env *testEnv) sign(t *testing.T, trader *crypto.Signer, o *Order) []byte {
	t.Helper()
	digest, err := env.engine.signer.HashOrder(o.message())
	if err != nil {
		t.Fatalf("failed to hash order: %v", err)
	}
	sig, err := trader.Sign(digest)
	if err != nil {
		t.Fatalf("failed to sign order: %v", err)
	}
	return sig
}

// match signs both orders and matches them.
func (env *testEnv) match(t *testing.T, buy, sell *Order, requestedFill int64) (*Trade, error) {
	t.Helper()
	return env.engine.MatchOrders(buy, sell, env.sign(t, env.buyer, buy), env.sign(t, env.seller, sell), requestedFill)
}

func TestMatchOrders(t *testing.T) {
	env := newTestEnv(t)

	buy := env.order(env.buyer, Buy, 100, 2*params.PriceUnit)
	sell := env.order(env.seller, Sell, 100, 1*params.PriceUnit)

	trade, err := env.match(t, buy, sell, 0)
	if err != nil {
		t.Fatalf("match failed: %v", err)
	}
	if trade.ID != 1 {
		t.Errorf("trade id = %d, want 1", trade.ID)
	}
	if trade.FillAmount != 100 {
		t.Errorf("fill = %d, want 100", trade.FillAmount)
	}
	if trade.Price != 1*params.PriceUnit {
		t.Errorf("settlement price = %d, want sell price %d", trade.Price, 1*params.PriceUnit)
	}
	if trade.Status != TradeOpen {
		t.Errorf("status = %s, want open", trade.Status)
	}

	// tradeValue = 100 tokens at price 1.0 = 100 usdc.
	if trade.BuyerCollateral != 25 {
		t.Errorf("buyer collateral = %d, want 25", trade.BuyerCollateral)
	}
	if trade.SellerCollateral != 100 {
		t.Errorf("seller collateral = %d, want 100", trade.SellerCollateral)
	}
	if got := env.ledger.Balance(env.buyer.Address(), usdc); got != 1_000_000-25 {
		t.Errorf("buyer balance = %d, want %d", got, 1_000_000-25)
	}
	if got := env.ledger.Balance(env.seller.Address(), usdc); got != 1_000_000-100 {
		t.Errorf("seller balance = %d, want %d", got, 1_000_000-100)
	}
	if got := env.ledger.Escrowed(usdc); got != 125 {
		t.Errorf("escrow pool = %d, want 125", got)
	}
	if got := env.engine.LockedCollateral(env.buyer.Address(), usdc); got != 25 {
		t.Errorf("buyer lock = %d, want 25", got)
	}
	if got := env.engine.LockedCollateral(env.seller.Address(), usdc); got != 100 {
		t.Errorf("seller lock = %d, want 100", got)
	}

	if _, _, balanced := env.ledger.Reconcile(usdc); !balanced {
		t.Error("ledger out of balance after match")
	}
}

func TestMatchRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)

	buy := env.order(env.buyer, Buy, 100, 2*params.PriceUnit)
	sell := env.order(env.seller, Sell, 100, 1*params.PriceUnit)
	buySig := env.sign(t, env.buyer, buy)
	sellSig := env.sign(t, env.seller, sell)

	// Mutating the order after signing invalidates the signature.
	buy.Amount = 200
	if _, err := env.engine.MatchOrders(buy, sell, buySig, sellSig, 0); !errors.Is(err, protocol.ErrInvalidSignature) {
		t.Errorf("err = %v, want ErrInvalidSignature", err)
	}

	// Signature from the wrong key.
	buy.Amount = 100
	if _, err := env.engine.MatchOrders(buy, sell, env.sign(t, env.seller, buy), sellSig, 0); !errors.Is(err, protocol.ErrInvalidSignature) {
		t.Errorf("err = %v, want ErrInvalidSignature", err)
	}
}

func TestMatchPreconditions(t *testing.T) {
	env := newTestEnv(t)

	base := func() (*Order, *Order) {
		return env.order(env.buyer, Buy, 100, 2*params.PriceUnit),
			env.order(env.seller, Sell, 100, 1*params.PriceUnit)
	}

	t.Run("expired order", func(t *testing.T) {
		buy, sell := base()
		buy.Deadline = env.clock.Now().Unix() - 1
		if _, err := env.match(t, buy, sell, 0); !errors.Is(err, protocol.ErrOrderExpired) {
			t.Errorf("err = %v, want ErrOrderExpired", err)
		}
	})

	t.Run("side mismatch", func(t *testing.T) {
		buy, sell := base()
		sell.Side = Buy
		if _, err := env.match(t, buy, sell, 0); !errors.Is(err, protocol.ErrSideMismatch) {
			t.Errorf("err = %v, want ErrSideMismatch", err)
		}
	})

	t.Run("collateral mismatch", func(t *testing.T) {
		buy, sell := base()
		sell.Collateral = abcToken
		if _, err := env.match(t, buy, sell, 0); !errors.Is(err, protocol.ErrMarketMismatch) {
			t.Errorf("err = %v, want ErrMarketMismatch", err)
		}
	})

	t.Run("unknown market", func(t *testing.T) {
		buy, sell := base()
		buy.TokenID = market.MarketID("XYZ")
		sell.TokenID = buy.TokenID
		if _, err := env.match(t, buy, sell, 0); !errors.Is(err, protocol.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("price does not cross", func(t *testing.T) {
		buy, sell := base()
		buy.Price = 1 * params.PriceUnit
		sell.Price = 2 * params.PriceUnit
		if _, err := env.match(t, buy, sell, 0); !errors.Is(err, protocol.ErrPriceCross) {
			t.Errorf("err = %v, want ErrPriceCross", err)
		}
	})

	t.Run("paused market", func(t *testing.T) {
		if err := env.registry.SetPaused(adminAddr, env.marketID, true); err != nil {
			t.Fatalf("failed to pause: %v", err)
		}
		defer env.registry.SetPaused(adminAddr, env.marketID, false)

		buy, sell := base()
		if _, err := env.match(t, buy, sell, 0); !errors.Is(err, protocol.ErrTradingPaused) {
			t.Errorf("err = %v, want ErrTradingPaused", err)
		}
	})
}

// Sequential matches against one sell order must never overbook it: the
// second match is capped to the remaining capacity and a third finds none.
func TestMatchConsumesRemainingCapacity(t *testing.T) {
	env := newTestEnv(t)

	sell := env.order(env.seller, Sell, 60, 1*params.PriceUnit)
	buy1 := env.order(env.buyer, Buy, 100, 2*params.PriceUnit)

	trade1, err := env.match(t, buy1, sell, 50)
	if err != nil {
		t.Fatalf("first match failed: %v", err)
	}
	if trade1.FillAmount != 50 {
		t.Errorf("first fill = %d, want 50", trade1.FillAmount)
	}

	buy2 := env.order(env.buyer, Buy, 100, 2*params.PriceUnit)
	buy2.Nonce = 2 // distinct order id
	trade2, err := env.match(t, buy2, sell, 50)
	if err != nil {
		t.Fatalf("second match failed: %v", err)
	}
	if trade2.FillAmount != 10 {
		t.Errorf("second fill = %d, want 10 (remaining capacity)", trade2.FillAmount)
	}

	buy3 := env.order(env.buyer, Buy, 100, 2*params.PriceUnit)
	buy3.Nonce = 3
	if _, err := env.match(t, buy3, sell, 0); !errors.Is(err, protocol.ErrZeroFill) {
		t.Errorf("err = %v, want ErrZeroFill", err)
	}

	st := env.engine.OrderStateOf(trade1.SellOrder)
	if st.Filled != 60 {
		t.Errorf("sell order filled = %d, want 60", st.Filled)
	}
}

func TestMatchBelowMinimumFill(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.MinFillAmount = 1000

	buy := env.order(env.buyer, Buy, 100, 2*params.PriceUnit)
	sell := env.order(env.seller, Sell, 100, 1*params.PriceUnit)
	if _, err := env.match(t, buy, sell, 0); !errors.Is(err, protocol.ErrBelowMinimumFill) {
		t.Errorf("err = %v, want ErrBelowMinimumFill", err)
	}
}

func TestMatchRejectsNonPositiveOrders(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name          string
		amount, price int64
	}{
		{"zero amount", 0, 1 * params.PriceUnit},
		{"negative amount", -100, 1 * params.PriceUnit},
		{"zero price", 100, 0},
		{"negative price", 100, -1 * params.PriceUnit},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buy := env.order(env.buyer, Buy, tc.amount, tc.price)
			sell := env.order(env.seller, Sell, 100, 1*params.PriceUnit)
			if _, err := env.match(t, buy, sell, 0); !errors.Is(err, protocol.ErrInvalidParameters) {
				t.Errorf("bad buy order: err = %v, want ErrInvalidParameters", err)
			}

			buy = env.order(env.buyer, Buy, 100, 2*params.PriceUnit)
			sell = env.order(env.seller, Sell, tc.amount, tc.price)
			if _, err := env.match(t, buy, sell, 0); !errors.Is(err, protocol.ErrInvalidParameters) {
				t.Errorf("bad sell order: err = %v, want ErrInvalidParameters", err)
			}
		})
	}
	if got := env.engine.LockedCollateral(env.buyer.Address(), usdc); got != 0 {
		t.Errorf("buyer lock = %d after rejected matches, want 0", got)
	}
}

// A failed seller collateral lock must roll the buyer's lock back.
func TestMatchCollateralRollback(t *testing.T) {
	env := newTestEnv(t)

	// Drain the seller's escrow balance.
	if err := env.ledger.Withdraw(env.seller.Address(), usdc, 1_000_000); err != nil {
		t.Fatalf("failed to withdraw: %v", err)
	}

	buy := env.order(env.buyer, Buy, 100, 2*params.PriceUnit)
	sell := env.order(env.seller, Sell, 100, 1*params.PriceUnit)
	if _, err := env.match(t, buy, sell, 0); !errors.Is(err, protocol.ErrInsufficientCollateral) {
		t.Fatalf("err = %v, want ErrInsufficientCollateral", err)
	}

	if got := env.ledger.Balance(env.buyer.Address(), usdc); got != 1_000_000 {
		t.Errorf("buyer balance = %d, want untouched 1000000", got)
	}
	if got := env.ledger.Escrowed(usdc); got != 0 {
		t.Errorf("escrow pool = %d, want 0", got)
	}
	if st := env.engine.OrderStateOf(mustOrderID(t, env, buy)); st.Filled != 0 {
		t.Errorf("buy order filled = %d, want 0", st.Filled)
	}
}

// Invariant: filled + canceled never exceeds the order's amount across any
// mix of partial fills and cancellations.
func TestOrderCountersNeverExceedAmount(t *testing.T) {
	env := newTestEnv(t)

	sell := env.order(env.seller, Sell, 100, 1*params.PriceUnit)
	buy := env.order(env.buyer, Buy, 100, 2*params.PriceUnit)

	if _, err := env.match(t, buy, sell, 40); err != nil {
		t.Fatalf("match failed: %v", err)
	}
	if err := env.engine.CancelOrder(env.seller.Address(), sell, 30); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	buy2 := env.order(env.buyer, Buy, 100, 2*params.PriceUnit)
	buy2.Nonce = 2
	trade, err := env.match(t, buy2, sell, 0)
	if err != nil {
		t.Fatalf("match failed: %v", err)
	}
	if trade.FillAmount != 30 {
		t.Errorf("fill = %d, want 30", trade.FillAmount)
	}

	st := env.engine.OrderStateOf(trade.SellOrder)
	if st.Filled+st.Canceled > 100 {
		t.Errorf("filled %d + canceled %d exceeds amount 100", st.Filled, st.Canceled)
	}
	if st.Remaining(100) != 0 {
		t.Errorf("remaining = %d, want 0", st.Remaining(100))
	}
}

func mustOrderID(t *testing.T, env *testEnv, o *Order) common.Hash {
	t.Helper()
	id, err := env.engine.OrderID(o)
	if err != nil {
		t.Fatalf("failed to compute order id: %v", err)
	}
	return id
}
