package engine

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/premarket-labs/premarket/pkg/crypto"
)

// Side of an order. Values match the EIP-712 encoding.
type Side uint8

const (
	Buy  Side = 1
	Sell Side = 2
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// Order is a signed off-chain intent to trade a not-yet-issued token. Orders
// are never stored whole; the engine tracks fill/cancel counters keyed by the
// order's EIP-712 digest, which is its identity.
type Order struct {
	Trader     common.Address `json:"trader"`
	Collateral common.Address `json:"collateral"`
	TokenID    common.Hash    `json:"token_id"`
	Amount     int64          `json:"amount"`
	Price      int64          `json:"price"` // scaled by params.PriceUnit
	Side       Side           `json:"side"`
	Nonce      uint64         `json:"nonce"`
	Deadline   int64          `json:"deadline"` // unix seconds, 0 = no expiry
}

func (o *Order) message() *crypto.OrderMessage {
	return &crypto.OrderMessage{
		Trader:     o.Trader,
		Collateral: o.Collateral,
		TokenID:    o.TokenID,
		Amount:     big.NewInt(o.Amount),
		Price:      big.NewInt(o.Price),
		Side:       uint8(o.Side),
		Nonce:      new(big.Int).SetUint64(o.Nonce),
		Deadline:   big.NewInt(o.Deadline),
	}
}

// OrderState holds the two mutable counters tracked per order id.
// Invariant: Filled + Canceled <= the order's total amount, always.
type OrderState struct {
	ID       common.Hash `json:"id"`
	Filled   int64       `json:"filled"`
	Canceled int64       `json:"canceled"`
}

// Remaining returns the order's unfilled, uncancelled capacity.
func (s *OrderState) Remaining(total int64) int64 {
	return total - s.Filled - s.Canceled
}

// TradeStatus is the trade lifecycle: Open -> {Settled, Cancelled}, terminal
// and mutually exclusive.
type TradeStatus int8

const (
	TradeOpen TradeStatus = iota
	TradeSettled
	TradeCancelled
)

func (s TradeStatus) String() string {
	switch s {
	case TradeOpen:
		return "open"
	case TradeSettled:
		return "settled"
	case TradeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Trade is the record a successful match creates. It snapshots both legs so
// later resolution needs no access to the original orders.
type Trade struct {
	ID         uint64         `json:"id"`
	BuyOrder   common.Hash    `json:"buy_order"`
	SellOrder  common.Hash    `json:"sell_order"`
	Buyer      common.Address `json:"buyer"`
	Seller     common.Address `json:"seller"`
	TokenID    common.Hash    `json:"token_id"`
	Collateral common.Address `json:"collateral"`
	BuyerPrice int64          `json:"buyer_price"`
	Price      int64          `json:"price"` // settlement price: the sell order's price
	FillAmount int64          `json:"fill_amount"`
	MatchedAt  int64          `json:"matched_at"` // unix seconds

	BuyerCollateral  int64 `json:"buyer_collateral"`
	SellerCollateral int64 `json:"seller_collateral"`

	Status     TradeStatus    `json:"status"`
	RealAsset  common.Address `json:"real_asset"`  // filled in at settlement
	ResolvedAt int64          `json:"resolved_at"` // unix seconds, 0 while open
}

// BatchSettlement is the operator-authorized V2 record resolving many buyer
// legs against one seller in a single atomic step.
type BatchSettlement struct {
	OrderIDs    []common.Hash    `json:"order_ids"`
	Collateral  common.Address   `json:"collateral"`
	RealAsset   common.Address   `json:"real_asset"`
	Seller      common.Address   `json:"seller"`
	Buyers      []common.Address `json:"buyers"`
	Collaterals []int64          `json:"collaterals"`
	Deliveries  []int64          `json:"deliveries"`
	Payment     int64            `json:"payment"`
	Deadline    int64            `json:"deadline"`
	Nonce       uint64           `json:"nonce"`
}

func (b *BatchSettlement) message() *crypto.BatchSettlementMessage {
	return &crypto.BatchSettlementMessage{
		OrderIDs:    b.OrderIDs,
		Collateral:  b.Collateral,
		RealAsset:   b.RealAsset,
		Seller:      b.Seller,
		Buyers:      b.Buyers,
		Collaterals: bigInts(b.Collaterals),
		Deliveries:  bigInts(b.Deliveries),
		Payment:     big.NewInt(b.Payment),
		Deadline:    big.NewInt(b.Deadline),
		Nonce:       new(big.Int).SetUint64(b.Nonce),
	}
}

// BatchCancellation is the symmetric V2 record returning buyers' locked
// collateral without a delivery obligation.
type BatchCancellation struct {
	OrderIDs   []common.Hash    `json:"order_ids"`
	Collateral common.Address   `json:"collateral"`
	Buyers     []common.Address `json:"buyers"`
	Amounts    []int64          `json:"amounts"`
	Deadline   int64            `json:"deadline"`
	Nonce      uint64           `json:"nonce"`
}

func (b *BatchCancellation) message() *crypto.BatchCancellationMessage {
	return &crypto.BatchCancellationMessage{
		OrderIDs:   b.OrderIDs,
		Collateral: b.Collateral,
		Buyers:     b.Buyers,
		Amounts:    bigInts(b.Amounts),
		Deadline:   big.NewInt(b.Deadline),
		Nonce:      new(big.Int).SetUint64(b.Nonce),
	}
}

func bigInts(ns []int64) []*big.Int {
	out := make([]*big.Int, len(ns))
	for i, n := range ns {
		out[i] = big.NewInt(n)
	}
	return out
}
