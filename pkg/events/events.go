package events

import (
	"github.com/ethereum/go-ethereum/common"
)

// Event is a state-transition record emitted after a successful atomic
// operation. Each event carries enough fields to reconstruct the transition
// for an external indexer.
type Event interface {
	Name() string
}

type Deposited struct {
	User       common.Address `json:"user"`
	Asset      common.Address `json:"asset"`
	Amount     int64          `json:"amount"`
	NewBalance int64          `json:"new_balance"`
}

type Withdrawn struct {
	User       common.Address `json:"user"`
	Asset      common.Address `json:"asset"`
	Amount     int64          `json:"amount"`
	NewBalance int64          `json:"new_balance"`
}

type BalanceSlashed struct {
	User       common.Address `json:"user"`
	Asset      common.Address `json:"asset"`
	Amount     int64          `json:"amount"`
	Operator   common.Address `json:"operator"`
	NewBalance int64          `json:"new_balance"`
}

type BalanceCredited struct {
	User       common.Address `json:"user"`
	Asset      common.Address `json:"asset"`
	Amount     int64          `json:"amount"`
	Operator   common.Address `json:"operator"`
	NewBalance int64          `json:"new_balance"`
}

type TokenMarketCreated struct {
	ID              common.Hash `json:"id"`
	Symbol          string      `json:"symbol"`
	MarketName      string      `json:"name"`
	SettleTimeLimit int64       `json:"settle_time_limit_sec"`
	CreatedAt       int64       `json:"created_at"`
}

type TokenMapped struct {
	ID        common.Hash    `json:"id"`
	RealAsset common.Address `json:"real_asset"`
	MappedAt  int64          `json:"mapped_at"`
}

type OrdersMatched struct {
	TradeID          uint64         `json:"trade_id"`
	BuyOrder         common.Hash    `json:"buy_order"`
	SellOrder        common.Hash    `json:"sell_order"`
	Buyer            common.Address `json:"buyer"`
	Seller           common.Address `json:"seller"`
	TokenID          common.Hash    `json:"token_id"`
	FillAmount       int64          `json:"fill_amount"`
	Price            int64          `json:"price"`
	BuyerCollateral  int64          `json:"buyer_collateral"`
	SellerCollateral int64          `json:"seller_collateral"`
	MatchedAt        int64          `json:"matched_at"`
}

type TradeSettled struct {
	TradeID      uint64         `json:"trade_id"`
	TargetAsset  common.Address `json:"target_asset"`
	SellerReward int64          `json:"seller_reward"`
	Fee          int64          `json:"fee"`
	IsLate       bool           `json:"is_late"`
}

type TradeCancelled struct {
	TradeID uint64         `json:"trade_id"`
	Buyer   common.Address `json:"buyer"`
	Seller  common.Address `json:"seller"`
	Penalty int64          `json:"penalty"`
}

type OrderCancelled struct {
	OrderID common.Hash    `json:"order_id"`
	Trader  common.Address `json:"trader"`
	Amount  int64          `json:"amount"`
}

type BatchSettled struct {
	Operator common.Address `json:"operator"`
	Seller   common.Address `json:"seller"`
	Buyers   int            `json:"buyers"`
	Payment  int64          `json:"payment"`
	Fee      int64          `json:"fee"`
	Nonce    uint64         `json:"nonce"`
}

type BatchCancelled struct {
	Operator common.Address `json:"operator"`
	Buyers   int            `json:"buyers"`
	Returned int64          `json:"returned"`
	Fee      int64          `json:"fee"`
	Nonce    uint64         `json:"nonce"`
}

func (Deposited) Name() string          { return "Deposited" }
func (Withdrawn) Name() string          { return "Withdrawn" }
func (BalanceSlashed) Name() string     { return "BalanceSlashed" }
func (BalanceCredited) Name() string    { return "BalanceCredited" }
func (TokenMarketCreated) Name() string { return "TokenMarketCreated" }
func (TokenMapped) Name() string        { return "TokenMapped" }
func (OrdersMatched) Name() string      { return "OrdersMatched" }
func (TradeSettled) Name() string       { return "TradeSettled" }
func (TradeCancelled) Name() string     { return "TradeCancelled" }
func (OrderCancelled) Name() string     { return "OrderCancelled" }
func (BatchSettled) Name() string       { return "BatchSettled" }
func (BatchCancelled) Name() string     { return "BatchCancelled" }
