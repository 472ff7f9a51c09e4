package api

// API request/response types for REST endpoints and WebSocket messages

// MarketInfo is a token market's registry entry.
type MarketInfo struct {
	ID               string `json:"id"`
	Symbol           string `json:"symbol"`
	Name             string `json:"name"`
	SettleTimeLimitS int64  `json:"settleTimeLimitSeconds"`
	RealAsset        string `json:"realAsset,omitempty"` // empty until mapped
	MappedAt         int64  `json:"mappedAt,omitempty"`
	CreatedAt        int64  `json:"createdAt"`
	Paused           bool   `json:"paused"`
}

// BalanceInfo is one (owner, asset) escrow position.
type BalanceInfo struct {
	Address string `json:"address"`
	Asset   string `json:"asset"`
	Balance int64  `json:"balance"`
	Locked  int64  `json:"locked"`
}

// TradeInfo is a trade in API form.
type TradeInfo struct {
	ID               uint64 `json:"id"`
	Buyer            string `json:"buyer"`
	Seller           string `json:"seller"`
	TokenID          string `json:"tokenId"`
	Collateral       string `json:"collateral"`
	Price            int64  `json:"price"`
	FillAmount       int64  `json:"fillAmount"`
	BuyerCollateral  int64  `json:"buyerCollateral"`
	SellerCollateral int64  `json:"sellerCollateral"`
	Status           string `json:"status"`
	MatchedAt        int64  `json:"matchedAt"`
	ResolvedAt       int64  `json:"resolvedAt,omitempty"`
}

// ReconcileInfo is the result of an escrow reconciliation pass.
type ReconcileInfo struct {
	Asset     string `json:"asset"`
	Custodied int64  `json:"custodied"`
	Recorded  int64  `json:"recorded"`
	Balanced  bool   `json:"balanced"`
}

// MatchRequest carries two signed orders for pairwise matching. Signatures
// are 65-byte hex strings over each order's typed digest.
type MatchRequest struct {
	Buy           OrderPayload `json:"buy"`
	Sell          OrderPayload `json:"sell"`
	BuySignature  string       `json:"buySignature"`
	SellSignature string       `json:"sellSignature"`
	RequestedFill int64        `json:"requestedFill"`
}

// OrderPayload mirrors the signed order record.
type OrderPayload struct {
	Trader     string `json:"trader"`
	Collateral string `json:"collateral"`
	TokenID    string `json:"tokenId"`
	Amount     int64  `json:"amount"`
	Price      int64  `json:"price"`
	Side       uint8  `json:"side"` // 1 = buy, 2 = sell
	Nonce      uint64 `json:"nonce"`
	Deadline   int64  `json:"deadline"`
}

// SettleRequest resolves an open trade.
type SettleRequest struct {
	Caller  string `json:"caller"`
	TradeID uint64 `json:"tradeId"`
}

// CancelOrderRequest retires unfilled capacity from an order.
type CancelOrderRequest struct {
	Order        OrderPayload `json:"order"`
	CancelAmount int64        `json:"cancelAmount"`
}

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// WSMessage wraps an event for WebSocket delivery.
type WSMessage struct {
	Channel string      `json:"channel"`
	Data    interface{} `json:"data"`
}

// WSSubscribeRequest is the client -> server subscription control message.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}
