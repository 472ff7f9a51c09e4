package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/premarket-labs/premarket/pkg/engine"
	"github.com/premarket-labs/premarket/pkg/escrow"
	"github.com/premarket-labs/premarket/pkg/events"
	"github.com/premarket-labs/premarket/pkg/market"
	"github.com/premarket-labs/premarket/pkg/protocol"
)

// Server exposes the escrow core over REST and streams events over
// WebSocket. Mutating endpoints are a dev/relayer surface: callers submit
// signed records, and the core re-verifies every signature itself.
type Server struct {
	ledger   *escrow.Ledger
	registry *market.Registry
	engine   *engine.Engine
	bus      *events.Bus
	router   *mux.Router
	hub      *Hub
}

func NewServer(ledger *escrow.Ledger, registry *market.Registry, eng *engine.Engine, bus *events.Bus) *Server {
	s := &Server{
		ledger:   ledger,
		registry: registry,
		engine:   eng,
		bus:      bus,
		router:   mux.NewRouter(),
		hub:      NewHub(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{symbol}", s.handleGetMarket).Methods("GET")

	api.HandleFunc("/accounts/{address}/balances/{asset}", s.handleGetBalance).Methods("GET")

	api.HandleFunc("/trades", s.handleGetTrades).Methods("GET")
	api.HandleFunc("/trades/{id}", s.handleGetTrade).Methods("GET")

	api.HandleFunc("/reconcile/{asset}", s.handleReconcile).Methods("GET")

	api.HandleFunc("/match", s.handleMatch).Methods("POST")
	api.HandleFunc("/settle", s.handleSettle).Methods("POST")
	api.HandleFunc("/cancel-trade", s.handleCancelTrade).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the CORS-wrapped root handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start runs the hub, bridges the event bus into it and serves HTTP. Blocks.
func (s *Server) Start(addr string) error {
	go s.hub.Run()
	go s.pumpEvents()

	log.Printf("[api] server starting on %s", addr)
	return http.ListenAndServe(addr, s.Handler())
}

// pumpEvents forwards core events to WebSocket clients, channel = event name.
func (s *Server) pumpEvents() {
	for ev := range s.bus.Subscribe() {
		s.hub.BroadcastToChannel(ev.Name(), ev)
	}
}

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	markets := s.registry.List()
	response := make([]MarketInfo, len(markets))
	for i, m := range markets {
		response[i] = marketInfo(m)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	m, err := s.registry.Get(market.MarketID(symbol))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, marketInfo(m))
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !common.IsHexAddress(vars["address"]) || !common.IsHexAddress(vars["asset"]) {
		respondBadRequest(w, "invalid address")
		return
	}
	addr := common.HexToAddress(vars["address"])
	asset := common.HexToAddress(vars["asset"])

	respondJSON(w, BalanceInfo{
		Address: addr.Hex(),
		Asset:   asset.Hex(),
		Balance: s.ledger.Balance(addr, asset),
		Locked:  s.engine.LockedCollateral(addr, asset),
	})
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	trades := s.engine.Trades()
	response := make([]TradeInfo, len(trades))
	for i := range trades {
		response[i] = tradeInfo(&trades[i])
	}
	respondJSON(w, response)
}

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondBadRequest(w, "invalid trade id")
		return
	}
	trade, err := s.engine.Trade(id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, tradeInfo(&trade))
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	assetStr := mux.Vars(r)["asset"]
	if !common.IsHexAddress(assetStr) {
		respondBadRequest(w, "invalid asset address")
		return
	}
	asset := common.HexToAddress(assetStr)
	custodied, recorded, balanced := s.ledger.Reconcile(asset)
	respondJSON(w, ReconcileInfo{
		Asset:     asset.Hex(),
		Custodied: custodied,
		Recorded:  recorded,
		Balanced:  balanced,
	})
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	var req MatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondBadRequest(w, "invalid JSON body")
		return
	}
	buy, err := decodeOrder(&req.Buy)
	if err != nil {
		respondBadRequest(w, err.Error())
		return
	}
	sell, err := decodeOrder(&req.Sell)
	if err != nil {
		respondBadRequest(w, err.Error())
		return
	}
	buySig, err := hexutil.Decode(req.BuySignature)
	if err != nil {
		respondBadRequest(w, "invalid buy signature encoding")
		return
	}
	sellSig, err := hexutil.Decode(req.SellSignature)
	if err != nil {
		respondBadRequest(w, "invalid sell signature encoding")
		return
	}

	trade, err := s.engine.MatchOrders(buy, sell, buySig, sellSig, req.RequestedFill)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, tradeInfo(trade))
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondBadRequest(w, "invalid JSON body")
		return
	}
	if !common.IsHexAddress(req.Caller) {
		respondBadRequest(w, "invalid caller address")
		return
	}
	if err := s.engine.Settle(common.HexToAddress(req.Caller), req.TradeID); err != nil {
		respondError(w, err)
		return
	}
	trade, err := s.engine.Trade(req.TradeID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, tradeInfo(&trade))
}

func (s *Server) handleCancelTrade(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondBadRequest(w, "invalid JSON body")
		return
	}
	if !common.IsHexAddress(req.Caller) {
		respondBadRequest(w, "invalid caller address")
		return
	}
	if err := s.engine.CancelAfterGrace(common.HexToAddress(req.Caller), req.TradeID); err != nil {
		respondError(w, err)
		return
	}
	trade, err := s.engine.Trade(req.TradeID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, tradeInfo(&trade))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondBadRequest(w, "invalid JSON body")
		return
	}
	order, err := decodeOrder(&req.Order)
	if err != nil {
		respondBadRequest(w, err.Error())
		return
	}
	if err := s.engine.CancelOrder(order.Trader, order, req.CancelAmount); err != nil {
		respondError(w, err)
		return
	}
	id, err := s.engine.OrderID(order)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, s.engine.OrderStateOf(id))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

func marketInfo(m *market.TokenMarket) MarketInfo {
	info := MarketInfo{
		ID:               m.ID.Hex(),
		Symbol:           m.Symbol,
		Name:             m.Name,
		SettleTimeLimitS: int64(m.SettleTimeLimit.Seconds()),
		MappedAt:         m.MappedAt,
		CreatedAt:        m.CreatedAt,
		Paused:           m.Paused,
	}
	if m.Mapped() {
		info.RealAsset = m.RealAsset.Hex()
	}
	return info
}

func tradeInfo(t *engine.Trade) TradeInfo {
	return TradeInfo{
		ID:               t.ID,
		Buyer:            t.Buyer.Hex(),
		Seller:           t.Seller.Hex(),
		TokenID:          t.TokenID.Hex(),
		Collateral:       t.Collateral.Hex(),
		Price:            t.Price,
		FillAmount:       t.FillAmount,
		BuyerCollateral:  t.BuyerCollateral,
		SellerCollateral: t.SellerCollateral,
		Status:           t.Status.String(),
		MatchedAt:        t.MatchedAt,
		ResolvedAt:       t.ResolvedAt,
	}
}

func decodeOrder(p *OrderPayload) (*engine.Order, error) {
	if !common.IsHexAddress(p.Trader) || !common.IsHexAddress(p.Collateral) {
		return nil, errors.New("invalid trader or collateral address")
	}
	tokenID, err := hexutil.Decode(p.TokenID)
	if err != nil || len(tokenID) != common.HashLength {
		return nil, errors.New("invalid token id")
	}
	return &engine.Order{
		Trader:     common.HexToAddress(p.Trader),
		Collateral: common.HexToAddress(p.Collateral),
		TokenID:    common.BytesToHash(tokenID),
		Amount:     p.Amount,
		Price:      p.Price,
		Side:       engine.Side(p.Side),
		Nonce:      p.Nonce,
		Deadline:   p.Deadline,
	}, nil
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[api] failed to encode response: %v", err)
	}
}

func respondBadRequest(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(ErrorResponse{Error: msg})
}

// respondError maps the core's error taxonomy onto HTTP statuses.
func respondError(w http.ResponseWriter, err error) {
	kind := protocol.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case protocol.KindValidation:
		status = http.StatusBadRequest
	case protocol.KindState:
		if errors.Is(err, protocol.ErrNotFound) {
			status = http.StatusNotFound
		} else {
			status = http.StatusConflict
		}
	case protocol.KindResource:
		status = http.StatusUnprocessableEntity
	case protocol.KindAuthorization:
		status = http.StatusForbidden
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: err.Error(), Kind: kind.String()})
}
