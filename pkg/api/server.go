package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/uhyunpark/limitorderbook/pkg/app/core/limitorder"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/order"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/reward"
	"github.com/uhyunpark/limitorderbook/pkg/app/keeper"
	"github.com/uhyunpark/limitorderbook/pkg/app/lob"
	"github.com/uhyunpark/limitorderbook/pkg/app/perp"
	"github.com/uhyunpark/limitorderbook/pkg/p2p"
	"github.com/uhyunpark/limitorderbook/pkg/util"
)

const maxBodyBytes = 1 << 20

// Positions reads trader positions from the clearing house.
type Positions interface {
	Position(trader, market common.Address) perp.Position
	Collateral(trader common.Address) *big.Int
}

// Relay gossips accepted orders and transactions to peers.
type Relay interface {
	BroadcastOrder(ctx context.Context, w p2p.OrderWire) error
	BroadcastTx(ctx context.Context, raw []byte) error
}

type Config struct {
	App       *lob.App
	Vault     *reward.Vault
	Keeper    *keeper.Watcher // nil disables order intake
	Positions Positions       // nil disables the positions endpoint
	Relay     Relay           // nil keeps submissions local
	// KeeperAddress is the caller identity /orders/check simulates when the
	// request names none.
	KeeperAddress common.Address

	AllowedOrigins []string
	TxLogPath      string // JSON lines of accepted submissions; empty disables
	Logger         *zap.SugaredLogger
}

// Server handles REST API and WebSocket connections
type Server struct {
	app       *lob.App
	vault     *reward.Vault
	keeper    *keeper.Watcher
	positions Positions
	relay     Relay
	payee     common.Address
	origins   []string

	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger
	txLog  *zap.Logger
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.App == nil || cfg.Vault == nil {
		return nil, errors.New("api server requires an app and a vault")
	}
	s := &Server{
		app:       cfg.App,
		vault:     cfg.Vault,
		keeper:    cfg.Keeper,
		positions: cfg.Positions,
		relay:     cfg.Relay,
		payee:     cfg.KeeperAddress,
		origins:   cfg.AllowedOrigins,
		router:    mux.NewRouter(),
		log:       util.OrNop(cfg.Logger),
		txLog:     zap.NewNop(),
	}
	s.hub = NewHub(s.log)
	if len(s.origins) == 0 {
		s.origins = []string{"http://localhost:3000", "http://localhost:3001"}
	}
	if cfg.TxLogPath != "" {
		l, err := newTxLogger(cfg.TxLogPath)
		if err != nil {
			s.log.Warnw("api_tx_log_disabled", "path", cfg.TxLogPath, "err", err)
		} else {
			s.txLog = l
			s.log.Infow("api_tx_log", "path", cfg.TxLogPath)
		}
	}

	s.setupRoutes()
	return s, nil
}

func newTxLogger(path string) (*zap.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.RFC3339TimeEncoder
	encoderCfg.MessageKey = "event"
	encoderCfg.LevelKey = ""
	encoderCfg.CallerKey = ""
	return zap.New(zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(file), zapcore.InfoLevel)), nil
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Chain endpoints
	api.HandleFunc("/chain/status", s.handleGetChainStatus).Methods("GET")
	api.HandleFunc("/blocks/latest", s.handleGetLatestBlock).Methods("GET")

	// Transactions
	api.HandleFunc("/txs", s.handleSubmitTx).Methods("POST")
	api.HandleFunc("/txs/{id}", s.handleGetReceipt).Methods("GET")

	// Orders
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/hash", s.handleOrderHash).Methods("POST")
	api.HandleFunc("/orders/check", s.handleCheckFill).Methods("POST")
	api.HandleFunc("/orders/{hash}", s.handleGetOrderStatus).Methods("GET")
	api.HandleFunc("/orders/{hash}/reward", s.handleGetReward).Methods("GET")

	// Keeper and vault
	api.HandleFunc("/keeper/orders", s.handleGetKeeperOrders).Methods("GET")
	api.HandleFunc("/vault", s.handleGetVault).Methods("GET")

	// Accounts
	api.HandleFunc("/accounts/{address}/positions/{market}", s.handleGetPosition).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Hub returns the WebSocket hub. Its Run loop must be running for clients
// to connect.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the CORS-wrapped router.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves the API on addr until ctx is done.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Infow("api_server_starting", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetChainStatus(w http.ResponseWriter, r *http.Request) {
	last := s.app.LastBlock()
	book := s.app.Book()
	domain := book.Domain()

	var chainID string
	if domain.ChainID != nil {
		chainID = domain.ChainID.String()
	}
	respondJSON(w, http.StatusOK, ChainStatus{
		Height:        last.Height,
		Time:          last.Time,
		AppHash:       last.AppHash.Hex(),
		MempoolSize:   s.app.PendingTxs(),
		ChainID:       chainID,
		Book:          book.Address().Hex(),
		DomainName:    domain.Name,
		DomainVersion: domain.Version,
		MinOrderValue: book.MinOrderValue().String(),
		KeeperEnabled: s.keeper != nil,
	})
}

func (s *Server) handleGetLatestBlock(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.app.LastBlock())
}

func (s *Server) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body", err)
		return
	}

	id, err := s.app.SubmitTx(raw)
	switch {
	case errors.Is(err, lob.ErrMempoolDupe):
		respondError(w, http.StatusConflict, "transaction already pending", err)
		return
	case err != nil:
		respondError(w, http.StatusBadRequest, "transaction rejected", err)
		return
	}

	if s.relay != nil {
		if err := s.relay.BroadcastTx(r.Context(), raw); err != nil {
			s.log.Debugw("api_tx_relay_failed", "tx", id.Hex(), "err", err)
		}
	}
	s.log.Infow("api_tx_submitted", "tx", id.Hex(), "bytes", len(raw))
	s.txLog.Info("TX_SUBMIT", zap.String("tx_id", id.Hex()), zap.Int("tx_bytes", len(raw)))

	respondJSON(w, http.StatusAccepted, SubmitTxResponse{Status: "pending", TxID: id.Hex()})
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid tx id", err)
		return
	}
	rec, err := s.app.Receipt(id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load receipt", err)
		return
	}
	if rec == nil {
		respondError(w, http.StatusNotFound, "receipt not found", nil)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	if s.keeper == nil {
		respondError(w, http.StatusServiceUnavailable, "keeper disabled", nil)
		return
	}
	var req SubmitOrderRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	o, sig, err := parseSignedOrder(req.Order, req.Signature)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order", err)
		return
	}

	hash, err := s.keeper.AddOrder(r.Context(), o, sig, s.app.LastBlock().Height)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, "order rejected", err)
		return
	}

	if s.relay != nil {
		if err := s.relay.BroadcastOrder(r.Context(), p2p.OrderWire{Order: req.Order, Signature: req.Signature}); err != nil {
			s.log.Debugw("api_order_relay_failed", "order", hash.Hex(), "err", err)
		}
	}
	s.txLog.Info("ORDER_SUBMIT",
		zap.String("order_hash", hash.Hex()),
		zap.String("trader", o.Trader.Hex()),
		zap.String("type", o.Type.String()))

	respondJSON(w, http.StatusAccepted, SubmitOrderResponse{Status: "watching", OrderHash: hash.Hex()})
}

func (s *Server) handleOrderHash(w http.ResponseWriter, r *http.Request) {
	var p order.Payload
	if err := decodeBody(r, &p); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	o, err := p.ToOrder()
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order", err)
		return
	}
	hash, err := s.app.Book().OrderHash(o)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to hash order", err)
		return
	}
	respondJSON(w, http.StatusOK, OrderHashResponse{OrderHash: hash.Hex()})
}

// handleCheckFill answers 200 whether or not the fill would pass; the body
// says which check failed.
func (s *Server) handleCheckFill(w http.ResponseWriter, r *http.Request) {
	var req CheckFillRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	o, sig, err := parseSignedOrder(req.Order, req.Signature)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order", err)
		return
	}
	var round *big.Int
	if req.TriggerRound != "" {
		v, ok := new(big.Int).SetString(req.TriggerRound, 0)
		if !ok || v.Sign() < 0 {
			respondError(w, http.StatusBadRequest, "invalid trigger round", fmt.Errorf("%q", req.TriggerRound))
			return
		}
		round = v
	}
	caller := s.payee
	if req.Keeper != "" {
		if !common.IsHexAddress(req.Keeper) {
			respondError(w, http.StatusBadRequest, "invalid keeper address", fmt.Errorf("%q", req.Keeper))
			return
		}
		caller = common.HexToAddress(req.Keeper)
	}

	resp := CheckFillResponse{OK: true}
	hash, err := s.app.Book().CheckFill(r.Context(), limitorder.EOA(caller), o, sig, round)
	if hash != (common.Hash{}) {
		resp.OrderHash = hash.Hex()
	}
	if err != nil {
		c := limitorder.Classify(err)
		resp = CheckFillResponse{
			OrderHash: resp.OrderHash,
			Error:     err.Error(),
			Code:      c.Code,
			Class:     string(c.Class),
			Retryable: c.Retryable,
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetOrderStatus(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHash(mux.Vars(r)["hash"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order hash", err)
		return
	}
	rec, err := s.app.Book().OrderStatus(hash)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load order status", err)
		return
	}
	respondJSON(w, http.StatusOK, OrderStatusResponse{
		OrderHash: rec.Hash.Hex(),
		Status:    rec.Status,
		Height:    rec.LastTouch.Height,
		Time:      rec.LastTouch.Time,
	})
}

func (s *Server) handleGetReward(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHash(mux.Vars(r)["hash"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order hash", err)
		return
	}
	rec, err := s.vault.Reward(hash)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load reward", err)
		return
	}
	if rec == nil {
		respondError(w, http.StatusNotFound, "no reward recorded", nil)
		return
	}
	respondJSON(w, http.StatusOK, RewardResponse{
		OrderHash: rec.OrderHash.Hex(),
		Keeper:    rec.Keeper.Hex(),
		Token:     rec.Token.Hex(),
		Amount:    bigString(rec.Amount),
		Outcome:   rec.Outcome.String(),
	})
}

func (s *Server) handleGetKeeperOrders(w http.ResponseWriter, r *http.Request) {
	if s.keeper == nil {
		respondJSON(w, http.StatusOK, []KeeperOrder{})
		return
	}
	orders := s.keeper.Orders()
	out := make([]KeeperOrder, 0, len(orders))
	for h, e := range orders {
		out = append(out, KeeperOrder{OrderHash: h.Hex(), Order: e.Order, Signature: e.Signature, AddedAt: e.AddedAt})
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetVault(w http.ResponseWriter, r *http.Request) {
	info := s.vault.Info()
	respondJSON(w, http.StatusOK, VaultInfo{
		Address:    info.Address.Hex(),
		Owner:      info.Owner.Hex(),
		FillEngine: info.FillEngine.Hex(),
		Token:      info.Token.Hex(),
		Amount:     bigString(info.Amount),
		Balance:    bigString(info.Balance),
		Policy:     info.Policy.String(),
	})
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	if s.positions == nil {
		respondError(w, http.StatusServiceUnavailable, "positions unavailable", nil)
		return
	}
	vars := mux.Vars(r)
	if !common.IsHexAddress(vars["address"]) || !common.IsHexAddress(vars["market"]) {
		respondError(w, http.StatusBadRequest, "invalid address", nil)
		return
	}
	trader := common.HexToAddress(vars["address"])
	market := common.HexToAddress(vars["market"])
	pos := s.positions.Position(trader, market)
	respondJSON(w, http.StatusOK, PositionInfo{
		Trader:       trader.Hex(),
		Market:       market.Hex(),
		Size:         bigString(pos.Size),
		OpenNotional: bigString(pos.OpenNotional),
		Collateral:   bigString(s.positions.Collateral(trader)),
	})
}

// ==============================
// Helper Functions
// ==============================

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parseSignedOrder(p order.Payload, signature string) (order.Order, []byte, error) {
	o, err := p.ToOrder()
	if err != nil {
		return order.Order{}, nil, err
	}
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return order.Order{}, nil, fmt.Errorf("invalid signature: %w", err)
	}
	return o, sig, nil
}

func parseHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, err
	}
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("want %d bytes, got %d", common.HashLength, len(b))
	}
	return common.BytesToHash(b), nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError classifies err with the book's error table. Errors the book
// does not know are reported without a code.
func respondError(w http.ResponseWriter, status int, msg string, err error) {
	resp := ErrorResponse{Error: msg}
	if err != nil {
		resp.Message = err.Error()
		if c := limitorder.Classify(err); c.Class != limitorder.ClassInternal {
			resp.Code = c.Code
			resp.Class = string(c.Class)
			resp.Retryable = c.Retryable
		}
	}
	respondJSON(w, status, resp)
}
