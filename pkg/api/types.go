package api

import (
	"github.com/uhyunpark/limitorderbook/pkg/app/core/order"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/orderstate"
	"github.com/uhyunpark/limitorderbook/pkg/app/lob"
)

// API request and response types for REST endpoints and WebSocket messages.
// Amounts are 18-decimal integers encoded as decimal strings.

// ==============================
// REST Types
// ==============================

// ChainStatus is the node's view of the chain head.
type ChainStatus struct {
	Height        uint64 `json:"height"`
	Time          int64  `json:"time"`
	AppHash       string `json:"appHash"`
	MempoolSize   int    `json:"mempoolSize"`
	ChainID       string `json:"chainId"`
	Book          string `json:"book"`
	DomainName    string `json:"domainName"`
	DomainVersion string `json:"domainVersion"`
	MinOrderValue string `json:"minOrderValue"`
	KeeperEnabled bool   `json:"keeperEnabled"`
}

// SubmitTxResponse acknowledges a transaction admitted to the mempool.
type SubmitTxResponse struct {
	Status string `json:"status"` // "pending"
	TxID   string `json:"txId"`
}

// SubmitOrderRequest hands a trader-signed order to the node's keeper.
type SubmitOrderRequest struct {
	Order     order.Payload `json:"order"`
	Signature string        `json:"signature"` // 0x-prefixed, 65 bytes
}

type SubmitOrderResponse struct {
	Status    string `json:"status"` // "watching"
	OrderHash string `json:"orderHash"`
}

type OrderHashResponse struct {
	OrderHash string `json:"orderHash"`
}

// CheckFillRequest asks whether a fill would pass every check right now.
type CheckFillRequest struct {
	Order        order.Payload `json:"order"`
	Signature    string        `json:"signature"`
	TriggerRound string        `json:"triggerRound,omitempty"`
	Keeper       string        `json:"keeper,omitempty"` // defaults to the node's keeper address
}

// CheckFillResponse reports the first failing check, if any.
type CheckFillResponse struct {
	OK        bool   `json:"ok"`
	OrderHash string `json:"orderHash,omitempty"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
	Class     string `json:"class,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// OrderStatusResponse is the consumption status of one order hash.
type OrderStatusResponse struct {
	OrderHash string            `json:"orderHash"`
	Status    orderstate.Status `json:"status"`
	Height    uint64            `json:"height,omitempty"`
	Time      int64             `json:"time,omitempty"`
}

type RewardResponse struct {
	OrderHash string `json:"orderHash"`
	Keeper    string `json:"keeper"`
	Token     string `json:"token"`
	Amount    string `json:"amount"`
	Outcome   string `json:"outcome"`
}

// KeeperOrder is an order the node's keeper is watching.
type KeeperOrder struct {
	OrderHash string        `json:"orderHash"`
	Order     order.Payload `json:"order"`
	Signature string        `json:"signature"`
	AddedAt   uint64        `json:"addedAt"`
}

type VaultInfo struct {
	Address    string `json:"address"`
	Owner      string `json:"owner"`
	FillEngine string `json:"fillEngine"`
	Token      string `json:"token"`
	Amount     string `json:"amount"`
	Balance    string `json:"balance"`
	Policy     string `json:"policy"`
}

// PositionInfo is a trader's taker position in one market.
type PositionInfo struct {
	Trader       string `json:"trader"`
	Market       string `json:"market"`
	Size         string `json:"size"`
	OpenNotional string `json:"openNotional"`
	Collateral   string `json:"collateral"`
}

// ErrorResponse carries the book's error classification when there is one,
// so clients can tell a retryable failure from a final one.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	Code      string `json:"code,omitempty"`
	Class     string `json:"class,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// ==============================
// WebSocket Types
// ==============================

// WSSubscribeRequest is a client subscription request.
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // "blocks", "events", "order:<hash>"
}

// BlockUpdate is pushed on the "blocks" channel after every block.
type BlockUpdate struct {
	Type     string        `json:"type"` // "block"
	Block    lob.Block     `json:"block"`
	Receipts []lob.Receipt `json:"receipts"`
}

// EventUpdate is pushed on "events" and on the "order:<hash>" channel of the
// order the event belongs to.
type EventUpdate struct {
	Type      string `json:"type"` // "event"
	Height    uint64 `json:"height"`
	TxID      string `json:"txId"`
	OrderHash string `json:"orderHash,omitempty"`
	Name      string `json:"name"`
	Data      any    `json:"data"`
}
