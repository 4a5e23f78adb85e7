package transaction

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	ethCrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/uhyunpark/limitorderbook/pkg/app/core/order"
	"github.com/uhyunpark/limitorderbook/pkg/crypto"
)

// TxType represents the type of transaction
type TxType string

const (
	TxTypeFill   TxType = "fill"   // Keeper fills a trader-signed order
	TxTypeCancel TxType = "cancel" // Trader cancels their own order
	TxTypePrice  TxType = "price"  // Devnet oracle round (node-local only)
)

// SignedTransaction is the wire envelope for everything the node executes.
// Signature is always the trader's EIP-712 signature: over the order for a
// fill, over CancelOrder(orderHash, trader) for a cancel.
type SignedTransaction struct {
	Type      TxType         `json:"type"`
	Fill      *FillPayload   `json:"fill,omitempty"`
	Cancel    *CancelPayload `json:"cancel,omitempty"`
	Price     *PricePayload  `json:"price,omitempty"`
	Signature string         `json:"signature,omitempty"` // 0x-prefixed, 65 bytes
}

// FillPayload asks the book to fill Order. Keeper is the reward payee and is
// not authenticated.
type FillPayload struct {
	Order        order.Payload `json:"order"`
	TriggerRound string        `json:"triggerRound,omitempty"` // required for conditional orders
	Keeper       string        `json:"keeper"`
}

type CancelPayload struct {
	Order order.Payload `json:"order"`
}

// PricePayload publishes a new oracle round for Market.
type PricePayload struct {
	Market string `json:"market"`
	Price  string `json:"price"` // 18 decimals
}

// Serialize converts SignedTransaction to JSON bytes
func (tx *SignedTransaction) Serialize() ([]byte, error) {
	return json.Marshal(tx)
}

// Deserialize parses JSON bytes into SignedTransaction
func Deserialize(data []byte) (*SignedTransaction, error) {
	var tx SignedTransaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transaction: %w", err)
	}
	return &tx, nil
}

// Validate performs basic validation on transaction structure
func (tx *SignedTransaction) Validate() error {
	switch tx.Type {
	case "":
		return fmt.Errorf("missing transaction type")

	case TxTypeFill:
		if tx.Fill == nil {
			return fmt.Errorf("fill type requires fill payload")
		}
		if tx.Signature == "" {
			return fmt.Errorf("missing signature")
		}
		if _, err := crypto.ParseAddress(tx.Fill.Keeper); err != nil {
			return fmt.Errorf("invalid keeper: %w", err)
		}

	case TxTypeCancel:
		if tx.Cancel == nil {
			return fmt.Errorf("cancel type requires cancel payload")
		}
		if tx.Signature == "" {
			return fmt.Errorf("missing signature")
		}

	case TxTypePrice:
		if tx.Price == nil {
			return fmt.Errorf("price type requires price payload")
		}
		if _, err := crypto.ParseAddress(tx.Price.Market); err != nil {
			return fmt.Errorf("invalid market: %w", err)
		}
		if p, ok := math.ParseBig256(tx.Price.Price); !ok || p.Sign() <= 0 {
			return fmt.Errorf("invalid price: %q", tx.Price.Price)
		}

	default:
		return fmt.Errorf("unknown transaction type: %s", tx.Type)
	}

	return nil
}

// ParseTransaction deserializes and validates a transaction.
func ParseTransaction(data []byte) (*SignedTransaction, error) {
	tx, err := Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse transaction: %w", err)
	}

	if err := tx.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transaction: %w", err)
	}

	return tx, nil
}

// Order returns the order carried by a fill or cancel.
func (tx *SignedTransaction) Order() (order.Order, error) {
	switch {
	case tx.Type == TxTypeFill && tx.Fill != nil:
		return tx.Fill.Order.ToOrder()
	case tx.Type == TxTypeCancel && tx.Cancel != nil:
		return tx.Cancel.Order.ToOrder()
	default:
		return order.Order{}, fmt.Errorf("%s transaction carries no order", tx.Type)
	}
}

// SignatureBytes decodes Signature.
func (tx *SignedTransaction) SignatureBytes() ([]byte, error) {
	return decodeSignature(tx.Signature)
}

// TriggerRoundID returns the fill's trigger round, or nil when absent.
func (f *FillPayload) TriggerRoundID() (*big.Int, error) {
	if f.TriggerRound == "" {
		return nil, nil
	}
	v, ok := math.ParseBig256(f.TriggerRound)
	if !ok {
		return nil, fmt.Errorf("invalid trigger round: %q", f.TriggerRound)
	}
	return v, nil
}

func (f *FillPayload) KeeperAddress() (common.Address, error) {
	return crypto.ParseAddress(f.Keeper)
}

// ID is the keccak256 of the serialized transaction. Used for mempool
// dedupe and receipts.
func ID(raw []byte) common.Hash {
	return ethCrypto.Keccak256Hash(raw)
}

// NewFill builds a fill transaction for a signed order.
func NewFill(o *order.Order, sig []byte, triggerRound *big.Int, keeper common.Address) *SignedTransaction {
	fill := &FillPayload{Order: *order.FromOrder(o), Keeper: keeper.Hex()}
	if triggerRound != nil {
		fill.TriggerRound = triggerRound.String()
	}
	return &SignedTransaction{Type: TxTypeFill, Fill: fill, Signature: encodeSignature(sig)}
}

// NewCancel builds a cancel transaction; sig is the trader's CancelOrder
// signature.
func NewCancel(o *order.Order, sig []byte) *SignedTransaction {
	return &SignedTransaction{
		Type:      TxTypeCancel,
		Cancel:    &CancelPayload{Order: *order.FromOrder(o)},
		Signature: encodeSignature(sig),
	}
}

func NewPrice(market common.Address, price *big.Int) *SignedTransaction {
	return &SignedTransaction{
		Type:  TxTypePrice,
		Price: &PricePayload{Market: market.Hex(), Price: price.String()},
	}
}

// Example formats for reference:

// Fill:
//   {
//     "type": "fill",
//     "fill": {
//       "order": {
//         "orderType": 1,
//         "salt": "42",
//         "trader": "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0",
//         "baseToken": "0x...",
//         "isBaseToQuote": false,
//         "isExactInput": false,
//         "amount": "100000000000000000",
//         "oppositeAmountBound": "300000000000000000000",
//         "deadline": "1900000000",
//         "roundIdWhenCreated": "18446744073709551716",
//         "triggerPrice": "2900000000000000000000",
//         ...
//       },
//       "triggerRound": "18446744073709551718",
//       "keeper": "0x..."
//     },
//     "signature": "0x1234567890abcdef..."
//   }

// Cancel:
//   {
//     "type": "cancel",
//     "cancel": { "order": { ... } },
//     "signature": "0x..."   // CancelOrder(orderHash, trader) typed data
//   }
