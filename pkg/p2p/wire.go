package p2p

import (
	"encoding/json"

	"github.com/uhyunpark/limitorderbook/pkg/app/core/order"
)

// OrderWire is a trader-signed order gossiped to keepers.
type OrderWire struct {
	Order     order.Payload `json:"order"`
	Signature string        `json:"signature"`
}

// TxWire carries a raw transaction, either gossiped or forwarded to the
// sequencer.
type TxWire struct {
	Tx json.RawMessage `json:"tx"`
}

func encode(v any) ([]byte, error) { return json.Marshal(v) }

func decode(b []byte, v any) error { return json.Unmarshal(b, v) }
