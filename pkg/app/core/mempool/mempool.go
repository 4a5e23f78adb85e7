package mempool

import (
	"encoding/json"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/limitorderbook/pkg/app/core/transaction"
)

// TxType classifies transactions into execution buckets.
type TxType int

const (
	TxNonOrder TxType = iota
	TxCancel
	TxFill
)

// ClassifyRaw classifies a raw transaction by its JSON envelope.
//
//	{"type": "price", ...}  -> TxNonOrder
//	{"type": "cancel", ...} -> TxCancel
//	anything else           -> TxFill
//
// Malformed transactions land in the fill bucket and fail on execution.
func ClassifyRaw(b []byte) TxType {
	if len(b) == 0 || b[0] != '{' {
		return TxFill
	}

	var txEnvelope struct {
		Type transaction.TxType `json:"type"`
	}
	if err := json.Unmarshal(b, &txEnvelope); err != nil {
		return TxFill
	}

	switch txEnvelope.Type {
	case transaction.TxTypePrice:
		return TxNonOrder
	case transaction.TxTypeCancel:
		return TxCancel
	default:
		return TxFill
	}
}

// Mempool maintains three queues: (1) non-order, (2) cancel, (3) fill.
// Within each bucket, FIFO by admission order. Oracle rounds land before the
// fills that may depend on them, and a cancel in the same block as a fill of
// the same order wins.
type Mempool struct {
	mu       sync.Mutex
	nonOrder [][]byte
	cancel   [][]byte
	fills    [][]byte
	seen     map[common.Hash]struct{}
}

func NewMempool() *Mempool {
	return &Mempool{seen: make(map[common.Hash]struct{})}
}

// PushRaw classifies and enqueues a tx. Returns false if an identical tx is
// already pending.
func (m *Mempool) PushRaw(b []byte) bool {
	cp := append([]byte(nil), b...)
	id := transaction.ID(cp)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.seen[id]; dup {
		return false
	}
	m.seen[id] = struct{}{}

	switch ClassifyRaw(b) {
	case TxNonOrder:
		m.nonOrder = append(m.nonOrder, cp)
	case TxCancel:
		m.cancel = append(m.cancel, cp)
	default:
		m.fills = append(m.fills, cp)
	}
	return true
}

// SelectForProposal returns up to maxBytes worth of txs in bucket order,
// removing selected txs from the mempool.
func (m *Mempool) SelectForProposal(maxBytes int64) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out [][]byte
	var used int64
	full := false

	pull := func(q *[][]byte) {
		for len(*q) > 0 && !full {
			tx := (*q)[0]
			n := int64(len(tx))
			if maxBytes > 0 && used+n > maxBytes {
				full = true
				return
			}
			out = append(out, tx)
			used += n
			*q = (*q)[1:]
			delete(m.seen, transaction.ID(tx))
		}
	}

	pull(&m.nonOrder)
	pull(&m.cancel)
	pull(&m.fills)

	return out
}

// Len returns total pending txs.
func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.nonOrder) + len(m.cancel) + len(m.fills)
}
