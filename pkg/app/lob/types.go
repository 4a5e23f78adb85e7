package lob

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/limitorderbook/pkg/app/core/events"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/limitorder"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/transaction"
)

// Block is a committed batch of transactions.
type Block struct {
	Height  uint64        `json:"height"`
	Time    int64         `json:"time"` // unix seconds
	Parent  common.Hash   `json:"parent"`
	AppHash common.Hash   `json:"appHash"`
	TxIDs   []common.Hash `json:"txIds"`
}

// NamedEvent is an event tagged with its name for JSON consumers. Data holds
// the events.Event when produced locally and a decoded JSON object when
// loaded from storage.
type NamedEvent struct {
	Name string `json:"name"`
	Data any    `json:"data"`
}

func named(ev events.Event) NamedEvent {
	return NamedEvent{Name: ev.EventName(), Data: ev}
}

// Receipt is the outcome of one transaction in a block.
type Receipt struct {
	Height    uint64                     `json:"height"`
	Index     int                        `json:"index"`
	TxID      common.Hash                `json:"txId"`
	Type      transaction.TxType         `json:"type"`
	OrderHash common.Hash                `json:"orderHash,omitempty"`
	OK        bool                       `json:"ok"`
	Error     string                     `json:"error,omitempty"`
	Class     *limitorder.Classification `json:"class,omitempty"`
	Reward    string                     `json:"reward,omitempty"`
	RoundID   string                     `json:"roundId,omitempty"`
	Events    []NamedEvent               `json:"events,omitempty"`
}

// PricePublisher accepts devnet oracle rounds. Returns the new round id.
type PricePublisher interface {
	PublishPrice(market common.Address, price *big.Int, at time.Time) (*big.Int, error)
}

// BlockStore persists committed block headers.
type BlockStore interface {
	SaveBlock(b Block) error
	LastBlock() (Block, bool, error)
}

// ReceiptStore persists receipts by tx id.
type ReceiptStore interface {
	SaveReceipt(r Receipt) error
	LoadReceipt(txID common.Hash) (*Receipt, error)
}

// WAL is an append-only log of committed receipts.
type WAL interface {
	Append(line string)
}

type memoryBlocks struct {
	mu   sync.Mutex
	last *Block
}

func (m *memoryBlocks) SaveBlock(b Block) error {
	m.mu.Lock()
	m.last = &b
	m.mu.Unlock()
	return nil
}

func (m *memoryBlocks) LastBlock() (Block, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return Block{}, false, nil
	}
	return *m.last, true, nil
}

type memoryReceipts struct {
	mu       sync.RWMutex
	receipts map[common.Hash]Receipt
}

func newMemoryReceipts() *memoryReceipts {
	return &memoryReceipts{receipts: make(map[common.Hash]Receipt)}
}

func (m *memoryReceipts) SaveReceipt(r Receipt) error {
	m.mu.Lock()
	m.receipts[r.TxID] = r
	m.mu.Unlock()
	return nil
}

func (m *memoryReceipts) LoadReceipt(txID common.Hash) (*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.receipts[txID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

type nopWAL struct{}

func (nopWAL) Append(string) {}
