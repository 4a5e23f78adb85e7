package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/limitorderbook/pkg/app/core/orderstate"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/reward"
	"github.com/uhyunpark/limitorderbook/pkg/app/keeper"
	"github.com/uhyunpark/limitorderbook/pkg/app/lob"
)

// PebbleStore persists node state: order statuses, reward records, token
// balances, blocks, receipts and the keeper's watched orders.
type PebbleStore struct {
	db *pebble.DB

	// balMu serializes ledger read-modify-write cycles.
	balMu sync.Mutex
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}
func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) putJSON(key []byte, v any, opts *pebble.WriteOptions) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Set(key, data, opts)
}

// getJSON decodes key into v. found is false when the key is absent.
func (s *PebbleStore) getJSON(key []byte, v any) (bool, error) {
	data, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

// ============================================================================
// Order state
// ============================================================================

func (s *PebbleStore) LoadRecord(hash common.Hash) (*orderstate.Record, error) {
	var rec orderstate.Record
	found, err := s.getJSON(orderStateKey(hash), &rec)
	if err != nil {
		return nil, fmt.Errorf("failed to load order state: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

func (s *PebbleStore) SaveRecord(rec *orderstate.Record) error {
	if err := s.putJSON(orderStateKey(rec.Hash), rec, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save order state: %w", err)
	}
	return nil
}

// ============================================================================
// Reward records and token balances
// ============================================================================

func (s *PebbleStore) LoadReward(hash common.Hash) (*reward.Record, error) {
	var rec reward.Record
	found, err := s.getJSON(rewardKey(hash), &rec)
	if err != nil {
		return nil, fmt.Errorf("failed to load reward record: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

func (s *PebbleStore) SaveReward(rec *reward.Record) error {
	if err := s.putJSON(rewardKey(rec.OrderHash), rec, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save reward record: %w", err)
	}
	return nil
}

// BalanceOf returns zero for unknown holders and unreadable entries.
func (s *PebbleStore) BalanceOf(token, holder common.Address) *big.Int {
	bal, err := s.balance(token, holder)
	if err != nil {
		return new(big.Int)
	}
	return bal
}

func (s *PebbleStore) balance(token, holder common.Address) (*big.Int, error) {
	data, closer, err := s.db.Get(balanceKey(token, holder))
	if errors.Is(err, pebble.ErrNotFound) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	defer closer.Close()
	bal, ok := new(big.Int).SetString(string(data), 10)
	if !ok {
		return nil, fmt.Errorf("corrupt balance for %s", holder.Hex())
	}
	return bal, nil
}

// Mint credits amount of token to holder.
func (s *PebbleStore) Mint(token, to common.Address, amount *big.Int) error {
	s.balMu.Lock()
	defer s.balMu.Unlock()
	bal, err := s.balance(token, to)
	if err != nil {
		return err
	}
	bal.Add(bal, amount)
	return s.db.Set(balanceKey(token, to), []byte(bal.String()), pebble.Sync)
}

// Transfer moves amount between holders in one batch.
func (s *PebbleStore) Transfer(token, from, to common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("negative transfer amount: %s", amount)
	}
	s.balMu.Lock()
	defer s.balMu.Unlock()

	src, err := s.balance(token, from)
	if err != nil {
		return err
	}
	if src.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", reward.ErrInsufficientBalance, from.Hex(), src, amount)
	}
	dst, err := s.balance(token, to)
	if err != nil {
		return err
	}
	if from == to {
		return nil
	}
	src.Sub(src, amount)
	dst.Add(dst, amount)

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(balanceKey(token, from), []byte(src.String()), nil); err != nil {
		return err
	}
	if err := batch.Set(balanceKey(token, to), []byte(dst.String()), nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit transfer: %w", err)
	}
	return nil
}

// ============================================================================
// Blocks and receipts
// ============================================================================

func (s *PebbleStore) SaveBlock(b lob.Block) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal block: %w", err)
	}
	var height [8]byte
	binary.BigEndian.PutUint64(height[:], b.Height)

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(blockKey(b.Height), data, nil); err != nil {
		return err
	}
	if err := batch.Set([]byte(keyLastBlock), height[:], nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to save block: %w", err)
	}
	return nil
}

// Block returns the block at height.
func (s *PebbleStore) Block(height uint64) (lob.Block, bool, error) {
	var b lob.Block
	found, err := s.getJSON(blockKey(height), &b)
	if err != nil {
		return lob.Block{}, false, fmt.Errorf("failed to load block %d: %w", height, err)
	}
	return b, found, nil
}

func (s *PebbleStore) LastBlock() (lob.Block, bool, error) {
	val, closer, err := s.db.Get([]byte(keyLastBlock))
	if errors.Is(err, pebble.ErrNotFound) {
		return lob.Block{}, false, nil
	}
	if err != nil {
		return lob.Block{}, false, fmt.Errorf("failed to get last block: %w", err)
	}
	height := binary.BigEndian.Uint64(val)
	closer.Close()
	return s.Block(height)
}

func (s *PebbleStore) SaveReceipt(r lob.Receipt) error {
	if err := s.putJSON(receiptKey(r.TxID), r, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to save receipt: %w", err)
	}
	return nil
}

func (s *PebbleStore) LoadReceipt(txID common.Hash) (*lob.Receipt, error) {
	var r lob.Receipt
	found, err := s.getJSON(receiptKey(txID), &r)
	if err != nil {
		return nil, fmt.Errorf("failed to load receipt: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &r, nil
}

// ============================================================================
// Keeper orders
// ============================================================================

func (s *PebbleStore) SaveOrder(hash common.Hash, e keeper.Entry) error {
	if err := s.putJSON(orderKey(hash), e, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

func (s *PebbleStore) DeleteOrder(hash common.Hash) error {
	if err := s.db.Delete(orderKey(hash), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete order: %w", err)
	}
	return nil
}

// LoadOpenOrders returns every watched order. Entries that fail to decode are
// skipped.
func (s *PebbleStore) LoadOpenOrders() (map[common.Hash]keeper.Entry, error) {
	prefix := []byte(prefixOrder)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	orders := make(map[common.Hash]keeper.Entry)
	for iter.First(); iter.Valid(); iter.Next() {
		var e keeper.Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			continue
		}
		orders[common.BytesToHash(iter.Key()[len(prefix):])] = e
	}
	return orders, iter.Error()
}

var (
	_ orderstate.Backend   = (*PebbleStore)(nil)
	_ reward.RecordBackend = (*PebbleStore)(nil)
	_ reward.Ledger        = (*PebbleStore)(nil)
	_ lob.BlockStore       = (*PebbleStore)(nil)
	_ lob.ReceiptStore     = (*PebbleStore)(nil)
	_ keeper.Store         = (*PebbleStore)(nil)
)
