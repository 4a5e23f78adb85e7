// Package lob is the node application: it sequences fill, cancel and oracle
// transactions into blocks and executes them against the limit order book.
package lob

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"

	"github.com/uhyunpark/limitorderbook/pkg/app/core/events"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/limitorder"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/mempool"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/transaction"
	"github.com/uhyunpark/limitorderbook/pkg/util"
)

var (
	ErrLocalOnly   = errors.New("transaction type is node-local")
	ErrNoOracle    = errors.New("node has no devnet oracle")
	ErrMempoolDupe = errors.New("transaction already pending")
)

const defaultMaxTxBytes = 1 << 24

type Config struct {
	Book     *limitorder.Book
	Verifier *transaction.Verifier
	Clock    *util.BlockClock // shared with the book
	Events   *events.Log      // the sink the book and vault emit into
	Oracle   PricePublisher   // nil disables price transactions
	Blocks   BlockStore
	Receipts ReceiptStore
	WAL      WAL

	MinBlockTime time.Duration
	MaxTxBytes   int64
	Logger       *zap.SugaredLogger
}

// App owns the mempool and executes blocks. FinalizeBlock calls are
// serialized.
type App struct {
	execMu sync.Mutex

	book     *limitorder.Book
	verifier *transaction.Verifier
	clock    *util.BlockClock
	events   *events.Log
	oracle   PricePublisher
	blocks   BlockStore
	receipts ReceiptStore
	wal      WAL
	mempool  *mempool.Mempool

	minBlockTime time.Duration
	maxTxBytes   int64
	log          *zap.SugaredLogger

	hookMu  sync.RWMutex
	onBlock []func(Block, []Receipt)

	last Block
}

func NewApp(cfg Config) (*App, error) {
	if cfg.Book == nil || cfg.Verifier == nil || cfg.Clock == nil || cfg.Events == nil {
		return nil, errors.New("lob app requires a book, verifier, block clock and event log")
	}
	a := &App{
		book:         cfg.Book,
		verifier:     cfg.Verifier,
		clock:        cfg.Clock,
		events:       cfg.Events,
		oracle:       cfg.Oracle,
		blocks:       cfg.Blocks,
		receipts:     cfg.Receipts,
		wal:          cfg.WAL,
		mempool:      mempool.NewMempool(),
		minBlockTime: cfg.MinBlockTime,
		maxTxBytes:   cfg.MaxTxBytes,
		log:          util.OrNop(cfg.Logger),
	}
	if a.blocks == nil {
		a.blocks = &memoryBlocks{}
	}
	if a.receipts == nil {
		a.receipts = newMemoryReceipts()
	}
	if a.wal == nil {
		a.wal = nopWAL{}
	}
	if a.minBlockTime <= 0 {
		a.minBlockTime = time.Second
	}
	if a.maxTxBytes <= 0 {
		a.maxTxBytes = defaultMaxTxBytes
	}

	last, ok, err := a.blocks.LastBlock()
	if err != nil {
		return nil, fmt.Errorf("failed to load last block: %w", err)
	}
	if ok {
		a.last = last
		a.clock.SetBlock(last.Height, time.Unix(last.Time, 0))
	}
	return a, nil
}

func (a *App) Book() *limitorder.Book { return a.book }

// OnBlock registers fn to run after every committed block.
func (a *App) OnBlock(fn func(Block, []Receipt)) {
	a.hookMu.Lock()
	a.onBlock = append(a.onBlock, fn)
	a.hookMu.Unlock()
}

// LastBlock returns the latest committed block header.
func (a *App) LastBlock() Block {
	a.execMu.Lock()
	defer a.execMu.Unlock()
	return a.last
}

func (a *App) PendingTxs() int { return a.mempool.Len() }

// Receipt returns the receipt of a committed tx, or nil.
func (a *App) Receipt(txID common.Hash) (*Receipt, error) {
	return a.receipts.LoadReceipt(txID)
}

// SubmitTx admits an externally submitted transaction. Signatures are
// checked here to keep junk out of blocks; the book checks again on
// execution.
func (a *App) SubmitTx(raw []byte) (common.Hash, error) {
	tx, err := transaction.ParseTransaction(raw)
	if err != nil {
		return common.Hash{}, err
	}
	switch tx.Type {
	case transaction.TxTypeFill:
		if _, _, err := a.verifier.VerifyFillTransaction(tx); err != nil {
			return common.Hash{}, err
		}
	case transaction.TxTypeCancel:
		if _, _, err := a.verifier.VerifyCancelTransaction(tx); err != nil {
			return common.Hash{}, err
		}
	default:
		return common.Hash{}, fmt.Errorf("%w: %s", ErrLocalOnly, tx.Type)
	}
	return a.push(raw)
}

// PushLocal admits a transaction produced by this node (keeper fills, devnet
// oracle rounds) without signature prechecks.
func (a *App) PushLocal(tx *transaction.SignedTransaction) (common.Hash, error) {
	raw, err := tx.Serialize()
	if err != nil {
		return common.Hash{}, err
	}
	return a.push(raw)
}

func (a *App) push(raw []byte) (common.Hash, error) {
	id := transaction.ID(raw)
	if !a.mempool.PushRaw(raw) {
		return id, ErrMempoolDupe
	}
	return id, nil
}

// ProduceBlock selects pending transactions and commits them as the next
// block at time now.
func (a *App) ProduceBlock(ctx context.Context, now time.Time) (Block, []Receipt) {
	txs := a.mempool.SelectForProposal(a.maxTxBytes)
	return a.FinalizeBlock(ctx, now, txs)
}

// FinalizeBlock executes txs in order as the next block. A failed tx yields
// a failed receipt and never aborts the block.
func (a *App) FinalizeBlock(ctx context.Context, now time.Time, txs [][]byte) (Block, []Receipt) {
	a.execMu.Lock()

	height := a.last.Height + 1
	if now.Unix() < a.last.Time {
		now = time.Unix(a.last.Time, 0)
	}
	a.clock.SetBlock(height, now)
	a.events.Drain()

	receipts := make([]Receipt, 0, len(txs))
	for i, raw := range txs {
		r := a.applyTx(ctx, raw)
		r.Height = height
		r.Index = i
		for _, ev := range a.events.Drain() {
			r.Events = append(r.Events, named(ev))
		}
		receipts = append(receipts, r)
	}

	blk := Block{Height: height, Time: now.Unix(), Parent: a.last.AppHash}
	for _, r := range receipts {
		blk.TxIDs = append(blk.TxIDs, r.TxID)
	}
	blk.AppHash = computeStateHash(blk, receipts)

	a.persist(blk, receipts)
	a.last = blk
	a.execMu.Unlock()

	if len(txs) > 0 {
		a.log.Infow("block_committed", "height", height, "txs", len(txs), "apphash", blk.AppHash.Hex())
	}

	a.hookMu.RLock()
	hooks := append([]func(Block, []Receipt){}, a.onBlock...)
	a.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(blk, receipts)
	}
	return blk, receipts
}

func (a *App) persist(blk Block, receipts []Receipt) {
	for _, r := range receipts {
		if err := a.receipts.SaveReceipt(r); err != nil {
			a.log.Errorw("receipt_save_failed", "tx", r.TxID.Hex(), "err", err)
		}
		if line, err := json.Marshal(r); err == nil {
			a.wal.Append(string(line))
		}
	}
	if err := a.blocks.SaveBlock(blk); err != nil {
		a.log.Errorw("block_save_failed", "height", blk.Height, "err", err)
	}
}

func (a *App) applyTx(ctx context.Context, raw []byte) Receipt {
	r := Receipt{TxID: transaction.ID(raw)}

	tx, err := transaction.ParseTransaction(raw)
	if err != nil {
		return r.fail(err)
	}
	r.Type = tx.Type

	switch tx.Type {
	case transaction.TxTypeFill:
		return a.applyFill(ctx, tx, r)
	case transaction.TxTypeCancel:
		return a.applyCancel(ctx, tx, r)
	case transaction.TxTypePrice:
		return a.applyPrice(tx, r)
	default:
		return r.fail(fmt.Errorf("unsupported transaction type: %s", tx.Type))
	}
}

func (a *App) applyFill(ctx context.Context, tx *transaction.SignedTransaction, r Receipt) Receipt {
	o, err := tx.Order()
	if err != nil {
		return r.fail(err)
	}
	sig, err := tx.SignatureBytes()
	if err != nil {
		return r.fail(err)
	}
	round, err := tx.Fill.TriggerRoundID()
	if err != nil {
		return r.fail(err)
	}
	keeper, err := tx.Fill.KeeperAddress()
	if err != nil {
		return r.fail(err)
	}

	res, err := a.book.FillOrder(ctx, limitorder.EOA(keeper), o, sig, round)
	if err != nil {
		if h, herr := a.book.OrderHash(o); herr == nil {
			r.OrderHash = h
		}
		return r.fail(err)
	}
	r.OK = true
	r.OrderHash = res.OrderHash
	r.Reward = res.Reward.String()
	if res.RewardErr != nil {
		r.Error = res.RewardErr.Error()
	}
	return r
}

func (a *App) applyCancel(ctx context.Context, tx *transaction.SignedTransaction, r Receipt) Receipt {
	trader, hash, err := a.verifier.VerifyCancelTransaction(tx)
	r.OrderHash = hash
	if err != nil {
		return r.fail(err)
	}
	o, err := tx.Order()
	if err != nil {
		return r.fail(err)
	}
	if _, err := a.book.CancelOrder(ctx, trader, o); err != nil {
		return r.fail(err)
	}
	r.OK = true
	return r
}

func (a *App) applyPrice(tx *transaction.SignedTransaction, r Receipt) Receipt {
	if a.oracle == nil {
		return r.fail(ErrNoOracle)
	}
	price, ok := parsePositive(tx.Price.Price)
	if !ok {
		return r.fail(fmt.Errorf("invalid price: %q", tx.Price.Price))
	}
	round, err := a.oracle.PublishPrice(common.HexToAddress(tx.Price.Market), price, a.clock.Now())
	if err != nil {
		return r.fail(err)
	}
	r.OK = true
	r.RoundID = round.String()
	return r
}

func (r Receipt) fail(err error) Receipt {
	c := limitorder.Classify(err)
	r.OK = false
	r.Error = err.Error()
	r.Class = &c
	return r
}

func parsePositive(s string) (*big.Int, bool) {
	v, ok := math.ParseBig256(s)
	if !ok || v.Sign() <= 0 {
		return nil, false
	}
	return v, true
}

// Run produces a block every MinBlockTime until ctx is done. Empty blocks
// are produced too, so block time keeps advancing and deadlines expire.
func (a *App) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.minBlockTime)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			a.ProduceBlock(ctx, now)
		}
	}
}

// computeStateHash chains the parent hash with this block's height, time and
// per-tx outcomes.
func computeStateHash(blk Block, receipts []Receipt) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(blk.Parent[:])

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], blk.Height)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(blk.Time))
	h.Write(buf[:])

	for _, r := range receipts {
		h.Write(r.TxID[:])
		h.Write(r.OrderHash[:])
		if r.OK {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	}

	var out common.Hash
	h.Sum(out[:0])
	return out
}
