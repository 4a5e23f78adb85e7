// Package keeper watches signed orders and submits fill transactions once
// the book would accept them.
package keeper

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/limitorderbook/pkg/app/core/clearing"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/limitorder"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/order"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/transaction"
	"github.com/uhyunpark/limitorderbook/pkg/app/lob"
	"github.com/uhyunpark/limitorderbook/pkg/util"
)

// Entry is a watched order and its trader signature.
type Entry struct {
	Order     order.Payload `json:"order"`
	Signature string        `json:"signature"`
	AddedAt   uint64        `json:"addedAt"` // block height
}

// Store persists watched orders across restarts.
type Store interface {
	SaveOrder(hash common.Hash, e Entry) error
	DeleteOrder(hash common.Hash) error
	LoadOpenOrders() (map[common.Hash]Entry, error)
}

// Submitter takes the fill transactions the watcher produces.
type Submitter interface {
	PushLocal(tx *transaction.SignedTransaction) (common.Hash, error)
}

type Config struct {
	Book      *limitorder.Book
	Rounds    clearing.RoundSource // used to pick the trigger round for conditional orders
	Payee     common.Address       // keeper reward recipient
	Submitter Submitter
	Store     Store
	Clock     util.Clock // expired orders are dropped without a book check
	// RetryAfter is how many blocks a submitted fill may stay unresolved
	// before it is resubmitted.
	RetryAfter uint64
	Logger     *zap.SugaredLogger
}

type watched struct {
	entry     Entry
	order     order.Order
	sig       []byte
	pendingAt uint64 // height a fill was submitted at, 0 if none
}

// Watcher re-checks every watched order after each block. Orders the book
// can never fill are dropped; the rest stay until filled or cancelled.
type Watcher struct {
	mu     sync.Mutex
	book   *limitorder.Book
	rounds clearing.RoundSource
	payee  common.Address
	sub    Submitter
	store  Store
	clock  util.Clock
	retry  uint64
	orders map[common.Hash]*watched
	log    *zap.SugaredLogger
}

func NewWatcher(cfg Config) (*Watcher, error) {
	if cfg.Book == nil || cfg.Submitter == nil {
		return nil, errors.New("keeper watcher requires a book and a submitter")
	}
	w := &Watcher{
		book:   cfg.Book,
		rounds: cfg.Rounds,
		payee:  cfg.Payee,
		sub:    cfg.Submitter,
		store:  cfg.Store,
		clock:  cfg.Clock,
		retry:  cfg.RetryAfter,
		orders: make(map[common.Hash]*watched),
		log:    util.OrNop(cfg.Logger),
	}
	if w.clock == nil {
		w.clock = util.RealClock{}
	}
	if w.retry == 0 {
		w.retry = 5
	}
	if w.store != nil {
		saved, err := w.store.LoadOpenOrders()
		if err != nil {
			return nil, fmt.Errorf("failed to load watched orders: %w", err)
		}
		for h, e := range saved {
			if err := w.addLocked(h, e); err != nil {
				w.log.Warnw("keeper_restore_skipped", "order", h.Hex(), "err", err)
			}
		}
	}
	return w, nil
}

// AddOrder starts watching a signed order. Orders the book rejects for good
// right now (bad signature, consumed, invalid) are refused.
func (w *Watcher) AddOrder(ctx context.Context, o order.Order, sig []byte, height uint64) (common.Hash, error) {
	hash, err := w.book.OrderHash(o)
	if err != nil {
		return common.Hash{}, err
	}
	round := w.triggerRound(ctx, &o)
	if _, err := w.book.CheckFill(ctx, limitorder.EOA(w.payee), o, sig, round); limitorder.IsPermanent(err) {
		return hash, err
	}

	e := Entry{Order: *order.FromOrder(&o), Signature: "0x" + hex.EncodeToString(sig), AddedAt: height}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.orders[hash]; ok {
		return hash, nil
	}
	if err := w.addLocked(hash, e); err != nil {
		return hash, err
	}
	if w.store != nil {
		if err := w.store.SaveOrder(hash, e); err != nil {
			delete(w.orders, hash)
			return hash, fmt.Errorf("failed to save watched order: %w", err)
		}
	}
	w.log.Infow("keeper_order_added", "order", hash.Hex(), "type", o.Type.String(), "trader", o.Trader.Hex())
	return hash, nil
}

func (w *Watcher) addLocked(hash common.Hash, e Entry) error {
	o, err := e.Order.ToOrder()
	if err != nil {
		return err
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(e.Signature, "0x"))
	if err != nil {
		return fmt.Errorf("invalid signature hex: %w", err)
	}
	w.orders[hash] = &watched{entry: e, order: o, sig: sig}
	return nil
}

// Remove stops watching hash.
func (w *Watcher) Remove(hash common.Hash) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.removeLocked(hash)
}

func (w *Watcher) removeLocked(hash common.Hash) {
	if _, ok := w.orders[hash]; !ok {
		return
	}
	delete(w.orders, hash)
	if w.store != nil {
		if err := w.store.DeleteOrder(hash); err != nil {
			w.log.Errorw("keeper_delete_failed", "order", hash.Hex(), "err", err)
		}
	}
}

// Orders returns the watched entries keyed by order hash.
func (w *Watcher) Orders() map[common.Hash]Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[common.Hash]Entry, len(w.orders))
	for h, o := range w.orders {
		out[h] = o.entry
	}
	return out
}

// OnBlock drops orders the block consumed, then scans the rest. Register it
// with lob.App.OnBlock.
func (w *Watcher) OnBlock(blk lob.Block, receipts []lob.Receipt) {
	w.mu.Lock()
	for _, r := range receipts {
		if r.OrderHash == (common.Hash{}) {
			continue
		}
		if r.OK && (r.Type == transaction.TxTypeFill || r.Type == transaction.TxTypeCancel) {
			w.removeLocked(r.OrderHash)
			continue
		}
		if wo, ok := w.orders[r.OrderHash]; ok && r.Type == transaction.TxTypeFill {
			wo.pendingAt = 0
		}
	}
	w.mu.Unlock()

	w.Scan(context.Background(), blk.Height)
}

// Scan checks every watched order and submits fills for those that pass.
func (w *Watcher) Scan(ctx context.Context, height uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now().Unix()
	for hash, wo := range w.orders {
		if wo.order.ExpiredAt(now) {
			w.log.Infow("keeper_order_expired", "order", hash.Hex())
			w.removeLocked(hash)
			continue
		}
		if wo.pendingAt != 0 && height < wo.pendingAt+w.retry {
			continue
		}

		round := w.triggerRound(ctx, &wo.order)
		_, err := w.book.CheckFill(ctx, limitorder.EOA(w.payee), wo.order, wo.sig, round)
		switch {
		case err == nil:
			if _, err := w.sub.PushLocal(transaction.NewFill(&wo.order, wo.sig, round, w.payee)); err != nil && !errors.Is(err, lob.ErrMempoolDupe) {
				w.log.Warnw("keeper_submit_failed", "order", hash.Hex(), "err", err)
				continue
			}
			wo.pendingAt = height
			w.log.Infow("keeper_fill_submitted", "order", hash.Hex(), "height", height)
		case limitorder.IsPermanent(err):
			c := limitorder.Classify(err)
			w.log.Infow("keeper_order_dropped", "order", hash.Hex(), "code", c.Code, "err", err)
			w.removeLocked(hash)
		default:
			w.log.Debugw("keeper_order_waiting", "order", hash.Hex(), "code", limitorder.Classify(err).Code)
		}
	}
}

// triggerRound picks the newest round for conditional orders. Nil is
// returned for limit orders or when the feed cannot say.
func (w *Watcher) triggerRound(ctx context.Context, o *order.Order) *big.Int {
	if !o.Type.IsConditional() || w.rounds == nil {
		return nil
	}
	round, err := w.rounds.LatestRound(ctx, o.Market)
	if err != nil {
		return nil
	}
	return round
}
