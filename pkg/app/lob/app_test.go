package lob

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/limitorderbook/pkg/app/core/clearing"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/events"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/limitorder"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/order"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/orderstate"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/reward"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/transaction"
	"github.com/uhyunpark/limitorderbook/pkg/app/perp"
	"github.com/uhyunpark/limitorderbook/pkg/crypto"
	"github.com/uhyunpark/limitorderbook/pkg/util"
)

var (
	bookAddr    = common.HexToAddress("0x00000000000000000000000000000000000000B0")
	ownerAddr   = common.HexToAddress("0x00000000000000000000000000000000000000A1")
	keeperAddr  = common.HexToAddress("0x00000000000000000000000000000000000000C1")
	market      = common.HexToAddress("0x00000000000000000000000000000000000000E7")
	rewardToken = common.HexToAddress("0x00000000000000000000000000000000000000D1")
	vaultAddr   = common.HexToAddress("0x00000000000000000000000000000000000000F0")

	genesis = time.Unix(1_700_000_000, 0)
)

func units(s string) *big.Int { return util.MustParseUnits(s) }

type devnet struct {
	app    *App
	book   *limitorder.Book
	domain *crypto.EIP712Signer
	trader *crypto.Signer
	feed   *perp.RoundFeed
	ch     *perp.ClearingHouse
	ledger *reward.MemoryLedger
	blocks BlockStore
	clock  *util.BlockClock
}

func newDevnet(t *testing.T, blocks BlockStore) *devnet {
	t.Helper()

	trader, err := crypto.GenerateKey()
	require.NoError(t, err)

	domain := crypto.DefaultDomain()
	domain.VerifyingContract = bookAddr

	d := &devnet{
		domain: crypto.NewEIP712Signer(domain),
		trader: trader,
		feed:   perp.NewRoundFeed(1),
		ledger: reward.NewMemoryLedger(),
		blocks: blocks,
		clock:  util.NewBlockClock(genesis),
	}
	log := &events.Log{}

	_, err = d.feed.PublishPrice(market, units("2000"), genesis)
	require.NoError(t, err)

	approvals := perp.NewDelegateApprovals()
	approvals.Approve(trader.Address(), bookAddr, clearing.ActionOpenPosition)
	d.ch = perp.NewClearingHouse(perp.ClearingHouseConfig{
		Feed:      d.feed,
		Approvals: approvals,
		Clock:     d.clock,
		FeeRatio:  decimal.RequireFromString("0.001"),
	})
	require.NoError(t, d.ch.Deposit(trader.Address(), units("100000")))

	d.ledger.Mint(rewardToken, vaultAddr, units("10"))
	vault, err := reward.NewVault(reward.Config{
		Address:    vaultAddr,
		Owner:      ownerAddr,
		FillEngine: bookAddr,
		Token:      rewardToken,
		Amount:     units("1"),
		Ledger:     d.ledger,
		Events:     log,
	})
	require.NoError(t, err)

	d.book, err = limitorder.New(limitorder.Config{
		Address:       bookAddr,
		Owner:         ownerAddr,
		Signer:        d.domain,
		States:        orderstate.NewStore(nil),
		ClearingHouse: d.ch,
		PriceFeed:     d.feed,
		Rewards:       vault,
		Clock:         d.clock,
		Height:        d.clock.Height,
		Events:        log,
	})
	require.NoError(t, err)

	d.app, err = NewApp(Config{
		Book:     d.book,
		Verifier: transaction.NewVerifier(domain),
		Clock:    d.clock,
		Events:   log,
		Oracle:   d.feed,
		Blocks:   blocks,
	})
	require.NoError(t, err)
	return d
}

// long spends 1000 quote for at least 0.45 base, filling at prices up to
// about 2222.
func (d *devnet) long(salt int64) order.Order {
	return order.Order{
		Type:                order.LimitOrder,
		Salt:                big.NewInt(salt),
		Trader:              d.trader.Address(),
		Market:              market,
		IsExactInput:        true,
		Amount:              units("1000"),
		OppositeAmountBound: units("0.45"),
		Deadline:            new(big.Int).Set(math.MaxBig256),
	}
}

func (d *devnet) sign(t *testing.T, o order.Order) []byte {
	t.Helper()
	sig, err := d.domain.SignOrder(d.trader, &o)
	require.NoError(t, err)
	return sig
}

func (d *devnet) fillTx(t *testing.T, o order.Order, round *big.Int) []byte {
	t.Helper()
	raw, err := transaction.NewFill(&o, d.sign(t, o), round, keeperAddr).Serialize()
	require.NoError(t, err)
	return raw
}

func (d *devnet) cancelTx(t *testing.T, o order.Order) []byte {
	t.Helper()
	hash, err := d.book.OrderHash(o)
	require.NoError(t, err)
	sig, err := d.domain.SignCancel(d.trader, hash)
	require.NoError(t, err)
	raw, err := transaction.NewCancel(&o, sig).Serialize()
	require.NoError(t, err)
	return raw
}

func receiptFor(t *testing.T, receipts []Receipt, id common.Hash) Receipt {
	t.Helper()
	for _, r := range receipts {
		if r.TxID == id {
			return r
		}
	}
	t.Fatalf("no receipt for %s", id.Hex())
	return Receipt{}
}

func TestApp_FillPaysKeeper(t *testing.T) {
	d := newDevnet(t, nil)
	ctx := context.Background()

	o := d.long(1)
	id, err := d.app.SubmitTx(d.fillTx(t, o, nil))
	require.NoError(t, err)
	require.Equal(t, 1, d.app.PendingTxs())

	blk, receipts := d.app.ProduceBlock(ctx, genesis.Add(time.Second))
	require.Equal(t, uint64(1), blk.Height)
	require.Len(t, receipts, 1)

	r := receipts[0]
	require.True(t, r.OK, r.Error)
	require.Equal(t, id, r.TxID)
	require.Equal(t, "paid", r.Reward)
	hash, err := d.book.OrderHash(o)
	require.NoError(t, err)
	require.Equal(t, hash, r.OrderHash)

	names := make([]string, 0, len(r.Events))
	for _, ev := range r.Events {
		names = append(names, ev.Name)
	}
	require.Contains(t, names, "OrderFilled")
	require.Contains(t, names, "Disbursed")

	require.Equal(t, units("1").String(), d.ledger.BalanceOf(rewardToken, keeperAddr).String())
	require.Equal(t, units("0.5").String(), d.ch.Position(d.trader.Address(), market).Size.String())

	rec, err := d.book.OrderStatus(hash)
	require.NoError(t, err)
	require.Equal(t, orderstate.Filled, rec.Status)
	require.Equal(t, uint64(1), rec.LastTouch.Height)

	stored, err := d.app.Receipt(id)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.True(t, stored.OK)
}

func TestApp_CancelOrderedBeforeFill(t *testing.T) {
	d := newDevnet(t, nil)
	o := d.long(2)

	fillID, err := d.app.SubmitTx(d.fillTx(t, o, nil))
	require.NoError(t, err)
	cancelID, err := d.app.SubmitTx(d.cancelTx(t, o))
	require.NoError(t, err)

	_, receipts := d.app.ProduceBlock(context.Background(), genesis.Add(time.Second))
	require.Len(t, receipts, 2)
	require.Equal(t, cancelID, receipts[0].TxID)

	cancel := receiptFor(t, receipts, cancelID)
	require.True(t, cancel.OK, cancel.Error)

	fill := receiptFor(t, receipts, fillID)
	require.False(t, fill.OK)
	require.NotNil(t, fill.Class)
	require.Equal(t, "OrderAlreadyConsumed", fill.Class.Code)
	require.False(t, fill.Class.Retryable)

	require.Zero(t, d.ch.Position(d.trader.Address(), market).Size.Sign())
	require.Zero(t, d.ledger.BalanceOf(rewardToken, keeperAddr).Sign())
}

func TestApp_ConditionalFillAfterPriceRound(t *testing.T) {
	d := newDevnet(t, nil)
	ctx := context.Background()

	created, err := d.feed.LatestRound(ctx, market)
	require.NoError(t, err)

	// Stop-loss long fires once price reaches 2100.
	o := d.long(3)
	o.Type = order.StopLossLimitOrder
	o.RoundIDWhenCreated = created
	o.TriggerPrice = units("2100")
	o.OppositeAmountBound = units("0.45")

	early, err := d.app.SubmitTx(d.fillTx(t, o, created))
	require.NoError(t, err)
	_, receipts := d.app.ProduceBlock(ctx, genesis.Add(time.Second))
	r := receiptFor(t, receipts, early)
	require.False(t, r.OK)
	require.True(t, r.Class.Retryable)

	priceID, err := d.app.PushLocal(transaction.NewPrice(market, units("2150")))
	require.NoError(t, err)
	_, receipts = d.app.ProduceBlock(ctx, genesis.Add(2*time.Second))
	pr := receiptFor(t, receipts, priceID)
	require.True(t, pr.OK, pr.Error)
	require.NotEmpty(t, pr.RoundID)

	round, ok := new(big.Int).SetString(pr.RoundID, 10)
	require.True(t, ok)
	fillID, err := d.app.SubmitTx(d.fillTx(t, o, round))
	require.NoError(t, err)
	_, receipts = d.app.ProduceBlock(ctx, genesis.Add(3*time.Second))
	fr := receiptFor(t, receipts, fillID)
	require.True(t, fr.OK, fr.Error)
}

func TestApp_StateHashChains(t *testing.T) {
	d := newDevnet(t, nil)
	ctx := context.Background()

	b1, _ := d.app.ProduceBlock(ctx, genesis.Add(time.Second))
	b2, _ := d.app.ProduceBlock(ctx, genesis.Add(2*time.Second))
	require.Equal(t, uint64(1), b1.Height)
	require.Equal(t, uint64(2), b2.Height)
	require.Equal(t, b1.AppHash, b2.Parent)
	require.NotEqual(t, b1.AppHash, b2.AppHash)
	require.Equal(t, b2, d.app.LastBlock())

	// Block time never goes backwards.
	b3, _ := d.app.ProduceBlock(ctx, genesis)
	require.Equal(t, b2.Time, b3.Time)
	require.Equal(t, uint64(3), d.clock.Height())
}

func TestApp_SubmitTxRejections(t *testing.T) {
	d := newDevnet(t, nil)

	raw := d.fillTx(t, d.long(4), nil)
	_, err := d.app.SubmitTx(raw)
	require.NoError(t, err)
	_, err = d.app.SubmitTx(raw)
	require.ErrorIs(t, err, ErrMempoolDupe)

	price, err := transaction.NewPrice(market, units("1")).Serialize()
	require.NoError(t, err)
	_, err = d.app.SubmitTx(price)
	require.ErrorIs(t, err, ErrLocalOnly)

	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	o := d.long(5)
	forged, err := d.domain.SignOrder(other, &o)
	require.NoError(t, err)
	bad, err := transaction.NewFill(&o, forged, nil, keeperAddr).Serialize()
	require.NoError(t, err)
	_, err = d.app.SubmitTx(bad)
	require.ErrorIs(t, err, crypto.ErrInvalidSignature)

	_, err = d.app.SubmitTx([]byte("not json"))
	require.Error(t, err)
	require.Equal(t, 1, d.app.PendingTxs())
}

func TestApp_RestoresLastBlock(t *testing.T) {
	blocks := &memoryBlocks{}
	d := newDevnet(t, blocks)
	ctx := context.Background()
	d.app.ProduceBlock(ctx, genesis.Add(time.Second))
	last, _ := d.app.ProduceBlock(ctx, genesis.Add(2*time.Second))

	restarted := newDevnet(t, blocks)
	require.Equal(t, last, restarted.app.LastBlock())
	require.Equal(t, uint64(2), restarted.clock.Height())

	next, _ := restarted.app.ProduceBlock(ctx, genesis.Add(3*time.Second))
	require.Equal(t, uint64(3), next.Height)
	require.Equal(t, last.AppHash, next.Parent)
}

func TestApp_OnBlockHook(t *testing.T) {
	d := newDevnet(t, nil)

	var seen []uint64
	d.app.OnBlock(func(b Block, _ []Receipt) { seen = append(seen, b.Height) })

	ctx, cancel := context.WithCancel(context.Background())
	d.app.FinalizeBlock(ctx, genesis.Add(time.Second), nil)
	d.app.FinalizeBlock(ctx, genesis.Add(2*time.Second), nil)
	cancel()
	require.Equal(t, []uint64{1, 2}, seen)
	require.ErrorIs(t, d.app.Run(ctx), context.Canceled)
}

func TestComputeStateHash_DependsOnOutcome(t *testing.T) {
	blk := Block{Height: 1, Time: genesis.Unix()}
	ok := []Receipt{{TxID: common.HexToHash("0x01"), OK: true}}
	failed := []Receipt{{TxID: common.HexToHash("0x01"), OK: false}}
	require.NotEqual(t, computeStateHash(blk, ok), computeStateHash(blk, failed))
	require.Equal(t, computeStateHash(blk, ok), computeStateHash(blk, ok))
}
