package limitorder

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/limitorderbook/pkg/app/core/clearing"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/events"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/order"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/orderstate"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/reward"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/trigger"
	"github.com/uhyunpark/limitorderbook/pkg/crypto"
	"github.com/uhyunpark/limitorderbook/pkg/util"
)

var (
	bookAddr    = common.HexToAddress("0x00000000000000000000000000000000000000B0")
	bookOwner   = common.HexToAddress("0x00000000000000000000000000000000000000A1")
	keeperAddr  = common.HexToAddress("0x00000000000000000000000000000000000000C1")
	market      = common.HexToAddress("0x00000000000000000000000000000000000000E7")
	rewardToken = common.HexToAddress("0x00000000000000000000000000000000000000D1")
	vaultAddr   = common.HexToAddress("0x00000000000000000000000000000000000000F0")

	genesis = time.Unix(1_700_000_000, 0)
)

func units(s string) *big.Int { return util.MustParseUnits(s) }

// fakeExchange fills every trade at the feed's latest price and does not
// implement clearing.Quoter, so reduce-only checks use the order's bounds.
type fakeExchange struct {
	mu        sync.Mutex
	feed      *fakeFeed
	positions map[common.Address]*big.Int
	err       error
	calls     int
	onTrade   func()
}

func newFakeExchange(feed *fakeFeed) *fakeExchange {
	return &fakeExchange{feed: feed, positions: make(map[common.Address]*big.Int)}
}

func (f *fakeExchange) OpenPositionFor(_ context.Context, trader, delegate common.Address, p clearing.OpenPositionParams) (clearing.PositionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return clearing.PositionResult{}, f.err
	}
	if delegate != bookAddr {
		return clearing.PositionResult{}, errors.New("unexpected delegate")
	}
	f.calls++
	if f.onTrade != nil {
		f.onTrade()
	}

	price := f.feed.latest
	base, quote := new(big.Int).Set(p.Amount), new(big.Int).Set(p.Amount)
	if p.IsBaseToQuote == p.IsExactInput {
		quote = util.MulDiv18(p.Amount, price)
	} else {
		base = util.DivMul18(p.Amount, price)
	}
	size, notional := base, quote.Neg(quote)
	if p.IsBaseToQuote {
		size.Neg(size)
		notional.Neg(notional)
	}
	pos := f.position(trader)
	pos.Add(pos, size)
	return clearing.PositionResult{ExchangedSize: size, ExchangedNotional: notional, Fee: big.NewInt(0)}, nil
}

func (f *fakeExchange) position(trader common.Address) *big.Int {
	pos, ok := f.positions[trader]
	if !ok {
		pos = new(big.Int)
		f.positions[trader] = pos
	}
	return pos
}

func (f *fakeExchange) TakerPositionSize(_ context.Context, trader, _ common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.position(trader)), nil
}

func (f *fakeExchange) TakerOpenNotional(context.Context, common.Address, common.Address) (*big.Int, error) {
	return new(big.Int), nil
}

func (f *fakeExchange) setPosition(trader common.Address, size *big.Int) {
	f.mu.Lock()
	f.positions[trader] = new(big.Int).Set(size)
	f.mu.Unlock()
}

type fakeFeed struct {
	latest *big.Int
	rounds map[string]*big.Int
}

func (f *fakeFeed) PriceAtRound(_ context.Context, _ common.Address, roundID *big.Int) (*big.Int, error) {
	p, ok := f.rounds[roundID.String()]
	if !ok {
		return nil, errors.New("no such round")
	}
	return p, nil
}

func (f *fakeFeed) LatestPrice(context.Context, common.Address) (*big.Int, error) {
	return f.latest, nil
}

type fixture struct {
	book   *Book
	domain *crypto.EIP712Signer
	trader *crypto.Signer
	ex     *fakeExchange
	feed   *fakeFeed
	clock  *util.BlockClock
	log    *events.Log
}

func newFixture(t *testing.T, rewards reward.Sink) *fixture {
	t.Helper()

	trader, err := crypto.GenerateKey()
	require.NoError(t, err)

	domain := crypto.DefaultDomain()
	domain.VerifyingContract = bookAddr
	feed := &fakeFeed{latest: units("3000"), rounds: make(map[string]*big.Int)}
	f := &fixture{
		domain: crypto.NewEIP712Signer(domain),
		trader: trader,
		ex:     newFakeExchange(feed),
		feed:   feed,
		clock:  util.NewBlockClock(genesis),
		log:    &events.Log{},
	}
	f.book, err = New(Config{
		Address:       bookAddr,
		Owner:         bookOwner,
		Signer:        f.domain,
		States:        orderstate.NewStore(nil),
		ClearingHouse: f.ex,
		PriceFeed:     f.feed,
		Rewards:       rewards,
		Clock:         f.clock,
		Events:        f.log,
	})
	require.NoError(t, err)
	return f
}

// longOrder buys amount base for at most bound quote.
func (f *fixture) longOrder(salt int64, amount, bound string) order.Order {
	return order.Order{
		Type:                order.LimitOrder,
		Salt:                big.NewInt(salt),
		Trader:              f.trader.Address(),
		Market:              market,
		IsBaseToQuote:       false,
		IsExactInput:        false,
		Amount:              units(amount),
		OppositeAmountBound: units(bound),
		Deadline:            new(big.Int).Set(math.MaxBig256),
	}
}

// shortOrder sells exactly amount base for at least bound quote.
func (f *fixture) shortOrder(salt int64, amount, bound string) order.Order {
	o := f.longOrder(salt, amount, bound)
	o.IsBaseToQuote = true
	o.IsExactInput = true
	return o
}

func (f *fixture) sign(t *testing.T, o order.Order) []byte {
	t.Helper()
	sig, err := f.domain.SignOrder(f.trader, &o)
	require.NoError(t, err)
	return sig
}

func (f *fixture) status(t *testing.T, o order.Order) orderstate.Status {
	t.Helper()
	h, err := f.book.OrderHash(o)
	require.NoError(t, err)
	rec, err := f.book.OrderStatus(h)
	require.NoError(t, err)
	return rec.Status
}

func filled(evs []events.Event) []OrderFilled {
	var out []OrderFilled
	for _, ev := range evs {
		if e, ok := ev.(OrderFilled); ok {
			out = append(out, e)
		}
	}
	return out
}

func TestFill_OnceThenConsumed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	o := f.longOrder(1, "0.1", "300")
	sig := f.sign(t, o)

	res, err := f.book.FillOrder(ctx, EOA(keeperAddr), o, sig, nil)
	require.NoError(t, err)
	require.Equal(t, units("0.1"), res.ExchangedSize)
	require.Equal(t, orderstate.Filled, f.status(t, o))

	evs := filled(f.log.Events())
	require.Len(t, evs, 1)
	require.Equal(t, res.OrderHash, evs[0].OrderHash)
	require.Equal(t, f.trader.Address(), evs[0].Trader)
	require.Equal(t, keeperAddr, evs[0].Keeper)
	require.Equal(t, order.LimitOrder, evs[0].OrderType)

	_, err = f.book.FillOrder(ctx, EOA(keeperAddr), o, sig, nil)
	require.ErrorIs(t, err, ErrOrderAlreadyConsumed)
	require.Equal(t, 1, f.ex.calls)
	require.Len(t, filled(f.log.Events()), 1)
}

func TestFill_ReduceOnly(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.ex.setPosition(f.trader.Address(), units("0.1"))

	reduce := f.shortOrder(1, "0.05", "100")
	reduce.ReduceOnly = true
	_, err := f.book.FillOrder(ctx, EOA(keeperAddr), reduce, f.sign(t, reduce), nil)
	require.NoError(t, err)

	pos, err := f.ex.TakerPositionSize(ctx, f.trader.Address(), market)
	require.NoError(t, err)
	require.Equal(t, units("0.05"), pos)

	tooBig := f.shortOrder(2, "0.2", "100")
	tooBig.ReduceOnly = true
	_, err = f.book.FillOrder(ctx, EOA(keeperAddr), tooBig, f.sign(t, tooBig), nil)
	require.ErrorIs(t, err, ErrReduceOnlyViolated)
	require.Equal(t, orderstate.Unfilled, f.status(t, tooBig))
}

func TestFill_ReduceOnlyRejectsIncrease(t *testing.T) {
	f := newFixture(t, nil)
	f.ex.setPosition(f.trader.Address(), units("0.1"))

	o := f.longOrder(1, "0.05", "300")
	o.ReduceOnly = true
	_, err := f.book.FillOrder(context.Background(), EOA(keeperAddr), o, f.sign(t, o), nil)
	require.ErrorIs(t, err, ErrReduceOnlyViolated)

	f.ex.setPosition(f.trader.Address(), new(big.Int))
	_, err = f.book.FillOrder(context.Background(), EOA(keeperAddr), o, f.sign(t, o), nil)
	require.ErrorIs(t, err, ErrReduceOnlyViolated, "no position to reduce")
}

func TestFill_ReduceOnlyAgainstShort(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.ex.setPosition(f.trader.Address(), new(big.Int).Neg(units("0.1")))

	// Exact output buys exactly 0.04 base.
	buy := f.longOrder(1, "0.04", "150")
	buy.ReduceOnly = true
	_, err := f.book.FillOrder(ctx, EOA(keeperAddr), buy, f.sign(t, buy), nil)
	require.NoError(t, err)
	pos, err := f.ex.TakerPositionSize(ctx, f.trader.Address(), market)
	require.NoError(t, err)
	require.Equal(t, new(big.Int).Neg(units("0.06")), pos)

	// Exact input only bounds the base received from below.
	spend := f.longOrder(2, "150", "0.01")
	spend.IsExactInput = true
	spend.ReduceOnly = true
	_, err = f.book.FillOrder(ctx, EOA(keeperAddr), spend, f.sign(t, spend), nil)
	require.ErrorIs(t, err, ErrReduceOnlyViolated)
	require.Equal(t, 1, f.ex.calls)
}

func TestFill_ReduceOnlyShortExactOutput(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.ex.setPosition(f.trader.Address(), units("0.1"))

	// Receive 150 quote for at most 0.06 base.
	o := f.shortOrder(1, "150", "0.06")
	o.IsExactInput = false
	o.ReduceOnly = true
	_, err := f.book.FillOrder(ctx, EOA(keeperAddr), o, f.sign(t, o), nil)
	require.NoError(t, err)
	pos, err := f.ex.TakerPositionSize(ctx, f.trader.Address(), market)
	require.NoError(t, err)
	require.Equal(t, units("0.05"), pos)

	tooLoose := f.shortOrder(2, "150", "0.2")
	tooLoose.IsExactInput = false
	tooLoose.ReduceOnly = true
	_, err = f.book.FillOrder(ctx, EOA(keeperAddr), tooLoose, f.sign(t, tooLoose), nil)
	require.ErrorIs(t, err, ErrReduceOnlyViolated)

	unbounded := f.shortOrder(3, "150", "0")
	unbounded.IsExactInput = false
	unbounded.ReduceOnly = true
	_, err = f.book.FillOrder(ctx, EOA(keeperAddr), unbounded, f.sign(t, unbounded), nil)
	require.ErrorIs(t, err, ErrReduceOnlyViolated)
	require.Equal(t, 1, f.ex.calls)
}

func TestFill_StopLossLong(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	r0 := trigger.ComputeRoundID(1, 100)
	r1 := trigger.ComputeRoundID(1, 101)
	r2 := trigger.ComputeRoundID(1, 102)
	f.feed.rounds[r1.String()] = units("2800")
	f.feed.rounds[r2.String()] = units("3000")

	o := f.longOrder(1, "0.1", "300")
	o.Type = order.StopLossLimitOrder
	o.RoundIDWhenCreated = r0
	o.TriggerPrice = units("2900")
	sig := f.sign(t, o)

	_, err := f.book.FillOrder(ctx, EOA(keeperAddr), o, sig, r1)
	require.ErrorIs(t, err, trigger.ErrStopLongNotMet)
	require.Equal(t, orderstate.Unfilled, f.status(t, o))

	_, err = f.book.FillOrder(ctx, EOA(keeperAddr), o, sig, trigger.ComputeRoundID(1, 99))
	require.ErrorIs(t, err, trigger.ErrRoundOutOfOrder)

	res, err := f.book.FillOrder(ctx, EOA(keeperAddr), o, sig, r2)
	require.NoError(t, err)
	require.Equal(t, order.StopLossLimitOrder, res.OrderType)
	require.Equal(t, orderstate.Filled, f.status(t, o))
}

func TestFill_RewardVaultRunsDry(t *testing.T) {
	ledger := reward.NewMemoryLedger()
	ledger.Mint(rewardToken, vaultAddr, units("1"))
	log := &events.Log{}
	vault, err := reward.NewVault(reward.Config{
		Address:    vaultAddr,
		Owner:      bookOwner,
		FillEngine: bookAddr,
		Token:      rewardToken,
		Amount:     units("1"),
		Ledger:     ledger,
		Events:     log,
	})
	require.NoError(t, err)

	f := newFixture(t, vault)
	ctx := context.Background()

	first := f.longOrder(1, "0.1", "300")
	res, err := f.book.FillOrder(ctx, EOA(keeperAddr), first, f.sign(t, first), nil)
	require.NoError(t, err)
	require.Equal(t, reward.OutcomePaid, res.Reward)
	require.Equal(t, units("1"), ledger.BalanceOf(rewardToken, keeperAddr))
	require.Equal(t, 0, ledger.BalanceOf(rewardToken, vaultAddr).Sign())

	second := f.longOrder(2, "0.1", "300")
	res, err = f.book.FillOrder(ctx, EOA(keeperAddr), second, f.sign(t, second), nil)
	require.NoError(t, err)
	require.NoError(t, res.RewardErr)
	require.Equal(t, reward.OutcomeInsufficient, res.Reward)
	require.Equal(t, 2, f.ex.calls)
	require.Equal(t, units("1"), ledger.BalanceOf(rewardToken, keeperAddr))

	evs := log.Events()
	require.Len(t, evs, 2)
	require.IsType(t, reward.Disbursed{}, evs[0])
	require.IsType(t, reward.Undisbursed{}, evs[1])
	require.Equal(t, units("1").String(), evs[1].(reward.Undisbursed).Shortfall.String())
}

func TestFill_StrictRewardShortfallHasNoEffect(t *testing.T) {
	vault, err := reward.NewVault(reward.Config{
		Address:    vaultAddr,
		Owner:      bookOwner,
		FillEngine: bookAddr,
		Token:      rewardToken,
		Amount:     units("1"),
		Policy:     reward.PolicyStrict,
		Ledger:     reward.NewMemoryLedger(),
	})
	require.NoError(t, err)

	f := newFixture(t, vault)
	o := f.longOrder(1, "0.1", "300")
	_, err = f.book.FillOrder(context.Background(), EOA(keeperAddr), o, f.sign(t, o), nil)
	require.ErrorIs(t, err, reward.ErrInsufficientRewardBalance)
	require.Equal(t, 0, f.ex.calls)
	require.Equal(t, orderstate.Unfilled, f.status(t, o))
	require.Empty(t, f.log.Events())
}

func newStrictVault(t *testing.T, funded string) (*reward.Vault, *reward.MemoryLedger) {
	t.Helper()
	ledger := reward.NewMemoryLedger()
	ledger.Mint(rewardToken, vaultAddr, units(funded))
	vault, err := reward.NewVault(reward.Config{
		Address:    vaultAddr,
		Owner:      bookOwner,
		FillEngine: bookAddr,
		Token:      rewardToken,
		Amount:     units("1"),
		Policy:     reward.PolicyStrict,
		Ledger:     ledger,
	})
	require.NoError(t, err)
	return vault, ledger
}

func TestFill_StrictRewardHeldDuringTrade(t *testing.T) {
	vault, ledger := newStrictVault(t, "1")
	f := newFixture(t, vault)

	var withdrawErr error
	f.ex.onTrade = func() { withdrawErr = vault.Withdraw(bookOwner, units("1")) }

	o := f.longOrder(1, "0.1", "300")
	res, err := f.book.FillOrder(context.Background(), EOA(keeperAddr), o, f.sign(t, o), nil)
	require.NoError(t, err)
	require.ErrorIs(t, withdrawErr, reward.ErrInsufficientVaultBalance)
	require.NoError(t, res.RewardErr)
	require.Equal(t, reward.OutcomePaid, res.Reward)
	require.Equal(t, units("1"), ledger.BalanceOf(rewardToken, keeperAddr))
}

func TestFill_EngineRejectionReleasesReward(t *testing.T) {
	vault, ledger := newStrictVault(t, "1")
	f := newFixture(t, vault)
	f.ex.err = errors.New("paused")

	o := f.longOrder(1, "0.1", "300")
	_, err := f.book.FillOrder(context.Background(), EOA(keeperAddr), o, f.sign(t, o), nil)
	require.ErrorIs(t, err, ErrMarketEngineRejected)

	require.NoError(t, vault.Withdraw(bookOwner, units("1")))
	require.Equal(t, units("1"), ledger.BalanceOf(rewardToken, bookOwner))
}

func TestCancel_ThenFillFails(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	o := f.longOrder(1, "0.1", "300")
	sig := f.sign(t, o)

	res, err := f.book.CancelOrder(ctx, f.trader.Address(), o)
	require.NoError(t, err)
	require.Equal(t, orderstate.Cancelled, f.status(t, o))
	require.Equal(t, units("0.1"), res.WouldBeSize)
	require.Equal(t, new(big.Int).Neg(units("300")), res.WouldBeNotional)

	evs := f.log.Events()
	require.Len(t, evs, 1)
	ev, ok := evs[0].(OrderCancelled)
	require.True(t, ok)
	require.Equal(t, res.OrderHash, ev.OrderHash)
	require.Equal(t, f.trader.Address(), ev.Trader)

	_, err = f.book.FillOrder(ctx, EOA(keeperAddr), o, sig, nil)
	require.ErrorIs(t, err, ErrOrderAlreadyConsumed)
	require.Equal(t, 0, f.ex.calls)

	_, err = f.book.CancelOrder(ctx, f.trader.Address(), o)
	require.ErrorIs(t, err, ErrOrderAlreadyConsumed)
}

func TestCancel_Rejects(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	o := f.longOrder(1, "0.1", "300")

	_, err := f.book.CancelOrder(ctx, keeperAddr, o)
	require.ErrorIs(t, err, ErrNotOrderOwner)

	bad := o
	bad.Type = order.OrderType(7)
	_, err = f.book.CancelOrder(ctx, f.trader.Address(), bad)
	require.ErrorIs(t, err, ErrUnknownOrderType)

	_, err = f.book.FillOrder(ctx, EOA(keeperAddr), o, f.sign(t, o), nil)
	require.NoError(t, err)
	_, err = f.book.CancelOrder(ctx, f.trader.Address(), o)
	require.ErrorIs(t, err, ErrOrderAlreadyConsumed)
	require.Equal(t, orderstate.Filled, f.status(t, o))
}

func TestFill_SignerMismatch(t *testing.T) {
	f := newFixture(t, nil)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)

	o := f.longOrder(1, "0.1", "300")
	sig, err := f.domain.SignOrder(other, &o)
	require.NoError(t, err)

	_, err = f.book.FillOrder(context.Background(), EOA(keeperAddr), o, sig, nil)
	require.ErrorIs(t, err, ErrSignerMismatch)
	require.ErrorIs(t, err, crypto.ErrInvalidSignature)
	require.Equal(t, "SignerMismatch", Classify(err).Code)

	_, err = f.book.FillOrder(context.Background(), EOA(keeperAddr), o, []byte{1, 2, 3}, nil)
	require.ErrorIs(t, err, ErrSignerMismatch)
}

func TestFill_Expired(t *testing.T) {
	f := newFixture(t, nil)
	o := f.longOrder(1, "0.1", "300")
	o.Deadline = big.NewInt(genesis.Unix() + 60)
	sig := f.sign(t, o)

	_, err := f.book.CheckFill(context.Background(), EOA(keeperAddr), o, sig, nil)
	require.NoError(t, err)

	f.clock.Set(genesis.Add(time.Minute))
	_, err = f.book.FillOrder(context.Background(), EOA(keeperAddr), o, sig, nil)
	require.ErrorIs(t, err, ErrExpired)
	require.True(t, IsPermanent(err))
}

func TestFill_MinOrderValue(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// 0.01 base at 3000 is 30 quote.
	small := f.longOrder(1, "0.01", "30")
	_, err := f.book.FillOrder(ctx, EOA(keeperAddr), small, f.sign(t, small), nil)
	require.ErrorIs(t, err, ErrOrderTooSmall)

	// Quote-denominated amount is valued as is.
	quote := f.longOrder(2, "99", "1")
	quote.IsExactInput = true
	_, err = f.book.FillOrder(ctx, EOA(keeperAddr), quote, f.sign(t, quote), nil)
	require.ErrorIs(t, err, ErrOrderTooSmall)

	require.ErrorIs(t, f.book.SetMinOrderValue(keeperAddr, new(big.Int)), ErrNotOwner)
	require.NoError(t, f.book.SetMinOrderValue(bookOwner, new(big.Int)))
	_, err = f.book.FillOrder(ctx, EOA(keeperAddr), small, f.sign(t, small), nil)
	require.NoError(t, err)
}

func TestFill_ContractCallerWhitelist(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	contract := Caller{Address: common.HexToAddress("0x00000000000000000000000000000000000000CC"), IsContract: true}
	o := f.longOrder(1, "0.1", "300")
	sig := f.sign(t, o)

	_, err := f.book.FillOrder(ctx, contract, o, sig, nil)
	require.ErrorIs(t, err, ErrContractCallerNotWhitelisted)

	require.ErrorIs(t, f.book.SetWhitelistContractCaller(keeperAddr, contract.Address, true), ErrNotOwner)
	require.NoError(t, f.book.SetWhitelistContractCaller(bookOwner, contract.Address, true))
	require.True(t, f.book.IsWhitelistContractCaller(contract.Address))

	_, err = f.book.FillOrder(ctx, contract, o, sig, nil)
	require.NoError(t, err)
	require.Contains(t, f.log.Events(), events.Event(WhitelistContractCallerChanged{Caller: contract.Address, Enabled: true}))
}

func TestFill_EngineRejectionLeavesOrderOpen(t *testing.T) {
	f := newFixture(t, nil)
	f.ex.err = errors.New("not enough free collateral")
	o := f.longOrder(1, "0.1", "300")

	_, err := f.book.FillOrder(context.Background(), EOA(keeperAddr), o, f.sign(t, o), nil)
	require.ErrorIs(t, err, ErrMarketEngineRejected)
	require.ErrorContains(t, err, "not enough free collateral")
	require.Equal(t, ClassExternal, Classify(err).Class)
	require.Equal(t, orderstate.Unfilled, f.status(t, o))
	require.Empty(t, f.log.Events())
}

func TestCheckFill_DoesNotMutate(t *testing.T) {
	f := newFixture(t, nil)
	o := f.longOrder(1, "0.1", "300")

	h, err := f.book.CheckFill(context.Background(), EOA(keeperAddr), o, f.sign(t, o), nil)
	require.NoError(t, err)
	want, err := f.book.OrderHash(o)
	require.NoError(t, err)
	require.Equal(t, want, h)
	require.Equal(t, 0, f.ex.calls)
	require.Equal(t, orderstate.Unfilled, f.status(t, o))
	require.Empty(t, f.log.Events())
}

func TestFill_ConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t, nil)
	o := f.longOrder(1, "0.1", "300")
	sig := f.sign(t, o)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.book.FillOrder(context.Background(), EOA(keeperAddr), o, sig, nil)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		require.ErrorIs(t, err, ErrOrderAlreadyConsumed)
	}
	require.Equal(t, 1, wins)
	require.Equal(t, 1, f.ex.calls)
}

func TestSetRewardSink_OwnerOnly(t *testing.T) {
	f := newFixture(t, nil)
	require.ErrorIs(t, f.book.SetRewardSink(keeperAddr, reward.NopSink{}), ErrNotOwner)
	require.NoError(t, f.book.SetRewardSink(bookOwner, nil))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err       error
		code      string
		class     Class
		retryable bool
	}{
		{ErrOrderAlreadyConsumed, "OrderAlreadyConsumed", ClassStateMachine, false},
		{trigger.ErrStopShortNotMet, "StopShortNotMet", ClassConditionNotMet, true},
		{reward.ErrInsufficientRewardBalance, "InsufficientRewardBalance", ClassResourceShortfall, true},
		{reward.ErrRewardReserved, "RewardReserved", ClassResourceShortfall, true},
		{ErrOrderTooSmall, "OrderTooSmall", ClassConditionNotMet, true},
		{ErrNotOrderOwner, "NotOrderOwner", ClassAuthorization, false},
		{errors.New("boom"), "Internal", ClassInternal, true},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			c := Classify(tt.err)
			require.Equal(t, tt.code, c.Code)
			require.Equal(t, tt.class, c.Class)
			require.Equal(t, tt.retryable, c.Retryable)
		})
	}
	require.Equal(t, Classification{}, Classify(nil))
}
