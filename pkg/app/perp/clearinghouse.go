// Package perp provides in-process stand-ins for the perpetual market stack
// the order book trades through: a clearing house with collateral and
// positions, oracle feeds and a delegate approval registry. They back the
// devnet node and integration tests.
package perp

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/limitorderbook/pkg/app/core/clearing"
	"github.com/uhyunpark/limitorderbook/pkg/util"
)

var (
	ErrNotApprovedDelegate     = errors.New("delegate not approved to open positions")
	ErrTransactionExpired      = errors.New("transaction expired")
	ErrTooMuchRequired         = errors.New("input exceeds opposite amount bound")
	ErrTooLittleReceived       = errors.New("output below opposite amount bound")
	ErrNotEnoughFreeCollateral = errors.New("not enough free collateral")
	ErrZeroAmount              = errors.New("zero trade amount")
	ErrZeroPrice               = errors.New("market has no price")
	ErrNoPosition              = errors.New("no open position")
	ErrUnknownMethod           = errors.New("unknown clearing house method")
)

// Position is a taker position in one market. Size is signed base, Open
// notional is the signed quote paid (negative) or received (positive).
type Position struct {
	Size         *big.Int `json:"size"`
	OpenNotional *big.Int `json:"openNotional"`
}

type posKey struct {
	trader common.Address
	market common.Address
}

type ClearingHouseConfig struct {
	Feed      clearing.PriceFeed
	Approvals clearing.DelegateApproval
	Clock     util.Clock
	// FeeRatio is charged on the exchanged quote, e.g. 0.001 for 10 bps.
	FeeRatio decimal.Decimal
	// IMRatio is the initial margin ratio on position value, e.g. 0.1 for 10x.
	IMRatio decimal.Decimal
	Logger  *zap.SugaredLogger
}

// ClearingHouse executes every trade at the feed's latest price. There is no
// AMM curve, so sqrtPriceLimitX96 is accepted and ignored.
type ClearingHouse struct {
	mu sync.Mutex

	feed      clearing.PriceFeed
	approvals clearing.DelegateApproval
	clock     util.Clock
	feeRatio  decimal.Decimal
	imRatio   decimal.Decimal
	log       *zap.SugaredLogger

	collateral map[common.Address]*big.Int
	positions  map[posKey]*Position
}

func NewClearingHouse(cfg ClearingHouseConfig) *ClearingHouse {
	ch := &ClearingHouse{
		feed:       cfg.Feed,
		approvals:  cfg.Approvals,
		clock:      cfg.Clock,
		feeRatio:   cfg.FeeRatio,
		imRatio:    cfg.IMRatio,
		log:        util.OrNop(cfg.Logger),
		collateral: make(map[common.Address]*big.Int),
		positions:  make(map[posKey]*Position),
	}
	if ch.clock == nil {
		ch.clock = util.RealClock{}
	}
	if ch.imRatio.IsZero() {
		ch.imRatio = decimal.NewFromFloat(0.1)
	}
	return ch
}

// Deposit credits quote collateral to trader.
func (ch *ClearingHouse) Deposit(trader common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("invalid deposit: %v", amount)
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	bal := ch.collateralLocked(trader)
	bal.Add(bal, amount)
	ch.log.Infow("collateral_deposited", "trader", trader.Hex(), "amount", amount.String())
	return nil
}

func (ch *ClearingHouse) Collateral(trader common.Address) *big.Int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return new(big.Int).Set(ch.collateralLocked(trader))
}

func (ch *ClearingHouse) Position(trader, market common.Address) Position {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	p := ch.positionLocked(trader, market)
	return Position{Size: new(big.Int).Set(p.Size), OpenNotional: new(big.Int).Set(p.OpenNotional)}
}

func (ch *ClearingHouse) TakerPositionSize(_ context.Context, trader, market common.Address) (*big.Int, error) {
	return ch.Position(trader, market).Size, nil
}

func (ch *ClearingHouse) TakerOpenNotional(_ context.Context, trader, market common.Address) (*big.Int, error) {
	return ch.Position(trader, market).OpenNotional, nil
}

// OpenPositionFor trades for trader on behalf of delegate.
func (ch *ClearingHouse) OpenPositionFor(ctx context.Context, trader, delegate common.Address, p clearing.OpenPositionParams) (clearing.PositionResult, error) {
	if ch.approvals == nil || !ch.approvals.IsApproved(trader, delegate, clearing.ActionOpenPosition) {
		return clearing.PositionResult{}, fmt.Errorf("%w: trader %s, delegate %s", ErrNotApprovedDelegate, trader.Hex(), delegate.Hex())
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.openLocked(ctx, trader, p)
}

// OpenPosition trades for trader as its own caller.
func (ch *ClearingHouse) OpenPosition(ctx context.Context, trader common.Address, p clearing.OpenPositionParams) (clearing.PositionResult, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.openLocked(ctx, trader, p)
}

func (ch *ClearingHouse) openLocked(ctx context.Context, trader common.Address, p clearing.OpenPositionParams) (clearing.PositionResult, error) {
	res, price, err := ch.quote(ctx, p)
	if err != nil {
		return clearing.PositionResult{}, err
	}

	pos := ch.positionLocked(trader, p.Market)
	newSize := new(big.Int).Add(pos.Size, res.ExchangedSize)
	if err := ch.checkMarginLocked(trader, p.Market, newSize, price, res.Fee); err != nil {
		return clearing.PositionResult{}, err
	}

	pos.Size = newSize
	pos.OpenNotional = new(big.Int).Add(pos.OpenNotional, res.ExchangedNotional)
	bal := ch.collateralLocked(trader)
	bal.Sub(bal, res.Fee)

	ch.log.Debugw("position_opened",
		"trader", trader.Hex(), "market", p.Market.Hex(),
		"size", res.ExchangedSize.String(), "notional", res.ExchangedNotional.String(), "fee", res.Fee.String())
	return res, nil
}

// ClosePositionParams closes the whole taker position in Market.
type ClosePositionParams struct {
	Market              common.Address
	OppositeAmountBound *big.Int
	Deadline            *big.Int
	SqrtPriceLimitX96   *big.Int
	ReferralCode        common.Hash
}

// ClosePosition trades trader's position in p.Market back to zero.
func (ch *ClearingHouse) ClosePosition(ctx context.Context, trader common.Address, p ClosePositionParams) (clearing.PositionResult, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closeLocked(ctx, trader, p)
}

// closeLocked sells a long or buys back a short with the size as the exact
// base leg.
func (ch *ClearingHouse) closeLocked(ctx context.Context, trader common.Address, p ClosePositionParams) (clearing.PositionResult, error) {
	size := ch.positionLocked(trader, p.Market).Size
	if size.Sign() == 0 {
		return clearing.PositionResult{}, fmt.Errorf("%w: trader %s, market %s", ErrNoPosition, trader.Hex(), p.Market.Hex())
	}
	long := size.Sign() > 0
	return ch.openLocked(ctx, trader, clearing.OpenPositionParams{
		Market:              p.Market,
		IsBaseToQuote:       long,
		IsExactInput:        long,
		Amount:              new(big.Int).Abs(size),
		OppositeAmountBound: p.OppositeAmountBound,
		Deadline:            p.Deadline,
		SqrtPriceLimitX96:   p.SqrtPriceLimitX96,
		ReferralCode:        p.ReferralCode,
	})
}

// Withdraw debits collateral from trader. What remains must still cover
// initial margin on every open position.
func (ch *ClearingHouse) Withdraw(trader common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("invalid withdraw: %v", amount)
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()

	bal := ch.collateralLocked(trader)
	required := decimal.Zero
	for k, pos := range ch.positions {
		if k.trader == trader {
			required = required.Add(decimal.NewFromBigInt(pos.OpenNotional, 0).Abs())
		}
	}
	required = required.Mul(ch.imRatio)
	free := decimal.NewFromBigInt(new(big.Int).Sub(bal, amount), 0)
	if free.LessThan(required) {
		return fmt.Errorf("%w: free %s, required %s", ErrNotEnoughFreeCollateral, free.String(), required.StringFixed(0))
	}
	bal.Sub(bal, amount)
	ch.log.Infow("collateral_withdrawn", "trader", trader.Hex(), "amount", amount.String())
	return nil
}

// Methods a Call can name.
const (
	MethodOpenPosition  = "openPosition"
	MethodClosePosition = "closePosition"
)

// Call is one step of a Batch. Method selects which params are used.
type Call struct {
	Method string
	Open   clearing.OpenPositionParams
	Close  ClosePositionParams
}

// Batch runs calls for trader in order as one unit. If any call fails, the
// trader's collateral and positions are restored and only the error is
// returned.
func (ch *ClearingHouse) Batch(ctx context.Context, trader common.Address, calls []Call) ([]clearing.PositionResult, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	snap := ch.snapshotLocked(trader)
	results := make([]clearing.PositionResult, 0, len(calls))
	for i, c := range calls {
		var (
			res clearing.PositionResult
			err error
		)
		switch c.Method {
		case MethodOpenPosition:
			res, err = ch.openLocked(ctx, trader, c.Open)
		case MethodClosePosition:
			res, err = ch.closeLocked(ctx, trader, c.Close)
		default:
			err = fmt.Errorf("%w: %q", ErrUnknownMethod, c.Method)
		}
		if err != nil {
			ch.restoreLocked(trader, snap)
			return nil, fmt.Errorf("call %d (%s): %w", i, c.Method, err)
		}
		results = append(results, res)
	}
	return results, nil
}

type accountSnapshot struct {
	collateral *big.Int
	positions  map[common.Address]Position
}

func (ch *ClearingHouse) snapshotLocked(trader common.Address) accountSnapshot {
	snap := accountSnapshot{
		collateral: new(big.Int).Set(ch.collateralLocked(trader)),
		positions:  make(map[common.Address]Position),
	}
	for k, pos := range ch.positions {
		if k.trader == trader {
			snap.positions[k.market] = Position{Size: new(big.Int).Set(pos.Size), OpenNotional: new(big.Int).Set(pos.OpenNotional)}
		}
	}
	return snap
}

func (ch *ClearingHouse) restoreLocked(trader common.Address, snap accountSnapshot) {
	ch.collateral[trader] = snap.collateral
	for k := range ch.positions {
		if k.trader == trader {
			delete(ch.positions, k)
		}
	}
	for market, pos := range snap.positions {
		ch.positions[posKey{trader, market}] = &pos
	}
}

// QuoteOpenPosition prices p at the latest price without trading. Delegation
// and margin are not checked.
func (ch *ClearingHouse) QuoteOpenPosition(ctx context.Context, _ common.Address, p clearing.OpenPositionParams) (clearing.PositionResult, error) {
	res, _, err := ch.quote(ctx, p)
	return res, err
}

func (ch *ClearingHouse) quote(ctx context.Context, p clearing.OpenPositionParams) (clearing.PositionResult, *big.Int, error) {
	if p.Deadline != nil && big.NewInt(ch.clock.Now().Unix()).Cmp(p.Deadline) > 0 {
		return clearing.PositionResult{}, nil, ErrTransactionExpired
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return clearing.PositionResult{}, nil, ErrZeroAmount
	}

	price, err := ch.feed.LatestPrice(ctx, p.Market)
	if err != nil {
		return clearing.PositionResult{}, nil, fmt.Errorf("failed to read price: %w", err)
	}
	if price == nil || price.Sign() <= 0 {
		return clearing.PositionResult{}, nil, ErrZeroPrice
	}

	base, quote := legs(p, price)
	if err := checkSlippage(p, base, quote); err != nil {
		return clearing.PositionResult{}, nil, err
	}

	size, notional := new(big.Int).Set(base), new(big.Int).Neg(quote)
	if p.IsBaseToQuote {
		size.Neg(size)
		notional.Neg(notional)
	}
	fee := decimal.NewFromBigInt(quote, 0).Mul(ch.feeRatio).BigInt()
	return clearing.PositionResult{ExchangedSize: size, ExchangedNotional: notional, Fee: fee}, price, nil
}

// legs converts the trade into unsigned base and quote amounts at price.
func legs(p clearing.OpenPositionParams, price *big.Int) (base, quote *big.Int) {
	if p.IsBaseToQuote == p.IsExactInput {
		return new(big.Int).Set(p.Amount), util.MulDiv18(p.Amount, price)
	}
	return util.DivMul18(p.Amount, price), new(big.Int).Set(p.Amount)
}

// checkSlippage enforces oppositeAmountBound. For exact input it is the
// minimum output; for exact output it is the maximum input, where zero means
// unbounded.
func checkSlippage(p clearing.OpenPositionParams, base, quote *big.Int) error {
	bound := p.OppositeAmountBound
	if bound == nil {
		bound = new(big.Int)
	}
	// The opposite leg is quote when Amount is base.
	opposite := quote
	if p.IsBaseToQuote != p.IsExactInput {
		opposite = base
	}

	if p.IsExactInput {
		if opposite.Cmp(bound) < 0 {
			return fmt.Errorf("%w: got %s, bound %s", ErrTooLittleReceived, opposite, bound)
		}
		return nil
	}
	if bound.Sign() > 0 && opposite.Cmp(bound) > 0 {
		return fmt.Errorf("%w: need %s, bound %s", ErrTooMuchRequired, opposite, bound)
	}
	return nil
}

// checkMarginLocked requires collateral after fee to cover initial margin on
// every position, with market valued at its new size.
func (ch *ClearingHouse) checkMarginLocked(trader, market common.Address, newSize, price, fee *big.Int) error {
	required := decimal.Zero
	for k, pos := range ch.positions {
		if k.trader != trader || k.market == market {
			continue
		}
		required = required.Add(decimal.NewFromBigInt(pos.OpenNotional, 0).Abs())
	}
	value := util.MulDiv18(new(big.Int).Abs(newSize), price)
	required = required.Add(decimal.NewFromBigInt(value, 0)).Mul(ch.imRatio)

	free := decimal.NewFromBigInt(ch.collateralLocked(trader), 0).Sub(decimal.NewFromBigInt(fee, 0))
	if free.LessThan(required) {
		return fmt.Errorf("%w: free %s, required %s", ErrNotEnoughFreeCollateral, free.String(), required.StringFixed(0))
	}
	return nil
}

func (ch *ClearingHouse) collateralLocked(trader common.Address) *big.Int {
	bal, ok := ch.collateral[trader]
	if !ok {
		bal = new(big.Int)
		ch.collateral[trader] = bal
	}
	return bal
}

func (ch *ClearingHouse) positionLocked(trader, market common.Address) *Position {
	k := posKey{trader, market}
	pos, ok := ch.positions[k]
	if !ok {
		pos = &Position{Size: new(big.Int), OpenNotional: new(big.Int)}
		ch.positions[k] = pos
	}
	return pos
}

var (
	_ clearing.ClearingHouse = (*ClearingHouse)(nil)
	_ clearing.Quoter        = (*ClearingHouse)(nil)
)
