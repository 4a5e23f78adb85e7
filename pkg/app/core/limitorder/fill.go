package limitorder

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/limitorderbook/pkg/app/core/clearing"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/order"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/orderstate"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/reward"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/trigger"
)

// FillResult describes an executed fill.
type FillResult struct {
	OrderHash         common.Hash
	Trader            common.Address
	Market            common.Address
	OrderType         order.OrderType
	Keeper            common.Address
	ExchangedSize     *big.Int
	ExchangedNotional *big.Int
	Fee               *big.Int
	Reward            reward.Outcome
	RewardErr         error // set when the fill stood but the keeper was not paid
}

// FillOrder verifies o and, if every check passes, opens the position for
// the trader through the clearing house, marks the hash filled and pays the
// caller's keeper reward.
//
// Nothing is mutated unless all checks pass and the trade succeeds. Once the
// trade has executed the fill stands; a reward failure is reported in
// FillResult.RewardErr, not as an error.
func (b *Book) FillOrder(ctx context.Context, caller Caller, o order.Order, sig []byte, roundIDWhenTriggered *big.Int) (*FillResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	hash, err := b.checkFillLocked(ctx, caller, &o, sig, roundIDWhenTriggered)
	if err != nil {
		b.log.Debugw("fill_rejected", "order", hash.Hex(), "keeper", caller.Address.Hex(), "err", err)
		return nil, err
	}

	release, err := b.reserveReward(hash)
	if err != nil {
		b.log.Debugw("fill_rejected", "order", hash.Hex(), "keeper", caller.Address.Hex(), "err", err)
		return nil, err
	}
	defer release()

	res, err := b.ch.OpenPositionFor(ctx, o.Trader, b.address, openParams(&o))
	if err != nil {
		b.log.Infow("fill_engine_rejected", "order", hash.Hex(), "trader", o.Trader.Hex(), "err", err)
		return nil, fmt.Errorf("%w: %w", ErrMarketEngineRejected, err)
	}

	if err := b.states.MarkFilled(hash, b.touch()); err != nil {
		// Unreachable while fills are serialized under b.mu; the status was
		// checked above.
		b.log.Errorw("fill_mark_failed", "order", hash.Hex(), "err", err)
		return nil, err
	}

	out := &FillResult{
		OrderHash:         hash,
		Trader:            o.Trader,
		Market:            o.Market,
		OrderType:         o.Type,
		Keeper:            caller.Address,
		ExchangedSize:     nzCopy(res.ExchangedSize),
		ExchangedNotional: nzCopy(res.ExchangedNotional),
		Fee:               nzCopy(res.Fee),
	}

	out.Reward, out.RewardErr = b.rewards.Disburse(ctx, b.address, caller.Address, hash)
	if out.RewardErr != nil {
		b.log.Errorw("fill_reward_failed", "order", hash.Hex(), "keeper", caller.Address.Hex(), "err", out.RewardErr)
	}

	b.events.Emit(OrderFilled{
		Trader:            o.Trader,
		Market:            o.Market,
		OrderHash:         hash,
		OrderType:         o.Type,
		Keeper:            caller.Address,
		ExchangedSize:     new(big.Int).Set(out.ExchangedSize),
		ExchangedNotional: new(big.Int).Set(out.ExchangedNotional),
		Fee:               new(big.Int).Set(out.Fee),
	})
	b.log.Infow("order_filled",
		"order", hash.Hex(),
		"type", o.Type.String(),
		"trader", o.Trader.Hex(),
		"market", o.Market.Hex(),
		"keeper", caller.Address.Hex(),
		"size", out.ExchangedSize.String(),
		"notional", out.ExchangedNotional.String(),
		"reward", out.Reward.String(),
	)
	return out, nil
}

// CheckFill runs every check FillOrder would run before trading, without
// changing any state. It returns the order hash when it is known.
func (b *Book) CheckFill(ctx context.Context, caller Caller, o order.Order, sig []byte, roundIDWhenTriggered *big.Int) (common.Hash, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.checkFillLocked(ctx, caller, &o, sig, roundIDWhenTriggered)
}

func (b *Book) checkFillLocked(ctx context.Context, caller Caller, o *order.Order, sig []byte, roundIDWhenTriggered *big.Int) (common.Hash, error) {
	if caller.IsContract && !b.whitelist[caller.Address] {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrContractCallerNotWhitelisted, caller.Address.Hex())
	}
	if !o.Type.Valid() {
		return common.Hash{}, fmt.Errorf("%w: %d", ErrUnknownOrderType, uint8(o.Type))
	}

	hash, err := b.signer.HashOrder(o)
	if err != nil {
		return common.Hash{}, err
	}

	if err := b.requireUnfilled(hash); err != nil {
		return hash, err
	}

	if _, err := b.signer.VerifySigner(o, sig); err != nil {
		return hash, fmt.Errorf("%w: %w", ErrSignerMismatch, err)
	}

	if err := trigger.Evaluate(ctx, b.feed, o, roundIDWhenTriggered); err != nil {
		return hash, err
	}

	if o.ExpiredAt(b.clock.Now().Unix()) {
		return hash, fmt.Errorf("%w: deadline %v", ErrExpired, o.Deadline)
	}

	if err := b.checkMinOrderValue(ctx, o); err != nil {
		return hash, err
	}

	if o.ReduceOnly {
		if err := b.checkReduceOnly(ctx, o); err != nil {
			return hash, err
		}
	}

	if p, ok := b.rewards.(reward.Preflighter); ok {
		if err := p.Preflight(hash); err != nil {
			return hash, err
		}
	}
	return hash, nil
}

// reserveReward holds the keeper reward for hash so the sink cannot be
// drained between the checks and Disburse.
func (b *Book) reserveReward(hash common.Hash) (func(), error) {
	r, ok := b.rewards.(reward.Reserver)
	if !ok {
		return func() {}, nil
	}
	return r.Reserve(hash)
}

func (b *Book) requireUnfilled(hash common.Hash) error {
	status, err := b.states.Status(hash)
	if err != nil {
		return err
	}
	if status != orderstate.Unfilled {
		return fmt.Errorf("%w: %s is %s", ErrOrderAlreadyConsumed, hash.Hex(), status)
	}
	return nil
}

func (b *Book) checkMinOrderValue(ctx context.Context, o *order.Order) error {
	if b.minOrderValue.Sign() == 0 {
		return nil
	}

	var price *big.Int
	if o.AmountIsBase() {
		p, err := b.feed.LatestPrice(ctx, o.Market)
		if err != nil {
			return fmt.Errorf("failed to read latest price: %w", err)
		}
		price = p
	}

	value := o.QuoteValue(price)
	if value.Cmp(b.minOrderValue) < 0 {
		return fmt.Errorf("%w: value %s, minimum %s", ErrOrderTooSmall, value, b.minOrderValue)
	}
	return nil
}

// checkReduceOnly accepts only a trade that moves the position toward zero
// without crossing it.
func (b *Book) checkReduceOnly(ctx context.Context, o *order.Order) error {
	existing, err := b.ch.TakerPositionSize(ctx, o.Trader, o.Market)
	if err != nil {
		return fmt.Errorf("failed to read position: %w", err)
	}
	if existing == nil {
		existing = new(big.Int)
	}
	if existing.Sign() == 0 {
		return fmt.Errorf("%w: no open position", ErrReduceOnlyViolated)
	}
	delta, err := b.reduceOnlySize(ctx, o)
	if err != nil {
		return err
	}

	switch {
	case delta.Sign() == 0:
		return fmt.Errorf("%w: zero delta", ErrReduceOnlyViolated)
	case existing.Sign() == delta.Sign():
		return fmt.Errorf("%w: delta %s increases position %s", ErrReduceOnlyViolated, delta, existing)
	case new(big.Int).Abs(delta).Cmp(new(big.Int).Abs(existing)) > 0:
		return fmt.Errorf("%w: delta %s exceeds position %s", ErrReduceOnlyViolated, delta, existing)
	}
	return nil
}

// reduceOnlySize is the base size a reduce-only order is checked with: the
// engine's quote when it can preview trades, otherwise the largest size the
// order's own bounds allow.
func (b *Book) reduceOnlySize(ctx context.Context, o *order.Order) (*big.Int, error) {
	if q, ok := b.ch.(clearing.Quoter); ok {
		res, err := q.QuoteOpenPosition(ctx, o.Trader, openParams(o))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMarketEngineRejected, err)
		}
		return nzCopy(res.ExchangedSize), nil
	}
	size, ok := o.MaxPositionSize()
	if !ok {
		return nil, fmt.Errorf("%w: base size has no upper bound", ErrReduceOnlyViolated)
	}
	return size, nil
}

func openParams(o *order.Order) clearing.OpenPositionParams {
	return clearing.OpenPositionParams{
		Market:              o.Market,
		IsBaseToQuote:       o.IsBaseToQuote,
		IsExactInput:        o.IsExactInput,
		Amount:              o.Amount,
		OppositeAmountBound: o.OppositeAmountBound,
		Deadline:            o.Deadline,
		SqrtPriceLimitX96:   o.SqrtPriceLimitX96,
		ReferralCode:        o.ReferralCode,
	}
}

func nzCopy(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// IsPermanent reports whether err means the order can never be filled, so a
// keeper can stop retrying it.
func IsPermanent(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !Classify(err).Retryable
}
