package trigger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/uhyunpark/limitorderbook/pkg/app/core/clearing"
	"github.com/uhyunpark/limitorderbook/pkg/app/core/order"
)

var (
	ErrMissingCreationRound   = errors.New("conditional order has no creation round")
	ErrRoundOutOfOrder        = errors.New("trigger round is older than creation round")
	ErrInvalidTriggerPrice    = errors.New("trigger price is zero")
	ErrUnsupportedPriceSource = errors.New("price source cannot resolve historical rounds")

	ErrStopLongNotMet        = errors.New("stop loss long: price below trigger")
	ErrStopShortNotMet       = errors.New("stop loss short: price above trigger")
	ErrTakeProfitLongNotMet  = errors.New("take profit long: price above trigger")
	ErrTakeProfitShortNotMet = errors.New("take profit short: price below trigger")
)

// ComputeRoundID encodes an aggregator round the way proxy feeds expose it:
// the phase in the top bits above a 64-bit aggregator round.
func ComputeRoundID(phase uint16, aggregatorRound uint64) *big.Int {
	id := new(big.Int).Lsh(big.NewInt(int64(phase)), 64)
	return id.Or(id, new(big.Int).SetUint64(aggregatorRound))
}

// Evaluate decides whether a conditional order may fire at roundIDWhenTriggered.
// Limit orders always pass. The check is read-only.
//
// The price is read at the submitted round, not the latest one, so a keeper
// can prove a trigger that was touched briefly. Rounds before the order's
// creation round are refused, so prices from before the order existed can
// never fire it.
func Evaluate(ctx context.Context, feed clearing.PriceFeed, o *order.Order, roundIDWhenTriggered *big.Int) error {
	if !o.Type.IsConditional() {
		return nil
	}

	created := o.RoundIDWhenCreated
	if created == nil || created.Sign() == 0 {
		return ErrMissingCreationRound
	}
	if roundIDWhenTriggered == nil || roundIDWhenTriggered.Cmp(created) < 0 {
		return fmt.Errorf("%w: triggered=%v created=%s", ErrRoundOutOfOrder, roundIDWhenTriggered, created)
	}
	if o.TriggerPrice == nil || o.TriggerPrice.Sign() == 0 {
		return ErrInvalidTriggerPrice
	}

	price, err := feed.PriceAtRound(ctx, o.Market, roundIDWhenTriggered)
	if errors.Is(err, clearing.ErrRoundLookupUnsupported) {
		return fmt.Errorf("%w: market %s", ErrUnsupportedPriceSource, o.Market.Hex())
	}
	if err != nil {
		return fmt.Errorf("failed to read price at round %s: %w", roundIDWhenTriggered, err)
	}

	return checkDirection(o, price)
}

// checkDirection applies the stop-loss / take-profit table.
//
//	stop loss   long : fire when price >= trigger
//	stop loss   short: fire when price <= trigger
//	take profit long : fire when price <= trigger
//	take profit short: fire when price >= trigger
func checkDirection(o *order.Order, price *big.Int) error {
	cmp := price.Cmp(o.TriggerPrice)
	long := o.IsLong()

	switch o.Type {
	case order.StopLossLimitOrder:
		if long && cmp < 0 {
			return ErrStopLongNotMet
		}
		if !long && cmp > 0 {
			return ErrStopShortNotMet
		}
	case order.TakeProfitLimitOrder:
		if long && cmp > 0 {
			return ErrTakeProfitLongNotMet
		}
		if !long && cmp < 0 {
			return ErrTakeProfitShortNotMet
		}
	}
	return nil
}
