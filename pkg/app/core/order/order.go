package order

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrUnknownOrderType = errors.New("unknown order type")
	ErrFieldOutOfRange  = errors.New("order field out of range")
)

// OrderType selects how a signed order may be filled.
type OrderType uint8

const (
	LimitOrder           OrderType = 0
	StopLossLimitOrder   OrderType = 1
	TakeProfitLimitOrder OrderType = 2
)

func (t OrderType) Valid() bool {
	return t <= TakeProfitLimitOrder
}

// IsConditional reports whether fills must pass the trigger evaluator.
func (t OrderType) IsConditional() bool {
	return t == StopLossLimitOrder || t == TakeProfitLimitOrder
}

func (t OrderType) String() string {
	switch t {
	case LimitOrder:
		return "LimitOrder"
	case StopLossLimitOrder:
		return "StopLossLimitOrder"
	case TakeProfitLimitOrder:
		return "TakeProfitLimitOrder"
	default:
		return fmt.Sprintf("OrderType(%d)", uint8(t))
	}
}

// Schema identifies which typed-data struct the trader signed. Only the
// payload decoder and the hasher look at it.
type Schema uint8

const (
	// SchemaV1 is the original 9-field struct without order types or triggers.
	SchemaV1 Schema = 1
	// SchemaV2 is the current 14-field struct. The zero value means SchemaV2.
	SchemaV2 Schema = 2
)

// Order is a trader-signed intent to open or reduce a position on one market.
// All amounts and prices are 18-decimal fixed point.
type Order struct {
	Schema              Schema
	Type                OrderType
	Salt                *big.Int
	Trader              common.Address
	Market              common.Address // baseToken
	IsBaseToQuote       bool
	IsExactInput        bool
	Amount              *big.Int
	OppositeAmountBound *big.Int
	Deadline            *big.Int // unix seconds
	SqrtPriceLimitX96   *big.Int
	ReferralCode        common.Hash
	ReduceOnly          bool
	RoundIDWhenCreated  *big.Int
	TriggerPrice        *big.Int
}

var (
	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	maxUint160 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 160), big.NewInt(1))
	maxUint80  = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 80), big.NewInt(1))
)

// SchemaVersion resolves the zero value to the current schema.
func (o *Order) SchemaVersion() Schema {
	if o.Schema == 0 {
		return SchemaV2
	}
	return o.Schema
}

// IsLong reports whether filling the order buys base (quote to base).
func (o *Order) IsLong() bool { return !o.IsBaseToQuote }

// Normalize replaces nil numeric fields with zero so hashing and arithmetic
// never see nil.
func (o *Order) Normalize() {
	for _, f := range []**big.Int{
		&o.Salt, &o.Amount, &o.OppositeAmountBound, &o.Deadline,
		&o.SqrtPriceLimitX96, &o.RoundIDWhenCreated, &o.TriggerPrice,
	} {
		if *f == nil {
			*f = new(big.Int)
		}
	}
}

// Validate checks that the order type is known and that every numeric field
// fits its typed-data width.
func (o *Order) Validate() error {
	if !o.Type.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownOrderType, uint8(o.Type))
	}
	switch o.SchemaVersion() {
	case SchemaV1, SchemaV2:
	default:
		return fmt.Errorf("unsupported order schema %d", o.Schema)
	}

	checks := []struct {
		name string
		v    *big.Int
		max  *big.Int
	}{
		{"salt", o.Salt, maxUint256},
		{"amount", o.Amount, maxUint256},
		{"oppositeAmountBound", o.OppositeAmountBound, maxUint256},
		{"deadline", o.Deadline, maxUint256},
		{"sqrtPriceLimitX96", o.SqrtPriceLimitX96, maxUint160},
		{"roundIdWhenCreated", o.RoundIDWhenCreated, maxUint80},
		{"triggerPrice", o.TriggerPrice, maxUint256},
	}
	for _, c := range checks {
		if c.v == nil {
			continue
		}
		if c.v.Sign() < 0 || c.v.Cmp(c.max) > 0 {
			return fmt.Errorf("%w: %s=%s", ErrFieldOutOfRange, c.name, c.v)
		}
	}
	if o.SchemaVersion() == SchemaV1 {
		return o.checkLegacyFields()
	}
	return nil
}

// checkLegacyFields rejects values the V1 struct does not sign, so a legacy
// order's hash covers every field the engine acts on.
func (o *Order) checkLegacyFields() error {
	if o.Type != LimitOrder {
		return fmt.Errorf("%w: legacy schema only carries limit orders", ErrUnknownOrderType)
	}
	for _, f := range []struct {
		name string
		v    *big.Int
	}{
		{"sqrtPriceLimitX96", o.SqrtPriceLimitX96},
		{"roundIdWhenCreated", o.RoundIDWhenCreated},
		{"triggerPrice", o.TriggerPrice},
	} {
		if f.v != nil && f.v.Sign() != 0 {
			return fmt.Errorf("%w: %s", ErrLegacyFieldSet, f.name)
		}
	}
	if o.ReferralCode != (common.Hash{}) {
		return fmt.Errorf("%w: referralCode", ErrLegacyFieldSet)
	}
	return nil
}

// Clone returns a deep copy.
func (o *Order) Clone() Order {
	cp := *o
	for _, f := range []**big.Int{
		&cp.Salt, &cp.Amount, &cp.OppositeAmountBound, &cp.Deadline,
		&cp.SqrtPriceLimitX96, &cp.RoundIDWhenCreated, &cp.TriggerPrice,
	} {
		if *f != nil {
			*f = new(big.Int).Set(*f)
		}
	}
	return cp
}

// ExpiredAt reports whether the order can no longer be filled at unix time now.
func (o *Order) ExpiredAt(now int64) bool {
	if o.Deadline == nil {
		return true
	}
	return big.NewInt(now).Cmp(o.Deadline) >= 0
}
