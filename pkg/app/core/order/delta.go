package order

import (
	"math/big"
)

// AmountIsBase reports whether Amount denominates the base leg. That holds
// for base-to-quote exact input (sell exactly Amount base) and quote-to-base
// exact output (buy exactly Amount base).
func (o *Order) AmountIsBase() bool {
	return o.IsBaseToQuote == o.IsExactInput
}

// PositionDelta returns the signed base size and quote notional the order
// would apply to the trader's position, using OppositeAmountBound for the
// unspecified leg. Longs add size and spend notional; shorts do the reverse.
//
//	long  exact input : size = +bound,  notional = -amount
//	long  exact output: size = +amount, notional = -bound
//	short exact input : size = -amount, notional = +bound
//	short exact output: size = -bound,  notional = +amount
func (o *Order) PositionDelta() (size, notional *big.Int) {
	amount := nz(o.Amount)
	bound := nz(o.OppositeAmountBound)

	var base, quote *big.Int
	if o.AmountIsBase() {
		base, quote = amount, bound
	} else {
		base, quote = bound, amount
	}

	if o.IsLong() {
		return new(big.Int).Set(base), new(big.Int).Neg(quote)
	}
	return new(big.Int).Neg(base), new(big.Int).Set(quote)
}

// MaxPositionSize returns the signed base size of largest magnitude the
// order can trade. ok is false when the base leg has no upper bound: a long
// exact input only sets a minimum base, and a short exact output with a zero
// bound may spend any amount of base.
func (o *Order) MaxPositionSize() (size *big.Int, ok bool) {
	var base *big.Int
	switch {
	case o.AmountIsBase():
		base = new(big.Int).Set(nz(o.Amount))
	case o.IsExactInput || nz(o.OppositeAmountBound).Sign() == 0:
		return nil, false
	default:
		base = new(big.Int).Set(o.OppositeAmountBound)
	}
	if !o.IsLong() {
		base.Neg(base)
	}
	return base, true
}

// QuoteValue returns the order's size in quote units. When Amount is the
// quote leg it is used directly; otherwise Amount is valued at price
// (18 decimals).
func (o *Order) QuoteValue(price *big.Int) *big.Int {
	amount := nz(o.Amount)
	if !o.AmountIsBase() {
		return new(big.Int).Set(amount)
	}
	v := new(big.Int).Mul(amount, nz(price))
	return v.Quo(v, one18)
}

var one18 = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

func nz(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
