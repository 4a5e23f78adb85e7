package util

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Decimals is the fixed-point precision of amounts, prices and notionals.
const Decimals = 18

var one18 = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

// One returns 1e18 as a fresh big.Int.
func One() *big.Int { return new(big.Int).Set(one18) }

// ParseUnits converts a human decimal string ("0.1", "2960.5") to an 18-decimal
// integer. Digits beyond 18 decimals are rejected rather than rounded.
func ParseUnits(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	scaled := d.Shift(Decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("invalid decimal %q: more than %d fractional digits", s, Decimals)
	}
	return scaled.BigInt(), nil
}

// MustParseUnits is ParseUnits for constants and tests.
func MustParseUnits(s string) *big.Int {
	v, err := ParseUnits(s)
	if err != nil {
		panic(err)
	}
	return v
}

// FormatUnits renders an 18-decimal integer as a decimal string without
// trailing zeros.
func FormatUnits(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -Decimals).String()
}

// MulDiv18 returns a*b/1e18, truncated toward zero.
func MulDiv18(a, b *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, one18)
}

// DivMul18 returns a*1e18/b, truncated toward zero. b must be non-zero.
func DivMul18(a, b *big.Int) *big.Int {
	out := new(big.Int).Mul(a, one18)
	return out.Quo(out, b)
}
