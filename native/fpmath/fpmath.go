// Package fpmath centralises the fixed-point arithmetic used by every
// proportional calculation in the ledger and settlement engines. All helpers
// round towards zero (floor for the non-negative operands used here) and
// reject any operand or result outside the 256-bit unsigned range instead of
// truncating.
package fpmath

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

var (
	ErrOverflow       = errors.New("fpmath: value exceeds 256-bit range")
	ErrNegative       = errors.New("fpmath: negative value")
	ErrDivisionByZero = errors.New("fpmath: division by zero")
)

// Wad is the widening base applied to proportional shares before descaling.
var Wad = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// BasisPoints is the denominator for bps-expressed rates (10000 = 100%).
var BasisPoints = big.NewInt(10_000)

// CheckRange rejects nil, negative and out-of-range values. Engines call it on
// externally supplied amounts before any arithmetic.
func CheckRange(v *big.Int) error {
	if v == nil || v.Sign() < 0 {
		return ErrNegative
	}
	if _, overflow := uint256.FromBig(v); overflow {
		return ErrOverflow
	}
	return nil
}

// MulDiv computes a*b/c with an arbitrarily wide intermediate product and a
// floor rounding rule. The result is range-checked; callers never observe a
// silently truncated value.
func MulDiv(a, b, c *big.Int) (*big.Int, error) {
	if err := CheckRange(a); err != nil {
		return nil, err
	}
	if err := CheckRange(b); err != nil {
		return nil, err
	}
	if c == nil || c.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	if c.Sign() < 0 {
		return nil, ErrNegative
	}
	product := new(big.Int).Mul(a, b)
	product.Quo(product, c)
	if _, overflow := uint256.FromBig(product); overflow {
		return nil, ErrOverflow
	}
	return product, nil
}

// ProRata computes amount × numerator / denominator through a wad-scaled
// intermediate: the share numerator*1e18/denominator is materialised first,
// then applied to the amount and descaled. Floor rounding applies at the
// final descale only, so a 40/100 share of 50_000 yields exactly 20_000.
func ProRata(amount, numerator, denominator *big.Int) (*big.Int, error) {
	if denominator == nil || denominator.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	share, err := MulDiv(numerator, Wad, denominator)
	if err != nil {
		return nil, err
	}
	return MulDiv(amount, share, Wad)
}

// ApplyBps computes amount × bps / 10000 with floor rounding.
func ApplyBps(amount *big.Int, bps uint64) (*big.Int, error) {
	return MulDiv(amount, new(big.Int).SetUint64(bps), BasisPoints)
}

// CheckedAdd returns a+b, rejecting results beyond the 256-bit range.
func CheckedAdd(a, b *big.Int) (*big.Int, error) {
	if err := CheckRange(a); err != nil {
		return nil, err
	}
	if err := CheckRange(b); err != nil {
		return nil, err
	}
	sum := new(big.Int).Add(a, b)
	if _, overflow := uint256.FromBig(sum); overflow {
		return nil, ErrOverflow
	}
	return sum, nil
}

// CheckedSub returns a-b, rejecting negative results. Aggregate maintenance
// uses it so an accounting bug surfaces as an error instead of a wrapped
// negative total.
func CheckedSub(a, b *big.Int) (*big.Int, error) {
	if err := CheckRange(a); err != nil {
		return nil, err
	}
	if err := CheckRange(b); err != nil {
		return nil, err
	}
	if a.Cmp(b) < 0 {
		return nil, ErrNegative
	}
	return new(big.Int).Sub(a, b), nil
}

// ScalePow10 returns value × 10^exp, range-checked. It is used when moving a
// price quote between decimal precisions.
func ScalePow10(value *big.Int, exp uint8) (*big.Int, error) {
	if err := CheckRange(value); err != nil {
		return nil, err
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
	scaled := new(big.Int).Mul(value, scale)
	if _, overflow := uint256.FromBig(scaled); overflow {
		return nil, ErrOverflow
	}
	return scaled, nil
}

// Pow10 returns 10^exp as a big integer.
func Pow10(exp uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
}
