// Package risk computes the health factor used to gate borrowing and trigger
// liquidation. Everything here is pure fixed-point integer arithmetic so the
// engines can call it without wiring.
package risk

import "math/big"

var basisPoints = big.NewInt(10_000)

// MaxHealthFactor is the sentinel returned for debt-free positions. It is the
// largest representable 256-bit value so every threshold comparison treats
// the position as risk-free.
var MaxHealthFactor = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// HealthFactor returns collateralValue/debtValue in basis points (10000 =
// 100%). A zero debt value yields MaxHealthFactor; the division-by-zero guard
// is explicit because the whole system runs on fixed-point integers.
func HealthFactor(collateralValue, debtValue *big.Int) *big.Int {
	if debtValue == nil || debtValue.Sign() == 0 {
		return new(big.Int).Set(MaxHealthFactor)
	}
	if collateralValue == nil || collateralValue.Sign() <= 0 {
		return big.NewInt(0)
	}
	factor := new(big.Int).Mul(collateralValue, basisPoints)
	return factor.Quo(factor, debtValue)
}

// IsUnderCollateralized reports whether the position's health factor sits
// below the governance threshold.
func IsUnderCollateralized(collateralValue, debtValue *big.Int, minHealthFactorBps uint64) bool {
	return HealthFactor(collateralValue, debtValue).Cmp(new(big.Int).SetUint64(minHealthFactorBps)) < 0
}
