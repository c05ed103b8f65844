package allocation

import (
	"math/big"
	"time"
)

const (
	maxBps         = 10_000
	secondsPerYear = int64(365 * 24 * 60 * 60)
	day            = 24 * time.Hour
)

var (
	ray     = mustBigInt("1000000000000000000000000000") // 1e27 precision
	halfRay = new(big.Int).Rsh(ray, 1)
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// rayDiv rounds down so the share index never overstates pool holdings.
func rayDiv(a, b *big.Int) *big.Int {
	if a == nil || b == nil || b.Sign() == 0 {
		return big.NewInt(0)
	}
	numerator := new(big.Int).Mul(a, ray)
	numerator.Quo(numerator, b)
	return numerator
}

// sharesFromAmount rounds down so a depositor never receives more shares than
// the amount buys.
func sharesFromAmount(amount, index *big.Int) *big.Int {
	if amount == nil || amount.Sign() <= 0 || index == nil || index.Sign() == 0 {
		return big.NewInt(0)
	}
	scaled := new(big.Int).Mul(amount, ray)
	scaled.Quo(scaled, index)
	return scaled
}

// amountFromShares rounds down so redemptions never exceed pool holdings.
func amountFromShares(shares, index *big.Int) *big.Int {
	if shares == nil || shares.Sign() <= 0 || index == nil || index.Sign() == 0 {
		return big.NewInt(0)
	}
	scaled := new(big.Int).Mul(shares, index)
	scaled.Quo(scaled, ray)
	return scaled
}

// growthFactor compounds apyBps daily over elapsed and returns the ray-scaled
// factor. Partial days accrue linearly.
func growthFactor(apyBps uint64, elapsed time.Duration) *big.Int {
	factor := new(big.Int).Set(ray)
	if apyBps == 0 || elapsed <= 0 {
		return factor
	}
	// daily rate in ray: apy / 10000 / 365
	daily := new(big.Int).Mul(ray, new(big.Int).SetUint64(apyBps))
	daily.Quo(daily, big.NewInt(maxBps*365))
	step := new(big.Int).Add(ray, daily)
	for days := int64(elapsed / day); days > 0; days-- {
		factor.Mul(factor, step)
		factor.Add(factor, halfRay)
		factor.Quo(factor, ray)
	}
	if rem := elapsed % day; rem > 0 {
		partial := new(big.Int).Mul(ray, new(big.Int).SetUint64(apyBps))
		partial.Mul(partial, big.NewInt(int64(rem/time.Second)))
		partial.Quo(partial, big.NewInt(maxBps*secondsPerYear))
		partial.Add(ray, partial)
		factor.Mul(factor, partial)
		factor.Add(factor, halfRay)
		factor.Quo(factor, ray)
	}
	return factor
}

// accrue returns the yield earned by amount at apyBps over elapsed, rounded
// down.
func accrue(amount *big.Int, apyBps uint64, elapsed time.Duration) *big.Int {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	factor := growthFactor(apyBps, elapsed)
	grown := new(big.Int).Mul(amount, factor)
	grown.Quo(grown, ray)
	grown.Sub(grown, amount)
	if grown.Sign() < 0 {
		return big.NewInt(0)
	}
	return grown
}

func mulBps(amount *big.Int, bps uint64) *big.Int {
	if amount == nil || amount.Sign() <= 0 || bps == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(bps))
	return out.Quo(out, big.NewInt(maxBps))
}
