package chain

import (
	"math/big"

	"github.com/holiman/uint256"
)

var (
	rayUnit = uint256.MustFromDecimal("1000000000000000000000000000")
	bpsUnit = uint256.NewInt(10_000)
)

// RayToBps converts a ray-denominated annual rate (1e27 == 100%) into basis
// points, rounding down. Rates that do not fit 256 bits saturate.
func RayToBps(rate *big.Int) uint64 {
	if rate == nil || rate.Sign() <= 0 {
		return 0
	}
	v, overflow := uint256.FromBig(rate)
	if overflow {
		return ^uint64(0)
	}
	scaled, mulOverflow := new(uint256.Int).MulOverflow(v, bpsUnit)
	if mulOverflow {
		return ^uint64(0)
	}
	scaled.Div(scaled, rayUnit)
	if !scaled.IsUint64() {
		return ^uint64(0)
	}
	return scaled.Uint64()
}

// GrowthBps annualises the relative change between two share prices observed
// elapsed seconds apart. Shrinking prices report zero.
func GrowthBps(prev, curr *big.Int, elapsedSeconds uint64) uint64 {
	if prev == nil || curr == nil || prev.Sign() <= 0 || curr.Cmp(prev) <= 0 || elapsedSeconds == 0 {
		return 0
	}
	p, overflow := uint256.FromBig(prev)
	if overflow {
		return 0
	}
	c, overflow := uint256.FromBig(curr)
	if overflow {
		return 0
	}
	delta := new(uint256.Int).Sub(c, p)
	// delta * bps * year / (prev * elapsed)
	num, of := new(uint256.Int).MulOverflow(delta, bpsUnit)
	if of {
		return ^uint64(0)
	}
	num, of = num.MulOverflow(num, uint256.NewInt(secondsPerYear))
	if of {
		return ^uint64(0)
	}
	den, of := new(uint256.Int).MulOverflow(p, uint256.NewInt(elapsedSeconds))
	if of || den.IsZero() {
		return 0
	}
	num.Div(num, den)
	if !num.IsUint64() {
		return ^uint64(0)
	}
	return num.Uint64()
}

const secondsPerYear = 365 * 24 * 60 * 60
