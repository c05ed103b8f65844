package fees

import (
	"errors"
	"math/big"
	"strings"
)

const (
	// KindManagement is charged on deposited capital.
	KindManagement = "management"
	// KindPerformance is charged on realised profit only.
	KindPerformance = "performance"

	maxBps = 10_000
)

var errBpsRange = errors.New("fees: basis points must not exceed 10000")

// Policy captures the fee rates applied by the allocation engine.
type Policy struct {
	ManagementBps  uint32
	PerformanceBps uint32
}

// Validate checks the configured rates.
func (p Policy) Validate() error {
	if p.ManagementBps > maxBps || p.PerformanceBps > maxBps {
		return errBpsRange
	}
	return nil
}

// NormalizeKind canonicalises fee kind identifiers.
func NormalizeKind(kind string) string {
	return strings.ToLower(strings.TrimSpace(kind))
}

// ApplyInput captures the amount a fee is assessed on.
type ApplyInput struct {
	Kind  string
	Gross *big.Int
	Bps   uint32
}

// ApplyResult summarises the computed fee and the resulting net amount.
type ApplyResult struct {
	Kind string
	Fee  *big.Int
	Net  *big.Int
}

// Apply deducts Bps of Gross, rounding the fee down. Non-positive amounts pass
// through untouched and the fee never exceeds the gross amount.
func Apply(input ApplyInput) ApplyResult {
	result := ApplyResult{Kind: NormalizeKind(input.Kind), Fee: big.NewInt(0)}
	if input.Gross != nil {
		result.Net = new(big.Int).Set(input.Gross)
	} else {
		result.Net = big.NewInt(0)
	}
	if result.Net.Sign() <= 0 || input.Bps == 0 {
		return result
	}
	fee := new(big.Int).Mul(result.Net, big.NewInt(int64(input.Bps)))
	fee = fee.Div(fee, big.NewInt(maxBps))
	if fee.Sign() <= 0 {
		return result
	}
	if fee.Cmp(result.Net) >= 0 {
		result.Fee = new(big.Int).Set(result.Net)
		result.Net = big.NewInt(0)
		return result
	}
	result.Fee = fee
	result.Net = new(big.Int).Sub(result.Net, fee)
	return result
}

// Management assesses the management fee on a deposit.
func (p Policy) Management(gross *big.Int) ApplyResult {
	return Apply(ApplyInput{Kind: KindManagement, Gross: gross, Bps: p.ManagementBps})
}

// Performance assesses the performance fee on profit. Losses carry no fee.
func (p Policy) Performance(profit *big.Int) ApplyResult {
	return Apply(ApplyInput{Kind: KindPerformance, Gross: profit, Bps: p.PerformanceBps})
}

// Totals aggregates fees paid per kind.
type Totals struct {
	Management  *big.Int
	Performance *big.Int
}

// Add records a paid fee.
func (t *Totals) Add(kind string, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	switch NormalizeKind(kind) {
	case KindManagement:
		t.Management = addTo(t.Management, amount)
	case KindPerformance:
		t.Performance = addTo(t.Performance, amount)
	}
}

// Sum returns the total fees paid.
func (t Totals) Sum() *big.Int {
	out := big.NewInt(0)
	if t.Management != nil {
		out.Add(out, t.Management)
	}
	if t.Performance != nil {
		out.Add(out, t.Performance)
	}
	return out
}

// Clone returns a copy of the totals structure with duplicated big.Int values.
func (t Totals) Clone() Totals {
	clone := Totals{}
	if t.Management != nil {
		clone.Management = new(big.Int).Set(t.Management)
	}
	if t.Performance != nil {
		clone.Performance = new(big.Int).Set(t.Performance)
	}
	return clone
}

func addTo(dst, amount *big.Int) *big.Int {
	if dst == nil {
		return new(big.Int).Set(amount)
	}
	return dst.Add(dst, amount)
}
