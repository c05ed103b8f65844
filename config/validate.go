package config

import (
	"fmt"
	"math/big"
	"strings"

	"yieldvault/native/allocation"
)

const maxBps = 10_000

// Validate checks basis-point ranges, amounts and ceilings.
func Validate(p *Policy) error {
	if p == nil {
		return fmt.Errorf("policy: nil")
	}
	if strings.TrimSpace(p.Allocation.Pool) == "" {
		return fmt.Errorf("allocation: pool name required")
	}
	if p.Allocation.OnchainWeightBps > maxBps {
		return fmt.Errorf("allocation: onchain_weight_bps above 10000")
	}
	if p.Allocation.RestrictedShareBps > maxBps {
		return fmt.Errorf("allocation: restricted_share_bps above 10000")
	}
	if _, err := allocation.ParseRemainderPolicy(p.Allocation.Remainder); err != nil {
		return fmt.Errorf("allocation: %w", err)
	}
	if p.Fees.ManagementBps > maxBps || p.Fees.PerformanceBps > maxBps {
		return fmt.Errorf("fees: bps above 10000")
	}
	for name, r := range map[string]Risk{"risk": p.Risk, "restricted_risk": p.RestrictedRisk} {
		if r.MaxLTVBps > maxBps {
			return fmt.Errorf("%s: max_ltv_bps above 10000", name)
		}
	}
	if p.Leverage.PerVenueBps > maxBps {
		return fmt.Errorf("leverage: per_venue_bps above 10000")
	}
	if p.Leverage.MaxLeveragedVenues < 0 {
		return fmt.Errorf("leverage: max_leveraged_venues negative")
	}
	for venue, ltv := range p.Leverage.Venues {
		if ltv == 0 || ltv > maxBps {
			return fmt.Errorf("leverage: venue %s ltv out of range", venue)
		}
		if p.Risk.MaxLTVBps != 0 && ltv > p.Risk.MaxLTVBps {
			return fmt.Errorf("leverage: venue %s ltv above risk ceiling", venue)
		}
	}
	if len(p.Leverage.Venues) > 0 {
		ceiling, err := parseUintAmount(p.Leverage.MaxTotalBorrow)
		if err != nil {
			return fmt.Errorf("leverage: MaxTotalBorrow: %w", err)
		}
		if ceiling.Sign() == 0 {
			return fmt.Errorf("leverage: venues configured without max_total_borrow")
		}
	}
	if p.Oracle.Quorum < 1 {
		return fmt.Errorf("oracle: quorum must be at least 1")
	}
	if p.Oracle.MaxAPYBps == 0 {
		return fmt.Errorf("oracle: max_apy_bps must be positive")
	}
	if p.Oracle.MaxRiskBps > maxBps {
		return fmt.Errorf("oracle: max_risk_bps above 10000")
	}
	for field, raw := range map[string]string{
		"allocation.MinAllocation":           p.Allocation.MinAllocation,
		"allocation.RestrictedMinAllocation": p.Allocation.RestrictedMinAllocation,
		"risk.MinLiquidity":                  p.Risk.MinLiquidity,
		"restricted_risk.MinLiquidity":       p.RestrictedRisk.MinLiquidity,
		"leverage.MinLiquidity":              p.Leverage.MinLiquidity,
		"leverage.MaxTotalBorrow":            p.Leverage.MaxTotalBorrow,
	} {
		if _, err := parseUintAmount(raw); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}
	return nil
}

func parseUintAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return value, nil
}
