package config

import (
	"time"

	"yieldvault/native/allocation"
	"yieldvault/native/common"
	"yieldvault/native/fees"
	"yieldvault/native/leverage"
	"yieldvault/native/oracle"
	"yieldvault/native/risk"
)

// AllocationConfig converts the policy into the allocation engine
// configuration.
func (p *Policy) AllocationConfig() (allocation.Config, error) {
	minimum, err := parseUintAmount(p.Allocation.MinAllocation)
	if err != nil {
		return allocation.Config{}, err
	}
	restrictedMinimum, err := parseUintAmount(p.Allocation.RestrictedMinAllocation)
	if err != nil {
		return allocation.Config{}, err
	}
	remainder, err := allocation.ParseRemainderPolicy(p.Allocation.Remainder)
	if err != nil {
		return allocation.Config{}, err
	}
	venues := make(map[string]uint64, len(p.Leverage.Venues))
	for id, ltv := range p.Leverage.Venues {
		venues[id] = ltv
	}
	return allocation.Config{
		MinAllocation:    minimum,
		OnchainWeightBps: p.Allocation.OnchainWeightBps,
		Remainder:        remainder,
		Fees: fees.Policy{
			ManagementBps:  p.Fees.ManagementBps,
			PerformanceBps: p.Fees.PerformanceBps,
		},
		RestrictedShareBps:      p.Allocation.RestrictedShareBps,
		RestrictedMinAllocation: restrictedMinimum,
		UpkeepInterval:          seconds(p.Allocation.UpkeepIntervalSeconds),
		Leverage:                venues,
	}, nil
}

// RiskConfig converts one risk section.
func (r Risk) RiskConfig() (risk.Config, error) {
	floor, err := parseUintAmount(r.MinLiquidity)
	if err != nil {
		return risk.Config{}, err
	}
	return risk.Config{MinLiquidity: floor, MaxLTVBps: r.MaxLTVBps}, nil
}

// LeverageConfig converts the leverage section.
func (p *Policy) LeverageConfig() (leverage.Config, error) {
	floor, err := parseUintAmount(p.Leverage.MinLiquidity)
	if err != nil {
		return leverage.Config{}, err
	}
	ceiling, err := parseUintAmount(p.Leverage.MaxTotalBorrow)
	if err != nil {
		return leverage.Config{}, err
	}
	return leverage.Config{
		MaxPriceChangeBps:  p.Leverage.MaxPriceChangeBps,
		PriceMaxAge:        seconds(p.Leverage.PriceMaxAgeSeconds),
		MaxSignalChangeBps: p.Leverage.MaxSignalChangeBps,
		SignalWindow:       seconds(p.Leverage.SignalWindowSeconds),
		SignalMaxAge:       seconds(p.Leverage.SignalMaxAgeSeconds),
		MinLiquidity:       floor,
		MaxTotalBorrow:     ceiling,
		PerVenueBps:        p.Leverage.PerVenueBps,
		MaxLeveragedVenues: p.Leverage.MaxLeveragedVenues,
	}, nil
}

// OracleConfig converts the oracle section.
func (p *Policy) OracleConfig() oracle.Config {
	return oracle.Config{
		Quorum:    p.Oracle.Quorum,
		MaxAge:    seconds(p.Oracle.MaxAgeSeconds),
		MaxAPYBps: p.Oracle.MaxAPYBps,
		MaxRisk:   p.Oracle.MaxRiskBps,
	}
}

// PauseSet returns the operator pause toggles as a guard view.
func (p *Policy) PauseSet() *common.Pauses {
	pauses := common.NewPauses()
	pauses.Set(allocation.ModuleName, p.Pauses.Allocation)
	return pauses
}

func seconds(v uint64) time.Duration {
	return time.Duration(v) * time.Second
}
