package risk

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"yieldvault/native/venue"
)

const (
	// MaxBps is the basis-point denominator.
	MaxBps = 10_000

	// DefaultMaxLTVBps is the hard loan-to-value ceiling applied when the
	// configuration leaves it unset.
	DefaultMaxLTVBps = 8_000
)

// Rejection reasons reported by eligibility and viability checks.
const (
	ReasonNotRegistered    = "not_registered"
	ReasonNotCompliant     = "not_compliant"
	ReasonLiquidityFloor   = "liquidity_below_floor"
	ReasonUnhealthy        = "unhealthy"
	ReasonLTVCeiling       = "ltv_above_ceiling"
	ReasonVenueLTV         = "venue_ltv_above_ceiling"
	ReasonShallowLiquidity = "liquidity_below_borrow"
	ReasonNoCollateral     = "no_collateral"
)

var (
	errNilRegistry = errors.New("risk engine: registry required")
	errNilAdapter  = errors.New("risk engine: adapter required")
)

// Config holds the thresholds applied by the engine.
type Config struct {
	// MinLiquidity is the floor on a venue's live available liquidity for it
	// to be eligible for capital.
	MinLiquidity *big.Int
	// MaxLTVBps is the hard ceiling on projected loan-to-value.
	MaxLTVBps uint64
}

// Clone returns a deep copy of the configuration.
func (c Config) Clone() Config {
	clone := Config{MaxLTVBps: c.MaxLTVBps}
	if c.MinLiquidity != nil {
		clone.MinLiquidity = new(big.Int).Set(c.MinLiquidity)
	}
	return clone
}

// Eligibility is the outcome of an eligibility check.
type Eligibility struct {
	Eligible  bool
	Reason    string
	Liquidity *big.Int
}

// Viability is the outcome of a leverage viability assessment.
type Viability struct {
	Viable       bool
	Reason       string
	ProjectedLTV uint64
}

// Engine evaluates venue eligibility and leverage viability. It holds no
// mutable state beyond its configuration.
type Engine struct {
	registry venue.Registry
	cfg      Config
}

// NewEngine constructs a risk engine bound to the supplied registry.
func NewEngine(registry venue.Registry, cfg Config) (*Engine, error) {
	if registry == nil {
		return nil, errNilRegistry
	}
	cfg = cfg.Clone()
	if cfg.MaxLTVBps == 0 || cfg.MaxLTVBps > MaxBps {
		cfg.MaxLTVBps = DefaultMaxLTVBps
	}
	if cfg.MinLiquidity == nil {
		cfg.MinLiquidity = big.NewInt(0)
	}
	return &Engine{registry: registry, cfg: cfg}, nil
}

// Config returns a copy of the active configuration.
func (e *Engine) Config() Config {
	if e == nil {
		return Config{}
	}
	return e.cfg.Clone()
}

// Registry exposes the bound registry.
func (e *Engine) Registry() venue.Registry {
	if e == nil {
		return nil
	}
	return e.registry
}

// RiskAdjustedAPY discounts raw yield by the risk score:
// raw * (10000 - risk) / 10000. Scores above 10000 zero the yield.
func RiskAdjustedAPY(raw, riskScore uint64) uint64 {
	if riskScore >= MaxBps {
		return 0
	}
	keep := MaxBps - riskScore
	return raw/MaxBps*keep + raw%MaxBps*keep/MaxBps
}

// IsEligible reports whether the venue is registered, compliant and holds at
// least the configured liquidity floor. Registry and adapter failures are
// returned as errors so callers can skip the venue for this cycle.
func (e *Engine) IsEligible(ctx context.Context, a venue.Adapter) (Eligibility, error) {
	if a == nil {
		return Eligibility{}, errNilAdapter
	}
	id := a.ID()
	registered, err := e.registry.IsRegistered(ctx, id)
	if err != nil {
		return Eligibility{}, fmt.Errorf("registry lookup %s: %w", id, err)
	}
	if !registered {
		return Eligibility{Reason: ReasonNotRegistered}, nil
	}
	compliant, err := e.registry.IsCompliant(ctx, id)
	if err != nil {
		return Eligibility{}, fmt.Errorf("compliance lookup %s: %w", id, err)
	}
	if !compliant {
		return Eligibility{Reason: ReasonNotCompliant}, nil
	}
	liquidity, err := a.CurrentLiquidity(ctx)
	if err != nil {
		return Eligibility{}, err
	}
	if liquidity.Cmp(e.cfg.MinLiquidity) < 0 {
		return Eligibility{Reason: ReasonLiquidityFloor, Liquidity: liquidity}, nil
	}
	return Eligibility{Eligible: true, Liquidity: liquidity}, nil
}

// ProjectedLTV computes (existing + amount) * 10000 / collateral. A missing
// collateral base yields the maximum value.
func ProjectedLTV(collateral, amount, existing *big.Int) uint64 {
	if collateral == nil || collateral.Sign() <= 0 {
		return ^uint64(0)
	}
	debt := new(big.Int)
	if existing != nil {
		debt.Add(debt, existing)
	}
	if amount != nil {
		debt.Add(debt, amount)
	}
	debt.Mul(debt, big.NewInt(MaxBps))
	debt.Quo(debt, collateral)
	if !debt.IsUint64() {
		return ^uint64(0)
	}
	return debt.Uint64()
}

// AssessLeverageViability checks the projected loan-to-value against the hard
// ceiling and runs the liquidation probe. The result is advisory; the leverage
// controller repeats the probe before borrowing.
func (e *Engine) AssessLeverageViability(ctx context.Context, b venue.Borrower, collateral, amount, existingDebt *big.Int) (Viability, error) {
	if b == nil {
		return Viability{}, errNilAdapter
	}
	if collateral == nil || collateral.Sign() <= 0 {
		return Viability{Reason: ReasonNoCollateral, ProjectedLTV: ^uint64(0)}, nil
	}
	projected := ProjectedLTV(collateral, amount, existingDebt)
	if projected > e.cfg.MaxLTVBps {
		return Viability{Reason: ReasonLTVCeiling, ProjectedLTV: projected}, nil
	}
	probe, err := e.LiquidationProbe(ctx, b, collateral, amount)
	if err != nil {
		return Viability{ProjectedLTV: projected}, err
	}
	probe.ProjectedLTV = projected
	return probe, nil
}

// LiquidationProbe checks the venue's health indicator, its own reported
// loan-to-value for the collateral and whether it holds enough liquidity to
// serve the borrow.
func (e *Engine) LiquidationProbe(ctx context.Context, b venue.Borrower, collateral, amount *big.Int) (Viability, error) {
	if b == nil {
		return Viability{}, errNilAdapter
	}
	healthy, err := b.IsHealthy(ctx)
	if err != nil {
		return Viability{}, err
	}
	if !healthy {
		return Viability{Reason: ReasonUnhealthy}, nil
	}
	ltv, err := b.LoanToValue(ctx, collateral)
	if err != nil {
		return Viability{}, err
	}
	if ltv > e.cfg.MaxLTVBps {
		return Viability{Reason: ReasonVenueLTV}, nil
	}
	liquidity, err := b.CurrentLiquidity(ctx)
	if err != nil {
		return Viability{}, err
	}
	if amount != nil && liquidity.Cmp(amount) < 0 {
		return Viability{Reason: ReasonShallowLiquidity}, nil
	}
	return Viability{Viable: true}, nil
}
