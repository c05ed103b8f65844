package allocation

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"yieldvault/native/oracle"
	"yieldvault/native/risk"
	"yieldvault/native/venue"
)

// RemainderPolicy decides which surviving venue absorbs the residual left by
// skipped venues and integer division.
type RemainderPolicy uint8

const (
	// RemainderFirst credits the first surviving venue in candidate order.
	RemainderFirst RemainderPolicy = iota
	// RemainderLargest credits the venue with the largest computed amount,
	// the earliest one on ties.
	RemainderLargest
)

func (p RemainderPolicy) String() string {
	if p == RemainderLargest {
		return "largest"
	}
	return "first"
}

// ParseRemainderPolicy resolves a configuration string.
func ParseRemainderPolicy(raw string) (RemainderPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "first":
		return RemainderFirst, nil
	case "largest":
		return RemainderLargest, nil
	default:
		return RemainderFirst, fmt.Errorf("unknown remainder policy %q", raw)
	}
}

// Candidate is the per-venue input to the weighted plan.
type Candidate struct {
	VenueID    string
	OnchainAPY uint64
	RiskScore  uint64
	Prediction oracle.Prediction
}

// PlanConfig tunes the weighted plan.
type PlanConfig struct {
	MinAllocation    *big.Int
	OnchainWeightBps uint64
	Remainder        RemainderPolicy
}

// Target is a planned venue amount.
type Target struct {
	VenueID string
	Amount  *big.Int
	APY     uint64
	Weight  uint64
}

// Plan splits total across candidates proportionally to their risk-adjusted
// hybrid APY. Amounts below the minimum are dropped, not rounded up; the
// residual goes to one surviving target according to the remainder policy.
// Targets are returned in candidate order. An empty result means nothing could
// be placed.
func Plan(total *big.Int, candidates []Candidate, cfg PlanConfig) []Target {
	if total == nil || total.Sign() <= 0 || len(candidates) == 0 {
		return nil
	}
	minimum := cfg.MinAllocation
	if minimum == nil {
		minimum = big.NewInt(0)
	}
	weighted := make([]Target, 0, len(candidates))
	sum := new(big.Int)
	for _, c := range candidates {
		apy := oracle.Blend(c.OnchainAPY, c.Prediction, cfg.OnchainWeightBps)
		score := oracle.BlendRisk(c.RiskScore, c.Prediction, cfg.OnchainWeightBps)
		weight := risk.RiskAdjustedAPY(apy, score)
		if weight == 0 {
			continue
		}
		weighted = append(weighted, Target{VenueID: c.VenueID, APY: apy, Weight: weight})
		sum.Add(sum, new(big.Int).SetUint64(weight))
	}
	if sum.Sign() == 0 {
		return nil
	}
	placed := new(big.Int)
	out := make([]Target, 0, len(weighted))
	for _, t := range weighted {
		amount := new(big.Int).Mul(total, new(big.Int).SetUint64(t.Weight))
		amount.Quo(amount, sum)
		if amount.Sign() == 0 || amount.Cmp(minimum) < 0 {
			continue
		}
		t.Amount = amount
		placed.Add(placed, amount)
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil
	}
	residual := new(big.Int).Sub(total, placed)
	if residual.Sign() > 0 {
		idx := 0
		if cfg.Remainder == RemainderLargest {
			for i := range out {
				if out[i].Amount.Cmp(out[idx].Amount) > 0 {
					idx = i
				}
			}
		}
		out[idx].Amount.Add(out[idx].Amount, residual)
	}
	return out
}

// allocator gathers candidates for one venue class and plans over them. The
// primary allocator serves the standard class; the restricted sub-allocator
// runs the same algorithm with its own risk engine and minimum.
type allocator struct {
	class   venue.Class
	risk    *risk.Engine
	minimum *big.Int
}

// survey is the gathered view of a class.
type survey struct {
	candidates  []Candidate
	apys        map[string]uint64
	unavailable map[string]bool
	failures    []VenueFailure
	rejected    map[string]string
}

func (a allocator) survey(ctx context.Context, e *Engine) (*survey, error) {
	ids, err := e.registry.ListEligibleVenues(ctx, a.class)
	if err != nil {
		return nil, fmt.Errorf("list %s venues: %w", a.class, err)
	}
	s := &survey{
		apys:        make(map[string]uint64, len(ids)),
		unavailable: make(map[string]bool),
		rejected:    make(map[string]string),
	}
	for _, raw := range ids {
		id := venue.NormalizeID(raw)
		adapter, ok := e.adapters.Lookup(id)
		if !ok {
			s.rejected[id] = "no_adapter"
			continue
		}
		elig, err := a.risk.IsEligible(ctx, adapter)
		if err != nil {
			s.unavailable[id] = true
			s.failures = append(s.failures, failure(id, "eligibility", err))
			continue
		}
		if !elig.Eligible {
			s.rejected[id] = elig.Reason
			continue
		}
		apy, err := adapter.CurrentAPY(ctx)
		if err != nil {
			s.unavailable[id] = true
			s.failures = append(s.failures, failure(id, "apy", err))
			continue
		}
		score, err := e.registry.RiskScore(ctx, id)
		if err != nil {
			s.unavailable[id] = true
			s.failures = append(s.failures, failure(id, "risk_score", err))
			continue
		}
		s.apys[id] = apy
		s.candidates = append(s.candidates, Candidate{
			VenueID:    id,
			OnchainAPY: apy,
			RiskScore:  score,
			Prediction: e.predict(ctx, id),
		})
	}
	return s, nil
}

func (a allocator) plan(total *big.Int, s *survey, e *Engine) []Target {
	return Plan(total, s.candidates, PlanConfig{
		MinAllocation:    a.minimum,
		OnchainWeightBps: e.cfg.OnchainWeightBps,
		Remainder:        e.cfg.Remainder,
	})
}

func failure(id, call string, err error) VenueFailure {
	return VenueFailure{Venue: id, Call: call, Kind: venue.Classify(err), Err: err}
}
