package risk

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"yieldvault/native/venue"
)

func newLending(t *testing.T, id string, liquidity int64) (*venue.LendingPool, *venue.Memory) {
	t.Helper()
	backend := venue.NewMemory(id, big.NewInt(liquidity), 500, nil)
	return venue.NewLendingPool(id, backend), backend
}

func TestRiskAdjustedAPY(t *testing.T) {
	cases := []struct {
		raw, risk, want uint64
	}{
		{1_000, 0, 1_000},
		{1_000, 2_500, 750},
		{1_000, 10_000, 0},
		{1_000, 12_000, 0},
		{0, 100, 0},
		{^uint64(0), 5_000, ^uint64(0) / 2},
	}
	for _, tc := range cases {
		if got := RiskAdjustedAPY(tc.raw, tc.risk); got != tc.want {
			t.Fatalf("RiskAdjustedAPY(%d, %d) = %d, want %d", tc.raw, tc.risk, got, tc.want)
		}
	}
}

func TestIsEligible(t *testing.T) {
	registry := venue.NewMemoryRegistry(
		venue.Entry{ID: "aave", Kind: venue.KindLendingPool, Compliant: true},
		venue.Entry{ID: "dodgy", Kind: venue.KindLendingPool},
	)
	engine, err := NewEngine(registry, Config{MinLiquidity: big.NewInt(1_000)})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	ctx := context.Background()

	deep, _ := newLending(t, "aave", 5_000)
	res, err := engine.IsEligible(ctx, deep)
	if err != nil || !res.Eligible {
		t.Fatalf("expected eligible venue, got %+v err=%v", res, err)
	}

	shallow, _ := newLending(t, "aave", 999)
	res, _ = engine.IsEligible(ctx, shallow)
	if res.Eligible || res.Reason != ReasonLiquidityFloor {
		t.Fatalf("expected liquidity floor rejection, got %+v", res)
	}

	dodgy, _ := newLending(t, "dodgy", 5_000)
	res, _ = engine.IsEligible(ctx, dodgy)
	if res.Eligible || res.Reason != ReasonNotCompliant {
		t.Fatalf("expected compliance rejection, got %+v", res)
	}

	unknown, _ := newLending(t, "ghost", 5_000)
	res, _ = engine.IsEligible(ctx, unknown)
	if res.Eligible || res.Reason != ReasonNotRegistered {
		t.Fatalf("expected registration rejection, got %+v", res)
	}

	broken, backend := newLending(t, "aave", 5_000)
	backend.Fail("liquidity", venue.ErrUnreachable)
	if _, err := engine.IsEligible(ctx, broken); !errors.Is(err, venue.ErrUnreachable) {
		t.Fatalf("expected unreachable error, got %v", err)
	}
}

func TestAssessLeverageViability(t *testing.T) {
	registry := venue.NewMemoryRegistry(venue.Entry{ID: "aave", Kind: venue.KindLendingPool, Compliant: true})
	engine, err := NewEngine(registry, Config{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if engine.Config().MaxLTVBps != DefaultMaxLTVBps {
		t.Fatalf("expected default ltv ceiling")
	}
	ctx := context.Background()
	pool, backend := newLending(t, "aave", 10_000)

	res, err := engine.AssessLeverageViability(ctx, pool, big.NewInt(1_000), big.NewInt(800), nil)
	if err != nil || !res.Viable || res.ProjectedLTV != 8_000 {
		t.Fatalf("expected viable at the ceiling, got %+v err=%v", res, err)
	}

	res, _ = engine.AssessLeverageViability(ctx, pool, big.NewInt(1_000), big.NewInt(500), big.NewInt(301))
	if res.Viable || res.Reason != ReasonLTVCeiling {
		t.Fatalf("expected ltv ceiling rejection, got %+v", res)
	}

	res, _ = engine.AssessLeverageViability(ctx, pool, big.NewInt(0), big.NewInt(1), nil)
	if res.Viable || res.Reason != ReasonNoCollateral {
		t.Fatalf("expected collateral rejection, got %+v", res)
	}

	backend.SetHealthy(false)
	res, _ = engine.AssessLeverageViability(ctx, pool, big.NewInt(1_000), big.NewInt(100), nil)
	if res.Viable || res.Reason != ReasonUnhealthy {
		t.Fatalf("expected unhealthy rejection, got %+v", res)
	}
	backend.SetHealthy(true)

	res, _ = engine.AssessLeverageViability(ctx, pool, big.NewInt(100_000), big.NewInt(20_000), nil)
	if res.Viable || res.Reason != ReasonShallowLiquidity {
		t.Fatalf("expected liquidity rejection, got %+v", res)
	}
}

func TestLiquidationProbeVenueLTV(t *testing.T) {
	registry := venue.NewMemoryRegistry(venue.Entry{ID: "aave", Kind: venue.KindLendingPool, Compliant: true})
	engine, _ := NewEngine(registry, Config{MaxLTVBps: 5_000})
	ctx := context.Background()
	pool, _ := newLending(t, "aave", 10_000)
	if err := pool.Borrow(ctx, big.NewInt(600)); err != nil {
		t.Fatalf("seed borrow: %v", err)
	}
	res, err := engine.LiquidationProbe(ctx, pool, big.NewInt(1_000), big.NewInt(1))
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if res.Viable || res.Reason != ReasonVenueLTV {
		t.Fatalf("expected venue ltv rejection, got %+v", res)
	}
}

func TestNewEngineRequiresRegistry(t *testing.T) {
	if _, err := NewEngine(nil, Config{}); err == nil {
		t.Fatalf("expected error without registry")
	}
}
