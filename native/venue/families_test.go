package venue

import (
	"context"
	"errors"
	"math/big"
	"net"
	"testing"
)

func TestLendingPoolBorrowLoopsSupply(t *testing.T) {
	ctx := context.Background()
	backend := NewMemory("aave", big.NewInt(1_000), 400, nil)
	pool := NewLendingPool("AAVE", backend)
	if pool.ID() != "aave" {
		t.Fatalf("expected normalised id, got %q", pool.ID())
	}
	if err := pool.Deposit(ctx, big.NewInt(500)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := pool.Borrow(ctx, big.NewInt(200)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if got := backend.Supplied(); got.Cmp(big.NewInt(700)) != 0 {
		t.Fatalf("expected looped supply 700, got %s", got)
	}
	ltv, err := pool.LoanToValue(ctx, big.NewInt(500))
	if err != nil {
		t.Fatalf("ltv: %v", err)
	}
	if ltv != 4_000 {
		t.Fatalf("expected ltv 4000 bps, got %d", ltv)
	}
	repaid, err := pool.Repay(ctx, big.NewInt(200))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if repaid.Cmp(big.NewInt(200)) != 0 || backend.Outstanding().Sign() != 0 {
		t.Fatalf("unexpected repay outcome: repaid=%s debt=%s", repaid, backend.Outstanding())
	}
}

func TestLendingPoolBorrowRepaysWhenLoopFails(t *testing.T) {
	ctx := context.Background()
	backend := NewMemory("aave", big.NewInt(1_000), 400, nil)
	pool := NewLendingPool("aave", backend)
	backend.Fail("deposit", errors.New("supply cap reached"))

	err := pool.Borrow(ctx, big.NewInt(100))
	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("expected CallError, got %v", err)
	}
	if callErr.Op != "borrow" || callErr.Kind != FailureReverted {
		t.Fatalf("unexpected classification: %+v", callErr)
	}
	if backend.Outstanding().Sign() != 0 {
		t.Fatalf("expected fresh debt to be repaid, got %s", backend.Outstanding())
	}
}

func TestRWAVaultIsNotBorrower(t *testing.T) {
	vault := NewRWAVault("treasury", NewMemory("treasury", big.NewInt(10), 500, nil))
	if _, ok := AsBorrower(vault); ok {
		t.Fatalf("rwa vault must not expose borrow semantics")
	}
	pool := NewLiquidityPool("curve", NewMemory("curve", big.NewInt(10), 300, nil))
	if _, ok := AsBorrower(pool); !ok {
		t.Fatalf("liquidity pool should be leverageable")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want FailureKind
	}{
		{context.DeadlineExceeded, FailureTimeout},
		{ErrUnreachable, FailureUnreachable},
		{&net.OpError{Op: "dial", Err: errors.New("refused")}, FailureUnreachable},
		{errors.New("execution reverted"), FailureReverted},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
	wrapped := Wrap("v", "deposit", context.DeadlineExceeded)
	if !errors.Is(wrapped, context.DeadlineExceeded) {
		t.Fatalf("wrapped error should unwrap to cause")
	}
	if Wrap("v", "deposit", nil) != nil {
		t.Fatalf("nil error must pass through")
	}
}

func TestParseKind(t *testing.T) {
	for raw, want := range map[string]Kind{
		"lending-pool": KindLendingPool,
		"LP":           KindLiquidityPool,
		" rwa ":        KindRWAVault,
	} {
		got, err := ParseKind(raw)
		if err != nil || got != want {
			t.Fatalf("ParseKind(%q) = %v, %v", raw, got, err)
		}
	}
	if _, err := ParseKind("perp"); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestMemoryRegistryListsByClass(t *testing.T) {
	reg := NewMemoryRegistry(
		Entry{ID: "b", Class: ClassStandard, Compliant: true},
		Entry{ID: "a", Class: ClassStandard, Compliant: true},
		Entry{ID: "t", Class: ClassRestricted, Compliant: true},
	)
	ids, err := reg.ListEligibleVenues(context.Background(), "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("unexpected standard venues: %v", ids)
	}
	restricted, _ := reg.ListEligibleVenues(context.Background(), ClassRestricted)
	if len(restricted) != 1 || restricted[0] != "t" {
		t.Fatalf("unexpected restricted venues: %v", restricted)
	}
}

func TestNormalizeIDFoldsCompatibilityForms(t *testing.T) {
	cases := map[string]string{
		" Aave ":    "aave",
		"ＡＡＶＥ":      "aave",
		"ﬁnance-v2": "finance-v2",
		"tbill²":    "tbill2",
	}
	for raw, want := range cases {
		if got := NormalizeID(raw); got != want {
			t.Fatalf("NormalizeID(%q) = %q, want %q", raw, got, want)
		}
	}
	registry := NewMemoryRegistry(Entry{ID: "ＣＵＲＶＥ", Kind: KindLiquidityPool, Compliant: true, Registered: true})
	if _, ok := registry.Entry("curve"); !ok {
		t.Fatalf("full-width registration should resolve to curve")
	}
}
