package venue

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Kind tags the external venue family an adapter speaks to. The leverage
// controller dispatches on the kind rather than on venue identity.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindLendingPool
	KindLiquidityPool
	KindRWAVault
)

// String renders the kind using its configuration spelling.
func (k Kind) String() string {
	switch k {
	case KindLendingPool:
		return "lending-pool"
	case KindLiquidityPool:
		return "liquidity-pool"
	case KindRWAVault:
		return "rwa-vault"
	default:
		return "unknown"
	}
}

// Leverageable reports whether venues of this family expose borrow semantics.
func (k Kind) Leverageable() bool {
	return k == KindLendingPool || k == KindLiquidityPool
}

// ParseKind resolves a configuration string into a venue kind.
func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "lending-pool", "lending", "lendingpool":
		return KindLendingPool, nil
	case "liquidity-pool", "liquidity", "lp":
		return KindLiquidityPool, nil
	case "rwa-vault", "rwa", "vault":
		return KindRWAVault, nil
	default:
		return KindUnknown, fmt.Errorf("unknown venue kind %q", raw)
	}
}

// Class partitions venues into the sets served by the primary allocator and
// the restricted sub-allocator.
type Class string

const (
	ClassStandard   Class = "standard"
	ClassRestricted Class = "restricted"
)

// Normalize canonicalises the class, defaulting empty values to standard.
func (c Class) Normalize() Class {
	trimmed := Class(strings.ToLower(strings.TrimSpace(string(c))))
	if trimmed == "" {
		return ClassStandard
	}
	return trimmed
}

// Adapter is the uniform capability surface every venue family implements.
// Adapters hold no allocation state; they forward calls to the external venue
// and report its observable state.
type Adapter interface {
	ID() string
	Kind() Kind
	Deposit(ctx context.Context, amount *big.Int) error
	Withdraw(ctx context.Context, amount *big.Int) (*big.Int, error)
	CurrentLiquidity(ctx context.Context) (*big.Int, error)
	CurrentAPY(ctx context.Context) (uint64, error)
	IsHealthy(ctx context.Context) (bool, error)
}

// Borrower is implemented by leverage-capable venue families. Borrowed capital
// is looped back into the venue by the family itself, so Borrow and Repay
// carry the family-specific semantics.
type Borrower interface {
	Adapter
	Borrow(ctx context.Context, amount *big.Int) error
	Repay(ctx context.Context, amount *big.Int) (*big.Int, error)
	LoanToValue(ctx context.Context, collateral *big.Int) (uint64, error)
}

// AsBorrower returns the borrow surface for leverage-capable kinds.
func AsBorrower(a Adapter) (Borrower, bool) {
	if a == nil || !a.Kind().Leverageable() {
		return nil, false
	}
	b, ok := a.(Borrower)
	return b, ok
}

// Registry is the read-only venue registry consumed by the engine.
type Registry interface {
	ListEligibleVenues(ctx context.Context, class Class) ([]string, error)
	IsRegistered(ctx context.Context, venueID string) (bool, error)
	IsCompliant(ctx context.Context, venueID string) (bool, error)
	RiskScore(ctx context.Context, venueID string) (uint64, error)
}

// Set indexes adapters by venue identifier.
type Set map[string]Adapter

// NewSet builds an adapter set, rejecting duplicate identifiers.
func NewSet(adapters ...Adapter) (Set, error) {
	set := make(Set, len(adapters))
	for _, a := range adapters {
		if a == nil {
			continue
		}
		id := NormalizeID(a.ID())
		if id == "" {
			return nil, fmt.Errorf("venue: adapter with empty id")
		}
		if _, exists := set[id]; exists {
			return nil, fmt.Errorf("venue: duplicate adapter %q", id)
		}
		set[id] = a
	}
	return set, nil
}

// Lookup resolves an adapter by identifier.
func (s Set) Lookup(id string) (Adapter, bool) {
	if s == nil {
		return nil, false
	}
	a, ok := s[NormalizeID(id)]
	return a, ok
}

// NormalizeID canonicalises venue identifiers. Compatibility forms fold to
// their NFKC equivalents, so full-width and ligature spellings collide.
func NormalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKC.String(id)))
}

func positive(amount *big.Int) bool {
	return amount != nil && amount.Sign() > 0
}
