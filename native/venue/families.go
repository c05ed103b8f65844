package venue

import (
	"context"
	"fmt"
	"math/big"
)

// LendingPoolClient is the backend surface of a money-market style venue.
type LendingPoolClient interface {
	Supply(ctx context.Context, amount *big.Int) error
	Withdraw(ctx context.Context, amount *big.Int) (*big.Int, error)
	AvailableLiquidity(ctx context.Context) (*big.Int, error)
	SupplyRateBps(ctx context.Context) (uint64, error)
	Paused(ctx context.Context) (bool, error)
	Borrow(ctx context.Context, amount *big.Int) error
	Repay(ctx context.Context, amount *big.Int) (*big.Int, error)
	Debt(ctx context.Context) (*big.Int, error)
}

// LiquidityPoolClient is the backend surface of an AMM liquidity venue with a
// margin facility secured by the pool position.
type LiquidityPoolClient interface {
	AddLiquidity(ctx context.Context, amount *big.Int) error
	RemoveLiquidity(ctx context.Context, amount *big.Int) (*big.Int, error)
	Reserves(ctx context.Context) (*big.Int, error)
	FeeAPYBps(ctx context.Context) (uint64, error)
	Imbalanced(ctx context.Context) (bool, error)
	MarginBorrow(ctx context.Context, amount *big.Int) error
	MarginRepay(ctx context.Context, amount *big.Int) (*big.Int, error)
	MarginDebt(ctx context.Context) (*big.Int, error)
}

// VaultClient is the backend surface of a real-world-asset vault.
type VaultClient interface {
	Subscribe(ctx context.Context, amount *big.Int) error
	Redeem(ctx context.Context, amount *big.Int) (*big.Int, error)
	RedeemableLiquidity(ctx context.Context) (*big.Int, error)
	NAVYieldBps(ctx context.Context) (uint64, error)
	Open(ctx context.Context) (bool, error)
}

// LendingPool adapts a lending-pool backend. Borrowing loops the borrowed
// amount back into the pool as additional supply.
type LendingPool struct {
	id     string
	client LendingPoolClient
}

// NewLendingPool wraps a lending-pool backend.
func NewLendingPool(id string, client LendingPoolClient) *LendingPool {
	return &LendingPool{id: NormalizeID(id), client: client}
}

func (p *LendingPool) ID() string { return p.id }
func (p *LendingPool) Kind() Kind { return KindLendingPool }

func (p *LendingPool) Deposit(ctx context.Context, amount *big.Int) error {
	if !positive(amount) {
		return ErrInvalidAmount
	}
	return Wrap(p.id, "deposit", p.client.Supply(ctx, amount))
}

func (p *LendingPool) Withdraw(ctx context.Context, amount *big.Int) (*big.Int, error) {
	if !positive(amount) {
		return nil, ErrInvalidAmount
	}
	out, err := p.client.Withdraw(ctx, amount)
	if err != nil {
		return nil, Wrap(p.id, "withdraw", err)
	}
	return orZero(out), nil
}

func (p *LendingPool) CurrentLiquidity(ctx context.Context) (*big.Int, error) {
	liq, err := p.client.AvailableLiquidity(ctx)
	if err != nil {
		return nil, Wrap(p.id, "liquidity", err)
	}
	return orZero(liq), nil
}

func (p *LendingPool) CurrentAPY(ctx context.Context) (uint64, error) {
	apy, err := p.client.SupplyRateBps(ctx)
	return apy, Wrap(p.id, "apy", err)
}

func (p *LendingPool) IsHealthy(ctx context.Context) (bool, error) {
	paused, err := p.client.Paused(ctx)
	if err != nil {
		return false, Wrap(p.id, "health", err)
	}
	return !paused, nil
}

// Borrow draws variable-rate debt and re-supplies it. A failed re-supply
// repays the fresh debt before the error is returned.
func (p *LendingPool) Borrow(ctx context.Context, amount *big.Int) error {
	if !positive(amount) {
		return ErrInvalidAmount
	}
	if err := p.client.Borrow(ctx, amount); err != nil {
		return Wrap(p.id, "borrow", err)
	}
	if err := p.client.Supply(ctx, amount); err != nil {
		if _, repayErr := p.client.Repay(ctx, amount); repayErr != nil {
			return Wrap(p.id, "borrow", fmt.Errorf("loop supply: %v; repay: %w", err, repayErr))
		}
		return Wrap(p.id, "borrow", fmt.Errorf("loop supply: %w", err))
	}
	return nil
}

// Repay withdraws the looped supply and settles debt with it.
func (p *LendingPool) Repay(ctx context.Context, amount *big.Int) (*big.Int, error) {
	if !positive(amount) {
		return nil, ErrInvalidAmount
	}
	freed, err := p.client.Withdraw(ctx, amount)
	if err != nil {
		return nil, Wrap(p.id, "repay", err)
	}
	repaid, err := p.client.Repay(ctx, orZero(freed))
	if err != nil {
		return nil, Wrap(p.id, "repay", err)
	}
	return orZero(repaid), nil
}

func (p *LendingPool) LoanToValue(ctx context.Context, collateral *big.Int) (uint64, error) {
	debt, err := p.client.Debt(ctx)
	if err != nil {
		return 0, Wrap(p.id, "ltv", err)
	}
	return ratioBps(debt, collateral), nil
}

// LiquidityPool adapts an AMM liquidity venue. Leverage is a margin loan
// against the pool position whose proceeds are added as liquidity.
type LiquidityPool struct {
	id     string
	client LiquidityPoolClient
}

// NewLiquidityPool wraps a liquidity-pool backend.
func NewLiquidityPool(id string, client LiquidityPoolClient) *LiquidityPool {
	return &LiquidityPool{id: NormalizeID(id), client: client}
}

func (p *LiquidityPool) ID() string { return p.id }
func (p *LiquidityPool) Kind() Kind { return KindLiquidityPool }

func (p *LiquidityPool) Deposit(ctx context.Context, amount *big.Int) error {
	if !positive(amount) {
		return ErrInvalidAmount
	}
	return Wrap(p.id, "deposit", p.client.AddLiquidity(ctx, amount))
}

func (p *LiquidityPool) Withdraw(ctx context.Context, amount *big.Int) (*big.Int, error) {
	if !positive(amount) {
		return nil, ErrInvalidAmount
	}
	out, err := p.client.RemoveLiquidity(ctx, amount)
	if err != nil {
		return nil, Wrap(p.id, "withdraw", err)
	}
	return orZero(out), nil
}

func (p *LiquidityPool) CurrentLiquidity(ctx context.Context) (*big.Int, error) {
	reserves, err := p.client.Reserves(ctx)
	if err != nil {
		return nil, Wrap(p.id, "liquidity", err)
	}
	return orZero(reserves), nil
}

func (p *LiquidityPool) CurrentAPY(ctx context.Context) (uint64, error) {
	apy, err := p.client.FeeAPYBps(ctx)
	return apy, Wrap(p.id, "apy", err)
}

func (p *LiquidityPool) IsHealthy(ctx context.Context) (bool, error) {
	imbalanced, err := p.client.Imbalanced(ctx)
	if err != nil {
		return false, Wrap(p.id, "health", err)
	}
	return !imbalanced, nil
}

func (p *LiquidityPool) Borrow(ctx context.Context, amount *big.Int) error {
	if !positive(amount) {
		return ErrInvalidAmount
	}
	if err := p.client.MarginBorrow(ctx, amount); err != nil {
		return Wrap(p.id, "borrow", err)
	}
	if err := p.client.AddLiquidity(ctx, amount); err != nil {
		if _, repayErr := p.client.MarginRepay(ctx, amount); repayErr != nil {
			return Wrap(p.id, "borrow", fmt.Errorf("add liquidity: %v; margin repay: %w", err, repayErr))
		}
		return Wrap(p.id, "borrow", fmt.Errorf("add liquidity: %w", err))
	}
	return nil
}

func (p *LiquidityPool) Repay(ctx context.Context, amount *big.Int) (*big.Int, error) {
	if !positive(amount) {
		return nil, ErrInvalidAmount
	}
	freed, err := p.client.RemoveLiquidity(ctx, amount)
	if err != nil {
		return nil, Wrap(p.id, "repay", err)
	}
	repaid, err := p.client.MarginRepay(ctx, orZero(freed))
	if err != nil {
		return nil, Wrap(p.id, "repay", err)
	}
	return orZero(repaid), nil
}

func (p *LiquidityPool) LoanToValue(ctx context.Context, collateral *big.Int) (uint64, error) {
	debt, err := p.client.MarginDebt(ctx)
	if err != nil {
		return 0, Wrap(p.id, "ltv", err)
	}
	return ratioBps(debt, collateral), nil
}

// RWAVault adapts a real-world-asset vault. Vaults never borrow.
type RWAVault struct {
	id     string
	client VaultClient
}

// NewRWAVault wraps a vault backend.
func NewRWAVault(id string, client VaultClient) *RWAVault {
	return &RWAVault{id: NormalizeID(id), client: client}
}

func (v *RWAVault) ID() string { return v.id }
func (v *RWAVault) Kind() Kind { return KindRWAVault }

func (v *RWAVault) Deposit(ctx context.Context, amount *big.Int) error {
	if !positive(amount) {
		return ErrInvalidAmount
	}
	return Wrap(v.id, "deposit", v.client.Subscribe(ctx, amount))
}

func (v *RWAVault) Withdraw(ctx context.Context, amount *big.Int) (*big.Int, error) {
	if !positive(amount) {
		return nil, ErrInvalidAmount
	}
	out, err := v.client.Redeem(ctx, amount)
	if err != nil {
		return nil, Wrap(v.id, "withdraw", err)
	}
	return orZero(out), nil
}

func (v *RWAVault) CurrentLiquidity(ctx context.Context) (*big.Int, error) {
	liq, err := v.client.RedeemableLiquidity(ctx)
	if err != nil {
		return nil, Wrap(v.id, "liquidity", err)
	}
	return orZero(liq), nil
}

func (v *RWAVault) CurrentAPY(ctx context.Context) (uint64, error) {
	apy, err := v.client.NAVYieldBps(ctx)
	return apy, Wrap(v.id, "apy", err)
}

func (v *RWAVault) IsHealthy(ctx context.Context) (bool, error) {
	open, err := v.client.Open(ctx)
	return open, Wrap(v.id, "health", err)
}

func ratioBps(debt, collateral *big.Int) uint64 {
	if debt == nil || debt.Sign() <= 0 {
		return 0
	}
	if collateral == nil || collateral.Sign() <= 0 {
		return ^uint64(0)
	}
	ratio := new(big.Int).Mul(debt, big.NewInt(10_000))
	ratio.Quo(ratio, collateral)
	if !ratio.IsUint64() {
		return ^uint64(0)
	}
	return ratio.Uint64()
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
