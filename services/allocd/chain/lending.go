package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// variableRate is the interest rate mode for variable debt.
var variableRate = big.NewInt(2)

// LendingPool is an Aave-v3 style money market. Writes go to the pool, reads
// to its data provider.
type LendingPool struct {
	pool     *contract
	provider *contract
	token    *contract
	asset    common.Address
	signer   *Signer
}

// NewLendingPool binds the pool, data provider and asset contracts.
func NewLendingPool(backend Backend, signer *Signer, pool, dataProvider, asset string) (*LendingPool, error) {
	if signer == nil || signer.Key == nil {
		return nil, fmt.Errorf("chain: lending pool requires a signer")
	}
	p, err := newContract(pool, lendingPoolABI, backend)
	if err != nil {
		return nil, err
	}
	dp, err := newContract(dataProvider, dataProviderABI, backend)
	if err != nil {
		return nil, err
	}
	tok, err := newContract(asset, erc20ABI, backend)
	if err != nil {
		return nil, err
	}
	return &LendingPool{pool: p, provider: dp, token: tok, asset: tok.address, signer: signer}, nil
}

func (l *LendingPool) approve(ctx context.Context, amount *big.Int) error {
	_, err := l.token.transact(ctx, l.signer, "approve", l.pool.address, amount)
	return err
}

// Supply approves and supplies the asset on behalf of the signer.
func (l *LendingPool) Supply(ctx context.Context, amount *big.Int) error {
	if err := l.approve(ctx, amount); err != nil {
		return err
	}
	_, err := l.pool.transact(ctx, l.signer, "supply", l.asset, amount, l.signer.From(), uint16(0))
	return err
}

// Withdraw redeems the supplied asset back to the signer.
func (l *LendingPool) Withdraw(ctx context.Context, amount *big.Int) (*big.Int, error) {
	if _, err := l.pool.transact(ctx, l.signer, "withdraw", l.asset, amount, l.signer.From()); err != nil {
		return nil, err
	}
	return new(big.Int).Set(amount), nil
}

func (l *LendingPool) reserve(ctx context.Context) ([]interface{}, error) {
	out, err := l.provider.call(ctx, "getReserveData", l.asset)
	if err != nil {
		return nil, err
	}
	if len(out) != 12 {
		return nil, fmt.Errorf("getReserveData: unexpected output arity %d", len(out))
	}
	return out, nil
}

// AvailableLiquidity is the unborrowed part of the reserve.
func (l *LendingPool) AvailableLiquidity(ctx context.Context) (*big.Int, error) {
	out, err := l.reserve(ctx)
	if err != nil {
		return nil, err
	}
	supplied, _ := out[2].(*big.Int)
	stable, _ := out[3].(*big.Int)
	variable, _ := out[4].(*big.Int)
	if supplied == nil {
		return nil, fmt.Errorf("getReserveData: missing totalAToken")
	}
	free := new(big.Int).Set(supplied)
	if stable != nil {
		free.Sub(free, stable)
	}
	if variable != nil {
		free.Sub(free, variable)
	}
	if free.Sign() < 0 {
		free.SetInt64(0)
	}
	return free, nil
}

// SupplyRateBps converts the ray liquidity rate into basis points.
func (l *LendingPool) SupplyRateBps(ctx context.Context) (uint64, error) {
	out, err := l.reserve(ctx)
	if err != nil {
		return 0, err
	}
	rate, _ := out[5].(*big.Int)
	return RayToBps(rate), nil
}

// Paused reports whether the reserve is paused.
func (l *LendingPool) Paused(ctx context.Context) (bool, error) {
	out, err := l.provider.call(ctx, "getPaused", l.asset)
	if err != nil {
		return false, err
	}
	paused, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("getPaused: unexpected output %T", out[0])
	}
	return paused, nil
}

// Borrow draws variable-rate debt to the signer.
func (l *LendingPool) Borrow(ctx context.Context, amount *big.Int) error {
	_, err := l.pool.transact(ctx, l.signer, "borrow", l.asset, amount, variableRate, uint16(0), l.signer.From())
	return err
}

// Repay returns at most the outstanding variable debt.
func (l *LendingPool) Repay(ctx context.Context, amount *big.Int) (*big.Int, error) {
	debt, err := l.Debt(ctx)
	if err != nil {
		return nil, err
	}
	repay := new(big.Int).Set(amount)
	if repay.Cmp(debt) > 0 {
		repay.Set(debt)
	}
	if repay.Sign() == 0 {
		return repay, nil
	}
	if err := l.approve(ctx, repay); err != nil {
		return nil, err
	}
	if _, err := l.pool.transact(ctx, l.signer, "repay", l.asset, repay, variableRate, l.signer.From()); err != nil {
		return nil, err
	}
	return repay, nil
}

// Debt is the signer's current variable debt.
func (l *LendingPool) Debt(ctx context.Context) (*big.Int, error) {
	out, err := l.provider.call(ctx, "getUserReserveData", l.asset, l.signer.From())
	if err != nil {
		return nil, err
	}
	if len(out) != 9 {
		return nil, fmt.Errorf("getUserReserveData: unexpected output arity %d", len(out))
	}
	debt, _ := out[2].(*big.Int)
	if debt == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(debt), nil
}
