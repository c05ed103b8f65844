package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// Vault is an ERC-4626 tokenised vault holding real-world assets. The yield is
// derived from the share price drift between observations; until two
// observations exist the configured floor is reported.
type Vault struct {
	vault  *contract
	token  *contract
	signer *Signer
	floor  uint64
	now    func() time.Time

	mu        sync.Mutex
	unit      *big.Int
	lastPrice *big.Int
	lastAt    time.Time
	lastBps   uint64
}

// NewVault binds the vault and its underlying asset.
func NewVault(backend Backend, signer *Signer, vault, asset string, floorBps uint64) (*Vault, error) {
	if signer == nil || signer.Key == nil {
		return nil, fmt.Errorf("chain: vault requires a signer")
	}
	v, err := newContract(vault, vaultABI, backend)
	if err != nil {
		return nil, err
	}
	tok, err := newContract(asset, erc20ABI, backend)
	if err != nil {
		return nil, err
	}
	return &Vault{vault: v, token: tok, signer: signer, floor: floorBps, now: time.Now, lastBps: floorBps}, nil
}

// Subscribe approves and deposits assets for the signer.
func (v *Vault) Subscribe(ctx context.Context, amount *big.Int) error {
	if _, err := v.token.transact(ctx, v.signer, "approve", v.vault.address, amount); err != nil {
		return err
	}
	_, err := v.vault.transact(ctx, v.signer, "deposit", amount, v.signer.From())
	return err
}

// Redeem withdraws assets to the signer.
func (v *Vault) Redeem(ctx context.Context, amount *big.Int) (*big.Int, error) {
	owner := v.signer.From()
	if _, err := v.vault.transact(ctx, v.signer, "withdraw", amount, owner, owner); err != nil {
		return nil, err
	}
	return new(big.Int).Set(amount), nil
}

func (v *Vault) readUint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	out, err := v.vault.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	value, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected output %T", method, out[0])
	}
	return value, nil
}

// RedeemableLiquidity is the signer's maxWithdraw.
func (v *Vault) RedeemableLiquidity(ctx context.Context) (*big.Int, error) {
	return v.readUint(ctx, "maxWithdraw", v.signer.From())
}

// Open reports whether the vault currently accepts deposits.
func (v *Vault) Open(ctx context.Context) (bool, error) {
	limit, err := v.readUint(ctx, "maxDeposit", v.signer.From())
	if err != nil {
		return false, err
	}
	return limit.Sign() > 0, nil
}

// NAVYieldBps annualises the share price change since the previous call.
func (v *Vault) NAVYieldBps(ctx context.Context) (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.unit == nil {
		out, err := v.vault.call(ctx, "decimals")
		if err != nil {
			return 0, err
		}
		decimals, ok := out[0].(uint8)
		if !ok {
			return 0, fmt.Errorf("decimals: unexpected output %T", out[0])
		}
		v.unit = new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	}
	price, err := v.readUint(ctx, "convertToAssets", v.unit)
	if err != nil {
		return 0, err
	}
	now := v.now()
	if v.lastPrice != nil {
		elapsed := now.Sub(v.lastAt)
		if elapsed < time.Minute {
			return v.lastBps, nil
		}
		if bps := GrowthBps(v.lastPrice, price, uint64(elapsed/time.Second)); bps > v.floor {
			v.lastBps = bps
		} else {
			v.lastBps = v.floor
		}
	}
	v.lastPrice = new(big.Int).Set(price)
	v.lastAt = now
	return v.lastBps, nil
}
