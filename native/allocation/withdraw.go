package allocation

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"yieldvault/core/events"
	"yieldvault/native/fees"
)

// Withdraw redeems amount of user's principal. The shares backing it are
// burnt at the current index; any value above the principal is profit and
// carries the performance fee. Capital is taken from idle cash first, then
// from venues proportionally to their allocation, favouring the deepest
// liquidity. Leveraged venues are unwound before capital leaves them.
func (e *Engine) Withdraw(ctx context.Context, user string, amount *big.Int) (*Receipt, error) {
	user = normalizeUser(user)
	if user == "" {
		return nil, ErrInvalidUser
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	var receipt *Receipt
	_, err := e.run(ctx, opWithdraw, func(o *op) error {
		pos, ok := o.ledger.Positions[user]
		if !ok {
			return ErrUnknownPosition
		}
		if amount.Cmp(pos.Principal) > 0 {
			return fmt.Errorf("%w: requested %s of %s", ErrExceedsPrincipal, amount, pos.Principal)
		}
		o.accrue()

		burn := new(big.Int).Set(pos.Shares)
		if amount.Cmp(pos.Principal) < 0 {
			burn.Mul(burn, amount)
			burn.Quo(burn, pos.Principal)
		}
		value := amountFromShares(burn, o.ledger.Index())
		profit := new(big.Int).Sub(value, amount)
		if profit.Sign() < 0 {
			profit.SetInt64(0)
		}
		charge := e.cfg.Fees.Performance(profit)

		if err := o.collect(ctx, value); err != nil {
			return err
		}

		paid := new(big.Int).Sub(value, charge.Fee)
		pos.Principal.Sub(pos.Principal, amount)
		pos.Shares.Sub(pos.Shares, burn)
		o.ledger.TotalShares.Sub(o.ledger.TotalShares, burn)
		if pos.Principal.Sign() == 0 && pos.Shares.Sign() == 0 {
			delete(o.ledger.Positions, user)
		}
		o.ledger.Cash.Sub(o.ledger.Cash, paid)
		o.ledger.Withdrawn.Add(o.ledger.Withdrawn, paid)
		if err := o.payFee(ctx, fees.KindPerformance, charge.Fee); err != nil {
			return err
		}
		receipt = &Receipt{
			OperationID: o.id,
			User:        user,
			Amount:      new(big.Int).Set(amount),
			Fee:         charge.Fee,
			Shares:      burn,
			Principal:   new(big.Int).Set(pos.Principal),
			Profit:      profit,
			Paid:        paid,
			Deployed:    big.NewInt(0),
			Failures:    append([]VenueFailure(nil), o.failures...),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.notifyLoyalty(ctx, user, amount, false)
	e.emitter.Emit(events.AllocationWithdrawn{
		OperationID: receipt.OperationID,
		User:        user,
		Principal:   receipt.Amount,
		Profit:      receipt.Profit,
		Fee:         receipt.Fee,
		Paid:        receipt.Paid,
	})
	return receipt, nil
}

// source is a venue's standing in one withdrawal.
type source struct {
	id        string
	liquidity *big.Int
	share     *big.Int
	failed    bool
}

// collect ensures cash holds at least need, pulling the shortfall from venues.
// Liquidity is read once; venues are visited deepest first and asked for their
// proportional share plus whatever earlier venues could not supply. A second
// sweep over the venues that did not fail covers any remaining gap.
func (o *op) collect(ctx context.Context, need *big.Int) error {
	remaining := new(big.Int).Sub(need, o.ledger.Cash)
	if remaining.Sign() <= 0 {
		return nil
	}
	total := o.ledger.Allocated()
	if total.Sign() == 0 {
		return fmt.Errorf("%w: short %s with nothing allocated", ErrInsufficientLiquidity, remaining)
	}

	sources := make([]*source, 0, len(o.ledger.Allocations))
	for _, a := range o.ledger.SortedAllocations() {
		adapter, ok := o.e.adapters.Lookup(a.VenueID)
		if !ok {
			continue
		}
		liquidity, err := adapter.CurrentLiquidity(ctx)
		if err != nil {
			o.fail(failure(a.VenueID, "liquidity", err))
			continue
		}
		share := new(big.Int).Mul(remaining, a.Amount)
		share.Quo(share, total)
		sources = append(sources, &source{id: a.VenueID, liquidity: cloneInt(liquidity), share: share})
	}
	sort.SliceStable(sources, func(i, j int) bool {
		if c := sources[i].liquidity.Cmp(sources[j].liquidity); c != 0 {
			return c > 0
		}
		return sources[i].id < sources[j].id
	})

	collected := big.NewInt(0)
	carry := big.NewInt(0)
	for _, s := range sources {
		gap := new(big.Int).Sub(remaining, collected)
		if gap.Sign() <= 0 {
			break
		}
		want := new(big.Int).Add(s.share, carry)
		got, err := o.take(ctx, s, minInt(want, gap))
		if err != nil {
			return err
		}
		carry = want.Sub(want, got)
		if carry.Sign() < 0 {
			carry.SetInt64(0)
		}
		collected.Add(collected, got)
	}
	for _, s := range sources {
		gap := new(big.Int).Sub(remaining, collected)
		if gap.Sign() <= 0 {
			break
		}
		if s.failed {
			continue
		}
		got, err := o.take(ctx, s, gap)
		if err != nil {
			return err
		}
		collected.Add(collected, got)
	}
	if collected.Cmp(remaining) < 0 {
		return fmt.Errorf("%w: collected %s of %s", ErrInsufficientLiquidity, collected, remaining)
	}
	return nil
}

// take withdraws up to want from the venue, capped by its snapshotted
// liquidity and its allocation. It returns zero when the venue was skipped.
func (o *op) take(ctx context.Context, s *source, want *big.Int) (*big.Int, error) {
	a, ok := o.ledger.Allocations[s.id]
	if s.failed || !ok {
		return big.NewInt(0), nil
	}
	amount := minInt(minInt(want, s.liquidity), a.Amount)
	if amount.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	if !o.unwind(ctx, s.id) {
		s.failed = true
		return big.NewInt(0), nil
	}
	got, err := o.withdrawFrom(ctx, s.id, amount)
	if err != nil {
		return nil, err
	}
	if got == nil {
		s.failed = true
		return big.NewInt(0), nil
	}
	s.liquidity.Sub(s.liquidity, got)
	return got, nil
}
