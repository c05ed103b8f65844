package allocation

import (
	"context"
	"math/big"
	"sort"

	"yieldvault/core/events"
	"yieldvault/native/fees"
)

// Deposit credits user with amount, charges the management fee and deploys the
// net capital: the restricted slice through the restricted sub-allocator and
// the rest through the weighted plan. Venues that fail are skipped and their
// share stays in idle cash. Configured venues touched by the deposit are then
// offered to the leverage controller.
func (e *Engine) Deposit(ctx context.Context, user string, amount *big.Int) (*Receipt, error) {
	user = normalizeUser(user)
	if user == "" {
		return nil, ErrInvalidUser
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	var receipt *Receipt
	_, err := e.run(ctx, opDeposit, func(o *op) error {
		o.accrue()
		charge := e.cfg.Fees.Management(amount)
		shares := sharesFromAmount(charge.Net, o.ledger.Index())
		if shares.Sign() == 0 {
			return ErrInvalidAmount
		}
		pos, ok := o.ledger.Positions[user]
		if !ok {
			pos = &Position{Principal: big.NewInt(0), Shares: big.NewInt(0)}
			o.ledger.Positions[user] = pos
		}
		pos.Principal.Add(pos.Principal, charge.Net)
		pos.Shares.Add(pos.Shares, shares)
		o.ledger.TotalShares.Add(o.ledger.TotalShares, shares)
		o.ledger.Deposited.Add(o.ledger.Deposited, amount)
		o.ledger.Cash.Add(o.ledger.Cash, amount)

		deployed, touched := o.deploy(ctx, charge.Net)
		var leveraged []string
		for _, id := range touched {
			if o.lever(ctx, id) {
				leveraged = append(leveraged, id)
			}
		}
		if err := o.payFee(ctx, fees.KindManagement, charge.Fee); err != nil {
			return err
		}
		receipt = &Receipt{
			OperationID: o.id,
			User:        user,
			Amount:      new(big.Int).Set(amount),
			Fee:         charge.Fee,
			Shares:      shares,
			Principal:   new(big.Int).Set(pos.Principal),
			Profit:      big.NewInt(0),
			Paid:        big.NewInt(0),
			Deployed:    deployed,
			Leveraged:   leveraged,
			Failures:    append([]VenueFailure(nil), o.failures...),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.notifyLoyalty(ctx, user, amount, true)
	e.emitter.Emit(events.AllocationDeposited{
		OperationID: receipt.OperationID,
		User:        user,
		Amount:      receipt.Amount,
		Fee:         receipt.Fee,
		Shares:      receipt.Shares,
		Deployed:    receipt.Deployed,
	})
	return receipt, nil
}

// deploy places net across both classes and returns the amount placed and the
// venues that received capital, ordered by venue.
func (o *op) deploy(ctx context.Context, net *big.Int) (*big.Int, []string) {
	deployed := big.NewInt(0)
	touched := make(map[string]bool)
	standard, restricted := o.surveys(ctx)

	restrictedSlice := big.NewInt(0)
	if restricted != nil {
		restrictedSlice = mulBps(net, o.e.cfg.RestrictedShareBps)
	}
	standardSlice := new(big.Int).Sub(net, restrictedSlice)

	place := func(a allocator, s *survey, slice *big.Int) {
		if s == nil || slice.Sign() == 0 {
			return
		}
		for _, t := range a.plan(slice, s, o.e) {
			if o.depositTo(ctx, t.VenueID, a.class, t.Amount, s.apys[t.VenueID]) {
				deployed.Add(deployed, t.Amount)
				touched[t.VenueID] = true
			}
		}
	}
	place(o.e.standard, standard, standardSlice)
	if restricted != nil {
		place(*o.e.restricted, restricted, restrictedSlice)
	}
	ids := make([]string, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return deployed, ids
}
