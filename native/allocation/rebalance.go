package allocation

import (
	"context"
	"math/big"
	"sort"

	"yieldvault/core/events"
	"yieldvault/native/venue"
)

// Rebalance recomputes the target allocation of every eligible venue from the
// capital the engine can currently move and converges the venues towards it.
// Venues that cannot be surveyed keep their allocation untouched. Decreases
// run before increases so increases are funded from freed cash; leveraged
// venues are unwound before capital leaves them. Configured venues are offered
// to the leverage controller last.
func (e *Engine) Rebalance(ctx context.Context) (*Report, error) {
	var report *Report
	_, err := e.run(ctx, opRebalance, func(o *op) error {
		r, err := o.rebalance(ctx)
		report = r
		return err
	})
	if err != nil {
		return nil, err
	}
	e.emitter.Emit(events.AllocationRebalanced{
		OperationID: report.OperationID,
		Total:       report.Total,
		Changed:     len(report.Changes),
		Leveraged:   len(report.Leveraged),
	})
	return report, nil
}

type targetEntry struct {
	amount *big.Int
	class  venue.Class
	apy    uint64
}

func (o *op) rebalance(ctx context.Context) (*Report, error) {
	o.accrue()
	e := o.e
	standard, restricted := o.surveys(ctx)

	frozen := make(map[string]bool)
	for id, a := range o.ledger.Allocations {
		s := standard
		if a.Class == venue.ClassRestricted {
			s = restricted
		}
		switch {
		case s == nil:
			frozen[id] = true
		case s.unavailable[id]:
			frozen[id] = true
		default:
			if _, ok := e.adapters.Lookup(id); !ok {
				frozen[id] = true
			}
		}
	}
	distributable := o.ledger.NAV()
	for id := range frozen {
		distributable.Sub(distributable, o.ledger.Allocations[id].Amount)
	}

	restrictedTotal := big.NewInt(0)
	if restricted != nil {
		restrictedTotal = mulBps(distributable, e.cfg.RestrictedShareBps)
	}
	standardTotal := new(big.Int).Sub(distributable, restrictedTotal)

	targets := make(map[string]targetEntry)
	if standard != nil {
		for _, t := range e.standard.plan(standardTotal, standard, e) {
			targets[t.VenueID] = targetEntry{amount: t.Amount, class: venue.ClassStandard, apy: standard.apys[t.VenueID]}
		}
	}
	if restricted != nil {
		for _, t := range e.restricted.plan(restrictedTotal, restricted, e) {
			targets[t.VenueID] = targetEntry{amount: t.Amount, class: venue.ClassRestricted, apy: restricted.apys[t.VenueID]}
		}
	}

	before := make(map[string]*big.Int, len(o.ledger.Allocations))
	for id, a := range o.ledger.Allocations {
		before[id] = new(big.Int).Set(a.Amount)
	}

	for _, a := range o.ledger.SortedAllocations() {
		id := a.VenueID
		if frozen[id] {
			continue
		}
		target := big.NewInt(0)
		if t, ok := targets[id]; ok {
			target = t.amount
		}
		if a.Amount.Cmp(target) <= 0 {
			continue
		}
		if !o.unwind(ctx, id) {
			continue
		}
		delta := new(big.Int).Sub(a.Amount, target)
		if _, err := o.withdrawFrom(ctx, id, delta); err != nil {
			return nil, err
		}
	}

	ids := make([]string, 0, len(targets))
	for id := range targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		t := targets[id]
		current := big.NewInt(0)
		if a, ok := o.ledger.Allocations[id]; ok {
			current = a.Amount
		}
		if t.amount.Cmp(current) <= 0 {
			continue
		}
		delta := minInt(new(big.Int).Sub(t.amount, current), o.ledger.Cash)
		if delta.Sign() <= 0 {
			continue
		}
		o.depositTo(ctx, id, t.class, delta, t.apy)
	}

	var leveraged []string
	for _, id := range sortedKeys(e.cfg.Leverage) {
		if o.lever(ctx, id) {
			leveraged = append(leveraged, id)
		}
	}
	o.ledger.LastRebalance = o.now

	report := &Report{
		OperationID: o.id,
		Total:       distributable,
		Leveraged:   leveraged,
		Failures:    append([]VenueFailure(nil), o.failures...),
		GateDenials: append([]string(nil), o.denials...),
	}
	seen := make(map[string]bool)
	for id := range before {
		seen[id] = true
	}
	for id := range o.ledger.Allocations {
		seen[id] = true
	}
	changed := make([]string, 0, len(seen))
	for id := range seen {
		changed = append(changed, id)
	}
	sort.Strings(changed)
	for _, id := range changed {
		from := cloneInt(before[id])
		to := big.NewInt(0)
		if a, ok := o.ledger.Allocations[id]; ok {
			to = new(big.Int).Set(a.Amount)
		}
		if from.Cmp(to) != 0 {
			report.Changes = append(report.Changes, Change{VenueID: id, From: from, To: to})
		}
	}
	return report, nil
}

// IsUpkeepDue reports whether the rebalance interval has elapsed or idle cash
// has reached the minimum allocation (at least one unit). Cash reserved for a
// class with no placeable venue is not counted, since rebalancing could not
// deploy it.
func (e *Engine) IsUpkeepDue(ctx context.Context) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	now := e.now()
	if e.cfg.UpkeepInterval > 0 && now.Sub(e.ledger.LastRebalance) >= e.cfg.UpkeepInterval {
		return true
	}
	idle := new(big.Int).Sub(e.ledger.Cash, e.stranded(ctx))
	floor := big.NewInt(1)
	if e.cfg.MinAllocation != nil && e.cfg.MinAllocation.Cmp(floor) > 0 {
		floor.Set(e.cfg.MinAllocation)
	}
	return idle.Cmp(floor) >= 0
}

// stranded is the share of NAV routed to classes that currently have no
// venue with an adapter.
func (e *Engine) stranded(ctx context.Context) *big.Int {
	nav := e.ledger.NAV()
	restrictedShare := big.NewInt(0)
	if e.restricted != nil {
		restrictedShare = mulBps(nav, e.cfg.RestrictedShareBps)
	}
	out := big.NewInt(0)
	if e.restricted != nil && !e.placeable(ctx, venue.ClassRestricted) {
		out.Add(out, restrictedShare)
	}
	if !e.placeable(ctx, venue.ClassStandard) {
		out.Add(out, new(big.Int).Sub(nav, restrictedShare))
	}
	return out
}

// placeable reports whether class lists a venue the engine can reach. Registry
// errors count as placeable so the rebalance surfaces them.
func (e *Engine) placeable(ctx context.Context, class venue.Class) bool {
	ids, err := e.registry.ListEligibleVenues(ctx, class)
	if err != nil {
		return true
	}
	for _, id := range ids {
		if _, ok := e.adapters.Lookup(venue.NormalizeID(id)); ok {
			return true
		}
	}
	return false
}

// PerformUpkeep rebalances when upkeep is due.
func (e *Engine) PerformUpkeep(ctx context.Context) (*Report, error) {
	if !e.IsUpkeepDue(ctx) {
		return nil, ErrUpkeepNotDue
	}
	return e.Rebalance(ctx)
}
