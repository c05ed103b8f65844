package allocation

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"yieldvault/native/fees"
	"yieldvault/native/venue"
)

var (
	ErrInvalidAmount         = errors.New("allocation engine: amount must be positive")
	ErrInvalidUser           = errors.New("allocation engine: user required")
	ErrUnknownPosition       = errors.New("allocation engine: no position for user")
	ErrExceedsPrincipal      = errors.New("allocation engine: amount exceeds principal")
	ErrInsufficientLiquidity = errors.New("allocation engine: venues could not supply the requested amount")
	ErrInvariant             = errors.New("allocation engine: balance invariant violated")
	ErrUpkeepNotDue          = errors.New("allocation engine: upkeep not due")
	ErrReentrant             = errors.New("allocation engine: operation already in progress")
	ErrFeeTransfer           = errors.New("allocation engine: fee transfer failed")
	ErrSnapshotCommit        = errors.New("allocation engine: snapshot commit failed")

	errNilRisk     = errors.New("allocation engine: risk engine required")
	errNilRegistry = errors.New("allocation engine: registry required")
)

// Allocation is the capital the pool holds in one venue.
type Allocation struct {
	VenueID     string
	Class       venue.Class
	Amount      *big.Int
	APY         uint64
	LastUpdated time.Time
	Leveraged   bool
}

// Clone returns a deep copy of the allocation.
func (a *Allocation) Clone() *Allocation {
	if a == nil {
		return nil
	}
	clone := *a
	clone.Amount = cloneInt(a.Amount)
	return &clone
}

// Position is a depositor's accounted principal and pool shares.
type Position struct {
	Principal *big.Int
	Shares    *big.Int
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	return &Position{Principal: cloneInt(p.Principal), Shares: cloneInt(p.Shares)}
}

// Ledger is the engine-owned accounting state of a pool.
type Ledger struct {
	Allocations   map[string]*Allocation
	Positions     map[string]*Position
	Cash          *big.Int
	TotalShares   *big.Int
	Deposited     *big.Int
	Withdrawn     *big.Int
	Accrued       *big.Int
	Fees          fees.Totals
	LastRebalance time.Time
	Sequence      uint64
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		Allocations: make(map[string]*Allocation),
		Positions:   make(map[string]*Position),
		Cash:        big.NewInt(0),
		TotalShares: big.NewInt(0),
		Deposited:   big.NewInt(0),
		Withdrawn:   big.NewInt(0),
		Accrued:     big.NewInt(0),
	}
}

// Clone returns a deep copy of the ledger.
func (l *Ledger) Clone() *Ledger {
	clone := &Ledger{
		Allocations:   make(map[string]*Allocation, len(l.Allocations)),
		Positions:     make(map[string]*Position, len(l.Positions)),
		Cash:          cloneInt(l.Cash),
		TotalShares:   cloneInt(l.TotalShares),
		Deposited:     cloneInt(l.Deposited),
		Withdrawn:     cloneInt(l.Withdrawn),
		Accrued:       cloneInt(l.Accrued),
		Fees:          l.Fees.Clone(),
		LastRebalance: l.LastRebalance,
		Sequence:      l.Sequence,
	}
	for id, a := range l.Allocations {
		clone.Allocations[id] = a.Clone()
	}
	for user, p := range l.Positions {
		clone.Positions[user] = p.Clone()
	}
	return clone
}

// Allocated returns the sum of all venue allocations.
func (l *Ledger) Allocated() *big.Int {
	total := big.NewInt(0)
	for _, a := range l.Allocations {
		total.Add(total, a.Amount)
	}
	return total
}

// NAV returns the pool's net asset value: allocations plus idle cash.
func (l *Ledger) NAV() *big.Int {
	return new(big.Int).Add(l.Allocated(), l.Cash)
}

// FeesPaid returns the total of fees transferred out of the pool.
func (l *Ledger) FeesPaid() *big.Int {
	return l.Fees.Sum()
}

// Index returns the ray-scaled value of one share.
func (l *Ledger) Index() *big.Int {
	if l.TotalShares.Sign() == 0 {
		return new(big.Int).Set(ray)
	}
	return rayDiv(l.NAV(), l.TotalShares)
}

// Expected returns deposited - withdrawn - fees paid + accrued yield, the
// amount the pool must hold across venues and cash.
func (l *Ledger) Expected() *big.Int {
	out := new(big.Int).Sub(l.Deposited, l.Withdrawn)
	out.Sub(out, l.FeesPaid())
	out.Add(out, l.Accrued)
	return out
}

// CheckConservation verifies that allocations plus cash equal the expected
// pool capital and that no balance went negative.
func (l *Ledger) CheckConservation() error {
	if l.Cash.Sign() < 0 {
		return fmt.Errorf("%w: negative cash %s", ErrInvariant, l.Cash)
	}
	for id, a := range l.Allocations {
		if a.Amount.Sign() < 0 {
			return fmt.Errorf("%w: negative allocation %s for %s", ErrInvariant, a.Amount, id)
		}
	}
	if nav, expected := l.NAV(), l.Expected(); nav.Cmp(expected) != 0 {
		return fmt.Errorf("%w: holdings %s != expected %s", ErrInvariant, nav, expected)
	}
	return nil
}

// SortedAllocations returns the allocations ordered by venue identifier.
func (l *Ledger) SortedAllocations() []*Allocation {
	out := make([]*Allocation, 0, len(l.Allocations))
	for _, a := range l.Allocations {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VenueID < out[j].VenueID })
	return out
}

func (l *Ledger) credit(id string, class venue.Class, amount *big.Int, apy uint64, now time.Time) *Allocation {
	a, ok := l.Allocations[id]
	if !ok {
		a = &Allocation{VenueID: id, Class: class.Normalize(), Amount: big.NewInt(0)}
		l.Allocations[id] = a
	}
	a.Amount.Add(a.Amount, amount)
	a.APY = apy
	a.LastUpdated = now
	l.Cash.Sub(l.Cash, amount)
	return a
}

// debit moves amount from the venue back to cash, deleting the allocation
// once it is empty.
func (l *Ledger) debit(id string, amount *big.Int, now time.Time) {
	a, ok := l.Allocations[id]
	if !ok || amount.Sign() == 0 {
		return
	}
	a.Amount.Sub(a.Amount, amount)
	a.LastUpdated = now
	l.Cash.Add(l.Cash, amount)
	if a.Amount.Sign() == 0 {
		delete(l.Allocations, id)
	}
}

// Receipt describes a committed deposit or withdrawal.
type Receipt struct {
	OperationID string
	User        string
	Amount      *big.Int
	Fee         *big.Int
	Shares      *big.Int
	Principal   *big.Int
	Profit      *big.Int
	Paid        *big.Int
	Deployed    *big.Int
	Leveraged   []string
	Failures    []VenueFailure
}

// Change is one venue's allocation movement during a rebalance.
type Change struct {
	VenueID string
	From    *big.Int
	To      *big.Int
}

// Report describes a committed rebalance.
type Report struct {
	OperationID string
	Total       *big.Int
	Changes     []Change
	Leveraged   []string
	Failures    []VenueFailure
	GateDenials []string
}

// VenueFailure records an external call that failed and caused the venue to
// be skipped for the cycle.
type VenueFailure struct {
	Venue string
	Call  string
	Kind  venue.FailureKind
	Err   error
}

func (f VenueFailure) String() string {
	return fmt.Sprintf("%s %s: %s: %v", f.Venue, f.Call, f.Kind, f.Err)
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func minInt(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
