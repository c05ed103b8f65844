package events

import (
	"math/big"
	"strconv"
)

const (
	// TypeLeverageGate is emitted for every gate evaluated during a leverage
	// attempt, whether it passed, failed or was skipped.
	TypeLeverageGate = "leverage.gate"
	// TypeLeverageApplied is emitted after a borrow executes.
	TypeLeverageApplied = "leverage.applied"
	// TypeLeverageUnwound is emitted after a repay executes.
	TypeLeverageUnwound = "leverage.unwound"
)

// LeverageGate records a single gate outcome.
type LeverageGate struct {
	Venue   string
	Gate    string
	Index   int
	Outcome string
	Reason  string
}

// EventType satisfies the events.Event interface.
func (LeverageGate) EventType() string { return TypeLeverageGate }

// Event converts the payload into its attribute form.
func (e LeverageGate) Event() *Record {
	attrs := map[string]string{
		"venue":   e.Venue,
		"gate":    e.Gate,
		"index":   strconv.Itoa(e.Index),
		"outcome": e.Outcome,
	}
	setString(attrs, "reason", e.Reason)
	return &Record{Type: TypeLeverageGate, Attributes: attrs}
}

// LeverageApplied records a completed borrow.
type LeverageApplied struct {
	Venue         string
	Collateral    *big.Int
	Borrowed      *big.Int
	VenueBorrowed *big.Int
	TotalBorrowed *big.Int
}

// EventType satisfies the events.Event interface.
func (LeverageApplied) EventType() string { return TypeLeverageApplied }

// Event converts the payload into its attribute form.
func (e LeverageApplied) Event() *Record {
	attrs := map[string]string{"venue": e.Venue}
	setAmount(attrs, "collateral", e.Collateral)
	setAmount(attrs, "borrowed", e.Borrowed)
	setAmount(attrs, "venueBorrowed", e.VenueBorrowed)
	setAmount(attrs, "totalBorrowed", e.TotalBorrowed)
	return &Record{Type: TypeLeverageApplied, Attributes: attrs}
}

// LeverageUnwound records a completed repay.
type LeverageUnwound struct {
	Venue         string
	Requested     *big.Int
	Repaid        *big.Int
	Remaining     *big.Int
	TotalBorrowed *big.Int
}

// EventType satisfies the events.Event interface.
func (LeverageUnwound) EventType() string { return TypeLeverageUnwound }

// Event converts the payload into its attribute form.
func (e LeverageUnwound) Event() *Record {
	attrs := map[string]string{"venue": e.Venue}
	setAmount(attrs, "requested", e.Requested)
	setAmount(attrs, "repaid", e.Repaid)
	setAmount(attrs, "remaining", e.Remaining)
	setAmount(attrs, "totalBorrowed", e.TotalBorrowed)
	return &Record{Type: TypeLeverageUnwound, Attributes: attrs}
}
