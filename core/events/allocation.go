package events

import (
	"math/big"
	"strconv"
)

const (
	// TypeAllocationDeposited is emitted after a deposit commits.
	TypeAllocationDeposited = "allocation.deposited"
	// TypeAllocationWithdrawn is emitted after a withdrawal commits.
	TypeAllocationWithdrawn = "allocation.withdrawn"
	// TypeAllocationRebalanced is emitted after a rebalance commits.
	TypeAllocationRebalanced = "allocation.rebalanced"
	// TypeAllocationReverted is emitted when an operation is rolled back.
	TypeAllocationReverted = "allocation.reverted"
	// TypeVenueFailure is emitted when an external venue call fails and the
	// venue is skipped for the cycle.
	TypeVenueFailure = "allocation.venue.failed"
)

// AllocationDeposited records a committed deposit.
type AllocationDeposited struct {
	OperationID string
	User        string
	Amount      *big.Int
	Fee         *big.Int
	Shares      *big.Int
	Deployed    *big.Int
}

// EventType satisfies the events.Event interface.
func (AllocationDeposited) EventType() string { return TypeAllocationDeposited }

// Event converts the payload into its attribute form.
func (e AllocationDeposited) Event() *Record {
	attrs := map[string]string{"operation": e.OperationID, "user": e.User}
	setAmount(attrs, "amount", e.Amount)
	setAmount(attrs, "fee", e.Fee)
	setAmount(attrs, "shares", e.Shares)
	setAmount(attrs, "deployed", e.Deployed)
	return &Record{Type: TypeAllocationDeposited, Attributes: attrs}
}

// AllocationWithdrawn records a committed withdrawal.
type AllocationWithdrawn struct {
	OperationID string
	User        string
	Principal   *big.Int
	Profit      *big.Int
	Fee         *big.Int
	Paid        *big.Int
}

// EventType satisfies the events.Event interface.
func (AllocationWithdrawn) EventType() string { return TypeAllocationWithdrawn }

// Event converts the payload into its attribute form.
func (e AllocationWithdrawn) Event() *Record {
	attrs := map[string]string{"operation": e.OperationID, "user": e.User}
	setAmount(attrs, "principal", e.Principal)
	setAmount(attrs, "profit", e.Profit)
	setAmount(attrs, "fee", e.Fee)
	setAmount(attrs, "paid", e.Paid)
	return &Record{Type: TypeAllocationWithdrawn, Attributes: attrs}
}

// AllocationRebalanced records a committed rebalance.
type AllocationRebalanced struct {
	OperationID string
	Total       *big.Int
	Changed     int
	Leveraged   int
}

// EventType satisfies the events.Event interface.
func (AllocationRebalanced) EventType() string { return TypeAllocationRebalanced }

// Event converts the payload into its attribute form.
func (e AllocationRebalanced) Event() *Record {
	attrs := map[string]string{
		"operation": e.OperationID,
		"changed":   strconv.Itoa(e.Changed),
		"leveraged": strconv.Itoa(e.Leveraged),
	}
	setAmount(attrs, "total", e.Total)
	return &Record{Type: TypeAllocationRebalanced, Attributes: attrs}
}

// AllocationReverted records an operation rolled back after a fatal error.
type AllocationReverted struct {
	OperationID string
	Operation   string
	Reason      string
	Compensated int
}

// EventType satisfies the events.Event interface.
func (AllocationReverted) EventType() string { return TypeAllocationReverted }

// Event converts the payload into its attribute form.
func (e AllocationReverted) Event() *Record {
	attrs := map[string]string{
		"operation":   e.OperationID,
		"kind":        e.Operation,
		"compensated": strconv.Itoa(e.Compensated),
	}
	setString(attrs, "reason", e.Reason)
	return &Record{Type: TypeAllocationReverted, Attributes: attrs}
}

// VenueFailure records a failed external venue call.
type VenueFailure struct {
	OperationID string
	Venue       string
	Call        string
	Kind        string
	Error       string
}

// EventType satisfies the events.Event interface.
func (VenueFailure) EventType() string { return TypeVenueFailure }

// Event converts the payload into its attribute form.
func (e VenueFailure) Event() *Record {
	attrs := map[string]string{
		"operation": e.OperationID,
		"venue":     e.Venue,
		"call":      e.Call,
		"kind":      e.Kind,
	}
	setString(attrs, "error", e.Error)
	return &Record{Type: TypeVenueFailure, Attributes: attrs}
}
