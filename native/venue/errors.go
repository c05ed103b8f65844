package venue

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrInvalidAmount is returned for nil, zero or negative amounts.
	ErrInvalidAmount = errors.New("venue: amount must be positive")
	// ErrUnsupported is returned when a family does not implement an operation.
	ErrUnsupported = errors.New("venue: operation not supported by venue family")
	// ErrReverted signals the venue rejected the call.
	ErrReverted = errors.New("venue: call reverted")
	// ErrUnreachable signals the venue could not be contacted.
	ErrUnreachable = errors.New("venue: unreachable")
)

// FailureKind classifies external call failures.
type FailureKind uint8

const (
	FailureReverted FailureKind = iota
	FailureUnreachable
	FailureTimeout
)

func (k FailureKind) String() string {
	switch k {
	case FailureUnreachable:
		return "unreachable"
	case FailureTimeout:
		return "timeout"
	default:
		return "reverted"
	}
}

// CallError wraps a failed adapter call with the venue, operation and
// classification consumed by the caller's fallback logic.
type CallError struct {
	Venue string
	Op    string
	Kind  FailureKind
	Err   error
}

func (e *CallError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("venue %s: %s %s: %v", e.Venue, e.Op, e.Kind, e.Err)
}

func (e *CallError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Wrap classifies err and returns it as a CallError. Nil errors pass through.
func Wrap(venueID, op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *CallError
	if errors.As(err, &existing) {
		return err
	}
	return &CallError{Venue: venueID, Op: op, Kind: Classify(err), Err: err}
}

// Classify maps an error onto the failure taxonomy.
func Classify(err error) FailureKind {
	var callErr *CallError
	switch {
	case errors.As(err, &callErr):
		return callErr.Kind
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case errors.Is(err, ErrUnreachable):
		return FailureUnreachable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return FailureTimeout
		}
		return FailureUnreachable
	}
	return FailureReverted
}
