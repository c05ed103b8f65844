package allocation

import (
	"context"
	"math/big"
	"sync"

	"yieldvault/native/fees"
	"yieldvault/native/oracle"
)

// FeeSink receives management and performance fees. The engine only issues
// transfers to it.
type FeeSink interface {
	Transfer(ctx context.Context, kind string, amount *big.Int) error
}

// Refunder is implemented by fee sinks able to return a transfer when the
// surrounding operation is rolled back.
type Refunder interface {
	Refund(ctx context.Context, kind string, amount *big.Int) error
}

// Loyalty is notified after every committed deposit and withdrawal.
type Loyalty interface {
	Notify(ctx context.Context, user string, amount *big.Int, isDeposit bool) error
}

// Predictor supplies aggregated off-chain yield predictions.
type Predictor interface {
	Aggregate(ctx context.Context, venueID string) oracle.Prediction
}

// MemoryFeeSink accumulates fees in process. It backs the daemon's simulation
// mode and the tests.
type MemoryFeeSink struct {
	mu     sync.Mutex
	totals fees.Totals
	fail   error
}

// FailWith makes every subsequent transfer return err until cleared.
func (s *MemoryFeeSink) FailWith(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

func (s *MemoryFeeSink) Transfer(_ context.Context, kind string, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.totals.Add(kind, amount)
	return nil
}

func (s *MemoryFeeSink) Refund(_ context.Context, kind string, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	neg := new(big.Int).Neg(amount)
	switch fees.NormalizeKind(kind) {
	case fees.KindManagement:
		if s.totals.Management != nil {
			s.totals.Management.Add(s.totals.Management, neg)
		}
	case fees.KindPerformance:
		if s.totals.Performance != nil {
			s.totals.Performance.Add(s.totals.Performance, neg)
		}
	}
	return nil
}

// Totals returns the received fees.
func (s *MemoryFeeSink) Totals() fees.Totals {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totals.Clone()
}

// LoyaltyFunc adapts a function into a Loyalty collaborator.
type LoyaltyFunc func(ctx context.Context, user string, amount *big.Int, isDeposit bool) error

func (f LoyaltyFunc) Notify(ctx context.Context, user string, amount *big.Int, isDeposit bool) error {
	return f(ctx, user, amount, isDeposit)
}
