package leverage

import (
	"context"
	"fmt"
	"math/big"
	"time"
)

// Gate identifies one of the ordered circuit breakers guarding a borrow.
type Gate uint8

const (
	GateViability Gate = iota + 1
	GatePriceVolatility
	GateVenueVolatility
	GateSignalStaleness
	GateLiquidity
	GateTotalCeiling
	GateVenueCeiling
	GateActiveVenues
	GateLiquidation
)

var gateOrder = []Gate{
	GateViability,
	GatePriceVolatility,
	GateVenueVolatility,
	GateSignalStaleness,
	GateLiquidity,
	GateTotalCeiling,
	GateVenueCeiling,
	GateActiveVenues,
	GateLiquidation,
}

// Gates returns the fixed evaluation order. Changing it alters which breaker
// reports first and is treated as a policy change.
func Gates() []Gate {
	return append([]Gate(nil), gateOrder...)
}

func (g Gate) String() string {
	switch g {
	case GateViability:
		return "viability"
	case GatePriceVolatility:
		return "price_volatility"
	case GateVenueVolatility:
		return "venue_volatility"
	case GateSignalStaleness:
		return "signal_staleness"
	case GateLiquidity:
		return "liquidity"
	case GateTotalCeiling:
		return "total_ceiling"
	case GateVenueCeiling:
		return "venue_ceiling"
	case GateActiveVenues:
		return "active_venues"
	case GateLiquidation:
		return "liquidation"
	default:
		return fmt.Sprintf("gate(%d)", uint8(g))
	}
}

// Outcome is the result of evaluating a gate.
type Outcome string

const (
	OutcomePass Outcome = "pass"
	OutcomeFail Outcome = "fail"
	OutcomeSkip Outcome = "skip"
)

// GateResult is the observable record of one gate evaluation.
type GateResult struct {
	Venue   string
	Gate    Gate
	Outcome Outcome
	Reason  string
	At      time.Time
}

// Recorder receives every gate outcome for audit.
type Recorder interface {
	RecordGate(GateResult)
}

// RecorderFunc adapts a function into a Recorder.
type RecorderFunc func(GateResult)

// RecordGate implements Recorder.
func (f RecorderFunc) RecordGate(r GateResult) {
	if f != nil {
		f(r)
	}
}

// GateError reports the first gate that blocked a borrow.
type GateError struct {
	Venue  string
	Gate   Gate
	Reason string
}

func (e *GateError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("leverage: %s gate failed for %s", e.Gate, e.Venue)
	}
	return fmt.Sprintf("leverage: %s gate failed for %s: %s", e.Gate, e.Venue, e.Reason)
}

// PriceSample is a reference price observation.
type PriceSample struct {
	Price      *big.Int
	ObservedAt time.Time
}

// PriceFeed supplies the reference asset price used by the volatility gate.
type PriceFeed interface {
	LatestPrice(ctx context.Context) (PriceSample, error)
}

// PriceFeedFunc adapts a function into a PriceFeed.
type PriceFeedFunc func(ctx context.Context) (PriceSample, error)

// LatestPrice implements PriceFeed.
func (f PriceFeedFunc) LatestPrice(ctx context.Context) (PriceSample, error) { return f(ctx) }

// SignalSample is a venue-specific yield signal observation in basis points.
type SignalSample struct {
	Value      uint64
	ObservedAt time.Time
}

// SignalFeed supplies dedicated venue yield signals. Venues without a signal
// report ok=false and the signal gates are skipped.
type SignalFeed interface {
	LatestSignal(ctx context.Context, venueID string) (SignalSample, bool, error)
}

// Config holds the breaker thresholds.
type Config struct {
	MaxPriceChangeBps  uint64
	PriceMaxAge        time.Duration
	MaxSignalChangeBps uint64
	SignalWindow       time.Duration
	SignalMaxAge       time.Duration
	MinLiquidity       *big.Int
	MaxTotalBorrow     *big.Int
	PerVenueBps        uint64
	MaxLeveragedVenues int
}

// Clone returns a deep copy of the configuration.
func (c Config) Clone() Config {
	clone := c
	if c.MinLiquidity != nil {
		clone.MinLiquidity = new(big.Int).Set(c.MinLiquidity)
	}
	if c.MaxTotalBorrow != nil {
		clone.MaxTotalBorrow = new(big.Int).Set(c.MaxTotalBorrow)
	}
	return clone
}

// ApplyResult describes a completed borrow.
type ApplyResult struct {
	Venue         string
	Borrowed      *big.Int
	VenueBorrowed *big.Int
	TotalBorrowed *big.Int
	Gates         []GateResult
}

// UnwindResult describes a completed repay.
type UnwindResult struct {
	Venue         string
	Repaid        *big.Int
	Remaining     *big.Int
	TotalBorrowed *big.Int
}
