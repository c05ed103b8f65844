package oracle

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"lukechampine.com/blake3"

	"yieldvault/observability"
)

const (
	// MaxBps is the basis-point denominator and the ceiling for risk scores.
	MaxBps = 10_000

	futureSkew = 5 * time.Second
)

// Response is a single source's yield/risk prediction for a venue.
type Response struct {
	PredictedAPY uint64
	RiskScore    uint64
	Timestamp    time.Time
}

// Prediction is the aggregated view over all accepted responses. It is never
// persisted beyond a single evaluation. Timestamp is the aggregation time;
// ObservedAt is the oldest accepted source timestamp and is zero when nothing
// was accepted.
type Prediction struct {
	PredictedAPY uint64
	RiskScore    uint64
	Timestamp    time.Time
	ObservedAt   time.Time
	Valid        bool
	Sources      []string
	ProofID      string
}

// Source resolves an independent prediction for a venue.
type Source interface {
	Name() string
	Predict(ctx context.Context, venueID string) (Response, error)
}

// Config tunes acceptance of source responses.
type Config struct {
	Quorum    int
	MaxAge    time.Duration
	MaxAPYBps uint64
	MaxRisk   uint64
}

// Aggregator fans out to every source, filters responses and computes the
// median under a quorum rule.
type Aggregator struct {
	sources []Source
	cfg     Config
	breaker atomic.Bool
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithLogger installs a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

// New constructs an aggregator instance.
func New(sources []Source, cfg Config, opts ...Option) (*Aggregator, error) {
	if cfg.Quorum <= 0 {
		cfg.Quorum = 1
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 10 * time.Minute
	}
	if cfg.MaxRisk == 0 || cfg.MaxRisk > MaxBps {
		cfg.MaxRisk = MaxBps
	}
	if cfg.MaxAPYBps == 0 {
		return nil, fmt.Errorf("oracle: max apy bound must be positive")
	}
	filtered := make([]Source, 0, len(sources))
	for _, src := range sources {
		if src != nil {
			filtered = append(filtered, src)
		}
	}
	agg := &Aggregator{
		sources: filtered,
		cfg:     cfg,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(agg)
		}
	}
	return agg, nil
}

// Trip forces fallback-only operation: every aggregation returns an invalid
// prediction until Reset is called.
func (a *Aggregator) Trip() {
	a.breaker.Store(true)
	observability.Oracle().SetBreaker(true)
}

// Reset clears the global circuit breaker.
func (a *Aggregator) Reset() {
	a.breaker.Store(false)
	observability.Oracle().SetBreaker(false)
}

// Tripped reports whether the breaker is engaged.
func (a *Aggregator) Tripped() bool { return a.breaker.Load() }

// Quorum returns the configured minimum accepted response count.
func (a *Aggregator) Quorum() int { return a.cfg.Quorum }

// Aggregate queries every source for the venue and returns the median
// prediction. It never fails: unreachable or rejected sources only reduce the
// accepted count.
func (a *Aggregator) Aggregate(ctx context.Context, venueID string) Prediction {
	now := a.now()
	if a.breaker.Load() {
		observability.Oracle().ObserveAggregate(venueID, "breaker")
		return Prediction{Timestamp: now}
	}
	apys := make([]uint64, 0, len(a.sources))
	risks := make([]uint64, 0, len(a.sources))
	feeders := make([]string, 0, len(a.sources))
	var oldest time.Time
	for _, src := range a.sources {
		resp, err := src.Predict(ctx, venueID)
		if err != nil {
			a.logger.Warn("oracle source failed", "source", src.Name(), "venue", venueID, "error", err)
			observability.Oracle().ObserveRejection(src.Name(), "error")
			continue
		}
		if reason := a.reject(resp, now); reason != "" {
			a.logger.Debug("oracle response rejected", "source", src.Name(), "venue", venueID, "reason", reason)
			observability.Oracle().ObserveRejection(src.Name(), reason)
			continue
		}
		apys = append(apys, resp.PredictedAPY)
		risks = append(risks, resp.RiskScore)
		feeders = append(feeders, src.Name())
		if oldest.IsZero() || resp.Timestamp.Before(oldest) {
			oldest = resp.Timestamp
		}
	}
	if len(apys) < a.cfg.Quorum {
		observability.Oracle().ObserveAggregate(venueID, "no_quorum")
		return Prediction{Timestamp: now, ObservedAt: oldest, Sources: feeders}
	}
	observability.Oracle().ObserveAggregate(venueID, "valid")
	return Prediction{
		PredictedAPY: Median(apys),
		RiskScore:    Median(risks),
		Timestamp:    now,
		ObservedAt:   oldest,
		Valid:        true,
		Sources:      feeders,
		ProofID:      proofID(venueID, feeders, now),
	}
}

func (a *Aggregator) reject(resp Response, now time.Time) string {
	switch {
	case resp.Timestamp.IsZero():
		return "missing_timestamp"
	case resp.Timestamp.After(now.Add(futureSkew)):
		return "future"
	case now.Sub(resp.Timestamp) > a.cfg.MaxAge:
		return "stale"
	case resp.PredictedAPY > a.cfg.MaxAPYBps:
		return "apy_bound"
	case resp.RiskScore > a.cfg.MaxRisk:
		return "risk_bound"
	}
	return ""
}

// Median returns the median of values; an even count yields the floor
// average of the two middle values. The input is not modified.
func Median(values []uint64) uint64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]uint64(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	lo, hi := sorted[mid-1], sorted[mid]
	return lo + (hi-lo)/2
}

// Blend mixes an on-chain estimate with the aggregated prediction using the
// on-chain weight in basis points. Invalid predictions fall back to the
// on-chain value.
func Blend(onchain uint64, pred Prediction, onchainWeightBps uint64) uint64 {
	return blend(onchain, pred.PredictedAPY, pred.Valid, onchainWeightBps)
}

// BlendRisk mixes a registry risk score with the aggregated risk score.
func BlendRisk(registry uint64, pred Prediction, onchainWeightBps uint64) uint64 {
	return blend(registry, pred.RiskScore, pred.Valid, onchainWeightBps)
}

func blend(local, remote uint64, valid bool, weight uint64) uint64 {
	if !valid {
		return local
	}
	if weight > MaxBps {
		weight = MaxBps
	}
	// Split before multiplying so large values cannot overflow.
	return local/MaxBps*weight + remote/MaxBps*(MaxBps-weight) +
		(local%MaxBps*weight+remote%MaxBps*(MaxBps-weight))/MaxBps
}

func proofID(venueID string, feeders []string, ts time.Time) string {
	digest := blake3.New(32, nil)
	digest.Write([]byte(strings.ToLower(strings.TrimSpace(venueID))))
	digest.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	sorted := append([]string{}, feeders...)
	sort.Strings(sorted)
	for _, f := range sorted {
		digest.Write([]byte(strings.ToLower(strings.TrimSpace(f))))
	}
	return hex.EncodeToString(digest.Sum(nil))
}

// ErrNoPrediction is returned by sources that have no opinion on a venue.
var ErrNoPrediction = errors.New("oracle: no prediction for venue")
