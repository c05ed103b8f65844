package sources

import (
	"context"
	"sync"

	"yieldvault/native/leverage"
	"yieldvault/native/oracle"
)

// Aggregator is the prediction view the signal feed reads.
type Aggregator interface {
	Aggregate(ctx context.Context, venueID string) oracle.Prediction
}

// SignalFeed exposes aggregated predictions as venue yield signals for the
// leverage breakers. The last valid sample per venue is kept with its source
// observation time; while the oracle cannot produce a valid prediction that
// sample is reported, so the staleness gate fails once it ages out. Venues
// that never had a valid prediction carry no signal.
type SignalFeed struct {
	agg Aggregator

	mu   sync.Mutex
	last map[string]leverage.SignalSample
}

// NewSignalFeed wraps agg.
func NewSignalFeed(agg Aggregator) *SignalFeed {
	return &SignalFeed{agg: agg, last: make(map[string]leverage.SignalSample)}
}

// LatestSignal implements leverage.SignalFeed.
func (f *SignalFeed) LatestSignal(ctx context.Context, venueID string) (leverage.SignalSample, bool, error) {
	if f == nil || f.agg == nil {
		return leverage.SignalSample{}, false, nil
	}
	p := f.agg.Aggregate(ctx, venueID)

	f.mu.Lock()
	defer f.mu.Unlock()
	if !p.Valid {
		sample, ok := f.last[venueID]
		return sample, ok, nil
	}
	observed := p.ObservedAt
	if observed.IsZero() {
		observed = p.Timestamp
	}
	sample := leverage.SignalSample{Value: p.PredictedAPY, ObservedAt: observed}
	f.last[venueID] = sample
	return sample, true, nil
}
