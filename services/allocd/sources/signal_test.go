package sources

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"yieldvault/native/leverage"
	"yieldvault/native/oracle"
	"yieldvault/native/risk"
	"yieldvault/native/venue"
)

type stubAggregator map[string]oracle.Prediction

func (s stubAggregator) Aggregate(_ context.Context, id string) oracle.Prediction {
	return s[id]
}

func TestSignalFeedUsesSourceObservationTime(t *testing.T) {
	at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	observed := at.Add(-3 * time.Minute)
	agg := stubAggregator{
		"aave":  {PredictedAPY: 640, Timestamp: at, ObservedAt: observed, Valid: true},
		"stale": {PredictedAPY: 900, Timestamp: at},
	}
	feed := NewSignalFeed(agg)

	sample, ok, err := feed.LatestSignal(context.Background(), "aave")
	if err != nil || !ok {
		t.Fatalf("expected signal, got ok=%v err=%v", ok, err)
	}
	if sample.Value != 640 || !sample.ObservedAt.Equal(observed) {
		t.Fatalf("unexpected sample %+v", sample)
	}
	if _, ok, _ := feed.LatestSignal(context.Background(), "stale"); ok {
		t.Fatalf("venue without a valid prediction must not produce a signal")
	}

	agg["aave"] = oracle.Prediction{Timestamp: at.Add(time.Hour)}
	sample, ok, _ = feed.LatestSignal(context.Background(), "aave")
	if !ok || sample.Value != 640 || !sample.ObservedAt.Equal(observed) {
		t.Fatalf("expected the last valid sample, got ok=%v %+v", ok, sample)
	}
	if _, ok, _ := NewSignalFeed(nil).LatestSignal(context.Background(), "aave"); ok {
		t.Fatalf("nil aggregator must not produce a signal")
	}
}

type signalRig struct {
	now    time.Time
	source *oracle.StaticSource
	ctrl   *leverage.Controller
	pool   venue.Adapter
	gates  []leverage.GateResult
}

func newSignalRig(t *testing.T, start time.Time) *signalRig {
	t.Helper()
	rig := &signalRig{now: start, source: oracle.NewStaticSource("feed")}
	clock := func() time.Time { return rig.now }

	agg, err := oracle.New([]oracle.Source{rig.source}, oracle.Config{
		Quorum:    1,
		MaxAge:    10 * time.Minute,
		MaxAPYBps: 50_000,
	}, oracle.WithClock(clock))
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}
	registry := venue.NewMemoryRegistry(venue.Entry{ID: "aave", Kind: venue.KindLendingPool, Compliant: true})
	riskEngine, err := risk.NewEngine(registry, risk.Config{})
	if err != nil {
		t.Fatalf("risk engine: %v", err)
	}
	prices := leverage.PriceFeedFunc(func(context.Context) (leverage.PriceSample, error) {
		return leverage.PriceSample{Price: big.NewInt(100_000_000), ObservedAt: rig.now}, nil
	})
	rig.ctrl, err = leverage.New(riskEngine, prices, leverage.Config{
		MaxPriceChangeBps:  500,
		PriceMaxAge:        time.Minute,
		MaxSignalChangeBps: 1_000,
		SignalWindow:       time.Hour,
		SignalMaxAge:       5 * time.Minute,
		MaxTotalBorrow:     big.NewInt(1_000_000),
		PerVenueBps:        10_000,
		MaxLeveragedVenues: 1,
	},
		leverage.WithSignalFeed(NewSignalFeed(agg)),
		leverage.WithClock(clock),
		leverage.WithRecorder(leverage.RecorderFunc(func(r leverage.GateResult) { rig.gates = append(rig.gates, r) })),
	)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	rig.pool = venue.NewLendingPool("aave", venue.NewMemory("aave", big.NewInt(10_000_000), 400, nil))
	return rig
}

func (r *signalRig) staleness() leverage.GateResult {
	for i := len(r.gates) - 1; i >= 0; i-- {
		if r.gates[i].Gate == leverage.GateSignalStaleness {
			return r.gates[i]
		}
	}
	return leverage.GateResult{}
}

func TestStalenessGateMeasuresSourceTime(t *testing.T) {
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	rig := newSignalRig(t, start)
	// Accepted by the oracle (8m < 10m) but older than the 5m signal window.
	rig.source.Set("aave", oracle.Response{PredictedAPY: 450, RiskScore: 100, Timestamp: start.Add(-8 * time.Minute)})

	_, err := rig.ctrl.Apply(context.Background(), rig.pool, big.NewInt(1_000), 5_000)
	var gateErr *leverage.GateError
	if !errors.As(err, &gateErr) || gateErr.Gate != leverage.GateSignalStaleness {
		t.Fatalf("expected signal staleness failure, got %v", err)
	}
	if got := rig.staleness(); got.Outcome != leverage.OutcomeFail {
		t.Fatalf("staleness gate outcome %s (%s)", got.Outcome, got.Reason)
	}
}

func TestStalenessGateFailsWhenOracleGoesQuiet(t *testing.T) {
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	rig := newSignalRig(t, start)
	rig.source.Set("aave", oracle.Response{PredictedAPY: 450, RiskScore: 100, Timestamp: start.Add(-time.Minute)})

	if _, err := rig.ctrl.Apply(context.Background(), rig.pool, big.NewInt(1_000), 1_000); err != nil {
		t.Fatalf("fresh signal should allow the borrow: %v", err)
	}
	if got := rig.staleness(); got.Outcome != leverage.OutcomePass {
		t.Fatalf("staleness gate outcome %s (%s)", got.Outcome, got.Reason)
	}

	// The source stops updating: the oracle rejects it as stale and the feed
	// falls back to the last sample, which is now too old.
	rig.now = start.Add(20 * time.Minute)
	_, err := rig.ctrl.Apply(context.Background(), rig.pool, big.NewInt(1_000), 1_000)
	var gateErr *leverage.GateError
	if !errors.As(err, &gateErr) || gateErr.Gate != leverage.GateSignalStaleness {
		t.Fatalf("expected signal staleness failure, got %v", err)
	}
	if got := rig.staleness(); got.Outcome != leverage.OutcomeFail || got.Reason != "signal_stale" {
		t.Fatalf("staleness gate outcome %s (%s)", got.Outcome, got.Reason)
	}
}
