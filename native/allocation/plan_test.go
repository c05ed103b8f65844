package allocation

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"yieldvault/native/oracle"
)

func amountsOf(targets []Target) map[string]int64 {
	out := make(map[string]int64, len(targets))
	for _, t := range targets {
		out[t.VenueID] = t.Amount.Int64()
	}
	return out
}

func TestPlanRemainderPolicies(t *testing.T) {
	candidates := []Candidate{
		{VenueID: "a", OnchainAPY: 100},
		{VenueID: "b", OnchainAPY: 100},
		{VenueID: "c", OnchainAPY: 100},
	}
	first := Plan(big.NewInt(100), candidates, PlanConfig{})
	require.Equal(t, map[string]int64{"a": 34, "b": 33, "c": 33}, amountsOf(first))

	skewed := []Candidate{{VenueID: "a", OnchainAPY: 100}, {VenueID: "b", OnchainAPY: 200}}
	largest := Plan(big.NewInt(10), skewed, PlanConfig{Remainder: RemainderLargest})
	require.Equal(t, map[string]int64{"a": 3, "b": 7}, amountsOf(largest))
}

func TestPlanDropsZeroWeightAndDust(t *testing.T) {
	candidates := []Candidate{
		{VenueID: "risky", OnchainAPY: 5_000, RiskScore: 10_000},
		{VenueID: "a", OnchainAPY: 900},
		{VenueID: "dust", OnchainAPY: 100},
	}
	targets := Plan(big.NewInt(1_000), candidates, PlanConfig{MinAllocation: big.NewInt(200)})
	require.Equal(t, map[string]int64{"a": 1_000}, amountsOf(targets))

	require.Nil(t, Plan(big.NewInt(1_000), []Candidate{{VenueID: "z"}}, PlanConfig{}))
	require.Nil(t, Plan(big.NewInt(0), candidates, PlanConfig{}))
}

func TestPlanBlendsPredictions(t *testing.T) {
	candidates := []Candidate{
		{VenueID: "a", OnchainAPY: 400},
		{VenueID: "b", OnchainAPY: 400, Prediction: oracle.Prediction{Valid: true, PredictedAPY: 1_200}},
	}
	// b blends to 800 at an even weight and takes two thirds.
	targets := Plan(big.NewInt(1_200), candidates, PlanConfig{OnchainWeightBps: 5_000})
	require.Equal(t, map[string]int64{"a": 400, "b": 800}, amountsOf(targets))
	require.Equal(t, uint64(800), targets[1].APY)
}

func TestParseRemainderPolicy(t *testing.T) {
	p, err := ParseRemainderPolicy(" Largest ")
	require.NoError(t, err)
	require.Equal(t, RemainderLargest, p)
	p, err = ParseRemainderPolicy("")
	require.NoError(t, err)
	require.Equal(t, RemainderFirst, p)
	_, err = ParseRemainderPolicy("random")
	require.Error(t, err)
}

func TestAccrualCompoundsDaily(t *testing.T) {
	// 3650 bps is exactly 0.1% per day.
	require.Equal(t, int64(1), accrue(big.NewInt(1_000), 3_650, 24*time.Hour).Int64())
	require.Equal(t, int64(10), accrue(big.NewInt(1_000), 3_650, 10*24*time.Hour).Int64())
	require.Equal(t, int64(5), accrue(big.NewInt(10_000), 3_650, 12*time.Hour).Int64())
	require.Zero(t, accrue(big.NewInt(1_000), 0, 24*time.Hour).Sign())
	require.Zero(t, accrue(big.NewInt(1_000), 3_650, -time.Hour).Sign())
}

func TestIndexAndShares(t *testing.T) {
	l := NewLedger()
	require.Equal(t, ray.String(), l.Index().String())

	l.Cash.SetInt64(1_500)
	l.Deposited.SetInt64(1_000)
	l.Accrued.SetInt64(500)
	l.TotalShares.SetInt64(1_000)
	index := l.Index()
	require.Equal(t, int64(666), sharesFromAmount(big.NewInt(1_000), index).Int64())
	require.Equal(t, int64(1_500), amountFromShares(big.NewInt(1_000), index).Int64())
	require.NoError(t, l.CheckConservation())

	l.Cash.SetInt64(1_499)
	require.ErrorIs(t, l.CheckConservation(), ErrInvariant)
}

func TestJournalRollbackRunsInReverse(t *testing.T) {
	var order []string
	var j journal
	j.add("a", "deposit", func(context.Context) error { order = append(order, "a"); return nil })
	j.add("b", "withdraw", func(context.Context) error { order = append(order, "b"); return errors.New("boom") })
	j.add("c", "borrow", func(context.Context) error { order = append(order, "c"); return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done, errs := j.rollback(ctx)
	require.Equal(t, []string{"c", "b", "a"}, order)
	require.Equal(t, 2, done)
	require.Len(t, errs, 1)
	require.Zero(t, j.len())
}
