package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"yieldvault/config"
	"yieldvault/core/events"
	"yieldvault/native/allocation"
	"yieldvault/native/leverage"
	allocdconfig "yieldvault/services/allocd/config"
)

func simulationConfig(t *testing.T) allocdconfig.Config {
	t.Helper()
	return allocdconfig.Config{
		Simulation: true,
		StatePath:  filepath.Join(t.TempDir(), "state"),
		Venues: []allocdconfig.Venue{
			{ID: "aave", Kind: "lending", APYBps: 400, Liquidity: "1000000"},
			{ID: "curve", Kind: "lp", APYBps: 300, Liquidity: "500000"},
			{ID: "tbill", Kind: "vault", Class: "restricted", APYBps: 450},
		},
	}
}

func TestAssembleSimulationRestoresSnapshot(t *testing.T) {
	cfg := simulationConfig(t)
	policy := config.Default()

	recorder := leverage.RecorderFunc(func(leverage.GateResult) {})
	s, err := assemble(cfg, policy, nil, events.NewBus(), recorder, slog.Default())
	require.NoError(t, err)
	require.False(t, s.restored)
	require.Len(t, s.adapters, 3)

	receipt, err := s.engine.Deposit(context.Background(), "alice", big.NewInt(1_000))
	require.NoError(t, err)
	require.Equal(t, int64(5), receipt.Fee.Int64())
	s.Close()

	reopened, err := assemble(cfg, policy, nil, nil, nil, slog.Default())
	require.NoError(t, err)
	defer reopened.Close()
	require.True(t, reopened.restored)
	pos, ok := reopened.engine.Position("alice")
	require.True(t, ok)
	require.Equal(t, int64(995), pos.Principal.Int64())
	require.Equal(t, receipt.Shares.String(), pos.Shares.String())
}

func TestBuildVenuesRequiresChainOutsideSimulation(t *testing.T) {
	cfg := simulationConfig(t)
	cfg.Simulation = false
	_, _, err := buildVenues(cfg, nil)
	require.ErrorContains(t, err, "chain connection required")
}

func TestSimulatedAdapterRejectsBadLiquidity(t *testing.T) {
	cfg := simulationConfig(t)
	cfg.Venues[0].Liquidity = "lots"
	_, _, err := buildVenues(cfg, nil)
	require.ErrorContains(t, err, "invalid simulated liquidity")
}

func TestOpenStateFallsBackToMemory(t *testing.T) {
	db, err := openState("")
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Put([]byte("k"), []byte("v")))
}

func TestShippedPolicyLoads(t *testing.T) {
	policy, err := config.LoadPolicy("policy.toml")
	require.NoError(t, err)
	require.Equal(t, "main", policy.Allocation.Pool)
	require.Equal(t, uint64(6_000), policy.Leverage.Venues["aave-usdc"])
}

func TestAssembleNotifiesLoyaltyWebhook(t *testing.T) {
	received := make(chan map[string]interface{}, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		received <- body
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := simulationConfig(t)
	cfg.Loyalty = allocdconfig.Loyalty{Webhook: srv.URL + "/rewards", Timeout: allocdconfig.Duration{Duration: time.Second}}
	s, err := assemble(cfg, config.Default(), nil, nil, nil, slog.Default())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.engine.Deposit(context.Background(), " Alice ", big.NewInt(1_000))
	require.NoError(t, err)
	select {
	case body := <-received:
		require.Equal(t, map[string]interface{}{"user": "alice", "amount": "1000", "deposit": true}, body)
	default:
		t.Fatalf("deposit did not notify the loyalty webhook")
	}

	_, err = s.engine.Withdraw(context.Background(), "alice", big.NewInt(100))
	require.NoError(t, err)
	select {
	case body := <-received:
		require.Equal(t, false, body["deposit"])
		require.Equal(t, "100", body["amount"])
	default:
		t.Fatalf("withdrawal did not notify the loyalty webhook")
	}
}

func TestAssembleRejectsBadLoyaltyWebhook(t *testing.T) {
	cfg := simulationConfig(t)
	cfg.Loyalty.Webhook = "rewards.internal"
	_, err := assemble(cfg, config.Default(), nil, nil, nil, slog.Default())
	require.ErrorContains(t, err, "invalid webhook")
}

func TestFeeSinkSelection(t *testing.T) {
	cfg := simulationConfig(t)
	sink, err := feeSink(cfg, nil)
	require.NoError(t, err)
	require.IsType(t, &allocation.MemoryFeeSink{}, sink)

	cfg.Simulation = false
	_, err = feeSink(cfg, nil)
	require.ErrorContains(t, err, "chain connection required")
}

func TestTelemetryConfigFromDaemonConfig(t *testing.T) {
	insecure := false
	got := telemetryConfig(allocdconfig.Telemetry{
		Endpoint:    " collector:4318 ",
		Insecure:    &insecure,
		Headers:     map[string]string{"x-token": "1"},
		Environment: "staging",
		SampleRatio: 0.5,
		Interval:    allocdconfig.Duration{Duration: time.Minute},
	})
	require.Equal(t, "allocd", got.ServiceName)
	require.Equal(t, "collector:4318", got.Endpoint)
	require.False(t, got.Insecure)
	require.Equal(t, "1", got.Headers["x-token"])
	require.Equal(t, 0.5, got.SampleRatio)
	require.Equal(t, time.Minute, got.Interval)

	require.True(t, telemetryConfig(allocdconfig.Telemetry{}).Insecure)
}
