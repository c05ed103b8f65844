package sources

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"yieldvault/native/oracle"
)

func TestHTTPSourcePredict(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if got := r.Header.Get("Authorization"); got != "Bearer k1" {
			t.Errorf("unexpected authorization %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/venues/aave/prediction":
			_, _ = w.Write([]byte(`{"apy":"5.255","risk":1200,"timestamp":1700000000}`))
		case "/v1/venues/bad/prediction":
			_, _ = w.Write([]byte(`{"apy":"lots","risk":1,"timestamp":1700000000}`))
		case "/v1/venues/down/prediction":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	src, err := NewHTTPSource("model-a", srv.URL+"/", "k1", time.Second)
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	if src.Name() != "model-a" {
		t.Fatalf("unexpected name %q", src.Name())
	}
	ctx := context.Background()

	resp, err := src.Predict(ctx, "aave")
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if resp.PredictedAPY != 525 || resp.RiskScore != 1_200 || resp.Timestamp.Unix() != 1_700_000_000 {
		t.Fatalf("unexpected response %+v", resp)
	}

	if _, err := src.Predict(ctx, "unknown"); !errors.Is(err, oracle.ErrNoPrediction) {
		t.Fatalf("expected ErrNoPrediction, got %v", err)
	}
	if _, err := src.Predict(ctx, "bad"); err == nil {
		t.Fatalf("expected parse failure")
	}
	before := calls.Load()
	if _, err := src.Predict(ctx, "down"); err == nil {
		t.Fatalf("expected upstream failure")
	}
	if calls.Load()-before != 1 {
		t.Fatalf("failed requests must not be retried")
	}
}

func TestNewHTTPSourceValidates(t *testing.T) {
	if _, err := NewHTTPSource("", "http://x", "", 0); err == nil {
		t.Fatalf("expected name error")
	}
	if _, err := NewHTTPSource("a", "not a url", "", 0); err == nil {
		t.Fatalf("expected endpoint error")
	}
}

func TestPercentConversions(t *testing.T) {
	cases := map[string]uint64{"0": 0, "4": 400, "12.34": 1_234, "0.019": 1}
	for raw, want := range cases {
		got, err := PercentToBps(raw)
		if err != nil {
			t.Fatalf("%s: %v", raw, err)
		}
		if got != want {
			t.Fatalf("%s: expected %d got %d", raw, want, got)
		}
	}
	if _, err := PercentToBps("-1"); err == nil {
		t.Fatalf("negative apy must be rejected")
	}
	if got := BpsToPercent(525); got != "5.25" {
		t.Fatalf("unexpected rendering %q", got)
	}
}
