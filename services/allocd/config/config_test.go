package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "allocd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadSimulationAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
simulation: true
venues:
  - id: Aave
    kind: lending-pool
    apy_bps: 400
    liquidity: "1000000"
  - id: tbill
    kind: rwa-vault
    class: restricted
    compliant: false
oracle:
  timeout: 2s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":7080" {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress)
	}
	if cfg.Auth.SecretEnv != "ALLOCD_JWT_SECRET" || cfg.Auth.ClockSkew.Duration != 2*time.Minute {
		t.Fatalf("auth defaults not applied: %+v", cfg.Auth)
	}
	if cfg.Oracle.Timeout.Duration != 2*time.Second {
		t.Fatalf("unexpected oracle timeout %s", cfg.Oracle.Timeout)
	}
	if cfg.Venues[0].Class != "standard" {
		t.Fatalf("class should default to standard, got %q", cfg.Venues[0].Class)
	}
	if !cfg.Venues[0].IsCompliant() || cfg.Venues[1].IsCompliant() {
		t.Fatalf("unexpected compliance flags")
	}
}

func TestLoadRejectsInvalidConfigs(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{name: "no venues", body: "simulation: true\n", want: "at least one venue"},
		{name: "duplicate", body: `
simulation: true
venues:
  - {id: a, kind: lending}
  - {id: A, kind: vault}
`, want: "duplicate venue"},
		{name: "kind", body: `
simulation: true
venues:
  - {id: a, kind: perp}
`, want: "unknown venue kind"},
		{name: "class", body: `
simulation: true
venues:
  - {id: a, kind: lending, class: vip}
`, want: "unknown class"},
		{name: "chain", body: `
venues:
  - {id: a, kind: lending, pool: "0x1", data_provider: "0x2"}
`, want: "chain.rpc_url"},
		{name: "liquidity pool on chain", body: `
chain: {rpc_url: "http://node", chain_id: 1, keystore: k, asset: "0x1", price_feed: "0x2"}
venues:
  - {id: a, kind: lp}
`, want: "only available in simulation"},
		{name: "fee recipient", body: `
chain: {rpc_url: "http://node", chain_id: 1, keystore: k, asset: "0x1", price_feed: "0x2"}
venues:
  - {id: a, kind: lending, pool: "0x1", data_provider: "0x2"}
`, want: "chain.fee_recipient"},
		{name: "loyalty webhook", body: `
simulation: true
loyalty: {webhook: "rewards.internal/hook"}
venues:
  - {id: a, kind: lending}
`, want: "loyalty.webhook"},
		{name: "sample ratio", body: `
simulation: true
telemetry: {sample_ratio: 2}
venues:
  - {id: a, kind: lending}
`, want: "sample_ratio"},
		{name: "unknown key", body: `
simulation: true
bogus: 1
venues:
  - {id: a, kind: lending}
`, want: "bogus"},
		{name: "bad duration", body: `
simulation: true
oracle: {timeout: soon}
venues:
  - {id: a, kind: lending}
`, want: "parse duration"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestShippedConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "config.yaml"))
	if err != nil {
		t.Fatalf("load shipped config: %v", err)
	}
	if !cfg.Simulation || len(cfg.Venues) != 3 {
		t.Fatalf("unexpected shipped config %+v", cfg)
	}
}

func TestTelemetryFallsBackToEnvironment(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "false")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", " x-token = 1 ,broken, =skip")
	t.Setenv("YIELDVAULT_ENV", "staging")
	cfg, err := Load(writeConfig(t, `
simulation: true
venues:
  - {id: a, kind: lending}
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	tel := cfg.Telemetry
	if tel.Endpoint != "collector:4318" || *tel.Insecure || tel.Environment != "staging" {
		t.Fatalf("env fallback not applied: %+v", tel)
	}
	if len(tel.Headers) != 1 || tel.Headers["x-token"] != "1" {
		t.Fatalf("unexpected headers %+v", tel.Headers)
	}
	if tel.SampleRatio != 1 || tel.Interval.Duration != 15*time.Second {
		t.Fatalf("telemetry defaults not applied: %+v", tel)
	}
	if cfg.Loyalty.Webhook != "" || cfg.Loyalty.Timeout.Duration != 3*time.Second {
		t.Fatalf("unexpected loyalty defaults %+v", cfg.Loyalty)
	}

	cfg, err = Load(writeConfig(t, `
simulation: true
telemetry:
  endpoint: "otel.internal:4318"
  insecure: true
  headers: {tenant: vault}
  sample_ratio: 0.25
venues:
  - {id: a, kind: lending}
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	tel = cfg.Telemetry
	if tel.Endpoint != "otel.internal:4318" || !*tel.Insecure || tel.SampleRatio != 0.25 {
		t.Fatalf("file values should win over env: %+v", tel)
	}
	if len(tel.Headers) != 1 || tel.Headers["tenant"] != "vault" {
		t.Fatalf("unexpected headers %+v", tel.Headers)
	}
}
