package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"yieldvault/native/venue"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for allocd.
type Config struct {
	ListenAddress string       `yaml:"listen"`
	PolicyPath    string       `yaml:"policy"`
	StatePath     string       `yaml:"state"`
	Simulation    bool         `yaml:"simulation"`
	Audit         AuditConfig  `yaml:"audit"`
	Log           LogConfig    `yaml:"log"`
	Auth          AuthConfig   `yaml:"auth"`
	RateLimit     RateLimit    `yaml:"rate_limit"`
	Chain         ChainConfig  `yaml:"chain"`
	Venues        []Venue      `yaml:"venues"`
	Oracle        OracleConfig `yaml:"oracle"`
	Export        ExportConfig `yaml:"export"`
	Idempotency   Idempotency  `yaml:"idempotency"`
	Loyalty       Loyalty      `yaml:"loyalty"`
	Telemetry     Telemetry    `yaml:"telemetry"`
}

// AuditConfig selects the audit database. DSNs starting with postgres:// or
// containing host= use postgres, everything else sqlite.
type AuditConfig struct {
	DSN string `yaml:"dsn"`
}

// LogConfig enables the rotating log file.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// AuthConfig configures bearer authentication for the API.
type AuthConfig struct {
	SecretEnv string   `yaml:"secret_env"`
	Issuer    string   `yaml:"issuer"`
	Audience  string   `yaml:"audience"`
	ClockSkew Duration `yaml:"clock_skew"`
	Disabled  bool     `yaml:"disabled"`
}

// RateLimit throttles API callers by client address.
type RateLimit struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// ChainConfig holds the EVM connection used by on-chain venues.
type ChainConfig struct {
	RPCURL         string   `yaml:"rpc_url"`
	ChainID        int64    `yaml:"chain_id"`
	Keystore       string   `yaml:"keystore"`
	PassphraseEnv  string   `yaml:"passphrase_env"`
	Asset          string   `yaml:"asset"`
	PriceFeed      string   `yaml:"price_feed"`
	FeeRecipient   string   `yaml:"fee_recipient"`
	ConfirmTimeout Duration `yaml:"confirm_timeout"`
	GasLimit       uint64   `yaml:"gas_limit"`
}

// Venue registers an adapter with the daemon.
type Venue struct {
	ID        string `yaml:"id"`
	Kind      string `yaml:"kind"`
	Class     string `yaml:"class"`
	RiskScore uint64 `yaml:"risk_score"`
	Compliant *bool  `yaml:"compliant"`

	// On-chain addresses.
	Pool         string `yaml:"pool"`
	DataProvider string `yaml:"data_provider"`
	Vault        string `yaml:"vault"`

	// Simulation parameters.
	APYBps    uint64 `yaml:"apy_bps"`
	Liquidity string `yaml:"liquidity"`
}

// IsCompliant defaults to true when the flag is omitted.
func (v Venue) IsCompliant() bool {
	return v.Compliant == nil || *v.Compliant
}

// OracleConfig lists HTTP prediction sources.
type OracleConfig struct {
	Timeout Duration       `yaml:"timeout"`
	Sources []OracleSource `yaml:"sources"`
}

// OracleSource describes an upstream prediction feed.
type OracleSource struct {
	Name     string `yaml:"name"`
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
}

// ExportConfig controls parquet exports of the audit trail.
type ExportConfig struct {
	Dir string `yaml:"dir"`
}

// Idempotency enables replay of deposit and withdrawal responses keyed by the
// Idempotency-Key header. An empty path disables it.
type Idempotency struct {
	Path string   `yaml:"path"`
	TTL  Duration `yaml:"ttl"`
}

// Loyalty posts deposit and withdrawal notifications to a rewards webhook.
// An empty webhook disables notifications.
type Loyalty struct {
	Webhook string   `yaml:"webhook"`
	Timeout Duration `yaml:"timeout"`
}

// Telemetry configures the OTLP exporters. Unset fields fall back to the
// standard OTEL_EXPORTER_OTLP_* variables; exporters stay off without an
// endpoint.
type Telemetry struct {
	Endpoint    string            `yaml:"endpoint"`
	Insecure    *bool             `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
	Environment string            `yaml:"environment"`
	SampleRatio float64           `yaml:"sample_ratio"`
	Interval    Duration          `yaml:"interval"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7080"
	}
	if cfg.PolicyPath == "" {
		cfg.PolicyPath = "/etc/allocd/policy.toml"
	}
	if cfg.Audit.DSN == "" {
		cfg.Audit.DSN = "file:/var/data/allocd.sqlite?_pragma=busy_timeout(5000)"
	}
	if cfg.Auth.SecretEnv == "" {
		cfg.Auth.SecretEnv = "ALLOCD_JWT_SECRET"
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "allocd"
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.Chain.PassphraseEnv == "" {
		cfg.Chain.PassphraseEnv = "ALLOCD_KEYSTORE_PASSPHRASE"
	}
	if cfg.Chain.ConfirmTimeout.Duration == 0 {
		cfg.Chain.ConfirmTimeout.Duration = 2 * time.Minute
	}
	if cfg.Chain.GasLimit == 0 {
		cfg.Chain.GasLimit = 600_000
	}
	if cfg.Idempotency.TTL.Duration == 0 {
		cfg.Idempotency.TTL.Duration = 24 * time.Hour
	}
	if cfg.Oracle.Timeout.Duration == 0 {
		cfg.Oracle.Timeout.Duration = 5 * time.Second
	}
	if cfg.Loyalty.Timeout.Duration == 0 {
		cfg.Loyalty.Timeout.Duration = 3 * time.Second
	}
	applyTelemetryEnv(&cfg.Telemetry)
	for i := range cfg.Venues {
		if cfg.Venues[i].Class == "" {
			cfg.Venues[i].Class = string(venue.ClassStandard)
		}
	}
}

func validate(cfg Config) error {
	if len(cfg.Venues) == 0 {
		return fmt.Errorf("at least one venue must be configured")
	}
	seen := make(map[string]struct{}, len(cfg.Venues))
	for _, v := range cfg.Venues {
		id := venue.NormalizeID(v.ID)
		if id == "" {
			return fmt.Errorf("venue id required")
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate venue %q", id)
		}
		seen[id] = struct{}{}
		kind, err := venue.ParseKind(v.Kind)
		if err != nil {
			return fmt.Errorf("venue %s: %w", id, err)
		}
		switch class := venue.Class(v.Class).Normalize(); class {
		case venue.ClassStandard, venue.ClassRestricted:
		default:
			return fmt.Errorf("venue %s: unknown class %q", id, v.Class)
		}
		if v.RiskScore > 10_000 {
			return fmt.Errorf("venue %s: risk_score above 10000", id)
		}
		if cfg.Simulation {
			continue
		}
		switch kind {
		case venue.KindLendingPool:
			if strings.TrimSpace(v.Pool) == "" || strings.TrimSpace(v.DataProvider) == "" {
				return fmt.Errorf("venue %s: pool and data_provider required", id)
			}
		case venue.KindRWAVault:
			if strings.TrimSpace(v.Vault) == "" {
				return fmt.Errorf("venue %s: vault required", id)
			}
		default:
			return fmt.Errorf("venue %s: %s venues are only available in simulation", id, kind)
		}
	}
	if !cfg.Simulation {
		if strings.TrimSpace(cfg.Chain.RPCURL) == "" {
			return fmt.Errorf("chain.rpc_url required outside simulation")
		}
		if cfg.Chain.ChainID <= 0 {
			return fmt.Errorf("chain.chain_id must be positive")
		}
		if strings.TrimSpace(cfg.Chain.Keystore) == "" {
			return fmt.Errorf("chain.keystore required outside simulation")
		}
		if strings.TrimSpace(cfg.Chain.Asset) == "" || strings.TrimSpace(cfg.Chain.PriceFeed) == "" {
			return fmt.Errorf("chain.asset and chain.price_feed required outside simulation")
		}
		if strings.TrimSpace(cfg.Chain.FeeRecipient) == "" {
			return fmt.Errorf("chain.fee_recipient required outside simulation")
		}
	}
	for _, src := range cfg.Oracle.Sources {
		if strings.TrimSpace(src.Name) == "" || strings.TrimSpace(src.Endpoint) == "" {
			return fmt.Errorf("oracle sources need a name and endpoint")
		}
	}
	if hook := strings.TrimSpace(cfg.Loyalty.Webhook); hook != "" {
		if u, err := url.Parse(hook); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("loyalty.webhook must be an http(s) url")
		}
	}
	if r := cfg.Telemetry.SampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	if cfg.RateLimit.Burst < 0 || cfg.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("rate_limit values must be positive")
	}
	return nil
}

func applyTelemetryEnv(t *Telemetry) {
	if strings.TrimSpace(t.Endpoint) == "" {
		t.Endpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	}
	if t.Insecure == nil {
		insecure := true
		if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
			if parsed, err := strconv.ParseBool(value); err == nil {
				insecure = parsed
			}
		}
		t.Insecure = &insecure
	}
	if len(t.Headers) == 0 {
		t.Headers = ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	}
	if t.Environment == "" {
		t.Environment = strings.TrimSpace(os.Getenv("YIELDVAULT_ENV"))
	}
	if t.SampleRatio == 0 {
		t.SampleRatio = 1
	}
	if t.Interval.Duration == 0 {
		t.Interval.Duration = 15 * time.Second
	}
}

// ParseHeaders reads the comma separated key=value form used by
// OTEL_EXPORTER_OTLP_HEADERS. Malformed pairs are dropped.
func ParseHeaders(raw string) map[string]string {
	headers := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(pair), "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			continue
		}
		headers[key] = strings.TrimSpace(value)
	}
	return headers
}
