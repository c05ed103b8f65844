package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"yieldvault/internal/passphrase"
	"yieldvault/config"
	"yieldvault/core/events"
	"yieldvault/observability/logging"
	telemetry "yieldvault/observability/otel"
	"yieldvault/services/allocd/auth"
	"yieldvault/services/allocd/chain"
	allocdconfig "yieldvault/services/allocd/config"
	"yieldvault/services/allocd/server"
	"yieldvault/services/allocd/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/allocd/config.yaml", "path to allocd configuration file")
	flag.Parse()

	cfg, err := allocdconfig.Load(cfgPath)
	if err != nil {
		log.Fatalf("allocd: load config: %v", err)
	}

	env := strings.TrimSpace(os.Getenv("YIELDVAULT_ENV"))
	logger, logCloser := logging.SetupWithFile("allocd", env, logging.FileConfig{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	defer logCloser.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetryConfig(cfg.Telemetry))
	if err != nil {
		log.Fatalf("allocd: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	policy, err := config.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		log.Fatalf("allocd: load policy: %v", err)
	}

	var deps *chainDeps
	if !cfg.Simulation {
		client, err := chain.Dial(cfg.Chain.RPCURL)
		if err != nil {
			log.Fatalf("allocd: dial chain: %v", err)
		}
		defer client.Close()
		pass, err := passphrase.NewSource(cfg.Chain.PassphraseEnv, "signer keystore").Get()
		if err != nil {
			log.Fatalf("allocd: keystore passphrase: %v", err)
		}
		signer, err := chain.LoadSigner(cfg.Chain.Keystore, pass, cfg.Chain.ChainID)
		if err != nil {
			log.Fatalf("allocd: load signer: %v", err)
		}
		signer.GasLimit = cfg.Chain.GasLimit
		signer.Confirm = cfg.Chain.ConfirmTimeout.Duration
		deps = &chainDeps{backend: client, signer: signer}
		logger.Info("chain connected",
			logging.MaskURL("rpc_url", cfg.Chain.RPCURL),
			logging.MaskField("keystore", cfg.Chain.Keystore),
			logging.MaskField("signer", signer.From().Hex()),
			slog.Int64("chain_id", cfg.Chain.ChainID))
	} else {
		log.Printf("allocd: running in simulation mode")
	}

	audit, err := storage.Open(cfg.Audit.DSN, log.Default())
	if err != nil {
		log.Fatalf("allocd: open audit store: %v", err)
	}
	defer audit.Close()

	bus := events.NewBus()
	s, err := assemble(cfg, policy, deps, bus, audit, logger)
	if err != nil {
		log.Fatalf("allocd: assemble engine: %v", err)
	}
	defer s.Close()
	if s.restored {
		ledger := s.engine.Ledger()
		log.Printf("allocd: restored snapshot %d (nav %s)", ledger.Sequence, ledger.NAV())
	}

	authenticator, err := auth.NewAuthenticator(auth.Config{
		Disabled:   cfg.Auth.Disabled,
		HMACSecret: os.Getenv(cfg.Auth.SecretEnv),
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		ClockSkew:  cfg.Auth.ClockSkew.Duration,
	}, log.Default())
	if err != nil {
		log.Fatalf("allocd: auth: %v (set %s)", err, cfg.Auth.SecretEnv)
	}
	if cfg.Auth.Disabled {
		log.Printf("allocd: WARNING: API authentication disabled")
	}

	apiDeps := server.Deps{
		Engine:   s.engine,
		Auth:     authenticator,
		Limiter:  server.NewRateLimiter(server.RateLimit{RequestsPerMinute: cfg.RateLimit.RequestsPerMinute, Burst: cfg.RateLimit.Burst}, log.Default()),
		Pauses:   s.pauses,
		Leverage: s.leverage,
		Bus:      bus,
		Audit:    audit,
	}
	if path := strings.TrimSpace(cfg.Idempotency.Path); path != "" {
		idem, err := storage.OpenIdempotency(path)
		if err != nil {
			log.Fatalf("allocd: open idempotency store: %v", err)
		}
		defer idem.Close()
		apiDeps.Idempotency = idem
	}

	srv, err := server.New(server.Config{
		ListenAddress:  cfg.ListenAddress,
		ExportDir:      cfg.Export.Dir,
		IdempotencyTTL: cfg.Idempotency.TTL.Duration,
	}, apiDeps, log.Default())
	if err != nil {
		log.Fatalf("allocd: server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	records, cancel := bus.Subscribe(1024)
	defer cancel()
	go audit.Consume(ctx, records)

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("allocd: server stopped: %v", err)
	}
	log.Printf("allocd: shutdown complete (dropped %d events)", bus.Dropped())
}
