package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"yieldvault/config"
	"yieldvault/core/events"
	"yieldvault/native/allocation"
	"yieldvault/native/common"
	"yieldvault/native/leverage"
	"yieldvault/native/oracle"
	"yieldvault/native/risk"
	"yieldvault/native/venue"
	telemetry "yieldvault/observability/otel"
	"yieldvault/services/allocd/chain"
	allocdconfig "yieldvault/services/allocd/config"
	"yieldvault/services/allocd/loyalty"
	"yieldvault/services/allocd/sources"
	"yieldvault/storage"
)

// simulatedPrice is the reference price reported in simulation mode.
var simulatedPrice = big.NewInt(100_000_000)

// chainDeps carries the EVM connection used by on-chain venues.
type chainDeps struct {
	backend chain.Backend
	signer  *chain.Signer
}

// stack is everything assembled around the allocation engine.
type stack struct {
	engine    *allocation.Engine
	leverage  *leverage.Controller
	aggregate *oracle.Aggregator
	registry  *venue.MemoryRegistry
	adapters  venue.Set
	pauses    *common.Pauses
	db        storage.Database
	restored  bool
}

// Close releases the snapshot database.
func (s *stack) Close() {
	if s != nil && s.db != nil {
		s.db.Close()
	}
}

// buildVenues registers every configured venue and binds its adapter: memory
// backends in simulation, EVM contracts otherwise.
func buildVenues(cfg allocdconfig.Config, deps *chainDeps) (*venue.MemoryRegistry, venue.Set, error) {
	registry := venue.NewMemoryRegistry()
	adapters := make([]venue.Adapter, 0, len(cfg.Venues))
	for _, v := range cfg.Venues {
		kind, err := venue.ParseKind(v.Kind)
		if err != nil {
			return nil, nil, fmt.Errorf("venue %s: %w", v.ID, err)
		}
		class := venue.Class(v.Class).Normalize()
		registry.Put(venue.Entry{
			ID:         v.ID,
			Kind:       kind,
			Class:      class,
			Compliant:  v.IsCompliant(),
			RiskScore:  v.RiskScore,
			Registered: true,
		})
		var adapter venue.Adapter
		if cfg.Simulation {
			adapter, err = simulatedAdapter(v, kind)
		} else {
			adapter, err = chainAdapter(v, kind, cfg.Chain, deps)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("venue %s: %w", v.ID, err)
		}
		adapters = append(adapters, adapter)
	}
	set, err := venue.NewSet(adapters...)
	if err != nil {
		return nil, nil, err
	}
	return registry, set, nil
}

func simulatedAdapter(v allocdconfig.Venue, kind venue.Kind) (venue.Adapter, error) {
	liquidity := big.NewInt(0)
	if raw := strings.TrimSpace(v.Liquidity); raw != "" {
		if _, ok := liquidity.SetString(raw, 10); !ok || liquidity.Sign() < 0 {
			return nil, fmt.Errorf("invalid simulated liquidity %q", v.Liquidity)
		}
	}
	backend := venue.NewMemory(v.ID, liquidity, v.APYBps, nil)
	switch kind {
	case venue.KindLendingPool:
		return venue.NewLendingPool(v.ID, backend), nil
	case venue.KindLiquidityPool:
		return venue.NewLiquidityPool(v.ID, backend), nil
	case venue.KindRWAVault:
		return venue.NewRWAVault(v.ID, backend), nil
	default:
		return nil, fmt.Errorf("unsupported kind %s", kind)
	}
}

func chainAdapter(v allocdconfig.Venue, kind venue.Kind, cfg allocdconfig.ChainConfig, deps *chainDeps) (venue.Adapter, error) {
	if deps == nil || deps.backend == nil {
		return nil, errors.New("chain connection required")
	}
	switch kind {
	case venue.KindLendingPool:
		client, err := chain.NewLendingPool(deps.backend, deps.signer, v.Pool, v.DataProvider, cfg.Asset)
		if err != nil {
			return nil, err
		}
		return venue.NewLendingPool(v.ID, client), nil
	case venue.KindRWAVault:
		client, err := chain.NewVault(deps.backend, deps.signer, v.Vault, cfg.Asset, v.APYBps)
		if err != nil {
			return nil, err
		}
		return venue.NewRWAVault(v.ID, client), nil
	default:
		return nil, fmt.Errorf("%s venues are only available in simulation", kind)
	}
}

// buildOracle wires one HTTP source per configured provider.
func buildOracle(cfg allocdconfig.Config, policy *config.Policy, logger *slog.Logger) (*oracle.Aggregator, error) {
	srcs := make([]oracle.Source, 0, len(cfg.Oracle.Sources))
	for _, s := range cfg.Oracle.Sources {
		src, err := sources.NewHTTPSource(s.Name, s.Endpoint, s.APIKey, cfg.Oracle.Timeout.Duration)
		if err != nil {
			return nil, err
		}
		srcs = append(srcs, src)
	}
	return oracle.New(srcs, policy.OracleConfig(), oracle.WithLogger(logger))
}

// priceFeed returns the reference price source for the leverage breakers.
func priceFeed(cfg allocdconfig.Config, deps *chainDeps) (leverage.PriceFeed, error) {
	if cfg.Simulation {
		return leverage.PriceFeedFunc(func(context.Context) (leverage.PriceSample, error) {
			return leverage.PriceSample{Price: new(big.Int).Set(simulatedPrice), ObservedAt: time.Now()}, nil
		}), nil
	}
	if deps == nil || deps.backend == nil {
		return nil, errors.New("chain connection required for price feed")
	}
	return chain.NewPriceFeed(deps.backend, cfg.Chain.PriceFeed)
}

// feeSink pays fees into the in-memory treasury in simulation and as ERC-20
// transfers to the configured recipient otherwise.
func feeSink(cfg allocdconfig.Config, deps *chainDeps) (allocation.FeeSink, error) {
	if cfg.Simulation {
		return &allocation.MemoryFeeSink{}, nil
	}
	if deps == nil || deps.backend == nil {
		return nil, errors.New("chain connection required for fee transfers")
	}
	return chain.NewFeeSink(deps.backend, deps.signer, cfg.Chain.Asset, cfg.Chain.FeeRecipient)
}

// loyaltyNotifier returns nil when no webhook is configured.
func loyaltyNotifier(cfg allocdconfig.Loyalty) (allocation.Loyalty, error) {
	if strings.TrimSpace(cfg.Webhook) == "" {
		return nil, nil
	}
	return loyalty.NewWebhook(cfg.Webhook, cfg.Timeout.Duration)
}

func telemetryConfig(cfg allocdconfig.Telemetry) telemetry.Config {
	insecure := cfg.Insecure == nil || *cfg.Insecure
	return telemetry.Config{
		ServiceName: "allocd",
		Environment: cfg.Environment,
		Endpoint:    strings.TrimSpace(cfg.Endpoint),
		Insecure:    insecure,
		Headers:     cfg.Headers,
		SampleRatio: cfg.SampleRatio,
		Interval:    cfg.Interval.Duration,
	}
}

// openState opens the snapshot database: LevelDB at path, or memory when no
// path is configured.
func openState(path string) (storage.Database, error) {
	if strings.TrimSpace(path) == "" {
		return storage.NewMemDB(), nil
	}
	return storage.NewLevelDB(path)
}

// assemble builds the engines and restores the latest committed snapshot.
func assemble(cfg allocdconfig.Config, policy *config.Policy, deps *chainDeps, bus *events.Bus, recorder leverage.Recorder, logger *slog.Logger) (*stack, error) {
	registry, adapters, err := buildVenues(cfg, deps)
	if err != nil {
		return nil, err
	}
	riskCfg, err := policy.Risk.RiskConfig()
	if err != nil {
		return nil, err
	}
	riskEngine, err := risk.NewEngine(registry, riskCfg)
	if err != nil {
		return nil, err
	}
	restrictedCfg, err := policy.RestrictedRisk.RiskConfig()
	if err != nil {
		return nil, err
	}
	restrictedRisk, err := risk.NewEngine(registry, restrictedCfg)
	if err != nil {
		return nil, err
	}
	agg, err := buildOracle(cfg, policy, logger)
	if err != nil {
		return nil, err
	}
	prices, err := priceFeed(cfg, deps)
	if err != nil {
		return nil, err
	}
	levCfg, err := policy.LeverageConfig()
	if err != nil {
		return nil, err
	}
	levOpts := []leverage.Option{
		leverage.WithSignalFeed(sources.NewSignalFeed(agg)),
		leverage.WithLogger(logger),
	}
	if bus != nil {
		levOpts = append(levOpts, leverage.WithEmitter(bus))
	}
	if recorder != nil {
		levOpts = append(levOpts, leverage.WithRecorder(recorder))
	}
	controller, err := leverage.New(riskEngine, prices, levCfg, levOpts...)
	if err != nil {
		return nil, err
	}
	allocCfg, err := policy.AllocationConfig()
	if err != nil {
		return nil, err
	}
	fees, err := feeSink(cfg, deps)
	if err != nil {
		return nil, err
	}
	notifier, err := loyaltyNotifier(cfg.Loyalty)
	if err != nil {
		return nil, err
	}
	db, err := openState(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}
	snapshots := allocation.NewKVSnapshots(db, policy.Allocation.Pool)
	pauses := policy.PauseSet()
	engOpts := []allocation.Option{allocation.WithLogger(logger)}
	if bus != nil {
		engOpts = append(engOpts, allocation.WithEmitter(bus))
	}
	engine, err := allocation.New(allocCfg, allocation.Deps{
		Registry:       registry,
		Adapters:       adapters,
		Risk:           riskEngine,
		RestrictedRisk: restrictedRisk,
		Oracle:         agg,
		Leverage:       controller,
		FeeSink:        fees,
		Loyalty:        notifier,
		Store:          snapshots,
		Pauses:         pauses,
	}, engOpts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	s := &stack{
		engine:    engine,
		leverage:  controller,
		aggregate: agg,
		registry:  registry,
		adapters:  adapters,
		pauses:    pauses,
		db:        db,
	}
	snap, err := snapshots.Latest()
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		s.Close()
		return nil, fmt.Errorf("load snapshot: %w", err)
	default:
		if err := engine.Restore(snap); err != nil {
			s.Close()
			return nil, fmt.Errorf("restore snapshot: %w", err)
		}
		s.restored = true
	}
	return s, nil
}
