package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// LoadPolicy loads the engine policy from the given path, writing the default
// policy there when the file does not exist yet.
func LoadPolicy(path string) (*Policy, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	policy := Default()
	meta, err := toml.DecodeFile(path, policy)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("policy file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if err := Validate(policy); err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return policy, nil
}

// Default returns the policy used when no file is present.
func Default() *Policy {
	return &Policy{
		Allocation: Allocation{
			Pool:                    "main",
			MinAllocation:           "0",
			OnchainWeightBps:        5_000,
			Remainder:               "first",
			RestrictedMinAllocation: "0",
			UpkeepIntervalSeconds:   3_600,
		},
		Fees:           Fees{ManagementBps: 50, PerformanceBps: 1_000},
		Risk:           Risk{MinLiquidity: "0", MaxLTVBps: 8_000},
		RestrictedRisk: Risk{MinLiquidity: "0", MaxLTVBps: 8_000},
		Leverage: Leverage{
			MaxPriceChangeBps:   500,
			PriceMaxAgeSeconds:  300,
			MaxSignalChangeBps:  1_000,
			SignalWindowSeconds: 3_600,
			SignalMaxAgeSeconds: 900,
			MinLiquidity:        "0",
			MaxTotalBorrow:      "0",
			PerVenueBps:         5_000,
			MaxLeveragedVenues:  2,
			Venues:              map[string]uint64{},
		},
		Oracle: Oracle{Quorum: 2, MaxAgeSeconds: 600, MaxAPYBps: 10_000, MaxRiskBps: 10_000},
	}
}

// createDefault creates and saves a default policy file.
func createDefault(path string) (*Policy, error) {
	policy := Default()
	if err := Persist(path, policy); err != nil {
		return nil, err
	}
	return policy, nil
}

// Persist writes the policy as TOML.
func Persist(path string, policy *Policy) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(policy)
}
