package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"lendvault/core/types"
	"lendvault/native/guarantee"
	"lendvault/native/valuation"
)

// Config is the operator-facing TOML configuration for a lendvault node.
type Config struct {
	ListenAddress string   `toml:"ListenAddress"`
	DataDir       string   `toml:"DataDir"`
	FeedURL       string   `toml:"FeedURL"`
	PausedModules []string `toml:"PausedModules"`

	Valuation  valuation.Config `toml:"valuation"`
	Ledger     LedgerConfig     `toml:"ledger"`
	Settlement SettlementConfig `toml:"settlement"`
	Gateway    GatewayConfig    `toml:"gateway"`
}

// LedgerConfig carries the collateral accounting thresholds.
type LedgerConfig struct {
	MinHealthFactorBps uint64 `toml:"MinHealthFactorBps"`
}

// SettlementConfig carries the settlement rates and platform vault addresses.
// Addresses are 0x-prefixed hex.
type SettlementConfig struct {
	PenaltyRateBps        uint64 `toml:"PenaltyRateBps"`
	PlatformFeeBps        uint64 `toml:"PlatformFeeBps"`
	EarlyRepayPenaltyDays uint64 `toml:"EarlyRepayPenaltyDays"`
	GuaranteeVault        string `toml:"GuaranteeVault"`
	PlatformVault         string `toml:"PlatformVault"`
}

// GatewayConfig throttles the HTTP front door.
type GatewayConfig struct {
	MaxRequestsPerMin uint32 `toml:"MaxRequestsPerMin"`
	EpochSeconds      uint64 `toml:"EpochSeconds"`
}

// Load reads the configuration at path, writing a default file first when
// none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.normalise()
	return cfg, nil
}

func (c *Config) normalise() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = "0.0.0.0:8680"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./lendvault-data"
	}
	if c.PausedModules == nil {
		c.PausedModules = []string{}
	}
	if c.Ledger.MinHealthFactorBps == 0 {
		c.Ledger.MinHealthFactorBps = 15_000
	}
	if c.Settlement.PenaltyRateBps == 0 {
		c.Settlement.PenaltyRateBps = 1_000
	}
	if c.Gateway.MaxRequestsPerMin == 0 {
		c.Gateway.MaxRequestsPerMin = 600
	}
	if c.Gateway.EpochSeconds == 0 {
		c.Gateway.EpochSeconds = 60
	}
}

// SettlementParams converts the textual settlement section into the runtime
// parameter block.
func (c *Config) SettlementParams() (guarantee.SettlementParams, error) {
	params := guarantee.SettlementParams{
		PenaltyRateBps: c.Settlement.PenaltyRateBps,
		PlatformFeeBps: c.Settlement.PlatformFeeBps,
	}
	if params.PenaltyRateBps > 10_000 {
		return params, fmt.Errorf("config: PenaltyRateBps %d above 10000", params.PenaltyRateBps)
	}
	if params.PlatformFeeBps > 10_000 {
		return params, fmt.Errorf("config: PlatformFeeBps %d above 10000", params.PlatformFeeBps)
	}
	if v := strings.TrimSpace(c.Settlement.GuaranteeVault); v != "" {
		addr, err := types.ParseAddress(v)
		if err != nil {
			return params, fmt.Errorf("config: GuaranteeVault: %w", err)
		}
		params.GuaranteeVault = addr
	}
	if v := strings.TrimSpace(c.Settlement.PlatformVault); v != "" {
		addr, err := types.ParseAddress(v)
		if err != nil {
			return params, fmt.Errorf("config: PlatformVault: %w", err)
		}
		params.PlatformVault = addr
	}
	return params, nil
}

// Pauses builds the static pause view from the configured module list.
func (c *Config) Pauses() PauseSet {
	set := make(PauseSet, len(c.PausedModules))
	for _, module := range c.PausedModules {
		name := strings.ToLower(strings.TrimSpace(module))
		if name != "" {
			set[name] = struct{}{}
		}
	}
	return set
}

// PauseSet is a static pause view sourced from configuration.
type PauseSet map[string]struct{}

// IsPaused implements the engines' pause view contract.
func (p PauseSet) IsPaused(module string) bool {
	_, paused := p[strings.ToLower(module)]
	return paused
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	cfg.normalise()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return toml.NewEncoder(file).Encode(cfg)
}
