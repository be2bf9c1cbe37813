package valuation

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"lendvault/core/types"
)

// Config captures the operator-defined valuation guardrails parsed from the
// TOML configuration. Amount fields are decimal strings so operators never
// hand-count zeros in scientific notation.
type Config struct {
	ConservativeRatioBps   uint64 `toml:"ConservativeRatioBps"`
	UseStablecoinFaceValue bool   `toml:"UseStablecoinFaceValue"`
	SettlementAsset        string `toml:"SettlementAsset"`
	MinMultiplierBps       uint64 `toml:"MinMultiplierBps"`
	MaxMultiplierBps       uint64 `toml:"MaxMultiplierBps"`
	MaxReasonablePrice     string `toml:"MaxReasonablePrice"`
	MaxQuoteAgeSeconds     int64  `toml:"MaxQuoteAgeSeconds"`
}

// Normalise trims whitespace and applies canonical defaults to a defensive
// copy of the configuration.
func (c Config) Normalise() Config {
	cfg := Config{
		ConservativeRatioBps:   c.ConservativeRatioBps,
		UseStablecoinFaceValue: c.UseStablecoinFaceValue,
		SettlementAsset:        types.NormalizeAsset(c.SettlementAsset),
		MinMultiplierBps:       c.MinMultiplierBps,
		MaxMultiplierBps:       c.MaxMultiplierBps,
		MaxReasonablePrice:     strings.TrimSpace(c.MaxReasonablePrice),
		MaxQuoteAgeSeconds:     c.MaxQuoteAgeSeconds,
	}
	if cfg.ConservativeRatioBps == 0 || cfg.ConservativeRatioBps > 10_000 {
		cfg.ConservativeRatioBps = 5_000
	}
	if cfg.MinMultiplierBps == 0 {
		cfg.MinMultiplierBps = 2_000
	}
	if cfg.MaxMultiplierBps == 0 {
		cfg.MaxMultiplierBps = 50_000
	}
	if cfg.MaxQuoteAgeSeconds <= 0 {
		cfg.MaxQuoteAgeSeconds = 120
	}
	return cfg
}

// Params is the runtime-ready interpretation of the configuration.
type Params struct {
	ConservativeRatioBps   uint64
	UseStablecoinFaceValue bool
	SettlementAsset        string
	MinMultiplierBps       uint64
	MaxMultiplierBps       uint64
	MaxReasonablePrice     *big.Int
	MaxQuoteAge            time.Duration
}

// Parameters converts the textual configuration into runtime values.
func (c Config) Parameters() (Params, error) {
	normalized := c.Normalise()
	params := Params{
		ConservativeRatioBps:   normalized.ConservativeRatioBps,
		UseStablecoinFaceValue: normalized.UseStablecoinFaceValue,
		SettlementAsset:        normalized.SettlementAsset,
		MinMultiplierBps:       normalized.MinMultiplierBps,
		MaxMultiplierBps:       normalized.MaxMultiplierBps,
		MaxQuoteAge:            time.Duration(normalized.MaxQuoteAgeSeconds) * time.Second,
	}
	if normalized.MaxReasonablePrice != "" {
		price, ok := new(big.Int).SetString(normalized.MaxReasonablePrice, 10)
		if !ok || price.Sign() <= 0 {
			return params, fmt.Errorf("valuation: invalid MaxReasonablePrice %q", normalized.MaxReasonablePrice)
		}
		params.MaxReasonablePrice = price
	}
	if params.MinMultiplierBps >= params.MaxMultiplierBps {
		return params, fmt.Errorf("valuation: MinMultiplierBps %d must be below MaxMultiplierBps %d",
			params.MinMultiplierBps, params.MaxMultiplierBps)
	}
	return params, nil
}
