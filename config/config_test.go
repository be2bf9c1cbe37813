package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadParsesSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `ListenAddress = "0.0.0.0:9000"
DataDir = "./data"
FeedURL = "http://feed.local/price"
PausedModules = ["Settlement"]

[valuation]
ConservativeRatioBps = 4000
UseStablecoinFaceValue = true
SettlementAsset = "usdl"
MaxQuoteAgeSeconds = 60

[ledger]
MinHealthFactorBps = 12000

[settlement]
PenaltyRateBps = 800
PlatformFeeBps = 2000
EarlyRepayPenaltyDays = 10
GuaranteeVault = "0x00000000000000000000000000000000000000fd"
PlatformVault = "0x00000000000000000000000000000000000000fe"

[gateway]
MaxRequestsPerMin = 120
EpochSeconds = 30
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != "0.0.0.0:9000" {
		t.Fatalf("listen address: %q", cfg.ListenAddress)
	}
	if cfg.Ledger.MinHealthFactorBps != 12_000 {
		t.Fatalf("min health factor: %d", cfg.Ledger.MinHealthFactorBps)
	}
	params, err := cfg.Valuation.Parameters()
	if err != nil {
		t.Fatalf("valuation params: %v", err)
	}
	if params.SettlementAsset != "USDL" || !params.UseStablecoinFaceValue {
		t.Fatalf("valuation section not applied: %+v", params)
	}

	settlement, err := cfg.SettlementParams()
	if err != nil {
		t.Fatalf("settlement params: %v", err)
	}
	if settlement.PenaltyRateBps != 800 || settlement.PlatformFeeBps != 2_000 {
		t.Fatalf("settlement rates: %+v", settlement)
	}
	if settlement.GuaranteeVault[19] != 0xFD || settlement.PlatformVault[19] != 0xFE {
		t.Fatalf("vault addresses not parsed: %+v", settlement)
	}

	pauses := cfg.Pauses()
	if !pauses.IsPaused("settlement") {
		t.Fatalf("expected settlement paused")
	}
	if pauses.IsPaused("ledger") {
		t.Fatalf("ledger must not be paused")
	}
}

func TestLoadCreatesDefaultFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default file not written: %v", err)
	}
	if cfg.ListenAddress == "" || cfg.DataDir == "" {
		t.Fatalf("defaults missing: %+v", cfg)
	}
	if cfg.Ledger.MinHealthFactorBps != 15_000 {
		t.Fatalf("default health factor: %d", cfg.Ledger.MinHealthFactorBps)
	}

	// A second load round-trips the persisted defaults.
	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.ListenAddress != cfg.ListenAddress {
		t.Fatalf("reload drifted: %q vs %q", again.ListenAddress, cfg.ListenAddress)
	}
}

func TestSettlementParamsRejectsBadRates(t *testing.T) {
	cfg := &Config{}
	cfg.Settlement.PenaltyRateBps = 10_001
	if _, err := cfg.SettlementParams(); err == nil {
		t.Fatalf("expected rate validation error")
	}
	cfg.Settlement.PenaltyRateBps = 500
	cfg.Settlement.GuaranteeVault = "not-an-address"
	if _, err := cfg.SettlementParams(); err == nil {
		t.Fatalf("expected address validation error")
	}
}
