package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load with missing file: %v", err)
	}
	if cfg.Mode.TradingMode != "paper" {
		t.Errorf("default trading mode = %q, want paper", cfg.Mode.TradingMode)
	}
	if cfg.Trading.ScanIntervalSeconds != 60 {
		t.Errorf("default scan interval = %d, want 60", cfg.Trading.ScanIntervalSeconds)
	}
	if cfg.AI.ConfluenceThreshold != 3 {
		t.Errorf("default confluence threshold = %d, want 3", cfg.AI.ConfluenceThreshold)
	}
	if cfg.Risk.MaxRiskPerTrade != 0.02 {
		t.Errorf("default max risk = %v, want 0.02", cfg.Risk.MaxRiskPerTrade)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
mode:
  trading_mode: paper
trading:
  pairs: ["SOL/USD"]
  scan_interval_seconds: 30
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("NOVAPULSE_PAIRS", "BTC/USD, ETH/USD")
	t.Setenv("NOVAPULSE_SCAN_INTERVAL", "45")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Trading.Pairs) != 2 || cfg.Trading.Pairs[0] != "BTC/USD" {
		t.Errorf("env pairs not applied: %v", cfg.Trading.Pairs)
	}
	if cfg.Trading.ScanIntervalSeconds != 45 {
		t.Errorf("env scan interval = %d, want 45", cfg.Trading.ScanIntervalSeconds)
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Mode.TradingMode = "yolo"
	cfg.Trading.ScanIntervalSeconds = 1
	cfg.Risk.MaxRiskPerTrade = 0.5

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, key := range []string{"mode.trading_mode", "trading.scan_interval_seconds", "risk.max_risk_per_trade"} {
		if !strings.Contains(msg, key) {
			t.Errorf("validation error missing %q: %s", key, msg)
		}
	}
}

func TestValidateLiveRequiresCredentials(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Mode.TradingMode = "live"

	if err := cfg.Validate(); err == nil {
		t.Fatal("live mode without credentials should fail validation")
	}

	cfg.Vault.Enabled = true
	if err := cfg.Validate(); err != nil {
		t.Errorf("live mode with vault enabled should pass: %v", err)
	}
}

func TestValidateSmartExitTiers(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Risk.SmartExitTiers = []SmartExitTier{
		{TPMultiple: 0.75, Fraction: 0.5},
		{TPMultiple: 0.5, Fraction: 0.33}, // out of order
	}
	if err := cfg.Validate(); err == nil {
		t.Error("non-increasing tiers should fail validation")
	}
}

func TestOutlierThresholdFor(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Trading.OutlierThresholdOverrides = map[string]float64{"DOGE/USD": 0.35}

	if got := cfg.OutlierThresholdFor("DOGE/USD"); got != 0.35 {
		t.Errorf("override threshold = %v, want 0.35", got)
	}
	if got := cfg.OutlierThresholdFor("BTC/USD"); got != 0.20 {
		t.Errorf("default threshold = %v, want 0.20", got)
	}
}

func TestWriteSampleRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.yaml")
	if err := WriteSample(path); err != nil {
		t.Fatalf("WriteSample: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("sample config does not validate: %v", err)
	}
	if cfg.Mode.TradingMode != "paper" {
		t.Errorf("sample mode = %q, want paper", cfg.Mode.TradingMode)
	}
}
