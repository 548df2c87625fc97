package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
listen: ":9000"
owner: "0x00000000000000000000000000000000000000a1"
prices:
  max_age: 30m
  asset:
    type: manual
    price: "150"
  quote:
    type: manual
    price: "1"
oracle:
  mode: simulated
  callback_secret: "from-file"
auth:
  jwt_secret: "jwt"
policy:
  mint_limit: "1000"
`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "synthd.yaml", sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":9000" {
		t.Fatalf("unexpected listen %q", cfg.ListenAddress)
	}
	if cfg.Prices.MaxAge.Duration != 30*time.Minute {
		t.Fatalf("unexpected max age %s", cfg.Prices.MaxAge.Duration)
	}
	if cfg.Collateral.RatioNumerator != 200 || cfg.Collateral.RatioDenominator != 100 {
		t.Fatalf("unexpected ratio defaults %+v", cfg.Collateral)
	}
	minimum, err := cfg.MinimumRedemption()
	if err != nil || minimum.Dec() != "100000000000000000000" {
		t.Fatalf("unexpected minimum %v err=%v", minimum, err)
	}
	mint, redeem, err := cfg.PolicyLimits()
	if err != nil {
		t.Fatalf("policy limits: %v", err)
	}
	if mint.Dec() != "1000000000000000000000" || !redeem.IsZero() {
		t.Fatalf("unexpected limits mint=%s redeem=%s", mint.Dec(), redeem.Dec())
	}
	if cfg.Settlement.Decimals != 6 {
		t.Fatalf("expected settlement decimals default 6, got %d", cfg.Settlement.Decimals)
	}
}

func TestLoadTOML(t *testing.T) {
	body := `
listen = ":9100"
owner = "0x00000000000000000000000000000000000000a1"

[prices]
max_age = "5m"

[prices.asset]
type = "manual"
price = "150"

[prices.quote]
type = "manual"
price = "1"

[oracle]
mode = "simulated"
callback_secret = "cb"

[auth]
jwt_secret = "jwt"
`
	cfg, err := Load(writeConfig(t, "synthd.toml", body))
	if err != nil {
		t.Fatalf("load toml: %v", err)
	}
	if cfg.ListenAddress != ":9100" || cfg.Prices.MaxAge.Duration != 5*time.Minute {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestEnvironmentOverridesSecrets(t *testing.T) {
	t.Setenv("SYNTHD_CALLBACK_SECRET", "from-env")
	t.Setenv("SYNTHD_PAYOUT_API_KEY", "custody-key")
	cfg, err := Load(writeConfig(t, "synthd.yaml", sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Oracle.CallbackSecret != "from-env" {
		t.Fatalf("expected env override, got %q", cfg.Oracle.CallbackSecret)
	}
	if cfg.Settlement.PayoutAPIKey != "custody-key" {
		t.Fatalf("expected payout key override, got %q", cfg.Settlement.PayoutAPIKey)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"owner":         strings.Replace(sampleYAML, "0x00000000000000000000000000000000000000a1", "nope", 1),
		"feed type":     strings.Replace(sampleYAML, "type: manual\n    price: \"150\"", "type: carrier-pigeon", 1),
		"oracle mode":   strings.Replace(sampleYAML, "mode: simulated", "mode: smoke-signal", 1),
		"http endpoint": strings.Replace(sampleYAML, "mode: simulated", "mode: http", 1),
		"policy":        strings.Replace(sampleYAML, `mint_limit: "1000"`, `mint_limit: "-1"`, 1),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, "synthd.yaml", body)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
