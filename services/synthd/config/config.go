package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	"synthd/native/collateral"
)

// Duration wraps time.Duration for YAML and TOML decoding.
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
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
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

// Config captures runtime configuration for synthd.
type Config struct {
	ListenAddress string           `yaml:"listen" toml:"listen"`
	DatabasePath  string           `yaml:"database" toml:"database"`
	LedgerPath    string           `yaml:"ledger" toml:"ledger"`
	Owner         string           `yaml:"owner" toml:"owner"`
	Token         TokenConfig      `yaml:"token" toml:"token"`
	Collateral    CollateralConfig `yaml:"collateral" toml:"collateral"`
	Prices        PricesConfig     `yaml:"prices" toml:"prices"`
	Oracle        OracleConfig     `yaml:"oracle" toml:"oracle"`
	Settlement    SettlementConfig `yaml:"settlement" toml:"settlement"`
	Auth          AuthConfig       `yaml:"auth" toml:"auth"`
	Admin         AdminConfig      `yaml:"admin" toml:"admin"`
	Policy        PolicyConfig     `yaml:"policy" toml:"policy"`
	RateLimit     RateLimitConfig  `yaml:"rate_limit" toml:"rate_limit"`
	Logging       LoggingConfig    `yaml:"logging" toml:"logging"`
}

// TokenConfig names the synthetic asset.
type TokenConfig struct {
	Symbol string `yaml:"symbol" toml:"symbol"`
}

// CollateralConfig holds the over-collateralisation rule.
type CollateralConfig struct {
	RatioNumerator    uint64 `yaml:"ratio_numerator" toml:"ratio_numerator"`
	RatioDenominator  uint64 `yaml:"ratio_denominator" toml:"ratio_denominator"`
	MinimumRedemption string `yaml:"minimum_redemption" toml:"minimum_redemption"`
}

// PricesConfig selects the price feeds for the tracked asset and the
// settlement stablecoin.
type PricesConfig struct {
	MaxAge Duration   `yaml:"max_age" toml:"max_age"`
	RPCURL string     `yaml:"rpc_url" toml:"rpc_url"`
	Asset  FeedConfig `yaml:"asset" toml:"asset"`
	Quote  FeedConfig `yaml:"quote" toml:"quote"`
}

// FeedConfig describes one price source. Type is chainlink, http or manual.
type FeedConfig struct {
	Type     string `yaml:"type" toml:"type"`
	ID       string `yaml:"id" toml:"id"`
	Address  string `yaml:"address" toml:"address"`
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
	APIKey   string `yaml:"api_key" toml:"api_key"`
	Price    string `yaml:"price" toml:"price"`
}

// OracleConfig configures the request gateway. Mode is http or simulated.
type OracleConfig struct {
	Mode           string   `yaml:"mode" toml:"mode"`
	Endpoint       string   `yaml:"endpoint" toml:"endpoint"`
	APIKey         string   `yaml:"api_key" toml:"api_key"`
	SubscriptionID uint64   `yaml:"subscription_id" toml:"subscription_id"`
	GasLimit       uint32   `yaml:"gas_limit" toml:"gas_limit"`
	DonID          string   `yaml:"don_id" toml:"don_id"`
	Timeout        Duration `yaml:"timeout" toml:"timeout"`
	CallbackSecret string   `yaml:"callback_secret" toml:"callback_secret"`
	MintSource     string   `yaml:"mint_source" toml:"mint_source"`
	RedeemSource   string   `yaml:"redeem_source" toml:"redeem_source"`
}

// SettlementConfig describes the asset paid out on redemption.
type SettlementConfig struct {
	Symbol   string `yaml:"symbol" toml:"symbol"`
	Decimals uint8  `yaml:"decimals" toml:"decimals"`
	// PayoutEndpoint is the custody service releasing withdrawals. Empty
	// queues withdrawals for manual settlement.
	PayoutEndpoint string   `yaml:"payout_endpoint" toml:"payout_endpoint"`
	PayoutAPIKey   string   `yaml:"payout_api_key" toml:"payout_api_key"`
	PayoutTimeout  Duration `yaml:"payout_timeout" toml:"payout_timeout"`
}

// AuthConfig configures holder JWT verification.
type AuthConfig struct {
	JWTSecret string   `yaml:"jwt_secret" toml:"jwt_secret"`
	Issuer    string   `yaml:"issuer" toml:"issuer"`
	Audience  string   `yaml:"audience" toml:"audience"`
	ClockSkew Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// AdminConfig configures the operator endpoints.
type AdminConfig struct {
	BearerToken string    `yaml:"bearer_token" toml:"bearer_token"`
	TLS         TLSConfig `yaml:"tls" toml:"tls"`
	MTLS        MTLS      `yaml:"mtls" toml:"mtls"`
}

// TLSConfig points at the listener certificate.
type TLSConfig struct {
	Disable  bool   `yaml:"disable" toml:"disable"`
	CertPath string `yaml:"cert" toml:"cert"`
	KeyPath  string `yaml:"key" toml:"key"`
}

// MTLS enables client certificate authentication for admins.
type MTLS struct {
	Enabled      bool   `yaml:"enabled" toml:"enabled"`
	ClientCAPath string `yaml:"client_ca" toml:"client_ca"`
}

// PolicyConfig controls issuance throttling. Limits are token amounts.
type PolicyConfig struct {
	ID          string   `yaml:"id" toml:"id"`
	MintLimit   string   `yaml:"mint_limit" toml:"mint_limit"`
	RedeemLimit string   `yaml:"redeem_limit" toml:"redeem_limit"`
	Window      Duration `yaml:"window" toml:"window"`
}

// RateLimitConfig caps per-client request rates on holder endpoints.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// LoggingConfig tunes the log sink.
type LoggingConfig struct {
	Level string `yaml:"level" toml:"level"`
	File  string `yaml:"file" toml:"file"`
}

// secrets are read from the environment and take precedence over the file.
type secrets struct {
	JWTSecret      string `env:"SYNTHD_JWT_SECRET"`
	CallbackSecret string `env:"SYNTHD_CALLBACK_SECRET"`
	AdminToken     string `env:"SYNTHD_ADMIN_TOKEN"`
	OracleAPIKey   string `env:"SYNTHD_ORACLE_API_KEY"`
	PayoutAPIKey   string `env:"SYNTHD_PAYOUT_API_KEY"`
	RPCURL         string `env:"SYNTHD_RPC_URL"`
	LogFile        string `env:"SYNTHD_LOG_FILE"`
}

// Option customises loading.
type Option func(*loadOptions)

type loadOptions struct {
	allowInsecureBearer bool
}

// WithAllowInsecureBearerWithoutTLS permits bearer admin auth on a plaintext
// listener. Intended for local development.
func WithAllowInsecureBearerWithoutTLS() Option {
	return func(o *loadOptions) { o.allowInsecureBearer = true }
}

// Load reads configuration from path. Files ending in .toml are decoded as
// TOML, everything else as YAML.
func Load(path string, opts ...Option) (Config, error) {
	options := loadOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	cfg := Config{}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(raw), &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	} else if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := validate(cfg, options); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	var s secrets
	if err := env.Parse(&s); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	override := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	override(&cfg.Auth.JWTSecret, s.JWTSecret)
	override(&cfg.Oracle.CallbackSecret, s.CallbackSecret)
	override(&cfg.Admin.BearerToken, s.AdminToken)
	override(&cfg.Oracle.APIKey, s.OracleAPIKey)
	override(&cfg.Settlement.PayoutAPIKey, s.PayoutAPIKey)
	override(&cfg.Prices.RPCURL, s.RPCURL)
	override(&cfg.Logging.File, s.LogFile)
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7080"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "/var/data/synthd.sqlite"
	}
	if cfg.LedgerPath == "" {
		cfg.LedgerPath = "/var/data/synthd-requests.db"
	}
	if cfg.Token.Symbol == "" {
		cfg.Token.Symbol = "dTSLA"
	}
	if cfg.Collateral.RatioNumerator == 0 {
		cfg.Collateral.RatioNumerator = 200
	}
	if cfg.Collateral.RatioDenominator == 0 {
		cfg.Collateral.RatioDenominator = 100
	}
	if cfg.Collateral.MinimumRedemption == "" {
		cfg.Collateral.MinimumRedemption = "100"
	}
	if cfg.Prices.MaxAge.Duration == 0 {
		cfg.Prices.MaxAge.Duration = time.Hour
	}
	if cfg.Oracle.Mode == "" {
		cfg.Oracle.Mode = "http"
	}
	if cfg.Oracle.GasLimit == 0 {
		cfg.Oracle.GasLimit = 300_000
	}
	if cfg.Oracle.Timeout.Duration == 0 {
		cfg.Oracle.Timeout.Duration = 15 * time.Second
	}
	if cfg.Settlement.Symbol == "" {
		cfg.Settlement.Symbol = "USDC"
	}
	if cfg.Settlement.Decimals == 0 {
		cfg.Settlement.Decimals = 6
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.Policy.ID == "" {
		cfg.Policy.ID = "default"
	}
	if cfg.Policy.Window.Duration == 0 {
		cfg.Policy.Window.Duration = 24 * time.Hour
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 20
	}
}

func validate(cfg Config, opts loadOptions) error {
	if !common.IsHexAddress(cfg.Owner) {
		return fmt.Errorf("owner must be a hex address")
	}
	if cfg.OwnerAddress() == (common.Address{}) {
		return fmt.Errorf("owner must not be the zero address")
	}
	if _, err := cfg.MinimumRedemption(); err != nil {
		return fmt.Errorf("collateral.minimum_redemption: %w", err)
	}
	if err := validateFeed("prices.asset", cfg.Prices.Asset, cfg.Prices.RPCURL); err != nil {
		return err
	}
	if err := validateFeed("prices.quote", cfg.Prices.Quote, cfg.Prices.RPCURL); err != nil {
		return err
	}
	switch strings.ToLower(cfg.Oracle.Mode) {
	case "http":
		if strings.TrimSpace(cfg.Oracle.Endpoint) == "" {
			return fmt.Errorf("oracle.endpoint required in http mode")
		}
	case "simulated":
	default:
		return fmt.Errorf("oracle.mode %q not supported", cfg.Oracle.Mode)
	}
	if strings.TrimSpace(cfg.Oracle.CallbackSecret) == "" {
		return fmt.Errorf("oracle.callback_secret must be configured")
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return fmt.Errorf("auth.jwt_secret must be configured")
	}
	if cfg.Settlement.Decimals > collateral.Decimals {
		return fmt.Errorf("settlement.decimals must not exceed %d", collateral.Decimals)
	}
	if _, _, err := cfg.PolicyLimits(); err != nil {
		return err
	}
	if cfg.Admin.BearerToken != "" && cfg.Admin.TLS.Disable && !opts.allowInsecureBearer {
		return fmt.Errorf("admin bearer token requires TLS")
	}
	if cfg.Admin.MTLS.Enabled && strings.TrimSpace(cfg.Admin.MTLS.ClientCAPath) == "" {
		return fmt.Errorf("admin.mtls.client_ca required when mTLS is enabled")
	}
	return nil
}

func validateFeed(name string, feed FeedConfig, rpcURL string) error {
	switch strings.ToLower(strings.TrimSpace(feed.Type)) {
	case "chainlink":
		if !common.IsHexAddress(feed.Address) {
			return fmt.Errorf("%s.address must be a hex address", name)
		}
		if strings.TrimSpace(rpcURL) == "" {
			return fmt.Errorf("prices.rpc_url required for chainlink feeds")
		}
	case "http":
		if strings.TrimSpace(feed.Endpoint) == "" || strings.TrimSpace(feed.ID) == "" {
			return fmt.Errorf("%s requires endpoint and id", name)
		}
	case "manual":
		if _, err := collateral.ParseUnits(feed.Price, collateral.Decimals); err != nil {
			return fmt.Errorf("%s.price: %w", name, err)
		}
	default:
		return fmt.Errorf("%s.type %q not supported", name, feed.Type)
	}
	return nil
}

// OwnerAddress returns the configured mint owner.
func (c Config) OwnerAddress() common.Address {
	return common.HexToAddress(c.Owner)
}

// MinimumRedemption returns the settlement-value floor in 18 decimals.
func (c Config) MinimumRedemption() (*uint256.Int, error) {
	return collateral.ParseUnits(c.Collateral.MinimumRedemption, collateral.Decimals)
}

// PolicyLimits parses the throttle caps. Empty values disable a cap.
func (c Config) PolicyLimits() (mint, redeem *uint256.Int, err error) {
	parse := func(field, raw string) (*uint256.Int, error) {
		if strings.TrimSpace(raw) == "" {
			return new(uint256.Int), nil
		}
		v, err := collateral.ParseUnits(raw, collateral.Decimals)
		if err != nil {
			return nil, fmt.Errorf("policy.%s: %w", field, err)
		}
		return v, nil
	}
	if mint, err = parse("mint_limit", c.Policy.MintLimit); err != nil {
		return nil, nil, err
	}
	if redeem, err = parse("redeem_limit", c.Policy.RedeemLimit); err != nil {
		return nil, nil, err
	}
	return mint, redeem, nil
}
