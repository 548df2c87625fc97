package synthd

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"

	"synthd/native/collateral"
	"synthd/native/requests"
	"synthd/native/token"
	"synthd/observability"
	"synthd/observability/logging"
	telemetry "synthd/observability/otel"
	"synthd/services/synthd/config"
	"synthd/services/synthd/coordinator"
	"synthd/services/synthd/middleware"
	"synthd/services/synthd/oracle"
	"synthd/services/synthd/payout"
	"synthd/services/synthd/pricefeed"
	"synthd/services/synthd/server"
	"synthd/services/synthd/storage"
)

// Main runs the synthd daemon until SIGINT or SIGTERM.
func Main() error {
	var (
		cfgPath                       string
		allowInsecureBearerWithoutTLS bool
	)
	flag.StringVar(&cfgPath, "config", "services/synthd/config.yaml", "path to synthd configuration file")
	flag.BoolVar(&allowInsecureBearerWithoutTLS, "allow-insecure-bearer-without-tls", false, "allow admin bearer authentication without TLS (dev only)")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("SYNTHD_ENV"))
	logger := logging.Setup("synthd", env)

	var loadOptions []config.Option
	if allowInsecureBearerWithoutTLS {
		if env != "dev" {
			return fmt.Errorf("--allow-insecure-bearer-without-tls requires SYNTHD_ENV=dev")
		}
		logger.Warn("synthd: allowing admin bearer token without TLS (development override)")
		loadOptions = append(loadOptions, config.WithAllowInsecureBearerWithoutTLS())
	}
	cfg, err := config.Load(cfgPath, loadOptions...)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Logging.File != "" || cfg.Logging.Level != "" {
		logger = logging.SetupWithOptions("synthd", env, logging.Options{
			Level: logging.ParseLevel(cfg.Logging.Level),
			File:  cfg.Logging.File,
		})
	}

	telemetrySettings, err := telemetry.SettingsFromEnv("synthd", env)
	if err != nil {
		return err
	}
	pipeline, err := telemetry.Start(context.Background(), telemetrySettings)
	if err != nil {
		return fmt.Errorf("start telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := pipeline.Shutdown(flushCtx); err != nil {
			logger.Warn("synthd: flush telemetry", "error", err)
		}
	}()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dsn, err := storage.FileDSN(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("resolve storage DSN: %w", err)
	}
	store, err := storage.Open(dsn)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	ledger, err := requests.OpenBoltLedger(cfg.LedgerPath)
	if err != nil {
		return fmt.Errorf("open request ledger: %w", err)
	}
	defer ledger.Close()

	if err := seedPolicy(rootCtx, cfg, store); err != nil {
		return err
	}

	book := token.NewBook(cfg.Token.Symbol, store)
	accounts, err := store.LoadAccounts(rootCtx)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	if err := book.Restore(accounts); err != nil {
		return fmt.Errorf("restore accounts: %w", err)
	}

	minimum, err := cfg.MinimumRedemption()
	if err != nil {
		return err
	}
	engine, err := collateral.NewEngine(collateral.Params{
		RatioNumerator:    cfg.Collateral.RatioNumerator,
		RatioDenominator:  cfg.Collateral.RatioDenominator,
		MinimumRedemption: minimum,
	})
	if err != nil {
		return fmt.Errorf("collateral engine: %w", err)
	}

	prices, err := buildPrices(rootCtx, cfg)
	if err != nil {
		return err
	}
	gateway, err := buildGateway(cfg)
	if err != nil {
		return err
	}
	payoutWallet, err := buildPayout(cfg)
	if err != nil {
		return err
	}
	mintSource, err := oracle.LoadSource(cfg.Oracle.MintSource, oracle.DefaultMintSource)
	if err != nil {
		return fmt.Errorf("load mint source: %w", err)
	}
	redeemSource, err := oracle.LoadSource(cfg.Oracle.RedeemSource, oracle.DefaultRedeemSource)
	if err != nil {
		return fmt.Errorf("load redeem source: %w", err)
	}

	coord, err := coordinator.New(coordinator.Config{
		Ledger:             ledger,
		Gateway:            gateway,
		Prices:             prices,
		Engine:             engine,
		Book:               book,
		CanMint:            coordinator.OwnerOnly(cfg.OwnerAddress()),
		Sources:            coordinator.Sources{Mint: mintSource, Redeem: redeemSource},
		Routing:            coordinator.Routing{SubscriptionID: cfg.Oracle.SubscriptionID, GasLimit: cfg.Oracle.GasLimit, DonID: cfg.Oracle.DonID},
		SettlementDecimals: cfg.Settlement.Decimals,
	},
		coordinator.WithJournal(store),
		coordinator.WithThrottle(coordinator.PolicyThrottle{Store: store, PolicyID: cfg.Policy.ID}),
		coordinator.WithLogger(logger),
		coordinator.WithPayout(payoutWallet),
	)
	if err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}
	if obs, ok, err := store.LatestPortfolio(rootCtx); err != nil {
		return fmt.Errorf("load portfolio: %w", err)
	} else if ok {
		coord.RestorePortfolio(obs)
	}
	report, err := coord.ReconcileEscrow(rootCtx)
	if err != nil {
		return fmt.Errorf("reconcile escrow: %w", err)
	}
	if len(report.Released) > 0 || len(report.Short) > 0 {
		logger.Warn("synthd: escrow reconciled at startup", "released", len(report.Released), "short", len(report.Short))
	}
	metrics := observability.Synthd()
	metrics.SetSupply(book.TotalSupply().ToBig())
	if n, err := ledger.Len(); err == nil {
		metrics.SetPending(n)
	}

	holders, err := middleware.NewAuthenticator(middleware.AuthConfig{
		HMACSecret: cfg.Auth.JWTSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		ClockSkew:  cfg.Auth.ClockSkew.Duration,
	}, logger)
	if err != nil {
		return fmt.Errorf("holder auth: %w", err)
	}
	admin, err := server.NewAdminAuthenticator(server.AdminAuthConfig{
		BearerToken: cfg.Admin.BearerToken,
		AllowMTLS:   cfg.Admin.MTLS.Enabled,
	})
	if err != nil {
		return fmt.Errorf("admin auth: %w", err)
	}
	httpObs, err := middleware.NewObservability(prometheus.DefaultRegisterer, logger)
	if err != nil {
		return fmt.Errorf("http metrics: %w", err)
	}
	tlsConfig, err := buildTLS(cfg)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		ListenAddress:      cfg.ListenAddress,
		PolicyID:           cfg.Policy.ID,
		CallbackSecret:     cfg.Oracle.CallbackSecret,
		SettlementDecimals: cfg.Settlement.Decimals,
		TLS: server.TLSConfig{
			Disabled: cfg.Admin.TLS.Disable,
			CertFile: cfg.Admin.TLS.CertPath,
			KeyFile:  cfg.Admin.TLS.KeyPath,
			Config:   tlsConfig,
		},
	}, server.Deps{
		Coordinator: coord,
		Storage:     store,
		Holders:     holders,
		Admin:       admin,
		RateLimiter: middleware.NewRateLimiter(middleware.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		}),
		Observability: httpObs,
		Gatherer:      prometheus.DefaultGatherer,
		Logger:        logger,
		Outbox:        outboxOf(gateway),
	})
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}

	logger.Info("synthd: starting",
		"owner", cfg.OwnerAddress().Hex(),
		"token", cfg.Token.Symbol,
		"oracle_mode", cfg.Oracle.Mode,
		logging.MaskField("oracle_api_key", cfg.Oracle.APIKey),
		logging.Fingerprint("callback_secret", cfg.Oracle.CallbackSecret))
	if err := srv.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func seedPolicy(ctx context.Context, cfg config.Config, store *storage.Storage) error {
	if _, err := store.GetPolicy(ctx, cfg.Policy.ID); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load policy: %w", err)
	}
	mint, redeem, err := cfg.PolicyLimits()
	if err != nil {
		return err
	}
	policy := storage.Policy{
		ID:          cfg.Policy.ID,
		MintLimit:   mint.ToBig(),
		RedeemLimit: redeem.ToBig(),
		Window:      cfg.Policy.Window.Duration,
	}
	if err := store.SavePolicy(ctx, policy); err != nil {
		return fmt.Errorf("save policy: %w", err)
	}
	return nil
}

func buildPrices(ctx context.Context, cfg config.Config) (*pricefeed.Reader, error) {
	var caller pricefeed.ContractCaller
	if strings.TrimSpace(cfg.Prices.RPCURL) != "" {
		client, err := ethclient.DialContext(ctx, cfg.Prices.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("dial rpc: %w", err)
		}
		caller = client
	}
	build := func(name string, feed config.FeedConfig) (pricefeed.Feed, error) {
		return pricefeed.Build(pricefeed.Spec{
			Name:     name,
			Type:     feed.Type,
			ID:       feed.ID,
			Address:  feed.Address,
			Endpoint: feed.Endpoint,
			APIKey:   feed.APIKey,
			Price:    feed.Price,
		}, caller, http.DefaultClient)
	}
	asset, err := build("asset", cfg.Prices.Asset)
	if err != nil {
		return nil, err
	}
	quote, err := build("quote", cfg.Prices.Quote)
	if err != nil {
		return nil, err
	}
	return pricefeed.NewReader(asset, quote, cfg.Prices.MaxAge.Duration)
}

func buildGateway(cfg config.Config) (oracle.Gateway, error) {
	switch strings.ToLower(cfg.Oracle.Mode) {
	case "simulated":
		slog.Warn("synthd: oracle running in simulated mode; callbacks must be delivered manually")
		return oracle.NewSimulator(), nil
	default:
		gw, err := oracle.NewHTTPGateway(cfg.Oracle.Endpoint, cfg.Oracle.APIKey, http.DefaultClient, cfg.Oracle.Timeout.Duration)
		if err != nil {
			return nil, fmt.Errorf("oracle gateway: %w", err)
		}
		return gw, nil
	}
}

func outboxOf(gw oracle.Gateway) server.Outbox {
	if sim, ok := gw.(*oracle.Simulator); ok {
		return sim
	}
	return nil
}

func buildPayout(cfg config.Config) (coordinator.Payout, error) {
	if strings.TrimSpace(cfg.Settlement.PayoutEndpoint) == "" {
		slog.Warn("synthd: no payout endpoint configured; withdrawals will be queued")
		return payout.Queued{}, nil
	}
	wallet, err := payout.NewHTTPWallet(cfg.Settlement.PayoutEndpoint, cfg.Settlement.PayoutAPIKey, http.DefaultClient, cfg.Settlement.PayoutTimeout.Duration)
	if err != nil {
		return nil, fmt.Errorf("payout wallet: %w", err)
	}
	return payout.WalletPayout{Wallet: wallet, Asset: cfg.Settlement.Symbol}, nil
}

func buildTLS(cfg config.Config) (*tls.Config, error) {
	if cfg.Admin.TLS.Disable {
		return nil, nil
	}
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.Admin.MTLS.Enabled {
		caPath := strings.TrimSpace(cfg.Admin.MTLS.ClientCAPath)
		caData, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("load admin client CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caData) {
			return nil, fmt.Errorf("parse admin client CA: %s", caPath)
		}
		tlsConfig.ClientCAs = pool
		// Holders authenticate with JWTs, so client certificates stay optional.
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return tlsConfig, nil
}
