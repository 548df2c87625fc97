package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"synthd/native/collateral"
	"synthd/native/requests"
	"synthd/native/token"
	"synthd/observability"
	"synthd/services/synthd/oracle"
	"synthd/services/synthd/payout"
	"synthd/services/synthd/pricefeed"
	"synthd/services/synthd/storage"
)

// Prices resolves fresh 18-decimal prices for the tracked asset and the
// settlement stablecoin.
type Prices interface {
	AssetPrice(ctx context.Context) (pricefeed.Price, error)
	QuotePrice(ctx context.Context) (pricefeed.Price, error)
}

// Journal records fulfillment outcomes, portfolio observations and the
// lifecycle of each withdrawal.
type Journal interface {
	RecordFulfillment(ctx context.Context, rec storage.FulfillmentRecord) error
	RecordPortfolio(ctx context.Context, obs storage.PortfolioObservation) error
	RecordPayout(ctx context.Context, rec storage.PayoutRecord) error
	UpdatePayout(ctx context.Context, id string, status storage.PayoutStatus, reference, detail string, at time.Time) error
	PendingPayout(ctx context.Context, holder common.Address) (storage.PayoutRecord, bool, error)
	GetPayout(ctx context.Context, id string) (storage.PayoutRecord, error)
}

// Throttle caps the amount requested per action within a rolling window.
type Throttle interface {
	Admit(ctx context.Context, action storage.ThrottleAction, amount *big.Int, when time.Time) (bool, error)
}

// Payout delivers settlement proceeds to a holder and returns an external
// reference for the transfer. key identifies the withdrawal and is repeated
// on every retry. Errors wrapping payout.ErrRejected prove nothing moved;
// payout.ErrUnconfirmed means funds may have moved without a receipt.
type Payout interface {
	Pay(ctx context.Context, holder common.Address, amount *uint256.Int, key string) (string, error)
}

// Permission decides whether caller may request a mint.
type Permission func(caller common.Address) bool

// OwnerOnly admits only owner.
func OwnerOnly(owner common.Address) Permission {
	return func(caller common.Address) bool { return caller == owner }
}

// Sources holds the oracle programs submitted with each request kind.
type Sources struct {
	Mint   string
	Redeem string
}

// Routing carries the oracle network routing parameters.
type Routing struct {
	SubscriptionID uint64
	GasLimit       uint32
	DonID          string
}

// Config wires a Coordinator.
type Config struct {
	Ledger             requests.Ledger
	Gateway            oracle.Gateway
	Prices             Prices
	Engine             *collateral.Engine
	Book               *token.Book
	CanMint            Permission
	Sources            Sources
	Routing            Routing
	SettlementDecimals uint8
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithJournal persists fulfillment outcomes and portfolio observations.
func WithJournal(j Journal) Option {
	return func(c *Coordinator) { c.journal = j }
}

// WithThrottle enables issuance limits.
func WithThrottle(t Throttle) Option {
	return func(c *Coordinator) { c.throttle = t }
}

// WithPayout overrides the settlement payout channel.
func WithPayout(p Payout) Option {
	return func(c *Coordinator) {
		if p != nil {
			c.payout = p
		}
	}
}

// WithClock overrides the clock for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger overrides the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Coordinator drives the asynchronous mint and redeem lifecycle. Submissions
// and fulfillments are serialised so that the ledger, the token book and the
// portfolio observation move together.
type Coordinator struct {
	mu                 sync.Mutex
	ledger             requests.Ledger
	gateway            oracle.Gateway
	prices             Prices
	engine             *collateral.Engine
	book               *token.Book
	canMint            Permission
	sources            Sources
	routing            Routing
	settlementDecimals uint8
	portfolio          Portfolio
	journal            Journal
	throttle           Throttle
	payout             Payout
	clock              func() time.Time
	logger             *slog.Logger
	metrics            *observability.SynthdMetrics
	tracer             trace.Tracer
}

// New validates cfg and constructs a Coordinator.
func New(cfg Config, opts ...Option) (*Coordinator, error) {
	switch {
	case cfg.Ledger == nil:
		return nil, fmt.Errorf("coordinator: ledger required")
	case cfg.Gateway == nil:
		return nil, fmt.Errorf("coordinator: oracle gateway required")
	case cfg.Prices == nil:
		return nil, fmt.Errorf("coordinator: price reader required")
	case cfg.Engine == nil:
		return nil, fmt.Errorf("coordinator: collateral engine required")
	case cfg.Book == nil:
		return nil, fmt.Errorf("coordinator: token book required")
	case cfg.CanMint == nil:
		return nil, fmt.Errorf("coordinator: mint permission required")
	}
	if cfg.SettlementDecimals > collateral.Decimals {
		return nil, fmt.Errorf("coordinator: settlement decimals %d exceed %d", cfg.SettlementDecimals, collateral.Decimals)
	}
	sources := cfg.Sources
	if sources.Mint == "" {
		sources.Mint = oracle.DefaultMintSource
	}
	if sources.Redeem == "" {
		sources.Redeem = oracle.DefaultRedeemSource
	}
	c := &Coordinator{
		ledger:             cfg.Ledger,
		gateway:            cfg.Gateway,
		prices:             cfg.Prices,
		engine:             cfg.Engine,
		book:               cfg.Book,
		canMint:            cfg.CanMint,
		sources:            sources,
		routing:            cfg.Routing,
		settlementDecimals: cfg.SettlementDecimals,
		payout:             payout.Queued{},
		clock:              time.Now,
		logger:             slog.Default(),
		metrics:            observability.Synthd(),
		tracer:             otel.Tracer("synthd/coordinator"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// RestorePortfolio seeds the portfolio observation from persisted state.
func (c *Coordinator) RestorePortfolio(obs storage.PortfolioObservation) {
	if obs.Value == nil {
		return
	}
	c.portfolio.record(obs.Value, obs.ObservedAt, obs.RequestID)
	c.metrics.SetPortfolio(obs.Value.ToBig())
}

func (c *Coordinator) fail(span trace.Span, op string, start time.Time, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.metrics.Observe(op, c.clock().Sub(start), err)
	return err
}

func (c *Coordinator) succeed(span trace.Span, op string, start time.Time, msg string) {
	span.SetStatus(codes.Ok, msg)
	c.metrics.Observe(op, c.clock().Sub(start), nil)
}

func (c *Coordinator) reportPendingLocked() {
	n, err := c.ledger.Len()
	if err != nil {
		c.logger.Warn("synthd/coordinator: count pending requests", "error", err)
		return
	}
	c.metrics.SetPending(n)
}
