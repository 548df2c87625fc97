package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"synthd/native/collateral"
	"synthd/native/requests"
	"synthd/services/synthd/oracle"
	"synthd/services/synthd/storage"
)

// Submission acknowledges an accepted request.
type Submission struct {
	RequestID requests.ID
	Kind      requests.Kind
	Requester common.Address
	Amount    *uint256.Int
}

// SubmitMint asks the oracle to report the collateral portfolio value ahead
// of minting amount to caller. Tokens are minted only when the fulfillment
// proves sufficient collateral.
func (c *Coordinator) SubmitMint(ctx context.Context, caller common.Address, amount *big.Int) (Submission, error) {
	start := c.clock()
	ctx, span := c.tracer.Start(ctx, "coordinator.submit_mint",
		trace.WithAttributes(attribute.String("requester", caller.Hex())))
	defer span.End()
	if !c.canMint(caller) {
		return Submission{}, c.fail(span, "submit_mint", start, ErrUnauthorized)
	}
	if amount == nil || amount.Sign() <= 0 {
		return Submission{}, c.fail(span, "submit_mint", start, ErrZeroAmountRequested)
	}
	amt, overflow := uint256.FromBig(amount)
	if overflow {
		return Submission{}, c.fail(span, "submit_mint", start, fmt.Errorf("%w: exceeds 256 bits", collateral.ErrInvalidAmount))
	}

	// Held across Submit: a callback for id waits until its record exists.
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.admitLocked(ctx, storage.ActionMint, amount); err != nil {
		return Submission{}, c.fail(span, "submit_mint", start, err)
	}
	id, err := c.gateway.Submit(ctx, oracle.Request{
		Kind:           requests.KindMint,
		Source:         c.sources.Mint,
		Args:           []string{caller.Hex(), amt.Dec()},
		SubscriptionID: c.routing.SubscriptionID,
		GasLimit:       c.routing.GasLimit,
		DonID:          c.routing.DonID,
	})
	if err != nil {
		return Submission{}, c.fail(span, "submit_mint", start, err)
	}
	pending := requests.Pending{Amount: amt, Requester: caller, Kind: requests.KindMint, SubmittedAt: c.clock().UTC()}
	if err := c.ledger.Create(id, pending); err != nil {
		c.logger.Error("synthd/coordinator: record mint request", "request_id", id.Hex(), "error", err)
		return Submission{}, c.fail(span, "submit_mint", start, err)
	}
	c.reportPendingLocked()
	span.SetAttributes(attribute.String("request.id", id.Hex()))
	c.logger.InfoContext(ctx, "mint requested", "request_id", id.Hex(), "requester", caller.Hex(), "amount", amt.Dec())
	c.succeed(span, "submit_mint", start, "mint requested")
	return Submission{RequestID: id, Kind: requests.KindMint, Requester: caller, Amount: amt}, nil
}

// SubmitRedeem escrows amount from caller and asks the oracle to liquidate the
// equivalent position. The escrow is burned or refunded when the fulfillment
// arrives.
func (c *Coordinator) SubmitRedeem(ctx context.Context, caller common.Address, amount *big.Int) (Submission, error) {
	start := c.clock()
	ctx, span := c.tracer.Start(ctx, "coordinator.submit_redeem",
		trace.WithAttributes(attribute.String("requester", caller.Hex())))
	defer span.End()
	if amount == nil || amount.Sign() <= 0 {
		return Submission{}, c.fail(span, "submit_redeem", start, ErrBelowMinimumWithdrawal)
	}
	amt, overflow := uint256.FromBig(amount)
	if overflow {
		return Submission{}, c.fail(span, "submit_redeem", start, fmt.Errorf("%w: exceeds 256 bits", collateral.ErrInvalidAmount))
	}
	settlement, err := c.settlementValue(ctx, amt)
	if err != nil {
		return Submission{}, c.fail(span, "submit_redeem", start, err)
	}
	if settlement.Lt(c.engine.MinimumRedemption()) {
		err := fmt.Errorf("%w: settlement value %s below %s", ErrBelowMinimumWithdrawal,
			collateral.FormatUnits(settlement, collateral.Decimals),
			collateral.FormatUnits(c.engine.MinimumRedemption(), collateral.Decimals))
		return Submission{}, c.fail(span, "submit_redeem", start, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.book.BalanceOf(caller).Lt(amt) {
		return Submission{}, c.fail(span, "submit_redeem", start, ErrInsufficientBalance)
	}
	if err := c.admitLocked(ctx, storage.ActionRedeem, amount); err != nil {
		return Submission{}, c.fail(span, "submit_redeem", start, err)
	}
	if err := c.book.Lock(ctx, caller, amt); err != nil {
		return Submission{}, c.fail(span, "submit_redeem", start, err)
	}
	id, err := c.gateway.Submit(ctx, oracle.Request{
		Kind:           requests.KindRedeem,
		Source:         c.sources.Redeem,
		Args:           []string{amt.Dec(), c.toSettlementUnits(settlement).Dec(), caller.Hex()},
		SubscriptionID: c.routing.SubscriptionID,
		GasLimit:       c.routing.GasLimit,
		DonID:          c.routing.DonID,
	})
	if err == nil {
		pending := requests.Pending{Amount: amt, Requester: caller, Kind: requests.KindRedeem, SubmittedAt: c.clock().UTC()}
		if err = c.ledger.Create(id, pending); err != nil {
			c.logger.Error("synthd/coordinator: record redeem request", "request_id", id.Hex(), "error", err)
		}
	}
	if err != nil {
		if unlockErr := c.book.Unlock(ctx, caller, amt); unlockErr != nil {
			err = errors.Join(err, fmt.Errorf("release escrow: %w", unlockErr))
		}
		return Submission{}, c.fail(span, "submit_redeem", start, err)
	}
	c.reportPendingLocked()
	span.SetAttributes(attribute.String("request.id", id.Hex()))
	c.logger.InfoContext(ctx, "redeem requested", "request_id", id.Hex(), "requester", caller.Hex(),
		"amount", amt.Dec(), "settlement_value", settlement.Dec())
	c.succeed(span, "submit_redeem", start, "redeem requested")
	return Submission{RequestID: id, Kind: requests.KindRedeem, Requester: caller, Amount: amt}, nil
}

// settlementValue prices amount in the settlement asset from the live feeds.
func (c *Coordinator) settlementValue(ctx context.Context, amount *uint256.Int) (*uint256.Int, error) {
	assetPrice, err := c.prices.AssetPrice(ctx)
	if err != nil {
		return nil, err
	}
	quotePrice, err := c.prices.QuotePrice(ctx)
	if err != nil {
		return nil, err
	}
	usd, err := c.engine.ValueInQuote(amount, assetPrice.Value)
	if err != nil {
		return nil, err
	}
	return c.engine.ValueInQuote(usd, quotePrice.Value)
}

func (c *Coordinator) toSettlementUnits(v *uint256.Int) *uint256.Int {
	shift := uint64(collateral.Decimals - c.settlementDecimals)
	if shift == 0 {
		return v.Clone()
	}
	factor := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(shift))
	return new(uint256.Int).Div(v, factor)
}

func (c *Coordinator) admitLocked(ctx context.Context, action storage.ThrottleAction, amount *big.Int) error {
	if c.throttle == nil {
		return nil
	}
	ok, err := c.throttle.Admit(ctx, action, amount, c.clock())
	if err != nil {
		return fmt.Errorf("check issuance limit: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrThrottled, action)
	}
	return nil
}
