package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"synthd/native/collateral"
	"synthd/native/requests"
	"synthd/native/token"
	"synthd/services/synthd/oracle"
	"synthd/services/synthd/storage"
)

// Result labels the terminal outcome of a fulfillment.
type Result string

const (
	ResultMinted                 Result = "minted"
	ResultInsufficientCollateral Result = "insufficient_collateral"
	ResultRedeemed               Result = "redeemed"
	ResultRefunded               Result = "refunded"
	ResultOracleError            Result = "oracle_error"
	ResultRejected               Result = "rejected"
	ResultDeferred               Result = "deferred"
)

// Outcome describes what a fulfillment did.
type Outcome struct {
	RequestID  requests.ID
	Kind       requests.Kind
	Requester  common.Address
	Amount     *uint256.Int
	Result     Result
	Portfolio  *uint256.Int
	Required   *uint256.Int
	Settlement *uint256.Int
}

// Fulfill processes the oracle callback for id. The pending record is consumed
// before any branch runs, so a replayed or unknown id fails with
// requests.ErrUnknownRequest and changes nothing. Every consumed request is
// journaled, including those that fail. When the token book cannot persist
// the outcome the record is put back and ErrFulfillmentDeferred is returned.
func (c *Coordinator) Fulfill(ctx context.Context, id requests.ID, response, errPayload []byte) (Outcome, error) {
	start := c.clock()
	ctx, span := c.tracer.Start(ctx, "coordinator.fulfill",
		trace.WithAttributes(attribute.String("request.id", id.Hex())))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()
	pending, err := c.ledger.Consume(id)
	if err != nil {
		if errors.Is(err, requests.ErrUnknownRequest) {
			c.logger.WarnContext(ctx, "callback for unknown request", "request_id", id.Hex())
		}
		return Outcome{}, c.fail(span, "fulfill", start, err)
	}
	c.reportPendingLocked()
	span.SetAttributes(attribute.String("request.kind", pending.Kind.String()))

	outcome := Outcome{RequestID: id, Kind: pending.Kind, Requester: pending.Requester, Amount: pending.Amount}
	switch {
	case len(errPayload) > 0:
		err = c.oracleFailureLocked(ctx, id, pending, errPayload, &outcome)
	case pending.Kind == requests.KindMint:
		err = c.fulfillMintLocked(ctx, id, pending, response, &outcome)
	case pending.Kind == requests.KindRedeem:
		err = c.fulfillRedeemLocked(ctx, pending, response, &outcome)
	default:
		outcome.Result = ResultRejected
		err = fmt.Errorf("coordinator: unsupported request kind %d", pending.Kind)
	}
	if errors.Is(err, token.ErrPersist) {
		return c.deferLocked(ctx, span, start, id, pending, outcome, err)
	}
	if f, ok := c.gateway.(oracle.Forgetter); ok {
		f.Forget(id)
	}
	c.journalLocked(ctx, outcome, response, errPayload, err)
	c.metrics.RecordFulfillment(pending.Kind.String(), string(outcome.Result))
	c.metrics.SetSupply(c.book.TotalSupply().ToBig())
	span.SetAttributes(attribute.String("result", string(outcome.Result)))
	if err != nil {
		c.logger.WarnContext(ctx, "fulfillment failed", "request_id", id.Hex(), "kind", pending.Kind.String(),
			"result", string(outcome.Result), "error", err)
		return outcome, c.fail(span, "fulfill", start, err)
	}
	c.logger.InfoContext(ctx, "fulfillment processed", "request_id", id.Hex(), "kind", pending.Kind.String(),
		"result", string(outcome.Result), "requester", pending.Requester.Hex(), "amount", pending.Amount.Dec())
	c.succeed(span, "fulfill", start, string(outcome.Result))
	return outcome, nil
}

// deferLocked restores a consumed request whose book mutation was rolled back.
func (c *Coordinator) deferLocked(ctx context.Context, span trace.Span, start time.Time, id requests.ID, pending requests.Pending, outcome Outcome, cause error) (Outcome, error) {
	outcome.Result = ResultDeferred
	err := fmt.Errorf("%w: %w", ErrFulfillmentDeferred, cause)
	if restoreErr := c.ledger.Create(id, pending); restoreErr != nil {
		c.logger.ErrorContext(ctx, "synthd/coordinator: restore deferred request; escrow needs reconciliation",
			"request_id", id.Hex(), "kind", pending.Kind.String(), "requester", pending.Requester.Hex(),
			"amount", pending.Amount.Dec(), "error", restoreErr)
		err = errors.Join(err, fmt.Errorf("restore request: %w", restoreErr))
	}
	c.reportPendingLocked()
	c.metrics.RecordFulfillment(pending.Kind.String(), string(outcome.Result))
	span.SetAttributes(attribute.String("result", string(outcome.Result)))
	c.logger.WarnContext(ctx, "fulfillment deferred", "request_id", id.Hex(), "kind", pending.Kind.String(), "error", cause)
	return outcome, c.fail(span, "fulfill", start, err)
}

func (c *Coordinator) oracleFailureLocked(ctx context.Context, id requests.ID, pending requests.Pending, payload []byte, outcome *Outcome) error {
	outcome.Result = ResultOracleError
	var err error = &OracleError{RequestID: id, Payload: append([]byte(nil), payload...)}
	if pending.Kind == requests.KindRedeem {
		if unlockErr := c.book.Unlock(ctx, pending.Requester, pending.Amount); unlockErr != nil {
			err = errors.Join(err, fmt.Errorf("release escrow: %w", unlockErr))
		}
	}
	return err
}

func (c *Coordinator) fulfillMintLocked(ctx context.Context, id requests.ID, pending requests.Pending, response []byte, outcome *Outcome) error {
	balance, err := oracle.DecodeUint256(response)
	if err != nil {
		outcome.Result = ResultRejected
		return err
	}
	now := c.clock().UTC()
	c.portfolio.record(balance, now, id)
	c.metrics.SetPortfolio(balance.ToBig())
	outcome.Portfolio = balance.Clone()
	if c.journal != nil {
		obs := storage.PortfolioObservation{RequestID: id, Value: balance, ObservedAt: now}
		if err := c.journal.RecordPortfolio(ctx, obs); err != nil {
			c.logger.ErrorContext(ctx, "synthd/coordinator: persist portfolio", "request_id", id.Hex(), "error", err)
		}
	}

	price, err := c.prices.AssetPrice(ctx)
	if err != nil {
		outcome.Result = ResultRejected
		return err
	}
	ok, required, err := c.engine.IsCollateralised(balance, c.book.TotalSupply(), pending.Amount, price.Value)
	if err != nil {
		outcome.Result = ResultRejected
		return err
	}
	outcome.Required = required
	if !ok {
		outcome.Result = ResultInsufficientCollateral
		return fmt.Errorf("%w: required %s, portfolio %s", ErrInsufficientCollateral,
			collateral.FormatUnits(required, collateral.Decimals),
			collateral.FormatUnits(balance, collateral.Decimals))
	}
	if err := c.book.Mint(ctx, pending.Requester, pending.Amount); err != nil {
		outcome.Result = ResultRejected
		return err
	}
	outcome.Result = ResultMinted
	return nil
}

func (c *Coordinator) fulfillRedeemLocked(ctx context.Context, pending requests.Pending, response []byte, outcome *Outcome) error {
	settlement, err := oracle.DecodeUint256(response)
	if err != nil {
		outcome.Result = ResultRejected
		if unlockErr := c.book.Unlock(ctx, pending.Requester, pending.Amount); unlockErr != nil {
			err = errors.Join(err, fmt.Errorf("release escrow: %w", unlockErr))
		}
		return err
	}
	outcome.Settlement = settlement
	if settlement.IsZero() {
		if err := c.book.Unlock(ctx, pending.Requester, pending.Amount); err != nil {
			outcome.Result = ResultRejected
			return fmt.Errorf("release escrow: %w", err)
		}
		outcome.Result = ResultRefunded
		return nil
	}
	if err := c.book.Settle(ctx, pending.Requester, pending.Amount, settlement); err != nil {
		outcome.Result = ResultRejected
		return err
	}
	outcome.Result = ResultRedeemed
	return nil
}

func (c *Coordinator) journalLocked(ctx context.Context, outcome Outcome, response, errPayload []byte, cause error) {
	if c.journal == nil {
		return
	}
	rec := storage.FulfillmentRecord{
		RequestID:   outcome.RequestID,
		Kind:        outcome.Kind.String(),
		Requester:   outcome.Requester,
		Amount:      outcome.Amount.Dec(),
		Result:      string(outcome.Result),
		ProcessedAt: c.clock().UTC(),
	}
	if len(response) > 0 {
		rec.Response = hexutil.Encode(response)
	}
	if outcome.Settlement != nil {
		rec.Settlement = outcome.Settlement.Dec()
	}
	switch {
	case len(errPayload) > 0:
		rec.Detail = describePayload(errPayload)
	case cause != nil:
		rec.Detail = cause.Error()
	}
	if err := c.journal.RecordFulfillment(ctx, rec); err != nil {
		c.logger.ErrorContext(ctx, "synthd/coordinator: journal fulfillment", "request_id", outcome.RequestID.Hex(), "error", err)
	}
}
