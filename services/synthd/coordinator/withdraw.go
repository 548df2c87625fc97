package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"synthd/services/synthd/payout"
	"synthd/services/synthd/storage"
)

// Withdraw pays out caller's accumulated settlement credit. The credit is
// debited and journaled as a pending withdrawal before custody is contacted.
// A pending withdrawal is retried under its original id before any new credit
// is released, so an ambiguous transfer is never paid twice.
func (c *Coordinator) Withdraw(ctx context.Context, caller common.Address) (storage.PayoutRecord, error) {
	start := c.clock()
	ctx, span := c.tracer.Start(ctx, "coordinator.withdraw",
		trace.WithAttributes(attribute.String("holder", caller.Hex())))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.journal == nil {
		return storage.PayoutRecord{}, c.fail(span, "withdraw", start, ErrNoPayoutJournal)
	}
	rec, retry, err := c.journal.PendingPayout(ctx, caller)
	if err != nil {
		return storage.PayoutRecord{}, c.fail(span, "withdraw", start, fmt.Errorf("load pending payout: %w", err))
	}
	if !retry {
		if rec, err = c.openPayoutLocked(ctx, caller); err != nil {
			return storage.PayoutRecord{}, c.fail(span, "withdraw", start, err)
		}
	}
	span.SetAttributes(attribute.String("payout.id", rec.ID), attribute.Bool("payout.retry", retry))

	reference, payErr := c.payout.Pay(ctx, caller, rec.Amount, rec.ID)
	rec.Reference = reference
	switch {
	case payErr == nil:
		rec.Status = storage.PayoutPaid
		rec.Detail = ""
		c.savePayoutLocked(ctx, &rec)
	case errors.Is(payErr, payout.ErrRejected):
		rec.Detail = payErr.Error()
		if err := c.releasePayoutLocked(ctx, &rec); err != nil {
			payErr = errors.Join(payErr, err)
		}
	case errors.Is(payErr, payout.ErrUnconfirmed):
		rec.Status = storage.PayoutUnconfirmed
		rec.Detail = payErr.Error()
		c.savePayoutLocked(ctx, &rec)
	default:
		rec.Detail = payErr.Error()
		c.savePayoutLocked(ctx, &rec)
	}
	if payErr != nil {
		c.logger.WarnContext(ctx, "settlement payout not completed", "payout_id", rec.ID, "holder", caller.Hex(),
			"amount", rec.Amount.Dec(), "status", string(rec.Status), "error", payErr)
		return rec, c.fail(span, "withdraw", start, payErr)
	}
	c.logger.InfoContext(ctx, "settlement withdrawn", "payout_id", rec.ID, "holder", caller.Hex(),
		"amount", rec.Amount.Dec(), "reference", reference, "retry", retry)
	c.succeed(span, "withdraw", start, "withdrawn")
	return rec, nil
}

// ResolvePayout closes a pending or unconfirmed withdrawal once an operator
// has checked custody. A withdrawal that never moved funds is re-credited.
func (c *Coordinator) ResolvePayout(ctx context.Context, id string, paid bool, reference string) (storage.PayoutRecord, error) {
	start := c.clock()
	ctx, span := c.tracer.Start(ctx, "coordinator.resolve_payout",
		trace.WithAttributes(attribute.String("payout.id", id), attribute.Bool("paid", paid)))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.journal == nil {
		return storage.PayoutRecord{}, c.fail(span, "resolve_payout", start, ErrNoPayoutJournal)
	}
	rec, err := c.journal.GetPayout(ctx, id)
	if err != nil {
		return storage.PayoutRecord{}, c.fail(span, "resolve_payout", start, err)
	}
	if rec.Status != storage.PayoutPending && rec.Status != storage.PayoutUnconfirmed {
		return rec, c.fail(span, "resolve_payout", start, fmt.Errorf("%w: %s is %s", ErrPayoutClosed, id, rec.Status))
	}
	rec.Detail = "resolved by operator"
	if paid {
		rec.Status = storage.PayoutPaid
		rec.Reference = reference
		if err := c.persistPayoutLocked(ctx, &rec); err != nil {
			return rec, c.fail(span, "resolve_payout", start, err)
		}
	} else if err := c.releasePayoutLocked(ctx, &rec); err != nil {
		return rec, c.fail(span, "resolve_payout", start, err)
	}
	c.logger.InfoContext(ctx, "payout resolved", "payout_id", id, "holder", rec.Holder.Hex(),
		"status", string(rec.Status), "reference", rec.Reference)
	c.succeed(span, "resolve_payout", start, string(rec.Status))
	return rec, nil
}

// openPayoutLocked debits caller's credit into a new pending withdrawal.
func (c *Coordinator) openPayoutLocked(ctx context.Context, caller common.Address) (storage.PayoutRecord, error) {
	owed, err := c.book.Withdraw(ctx, caller)
	if err != nil {
		return storage.PayoutRecord{}, err
	}
	now := c.clock().UTC().Truncate(time.Second)
	rec := storage.PayoutRecord{
		ID:        uuid.NewString(),
		Holder:    caller,
		Amount:    owed,
		Status:    storage.PayoutPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.journal.RecordPayout(ctx, rec); err != nil {
		err = fmt.Errorf("record payout: %w", err)
		if recreditErr := c.book.Recredit(ctx, caller, owed); recreditErr != nil {
			c.logger.ErrorContext(ctx, "synthd/coordinator: recredit after journal failure", "holder", caller.Hex(),
				"amount", owed.Dec(), "error", recreditErr)
			err = errors.Join(err, recreditErr)
		}
		return storage.PayoutRecord{}, err
	}
	return rec, nil
}

// releasePayoutLocked marks rec failed and returns its amount to the holder.
// The status is written first; if the credit cannot be restored the
// withdrawal goes back to its previous status.
func (c *Coordinator) releasePayoutLocked(ctx context.Context, rec *storage.PayoutRecord) error {
	prev := rec.Status
	rec.Status = storage.PayoutFailed
	if err := c.persistPayoutLocked(ctx, rec); err != nil {
		rec.Status = prev
		return err
	}
	if err := c.book.Recredit(ctx, rec.Holder, rec.Amount); err != nil {
		c.logger.ErrorContext(ctx, "synthd/coordinator: recredit rejected payout", "payout_id", rec.ID,
			"holder", rec.Holder.Hex(), "amount", rec.Amount.Dec(), "error", err)
		rec.Status = prev
		c.savePayoutLocked(ctx, rec)
		return fmt.Errorf("recredit: %w", err)
	}
	return nil
}

func (c *Coordinator) persistPayoutLocked(ctx context.Context, rec *storage.PayoutRecord) error {
	rec.UpdatedAt = c.clock().UTC().Truncate(time.Second)
	if err := c.journal.UpdatePayout(ctx, rec.ID, rec.Status, rec.Reference, rec.Detail, rec.UpdatedAt); err != nil {
		return fmt.Errorf("update payout: %w", err)
	}
	return nil
}

func (c *Coordinator) savePayoutLocked(ctx context.Context, rec *storage.PayoutRecord) {
	if err := c.persistPayoutLocked(ctx, rec); err != nil {
		c.logger.ErrorContext(ctx, "synthd/coordinator: journal payout", "payout_id", rec.ID,
			"status", string(rec.Status), "error", err)
	}
}
