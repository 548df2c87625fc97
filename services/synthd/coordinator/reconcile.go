package coordinator

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"synthd/native/requests"
)

// EscrowDrift is a holder whose escrow disagrees with their pending
// redemptions.
type EscrowDrift struct {
	Holder  common.Address
	Locked  *uint256.Int
	Pending *uint256.Int
}

// EscrowReport summarises a reconciliation pass.
type EscrowReport struct {
	// Released escrow had no pending redemption and was returned to the
	// holder's balance.
	Released []EscrowDrift
	// Short escrow is below the pending redemptions and needs an operator.
	Short []EscrowDrift
}

// ReconcileEscrow compares each holder's locked balance with the redemptions
// still pending in the ledger. Escrow no request can release is unlocked.
func (c *Coordinator) ReconcileEscrow(ctx context.Context) (EscrowReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := make(map[common.Address]*uint256.Int)
	err := c.ledger.Range(func(_ requests.ID, req requests.Pending) error {
		if req.Kind != requests.KindRedeem {
			return nil
		}
		sum, ok := pending[req.Requester]
		if !ok {
			sum = new(uint256.Int)
			pending[req.Requester] = sum
		}
		if _, overflow := sum.AddOverflow(sum, req.Amount); overflow {
			return fmt.Errorf("coordinator: pending redemptions overflow for %s", req.Requester.Hex())
		}
		return nil
	})
	if err != nil {
		return EscrowReport{}, fmt.Errorf("scan pending requests: %w", err)
	}

	var report EscrowReport
	for _, acct := range c.book.Accounts() {
		want, ok := pending[acct.Address]
		if !ok {
			want = new(uint256.Int)
		}
		drift := EscrowDrift{Holder: acct.Address, Locked: acct.Locked, Pending: want.Clone()}
		switch acct.Locked.Cmp(want) {
		case 1:
			excess := new(uint256.Int).Sub(acct.Locked, want)
			if err := c.book.Unlock(ctx, acct.Address, excess); err != nil {
				return report, fmt.Errorf("release escrow for %s: %w", acct.Address.Hex(), err)
			}
			c.logger.ErrorContext(ctx, "synthd/coordinator: released escrow without pending redemption",
				"holder", acct.Address.Hex(), "released", excess.Dec(), "pending", want.Dec())
			report.Released = append(report.Released, drift)
		case -1:
			c.logger.ErrorContext(ctx, "synthd/coordinator: escrow below pending redemptions",
				"holder", acct.Address.Hex(), "locked", acct.Locked.Dec(), "pending", want.Dec())
			report.Short = append(report.Short, drift)
		}
		delete(pending, acct.Address)
	}
	for holder, want := range pending {
		if want.IsZero() {
			continue
		}
		c.logger.ErrorContext(ctx, "synthd/coordinator: pending redemption without account",
			"holder", holder.Hex(), "pending", want.Dec())
		report.Short = append(report.Short, EscrowDrift{Holder: holder, Locked: new(uint256.Int), Pending: want.Clone()})
	}
	return report, nil
}
