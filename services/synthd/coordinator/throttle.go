package coordinator

import (
	"context"
	"errors"
	"math/big"
	"time"

	"synthd/services/synthd/storage"
)

// PolicyStore is the persistence consumed by PolicyThrottle.
type PolicyStore interface {
	GetPolicy(ctx context.Context, id string) (storage.Policy, error)
	CheckThrottle(ctx context.Context, policyID string, action storage.ThrottleAction, limit *big.Int, window time.Duration, amount *big.Int, when time.Time) (bool, error)
}

// PolicyThrottle enforces the persisted issuance policy. A missing policy
// admits everything.
type PolicyThrottle struct {
	Store    PolicyStore
	PolicyID string
}

// Admit implements Throttle.
func (t PolicyThrottle) Admit(ctx context.Context, action storage.ThrottleAction, amount *big.Int, when time.Time) (bool, error) {
	if t.Store == nil {
		return true, nil
	}
	policy, err := t.Store.GetPolicy(ctx, t.PolicyID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	return t.Store.CheckThrottle(ctx, policy.ID, action, policy.Limit(action), policy.Window, amount, when)
}
