package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Policy caps how many tokens may be requested for minting or redemption
// within a rolling window. A nil or zero limit disables the cap.
type Policy struct {
	ID          string
	MintLimit   *big.Int
	RedeemLimit *big.Int
	Window      time.Duration
}

// ThrottleAction enumerates rate-limited flows.
type ThrottleAction string

const (
	ActionMint   ThrottleAction = "mint"
	ActionRedeem ThrottleAction = "redeem"
)

// Limit returns the cap applicable to action.
func (p Policy) Limit(action ThrottleAction) *big.Int {
	switch action {
	case ActionMint:
		return p.MintLimit
	case ActionRedeem:
		return p.RedeemLimit
	default:
		return nil
	}
}

// SavePolicy upserts the throttle configuration.
func (s *Storage) SavePolicy(ctx context.Context, policy Policy) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if strings.TrimSpace(policy.ID) == "" {
		return fmt.Errorf("policy id required")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO throttle_policy(id, mint_limit, redeem_limit, window_seconds, updated_at)
        VALUES(?, ?, ?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(id) DO UPDATE SET
            mint_limit=excluded.mint_limit,
            redeem_limit=excluded.redeem_limit,
            window_seconds=excluded.window_seconds,
            updated_at=CURRENT_TIMESTAMP
    `, policy.ID, bigString(policy.MintLimit), bigString(policy.RedeemLimit), int64(policy.Window.Seconds()))
	if err != nil {
		return fmt.Errorf("save policy: %w", err)
	}
	return nil
}

// GetPolicy loads the throttle policy for the supplied identifier.
func (s *Storage) GetPolicy(ctx context.Context, id string) (Policy, error) {
	policy := Policy{ID: id}
	if s == nil {
		return policy, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT mint_limit, redeem_limit, window_seconds
        FROM throttle_policy
        WHERE id = ?
    `, id)
	var (
		mint, redeem  string
		windowSeconds int64
	)
	if err := row.Scan(&mint, &redeem, &windowSeconds); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return policy, ErrNotFound
		}
		return policy, fmt.Errorf("query policy: %w", err)
	}
	var ok bool
	if policy.MintLimit, ok = new(big.Int).SetString(mint, 10); !ok {
		return policy, fmt.Errorf("parse mint limit %q", mint)
	}
	if policy.RedeemLimit, ok = new(big.Int).SetString(redeem, 10); !ok {
		return policy, fmt.Errorf("parse redeem limit %q", redeem)
	}
	if windowSeconds > 0 {
		policy.Window = time.Duration(windowSeconds) * time.Second
	}
	return policy, nil
}

// CheckThrottle records the event if it keeps the windowed total within
// limit and reports whether it was admitted.
func (s *Storage) CheckThrottle(ctx context.Context, policyID string, action ThrottleAction, limit *big.Int, window time.Duration, amount *big.Int, when time.Time) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("storage not configured")
	}
	if limit == nil || limit.Sign() <= 0 {
		return true, nil
	}
	normalized := big.NewInt(0)
	if amount != nil && amount.Sign() > 0 {
		normalized.Set(amount)
	}
	if normalized.Cmp(limit) > 0 {
		return false, nil
	}
	cutoff := when.Add(-window).Unix()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	rows, err := tx.QueryContext(ctx, `
        SELECT amount
        FROM throttle_events
        WHERE policy_id = ? AND action = ? AND occurred_at >= ?
    `, policyID, string(action), cutoff)
	if err != nil {
		return false, fmt.Errorf("query throttle events: %w", err)
	}
	used := big.NewInt(0)
	for rows.Next() {
		var stored string
		if err := rows.Scan(&stored); err != nil {
			rows.Close()
			return false, fmt.Errorf("scan throttle amount: %w", err)
		}
		amt, ok := new(big.Int).SetString(strings.TrimSpace(stored), 10)
		if !ok {
			rows.Close()
			return false, fmt.Errorf("parse throttle amount: %q", stored)
		}
		used.Add(used, amt)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return false, fmt.Errorf("iterate throttle events: %w", err)
	}
	rows.Close()
	remainder := new(big.Int).Sub(limit, used)
	if remainder.Cmp(normalized) < 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO throttle_events(policy_id, action, amount, occurred_at)
        VALUES(?, ?, ?, ?)
    `, policyID, string(action), normalized.String(), when.Unix()); err != nil {
		return false, fmt.Errorf("record event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit throttle: %w", err)
	}
	return true, nil
}

func bigString(v *big.Int) string {
	if v == nil || v.Sign() < 0 {
		return "0"
	}
	return v.String()
}
