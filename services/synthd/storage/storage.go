package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/glebarez/sqlite"
	"github.com/holiman/uint256"

	"synthd/native/token"
)

// Storage wraps the synthd relational state: holder accounts, portfolio
// observations, the fulfillment journal, payouts and issuance throttles.
type Storage struct {
	db *sql.DB
}

var (
	// ErrPathRequired is returned when the backing store path is missing.
	ErrPathRequired = errors.New("synthd storage path must be configured")
	// ErrNotFound is returned when a keyed lookup has no row.
	ErrNotFound = errors.New("synthd storage: not found")
)

// Open initialises the backing store from a sqlite DSN and applies the schema.
func Open(dsn string) (*Storage, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks connectivity for health probes.
func (s *Storage) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage not configured")
	}
	return s.db.PingContext(ctx)
}

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    address TEXT PRIMARY KEY,
    balance TEXT NOT NULL,
    locked TEXT NOT NULL,
    withdrawable TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS portfolio_observations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT NOT NULL,
    value TEXT NOT NULL,
    observed_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS fulfillments (
    request_id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    requester TEXT NOT NULL,
    amount TEXT NOT NULL,
    result TEXT NOT NULL,
    response TEXT NOT NULL,
    settlement TEXT NOT NULL,
    detail TEXT NOT NULL,
    processed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fulfillments_processed ON fulfillments(processed_at);

CREATE TABLE IF NOT EXISTS payouts (
    id TEXT PRIMARY KEY,
    holder TEXT NOT NULL,
    amount TEXT NOT NULL,
    status TEXT NOT NULL,
    reference TEXT NOT NULL,
    detail TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_payouts_holder ON payouts(holder, created_at);
CREATE INDEX IF NOT EXISTS idx_payouts_status ON payouts(status, created_at);

CREATE TABLE IF NOT EXISTS throttle_policy (
    id TEXT PRIMARY KEY,
    mint_limit TEXT NOT NULL,
    redeem_limit TEXT NOT NULL,
    window_seconds INTEGER NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS throttle_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    policy_id TEXT NOT NULL,
    action TEXT NOT NULL,
    amount TEXT NOT NULL,
    occurred_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_throttle_events ON throttle_events(policy_id, action, occurred_at);
`

// SaveAccount upserts a holder position.
func (s *Storage) SaveAccount(ctx context.Context, account token.Account) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO accounts(address, balance, locked, withdrawable, updated_at)
        VALUES(?, ?, ?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(address) DO UPDATE SET
            balance=excluded.balance,
            locked=excluded.locked,
            withdrawable=excluded.withdrawable,
            updated_at=CURRENT_TIMESTAMP
    `, account.Address.Hex(), decString(account.Balance), decString(account.Locked), decString(account.Withdrawable))
	if err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return nil
}

// LoadAccounts returns every persisted position.
func (s *Storage) LoadAccounts(ctx context.Context) ([]token.Account, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT address, balance, locked, withdrawable
        FROM accounts
        ORDER BY address ASC
    `)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()
	accounts := make([]token.Account, 0)
	for rows.Next() {
		var addr, balance, locked, withdrawable string
		if err := rows.Scan(&addr, &balance, &locked, &withdrawable); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		rec := token.Account{Address: common.HexToAddress(addr)}
		if rec.Balance, err = parseDec(balance); err != nil {
			return nil, err
		}
		if rec.Locked, err = parseDec(locked); err != nil {
			return nil, err
		}
		if rec.Withdrawable, err = parseDec(withdrawable); err != nil {
			return nil, err
		}
		accounts = append(accounts, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return accounts, nil
}

// PortfolioObservation is an oracle-reported portfolio value.
type PortfolioObservation struct {
	RequestID  common.Hash
	Value      *uint256.Int
	ObservedAt time.Time
}

// RecordPortfolio appends a portfolio observation.
func (s *Storage) RecordPortfolio(ctx context.Context, obs PortfolioObservation) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO portfolio_observations(request_id, value, observed_at)
        VALUES(?, ?, ?)
    `, obs.RequestID.Hex(), decString(obs.Value), obs.ObservedAt.UTC().Unix())
	if err != nil {
		return fmt.Errorf("insert portfolio observation: %w", err)
	}
	return nil
}

// LatestPortfolio returns the most recent observation.
func (s *Storage) LatestPortfolio(ctx context.Context) (PortfolioObservation, bool, error) {
	var obs PortfolioObservation
	if s == nil {
		return obs, false, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT request_id, value, observed_at
        FROM portfolio_observations
        ORDER BY id DESC
        LIMIT 1
    `)
	var (
		id, value string
		observed  int64
	)
	if err := row.Scan(&id, &value, &observed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return obs, false, nil
		}
		return obs, false, fmt.Errorf("query portfolio: %w", err)
	}
	parsed, err := parseDec(value)
	if err != nil {
		return obs, false, err
	}
	obs.RequestID = common.HexToHash(id)
	obs.Value = parsed
	obs.ObservedAt = time.Unix(observed, 0).UTC()
	return obs, true, nil
}

// FulfillmentRecord journals the outcome of one oracle callback.
type FulfillmentRecord struct {
	RequestID   common.Hash
	Kind        string
	Requester   common.Address
	Amount      string
	Result      string
	Response    string
	Settlement  string
	Detail      string
	ProcessedAt time.Time
}

// RecordFulfillment inserts the journal entry. Each request id is journaled
// once.
func (s *Storage) RecordFulfillment(ctx context.Context, rec FulfillmentRecord) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO fulfillments(request_id, kind, requester, amount, result, response, settlement, detail, processed_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, rec.RequestID.Hex(), rec.Kind, rec.Requester.Hex(), rec.Amount, rec.Result, rec.Response, rec.Settlement, rec.Detail, rec.ProcessedAt.UTC().Unix())
	if err != nil {
		return fmt.Errorf("insert fulfillment: %w", err)
	}
	return nil
}

// GetFulfillment loads the journal entry for a request id.
func (s *Storage) GetFulfillment(ctx context.Context, id common.Hash) (FulfillmentRecord, error) {
	if s == nil {
		return FulfillmentRecord{}, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT request_id, kind, requester, amount, result, response, settlement, detail, processed_at
        FROM fulfillments
        WHERE request_id = ?
    `, id.Hex())
	rec, err := scanFulfillment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return FulfillmentRecord{}, ErrNotFound
	}
	return rec, err
}

// ListFulfillments returns the newest journal entries first.
func (s *Storage) ListFulfillments(ctx context.Context, limit int) ([]FulfillmentRecord, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT request_id, kind, requester, amount, result, response, settlement, detail, processed_at
        FROM fulfillments
        ORDER BY processed_at DESC, rowid DESC
        LIMIT ?
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("query fulfillments: %w", err)
	}
	defer rows.Close()
	out := make([]FulfillmentRecord, 0)
	for rows.Next() {
		rec, err := scanFulfillment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fulfillments: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFulfillment(row rowScanner) (FulfillmentRecord, error) {
	var (
		rec           FulfillmentRecord
		id, requester string
		processed     int64
	)
	if err := row.Scan(&id, &rec.Kind, &requester, &rec.Amount, &rec.Result, &rec.Response, &rec.Settlement, &rec.Detail, &processed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan fulfillment: %w", err)
	}
	rec.RequestID = common.HexToHash(id)
	rec.Requester = common.HexToAddress(requester)
	rec.ProcessedAt = time.Unix(processed, 0).UTC()
	return rec, nil
}

// PayoutStatus tracks a withdrawal through the custody transfer.
type PayoutStatus string

const (
	// PayoutPending has debited the holder but the transfer outcome is not
	// known. It is retried under the same id.
	PayoutPending PayoutStatus = "pending"
	// PayoutPaid was confirmed by the custody service.
	PayoutPaid PayoutStatus = "paid"
	// PayoutFailed was refused before any transfer and re-credited.
	PayoutFailed PayoutStatus = "failed"
	// PayoutUnconfirmed was accepted by custody without a usable receipt and
	// awaits operator reconciliation.
	PayoutUnconfirmed PayoutStatus = "unconfirmed"
)

// Valid reports whether s is a known status.
func (s PayoutStatus) Valid() bool {
	switch s {
	case PayoutPending, PayoutPaid, PayoutFailed, PayoutUnconfirmed:
		return true
	default:
		return false
	}
}

// PayoutRecord is a settlement withdrawal. ID doubles as the idempotency key
// presented to the custody service.
type PayoutRecord struct {
	ID        string
	Holder    common.Address
	Amount    *uint256.Int
	Status    PayoutStatus
	Reference string
	Detail    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

const payoutColumns = `id, holder, amount, status, reference, detail, created_at, updated_at`

// RecordPayout inserts a withdrawal.
func (s *Storage) RecordPayout(ctx context.Context, rec PayoutRecord) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("payout id required")
	}
	if !rec.Status.Valid() {
		return fmt.Errorf("invalid payout status %q", rec.Status)
	}
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = rec.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO payouts(`+payoutColumns+`)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?)
    `, rec.ID, rec.Holder.Hex(), decString(rec.Amount), string(rec.Status), rec.Reference, rec.Detail,
		rec.CreatedAt.UTC().Unix(), updated.UTC().Unix())
	if err != nil {
		return fmt.Errorf("insert payout: %w", err)
	}
	return nil
}

// UpdatePayout moves a withdrawal to status.
func (s *Storage) UpdatePayout(ctx context.Context, id string, status PayoutStatus, reference, detail string, at time.Time) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if !status.Valid() {
		return fmt.Errorf("invalid payout status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
        UPDATE payouts SET status = ?, reference = ?, detail = ?, updated_at = ?
        WHERE id = ?
    `, string(status), reference, detail, at.UTC().Unix(), id)
	if err != nil {
		return fmt.Errorf("update payout: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetPayout loads a withdrawal by id.
func (s *Storage) GetPayout(ctx context.Context, id string) (PayoutRecord, error) {
	if s == nil {
		return PayoutRecord{}, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = ?`, id)
	rec, err := scanPayout(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PayoutRecord{}, ErrNotFound
	}
	return rec, err
}

// PendingPayout returns holder's oldest withdrawal whose transfer outcome is
// unknown.
func (s *Storage) PendingPayout(ctx context.Context, holder common.Address) (PayoutRecord, bool, error) {
	if s == nil {
		return PayoutRecord{}, false, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT `+payoutColumns+`
        FROM payouts
        WHERE holder = ? AND status = ?
        ORDER BY created_at ASC, rowid ASC
        LIMIT 1
    `, holder.Hex(), string(PayoutPending))
	rec, err := scanPayout(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PayoutRecord{}, false, nil
	}
	if err != nil {
		return PayoutRecord{}, false, err
	}
	return rec, true, nil
}

// ListPayouts returns the withdrawals made by holder, newest first.
func (s *Storage) ListPayouts(ctx context.Context, holder common.Address) ([]PayoutRecord, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+payoutColumns+`
        FROM payouts
        WHERE holder = ?
        ORDER BY created_at DESC, rowid DESC
    `, holder.Hex())
	if err != nil {
		return nil, fmt.Errorf("query payouts: %w", err)
	}
	return collectPayouts(rows)
}

// ListPayoutsByStatus returns withdrawals in status, oldest first.
func (s *Storage) ListPayoutsByStatus(ctx context.Context, status PayoutStatus, limit int) ([]PayoutRecord, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+payoutColumns+`
        FROM payouts
        WHERE status = ?
        ORDER BY created_at ASC, rowid ASC
        LIMIT ?
    `, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("query payouts: %w", err)
	}
	return collectPayouts(rows)
}

func collectPayouts(rows *sql.Rows) ([]PayoutRecord, error) {
	defer rows.Close()
	out := make([]PayoutRecord, 0)
	for rows.Next() {
		rec, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payouts: %w", err)
	}
	return out, nil
}

func scanPayout(row rowScanner) (PayoutRecord, error) {
	var (
		rec              PayoutRecord
		holder, amount   string
		status           string
		created, updated int64
	)
	if err := row.Scan(&rec.ID, &holder, &amount, &status, &rec.Reference, &rec.Detail, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan payout: %w", err)
	}
	parsed, err := parseDec(amount)
	if err != nil {
		return rec, err
	}
	rec.Holder = common.HexToAddress(holder)
	rec.Amount = parsed
	rec.Status = PayoutStatus(status)
	rec.CreatedAt = time.Unix(created, 0).UTC()
	rec.UpdatedAt = time.Unix(updated, 0).UTC()
	return rec, nil
}

func decString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func parseDec(raw string) (*uint256.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return new(uint256.Int), nil
	}
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("parse stored amount %q: %w", raw, err)
	}
	return v, nil
}
