package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientBalance = errors.New("token: insufficient balance")
	ErrInsufficientLocked  = errors.New("token: insufficient escrow")
	ErrNothingToWithdraw   = errors.New("token: nothing to withdraw")
	ErrZeroAddress         = errors.New("token: zero address")
	ErrOverflow            = errors.New("token: balance overflow")

	// ErrPersist marks a mutation that was rolled back because the account
	// snapshot could not be saved.
	ErrPersist = errors.New("token: persist account")
)

// Account is the persisted position of a single holder. Balance and Locked
// are denominated in the synthetic token; Withdrawable in the settlement
// asset.
type Account struct {
	Address      common.Address
	Balance      *uint256.Int
	Locked       *uint256.Int
	Withdrawable *uint256.Int
}

// Store persists account snapshots after every mutation.
type Store interface {
	SaveAccount(ctx context.Context, account Account) error
}

type account struct {
	balance      uint256.Int
	locked       uint256.Int
	withdrawable uint256.Int
}

func (a *account) snapshot(addr common.Address) Account {
	return Account{
		Address:      addr,
		Balance:      a.balance.Clone(),
		Locked:       a.locked.Clone(),
		Withdrawable: a.withdrawable.Clone(),
	}
}

// Book tracks synthetic token balances, the escrow held against pending
// redemptions and the settlement credits owed to holders. Total supply
// includes escrowed tokens until they are burned.
type Book struct {
	mu       sync.RWMutex
	symbol   string
	accounts map[common.Address]*account
	supply   uint256.Int
	store    Store
}

// NewBook constructs an empty book. store may be nil.
func NewBook(symbol string, store Store) *Book {
	return &Book{
		symbol:   symbol,
		accounts: make(map[common.Address]*account),
		store:    store,
	}
}

// Symbol returns the token ticker.
func (b *Book) Symbol() string { return b.symbol }

// Restore replaces in-memory state with persisted accounts and recomputes the
// supply.
func (b *Book) Restore(accounts []Account) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	restored := make(map[common.Address]*account, len(accounts))
	var supply uint256.Int
	for _, rec := range accounts {
		if rec.Address == (common.Address{}) {
			slog.Warn("token: skip persisted account with zero address")
			continue
		}
		acct := &account{}
		if rec.Balance != nil {
			acct.balance.Set(rec.Balance)
		}
		if rec.Locked != nil {
			acct.locked.Set(rec.Locked)
		}
		if rec.Withdrawable != nil {
			acct.withdrawable.Set(rec.Withdrawable)
		}
		if _, overflow := supply.AddOverflow(&supply, &acct.balance); overflow {
			return fmt.Errorf("%w: restoring supply", ErrOverflow)
		}
		if _, overflow := supply.AddOverflow(&supply, &acct.locked); overflow {
			return fmt.Errorf("%w: restoring supply", ErrOverflow)
		}
		restored[rec.Address] = acct
	}
	b.accounts = restored
	b.supply = supply
	return nil
}

// TotalSupply returns circulating plus escrowed tokens.
func (b *Book) TotalSupply() *uint256.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.supply.Clone()
}

// Account returns a snapshot of holder's position.
func (b *Book) Account(holder common.Address) Account {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if acct, ok := b.accounts[holder]; ok {
		return acct.snapshot(holder)
	}
	return (&account{}).snapshot(holder)
}

// BalanceOf returns the unlocked token balance of holder.
func (b *Book) BalanceOf(holder common.Address) *uint256.Int {
	return b.Account(holder).Balance
}

// Accounts returns every known position ordered by address.
func (b *Book) Accounts() []Account {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Account, 0, len(b.accounts))
	for addr, acct := range b.accounts {
		out = append(out, acct.snapshot(addr))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.Cmp(out[j].Address) < 0
	})
	return out
}

// Mint credits amount to holder and grows the supply.
func (b *Book) Mint(ctx context.Context, holder common.Address, amount *uint256.Int) error {
	if holder == (common.Address{}) {
		return ErrZeroAddress
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	newSupply, overflow := new(uint256.Int).AddOverflow(&b.supply, amount)
	if overflow {
		return fmt.Errorf("%w: supply", ErrOverflow)
	}
	acct := b.accountLocked(holder)
	prev := *acct
	acct.balance.Add(&acct.balance, amount)
	prevSupply := b.supply
	b.supply = *newSupply
	if err := b.persistLocked(ctx, holder, acct); err != nil {
		*acct = prev
		b.supply = prevSupply
		return err
	}
	return nil
}

// Lock moves amount from holder's balance into escrow.
func (b *Book) Lock(ctx context.Context, holder common.Address, amount *uint256.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct := b.accountLocked(holder)
	if acct.balance.Lt(amount) {
		return ErrInsufficientBalance
	}
	prev := *acct
	acct.balance.Sub(&acct.balance, amount)
	acct.locked.Add(&acct.locked, amount)
	if err := b.persistLocked(ctx, holder, acct); err != nil {
		*acct = prev
		return err
	}
	return nil
}

// Unlock returns escrowed tokens to holder's balance.
func (b *Book) Unlock(ctx context.Context, holder common.Address, amount *uint256.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct := b.accountLocked(holder)
	if acct.locked.Lt(amount) {
		return ErrInsufficientLocked
	}
	prev := *acct
	acct.locked.Sub(&acct.locked, amount)
	acct.balance.Add(&acct.balance, amount)
	if err := b.persistLocked(ctx, holder, acct); err != nil {
		*acct = prev
		return err
	}
	return nil
}

// Settle burns amount from holder's escrow and credits settlement to the
// holder's withdrawable balance in one step.
func (b *Book) Settle(ctx context.Context, holder common.Address, amount, settlement *uint256.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct := b.accountLocked(holder)
	if acct.locked.Lt(amount) {
		return ErrInsufficientLocked
	}
	credited, overflow := new(uint256.Int).AddOverflow(&acct.withdrawable, settlement)
	if overflow {
		return fmt.Errorf("%w: withdrawable", ErrOverflow)
	}
	prev := *acct
	prevSupply := b.supply
	acct.locked.Sub(&acct.locked, amount)
	acct.withdrawable = *credited
	b.supply.Sub(&b.supply, amount)
	if err := b.persistLocked(ctx, holder, acct); err != nil {
		*acct = prev
		b.supply = prevSupply
		return err
	}
	return nil
}

// Withdraw zeroes holder's settlement credit and returns the amount owed.
func (b *Book) Withdraw(ctx context.Context, holder common.Address) (*uint256.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct, ok := b.accounts[holder]
	if !ok || acct.withdrawable.IsZero() {
		return nil, ErrNothingToWithdraw
	}
	prev := *acct
	owed := acct.withdrawable.Clone()
	acct.withdrawable.Clear()
	if err := b.persistLocked(ctx, holder, acct); err != nil {
		*acct = prev
		return nil, err
	}
	return owed, nil
}

// Recredit restores a settlement credit after a failed payout.
func (b *Book) Recredit(ctx context.Context, holder common.Address, amount *uint256.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct := b.accountLocked(holder)
	credited, overflow := new(uint256.Int).AddOverflow(&acct.withdrawable, amount)
	if overflow {
		return fmt.Errorf("%w: withdrawable", ErrOverflow)
	}
	prev := *acct
	acct.withdrawable = *credited
	if err := b.persistLocked(ctx, holder, acct); err != nil {
		*acct = prev
		return err
	}
	return nil
}

func (b *Book) accountLocked(holder common.Address) *account {
	acct, ok := b.accounts[holder]
	if !ok {
		acct = &account{}
		b.accounts[holder] = acct
	}
	return acct
}

func (b *Book) persistLocked(ctx context.Context, holder common.Address, acct *account) error {
	if b.store == nil {
		return nil
	}
	if err := b.store.SaveAccount(ctx, acct.snapshot(holder)); err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return nil
}
