package payout

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	// ErrTransfer wraps failures moving funds out of the treasury wallet.
	ErrTransfer = errors.New("payout: transfer failed")
	// ErrRejected marks a transfer that provably did not execute. The
	// withdrawal may be re-credited.
	ErrRejected = fmt.Errorf("%w: rejected", ErrTransfer)
	// ErrUnconfirmed marks a transfer custody accepted without returning a
	// usable receipt. Funds may have moved.
	ErrUnconfirmed = fmt.Errorf("%w: unconfirmed", ErrTransfer)
)

// Transfer is a single outbound movement of the settlement asset.
// IdempotencyKey is stable across retries of the same withdrawal.
type Transfer struct {
	Asset          string
	Destination    string
	Amount         *big.Int
	IdempotencyKey string
}

// Wallet is the treasury hot wallet that releases the settlement asset.
type Wallet interface {
	Transfer(ctx context.Context, t Transfer) (string, error)
}

// FuncWallet adapts a callback to the Wallet interface.
type FuncWallet func(ctx context.Context, t Transfer) (string, error)

// Transfer delegates to the callback.
func (f FuncWallet) Transfer(ctx context.Context, t Transfer) (string, error) {
	if f == nil {
		return "", fmt.Errorf("%w: wallet not configured", ErrRejected)
	}
	return f(ctx, t)
}

// WalletPayout releases withdrawals in Asset through a treasury wallet and
// reports the wallet's transaction reference.
type WalletPayout struct {
	Wallet Wallet
	Asset  string
}

// Pay transfers amount to holder under key.
func (p WalletPayout) Pay(ctx context.Context, holder common.Address, amount *uint256.Int, key string) (string, error) {
	switch {
	case p.Wallet == nil:
		return "", fmt.Errorf("%w: wallet not configured", ErrRejected)
	case amount == nil || amount.IsZero():
		return "", fmt.Errorf("%w: zero amount", ErrRejected)
	case strings.TrimSpace(key) == "":
		return "", fmt.Errorf("%w: idempotency key required", ErrRejected)
	}
	ref, err := p.Wallet.Transfer(ctx, Transfer{
		Asset:          strings.ToUpper(strings.TrimSpace(p.Asset)),
		Destination:    holder.Hex(),
		Amount:         amount.ToBig(),
		IdempotencyKey: key,
	})
	switch {
	case errors.Is(err, ErrTransfer):
		return "", err
	case err != nil:
		return "", fmt.Errorf("%w: %w", ErrTransfer, err)
	case strings.TrimSpace(ref) == "":
		return "", fmt.Errorf("%w: wallet returned no reference", ErrUnconfirmed)
	}
	return ref, nil
}

// Queued hands withdrawals to the treasury desk for off-chain transfer. The
// reference echoes the idempotency key so the desk can match it.
type Queued struct{}

// Pay records nothing and always succeeds.
func (Queued) Pay(_ context.Context, _ common.Address, _ *uint256.Int, key string) (string, error) {
	return "queued:" + key, nil
}
