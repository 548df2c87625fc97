package requests

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ID is the 32-byte identifier assigned to a request by the oracle network.
type ID = common.Hash

var (
	// ErrDuplicateRequest is returned when an identifier is already pending.
	ErrDuplicateRequest = errors.New("requests: duplicate request id")
	// ErrUnknownRequest is returned when no pending request matches the id,
	// including ids that were already fulfilled.
	ErrUnknownRequest = errors.New("requests: unknown request id")
	errInvalidKind    = errors.New("requests: invalid kind")
)

// Kind distinguishes the two lifecycles that share the ledger.
type Kind uint8

const (
	KindMint Kind = iota + 1
	KindRedeem
)

func (k Kind) String() string {
	switch k {
	case KindMint:
		return "mint"
	case KindRedeem:
		return "redeem"
	default:
		return "unknown"
	}
}

// Valid reports whether k is a known request kind.
func (k Kind) Valid() bool { return k == KindMint || k == KindRedeem }

// Pending is the record held between submission and fulfillment.
type Pending struct {
	Amount      *uint256.Int
	Requester   common.Address
	Kind        Kind
	SubmittedAt time.Time
}

func (p Pending) validate() error {
	if !p.Kind.Valid() {
		return errInvalidKind
	}
	if p.Amount == nil {
		return fmt.Errorf("requests: amount required")
	}
	return nil
}

func (p Pending) clone() Pending {
	out := p
	if p.Amount != nil {
		out.Amount = p.Amount.Clone()
	}
	return out
}

// Ledger stores pending requests keyed by id. Create and Consume are atomic
// with respect to each other for the same id.
type Ledger interface {
	// Create inserts a new pending request.
	Create(id ID, req Pending) error
	// Consume removes and returns the pending request.
	Consume(id ID) (Pending, error)
	// Lookup returns the pending request without removing it.
	Lookup(id ID) (Pending, bool, error)
	// Len returns the number of outstanding requests.
	Len() (int, error)
	// Range calls fn for every outstanding request until fn returns an error.
	Range(fn func(ID, Pending) error) error
}

type storedPending struct {
	Amount      *big.Int
	Requester   common.Address
	Kind        uint8
	SubmittedAt uint64
}

func toStored(p Pending) storedPending {
	var submitted uint64
	if unix := p.SubmittedAt.Unix(); unix > 0 {
		submitted = uint64(unix)
	}
	return storedPending{
		Amount:      p.Amount.ToBig(),
		Requester:   p.Requester,
		Kind:        uint8(p.Kind),
		SubmittedAt: submitted,
	}
}

func fromStored(s storedPending) (Pending, error) {
	amount, overflow := uint256.FromBig(s.Amount)
	if overflow {
		return Pending{}, fmt.Errorf("requests: stored amount overflows")
	}
	return Pending{
		Amount:      amount,
		Requester:   s.Requester,
		Kind:        Kind(s.Kind),
		SubmittedAt: time.Unix(int64(s.SubmittedAt), 0).UTC(),
	}, nil
}
