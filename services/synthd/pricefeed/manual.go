package pricefeed

import (
	"context"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"synthd/native/collateral"
)

// ManualFeed serves an operator-set price. It backs development setups and
// tests.
type ManualFeed struct {
	mu    sync.RWMutex
	name  string
	round Round
}

// NewManualFeed returns a feed reporting price (18 decimals) as of at. A zero
// at reports the price as observed at read time.
func NewManualFeed(name string, price *uint256.Int, at time.Time) *ManualFeed {
	f := &ManualFeed{name: name}
	f.Set(price, at)
	return f
}

// Set replaces the reported price.
func (f *ManualFeed) Set(price *uint256.Int, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var answer *uint256.Int
	if price != nil {
		answer = price.Clone()
	}
	f.round = Round{Answer: answer, Decimals: collateral.Decimals, UpdatedAt: at}
}

func (f *ManualFeed) Name() string { return f.name }

func (f *ManualFeed) LatestRound(context.Context) (Round, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := f.round
	if out.UpdatedAt.IsZero() {
		out.UpdatedAt = time.Now()
	}
	if out.Answer != nil {
		out.Answer = out.Answer.Clone()
	}
	return out, nil
}
