package coordinator

import (
	"sync"
	"time"

	"github.com/holiman/uint256"

	"synthd/native/requests"
)

// PortfolioSnapshot is the last oracle-reported collateral value.
type PortfolioSnapshot struct {
	Value      *uint256.Int
	ObservedAt time.Time
	RequestID  requests.ID
}

// Portfolio holds the collateral value reported by the most recent mint
// fulfillment. The mint fulfillment branch is its only writer; readers see
// the last observation, which may be stale between updates.
type Portfolio struct {
	mu         sync.RWMutex
	value      uint256.Int
	observedAt time.Time
	requestID  requests.ID
}

// Snapshot returns a copy of the current observation.
func (p *Portfolio) Snapshot() PortfolioSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return PortfolioSnapshot{Value: p.value.Clone(), ObservedAt: p.observedAt, RequestID: p.requestID}
}

func (p *Portfolio) record(value *uint256.Int, at time.Time, id requests.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.value.Set(value)
	p.observedAt = at
	p.requestID = id
}
