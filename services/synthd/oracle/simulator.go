package oracle

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"synthd/native/requests"
)

// Submission is a request captured by the Simulator.
type Submission struct {
	ID          requests.ID
	Request     Request
	Payload     []byte
	SubmittedAt time.Time
}

// Simulator is a local Gateway that assigns identifiers without contacting a
// network. Callbacks are delivered by an operator through the fulfillment
// endpoint.
type Simulator struct {
	mu          sync.Mutex
	submissions map[requests.ID]Submission
	clock       func() time.Time
}

// NewSimulator returns an empty simulator.
func NewSimulator() *Simulator {
	return &Simulator{submissions: make(map[requests.ID]Submission), clock: time.Now}
}

func (s *Simulator) Submit(_ context.Context, req Request) (requests.ID, error) {
	data, err := EncodePayload(req)
	if err != nil {
		return requests.ID{}, err
	}
	nonce := uuid.New()
	id := crypto.Keccak256Hash(nonce[:], data)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submissions[id] = Submission{ID: id, Request: req, Payload: data, SubmittedAt: s.clock()}
	return id, nil
}

// Submissions lists captured requests, oldest first.
func (s *Simulator) Submissions() []Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Submission, 0, len(s.submissions))
	for _, sub := range s.submissions {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

// Forget drops a captured request once it has been answered.
func (s *Simulator) Forget(id requests.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.submissions, id)
}
