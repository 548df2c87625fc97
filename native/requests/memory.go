package requests

import "sync"

// MemoryLedger is an in-process Ledger.
type MemoryLedger struct {
	mu      sync.Mutex
	pending map[ID]Pending
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{pending: make(map[ID]Pending)}
}

func (l *MemoryLedger) Create(id ID, req Pending) error {
	if err := req.validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.pending[id]; exists {
		return ErrDuplicateRequest
	}
	l.pending[id] = req.clone()
	return nil
}

func (l *MemoryLedger) Consume(id ID) (Pending, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	req, ok := l.pending[id]
	if !ok {
		return Pending{}, ErrUnknownRequest
	}
	delete(l.pending, id)
	return req, nil
}

func (l *MemoryLedger) Lookup(id ID) (Pending, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	req, ok := l.pending[id]
	if !ok {
		return Pending{}, false, nil
	}
	return req.clone(), true, nil
}

func (l *MemoryLedger) Len() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending), nil
}

func (l *MemoryLedger) Range(fn func(ID, Pending) error) error {
	l.mu.Lock()
	snapshot := make(map[ID]Pending, len(l.pending))
	for id, req := range l.pending {
		snapshot[id] = req.clone()
	}
	l.mu.Unlock()
	for id, req := range snapshot {
		if err := fn(id, req); err != nil {
			return err
		}
	}
	return nil
}
