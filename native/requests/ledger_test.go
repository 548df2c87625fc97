package requests

import (
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

func ledgers(t *testing.T) map[string]Ledger {
	t.Helper()
	bolt, err := OpenBoltLedger(filepath.Join(t.TempDir(), "requests.db"))
	if err != nil {
		t.Fatalf("open bolt ledger: %v", err)
	}
	t.Cleanup(func() { bolt.Close() })
	return map[string]Ledger{
		"memory": NewMemoryLedger(),
		"bolt":   bolt,
	}
}

func samplePending(kind Kind) Pending {
	return Pending{
		Amount:      uint256.NewInt(10),
		Requester:   common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Kind:        kind,
		SubmittedAt: time.Unix(1_700_000_000, 0).UTC(),
	}
}

func TestLedgerCreateConsume(t *testing.T) {
	for name, ledger := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			id := common.HexToHash("0x01")
			if err := ledger.Create(id, samplePending(KindMint)); err != nil {
				t.Fatalf("create: %v", err)
			}
			if n, _ := ledger.Len(); n != 1 {
				t.Fatalf("expected one pending request, got %d", n)
			}
			got, err := ledger.Consume(id)
			if err != nil {
				t.Fatalf("consume: %v", err)
			}
			if got.Kind != KindMint || !got.Amount.Eq(uint256.NewInt(10)) {
				t.Fatalf("unexpected record %+v", got)
			}
			if got.Requester != samplePending(KindMint).Requester {
				t.Fatalf("unexpected requester %s", got.Requester.Hex())
			}
			if !got.SubmittedAt.Equal(time.Unix(1_700_000_000, 0)) {
				t.Fatalf("unexpected submittedAt %s", got.SubmittedAt)
			}
			if _, err := ledger.Consume(id); !errors.Is(err, ErrUnknownRequest) {
				t.Fatalf("expected replay to fail with unknown request, got %v", err)
			}
			if n, _ := ledger.Len(); n != 0 {
				t.Fatalf("expected empty ledger, got %d", n)
			}
		})
	}
}

func TestLedgerDuplicateCreate(t *testing.T) {
	for name, ledger := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			id := common.HexToHash("0x02")
			if err := ledger.Create(id, samplePending(KindRedeem)); err != nil {
				t.Fatalf("create: %v", err)
			}
			other := samplePending(KindMint)
			other.Amount = uint256.NewInt(99)
			if err := ledger.Create(id, other); !errors.Is(err, ErrDuplicateRequest) {
				t.Fatalf("expected duplicate, got %v", err)
			}
			got, ok, err := ledger.Lookup(id)
			if err != nil || !ok {
				t.Fatalf("lookup: ok=%v err=%v", ok, err)
			}
			if got.Kind != KindRedeem || got.Amount.Uint64() != 10 {
				t.Fatalf("original record was overwritten: %+v", got)
			}
		})
	}
}

func TestLedgerUnknownConsume(t *testing.T) {
	for name, ledger := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := ledger.Consume(common.HexToHash("0xdead")); !errors.Is(err, ErrUnknownRequest) {
				t.Fatalf("expected unknown request, got %v", err)
			}
			if _, ok, err := ledger.Lookup(common.HexToHash("0xdead")); ok || err != nil {
				t.Fatalf("expected no record, ok=%v err=%v", ok, err)
			}
		})
	}
}

func TestLedgerRejectsInvalidKind(t *testing.T) {
	for name, ledger := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			if err := ledger.Create(common.HexToHash("0x03"), samplePending(0)); err == nil {
				t.Fatalf("expected invalid kind to be rejected")
			}
		})
	}
}

func TestLedgerConsumeAtMostOnce(t *testing.T) {
	for name, ledger := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			id := common.HexToHash("0x04")
			if err := ledger.Create(id, samplePending(KindMint)); err != nil {
				t.Fatalf("create: %v", err)
			}
			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				successes int
			)
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := ledger.Consume(id); err == nil {
						mu.Lock()
						successes++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			if successes != 1 {
				t.Fatalf("expected exactly one consumer, got %d", successes)
			}
		})
	}
}

func TestBoltLedgerSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requests.db")
	ledger, err := OpenBoltLedger(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	id := common.HexToHash("0x05")
	if err := ledger.Create(id, samplePending(KindRedeem)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := ledger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	reopened, err := OpenBoltLedger(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.Consume(id)
	if err != nil {
		t.Fatalf("consume after reopen: %v", err)
	}
	if got.Kind != KindRedeem {
		t.Fatalf("unexpected kind %s", got.Kind)
	}
}

func TestLedgerRange(t *testing.T) {
	for name, ledger := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ids := []ID{common.HexToHash("0x0a"), common.HexToHash("0x0b")}
			for _, id := range ids {
				if err := ledger.Create(id, samplePending(KindRedeem)); err != nil {
					t.Fatalf("create: %v", err)
				}
			}
			seen := make(map[ID]bool)
			err := ledger.Range(func(id ID, req Pending) error {
				if req.Kind != KindRedeem {
					t.Fatalf("unexpected kind %s", req.Kind)
				}
				seen[id] = true
				return nil
			})
			if err != nil {
				t.Fatalf("range: %v", err)
			}
			if len(seen) != len(ids) {
				t.Fatalf("expected %d requests, saw %d", len(ids), len(seen))
			}
			stop := errors.New("stop")
			calls := 0
			if err := ledger.Range(func(ID, Pending) error { calls++; return stop }); !errors.Is(err, stop) || calls != 1 {
				t.Fatalf("expected range to stop after first error, calls=%d err=%v", calls, err)
			}
		})
	}
}

func TestBoltLedgerCountSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requests.db")
	ledger, err := OpenBoltLedger(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := int64(1); i <= 3; i++ {
		if err := ledger.Create(common.BigToHash(big.NewInt(i)), samplePending(KindMint)); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if _, err := ledger.Consume(common.BigToHash(big.NewInt(2))); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if err := ledger.Create(common.BigToHash(big.NewInt(1)), samplePending(KindMint)); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if _, err := ledger.Consume(common.BigToHash(big.NewInt(9))); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("expected unknown, got %v", err)
	}
	if n, _ := ledger.Len(); n != 2 {
		t.Fatalf("expected 2 outstanding, got %d", n)
	}
	if err := ledger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	reopened, err := OpenBoltLedger(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if n, _ := reopened.Len(); n != 2 {
		t.Fatalf("expected 2 outstanding after reopen, got %d", n)
	}
}
