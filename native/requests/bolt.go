package requests

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	bbolt "go.etcd.io/bbolt"
)

var bucketPending = []byte("pending_requests")

// BoltLedger persists pending requests in a bbolt file so outstanding oracle
// rounds survive restarts. Every operation runs in a single read-write
// transaction. The outstanding count is kept in memory and seeded on open.
type BoltLedger struct {
	db    *bbolt.DB
	count atomic.Int64
}

// OpenBoltLedger opens (or creates) the ledger database at path.
func OpenBoltLedger(path string) (*BoltLedger, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	var n int64
	err = db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketPending)
		if err != nil {
			return err
		}
		c := bucket.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	l := &BoltLedger{db: db}
	l.count.Store(n)
	return l, nil
}

// Close releases the database handle.
func (l *BoltLedger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *BoltLedger) Create(id ID, req Pending) error {
	if l == nil || l.db == nil {
		return fmt.Errorf("request ledger not initialised")
	}
	if err := req.validate(); err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(toStored(req))
	if err != nil {
		return fmt.Errorf("requests: encode: %w", err)
	}
	err = l.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketPending)
		if bucket.Get(id.Bytes()) != nil {
			return ErrDuplicateRequest
		}
		return bucket.Put(id.Bytes(), encoded)
	})
	if err != nil {
		return err
	}
	l.count.Add(1)
	return nil
}

func (l *BoltLedger) Consume(id ID) (Pending, error) {
	if l == nil || l.db == nil {
		return Pending{}, fmt.Errorf("request ledger not initialised")
	}
	var out Pending
	err := l.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketPending)
		raw := bucket.Get(id.Bytes())
		if raw == nil {
			return ErrUnknownRequest
		}
		req, err := decodePending(raw)
		if err != nil {
			return err
		}
		if err := bucket.Delete(id.Bytes()); err != nil {
			return err
		}
		out = req
		return nil
	})
	if err != nil {
		return Pending{}, err
	}
	l.count.Add(-1)
	return out, nil
}

func (l *BoltLedger) Lookup(id ID) (Pending, bool, error) {
	if l == nil || l.db == nil {
		return Pending{}, false, fmt.Errorf("request ledger not initialised")
	}
	var (
		out   Pending
		found bool
	)
	err := l.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketPending).Get(id.Bytes())
		if raw == nil {
			return nil
		}
		req, err := decodePending(raw)
		if err != nil {
			return err
		}
		out, found = req, true
		return nil
	})
	return out, found, err
}

func (l *BoltLedger) Len() (int, error) {
	if l == nil || l.db == nil {
		return 0, fmt.Errorf("request ledger not initialised")
	}
	return int(l.count.Load()), nil
}

func (l *BoltLedger) Range(fn func(ID, Pending) error) error {
	if l == nil || l.db == nil {
		return fmt.Errorf("request ledger not initialised")
	}
	return l.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPending).ForEach(func(k, v []byte) error {
			req, err := decodePending(v)
			if err != nil {
				return err
			}
			return fn(common.BytesToHash(k), req)
		})
	})
}

func decodePending(raw []byte) (Pending, error) {
	var stored storedPending
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return Pending{}, fmt.Errorf("requests: decode: %w", err)
	}
	return fromStored(stored)
}
