package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

// Journal is the durable, ordered log of applied ledger writes.
type Journal interface {
	Append(e Entry) error
	Replay(fn func(Entry) error) error
	Close() error
}

type MemoryJournal struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

func (j *MemoryJournal) Append(e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	return nil
}

func (j *MemoryJournal) Replay(fn func(Entry) error) error {
	j.mu.Lock()
	entries := append([]Entry(nil), j.entries...)
	j.mu.Unlock()
	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (j *MemoryJournal) Close() error { return nil }

func (j *MemoryJournal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

var logBucket = []byte("ledger_log")

// BoltJournal keeps the log in a bbolt file, one CBOR encoded entry per
// key, keyed by big-endian sequence number so iteration is log order.
type BoltJournal struct {
	db *bolt.DB
}

func OpenBoltJournal(path string) (*BoltJournal, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening ledger log %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(logBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltJournal{db: db}, nil
}

func (j *BoltJournal) Path() string {
	return j.db.Path()
}

func (j *BoltJournal) Append(e Entry) error {
	data, err := cbor.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding log entry %d: %w", e.Seq, err)
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(logBucket)
		key := seqKey(e.Seq)
		if b.Get(key) != nil {
			return fmt.Errorf("log entry %d already written", e.Seq)
		}
		return b.Put(key, data)
	})
}

func (j *BoltJournal) Replay(fn func(Entry) error) error {
	return j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(logBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e Entry
			if err := cbor.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decoding log entry %x: %w", k, err)
			}
			if binary.BigEndian.Uint64(k) != e.Seq {
				return errors.New("log entry key does not match its sequence number")
			}
			if err := fn(e); err != nil {
				return err
			}
		}
		return nil
	})
}

func (j *BoltJournal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
