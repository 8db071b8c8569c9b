// Package cairn is an embedded ordered key-value store built on a
// log-structured merge tree. Keys and values are opaque byte strings.
// Writes land in a bounded in-memory buffer backed by an append-only log
// and cascade down a chain of exponentially sized levels through
// incremental background merges.
package cairn

import (
	"io"
	"time"

	"cairn/internal/base"
	"cairn/internal/db"
)

// Store is a handle to one store directory. All methods are safe for
// concurrent use.
type Store struct {
	db *db.DB
}

// Open opens the store in dir, creating it if absent and recovering it
// after a crash otherwise. A nil opts uses defaults.
func Open(dir string, opts *Options) (*Store, error) {
	if opts == nil {
		opts = &Options{}
	}
	d, err := db.Open(dir, opts)
	if err != nil {
		return nil, err
	}
	return &Store{db: d}, nil
}

// Get returns the value stored for key. It returns ErrNotFound when the
// key is absent, deleted, or expired.
func (s *Store) Get(key []byte) ([]byte, error) {
	return s.db.Get(key)
}

// Put inserts or overwrites key with value. The store's default
// time-to-live applies, if one is configured.
func (s *Store) Put(key, value []byte) error {
	return s.db.Put(key, value, base.NeverExpires)
}

// PutWithExpiry inserts key with an absolute expiry time. After that
// moment readers treat the key as absent. The zero time means the entry
// never expires, regardless of the store default.
func (s *Store) PutWithExpiry(key, value []byte, expiresAt time.Time) error {
	if expiresAt.IsZero() {
		return s.db.Put(key, value, base.NeverExpires)
	}
	sec := expiresAt.Unix()
	if sec <= 0 {
		return ErrInvalidArgument
	}
	return s.db.Put(key, value, uint32(sec))
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(key []byte) error {
	return s.db.Delete(key)
}

// Transact applies a batch of operations atomically: readers observe all
// of them or none, and recovery replays all or none.
func (s *Store) Transact(b *Batch) error {
	if b == nil || len(b.ops) == 0 {
		return nil
	}
	return s.db.Transact(b.ops)
}

// Fold streams every live entry of the store to fn in ascending key
// order over a consistent snapshot. If fn returns an error the fold
// stops and the error is returned to the caller.
func (s *Store) Fold(fn func(key, value []byte) error) error {
	return s.db.Fold(fn, nil, nil, -1)
}

// Range bounds a fold. From is inclusive, To exclusive; nil means
// unbounded on that side. Limit > 0 caps the number of results; small
// limits (under 10) wait for pending merge work at each level so the
// read runs over the most compact structure. Limit <= 0 streams the
// whole range over a snapshot.
type Range struct {
	From  []byte
	To    []byte
	Limit int
}

// FoldRange streams the live entries of a key range to fn in ascending
// key order.
func (s *Store) FoldRange(fn func(key, value []byte) error, r Range) error {
	limit := r.Limit
	if limit <= 0 {
		limit = -1
	}
	return s.db.Fold(fn, r.From, r.To, limit)
}

// Stats reports current engine occupancy and activity.
type Stats = db.Stats

// Stats returns a point-in-time snapshot of store internals.
func (s *Store) Stats() Stats {
	return s.db.Stats()
}

// WriteMetrics dumps the store's operation counters in Prometheus text
// format.
func (s *Store) WriteMetrics(w io.Writer) {
	s.db.WriteMetrics(w)
}

// Close flushes the write buffer into the levels and releases all
// resources. Idempotent.
func (s *Store) Close() error {
	return s.db.Close()
}

// Destroy closes the store without flushing and deletes its files.
func (s *Store) Destroy() error {
	return s.db.Destroy()
}
