package cairn

import (
	"time"

	"cairn/internal/base"
)

// Batch accumulates operations for an atomic Transact. Ops apply in the
// order they were added; when a key appears more than once the last op
// wins.
type Batch struct {
	ops []base.Entry
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Put queues an insert or overwrite.
func (b *Batch) Put(key, value []byte) *Batch {
	b.ops = append(b.ops, base.Entry{Key: key, Value: value, Kind: base.KindSet})
	return b
}

// PutWithExpiry queues an insert with an absolute expiry time.
func (b *Batch) PutWithExpiry(key, value []byte, expiresAt time.Time) *Batch {
	expiry := base.NeverExpires
	if !expiresAt.IsZero() {
		expiry = uint32(expiresAt.Unix())
	}
	b.ops = append(b.ops, base.Entry{Key: key, Value: value, Kind: base.KindSet, Expiry: expiry})
	return b
}

// Delete queues a deletion.
func (b *Batch) Delete(key []byte) *Batch {
	b.ops = append(b.ops, base.Entry{Key: key, Kind: base.KindDelete})
	return b
}

// Len returns the number of queued operations.
func (b *Batch) Len() int {
	return len(b.ops)
}
