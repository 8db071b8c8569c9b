package cairn

import (
	"time"

	"cairn/internal/base"
)

// Options configures a store. The zero value gives a working store with
// no compression, no default expiry, and no log syncing beyond process
// survival.
type Options = base.Options

// Logger receives the store's informational and error output.
type Logger = base.Logger

// Compression selects the data file page codec.
const (
	NoCompression     = base.NoCompression
	SnappyCompression = base.SnappyCompression
	GzipCompression   = base.GzipCompression
)

// Merge pacing strategies.
const (
	MergeFast        = base.MergeFast
	MergePredictable = base.MergePredictable
)

// SyncNone gives no durability guarantee for the write buffer log.
func SyncNone() base.SyncStrategy {
	return base.SyncStrategy{Mode: base.SyncNone}
}

// SyncAlways syncs the write buffer log after every write and
// transaction.
func SyncAlways() base.SyncStrategy {
	return base.SyncStrategy{Mode: base.SyncAlways}
}

// SyncEvery bounds how long an acknowledged write may stay unsynced.
func SyncEvery(interval time.Duration) base.SyncStrategy {
	return base.SyncStrategy{Mode: base.SyncInterval, Interval: interval}
}
