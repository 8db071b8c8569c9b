package base

import "time"

// Compression selects the page codec used by data files.
type Compression uint8

const (
	NoCompression Compression = iota
	SnappyCompression
	GzipCompression
)

// MergeStrategy controls how background merge work is paced.
type MergeStrategy uint8

const (
	// MergeFast runs each scheduled merge quantum to completion in one
	// burst, favoring throughput.
	MergeFast MergeStrategy = iota
	// MergePredictable splits quanta into bursts sized from a moving
	// average of recent per-entry merge cost, favoring uniform write
	// latency.
	MergePredictable
)

// SyncStrategy governs the durability of the write buffer log.
type SyncStrategy struct {
	// Mode is one of SyncNone, SyncAlways, SyncInterval.
	Mode SyncMode
	// Interval bounds how long an acknowledged write may remain unsynced
	// when Mode is SyncInterval.
	Interval time.Duration
}

type SyncMode uint8

const (
	// SyncNone never syncs; durability is limited to process survival.
	SyncNone SyncMode = iota
	// SyncAlways syncs the log after every write and transaction.
	SyncAlways
	// SyncInterval batches syncs on a timer.
	SyncInterval
)

// Options carries the store configuration shared by all components. The
// zero value is not usable; call EnsureDefaults.
type Options struct {
	Compression     Compression
	PageSize        int
	ReadBufferSize  int
	WriteBufferSize int
	MergeStrategy   MergeStrategy
	SyncStrategy    SyncStrategy
	// ExpirySecs is the default time-to-live applied to writes that carry
	// no explicit expiry. Zero means entries never expire by default.
	ExpirySecs uint32
	// FoldWorkers bounds the number of concurrently running fold workers.
	FoldWorkers int
	Logger      Logger
}

// EnsureDefaults fills in unset fields and returns the receiver for
// chaining.
func (o *Options) EnsureDefaults() *Options {
	if o.PageSize <= 0 {
		o.PageSize = 4096
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = 64 << 10
	}
	if o.WriteBufferSize <= 0 {
		o.WriteBufferSize = 64 << 10
	}
	if o.FoldWorkers <= 0 {
		o.FoldWorkers = 8
	}
	if o.SyncStrategy.Mode == SyncInterval && o.SyncStrategy.Interval <= 0 {
		o.SyncStrategy.Interval = time.Second
	}
	if o.Logger == nil {
		o.Logger = DefaultLogger{}
	}
	return o
}
