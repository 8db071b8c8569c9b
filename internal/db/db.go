package db

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"cairn/internal/base"
	"cairn/internal/fold"
	"cairn/internal/level"
	"cairn/internal/mergeiter"
	"cairn/internal/nursery"
	"cairn/internal/sortedfile"
)

const lockFileName = "cairn.lock"

// stepQuantum is the amount of merge work scheduled across the chain per
// nursery flush. Two units per flushed entry keeps every level's debt
// bounded, so an inject can never wait on an unbounded merge.
var stepQuantum = 2 * base.LevelSize(base.TopLevel)

// levelFileRE matches data file names; the captured integer is the level.
var levelFileRE = regexp.MustCompile(`^[^\d]+-(\d+)\.data$`)

// DB is the engine: the single-writer coordinator that owns the nursery
// and the level chain, serializes mutations, routes reads, and paces
// background merge work against write pressure.
type DB struct {
	dir  string
	opts *base.Options

	lockFile *os.File

	// writeMu serializes all mutations and fold acquisition; stateMu
	// protects readers against teardown.
	writeMu sync.Mutex
	stateMu sync.RWMutex

	nur      *nursery.Nursery
	top      *level.Level
	stepDone <-chan struct{} // outstanding merge quantum, guarded by writeMu

	events     chan level.Event
	stopEvents chan struct{}
	eventsDone chan struct{}
	maxLevel   atomic.Int32

	pool    *ants.Pool
	folds   *xsync.MapOf[uint64, *fold.Worker]
	foldSeq atomic.Uint64
	writes  *xsync.Counter

	metrics *storeMetrics
	fatal   atomic.Pointer[error]
	closed  atomic.Bool
}

// Open opens the store in dir, creating it if absent and recovering it
// otherwise.
func Open(dir string, opts *base.Options) (db *DB, err error) {
	opts.EnsureDefaults()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create %s", dir)
	}

	lockFile, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "create lock file")
	}
	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = lockFile.Close()
		return nil, errors.Wrapf(base.ErrLocked, "%s: %v", dir, err)
	}
	defer func() {
		if db == nil {
			_ = lockFile.Close()
		}
	}()

	d := &DB{
		dir:        dir,
		opts:       opts,
		lockFile:   lockFile,
		events:     make(chan level.Event, 64),
		stopEvents: make(chan struct{}),
		eventsDone: make(chan struct{}),
		folds:      xsync.NewMapOf[uint64, *fold.Worker](),
		writes:     xsync.NewCounter(),
		metrics:    newStoreMetrics(),
	}

	maxLevel, err := d.scanDir()
	if err != nil {
		return nil, err
	}
	d.maxLevel.Store(int32(maxLevel))

	// Build the chain bottom-up so each level links to the one below it.
	var next *level.Level
	for n := maxLevel; n >= base.TopLevel; n-- {
		lvl, err := level.Open(dir, n, next, opts, d.events)
		if err != nil {
			if next != nil {
				_ = next.Close()
			}
			return nil, err
		}
		next = lvl
	}
	d.top = next

	// Pre-pay merge debt left by a crash so the write path starts with a
	// bounded amount of pending work.
	for {
		total := d.top.Unmerged()
		if total == 0 {
			break
		}
		<-d.top.Step(total)
	}

	if err := d.recoverNursery(); err != nil {
		_ = d.top.Close()
		return nil, err
	}

	d.nur, err = nursery.New(dir, opts)
	if err != nil {
		_ = d.top.Close()
		return nil, err
	}

	d.pool, err = ants.NewPool(opts.FoldWorkers)
	if err != nil {
		_ = d.nur.Close()
		_ = d.top.Close()
		return nil, errors.Wrap(err, "fold worker pool")
	}

	go d.eventLoop()
	opts.Logger.Infof("cairn: opened %s (levels %d..%d)", dir, base.TopLevel, maxLevel)
	return d, nil
}

// scanDir discovers the deepest materialized level and removes leftovers
// from interrupted merges.
func (d *DB) scanDir() (maxLevel int, err error) {
	maxLevel = base.TopLevel
	dirents, err := os.ReadDir(d.dir)
	if err != nil {
		return 0, errors.Wrapf(err, "read %s", d.dir)
	}
	for _, ent := range dirents {
		name := ent.Name()
		if strings.HasSuffix(name, ".tmp") {
			if err := os.Remove(filepath.Join(d.dir, name)); err != nil {
				return 0, errors.Wrapf(err, "remove %s", name)
			}
			continue
		}
		if name == nursery.LogName || name == lockFileName {
			continue
		}
		m := levelFileRE.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n < base.TopLevel {
			return 0, errors.Wrapf(base.ErrCorrupt, "unexpected data file %s", name)
		}
		if n > maxLevel {
			maxLevel = n
		}
	}
	return maxLevel, nil
}

// recoverNursery replays the log left by a crash and flushes its entries
// into the top level. The old log is deleted only once the flush is
// durable; until then it remains the source of truth.
func (d *DB) recoverNursery() error {
	entries, logPath, err := nursery.Recover(d.dir, d.opts)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		path := level.TempPath(d.dir, base.TopLevel)
		w, err := sortedfile.NewWriter(path, d.opts)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := w.Add(e); err != nil {
				_ = w.Abort()
				return err
			}
		}
		if err := w.Finish(); err != nil {
			return err
		}
		if err := d.top.Inject(path); err != nil {
			return err
		}
		d.opts.Logger.Infof("cairn: recovered %d entries from %s", len(entries), nursery.LogName)
	}
	if logPath != "" {
		if err := os.Remove(logPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return errors.Wrapf(err, "remove %s", logPath)
		}
	}
	return nil
}

func (d *DB) eventLoop() {
	defer close(d.eventsDone)
	for {
		select {
		case ev := <-d.events:
			if ev.BottomLevel > 0 {
				if int32(ev.BottomLevel) > d.maxLevel.Load() {
					d.maxLevel.Store(int32(ev.BottomLevel))
				}
				d.metrics.levelsCreated.Inc()
			}
			if ev.Err != nil && !errors.Is(ev.Err, base.ErrCorrupt) {
				// Merge output corruption is retried by the level; any
				// other background failure stops the engine.
				d.poison(ev.Err)
			}
		case <-d.stopEvents:
			return
		}
	}
}

func (d *DB) poison(err error) {
	fatal := base.MarkFatal(err)
	if d.fatal.CompareAndSwap(nil, &fatal) {
		d.opts.Logger.Errorf("cairn: %v", fatal)
	}
}

func (d *DB) check() error {
	if d.closed.Load() {
		return base.ErrClosed
	}
	if errp := d.fatal.Load(); errp != nil {
		return *errp
	}
	return nil
}

func validKey(key []byte) error {
	if len(key) == 0 {
		return errors.Wrap(base.ErrInvalidArgument, "empty key")
	}
	return nil
}

// Put inserts or overwrites key. A zero expiresAt applies the store's
// default time-to-live, if configured.
func (d *DB) Put(key, value []byte, expiresAt uint32) error {
	if err := d.check(); err != nil {
		return err
	}
	if err := validKey(key); err != nil {
		return err
	}
	// The caller keeps ownership of its slices; the buffered entry gets
	// its own copies.
	e := &base.Entry{
		Key:    append([]byte(nil), key...),
		Value:  append([]byte(nil), value...),
		Kind:   base.KindSet,
		Expiry: expiresAt,
	}
	if e.Expiry == base.NeverExpires {
		e.Expiry = base.ExpiryFromTTL(time.Now(), d.opts.ExpirySecs)
	}
	d.metrics.puts.Inc()
	return d.write(e)
}

// Delete records a tombstone for key. Deleting an absent key is not an
// error.
func (d *DB) Delete(key []byte) error {
	if err := d.check(); err != nil {
		return err
	}
	if err := validKey(key); err != nil {
		return err
	}
	d.metrics.deletes.Inc()
	return d.write(&base.Entry{Key: append([]byte(nil), key...), Kind: base.KindDelete})
}

func (d *DB) write(e *base.Entry) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	full, err := d.nur.Add(e)
	if err != nil {
		d.poison(err)
		return *d.fatal.Load()
	}
	d.writes.Inc()
	if full {
		return d.flushLocked()
	}
	return nil
}

// Transact applies ops atomically: they share one log record and become
// visible together. When a key appears more than once the last op wins.
func (d *DB) Transact(ops []base.Entry) error {
	if err := d.check(); err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}
	if len(ops) > base.LevelSize(base.TopLevel) {
		return errors.Wrapf(base.ErrInvalidArgument,
			"transaction of %d ops exceeds the write buffer", len(ops))
	}
	now := time.Now()
	for i := range ops {
		if err := validKey(ops[i].Key); err != nil {
			return err
		}
		ops[i].Key = append([]byte(nil), ops[i].Key...)
		if ops[i].Kind == base.KindSet {
			ops[i].Value = append([]byte(nil), ops[i].Value...)
			if ops[i].Expiry == base.NeverExpires {
				ops[i].Expiry = base.ExpiryFromTTL(now, d.opts.ExpirySecs)
			}
		}
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	if d.nur.Count()+len(ops) > d.nur.Capacity() {
		if err := d.flushLocked(); err != nil {
			return err
		}
	}
	if err := d.nur.Transact(ops); err != nil {
		d.poison(err)
		return *d.fatal.Load()
	}
	d.writes.Add(int64(len(ops)))
	d.metrics.transacts.Inc()
	if d.nur.Count() >= d.nur.Capacity() {
		return d.flushLocked()
	}
	return nil
}

// flushLocked freezes the nursery into a sorted file, hands it to the top
// level, and schedules a quantum of merge work across the chain. Called
// with writeMu held.
func (d *DB) flushLocked() error {
	// The previous quantum must finish before more files move down,
	// otherwise merge debt could grow without bound.
	if d.stepDone != nil {
		<-d.stepDone
		d.stepDone = nil
	}
	path := level.TempPath(d.dir, base.TopLevel)
	count, err := d.nur.FlushTo(path)
	if err != nil {
		d.poison(err)
		return *d.fatal.Load()
	}
	if count > 0 {
		if err := d.top.Inject(path); err != nil {
			d.poison(err)
			return *d.fatal.Load()
		}
	}
	if err := d.nur.Reset(); err != nil {
		d.poison(err)
		return *d.fatal.Load()
	}
	if count > 0 {
		d.metrics.flushes.Inc()
		d.stepDone = d.top.Step(stepQuantum)
	}
	return nil
}

// Get returns the value stored for key, or ErrNotFound. The nursery is
// consulted first; misses descend the level chain top-down.
func (d *DB) Get(key []byte) ([]byte, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	if err := validKey(key); err != nil {
		return nil, err
	}
	d.stateMu.RLock()
	defer d.stateMu.RUnlock()
	if err := d.check(); err != nil {
		return nil, err
	}
	d.metrics.gets.Inc()

	now := time.Now()
	if e, ok := d.nur.Lookup(key); ok {
		if e.Live(now) {
			return append([]byte(nil), e.Value...), nil
		}
		return nil, base.ErrNotFound
	}

	reply := make(chan level.LookupResult, 1)
	d.top.Lookup(key, reply)
	res := <-reply
	if res.Err != nil {
		return nil, res.Err
	}
	if res.Found && res.Entry.Live(now) {
		return append([]byte(nil), res.Entry.Value...), nil
	}
	return nil, base.ErrNotFound
}

// Fold streams the live entries of [from, to) to fn in ascending key
// order. limit < 0 streams the whole range over a snapshot; 0 returns
// immediately; a small positive limit uses the blocking mode, completing
// pending merges before reading.
func (d *DB) Fold(fn func(key, value []byte) error, from, to []byte, limit int) (err error) {
	if err := d.check(); err != nil {
		return err
	}
	if from != nil && to != nil && base.CompareKeys(from, to) > 0 {
		return errors.Wrap(base.ErrInvalidArgument, "range start after range end")
	}
	if limit == 0 {
		return nil
	}

	worker, err := d.acquireFold(from, to, limit)
	if err != nil {
		return err
	}
	id := d.foldSeq.Add(1)
	d.folds.Store(id, worker)
	defer d.folds.Delete(id)

	if err := d.pool.Submit(worker.Run); err != nil {
		worker.Abandon()
		return errors.Wrap(err, "submit fold")
	}

	// A panic inside fn still cancels and drains the worker before
	// propagating.
	defer func() {
		if r := recover(); r != nil {
			d.drainFold(worker)
			panic(r)
		}
	}()

	for {
		select {
		case msg := <-worker.Results():
			switch msg.Kind {
			case fold.MsgResult:
				if ferr := fn(msg.Key, msg.Value); ferr != nil {
					d.drainFold(worker)
					return ferr
				}
			case fold.MsgDone, fold.MsgLimit:
				<-worker.Join()
				return nil
			case fold.MsgError:
				<-worker.Join()
				return msg.Err
			}
		case <-worker.Join():
			if d.closed.Load() {
				return base.ErrClosed
			}
			return &base.FoldWorkerDiedError{Reason: "worker exited"}
		}
	}
}

// acquireFold pins a consistent view: the nursery snapshot and reader
// references across every level, taken under the write lock so no flush
// intervenes.
func (d *DB) acquireFold(from, to []byte, limit int) (*fold.Worker, error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if err := d.check(); err != nil {
		return nil, err
	}

	snap := d.nur.Snapshot()
	streams := []mergeiter.Stream{nursery.NewFoldSnapshot(snap, from, to)}
	req := &level.RangeReq{
		From:     from,
		To:       to,
		Blocking: limit > 0 && limit < fold.BlockingLimit,
		Streams:  &streams,
		Done:     make(chan error, 1),
	}
	d.top.AcquireRange(req)
	if err := <-req.Done; err != nil {
		for _, s := range streams {
			s.Close()
		}
		return nil, err
	}
	d.metrics.folds.Inc()
	return fold.NewWorker(streams, limit, time.Now()), nil
}

// drainFold cancels the worker and discards in-flight messages until it
// terminates.
func (d *DB) drainFold(w *fold.Worker) {
	w.Cancel()
	for {
		select {
		case <-w.Results():
		case <-w.Join():
			return
		}
	}
}

// Stats is a point-in-time snapshot of engine state.
type Stats struct {
	NurseryCount    int
	NurseryCapacity int
	MaxLevel        int
	Writes          int64
	ActiveFolds     int
}

// Stats reports current occupancy and activity.
func (d *DB) Stats() Stats {
	return Stats{
		NurseryCount:    d.nur.Count(),
		NurseryCapacity: d.nur.Capacity(),
		MaxLevel:        int(d.maxLevel.Load()),
		Writes:          d.writes.Value(),
		ActiveFolds:     d.folds.Size(),
	}
}

// Close flushes the nursery into the levels and releases every resource.
// Idempotent.
func (d *DB) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.cancelFolds()

	d.writeMu.Lock()
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	defer d.writeMu.Unlock()

	if d.stepDone != nil {
		<-d.stepDone
		d.stepDone = nil
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	// A poisoned engine skips the flush: the log stays for recovery.
	if d.fatal.Load() == nil {
		path := level.TempPath(d.dir, base.TopLevel)
		count, err := d.nur.FlushTo(path)
		keep(err)
		if err == nil && count > 0 {
			keep(d.top.Inject(path))
		}
		if firstErr == nil {
			keep(d.nur.Remove())
		} else {
			keep(d.nur.Close())
		}
	} else {
		keep(d.nur.Close())
	}

	keep(d.top.Close())
	d.shutdown()
	return firstErr
}

// Destroy tears the store down and deletes its files without flushing.
func (d *DB) Destroy() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.cancelFolds()

	d.writeMu.Lock()
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	defer d.writeMu.Unlock()

	if d.stepDone != nil {
		<-d.stepDone
		d.stepDone = nil
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(d.nur.Remove())
	keep(d.top.Destroy())
	keep(os.Remove(filepath.Join(d.dir, lockFileName)))
	d.shutdown()
	return firstErr
}

func (d *DB) cancelFolds() {
	d.folds.Range(func(_ uint64, w *fold.Worker) bool {
		w.Cancel()
		return true
	})
	d.folds.Range(func(_ uint64, w *fold.Worker) bool {
		<-w.Join()
		return true
	})
}

func (d *DB) shutdown() {
	close(d.stopEvents)
	<-d.eventsDone
	d.pool.Release()
	_ = syscall.Flock(int(d.lockFile.Fd()), syscall.LOCK_UN)
	_ = d.lockFile.Close()
}
