package nursery

import (
	"sync"

	"github.com/tidwall/btree"

	"cairn/internal/base"
	"cairn/internal/sortedfile"
)

// Nursery is the bounded in-memory write buffer. Writes land here first,
// backed by an append-only log for recovery, and are flushed into the top
// level as a sorted file when the buffer fills. Within the nursery the
// latest write per key wins.
type Nursery struct {
	opts *base.Options
	log  *logWriter

	mu   sync.RWMutex
	tree *btree.BTreeG[*base.Entry]
	cap  int
}

func lessEntry(a, b *base.Entry) bool {
	return base.CompareKeys(a.Key, b.Key) < 0
}

func newTree() *btree.BTreeG[*base.Entry] {
	return btree.NewBTreeGOptions(lessEntry, btree.Options{NoLocks: true})
}

// New creates an empty nursery with a fresh log file in dir.
func New(dir string, opts *base.Options) (*Nursery, error) {
	log, err := newLogWriter(dir, opts)
	if err != nil {
		return nil, err
	}
	return &Nursery{
		opts: opts,
		log:  log,
		tree: newTree(),
		cap:  base.LevelSize(base.TopLevel),
	}, nil
}

// Add logs and inserts a single entry. The returned flag reports whether
// the nursery has reached capacity and must be flushed.
func (n *Nursery) Add(e *base.Entry) (full bool, err error) {
	if err := n.log.append(encodeSingle(e)); err != nil {
		return false, err
	}
	n.mu.Lock()
	n.tree.Set(e)
	full = n.tree.Len() >= n.cap
	n.mu.Unlock()
	return full, nil
}

// Transact logs all ops as one record and applies them to the buffer. The
// ops become visible together: readers either see none of them or all of
// them. When the same key appears more than once the last op wins.
func (n *Nursery) Transact(ops []base.Entry) error {
	if err := n.log.append(encodeTxn(ops)); err != nil {
		return err
	}
	n.mu.Lock()
	for i := range ops {
		e := ops[i]
		n.tree.Set(&e)
	}
	n.mu.Unlock()
	return nil
}

// Count returns the number of buffered entries, tombstones included.
func (n *Nursery) Count() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.tree.Len()
}

// Capacity returns the flush threshold.
func (n *Nursery) Capacity() int {
	return n.cap
}

// Lookup consults the buffer for key. The returned entry may be a
// tombstone or expired; the caller interprets it. ok is false when the
// buffer holds nothing for the key.
func (n *Nursery) Lookup(key []byte) (e *base.Entry, ok bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.tree.Get(&base.Entry{Key: key})
}

// Snapshot returns a point-in-time copy of the buffer. The copy is O(1)
// and unaffected by later writes.
func (n *Nursery) Snapshot() *btree.BTreeG[*base.Entry] {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.tree.Copy()
}

// FlushTo writes the buffered entries to a new sorted file at path. It
// returns the entry count, zero when the buffer is empty (in which case no
// file is created). Tombstones and expired entries are retained; the
// levels decide when they can be dropped.
func (n *Nursery) FlushTo(path string) (count uint64, err error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.tree.Len() == 0 {
		return 0, nil
	}
	w, err := sortedfile.NewWriter(path, n.opts)
	if err != nil {
		return 0, err
	}
	n.tree.Scan(func(e *base.Entry) bool {
		err = w.Add(e)
		return err == nil
	})
	if err != nil {
		_ = w.Abort()
		return 0, err
	}
	if err := w.Finish(); err != nil {
		return 0, err
	}
	return w.Count(), nil
}

// Reset empties the buffer and truncates the log. Called after the flushed
// file has been handed to the top level.
func (n *Nursery) Reset() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.log.reset(); err != nil {
		return err
	}
	n.tree = newTree()
	return nil
}

// Close closes the log file, leaving it on disk for recovery.
func (n *Nursery) Close() error {
	return n.log.close()
}

// Remove closes and deletes the log file. Called once the buffer contents
// are durable in the levels.
func (n *Nursery) Remove() error {
	return n.log.remove()
}

// FoldSnapshot streams the entries of a Snapshot intersecting [from, to)
// in key order. Used to seed fold iteration ahead of any level streams.
type FoldSnapshot struct {
	iter     btree.IterG[*base.Entry]
	to       []byte
	done     bool
	released bool
}

// NewFoldSnapshot positions a cursor over snap at the first key >= from.
func NewFoldSnapshot(snap *btree.BTreeG[*base.Entry], from, to []byte) *FoldSnapshot {
	fs := &FoldSnapshot{iter: snap.Iter(), to: to}
	if from != nil {
		fs.done = !fs.iter.Seek(&base.Entry{Key: from})
	} else {
		fs.done = !fs.iter.First()
	}
	if fs.done {
		fs.release()
	}
	return fs
}

func (fs *FoldSnapshot) release() {
	if !fs.released {
		fs.iter.Release()
		fs.released = true
	}
}

// Next returns the next buffered entry in range, nil at the end.
func (fs *FoldSnapshot) Next() (*base.Entry, error) {
	if fs.done {
		return nil, nil
	}
	e := fs.iter.Item()
	if fs.to != nil && base.CompareKeys(e.Key, fs.to) >= 0 {
		fs.done = true
		fs.release()
		return nil, nil
	}
	if !fs.iter.Next() {
		fs.done = true
		fs.release()
	}
	return e, nil
}

// Close releases the cursor.
func (fs *FoldSnapshot) Close() {
	fs.done = true
	fs.release()
}
