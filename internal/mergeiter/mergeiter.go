package mergeiter

import (
	"container/heap"
	"time"

	"cairn/internal/base"
)

// Stream yields entries in strictly ascending key order. Next returns nil
// when the stream is exhausted.
type Stream interface {
	Next() (*base.Entry, error)
	Close()
}

// Iter merges n sorted streams into one ascending stream with per-key
// shadowing: for each distinct key only the entry from the
// highest-priority stream survives, where priority is the stream's
// position in the input slice (0 is newest). Tombstones and entries
// expired at the iterator's snapshot time shadow older entries and are
// then withheld from the caller.
type Iter struct {
	streams []Stream
	h       entryHeap
	now     time.Time
}

type heapItem struct {
	entry *base.Entry
	src   int
}

type entryHeap []heapItem

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if c := base.CompareKeys(h[i].entry.Key, h[j].entry.Key); c != 0 {
		return c < 0
	}
	return h[i].src < h[j].src
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x interface{}) {
	*h = append(*h, x.(heapItem))
}

func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// New builds a merging iterator over streams. now fixes the expiry
// snapshot for the whole iteration.
func New(streams []Stream, now time.Time) (*Iter, error) {
	it := &Iter{streams: streams, now: now}
	it.h = make(entryHeap, 0, len(streams))
	for i, s := range streams {
		e, err := s.Next()
		if err != nil {
			it.Close()
			return nil, err
		}
		if e != nil {
			it.h = append(it.h, heapItem{entry: e, src: i})
		}
	}
	heap.Init(&it.h)
	return it, nil
}

// Next returns the next live entry in ascending key order, or nil when
// the merged range is exhausted.
func (it *Iter) Next() (*base.Entry, error) {
	for len(it.h) > 0 {
		win := it.h[0]
		if err := it.advance(0); err != nil {
			return nil, err
		}
		// Entries for the same key on older streams are shadowed.
		for len(it.h) > 0 && base.CompareKeys(it.h[0].entry.Key, win.entry.Key) == 0 {
			if err := it.advance(0); err != nil {
				return nil, err
			}
		}
		if win.entry.Live(it.now) {
			return win.entry, nil
		}
	}
	return nil, nil
}

// advance replaces heap slot i with the next entry from its stream, or
// removes it when the stream is exhausted.
func (it *Iter) advance(i int) error {
	src := it.h[i].src
	e, err := it.streams[src].Next()
	if err != nil {
		return err
	}
	if e == nil {
		heap.Remove(&it.h, i)
		return nil
	}
	it.h[i].entry = e
	heap.Fix(&it.h, i)
	return nil
}

// Close closes every input stream.
func (it *Iter) Close() {
	for _, s := range it.streams {
		if s != nil {
			s.Close()
		}
	}
	it.h = nil
}
