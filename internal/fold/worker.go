package fold

import (
	"sync"
	"time"

	"cairn/internal/base"
	"cairn/internal/mergeiter"
)

// MessageKind discriminates the stream of messages a worker sends its
// caller.
type MessageKind uint8

const (
	// MsgResult carries one key-value pair. The caller's receive is the
	// acknowledgement: the channel is unbuffered, so the worker cannot
	// run ahead of the caller.
	MsgResult MessageKind = iota
	// MsgDone reports that the range is exhausted.
	MsgDone
	// MsgLimit reports that the range limit was reached.
	MsgLimit
	// MsgError reports an abnormal worker exit.
	MsgError
)

// Message is one element of the worker-to-caller stream.
type Message struct {
	Kind  MessageKind
	Key   []byte
	Value []byte
	Err   error
}

// BlockingLimit is the threshold below which a bounded fold uses the
// blocking range mode: small folds wait for pending merge work at every
// level so they read the most compact structure.
const BlockingLimit = 10

// Worker drives one range fold. It consumes a merging iterator over the
// nursery snapshot and every level's files and streams results to the
// caller one at a time with backpressure.
type Worker struct {
	streams []mergeiter.Stream
	limit   int // < 0 means unlimited
	now     time.Time

	out      chan Message
	stop     chan struct{}
	stopOnce sync.Once
	joined   chan struct{}
}

// NewWorker builds a worker over the acquired streams. limit < 0 streams
// the whole range.
func NewWorker(streams []mergeiter.Stream, limit int, now time.Time) *Worker {
	return &Worker{
		streams: streams,
		limit:   limit,
		now:     now,
		out:     make(chan Message),
		stop:    make(chan struct{}),
		joined:  make(chan struct{}),
	}
}

// Results is the worker's outbound stream. Exactly one terminal message
// (MsgDone, MsgLimit, or MsgError) ends it, unless the caller cancels.
func (w *Worker) Results() <-chan Message {
	return w.out
}

// Join is closed when the worker has exited and released its resources.
func (w *Worker) Join() <-chan struct{} {
	return w.joined
}

// Cancel asks the worker to exit. Idempotent. The caller should then
// drain Results until Join closes.
func (w *Worker) Cancel() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// Abandon releases the worker's streams without running it. Only valid
// when Run was never started.
func (w *Worker) Abandon() {
	w.Cancel()
	for _, s := range w.streams {
		s.Close()
	}
	close(w.joined)
}

// Run executes the fold. It is intended to be submitted to the engine's
// worker pool.
func (w *Worker) Run() {
	defer close(w.joined)
	defer func() {
		if r := recover(); r != nil {
			w.send(Message{Kind: MsgError, Err: &base.FoldWorkerDiedError{Reason: r}})
		}
	}()

	iter, err := mergeiter.New(w.streams, w.now)
	if err != nil {
		w.send(Message{Kind: MsgError, Err: &base.FoldWorkerDiedError{Reason: err}})
		return
	}
	defer iter.Close()

	sent := 0
	for {
		if w.limit >= 0 && sent >= w.limit {
			w.send(Message{Kind: MsgLimit})
			return
		}
		e, err := iter.Next()
		if err != nil {
			w.send(Message{Kind: MsgError, Err: &base.FoldWorkerDiedError{Reason: err}})
			return
		}
		if e == nil {
			w.send(Message{Kind: MsgDone})
			return
		}
		if !w.send(Message{Kind: MsgResult, Key: e.Key, Value: e.Value}) {
			return
		}
		sent++
	}
}

// send delivers msg unless the caller has cancelled. The blocking send on
// the unbuffered channel doubles as the per-result acknowledgement.
func (w *Worker) send(msg Message) bool {
	select {
	case w.out <- msg:
		return true
	case <-w.stop:
		return false
	}
}
