package level

import (
	"fmt"
	"os"
	"path/filepath"

	movingaverage "github.com/RobinUS2/golang-moving-average"
	"github.com/cockroachdb/errors"

	"cairn/internal/base"
	"cairn/internal/mergeiter"
	"cairn/internal/sortedfile"
)

// Event is delivered to the engine when something happens below the top
// level that the coordinator should know about: the chain reaching a new
// bottom level, or a background merge failing.
type Event struct {
	BottomLevel int
	Err         error
}

// LookupResult carries the outcome of a point lookup through the chain.
// Found reports raw presence; the entry may still be a tombstone or
// expired, which the caller maps to a miss.
type LookupResult struct {
	Entry base.Entry
	Found bool
	Err   error
}

// RangeReq asks the chain to open range streams for a fold. Each level
// appends its streams newest-first and forwards the request; the level at
// the bottom completes Done. Blocking requests finish any running merge
// before acquiring, so the fold sees the most compact structure.
type RangeReq struct {
	From, To []byte
	Blocking bool
	Streams  *[]mergeiter.Stream
	Done     chan error
}

// Level is one tier of the store. It owns up to two sorted files of its
// size class and the incremental merge that pushes their contents down to
// the next level. Each level runs as its own task; all access goes
// through its mailbox.
type Level struct {
	dir    string
	num    int
	opts   *base.Options
	notify chan<- Event

	mailbox chan message

	// Task-owned state, touched only by run().
	a, b    *sortedfile.SortedFile
	merge   *mergeState
	next    *Level
	avg     *movingaverage.MovingAverage
	pending []message
}

type message struct {
	kind   msgKind
	path   string // inject
	key    []byte // lookup
	lookup chan LookupResult
	rng    *RangeReq
	units  int           // step
	done   chan struct{} // step
	replyI chan int      // unmerged
	replyE chan error    // inject, close, destroy
}

type msgKind uint8

const (
	msgInject msgKind = iota
	msgLookup
	msgRange
	msgStep
	msgUnmerged
	msgClose
	msgDestroy
)

func filePath(dir string, slot byte, num int) string {
	return filepath.Join(dir, fmt.Sprintf("%c-%d.data", slot, num))
}

// TempPath names the in-progress output destined for the given level. The
// suffix keeps it out of recovery scans until it is renamed into a slot.
func TempPath(dir string, num int) string {
	return filepath.Join(dir, fmt.Sprintf("X-%d.data.tmp", num))
}

// Open materializes the level task for the given tier, attaching any
// existing files found in dir. next may be nil for the deepest level.
func Open(dir string, num int, next *Level, opts *base.Options, notify chan<- Event) (*Level, error) {
	l := &Level{
		dir:     dir,
		num:     num,
		opts:    opts,
		notify:  notify,
		next:    next,
		mailbox: make(chan message, 128),
		avg:     movingaverage.New(32),
	}
	for _, slot := range []byte{'A', 'B'} {
		path := filePath(dir, slot, num)
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, errors.Wrapf(err, "stat %s", path)
		}
		file, err := sortedfile.Open(path, opts)
		if err != nil {
			return nil, err
		}
		if slot == 'A' {
			l.a = file
		} else {
			l.b = file
		}
	}
	if l.a == nil && l.b != nil {
		// A crash can leave only the newer slot: promote it so the next
		// arrival pairs with it.
		if err := l.b.Rename(filePath(dir, 'A', num)); err != nil {
			l.b.Close()
			return nil, err
		}
		l.a, l.b = l.b, nil
	}
	if l.a != nil && l.b != nil {
		if err := l.startMerge(); err != nil {
			l.a.Close()
			l.b.Close()
			return nil, err
		}
	}
	go l.run()
	return l, nil
}

// Num returns the level's tier number.
func (l *Level) Num() int {
	return l.num
}

// Inject hands a finished sorted file (at its temporary path) to the
// level. Blocks until the level has renamed it into a slot, which may
// require finishing an in-progress merge first.
func (l *Level) Inject(path string) error {
	reply := make(chan error, 1)
	l.mailbox <- message{kind: msgInject, path: path, replyE: reply}
	return <-reply
}

// Lookup descends the chain looking for key. The reply channel receives
// exactly one result, possibly from a deeper level.
func (l *Level) Lookup(key []byte, reply chan LookupResult) {
	l.mailbox <- message{kind: msgLookup, key: key, lookup: reply}
}

// AcquireRange opens range streams across the chain for a fold. The
// request's Done channel completes once every level has contributed.
func (l *Level) AcquireRange(req *RangeReq) {
	l.mailbox <- message{kind: msgRange, rng: req}
}

// Step schedules up to units of incremental merge work on this level and,
// cascading, on every level below it. The returned channel closes when
// the whole chain has taken its quantum.
func (l *Level) Step(units int) <-chan struct{} {
	done := make(chan struct{})
	l.mailbox <- message{kind: msgStep, units: units, done: done}
	return done
}

// Unmerged returns the total count of pending merge work in this level
// and everything below it.
func (l *Level) Unmerged() int {
	reply := make(chan int, 1)
	l.mailbox <- message{kind: msgUnmerged, replyI: reply}
	return <-reply
}

// Close shuts down the chain from this level on, leaving all files in
// place for recovery.
func (l *Level) Close() error {
	reply := make(chan error, 1)
	l.mailbox <- message{kind: msgClose, replyE: reply}
	return <-reply
}

// Destroy shuts down the chain and deletes its files.
func (l *Level) Destroy() error {
	reply := make(chan error, 1)
	l.mailbox <- message{kind: msgDestroy, replyE: reply}
	return <-reply
}

func (l *Level) run() {
	for {
		var msg message
		if len(l.pending) > 0 {
			msg = l.pending[0]
			l.pending = l.pending[1:]
		} else {
			msg = <-l.mailbox
		}
		if stop := l.handle(msg); stop {
			return
		}
	}
}

func (l *Level) handle(msg message) (stop bool) {
	switch msg.kind {
	case msgInject:
		msg.replyE <- l.handleInject(msg.path)
	case msgLookup:
		l.handleLookup(msg.key, msg.lookup)
	case msgRange:
		l.handleRange(msg.rng)
	case msgStep:
		l.handleStep(msg.units, msg.done)
	case msgUnmerged:
		own := 0
		if l.merge != nil {
			own = l.merge.remaining
		}
		if l.next != nil {
			own += l.next.Unmerged()
		}
		msg.replyI <- own
	case msgClose:
		msg.replyE <- l.teardown(false)
		return true
	case msgDestroy:
		msg.replyE <- l.teardown(true)
		return true
	}
	return false
}

func (l *Level) handleInject(path string) error {
	if l.a != nil && l.b != nil {
		// Both slots occupied: the in-progress merge must finish and move
		// its output down before this level can accept another file.
		if err := l.finishMerge(); err != nil {
			l.reportMergeError(err)
			return err
		}
	}
	slot := byte('A')
	if l.a != nil {
		slot = 'B'
	}
	dst := filePath(l.dir, slot, l.num)
	if err := os.Rename(path, dst); err != nil {
		return errors.Wrapf(err, "rename %s", path)
	}
	if err := sortedfile.SyncDir(l.dir); err != nil {
		return err
	}
	file, err := sortedfile.Open(dst, l.opts)
	if err != nil {
		return err
	}
	if slot == 'A' {
		l.a = file
		return nil
	}
	l.b = file
	return l.startMerge()
}

func (l *Level) handleLookup(key []byte, reply chan LookupResult) {
	// The newer slot shadows the older one.
	for _, file := range []*sortedfile.SortedFile{l.b, l.a} {
		if file == nil {
			continue
		}
		e, found, err := file.Get(key)
		if err != nil {
			reply <- LookupResult{Err: err}
			return
		}
		if found {
			reply <- LookupResult{Entry: e, Found: true}
			return
		}
	}
	if l.next != nil {
		l.next.Lookup(key, reply)
		return
	}
	reply <- LookupResult{}
}

func (l *Level) handleRange(req *RangeReq) {
	if req.Blocking && l.merge != nil {
		if err := l.finishMerge(); err != nil {
			l.reportMergeError(err)
			req.Done <- err
			return
		}
	}
	for _, file := range []*sortedfile.SortedFile{l.b, l.a} {
		if file == nil {
			continue
		}
		it, err := file.NewIter(req.From, req.To)
		if err != nil {
			req.Done <- err
			return
		}
		*req.Streams = append(*req.Streams, it)
	}
	if l.next != nil {
		l.next.AcquireRange(req)
		return
	}
	req.Done <- nil
}

func (l *Level) handleStep(units int, done chan struct{}) {
	if l.merge != nil {
		if err := l.stepMerge(units); err != nil {
			l.reportMergeError(err)
		}
	}
	if l.next != nil {
		l.next.mailbox <- message{kind: msgStep, units: units, done: done}
		return
	}
	close(done)
}

// reportMergeError abandons the failed merge and tells the engine. The
// input files are intact, so a fresh merge is started for the retry path.
func (l *Level) reportMergeError(err error) {
	l.opts.Logger.Errorf("cairn: level %d merge: %v", l.num, err)
	l.abortMerge()
	if l.a != nil && l.b != nil {
		if rerr := l.startMerge(); rerr != nil {
			err = errors.CombineErrors(err, rerr)
		}
	}
	select {
	case l.notify <- Event{Err: err}:
	default:
	}
}

func (l *Level) teardown(destroy bool) error {
	var firstErr error
	if l.merge != nil {
		l.abortMerge()
	}
	for _, file := range []*sortedfile.SortedFile{l.a, l.b} {
		if file == nil {
			continue
		}
		if destroy {
			file.Drop()
		} else {
			file.Close()
		}
	}
	l.a, l.b = nil, nil
	if l.next != nil {
		var err error
		if destroy {
			err = l.next.Destroy()
		} else {
			err = l.next.Close()
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// pollLookups drains the mailbox of lookup traffic between merge bursts
// so reads are not starved behind a long quantum. Everything else keeps
// its arrival order and is handled after the step completes.
func (l *Level) pollLookups() {
	for {
		select {
		case msg := <-l.mailbox:
			if msg.kind == msgLookup {
				l.handleLookup(msg.key, msg.lookup)
				continue
			}
			l.pending = append(l.pending, msg)
		default:
			return
		}
	}
}
