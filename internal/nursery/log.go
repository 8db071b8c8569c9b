package nursery

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RussellLuo/timingwheel"
	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"

	"cairn/internal/base"
)

// LogName is the append-only recovery log kept alongside the data files.
const LogName = "nursery.data"

const logHeaderSize = 4 + 8

// Record kinds in the log.
const (
	recSingle byte = 1
	recTxn    byte = 2
)

// logWriter appends framed records to the nursery log and applies the
// configured sync strategy. Interval syncs run on a timing wheel so an
// acknowledged write is durable within the configured bound.
type logWriter struct {
	path string
	file *os.File
	opts *base.Options

	mu      sync.Mutex
	wheel   *timingwheel.TimingWheel
	pending atomic.Bool
	syncErr atomic.Pointer[error]
}

func newLogWriter(dir string, opts *base.Options) (*logWriter, error) {
	path := filepath.Join(dir, LogName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	w := &logWriter{path: path, file: file, opts: opts}
	if opts.SyncStrategy.Mode == base.SyncInterval {
		w.wheel = timingwheel.NewTimingWheel(100*time.Millisecond, 64)
		w.wheel.Start()
	}
	return w, nil
}

// append frames payload with a length prefix and checksum and applies the
// sync strategy before returning.
func (w *logWriter) append(payload []byte) error {
	if errp := w.syncErr.Load(); errp != nil {
		return *errp
	}
	header := make([]byte, 0, logHeaderSize)
	header = binary.LittleEndian.AppendUint32(header, uint32(len(payload)))
	header = binary.LittleEndian.AppendUint64(header, xxhash.Sum64(payload))

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.file.Write(header); err != nil {
		return errors.Wrapf(err, "append %s", w.path)
	}
	if _, err := w.file.Write(payload); err != nil {
		return errors.Wrapf(err, "append %s", w.path)
	}

	switch w.opts.SyncStrategy.Mode {
	case base.SyncAlways:
		if err := w.file.Sync(); err != nil {
			return errors.Wrapf(err, "sync %s", w.path)
		}
	case base.SyncInterval:
		if !w.pending.Swap(true) {
			w.wheel.AfterFunc(w.opts.SyncStrategy.Interval, w.timedSync)
		}
	}
	return nil
}

func (w *logWriter) timedSync() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending.Store(false)
	if err := w.file.Sync(); err != nil {
		wrapped := errors.Wrapf(err, "sync %s", w.path)
		w.syncErr.Store(&wrapped)
	}
}

// reset truncates the log after a successful flush into the levels.
func (w *logWriter) reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Truncate(0); err != nil {
		return errors.Wrapf(err, "truncate %s", w.path)
	}
	if _, err := w.file.Seek(0, 0); err != nil {
		return errors.Wrapf(err, "seek %s", w.path)
	}
	return nil
}

func (w *logWriter) close() error {
	if w.wheel != nil {
		w.wheel.Stop()
	}
	return w.file.Close()
}

func (w *logWriter) remove() error {
	if err := w.close(); err != nil {
		return err
	}
	return os.Remove(w.path)
}

func encodeSingle(e *base.Entry) []byte {
	buf := make([]byte, 0, 1+base.EncodedEntrySize(e))
	buf = append(buf, recSingle)
	return base.AppendEntry(buf, e)
}

func encodeTxn(ops []base.Entry) []byte {
	size := 1 + 4
	for i := range ops {
		size += base.EncodedEntrySize(&ops[i])
	}
	buf := make([]byte, 0, size)
	buf = append(buf, recTxn)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ops)))
	for i := range ops {
		buf = base.AppendEntry(buf, &ops[i])
	}
	return buf
}
