package nursery

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/tidwall/btree"

	"cairn/internal/base"
)

// Recover replays the on-disk nursery log, if any, into key order. A torn
// record at the tail is dropped; anything before it is kept. The log file
// itself is left in place: the caller deletes it only after the recovered
// entries are durable in the levels.
//
// The returned entries are sorted ascending with the latest write per key
// winning, ready to be written out as a sorted file.
func Recover(dir string, opts *base.Options) (entries []*base.Entry, logPath string, err error) {
	logPath = filepath.Join(dir, LogName)
	raw, err := os.ReadFile(logPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, "", nil
		}
		return nil, "", errors.Wrapf(err, "read %s", logPath)
	}

	tree := newTree()
	for len(raw) >= logHeaderSize {
		payloadLen := int(binary.LittleEndian.Uint32(raw))
		sum := binary.LittleEndian.Uint64(raw[4:])
		if len(raw) < logHeaderSize+payloadLen {
			break // torn tail record
		}
		payload := raw[logHeaderSize : logHeaderSize+payloadLen]
		if xxhash.Sum64(payload) != sum {
			break // torn or corrupted tail record
		}
		if err := replayRecord(tree, payload); err != nil {
			return nil, "", err
		}
		raw = raw[logHeaderSize+payloadLen:]
	}

	if tree.Len() == 0 {
		return nil, logPath, nil
	}
	entries = make([]*base.Entry, 0, tree.Len())
	tree.Scan(func(e *base.Entry) bool {
		entries = append(entries, e)
		return true
	})
	return entries, logPath, nil
}

func replayRecord(tree *btree.BTreeG[*base.Entry], payload []byte) error {
	if len(payload) < 1 {
		return errors.Wrap(base.ErrCorrupt, "empty log record")
	}
	kind := payload[0]
	payload = payload[1:]
	switch kind {
	case recSingle:
		e, n, err := base.DecodeEntry(payload)
		if err != nil {
			return err
		}
		if n != len(payload) {
			return errors.Wrap(base.ErrCorrupt, "log record trailing bytes")
		}
		tree.Set(cloneEntry(&e))
	case recTxn:
		if len(payload) < 4 {
			return errors.Wrap(base.ErrCorrupt, "log transaction truncated")
		}
		count := int(binary.LittleEndian.Uint32(payload))
		payload = payload[4:]
		for i := 0; i < count; i++ {
			e, n, err := base.DecodeEntry(payload)
			if err != nil {
				return err
			}
			tree.Set(cloneEntry(&e))
			payload = payload[n:]
		}
		if len(payload) != 0 {
			return errors.Wrap(base.ErrCorrupt, "log transaction trailing bytes")
		}
	default:
		return errors.Wrapf(base.ErrCorrupt, "unknown log record kind %d", kind)
	}
	return nil
}

func cloneEntry(e *base.Entry) *base.Entry {
	c := &base.Entry{
		Key:    append([]byte(nil), e.Key...),
		Kind:   e.Kind,
		Expiry: e.Expiry,
	}
	if e.Kind == base.KindSet {
		c.Value = append([]byte(nil), e.Value...)
	}
	return c
}
