package sortedfile

import (
	"encoding/binary"
	"os"
	"sort"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"

	"cairn/internal/base"
)

const (
	fileMagic      = 0xca1e9f11
	pageHeaderSize = 4 + 8 + 1
	trailerSize    = 8 + 8 + 8 + 8 + 4 + 4
)

type pageIndex struct {
	firstKey []byte
	offset   uint64
	length   uint32
	entries  uint32
}

// SortedFile is an immutable, sorted, keyed file. It is reference counted:
// the owning level holds one reference, and every open iterator or
// in-flight lookup holds another. Dropping the file defers the unlink
// until the last reference is released.
type SortedFile struct {
	path  string
	file  *os.File
	opts  *base.Options
	index []pageIndex
	count uint64

	refs    atomic.Int32
	dropped atomic.Bool
}

// Open opens a finished data file and parses its index.
func Open(path string, opts *base.Options) (*SortedFile, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	s := &SortedFile{path: path, file: file, opts: opts}
	if err := s.readFooter(); err != nil {
		_ = file.Close()
		return nil, err
	}
	s.refs.Store(1)
	return s, nil
}

func (s *SortedFile) readFooter() error {
	stat, err := s.file.Stat()
	if err != nil {
		return errors.Wrapf(err, "stat %s", s.path)
	}
	if stat.Size() < trailerSize {
		return errors.Wrapf(base.ErrCorrupt, "%s: short file", s.path)
	}
	trailer := make([]byte, trailerSize)
	if _, err := s.file.ReadAt(trailer, stat.Size()-trailerSize); err != nil {
		return errors.Wrapf(err, "read trailer %s", s.path)
	}
	if binary.LittleEndian.Uint32(trailer[36:]) != fileMagic {
		return errors.Wrapf(base.ErrCorrupt, "%s: bad magic", s.path)
	}
	indexOff := binary.LittleEndian.Uint64(trailer[0:])
	indexLen := binary.LittleEndian.Uint64(trailer[8:])
	s.count = binary.LittleEndian.Uint64(trailer[16:])
	indexSum := binary.LittleEndian.Uint64(trailer[24:])
	pageCount := binary.LittleEndian.Uint32(trailer[32:])

	if indexOff+indexLen > uint64(stat.Size()) {
		return errors.Wrapf(base.ErrCorrupt, "%s: index out of bounds", s.path)
	}
	indexBuf := make([]byte, indexLen)
	if _, err := s.file.ReadAt(indexBuf, int64(indexOff)); err != nil {
		return errors.Wrapf(err, "read index %s", s.path)
	}
	if xxhash.Sum64(indexBuf) != indexSum {
		return errors.Wrapf(base.ErrCorrupt, "%s: index checksum mismatch", s.path)
	}

	s.index = make([]pageIndex, 0, pageCount)
	for len(indexBuf) > 0 {
		if len(indexBuf) < 4 {
			return errors.Wrapf(base.ErrCorrupt, "%s: index truncated", s.path)
		}
		klen := int(binary.LittleEndian.Uint32(indexBuf))
		indexBuf = indexBuf[4:]
		if len(indexBuf) < klen+16 {
			return errors.Wrapf(base.ErrCorrupt, "%s: index truncated", s.path)
		}
		pi := pageIndex{firstKey: indexBuf[:klen:klen]}
		indexBuf = indexBuf[klen:]
		pi.offset = binary.LittleEndian.Uint64(indexBuf)
		pi.length = binary.LittleEndian.Uint32(indexBuf[8:])
		pi.entries = binary.LittleEndian.Uint32(indexBuf[12:])
		indexBuf = indexBuf[16:]
		s.index = append(s.index, pi)
	}
	if len(s.index) != int(pageCount) {
		return errors.Wrapf(base.ErrCorrupt, "%s: index page count mismatch", s.path)
	}
	return nil
}

// Count returns the number of entries in the file.
func (s *SortedFile) Count() uint64 {
	return s.count
}

// Path returns the file's current path.
func (s *SortedFile) Path() string {
	return s.path
}

// Rename moves the file to a new canonical name. Only the owning level
// calls this, before any readers exist for the new name.
func (s *SortedFile) Rename(path string) error {
	if err := os.Rename(s.path, path); err != nil {
		return errors.Wrapf(err, "rename %s", s.path)
	}
	s.path = path
	return nil
}

// Ref acquires a reference for a reader.
func (s *SortedFile) Ref() {
	s.refs.Add(1)
}

// Unref releases a reference. When the file has been dropped and the last
// reference goes away, the handle is closed and the file unlinked.
func (s *SortedFile) Unref() {
	if s.refs.Add(-1) == 0 {
		_ = s.file.Close()
		if s.dropped.Load() {
			_ = os.Remove(s.path)
		}
	}
}

// Drop marks the file for deletion and releases the owner's reference.
func (s *SortedFile) Drop() {
	s.dropped.Store(true)
	s.Unref()
}

// Close releases the owner's reference without scheduling deletion.
func (s *SortedFile) Close() {
	s.Unref()
}

// seekPage returns the position of the first page that could contain key:
// the last page whose first key is <= key.
func (s *SortedFile) seekPage(key []byte) int {
	i := sort.Search(len(s.index), func(i int) bool {
		return base.CompareKeys(s.index[i].firstKey, key) > 0
	})
	return i - 1
}

func (s *SortedFile) readPage(i int) ([]byte, error) {
	pi := &s.index[i]
	raw := make([]byte, pi.length)
	if _, err := s.file.ReadAt(raw, int64(pi.offset)); err != nil {
		return nil, errors.Wrapf(err, "read page %s", s.path)
	}
	if len(raw) < pageHeaderSize {
		return nil, errors.Wrapf(base.ErrCorrupt, "%s: short page", s.path)
	}
	payloadLen := int(binary.LittleEndian.Uint32(raw))
	sum := binary.LittleEndian.Uint64(raw[4:])
	codec := base.Compression(raw[12])
	payload := raw[pageHeaderSize:]
	if len(payload) != payloadLen {
		return nil, errors.Wrapf(base.ErrCorrupt, "%s: page length mismatch", s.path)
	}
	if xxhash.Sum64(payload) != sum {
		return nil, errors.Wrapf(base.ErrCorrupt, "%s: page checksum mismatch", s.path)
	}
	switch codec {
	case base.NoCompression:
		return payload, nil
	case base.SnappyCompression:
		out, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, errors.Wrapf(base.ErrCorrupt, "%s: snappy: %v", s.path, err)
		}
		return out, nil
	case base.GzipCompression:
		out, err := gzipDecompress(payload)
		if err != nil {
			return nil, errors.Wrapf(base.ErrCorrupt, "%s: gzip: %v", s.path, err)
		}
		return out, nil
	}
	return nil, errors.Wrapf(base.ErrCorrupt, "%s: unknown page codec %d", s.path, codec)
}

// Get returns the entry stored for key, if any. The caller judges
// tombstones and expiry; Get reports raw presence in this file.
func (s *SortedFile) Get(key []byte) (base.Entry, bool, error) {
	i := s.seekPage(key)
	if i < 0 {
		return base.Entry{}, false, nil
	}
	page, err := s.readPage(i)
	if err != nil {
		return base.Entry{}, false, err
	}
	for len(page) > 0 {
		e, n, err := base.DecodeEntry(page)
		if err != nil {
			return base.Entry{}, false, err
		}
		switch base.CompareKeys(e.Key, key) {
		case 0:
			return e, true, nil
		case 1:
			return base.Entry{}, false, nil
		}
		page = page[n:]
	}
	return base.Entry{}, false, nil
}

// Iter is a streaming cursor over a key range of the file. It holds a
// reference on the file for its lifetime.
type Iter struct {
	file *SortedFile
	to   []byte
	page []byte
	next int // next page index to load
	done bool
}

// NewIter returns an iterator positioned at the first key >= from. A nil
// from starts at the beginning; a nil to means no upper bound. The
// iterator must be closed.
func (s *SortedFile) NewIter(from, to []byte) (*Iter, error) {
	s.Ref()
	it := &Iter{file: s, to: to}
	start := 0
	if from != nil {
		if p := s.seekPage(from); p > 0 {
			start = p
		}
	}
	it.next = start
	if len(s.index) == 0 {
		it.done = true
		return it, nil
	}
	if err := it.loadNextPage(); err != nil {
		it.Close()
		return nil, err
	}
	if from != nil {
		if err := it.skipTo(from); err != nil {
			it.Close()
			return nil, err
		}
	}
	return it, nil
}

func (it *Iter) loadNextPage() error {
	if it.next >= len(it.file.index) {
		it.done = true
		it.page = nil
		return nil
	}
	page, err := it.file.readPage(it.next)
	if err != nil {
		return err
	}
	it.next++
	it.page = page
	return nil
}

func (it *Iter) skipTo(from []byte) error {
	for {
		e, n, ok, err := it.peek()
		if err != nil || !ok {
			return err
		}
		if base.CompareKeys(e.Key, from) >= 0 {
			return nil
		}
		it.page = it.page[n:]
	}
}

func (it *Iter) peek() (base.Entry, int, bool, error) {
	for !it.done && len(it.page) == 0 {
		if err := it.loadNextPage(); err != nil {
			return base.Entry{}, 0, false, err
		}
	}
	if it.done {
		return base.Entry{}, 0, false, nil
	}
	e, n, err := base.DecodeEntry(it.page)
	if err != nil {
		return base.Entry{}, 0, false, err
	}
	return e, n, true, nil
}

// Next returns the next entry in the range, or nil when the range is
// exhausted.
func (it *Iter) Next() (*base.Entry, error) {
	e, n, ok, err := it.peek()
	if err != nil || !ok {
		return nil, err
	}
	if it.to != nil && base.CompareKeys(e.Key, it.to) >= 0 {
		it.done = true
		it.page = nil
		return nil, nil
	}
	it.page = it.page[n:]
	out := e
	return &out, nil
}

// Close releases the iterator's file reference. Safe to call more than
// once.
func (it *Iter) Close() {
	if it.file != nil {
		it.file.Unref()
		it.file = nil
	}
}
