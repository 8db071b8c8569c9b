package sortedfile

import (
	"encoding/binary"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
	"github.com/ncw/directio"

	"cairn/internal/base"
)

// Writer produces an immutable sorted data file. Entries must be added in
// strictly ascending key order. The file is written through an aligned
// block buffer using direct I/O and is not readable until Finish returns.
type Writer struct {
	path string
	file *os.File
	opts *base.Options

	// buf is an O_DIRECT aligned staging buffer. It is always written to
	// the file in whole multiples of the direct I/O block size.
	buf  []byte
	bufN int

	page     []byte // encoded entries for the page being built
	pageKeys int
	firstKey []byte

	index   []pageIndex
	offset  uint64 // bytes handed to the file or sitting in buf
	count   uint64
	lastKey []byte
}

// NewWriter creates a writer for the given path, truncating any existing
// file.
func NewWriter(path string, opts *base.Options) (*Writer, error) {
	file, err := directio.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		// tmpfs and some filesystems reject O_DIRECT; fall back to the
		// page cache. The aligned block writes stay the same either way.
		file, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return nil, errors.Wrapf(err, "open %s", path)
		}
	}
	size := opts.WriteBufferSize
	if rem := size % directio.BlockSize; rem != 0 {
		size += directio.BlockSize - rem
	}
	if size < directio.BlockSize {
		size = directio.BlockSize
	}
	return &Writer{
		path: path,
		file: file,
		opts: opts,
		buf:  directio.AlignedBlock(size),
		page: make([]byte, 0, opts.PageSize),
	}, nil
}

// Add appends an entry. Keys must be unique and strictly ascending.
func (w *Writer) Add(e *base.Entry) error {
	if w.lastKey != nil && base.CompareKeys(e.Key, w.lastKey) <= 0 {
		return errors.Wrapf(base.ErrInvalidArgument, "key %q out of order", e.Key)
	}
	w.lastKey = append(w.lastKey[:0], e.Key...)

	if w.firstKey == nil {
		w.firstKey = append([]byte(nil), e.Key...)
	}
	w.page = base.AppendEntry(w.page, e)
	w.pageKeys++
	w.count++
	if len(w.page) >= w.opts.PageSize {
		return w.flushPage()
	}
	return nil
}

// Count returns the number of entries added so far.
func (w *Writer) Count() uint64 {
	return w.count
}

// Finish flushes buffered pages, writes the index and trailer, syncs, and
// closes the file.
func (w *Writer) Finish() (err error) {
	defer func() {
		if err != nil {
			_ = w.file.Close()
			_ = os.Remove(w.path)
		}
	}()

	if len(w.page) > 0 {
		if err = w.flushPage(); err != nil {
			return err
		}
	}

	indexOff := w.offset
	indexBuf := encodeIndex(w.index)
	if err = w.stage(indexBuf); err != nil {
		return err
	}

	// The trailer occupies the final trailerSize bytes of the last aligned
	// block. Zero padding separates it from the end of the index.
	total := w.offset + trailerSize
	pad := 0
	if rem := total % directio.BlockSize; rem != 0 {
		pad = int(directio.BlockSize - rem)
	}
	if err = w.stage(make([]byte, pad)); err != nil {
		return err
	}

	trailer := make([]byte, 0, trailerSize)
	trailer = binary.LittleEndian.AppendUint64(trailer, indexOff)
	trailer = binary.LittleEndian.AppendUint64(trailer, uint64(len(indexBuf)))
	trailer = binary.LittleEndian.AppendUint64(trailer, w.count)
	trailer = binary.LittleEndian.AppendUint64(trailer, xxhash.Sum64(indexBuf))
	trailer = binary.LittleEndian.AppendUint32(trailer, uint32(len(w.index)))
	trailer = binary.LittleEndian.AppendUint32(trailer, fileMagic)
	if err = w.stage(trailer); err != nil {
		return err
	}

	if err = w.flushBuf(); err != nil {
		return err
	}
	if err = w.file.Sync(); err != nil {
		return errors.Wrapf(err, "sync %s", w.path)
	}
	if err = w.file.Close(); err != nil {
		return errors.Wrapf(err, "close %s", w.path)
	}
	return nil
}

// Abort discards the partially written file.
func (w *Writer) Abort() error {
	_ = w.file.Close()
	return os.Remove(w.path)
}

func (w *Writer) flushPage() error {
	payload := w.page
	codec := byte(w.opts.Compression)
	switch w.opts.Compression {
	case base.SnappyCompression:
		payload = snappy.Encode(nil, payload)
	case base.GzipCompression:
		var err error
		payload, err = gzipCompress(payload)
		if err != nil {
			return err
		}
	}

	header := make([]byte, 0, pageHeaderSize)
	header = binary.LittleEndian.AppendUint32(header, uint32(len(payload)))
	header = binary.LittleEndian.AppendUint64(header, xxhash.Sum64(payload))
	header = append(header, codec)

	w.index = append(w.index, pageIndex{
		firstKey: w.firstKey,
		offset:   w.offset,
		length:   uint32(pageHeaderSize + len(payload)),
		entries:  uint32(w.pageKeys),
	})
	if err := w.stage(header); err != nil {
		return err
	}
	if err := w.stage(payload); err != nil {
		return err
	}

	w.page = w.page[:0]
	w.pageKeys = 0
	w.firstKey = nil
	return nil
}

// stage copies p into the aligned buffer, draining full buffers to the
// file as they fill.
func (w *Writer) stage(p []byte) error {
	for len(p) > 0 {
		n := copy(w.buf[w.bufN:], p)
		w.bufN += n
		p = p[n:]
		w.offset += uint64(n)
		if w.bufN == len(w.buf) {
			if _, err := w.file.Write(w.buf); err != nil {
				return errors.Wrapf(err, "write %s", w.path)
			}
			w.bufN = 0
		}
	}
	return nil
}

// flushBuf writes the residue of the aligned buffer. The caller must have
// padded the stream so the residue is a whole number of blocks.
func (w *Writer) flushBuf() error {
	if w.bufN == 0 {
		return nil
	}
	if w.bufN%directio.BlockSize != 0 {
		return errors.AssertionFailedf("unaligned residue %d", w.bufN)
	}
	if _, err := w.file.Write(w.buf[:w.bufN]); err != nil {
		return errors.Wrapf(err, "write %s", w.path)
	}
	w.bufN = 0
	return nil
}

func encodeIndex(index []pageIndex) []byte {
	var buf []byte
	for i := range index {
		pi := &index[i]
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(pi.firstKey)))
		buf = append(buf, pi.firstKey...)
		buf = binary.LittleEndian.AppendUint64(buf, pi.offset)
		buf = binary.LittleEndian.AppendUint32(buf, pi.length)
		buf = binary.LittleEndian.AppendUint32(buf, pi.entries)
	}
	return buf
}
