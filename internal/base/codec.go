package base

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// Entry wire encoding, shared by data file pages and the write buffer log:
//
//	kind    uint8
//	klen    uint32 little-endian
//	key     klen bytes
//	expiry  uint32 little-endian unix seconds, 0 = never
//	vlen    uint32 little-endian (omitted for tombstones)
//	value   vlen bytes (omitted for tombstones)

// AppendEntry appends the encoded form of e to dst and returns the
// extended slice.
func AppendEntry(dst []byte, e *Entry) []byte {
	dst = append(dst, byte(e.Kind))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(e.Key)))
	dst = append(dst, e.Key...)
	dst = binary.LittleEndian.AppendUint32(dst, e.Expiry)
	if e.Kind == KindSet {
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(e.Value)))
		dst = append(dst, e.Value...)
	}
	return dst
}

// EncodedEntrySize returns the encoded length of e.
func EncodedEntrySize(e *Entry) int {
	n := 1 + 4 + len(e.Key) + 4
	if e.Kind == KindSet {
		n += 4 + len(e.Value)
	}
	return n
}

// DecodeEntry decodes one entry from the front of buf. It returns the
// entry, the number of bytes consumed, and an error if the buffer is
// truncated or the kind byte is unknown. The returned entry aliases buf.
func DecodeEntry(buf []byte) (Entry, int, error) {
	var e Entry
	if len(buf) < 1 {
		return e, 0, errors.Wrap(ErrCorrupt, "entry truncated")
	}
	kind := Kind(buf[0])
	if kind != KindSet && kind != KindDelete {
		return e, 0, errors.Wrapf(ErrCorrupt, "unknown entry kind %d", buf[0])
	}
	n := 1
	if len(buf) < n+4 {
		return e, 0, errors.Wrap(ErrCorrupt, "entry truncated")
	}
	klen := int(binary.LittleEndian.Uint32(buf[n:]))
	n += 4
	if len(buf) < n+klen+4 {
		return e, 0, errors.Wrap(ErrCorrupt, "entry truncated")
	}
	e.Key = buf[n : n+klen]
	n += klen
	e.Expiry = binary.LittleEndian.Uint32(buf[n:])
	n += 4
	e.Kind = kind
	if kind == KindSet {
		if len(buf) < n+4 {
			return e, 0, errors.Wrap(ErrCorrupt, "entry truncated")
		}
		vlen := int(binary.LittleEndian.Uint32(buf[n:]))
		n += 4
		if len(buf) < n+vlen {
			return e, 0, errors.Wrap(ErrCorrupt, "entry truncated")
		}
		e.Value = buf[n : n+vlen]
		n += vlen
	}
	return e, n, nil
}
