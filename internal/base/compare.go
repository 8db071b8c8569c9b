package base

import "bytes"

// Compare is a three-way comparison over raw key bytes.
type Compare func(a, b []byte) int

// CompareKeys orders keys lexicographically on their raw bytes. It is the
// only ordering the store uses.
func CompareKeys(a, b []byte) int {
	return bytes.Compare(a, b)
}

// InRange reports whether key falls inside the half-open interval
// [from, to). A nil from means the start of the keyspace; a nil to means
// unbounded above.
func InRange(key, from, to []byte) bool {
	if from != nil && CompareKeys(key, from) < 0 {
		return false
	}
	if to != nil && CompareKeys(key, to) >= 0 {
		return false
	}
	return true
}
