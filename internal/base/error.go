package base

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrNotFound is returned by point lookups that miss. It is a
	// distinguished result, not a failure.
	ErrNotFound = errors.New("cairn: not found")

	// ErrInvalidArgument is returned for malformed keys, ranges, or
	// transactions. The store's state is unchanged.
	ErrInvalidArgument = errors.New("cairn: invalid argument")

	// ErrCorrupt indicates a checksum or framing failure in a data file or
	// the write buffer log.
	ErrCorrupt = errors.New("cairn: corrupt file")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("cairn: store closed")

	// ErrLocked is returned when the store directory is already held by
	// another handle.
	ErrLocked = errors.New("cairn: directory locked")
)

// FoldWorkerDiedError is surfaced to a fold caller whose worker exited
// abnormally instead of completing the range.
type FoldWorkerDiedError struct {
	Reason interface{}
}

func (e *FoldWorkerDiedError) Error() string {
	return fmt.Sprintf("cairn: fold worker died: %v", e.Reason)
}

// MarkFatal wraps an I/O error that poisons the engine. Subsequent
// operations fail with the same error until the store is reopened.
func MarkFatal(err error) error {
	return errors.Wrap(err, "cairn: engine stopped")
}
