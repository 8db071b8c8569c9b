package cairn

import "cairn/internal/base"

var (
	// ErrNotFound is returned by Get when the store holds no live value
	// for the key.
	ErrNotFound = base.ErrNotFound

	// ErrInvalidArgument is returned for empty keys, inverted ranges, and
	// oversized transactions.
	ErrInvalidArgument = base.ErrInvalidArgument

	// ErrCorrupt is returned when a data file or the write buffer log
	// fails its checksum or framing checks.
	ErrCorrupt = base.ErrCorrupt

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = base.ErrClosed

	// ErrLocked is returned when another handle holds the directory.
	ErrLocked = base.ErrLocked
)

// FoldWorkerDiedError is returned by folds whose worker exited
// abnormally.
type FoldWorkerDiedError = base.FoldWorkerDiedError
