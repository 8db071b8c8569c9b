package sortedfile

import (
	"os"

	"github.com/cockroachdb/errors"
)

// SyncDir fsyncs a directory so a completed rename or unlink survives a
// crash.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrapf(err, "open dir %s", dir)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return errors.Wrapf(err, "sync dir %s", dir)
	}
	return nil
}
