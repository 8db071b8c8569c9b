package db

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// storeMetrics holds per-store operation counters. Each store keeps its
// own set so two handles in one process do not collide.
type storeMetrics struct {
	set *metrics.Set

	puts          *metrics.Counter
	gets          *metrics.Counter
	deletes       *metrics.Counter
	transacts     *metrics.Counter
	folds         *metrics.Counter
	flushes       *metrics.Counter
	levelsCreated *metrics.Counter
}

func newStoreMetrics() *storeMetrics {
	set := metrics.NewSet()
	return &storeMetrics{
		set:           set,
		puts:          set.NewCounter("cairn_puts_total"),
		gets:          set.NewCounter("cairn_gets_total"),
		deletes:       set.NewCounter("cairn_deletes_total"),
		transacts:     set.NewCounter("cairn_transacts_total"),
		folds:         set.NewCounter("cairn_folds_total"),
		flushes:       set.NewCounter("cairn_nursery_flushes_total"),
		levelsCreated: set.NewCounter("cairn_levels_created_total"),
	}
}

// WriteMetrics dumps the store's counters in Prometheus text format.
func (d *DB) WriteMetrics(w io.Writer) {
	d.metrics.set.WritePrometheus(w)
}
