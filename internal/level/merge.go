package level

import (
	"time"

	"cairn/internal/base"
	"cairn/internal/sortedfile"
)

// mergeState is an in-progress merge of the level's two files into one
// output for the next level. Work is measured in input entries consumed,
// so it can be driven in small quanta interleaved with foreground writes.
type mergeState struct {
	aIter, bIter *sortedfile.Iter
	aNext, bNext *base.Entry
	out          *sortedfile.Writer
	outPath      string
	remaining    int
	// dropDeletes is set when this level is the deepest at merge start:
	// nothing below can be shadowed, so tombstones and expired entries
	// are dropped instead of copied down.
	dropDeletes bool
	now         time.Time
}

func (l *Level) startMerge() error {
	outPath := TempPath(l.dir, l.num+1)
	out, err := sortedfile.NewWriter(outPath, l.opts)
	if err != nil {
		return err
	}
	m := &mergeState{
		out:         out,
		outPath:     outPath,
		remaining:   int(l.a.Count() + l.b.Count()),
		dropDeletes: l.next == nil,
		now:         time.Now(),
	}
	if m.aIter, err = l.a.NewIter(nil, nil); err != nil {
		_ = out.Abort()
		return err
	}
	if m.bIter, err = l.b.NewIter(nil, nil); err != nil {
		m.aIter.Close()
		_ = out.Abort()
		return err
	}
	if m.aNext, err = m.aIter.Next(); err != nil {
		m.close()
		return err
	}
	if m.bNext, err = m.bIter.Next(); err != nil {
		m.close()
		return err
	}
	l.merge = m
	return nil
}

func (m *mergeState) close() {
	if m.aIter != nil {
		m.aIter.Close()
	}
	if m.bIter != nil {
		m.bIter.Close()
	}
	if m.out != nil {
		_ = m.out.Abort()
	}
}

// abortMerge discards merge progress. The inputs stay in place, so the
// merge can be restarted from scratch.
func (l *Level) abortMerge() {
	if l.merge != nil {
		l.merge.close()
		l.merge = nil
	}
}

// stepMerge consumes up to units input entries. Under the predictable
// strategy the units are taken in bursts sized from the moving average of
// recent per-entry cost, and lookups arriving between bursts are served
// immediately.
func (l *Level) stepMerge(units int) error {
	for units > 0 && l.merge != nil {
		burst := units
		if l.opts.MergeStrategy == base.MergePredictable {
			if avg := l.avg.Avg(); avg > 0 {
				if b := int(float64(stepBudget) / avg); b < burst {
					burst = b
				}
			}
			if burst < minBurst {
				burst = minBurst
			}
			if burst > units {
				burst = units
			}
		}
		start := time.Now()
		consumed, err := l.mergeBurst(burst)
		if err != nil {
			return err
		}
		if consumed > 0 {
			l.avg.Add(float64(time.Since(start).Nanoseconds()) / float64(consumed))
		}
		units -= consumed
		if l.merge != nil && l.merge.aNext == nil && l.merge.bNext == nil {
			if err := l.completeMerge(); err != nil {
				return err
			}
			return nil
		}
		if consumed == 0 {
			return nil
		}
		l.pollLookups()
	}
	return nil
}

const (
	// stepBudget bounds the wall-clock cost of one predictable-strategy
	// burst.
	stepBudget = 2 * time.Millisecond
	minBurst   = 64
)

// mergeBurst advances the two-way merge by up to n input entries and
// returns how many it consumed.
func (l *Level) mergeBurst(n int) (consumed int, err error) {
	m := l.merge
	defer func() {
		m.remaining -= consumed
		if m.remaining < 0 {
			m.remaining = 0
		}
	}()
	for consumed < n && (m.aNext != nil || m.bNext != nil) {
		var emit *base.Entry
		switch {
		case m.aNext == nil:
			emit = m.bNext
			consumed++
			if err := m.advanceB(); err != nil {
				return consumed, err
			}
		case m.bNext == nil:
			emit = m.aNext
			consumed++
			if err := m.advanceA(); err != nil {
				return consumed, err
			}
		default:
			switch base.CompareKeys(m.aNext.Key, m.bNext.Key) {
			case -1:
				emit = m.aNext
				consumed++
				if err := m.advanceA(); err != nil {
					return consumed, err
				}
			case 1:
				emit = m.bNext
				consumed++
				if err := m.advanceB(); err != nil {
					return consumed, err
				}
			default:
				// Same key in both inputs: the newer file wins.
				emit = m.bNext
				consumed += 2
				if err := m.advanceA(); err != nil {
					return consumed, err
				}
				if err := m.advanceB(); err != nil {
					return consumed, err
				}
			}
		}
		if m.dropDeletes && !emit.Live(m.now) {
			continue
		}
		if err := m.out.Add(emit); err != nil {
			return consumed, err
		}
	}
	return consumed, nil
}

func (m *mergeState) advanceA() (err error) {
	m.aNext, err = m.aIter.Next()
	return err
}

func (m *mergeState) advanceB() (err error) {
	m.bNext, err = m.bIter.Next()
	return err
}

// completeMerge finalizes the output file and pushes it into the next
// level, creating the level on demand. The merged inputs are dropped once
// no reader references remain.
func (l *Level) completeMerge() error {
	m := l.merge
	m.aIter.Close()
	m.bIter.Close()

	empty := m.out.Count() == 0
	if empty {
		if err := m.out.Abort(); err != nil {
			return err
		}
	} else {
		if err := m.out.Finish(); err != nil {
			return err
		}
	}

	if !empty {
		if l.next == nil {
			next, err := Open(l.dir, l.num+1, nil, l.opts, l.notify)
			if err != nil {
				return err
			}
			l.next = next
			select {
			case l.notify <- Event{BottomLevel: l.num + 1}:
			default:
			}
		}
		if err := l.next.Inject(m.outPath); err != nil {
			return err
		}
	}

	l.a.Drop()
	l.b.Drop()
	l.a, l.b = nil, nil
	l.merge = nil
	return nil
}

// finishMerge drives the in-progress merge to completion in one go.
func (l *Level) finishMerge() error {
	for l.merge != nil {
		if err := l.stepMerge(l.merge.remaining + 1); err != nil {
			return err
		}
	}
	return nil
}
