package cairn_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"cairn/pkg/cairn"
)

func open(t *testing.T, opts *cairn.Options) *cairn.Store {
	t.Helper()
	s, err := cairn.Open(t.TempDir(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBasicPutGet(t *testing.T) {
	s := open(t, nil)

	require.NoError(t, s.Put([]byte("a"), []byte("1")))
	require.NoError(t, s.Put([]byte("b"), []byte("2")))

	v, err := s.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)

	v, err = s.Get([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)

	_, err = s.Get([]byte("c"))
	require.ErrorIs(t, err, cairn.ErrNotFound)
}

func TestOverwriteDeleteReinsert(t *testing.T) {
	s := open(t, nil)

	require.NoError(t, s.Put([]byte("k"), []byte("v1")))
	require.NoError(t, s.Put([]byte("k"), []byte("v2")))
	require.NoError(t, s.Delete([]byte("k")))

	_, err := s.Get([]byte("k"))
	require.ErrorIs(t, err, cairn.ErrNotFound)

	require.NoError(t, s.Put([]byte("k"), []byte("v3")))
	v, err := s.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v3"), v)
}

// Filling well past four top-level files forces at least two cascading
// merges; a full fold must still see every key once, in order, with its
// latest value.
func TestCascadingMergesAndFullFold(t *testing.T) {
	s := open(t, nil)

	const n = 1100
	for i := 0; i < n; i++ {
		require.NoError(t, s.Put(
			[]byte(fmt.Sprintf("key-%05d", i)),
			[]byte(fmt.Sprintf("v1-%d", i)),
		))
	}
	// Overwrite a slice of the keyspace so shadowing across levels is
	// exercised too.
	for i := 0; i < 100; i++ {
		require.NoError(t, s.Put(
			[]byte(fmt.Sprintf("key-%05d", i)),
			[]byte(fmt.Sprintf("v2-%d", i)),
		))
	}

	count := 0
	var prev string
	err := s.Fold(func(k, v []byte) error {
		key := string(k)
		require.Greater(t, key, prev)
		prev = key
		i := count
		want := fmt.Sprintf("v1-%d", i)
		if i < 100 {
			want = fmt.Sprintf("v2-%d", i)
		}
		require.Equal(t, want, string(v))
		count++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, n, count)

	st := s.Stats()
	require.Greater(t, st.MaxLevel, 8)
}

func TestTransactAtomicityAgainstSnapshot(t *testing.T) {
	s := open(t, nil)

	require.NoError(t, s.Put([]byte("x"), []byte("old-x")))
	require.NoError(t, s.Put([]byte("y"), []byte("old-y")))
	require.NoError(t, s.Put([]byte("z"), []byte("old-z")))

	// The fold pins its view, then a transaction lands mid-iteration.
	// The fold must see the old world for all three keys.
	transacted := false
	var seen [][2]string
	err := s.Fold(func(k, v []byte) error {
		if !transacted {
			b := cairn.NewBatch().
				Put([]byte("x"), []byte("new-x")).
				Put([]byte("y"), []byte("new-y")).
				Delete([]byte("z"))
			require.NoError(t, s.Transact(b))
			transacted = true
		}
		seen = append(seen, [2]string{string(k), string(v)})
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, [][2]string{
		{"x", "old-x"}, {"y", "old-y"}, {"z", "old-z"},
	}, seen)

	// After the transaction every effect is visible at once.
	v, err := s.Get([]byte("x"))
	require.NoError(t, err)
	require.Equal(t, []byte("new-x"), v)
	v, err = s.Get([]byte("y"))
	require.NoError(t, err)
	require.Equal(t, []byte("new-y"), v)
	_, err = s.Get([]byte("z"))
	require.ErrorIs(t, err, cairn.ErrNotFound)
}

func TestTransactSameKeyLastWins(t *testing.T) {
	s := open(t, nil)

	b := cairn.NewBatch().
		Put([]byte("k"), []byte("first")).
		Put([]byte("k"), []byte("second"))
	require.NoError(t, s.Transact(b))

	v, err := s.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("second"), v)

	b = cairn.NewBatch().
		Put([]byte("k"), []byte("third")).
		Delete([]byte("k"))
	require.NoError(t, s.Transact(b))
	_, err = s.Get([]byte("k"))
	require.ErrorIs(t, err, cairn.ErrNotFound)
}

func TestExpiryShadowsOlderWrite(t *testing.T) {
	s := open(t, nil)

	require.NoError(t, s.Put([]byte("a"), []byte("1")))
	require.NoError(t, s.PutWithExpiry([]byte("a"), []byte("2"), time.Now().Add(time.Second)))

	time.Sleep(2 * time.Second)

	_, err := s.Get([]byte("a"))
	require.ErrorIs(t, err, cairn.ErrNotFound)

	// The expired write shadows the older live one in folds too.
	err = s.Fold(func(k, v []byte) error {
		return fmt.Errorf("unexpected key %q", k)
	})
	require.NoError(t, err)
}

func TestDefaultTTLOption(t *testing.T) {
	s := open(t, &cairn.Options{ExpirySecs: 1})

	require.NoError(t, s.Put([]byte("k"), []byte("v")))
	v, err := s.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)

	time.Sleep(2 * time.Second)
	_, err = s.Get([]byte("k"))
	require.ErrorIs(t, err, cairn.ErrNotFound)
}

func TestFoldRangeBounds(t *testing.T) {
	s := open(t, nil)

	for i := 0; i < 500; i++ {
		require.NoError(t, s.Put([]byte(fmt.Sprintf("key-%04d", i)), []byte("v")))
	}

	var keys []string
	err := s.FoldRange(func(k, v []byte) error {
		keys = append(keys, string(k))
		return nil
	}, cairn.Range{From: []byte("key-0100"), To: []byte("key-0105")})
	require.NoError(t, err)
	require.Equal(t, []string{"key-0100", "key-0101", "key-0102", "key-0103", "key-0104"}, keys)
}

func TestFoldRangeSmallLimitBlockingMode(t *testing.T) {
	s := open(t, nil)

	// Push enough data for two flushes, so the fold reads merged level
	// files as well as the write buffer.
	for i := 0; i < 600; i++ {
		require.NoError(t, s.Put([]byte(fmt.Sprintf("key-%04d", i)), []byte(fmt.Sprintf("v-%d", i))))
	}

	var keys []string
	err := s.FoldRange(func(k, v []byte) error {
		keys = append(keys, string(k))
		return nil
	}, cairn.Range{Limit: 3})
	require.NoError(t, err)
	require.Equal(t, []string{"key-0000", "key-0001", "key-0002"}, keys)
}

func TestFoldRangeLargeLimit(t *testing.T) {
	s := open(t, nil)

	for i := 0; i < 50; i++ {
		require.NoError(t, s.Put([]byte(fmt.Sprintf("key-%04d", i)), []byte("v")))
	}

	count := 0
	err := s.FoldRange(func(k, v []byte) error {
		count++
		return nil
	}, cairn.Range{Limit: 20})
	require.NoError(t, err)
	require.Equal(t, 20, count)
}

func TestFoldUserErrorIsReturned(t *testing.T) {
	s := open(t, nil)

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Put([]byte(fmt.Sprintf("k%d", i)), []byte("v")))
	}

	sentinel := errors.New("stop here")
	calls := 0
	err := s.Fold(func(k, v []byte) error {
		calls++
		if calls == 3 {
			return sentinel
		}
		return nil
	})
	require.ErrorIs(t, err, sentinel)
	require.Equal(t, 3, calls)

	// The store stays usable after an abandoned fold.
	v, err := s.Get([]byte("k5"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)
}

func TestSnapshotFoldIgnoresLaterWrites(t *testing.T) {
	s := open(t, nil)

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Put([]byte(fmt.Sprintf("k%d", i)), []byte("v")))
	}

	count := 0
	err := s.Fold(func(k, v []byte) error {
		if count == 0 {
			// Land after the snapshot was taken; must not be observed.
			require.NoError(t, s.Put([]byte("zzz"), []byte("late")))
		}
		count++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 10, count)
}

func TestBatchLen(t *testing.T) {
	b := cairn.NewBatch().Put([]byte("a"), []byte("1")).Delete([]byte("b"))
	require.Equal(t, 2, b.Len())
	s := open(t, nil)
	require.NoError(t, s.Transact(b))
	require.NoError(t, s.Transact(nil))
}

func TestCompressionOptions(t *testing.T) {
	for name, c := range map[string]cairn.Options{
		"snappy": {Compression: cairn.SnappyCompression},
		"gzip":   {Compression: cairn.GzipCompression},
	} {
		t.Run(name, func(t *testing.T) {
			opts := c
			s := open(t, &opts)
			// Enough writes to reach the levels so pages round-trip
			// through the codec.
			for i := 0; i < 300; i++ {
				require.NoError(t, s.Put([]byte(fmt.Sprintf("key-%04d", i)), []byte(fmt.Sprintf("val-%d", i))))
			}
			v, err := s.Get([]byte("key-0123"))
			require.NoError(t, err)
			require.Equal(t, []byte("val-123"), v)
		})
	}
}

func TestMergeStrategyPredictable(t *testing.T) {
	s := open(t, &cairn.Options{MergeStrategy: cairn.MergePredictable})

	// Enough writes for several flushes and cascading merges, all paced
	// through the cost-model bursts instead of single-shot quanta.
	const n = 1300
	for i := 0; i < n; i++ {
		require.NoError(t, s.Put(
			[]byte(fmt.Sprintf("key-%05d", i)),
			[]byte(fmt.Sprintf("v1-%d", i)),
		))
	}
	for i := 200; i < 300; i++ {
		require.NoError(t, s.Put(
			[]byte(fmt.Sprintf("key-%05d", i)),
			[]byte(fmt.Sprintf("v2-%d", i)),
		))
	}
	require.NoError(t, s.Delete([]byte("key-00250")))

	count := 0
	var prev string
	err := s.Fold(func(k, v []byte) error {
		key := string(k)
		require.Greater(t, key, prev)
		prev = key
		count++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, n-1, count)

	v, err := s.Get([]byte("key-00260"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2-260"), v)
	v, err = s.Get([]byte("key-01000"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1-1000"), v)
	_, err = s.Get([]byte("key-00250"))
	require.ErrorIs(t, err, cairn.ErrNotFound)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := cairn.Open(dir, nil)
	require.NoError(t, err)
	for i := 0; i < 700; i++ {
		require.NoError(t, s.Put([]byte(fmt.Sprintf("key-%04d", i)), []byte(fmt.Sprintf("v-%d", i))))
	}
	require.NoError(t, s.Close())

	s, err = cairn.Open(dir, nil)
	require.NoError(t, err)
	defer s.Close()

	count := 0
	require.NoError(t, s.Fold(func(k, v []byte) error {
		count++
		return nil
	}))
	require.Equal(t, 700, count)
}

func TestDestroy(t *testing.T) {
	dir := t.TempDir()
	s, err := cairn.Open(dir, nil)
	require.NoError(t, err)
	require.NoError(t, s.Put([]byte("k"), []byte("v")))
	require.NoError(t, s.Destroy())
	require.NoError(t, s.Destroy()) // idempotent

	s, err = cairn.Open(dir, nil)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Get([]byte("k"))
	require.ErrorIs(t, err, cairn.ErrNotFound)
}
