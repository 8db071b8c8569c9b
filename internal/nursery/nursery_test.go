package nursery

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cairn/internal/base"
	"cairn/internal/sortedfile"
)

func testOptions() *base.Options {
	opts := &base.Options{}
	return opts.EnsureDefaults()
}

func entry(key, value string) *base.Entry {
	return &base.Entry{Key: []byte(key), Value: []byte(value), Kind: base.KindSet}
}

func TestAddLookupFull(t *testing.T) {
	dir := t.TempDir()
	n, err := New(dir, testOptions())
	require.NoError(t, err)
	defer n.Close()

	require.Equal(t, base.LevelSize(base.TopLevel), n.Capacity())

	for i := 0; i < n.Capacity()-1; i++ {
		full, err := n.Add(entry(fmt.Sprintf("key-%04d", i), "v"))
		require.NoError(t, err)
		require.False(t, full)
	}
	full, err := n.Add(entry("zzz", "last"))
	require.NoError(t, err)
	require.True(t, full)

	e, ok := n.Lookup([]byte("zzz"))
	require.True(t, ok)
	require.Equal(t, []byte("last"), e.Value)

	_, ok = n.Lookup([]byte("missing"))
	require.False(t, ok)
}

func TestLatestWriteWins(t *testing.T) {
	n, err := New(t.TempDir(), testOptions())
	require.NoError(t, err)
	defer n.Close()

	_, err = n.Add(entry("k", "v1"))
	require.NoError(t, err)
	_, err = n.Add(entry("k", "v2"))
	require.NoError(t, err)
	_, err = n.Add(&base.Entry{Key: []byte("k2"), Kind: base.KindDelete})
	require.NoError(t, err)

	e, ok := n.Lookup([]byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("v2"), e.Value)
	require.Equal(t, 2, n.Count())

	e, ok = n.Lookup([]byte("k2"))
	require.True(t, ok)
	require.True(t, e.Tombstone())
}

func TestTransactLastOpWins(t *testing.T) {
	n, err := New(t.TempDir(), testOptions())
	require.NoError(t, err)
	defer n.Close()

	ops := []base.Entry{
		{Key: []byte("x"), Value: []byte("1"), Kind: base.KindSet},
		{Key: []byte("y"), Value: []byte("2"), Kind: base.KindSet},
		{Key: []byte("x"), Kind: base.KindDelete},
	}
	require.NoError(t, n.Transact(ops))

	e, ok := n.Lookup([]byte("x"))
	require.True(t, ok)
	require.True(t, e.Tombstone())
	e, ok = n.Lookup([]byte("y"))
	require.True(t, ok)
	require.Equal(t, []byte("2"), e.Value)
}

func TestRecoverReplaysLog(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	n, err := New(dir, opts)
	require.NoError(t, err)

	_, err = n.Add(entry("b", "2"))
	require.NoError(t, err)
	_, err = n.Add(entry("a", "1"))
	require.NoError(t, err)
	_, err = n.Add(entry("a", "1b"))
	require.NoError(t, err)
	require.NoError(t, n.Transact([]base.Entry{
		{Key: []byte("c"), Value: []byte("3"), Kind: base.KindSet},
		{Key: []byte("b"), Kind: base.KindDelete},
	}))
	require.NoError(t, n.Close())

	entries, logPath, err := Recover(dir, opts)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, LogName), logPath)
	require.Len(t, entries, 3)
	require.Equal(t, []byte("a"), entries[0].Key)
	require.Equal(t, []byte("1b"), entries[0].Value)
	require.Equal(t, []byte("b"), entries[1].Key)
	require.True(t, entries[1].Tombstone())
	require.Equal(t, []byte("c"), entries[2].Key)
}

func TestRecoverTornTail(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	n, err := New(dir, opts)
	require.NoError(t, err)
	_, err = n.Add(entry("a", "1"))
	require.NoError(t, err)
	_, err = n.Add(entry("b", "2"))
	require.NoError(t, err)
	require.NoError(t, n.Close())

	// Simulate a crash mid-append: garbage at the tail.
	logPath := filepath.Join(dir, LogName)
	f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{9, 0, 0, 0, 0xde, 0xad})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, _, err := Recover(dir, opts)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, []byte("a"), entries[0].Key)
	require.Equal(t, []byte("b"), entries[1].Key)
}

func TestRecoverNoLog(t *testing.T) {
	entries, logPath, err := Recover(t.TempDir(), testOptions())
	require.NoError(t, err)
	require.Nil(t, entries)
	require.Empty(t, logPath)
}

func TestFlushToAndReset(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	n, err := New(dir, opts)
	require.NoError(t, err)
	defer n.Close()

	for i := 0; i < 10; i++ {
		_, err := n.Add(entry(fmt.Sprintf("key-%02d", i), fmt.Sprintf("v%d", i)))
		require.NoError(t, err)
	}

	path := filepath.Join(dir, "flush.data.tmp")
	count, err := n.FlushTo(path)
	require.NoError(t, err)
	require.Equal(t, uint64(10), count)

	f, err := sortedfile.Open(path, opts)
	require.NoError(t, err)
	defer f.Close()
	require.Equal(t, uint64(10), f.Count())

	require.NoError(t, n.Reset())
	require.Zero(t, n.Count())

	// The truncated log replays to nothing.
	entries, _, err := Recover(dir, opts)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestFlushToEmpty(t *testing.T) {
	dir := t.TempDir()
	n, err := New(dir, testOptions())
	require.NoError(t, err)
	defer n.Close()

	path := filepath.Join(dir, "flush.data.tmp")
	count, err := n.FlushTo(path)
	require.NoError(t, err)
	require.Zero(t, count)
	_, err = os.Stat(path)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestFoldSnapshotIsolation(t *testing.T) {
	n, err := New(t.TempDir(), testOptions())
	require.NoError(t, err)
	defer n.Close()

	for _, k := range []string{"a", "b", "c", "d"} {
		_, err := n.Add(entry(k, "v-"+k))
		require.NoError(t, err)
	}

	snap := n.Snapshot()
	_, err = n.Add(entry("e", "late"))
	require.NoError(t, err)

	fs := NewFoldSnapshot(snap, []byte("b"), []byte("d"))
	defer fs.Close()

	var keys []string
	for {
		e, err := fs.Next()
		require.NoError(t, err)
		if e == nil {
			break
		}
		keys = append(keys, string(e.Key))
	}
	require.Equal(t, []string{"b", "c"}, keys)
}

func TestIntervalSyncDurability(t *testing.T) {
	dir := t.TempDir()
	opts := &base.Options{SyncStrategy: base.SyncStrategy{Mode: base.SyncInterval, Interval: 200 * time.Millisecond}}
	opts.EnsureDefaults()
	n, err := New(dir, opts)
	require.NoError(t, err)

	_, err = n.Add(entry("k", "v"))
	require.NoError(t, err)
	time.Sleep(500 * time.Millisecond)
	require.NoError(t, n.Close())

	entries, _, err := Recover(dir, opts)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
