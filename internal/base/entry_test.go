package base

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEntryExpiry(t *testing.T) {
	now := time.Now()

	e := &Entry{Key: []byte("k"), Value: []byte("v"), Kind: KindSet}
	require.False(t, e.Expired(now))
	require.True(t, e.Live(now))

	e.Expiry = uint32(now.Add(time.Hour).Unix())
	require.False(t, e.Expired(now))
	require.True(t, e.Live(now))

	e.Expiry = uint32(now.Add(-time.Second).Unix())
	require.True(t, e.Expired(now))
	require.False(t, e.Live(now))

	dead := &Entry{Key: []byte("k"), Kind: KindDelete}
	require.False(t, dead.Live(now))
}

func TestExpiryFromTTL(t *testing.T) {
	now := time.Now()
	require.Equal(t, NeverExpires, ExpiryFromTTL(now, 0))
	require.Equal(t, uint32(now.Unix())+90, ExpiryFromTTL(now, 90))
}

func TestEntryCodec(t *testing.T) {
	set := &Entry{Key: []byte("alpha"), Value: []byte("one"), Kind: KindSet, Expiry: 1234}
	dead := &Entry{Key: []byte("beta"), Kind: KindDelete}

	var buf []byte
	buf = AppendEntry(buf, set)
	require.Len(t, buf, EncodedEntrySize(set))
	buf = AppendEntry(buf, dead)

	got, n, err := DecodeEntry(buf)
	require.NoError(t, err)
	require.Equal(t, set.Key, got.Key)
	require.Equal(t, set.Value, got.Value)
	require.Equal(t, KindSet, got.Kind)
	require.Equal(t, uint32(1234), got.Expiry)

	got, m, err := DecodeEntry(buf[n:])
	require.NoError(t, err)
	require.Equal(t, dead.Key, got.Key)
	require.Equal(t, KindDelete, got.Kind)
	require.Nil(t, got.Value)
	require.Equal(t, len(buf), n+m)
}

func TestDecodeEntryTruncated(t *testing.T) {
	e := &Entry{Key: []byte("key"), Value: []byte("value"), Kind: KindSet}
	buf := AppendEntry(nil, e)
	for cut := 0; cut < len(buf); cut++ {
		_, _, err := DecodeEntry(buf[:cut])
		require.ErrorIs(t, err, ErrCorrupt, "prefix of %d bytes", cut)
	}
}

func TestDecodeEntryBadKind(t *testing.T) {
	_, _, err := DecodeEntry([]byte{0x7f, 0, 0, 0, 0})
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestInRange(t *testing.T) {
	require.True(t, InRange([]byte("m"), nil, nil))
	require.True(t, InRange([]byte("m"), []byte("m"), nil))
	require.False(t, InRange([]byte("m"), nil, []byte("m")))
	require.True(t, InRange([]byte("m"), []byte("a"), []byte("z")))
	require.False(t, InRange([]byte("a"), []byte("b"), nil))
}
