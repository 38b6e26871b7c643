package tuple

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lsmkv/pkg/dberrors"
)

func TestTuple_NewCopiesInput(t *testing.T) {
	k, v := []byte("key"), []byte("value")
	tp := New(k, v)
	k[0], v[0] = 'X', 'X'

	assert.Equal(t, []byte("key"), []byte(tp.Key))
	assert.Equal(t, []byte("value"), []byte(tp.Value))
	assert.False(t, tp.IsTombstone())
}

func TestTuple_CompareByKeyOnly(t *testing.T) {
	a := NewAt([]byte("a"), []byte("1"), 10, 1)
	a2 := NewAt([]byte("a"), []byte("2"), 20, 2)
	b := NewTombstone([]byte("b"))

	assert.Equal(t, 0, Compare(a, a2))
	assert.Equal(t, -1, Compare(a, b))
	assert.Equal(t, 1, Compare(b, a))
	assert.True(t, Less(a, b))
}

func TestTuple_DoubleReleasePanics(t *testing.T) {
	tp := New([]byte("k"), []byte("v"))
	tp.Release()
	assert.True(t, tp.Released())
	assert.Panics(t, func() { tp.Release() })
}

func TestTuple_CloneIsIndependent(t *testing.T) {
	tp := NewAt([]byte("k"), []byte("v"), 7, 3)
	c := tp.Clone()
	tp.Release()

	assert.Equal(t, []byte("k"), []byte(c.Key))
	assert.Equal(t, []byte("v"), []byte(c.Value))
	assert.EqualValues(t, 7, c.Timestamp)
	assert.EqualValues(t, 3, c.Seq)
	assert.False(t, c.Released())
}

func TestTuple_Expired(t *testing.T) {
	tp := NewAt([]byte("k"), nil, 100, 1)
	assert.False(t, tp.Expired(1000, 0), "zero horizon disables expiry")
	assert.False(t, tp.Expired(150, 50))
	assert.True(t, tp.Expired(151, 50))
}

func TestEncoding_DecodeStream(t *testing.T) {
	in := []*Tuple{
		NewAt([]byte("alpha"), []byte("1"), 1_700_000_000, 1),
		NewTombstoneAt([]byte("beta"), -5, 2),
		NewAt([]byte(""), []byte(""), 0, 1<<40),
	}

	var buf []byte
	for _, tp := range in {
		before := len(buf)
		buf = AppendEncoded(buf, tp)
		assert.Equal(t, EncodedSize(tp), len(buf)-before)
	}

	for _, want := range in {
		got, n, err := Decode(buf)
		require.NoError(t, err)
		buf = buf[n:]

		assert.Equal(t, []byte(want.Key), []byte(got.Key))
		assert.Equal(t, want.Tombstone, got.Tombstone)
		assert.Equal(t, want.Timestamp, got.Timestamp)
		assert.Equal(t, want.Seq, got.Seq)
		if !want.Tombstone {
			assert.Equal(t, []byte(want.Value), []byte(got.Value))
		}
	}
	assert.Empty(t, buf)
}

func TestEncoding_Malformed(t *testing.T) {
	good := AppendEncoded(nil, New([]byte("key"), []byte("value")))

	cases := map[string][]byte{
		"empty":         nil,
		"unknown flags": {0x80, 0x01},
		"truncated":     good[:len(good)-2],
		"bad varint":    {0x00, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := Decode(src)
			require.ErrorIs(t, err, dberrors.ErrCorruption)
		})
	}
}

func TestTableKey_OrderAndSplit(t *testing.T) {
	k := TableKey(7, []byte("rec"))
	id, name, err := SplitTableKey(k)
	require.NoError(t, err)
	assert.EqualValues(t, 7, id)
	assert.Equal(t, []byte("rec"), name)

	// every key of table 7 sorts below the start of table 8
	assert.Negative(t, Compare(&Tuple{Key: TableKey(7, []byte{0xff, 0xff})}, &Tuple{Key: TablePrefixEnd(7)}))
	assert.Equal(t, TableKey(8, nil), TablePrefixEnd(7))

	_, _, err = SplitTableKey([]byte{1, 2})
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)

	got, err := DecodeTableID(EncodeTableID(42))
	require.NoError(t, err)
	assert.EqualValues(t, 42, got)
}
