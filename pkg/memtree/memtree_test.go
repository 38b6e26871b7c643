package memtree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lsmkv/pkg/tuple"
)

func keys(items []*tuple.Tuple) []string {
	out := make([]string, 0, len(items))
	for _, tp := range items {
		out = append(out, string(tp.Key))
	}
	return out
}

func TestTree_ReplaceInPlace(t *testing.T) {
	tr := New(1)
	first := tuple.NewAt([]byte("k"), []byte("v1"), 0, 1)
	second := tuple.NewAt([]byte("k"), []byte("v2-longer"), 0, 2)

	require.NoError(t, tr.Insert(first))
	require.NoError(t, tr.Insert(second))

	assert.Equal(t, 1, tr.Len())
	assert.True(t, first.Released(), "replaced tuple must be released")
	assert.Equal(t, int64(second.Size()), tr.Size())
	assert.EqualValues(t, 2, tr.MaxSeq())

	got, ok := tr.Get([]byte("k"))
	require.True(t, ok)
	assert.Equal(t, "v2-longer", string(got.Value))

	_, ok = tr.Get([]byte("missing"))
	assert.False(t, ok)
}

func TestTree_FrozenRejectsInsert(t *testing.T) {
	tr := New(1)
	require.NoError(t, tr.Insert(tuple.New([]byte("a"), []byte("1"))))
	tr.Freeze()

	err := tr.Insert(tuple.New([]byte("b"), []byte("2")))
	require.ErrorIs(t, err, ErrFrozen)
	assert.True(t, tr.Frozen())
}

func TestTree_IteratorOrderAndSeek(t *testing.T) {
	tr := New(1)
	for _, k := range []string{"d", "a", "c", "b", "e"} {
		require.NoError(t, tr.Insert(tuple.New([]byte(k), []byte(k))))
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, keys(tr.Sorted()))

	it := tr.Iterator([]byte("bb"))
	var seen []string
	for ; it.Valid(); it.Next() {
		seen = append(seen, string(it.Tuple().Key))
	}
	require.NoError(t, it.Close())
	assert.Equal(t, []string{"c", "d", "e"}, seen)
}

func TestTree_ActiveIteratorIsSnapshot(t *testing.T) {
	tr := New(1)
	require.NoError(t, tr.Insert(tuple.New([]byte("a"), nil)))

	it := tr.Iterator(nil)
	require.NoError(t, tr.Insert(tuple.New([]byte("b"), nil)))

	var n int
	for ; it.Valid(); it.Next() {
		n++
	}
	assert.Equal(t, 1, n)
}

func TestTree_DrainAndReleaseExactlyOnce(t *testing.T) {
	const n = 1000
	tr := New(1)
	all := make([]*tuple.Tuple, 0, n)
	for i := 0; i < n; i++ {
		tp := tuple.New([]byte(fmt.Sprintf("key-%04d", i)), []byte("v"))
		all = append(all, tp)
		require.NoError(t, tr.Insert(tp))
	}
	tr.Freeze()

	visits := map[string]int{}
	released := tr.DrainAndRelease(func(tp *tuple.Tuple) {
		visits[string(tp.Key)]++
		tp.Release()
	})

	assert.Equal(t, n, released)
	assert.Len(t, visits, n)
	for k, c := range visits {
		assert.Equalf(t, 1, c, "key %s visited %d times", k, c)
	}
	for _, tp := range all {
		assert.True(t, tp.Released())
	}
	assert.Equal(t, 0, tr.Len())
	assert.Zero(t, tr.Size())

	assert.Equal(t, 0, tr.DrainAndRelease(nil), "second teardown is a no-op")
}

func TestTree_DrainSingleAndEmpty(t *testing.T) {
	empty := New(1)
	assert.Equal(t, 0, empty.DrainAndRelease(nil))

	single := New(2)
	tp := tuple.New([]byte("only"), nil)
	require.NoError(t, single.Insert(tp))
	assert.Equal(t, 1, single.DrainAndRelease(nil))
	assert.True(t, tp.Released())
}

func TestTree_LastUnrefTearsDown(t *testing.T) {
	tr := New(1)
	tp := tuple.New([]byte("k"), nil)
	require.NoError(t, tr.Insert(tp))

	tr.Ref()
	tr.Ref()
	assert.Equal(t, 0, tr.Unref())
	assert.False(t, tp.Released())
	assert.Equal(t, 1, tr.Unref())
	assert.True(t, tp.Released())
	assert.Panics(t, func() { tr.Unref() })
}
