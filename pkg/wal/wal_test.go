package wal

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/tuple"
)

func appendN(t *testing.T, w *WAL, from, to int) {
	t.Helper()
	for i := from; i <= to; i++ {
		key := []byte(fmt.Sprintf("k%03d", i))
		var tp *tuple.Tuple
		if i%5 == 0 {
			tp = tuple.NewTombstoneAt(key, int64(i), uint64(i))
		} else {
			tp = tuple.NewAt(key, []byte(fmt.Sprintf("v%d", i)), int64(i), uint64(i))
		}
		require.NoError(t, w.Append(tp))
	}
}

func replayAll(t *testing.T, dir string, after uint64) ([]*tuple.Tuple, error) {
	t.Helper()
	w, err := Open(dir, Options{SyncMode: SyncNone}, slog.Default())
	require.NoError(t, err)
	defer w.Close()

	var got []*tuple.Tuple
	_, err = w.Replay(after, func(tp *tuple.Tuple) error {
		got = append(got, tp)
		return nil
	})
	return got, err
}

func TestWAL_ReplayAfterRestart(t *testing.T) {
	for _, mode := range []SyncMode{SyncNone, SyncCommit, SyncBatch} {
		t.Run(mode.String(), func(t *testing.T) {
			dir := t.TempDir()
			w, err := Open(dir, Options{SyncMode: mode, BatchSize: 4, BatchInterval: time.Millisecond}, nil)
			require.NoError(t, err)
			appendN(t, w, 1, 10)
			require.NoError(t, w.Close())

			got, err := replayAll(t, dir, 0)
			require.NoError(t, err)
			require.Len(t, got, 10)
			for i, tp := range got {
				assert.EqualValues(t, i+1, tp.Seq)
				assert.Equal(t, fmt.Sprintf("k%03d", i+1), string(tp.Key))
				assert.Equal(t, (i+1)%5 == 0, tp.IsTombstone())
			}
		})
	}
}

func TestWAL_ReplaySkipsCheckpointed(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, Options{SyncMode: SyncCommit}, nil)
	require.NoError(t, err)
	appendN(t, w, 1, 10)
	require.NoError(t, w.Close())

	got, err := replayAll(t, dir, 7)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.EqualValues(t, 8, got[0].Seq)
}

func TestWAL_RollAndRemoveThrough(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, Options{SyncMode: SyncCommit}, nil)
	require.NoError(t, err)

	appendN(t, w, 1, 3)
	closed, err := w.Roll()
	require.NoError(t, err)
	assert.Equal(t, closed+1, w.Segment())
	appendN(t, w, 4, 6)

	require.NoError(t, w.RemoveThrough(closed))
	assert.NoFileExists(t, filepath.Join(dir, segmentName(closed)))
	require.NoError(t, w.Close())

	got, err := replayAll(t, dir, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.EqualValues(t, 4, got[0].Seq)
}

func TestWAL_TornTailTruncated(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, Options{SyncMode: SyncCommit}, nil)
	require.NoError(t, err)
	appendN(t, w, 1, 3)
	seg := w.Segment()
	require.NoError(t, w.Close())

	path := filepath.Join(dir, segmentName(seg))
	st, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, st.Size()-3))

	got, err := replayAll(t, dir, 0)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	// the torn bytes are gone, a second replay sees the same prefix
	got, err = replayAll(t, dir, 0)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestWAL_ChecksumMismatchIsCorruption(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, Options{SyncMode: SyncCommit}, nil)
	require.NoError(t, err)
	appendN(t, w, 1, 3)
	seg := w.Segment()
	require.NoError(t, w.Close())

	path := filepath.Join(dir, segmentName(seg))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[headerSize+1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0600))

	_, err = replayAll(t, dir, 0)
	require.ErrorIs(t, err, dberrors.ErrCorruption)
}

// twoSegments writes records 1..3 into a closed segment and 4..6 into the
// segment that is active when the log is closed.
func twoSegments(t *testing.T, dir string) (closed, last uint64) {
	t.Helper()
	w, err := Open(dir, Options{SyncMode: SyncCommit}, nil)
	require.NoError(t, err)
	appendN(t, w, 1, 3)
	closed, err = w.Roll()
	require.NoError(t, err)
	appendN(t, w, 4, 6)
	last = w.Segment()
	require.NoError(t, w.Close())
	return closed, last
}

func TestWAL_BadLengthIsCorruption(t *testing.T) {
	for _, which := range []string{"closed", "last"} {
		t.Run(which, func(t *testing.T) {
			dir := t.TempDir()
			closed, last := twoSegments(t, dir)
			seg := closed
			if which == "last" {
				seg = last
			}

			path := filepath.Join(dir, segmentName(seg))
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			binary.LittleEndian.PutUint32(data[0:], 1<<30)
			require.NoError(t, os.WriteFile(path, data, 0600))

			_, err = replayAll(t, dir, 0)
			require.ErrorIs(t, err, dberrors.ErrCorruption)

			st, err := os.Stat(path)
			require.NoError(t, err)
			assert.EqualValues(t, len(data), st.Size())
		})
	}
}

func TestWAL_ShortRecordInClosedSegmentIsCorruption(t *testing.T) {
	dir := t.TempDir()
	closed, _ := twoSegments(t, dir)

	path := filepath.Join(dir, segmentName(closed))
	st, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, st.Size()-3))

	got, err := replayAll(t, dir, 0)
	require.ErrorIs(t, err, dberrors.ErrCorruption)
	assert.Len(t, got, 2)

	st2, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, st.Size()-3, st2.Size())
}

func TestWAL_TornTailBeforeEmptySegment(t *testing.T) {
	dir := t.TempDir()
	_, last := twoSegments(t, dir)

	path := filepath.Join(dir, segmentName(last))
	st, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, st.Size()-3))

	// a process that stopped before replaying leaves an empty segment behind
	w, err := Open(dir, Options{SyncMode: SyncCommit}, nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	got, err := replayAll(t, dir, 0)
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.EqualValues(t, 5, got[4].Seq)
}

func TestWAL_ZeroFilledTailTruncated(t *testing.T) {
	dir := t.TempDir()
	_, last := twoSegments(t, dir)

	path := filepath.Join(dir, segmentName(last))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0600)
	require.NoError(t, err)
	_, err = f.Write(make([]byte, 64))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, err := replayAll(t, dir, 0)
	require.NoError(t, err)
	assert.Len(t, got, 6)
}

func TestWAL_AppendAfterClose(t *testing.T) {
	w, err := Open(t.TempDir(), Options{}, nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	require.ErrorIs(t, w.Append(tuple.New([]byte("k"), nil)), dberrors.ErrClosed)
}

func TestParseSyncMode(t *testing.T) {
	for _, m := range []SyncMode{SyncNone, SyncCommit, SyncBatch} {
		got, err := ParseSyncMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseSyncMode("sometimes")
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)
}
