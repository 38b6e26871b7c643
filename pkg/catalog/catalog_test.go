package catalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lsmkv/pkg/dberrors"
)

func TestCatalog_CreateAndReopen(t *testing.T) {
	dir := t.TempDir()

	c, created, err := Open(dir)
	require.NoError(t, err)
	assert.True(t, created)
	first := c.Snapshot()
	assert.NotEmpty(t, first.StoreID)
	assert.EqualValues(t, 1, first.NextRunID)

	id := c.AllocRunID()
	require.NoError(t, c.Commit(Edit{
		Add: []RunEntry{{
			ID:        id,
			Level:     0,
			File:      RunFileName(id),
			Size:      100,
			Count:     3,
			MinKey:    []byte("a"),
			MaxKey:    []byte("c"),
			CreatedAt: time.Unix(1_700_000_000, 0).UTC(),
		}},
		WALCheckpoint: 42,
		MaxTableID:    7,
	}))

	again, created, err := Open(dir)
	require.NoError(t, err)
	assert.False(t, created)

	d := again.Snapshot()
	assert.Equal(t, first.StoreID, d.StoreID)
	assert.EqualValues(t, 42, d.WALCheckpoint)
	assert.EqualValues(t, 7, d.MaxTableID)
	assert.EqualValues(t, id+1, d.NextRunID)
	require.Len(t, d.Runs, 1)
	assert.Equal(t, []byte("a"), d.Runs[0].MinKey)
	assert.Equal(t, []byte("c"), d.Runs[0].MaxKey)
	assert.NoFileExists(t, filepath.Join(dir, FileName+".tmp"))
}

func TestCatalog_CommitOrdersAndRemoves(t *testing.T) {
	c, _, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, c.Commit(Edit{Add: []RunEntry{
		{ID: 1, Level: 0}, {ID: 2, Level: 0}, {ID: 3, Level: 1},
	}}))
	require.NoError(t, c.Commit(Edit{
		Add:    []RunEntry{{ID: 4, Level: 1}},
		Remove: []uint64{1, 3},
	}))

	var ids []uint64
	for _, r := range c.Snapshot().Runs {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []uint64{2, 4}, ids)
}

func TestCatalog_CountersNeverMoveBack(t *testing.T) {
	c, _, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, c.Commit(Edit{WALCheckpoint: 10, MaxTableID: 5}))
	require.NoError(t, c.Commit(Edit{WALCheckpoint: 3, MaxTableID: 2}))

	d := c.Snapshot()
	assert.EqualValues(t, 10, d.WALCheckpoint)
	assert.EqualValues(t, 5, d.MaxTableID)
}

func TestCatalog_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("{not json"), 0600))

	_, _, err := Open(dir)
	require.ErrorIs(t, err, dberrors.ErrCorruption)
}

func TestCatalog_RemoveOrphans(t *testing.T) {
	dir := t.TempDir()
	c, _, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, c.Commit(Edit{Add: []RunEntry{{ID: 1, File: RunFileName(1)}}}))
	for _, name := range []string{RunFileName(1), RunFileName(2), RunFileName(3) + ".tmp", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0600))
	}

	removed, err := c.RemoveOrphans()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join(dir, RunFileName(2)),
		filepath.Join(dir, RunFileName(3)+".tmp"),
	}, removed)
	assert.FileExists(t, filepath.Join(dir, RunFileName(1)))
	assert.FileExists(t, filepath.Join(dir, "notes.txt"))
	assert.FileExists(t, filepath.Join(dir, FileName))
}
