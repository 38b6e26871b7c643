// Package catalog persists the root record of the store: the identity of the
// store, the set of live runs and the counters that must survive restarts.
//
// Every change is committed by writing a temporary file, syncing it,
// renaming it over CATALOG and syncing the directory. A crash at any point
// leaves either the old or the new record in place.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"

	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/run"
	"lsmkv/pkg/types"
)

const (
	FileName       = "CATALOG"
	currentVersion = 1
)

// RunEntry describes one live run.
type RunEntry struct {
	ID        types.RunID `json:"id"`
	Level     int         `json:"level"`
	File      string      `json:"file"`
	Size      int64       `json:"size"`
	Count     uint64      `json:"count"`
	MinKey    []byte      `json:"min_key"`
	MaxKey    []byte      `json:"max_key"`
	CreatedAt time.Time   `json:"created_at"`
}

// Data is the persisted root record.
type Data struct {
	Version       int           `json:"version"`
	StoreID       string        `json:"store_id"`
	NextRunID     types.RunID   `json:"next_run_id"`
	MaxTableID    types.TableID `json:"max_table_id"`
	WALCheckpoint types.SeqN    `json:"wal_checkpoint"`
	Runs          []RunEntry    `json:"runs"`
}

// Edit is one structural change.
type Edit struct {
	Add    []RunEntry
	Remove []types.RunID
	// WALCheckpoint raises the checkpoint; lower values are ignored.
	WALCheckpoint types.SeqN
	// MaxTableID raises the table id high-water mark; lower values are ignored.
	MaxTableID types.TableID
}

type Catalog struct {
	mu   sync.Mutex
	dir  string
	path string
	data Data
}

// Open loads the catalog in dir, creating a fresh one when none exists.
// The boolean result reports whether the catalog was created.
func Open(dir string) (*Catalog, bool, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, false, fmt.Errorf("failed to create data directory: %w", err)
	}
	c := &Catalog{
		dir:  dir,
		path: filepath.Join(dir, FileName),
	}

	raw, err := os.ReadFile(c.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		c.data = Data{
			Version:   currentVersion,
			StoreID:   uuid.NewString(),
			NextRunID: 1,
		}
		if err := c.write(c.data); err != nil {
			return nil, false, err
		}
		return c, true, nil
	case err != nil:
		return nil, false, fmt.Errorf("failed to read catalog: %w", err)
	}

	if err := json.Unmarshal(raw, &c.data); err != nil {
		return nil, false, fmt.Errorf("%w: parse catalog: %v", dberrors.ErrCorruption, err)
	}
	if c.data.Version != currentVersion {
		return nil, false, fmt.Errorf("%w: catalog version %d", dberrors.ErrCorruption, c.data.Version)
	}
	if _, err := uuid.Parse(c.data.StoreID); err != nil {
		return nil, false, fmt.Errorf("%w: catalog store id: %v", dberrors.ErrCorruption, err)
	}
	return c, false, nil
}

func (c *Catalog) Dir() string {
	return c.dir
}

// Snapshot returns a copy of the current record.
func (c *Catalog) Snapshot() Data {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.data
	d.Runs = slices.Clone(c.data.Runs)
	return d
}

// AllocRunID reserves a run id. Reservations become durable with the next
// commit; an id reserved by a crashed process is reused only after its
// orphan file has been removed.
func (c *Catalog) AllocRunID() types.RunID {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.data.NextRunID
	c.data.NextRunID++
	return id
}

// RunPath is the file path of run id.
func (c *Catalog) RunPath(id types.RunID) string {
	return filepath.Join(c.dir, RunFileName(id))
}

func RunFileName(id types.RunID) string {
	return fmt.Sprintf("%08d%s", id, run.FileExt)
}

// Commit applies e and makes it durable. On failure the in-memory record is
// unchanged and the error wraps dberrors.ErrStructural.
func (c *Catalog) Commit(e Edit) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.data
	next.Runs = make([]RunEntry, 0, len(c.data.Runs)+len(e.Add))
	for _, r := range c.data.Runs {
		if !slices.Contains(e.Remove, r.ID) {
			next.Runs = append(next.Runs, r)
		}
	}
	next.Runs = append(next.Runs, e.Add...)
	for _, r := range e.Add {
		if r.ID >= next.NextRunID {
			next.NextRunID = r.ID + 1
		}
	}
	slices.SortFunc(next.Runs, compareEntries)
	next.WALCheckpoint = max(next.WALCheckpoint, e.WALCheckpoint)
	next.MaxTableID = max(next.MaxTableID, e.MaxTableID)

	if err := c.write(next); err != nil {
		return err
	}
	c.data = next
	return nil
}

// compareEntries orders by level, then newest first.
func compareEntries(a, b RunEntry) int {
	if a.Level != b.Level {
		return a.Level - b.Level
	}
	switch {
	case a.ID > b.ID:
		return -1
	case a.ID < b.ID:
		return 1
	}
	return 0
}

func (c *Catalog) write(d Data) error {
	raw, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal catalog: %v", dberrors.ErrStructural, err)
	}

	tmp := c.path + ".tmp"
	if err := writeSynced(tmp, raw); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: write catalog: %v", dberrors.ErrStructural, err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: rename catalog: %v", dberrors.ErrStructural, err)
	}
	if err := run.SyncDir(c.dir); err != nil {
		return fmt.Errorf("%w: %v", dberrors.ErrStructural, err)
	}
	return nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// RemoveOrphans deletes run files and temporaries in the data directory
// that the catalog does not reference. It returns the removed paths.
func (c *Catalog) RemoveOrphans() ([]string, error) {
	c.mu.Lock()
	live := make(map[string]struct{}, len(c.data.Runs))
	for _, r := range c.data.Runs {
		live[r.File] = struct{}{}
	}
	c.mu.Unlock()

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list data directory: %w", err)
	}

	var (
		removed []string
		errs    []error
	)
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() {
			continue
		}
		isRun := strings.HasSuffix(name, run.FileExt)
		if _, ok := live[name]; ok && isRun {
			continue
		}
		if !isRun && !strings.HasSuffix(name, ".tmp") {
			continue
		}
		p := filepath.Join(c.dir, name)
		if err := os.Remove(p); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, p)
	}
	return removed, errors.Join(errs...)
}
