// Package tabletmeta persists the per-tablet superblock described in
// SPEC_FULL.md §6: tablet id, schema, partition bounds, the current
// rowset list, and the tablet's data state. It is written atomically
// via a temp-file-then-rename, the same publication discipline the
// reference engine's pkg/resource/parquet writer uses for its own
// on-disk files (write to "<name>.tmp", fsync, rename over the final
// path), generalized here from a single data file to a small JSON
// document.
package tabletmeta

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/kasuganosora/tabletstore/internal/status"
	"github.com/kasuganosora/tabletstore/pkg/schema"
)

// DataState is the tablet's on-disk data lifecycle state, distinct
// from the in-process replica lifecycle state machine of §4.K.
type DataState string

const (
	DataStateCopying    DataState = "COPYING"
	DataStateReady      DataState = "READY"
	DataStateTombstoned DataState = "TOMBSTONED"
)

// RowSetMeta records one rowset's identity and the block ids (or file
// paths, for this non-block-container-backed DRS encoding) that make
// it up.
type RowSetMeta struct {
	ID         string   `json:"id"`
	BasePath   string   `json:"base_path"`
	RedoFiles  []string `json:"redo_files,omitempty"`
	UndoFiles  []string `json:"undo_files,omitempty"`
	MinKey     []byte   `json:"min_key"`
	MaxKey     []byte   `json:"max_key"`
	CreatedAt  uint64   `json:"created_at"`
	RowCount   int      `json:"row_count"`
}

// Superblock is the full per-tablet metadata document.
type Superblock struct {
	TabletID        string       `json:"tablet_id"`
	Schema          *schema.Schema `json:"schema"`
	PartitionLowKey  []byte      `json:"partition_low_key,omitempty"`
	PartitionHighKey []byte      `json:"partition_high_key,omitempty"`
	RowSets         []RowSetMeta `json:"rowsets"`
	DataState       DataState    `json:"data_state"`
}

// path returns the canonical superblock path within a tablet's data
// directory.
func path(dir string) string {
	return filepath.Join(dir, "superblock.json")
}

// Write atomically publishes sb to dir/superblock.json.
func Write(dir string, sb *Superblock) error {
	data, err := json.MarshalIndent(sb, "", "  ")
	if err != nil {
		return status.Wrap(status.InvalidArgument, err, "encoding superblock")
	}
	tmp := path(dir) + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return status.Wrap(status.IOError, err, "creating superblock temp file")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return status.Wrap(status.IOError, err, "writing superblock")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return status.Wrap(status.IOError, err, "syncing superblock")
	}
	if err := f.Close(); err != nil {
		return status.Wrap(status.IOError, err, "closing superblock temp file")
	}
	if err := os.Rename(tmp, path(dir)); err != nil {
		return status.Wrap(status.IOError, err, "publishing superblock")
	}
	return nil
}

// Read loads a tablet's superblock from dir. A missing file is
// reported as status.Uninitialized so callers can distinguish "never
// bootstrapped" from a real read failure.
func Read(dir string) (*Superblock, error) {
	data, err := os.ReadFile(path(dir))
	if os.IsNotExist(err) {
		return nil, status.New(status.Uninitialized, "no superblock in %s", dir)
	}
	if err != nil {
		return nil, status.Wrap(status.IOError, err, "reading superblock")
	}
	var sb Superblock
	if err := json.Unmarshal(data, &sb); err != nil {
		return nil, status.Wrap(status.Corruption, err, "parsing superblock")
	}
	return &sb, nil
}

// Exists reports whether dir already has a superblock.
func Exists(dir string) bool {
	_, err := os.Stat(path(dir))
	return err == nil
}
