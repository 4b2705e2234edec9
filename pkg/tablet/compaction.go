package tablet

import (
	"fmt"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/kasuganosora/tabletstore/internal/status"
	"github.com/kasuganosora/tabletstore/pkg/deltamemstore"
	"github.com/kasuganosora/tabletstore/pkg/mvcc"
	"github.com/kasuganosora/tabletstore/pkg/rowset"
	"github.com/kasuganosora/tabletstore/pkg/rowsettree"
	"github.com/kasuganosora/tabletstore/pkg/schema"
)

// MinorCompact flushes a rowset's live DeltaMemStore to a new on-disk
// REDO file, per §4.I's "minor delta compaction" maintenance op. It
// does not touch the base data, so it never needs an UNDO file.
func (t *Tablet) MinorCompact(id string) error {
	start := time.Now()

	t.mu.Lock()
	de, ok := t.drsList[id]
	if !ok {
		t.mu.Unlock()
		return status.NotFoundf("no rowset %s", id)
	}
	if de.dms.Len() == 0 {
		t.mu.Unlock()
		return nil
	}
	dms := de.dms
	de.dms = deltamemstore.New()
	t.mu.Unlock()

	path := fmt.Sprintf("%s.redo.%d.delta", de.drs.BasePath(), time.Now().UnixNano())
	dfw, err := createDeltaFile(path)
	if err != nil {
		return err
	}
	if _, err := dms.FlushToFile(dfw); err != nil {
		dfw.Close()
		os.Remove(path)
		return err
	}
	if err := dfw.Close(); err != nil {
		return err
	}

	t.mu.Lock()
	de.drs.AddRedoFile(path)
	t.mu.Unlock()

	if err := t.writeSuperblock(); err != nil {
		return err
	}

	t.Metrics.MinorCompactionCount.Add(1)
	t.Metrics.MinorCompactionDurationNanos.Add(time.Since(start).Nanoseconds())
	t.log.Info("minor compaction flushed delta memstore", zap.String("rowset", id), zap.String("file", path))
	return nil
}

// MajorCompact permanently folds a rowset's already-flushed REDO
// entries with timestamp <= frontier into its base data, producing an
// UNDO file that can revert those rows to their pre-compaction values
// and leaving any entries newer than frontier in a fresh, smaller REDO
// file. Deletes are never folded: a row's base data is only ever
// rewritten, never removed, so row ordinals referenced by surviving
// REDO/UNDO entries stay valid. Callers should MinorCompact first if
// they want the live DeltaMemStore's entries included, since this op
// only reads already-flushed REDO files.
func (t *Tablet) MajorCompact(id string, frontier mvcc.Timestamp) error {
	start := time.Now()

	t.mu.Lock()
	de, ok := t.drsList[id]
	if !ok {
		t.mu.Unlock()
		return status.NotFoundf("no rowset %s", id)
	}
	redoPaths := de.drs.RedoFiles()
	t.mu.Unlock()

	if len(redoPaths) == 0 {
		return nil
	}

	var all []deltaRecord
	for _, p := range redoPaths {
		recs, err := readDeltaFile(p)
		if err != nil {
			return err
		}
		all = append(all, recs...)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Key.RowIdx != all[j].Key.RowIdx {
			return all[i].Key.RowIdx < all[j].Key.RowIdx
		}
		return all[i].Key.Timestamp < all[j].Key.Timestamp
	})

	var toFold, toKeep []deltaRecord
	for _, r := range all {
		if r.Kind == deltamemstore.ChangeUpdate && r.Key.Timestamp <= frontier {
			toFold = append(toFold, r)
		} else {
			toKeep = append(toKeep, r)
		}
	}
	if len(toFold) == 0 {
		return nil
	}

	rows, err := de.drs.BaseRows()
	if err != nil {
		return err
	}

	preImage := make(map[uint32]map[uint32]interface{}) // rowIdx -> colID -> original value
	for _, r := range toFold {
		if int(r.Key.RowIdx) >= len(rows) {
			continue
		}
		for colID, v := range r.Changes {
			_, colIdx, ok := de.drs.ColumnByID(colID)
			if !ok {
				continue
			}
			saved, seen := preImage[r.Key.RowIdx]
			if !seen {
				saved = make(map[uint32]interface{})
				preImage[r.Key.RowIdx] = saved
			}
			if _, already := saved[colID]; !already {
				saved[colID] = rows[r.Key.RowIdx][colIdx]
			}
			rows[r.Key.RowIdx][colIdx] = v
		}
	}

	if err := de.drs.RewriteBase(rows); err != nil {
		return err
	}

	undoPath := fmt.Sprintf("%s.undo.%d.delta", de.drs.BasePath(), time.Now().UnixNano())
	ufw, err := createDeltaFile(undoPath)
	if err != nil {
		return err
	}
	for rowIdx, changes := range preImage {
		if err := ufw.WriteRedo(deltamemstore.DeltaKey{RowIdx: rowIdx, Timestamp: frontier}, deltamemstore.ChangeUpdate, changes); err != nil {
			ufw.Close()
			return err
		}
	}
	if err := ufw.Close(); err != nil {
		return err
	}

	var newRedoPath string
	if len(toKeep) > 0 {
		newRedoPath = fmt.Sprintf("%s.redo.%d.delta", de.drs.BasePath(), time.Now().UnixNano())
		rfw, err := createDeltaFile(newRedoPath)
		if err != nil {
			return err
		}
		for _, r := range toKeep {
			if err := rfw.WriteRedo(r.Key, r.Kind, r.Changes); err != nil {
				rfw.Close()
				return err
			}
		}
		if err := rfw.Close(); err != nil {
			return err
		}
	}

	t.mu.Lock()
	newRedo := []string(nil)
	if newRedoPath != "" {
		newRedo = []string{newRedoPath}
	}
	de.drs.ReplaceDeltaFiles(newRedo, append(de.drs.UndoFiles(), undoPath))
	t.mu.Unlock()

	for _, p := range redoPaths {
		os.Remove(p)
	}

	if err := t.writeSuperblock(); err != nil {
		return err
	}

	t.Metrics.MajorCompactionCount.Add(1)
	t.Metrics.MajorCompactionDurationNanos.Add(time.Since(start).Nanoseconds())
	t.log.Info("major compaction folded redo deltas", zap.String("rowset", id), zap.Int("rows_touched", len(preImage)))
	return nil
}

// MergingCompaction selects overlapping rowsets via the RowSet tree's
// budgeted knapsack scoring and merges them into a single new rowset,
// reducing key-range overlap per §4.H. Inputs must have no outstanding
// REDO entries (MinorCompact/MajorCompact them first): merging
// renumbers every row, which would otherwise orphan any delta still
// keyed by the old row ordinals.
func (t *Tablet) MergingCompaction(byteBudget int64) error {
	start := time.Now()

	t.mu.Lock()
	entries := t.tree.All()
	var boundedEntries []rowsettree.Entry
	for _, e := range entries {
		if e.HasBounds {
			boundedEntries = append(boundedEntries, e)
		}
	}
	candidates := rowsettree.ScoreCandidates(boundedEntries)
	selected := rowsettree.SelectForCompaction(candidates, byteBudget)
	if len(selected) < 2 {
		t.mu.Unlock()
		return nil
	}

	var des []*drsEntry
	for _, entry := range selected {
		de, ok := t.drsList[entry.ID]
		if !ok {
			continue
		}
		if len(de.drs.RedoFiles()) > 0 || de.dms.Len() > 0 {
			t.mu.Unlock()
			return status.IllegalStatef("rowset %s has pending deltas, compact them before merging", entry.ID)
		}
		des = append(des, de)
	}
	t.mu.Unlock()

	var rows [][]interface{}
	for _, de := range des {
		rs, err := de.drs.BaseRows()
		if err != nil {
			return err
		}
		rows = append(rows, rs...)
	}
	sort.Slice(rows, func(i, j int) bool {
		ki, _ := schema.EncodePK(t.schema, rows[i])
		kj, _ := schema.EncodePK(t.schema, rows[j])
		return string(ki) < string(kj)
	})

	t.mu.Lock()
	id := fmt.Sprintf("rs%06d", t.nextDRSSeq)
	t.nextDRSSeq++
	t.mu.Unlock()

	merged, err := rowset.Build(t.dataDir(), id, t.schema, rows, t.clock.Now())
	if err != nil {
		return err
	}
	min, max := merged.GetBounds()

	t.mu.Lock()
	for _, de := range des {
		delete(t.drsList, de.id)
		oldMin, oldMax := de.drs.GetBounds()
		t.tree.Remove(rowsettree.Entry{ID: de.id, Min: oldMin, Max: oldMax, HasBounds: true})
	}
	t.drsList[id] = &drsEntry{id: id, drs: merged, dms: deltamemstore.New()}
	t.tree.Insert(rowsettree.Entry{ID: id, Min: min, Max: max, HasBounds: true, SizeBytes: sizeOrZero(merged)})
	t.mu.Unlock()

	for _, de := range des {
		os.Remove(de.drs.BasePath())
	}

	if err := t.writeSuperblock(); err != nil {
		return err
	}

	t.Metrics.MergingCompactionCount.Add(1)
	t.Metrics.MergingCompactionDurationNanos.Add(time.Since(start).Nanoseconds())
	t.log.Info("merging compaction combined rowsets", zap.String("new_rowset", id), zap.Int("inputs", len(des)))
	return nil
}

// SplitKeyRange walks [start, stop) and returns chunk boundaries sized
// to targetChunkBytes, per §4.H. col selects the column-set-aware
// variant: each rowset's contribution is weighted by its estimated
// on-disk footprint for that one column (via DRS.OnDiskBaseDataColumnSize)
// instead of its full SizeBytes, so splits can be planned around a
// single wide or hot column rather than total rowset size.
func (t *Tablet) SplitKeyRange(start, stop []byte, targetChunkBytes int64, col uint32) ([][]byte, error) {
	t.mu.RLock()
	tree := t.tree
	drsList := t.drsList
	t.mu.RUnlock()

	var filterErr error
	columnFilter := func(e rowsettree.Entry) int64 {
		de, ok := drsList[e.ID]
		if !ok {
			return 0
		}
		size, err := de.drs.OnDiskBaseDataColumnSize(col)
		if err != nil && filterErr == nil {
			filterErr = err
		}
		return size
	}

	boundaries := rowsettree.SplitKeyRange(tree, start, stop, targetChunkBytes, columnFilter)
	if filterErr != nil {
		return nil, filterErr
	}
	return boundaries, nil
}
