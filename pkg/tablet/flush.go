package tablet

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kasuganosora/tabletstore/internal/status"
	"github.com/kasuganosora/tabletstore/internal/tabletmeta"
	"github.com/kasuganosora/tabletstore/pkg/deltamemstore"
	"github.com/kasuganosora/tabletstore/pkg/memrowset"
	"github.com/kasuganosora/tabletstore/pkg/mvcc"
	"github.com/kasuganosora/tabletstore/pkg/rowset"
	"github.com/kasuganosora/tabletstore/pkg/rowsettree"
)

// Flush snapshots the live MemRowSet, atomically publishes a fresh
// empty one in its place, and writes the snapshot out as a new on-disk
// RowSet, per §4.I. The flush is recorded in the WAL as a flush marker
// so bootstrap replay knows which committed ops are already durable on
// disk and can be skipped.
func (t *Tablet) Flush(ctx context.Context) error {
	if t.State() != StateRunning {
		return status.IllegalStatef("tablet %s is not running (state=%s)", t.id, t.State())
	}
	start := time.Now()

	t.applyMu.Lock()
	// flushedThrough is captured before the old MRS is swapped out, so
	// any op that commits after this point lands in the new MRS and
	// stays subject to ordinary replay.
	flushedThrough := t.nextLogIndex.Load()
	snap := t.coord.Snapshot()
	oldMRS := t.mrs.Load()
	t.mrs.Store(memrowset.New(t.schema))
	t.applyMu.Unlock()

	rows := collectFlushRows(oldMRS, snap)
	if len(rows) == 0 {
		t.log.Debug("flush skipped: no rows in memrowset")
		if err := t.appendWAL(t.allocLogIndex(), walRecord{Kind: recordFlushMarker, FlushedThroughIndex: flushedThrough}); err != nil {
			return err
		}
		t.flushedThrough.Store(flushedThrough)
		return nil
	}

	t.mu.Lock()
	id := fmt.Sprintf("rs%06d", t.nextDRSSeq)
	t.nextDRSSeq++
	t.mu.Unlock()

	drs, err := rowset.Build(t.dataDir(), id, t.schema, rows, t.clock.Now())
	if err != nil {
		return status.Wrap(status.IOError, err, "building rowset %s", id)
	}

	de := &drsEntry{id: id, drs: drs, dms: deltamemstore.New()}
	min, max := drs.GetBounds()

	t.mu.Lock()
	t.drsList[id] = de
	t.tree.Insert(rowsettree.Entry{ID: id, Min: min, Max: max, HasBounds: true, SizeBytes: sizeOrZero(drs)})
	t.mu.Unlock()

	if err := t.writeSuperblock(); err != nil {
		return err
	}

	if err := t.appendWAL(t.allocLogIndex(), walRecord{Kind: recordFlushMarker, FlushedThroughIndex: flushedThrough}); err != nil {
		t.fail(err)
		return err
	}
	t.flushedThrough.Store(flushedThrough)

	t.Metrics.FlushCount.Add(1)
	t.Metrics.FlushDurationNanos.Add(time.Since(start).Nanoseconds())
	t.log.Info("flushed memrowset", zap.String("rowset", id), zap.Int("rows", len(rows)))
	return nil
}

// collectFlushRows materializes every row committed as of snap,
// skipping ghosts (rows whose latest visible mutation is a delete).
func collectFlushRows(mrs *memrowset.MemRowSet, snap mvcc.Snapshot) [][]interface{} {
	it := mrs.NewIterator(snap, nil, false)
	var rows [][]interface{}
	buf := make([]memrowset.ProjectedRow, 128)
	for {
		n := it.NextBlock(buf)
		for i := 0; i < n; i++ {
			if buf[i].Deleted {
				continue
			}
			rows = append(rows, buf[i].Values)
		}
		if n < len(buf) {
			break
		}
	}
	return rows
}

// writeSuperblock persists the tablet's current rowset set to the
// on-disk superblock, under the tree lock so the snapshot it takes is
// self-consistent.
func (t *Tablet) writeSuperblock() error {
	t.mu.RLock()
	rowsets := make([]tabletmeta.RowSetMeta, 0, len(t.drsList))
	for id, de := range t.drsList {
		min, max := de.drs.GetBounds()
		rowsets = append(rowsets, tabletmeta.RowSetMeta{
			ID:        id,
			BasePath:  de.drs.BasePath(),
			RedoFiles: de.drs.RedoFiles(),
			UndoFiles: de.drs.UndoFiles(),
			MinKey:    min,
			MaxKey:    max,
			CreatedAt: uint64(de.drs.CreatedAt()),
			RowCount:  de.drs.RowCount(),
		})
	}
	t.mu.RUnlock()

	sb := &tabletmeta.Superblock{
		TabletID:  t.id,
		Schema:    t.schema,
		RowSets:   rowsets,
		DataState: tabletmeta.DataStateReady,
	}
	return tabletmeta.Write(t.dir, sb)
}
