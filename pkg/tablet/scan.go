package tablet

import (
	"sort"

	"github.com/kasuganosora/tabletstore/pkg/deltamemstore"
	"github.com/kasuganosora/tabletstore/pkg/memrowset"
	"github.com/kasuganosora/tabletstore/pkg/mvcc"
	"github.com/kasuganosora/tabletstore/pkg/schema"
)

// keyedRow pairs a materialized row with its encoded PK so results
// from the MemRowSet and every candidate RowSet can be merged into a
// single PK-ordered stream.
type keyedRow struct {
	key     []byte
	values  []interface{}
	deleted bool
}

// Scan returns every row in [lo, hi) visible as of snap, merged in PK
// order across the MemRowSet and every overlapping on-disk RowSet, per
// §4.I. The snapshot is captured by the caller so repeated scans
// against the same snap are repeatable even as writes continue.
func (t *Tablet) Scan(snap mvcc.Snapshot, lo, hi []byte, includeDeleted bool) ([]Row, error) {
	t.mu.RLock()
	candidates := t.tree.RangeQuery(lo, hi)
	drsSnapshots := make(map[string]*drsEntry, len(candidates))
	for _, c := range candidates {
		if c.HasBounds {
			if de, ok := t.drsList[c.ID]; ok {
				drsSnapshots[c.ID] = de
			}
		}
	}
	t.mu.RUnlock()

	var rows []keyedRow

	mrsRows, err := t.scanMRS(snap, lo, hi, includeDeleted)
	if err != nil {
		return nil, err
	}
	rows = append(rows, mrsRows...)

	for _, de := range drsSnapshots {
		drsRows, err := t.scanDRS(de, snap, lo, hi, includeDeleted)
		if err != nil {
			return nil, err
		}
		rows = append(rows, drsRows...)
	}

	sort.Slice(rows, func(i, j int) bool { return string(rows[i].key) < string(rows[j].key) })

	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, Row{Values: r.values, Deleted: r.deleted})
	}
	return out, nil
}

func (t *Tablet) scanMRS(snap mvcc.Snapshot, lo, hi []byte, includeDeleted bool) ([]keyedRow, error) {
	mrs := t.mrs.Load()
	it := mrs.NewIterator(snap, lo, true)
	var out []keyedRow
	buf := make([]memrowset.ProjectedRow, 128)
	for {
		n := it.NextBlock(buf)
		for i := 0; i < n; i++ {
			pr := buf[i]
			if hi != nil && string(pr.Key) >= string(hi) {
				return out, nil
			}
			if pr.Deleted && !includeDeleted {
				continue
			}
			out = append(out, keyedRow{key: pr.Key, values: pr.Values, deleted: pr.Deleted})
		}
		if n < len(buf) {
			break
		}
	}
	return out, nil
}

func (t *Tablet) scanDRS(de *drsEntry, snap mvcc.Snapshot, lo, hi []byte, includeDeleted bool) ([]keyedRow, error) {
	rowIdxs := de.drs.RangeRowIndexes(lo, hi)
	if len(rowIdxs) == 0 {
		return nil, nil
	}

	start, end := rowIdxs[0], rowIdxs[len(rowIdxs)-1]+1

	var redoSources []*deltamemstore.Iterator
	if redoFiles := de.drs.RedoFiles(); len(redoFiles) > 0 {
		redoDMS, err := rebuildDeltaMemStore(redoFiles)
		if err != nil {
			return nil, err
		}
		redoIt := redoDMS.NewIterator()
		redoIt.PrepareBatch(start, end-start, deltamemstore.PrepareForCollect)
		redoSources = append(redoSources, redoIt)
	}
	liveIt := de.dms.NewIterator()
	liveIt.PrepareBatch(start, end-start, deltamemstore.PrepareForCollect)
	redoSources = append(redoSources, liveIt)
	redoMerger := deltamemstore.NewMerger(redoSources...)

	var undoMerger *deltamemstore.Merger
	if !snap.IsCommitted(de.drs.CreatedAt()) {
		if undoFiles := de.drs.UndoFiles(); len(undoFiles) > 0 {
			undoDMS, err := rebuildDeltaMemStore(undoFiles)
			if err != nil {
				return nil, err
			}
			undoIt := undoDMS.NewIterator()
			undoIt.PrepareBatch(start, end-start, deltamemstore.PrepareForCollect)
			undoMerger = deltamemstore.NewMerger(undoIt)
		}
	}

	out := make([]keyedRow, 0, len(rowIdxs))
	for _, rowIdx := range rowIdxs {
		values, deleted, err := de.drs.GetAsOf(snap, rowIdx, redoMerger, undoMerger)
		if err != nil {
			return nil, err
		}
		if deleted && !includeDeleted {
			continue
		}
		key, err := schema.EncodePK(t.schema, values)
		if err != nil {
			return nil, err
		}
		out = append(out, keyedRow{key: key, values: values, deleted: deleted})
	}
	return out, nil
}
