// Package deltamemstore implements the DeltaMemStore (DMS): the
// in-memory REDO chain for a single on-disk RowSet that has not yet
// been flushed to a delta file.
//
// The key/value shape — a per-row change buffer keyed by row identity,
// collected until flush — is grounded on pkg/mvcc/transaction.go's
// writes map[string]*TupleVersion in the reference engine, generalized
// from "one buffer per transaction" to "one ordered, multi-writer
// structure per DRS" as SPEC_FULL.md §4.F requires.
package deltamemstore

import (
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/btree"

	"github.com/kasuganosora/tabletstore/pkg/mvcc"
)

// DeltaKey identifies one change-list entry: the row's ordinal
// position within its owning DRS's base data, the timestamp of the
// mutation, and a disambiguator for the rare case of two mutations at
// the same row and timestamp (only possible across concurrently
// applying transactions racing to commit at the same instant).
type DeltaKey struct {
	RowIdx        uint32
	Timestamp     mvcc.Timestamp
	Disambiguator uint32
}

func (k DeltaKey) less(other DeltaKey) bool {
	if k.RowIdx != other.RowIdx {
		return k.RowIdx < other.RowIdx
	}
	if k.Timestamp != other.Timestamp {
		return k.Timestamp < other.Timestamp
	}
	return k.Disambiguator < other.Disambiguator
}

// ChangeKind mirrors memrowset.MutationKind for the on-disk delta
// encoding, kept distinct so the two packages can evolve independently.
type ChangeKind int

const (
	ChangeUpdate ChangeKind = iota
	ChangeDelete
	ChangeReinsert
)

// entry is one stored delta.
type entry struct {
	key     DeltaKey
	kind    ChangeKind
	changes map[uint32]interface{}
}

func (e *entry) Less(other btree.Item) bool {
	return e.key.less(other.(*entry).key)
}

// DMS is the ordered, concurrent-write delta store for one DRS.
type DMS struct {
	mu   sync.RWMutex
	tree *btree.BTree

	anchorLogIndex uint64
	haveAnchor     bool

	nextDisambiguator map[uint64]uint32 // (rowIdx,ts) collision counter
}

// New constructs an empty DMS.
func New() *DMS {
	return &DMS{tree: btree.New(32), nextDisambiguator: make(map[uint64]uint32)}
}

func collisionKey(rowIdx uint32, ts mvcc.Timestamp) uint64 {
	return uint64(rowIdx)<<32 | uint64(ts)&0xFFFFFFFF
}

// Update records a change for rowIdx at ts. If (rowIdx, ts) already has
// an entry, a monotonically increasing disambiguator is assigned.
// opLogIndex anchors the owning WAL segment so it cannot be GC'd below
// this still-unflushed mutation if it is the new minimum anchor.
func (d *DMS) Update(ts mvcc.Timestamp, rowIdx uint32, kind ChangeKind, changes map[uint32]interface{}, opLogIndex uint64) DeltaKey {
	d.mu.Lock()
	defer d.mu.Unlock()

	ck := collisionKey(rowIdx, ts)
	disambig := d.nextDisambiguator[ck]
	d.nextDisambiguator[ck] = disambig + 1

	key := DeltaKey{RowIdx: rowIdx, Timestamp: ts, Disambiguator: disambig}
	d.tree.ReplaceOrInsert(&entry{key: key, kind: kind, changes: changes})

	if !d.haveAnchor || opLogIndex < d.anchorLogIndex {
		d.anchorLogIndex = opLogIndex
		d.haveAnchor = true
	}
	return key
}

// AnchorLogIndex returns the lowest WAL log index still required by
// this DMS's unflushed mutations, and whether any mutation is pending.
func (d *DMS) AnchorLogIndex() (uint64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.anchorLogIndex, d.haveAnchor
}

// Len returns the number of stored delta entries.
func (d *DMS) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.tree.Len()
}

// FlushStats summarizes a FlushToFile pass.
type FlushStats struct {
	MinTimestamp  mvcc.Timestamp
	MaxTimestamp  mvcc.Timestamp
	Count         int
	UpdatesPerCol map[uint32]int
}

// RecordWriter receives one REDO record per delta entry during flush.
type RecordWriter interface {
	WriteRedo(key DeltaKey, kind ChangeKind, changes map[uint32]interface{}) error
}

// FlushToFile iterates entries in key order, writing a REDO record for
// each to w and accumulating stats.
func (d *DMS) FlushToFile(w RecordWriter) (FlushStats, error) {
	d.mu.RLock()
	entries := make([]*entry, 0, d.tree.Len())
	d.tree.Ascend(func(it btree.Item) bool {
		entries = append(entries, it.(*entry))
		return true
	})
	d.mu.RUnlock()

	stats := FlushStats{UpdatesPerCol: make(map[uint32]int)}
	for i, e := range entries {
		if i == 0 || e.key.Timestamp < stats.MinTimestamp {
			stats.MinTimestamp = e.key.Timestamp
		}
		if e.key.Timestamp > stats.MaxTimestamp {
			stats.MaxTimestamp = e.key.Timestamp
		}
		stats.Count++
		for col := range e.changes {
			stats.UpdatesPerCol[col]++
		}
		if err := w.WriteRedo(e.key, e.kind, e.changes); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// PrepareMode selects how Iterator.PrepareBatch copies data.
type PrepareMode int

const (
	PrepareForApply PrepareMode = iota
	PrepareForCollect
)

// BatchEntry is one change surfaced by PrepareBatch. Timestamp carries
// the mutation's commit timestamp through to read paths that must
// filter visibility against a snapshot rather than always taking the
// newest value.
type BatchEntry struct {
	RowIdx    uint32
	Timestamp mvcc.Timestamp
	Kind      ChangeKind
	Changes   map[uint32]interface{}
}

// Iterator walks a DMS's entries restricted to a row-ordinal window,
// mirroring the MemRowSet iterator's block-bounded shape.
type Iterator struct {
	d     *DMS
	batch []BatchEntry
}

// NewIterator returns an iterator over d.
func (d *DMS) NewIterator() *Iterator { return &Iterator{d: d} }

// PrepareBatch loads every change affecting rows in
// [startRow, startRow+nRows) into the iterator's internal buffer.
func (it *Iterator) PrepareBatch(startRow, nRows uint32, mode PrepareMode) {
	it.d.mu.RLock()
	defer it.d.mu.RUnlock()
	it.batch = it.batch[:0]

	pivot := &entry{key: DeltaKey{RowIdx: startRow}}
	endRow := startRow + nRows
	it.d.tree.AscendGreaterOrEqual(pivot, func(btreeItem btree.Item) bool {
		e := btreeItem.(*entry)
		if e.key.RowIdx >= endRow {
			return false
		}
		it.batch = append(it.batch, BatchEntry{RowIdx: e.key.RowIdx, Timestamp: e.key.Timestamp, Kind: e.kind, Changes: e.changes})
		return true
	})

	if mode == PrepareForCollect {
		sort.SliceStable(it.batch, func(i, j int) bool { return it.batch[i].RowIdx < it.batch[j].RowIdx })
	}
}

// ApplyUpdates overwrites dst[i][colIdx] for every row in the prepared
// batch that touched colID, where dst is indexed by (rowIdx-startRow).
func (it *Iterator) ApplyUpdates(startRow uint32, colID uint32, colIdx int, dst [][]interface{}) {
	for _, e := range it.batch {
		if e.Kind == ChangeDelete {
			continue
		}
		v, ok := e.Changes[colID]
		if !ok {
			continue
		}
		row := e.RowIdx - startRow
		if int(row) < len(dst) {
			dst[row][colIdx] = v
		}
	}
}

// ApplyDeletes clears the selection bit for every row in the prepared
// batch whose terminal change is a DELETE.
func (it *Iterator) ApplyDeletes(startRow uint32, sel *roaring.Bitmap) {
	terminal := make(map[uint32]ChangeKind)
	for _, e := range it.batch {
		terminal[e.RowIdx] = e.Kind
	}
	for row, kind := range terminal {
		if kind == ChangeDelete {
			sel.Remove(row)
		}
	}
}

// Batch exposes the iterator's currently prepared entries, for callers
// doing PREPARE_FOR_COLLECT (raw per-mutation collection rather than
// column-wise overwrite).
func (it *Iterator) Batch() []BatchEntry { return it.batch }

// Merger composes several delta iterators (one per delta file plus the
// live DMS) in newest-wins order for ApplyUpdates/ApplyDeletes, while
// preserving each row's own timestamp order when collecting mutation
// history.
type Merger struct {
	sources []*Iterator // ordered oldest to newest
}

// NewMerger builds a Merger from delta sources ordered oldest-first;
// newest-wins semantics fall out of applying them in that order so
// later sources overwrite earlier ones.
func NewMerger(oldestFirst ...*Iterator) *Merger {
	return &Merger{sources: oldestFirst}
}

// ApplyUpdates applies every source's updates for colID in order, so
// the newest source's value for a given row wins.
func (m *Merger) ApplyUpdates(startRow uint32, colID uint32, colIdx int, dst [][]interface{}) {
	for _, src := range m.sources {
		src.ApplyUpdates(startRow, colID, colIdx, dst)
	}
}

// ApplyDeletes applies every source's deletes in order.
func (m *Merger) ApplyDeletes(startRow uint32, sel *roaring.Bitmap) {
	for _, src := range m.sources {
		src.ApplyDeletes(startRow, sel)
	}
}

// CollectRows returns, per source in oldest-first order, the prepared
// batch entries for rows in range — i.e. each row's full mutation
// history across sources in timestamp order, rather than collapsed to
// the newest value.
func (m *Merger) CollectRows() []BatchEntry {
	var out []BatchEntry
	for _, src := range m.sources {
		out = append(out, src.Batch()...)
	}
	return out
}
