// Package memrowset implements the MemRowSet: the mutable, in-memory,
// PK-ordered row store every tablet writes into before a flush
// converts it into an immutable on-disk RowSet.
//
// The prepared-insert/duplicate-check/publish shape follows the
// reference engine's COW insert path (pkg/resource/memory/mutation.go):
// take the table lock, check for an existing row, then mutate. This
// package generalizes that single "current row" model into a
// lock-free-reader mutation chain per row, since the reference engine's
// MVCC lived at the table-snapshot level and never needed row-level
// REDO history.
package memrowset

import (
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/kasuganosora/tabletstore/internal/status"
	"github.com/kasuganosora/tabletstore/pkg/mvcc"
	"github.com/kasuganosora/tabletstore/pkg/schema"
)

// MutationKind distinguishes entries in a row's REDO chain.
type MutationKind int

const (
	MutationUpdate MutationKind = iota
	MutationDelete
	MutationReinsert
)

// Mutation is one node of a row's singly-linked REDO chain, always
// prepended at the head so readers can walk a consistent snapshot of
// whatever existed at the moment they loaded the head pointer.
type Mutation struct {
	Kind      MutationKind
	Timestamp mvcc.Timestamp
	Changes   map[uint32]interface{} // column id -> new value; nil for DELETE
	Next      *Mutation
}

// rowEntry is one MemRowSet slot. Values holds the row's original
// insertion contents; Head is the most recent mutation, published with
// atomic release semantics so concurrent readers never see a partially
// linked chain.
type rowEntry struct {
	key         []byte
	insertionTS mvcc.Timestamp
	values      []interface{}
	head        atomic.Pointer[Mutation]
}

func (e *rowEntry) Less(other btree.Item) bool {
	return string(e.key) < string(other.(*rowEntry).key)
}

// isGhost reports whether the row's current head is a DELETE,
// meaning a new Insert for this PK should become a REINSERT rather
// than fail with AlreadyPresent.
func (e *rowEntry) isGhost() bool {
	h := e.head.Load()
	return h != nil && h.Kind == MutationDelete
}

// MemRowSet is the concurrent, PK-ordered mutable row store.
type MemRowSet struct {
	schema *schema.Schema

	mu   sync.RWMutex // guards tree structure (inserts), not per-row mutation
	tree *btree.BTree

	rowCount atomic.Int64
}

// New constructs an empty MemRowSet for the given schema.
func New(s *schema.Schema) *MemRowSet {
	return &MemRowSet{schema: s, tree: btree.New(32)}
}

// Insert adds a new row at timestamp ts. If the PK is already present
// and its current head is a ghost (deleted), the insert is recorded as
// a REINSERT mutation instead of a fresh row. Any other collision
// returns AlreadyPresent.
func (m *MemRowSet) Insert(ts mvcc.Timestamp, values []interface{}) error {
	key, err := schema.EncodePK(m.schema, values)
	if err != nil {
		return err
	}

	m.mu.Lock()
	existing := m.tree.Get(&rowEntry{key: key})
	if existing == nil {
		e := &rowEntry{key: key, insertionTS: ts, values: values}
		m.tree.ReplaceOrInsert(e)
		m.mu.Unlock()
		m.rowCount.Add(1)
		return nil
	}
	entry := existing.(*rowEntry)
	m.mu.Unlock()

	if !entry.isGhost() {
		return status.AlreadyPresentf("row with this primary key already exists")
	}
	changes := make(map[uint32]interface{}, len(values))
	for i, v := range values {
		changes[m.schema.Columns[i].ID] = v
	}
	m.prependMutation(entry, &Mutation{Kind: MutationReinsert, Timestamp: ts, Changes: changes})
	m.rowCount.Add(1)
	return nil
}

// Mutate applies an UPDATE or DELETE to an existing row. changes is nil
// for DELETE.
func (m *MemRowSet) Mutate(ts mvcc.Timestamp, key []byte, kind MutationKind, changes map[uint32]interface{}) error {
	status.Invariant(kind != MutationReinsert, "Mutate does not accept REINSERT; use Insert")

	m.mu.RLock()
	existing := m.tree.Get(&rowEntry{key: key})
	m.mu.RUnlock()
	if existing == nil {
		return status.NotFoundf("row not found for mutation")
	}
	entry := existing.(*rowEntry)
	if kind == MutationDelete && entry.isGhost() {
		return status.NotFoundf("row already deleted")
	}
	m.prependMutation(entry, &Mutation{Kind: kind, Timestamp: ts, Changes: changes})
	return nil
}

func (m *MemRowSet) prependMutation(e *rowEntry, mu *Mutation) {
	for {
		head := e.head.Load()
		mu.Next = head
		if e.head.CompareAndSwap(head, mu) {
			return
		}
	}
}

// Len returns the number of distinct PKs ever inserted (including
// rows currently deleted), i.e. the tree's size.
func (m *MemRowSet) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Len()
}

// ProjectedRow is the result of applying a row's mutation chain as of
// a snapshot.
type ProjectedRow struct {
	Key     []byte
	Values  []interface{}
	Deleted bool
}

// Get projects a single row's state as of snap.
func (m *MemRowSet) Get(snap mvcc.Snapshot, key []byte) (ProjectedRow, bool) {
	m.mu.RLock()
	existing := m.tree.Get(&rowEntry{key: key})
	m.mu.RUnlock()
	if existing == nil {
		return ProjectedRow{}, false
	}
	return m.project(existing.(*rowEntry), snap), true
}

// project walks a row's whole mutation chain and applies every mutation
// whose timestamp is committed as of snap, oldest first, on top of the
// base row.
func (m *MemRowSet) project(e *rowEntry, snap mvcc.Snapshot) ProjectedRow {
	values := make([]interface{}, len(e.values))
	copy(values, e.values)
	deleted := false

	var chain []*Mutation
	for cur := e.head.Load(); cur != nil; cur = cur.Next {
		if snap.IsCommitted(cur.Timestamp) {
			chain = append(chain, cur)
		}
	}
	// chain is newest-first; apply oldest-first so later mutations win.
	for i := len(chain) - 1; i >= 0; i-- {
		mu := chain[i]
		switch mu.Kind {
		case MutationDelete:
			deleted = true
		case MutationUpdate, MutationReinsert:
			deleted = false
			for colID, v := range mu.Changes {
				if _, idx, ok := m.schema.ColumnByID(colID); ok {
					values[idx] = v
				}
			}
		}
	}
	return ProjectedRow{Key: e.key, Values: values, Deleted: deleted}
}

// Iterator yields rows in PK order, projected as of a fixed snapshot.
type Iterator struct {
	m              *MemRowSet
	snap           mvcc.Snapshot
	includeDeleted bool
	start          []byte
	rows           []*rowEntry
	pos            int
}

// NewIterator returns an iterator starting at or after start (nil
// means from the beginning), projecting rows as of snap.
func (m *MemRowSet) NewIterator(snap mvcc.Snapshot, start []byte, includeDeleted bool) *Iterator {
	it := &Iterator{m: m, snap: snap, includeDeleted: includeDeleted, start: start}
	m.mu.RLock()
	defer m.mu.RUnlock()
	pivot := &rowEntry{key: start}
	if start == nil {
		m.tree.Ascend(func(item btree.Item) bool {
			it.rows = append(it.rows, item.(*rowEntry))
			return true
		})
	} else {
		m.tree.AscendGreaterOrEqual(pivot, func(item btree.Item) bool {
			it.rows = append(it.rows, item.(*rowEntry))
			return true
		})
	}
	return it
}

// NextBlock fills dst with up to len(dst) projected rows (skipping
// deleted rows unless includeDeleted was set), returning the count
// written. A count less than len(dst) means the iterator is exhausted.
func (it *Iterator) NextBlock(dst []ProjectedRow) int {
	n := 0
	for n < len(dst) && it.pos < len(it.rows) {
		row := it.m.project(it.rows[it.pos], it.snap)
		it.pos++
		if row.Deleted && !it.includeDeleted {
			continue
		}
		dst[n] = row
		n++
	}
	return n
}
