// Package rowsettree implements the per-tablet RowSet tree: an
// interval index over each rowset's [min_key, max_key] bounds, plus
// the budgeted compaction selection and key-range splitting that ride
// on top of it.
//
// The augmented-ordered-index shape is grounded on the reference
// engine's pkg/resource/memory/rtree_index.go, an R-tree-flavored
// spatial index built for vector/geo columns; this package adapts
// that same "ordered index with range queries over bounds" idea from
// 2-D spatial bounds down to 1-D key ranges, which is exactly the
// documented augmented-btree use case for github.com/google/btree.
package rowsettree

import (
	"sort"

	"github.com/google/btree"
)

// Entry is one rowset tracked by the tree. ID identifies the rowset to
// the caller (tablet); bounds are closed [Min, Max]. An entry with
// HasBounds=false (the live MemRowSet) is treated as covering the
// entire keyspace.
type Entry struct {
	ID        string
	Min, Max  []byte
	HasBounds bool
	SizeBytes int64
}

func (e Entry) contains(key []byte) bool {
	if !e.HasBounds {
		return true
	}
	if string(key) < string(e.Min) {
		return false
	}
	return string(key) <= string(e.Max)
}

func (e Entry) overlaps(lo, hi []byte) bool {
	if !e.HasBounds {
		return true
	}
	if hi != nil && string(hi) <= string(e.Min) {
		return false
	}
	if lo != nil && string(lo) > string(e.Max) {
		return false
	}
	return true
}

type byMinItem struct{ e Entry }

func (b byMinItem) Less(other btree.Item) bool {
	o := other.(byMinItem)
	if !b.e.HasBounds {
		return true
	}
	if !o.e.HasBounds {
		return false
	}
	if string(b.e.Min) != string(o.e.Min) {
		return string(b.e.Min) < string(o.e.Min)
	}
	return b.e.ID < o.e.ID
}

// Tree is the per-tablet RowSet interval index.
type Tree struct {
	byMin *btree.BTree
}

// New returns an empty Tree.
func New() *Tree {
	return &Tree{byMin: btree.New(16)}
}

// Insert adds or replaces a rowset entry.
func (t *Tree) Insert(e Entry) {
	t.byMin.ReplaceOrInsert(byMinItem{e})
}

// Remove drops a rowset entry by identity (ID+Min must match exactly
// what was inserted).
func (t *Tree) Remove(e Entry) {
	t.byMin.Delete(byMinItem{e})
}

// All returns every tracked entry in ascending Min order (unbounded
// entries sort first).
func (t *Tree) All() []Entry {
	out := make([]Entry, 0, t.byMin.Len())
	t.byMin.Ascend(func(it btree.Item) bool {
		out = append(out, it.(byMinItem).e)
		return true
	})
	return out
}

// PointQuery returns every rowset whose bounds include key.
func (t *Tree) PointQuery(key []byte) []Entry {
	var out []Entry
	t.byMin.Ascend(func(it btree.Item) bool {
		e := it.(byMinItem).e
		if e.contains(key) {
			out = append(out, e)
		}
		return true
	})
	return out
}

// RangeQuery returns every rowset overlapping the half-open [lo, hi).
func (t *Tree) RangeQuery(lo, hi []byte) []Entry {
	var out []Entry
	t.byMin.Ascend(func(it btree.Item) bool {
		e := it.(byMinItem).e
		if e.overlaps(lo, hi) {
			out = append(out, e)
		}
		return true
	})
	return out
}

// EndpointKind distinguishes the two ends of an interval in a
// KeyEndpoints walk.
type EndpointKind int

const (
	Start EndpointKind = iota
	Stop
)

// Endpoint is one (rowset, kind, key) triple produced by KeyEndpoints.
type Endpoint struct {
	Entry Entry
	Kind  EndpointKind
	Key   []byte
}

// KeyEndpoints returns every bounded rowset's two endpoints, sorted by
// key then Start-before-Stop (so a point exactly on a boundary counts
// the opening interval first), which is what width/split computations
// walk over.
func (t *Tree) KeyEndpoints() []Endpoint {
	var out []Endpoint
	for _, e := range t.All() {
		if !e.HasBounds {
			continue
		}
		out = append(out, Endpoint{Entry: e, Kind: Start, Key: e.Min})
		out = append(out, Endpoint{Entry: e, Kind: Stop, Key: e.Max})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if string(out[i].Key) != string(out[j].Key) {
			return string(out[i].Key) < string(out[j].Key)
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// width returns e's fractional coverage of the tablet's total bounded
// keyspace, given the overall [globalMin, globalMax) span. Rowsets
// with no bounds (the MRS) do not participate in width accounting.
func width(e Entry, globalMin, globalMax []byte) float64 {
	if !e.HasBounds {
		return 0
	}
	span := keyDistance(globalMin, globalMax)
	if span == 0 {
		return 0
	}
	return keyDistance(e.Min, e.Max) / span
}

// keyDistance approximates the distance between two encoded keys by
// comparing their first differing byte; exact keyspace measure is
// undefined for arbitrary byte strings, so this is a monotonic proxy
// good enough for relative width comparisons, not absolute ones.
func keyDistance(lo, hi []byte) float64 {
	if string(hi) <= string(lo) {
		return 0
	}
	n := len(lo)
	if len(hi) < n {
		n = len(hi)
	}
	for i := 0; i < n; i++ {
		if lo[i] != hi[i] {
			return float64(hi[i]-lo[i]) / 256
		}
	}
	return 1
}

// CompactionCandidate is one rowset under consideration for a
// budgeted compaction.
type CompactionCandidate struct {
	Entry       Entry
	SizeBytes   int64 // clamped to >= 1
	WidthReduce float64
}

// SelectForCompaction runs a greedy knapsack over candidates, picking
// the subset maximizing total width-reduction per byte within
// byteBudget. Ties favor smaller rowsets so overlap-heavy small
// rowsets aren't starved by one large candidate eating the whole
// budget.
func SelectForCompaction(candidates []CompactionCandidate, byteBudget int64) []Entry {
	scored := make([]CompactionCandidate, len(candidates))
	copy(scored, candidates)
	for i := range scored {
		if scored[i].SizeBytes < 1 {
			scored[i].SizeBytes = 1
		}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		scoreI := scored[i].WidthReduce / float64(scored[i].SizeBytes)
		scoreJ := scored[j].WidthReduce / float64(scored[j].SizeBytes)
		if scoreI == scoreJ {
			return scored[i].SizeBytes < scored[j].SizeBytes
		}
		return scoreI > scoreJ
	})

	var selected []Entry
	var used int64
	for _, c := range scored {
		if used+c.SizeBytes > byteBudget && len(selected) > 0 {
			continue
		}
		selected = append(selected, c.Entry)
		used += c.SizeBytes
		if used >= byteBudget {
			break
		}
	}
	return selected
}

// ScoreCandidates builds CompactionCandidates from a tree's current
// entries, scoring each rowset's width-reduction as its own width
// (removing it from the overlapping set reduces total width by
// roughly its own coverage, the same approximation Kudu-style
// compaction scoring uses for a first pass before a full knapsack).
func ScoreCandidates(entries []Entry) []CompactionCandidate {
	if len(entries) == 0 {
		return nil
	}
	var globalMin, globalMax []byte
	for _, e := range entries {
		if !e.HasBounds {
			continue
		}
		if globalMin == nil || string(e.Min) < string(globalMin) {
			globalMin = e.Min
		}
		if globalMax == nil || string(e.Max) > string(globalMax) {
			globalMax = e.Max
		}
	}
	out := make([]CompactionCandidate, 0, len(entries))
	for _, e := range entries {
		if !e.HasBounds {
			continue
		}
		size := e.SizeBytes
		if size < 1 {
			size = 1
		}
		out = append(out, CompactionCandidate{
			Entry:       e,
			SizeBytes:   size,
			WidthReduce: width(e, globalMin, globalMax),
		})
	}
	return out
}

// SplitKeyRange walks [start, stop) accumulating each rowset's
// fractional presence times its size, emitting a chunk boundary each
// time the running total reaches targetChunkBytes. columnFilter, if
// non-nil, restricts the size contribution to rowsets relevant to
// that column set (column-aware variant); nil means use each
// rowset's full SizeBytes.
func SplitKeyRange(t *Tree, start, stop []byte, targetChunkBytes int64, columnFilter func(Entry) int64) [][]byte {
	endpoints := t.KeyEndpoints()
	var boundaries [][]byte
	var acc int64
	active := map[string]Entry{}

	weight := func(e Entry) int64 {
		if columnFilter != nil {
			return columnFilter(e)
		}
		return e.SizeBytes
	}

	for i, ep := range endpoints {
		if string(ep.Key) < string(start) {
			if ep.Kind == Start {
				active[ep.Entry.ID] = ep.Entry
			} else {
				delete(active, ep.Entry.ID)
			}
			continue
		}
		if stop != nil && string(ep.Key) >= string(stop) {
			break
		}
		if ep.Kind == Start {
			active[ep.Entry.ID] = ep.Entry
		}
		for _, e := range active {
			acc += weight(e) / int64(max(1, len(active)))
		}
		if ep.Kind == Stop {
			delete(active, ep.Entry.ID)
		}
		if acc >= targetChunkBytes {
			boundaries = append(boundaries, append([]byte(nil), ep.Key...))
			acc = 0
		}
		_ = i
	}
	return boundaries
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
