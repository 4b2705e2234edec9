// Package logindex provides the collaborators the WAL reader needs
// above individual segment framing: an ordered SegmentSequence (with
// the "sequence numbers are consecutive, a gap is corruption"
// invariant) and a per-tablet index from op index to (segment
// sequence, byte offset within that segment), so a range read does not
// have to scan every segment from the start.
//
// Both structures are backed by github.com/google/btree, following
// the RowSet tree's use of the same library for its interval index
// (pkg/rowsettree) — an ordered map is the natural fit for "find the
// segment covering index N" and "find the first entry >= N".
package logindex

import (
	"github.com/google/btree"

	"github.com/kasuganosora/tabletstore/internal/status"
)

// SegmentInfo describes one on-disk WAL segment.
type SegmentInfo struct {
	Seq      uint64
	Path     string
	MinIndex uint64
	MaxIndex uint64
}

func (s SegmentInfo) Less(other btree.Item) bool {
	return s.Seq < other.(SegmentInfo).Seq
}

// SegmentSequence tracks the ordered, gap-free list of a tablet's WAL
// segments.
type SegmentSequence struct {
	tree *btree.BTree
}

// NewSegmentSequence returns an empty sequence.
func NewSegmentSequence() *SegmentSequence {
	return &SegmentSequence{tree: btree.New(16)}
}

// Append adds seg to the sequence. seg.Seq must be exactly one more
// than the current highest sequence number (or the first segment);
// anything else is a gap and is fatal, since a gap can only arise from
// a corrupted or tampered-with log directory.
func (s *SegmentSequence) Append(seg SegmentInfo) error {
	if s.tree.Len() > 0 {
		max := s.tree.Max().(SegmentInfo)
		if seg.Seq != max.Seq+1 {
			return status.Corruptionf("wal segment sequence gap: have up to %d, got %d", max.Seq, seg.Seq)
		}
	}
	s.tree.ReplaceOrInsert(seg)
	return nil
}

// Snapshot returns a copy of the current segment list in sequence order.
func (s *SegmentSequence) Snapshot() []SegmentInfo {
	out := make([]SegmentInfo, 0, s.tree.Len())
	s.tree.Ascend(func(it btree.Item) bool {
		out = append(out, it.(SegmentInfo))
		return true
	})
	return out
}

// TrimUpToAndIncluding removes every segment with Seq <= seq, returning
// the removed segments so the caller can unlink their files.
func (s *SegmentSequence) TrimUpToAndIncluding(seq uint64) []SegmentInfo {
	var removed []SegmentInfo
	s.tree.Ascend(func(it btree.Item) bool {
		seg := it.(SegmentInfo)
		if seg.Seq > seq {
			return false
		}
		removed = append(removed, seg)
		return true
	})
	for _, seg := range removed {
		s.tree.Delete(seg)
	}
	return removed
}

// ReplaceLast swaps out the highest-sequence segment, used when the
// writer rolls and wants to replace an in-progress segment's metadata
// (e.g. after a footer rewrite).
func (s *SegmentSequence) ReplaceLast(seg SegmentInfo) {
	if s.tree.Len() > 0 {
		s.tree.Delete(s.tree.Max())
	}
	s.tree.ReplaceOrInsert(seg)
}

// SegmentsCoveringRange returns every segment whose [MinIndex, MaxIndex]
// overlaps [first, last], in sequence order.
func (s *SegmentSequence) SegmentsCoveringRange(first, last uint64) []SegmentInfo {
	var out []SegmentInfo
	s.tree.Ascend(func(it btree.Item) bool {
		seg := it.(SegmentInfo)
		if seg.MaxIndex >= first && seg.MinIndex <= last {
			out = append(out, seg)
		}
		return true
	})
	return out
}

// entryLoc is where one op index physically lives.
type entryLoc struct {
	Index  uint64
	Seq    uint64
	Offset int64
}

func (e entryLoc) Less(other btree.Item) bool {
	return e.Index < other.(entryLoc).Index
}

// OpIndex maps op index -> (segment seq, byte offset), populated as
// entries are appended or replayed.
type OpIndex struct {
	tree *btree.BTree
}

// NewOpIndex returns an empty op index.
func NewOpIndex() *OpIndex {
	return &OpIndex{tree: btree.New(32)}
}

// Record notes that op index idx lives at byte offset within segment seq.
func (o *OpIndex) Record(idx uint64, seq uint64, offset int64) {
	o.tree.ReplaceOrInsert(entryLoc{Index: idx, Seq: seq, Offset: offset})
}

// Locate returns the (seq, offset) of the first recorded index >= idx,
// so a range read can seek there instead of scanning from the segment
// start. ok is false if no such entry exists.
func (o *OpIndex) Locate(idx uint64) (seq uint64, offset int64, ok bool) {
	var found entryLoc
	hit := false
	o.tree.AscendGreaterOrEqual(entryLoc{Index: idx}, func(it btree.Item) bool {
		found = it.(entryLoc)
		hit = true
		return false
	})
	if !hit {
		return 0, 0, false
	}
	return found.Seq, found.Offset, true
}

// TrimBelow discards index entries below idx, used after log GC.
func (o *OpIndex) TrimBelow(idx uint64) {
	var stale []btree.Item
	o.tree.Ascend(func(it btree.Item) bool {
		if it.(entryLoc).Index >= idx {
			return false
		}
		stale = append(stale, it)
		return true
	})
	for _, it := range stale {
		o.tree.Delete(it)
	}
}
