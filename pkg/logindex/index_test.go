package logindex

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSegmentSequenceRejectsGap(t *testing.T) {
	s := NewSegmentSequence()
	require.NoError(t, s.Append(SegmentInfo{Seq: 1, MinIndex: 1, MaxIndex: 10}))
	require.NoError(t, s.Append(SegmentInfo{Seq: 2, MinIndex: 11, MaxIndex: 20}))
	require.Error(t, s.Append(SegmentInfo{Seq: 4, MinIndex: 21, MaxIndex: 30}))
}

func TestSegmentSequenceSnapshotOrdered(t *testing.T) {
	s := NewSegmentSequence()
	require.NoError(t, s.Append(SegmentInfo{Seq: 1}))
	require.NoError(t, s.Append(SegmentInfo{Seq: 2}))
	require.NoError(t, s.Append(SegmentInfo{Seq: 3}))
	snap := s.Snapshot()
	require.Len(t, snap, 3)
	require.EqualValues(t, 1, snap[0].Seq)
	require.EqualValues(t, 3, snap[2].Seq)
}

func TestSegmentSequenceTrim(t *testing.T) {
	s := NewSegmentSequence()
	require.NoError(t, s.Append(SegmentInfo{Seq: 1}))
	require.NoError(t, s.Append(SegmentInfo{Seq: 2}))
	require.NoError(t, s.Append(SegmentInfo{Seq: 3}))
	removed := s.TrimUpToAndIncluding(2)
	require.Len(t, removed, 2)
	require.Len(t, s.Snapshot(), 1)
}

func TestSegmentsCoveringRange(t *testing.T) {
	s := NewSegmentSequence()
	require.NoError(t, s.Append(SegmentInfo{Seq: 1, MinIndex: 1, MaxIndex: 10}))
	require.NoError(t, s.Append(SegmentInfo{Seq: 2, MinIndex: 11, MaxIndex: 20}))
	require.NoError(t, s.Append(SegmentInfo{Seq: 3, MinIndex: 21, MaxIndex: 30}))

	hit := s.SegmentsCoveringRange(9, 12)
	require.Len(t, hit, 2)
	require.EqualValues(t, 1, hit[0].Seq)
	require.EqualValues(t, 2, hit[1].Seq)
}

func TestOpIndexLocate(t *testing.T) {
	idx := NewOpIndex()
	idx.Record(1, 1, 0)
	idx.Record(5, 1, 100)
	idx.Record(9, 2, 0)

	seq, off, ok := idx.Locate(6)
	require.True(t, ok)
	require.EqualValues(t, 2, seq)
	require.EqualValues(t, 0, off)

	_, _, ok = idx.Locate(100)
	require.False(t, ok)
}

func TestOpIndexTrimBelow(t *testing.T) {
	idx := NewOpIndex()
	idx.Record(1, 1, 0)
	idx.Record(5, 1, 50)
	idx.Record(9, 2, 0)
	idx.TrimBelow(5)

	// Index 1 is gone, so a lookup from 1 lands on the next surviving
	// entry (index 5 at offset 50) rather than index 1's offset 0.
	_, off, ok := idx.Locate(1)
	require.True(t, ok)
	require.EqualValues(t, 50, off)
	seq, _, ok := idx.Locate(5)
	require.True(t, ok)
	require.EqualValues(t, 1, seq)
}
