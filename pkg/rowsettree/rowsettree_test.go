package rowsettree

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func mustEntry(id string, min, max byte, size int64) Entry {
	return Entry{ID: id, Min: []byte{min}, Max: []byte{max}, HasBounds: true, SizeBytes: size}
}

func TestPointQueryFindsOverlapping(t *testing.T) {
	tr := New()
	tr.Insert(mustEntry("a", 0, 10, 100))
	tr.Insert(mustEntry("b", 5, 15, 100))
	tr.Insert(mustEntry("c", 20, 30, 100))

	got := tr.PointQuery([]byte{7})
	ids := map[string]bool{}
	for _, e := range got {
		ids[e.ID] = true
	}
	require.True(t, ids["a"])
	require.True(t, ids["b"])
	require.False(t, ids["c"])
}

func TestPointQueryUnboundedAlwaysMatches(t *testing.T) {
	tr := New()
	tr.Insert(Entry{ID: "mrs", HasBounds: false})
	tr.Insert(mustEntry("a", 0, 10, 100))

	got := tr.PointQuery([]byte{200})
	require.Len(t, got, 1)
	require.Equal(t, "mrs", got[0].ID)
}

func TestRangeQueryOverlap(t *testing.T) {
	tr := New()
	tr.Insert(mustEntry("a", 0, 10, 100))
	tr.Insert(mustEntry("b", 10, 20, 100))
	tr.Insert(mustEntry("c", 30, 40, 100))

	got := tr.RangeQuery([]byte{5}, []byte{15})
	ids := map[string]bool{}
	for _, e := range got {
		ids[e.ID] = true
	}
	require.True(t, ids["a"])
	require.True(t, ids["b"])
	require.False(t, ids["c"], "[30,40] does not overlap the queried [5,15) range")
}

func TestRemove(t *testing.T) {
	tr := New()
	e := mustEntry("a", 0, 10, 100)
	tr.Insert(e)
	require.Len(t, tr.All(), 1)
	tr.Remove(e)
	require.Len(t, tr.All(), 0)
}

func TestKeyEndpointsSortedAndPaired(t *testing.T) {
	tr := New()
	tr.Insert(mustEntry("a", 0, 10, 100))
	tr.Insert(mustEntry("b", 5, 15, 100))

	eps := tr.KeyEndpoints()
	require.Len(t, eps, 4)
	for i := 1; i < len(eps); i++ {
		require.LessOrEqual(t, string(eps[i-1].Key), string(eps[i].Key))
	}
}

func TestKeyEndpointsSkipsUnbounded(t *testing.T) {
	tr := New()
	tr.Insert(Entry{ID: "mrs", HasBounds: false})
	tr.Insert(mustEntry("a", 0, 10, 100))

	eps := tr.KeyEndpoints()
	require.Len(t, eps, 2)
}

func TestSelectForCompactionRespectsBudget(t *testing.T) {
	candidates := []CompactionCandidate{
		{Entry: Entry{ID: "big"}, SizeBytes: 1000, WidthReduce: 0.5},
		{Entry: Entry{ID: "small-efficient"}, SizeBytes: 10, WidthReduce: 0.4},
		{Entry: Entry{ID: "tiny"}, SizeBytes: 1, WidthReduce: 0.05},
	}
	selected := SelectForCompaction(candidates, 50)
	ids := map[string]bool{}
	for _, e := range selected {
		ids[e.ID] = true
	}
	require.True(t, ids["small-efficient"], "small-efficient fits the budget alongside tiny and must be selected")
	require.False(t, ids["big"], "budget of 50 cannot afford the 1000-byte candidate")
}

func TestScoreCandidatesWidthProportionalToSpan(t *testing.T) {
	entries := []Entry{
		mustEntry("narrow", 0, 10, 100),
		mustEntry("wide", 0, 250, 100),
	}
	scored := ScoreCandidates(entries)
	var narrow, wide float64
	for _, c := range scored {
		if c.Entry.ID == "narrow" {
			narrow = c.WidthReduce
		}
		if c.Entry.ID == "wide" {
			wide = c.WidthReduce
		}
	}
	require.Greater(t, wide, narrow)
}

func TestSplitKeyRangeEmitsBoundaries(t *testing.T) {
	tr := New()
	tr.Insert(mustEntry("a", 0, 100, 1000))

	boundaries := SplitKeyRange(tr, []byte{0}, []byte{100}, 200, nil)
	require.NotEmpty(t, boundaries)
	for _, b := range boundaries {
		require.GreaterOrEqual(t, string(b), string([]byte{0}))
		require.LessOrEqual(t, string(b), string([]byte{100}))
	}
}

func TestSplitKeyRangeColumnFilterChangesWeights(t *testing.T) {
	tr := New()
	tr.Insert(mustEntry("a", 0, 100, 1000))

	full := SplitKeyRange(tr, []byte{0}, []byte{100}, 200, nil)
	filtered := SplitKeyRange(tr, []byte{0}, []byte{100}, 200, func(e Entry) int64 { return 10 })
	require.NotEqual(t, len(full), len(filtered))
}
