package memrowset

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kasuganosora/tabletstore/pkg/mvcc"
	"github.com/kasuganosora/tabletstore/pkg/schema"
)

func testSchema() *schema.Schema {
	return &schema.Schema{
		NumPK: 1,
		Columns: []schema.Column{
			{ID: 1, Name: "id", Kind: schema.Int64},
			{ID: 2, Name: "name", Kind: schema.String, Nullable: true},
		},
	}
}

func allCommittedSnap(upto mvcc.Timestamp) mvcc.Snapshot {
	return mvcc.Snapshot{AllCommittedBefore: upto + 1, NoneCommittedAtOrAfter: upto + 1}
}

func TestInsertAndGet(t *testing.T) {
	mrs := New(testSchema())
	require.NoError(t, mrs.Insert(1, []interface{}{int64(1), "alice"}))

	key, err := schema.EncodePK(testSchema(), []interface{}{int64(1)})
	require.NoError(t, err)

	row, ok := mrs.Get(allCommittedSnap(10), key)
	require.True(t, ok)
	require.False(t, row.Deleted)
	require.Equal(t, "alice", row.Values[1])
}

func TestInsertDuplicateFails(t *testing.T) {
	mrs := New(testSchema())
	require.NoError(t, mrs.Insert(1, []interface{}{int64(1), "alice"}))
	err := mrs.Insert(2, []interface{}{int64(1), "bob"})
	require.Error(t, err)
}

func TestMutateUpdateVisibleAfterCommit(t *testing.T) {
	s := testSchema()
	mrs := New(s)
	require.NoError(t, mrs.Insert(1, []interface{}{int64(1), "alice"}))
	key, _ := schema.EncodePK(s, []interface{}{int64(1)})

	require.NoError(t, mrs.Mutate(5, key, MutationUpdate, map[uint32]interface{}{2: "alicia"}))

	row, _ := mrs.Get(allCommittedSnap(3), key)
	require.Equal(t, "alice", row.Values[1], "update at ts=5 must not be visible at snapshot <=3")

	row, _ = mrs.Get(allCommittedSnap(5), key)
	require.Equal(t, "alicia", row.Values[1])
}

func TestDeleteThenReinsert(t *testing.T) {
	s := testSchema()
	mrs := New(s)
	require.NoError(t, mrs.Insert(1, []interface{}{int64(1), "alice"}))
	key, _ := schema.EncodePK(s, []interface{}{int64(1)})
	require.NoError(t, mrs.Mutate(2, key, MutationDelete, nil))

	row, _ := mrs.Get(allCommittedSnap(5), key)
	require.True(t, row.Deleted)

	require.NoError(t, mrs.Insert(3, []interface{}{int64(1), "alice2"}))
	row, _ = mrs.Get(allCommittedSnap(5), key)
	require.False(t, row.Deleted)
	require.Equal(t, "alice2", row.Values[1])
}

func TestMutateDeletedRowFails(t *testing.T) {
	s := testSchema()
	mrs := New(s)
	require.NoError(t, mrs.Insert(1, []interface{}{int64(1), "alice"}))
	key, _ := schema.EncodePK(s, []interface{}{int64(1)})
	require.NoError(t, mrs.Mutate(2, key, MutationDelete, nil))
	require.Error(t, mrs.Mutate(3, key, MutationDelete, nil))
}

func TestIteratorOrderAndDeletedFiltering(t *testing.T) {
	s := testSchema()
	mrs := New(s)
	for _, id := range []int64{3, 1, 2} {
		require.NoError(t, mrs.Insert(mvcc.Timestamp(id), []interface{}{id, "x"}))
	}
	key2, _ := schema.EncodePK(s, []interface{}{int64(2)})
	require.NoError(t, mrs.Mutate(10, key2, MutationDelete, nil))

	it := mrs.NewIterator(allCommittedSnap(20), nil, false)
	dst := make([]ProjectedRow, 10)
	n := it.NextBlock(dst)
	require.Equal(t, 2, n)
	require.Equal(t, int64(1), dst[0].Values[0])
	require.Equal(t, int64(3), dst[1].Values[0])
}

func TestIteratorIncludeDeleted(t *testing.T) {
	s := testSchema()
	mrs := New(s)
	require.NoError(t, mrs.Insert(1, []interface{}{int64(1), "a"}))
	key, _ := schema.EncodePK(s, []interface{}{int64(1)})
	require.NoError(t, mrs.Mutate(2, key, MutationDelete, nil))

	it := mrs.NewIterator(allCommittedSnap(5), nil, true)
	dst := make([]ProjectedRow, 10)
	n := it.NextBlock(dst)
	require.Equal(t, 1, n)
	require.True(t, dst[0].Deleted)
}
