package tablet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMinorCompactFlushesDeltaMemStore(t *testing.T) {
	tab := newTestTablet(t)
	ctx := context.Background()
	require.NoError(t, tab.SubmitWrite(ctx, insertOp(1, "a")))
	require.NoError(t, tab.Flush(ctx))

	update := Op{Type: OpUpdate, PKValues: []interface{}{int64(1)}, Changes: map[uint32]interface{}{2: "b"}}
	require.NoError(t, tab.SubmitWrite(ctx, update))

	tab.mu.RLock()
	var id string
	for k := range tab.drsList {
		id = k
	}
	dms := tab.drsList[id].dms
	tab.mu.RUnlock()
	require.Equal(t, 1, dms.Len())

	require.NoError(t, tab.MinorCompact(id))

	tab.mu.RLock()
	de := tab.drsList[id]
	tab.mu.RUnlock()
	require.Equal(t, 0, de.dms.Len())
	require.Len(t, de.drs.RedoFiles(), 1)

	snap := tab.coord.Snapshot()
	rows, err := tab.Scan(snap, nil, nil, false)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "b", rows[0].Values[1])
}

func TestMajorCompactFoldsRedoIntoBase(t *testing.T) {
	tab := newTestTablet(t)
	ctx := context.Background()
	require.NoError(t, tab.SubmitWrite(ctx, insertOp(1, "a")))
	require.NoError(t, tab.Flush(ctx))

	update := Op{Type: OpUpdate, PKValues: []interface{}{int64(1)}, Changes: map[uint32]interface{}{2: "b"}}
	require.NoError(t, tab.SubmitWrite(ctx, update))

	tab.mu.RLock()
	var id string
	for k := range tab.drsList {
		id = k
	}
	tab.mu.RUnlock()
	require.NoError(t, tab.MinorCompact(id))

	frontier := tab.clock.Now()
	require.NoError(t, tab.MajorCompact(id, frontier))

	tab.mu.RLock()
	de := tab.drsList[id]
	tab.mu.RUnlock()
	require.Empty(t, de.drs.RedoFiles())
	require.Len(t, de.drs.UndoFiles(), 1)

	rows, err := de.drs.BaseRows()
	require.NoError(t, err)
	require.Equal(t, "b", rows[0][1])
}

func TestMajorCompactNoRedoFilesIsNoop(t *testing.T) {
	tab := newTestTablet(t)
	ctx := context.Background()
	require.NoError(t, tab.SubmitWrite(ctx, insertOp(1, "a")))
	require.NoError(t, tab.Flush(ctx))

	tab.mu.RLock()
	var id string
	for k := range tab.drsList {
		id = k
	}
	tab.mu.RUnlock()

	require.NoError(t, tab.MajorCompact(id, tab.clock.Now()))
}

func TestMergingCompactionCombinesRowsets(t *testing.T) {
	tab := newTestTablet(t)
	ctx := context.Background()

	require.NoError(t, tab.SubmitWrite(ctx, insertOp(1, "a")))
	require.NoError(t, tab.Flush(ctx))
	require.NoError(t, tab.SubmitWrite(ctx, insertOp(2, "b")))
	require.NoError(t, tab.Flush(ctx))

	tab.mu.RLock()
	require.Len(t, tab.drsList, 2)
	tab.mu.RUnlock()

	require.NoError(t, tab.MergingCompaction(1<<30))

	tab.mu.RLock()
	require.Len(t, tab.drsList, 1)
	tab.mu.RUnlock()

	snap := tab.coord.Snapshot()
	rows, err := tab.Scan(snap, nil, nil, false)
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestSplitKeyRangeWeightsByColumn(t *testing.T) {
	tab := newTestTablet(t)
	ctx := context.Background()

	for i := int64(0); i < 20; i++ {
		require.NoError(t, tab.SubmitWrite(ctx, insertOp(i, "v")))
	}
	require.NoError(t, tab.Flush(ctx))

	boundaries, err := tab.SplitKeyRange(nil, nil, 1, 2)
	require.NoError(t, err)
	require.NotEmpty(t, boundaries)

	_, err = tab.SplitKeyRange(nil, nil, 1, 99)
	require.Error(t, err)
}

func TestMergingCompactionRefusesPendingDeltas(t *testing.T) {
	tab := newTestTablet(t)
	ctx := context.Background()

	require.NoError(t, tab.SubmitWrite(ctx, insertOp(1, "a")))
	require.NoError(t, tab.Flush(ctx))
	require.NoError(t, tab.SubmitWrite(ctx, insertOp(2, "b")))
	require.NoError(t, tab.Flush(ctx))

	update := Op{Type: OpUpdate, PKValues: []interface{}{int64(1)}, Changes: map[uint32]interface{}{2: "z"}}
	require.NoError(t, tab.SubmitWrite(ctx, update))

	err := tab.MergingCompaction(1 << 30)
	require.Error(t, err)
}
