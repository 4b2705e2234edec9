package tablet

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kasuganosora/tabletstore/internal/config"
	"github.com/kasuganosora/tabletstore/internal/maintenance"
	"github.com/kasuganosora/tabletstore/pkg/schema"
)

func testSchema() *schema.Schema {
	return &schema.Schema{
		NumPK: 1,
		Columns: []schema.Column{
			{ID: 1, Name: "id", Kind: schema.Int64},
			{ID: 2, Name: "value", Kind: schema.String, Nullable: true},
		},
	}
}

func newTestTablet(t *testing.T) *Tablet {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	tab, err := New("test-tablet", dir, testSchema(), cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, tab.Bootstrap(context.Background()))
	t.Cleanup(func() { _ = tab.Stop(context.Background()) })
	return tab
}

func insertOp(id int64, value string) Op {
	return Op{
		Type:     OpInsert,
		PKValues: []interface{}{id},
		Values:   []interface{}{id, value},
	}
}

func TestBootstrapReachesRunning(t *testing.T) {
	tab := newTestTablet(t)
	require.Equal(t, StateRunning, tab.State())
}

func TestSubmitWriteInsertAndScan(t *testing.T) {
	tab := newTestTablet(t)
	ctx := context.Background()

	for i := int64(0); i < 10; i++ {
		require.NoError(t, tab.SubmitWrite(ctx, insertOp(i, "v")))
	}

	snap := tab.coord.Snapshot()
	rows, err := tab.Scan(snap, nil, nil, false)
	require.NoError(t, err)
	require.Len(t, rows, 10)
}

func TestSubmitWriteDuplicateInsertFails(t *testing.T) {
	tab := newTestTablet(t)
	ctx := context.Background()
	require.NoError(t, tab.SubmitWrite(ctx, insertOp(1, "a")))
	err := tab.SubmitWrite(ctx, insertOp(1, "b"))
	require.Error(t, err)
}

func TestUpdateRoutesToMemRowSetBeforeFlush(t *testing.T) {
	tab := newTestTablet(t)
	ctx := context.Background()
	require.NoError(t, tab.SubmitWrite(ctx, insertOp(1, "a")))

	update := Op{Type: OpUpdate, PKValues: []interface{}{int64(1)}, Changes: map[uint32]interface{}{2: "b"}}
	require.NoError(t, tab.SubmitWrite(ctx, update))

	snap := tab.coord.Snapshot()
	rows, err := tab.Scan(snap, nil, nil, false)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "b", rows[0].Values[1])
}

func TestFlushThenUpdateRoutesToDeltaMemStore(t *testing.T) {
	tab := newTestTablet(t)
	ctx := context.Background()
	require.NoError(t, tab.SubmitWrite(ctx, insertOp(1, "a")))
	require.NoError(t, tab.Flush(ctx))

	update := Op{Type: OpUpdate, PKValues: []interface{}{int64(1)}, Changes: map[uint32]interface{}{2: "b"}}
	require.NoError(t, tab.SubmitWrite(ctx, update))

	snap := tab.coord.Snapshot()
	rows, err := tab.Scan(snap, nil, nil, false)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "b", rows[0].Values[1])
}

func TestFlushThenDeleteHidesRow(t *testing.T) {
	tab := newTestTablet(t)
	ctx := context.Background()
	require.NoError(t, tab.SubmitWrite(ctx, insertOp(1, "a")))
	require.NoError(t, tab.Flush(ctx))

	del := Op{Type: OpDelete, PKValues: []interface{}{int64(1)}}
	require.NoError(t, tab.SubmitWrite(ctx, del))

	snap := tab.coord.Snapshot()
	rows, err := tab.Scan(snap, nil, nil, false)
	require.NoError(t, err)
	require.Len(t, rows, 0)
}

func TestScanAtOlderSnapshotIgnoresLaterDRSUpdate(t *testing.T) {
	tab := newTestTablet(t)
	ctx := context.Background()
	require.NoError(t, tab.SubmitWrite(ctx, insertOp(1, "a")))
	require.NoError(t, tab.Flush(ctx))

	oldSnap := tab.coord.Snapshot()

	update := Op{Type: OpUpdate, PKValues: []interface{}{int64(1)}, Changes: map[uint32]interface{}{2: "b"}}
	require.NoError(t, tab.SubmitWrite(ctx, update))

	rows, err := tab.Scan(oldSnap, nil, nil, false)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "a", rows[0].Values[1])

	newSnap := tab.coord.Snapshot()
	rows, err = tab.Scan(newSnap, nil, nil, false)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "b", rows[0].Values[1])
}

func TestFlushProducesOnDiskRowSet(t *testing.T) {
	tab := newTestTablet(t)
	ctx := context.Background()
	for i := int64(0); i < 5; i++ {
		require.NoError(t, tab.SubmitWrite(ctx, insertOp(i, "v")))
	}
	require.NoError(t, tab.Flush(ctx))

	tab.mu.RLock()
	defer tab.mu.RUnlock()
	require.Len(t, tab.drsList, 1)
}

func TestUpdateOnUnknownKeyFails(t *testing.T) {
	tab := newTestTablet(t)
	ctx := context.Background()
	update := Op{Type: OpUpdate, PKValues: []interface{}{int64(99)}, Changes: map[uint32]interface{}{2: "x"}}
	require.Error(t, tab.SubmitWrite(ctx, update))
}

func TestLifecycleStopIsIdempotent(t *testing.T) {
	tab := newTestTablet(t)
	ctx := context.Background()
	require.NoError(t, tab.Stop(ctx))
	require.NoError(t, tab.Stop(ctx))
	require.Equal(t, StateShutdown, tab.State())
}

func TestSubmitWriteAfterStopFails(t *testing.T) {
	tab := newTestTablet(t)
	ctx := context.Background()
	require.NoError(t, tab.Stop(ctx))
	err := tab.SubmitWrite(ctx, insertOp(1, "a"))
	require.Error(t, err)
}

// TestBootstrapReplaysUncommittedFlushTail reproduces §8's crash
// scenario: 60 inserts (log indexes 1..120, a REPLICATE and a COMMIT
// each), a flush covering through index 120, 40 more committed inserts,
// then a simulated crash with no clean Stop. A
// fresh tablet bootstrapped against the same directory must recover
// all 100 rows: 0..59 from the flushed rowset, 60..99 replayed from
// the WAL.
func TestBootstrapReplaysUncommittedFlushTail(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	ctx := context.Background()

	tab, err := New("crash-tablet", dir, testSchema(), cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, tab.Bootstrap(ctx))

	for i := int64(0); i < 60; i++ {
		require.NoError(t, tab.SubmitWrite(ctx, insertOp(i, "v")))
	}
	require.NoError(t, tab.Flush(ctx))
	for i := int64(60); i < 100; i++ {
		require.NoError(t, tab.SubmitWrite(ctx, insertOp(i, "v")))
	}

	// Simulate a crash: drop the in-memory tablet without a clean Stop,
	// leaving the WAL and superblock as the only durable state.
	tab.walMu.Lock()
	_ = tab.curWriter.Close()
	tab.walMu.Unlock()
	if tab.dataLock != nil {
		_ = tab.dataLock.Unlock()
	}

	reopened, err := New("crash-tablet", dir, testSchema(), cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, reopened.Bootstrap(ctx))
	t.Cleanup(func() { _ = reopened.Stop(ctx) })

	snap := reopened.coord.Snapshot()
	rows, err := reopened.Scan(snap, nil, nil, false)
	require.NoError(t, err)
	require.Len(t, rows, 100)
}

func TestSegmentPathIsZeroPadded(t *testing.T) {
	tab := newTestTablet(t)
	require.Equal(t, filepath.Join(tab.walDir, "00000000000000000001.wal"), tab.segmentPath(1))
}

func TestGCWALRemovesSegmentsCoveredByFlush(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.WAL.SegmentSizeMB = config.ByteSize{datasize.ByteSize(1)} // force a roll on nearly every write
	tab, err := New("test-tablet", dir, testSchema(), cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, tab.Bootstrap(context.Background()))
	t.Cleanup(func() { _ = tab.Stop(context.Background()) })

	for i := int64(0); i < 20; i++ {
		require.NoError(t, tab.SubmitWrite(context.Background(), insertOp(i, "v")))
	}
	require.Greater(t, len(tab.segSeq.Snapshot()), 1)

	require.NoError(t, tab.Flush(context.Background()))

	n, err := tab.GCWAL()
	require.NoError(t, err)
	require.Greater(t, n, 0)

	remaining := tab.segSeq.Snapshot()
	for _, seg := range remaining {
		require.Greater(t, seg.MaxIndex, tab.flushedThrough.Load())
	}

	snap := tab.coord.Snapshot()
	rows, err := tab.Scan(snap, nil, nil, false)
	require.NoError(t, err)
	require.Len(t, rows, 20)
}

func TestMaintenanceCandidatesReflectLiveState(t *testing.T) {
	tab := newTestTablet(t)

	require.Empty(t, tab.MaintenanceCandidates())

	require.NoError(t, tab.SubmitWrite(context.Background(), insertOp(1, "a")))
	candidates := tab.MaintenanceCandidates()
	require.Len(t, candidates, 1)
	require.Equal(t, maintenance.OpFlush, candidates[0].Kind)

	require.NoError(t, tab.Flush(context.Background()))
	require.Empty(t, tab.MaintenanceCandidates())

	require.NoError(t, tab.SubmitWrite(context.Background(), Op{
		Type:     OpUpdate,
		PKValues: []interface{}{int64(1)},
		Changes:  map[uint32]interface{}{2: "b"},
	}))
	candidates = tab.MaintenanceCandidates()
	require.Len(t, candidates, 1)
	require.Equal(t, maintenance.OpMinorCompact, candidates[0].Kind)
	require.NoError(t, candidates[0].Run(context.Background()))

	candidates = tab.MaintenanceCandidates()
	require.Len(t, candidates, 1)
	require.Equal(t, maintenance.OpMajorCompact, candidates[0].Kind)
}
