package mvcc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCommitOrderedAdvancesAllCommittedBefore(t *testing.T) {
	m := NewManager(NewClock(), nil)
	require.NoError(t, m.StartTransaction(1))
	require.NoError(t, m.StartTransaction(2))
	require.NoError(t, m.StartApplyingTransaction(1))
	m.CommitTransaction(1)

	snap := m.Snapshot()
	require.True(t, snap.IsCommitted(1))
	require.False(t, snap.IsCommitted(2))
	require.EqualValues(t, 2, snap.AllCommittedBefore)

	require.NoError(t, m.StartApplyingTransaction(2))
	m.CommitTransaction(2)
	snap = m.Snapshot()
	require.True(t, snap.IsCommitted(2))
	require.True(t, snap.IsClean())
}

func TestCommitOutOfOrderUsesExplicitSet(t *testing.T) {
	m := NewManager(NewClock(), nil)
	require.NoError(t, m.StartTransaction(1))
	require.NoError(t, m.StartTransaction(2))
	require.NoError(t, m.StartApplyingTransaction(2))
	m.CommitTransaction(2)

	snap := m.Snapshot()
	require.False(t, snap.IsClean())
	require.True(t, snap.IsCommitted(2))
	require.False(t, snap.IsCommitted(1))
	require.False(t, snap.IsCommitted(3)) // not yet started

	require.NoError(t, m.StartApplyingTransaction(1))
	m.CommitTransaction(1)
	snap = m.Snapshot()
	require.True(t, snap.IsClean())
	require.True(t, snap.IsCommitted(1))
	require.True(t, snap.IsCommitted(2))
}

func TestAbortDoesNotFoldIntoSnapshot(t *testing.T) {
	m := NewManager(NewClock(), nil)
	require.NoError(t, m.StartTransaction(1))
	m.AbortTransaction(1)
	require.False(t, m.Snapshot().IsCommitted(1))
}

func TestStartTransactionRejectsBelowSafeTime(t *testing.T) {
	m := NewManager(NewClock(), nil)
	m.AdjustSafeTime(5)
	require.Error(t, m.StartTransaction(3))
	require.NoError(t, m.StartTransaction(6))
}

func TestCleanTimeTracksEarliestInFlight(t *testing.T) {
	m := NewManager(NewClock(), nil)
	m.AdjustSafeTime(10)
	require.NoError(t, m.StartTransaction(11))
	m.AdjustSafeTime(12)
	require.Equal(t, Timestamp(11), m.CleanTime())

	require.NoError(t, m.StartApplyingTransaction(11))
	m.CommitTransaction(11)
	require.Equal(t, Timestamp(12), m.CleanTime())
}

func TestWaitForAllCommittedUnblocksOnCommit(t *testing.T) {
	m := NewManager(NewClock(), nil)
	require.NoError(t, m.StartTransaction(1))
	require.NoError(t, m.StartApplyingTransaction(1))

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- m.WaitForAllCommitted(ctx, 1)
	}()

	time.Sleep(10 * time.Millisecond)
	m.CommitTransaction(1)
	require.NoError(t, <-done)
}

func TestWaitTimesOut(t *testing.T) {
	m := NewManager(NewClock(), nil)
	require.NoError(t, m.StartTransaction(1))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.WaitForAllCommitted(ctx, 1)
	require.Error(t, err)
}

func TestCloseAbortsWaiters(t *testing.T) {
	m := NewManager(NewClock(), nil)
	require.NoError(t, m.StartTransaction(1))

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- m.WaitForAllCommitted(ctx, 1)
	}()
	time.Sleep(10 * time.Millisecond)
	m.Close()
	require.Error(t, <-done)

	require.Error(t, m.StartTransaction(2))
}

func TestDoubleCommitPanics(t *testing.T) {
	m := NewManager(NewClock(), nil)
	require.NoError(t, m.StartTransaction(1))
	require.NoError(t, m.StartApplyingTransaction(1))
	m.CommitTransaction(1)
	require.Panics(t, func() { m.CommitTransaction(1) })
}

func TestClockUpdateMonotonic(t *testing.T) {
	c := NewClock()
	first := c.Now()
	c.Update(first + 100)
	require.Greater(t, c.Now(), first+100)
}
