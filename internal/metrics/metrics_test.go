package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCountersSnapshot(t *testing.T) {
	c := New()
	c.FlushCount.Add(3)
	c.OpsApplied.Add(10)
	c.OpsFailed.Add(1)

	snap := c.Snapshot()
	require.EqualValues(t, 3, snap.FlushCount)
	require.EqualValues(t, 10, snap.OpsApplied)
	require.EqualValues(t, 1, snap.OpsFailed)
	require.Zero(t, snap.MajorCompactionCount)
}

func TestCountersConcurrentIncrement(t *testing.T) {
	c := New()
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				c.OpsApplied.Add(1)
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	require.EqualValues(t, 800, c.Snapshot().OpsApplied)
}
