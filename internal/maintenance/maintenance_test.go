package maintenance

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kasuganosora/tabletstore/internal/config"
	"github.com/kasuganosora/tabletstore/internal/metrics"
)

type fakeTablet struct {
	id      string
	counts  *metrics.Counters
	ran     atomic.Int64
	highRun atomic.Bool
}

func (f *fakeTablet) ID() string                  { return f.id }
func (f *fakeTablet) Counters() *metrics.Counters { return f.counts }

func (f *fakeTablet) MaintenanceCandidates() []Candidate {
	return []Candidate{
		{
			Kind:  OpFlush,
			Score: 1,
			Run: func(ctx context.Context) error {
				f.ran.Add(1)
				return nil
			},
		},
		{
			Kind:  OpMergingCompaction,
			Score: 100,
			Run: func(ctx context.Context) error {
				f.highRun.Store(true)
				return nil
			},
		},
	}
}

func TestRunOnePassRunsAllCandidates(t *testing.T) {
	m := New(&config.MaintenanceConfig{Workers: 2, PollInterval: time.Hour}, nil)
	ft := &fakeTablet{id: "t1", counts: metrics.New()}
	m.Register(ft)

	m.runOnePass(context.Background())

	require.Equal(t, int64(1), ft.ran.Load())
	require.True(t, ft.highRun.Load())
}

func TestUnregisterStopsSchedulingTablet(t *testing.T) {
	m := New(&config.MaintenanceConfig{Workers: 1, PollInterval: time.Hour}, nil)
	ft := &fakeTablet{id: "t1", counts: metrics.New()}
	m.Register(ft)
	m.Unregister("t1")

	m.runOnePass(context.Background())

	require.Equal(t, int64(0), ft.ran.Load())
}

func TestStartStopIdempotentAndDrains(t *testing.T) {
	m := New(&config.MaintenanceConfig{Workers: 1, PollInterval: time.Millisecond}, nil)
	ft := &fakeTablet{id: "t1", counts: metrics.New()}
	m.Register(ft)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx)
	m.Start(ctx) // second call is a no-op
	time.Sleep(20 * time.Millisecond)
	m.Stop()
	m.Stop() // second call is a no-op

	require.GreaterOrEqual(t, ft.ran.Load(), int64(1))
}
