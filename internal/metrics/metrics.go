// Package metrics holds process-local counters for the tablet engine.
// There is no exposition format here (wiring to an exporter is out of
// scope); these exist so tests can assert on observable behavior (the
// maintenance manager's candidate scores do not read them), matching the
// reference engine's own Stats struct on BadgerDataSource (an
// in-process counters block read under a mutex, no Prometheus/OpenMetrics
// surface).
package metrics

import "sync/atomic"

// Counters is a flat set of process-local counters for one tablet
// engine instance. All fields are safe for concurrent use.
type Counters struct {
	FlushCount        atomic.Int64
	FlushDurationNanos atomic.Int64

	MinorCompactionCount        atomic.Int64
	MinorCompactionDurationNanos atomic.Int64

	MajorCompactionCount        atomic.Int64
	MajorCompactionDurationNanos atomic.Int64

	MergingCompactionCount        atomic.Int64
	MergingCompactionDurationNanos atomic.Int64

	WALBytesWritten atomic.Int64
	WALSegmentsRolled atomic.Int64

	HolePunchBytesReclaimed atomic.Int64

	InFlightTransactions atomic.Int64

	OpsApplied atomic.Int64
	OpsFailed  atomic.Int64
}

// New returns a zeroed Counters block.
func New() *Counters { return &Counters{} }

// Snapshot is a point-in-time copy of every counter, for tests.
type Snapshot struct {
	FlushCount                    int64
	FlushDurationNanos            int64
	MinorCompactionCount           int64
	MinorCompactionDurationNanos   int64
	MajorCompactionCount           int64
	MajorCompactionDurationNanos   int64
	MergingCompactionCount         int64
	MergingCompactionDurationNanos int64
	WALBytesWritten                int64
	WALSegmentsRolled              int64
	HolePunchBytesReclaimed        int64
	InFlightTransactions           int64
	OpsApplied                     int64
	OpsFailed                      int64
}

// Snapshot reads every counter without synchronizing them against each
// other (each individual read is atomic; the set as a whole is not a
// consistent point-in-time view under concurrent writers, which is
// fine for monitoring/scoring purposes).
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		FlushCount:                     c.FlushCount.Load(),
		FlushDurationNanos:             c.FlushDurationNanos.Load(),
		MinorCompactionCount:           c.MinorCompactionCount.Load(),
		MinorCompactionDurationNanos:   c.MinorCompactionDurationNanos.Load(),
		MajorCompactionCount:           c.MajorCompactionCount.Load(),
		MajorCompactionDurationNanos:   c.MajorCompactionDurationNanos.Load(),
		MergingCompactionCount:         c.MergingCompactionCount.Load(),
		MergingCompactionDurationNanos: c.MergingCompactionDurationNanos.Load(),
		WALBytesWritten:                c.WALBytesWritten.Load(),
		WALSegmentsRolled:              c.WALSegmentsRolled.Load(),
		HolePunchBytesReclaimed:        c.HolePunchBytesReclaimed.Load(),
		InFlightTransactions:           c.InFlightTransactions.Load(),
		OpsApplied:                     c.OpsApplied.Load(),
		OpsFailed:                      c.OpsFailed.Load(),
	}
}
