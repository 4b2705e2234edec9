package tablet

import (
	"context"

	"github.com/kasuganosora/tabletstore/internal/maintenance"
	"github.com/kasuganosora/tabletstore/internal/metrics"
	"github.com/kasuganosora/tabletstore/pkg/mvcc"
)

// ID implements maintenance.Tablet.
func (t *Tablet) ID() string { return t.id }

// Counters implements maintenance.Tablet.
func (t *Tablet) Counters() *metrics.Counters { return t.Metrics }

// SafeTime exposes the MVCC coordinator's safe-read timestamp, the
// natural frontier for major delta compaction: folding REDO entries up
// to SafeTime never hides an update from a reader whose snapshot is
// still legal to serve.
func (t *Tablet) SafeTime() mvcc.Timestamp { return t.coord.SafeTime() }

// MaintenanceCandidates implements maintenance.Tablet, surfacing one
// candidate per rowset that currently has compactable state plus, when
// the live MemRowSet is non-empty, one flush candidate. Scores are
// simple monotonic proxies (row/entry counts, not measured bytes) in
// the same spirit as pkg/rowsettree's width-distance scoring: good
// enough to rank work, not a precise cost model.
func (t *Tablet) MaintenanceCandidates() []maintenance.Candidate {
	var out []maintenance.Candidate

	if n := t.mrs.Load().Len(); n > 0 {
		out = append(out, maintenance.Candidate{
			Kind:  maintenance.OpFlush,
			Score: float64(n),
			Run:   func(ctx context.Context) error { return t.Flush(ctx) },
		})
	}

	t.mu.RLock()
	for id, de := range t.drsList {
		id := id
		if n := de.dms.Len(); n > 0 {
			out = append(out, maintenance.Candidate{
				Kind:     maintenance.OpMinorCompact,
				RowsetID: id,
				Score:    float64(n),
				Run:      func(ctx context.Context) error { return t.MinorCompact(id) },
			})
		}
		if redos := len(de.drs.RedoFiles()); redos > 0 {
			out = append(out, maintenance.Candidate{
				Kind:     maintenance.OpMajorCompact,
				RowsetID: id,
				Score:    float64(redos) * 10,
				Run:      func(ctx context.Context) error { return t.MajorCompact(id, t.SafeTime()) },
			})
		}
	}
	boundedCount := 0
	for _, e := range t.tree.All() {
		if e.HasBounds {
			boundedCount++
		}
	}
	t.mu.RUnlock()

	if boundedCount >= 2 {
		budget := int64(t.cfg.Tablet.CompactionByteBudget.Bytes())
		out = append(out, maintenance.Candidate{
			Kind:  maintenance.OpMergingCompaction,
			Score: float64(boundedCount),
			Run:   func(ctx context.Context) error { return t.MergingCompaction(budget) },
		})
	}

	if n := t.trimmableSegmentCount(); n > 0 {
		out = append(out, maintenance.Candidate{
			Kind:  maintenance.OpWALGC,
			Score: float64(n),
			Run:   func(ctx context.Context) error { _, err := t.GCWAL(); return err },
		})
	}

	return out
}
