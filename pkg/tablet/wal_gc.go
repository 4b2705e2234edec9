package tablet

import (
	"os"

	"go.uber.org/zap"

	"github.com/kasuganosora/tabletstore/pkg/logindex"
)

// GCWAL deletes every closed WAL segment whose highest log index is
// already covered by the most recent flush marker, per §12's WAL
// retention rule: a segment is only needed for replay if it might
// contain a committed op that isn't yet durable in an on-disk RowSet.
// The currently open segment is never a candidate, since segSeq only
// ever holds segments rollSegmentLocked has already closed.
func (t *Tablet) GCWAL() (int, error) {
	watermark := t.flushedThrough.Load()

	t.walMu.Lock()
	cutoff, ok := trimCutoffSeq(t.segSeq.Snapshot(), watermark)
	var trimmed []logSegment
	if ok {
		for _, seg := range t.segSeq.TrimUpToAndIncluding(cutoff) {
			trimmed = append(trimmed, logSegment{seq: seg.Seq, path: seg.Path})
		}
	}
	t.walMu.Unlock()

	for _, seg := range trimmed {
		if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
			return 0, err
		}
		t.log.Info("removed wal segment", zap.Uint64("seq", seg.seq), zap.String("path", seg.path))
	}
	return len(trimmed), nil
}

type logSegment struct {
	seq  uint64
	path string
}

// trimCutoffSeq scans segments oldest-first (Snapshot is Seq-ascending)
// and returns the highest Seq whose MaxIndex is fully covered by
// watermark, stopping at the first segment that isn't: segments roll in
// log-index order, so once one isn't covered neither is any later one.
func trimCutoffSeq(segs []logindex.SegmentInfo, watermark uint64) (uint64, bool) {
	var cutoff uint64
	found := false
	for _, seg := range segs {
		if seg.MaxIndex > watermark {
			break
		}
		cutoff = seg.Seq
		found = true
	}
	return cutoff, found
}

// trimmableSegmentCount reports how many closed segments are fully
// covered by the tablet's current flush watermark, for maintenance
// scoring without mutating anything.
func (t *Tablet) trimmableSegmentCount() int {
	watermark := t.flushedThrough.Load()
	t.walMu.Lock()
	defer t.walMu.Unlock()
	n := 0
	for _, seg := range t.segSeq.Snapshot() {
		if seg.MaxIndex > watermark {
			break
		}
		n++
	}
	return n
}
