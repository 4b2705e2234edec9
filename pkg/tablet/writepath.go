package tablet

import (
	"context"
	"time"

	"github.com/kasuganosora/tabletstore/internal/status"
	"github.com/kasuganosora/tabletstore/pkg/deltamemstore"
	"github.com/kasuganosora/tabletstore/pkg/logindex"
	"github.com/kasuganosora/tabletstore/pkg/memrowset"
	"github.com/kasuganosora/tabletstore/pkg/mvcc"
	"github.com/kasuganosora/tabletstore/pkg/schema"
	"github.com/kasuganosora/tabletstore/pkg/wal"
)

// SubmitWrite is the entry point the consensus layer (or, absent one,
// a local caller) uses to apply one row op, per §4.K's
// SubmitWrite(op) -> Status.
func (t *Tablet) SubmitWrite(ctx context.Context, op Op) error {
	if t.State() != StateRunning {
		return status.IllegalStatef("tablet %s is not running (state=%s)", t.id, t.State())
	}

	t.applyMu.Lock()
	defer t.applyMu.Unlock()

	ts := t.clock.Now()
	op.Timestamp = ts
	if err := t.coord.StartTransaction(ts); err != nil {
		return err
	}

	replicateIdx := t.allocLogIndex()
	if err := t.appendWAL(replicateIdx, walRecord{Kind: recordReplicate, Op: op}); err != nil {
		t.coord.AbortTransaction(ts)
		return err
	}

	if err := t.coord.StartApplyingTransaction(ts); err != nil {
		t.coord.AbortTransaction(ts)
		return err
	}

	if err := t.applyToMemory(op, replicateIdx); err != nil {
		// An APPLYING transaction can only be committed; nothing was
		// written at ts, so committing it makes nothing visible.
		t.coord.CommitTransaction(ts)
		t.Metrics.OpsFailed.Add(1)
		return err
	}

	commitIdx := t.allocLogIndex()
	if err := t.appendWAL(commitIdx, walRecord{Kind: recordCommit, CommitsIndex: replicateIdx}); err != nil {
		// The op is already applied in memory at this point; a WAL
		// append failure here is an I/O failure on the tablet's own
		// directory, which the surrounding process is expected to treat
		// as fatal to the tablet (see SPEC_FULL.md §7 propagation policy).
		t.coord.CommitTransaction(ts)
		t.fail(err)
		return err
	}

	t.coord.CommitTransaction(ts)
	t.Metrics.OpsApplied.Add(1)
	return nil
}

// StartFollowerTransaction applies an op that originated on another
// replica, using the timestamp already assigned by the op's
// originator rather than minting a new one.
func (t *Tablet) StartFollowerTransaction(ctx context.Context, op Op) error {
	if t.State() != StateRunning {
		return status.IllegalStatef("tablet %s is not running (state=%s)", t.id, t.State())
	}
	t.applyMu.Lock()
	defer t.applyMu.Unlock()

	t.clock.Update(op.Timestamp)
	if err := t.coord.StartTransaction(op.Timestamp); err != nil {
		return err
	}
	replicateIdx := t.allocLogIndex()
	if err := t.appendWAL(replicateIdx, walRecord{Kind: recordReplicate, Op: op}); err != nil {
		t.coord.AbortTransaction(op.Timestamp)
		return err
	}
	if err := t.coord.StartApplyingTransaction(op.Timestamp); err != nil {
		t.coord.AbortTransaction(op.Timestamp)
		return err
	}
	if err := t.applyToMemory(op, replicateIdx); err != nil {
		// APPLYING can only end in a commit; nothing was written.
		t.coord.CommitTransaction(op.Timestamp)
		return err
	}
	commitIdx := t.allocLogIndex()
	if err := t.appendWAL(commitIdx, walRecord{Kind: recordCommit, CommitsIndex: replicateIdx}); err != nil {
		t.coord.CommitTransaction(op.Timestamp)
		t.fail(err)
		return err
	}
	t.coord.CommitTransaction(op.Timestamp)
	return nil
}

// FinishConsensusOnlyRound applies a no-op round, used purely to
// advance safe time without any row mutation.
func (t *Tablet) FinishConsensusOnlyRound(ctx context.Context, ts mvcc.Timestamp) error {
	if t.State() != StateRunning {
		return status.IllegalStatef("tablet %s is not running (state=%s)", t.id, t.State())
	}
	t.clock.Update(ts)
	if err := t.coord.StartTransaction(ts); err != nil {
		return err
	}
	if err := t.coord.StartApplyingTransaction(ts); err != nil {
		t.coord.AbortTransaction(ts)
		return err
	}
	t.coord.CommitTransaction(ts)
	t.coord.AdjustSafeTime(ts)
	return nil
}

// Stop refuses new ops, waits for the currently-applying op (if any)
// to finish, and releases resources. Idempotent.
func (t *Tablet) Stop(ctx context.Context) error {
	t.stateMu.Lock()
	if t.state == StateStopped || t.state == StateShutdown {
		t.stateMu.Unlock()
		return nil
	}
	if err := t.transitionLocked(StateStopped); err != nil {
		t.stateMu.Unlock()
		return err
	}
	t.stateMu.Unlock()

	t.applyMu.Lock()
	defer t.applyMu.Unlock()

	t.coord.Close()

	t.walMu.Lock()
	if t.curWriter != nil {
		_ = t.curWriter.Close()
	}
	t.walMu.Unlock()

	if t.dataLock != nil {
		_ = t.dataLock.Unlock()
	}

	return t.setState(StateShutdown)
}

// allocLogIndex hands out the next monotonically increasing WAL log
// index; both a REPLICATE and its later COMMIT each consume one.
func (t *Tablet) allocLogIndex() uint64 {
	return t.nextLogIndex.Add(1)
}

// appendWAL writes one framed record to the tablet's currently open
// segment, rolling to a new segment if it has grown past the
// configured size.
func (t *Tablet) appendWAL(index uint64, rec walRecord) error {
	t.walMu.Lock()
	defer t.walMu.Unlock()

	payload := encodeRecord(rec)
	if err := t.curWriter.WriteBatch(index, payload); err != nil {
		return err
	}
	t.Metrics.WALBytesWritten.Add(int64(len(payload)))

	if !t.curHaveIdx {
		t.curMinIdx = index
		t.curHaveIdx = true
	}
	t.curMaxIdx = index

	limit := int64(t.cfg.WAL.SegmentSizeMB.Bytes())
	if limit > 0 && t.curWriter.Offset() >= limit {
		return t.rollSegmentLocked()
	}
	return nil
}

// rollSegmentLocked closes the current segment and opens the next one.
// Callers must hold t.walMu.
func (t *Tablet) rollSegmentLocked() error {
	finishedSeq := t.curSeq
	if err := t.curWriter.Close(); err != nil {
		return err
	}
	t.segSeq.Append(logindex.SegmentInfo{
		Seq:      finishedSeq,
		Path:     t.segmentPath(finishedSeq),
		MinIndex: t.curMinIdx,
		MaxIndex: t.curMaxIdx,
	})
	t.Metrics.WALSegmentsRolled.Add(1)

	nextSeq := finishedSeq + 1
	w, err := wal.CreateSegment(t.segmentPath(nextSeq), nextSeq, t.walCodec, t.log, time.Now().Unix())
	if err != nil {
		return err
	}
	t.curWriter = w
	t.curSeq = nextSeq
	t.curHaveIdx = false
	return nil
}

// applyToMemory routes op to the in-memory structure that owns its
// primary key, per §4.I's apply algorithm.
func (t *Tablet) applyToMemory(op Op, logIndex uint64) error {
	switch op.Type {
	case OpInsert:
		return t.mrs.Load().Insert(op.Timestamp, op.Values)

	case OpUpdate, OpDelete:
		key, err := schema.EncodePK(t.schema, op.PKValues)
		if err != nil {
			return err
		}
		kind := memrowset.MutationUpdate
		if op.Type == OpDelete {
			kind = memrowset.MutationDelete
		}
		err = t.mrs.Load().Mutate(op.Timestamp, key, kind, op.Changes)
		if err == nil {
			return nil
		}
		if !status.Is(err, status.NotFound) {
			return err
		}

		de, rowIdx, found := t.locateDRS(key)
		if !found {
			return status.NotFoundf("no row for given primary key")
		}
		dmsKind := deltamemstore.ChangeUpdate
		if op.Type == OpDelete {
			dmsKind = deltamemstore.ChangeDelete
		}
		de.dms.Update(op.Timestamp, rowIdx, dmsKind, op.Changes, logIndex)
		return nil

	default:
		return status.InvalidArgumentf("unknown op type %v", op.Type)
	}
}

// locateDRS finds the single on-disk RowSet containing key (primary
// keys are unique across the whole tablet, so at most one matches),
// probing candidate rowsets from the tree (bounds-filtered) and then
// each candidate's bloom filter + PK index.
func (t *Tablet) locateDRS(key []byte) (*drsEntry, uint32, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.tree.PointQuery(key) {
		if !e.HasBounds {
			continue
		}
		de, ok := t.drsList[e.ID]
		if !ok {
			continue
		}
		if rowIdx, ok := de.drs.Lookup(key); ok {
			return de, rowIdx, true
		}
	}
	return nil, 0, false
}
