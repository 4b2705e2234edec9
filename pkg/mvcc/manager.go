package mvcc

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/kasuganosora/tabletstore/internal/status"
)

// Manager is the per-tablet MVCC coordinator. It tracks in-flight
// timestamps, the current commit snapshot, safe_time and clean_time,
// and serves waiters blocked on commit progress.
//
// Like the reference engine's Manager, a single RWMutex guards all
// mutable state and a background-friendly Close() tears down waiters;
// unlike it, there is no GC goroutine here — snapshot retirement is
// driven by tablet-level clean_time advancement (§4.H), not a ticker.
type Manager struct {
	clock *Clock
	log   *zap.Logger

	mu                sync.RWMutex
	inFlight          map[Timestamp]state
	earliestInFlight  Timestamp // 0 means "none in flight"
	safeTime          Timestamp
	snap              Snapshot
	waiters           []*waiter
	closed            bool
}

// NewManager constructs a Manager with an empty snapshot and no
// in-flight transactions.
func NewManager(clock *Clock, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		clock:    clock,
		log:      log,
		inFlight: make(map[Timestamp]state),
		snap:     emptySnapshot(),
	}
}

// StartTransaction reserves t as in flight. t must be greater than the
// current safe_time and must not already be tracked.
func (m *Manager) StartTransaction(t Timestamp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return status.Abortedf("mvcc manager closed")
	}
	if t <= m.safeTime {
		return status.InvalidArgumentf("timestamp %s not after safe_time %s", t, m.safeTime)
	}
	if _, ok := m.inFlight[t]; ok {
		return status.InvalidArgumentf("timestamp %s already tracked", t)
	}
	m.inFlight[t] = reserved
	if m.earliestInFlight == 0 || t < m.earliestInFlight {
		m.earliestInFlight = t
	}
	return nil
}

// StartApplyingTransaction transitions t from RESERVED to APPLYING.
// After this call the only valid terminal transition for t is Commit.
func (m *Manager) StartApplyingTransaction(t Timestamp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.inFlight[t]
	status.Invariant(ok, "StartApplyingTransaction on untracked timestamp %s", t)
	status.Invariant(st == reserved, "StartApplyingTransaction on timestamp %s in state %s", t, st)
	m.inFlight[t] = applying
	return nil
}

// CommitTransaction folds t into the current snapshot and removes it
// from the in-flight set. t must be APPLYING.
func (m *Manager) CommitTransaction(t Timestamp) {
	m.mu.Lock()
	st, ok := m.inFlight[t]
	status.Invariant(ok, "CommitTransaction on untracked timestamp %s", t)
	status.Invariant(st == applying, "CommitTransaction on timestamp %s in state %s", t, st)

	delete(m.inFlight, t)
	m.recomputeEarliestLocked()
	m.snap = m.snap.fold(t)
	// The clean prefix can never legitimately run past a transaction
	// that is still in flight; earliestInFlight is recomputed above,
	// before the fold, so this checks fold's result against the truth
	// rather than against its own stale bookkeeping.
	status.Invariant(m.earliestInFlight == 0 || m.snap.AllCommittedBefore <= m.earliestInFlight,
		"all_committed_before %s advanced past earliest in-flight %s", m.snap.AllCommittedBefore, m.earliestInFlight)
	m.clock.Update(t)
	m.mu.Unlock()

	m.wakeWaiters()
}

// AbortTransaction removes t from the in-flight set without folding it
// into the snapshot. t must be RESERVED.
func (m *Manager) AbortTransaction(t Timestamp) {
	m.mu.Lock()
	st, ok := m.inFlight[t]
	status.Invariant(ok, "AbortTransaction on untracked timestamp %s", t)
	status.Invariant(st == reserved, "AbortTransaction on timestamp %s in state %s", t, st)

	delete(m.inFlight, t)
	m.recomputeEarliestLocked()
	m.mu.Unlock()

	m.wakeWaiters()
}

// recomputeEarliestLocked must be called with mu held.
func (m *Manager) recomputeEarliestLocked() {
	if len(m.inFlight) == 0 {
		m.earliestInFlight = 0
		return
	}
	var min Timestamp
	for t := range m.inFlight {
		if min == 0 || t < min {
			min = t
		}
	}
	m.earliestInFlight = min
}

// AdjustSafeTime moves safe_time forward monotonically. It is a no-op
// if t does not advance the current value.
func (m *Manager) AdjustSafeTime(t Timestamp) {
	m.mu.Lock()
	if t > m.safeTime {
		m.safeTime = t
	}
	m.mu.Unlock()
}

// SafeTime returns the current safe_time.
func (m *Manager) SafeTime() Timestamp {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.safeTime
}

// CleanTime returns min(safe_time, earliest_in_flight); when nothing is
// in flight it equals safe_time.
func (m *Manager) CleanTime() Timestamp {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cleanTimeLocked()
}

func (m *Manager) cleanTimeLocked() Timestamp {
	if m.earliestInFlight == 0 {
		return m.safeTime
	}
	if m.earliestInFlight < m.safeTime {
		return m.earliestInFlight
	}
	return m.safeTime
}

// Snapshot returns a copy of the current commit snapshot.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// waitMode selects what a waiter is blocked on.
type waitMode int

const (
	waitAllCommitted waitMode = iota // every ts <= target is committed or aborted
	waitNoneApplying                 // no in-flight txn has ts <= target and state APPLYING
)

type waiter struct {
	mode   waitMode
	target Timestamp
	done   chan struct{}
	err    error
	once   sync.Once
}

func (w *waiter) signal(err error) {
	w.once.Do(func() {
		w.err = err
		close(w.done)
	})
}

// WaitForAllCommitted blocks until every timestamp <= target has left
// the in-flight set (committed or aborted), or ctx is done, or Close is
// called.
func (m *Manager) WaitForAllCommitted(ctx context.Context, target Timestamp) error {
	return m.wait(ctx, waitAllCommitted, target)
}

// WaitForNoneApplying blocks until no in-flight timestamp <= target is
// in the APPLYING state (it may still be RESERVED, which cannot commit
// ahead of a not-yet-reserved writer).
func (m *Manager) WaitForNoneApplying(ctx context.Context, target Timestamp) error {
	return m.wait(ctx, waitNoneApplying, target)
}

func (m *Manager) wait(ctx context.Context, mode waitMode, target Timestamp) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return status.Abortedf("mvcc manager closed")
	}
	if m.satisfiedLocked(mode, target) {
		m.mu.Unlock()
		return nil
	}
	w := &waiter{mode: mode, target: target, done: make(chan struct{})}
	m.waiters = append(m.waiters, w)
	m.mu.Unlock()

	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		m.removeWaiter(w)
		return status.TimedOutf("waiting for %v at %s: %v", mode, target, ctx.Err())
	}
}

func (m *Manager) satisfiedLocked(mode waitMode, target Timestamp) bool {
	switch mode {
	case waitAllCommitted:
		for t := range m.inFlight {
			if t <= target {
				return false
			}
		}
		return true
	case waitNoneApplying:
		for t, st := range m.inFlight {
			if t <= target && st == applying {
				return false
			}
		}
		return true
	}
	return true
}

func (m *Manager) removeWaiter(target *waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.waiters[:0]
	for _, w := range m.waiters {
		if w != target {
			out = append(out, w)
		}
	}
	m.waiters = out
}

// wakeWaiters re-evaluates every pending waiter and signals those whose
// condition now holds. Called after any state transition.
func (m *Manager) wakeWaiters() {
	m.mu.Lock()
	if len(m.waiters) == 0 {
		m.mu.Unlock()
		return
	}
	var remaining []*waiter
	var ready []*waiter
	for _, w := range m.waiters {
		if m.satisfiedLocked(w.mode, w.target) {
			ready = append(ready, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	m.waiters = remaining
	m.mu.Unlock()

	for _, w := range ready {
		w.signal(nil)
	}
}

// Close aborts every pending waiter with an Aborted status and rejects
// all future StartTransaction calls. It is idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	pending := m.waiters
	m.waiters = nil
	m.mu.Unlock()

	m.log.Info("mvcc manager closed", zap.Int("aborted_waiters", len(pending)))
	for _, w := range pending {
		w.signal(status.Abortedf("mvcc manager closed"))
	}
}

func (wm waitMode) String() string {
	if wm == waitAllCommitted {
		return "ALL_COMMITTED"
	}
	return "NONE_APPLYING"
}
