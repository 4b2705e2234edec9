// Package maintenance implements the background scheduler that drives
// flush, minor/major/merging compaction, and WAL garbage collection
// across a set of tablets, per SPEC_FULL.md §12.
//
// The ticker-plus-stop-channel shape is grounded on the reference
// engine's mysql/mvcc.Manager.gcLoop: a single goroutine woken by a
// time.Ticker, selecting against a close-only stop channel. That
// engine's GC loop runs one fixed task against one manager; this
// package generalizes it to a scored pass over many tablets' many
// candidate operations, dispatched onto a small fixed worker pool
// (Config.Workers) so a slow compaction on one tablet doesn't stall
// flush decisions on another.
package maintenance

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kasuganosora/tabletstore/internal/config"
	"github.com/kasuganosora/tabletstore/internal/metrics"
)

// OpKind identifies the kind of maintenance operation a candidate
// represents.
type OpKind int

const (
	OpFlush OpKind = iota
	OpMinorCompact
	OpMajorCompact
	OpMergingCompaction
	OpWALGC
)

func (k OpKind) String() string {
	switch k {
	case OpFlush:
		return "flush"
	case OpMinorCompact:
		return "minor_compact"
	case OpMajorCompact:
		return "major_compact"
	case OpMergingCompaction:
		return "merging_compaction"
	case OpWALGC:
		return "wal_gc"
	default:
		return "unknown"
	}
}

// Tablet is the subset of pkg/tablet.Tablet's surface the maintenance
// manager needs, kept narrow so this package doesn't import pkg/tablet
// (avoiding an import cycle risk and keeping the scheduler testable
// against fakes).
type Tablet interface {
	ID() string
	Counters() *metrics.Counters
	MaintenanceCandidates() []Candidate
}

// Candidate is one unit of work a tablet's state makes eligible for
// maintenance, along with a perf/byte score the scheduler uses to rank
// it against every other tablet's candidates.
type Candidate struct {
	Kind     OpKind
	RowsetID string   // empty for OpFlush and OpMergingCompaction
	Score    float64  // higher runs first
	ByteSize int64    // informational; the scheduler does not read it
	Run      func(ctx context.Context) error
}

// Manager runs a fixed pool of workers that repeatedly poll every
// registered tablet for maintenance candidates, rank them, and run them
// all, highest-scoring first, at most the pool's size at a time.
type Manager struct {
	cfg *config.MaintenanceConfig
	log *zap.Logger

	mu      sync.Mutex
	tablets map[string]Tablet

	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New constructs a Manager. Call Start to begin polling.
func New(cfg *config.MaintenanceConfig, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		cfg:     cfg,
		log:     log,
		tablets: make(map[string]Tablet),
		stop:    make(chan struct{}),
	}
}

// Register adds a tablet to the maintenance rotation.
func (m *Manager) Register(t Tablet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tablets[t.ID()] = t
}

// Unregister removes a tablet, e.g. once it has been stopped.
func (m *Manager) Unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tablets, id)
}

// Start launches the polling loop and its worker pool. Safe to call
// once; a second call is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.pollLoop(ctx)
}

// Stop halts the polling loop and waits for in-flight work to drain.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()

	close(m.stop)
	m.wg.Wait()
}

func (m *Manager) pollLoop(ctx context.Context) {
	defer m.wg.Done()
	interval := m.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runOnePass(ctx)
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// runOnePass collects every registered tablet's current candidates,
// ranks them globally by score, and dispatches every one of them onto
// the worker pool in that order, capped at Config.Workers concurrent
// operations.
func (m *Manager) runOnePass(ctx context.Context) {
	m.mu.Lock()
	tablets := make([]Tablet, 0, len(m.tablets))
	for _, t := range m.tablets {
		tablets = append(tablets, t)
	}
	m.mu.Unlock()

	var all []Candidate
	for _, t := range tablets {
		all = append(all, t.MaintenanceCandidates()...)
	}
	if len(all) == 0 {
		return
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Score > all[j].Score })

	workers := m.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	if workers > len(all) {
		workers = len(all)
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for _, c := range all {
		c := c
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := c.Run(ctx); err != nil {
				m.log.Warn("maintenance op failed",
					zap.String("kind", c.Kind.String()),
					zap.String("rowset", c.RowsetID),
					zap.Error(err))
			}
		}()
	}
	wg.Wait()
}
