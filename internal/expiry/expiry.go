// Package expiry evicts accounts whose lifetime has elapsed.
package expiry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"phantomid/internal/clock"
	"phantomid/internal/logging"
	"phantomid/internal/tree"
)

const DefaultInterval = time.Minute

type Options struct {
	Interval time.Duration
	Clock    clock.Clock
	Logger   pslog.Logger
	// OnSweep, when set, receives the number of accounts evicted by every
	// sweep pass, including empty ones.
	OnSweep func(evicted int)
}

type Stats struct {
	Sweeps    uint64
	Evicted   uint64
	LastSweep time.Time
}

type Manager struct {
	tree     *tree.Tree
	interval time.Duration
	clock    clock.Clock
	logger   pslog.Logger
	onSweep  func(int)

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool

	sweeps  atomic.Uint64
	evicted atomic.Uint64
	last    atomic.Int64
}

func New(t *tree.Tree, opts Options) *Manager {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Manager{
		tree:     t,
		interval: interval,
		clock:    clock.OrReal(opts.Clock),
		logger:   logging.WithSubsystem(opts.Logger, "expiry"),
		onSweep:  opts.OnSweep,
	}
}

// Start launches the periodic sweep. Calling Start on a running or stopped
// manager does nothing.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil || m.stopped {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(ctx, m.done)
	m.logger.Debug("expiry.start", "interval", m.interval.String())
}

// Stop cancels the sweep and waits for the loop to exit. Once Stop returns
// no further sweep runs.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.stopped = true
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Debug("expiry.stop")
}

func (m *Manager) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(m.interval):
		}
		if ctx.Err() != nil {
			return
		}
		m.Sweep()
	}
}

// Sweep evicts every account whose deadline is at or before now, with its
// subtree, and returns how many accounts were removed. An account deleted
// concurrently is skipped.
func (m *Manager) Sweep() int {
	now := m.clock.Now()
	removed := 0
	for _, id := range m.tree.Expired(now) {
		removed += m.tree.Remove(id)
	}
	m.sweeps.Add(1)
	m.evicted.Add(uint64(removed))
	m.last.Store(now.UnixNano())
	if removed > 0 {
		m.logger.Info("expiry.sweep.evicted", "count", removed)
	}
	if m.onSweep != nil {
		m.onSweep(removed)
	}
	return removed
}

// Touch extends a live account's deadline by extension.
func (m *Manager) Touch(id string, extension time.Duration) bool {
	_, ok := m.tree.Extend(id, extension)
	return ok
}

func (m *Manager) Interval() time.Duration { return m.interval }

func (m *Manager) Stats() Stats {
	st := Stats{Sweeps: m.sweeps.Load(), Evicted: m.evicted.Load()}
	if ns := m.last.Load(); ns != 0 {
		st.LastSweep = time.Unix(0, ns).UTC()
	}
	return st
}
