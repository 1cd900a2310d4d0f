package db

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/amirphl/guarded-trader/internal/journal"
	"github.com/amirphl/guarded-trader/internal/position"
)

// MemoryStorage keeps everything in process memory. Used by tests and dry runs.
type MemoryStorage struct {
	mu sync.RWMutex
	// txMu serializes Atomic blocks so a snapshot can be restored on failure
	txMu sync.Mutex

	state           *position.State
	reconciliations []journal.Reconciliation
	trades          []position.TradeRecord
	events          []journal.Event
	jobs            map[string]journal.JobRun

	// FailSaveState makes SaveState fail, to simulate a storage outage.
	FailSaveState error
	// FailLoadState makes LoadState fail the same way.
	FailLoadState error
}

type memTxKey struct{}

func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		reconciliations: make([]journal.Reconciliation, 0, 64),
		trades:          make([]position.TradeRecord, 0, 64),
		events:          make([]journal.Event, 0, 1024),
		jobs:            make(map[string]journal.JobRun),
	}
}

func (m *MemoryStorage) Close() error { return nil }

type memSnapshot struct {
	state           *position.State
	reconciliations int
	trades          int
	events          int
	jobs            map[string]journal.JobRun
}

// Atomic restores the previous contents when fn fails.
func (m *MemoryStorage) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.RLock()
	snap := memSnapshot{
		state:           cloneState(m.state),
		reconciliations: len(m.reconciliations),
		trades:          len(m.trades),
		events:          len(m.events),
		jobs:            make(map[string]journal.JobRun, len(m.jobs)),
	}
	for k, v := range m.jobs {
		snap.jobs[k] = v
	}
	m.mu.RUnlock()

	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		m.mu.Lock()
		m.state = snap.state
		m.reconciliations = m.reconciliations[:snap.reconciliations]
		m.trades = m.trades[:snap.trades]
		m.events = m.events[:snap.events]
		m.jobs = snap.jobs
		m.mu.Unlock()
		return err
	}
	return nil
}

func cloneState(s *position.State) *position.State {
	if s == nil {
		return nil
	}
	c := *s
	if s.Intent != nil {
		in := *s.Intent
		c.Intent = &in
	}
	return &c
}

// -------- position state --------

func (m *MemoryStorage) SaveState(ctx context.Context, s position.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSaveState != nil {
		return fmt.Errorf("failed to save position state: %w", m.FailSaveState)
	}
	s.UpdatedAt = s.UpdatedAt.UTC()
	m.state = cloneState(&s)
	return nil
}

func (m *MemoryStorage) LoadState(ctx context.Context) (*position.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.FailLoadState != nil {
		return nil, fmt.Errorf("failed to load position state: %w", m.FailLoadState)
	}
	return cloneState(m.state), nil
}

// -------- reconciliations --------

func (m *MemoryStorage) AppendReconciliation(ctx context.Context, r journal.Reconciliation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = int64(len(m.reconciliations) + 1)
	r.Time = r.Time.UTC()
	m.reconciliations = append(m.reconciliations, r)
	return nil
}

func (m *MemoryStorage) ListReconciliations(ctx context.Context, limit int) ([]journal.Reconciliation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	out := make([]journal.Reconciliation, 0, limit)
	for i := len(m.reconciliations) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.reconciliations[i])
	}
	return out, nil
}

// -------- trades --------

func (m *MemoryStorage) AppendTrade(ctx context.Context, t position.TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.trades {
		if existing.BrokerOrderID == t.BrokerOrderID {
			return fmt.Errorf("%w %s", ErrDuplicateTrade, t.BrokerOrderID)
		}
	}
	t.ID = int64(len(m.trades) + 1)
	m.trades = append(m.trades, t)
	return nil
}

func (m *MemoryStorage) ListTrades(ctx context.Context, since time.Time) ([]position.TradeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []position.TradeRecord
	for _, t := range m.trades {
		if !t.ExitTime.Before(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MemoryStorage) HasTradeForSignal(ctx context.Context, signalID string, since time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.trades {
		if t.SignalID == signalID && !t.EntryTime.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

// -------- events --------

func (m *MemoryStorage) LogEvent(ctx context.Context, event journal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.ID = int64(len(m.events) + 1)
	event.Time = event.Time.UTC()
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryStorage) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []journal.Event
	for _, e := range m.events {
		if e.Type != eventType {
			continue
		}
		if e.Time.Before(start) || e.Time.After(end) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// -------- jobs --------

func (m *MemoryStorage) SaveJobRun(ctx context.Context, j journal.JobRun) error {
	if j.Name == "" {
		return errors.New("job run without name")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.Name] = j
	return nil
}

func (m *MemoryStorage) ListJobRuns(ctx context.Context) ([]journal.JobRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]journal.JobRun, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out, nil
}

var _ Storage = (*MemoryStorage)(nil)
