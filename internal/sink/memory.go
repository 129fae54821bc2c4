package sink

import (
	"context"
	"sync"

	"github.com/tributary-ai/provider-ranking/internal/types"
)

// Memory is an in-process Backend, used by the demo and in tests
type Memory struct {
	mu        sync.RWMutex
	outcomes  []OutcomeEntry
	snapshots []*types.RankingSnapshot
	closed    bool
}

// NewMemory creates an empty in-memory backend
func NewMemory() *Memory {
	return &Memory{}
}

// Seed appends entries as though they had been written earlier
func (m *Memory) Seed(entries ...OutcomeEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, entries...)
}

func (m *Memory) WriteOutcomes(_ context.Context, entries []OutcomeEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, entries...)
	return nil
}

func (m *Memory) WriteSnapshot(_ context.Context, snap *types.RankingSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, snap)
	return nil
}

func (m *Memory) LoadHistory(_ context.Context, limit int) ([]OutcomeEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	start := 0
	if limit > 0 && len(m.outcomes) > limit {
		start = len(m.outcomes) - limit
	}
	out := make([]OutcomeEntry, len(m.outcomes)-start)
	copy(out, m.outcomes[start:])
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Outcomes returns a copy of everything written so far
func (m *Memory) Outcomes() []OutcomeEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]OutcomeEntry, len(m.outcomes))
	copy(out, m.outcomes)
	return out
}

// Snapshots returns the snapshots written so far
func (m *Memory) Snapshots() []*types.RankingSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.RankingSnapshot, len(m.snapshots))
	copy(out, m.snapshots)
	return out
}

// Closed reports whether Close was called
func (m *Memory) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
