package groups

import (
	"context"
	"sync"
)

// Memory is a process-local registry with the same contract as Etcd.
type Memory struct {
	mu      sync.Mutex
	holders map[string]string
}

func NewMemory() *Memory {
	return &Memory{holders: map[string]string{}}
}

func (m *Memory) Claim(_ context.Context, group, runID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.holders[group]; ok && cur != runID {
		return cur, false, nil
	}
	m.holders[group] = runID
	return runID, true, nil
}

func (m *Memory) Release(_ context.Context, group, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holders[group] == runID {
		delete(m.holders, group)
	}
	return nil
}

func (m *Memory) Holder(_ context.Context, group string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holders[group], nil
}
