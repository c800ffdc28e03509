package checkpoint

import (
	"context"
	"fmt"
	"sync"

	"chimera/internal/workflow"
)

// MemoryStore keeps snapshots in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]workflow.State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]workflow.State)}
}

func (m *MemoryStore) Save(_ context.Context, s workflow.State) error {
	if m == nil {
		return fmt.Errorf("store is nil")
	}
	id, err := normalizeID(s.JobID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.jobs[id] = s.Clone()
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Load(_ context.Context, jobID string) (workflow.State, error) {
	if m == nil {
		return workflow.State{}, fmt.Errorf("store is nil")
	}
	id, err := normalizeID(jobID)
	if err != nil {
		return workflow.State{}, err
	}
	m.mu.RLock()
	s, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return workflow.State{}, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Delete(_ context.Context, jobID string) error {
	if m == nil {
		return fmt.Errorf("store is nil")
	}
	id, err := normalizeID(jobID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(m.jobs, id)
	return nil
}

func (m *MemoryStore) List(_ context.Context, stage workflow.Stage) ([]workflow.State, error) {
	if m == nil {
		return nil, fmt.Errorf("store is nil")
	}
	m.mu.RLock()
	out := make([]workflow.State, 0, len(m.jobs))
	for _, s := range m.jobs {
		if matches(s, stage) {
			out = append(out, s.Clone())
		}
	}
	m.mu.RUnlock()
	sortNewestFirst(out)
	return out, nil
}
