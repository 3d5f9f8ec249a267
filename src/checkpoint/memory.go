package checkpoint

import (
	"context"
	"errors"
	"sync"
)

// MemorySaver keeps checkpoints in process memory. State is lost on restart.
type MemorySaver struct {
	mu      sync.RWMutex
	threads map[string]Checkpoint
}

func NewMemorySaver() *MemorySaver {
	return &MemorySaver{threads: make(map[string]Checkpoint)}
}

func (m *MemorySaver) Get(_ context.Context, threadID string) (Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.threads[threadID]
	if !ok {
		return Checkpoint{}, ErrNotFound
	}
	return clone(cp), nil
}

func (m *MemorySaver) Put(_ context.Context, cp Checkpoint) error {
	if cp.ThreadID == "" {
		return errors.New("checkpoint: thread id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads[cp.ThreadID] = clone(stamp(cp))
	return nil
}

func (m *MemorySaver) Delete(_ context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.threads, threadID)
	return nil
}

func (m *MemorySaver) Close(context.Context) error { return nil }

var _ Saver = (*MemorySaver)(nil)
