package keystore

import (
	"context"
	"fmt"
	"sync"
)

// Memory holds containers in process memory. Contents vanish on restart;
// meant for tests and throwaway deployments.
type Memory struct {
	mu         sync.RWMutex
	containers map[string][]byte
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{containers: make(map[string][]byte)}
}

func (m *Memory) Get(ctx context.Context, name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.containers[name]
	if !ok {
		return nil, fmt.Errorf("container %q: %w", name, ErrNotFound)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *Memory) Put(ctx context.Context, name string, data []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	stored := make([]byte, len(data))
	copy(stored, data)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.containers[name] = stored
	return nil
}

func (m *Memory) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.containers, name)
	return nil
}

func (m *Memory) Check(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
