package buffer

import (
	"context"
	"sync"
)

// Memory is a process-local Storage. It does not survive restarts; tests use
// it to inject write failures through SetErr.
type Memory struct {
	mu     sync.Mutex
	values map[string][]byte
	setErr error
}

// NewMemory returns an empty in-process buffer.
func NewMemory() *Memory {
	return &Memory{values: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	m.values[key] = cp
	return nil
}

// SetErr makes every following Set fail with err (nil restores normal behavior).
func (m *Memory) SetErr(err error) {
	m.mu.Lock()
	m.setErr = err
	m.mu.Unlock()
}

func (m *Memory) HealthCheck(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
