package store

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"
)

// Memory is an in-process KV. Values are stored JSON-encoded so callers get
// the same copy semantics as the SQLite store.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(ctx context.Context, key string, v any) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return memTx{m}.Get(ctx, key, v)
}

func (m *Memory) Set(ctx context.Context, key string, v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memTx{m}.Set(ctx, key, v)
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memTx{m}.Delete(ctx, key)
}

// Update holds the write lock for the whole of fn. Writes made before fn
// fails are rolled back.
func (m *Memory) Update(_ context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	saved := maps.Clone(m.data)
	if err := fn(memTx{m}); err != nil {
		m.data = saved
		return err
	}
	return nil
}

// memTx accesses data with m.mu already held.
type memTx struct {
	m *Memory
}

func (t memTx) Get(_ context.Context, key string, v any) (bool, error) {
	raw, ok := t.m.data[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (t memTx) Set(_ context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	t.m.data[key] = raw
	return nil
}

func (t memTx) Delete(_ context.Context, key string) error {
	delete(t.m.data, key)
	return nil
}

// Has reports whether key is present.
func (m *Memory) Has(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[key]
	return ok
}
