package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore 进程内存储，用于测试和无持久化运行
type MemoryStore struct {
	mu      sync.RWMutex
	devices map[string]DeviceRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{devices: make(map[string]DeviceRecord)}
}

func (m *MemoryStore) Load(_ context.Context, address string) (*DeviceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.devices[address]
	if !ok {
		return nil, ErrNotFound
	}
	out := rec.clone()
	return &out, nil
}

func (m *MemoryStore) Save(_ context.Context, rec *DeviceRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur := m.devices[rec.Address].Version; rec.Version != cur {
		return fmt.Errorf("device %s at version %d, have %d: %w", rec.Address, cur, rec.Version, ErrVersionConflict)
	}
	rec.Version++
	rec.UpdatedAt = time.Now().UTC()
	m.devices[rec.Address] = rec.clone()
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]DeviceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DeviceRecord, 0, len(m.devices))
	for _, rec := range m.devices {
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
