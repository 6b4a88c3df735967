package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryBackend keeps job records in a mutex-guarded map. Records are
// stored JSON-serialised so reads return copies, not aliases, and so the
// memory and Vault backends share identical round-trip behavior.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		records: make(map[string][]byte),
	}
}

func (m *MemoryBackend) Put(ctx context.Context, record *Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to serialize job record: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.ID] = data
	return nil
}

func (m *MemoryBackend) Get(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	data, exists := m.records[id]
	m.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to deserialize job record: %w", err)
	}
	return &record, nil
}

func (m *MemoryBackend) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *MemoryBackend) List(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	return ids, nil
}
