package linkstate

import (
	"context"
	"sync"

	"k8s.io/klog/v2"

	"github.com/CCI-MOC/ulsr/internal/fabric"
)

// MemoryStore keeps link state in process memory. It suits one-shot
// tools and tests; nothing survives a restart.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string][]fabric.Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]fabric.Record)}
}

func (m *MemoryStore) Load(_ context.Context, reservation string) ([]fabric.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[reservation]
	if !ok {
		return nil, fabric.ErrNoState
	}
	return append([]fabric.Record(nil), r...), nil
}

func (m *MemoryStore) Save(_ context.Context, reservation string, records []fabric.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[reservation]; ok {
		klog.InfoS("Link state already recorded, keeping it", "reservation", reservation)
		return nil
	}
	m.records[reservation] = append([]fabric.Record(nil), records...)
	return nil
}
