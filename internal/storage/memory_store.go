package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/example/ride-relay/internal/models"
)

// MemoryStore is a DriverStore kept in process memory. It backs local runs
// and tests; records do not survive a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{drivers: make(map[string]models.DriverRecord)}
}

func (m *MemoryStore) GetDriver(_ context.Context, id string) (models.DriverRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.drivers[id]
	if !ok {
		return models.DriverRecord{}, ErrNotFound
	}
	return cloneRecord(r), nil
}

func (m *MemoryStore) UpsertDriver(_ context.Context, id string, fields Fields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.drivers[id]
	if !ok {
		r = models.DriverRecord{ID: id}
	} else {
		r = cloneRecord(r)
	}
	if err := Apply(&r, fields); err != nil {
		return err
	}
	m.drivers[id] = r
	return nil
}

func (m *MemoryStore) FindByField(_ context.Context, field string, value any) ([]models.DriverRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.DriverRecord
	for _, r := range m.drivers {
		v, err := Value(r, field)
		if err != nil {
			return nil, err
		}
		if v != nil && v == value {
			out = append(out, cloneRecord(r))
		}
	}
	sortRecords(out)
	return out, nil
}

func (m *MemoryStore) ListDrivers(_ context.Context, filter Filter) ([]models.DriverRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.DriverRecord, 0, len(m.drivers))
	for _, r := range m.drivers {
		if filter.match(r) {
			out = append(out, cloneRecord(r))
		}
	}
	sortRecords(out)
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func cloneRecord(r models.DriverRecord) models.DriverRecord {
	for i := range r.Slots {
		if p := r.Slots[i].RiderPos; p != nil {
			cp := *p
			r.Slots[i].RiderPos = &cp
		}
	}
	return r
}

func sortRecords(rs []models.DriverRecord) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].ID < rs[j].ID })
}
