package database

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/crosslogic/finance-service/pkg/models"
)

// MemoryStore keeps tenants and plans in process memory. It backs tests and
// deployments without Postgres.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[models.TenantKey]models.TenantRecord
	plans   map[string]models.PlanRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants: make(map[models.TenantKey]models.TenantRecord),
		plans:   make(map[string]models.PlanRecord),
	}
}

func (m *MemoryStore) LoadTenants(ctx context.Context) ([]models.TenantRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]models.TenantRecord, 0, len(m.tenants))
	for _, rec := range m.tenants {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].UserID != records[j].UserID {
			return records[i].UserID < records[j].UserID
		}
		return records[i].ProviderID < records[j].ProviderID
	})
	return records, nil
}

func (m *MemoryStore) LoadTenant(ctx context.Context, userID, providerID string) (models.TenantRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.tenants[models.TenantKey{UserID: userID, ProviderID: providerID}]
	if !ok {
		return models.TenantRecord{}, fmt.Errorf("%w: %s@%s", models.ErrUnknownTenant, userID, providerID)
	}
	return rec, nil
}

// SaveTenant stores the record as given when its version is newer than the
// stored one. Records are snapshots, so no copying is needed.
func (m *MemoryStore) SaveTenant(ctx context.Context, rec models.TenantRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := models.TenantKey{UserID: rec.UserID, ProviderID: rec.ProviderID}
	if stored, ok := m.tenants[key]; ok && stored.Version >= rec.Version {
		return fmt.Errorf("%w: %s at version %d", models.ErrConflict, key, rec.Version)
	}
	m.tenants[key] = rec
	return nil
}

func (m *MemoryStore) LoadPlan(ctx context.Context, name string) (models.PlanRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.plans[name]
	if !ok {
		return models.PlanRecord{}, fmt.Errorf("%w: %s", models.ErrPlanNotFound, name)
	}
	return rec, nil
}

func (m *MemoryStore) SavePlan(ctx context.Context, rec models.PlanRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[rec.Name] = rec
	return nil
}
