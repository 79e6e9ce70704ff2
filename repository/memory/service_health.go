package memory

import (
	"context"
	"sort"

	"github.com/amirphl/vendor-relay/models"
	"github.com/amirphl/vendor-relay/repository"
)

// ServiceHealthRepository implements repository.ServiceHealthRepository on a Store
type ServiceHealthRepository struct {
	s *Store
}

var _ repository.ServiceHealthRepository = (*ServiceHealthRepository)(nil)

func (r *ServiceHealthRepository) ByServiceID(ctx context.Context, serviceID string) (*models.ServiceHealth, error) {
	defer r.s.lock(ctx)()
	h, ok := r.s.health[serviceID]
	if !ok {
		return nil, nil
	}
	return &h, nil
}

func (r *ServiceHealthRepository) CreateIfAbsent(ctx context.Context, health *models.ServiceHealth) (*models.ServiceHealth, error) {
	defer r.s.lock(ctx)()
	if existing, ok := r.s.health[health.ServiceID]; ok {
		return &existing, nil
	}
	now := r.s.now()
	row := *health
	row.CreatedAt = now
	row.UpdatedAt = now
	r.s.health[row.ServiceID] = row
	return &row, nil
}

func (r *ServiceHealthRepository) CompareAndSwap(ctx context.Context, next *models.ServiceHealth, expectedVersion int64) (bool, error) {
	defer r.s.lock(ctx)()
	current, ok := r.s.health[next.ServiceID]
	if !ok || current.Version != expectedVersion {
		return false, nil
	}
	row := *next
	row.Version = expectedVersion + 1
	row.CreatedAt = current.CreatedAt
	row.UpdatedAt = r.s.now()
	r.s.health[row.ServiceID] = row
	next.Version = row.Version
	next.UpdatedAt = row.UpdatedAt
	return true, nil
}

func (r *ServiceHealthRepository) List(ctx context.Context) ([]*models.ServiceHealth, error) {
	defer r.s.lock(ctx)()
	rows := make([]*models.ServiceHealth, 0, len(r.s.health))
	for _, h := range r.s.health {
		row := h
		rows = append(rows, &row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ServiceID < rows[j].ServiceID })
	return rows, nil
}

func (r *ServiceHealthRepository) Delete(ctx context.Context, serviceID string) (bool, error) {
	defer r.s.lock(ctx)()
	if _, ok := r.s.health[serviceID]; !ok {
		return false, nil
	}
	delete(r.s.health, serviceID)
	return true, nil
}
