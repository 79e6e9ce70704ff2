package memory

import (
	"context"

	"github.com/amirphl/vendor-relay/models"
	"github.com/amirphl/vendor-relay/repository"
)

// AuditLogRepository implements repository.AuditLogRepository on a Store
type AuditLogRepository struct {
	s *Store
}

var _ repository.AuditLogRepository = (*AuditLogRepository)(nil)

func (r *AuditLogRepository) ByID(ctx context.Context, id uint) (*models.AuditLog, error) {
	defer r.s.lock(ctx)()
	for _, a := range r.s.audit {
		if a.ID == id {
			found := a
			return &found, nil
		}
	}
	return nil, nil
}

func (r *AuditLogRepository) Save(ctx context.Context, entity *models.AuditLog) error {
	defer r.s.lock(ctx)()
	entity.ID = r.s.nextID()
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = r.s.now()
	}
	r.s.audit = append(r.s.audit, *entity)
	return nil
}

func (r *AuditLogRepository) SaveBatch(ctx context.Context, entities []*models.AuditLog) error {
	for _, e := range entities {
		if err := r.Save(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func matchAudit(a *models.AuditLog, f models.AuditLogFilter) bool {
	switch {
	case f.ID != nil && a.ID != *f.ID:
		return false
	case f.VendorID != nil && (a.VendorID == nil || *a.VendorID != *f.VendorID):
		return false
	case f.Action != nil && a.Action != *f.Action:
		return false
	case f.EntityType != nil && a.EntityType != *f.EntityType:
		return false
	case f.EntityID != nil && a.EntityID != *f.EntityID:
		return false
	case f.RequestID != nil && (a.RequestID == nil || *a.RequestID != *f.RequestID):
		return false
	case f.CreatedAfter != nil && a.CreatedAt.Before(*f.CreatedAfter):
		return false
	case f.CreatedBefore != nil && !a.CreatedAt.Before(*f.CreatedBefore):
		return false
	}
	return true
}

func (r *AuditLogRepository) ByFilter(ctx context.Context, filter models.AuditLogFilter, orderBy string, limit, offset int) ([]*models.AuditLog, error) {
	defer r.s.lock(ctx)()
	var rows []*models.AuditLog
	for _, a := range r.s.audit {
		if matchAudit(&a, filter) {
			row := a
			rows = append(rows, &row)
		}
	}
	return paginate(rows, limit, offset), nil
}

func (r *AuditLogRepository) Count(ctx context.Context, filter models.AuditLogFilter) (int64, error) {
	rows, err := r.ByFilter(ctx, filter, "", 0, 0)
	return int64(len(rows)), err
}

func (r *AuditLogRepository) Exists(ctx context.Context, filter models.AuditLogFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	return c > 0, err
}

func (r *AuditLogRepository) ListByEntity(ctx context.Context, entityType, entityID string, limit, offset int) ([]*models.AuditLog, error) {
	return r.ByFilter(ctx, models.AuditLogFilter{EntityType: &entityType, EntityID: &entityID}, "", limit, offset)
}
