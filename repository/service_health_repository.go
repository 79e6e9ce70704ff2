package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/vendor-relay/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ServiceHealthRepositoryImpl implements ServiceHealthRepository
type ServiceHealthRepositoryImpl struct {
	DB *gorm.DB
}

func NewServiceHealthRepository(db *gorm.DB) ServiceHealthRepository {
	return &ServiceHealthRepositoryImpl{DB: db}
}

func (r *ServiceHealthRepositoryImpl) ByServiceID(ctx context.Context, serviceID string) (*models.ServiceHealth, error) {
	db := dbFromContext(ctx, r.DB)
	var row models.ServiceHealth
	if err := db.Where("service_id = ?", serviceID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find service health %s: %w", serviceID, err)
	}
	return &row, nil
}

// CreateIfAbsent inserts with ON CONFLICT DO NOTHING, so concurrent lazy
// initialization converges on whichever row landed first.
func (r *ServiceHealthRepositoryImpl) CreateIfAbsent(ctx context.Context, health *models.ServiceHealth) (*models.ServiceHealth, error) {
	db := dbFromContext(ctx, r.DB)
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "service_id"}},
		DoNothing: true,
	}).Create(health).Error
	if err != nil {
		return nil, fmt.Errorf("failed to create service health %s: %w", health.ServiceID, err)
	}
	return r.ByServiceID(ctx, health.ServiceID)
}

func (r *ServiceHealthRepositoryImpl) CompareAndSwap(ctx context.Context, next *models.ServiceHealth, expectedVersion int64) (bool, error) {
	db := dbFromContext(ctx, r.DB)
	now := time.Now().UTC()
	res := db.Model(&models.ServiceHealth{}).
		Where("service_id = ? AND version = ?", next.ServiceID, expectedVersion).
		Updates(map[string]any{
			"status":                next.Status,
			"circuit_state":         next.CircuitState,
			"consecutive_failures":  next.ConsecutiveFailures,
			"consecutive_successes": next.ConsecutiveSuccesses,
			"circuit_opened_at":     next.CircuitOpenedAt,
			"last_failure_reason":   next.LastFailureReason,
			"last_failure_at":       next.LastFailureAt,
			"last_success_at":       next.LastSuccessAt,
			"version":               expectedVersion + 1,
			"updated_at":            now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to update service health %s: %w", next.ServiceID, res.Error)
	}
	if res.RowsAffected != 1 {
		return false, nil
	}
	next.Version = expectedVersion + 1
	next.UpdatedAt = now
	return true, nil
}

func (r *ServiceHealthRepositoryImpl) List(ctx context.Context) ([]*models.ServiceHealth, error) {
	db := dbFromContext(ctx, r.DB)
	var rows []*models.ServiceHealth
	if err := db.Order("service_id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list service health: %w", err)
	}
	return rows, nil
}

func (r *ServiceHealthRepositoryImpl) Delete(ctx context.Context, serviceID string) (bool, error) {
	db := dbFromContext(ctx, r.DB)
	res := db.Where("service_id = ?", serviceID).Delete(&models.ServiceHealth{})
	if res.Error != nil {
		return false, fmt.Errorf("failed to delete service health %s: %w", serviceID, res.Error)
	}
	return res.RowsAffected > 0, nil
}
