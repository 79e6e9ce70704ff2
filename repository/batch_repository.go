package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/vendor-relay/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BatchRepositoryImpl implements BatchRepository
type BatchRepositoryImpl struct {
	*BaseRepository[models.Batch, models.BatchFilter]
}

func NewBatchRepository(db *gorm.DB) BatchRepository {
	return &BatchRepositoryImpl{BaseRepository: NewBaseRepository[models.Batch, models.BatchFilter](db)}
}

func (r *BatchRepositoryImpl) ByUUID(ctx context.Context, id uuid.UUID) (*models.Batch, error) {
	db := r.getDB(ctx)
	var row models.Batch
	if err := db.Where("uuid = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find batch by uuid: %w", err)
	}
	return &row, nil
}

// IncrementCounters adds delta to the counters in a single UPDATE so concurrent
// workers never lose increments.
func (r *BatchRepositoryImpl) IncrementCounters(ctx context.Context, id uint, delta models.BatchCounterDelta) error {
	if delta.IsZero() {
		return nil
	}
	db := r.getDB(ctx)
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if delta.Sent != 0 {
		updates["sent_count"] = gorm.Expr("sent_count + ?", delta.Sent)
	}
	if delta.Delivered != 0 {
		updates["delivered_count"] = gorm.Expr("delivered_count + ?", delta.Delivered)
	}
	if delta.Failed != 0 {
		updates["failed_count"] = gorm.Expr("failed_count + ?", delta.Failed)
	}
	if delta.Bounced != 0 {
		updates["bounced_count"] = gorm.Expr("bounced_count + ?", delta.Bounced)
	}
	if err := db.Model(&models.Batch{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to increment batch %d counters: %w", id, err)
	}
	return nil
}

func (r *BatchRepositoryImpl) Finalize(ctx context.Context, id uint, status models.BatchStatus, completedAt time.Time, deliveryRate float64) (bool, error) {
	db := r.getDB(ctx)
	res := db.Model(&models.Batch{}).
		Where("id = ? AND status = ?", id, models.BatchStatusProcessing).
		Updates(map[string]any{
			"status":        status,
			"completed_at":  completedAt,
			"delivery_rate": deliveryRate,
			"updated_at":    completedAt,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to finalize batch %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *BatchRepositoryImpl) UpdateDeliveryRate(ctx context.Context, id uint, deliveryRate float64) error {
	db := r.getDB(ctx)
	err := db.Model(&models.Batch{}).
		Where("id = ?", id).
		Updates(map[string]any{"delivery_rate": deliveryRate, "updated_at": time.Now().UTC()}).Error
	if err != nil {
		return fmt.Errorf("failed to update batch %d delivery rate: %w", id, err)
	}
	return nil
}

func (r *BatchRepositoryImpl) applyFilter(db *gorm.DB, f models.BatchFilter) *gorm.DB {
	if f.ID != nil {
		db = db.Where("id = ?", *f.ID)
	}
	if f.UUID != nil {
		db = db.Where("uuid = ?", *f.UUID)
	}
	if f.VendorID != nil {
		db = db.Where("vendor_id = ?", *f.VendorID)
	}
	if f.Status != nil {
		db = db.Where("status = ?", *f.Status)
	}
	return db
}

func (r *BatchRepositoryImpl) ByFilter(ctx context.Context, filter models.BatchFilter, orderBy string, limit, offset int) ([]*models.Batch, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.Batch{}), filter)
	if orderBy != "" {
		query = query.Order(orderBy)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	var rows []*models.Batch
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *BatchRepositoryImpl) Count(ctx context.Context, filter models.BatchFilter) (int64, error) {
	db := r.getDB(ctx)
	var count int64
	if err := r.applyFilter(db.Model(&models.Batch{}), filter).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *BatchRepositoryImpl) Exists(ctx context.Context, filter models.BatchFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}
