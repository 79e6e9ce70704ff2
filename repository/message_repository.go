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

// MessageRepositoryImpl implements MessageRepository
type MessageRepositoryImpl struct {
	*BaseRepository[models.Message, models.MessageFilter]
}

func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &MessageRepositoryImpl{BaseRepository: NewBaseRepository[models.Message, models.MessageFilter](db)}
}

func (r *MessageRepositoryImpl) ByUUID(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	return r.first(ctx, "uuid = ?", id)
}

func (r *MessageRepositoryImpl) ByIdempotencyKey(ctx context.Context, vendorID, key string) (*models.Message, error) {
	return r.first(ctx, "vendor_id = ? AND idempotency_key = ?", vendorID, key)
}

func (r *MessageRepositoryImpl) ByProviderMessageID(ctx context.Context, providerMessageID string) (*models.Message, error) {
	return r.first(ctx, "provider_message_id = ?", providerMessageID)
}

func (r *MessageRepositoryImpl) first(ctx context.Context, query string, args ...any) (*models.Message, error) {
	db := r.getDB(ctx)
	var row models.Message
	if err := db.Where(query, args...).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find message: %w", err)
	}
	return &row, nil
}

func (r *MessageRepositoryImpl) Save(ctx context.Context, entity *models.Message) error {
	if err := r.getDB(ctx).Create(entity).Error; err != nil {
		if IsDuplicateKey(err) {
			return fmt.Errorf("%w: %v", ErrDuplicateKey, err)
		}
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

func (r *MessageRepositoryImpl) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Message, error) {
	db := r.getDB(ctx)
	var rows []*models.Message
	err := db.Where("status = ?", models.MessageStatusQueued).
		Where("scheduled_at IS NULL OR scheduled_at <= ?", now).
		Order("priority_rank ASC, created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list due messages: %w", err)
	}
	return rows, nil
}

func (r *MessageRepositoryImpl) CompareAndSetStatus(ctx context.Context, id uint, expected models.MessageStatus, updates map[string]any) (bool, error) {
	db := r.getDB(ctx)
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	res := db.Model(&models.Message{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to update message %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *MessageRepositoryImpl) ReleaseStaleClaims(ctx context.Context, claimedBefore time.Time) (int64, error) {
	db := r.getDB(ctx)
	res := db.Model(&models.Message{}).
		Where("status = ? AND claimed_at < ?", models.MessageStatusProcessing, claimedBefore).
		Updates(map[string]any{
			"status":     models.MessageStatusQueued,
			"claimed_at": nil,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to release stale claims: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *MessageRepositoryImpl) applyFilter(db *gorm.DB, f models.MessageFilter) *gorm.DB {
	if f.ID != nil {
		db = db.Where("id = ?", *f.ID)
	}
	if f.UUID != nil {
		db = db.Where("uuid = ?", *f.UUID)
	}
	if f.VendorID != nil {
		db = db.Where("vendor_id = ?", *f.VendorID)
	}
	if f.Channel != nil {
		db = db.Where("channel = ?", *f.Channel)
	}
	if f.Status != nil {
		db = db.Where("status = ?", *f.Status)
	}
	if f.BatchID != nil {
		db = db.Where("batch_id = ?", *f.BatchID)
	}
	if f.CreatedAfter != nil {
		db = db.Where("created_at >= ?", *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		db = db.Where("created_at < ?", *f.CreatedBefore)
	}
	return db
}

func (r *MessageRepositoryImpl) ByFilter(ctx context.Context, filter models.MessageFilter, orderBy string, limit, offset int) ([]*models.Message, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.Message{}), filter)
	if orderBy != "" {
		query = query.Order(orderBy)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	var rows []*models.Message
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *MessageRepositoryImpl) Count(ctx context.Context, filter models.MessageFilter) (int64, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.Message{}), filter)
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *MessageRepositoryImpl) Exists(ctx context.Context, filter models.MessageFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}
