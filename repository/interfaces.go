// Package repository provides data access layer implementations and interfaces for database operations
package repository

import (
	"context"
	"time"

	"github.com/amirphl/vendor-relay/models"
	"github.com/google/uuid"
)

// RepositoryContext key for transaction in context
type contextKey string

const TxContextKey contextKey = "tx"

type Repository[T any, F any] interface {
	ByID(ctx context.Context, id uint) (*T, error)
	ByFilter(ctx context.Context, filter F, orderBy string, limit, offset int) ([]*T, error)
	Save(ctx context.Context, entity *T) error
	SaveBatch(ctx context.Context, entities []*T) error
	Count(ctx context.Context, filter F) (int64, error)
	Exists(ctx context.Context, filter F) (bool, error)
}

// Transactor runs fn atomically. Repositories called with the context passed
// to fn take part in the same transaction.
type Transactor interface {
	WithTransaction(ctx context.Context, fn func(context.Context) error) error
}

// MessageRepository defines operations for messages
type MessageRepository interface {
	Repository[models.Message, models.MessageFilter]
	ByUUID(ctx context.Context, id uuid.UUID) (*models.Message, error)
	ByIdempotencyKey(ctx context.Context, vendorID, key string) (*models.Message, error)
	ByProviderMessageID(ctx context.Context, providerMessageID string) (*models.Message, error)
	// ListDue returns queued messages whose schedule has been reached, highest priority first
	ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Message, error)
	// CompareAndSetStatus applies updates only while the row still has the expected
	// status. A false result means another actor moved the message first.
	CompareAndSetStatus(ctx context.Context, id uint, expected models.MessageStatus, updates map[string]any) (bool, error)
	// ReleaseStaleClaims returns processing messages claimed before the cutoff to queued
	ReleaseStaleClaims(ctx context.Context, claimedBefore time.Time) (int64, error)
}

// BatchRepository defines operations for batches
type BatchRepository interface {
	Repository[models.Batch, models.BatchFilter]
	ByUUID(ctx context.Context, id uuid.UUID) (*models.Batch, error)
	IncrementCounters(ctx context.Context, id uint, delta models.BatchCounterDelta) error
	// Finalize moves a processing batch to a terminal status; false if already final
	Finalize(ctx context.Context, id uint, status models.BatchStatus, completedAt time.Time, deliveryRate float64) (bool, error)
	UpdateDeliveryRate(ctx context.Context, id uint, deliveryRate float64) error
}

// ServiceHealthRepository defines operations for circuit breaker state
type ServiceHealthRepository interface {
	ByServiceID(ctx context.Context, serviceID string) (*models.ServiceHealth, error)
	// CreateIfAbsent inserts the row unless one exists and returns the stored row
	CreateIfAbsent(ctx context.Context, health *models.ServiceHealth) (*models.ServiceHealth, error)
	// CompareAndSwap writes next only if the stored version equals expectedVersion.
	// On success next.Version is expectedVersion+1.
	CompareAndSwap(ctx context.Context, next *models.ServiceHealth, expectedVersion int64) (bool, error)
	List(ctx context.Context) ([]*models.ServiceHealth, error)
	Delete(ctx context.Context, serviceID string) (bool, error)
}

// AuditLogRepository defines operations for audit logs
type AuditLogRepository interface {
	Repository[models.AuditLog, models.AuditLogFilter]
	ListByEntity(ctx context.Context, entityType, entityID string, limit, offset int) ([]*models.AuditLog, error)
}
