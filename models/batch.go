package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// BatchStatus enumerates the aggregate state of a batch send
type BatchStatus string

const (
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
)

// Batch is one logical send fanned out to many recipients.
// SentCount and FailedCount are send-level outcomes; DeliveredCount and
// BouncedCount are post-send outcomes reported by provider webhooks.
type Batch struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	UUID            uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:uk_batches_uuid" json:"uuid"`
	VendorID        string          `gorm:"size:64;not null;index:idx_batches_vendor_id" json:"vendor_id"`
	Channel         Channel         `gorm:"size:8;not null" json:"channel"`
	TotalRecipients int             `gorm:"not null" json:"total_recipients"`
	SentCount       int             `gorm:"not null;default:0" json:"sent_count"`
	DeliveredCount  int             `gorm:"not null;default:0" json:"delivered_count"`
	FailedCount     int             `gorm:"not null;default:0" json:"failed_count"`
	BouncedCount    int             `gorm:"not null;default:0" json:"bounced_count"`
	Status          BatchStatus     `gorm:"size:16;not null;default:'processing';index:idx_batches_status" json:"status"`
	DeliveryRate    *float64        `gorm:"type:numeric(5,4)" json:"delivery_rate,omitempty"`
	EstimatedCost   float64         `gorm:"type:numeric(14,4);not null;default:0" json:"estimated_cost"`
	Metadata        json.RawMessage `gorm:"type:jsonb" json:"metadata,omitempty"`
	ScheduledAt     *time.Time      `json:"scheduled_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	CreatedAt       time.Time       `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"updated_at"`
}

func (Batch) TableName() string { return "batches" }

// SendSettled reports whether every recipient reached a send-level terminal outcome
func (b *Batch) SendSettled() bool {
	return b.SentCount+b.FailedCount >= b.TotalRecipients
}

// ComputeDeliveryRate returns delivered / total, zero for an empty batch
func (b *Batch) ComputeDeliveryRate() float64 {
	if b.TotalRecipients <= 0 {
		return 0
	}
	return float64(b.DeliveredCount) / float64(b.TotalRecipients)
}

// BatchCounterDelta is an atomic increment applied to a batch's counters
type BatchCounterDelta struct {
	Sent      int
	Delivered int
	Failed    int
	Bounced   int
}

// IsZero reports whether the delta changes nothing
func (d BatchCounterDelta) IsZero() bool {
	return d.Sent == 0 && d.Delivered == 0 && d.Failed == 0 && d.Bounced == 0
}

// BatchFilter provides filter fields for repository queries
type BatchFilter struct {
	ID       *uint
	UUID     *uuid.UUID
	VendorID *string
	Status   *BatchStatus
}
