// Package models contains domain entities for the message delivery pipeline
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Channel is the delivery medium of a message
type Channel string

const (
	ChannelEmail Channel = "EMAIL"
	ChannelSMS   Channel = "SMS"
)

func (c Channel) Valid() bool {
	return c == ChannelEmail || c == ChannelSMS
}

// MessagePriority orders dispatch among due messages
type MessagePriority string

const (
	PriorityHigh   MessagePriority = "HIGH"
	PriorityNormal MessagePriority = "NORMAL"
	PriorityLow    MessagePriority = "LOW"
)

// Rank maps a priority to its dequeue order (lower is dispatched first)
func (p MessagePriority) Rank() int16 {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// RecipientType classifies the tokenized recipient
type RecipientType string

const (
	RecipientTypeStudent RecipientType = "STUDENT"
	RecipientTypeParent  RecipientType = "PARENT"
	RecipientTypeTeacher RecipientType = "TEACHER"
	RecipientTypeStaff   RecipientType = "STAFF"
)

// MessageStatus represents the lifecycle position of a message
type MessageStatus string

const (
	MessageStatusQueued     MessageStatus = "queued"
	MessageStatusProcessing MessageStatus = "processing"
	MessageStatusSent       MessageStatus = "sent"
	MessageStatusDelivered  MessageStatus = "delivered"
	MessageStatusBounced    MessageStatus = "bounced"
	MessageStatusFailed     MessageStatus = "failed"
)

// String returns the string representation of the status
func (s MessageStatus) String() string {
	return string(s)
}

// Valid checks if the status is valid
func (s MessageStatus) Valid() bool {
	switch s {
	case MessageStatusQueued, MessageStatusProcessing, MessageStatusSent,
		MessageStatusDelivered, MessageStatusBounced, MessageStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is possible
func (s MessageStatus) IsTerminal() bool {
	return s == MessageStatusDelivered || s == MessageStatusBounced || s == MessageStatusFailed
}

// Scan implements the sql.Scanner interface for MessageStatus
func (s *MessageStatus) Scan(value any) error {
	if value == nil {
		*s = ""
		return nil
	}

	switch v := value.(type) {
	case string:
		*s = MessageStatus(v)
	case []byte:
		*s = MessageStatus(string(v))
	default:
		return fmt.Errorf("cannot scan %T into MessageStatus", value)
	}

	return nil
}

// Value implements the driver.Valuer interface for MessageStatus
func (s MessageStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid MessageStatus: %s", s)
	}
	return string(s), nil
}

// Message is a single communication to one tokenized recipient
type Message struct {
	ID                uint            `gorm:"primaryKey" json:"id"`
	UUID              uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:uk_messages_uuid" json:"uuid"`
	VendorID          string          `gorm:"size:64;not null;index:idx_messages_vendor_created,priority:1;uniqueIndex:uk_messages_vendor_idempotency,priority:1" json:"vendor_id"`
	Channel           Channel         `gorm:"size:8;not null" json:"channel"`
	RecipientToken    string          `gorm:"size:128;not null" json:"recipient_token"`
	RecipientType     RecipientType   `gorm:"size:16;not null" json:"recipient_type"`
	Subject           *string         `gorm:"size:255" json:"subject,omitempty"`
	Body              string          `gorm:"type:text;not null" json:"body"`
	Priority          MessagePriority `gorm:"size:8;not null;default:'NORMAL'" json:"priority"`
	PriorityRank      int16           `gorm:"not null;default:1;index:idx_messages_dispatch,priority:2" json:"-"`
	Status            MessageStatus   `gorm:"size:16;not null;default:'queued';index:idx_messages_dispatch,priority:1" json:"status"`
	RetryCount        int             `gorm:"not null;default:0" json:"retry_count"`
	BatchID           *uint           `gorm:"index:idx_messages_batch_id" json:"batch_id,omitempty"`
	IdempotencyKey    *string         `gorm:"size:255;uniqueIndex:uk_messages_vendor_idempotency,priority:2" json:"idempotency_key,omitempty"`
	ScheduledAt       *time.Time      `gorm:"index:idx_messages_dispatch,priority:3" json:"scheduled_at,omitempty"`
	ClaimedAt         *time.Time      `json:"-"`
	SentAt            *time.Time      `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time      `json:"delivered_at,omitempty"`
	FailureReason     *string         `gorm:"type:text" json:"failure_reason,omitempty"`
	ProviderMessageID *string         `gorm:"size:255;uniqueIndex:uk_messages_provider_message_id" json:"provider_message_id,omitempty"`
	ProviderName      *string         `gorm:"size:64" json:"provider_name,omitempty"`
	EstimatedCost     float64         `gorm:"type:numeric(12,4);not null;default:0" json:"estimated_cost"`
	Metadata          json.RawMessage `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt         time.Time       `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');index:idx_messages_vendor_created,priority:2" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"updated_at"`
}

func (Message) TableName() string { return "messages" }

// MessageFilter provides filter fields for repository queries
type MessageFilter struct {
	ID            *uint
	UUID          *uuid.UUID
	VendorID      *string
	Channel       *Channel
	Status        *MessageStatus
	BatchID       *uint
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}
