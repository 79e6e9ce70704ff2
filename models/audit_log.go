package models

import (
	"encoding/json"
	"time"
)

// AuditLog records one state-changing operation
type AuditLog struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	VendorID     *string         `gorm:"size:64;index:idx_audit_vendor_id" json:"vendor_id,omitempty"`
	Action       string          `gorm:"size:64;not null;index:idx_audit_action" json:"action"`
	EntityType   string          `gorm:"size:32;not null" json:"entity_type"`
	EntityID     string          `gorm:"size:64;not null;index:idx_audit_entity" json:"entity_id"`
	Description  *string         `gorm:"type:text" json:"description,omitempty"`
	RequestID    *string         `gorm:"size:255;index:idx_audit_request_id" json:"request_id,omitempty"`
	Metadata     json.RawMessage `gorm:"type:jsonb" json:"metadata,omitempty"`
	Success      *bool           `gorm:"default:true" json:"success"`
	ErrorMessage *string         `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt    time.Time       `gorm:"default:CURRENT_TIMESTAMP;index:idx_audit_created_at" json:"created_at"`
}

func (AuditLog) TableName() string {
	return "audit_log"
}

// Audit action constants
const (
	AuditActionMessageEnqueued      = "message_enqueued"
	AuditActionMessageDuplicate     = "message_duplicate"
	AuditActionBatchEnqueued        = "batch_enqueued"
	AuditActionMessageSent          = "message_sent"
	AuditActionMessageRequeued      = "message_requeued"
	AuditActionMessageFailed        = "message_failed"
	AuditActionMessageDelivered     = "message_delivered"
	AuditActionMessageBounced       = "message_bounced"
	AuditActionBatchCompleted       = "batch_completed"
	AuditActionBatchFailed          = "batch_failed"
	AuditActionCircuitOpened        = "circuit_opened"
	AuditActionCircuitClosed        = "circuit_closed"
	AuditActionCircuitReset         = "circuit_reset"
	AuditActionMessageClaimReleased = "message_claim_released"
)

// Audit entity types
const (
	AuditEntityMessage = "message"
	AuditEntityBatch   = "batch"
	AuditEntityService = "service"
)

// AuditLogFilter represents filter criteria for audit log queries
type AuditLogFilter struct {
	ID            *uint
	VendorID      *string
	Action        *string
	EntityType    *string
	EntityID      *string
	RequestID     *string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

func (a *AuditLog) IsFailed() bool {
	return a.Success != nil && !*a.Success
}
