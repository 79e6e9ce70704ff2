package businessflow

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/amirphl/vendor-relay/app/dto"
	"github.com/amirphl/vendor-relay/app/services"
	"github.com/amirphl/vendor-relay/models"
	"github.com/amirphl/vendor-relay/utils"
)

const RequestIDKey = "X-Request-ID"

// ClientMetadata holds caller information attached to audit entries
type ClientMetadata struct {
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`
	RequestID string `json:"request_id,omitempty"`
}

// NewClientMetadata creates a new ClientMetadata instance with basic information
func NewClientMetadata(ipAddress, userAgent string) *ClientMetadata {
	return &ClientMetadata{
		IPAddress: ipAddress,
		UserAgent: userAgent,
	}
}

// SetRequestID sets the request ID
func (cm *ClientMetadata) SetRequestID(requestID string) {
	cm.RequestID = requestID
}

func (cm *ClientMetadata) requestIDPtr() *string {
	if cm == nil || cm.RequestID == "" {
		return nil
	}
	return &cm.RequestID
}

// auditor records audit entries without letting a sink failure fail the operation
type auditor struct {
	sink   services.AuditSink
	logger *log.Logger
}

func (a auditor) record(ctx context.Context, entry *models.AuditLog) {
	if a.sink == nil {
		return
	}
	if entry.Success == nil {
		entry.Success = utils.ToPtr(true)
	}
	if err := a.sink.Record(ctx, entry); err != nil {
		a.logger.Printf("audit %s %s/%s: %v", entry.Action, entry.EntityType, entry.EntityID, err)
	}
}

func auditMetadata(fields map[string]any) json.RawMessage {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil
	}
	return raw
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	return utils.ToPtr(t.UTC().Format(time.RFC3339))
}

// ToMessageItem converts a message to its public view. batchUUID is the
// public id of the owning batch, if any.
func ToMessageItem(m *models.Message, batchUUID *string) dto.MessageItem {
	return dto.MessageItem{
		MessageID:         m.UUID.String(),
		BatchID:           batchUUID,
		Channel:           string(m.Channel),
		RecipientToken:    m.RecipientToken,
		RecipientType:     string(m.RecipientType),
		Subject:           m.Subject,
		Priority:          string(m.Priority),
		Status:            m.Status.String(),
		RetryCount:        m.RetryCount,
		ScheduledAt:       formatTime(m.ScheduledAt),
		SentAt:            formatTime(m.SentAt),
		DeliveredAt:       formatTime(m.DeliveredAt),
		FailureReason:     m.FailureReason,
		ProviderName:      m.ProviderName,
		ProviderMessageID: m.ProviderMessageID,
		EstimatedCost:     m.EstimatedCost,
		Metadata:          m.Metadata,
		CreatedAt:         m.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:         m.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// ToBatchItem converts a batch to its public view
func ToBatchItem(b *models.Batch) dto.BatchItem {
	return dto.BatchItem{
		BatchID:         b.UUID.String(),
		Channel:         string(b.Channel),
		Status:          string(b.Status),
		TotalRecipients: b.TotalRecipients,
		SentCount:       b.SentCount,
		DeliveredCount:  b.DeliveredCount,
		FailedCount:     b.FailedCount,
		BouncedCount:    b.BouncedCount,
		DeliveryRate:    b.DeliveryRate,
		EstimatedCost:   b.EstimatedCost,
		ScheduledAt:     formatTime(b.ScheduledAt),
		CompletedAt:     formatTime(b.CompletedAt),
		CreatedAt:       b.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// ToServiceHealthItem converts breaker state to its admin view as observed at now
func ToServiceHealthItem(h *models.ServiceHealth, now time.Time) dto.ServiceHealthItem {
	item := dto.ServiceHealthItem{
		ServiceID:            h.ServiceID,
		Status:               string(h.Status),
		CircuitState:         string(h.EffectiveState(now)),
		ConsecutiveFailures:  h.ConsecutiveFailures,
		ConsecutiveSuccesses: h.ConsecutiveSuccesses,
		FailureThreshold:     h.FailureThreshold,
		SuccessThreshold:     h.SuccessThreshold,
		OpenDurationMs:       h.OpenDurationMs,
		CircuitOpenedAt:      formatTime(h.CircuitOpenedAt),
		LastFailureReason:    h.LastFailureReason,
		LastFailureAt:        formatTime(h.LastFailureAt),
		LastSuccessAt:        formatTime(h.LastSuccessAt),
	}
	if h.CircuitState == models.CircuitOpen {
		item.ReopensAt = formatTime(h.ReopensAt())
	}
	return item
}
