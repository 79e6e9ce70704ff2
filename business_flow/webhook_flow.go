package businessflow

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/amirphl/vendor-relay/app/dto"
	"github.com/amirphl/vendor-relay/app/services"
	"github.com/amirphl/vendor-relay/models"
	"github.com/amirphl/vendor-relay/repository"
	"github.com/amirphl/vendor-relay/utils"
)

// DeliveryEventType is the normalized vocabulary of provider callbacks
type DeliveryEventType string

const (
	EventDelivered DeliveryEventType = "delivered"
	EventBounced   DeliveryEventType = "bounced"
	EventFailed    DeliveryEventType = "failed"
	EventOpened    DeliveryEventType = "opened"
)

// NormalizeEvent maps provider-specific event names onto DeliveryEventType.
// Unrecognized names are returned lower-cased and reduce to no change.
func NormalizeEvent(event string) DeliveryEventType {
	switch e := strings.ToLower(strings.TrimSpace(event)); e {
	case "delivered", "delivery":
		return EventDelivered
	case "bounced", "bounce", "hard_bounce", "soft_bounce":
		return EventBounced
	case "failed", "dropped", "undelivered":
		return EventFailed
	case "opened", "open", "read":
		return EventOpened
	default:
		return DeliveryEventType(e)
	}
}

// ReduceStatus returns the status a message moves to when event is applied
// to a message in current. Only a sent message reacts to delivery events.
func ReduceStatus(current models.MessageStatus, event DeliveryEventType) (models.MessageStatus, bool) {
	if current != models.MessageStatusSent {
		return current, false
	}
	switch event {
	case EventDelivered:
		return models.MessageStatusDelivered, true
	case EventBounced:
		return models.MessageStatusBounced, true
	case EventFailed:
		return models.MessageStatusFailed, true
	default:
		return current, false
	}
}

func eventFailureReason(req *dto.DeliveryEventRequest, event DeliveryEventType) *string {
	switch event {
	case EventBounced:
		parts := make([]string, 0, 2)
		if req.BounceType != nil && *req.BounceType != "" {
			parts = append(parts, *req.BounceType)
		}
		if req.BounceReason != nil && *req.BounceReason != "" {
			parts = append(parts, *req.BounceReason)
		}
		if len(parts) == 0 {
			return utils.ToPtr("bounced")
		}
		return utils.ToPtr(strings.Join(parts, ": "))
	case EventFailed:
		if req.Error != nil && *req.Error != "" {
			return req.Error
		}
		return utils.ToPtr("provider reported failure")
	}
	return nil
}

// WebhookFlow applies asynchronous delivery callbacks
type WebhookFlow interface {
	HandleDeliveryWebhook(ctx context.Context, req *dto.DeliveryEventRequest, metadata *ClientMetadata) (*dto.DeliveryEventResponse, error)
}

type WebhookFlowImpl struct {
	msgRepo    repository.MessageRepository
	batchRepo  repository.BatchRepository
	tx         repository.Transactor
	completion BatchCompletionFlow
	audit      auditor
	logger     *log.Logger
	now        func() time.Time
}

func NewWebhookFlow(
	msgRepo repository.MessageRepository,
	batchRepo repository.BatchRepository,
	tx repository.Transactor,
	completion BatchCompletionFlow,
	auditSink services.AuditSink,
	logger *log.Logger,
) WebhookFlow {
	return &WebhookFlowImpl{
		msgRepo:    msgRepo,
		batchRepo:  batchRepo,
		tx:         tx,
		completion: completion,
		audit:      auditor{sink: auditSink, logger: logger},
		logger:     logger,
		now:        utils.UTCNow,
	}
}

func (f *WebhookFlowImpl) HandleDeliveryWebhook(ctx context.Context, req *dto.DeliveryEventRequest, metadata *ClientMetadata) (*dto.DeliveryEventResponse, error) {
	providerID := strings.TrimSpace(req.ProviderID)
	if providerID == "" {
		return nil, NewValidationError("providerId", fmt.Errorf("is required"))
	}
	if strings.TrimSpace(req.Event) == "" {
		return nil, NewValidationError("event", fmt.Errorf("is required"))
	}

	msg, err := f.msgRepo.ByProviderMessageID(ctx, providerID)
	if err != nil {
		return nil, NewBusinessError("WEBHOOK_LOOKUP_FAILED", "Failed to look up message", err)
	}
	if msg == nil {
		return nil, &NotFoundError{Entity: "message", ID: providerID, Err: ErrUnknownProviderMessage}
	}

	event := NormalizeEvent(req.Event)
	resp := &dto.DeliveryEventResponse{MessageID: msg.UUID.String(), Status: msg.Status.String()}

	next, changed := ReduceStatus(msg.Status, event)
	if !changed {
		return resp, nil
	}

	updates := map[string]any{"status": next}
	var delta models.BatchCounterDelta
	switch next {
	case models.MessageStatusDelivered:
		at := f.now()
		if req.Timestamp != nil && !req.Timestamp.IsZero() {
			at = req.Timestamp.UTC()
		}
		updates["delivered_at"] = at
		delta.Delivered = 1
	default:
		updates["failure_reason"] = eventFailureReason(req, event)
		delta.Bounced = 1
	}

	var applied bool
	err = f.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		ok, err := f.msgRepo.CompareAndSetStatus(txCtx, msg.ID, msg.Status, updates)
		if err != nil || !ok {
			return err
		}
		applied = true
		if msg.BatchID != nil {
			return f.batchRepo.IncrementCounters(txCtx, *msg.BatchID, delta)
		}
		return nil
	})
	if err != nil {
		return nil, NewBusinessError("WEBHOOK_APPLY_FAILED", "Failed to apply delivery event", err)
	}
	if !applied {
		// a concurrent replay of the same event won the CAS
		return resp, nil
	}
	resp.Status = next.String()
	resp.Applied = true

	action := models.AuditActionMessageDelivered
	if next != models.MessageStatusDelivered {
		action = models.AuditActionMessageBounced
	}
	entry := &models.AuditLog{
		VendorID:   utils.ToPtr(msg.VendorID),
		Action:     action,
		EntityType: models.AuditEntityMessage,
		EntityID:   msg.UUID.String(),
		RequestID:  metadata.requestIDPtr(),
		Success:    utils.ToPtr(next == models.MessageStatusDelivered),
		Metadata: auditMetadata(map[string]any{
			"provider": req.Provider,
			"event":    string(event),
		}),
	}
	if reason, ok := updates["failure_reason"].(*string); ok {
		entry.ErrorMessage = reason
	}
	f.audit.record(ctx, entry)

	if msg.BatchID != nil && f.completion != nil {
		if _, err := f.completion.CheckBatchCompletion(ctx, *msg.BatchID); err != nil {
			f.logger.Printf("batch %d completion check after webhook: %v", *msg.BatchID, err)
		}
	}
	return resp, nil
}
