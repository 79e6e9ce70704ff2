package businessflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/amirphl/vendor-relay/app/dto"
	"github.com/amirphl/vendor-relay/app/services"
	"github.com/amirphl/vendor-relay/models"
	"github.com/amirphl/vendor-relay/repository"
	"github.com/amirphl/vendor-relay/utils"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/xuri/excelize/v2"
)

const maxExportRows = 10000

// MessageFlow handles enqueueing and status queries for vendor messages
type MessageFlow interface {
	EnqueueMessage(ctx context.Context, req *dto.SingleSendRequest, metadata *ClientMetadata) (*dto.EnqueueMessageResponse, error)
	EnqueueBatch(ctx context.Context, req *dto.BatchSendRequest, metadata *ClientMetadata) (*dto.EnqueueBatchResponse, error)
	GetMessage(ctx context.Context, vendorID, messageID string) (*dto.MessageItem, error)
	GetBatch(ctx context.Context, vendorID, batchID string) (*dto.BatchItem, error)
	ListMessages(ctx context.Context, req *dto.ListMessagesRequest) (*dto.ListMessagesResponse, error)
	ExportMessages(ctx context.Context, req *dto.ListMessagesRequest) (*dto.ExportMessagesResponse, error)
}

// MessageFlowImpl implements MessageFlow
type MessageFlowImpl struct {
	msgRepo     repository.MessageRepository
	batchRepo   repository.BatchRepository
	tx          repository.Transactor
	pricing     services.PricingService
	rc          redis.Cmdable
	redisPrefix string
	audit       auditor
	logger      *log.Logger
	now         func() time.Time
}

// NewMessageFlow creates the enqueue flow. rc may be nil, in which case
// idempotency relies on the lookup and the unique index alone.
func NewMessageFlow(
	msgRepo repository.MessageRepository,
	batchRepo repository.BatchRepository,
	tx repository.Transactor,
	pricing services.PricingService,
	rc redis.Cmdable,
	redisPrefix string,
	auditSink services.AuditSink,
	logger *log.Logger,
) MessageFlow {
	return &MessageFlowImpl{
		msgRepo:     msgRepo,
		batchRepo:   batchRepo,
		tx:          tx,
		pricing:     pricing,
		rc:          rc,
		redisPrefix: redisPrefix,
		audit:       auditor{sink: auditSink, logger: logger},
		logger:      logger,
		now:         utils.UTCNow,
	}
}

// sendFields are the attributes shared by single and batch sends
type sendFields struct {
	channel     models.Channel
	subject     *string
	body        string
	priority    models.MessagePriority
	scheduledAt *time.Time
	metadata    json.RawMessage
}

func (f *MessageFlowImpl) validateSendFields(channel string, subject *string, body, priority string, scheduledAt *time.Time, metadata json.RawMessage) (*sendFields, error) {
	ch := models.Channel(strings.ToUpper(strings.TrimSpace(channel)))
	if !ch.Valid() {
		return nil, NewValidationError("channel", ErrInvalidChannel)
	}

	if ch == models.ChannelEmail && (subject == nil || strings.TrimSpace(*subject) == "") {
		return nil, NewValidationError("subject", ErrSubjectRequired)
	}
	if ch == models.ChannelSMS {
		subject = nil
	}

	if strings.TrimSpace(body) == "" {
		return nil, NewValidationError("body", ErrBodyRequired)
	}

	prio := models.PriorityNormal
	if p := strings.ToUpper(strings.TrimSpace(priority)); p != "" {
		prio = models.MessagePriority(p)
		if prio != models.PriorityHigh && prio != models.PriorityNormal && prio != models.PriorityLow {
			return nil, NewValidationError("priority", ErrInvalidPriority)
		}
	}

	scheduled := utils.TimeToUTCPtr(scheduledAt)
	if scheduled != nil && scheduled.Before(f.now().Add(-utils.ScheduleClockSkew)) {
		return nil, NewValidationError("scheduled_at", ErrScheduledInPast)
	}

	if len(metadata) > 0 && string(metadata) != "null" {
		var obj map[string]any
		if err := json.Unmarshal(metadata, &obj); err != nil {
			return nil, NewValidationError("metadata", ErrInvalidMetadata)
		}
	} else {
		metadata = nil
	}

	return &sendFields{
		channel:     ch,
		subject:     subject,
		body:        body,
		priority:    prio,
		scheduledAt: scheduled,
		metadata:    metadata,
	}, nil
}

func validateRecipient(field, token, recipientType string) (models.RecipientType, error) {
	if !utils.IsRecipientToken(token) {
		return "", NewValidationError(field+".recipient_token", ErrInvalidRecipientToken)
	}
	rt := models.RecipientType(strings.ToUpper(strings.TrimSpace(recipientType)))
	switch rt {
	case models.RecipientTypeStudent, models.RecipientTypeParent, models.RecipientTypeTeacher, models.RecipientTypeStaff:
		return rt, nil
	default:
		return "", NewValidationError(field+".recipient_type", ErrInvalidRecipientType)
	}
}

func (f *MessageFlowImpl) newMessage(vendorID string, fields *sendFields, token string, rt models.RecipientType) *models.Message {
	return &models.Message{
		UUID:           uuid.New(),
		VendorID:       vendorID,
		Channel:        fields.channel,
		RecipientToken: token,
		RecipientType:  rt,
		Subject:        fields.subject,
		Body:           fields.body,
		Priority:       fields.priority,
		PriorityRank:   fields.priority.Rank(),
		Status:         models.MessageStatusQueued,
		ScheduledAt:    fields.scheduledAt,
		EstimatedCost:  f.pricing.EstimateCost(fields.channel, 1),
		Metadata:       fields.metadata,
	}
}

func (f *MessageFlowImpl) EnqueueMessage(ctx context.Context, req *dto.SingleSendRequest, metadata *ClientMetadata) (*dto.EnqueueMessageResponse, error) {
	fields, err := f.validateSendFields(req.Channel, req.Subject, req.Body, req.Priority, req.ScheduledAt, req.Metadata)
	if err != nil {
		return nil, err
	}
	rt, err := validateRecipient("recipient", req.RecipientToken, req.RecipientType)
	if err != nil {
		return nil, err
	}

	var key *string
	if req.IdempotencyKey != nil {
		k := strings.TrimSpace(*req.IdempotencyKey)
		if len(k) > 255 {
			return nil, NewValidationError("idempotency_key", ErrIdempotencyKeyTooLong)
		}
		if k != "" {
			key = &k
		}
	}

	if key != nil {
		existing, err := f.msgRepo.ByIdempotencyKey(ctx, req.VendorID, *key)
		if err != nil {
			return nil, NewBusinessError("ENQUEUE_LOOKUP_FAILED", "Failed to look up idempotency key", err)
		}
		if existing != nil {
			return f.duplicate(ctx, existing, metadata), nil
		}

		unlock, err := f.lockIdempotencyKey(ctx, req.VendorID, *key)
		if err != nil {
			if !errors.Is(err, ErrIdempotencyKeyInFlight) {
				return nil, err
			}
			// another request holds the key; it may have committed by now
			existing, lookupErr := f.msgRepo.ByIdempotencyKey(ctx, req.VendorID, *key)
			if lookupErr != nil {
				return nil, NewBusinessError("ENQUEUE_LOOKUP_FAILED", "Failed to look up idempotency key", lookupErr)
			}
			if existing != nil {
				return f.duplicate(ctx, existing, metadata), nil
			}
			return nil, err
		}
		defer unlock()
	}

	msg := f.newMessage(req.VendorID, fields, req.RecipientToken, rt)
	msg.IdempotencyKey = key

	if err := f.msgRepo.Save(ctx, msg); err != nil {
		if key != nil && errors.Is(err, repository.ErrDuplicateKey) {
			winner, lookupErr := f.msgRepo.ByIdempotencyKey(ctx, req.VendorID, *key)
			if lookupErr == nil && winner != nil {
				return f.duplicate(ctx, winner, metadata), nil
			}
		}
		return nil, NewBusinessError("ENQUEUE_FAILED", "Failed to enqueue message", err)
	}

	f.audit.record(ctx, &models.AuditLog{
		VendorID:    utils.ToPtr(req.VendorID),
		Action:      models.AuditActionMessageEnqueued,
		EntityType:  models.AuditEntityMessage,
		EntityID:    msg.UUID.String(),
		Description: utils.ToPtr(fmt.Sprintf("%s message queued", msg.Channel)),
		RequestID:   metadata.requestIDPtr(),
		Metadata: auditMetadata(map[string]any{
			"channel":        msg.Channel,
			"priority":       msg.Priority,
			"estimated_cost": msg.EstimatedCost,
		}),
	})

	return &dto.EnqueueMessageResponse{
		MessageID:     msg.UUID.String(),
		Status:        msg.Status.String(),
		Duplicate:     false,
		EstimatedCost: msg.EstimatedCost,
	}, nil
}

func (f *MessageFlowImpl) duplicate(ctx context.Context, existing *models.Message, metadata *ClientMetadata) *dto.EnqueueMessageResponse {
	f.audit.record(ctx, &models.AuditLog{
		VendorID:   utils.ToPtr(existing.VendorID),
		Action:     models.AuditActionMessageDuplicate,
		EntityType: models.AuditEntityMessage,
		EntityID:   existing.UUID.String(),
		RequestID:  metadata.requestIDPtr(),
	})
	return &dto.EnqueueMessageResponse{
		MessageID:     existing.UUID.String(),
		Status:        existing.Status.String(),
		Duplicate:     true,
		EstimatedCost: existing.EstimatedCost,
	}
}

// lockIdempotencyKey takes a short SETNX lock on the vendor's key so that
// concurrent retries of the same request do not race to insert. Redis being
// unreachable is not fatal; the unique index still rejects the loser.
func (f *MessageFlowImpl) lockIdempotencyKey(ctx context.Context, vendorID, key string) (func(), error) {
	noop := func() {}
	if f.rc == nil {
		return noop, nil
	}

	lockKey := fmt.Sprintf("%sidem:%s:%s", f.redisPrefix, vendorID, key)
	ok, err := f.rc.SetNX(ctx, lockKey, "1", utils.IdempotencyLockTTL).Result()
	if err != nil {
		f.logger.Printf("idempotency lock unavailable for vendor %s: %v", vendorID, err)
		return noop, nil
	}
	if !ok {
		return nil, NewBusinessError("IDEMPOTENCY_KEY_IN_FLIGHT", "A request with this idempotency key is in progress", ErrIdempotencyKeyInFlight)
	}
	return func() {
		_ = f.rc.Del(context.Background(), lockKey).Err()
	}, nil
}

func (f *MessageFlowImpl) EnqueueBatch(ctx context.Context, req *dto.BatchSendRequest, metadata *ClientMetadata) (*dto.EnqueueBatchResponse, error) {
	if len(req.Recipients) == 0 {
		return nil, NewValidationError("recipients", ErrRecipientsRequired)
	}
	if len(req.Recipients) > utils.MaxBatchRecipients {
		return nil, NewValidationError("recipients", ErrTooManyRecipients)
	}

	fields, err := f.validateSendFields(req.Channel, req.Subject, req.Body, req.Priority, req.ScheduledAt, req.Metadata)
	if err != nil {
		return nil, err
	}

	batch := &models.Batch{
		UUID:            uuid.New(),
		VendorID:        req.VendorID,
		Channel:         fields.channel,
		TotalRecipients: len(req.Recipients),
		Status:          models.BatchStatusProcessing,
		EstimatedCost:   f.pricing.EstimateCost(fields.channel, len(req.Recipients)),
		Metadata:        fields.metadata,
		ScheduledAt:     fields.scheduledAt,
	}

	messages := make([]*models.Message, 0, len(req.Recipients))
	for i, r := range req.Recipients {
		rt, err := validateRecipient(fmt.Sprintf("recipients[%d]", i), r.RecipientToken, r.RecipientType)
		if err != nil {
			return nil, err
		}
		messages = append(messages, f.newMessage(req.VendorID, fields, r.RecipientToken, rt))
	}

	err = f.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := f.batchRepo.Save(txCtx, batch); err != nil {
			return err
		}
		for _, m := range messages {
			m.BatchID = &batch.ID
		}
		return f.msgRepo.SaveBatch(txCtx, messages)
	})
	if err != nil {
		return nil, NewBusinessError("ENQUEUE_BATCH_FAILED", "Failed to enqueue batch", err)
	}

	f.audit.record(ctx, &models.AuditLog{
		VendorID:    utils.ToPtr(req.VendorID),
		Action:      models.AuditActionBatchEnqueued,
		EntityType:  models.AuditEntityBatch,
		EntityID:    batch.UUID.String(),
		Description: utils.ToPtr(fmt.Sprintf("%s batch of %d queued", batch.Channel, batch.TotalRecipients)),
		RequestID:   metadata.requestIDPtr(),
		Metadata: auditMetadata(map[string]any{
			"total_recipients": batch.TotalRecipients,
			"estimated_cost":   batch.EstimatedCost,
		}),
	})

	return &dto.EnqueueBatchResponse{
		BatchID:       batch.UUID.String(),
		MessageCount:  len(messages),
		Status:        string(batch.Status),
		ScheduledAt:   formatTime(batch.ScheduledAt),
		EstimatedCost: batch.EstimatedCost,
	}, nil
}

func (f *MessageFlowImpl) GetMessage(ctx context.Context, vendorID, messageID string) (*dto.MessageItem, error) {
	id, err := uuid.Parse(messageID)
	if err != nil {
		return nil, &NotFoundError{Entity: "message", ID: messageID, Err: ErrMessageNotFound}
	}
	msg, err := f.msgRepo.ByUUID(ctx, id)
	if err != nil {
		return nil, NewBusinessError("GET_MESSAGE_FAILED", "Failed to load message", err)
	}
	if msg == nil || msg.VendorID != vendorID {
		return nil, &NotFoundError{Entity: "message", ID: messageID, Err: ErrMessageNotFound}
	}

	batchIDs := f.batchUUIDs(ctx)
	item := ToMessageItem(msg, batchIDs(msg.BatchID))
	return &item, nil
}

func (f *MessageFlowImpl) GetBatch(ctx context.Context, vendorID, batchID string) (*dto.BatchItem, error) {
	id, err := uuid.Parse(batchID)
	if err != nil {
		return nil, &NotFoundError{Entity: "batch", ID: batchID, Err: ErrBatchNotFound}
	}
	batch, err := f.batchRepo.ByUUID(ctx, id)
	if err != nil {
		return nil, NewBusinessError("GET_BATCH_FAILED", "Failed to load batch", err)
	}
	if batch == nil || batch.VendorID != vendorID {
		return nil, &NotFoundError{Entity: "batch", ID: batchID, Err: ErrBatchNotFound}
	}
	item := ToBatchItem(batch)
	return &item, nil
}

// batchUUIDs returns a resolver from internal batch ids to public ids, caching lookups
func (f *MessageFlowImpl) batchUUIDs(ctx context.Context) func(*uint) *string {
	cache := make(map[uint]*string)
	return func(id *uint) *string {
		if id == nil {
			return nil
		}
		if v, ok := cache[*id]; ok {
			return v
		}
		var out *string
		if b, err := f.batchRepo.ByID(ctx, *id); err == nil && b != nil {
			out = utils.ToPtr(b.UUID.String())
		}
		cache[*id] = out
		return out
	}
}

// messageFilter converts the request into a repository filter. ok is false
// when the filter can match nothing (a batch the vendor does not own).
func (f *MessageFlowImpl) messageFilter(ctx context.Context, req *dto.ListMessagesRequest) (models.MessageFilter, bool, error) {
	filter := models.MessageFilter{VendorID: utils.ToPtr(req.VendorID)}

	if req.From != nil && req.To != nil && req.From.After(*req.To) {
		return filter, false, NewValidationError("from", ErrStartDateAfterEndDate)
	}
	filter.CreatedAfter = utils.TimeToUTCPtr(req.From)
	filter.CreatedBefore = utils.TimeToUTCPtr(req.To)

	if req.Status != nil && *req.Status != "" {
		st := models.MessageStatus(strings.ToLower(*req.Status))
		if !st.Valid() {
			return filter, false, NewValidationError("status", fmt.Errorf("unknown status %q", *req.Status))
		}
		filter.Status = &st
	}
	if req.Channel != nil && *req.Channel != "" {
		ch := models.Channel(strings.ToUpper(*req.Channel))
		if !ch.Valid() {
			return filter, false, NewValidationError("channel", ErrInvalidChannel)
		}
		filter.Channel = &ch
	}
	if req.BatchID != nil && *req.BatchID != "" {
		id, err := uuid.Parse(*req.BatchID)
		if err != nil {
			return filter, false, NewValidationError("batch_id", err)
		}
		batch, err := f.batchRepo.ByUUID(ctx, id)
		if err != nil {
			return filter, false, NewBusinessError("LIST_MESSAGES_FAILED", "Failed to resolve batch", err)
		}
		if batch == nil || batch.VendorID != req.VendorID {
			return filter, false, nil
		}
		filter.BatchID = &batch.ID
	}
	return filter, true, nil
}

func (f *MessageFlowImpl) ListMessages(ctx context.Context, req *dto.ListMessagesRequest) (*dto.ListMessagesResponse, error) {
	page := req.Page
	if page == 0 {
		page = 1
	}
	if page < 1 {
		return nil, NewValidationError("page", ErrInvalidPage)
	}
	limit := req.Limit
	if limit == 0 {
		limit = utils.DefaultPageSize
	}
	if limit < 1 || limit > utils.MaxPageSize {
		return nil, NewValidationError("limit", ErrInvalidPageSize)
	}

	resp := &dto.ListMessagesResponse{
		Items:      []dto.MessageItem{},
		Pagination: dto.PaginationInfo{Page: page, Limit: limit},
	}

	filter, ok, err := f.messageFilter(ctx, req)
	if err != nil {
		return nil, err
	}
	if !ok {
		return resp, nil
	}

	total, err := f.msgRepo.Count(ctx, filter)
	if err != nil {
		return nil, NewBusinessError("LIST_MESSAGES_FAILED", "Failed to count messages", err)
	}
	rows, err := f.msgRepo.ByFilter(ctx, filter, "created_at DESC, id DESC", limit, (page-1)*limit)
	if err != nil {
		return nil, NewBusinessError("LIST_MESSAGES_FAILED", "Failed to list messages", err)
	}

	batchIDs := f.batchUUIDs(ctx)
	for _, m := range rows {
		resp.Items = append(resp.Items, ToMessageItem(m, batchIDs(m.BatchID)))
	}
	resp.Pagination.Total = total
	resp.Pagination.TotalPages = int((total + int64(limit) - 1) / int64(limit))
	return resp, nil
}

// ExportMessages renders the filtered messages as an XLSX workbook
func (f *MessageFlowImpl) ExportMessages(ctx context.Context, req *dto.ListMessagesRequest) (*dto.ExportMessagesResponse, error) {
	filter, ok, err := f.messageFilter(ctx, req)
	if err != nil {
		return nil, err
	}

	var rows []*models.Message
	if ok {
		rows, err = f.msgRepo.ByFilter(ctx, filter, "created_at DESC, id DESC", maxExportRows, 0)
		if err != nil {
			return nil, NewBusinessError("EXPORT_MESSAGES_FAILED", "Failed to list messages", err)
		}
	}

	xl := excelize.NewFile()
	defer func() { _ = xl.Close() }()

	sheet := "messages"
	xl.SetSheetName(xl.GetSheetName(0), sheet)

	header := []string{"message_id", "batch_id", "channel", "recipient_token", "recipient_type", "priority", "status", "retry_count", "provider", "provider_message_id", "failure_reason", "estimated_cost", "scheduled_at", "sent_at", "delivered_at", "created_at"}
	_ = xl.SetSheetRow(sheet, "A1", &header)

	batchIDs := f.batchUUIDs(ctx)
	for i, m := range rows {
		item := ToMessageItem(m, batchIDs(m.BatchID))
		record := []string{
			item.MessageID,
			utils.Deref(item.BatchID),
			item.Channel,
			item.RecipientToken,
			item.RecipientType,
			item.Priority,
			item.Status,
			strconv.Itoa(item.RetryCount),
			utils.Deref(item.ProviderName),
			utils.Deref(item.ProviderMessageID),
			utils.Deref(item.FailureReason),
			strconv.FormatFloat(item.EstimatedCost, 'f', 4, 64),
			utils.Deref(item.ScheduledAt),
			utils.Deref(item.SentAt),
			utils.Deref(item.DeliveredAt),
			item.CreatedAt,
		}
		cellRef, _ := excelize.CoordinatesToCellName(1, i+2)
		_ = xl.SetSheetRow(sheet, cellRef, &record)
	}

	buf, err := xl.WriteToBuffer()
	if err != nil {
		return nil, NewBusinessError("EXCEL_WRITE_ERROR", "Failed to write Excel file", err)
	}
	return &dto.ExportMessagesResponse{
		Filename: fmt.Sprintf("messages_%s.xlsx", f.now().Format("20060102_150405")),
		Content:  buf.Bytes(),
	}, nil
}
