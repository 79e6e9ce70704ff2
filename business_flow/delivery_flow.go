package businessflow

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/amirphl/vendor-relay/app/services"
	"github.com/amirphl/vendor-relay/config"
	"github.com/amirphl/vendor-relay/models"
	"github.com/amirphl/vendor-relay/repository"
	"github.com/amirphl/vendor-relay/utils"
	"golang.org/x/time/rate"
)

// ProcessResult is the outcome of one delivery attempt
type ProcessResult struct {
	MessageID        uint
	Success          bool
	Skipped          bool
	Retryable        bool
	NotFound         bool
	CircuitOpen      bool
	Provider         string
	Status           models.MessageStatus
	Error            string
	ProcessingTimeMs int64
}

// DeliveryFlow dispatches queued messages to providers
type DeliveryFlow interface {
	ProcessMessage(ctx context.Context, messageID uint) (*ProcessResult, error)
	// DueMessages returns queued messages whose schedule has been reached
	DueMessages(ctx context.Context, limit int) ([]*models.Message, error)
	// ReleaseStaleClaims requeues messages held in processing beyond the claim lease
	ReleaseStaleClaims(ctx context.Context) (int64, error)
}

type DeliveryFlowImpl struct {
	msgRepo    repository.MessageRepository
	batchRepo  repository.BatchRepository
	tx         repository.Transactor
	breakers   *services.CircuitBreakerRegistry
	sms        services.SMSProvider
	email      services.EmailProvider
	completion BatchCompletionFlow
	cfg        config.DeliveryConfig
	pacers     map[models.Channel]*rate.Limiter
	audit      auditor
	logger     *log.Logger
	now        func() time.Time
}

func NewDeliveryFlow(
	msgRepo repository.MessageRepository,
	batchRepo repository.BatchRepository,
	tx repository.Transactor,
	breakers *services.CircuitBreakerRegistry,
	sms services.SMSProvider,
	email services.EmailProvider,
	completion BatchCompletionFlow,
	cfg config.DeliveryConfig,
	auditSink services.AuditSink,
	logger *log.Logger,
) DeliveryFlow {
	return &DeliveryFlowImpl{
		msgRepo:    msgRepo,
		batchRepo:  batchRepo,
		tx:         tx,
		breakers:   breakers,
		sms:        sms,
		email:      email,
		completion: completion,
		cfg:        cfg,
		pacers: map[models.Channel]*rate.Limiter{
			models.ChannelSMS:   newPacer(cfg.SMSPerSecond),
			models.ChannelEmail: newPacer(cfg.EmailPerSecond),
		},
		audit:  auditor{sink: auditSink, logger: logger},
		logger: logger,
		now:    utils.UTCNow,
	}
}

func newPacer(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Backoff returns the delay before retry number retryCount+1
func Backoff(cfg config.DeliveryConfig, retryCount int) time.Duration {
	d := cfg.RetryBaseDelay
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			return cfg.RetryMaxDelay
		}
	}
	if d > cfg.RetryMaxDelay {
		return cfg.RetryMaxDelay
	}
	return d
}

func (f *DeliveryFlowImpl) DueMessages(ctx context.Context, limit int) ([]*models.Message, error) {
	return f.msgRepo.ListDue(ctx, f.now(), limit)
}

func (f *DeliveryFlowImpl) ReleaseStaleClaims(ctx context.Context) (int64, error) {
	released, err := f.msgRepo.ReleaseStaleClaims(ctx, f.now().Add(-f.cfg.ClaimLease))
	if err != nil {
		return 0, err
	}
	if released > 0 {
		f.logger.Printf("released %d messages held past the %s claim lease", released, f.cfg.ClaimLease)
		f.audit.record(ctx, &models.AuditLog{
			Action:      models.AuditActionMessageClaimReleased,
			EntityType:  models.AuditEntityMessage,
			EntityID:    "*",
			Description: utils.ToPtr(fmt.Sprintf("%d stale claims returned to queue", released)),
		})
	}
	return released, nil
}

func (f *DeliveryFlowImpl) serviceFor(ch models.Channel) string {
	if ch == models.ChannelEmail {
		return f.email.Name()
	}
	return f.sms.Name()
}

func (f *DeliveryFlowImpl) send(ctx context.Context, msg *models.Message) (*services.ProviderResult, error) {
	ref := msg.UUID.String()
	switch msg.Channel {
	case models.ChannelEmail:
		return f.email.SendEmail(ctx, services.EmailMessage{
			RecipientToken: msg.RecipientToken,
			Subject:        utils.Deref(msg.Subject),
			Body:           msg.Body,
			Reference:      ref,
		})
	case models.ChannelSMS:
		return f.sms.SendSMS(ctx, services.SMSMessage{
			RecipientToken: msg.RecipientToken,
			Body:           msg.Body,
			Reference:      ref,
		})
	default:
		return nil, &services.ProviderError{Provider: "none", Message: fmt.Sprintf("unsupported channel %q", msg.Channel)}
	}
}

func (f *DeliveryFlowImpl) ProcessMessage(ctx context.Context, messageID uint) (*ProcessResult, error) {
	start := time.Now()
	res := &ProcessResult{MessageID: messageID}
	defer func() { res.ProcessingTimeMs = time.Since(start).Milliseconds() }()

	msg, err := f.msgRepo.ByID(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("load message %d: %w", messageID, err)
	}
	if msg == nil {
		res.NotFound = true
		return res, nil
	}
	res.Status = msg.Status

	now := f.now()
	if msg.Status != models.MessageStatusQueued || !utils.IsDue(msg.ScheduledAt, now) {
		res.Skipped = true
		return res, nil
	}

	claimed, err := f.msgRepo.CompareAndSetStatus(ctx, msg.ID, models.MessageStatusQueued, map[string]any{
		"status":     models.MessageStatusProcessing,
		"claimed_at": now,
	})
	if err != nil {
		return nil, fmt.Errorf("claim message %d: %w", messageID, err)
	}
	if !claimed {
		res.Skipped = true
		return res, nil
	}
	res.Status = models.MessageStatusProcessing

	serviceID := f.serviceFor(msg.Channel)
	res.Provider = serviceID

	if pacer := f.pacers[msg.Channel]; pacer != nil {
		if err := pacer.Wait(ctx); err != nil {
			f.unclaim(msg.ID)
			return nil, fmt.Errorf("pace %s: %w", serviceID, err)
		}
	}

	// Once the send starts the caller's cancellation no longer applies: the
	// provider call runs to completion or ProviderTimeout and its outcome is recorded.
	ctx = context.WithoutCancel(ctx)

	result, sendErr := services.WithCircuitBreaker(ctx, f.breakers, serviceID,
		func(ctx context.Context) (*services.ProviderResult, error) {
			callCtx, cancel := f.providerContext(ctx)
			defer cancel()
			return f.send(callCtx, msg)
		},
		services.WithFailureFilter[*services.ProviderResult](services.IsRetryable),
	)

	ctx, cancel := f.providerContext(ctx)
	defer cancel()

	if sendErr == nil && result != nil && result.Success {
		return f.markSent(ctx, msg, result, res)
	}
	if sendErr == nil {
		sendErr = &services.ProviderError{Provider: serviceID, Message: "provider reported failure without error"}
		if result != nil && result.Error != "" {
			sendErr = &services.ProviderError{Provider: serviceID, Message: result.Error, Retryable: result.Retryable}
		}
	}
	res.Error = sendErr.Error()

	if openErr, open := services.AsCircuitOpen(sendErr); open {
		res.CircuitOpen = true
		return f.deferUntil(ctx, msg, openErr, res)
	}
	if services.IsRetryable(sendErr) && msg.RetryCount < f.cfg.MaxRetries {
		return f.requeue(ctx, msg, sendErr, res)
	}
	return f.markFailed(ctx, msg, sendErr, res)
}

func (f *DeliveryFlowImpl) providerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if f.cfg.ProviderTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, f.cfg.ProviderTimeout)
}

// unclaim returns a claimed message to the queue without touching retry state
func (f *DeliveryFlowImpl) unclaim(id uint) {
	ok, err := f.msgRepo.CompareAndSetStatus(context.Background(), id, models.MessageStatusProcessing, map[string]any{
		"status":     models.MessageStatusQueued,
		"claimed_at": nil,
	})
	if err != nil || !ok {
		f.logger.Printf("could not release claim on message %d (ok=%v): %v", id, ok, err)
	}
}

func (f *DeliveryFlowImpl) markSent(ctx context.Context, msg *models.Message, result *services.ProviderResult, res *ProcessResult) (*ProcessResult, error) {
	now := f.now()
	updates := map[string]any{
		"status":         models.MessageStatusSent,
		"sent_at":        now,
		"claimed_at":     nil,
		"failure_reason": nil,
		"provider_name":  result.ProviderName,
	}
	if result.ProviderID != "" {
		updates["provider_message_id"] = result.ProviderID
	}

	var applied bool
	err := f.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		ok, err := f.msgRepo.CompareAndSetStatus(txCtx, msg.ID, models.MessageStatusProcessing, updates)
		if err != nil || !ok {
			return err
		}
		applied = true
		if msg.BatchID != nil {
			return f.batchRepo.IncrementCounters(txCtx, *msg.BatchID, models.BatchCounterDelta{Sent: 1})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record send of message %d: %w", msg.ID, err)
	}

	res.Success = true
	res.Provider = result.ProviderName
	if !applied {
		// the lease expired mid-call and the message was requeued; the
		// provider accepted it anyway so a later attempt may duplicate it
		f.logger.Printf("message %d sent by %s after its claim was lost", msg.ID, result.ProviderName)
		return res, nil
	}
	res.Status = models.MessageStatusSent

	f.audit.record(ctx, &models.AuditLog{
		VendorID:   utils.ToPtr(msg.VendorID),
		Action:     models.AuditActionMessageSent,
		EntityType: models.AuditEntityMessage,
		EntityID:   msg.UUID.String(),
		Metadata: auditMetadata(map[string]any{
			"provider":            result.ProviderName,
			"provider_message_id": result.ProviderID,
			"retry_count":         msg.RetryCount,
		}),
	})
	f.checkBatch(ctx, msg.BatchID)
	return res, nil
}

// deferUntil puts the message back until the circuit admits trial calls.
// The attempt never reached the provider so it does not consume a retry.
func (f *DeliveryFlowImpl) deferUntil(ctx context.Context, msg *models.Message, openErr *services.CircuitOpenError, res *ProcessResult) (*ProcessResult, error) {
	reopens := openErr.ReopensAt
	if reopens.IsZero() || reopens.Before(f.now()) {
		reopens = f.now()
	}
	ok, err := f.msgRepo.CompareAndSetStatus(ctx, msg.ID, models.MessageStatusProcessing, map[string]any{
		"status":       models.MessageStatusQueued,
		"claimed_at":   nil,
		"scheduled_at": reopens,
	})
	if err != nil {
		return nil, fmt.Errorf("defer message %d: %w", msg.ID, err)
	}
	res.Retryable = true
	if ok {
		res.Status = models.MessageStatusQueued
	}
	return res, nil
}

func (f *DeliveryFlowImpl) requeue(ctx context.Context, msg *models.Message, sendErr error, res *ProcessResult) (*ProcessResult, error) {
	next := f.now().Add(Backoff(f.cfg, msg.RetryCount))
	ok, err := f.msgRepo.CompareAndSetStatus(ctx, msg.ID, models.MessageStatusProcessing, map[string]any{
		"status":         models.MessageStatusQueued,
		"claimed_at":     nil,
		"retry_count":    msg.RetryCount + 1,
		"scheduled_at":   next,
		"failure_reason": sendErr.Error(),
	})
	if err != nil {
		return nil, fmt.Errorf("requeue message %d: %w", msg.ID, err)
	}
	res.Retryable = true
	if !ok {
		return res, nil
	}
	res.Status = models.MessageStatusQueued

	f.audit.record(ctx, &models.AuditLog{
		VendorID:     utils.ToPtr(msg.VendorID),
		Action:       models.AuditActionMessageRequeued,
		EntityType:   models.AuditEntityMessage,
		EntityID:     msg.UUID.String(),
		Success:      utils.ToPtr(false),
		ErrorMessage: utils.ToPtr(sendErr.Error()),
		Metadata: auditMetadata(map[string]any{
			"retry_count":  msg.RetryCount + 1,
			"scheduled_at": next.Format(time.RFC3339),
		}),
	})
	return res, nil
}

func (f *DeliveryFlowImpl) markFailed(ctx context.Context, msg *models.Message, sendErr error, res *ProcessResult) (*ProcessResult, error) {
	var applied bool
	err := f.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		ok, err := f.msgRepo.CompareAndSetStatus(txCtx, msg.ID, models.MessageStatusProcessing, map[string]any{
			"status":         models.MessageStatusFailed,
			"claimed_at":     nil,
			"failure_reason": sendErr.Error(),
		})
		if err != nil || !ok {
			return err
		}
		applied = true
		if msg.BatchID != nil {
			return f.batchRepo.IncrementCounters(txCtx, *msg.BatchID, models.BatchCounterDelta{Failed: 1})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record failure of message %d: %w", msg.ID, err)
	}
	if !applied {
		return res, nil
	}
	res.Status = models.MessageStatusFailed

	f.audit.record(ctx, &models.AuditLog{
		VendorID:     utils.ToPtr(msg.VendorID),
		Action:       models.AuditActionMessageFailed,
		EntityType:   models.AuditEntityMessage,
		EntityID:     msg.UUID.String(),
		Success:      utils.ToPtr(false),
		ErrorMessage: utils.ToPtr(sendErr.Error()),
		Metadata:     auditMetadata(map[string]any{"retry_count": msg.RetryCount}),
	})
	f.checkBatch(ctx, msg.BatchID)
	return res, nil
}

func (f *DeliveryFlowImpl) checkBatch(ctx context.Context, batchID *uint) {
	if batchID == nil || f.completion == nil {
		return
	}
	if _, err := f.completion.CheckBatchCompletion(ctx, *batchID); err != nil {
		f.logger.Printf("batch %s completion check: %v", strconv.FormatUint(uint64(*batchID), 10), err)
	}
}
