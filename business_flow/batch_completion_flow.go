package businessflow

import (
	"context"
	"fmt"
	"log"
	"math"
	"strconv"
	"time"

	"github.com/amirphl/vendor-relay/app/services"
	"github.com/amirphl/vendor-relay/models"
	"github.com/amirphl/vendor-relay/repository"
	"github.com/amirphl/vendor-relay/utils"
)

// BatchCompletionResult describes a settled batch
type BatchCompletionResult struct {
	Status       models.BatchStatus
	DeliveryRate float64
	// Finalized is true only for the call that moved the batch out of processing
	Finalized bool
}

// BatchCompletionFlow detects when every recipient of a batch has a send outcome
type BatchCompletionFlow interface {
	// CheckBatchCompletion returns nil while recipients are still in flight
	CheckBatchCompletion(ctx context.Context, batchID uint) (*BatchCompletionResult, error)
}

type BatchCompletionFlowImpl struct {
	batchRepo repository.BatchRepository
	audit     auditor
	logger    *log.Logger
	now       func() time.Time
}

func NewBatchCompletionFlow(batchRepo repository.BatchRepository, auditSink services.AuditSink, logger *log.Logger) BatchCompletionFlow {
	return &BatchCompletionFlowImpl{
		batchRepo: batchRepo,
		audit:     auditor{sink: auditSink, logger: logger},
		logger:    logger,
		now:       utils.UTCNow,
	}
}

func roundRate(r float64) float64 {
	return math.Round(r*10000) / 10000
}

func (f *BatchCompletionFlowImpl) CheckBatchCompletion(ctx context.Context, batchID uint) (*BatchCompletionResult, error) {
	batch, err := f.batchRepo.ByID(ctx, batchID)
	if err != nil {
		return nil, NewBusinessError("BATCH_LOOKUP_FAILED", "Failed to load batch", err)
	}
	if batch == nil {
		return nil, &NotFoundError{Entity: "batch", ID: strconv.FormatUint(uint64(batchID), 10), Err: ErrBatchNotFound}
	}

	rate := roundRate(batch.ComputeDeliveryRate())

	if batch.Status != models.BatchStatusProcessing {
		// late webhooks keep moving the delivery rate of a finished batch
		if batch.DeliveryRate == nil || *batch.DeliveryRate != rate {
			if err := f.batchRepo.UpdateDeliveryRate(ctx, batch.ID, rate); err != nil {
				return nil, NewBusinessError("BATCH_UPDATE_FAILED", "Failed to refresh delivery rate", err)
			}
		}
		return &BatchCompletionResult{Status: batch.Status, DeliveryRate: rate}, nil
	}

	if !batch.SendSettled() {
		return nil, nil
	}

	status := models.BatchStatusCompleted
	if batch.FailedCount >= batch.TotalRecipients {
		status = models.BatchStatusFailed
	}

	finalized, err := f.batchRepo.Finalize(ctx, batch.ID, status, f.now(), rate)
	if err != nil {
		return nil, NewBusinessError("BATCH_FINALIZE_FAILED", "Failed to finalize batch", err)
	}
	if !finalized {
		// another worker finalized it between our read and write
		current, err := f.batchRepo.ByID(ctx, batch.ID)
		if err != nil || current == nil {
			return &BatchCompletionResult{Status: status, DeliveryRate: rate}, nil
		}
		return &BatchCompletionResult{Status: current.Status, DeliveryRate: roundRate(current.ComputeDeliveryRate())}, nil
	}

	action := models.AuditActionBatchCompleted
	if status == models.BatchStatusFailed {
		action = models.AuditActionBatchFailed
	}
	f.audit.record(ctx, &models.AuditLog{
		VendorID:    utils.ToPtr(batch.VendorID),
		Action:      action,
		EntityType:  models.AuditEntityBatch,
		EntityID:    batch.UUID.String(),
		Description: utils.ToPtr(fmt.Sprintf("batch %s: sent=%d failed=%d delivered=%d of %d", status, batch.SentCount, batch.FailedCount, batch.DeliveredCount, batch.TotalRecipients)),
		Success:     utils.ToPtr(status == models.BatchStatusCompleted),
		Metadata: auditMetadata(map[string]any{
			"delivery_rate": rate,
			"sent":          batch.SentCount,
			"failed":        batch.FailedCount,
			"delivered":     batch.DeliveredCount,
			"bounced":       batch.BouncedCount,
		}),
	})
	f.logger.Printf("batch %s finalized as %s (delivery rate %.4f)", batch.UUID, status, rate)

	return &BatchCompletionResult{Status: status, DeliveryRate: rate, Finalized: true}, nil
}
