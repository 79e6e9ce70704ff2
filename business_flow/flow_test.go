package businessflow

import (
	"context"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/amirphl/vendor-relay/app/dto"
	"github.com/amirphl/vendor-relay/app/services"
	"github.com/amirphl/vendor-relay/config"
	"github.com/amirphl/vendor-relay/models"
	"github.com/amirphl/vendor-relay/repository"
	"github.com/amirphl/vendor-relay/repository/memory"
	"github.com/amirphl/vendor-relay/utils"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const testVendor = "vendor-1"

type harness struct {
	store      *memory.Store
	msgRepo    repository.MessageRepository
	batchRepo  repository.BatchRepository
	healthRepo repository.ServiceHealthRepository
	sms        *services.MockSMSProvider
	email      *services.MockEmailProvider
	breakers   *services.CircuitBreakerRegistry
	mr         *miniredis.Miniredis
	deliveryCf config.DeliveryConfig

	messages   MessageFlow
	delivery   DeliveryFlow
	webhooks   WebhookFlow
	completion BatchCompletionFlow
	health     ServiceHealthFlow
}

func testBreakerConfig() config.BreakerConfig {
	return config.BreakerConfig{
		Default:     config.BreakerSettings{FailureThreshold: 5, SuccessThreshold: 2, OpenDuration: 30 * time.Second},
		Identity:    config.BreakerSettings{FailureThreshold: 3, SuccessThreshold: 2, OpenDuration: 60 * time.Second},
		Messaging:   config.BreakerSettings{FailureThreshold: 10, SuccessThreshold: 3, OpenDuration: 30 * time.Second},
		Overrides:   map[string]config.BreakerSettings{},
		CASAttempts: 5,
	}
}

func testDeliveryConfig() config.DeliveryConfig {
	return config.DeliveryConfig{
		Enabled:         true,
		Workers:         2,
		PollInterval:    10 * time.Millisecond,
		BatchSize:       50,
		MaxRetries:      3,
		RetryBaseDelay:  30 * time.Second,
		RetryMaxDelay:   10 * time.Minute,
		ProviderTimeout: 2 * time.Second,
		ClaimLease:      2 * time.Minute,
		ReaperInterval:  time.Second,
	}
}

func newHarness(t *testing.T, breakerCfg config.BreakerConfig) *harness {
	t.Helper()

	logger := log.New(io.Discard, "", 0)
	store := memory.NewStore()
	msgRepo, batchRepo, healthRepo, auditRepo := store.Repositories()
	audit := services.NewDBAuditSink(auditRepo)

	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	pricing := services.NewPricingService(config.PricingConfig{EmailUnitPrice: 0.001, SMSUnitPrice: 0.0075})
	breakers := services.NewCircuitBreakerRegistry(healthRepo, breakerCfg, audit, logger)
	sms := services.NewMockSMSProvider()
	email := services.NewMockEmailProvider()
	deliveryCfg := testDeliveryConfig()

	completion := NewBatchCompletionFlow(batchRepo, audit, logger)
	return &harness{
		store:      store,
		msgRepo:    msgRepo,
		batchRepo:  batchRepo,
		healthRepo: healthRepo,
		sms:        sms,
		email:      email,
		breakers:   breakers,
		mr:         mr,
		deliveryCf: deliveryCfg,
		messages:   NewMessageFlow(msgRepo, batchRepo, store, pricing, rc, "relay:", audit, logger),
		delivery:   NewDeliveryFlow(msgRepo, batchRepo, store, breakers, sms, email, completion, deliveryCfg, audit, logger),
		webhooks:   NewWebhookFlow(msgRepo, batchRepo, store, completion, audit, logger),
		completion: completion,
		health:     NewServiceHealthFlow(breakers, audit, logger),
	}
}

func smsRequest(token string) *dto.SingleSendRequest {
	return &dto.SingleSendRequest{
		VendorID:       testVendor,
		Channel:        "SMS",
		RecipientToken: token,
		RecipientType:  "PARENT",
		Body:           "School closes early today",
	}
}

func batchRequest(n int) *dto.BatchSendRequest {
	recipients := make([]dto.Recipient, 0, n)
	for i := 0; i < n; i++ {
		recipients = append(recipients, dto.Recipient{
			RecipientToken: fmt.Sprintf("tok_recipient%05d", i),
			RecipientType:  "STUDENT",
		})
	}
	return &dto.BatchSendRequest{
		VendorID:   testVendor,
		Channel:    "SMS",
		Recipients: recipients,
		Body:       "Picture day is Friday",
	}
}

// enqueue stores a single SMS and returns its internal id
func (h *harness) enqueue(t *testing.T, req *dto.SingleSendRequest) uint {
	t.Helper()
	resp, err := h.messages.EnqueueMessage(context.Background(), req, nil)
	require.NoError(t, err)
	return h.internalID(t, resp.MessageID)
}

func (h *harness) internalID(t *testing.T, publicID string) uint {
	t.Helper()
	m, err := h.msgRepo.ByUUID(context.Background(), uuid.MustParse(publicID))
	require.NoError(t, err)
	require.NotNil(t, m, "message %s not stored", publicID)
	return m.ID
}

func (h *harness) message(t *testing.T, id uint) *models.Message {
	t.Helper()
	m, err := h.msgRepo.ByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, m)
	return m
}

// makeDue pulls a requeued message's schedule into the past
func (h *harness) makeDue(t *testing.T, id uint) {
	t.Helper()
	ok, err := h.msgRepo.CompareAndSetStatus(context.Background(), id, models.MessageStatusQueued, map[string]any{
		"scheduled_at": utils.UTCNow().Add(-time.Second),
	})
	require.NoError(t, err)
	require.True(t, ok)
}

func (h *harness) countMessages(t *testing.T) int64 {
	t.Helper()
	n, err := h.msgRepo.Count(context.Background(), models.MessageFilter{VendorID: utils.ToPtr(testVendor)})
	require.NoError(t, err)
	return n
}
