package businessflow

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amirphl/vendor-relay/app/services"
	"github.com/amirphl/vendor-relay/config"
	"github.com/amirphl/vendor-relay/models"
	"github.com/amirphl/vendor-relay/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unavailable(msg services.SMSMessage) error {
	return &services.ProviderError{Provider: services.ServiceTwilio, StatusCode: 503, Retryable: true, Message: "service unavailable"}
}

func rejected(msg services.SMSMessage) error {
	return &services.ProviderError{Provider: services.ServiceTwilio, StatusCode: 400, Message: "invalid destination"}
}

func TestProcessMessage_SendsAndRecordsProvider(t *testing.T) {
	h := newHarness(t, testBreakerConfig())
	id := h.enqueue(t, smsRequest("tok_parent_0001"))

	res, err := h.delivery.ProcessMessage(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Skipped)
	assert.Equal(t, services.ServiceTwilio, res.Provider)
	assert.Equal(t, models.MessageStatusSent, res.Status)

	m := h.message(t, id)
	assert.Equal(t, models.MessageStatusSent, m.Status)
	assert.NotNil(t, m.SentAt)
	assert.Nil(t, m.ClaimedAt)
	require.Len(t, h.sms.GetSentMessages(), 1)
	assert.Equal(t, h.sms.GetSentMessages()[0].ProviderID, utils.Deref(m.ProviderMessageID))
	assert.Equal(t, services.ServiceTwilio, utils.Deref(m.ProviderName))
}

func TestProcessMessage_RoutesEmailToEmailProvider(t *testing.T) {
	h := newHarness(t, testBreakerConfig())
	req := smsRequest("tok_teacher_0001")
	req.Channel = "EMAIL"
	req.Subject = utils.ToPtr("Report cards")
	id := h.enqueue(t, req)

	res, err := h.delivery.ProcessMessage(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, services.ServiceSendGrid, res.Provider)
	require.Len(t, h.email.GetSentEmails(), 1)
	assert.Equal(t, "Report cards", h.email.GetSentEmails()[0].Subject)
	assert.Empty(t, h.sms.GetSentMessages())
}

func TestProcessMessage_NotFoundAndSkipped(t *testing.T) {
	h := newHarness(t, testBreakerConfig())
	ctx := context.Background()

	res, err := h.delivery.ProcessMessage(ctx, 9999)
	require.NoError(t, err)
	assert.True(t, res.NotFound)

	future := smsRequest("tok_parent_0001")
	future.ScheduledAt = utils.ToPtr(time.Now().Add(time.Hour))
	futureID := h.enqueue(t, future)
	res, err = h.delivery.ProcessMessage(ctx, futureID)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, models.MessageStatusQueued, h.message(t, futureID).Status)

	sentID := h.enqueue(t, smsRequest("tok_parent_0002"))
	_, err = h.delivery.ProcessMessage(ctx, sentID)
	require.NoError(t, err)
	res, err = h.delivery.ProcessMessage(ctx, sentID)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Len(t, h.sms.GetSentMessages(), 1)
}

func TestProcessMessage_ConcurrentWorkersSendOnce(t *testing.T) {
	h := newHarness(t, testBreakerConfig())
	id := h.enqueue(t, smsRequest("tok_parent_0001"))

	var sent, skipped atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.delivery.ProcessMessage(context.Background(), id)
			if err != nil {
				return
			}
			if res.Success {
				sent.Add(1)
			}
			if res.Skipped {
				skipped.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), sent.Load())
	assert.Equal(t, int32(9), skipped.Load())
	assert.Len(t, h.sms.GetSentMessages(), 1)
}

func TestProcessMessage_RetryableFailureRequeuesWithBackoff(t *testing.T) {
	h := newHarness(t, testBreakerConfig())
	h.sms.Fail = unavailable
	id := h.enqueue(t, smsRequest("tok_parent_0001"))

	before := time.Now()
	res, err := h.delivery.ProcessMessage(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, res.Retryable)
	assert.False(t, res.Success)

	m := h.message(t, id)
	assert.Equal(t, models.MessageStatusQueued, m.Status)
	assert.Equal(t, 1, m.RetryCount)
	require.NotNil(t, m.ScheduledAt)
	assert.WithinDuration(t, before.Add(30*time.Second), *m.ScheduledAt, 2*time.Second)
	assert.Contains(t, utils.Deref(m.FailureReason), "service unavailable")

	// not due yet
	res, err = h.delivery.ProcessMessage(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	for i := 0; i < h.deliveryCf.MaxRetries; i++ {
		h.makeDue(t, id)
		_, err = h.delivery.ProcessMessage(context.Background(), id)
		require.NoError(t, err)
	}

	m = h.message(t, id)
	assert.Equal(t, models.MessageStatusFailed, m.Status)
	assert.Equal(t, h.deliveryCf.MaxRetries, m.RetryCount)
}

func TestProcessMessage_TerminalFailureDoesNotTripBreaker(t *testing.T) {
	h := newHarness(t, testBreakerConfig())
	h.sms.Fail = rejected
	id := h.enqueue(t, smsRequest("tok_parent_0001"))

	res, err := h.delivery.ProcessMessage(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, res.Retryable)
	assert.Equal(t, models.MessageStatusFailed, res.Status)

	m := h.message(t, id)
	assert.Equal(t, models.MessageStatusFailed, m.Status)
	assert.Equal(t, 0, m.RetryCount)

	health, err := h.healthRepo.ByServiceID(context.Background(), services.ServiceTwilio)
	require.NoError(t, err)
	require.NotNil(t, health)
	assert.Equal(t, 0, health.ConsecutiveFailures)
}

// Five consecutive provider failures open a circuit whose threshold is five;
// the sixth dispatch is short-circuited and deferred without using a retry.
func TestProcessMessage_CircuitOpensAfterThreshold(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.Overrides[services.ServiceTwilio] = config.BreakerSettings{FailureThreshold: 5, SuccessThreshold: 2, OpenDuration: 30 * time.Second}
	h := newHarness(t, cfg)

	var calls atomic.Int32
	h.sms.Fail = func(msg services.SMSMessage) error {
		calls.Add(1)
		return unavailable(msg)
	}

	for i := 0; i < 5; i++ {
		id := h.enqueue(t, smsRequest("tok_parent_000"+string(rune('a'+i))+"xyz"))
		res, err := h.delivery.ProcessMessage(context.Background(), id)
		require.NoError(t, err)
		assert.False(t, res.CircuitOpen)
	}

	health, err := h.healthRepo.ByServiceID(context.Background(), services.ServiceTwilio)
	require.NoError(t, err)
	assert.Equal(t, models.CircuitOpen, health.CircuitState)
	assert.Equal(t, models.HealthStatusDown, health.Status)

	sixth := h.enqueue(t, smsRequest("tok_parent_sixth01"))
	res, err := h.delivery.ProcessMessage(context.Background(), sixth)
	require.NoError(t, err)
	assert.True(t, res.CircuitOpen)
	assert.True(t, res.Retryable)
	assert.Equal(t, int32(5), calls.Load())

	m := h.message(t, sixth)
	assert.Equal(t, models.MessageStatusQueued, m.Status)
	assert.Equal(t, 0, m.RetryCount)
	require.NotNil(t, m.ScheduledAt)
	assert.True(t, m.ScheduledAt.Equal(*health.ReopensAt()))
}

func TestReleaseStaleClaims(t *testing.T) {
	h := newHarness(t, testBreakerConfig())
	id := h.enqueue(t, smsRequest("tok_parent_0001"))

	ok, err := h.msgRepo.CompareAndSetStatus(context.Background(), id, models.MessageStatusQueued, map[string]any{
		"status":     models.MessageStatusProcessing,
		"claimed_at": utils.UTCNow().Add(-3 * time.Minute),
	})
	require.NoError(t, err)
	require.True(t, ok)

	released, err := h.delivery.ReleaseStaleClaims(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)
	assert.Equal(t, models.MessageStatusQueued, h.message(t, id).Status)

	res, err := h.delivery.ProcessMessage(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestBackoff(t *testing.T) {
	cfg := testDeliveryConfig()
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, 30 * time.Second},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{4, 8 * time.Minute},
		{5, 10 * time.Minute},
		{12, 10 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(cfg, tt.retry), "retry %d", tt.retry)
	}
}

func TestDueMessages_OrderedByPriority(t *testing.T) {
	h := newHarness(t, testBreakerConfig())
	low := smsRequest("tok_parent_low0001")
	low.Priority = "LOW"
	high := smsRequest("tok_parent_high001")
	high.Priority = "HIGH"
	lowID := h.enqueue(t, low)
	normalID := h.enqueue(t, smsRequest("tok_parent_norm001"))
	highID := h.enqueue(t, high)

	due, err := h.delivery.DueMessages(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, []uint{highID, normalID, lowID}, []uint{due[0].ID, due[1].ID, due[2].ID})
}

// slowTwilioServer answers every send with a queued message after delay
func slowTwilioServer(t *testing.T, delay time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM0001","status":"queued"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProcessMessage_CallerCancelDoesNotAbortSend(t *testing.T) {
	h := newHarness(t, testBreakerConfig())
	srv := slowTwilioServer(t, 300*time.Millisecond)
	twilio := services.NewTwilioSMSProvider(&config.SMSConfig{
		ProviderDomain: srv.URL,
		AccountSID:     "AC0001",
		APIKey:         "key",
		SourceNumber:   "+15550000000",
		Timeout:        5 * time.Second,
	})
	_, _, _, auditRepo := h.store.Repositories()
	delivery := NewDeliveryFlow(h.msgRepo, h.batchRepo, h.store, h.breakers, twilio, h.email, h.completion,
		h.deliveryCf, services.NewDBAuditSink(auditRepo), log.New(io.Discard, "", 0))

	id := h.enqueue(t, smsRequest("tok_parent_0001"))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	defer cancel()

	res, err := delivery.ProcessMessage(ctx, id)
	require.NoError(t, err)
	assert.True(t, res.Success)

	m := h.message(t, id)
	assert.Equal(t, models.MessageStatusSent, m.Status)
	assert.Equal(t, 0, m.RetryCount)
	assert.Equal(t, "SM0001", utils.Deref(m.ProviderMessageID))

	health, err := h.healthRepo.ByServiceID(context.Background(), services.ServiceTwilio)
	require.NoError(t, err)
	if health != nil {
		assert.Equal(t, 0, health.ConsecutiveFailures)
	}
}
