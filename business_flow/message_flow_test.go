package businessflow

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/amirphl/vendor-relay/app/dto"
	"github.com/amirphl/vendor-relay/models"
	"github.com/amirphl/vendor-relay/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestEnqueueMessage_IdempotencyKeyReturnsSameMessage(t *testing.T) {
	h := newHarness(t, testBreakerConfig())
	ctx := context.Background()

	req := smsRequest("tok_parent_0001")
	req.IdempotencyKey = utils.ToPtr("abc")

	first, err := h.messages.EnqueueMessage(ctx, req, nil)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, "queued", first.Status)
	assert.InDelta(t, 0.0075, first.EstimatedCost, 1e-9)

	second, err := h.messages.EnqueueMessage(ctx, req, nil)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.MessageID, second.MessageID)
	assert.Equal(t, int64(1), h.countMessages(t))

	// the key is scoped to the vendor
	other := smsRequest("tok_parent_0001")
	other.VendorID = "vendor-2"
	other.IdempotencyKey = utils.ToPtr("abc")
	third, err := h.messages.EnqueueMessage(ctx, other, nil)
	require.NoError(t, err)
	assert.False(t, third.Duplicate)
	assert.NotEqual(t, first.MessageID, third.MessageID)

	// the lock taken for the first request is released
	assert.False(t, h.mr.Exists("relay:idem:vendor-1:abc"))
}

func TestEnqueueMessage_KeyLockedByInFlightRequest(t *testing.T) {
	h := newHarness(t, testBreakerConfig())
	require.NoError(t, h.mr.Set("relay:idem:vendor-1:pending", "1"))

	req := smsRequest("tok_parent_0001")
	req.IdempotencyKey = utils.ToPtr("pending")

	_, err := h.messages.EnqueueMessage(context.Background(), req, nil)
	require.Error(t, err)
	assert.True(t, IsIdempotencyKeyInFlight(err))
	assert.Equal(t, int64(0), h.countMessages(t))
}

func TestEnqueueMessage_RedisDownStillDeduplicates(t *testing.T) {
	h := newHarness(t, testBreakerConfig())
	h.mr.Close()

	req := smsRequest("tok_parent_0001")
	req.IdempotencyKey = utils.ToPtr("abc")

	first, err := h.messages.EnqueueMessage(context.Background(), req, nil)
	require.NoError(t, err)
	second, err := h.messages.EnqueueMessage(context.Background(), req, nil)
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.MessageID, second.MessageID)
	assert.Equal(t, int64(1), h.countMessages(t))
}

func TestEnqueueMessage_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *dto.SingleSendRequest)
		field  string
	}{
		{"malformed token", func(r *dto.SingleSendRequest) { r.RecipientToken = "parent@example.com" }, "recipient.recipient_token"},
		{"short token", func(r *dto.SingleSendRequest) { r.RecipientToken = "tok_abc" }, "recipient.recipient_token"},
		{"unknown recipient type", func(r *dto.SingleSendRequest) { r.RecipientType = "ALUMNI" }, "recipient.recipient_type"},
		{"unknown channel", func(r *dto.SingleSendRequest) { r.Channel = "FAX" }, "channel"},
		{"email without subject", func(r *dto.SingleSendRequest) { r.Channel = "EMAIL" }, "subject"},
		{"blank body", func(r *dto.SingleSendRequest) { r.Body = "  " }, "body"},
		{"unknown priority", func(r *dto.SingleSendRequest) { r.Priority = "URGENT" }, "priority"},
		{"scheduled in the past", func(r *dto.SingleSendRequest) { r.ScheduledAt = utils.ToPtr(time.Now().Add(-time.Hour)) }, "scheduled_at"},
		{"metadata not an object", func(r *dto.SingleSendRequest) { r.Metadata = json.RawMessage(`[1,2]`) }, "metadata"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testBreakerConfig())
			req := smsRequest("tok_parent_0001")
			tt.mutate(req)

			_, err := h.messages.EnqueueMessage(context.Background(), req, nil)
			require.Error(t, err)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
			assert.Equal(t, int64(0), h.countMessages(t))
		})
	}
}

func TestEnqueueMessage_EmailWithPriorityAndSchedule(t *testing.T) {
	h := newHarness(t, testBreakerConfig())
	at := time.Now().Add(time.Hour).UTC()

	req := smsRequest("tok_teacher_0001")
	req.Channel = "EMAIL"
	req.Subject = utils.ToPtr("Grades posted")
	req.Priority = "HIGH"
	req.ScheduledAt = &at
	req.Metadata = json.RawMessage(`{"term":"fall"}`)

	resp, err := h.messages.EnqueueMessage(context.Background(), req, &ClientMetadata{RequestID: "req-1"})
	require.NoError(t, err)
	assert.InDelta(t, 0.001, resp.EstimatedCost, 1e-9)

	m := h.message(t, h.internalID(t, resp.MessageID))
	assert.Equal(t, models.ChannelEmail, m.Channel)
	assert.Equal(t, models.PriorityHigh, m.Priority)
	assert.Equal(t, int16(0), m.PriorityRank)
	require.NotNil(t, m.ScheduledAt)
	assert.True(t, m.ScheduledAt.Equal(at))

	logs := h.store.AuditLogs()
	require.NotEmpty(t, logs)
	last := logs[len(logs)-1]
	assert.Equal(t, models.AuditActionMessageEnqueued, last.Action)
	assert.Equal(t, "req-1", utils.Deref(last.RequestID))
}

func TestEnqueueBatch_CreatesBatchAndMessages(t *testing.T) {
	h := newHarness(t, testBreakerConfig())

	resp, err := h.messages.EnqueueBatch(context.Background(), batchRequest(3), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, resp.MessageCount)
	assert.Equal(t, "processing", resp.Status)
	assert.InDelta(t, 0.0225, resp.EstimatedCost, 1e-9)

	batch, err := h.messages.GetBatch(context.Background(), testVendor, resp.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 3, batch.TotalRecipients)

	list, err := h.messages.ListMessages(context.Background(), &dto.ListMessagesRequest{VendorID: testVendor, BatchID: &resp.BatchID})
	require.NoError(t, err)
	require.Len(t, list.Items, 3)
	for _, item := range list.Items {
		assert.Equal(t, resp.BatchID, utils.Deref(item.BatchID))
		assert.Equal(t, "queued", item.Status)
	}
}

func TestEnqueueBatch_RejectsWithoutPartialWrites(t *testing.T) {
	h := newHarness(t, testBreakerConfig())

	req := batchRequest(5)
	req.Recipients[3].RecipientToken = "not-a-token"
	_, err := h.messages.EnqueueBatch(context.Background(), req, nil)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	empty := batchRequest(0)
	_, err = h.messages.EnqueueBatch(context.Background(), empty, nil)
	assert.ErrorIs(t, err, ErrRecipientsRequired)

	tooMany := batchRequest(utils.MaxBatchRecipients + 1)
	_, err = h.messages.EnqueueBatch(context.Background(), tooMany, nil)
	assert.ErrorIs(t, err, ErrTooManyRecipients)

	past := batchRequest(2)
	past.ScheduledAt = utils.ToPtr(time.Now().Add(-time.Minute))
	_, err = h.messages.EnqueueBatch(context.Background(), past, nil)
	assert.ErrorIs(t, err, ErrScheduledInPast)

	assert.Equal(t, int64(0), h.countMessages(t))
	batches, err := h.batchRepo.Count(context.Background(), models.BatchFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), batches)
}

func TestGetMessage_HiddenFromOtherVendors(t *testing.T) {
	h := newHarness(t, testBreakerConfig())
	resp, err := h.messages.EnqueueMessage(context.Background(), smsRequest("tok_parent_0001"), nil)
	require.NoError(t, err)

	item, err := h.messages.GetMessage(context.Background(), testVendor, resp.MessageID)
	require.NoError(t, err)
	assert.Equal(t, resp.MessageID, item.MessageID)

	_, err = h.messages.GetMessage(context.Background(), "vendor-2", resp.MessageID)
	assert.True(t, IsNotFound(err))
	assert.True(t, IsMessageNotFound(err))

	_, err = h.messages.GetMessage(context.Background(), testVendor, "not-a-uuid")
	assert.True(t, IsNotFound(err))
}

func TestListMessages_PaginationAndFilters(t *testing.T) {
	h := newHarness(t, testBreakerConfig())
	for i := 0; i < 5; i++ {
		h.enqueue(t, smsRequest("tok_parent_000"+string(rune('a'+i))+"xyz"))
	}
	email := smsRequest("tok_teacher_0001")
	email.Channel = "EMAIL"
	email.Subject = utils.ToPtr("Hello")
	h.enqueue(t, email)

	page, err := h.messages.ListMessages(context.Background(), &dto.ListMessagesRequest{VendorID: testVendor, Page: 2, Limit: 4})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, int64(6), page.Pagination.Total)
	assert.Equal(t, 2, page.Pagination.TotalPages)

	emails, err := h.messages.ListMessages(context.Background(), &dto.ListMessagesRequest{VendorID: testVendor, Channel: utils.ToPtr("EMAIL")})
	require.NoError(t, err)
	require.Len(t, emails.Items, 1)
	assert.Equal(t, "EMAIL", emails.Items[0].Channel)

	_, err = h.messages.ListMessages(context.Background(), &dto.ListMessagesRequest{VendorID: testVendor, Limit: 500})
	assert.ErrorIs(t, err, ErrInvalidPageSize)

	from := time.Now()
	to := from.Add(-time.Hour)
	_, err = h.messages.ListMessages(context.Background(), &dto.ListMessagesRequest{VendorID: testVendor, From: &from, To: &to})
	assert.ErrorIs(t, err, ErrStartDateAfterEndDate)
}

func TestExportMessages_WritesWorkbook(t *testing.T) {
	h := newHarness(t, testBreakerConfig())
	h.enqueue(t, smsRequest("tok_parent_0001"))
	h.enqueue(t, smsRequest("tok_parent_0002"))

	out, err := h.messages.ExportMessages(context.Background(), &dto.ListMessagesRequest{VendorID: testVendor})
	require.NoError(t, err)
	assert.Contains(t, out.Filename, ".xlsx")

	xl, err := excelize.OpenReader(bytes.NewReader(out.Content))
	require.NoError(t, err)
	defer func() { _ = xl.Close() }()

	rows, err := xl.GetRows("messages")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "message_id", rows[0][0])
	assert.Equal(t, "SMS", rows[1][2])
}
