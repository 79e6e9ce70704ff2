package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/amirphl/vendor-relay/models"
	"github.com/amirphl/vendor-relay/repository"
	"github.com/amirphl/vendor-relay/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMessage(vendor string) *models.Message {
	return &models.Message{
		VendorID:       vendor,
		Channel:        models.ChannelSMS,
		RecipientToken: "tok_abcdefgh",
		RecipientType:  models.RecipientTypeParent,
		Body:           "hello",
		Priority:       models.PriorityNormal,
		PriorityRank:   models.PriorityNormal.Rank(),
	}
}

func TestMessageRepository_CompareAndSetStatus(t *testing.T) {
	ctx := context.Background()
	msgs, _, _, _ := NewStore().Repositories()

	m := newMessage("v1")
	require.NoError(t, msgs.Save(ctx, m))
	assert.Equal(t, models.MessageStatusQueued, m.Status)

	now := utils.UTCNow()
	ok, err := msgs.CompareAndSetStatus(ctx, m.ID, models.MessageStatusQueued, map[string]any{
		"status":     models.MessageStatusProcessing,
		"claimed_at": now,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	// second claim loses
	ok, err = msgs.CompareAndSetStatus(ctx, m.ID, models.MessageStatusQueued, map[string]any{
		"status": models.MessageStatusProcessing,
	})
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := msgs.ByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusProcessing, stored.Status)
	require.NotNil(t, stored.ClaimedAt)

	_, err = msgs.CompareAndSetStatus(ctx, m.ID, models.MessageStatusProcessing, map[string]any{"bogus": 1})
	assert.Error(t, err)
}

func TestMessageRepository_IdempotencyKeyUnique(t *testing.T) {
	ctx := context.Background()
	msgs, _, _, _ := NewStore().Repositories()

	a := newMessage("v1")
	a.IdempotencyKey = utils.ToPtr("k1")
	require.NoError(t, msgs.Save(ctx, a))

	b := newMessage("v1")
	b.IdempotencyKey = utils.ToPtr("k1")
	err := msgs.Save(ctx, b)
	assert.True(t, repository.IsDuplicateKey(err))

	// same key for another vendor is fine
	c := newMessage("v2")
	c.IdempotencyKey = utils.ToPtr("k1")
	require.NoError(t, msgs.Save(ctx, c))

	found, err := msgs.ByIdempotencyKey(ctx, "v1", "k1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, a.ID, found.ID)
}

func TestMessageRepository_ListDueOrdersByPriority(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	msgs, _, _, _ := store.Repositories()
	now := utils.UTCNow()

	low := newMessage("v1")
	low.Priority, low.PriorityRank = models.PriorityLow, models.PriorityLow.Rank()
	high := newMessage("v1")
	high.Priority, high.PriorityRank = models.PriorityHigh, models.PriorityHigh.Rank()
	future := newMessage("v1")
	future.ScheduledAt = utils.ToPtr(now.Add(time.Hour))

	for _, m := range []*models.Message{low, high, future} {
		require.NoError(t, msgs.Save(ctx, m))
	}

	due, err := msgs.ListDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, high.ID, due[0].ID)
	assert.Equal(t, low.ID, due[1].ID)
}

func TestStore_WithTransactionRollsBack(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	msgs, batches, _, _ := store.Repositories()

	boom := errors.New("boom")
	err := store.WithTransaction(ctx, func(txCtx context.Context) error {
		b := &models.Batch{VendorID: "v1", Channel: models.ChannelSMS, TotalRecipients: 1}
		if err := batches.Save(txCtx, b); err != nil {
			return err
		}
		m := newMessage("v1")
		m.BatchID = &b.ID
		if err := msgs.Save(txCtx, m); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	count, err := msgs.Count(ctx, models.MessageFilter{})
	require.NoError(t, err)
	assert.Zero(t, count)
	count, err = batches.Count(ctx, models.BatchFilter{})
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestBatchRepository_FinalizeOnce(t *testing.T) {
	ctx := context.Background()
	_, batches, _, _ := NewStore().Repositories()

	b := &models.Batch{VendorID: "v1", Channel: models.ChannelEmail, TotalRecipients: 2}
	require.NoError(t, batches.Save(ctx, b))
	require.NoError(t, batches.IncrementCounters(ctx, b.ID, models.BatchCounterDelta{Sent: 1, Failed: 1}))

	ok, err := batches.Finalize(ctx, b.ID, models.BatchStatusCompleted, utils.UTCNow(), 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = batches.Finalize(ctx, b.ID, models.BatchStatusFailed, utils.UTCNow(), 0)
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := batches.ByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCompleted, stored.Status)
	assert.Equal(t, 1, stored.SentCount)
	assert.Equal(t, 1, stored.FailedCount)
}

func TestServiceHealthRepository_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	_, _, health, _ := NewStore().Repositories()

	row, err := health.CreateIfAbsent(ctx, &models.ServiceHealth{
		ServiceID:    "twilio",
		Status:       models.HealthStatusHealthy,
		CircuitState: models.CircuitClosed,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), row.Version)

	next := *row
	next.ConsecutiveFailures = 1
	ok, err := health.CompareAndSwap(ctx, &next, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), next.Version)

	stale := *row
	stale.ConsecutiveFailures = 5
	ok, err = health.CompareAndSwap(ctx, &stale, 0)
	require.NoError(t, err)
	assert.False(t, ok)

	deleted, err := health.Delete(ctx, "twilio")
	require.NoError(t, err)
	assert.True(t, deleted)
	got, err := health.ByServiceID(ctx, "twilio")
	require.NoError(t, err)
	assert.Nil(t, got)
}
