package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/amirphl/vendor-relay/models"
	"github.com/amirphl/vendor-relay/repository"
	testingutil "github.com/amirphl/vendor-relay/testing"
	"github.com/amirphl/vendor-relay/utils"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupDB provisions a throwaway Postgres database, skipping when none is reachable
func setupDB(t *testing.T) *testingutil.TestDB {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres repository tests skipped in short mode")
	}
	tdb, err := testingutil.SetupTestDB()
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	t.Cleanup(func() { _ = tdb.TeardownTestDB() })
	return tdb
}

func newMessage(vendor string) *models.Message {
	return &models.Message{
		UUID:           uuid.New(),
		VendorID:       vendor,
		Channel:        models.ChannelSMS,
		RecipientToken: "tok_abcdefgh",
		RecipientType:  models.RecipientTypeParent,
		Body:           "hello",
		Priority:       models.PriorityNormal,
		PriorityRank:   models.PriorityNormal.Rank(),
		Status:         models.MessageStatusQueued,
	}
}

func TestMessageRepository_Postgres(t *testing.T) {
	tdb := setupDB(t)
	ctx := testingutil.CreateTestContext()
	repo := repository.NewMessageRepository(tdb.DB)

	t.Run("IdempotencyKeyUnique", func(t *testing.T) {
		first := newMessage("vendor-1")
		first.IdempotencyKey = utils.ToPtr("abc")
		require.NoError(t, repo.Save(ctx, first))

		dup := newMessage("vendor-1")
		dup.IdempotencyKey = utils.ToPtr("abc")
		err := repo.Save(ctx, dup)
		require.Error(t, err)
		assert.True(t, repository.IsDuplicateKey(err))

		found, err := repo.ByIdempotencyKey(ctx, "vendor-1", "abc")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, first.UUID, found.UUID)
	})

	t.Run("CompareAndSetStatus", func(t *testing.T) {
		m := newMessage("vendor-1")
		require.NoError(t, repo.Save(ctx, m))

		ok, err := repo.CompareAndSetStatus(ctx, m.ID, models.MessageStatusQueued, map[string]any{
			"status":     models.MessageStatusProcessing,
			"claimed_at": utils.UTCNow().Add(-time.Hour),
		})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = repo.CompareAndSetStatus(ctx, m.ID, models.MessageStatusQueued, map[string]any{"status": models.MessageStatusProcessing})
		require.NoError(t, err)
		assert.False(t, ok)

		released, err := repo.ReleaseStaleClaims(ctx, utils.UTCNow().Add(-time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(1), released)
	})

	t.Run("ListDueOrdersByPriority", func(t *testing.T) {
		require.NoError(t, tdb.ClearAllTables())
		low := newMessage("vendor-1")
		low.Priority, low.PriorityRank = models.PriorityLow, models.PriorityLow.Rank()
		high := newMessage("vendor-1")
		high.Priority, high.PriorityRank = models.PriorityHigh, models.PriorityHigh.Rank()
		later := newMessage("vendor-1")
		later.ScheduledAt = utils.ToPtr(utils.UTCNow().Add(time.Hour))
		require.NoError(t, repo.Save(ctx, low))
		require.NoError(t, repo.Save(ctx, high))
		require.NoError(t, repo.Save(ctx, later))

		due, err := repo.ListDue(ctx, utils.UTCNow(), 10)
		require.NoError(t, err)
		require.Len(t, due, 2)
		assert.Equal(t, high.ID, due[0].ID)
		assert.Equal(t, low.ID, due[1].ID)
	})
}

func TestBatchRepository_Postgres(t *testing.T) {
	tdb := setupDB(t)
	ctx := context.Background()
	batches := repository.NewBatchRepository(tdb.DB)
	tx := repository.NewTransactor(tdb.DB)

	b := &models.Batch{UUID: uuid.New(), VendorID: "vendor-1", Channel: models.ChannelSMS, TotalRecipients: 2, Status: models.BatchStatusProcessing}
	require.NoError(t, batches.Save(ctx, b))

	require.NoError(t, tx.WithTransaction(ctx, func(txCtx context.Context) error {
		return batches.IncrementCounters(txCtx, b.ID, models.BatchCounterDelta{Sent: 2, Delivered: 1})
	}))

	got, err := batches.ByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.SentCount)
	assert.Equal(t, 1, got.DeliveredCount)

	ok, err := batches.Finalize(ctx, b.ID, models.BatchStatusCompleted, utils.UTCNow(), 0.5)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = batches.Finalize(ctx, b.ID, models.BatchStatusCompleted, utils.UTCNow(), 0.5)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestServiceHealthRepository_Postgres(t *testing.T) {
	tdb := setupDB(t)
	ctx := context.Background()
	repo := repository.NewServiceHealthRepository(tdb.DB)

	row, err := repo.CreateIfAbsent(ctx, &models.ServiceHealth{
		ServiceID:        "twilio",
		Status:           models.HealthStatusHealthy,
		CircuitState:     models.CircuitClosed,
		FailureThreshold: 10,
		SuccessThreshold: 3,
		OpenDurationMs:   30000,
	})
	require.NoError(t, err)
	require.NotNil(t, row)

	next := *row
	next.ConsecutiveFailures = 1
	ok, err := repo.CompareAndSwap(ctx, &next, row.Version)
	require.NoError(t, err)
	assert.True(t, ok)

	stale := *row
	stale.ConsecutiveFailures = 7
	ok, err = repo.CompareAndSwap(ctx, &stale, row.Version)
	require.NoError(t, err)
	assert.False(t, ok)

	deleted, err := repo.Delete(ctx, "twilio")
	require.NoError(t, err)
	assert.True(t, deleted)
}
