package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/amirphl/vendor-relay/models"
	"github.com/amirphl/vendor-relay/repository/memory"
	"github.com/amirphl/vendor-relay/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKafkaAuditSink_Record(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	defer func() { _ = producer.Close() }()

	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var entry models.AuditLog
		if err := json.Unmarshal(val, &entry); err != nil {
			return err
		}
		if entry.Action != models.AuditActionMessageEnqueued || entry.EntityID != "42" {
			return errors.New("unexpected audit payload")
		}
		return nil
	})

	sink := NewKafkaAuditSink(producer, "audit")
	err := sink.Record(context.Background(), &models.AuditLog{
		Action:     models.AuditActionMessageEnqueued,
		EntityType: models.AuditEntityMessage,
		EntityID:   "42",
		VendorID:   utils.ToPtr("vendor-1"),
	})
	require.NoError(t, err)
}

func TestKafkaAuditSink_PropagatesFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	defer func() { _ = producer.Close() }()
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	sink := NewKafkaAuditSink(producer, "audit")
	err := sink.Record(context.Background(), &models.AuditLog{Action: models.AuditActionMessageSent, EntityType: models.AuditEntityMessage, EntityID: "1"})
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
}

type failingSink struct{ err error }

func (f failingSink) Record(context.Context, *models.AuditLog) error { return f.err }

func TestMultiAuditSink_RecordsEverywhere(t *testing.T) {
	store := memory.NewStore()
	_, _, _, auditRepo := store.Repositories()
	boom := errors.New("kafka down")

	sink := MultiAuditSink{NewDBAuditSink(auditRepo), failingSink{err: boom}}
	err := sink.Record(context.Background(), &models.AuditLog{Action: models.AuditActionBatchEnqueued, EntityType: models.AuditEntityBatch, EntityID: "7"})

	assert.ErrorIs(t, err, boom)
	require.Len(t, store.AuditLogs(), 1)
	assert.Equal(t, models.AuditActionBatchEnqueued, store.AuditLogs()[0].Action)
}
