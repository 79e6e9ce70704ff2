package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/amirphl/vendor-relay/config"
	"github.com/amirphl/vendor-relay/models"
	"github.com/amirphl/vendor-relay/repository"
	"github.com/amirphl/vendor-relay/utils"
)

// AuditSink receives one event per state-changing operation
type AuditSink interface {
	Record(ctx context.Context, entry *models.AuditLog) error
}

// DBAuditSink stores events in the audit_log table
type DBAuditSink struct {
	repo repository.AuditLogRepository
}

func NewDBAuditSink(repo repository.AuditLogRepository) *DBAuditSink {
	return &DBAuditSink{repo: repo}
}

func (s *DBAuditSink) Record(ctx context.Context, entry *models.AuditLog) error {
	if err := s.repo.Save(ctx, entry); err != nil {
		auditSinkErrors.WithLabelValues("db").Inc()
		return fmt.Errorf("failed to save audit log: %w", err)
	}
	return nil
}

// KafkaAuditSink publishes events to a topic keyed by entity id
type KafkaAuditSink struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaAuditSink(producer sarama.SyncProducer, topic string) *KafkaAuditSink {
	return &KafkaAuditSink{producer: producer, topic: topic}
}

// NewKafkaProducer creates an idempotent producer waiting for all in-sync replicas
func NewKafkaProducer(cfg config.KafkaConfig) (sarama.SyncProducer, error) {
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	sc.Producer.Return.Successes = true
	sc.Producer.Idempotent = true
	sc.Net.MaxOpenRequests = 1
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return producer, nil
}

func (s *KafkaAuditSink) Record(ctx context.Context, entry *models.AuditLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = utils.UTCNow()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(entry.EntityType + ":" + entry.EntityID),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("action"), Value: []byte(entry.Action)},
		},
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := s.producer.SendMessage(msg)
		done <- err
	}()
	select {
	case <-ctx.Done():
		auditSinkErrors.WithLabelValues("kafka").Inc()
		return ctx.Err()
	case err := <-done:
		if err != nil {
			auditSinkErrors.WithLabelValues("kafka").Inc()
			return fmt.Errorf("failed to publish audit event: %w", err)
		}
		return nil
	}
}

// MultiAuditSink fans an event out to every sink and joins their errors
type MultiAuditSink []AuditSink

func (m MultiAuditSink) Record(ctx context.Context, entry *models.AuditLog) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Record(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
