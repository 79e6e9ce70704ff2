// Package memory provides a process-local implementation of the repository
// interfaces. It backs single-node development runs and unit tests; writes are
// serialized by one mutex and transactions roll back by restoring a snapshot.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/amirphl/vendor-relay/models"
	"github.com/amirphl/vendor-relay/repository"
)

type txKey struct{}

// Store holds every table in memory
type Store struct {
	mu       sync.Mutex
	seq      uint
	messages map[uint]models.Message
	batches  map[uint]models.Batch
	health   map[string]models.ServiceHealth
	audit    []models.AuditLog
	now      func() time.Time
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		messages: make(map[uint]models.Message),
		batches:  make(map[uint]models.Batch),
		health:   make(map[string]models.ServiceHealth),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type snapshot struct {
	seq      uint
	messages map[uint]models.Message
	batches  map[uint]models.Batch
	health   map[string]models.ServiceHealth
	audit    []models.AuditLog
}

// lock acquires the store mutex unless ctx already runs inside one of this
// store's transactions.
func (s *Store) lock(ctx context.Context) func() {
	if owner, ok := ctx.Value(txKey{}).(*Store); ok && owner == s {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *Store) nextID() uint {
	s.seq++
	return s.seq
}

// WithTransaction implements repository.Transactor
func (s *Store) WithTransaction(ctx context.Context, fn func(context.Context) error) (err error) {
	if owner, ok := ctx.Value(txKey{}).(*Store); ok && owner == s {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := snapshot{
		seq:      s.seq,
		messages: maps.Clone(s.messages),
		batches:  maps.Clone(s.batches),
		health:   maps.Clone(s.health),
		audit:    slices.Clone(s.audit),
	}
	restore := func() {
		s.seq = snap.seq
		s.messages = snap.messages
		s.batches = snap.batches
		s.health = snap.health
		s.audit = snap.audit
	}

	defer func() {
		if r := recover(); r != nil {
			restore()
			err = fmt.Errorf("panic in transaction: %v", r)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		restore()
		return err
	}
	return nil
}

// Repositories returns views of the store for every repository interface
func (s *Store) Repositories() (repository.MessageRepository, repository.BatchRepository, repository.ServiceHealthRepository, repository.AuditLogRepository) {
	return &MessageRepository{s: s}, &BatchRepository{s: s}, &ServiceHealthRepository{s: s}, &AuditLogRepository{s: s}
}

// AuditLogs returns a copy of the recorded audit entries
func (s *Store) AuditLogs() []models.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.audit)
}

var _ repository.Transactor = (*Store)(nil)
