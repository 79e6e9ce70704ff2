package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/amirphl/vendor-relay/models"
	"github.com/amirphl/vendor-relay/repository"
	"github.com/google/uuid"
)

// MessageRepository implements repository.MessageRepository on a Store
type MessageRepository struct {
	s *Store
}

var _ repository.MessageRepository = (*MessageRepository)(nil)

func (r *MessageRepository) ByID(ctx context.Context, id uint) (*models.Message, error) {
	defer r.s.lock(ctx)()
	m, ok := r.s.messages[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (r *MessageRepository) find(ctx context.Context, match func(*models.Message) bool) (*models.Message, error) {
	defer r.s.lock(ctx)()
	for _, m := range r.s.messages {
		if match(&m) {
			found := m
			return &found, nil
		}
	}
	return nil, nil
}

func (r *MessageRepository) ByUUID(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	return r.find(ctx, func(m *models.Message) bool { return m.UUID == id })
}

func (r *MessageRepository) ByIdempotencyKey(ctx context.Context, vendorID, key string) (*models.Message, error) {
	return r.find(ctx, func(m *models.Message) bool {
		return m.VendorID == vendorID && m.IdempotencyKey != nil && *m.IdempotencyKey == key
	})
}

func (r *MessageRepository) ByProviderMessageID(ctx context.Context, providerMessageID string) (*models.Message, error) {
	return r.find(ctx, func(m *models.Message) bool {
		return m.ProviderMessageID != nil && *m.ProviderMessageID == providerMessageID
	})
}

func (r *MessageRepository) insert(m *models.Message) error {
	for _, existing := range r.s.messages {
		if existing.UUID == m.UUID {
			return fmt.Errorf("%w: messages.uuid", repository.ErrDuplicateKey)
		}
		if m.IdempotencyKey != nil && existing.IdempotencyKey != nil &&
			existing.VendorID == m.VendorID && *existing.IdempotencyKey == *m.IdempotencyKey {
			return fmt.Errorf("%w: messages.vendor_id,idempotency_key", repository.ErrDuplicateKey)
		}
	}
	if m.UUID == uuid.Nil {
		m.UUID = uuid.New()
	}
	m.ID = r.s.nextID()
	now := r.s.now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.Status == "" {
		m.Status = models.MessageStatusQueued
	}
	r.s.messages[m.ID] = *m
	return nil
}

func (r *MessageRepository) Save(ctx context.Context, entity *models.Message) error {
	defer r.s.lock(ctx)()
	return r.insert(entity)
}

func (r *MessageRepository) SaveBatch(ctx context.Context, entities []*models.Message) error {
	return r.s.WithTransaction(ctx, func(ctx context.Context) error {
		for _, m := range entities {
			if err := r.insert(m); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *MessageRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Message, error) {
	defer r.s.lock(ctx)()
	var due []*models.Message
	for _, m := range r.s.messages {
		if m.Status == models.MessageStatusQueued && (m.ScheduledAt == nil || !m.ScheduledAt.After(now)) {
			row := m
			due = append(due, &row)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].PriorityRank != due[j].PriorityRank {
			return due[i].PriorityRank < due[j].PriorityRank
		}
		if !due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *MessageRepository) CompareAndSetStatus(ctx context.Context, id uint, expected models.MessageStatus, updates map[string]any) (bool, error) {
	defer r.s.lock(ctx)()
	m, ok := r.s.messages[id]
	if !ok || m.Status != expected {
		return false, nil
	}
	if err := applyMessageUpdates(&m, updates); err != nil {
		return false, err
	}
	if m.ProviderMessageID != nil {
		for otherID, other := range r.s.messages {
			if otherID != id && other.ProviderMessageID != nil && *other.ProviderMessageID == *m.ProviderMessageID {
				return false, fmt.Errorf("%w: messages.provider_message_id", repository.ErrDuplicateKey)
			}
		}
	}
	if _, ok := updates["updated_at"]; !ok {
		m.UpdatedAt = r.s.now()
	}
	r.s.messages[id] = m
	return true, nil
}

func (r *MessageRepository) ReleaseStaleClaims(ctx context.Context, claimedBefore time.Time) (int64, error) {
	defer r.s.lock(ctx)()
	var released int64
	for id, m := range r.s.messages {
		if m.Status == models.MessageStatusProcessing && m.ClaimedAt != nil && m.ClaimedAt.Before(claimedBefore) {
			m.Status = models.MessageStatusQueued
			m.ClaimedAt = nil
			m.UpdatedAt = r.s.now()
			r.s.messages[id] = m
			released++
		}
	}
	return released, nil
}

func matchMessage(m *models.Message, f models.MessageFilter) bool {
	switch {
	case f.ID != nil && m.ID != *f.ID:
		return false
	case f.UUID != nil && m.UUID != *f.UUID:
		return false
	case f.VendorID != nil && m.VendorID != *f.VendorID:
		return false
	case f.Channel != nil && m.Channel != *f.Channel:
		return false
	case f.Status != nil && m.Status != *f.Status:
		return false
	case f.BatchID != nil && (m.BatchID == nil || *m.BatchID != *f.BatchID):
		return false
	case f.CreatedAfter != nil && m.CreatedAt.Before(*f.CreatedAfter):
		return false
	case f.CreatedBefore != nil && !m.CreatedAt.Before(*f.CreatedBefore):
		return false
	}
	return true
}

func (r *MessageRepository) filtered(ctx context.Context, filter models.MessageFilter) []*models.Message {
	defer r.s.lock(ctx)()
	var rows []*models.Message
	for _, m := range r.s.messages {
		if matchMessage(&m, filter) {
			row := m
			rows = append(rows, &row)
		}
	}
	return rows
}

func (r *MessageRepository) ByFilter(ctx context.Context, filter models.MessageFilter, orderBy string, limit, offset int) ([]*models.Message, error) {
	rows := r.filtered(ctx, filter)
	desc := strings.Contains(strings.ToUpper(orderBy), "DESC")
	sort.Slice(rows, func(i, j int) bool {
		if desc {
			return rows[i].ID > rows[j].ID
		}
		return rows[i].ID < rows[j].ID
	})
	return paginate(rows, limit, offset), nil
}

func (r *MessageRepository) Count(ctx context.Context, filter models.MessageFilter) (int64, error) {
	return int64(len(r.filtered(ctx, filter))), nil
}

func (r *MessageRepository) Exists(ctx context.Context, filter models.MessageFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	return c > 0, err
}

func paginate[T any](rows []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(rows) {
			return nil
		}
		rows = rows[offset:]
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}
