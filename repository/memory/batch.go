package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/amirphl/vendor-relay/models"
	"github.com/amirphl/vendor-relay/repository"
	"github.com/google/uuid"
)

// BatchRepository implements repository.BatchRepository on a Store
type BatchRepository struct {
	s *Store
}

var _ repository.BatchRepository = (*BatchRepository)(nil)

func (r *BatchRepository) ByID(ctx context.Context, id uint) (*models.Batch, error) {
	defer r.s.lock(ctx)()
	b, ok := r.s.batches[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (r *BatchRepository) ByUUID(ctx context.Context, id uuid.UUID) (*models.Batch, error) {
	defer r.s.lock(ctx)()
	for _, b := range r.s.batches {
		if b.UUID == id {
			found := b
			return &found, nil
		}
	}
	return nil, nil
}

func (r *BatchRepository) insert(b *models.Batch) error {
	for _, existing := range r.s.batches {
		if existing.UUID == b.UUID {
			return fmt.Errorf("%w: batches.uuid", repository.ErrDuplicateKey)
		}
	}
	if b.UUID == uuid.Nil {
		b.UUID = uuid.New()
	}
	b.ID = r.s.nextID()
	now := r.s.now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	if b.Status == "" {
		b.Status = models.BatchStatusProcessing
	}
	r.s.batches[b.ID] = *b
	return nil
}

func (r *BatchRepository) Save(ctx context.Context, entity *models.Batch) error {
	defer r.s.lock(ctx)()
	return r.insert(entity)
}

func (r *BatchRepository) SaveBatch(ctx context.Context, entities []*models.Batch) error {
	return r.s.WithTransaction(ctx, func(ctx context.Context) error {
		for _, b := range entities {
			if err := r.insert(b); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *BatchRepository) IncrementCounters(ctx context.Context, id uint, delta models.BatchCounterDelta) error {
	if delta.IsZero() {
		return nil
	}
	defer r.s.lock(ctx)()
	b, ok := r.s.batches[id]
	if !ok {
		return nil
	}
	b.SentCount += delta.Sent
	b.DeliveredCount += delta.Delivered
	b.FailedCount += delta.Failed
	b.BouncedCount += delta.Bounced
	b.UpdatedAt = r.s.now()
	r.s.batches[id] = b
	return nil
}

func (r *BatchRepository) Finalize(ctx context.Context, id uint, status models.BatchStatus, completedAt time.Time, deliveryRate float64) (bool, error) {
	defer r.s.lock(ctx)()
	b, ok := r.s.batches[id]
	if !ok || b.Status != models.BatchStatusProcessing {
		return false, nil
	}
	b.Status = status
	b.CompletedAt = &completedAt
	b.DeliveryRate = &deliveryRate
	b.UpdatedAt = completedAt
	r.s.batches[id] = b
	return true, nil
}

func (r *BatchRepository) UpdateDeliveryRate(ctx context.Context, id uint, deliveryRate float64) error {
	defer r.s.lock(ctx)()
	b, ok := r.s.batches[id]
	if !ok {
		return nil
	}
	b.DeliveryRate = &deliveryRate
	b.UpdatedAt = r.s.now()
	r.s.batches[id] = b
	return nil
}

func (r *BatchRepository) filtered(ctx context.Context, f models.BatchFilter) []*models.Batch {
	defer r.s.lock(ctx)()
	var rows []*models.Batch
	for _, b := range r.s.batches {
		switch {
		case f.ID != nil && b.ID != *f.ID:
			continue
		case f.UUID != nil && b.UUID != *f.UUID:
			continue
		case f.VendorID != nil && b.VendorID != *f.VendorID:
			continue
		case f.Status != nil && b.Status != *f.Status:
			continue
		}
		row := b
		rows = append(rows, &row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows
}

func (r *BatchRepository) ByFilter(ctx context.Context, filter models.BatchFilter, orderBy string, limit, offset int) ([]*models.Batch, error) {
	return paginate(r.filtered(ctx, filter), limit, offset), nil
}

func (r *BatchRepository) Count(ctx context.Context, filter models.BatchFilter) (int64, error) {
	return int64(len(r.filtered(ctx, filter))), nil
}

func (r *BatchRepository) Exists(ctx context.Context, filter models.BatchFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	return c > 0, err
}
