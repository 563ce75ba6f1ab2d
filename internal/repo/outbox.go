package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/richardliu001/order-analytics/internal/event"
	"github.com/richardliu001/order-analytics/internal/model"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OutboxRepository stores events next to the write-side change that produced them.
type OutboxRepository struct {
	db        *gorm.DB
	exclusive bool
	now       func() time.Time
}

// NewOutboxRepository constructs repo. With exclusive set, Claim locks each record
// for the duration of its publish so several relays can share one outbox.
func NewOutboxRepository(db *gorm.DB, exclusive bool) *OutboxRepository {
	return &OutboxRepository{db: db, exclusive: exclusive, now: func() time.Time { return time.Now().UTC() }}
}

// Insert writes ev inside the caller's transaction. The record id is the event id.
func (r *OutboxRepository) Insert(ctx context.Context, tx *gorm.DB, ev event.Event) (*model.OutboxRecord, error) {
	payload, err := event.Encode(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Type(), err)
	}
	rec := &model.OutboxRecord{
		ID:        ev.ID(),
		Topic:     ev.Topic(),
		Payload:   datatypes.JSON(payload),
		CreatedAt: r.now(),
	}
	if err := tx.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, fmt.Errorf("insert outbox %s: %w", ev.ID(), err)
	}
	return rec, nil
}

// PollUnpublished returns up to limit unpublished records, oldest first.
func (r *OutboxRepository) PollUnpublished(ctx context.Context, limit int) ([]model.OutboxRecord, error) {
	var recs []model.OutboxRecord
	err := r.db.WithContext(ctx).
		Where("published_at IS NULL").
		Order("created_at ASC").
		Limit(limit).
		Find(&recs).Error
	return recs, err
}

// MarkPublished stamps published_at. Already published records are left untouched.
func (r *OutboxRepository) MarkPublished(ctx context.Context, id uuid.UUID) error {
	return r.markPublished(r.db.WithContext(ctx), id)
}

func (r *OutboxRepository) markPublished(tx *gorm.DB, id uuid.UUID) error {
	return tx.Model(&model.OutboxRecord{}).
		Where("id = ? AND published_at IS NULL", id).
		Update("published_at", r.now()).Error
}

// Claim publishes rec and marks it published. It reports false without calling
// publish when the record is no longer pending; in exclusive mode also when
// another relay holds its lock.
func (r *OutboxRepository) Claim(ctx context.Context, rec model.OutboxRecord, publish func(context.Context, model.OutboxRecord) error) (bool, error) {
	if !r.exclusive {
		if rec.PublishedAt != nil {
			return false, nil
		}
		if err := publish(ctx, rec); err != nil {
			return true, err
		}
		return true, r.MarkPublished(ctx, rec.ID)
	}

	claimed := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var locked model.OutboxRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("id = ? AND published_at IS NULL", rec.ID).
			Take(&locked).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		claimed = true
		if err := publish(ctx, locked); err != nil {
			return err
		}
		return r.markPublished(tx, locked.ID)
	})
	return claimed, err
}

// Pending counts unpublished records.
func (r *OutboxRepository) Pending(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.OutboxRecord{}).Where("published_at IS NULL").Count(&n).Error
	return n, err
}
