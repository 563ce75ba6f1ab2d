package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// OutboxRecord is written in the same transaction as the change it announces.
// PublishedAt moves from nil to set exactly once, owned by the relay.
type OutboxRecord struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Topic       string         `gorm:"size:128;not null"`
	Payload     datatypes.JSON `gorm:"not null"`
	CreatedAt   time.Time      `gorm:"not null;index:idx_outbox_pending,priority:2"`
	PublishedAt *time.Time     `gorm:"index:idx_outbox_pending,priority:1"`
}

func (OutboxRecord) TableName() string { return "outbox" }

// ProcessedEvent is the projector's idempotency ledger.
type ProcessedEvent struct {
	EventID     uuid.UUID `gorm:"type:uuid;primaryKey"`
	ProcessedAt time.Time `gorm:"not null"`
}

func (ProcessedEvent) TableName() string { return "processed_events" }
