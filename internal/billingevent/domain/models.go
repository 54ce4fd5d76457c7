package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// BillingEvent captures outbox events for billing workflows.
type BillingEvent struct {
	ID          snowflake.ID      `gorm:"primaryKey"`
	EventType   string            `gorm:"type:text;not null;index"`
	Payload     datatypes.JSONMap `gorm:"type:jsonb;not null"`
	DedupeKey   *string           `gorm:"type:text;uniqueIndex:ux_billing_event_dedupe"`
	Published   bool              `gorm:"not null;default:false;index"`
	PublishedAt *time.Time        `gorm:""`
	CreatedAt   time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BillingEvent) TableName() string { return "billing_events" }
