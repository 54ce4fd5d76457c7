// Package domain contains persistence models for subscriptions and their retry schedule.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/rebill/internal/plan/domain"
	"gorm.io/datatypes"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusPaused   SubscriptionStatus = "paused"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
)

// Subscription is a recurring billing agreement charged against a vaulted card.
// Card fields are display-only; the gateway vault holds the credential.
type Subscription struct {
	ID                     snowflake.ID        `gorm:"primaryKey" json:"id"`
	CustomerID             snowflake.ID        `gorm:"not null;index" json:"customer_id"`
	PlanID                 snowflake.ID        `gorm:"not null;index" json:"plan_id"`
	Status                 SubscriptionStatus  `gorm:"type:text;not null;index:ix_subscriptions_due,priority:1" json:"status"`
	Amount                 int64               `gorm:"not null" json:"amount"`
	Currency               string              `gorm:"type:text;not null" json:"currency"`
	Interval               plandomain.Interval `gorm:"column:billing_interval;type:text;not null" json:"interval"`
	NextBillAt             time.Time           `gorm:"not null;index:ix_subscriptions_due,priority:2" json:"next_bill_at"`
	Retries                int                 `gorm:"not null;default:0" json:"retries"`
	LastAttemptAt          *time.Time          `json:"last_attempt_at,omitempty"`
	VaultToken             string              `gorm:"type:text;not null" json:"-"`
	CardBIN                string              `gorm:"column:card_bin;type:text" json:"card_bin,omitempty"`
	CardLast4              string              `gorm:"column:card_last4;type:text" json:"card_last4,omitempty"`
	CardBrand              string              `gorm:"column:card_brand;type:text" json:"card_brand,omitempty"`
	CardExpMonth           int                 `gorm:"column:card_exp_month" json:"card_exp_month,omitempty"`
	CardExpYear            int                 `gorm:"column:card_exp_year" json:"card_exp_year,omitempty"`
	AutoCardUpdaterEnabled bool                `gorm:"not null;default:false" json:"auto_card_updater_enabled"`
	NetworkTokenEnabled    bool                `gorm:"not null;default:false" json:"network_token_enabled"`
	NetworkToken           *string             `gorm:"type:text" json:"-"`
	LastDeclineCode        string              `gorm:"type:text" json:"last_decline_code,omitempty"`
	LastDeclineCategory    string              `gorm:"type:text" json:"last_decline_category,omitempty"`
	CardRefreshedAt        *time.Time          `json:"card_refreshed_at,omitempty"`
	PausedAt               *time.Time          `json:"paused_at,omitempty"`
	CanceledAt             *time.Time          `json:"canceled_at,omitempty"`
	Metadata               datatypes.JSONMap   `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt              time.Time           `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt              time.Time           `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// Billable reports whether the subscription may be charged at all.
func (s Subscription) Billable() bool {
	return s.Status == SubscriptionStatusActive && s.VaultToken != ""
}

type RetryStatus string

const (
	RetryStatusPending  RetryStatus = "pending"
	RetryStatusExecuted RetryStatus = "executed"
	RetryStatusSkipped  RetryStatus = "skipped"
)

// RetrySchedule is a planned retry of a declined charge. At most one entry per
// subscription is pending at any time.
type RetrySchedule struct {
	ID               snowflake.ID `gorm:"primaryKey" json:"id"`
	SubscriptionID   snowflake.ID `gorm:"not null;index" json:"subscription_id"`
	Attempt          int          `gorm:"not null" json:"attempt"`
	ScheduledAt      time.Time    `gorm:"not null;index:ix_retry_schedules_due,priority:2" json:"scheduled_at"`
	Status           RetryStatus  `gorm:"type:text;not null;index:ix_retry_schedules_due,priority:1" json:"status"`
	DescriptorSuffix string       `gorm:"type:text" json:"descriptor_suffix"`
	DeclineCode      string       `gorm:"type:text" json:"decline_code,omitempty"`
	CreatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (RetrySchedule) TableName() string { return "retry_schedules" }
