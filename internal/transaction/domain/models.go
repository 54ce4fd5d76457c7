// Package domain contains charge attempt records and reconciliation entries.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusApproved Status = "approved"
	StatusDeclined Status = "declined"
	StatusError    Status = "error"
)

// Transaction is one charge attempt. Rows are written once; the only later change is
// linking the subscription created by an approved first charge.
type Transaction struct {
	ID              snowflake.ID      `gorm:"primaryKey" json:"id"`
	OrderRef        string            `gorm:"type:text;not null;uniqueIndex:ux_transactions_order_ref" json:"order_ref"`
	GatewayTxnID    *string           `gorm:"column:gateway_txn_id;type:text" json:"gateway_txn_id,omitempty"`
	SubscriptionID  *snowflake.ID     `gorm:"index" json:"subscription_id,omitempty"`
	CustomerID      snowflake.ID      `gorm:"not null;index" json:"customer_id"`
	PlanID          snowflake.ID      `gorm:"not null" json:"plan_id"`
	Status          Status            `gorm:"type:text;not null;index:ix_transactions_created,priority:2" json:"status"`
	ResponseCode    string            `gorm:"type:text" json:"response_code,omitempty"`
	ResponseText    string            `gorm:"type:text" json:"response_text,omitempty"`
	AuthCode        string            `gorm:"type:text" json:"auth_code,omitempty"`
	Amount          int64             `gorm:"not null" json:"amount"`
	Currency        string            `gorm:"type:text;not null" json:"currency"`
	Initiator       string            `gorm:"type:text;not null" json:"initiator"`
	Recurring       string            `gorm:"type:text;not null" json:"recurring"`
	Descriptor      string            `gorm:"type:text" json:"descriptor"`
	RetryAttempt    int               `gorm:"not null;default:0" json:"retry_attempt"`
	DeclineCategory string            `gorm:"type:text" json:"decline_category,omitempty"`
	CardBIN         string            `gorm:"column:card_bin;type:text" json:"card_bin,omitempty"`
	CardBrand       string            `gorm:"column:card_brand;type:text" json:"card_brand,omitempty"`
	GatewayRaw      datatypes.JSONMap `gorm:"type:jsonb" json:"-"`
	CreatedAt       time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP;index:ix_transactions_created,priority:1" json:"created_at"`
}

// TableName sets the database table name.
func (Transaction) TableName() string { return "transactions" }

type ReconciliationStatus string

const (
	ReconciliationStatusPending  ReconciliationStatus = "pending"
	ReconciliationStatusResolved ReconciliationStatus = "resolved"
)

// Reconciliation outcomes.
const (
	OutcomeApproved         = "approved"
	OutcomeApprovedUnlinked = "approved_unlinked"
	OutcomeDeclined         = "declined"
	OutcomeNotCharged       = "not_charged"
)

// Reconciliation tracks a charge whose gateway outcome was not observed. While one is
// pending the subscription is not charged again.
type Reconciliation struct {
	ID             snowflake.ID         `gorm:"primaryKey" json:"id"`
	TransactionID  snowflake.ID         `gorm:"not null;uniqueIndex:ux_reconciliations_transaction" json:"transaction_id"`
	OrderRef       string               `gorm:"type:text;not null" json:"order_ref"`
	SubscriptionID *snowflake.ID        `gorm:"index" json:"subscription_id,omitempty"`
	Status         ReconciliationStatus `gorm:"type:text;not null;index" json:"status"`
	Outcome        string               `gorm:"type:text" json:"outcome,omitempty"`
	GatewayTxnID   *string              `gorm:"column:gateway_txn_id;type:text" json:"gateway_txn_id,omitempty"`
	ResponseCode   string               `gorm:"type:text" json:"response_code,omitempty"`
	ResponseText   string               `gorm:"type:text" json:"response_text,omitempty"`
	Attempts       int                  `gorm:"not null;default:0" json:"attempts"`
	LastError      string               `gorm:"type:text" json:"last_error,omitempty"`
	ResolvedAt     *time.Time           `json:"resolved_at,omitempty"`
	CreatedAt      time.Time            `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt      time.Time            `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Reconciliation) TableName() string { return "reconciliations" }
